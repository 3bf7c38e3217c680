package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/mattn/go-isatty"

	"sessiond/internal/health"
	"sessiond/internal/session"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
	borderStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))

	stateColors = map[string]lipgloss.Color{
		string(session.Working):        lipgloss.Color("2"),
		string(session.Waiting):        lipgloss.Color("3"),
		string(session.Compacting):     lipgloss.Color("5"),
		string(session.Ready):          lipgloss.Color("4"),
		string(health.StatusHealthy):   lipgloss.Color("2"),
		string(health.StatusDegraded):  lipgloss.Color("3"),
		string(health.StatusUnhealthy): lipgloss.Color("1"),
	}
)

// printer writes results as JSON or as tables.
type printer struct {
	out  io.Writer
	json bool
}

// newPrinter picks JSON when forced or when out is not a terminal.
func newPrinter(out io.Writer, forceJSON bool) *printer {
	return &printer{out: out, json: forceJSON || !isTerminal(out)}
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// JSON writes v indented.
func (p *printer) JSON(v any) error {
	enc := json.NewEncoder(p.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// Table writes rows under headers. An empty table prints a note instead.
func (p *printer) Table(empty string, headers []string, rows [][]string) error {
	if len(rows) == 0 {
		_, err := fmt.Fprintln(p.out, empty)
		return err
	}
	_, err := fmt.Fprintln(p.out, renderTable(headers, rows))
	return err
}

// Line writes one formatted line.
func (p *printer) Line(format string, args ...any) {
	fmt.Fprintf(p.out, format+"\n", args...)
}

func renderTable(headers []string, rows [][]string) string {
	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(borderStyle).
		Headers(headers...).
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		})
	return t.String()
}

// colorize paints known state names.
func colorize(s string) string {
	if c, ok := stateColors[s]; ok {
		return lipgloss.NewStyle().Foreground(c).Render(s)
	}
	return s
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// ago renders t relative to now.
func ago(t time.Time, now time.Time) string {
	if t.IsZero() {
		return "-"
	}
	d := now.Sub(t).Round(time.Second)
	if d < 0 {
		d = 0
	}
	return d.String() + " ago"
}
