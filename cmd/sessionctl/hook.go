package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"sessiond/internal/event"
	"sessiond/internal/ipc"
	"sessiond/internal/procinfo"
)

// Shell event delivery is retried with the same event id.
const (
	shellAttempts = 3
	shellBackoff  = 50 * time.Millisecond
)

func newHookCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "hook <EventType>",
		Short: "Forward a hook payload from stdin",
		Long: `Reads the hook's JSON payload from stdin, tags it with the event type and
sends it to the daemon. The exit status is always zero so the calling tool is
never blocked; use --verbose to see delivery failures.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			err := runHook(cmd.Context(), opts, args[0], cmd.InOrStdin(), cmd.ErrOrStderr(), os.Getppid())
			if err != nil && opts.verbose {
				fmt.Fprintln(cmd.ErrOrStderr(), "sessionctl hook:", err)
			}
			return nil
		},
	}
}

func runHook(ctx context.Context, opts *options, eventType string, stdin io.Reader, stderr io.Writer, ppid int) error {
	if _, err := event.ParseType(eventType); err != nil {
		return err
	}
	data, err := io.ReadAll(io.LimitReader(stdin, ipc.MaxLineSize))
	if err != nil {
		return fmt.Errorf("read payload: %w", err)
	}
	payload, err := hookPayload(data, eventType, ppid, procinfo.StartTime)
	if err != nil {
		return err
	}

	c, err := newClient(opts)
	if err != nil {
		return err
	}
	defer c.Close()
	res, err := c.SendEvent(ctx, payload)
	if err != nil {
		return err
	}
	if opts.verbose {
		fmt.Fprintf(stderr, "sessionctl hook: %s %s\n", eventType, res.Outcome)
	}
	return nil
}

// hookPayload merges eventType into the hook's payload and stamps it with
// an event id and the current time unless the hook sent its own. A missing
// pid is taken to be pid, the tool that ran the hook, together with its
// start time when startTime can read it.
func hookPayload(data []byte, eventType string, pid int, startTime func(int) (int64, error)) (json.RawMessage, error) {
	fields := map[string]any{}
	if len(strings.TrimSpace(string(data))) > 0 {
		if err := json.Unmarshal(data, &fields); err != nil {
			return nil, fmt.Errorf("decode payload: %w", err)
		}
	}
	fields["event_type"] = eventType
	if id, _ := fields["event_id"].(string); strings.TrimSpace(id) == "" {
		fields["event_id"] = uuid.NewString()
	}
	if at, _ := fields["recorded_at"].(string); strings.TrimSpace(at) == "" {
		fields["recorded_at"] = event.FormatTime(time.Now())
	}
	if _, ok := fields["pid"]; !ok && pid > 0 {
		fields["pid"] = pid
		if started, err := startTime(pid); err == nil {
			fields["proc_started"] = started
		}
	}
	return json.Marshal(fields)
}

type shellFlags struct {
	pid       int
	cwd       string
	tty       string
	parentApp string
}

func newShellCwdCommand(opts *options) *cobra.Command {
	var f shellFlags
	cmd := &cobra.Command{
		Use:   "shell-cwd",
		Short: "Report the calling shell's location",
		Long: `Sends a ShellCwd event for the calling shell, meant to run from a prompt
hook. Values default to the parent process, the working directory and the
terminal environment. Like hook, it always exits zero.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			err := runShellCwd(cmd.Context(), opts, f)
			if err != nil && opts.verbose {
				fmt.Fprintln(cmd.ErrOrStderr(), "sessionctl shell-cwd:", err)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&f.pid, "pid", 0, "Shell pid (default: parent process)")
	cmd.Flags().StringVar(&f.cwd, "cwd", "", "Shell working directory (default: $PWD)")
	cmd.Flags().StringVar(&f.tty, "tty", "", "Terminal device (default: from stdin)")
	cmd.Flags().StringVar(&f.parentApp, "parent-app", "", "Terminal application (default: from $TERM_PROGRAM)")
	return cmd
}

func runShellCwd(ctx context.Context, opts *options, f shellFlags) error {
	raw := shellEvent(f, os.Getenv, os.Getppid)
	if raw.Cwd == "" {
		wd, err := os.Getwd()
		if err != nil {
			return err
		}
		raw.Cwd = wd
	}
	if raw.TTY == "" {
		raw.TTY = stdinTTY()
	}
	if os.Getenv("TMUX") != "" {
		raw.TmuxSession, raw.TmuxClientTTY = tmuxInfo(ctx)
	}
	payload, err := json.Marshal(raw)
	if err != nil {
		return err
	}

	c, err := newClient(opts)
	if err != nil {
		return err
	}
	defer c.Close()
	return sendWithRetry(ctx, func(ctx context.Context) error {
		_, err := c.SendEvent(ctx, payload)
		return err
	})
}

// shellEvent builds the event from flags and the environment. The event id
// is fixed before the first attempt.
func shellEvent(f shellFlags, getenv func(string) string, getppid func() int) event.Raw {
	raw := event.Raw{
		EventID:    uuid.NewString(),
		EventType:  event.ShellCwd.String(),
		PID:        f.pid,
		Cwd:        f.cwd,
		TTY:        f.tty,
		ParentApp:  f.parentApp,
		RecordedAt: event.FormatTime(time.Now()),
	}
	if raw.PID == 0 {
		raw.PID = getppid()
	}
	if raw.Cwd == "" {
		raw.Cwd = getenv("PWD")
	}
	if raw.TTY == "" {
		raw.TTY = getenv("TTY")
	}
	if raw.ParentApp == "" {
		raw.ParentApp = parentApp(getenv)
	}
	return raw
}

// parentApp names the terminal application from its environment.
func parentApp(getenv func(string) string) string {
	switch prog := getenv("TERM_PROGRAM"); prog {
	case "iTerm.app":
		return "iterm2"
	case "Apple_Terminal":
		return "terminal"
	case "":
	default:
		return strings.ToLower(strings.TrimSuffix(prog, ".app"))
	}
	switch {
	case getenv("KITTY_WINDOW_ID") != "":
		return "kitty"
	case getenv("ALACRITTY_SOCKET") != "" || getenv("ALACRITTY_LOG") != "":
		return "alacritty"
	case getenv("WEZTERM_PANE") != "":
		return "wezterm"
	}
	return ""
}

func stdinTTY() string {
	if !isatty.IsTerminal(os.Stdin.Fd()) {
		return ""
	}
	for _, link := range []string{"/proc/self/fd/0", "/dev/fd/0"} {
		if name, err := os.Readlink(link); err == nil && strings.HasPrefix(name, "/dev/") {
			return name
		}
	}
	return ""
}

// tmuxInfo asks tmux for the session name and client tty.
func tmuxInfo(ctx context.Context) (session, clientTTY string) {
	ctx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer cancel()
	out, err := exec.CommandContext(ctx, "tmux", "display-message", "-p", "#{session_name}\t#{client_tty}").Output()
	if err != nil {
		return "", ""
	}
	session, clientTTY, _ = strings.Cut(strings.TrimSpace(string(out)), "\t")
	return session, clientTTY
}

// sendWithRetry retries transient failures. A daemon that is not running
// is not retried.
func sendWithRetry(ctx context.Context, send func(context.Context) error) error {
	var err error
	for attempt := 0; attempt < shellAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(shellBackoff * time.Duration(attempt)):
			}
		}
		err = send(ctx)
		if err == nil || !retryable(err) {
			return err
		}
	}
	return err
}

func retryable(err error) bool {
	return errors.Is(err, ipc.ErrTimeout) || errors.Is(err, ipc.ErrConnectionLost)
}
