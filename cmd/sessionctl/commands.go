package main

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"sessiond/internal/ipc"
)

// query runs fn against a fresh client and prints its result.
func query(cmd *cobra.Command, opts *options, fn func(ctx context.Context, c *ipc.Client, p *printer) error) error {
	c, err := newClient(opts)
	if err != nil {
		return err
	}
	defer c.Close()
	return fn(cmd.Context(), c, newPrinter(cmd.OutOrStdout(), opts.jsonOutput))
}

func newHealthCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Show daemon health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return query(cmd, opts, func(ctx context.Context, c *ipc.Client, p *printer) error {
				h, err := c.Health(ctx)
				if err != nil {
					return err
				}
				if p.json {
					return p.JSON(h)
				}
				p.Line("Status:   %s", colorize(string(h.Status)))
				p.Line("Version:  %s (protocol %d)", h.Version, h.ProtocolVersion)
				p.Line("Uptime:   %s", (time.Duration(h.UptimeSeconds) * time.Second).String())
				if h.Fatal != "" {
					p.Line("Fatal:    %s", h.Fatal)
				}

				names := make([]string, 0, len(h.Components))
				for name := range h.Components {
					names = append(names, name)
				}
				sort.Strings(names)
				rows := make([][]string, 0, len(names))
				for _, name := range names {
					r := h.Components[name]
					detail := r.Message
					if r.Error != "" {
						detail = r.Error
					}
					rows = append(rows, []string{name, colorize(string(r.Status)), detail})
				}
				return p.Table("No components registered", []string{"COMPONENT", "STATUS", "DETAIL"}, rows)
			})
		},
	}
}

func newSessionsCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "sessions",
		Short: "List tracked sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return query(cmd, opts, func(ctx context.Context, c *ipc.Client, p *printer) error {
				res, err := c.Sessions(ctx)
				if err != nil {
					return err
				}
				if p.json {
					return p.JSON(res)
				}
				now := time.Now()
				rows := make([][]string, 0, len(res.Sessions))
				for _, s := range res.Sessions {
					rows = append(rows, []string{
						s.SessionID,
						colorize(string(s.State)),
						strconv.Itoa(s.PID),
						orDash(s.ProjectPath),
						orDash(s.LastEvent),
						ago(s.UpdatedAt, now),
					})
				}
				return p.Table("No sessions",
					[]string{"SESSION", "STATE", "PID", "PROJECT", "LAST EVENT", "UPDATED"}, rows)
			})
		},
	}
}

func newProjectsCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "projects [path...]",
		Short: "Show derived state for projects",
		Long: `Shows the derived state of each path. Without arguments every registered
project is shown. Relative paths are resolved against the working directory.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			paths, err := absPaths(args)
			if err != nil {
				return err
			}
			return query(cmd, opts, func(ctx context.Context, c *ipc.Client, p *printer) error {
				res, err := c.ProjectStates(ctx, paths)
				if err != nil {
					return err
				}
				if p.json {
					return p.JSON(res)
				}
				rows := make([][]string, 0, len(res.Projects))
				for _, ps := range res.Projects {
					sessionID, shell := "-", "-"
					if ps.Session != nil {
						sessionID = ps.Session.SessionID
					}
					if ps.ActiveShell != nil {
						shell = strconv.Itoa(ps.ActiveShell.PID)
						if ps.ActiveShell.TTY != "" {
							shell += " " + ps.ActiveShell.TTY
						}
					}
					rows = append(rows, []string{
						ps.Path,
						colorize(string(ps.State)),
						sessionID,
						string(ps.Resolution),
						shell,
					})
				}
				return p.Table("No projects",
					[]string{"PATH", "STATE", "SESSION", "RESOLVED BY", "ACTIVE SHELL"}, rows)
			})
		},
	}
}

func newShellsCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "shells",
		Short: "List recorded shells",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return query(cmd, opts, func(ctx context.Context, c *ipc.Client, p *printer) error {
				res, err := c.ShellState(ctx)
				if err != nil {
					return err
				}
				if p.json {
					return p.JSON(res)
				}
				now := time.Now()
				rows := make([][]string, 0, len(res.Shells))
				for _, sh := range res.Shells {
					rows = append(rows, []string{
						strconv.Itoa(sh.PID),
						sh.Cwd,
						orDash(sh.TTY),
						orDash(sh.ParentApp),
						orDash(sh.TmuxSession),
						strconv.FormatBool(sh.IsLive),
						ago(sh.UpdatedAt, now),
					})
				}
				return p.Table("No shells",
					[]string{"PID", "CWD", "TTY", "APP", "TMUX", "LIVE", "UPDATED"}, rows)
			})
		},
	}
}

func newLivenessCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "liveness <pid>[:start]...",
		Short: "Check whether processes are alive",
		Long: `Checks each process. An optional start time in Unix seconds guards against
a reused pid.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			refs := make([]ipc.ProcessRef, 0, len(args))
			for _, arg := range args {
				ref, err := parseProcessRef(arg)
				if err != nil {
					return err
				}
				refs = append(refs, ref)
			}
			return query(cmd, opts, func(ctx context.Context, c *ipc.Client, p *printer) error {
				res, err := c.ProcessLiveness(ctx, refs)
				if err != nil {
					return err
				}
				if p.json {
					return p.JSON(res)
				}
				rows := make([][]string, 0, len(res.Results))
				for _, st := range res.Results {
					rows = append(rows, []string{
						strconv.Itoa(st.PID),
						strconv.FormatBool(st.Alive),
						strconv.FormatBool(st.Verified),
					})
				}
				return p.Table("No processes", []string{"PID", "ALIVE", "VERIFIED"}, rows)
			})
		},
	}
}

func newRegisterCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "register <path>",
		Short: "Track a project path",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			paths, err := absPaths(args)
			if err != nil {
				return err
			}
			return query(cmd, opts, func(ctx context.Context, c *ipc.Client, p *printer) error {
				res, err := c.RegisterProject(ctx, paths[0])
				if err != nil {
					return err
				}
				if p.json {
					return p.JSON(res)
				}
				p.Line("Registered %s (%d stale locks removed)", res.Path, res.OrphansRemoved)
				return nil
			})
		},
	}
}

// parseProcessRef parses "pid" or "pid:start".
func parseProcessRef(s string) (ipc.ProcessRef, error) {
	pidStr, startStr, hasStart := strings.Cut(s, ":")
	pid, err := strconv.Atoi(pidStr)
	if err != nil || pid <= 0 {
		return ipc.ProcessRef{}, fmt.Errorf("invalid pid %q", pidStr)
	}
	ref := ipc.ProcessRef{PID: pid}
	if hasStart {
		start, err := strconv.ParseInt(startStr, 10, 64)
		if err != nil || start < 0 {
			return ipc.ProcessRef{}, fmt.Errorf("invalid start time %q", startStr)
		}
		ref.ProcStarted = start
	}
	return ref, nil
}

func absPaths(args []string) ([]string, error) {
	paths := make([]string, 0, len(args))
	for _, a := range args {
		p, err := filepath.Abs(a)
		if err != nil {
			return nil, fmt.Errorf("resolve %s: %w", a, err)
		}
		paths = append(paths, p)
	}
	return paths, nil
}
