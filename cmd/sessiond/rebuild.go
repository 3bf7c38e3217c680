package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"sessiond/internal/ipc"
)

func runRebuild(ctx context.Context, out io.Writer, opts *options) error {
	cfg, _, log, err := loadConfig(opts)
	if err != nil {
		return err
	}
	defer log.Close()

	client := ipc.NewClient(ipc.DefaultClientConfig(cfg.IPC.SocketPath))
	_, err = client.Health(ctx)
	client.Close()
	if err == nil {
		return fmt.Errorf("sessiond is running on %s; stop it before rebuilding", cfg.IPC.SocketPath)
	}
	if !errors.Is(err, ipc.ErrDaemonNotRunning) {
		return fmt.Errorf("probe daemon: %w", err)
	}

	d := &daemon{cfg: cfg, log: log, logger: log.WithComponent("rebuild")}
	if err := d.openState(ctx); err != nil {
		d.closeState()
		return err
	}
	defer d.closeState()
	d.writer.Start()

	rep, err := d.writer.Rebuild(ctx)
	if err != nil {
		return fmt.Errorf("rebuild: %w", err)
	}
	d.logger.Info("rebuild complete",
		"events", rep.Events, "bad_events", rep.BadEvents, "sessions", rep.Sessions, "shells", rep.Shells)

	if opts.jsonOutput {
		return writeJSON(out, rep)
	}
	fmt.Fprintf(out, "Replayed %d events (%d unreadable)\n", rep.Events, rep.BadEvents)
	fmt.Fprintf(out, "Sessions: %d\n", rep.Sessions)
	fmt.Fprintf(out, "Shells:   %d\n", rep.Shells)
	return nil
}

func runConfig(out io.Writer, opts *options) error {
	cfg, _, log, err := loadConfig(opts)
	if err != nil {
		return err
	}
	defer log.Close()

	if opts.jsonOutput {
		return writeJSON(out, cfg)
	}
	data, err := cfg.Encode()
	if err != nil {
		return err
	}
	_, err = out.Write(data)
	return err
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
