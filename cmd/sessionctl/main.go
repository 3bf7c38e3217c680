// sessionctl is the command-line client for sessiond.
package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"sessiond/internal/config"
	"sessiond/internal/ipc"
)

// Exit codes.
const (
	exitOK          = 0
	exitError       = 1
	exitUnavailable = 2
)

type options struct {
	configFile string
	verbose    bool
	jsonOutput bool
	timeout    time.Duration
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

// run executes one invocation and returns the process exit code.
func run(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	opts := &options{}
	root := newRootCommand(opts)
	root.SetArgs(args)
	root.SetIn(stdin)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.Execute()
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, ipc.ErrDaemonNotRunning):
		p := newPrinter(stdout, opts.jsonOutput)
		if p.json {
			p.JSON(map[string]string{"status": "unavailable"})
		} else {
			fmt.Fprintln(stdout, "unavailable")
		}
		return exitUnavailable
	default:
		fmt.Fprintln(stderr, "sessionctl:", err)
		return exitError
	}
}

func newRootCommand(opts *options) *cobra.Command {
	root := &cobra.Command{
		Use:           "sessionctl",
		Short:         "Query and feed the sessiond daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&opts.configFile, "config", "c", "", "Path to config file")
	root.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "Report delivery failures of hook commands")
	root.PersistentFlags().BoolVar(&opts.jsonOutput, "json", false, "Output in JSON format")
	root.PersistentFlags().DurationVar(&opts.timeout, "timeout", 0, "Request timeout (default from config)")

	root.AddCommand(
		newHealthCommand(opts),
		newSessionsCommand(opts),
		newProjectsCommand(opts),
		newShellsCommand(opts),
		newLivenessCommand(opts),
		newRegisterCommand(opts),
		newHookCommand(opts),
		newShellCwdCommand(opts),
	)
	return root
}

// newClient connects to the socket named by the configuration. A broken
// config file falls back to the defaults so that hooks keep working.
func newClient(opts *options) (*ipc.Client, error) {
	cfg, err := config.Load(opts.configFile)
	if err != nil {
		if opts.configFile != "" {
			return nil, err
		}
		cfg = config.DefaultConfig()
	}
	timeout := cfg.IPC.ClientTimeout()
	if opts.timeout > 0 {
		timeout = opts.timeout
	}
	return ipc.NewClient(ipc.ClientConfig{SocketPath: cfg.IPC.SocketPath, Timeout: timeout}), nil
}
