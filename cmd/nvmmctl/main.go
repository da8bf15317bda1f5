// Command nvmmctl boots flat binary guests on NVMM and inspects the traces
// they leave behind.
package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"
)

// exitError carries the guest's exit code out of the run command.
type exitError struct {
	code int
}

func (e *exitError) Error() string { return fmt.Sprintf("guest exited with code %d", e.code) }

func newLogger(debug bool) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	if term.IsTerminal(int(os.Stderr.Fd())) {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

func newRootCommand() *cobra.Command {
	var debug bool

	root := &cobra.Command{
		Use:           "nvmmctl",
		Short:         "Run guests on the NetBSD Virtual Machine Monitor",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			slog.SetDefault(newLogger(debug))
		},
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")

	root.AddCommand(
		newCapsCommand(),
		newRunCommand(),
		newTimesliceCommand(),
		newTraceCommand(),
	)
	return root
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		var exit *exitError
		if errors.As(err, &exit) {
			os.Exit(exit.code)
		}
		fmt.Fprintf(os.Stderr, "nvmmctl: %v\n", err)
		os.Exit(1)
	}
}
