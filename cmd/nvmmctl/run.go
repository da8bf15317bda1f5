package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/tinyrange/nvmm/internal/exittrace"
	"github.com/tinyrange/nvmm/internal/hv"
	"github.com/tinyrange/nvmm/internal/machine"
	"github.com/tinyrange/nvmm/internal/nvmm"
	"github.com/tinyrange/nvmm/internal/nvmm/bindings"
	"github.com/tinyrange/nvmm/internal/timeslice"
)

func newCapsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "caps",
		Short: "Print the hypervisor's capabilities",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			kernel, err := bindings.Open()
			if err != nil {
				return err
			}
			c, err := kernel.Capability()
			if err != nil {
				return err
			}
			printCapability(cmd.OutOrStdout(), c)
			return nil
		},
	}
}

func printCapability(w io.Writer, c nvmm.Capability) {
	fmt.Fprintf(w, "version:        %d\n", c.Version)
	fmt.Fprintf(w, "state size:     %d\n", c.StateSize)
	fmt.Fprintf(w, "max machines:   %d\n", c.MaxMachines)
	fmt.Fprintf(w, "max vcpus:      %d\n", c.MaxVCPUs)
	fmt.Fprintf(w, "max ram:        %d MiB\n", c.MaxRAM>>20)
	fmt.Fprintf(w, "vcpu conf:      %#x (cpuid=%t tpr=%t)\n",
		c.Arch.VCPUConfSupport,
		c.SupportsVCPUConf(nvmm.CapVCPUConfCPUID),
		c.SupportsVCPUConf(nvmm.CapVCPUConfTPR))
	fmt.Fprintf(w, "xcr0 mask:      %#x\n", c.Arch.XCR0Mask)
	fmt.Fprintf(w, "mxcsr mask:     %#x\n", c.Arch.MXCSRMask)
}

type runFlags struct {
	image     string
	cpus      int
	memoryMB  uint64
	timerHz   int
	timeout   time.Duration
	onReset   string
	trace     string
	timeslice string
	input     bool
}

// apply overrides the machine file with the flags set on the command line.
func (f *runFlags) apply(cmd *cobra.Command, cfg *machine.Config) {
	changed := cmd.Flags().Changed
	if changed("image") {
		cfg.Boot.Image = f.image
	}
	if changed("cpus") {
		cfg.CPUs = f.cpus
	}
	if changed("memory") {
		cfg.MemoryMB = f.memoryMB
	}
	if changed("timer-hz") {
		cfg.TimerHz = f.timerHz
	}
	if changed("timeout") {
		cfg.Boot.Timeout = f.timeout.String()
	}
	if changed("on-reset") {
		cfg.Boot.OnReset = f.onReset
	}
	if changed("trace") {
		cfg.Output.Trace = f.trace
	}
	if changed("timeslice") {
		cfg.Output.Timeslice = f.timeslice
	}
}

func newRunCommand() *cobra.Command {
	var f runFlags

	cmd := &cobra.Command{
		Use:   "run <machine.yaml>",
		Short: "Boot a guest described by a machine file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := machine.LoadConfig(args[0])
			if err != nil {
				return err
			}
			f.apply(cmd, &cfg)
			if err := cfg.Normalize(); err != nil {
				return fmt.Errorf("invalid machine config: %w", err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			var input io.Reader
			if f.input {
				restore, err := rawStdin()
				if err != nil {
					return err
				}
				defer restore()
				input = os.Stdin
			}
			return runMachine(ctx, cfg, cmd.OutOrStdout(), input)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&f.image, "image", "", "Flat binary to boot")
	flags.IntVar(&f.cpus, "cpus", machine.DefaultCPUs, "Number of virtual CPUs")
	flags.Uint64Var(&f.memoryMB, "memory", machine.DefaultMemoryMB, "Guest memory in MiB")
	flags.IntVar(&f.timerHz, "timer-hz", 0, "Periodic timer interrupt rate (0 disables)")
	flags.DurationVar(&f.timeout, "timeout", 0, "Stop the guest after this long")
	flags.StringVar(&f.onReset, "on-reset", machine.OnResetExit, "What a guest reset does: exit or reboot")
	flags.StringVar(&f.trace, "trace", "", "Write an exit trace to this file")
	flags.StringVar(&f.timeslice, "timeslice", "", "Write a timeslice recording to this file")
	flags.BoolVar(&f.input, "serial-input", false, "Connect standard input to the guest's serial port")
	return cmd
}

// rawStdin puts a terminal on standard input in raw mode so keystrokes
// reach the guest unprocessed.
func rawStdin() (func(), error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return func() {}, nil
	}
	state, err := term.MakeRaw(fd)
	if err != nil {
		return nil, fmt.Errorf("set terminal raw mode: %w", err)
	}
	return func() { _ = term.Restore(fd, state) }, nil
}

func runMachine(ctx context.Context, cfg machine.Config, console io.Writer, input io.Reader) (retErr error) {
	kernel, err := bindings.Open()
	if err != nil {
		return err
	}

	if cfg.Output.Trace != "" {
		if err := exittrace.OpenFile(cfg.Output.Trace); err != nil {
			return fmt.Errorf("open exit trace: %w", err)
		}
		defer func() {
			if n := exittrace.Dropped(); n > 0 {
				slog.Warn("nvmmctl: exit trace records dropped", "count", n)
			}
			retErr = errors.Join(retErr, exittrace.Close())
		}()
	}

	if cfg.Output.Timeslice != "" {
		out, err := os.Create(cfg.Output.Timeslice)
		if err != nil {
			return fmt.Errorf("create timeslice file: %w", err)
		}
		defer out.Close()

		rec, err := timeslice.StartRecording(out)
		if err != nil {
			return err
		}
		defer func() { retErr = errors.Join(retErr, rec.Close()) }()
	}

	started := time.Now()
	m, err := machine.New(cfg, machine.Options{
		Kernel:       kernel,
		Logger:       slog.Default(),
		Console:      console,
		ConsoleInput: input,
	})
	if err != nil {
		return err
	}
	defer func() { retErr = errors.Join(retErr, m.Close()) }()
	timeslice.Record(timeslice.TimesliceInit, time.Since(started))

	for _, b := range m.MigrationBlockers() {
		slog.Debug("nvmmctl: migration blocked", "reason", b)
	}

	res, err := m.Run(ctx)
	if res.Crash != nil {
		slog.Error("nvmmctl: guest crashed", "cpu", res.Crash.CPU, "reason", res.Crash.Reason)
		fmt.Fprintln(os.Stderr, res.Crash.Dump)
	}
	if err != nil {
		return err
	}

	slog.Info("nvmmctl: guest stopped",
		"cause", res.Cause,
		"exit_code", res.ExitCode,
		"reboots", res.Reboots,
		"elapsed", time.Since(started))
	if res.Cause == hv.ShutdownCauseGuestShutdown && res.ExitCode != 0 {
		return &exitError{code: res.ExitCode}
	}
	return nil
}
