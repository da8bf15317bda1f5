package main

import (
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/tinyrange/nvmm/internal/exittrace"
	"github.com/tinyrange/nvmm/internal/nvmm"
	"github.com/tinyrange/nvmm/internal/timeslice"
)

func newTimesliceCommand() *cobra.Command {
	var raw bool

	cmd := &cobra.Command{
		Use:   "timeslice <file>",
		Short: "Summarize a timeslice recording",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return fmt.Errorf("open timeslice file: %w", err)
			}
			defer f.Close()

			out := cmd.OutOrStdout()
			if raw {
				return timeslice.ReadAllRecords(f, func(e timeslice.Entry) error {
					_, err := fmt.Fprintf(out, "%s cpu=%s %s %s\n", e.Kind, cpuLabel(e.CPU), e.Flags, e.Duration)
					return err
				})
			}

			summaries, err := timeslice.Summarize(f)
			if err != nil {
				return err
			}
			printGuestShare(out, summaries)
			for _, s := range summaries {
				fmt.Fprintln(out, s.String())
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&raw, "raw", false, "Print every slice instead of a summary")
	return cmd
}

func cpuLabel(cpu uint32) string {
	if cpu == timeslice.NoCPU {
		return "-"
	}
	return fmt.Sprint(cpu)
}

// printGuestShare prints, per CPU, the share of recorded time spent in the
// guest.
func printGuestShare(w io.Writer, summaries []*timeslice.Summary) {
	guest := map[uint32]time.Duration{}
	total := map[uint32]time.Duration{}
	for _, s := range summaries {
		if s.CPU == timeslice.NoCPU {
			continue
		}
		total[s.CPU] += s.Sum
		if s.Flags&timeslice.SliceFlagGuestTime != 0 {
			guest[s.CPU] += s.Sum
		}
	}

	cpus := make([]uint32, 0, len(total))
	for cpu := range total {
		cpus = append(cpus, cpu)
	}
	sort.Slice(cpus, func(i, j int) bool { return cpus[i] < cpus[j] })
	for _, cpu := range cpus {
		if total[cpu] == 0 {
			continue
		}
		fmt.Fprintf(w, "cpu %d: %.1f%% guest of %s\n", cpu, 100*float64(guest[cpu])/float64(total[cpu]), total[cpu])
	}
}

type traceFlags struct {
	cpus    []uint
	reasons []string
	limit   int
	since   time.Duration
}

func (f *traceFlags) options(r *exittrace.Reader) (exittrace.SearchOptions, error) {
	opts := exittrace.SearchOptions{Limit: f.limit}
	for _, cpu := range f.cpus {
		opts.CPUs = append(opts.CPUs, uint32(cpu))
	}
	for _, name := range f.reasons {
		reason, ok := nvmm.ParseExitReason(name)
		if !ok {
			return opts, fmt.Errorf("unknown exit reason %q", name)
		}
		opts.Reasons = append(opts.Reasons, uint64(reason))
	}
	if f.since > 0 {
		_, last := r.TimeRange()
		opts.Start = last.Add(-f.since)
	}
	return opts, nil
}

func newTraceCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "trace",
		Short: "Inspect an exit trace",
	}
	cmd.AddCommand(newTraceSearchCommand(), newTraceHistogramCommand())
	return cmd
}

func newTraceSearchCommand() *cobra.Command {
	var f traceFlags

	cmd := &cobra.Command{
		Use:   "search <file>",
		Short: "Print matching exits in time order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, closer, err := exittrace.NewReaderFromFile(args[0])
			if err != nil {
				return err
			}
			defer closer.Close()

			opts, err := f.options(r)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			first, _ := r.TimeRange()
			return r.Search(opts, func(rec exittrace.Record) error {
				_, err := fmt.Fprintf(out, "%14s cpu=%-3d %-12s outcome=%d detail=%#x\n",
					rec.Time.Sub(first), rec.CPU, nvmm.ExitReason(rec.Reason), rec.Outcome, rec.Detail)
				return err
			})
		},
	}

	flags := cmd.Flags()
	flags.UintSliceVar(&f.cpus, "cpu", nil, "Only show these CPUs")
	flags.StringSliceVar(&f.reasons, "reason", nil, "Only show these exit reasons (io, memory, halted, ...)")
	flags.IntVar(&f.limit, "limit", 0, "Only show the last N matches")
	flags.DurationVar(&f.since, "since", 0, "Only show exits in the last part of the trace")
	return cmd
}

func newTraceHistogramCommand() *cobra.Command {
	var cpu int

	cmd := &cobra.Command{
		Use:   "histogram <file>",
		Short: "Count exits by reason",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, closer, err := exittrace.NewReaderFromFile(args[0])
			if err != nil {
				return err
			}
			defer closer.Close()

			var only *uint32
			if cpu >= 0 {
				c := uint32(cpu)
				only = &c
			}
			counts, err := r.Histogram(only)
			if err != nil {
				return err
			}

			reasons := make([]uint64, 0, len(counts))
			for reason := range counts {
				reasons = append(reasons, reason)
			}
			sort.Slice(reasons, func(i, j int) bool {
				if counts[reasons[i]] != counts[reasons[j]] {
					return counts[reasons[i]] > counts[reasons[j]]
				}
				return reasons[i] < reasons[j]
			})

			out := cmd.OutOrStdout()
			first, last := r.TimeRange()
			fmt.Fprintf(out, "%d exits over %s on cpus %v\n", r.Len(), last.Sub(first), r.CPUs())
			for _, reason := range reasons {
				fmt.Fprintf(out, "%-12s %10d\n", nvmm.ExitReason(reason), counts[reason])
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&cpu, "cpu", -1, "Only count this CPU")
	return cmd
}
