package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/OpenTraceLab/OpenTracePCIe/pkg/retrain"
)

var (
	tracePort    int
	traceTimeout time.Duration
	tracePulse   time.Duration
	tracePoll    time.Duration
	traceConfirm time.Duration
	traceStatus  bool
)

var traceCmd = &cobra.Command{
	Use:   "trace",
	Short: "Retrain a link and record its LTSSM transitions",
	Long: `Pulse a port's link disable bit and poll the LTSSM state until the link
settles back in L0 (confirmed after a short re-check) or the timeout expires.

Examples:
  pcieval trace --scenario healthy-gen5x4 --port 0
  pcieval trace --port 0 --status          # Snapshot only, no retrain
  pcieval trace --port 0 -o json`,
	RunE: runTrace,
}

func init() {
	rootCmd.AddCommand(traceCmd)
	addTargetFlags(traceCmd)
	addOutputFlag(traceCmd)

	defaults := retrain.DefaultOptions()
	traceCmd.Flags().IntVarP(&tracePort, "port", "p", 0, "switch port to retrain")
	traceCmd.Flags().DurationVar(&traceTimeout, "timeout", 10*time.Second, "give up if the link has not settled after this long")
	traceCmd.Flags().DurationVar(&tracePulse, "pulse", defaults.PulseWidth, "link disable pulse width")
	traceCmd.Flags().DurationVar(&tracePoll, "poll", defaults.PollInterval, "LTSSM poll interval")
	traceCmd.Flags().DurationVar(&traceConfirm, "confirm", defaults.ConfirmDelay, "L0 re-check delay")
	traceCmd.Flags().BoolVar(&traceStatus, "status", false, "only read the current link state and counters")
}

func runTrace(cmd *cobra.Command, args []string) error {
	dev, err := openTarget()
	if err != nil {
		return fmt.Errorf("failed to open target: %w", err)
	}

	tracer := retrain.NewTracer(dev, retrain.Options{
		PulseWidth:   tracePulse,
		PollInterval: tracePoll,
		ConfirmDelay: traceConfirm,
		Logger:       logrus.StandardLogger(),
	})

	if traceStatus {
		snap, err := tracer.Snapshot(tracePort)
		if err != nil {
			return fmt.Errorf("snapshot failed: %w", err)
		}
		return emit(snap, func() { printSnapshot(snap) })
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	trace, err := tracer.Run(ctx, tracePort, traceTimeout)
	if err != nil {
		return fmt.Errorf("retrain failed: %w", err)
	}
	return emit(trace, func() { printTrace(trace) })
}

func printTrace(t retrain.Trace) {
	fmt.Printf("Port %d retrain (%d transitions, %d ms)\n", t.Port, len(t.Transitions), t.DurationMs)
	for _, tr := range t.Transitions {
		fmt.Printf("  %3d  +%6d ms  %s\n", tr.Index, tr.OffsetMs, tr.State)
	}
	if t.Settled {
		fmt.Printf("Settled in %s at %s\n", t.Final.Name(), t.FinalSpeed)
	} else {
		fmt.Printf("Did not settle; last state %s\n", t.Final)
	}
}

func printSnapshot(s retrain.Snapshot) {
	link := "down"
	if s.Up {
		link = "up"
	}
	fmt.Printf("Port %d: %s\n", s.Port, s.State)
	fmt.Printf("  Link:       %s, %s x%d\n", link, s.Speed, s.Width)
	fmt.Printf("  Recoveries: %d\n", s.Recoveries)
	fmt.Printf("  RX evals:   %d\n", s.RxEvals)
}
