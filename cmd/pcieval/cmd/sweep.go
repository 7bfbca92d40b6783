package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/OpenTraceLab/OpenTracePCIe/pkg/margin"
	"github.com/OpenTraceLab/OpenTracePCIe/pkg/retrain"
)

var (
	sweepPort       int
	sweepLane       int
	sweepMode       string
	sweepSamples    int
	sweepStride     int
	sweepTimeout    time.Duration
	sweepErrorLimit int
	sweepBalance    float64
	sweepPlot       bool
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run a lane margin sweep and analyze the eye",
	Long: `Sweep a lane's timing and voltage margin grid and reduce each scan to eye
geometry. NRZ lanes are swept once on the broadcast receiver; PAM4 lanes are swept
once per eye (receivers A, B and C).

Examples:
  pcieval sweep --scenario healthy-gen5x4 --lane 0
  pcieval sweep --scenario pam4-gen6x2 --lane 1 --mode pam4
  pcieval sweep --lane 2 --plot            # Print the pass/fail grid`,
	RunE: runSweep,
}

func init() {
	rootCmd.AddCommand(sweepCmd)
	addTargetFlags(sweepCmd)
	addOutputFlag(sweepCmd)

	sweepCmd.Flags().IntVarP(&sweepPort, "port", "p", 0, "switch port")
	sweepCmd.Flags().IntVarP(&sweepLane, "lane", "l", 0, "lane to sweep")
	sweepCmd.Flags().StringVarP(&sweepMode, "mode", "m", "",
		"sweep mode: single|nrz or triple|pam4 (default: from the link speed)")
	sweepCmd.Flags().IntVar(&sweepSamples, "samples", 0, "samples per point (0 = device default)")
	sweepCmd.Flags().IntVar(&sweepStride, "stride", 1, "grid step stride")
	sweepCmd.Flags().DurationVar(&sweepTimeout, "point-timeout", 200*time.Millisecond, "per-point timeout")
	sweepCmd.Flags().IntVar(&sweepErrorLimit, "error-limit", 0, "highest error count a passing point may have")
	sweepCmd.Flags().Float64Var(&sweepBalance, "balance", margin.DefaultBalanceTolerance, "PAM4 eye balance tolerance")
	sweepCmd.Flags().BoolVar(&sweepPlot, "plot", false, "print the pass/fail grid of each scan")
}

type sweepReport struct {
	Result     margin.Result     `json:"result" yaml:"result"`
	Geometries []margin.Geometry `json:"geometries" yaml:"geometries"`
	Aggregate  margin.Aggregate  `json:"aggregate" yaml:"aggregate"`
}

func runSweep(cmd *cobra.Command, args []string) error {
	dev, err := openTarget()
	if err != nil {
		return fmt.Errorf("failed to open target: %w", err)
	}

	var mode margin.Mode
	if sweepMode != "" {
		if mode, err = margin.ParseMode(sweepMode); err != nil {
			return err
		}
	} else {
		snap, err := retrain.NewTracer(dev, retrain.Options{}).Snapshot(sweepPort)
		if err != nil {
			return fmt.Errorf("failed to read port %d: %w", sweepPort, err)
		}
		mode = margin.ModeForSpeed(snap.Speed)
	}

	engine := margin.NewEngine(dev, margin.Options{
		Samples:      sweepSamples,
		PointTimeout: sweepTimeout,
		Stride:       sweepStride,
		Logger:       logrus.StandardLogger(),
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	res, err := engine.Sweep(ctx, sweepPort, sweepLane, mode)
	if err != nil {
		return fmt.Errorf("sweep failed: %w", err)
	}
	geoms := margin.AnalyzeResult(res, margin.AnalyzeOptions{ErrorLimit: sweepErrorLimit})
	report := sweepReport{Result: res, Geometries: geoms, Aggregate: margin.CombineWith(geoms, sweepBalance)}

	return emit(report, func() { printSweep(report) })
}

func printSweep(r sweepReport) {
	fmt.Printf("Port %d lane %d, %s sweep\n", r.Result.Port, r.Result.Lane, r.Result.Mode)
	for i, g := range r.Geometries {
		scan := r.Result.Scans[i]
		if g.NoData {
			fmt.Printf("  Receiver %s: no data (%s)\n", g.Receiver, scan.Reason)
			continue
		}
		fmt.Printf("  Receiver %s: width %d steps (%.3f UI), height %d steps",
			g.Receiver, g.WidthSteps, g.WidthUI, g.HeightSteps)
		if g.HasVoltage {
			fmt.Printf(" (%.1f mV)", g.HeightMV)
		}
		fmt.Printf(", %d/%d points pass\n", g.PassCount, g.TotalCount)
		if sweepPlot {
			plotScan(scan)
		}
	}

	a := r.Aggregate
	if a.NoData {
		fmt.Println("No margin data.")
		return
	}
	fmt.Printf("Worst eye: %.3f UI x %.1f mV over %d eye(s)\n", a.WorstWidthUI, a.WorstHeightMV, a.Eyes)
	if a.Imbalanced {
		fmt.Printf("PAM4 eyes unbalanced (max deviation %.1f%%)\n", a.MaxDeviation*100)
	}
}

// plotScan prints the grid with the highest voltage offset on top. '.'
// passes, 'x' fails and '?' timed out.
func plotScan(scan margin.EyeScan) {
	for vi := len(scan.VoltageAxis) - 1; vi >= 0; vi-- {
		var sb strings.Builder
		for ti := range scan.TimingAxis {
			p := scan.At(ti, vi)
			switch {
			case p.TimedOut:
				sb.WriteByte('?')
			case p.Errors > sweepErrorLimit:
				sb.WriteByte('x')
			default:
				sb.WriteByte('.')
			}
		}
		fmt.Printf("    %4d  %s\n", scan.VoltageAxis[vi], sb.String())
	}
}
