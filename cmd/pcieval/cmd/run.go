package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/OpenTraceLab/OpenTracePCIe/pkg/compliance"
	"github.com/OpenTraceLab/OpenTracePCIe/pkg/device"
	"github.com/OpenTraceLab/OpenTracePCIe/pkg/retrain"
)

var (
	runConfigFile  string
	runSuites      []string
	runPorts       []int
	runLanes       int
	runBERDuration float64
	runIdleWait    float64
	runSettle      float64
	runInstant     bool
	profileFile    string
	profileName    string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run compliance suites against a target",
	Long: `Run one or more compliance suites against the selected target and print
the per-test verdicts. The command exits non-zero when the run's verdict is FAIL
or ERROR.

Suites: link_training, error_audit, config_audit, signal_integrity, ber_test,
port_sweep (default: all).

Examples:
  pcieval run --scenario healthy-gen5x4 --lanes 4
  pcieval run --suite config_audit --suite signal_integrity --port 0 --lanes 4
  pcieval run --config run.yaml --profile limits.prof --profile-name strict
  pcieval run --scenario degraded-gen5x4 --instant -o json`,
	RunE: runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)
	addTargetFlags(runCmd)
	addOutputFlag(runCmd)

	runCmd.Flags().StringVarP(&runConfigFile, "config", "c", "", "YAML run config (overrides the suite and port flags)")
	runCmd.Flags().StringSliceVar(&runSuites, "suite", nil, "suite to run (repeatable, default: all)")
	runCmd.Flags().IntSliceVar(&runPorts, "port", nil, "port to test (repeatable, default 0)")
	runCmd.Flags().IntVar(&runLanes, "lanes", 4, "lanes to test on each port")
	runCmd.Flags().Float64Var(&runBERDuration, "ber-duration", 0, "BER measurement time in seconds (0 = default)")
	runCmd.Flags().Float64Var(&runIdleWait, "idle-wait", 0, "error audit idle wait in seconds (0 = default)")
	runCmd.Flags().Float64Var(&runSettle, "speed-settle", 0, "speed change settle time in seconds (0 = default)")
	runCmd.Flags().BoolVar(&runInstant, "instant", false, "skip real-time waits (simulator targets)")
	runCmd.Flags().StringVar(&profileFile, "profile", "", "threshold profile file")
	runCmd.Flags().StringVar(&profileName, "profile-name", "", "profile to use from --profile (default: the only one)")
}

func buildRunConfig() (compliance.RunConfig, error) {
	if runConfigFile != "" {
		return compliance.LoadRunConfig(runConfigFile)
	}
	cfg := compliance.RunConfig{
		BERDuration: runBERDuration,
		IdleWait:    runIdleWait,
		SpeedSettle: runSettle,
	}
	for _, s := range runSuites {
		cfg.Suites = append(cfg.Suites, compliance.SuiteID(s))
	}
	ports := runPorts
	if len(ports) == 0 {
		ports = []int{0}
	}
	for _, p := range ports {
		cfg.Ports = append(cfg.Ports, compliance.PortConfig{Number: p, Lanes: runLanes})
	}
	return cfg, nil
}

func targetName() string {
	if scenarioFile != "" {
		return fileTarget(scenarioFile)
	}
	return scenarioName
}

// fileTarget names a scenario file target after its base name.
func fileTarget(path string) string {
	return strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
}

func instantSleep(ctx context.Context, _ time.Duration) error {
	return ctx.Err()
}

func runRun(cmd *cobra.Command, args []string) error {
	dev, err := openTarget()
	if err != nil {
		return fmt.Errorf("failed to open target: %w", err)
	}
	cfg, err := buildRunConfig()
	if err != nil {
		return err
	}

	opts := compliance.Options{Logger: logrus.StandardLogger()}
	if profileFile != "" {
		if opts.Thresholds, err = compliance.LoadProfile(profileFile, profileName); err != nil {
			return err
		}
	}
	if runInstant {
		opts.Sleep = instantSleep
		opts.Trace = retrain.Options{
			PulseWidth:   time.Millisecond,
			PollInterval: time.Millisecond,
			ConfirmDelay: time.Millisecond,
		}
	}
	text := outputFormat == "" || outputFormat == "text"
	if text {
		opts.AfterTest = func(_ string, tc compliance.TestCase) {
			fmt.Printf("  %-5s %-6s %s %s\n", tc.Verdict, tc.ID, portLabel(tc.Port), tc.Message)
		}
	}

	target := targetName()
	orch := compliance.New(compliance.StaticResolver(map[string]device.Device{target: dev}), opts)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if text {
		fmt.Printf("Running compliance suites on %s\n", target)
	}
	id, err := orch.Start(ctx, target, cfg)
	if err != nil {
		return err
	}

	run, err := orch.Wait(ctx, id)
	if err != nil {
		// Interrupted: cancel and collect what was recorded.
		_ = orch.Cancel(id)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if run, err = orch.Wait(shutdownCtx, id); err != nil {
			return fmt.Errorf("run %s did not stop: %w", id, err)
		}
	}

	if err := emit(run, func() { printRun(run) }); err != nil {
		return err
	}
	switch v := run.Verdict(); v {
	case compliance.VerdictFail, compliance.VerdictError:
		return fmt.Errorf("compliance verdict %s", v)
	}
	return nil
}

func portLabel(port int) string {
	if port == compliance.AllPorts {
		return "all  "
	}
	return fmt.Sprintf("p%-4d", port)
}

func printRun(run compliance.Run) {
	fmt.Printf("\nRun %s on %s\n", run.ID, run.Target)
	if run.Metadata != nil {
		fmt.Printf("Device: %s %04X:%04X rev %02X", run.Metadata.Name,
			run.Metadata.VendorID, run.Metadata.DeviceID, run.Metadata.Revision)
		if run.Metadata.Description != "" {
			fmt.Printf(" (%s)", run.Metadata.Description)
		}
		fmt.Println()
	}
	for _, s := range run.Suites {
		counts := s.Counts()
		fmt.Printf("%-17s %-5s  pass %d  warn %d  fail %d  skip %d  error %d\n", s.Suite, s.Verdict,
			counts[compliance.VerdictPass], counts[compliance.VerdictWarn], counts[compliance.VerdictFail],
			counts[compliance.VerdictSkip], counts[compliance.VerdictError])
	}
	fmt.Printf("Status: %s\n", run.Status)
	if run.Error != "" {
		fmt.Printf("Error: %s\n", run.Error)
	}
	fmt.Printf("Verdict: %s\n", run.Verdict())
}
