package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/OpenTraceLab/OpenTracePCIe/internal/api"
	"github.com/OpenTraceLab/OpenTracePCIe/pkg/compliance"
	"github.com/OpenTraceLab/OpenTracePCIe/pkg/device"
)

var (
	serveListen        string
	serveScenarioFiles []string
	serveGrace         time.Duration
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the compliance API over HTTP",
	Long: `Start an HTTP server exposing the orchestrator under /v1 and prometheus
metrics under /metrics. Every built-in simulator scenario is registered as a
target under its own name; --scenario-file adds targets loaded from YAML.

Examples:
  pcieval serve --listen :8080
  pcieval serve --scenario-file lab/switch-a.yaml --profile limits.prof`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serveListen, "listen", ":8080", "listen address")
	serveCmd.Flags().StringSliceVar(&serveScenarioFiles, "scenario-file", nil, "extra YAML scenario target (repeatable)")
	serveCmd.Flags().DurationVar(&serveGrace, "grace", 30*time.Second, "shutdown grace period for in-flight runs")
	serveCmd.Flags().StringVar(&profileFile, "profile", "", "threshold profile file")
	serveCmd.Flags().StringVar(&profileName, "profile-name", "", "profile to use from --profile")
	serveCmd.Flags().BoolVar(&runInstant, "instant", false, "skip real-time waits (simulator targets)")
}

// serveTargets registers every built-in scenario plus the scenario files.
func serveTargets(files []string) (map[string]device.Device, error) {
	targets := make(map[string]device.Device)
	for _, name := range device.ScenarioNames() {
		dev, err := device.Scenario(name)
		if err != nil {
			return nil, err
		}
		targets[name] = dev
	}
	for _, path := range files {
		dev, err := device.LoadScenarioFile(path)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		name := fileTarget(path)
		if _, dup := targets[name]; dup {
			return nil, fmt.Errorf("%s: target %q already registered", path, name)
		}
		targets[name] = dev
	}
	return targets, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	log := logrus.StandardLogger()

	targets, err := serveTargets(serveScenarioFiles)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	opts := compliance.Options{Logger: log, Metrics: compliance.NewMetrics(reg)}
	if profileFile != "" {
		if opts.Thresholds, err = compliance.LoadProfile(profileFile, profileName); err != nil {
			return err
		}
	}
	if runInstant {
		opts.Sleep = instantSleep
	}
	orch := compliance.New(compliance.StaticResolver(targets), opts)

	if logrus.GetLevel() < logrus.DebugLevel {
		gin.SetMode(gin.ReleaseMode)
	}
	router := api.NewRouter(api.NewHandlers(orch, log))
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))

	srv := &http.Server{
		Addr:              serveListen,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.WithFields(logrus.Fields{"addr": serveListen, "targets": len(targets)}).Info("serve: listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("serve: shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), serveGrace)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Warn("serve: http shutdown")
		}
		return orch.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
