// Package main is the entry point for the flowplane runner.
// The runner polls the control plane for due flow runs, executes them
// under a bounded slot pool, and reports their lifecycle back.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"flowplane/internal/config"
	"flowplane/internal/launcher"
	"flowplane/internal/logger"
	"flowplane/internal/observability"
	"flowplane/internal/orchestrator"
	"flowplane/internal/runner"

	"github.com/spf13/cobra"
)

var cfgPath string

func main() {
	root := &cobra.Command{
		Use:          "runner",
		Short:        "Flowplane runner executes scheduled flow runs",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context())
		},
	}
	root.Flags().StringVar(&cfgPath, "config", "", "Path to config file (default: flowplane.yaml in current directory)")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log := logger.New()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Tracing
	shutdownTracer, err := observability.InitTracer(ctx, "flowplane-runner", cfg.OTELEndpoint)
	if err != nil {
		return fmt.Errorf("failed to init tracing: %w", err)
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			log.Warn("failed to shutdown tracer", "error", err)
		}
	}()

	// Metrics
	metricsHandler, shutdownMetrics, err := observability.InitMetrics()
	if err != nil {
		return fmt.Errorf("failed to init metrics: %w", err)
	}
	defer func() {
		if err := shutdownMetrics(context.Background()); err != nil {
			log.Warn("failed to shutdown metrics", "error", err)
		}
	}()

	// Select launcher backend based on configuration
	var l launcher.Launcher
	switch cfg.Launcher {
	case "exec":
		l = launcher.NewExecLauncher(cfg.LauncherWorkDir)
		log.Info("using exec launcher", "workdir", cfg.LauncherWorkDir)
	case "kubernetes":
		k8sLauncher, err := launcher.NewKubernetesLauncher(launcher.KubernetesConfig{
			Namespace:          cfg.KubernetesNamespace,
			ServiceAccount:     cfg.KubernetesServiceAccount,
			DefaultCPULimit:    cfg.KubernetesCPULimit,
			DefaultMemoryLimit: cfg.KubernetesMemoryLimit,
		})
		if err != nil {
			return fmt.Errorf("failed to create kubernetes launcher: %w", err)
		}
		l = k8sLauncher
		log.Info("using kubernetes launcher", "namespace", cfg.KubernetesNamespace)
	case "docker":
		fallthrough
	default:
		dockerLauncher, err := launcher.NewDockerLauncher()
		if err != nil {
			return fmt.Errorf("failed to create docker launcher: %w", err)
		}
		l = dockerLauncher
		log.Info("using docker launcher")
	}

	client := orchestrator.New(orchestrator.Config{
		BaseURL: cfg.APIURL,
		Token:   cfg.APIToken,
	})

	r := runner.New(runner.Config{
		RunnerID:          cfg.RunnerName,
		Slots:             cfg.Slots,
		PollInterval:      cfg.PollInterval,
		MaxBackoff:        cfg.MaxBackoff,
		LivenessInterval:  cfg.LivenessInterval,
		LivenessTimeout:   cfg.LivenessTimeout,
		MaxPollErrors:     cfg.MaxPollErrors,
		CancelGracePeriod: cfg.CancelGracePeriod,
		ShutdownDeadline:  cfg.ShutdownDeadline,
		ShutdownPolicy:    cfg.ShutdownPolicy,
	}, client, l, log)

	go r.Run(ctx)

	// Health and metrics endpoints for process managers and scrapers
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metricsHandler)
		mux.HandleFunc("/healthz", r.Healthz)
		log.Info("health endpoint listening", "addr", cfg.HealthAddr)
		if err := http.ListenAndServe(cfg.HealthAddr, mux); err != nil {
			log.Error("health server error", "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down runner")
	cancel()

	<-r.Done()
	return nil
}
