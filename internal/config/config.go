// Package config handles configuration loading for the runner from a
// config file and FLOWPLANE_* environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ShutdownPolicy selects what happens to in-flight runs when the runner
// is asked to stop.
type ShutdownPolicy string

const (
	// ShutdownCancel gracefully cancels in-flight runs before exiting.
	ShutdownCancel ShutdownPolicy = "cancel"
	// ShutdownReschedule proposes in-flight runs back to SCHEDULED and
	// leaves their execution units running, handing them off to another
	// runner instance.
	ShutdownReschedule ShutdownPolicy = "reschedule"
)

// Config holds all configuration values for the runner process.
type Config struct {
	// Control plane endpoint and credentials
	APIURL   string
	APIToken string

	// RunnerName identifies this runner instance in transition proposals.
	RunnerName string

	// Slots is the maximum number of runs executed concurrently.
	Slots int

	// PollInterval is the base interval between due-run polls.
	PollInterval time.Duration

	// MaxBackoff caps the exponential backoff applied when polls come
	// back empty.
	MaxBackoff time.Duration

	// LivenessInterval is how often a supervisor polls its execution unit.
	LivenessInterval time.Duration

	// LivenessTimeout is how long an in-flight run may go without a
	// liveness confirmation before the poller treats it as a crash
	// candidate.
	LivenessTimeout time.Duration

	// MaxPollErrors is the number of consecutive liveness-poll errors
	// tolerated before the execution unit is declared lost.
	MaxPollErrors int

	// CancelGracePeriod is how long a cancelled execution unit gets to
	// stop on its own before it is force-terminated.
	CancelGracePeriod time.Duration

	// ShutdownDeadline bounds the drain phase on shutdown.
	ShutdownDeadline time.Duration

	// Policy applied to in-flight runs on shutdown.
	ShutdownPolicy ShutdownPolicy

	// Launcher selects the execution backend: "exec", "docker" or
	// "kubernetes".
	Launcher string

	// LauncherWorkDir is the scratch directory for the exec launcher.
	LauncherWorkDir string

	// Kubernetes launcher settings
	KubernetesNamespace      string
	KubernetesServiceAccount string
	KubernetesCPULimit       string
	KubernetesMemoryLimit    string

	// OTELEndpoint is the OTLP gRPC collector address.
	OTELEndpoint string

	// HealthAddr is the listen address for /healthz and /metrics.
	HealthAddr string
}

// Load reads configuration from an optional YAML file and the
// environment. Environment variables use the FLOWPLANE_ prefix with
// underscores, e.g. FLOWPLANE_POLL_INTERVAL.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("api_url", "http://localhost:4200")
	v.SetDefault("runner_name", "")
	v.SetDefault("slots", 1)
	v.SetDefault("poll_interval", 1*time.Second)
	v.SetDefault("max_backoff", 30*time.Second)
	v.SetDefault("liveness_interval", 2*time.Second)
	v.SetDefault("liveness_timeout", 90*time.Second)
	v.SetDefault("max_poll_errors", 3)
	v.SetDefault("cancel_grace_period", 30*time.Second)
	v.SetDefault("shutdown_deadline", 60*time.Second)
	v.SetDefault("shutdown_policy", string(ShutdownCancel))
	v.SetDefault("launcher", "docker")
	v.SetDefault("launcher_workdir", "")
	v.SetDefault("kubernetes_namespace", "default")
	v.SetDefault("kubernetes_service_account", "")
	v.SetDefault("kubernetes_cpu_limit", "")
	v.SetDefault("kubernetes_memory_limit", "")
	v.SetDefault("otel_endpoint", "localhost:4317")
	v.SetDefault("health_addr", ":4250")

	v.SetEnvPrefix("FLOWPLANE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	} else {
		v.SetConfigName("flowplane")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		// A missing default config file is fine; env and defaults apply.
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	cfg := &Config{
		APIURL:                   strings.TrimRight(v.GetString("api_url"), "/"),
		APIToken:                 v.GetString("api_token"),
		RunnerName:               v.GetString("runner_name"),
		Slots:                    v.GetInt("slots"),
		PollInterval:             v.GetDuration("poll_interval"),
		MaxBackoff:               v.GetDuration("max_backoff"),
		LivenessInterval:         v.GetDuration("liveness_interval"),
		LivenessTimeout:          v.GetDuration("liveness_timeout"),
		MaxPollErrors:            v.GetInt("max_poll_errors"),
		CancelGracePeriod:        v.GetDuration("cancel_grace_period"),
		ShutdownDeadline:         v.GetDuration("shutdown_deadline"),
		ShutdownPolicy:           ShutdownPolicy(v.GetString("shutdown_policy")),
		Launcher:                 v.GetString("launcher"),
		LauncherWorkDir:          v.GetString("launcher_workdir"),
		KubernetesNamespace:      v.GetString("kubernetes_namespace"),
		KubernetesServiceAccount: v.GetString("kubernetes_service_account"),
		KubernetesCPULimit:       v.GetString("kubernetes_cpu_limit"),
		KubernetesMemoryLimit:    v.GetString("kubernetes_memory_limit"),
		OTELEndpoint:             v.GetString("otel_endpoint"),
		HealthAddr:               v.GetString("health_addr"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.APIURL == "" {
		return fmt.Errorf("api_url is required (env: FLOWPLANE_API_URL)")
	}
	if c.Slots < 1 {
		return fmt.Errorf("slots must be at least 1, got %d", c.Slots)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll_interval must be positive, got %v", c.PollInterval)
	}
	if c.LivenessInterval <= 0 {
		return fmt.Errorf("liveness_interval must be positive, got %v", c.LivenessInterval)
	}
	if c.LivenessTimeout < c.LivenessInterval {
		return fmt.Errorf("liveness_timeout %v must not be shorter than liveness_interval %v", c.LivenessTimeout, c.LivenessInterval)
	}
	if c.MaxPollErrors < 1 {
		return fmt.Errorf("max_poll_errors must be at least 1, got %d", c.MaxPollErrors)
	}
	switch c.ShutdownPolicy {
	case ShutdownCancel, ShutdownReschedule:
	default:
		return fmt.Errorf("shutdown_policy must be %q or %q, got %q", ShutdownCancel, ShutdownReschedule, c.ShutdownPolicy)
	}
	switch c.Launcher {
	case "exec", "docker", "kubernetes":
	default:
		return fmt.Errorf("launcher must be exec, docker or kubernetes, got %q", c.Launcher)
	}
	return nil
}
