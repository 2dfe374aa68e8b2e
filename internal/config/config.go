// Package config is the runtime's immutable configuration value. Per
// invocation, one Config is built once (from defaults + an optional
// JSON file + environment overrides) and passed explicitly to each
// component constructor; nothing reads a shared config file at
// runtime the way the source's per-process JSON file did.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// ExecutorConfig controls how the user function child process is
// launched and how long the sidecar readiness probe waits.
type ExecutorConfig struct {
	PythonBin    string        `json:"python_bin"`    // default: python3
	RBin         string        `json:"r_bin"`         // default: Rscript
	BaseWorkDir  string        `json:"base_work_dir"` // default: os.TempDir()
	ReadyTimeout time.Duration `json:"ready_timeout"` // sidecar /faasr-echo poll deadline
}

// LockConfig controls the RSM lock's backoff schedule.
type LockConfig struct {
	MaxBackoffExp int `json:"max_backoff_exp"` // backoff caps at 2^MaxBackoffExp seconds
	MaxWait       int `json:"max_wait"`        // total attempts before ErrLockTimeout
}

// SchedulerConfig controls the HTTP clients used to dispatch
// successor invocations to each provider.
type SchedulerConfig struct {
	DispatchTimeout time.Duration `json:"dispatch_timeout"`
	GitHubAPIBase   string        `json:"github_api_base"` // overridable for tests
	SlurmBaseURL    string        `json:"slurm_base_url"`  // fallback when a ComputeServer omits BaseURL
}

// TracingConfig mirrors the observability package's telemetry Config.
type TracingConfig struct {
	Enabled     bool    `json:"enabled"`
	Exporter    string  `json:"exporter"`     // otlp-http, none
	Endpoint    string  `json:"endpoint"`     // localhost:4318
	ServiceName string  `json:"service_name"` // zephyr
	SampleRate  float64 `json:"sample_rate"`
}

// MetricsConfig controls the Prometheus registry exposed for scraping.
type MetricsConfig struct {
	Enabled   bool   `json:"enabled"`
	Namespace string `json:"namespace"` // zephyr
	Addr      string `json:"addr"`      // :9090, empty disables the HTTP listener
}

// LoggingConfig controls the operational slog logger, the
// per-invocation JSON log sink mirrored to the logging data store, and
// the local capture of user-function stdout/stderr.
type LoggingConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Format string `json:"format"` // text, json

	CaptureDir       string        `json:"capture_dir"`       // empty disables output capture
	CaptureMaxBytes  int           `json:"capture_max_bytes"` // per-stream truncation limit
	CaptureRetention time.Duration `json:"capture_retention"`
}

// ObservabilityConfig groups the ambient tracing/metrics/logging knobs.
type ObservabilityConfig struct {
	Tracing TracingConfig `json:"tracing"`
	Metrics MetricsConfig `json:"metrics"`
	Logging LoggingConfig `json:"logging"`
}

// SecretsConfig controls the optional encrypted secret map used by
// Payload.ReplaceSecrets.
type SecretsConfig struct {
	Enabled   bool   `json:"enabled"`
	MasterKey string `json:"master_key"` // hex-encoded 256-bit key
	File      string `json:"file"`       // path to the encrypted secret map
}

// Config is the immutable, explicitly-passed configuration for one
// invocation of the runtime.
type Config struct {
	Executor      ExecutorConfig      `json:"executor"`
	Lock          LockConfig          `json:"lock"`
	Scheduler     SchedulerConfig     `json:"scheduler"`
	Observability ObservabilityConfig `json:"observability"`
	Secrets       SecretsConfig       `json:"secrets"`
}

// Default returns a Config with the runtime's built-in defaults.
func Default() *Config {
	return &Config{
		Executor: ExecutorConfig{
			PythonBin:    "python3",
			RBin:         "Rscript",
			ReadyTimeout: 5 * time.Second,
		},
		Lock: LockConfig{
			MaxBackoffExp: 4,
			MaxWait:       13,
		},
		Scheduler: SchedulerConfig{
			DispatchTimeout: 30 * time.Second,
			GitHubAPIBase:   "https://api.github.com",
		},
		Observability: ObservabilityConfig{
			Tracing: TracingConfig{
				Exporter:    "otlp-http",
				Endpoint:    "localhost:4318",
				ServiceName: "zephyr",
				SampleRate:  1.0,
			},
			Metrics: MetricsConfig{
				Enabled:   true,
				Namespace: "zephyr",
			},
			Logging: LoggingConfig{
				Level:            "info",
				Format:           "text",
				CaptureDir:       filepath.Join(os.TempDir(), "zephyr-output"),
				CaptureMaxBytes:  64 * 1024,
				CaptureRetention: 24 * time.Hour,
			},
		},
	}
}

// LoadFromFile overlays a JSON config file onto the defaults.
func LoadFromFile(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv applies runtime environment overrides. The per-invocation
// inputs (TOKEN, PAYLOAD_URL, OVERWRITTEN) are read separately at the
// cmd/zephyr boundary; everything here is ambient configuration.
func ApplyEnv(cfg *Config) {
	if v := os.Getenv("ZEPHYR_PYTHON_BIN"); v != "" {
		cfg.Executor.PythonBin = v
	}
	if v := os.Getenv("ZEPHYR_R_BIN"); v != "" {
		cfg.Executor.RBin = v
	}
	if v := os.Getenv("ZEPHYR_READY_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Executor.ReadyTimeout = d
		}
	}
	if v := os.Getenv("ZEPHYR_GITHUB_API_BASE"); v != "" {
		cfg.Scheduler.GitHubAPIBase = v
	}
	if v := os.Getenv("ZEPHYR_SLURM_BASE_URL"); v != "" {
		cfg.Scheduler.SlurmBaseURL = v
	}
	if v := os.Getenv("ZEPHYR_LOG_LEVEL"); v != "" {
		cfg.Observability.Logging.Level = v
	}
	if v := os.Getenv("ZEPHYR_LOG_FORMAT"); v != "" {
		cfg.Observability.Logging.Format = v
	}
	if v := os.Getenv("ZEPHYR_TRACING_ENABLED"); v != "" {
		cfg.Observability.Tracing.Enabled = parseBool(v)
	}
	if v := os.Getenv("ZEPHYR_METRICS_ADDR"); v != "" {
		cfg.Observability.Metrics.Addr = v
	}
	if v := os.Getenv("ZEPHYR_SECRETS_MASTER_KEY"); v != "" {
		cfg.Secrets.Enabled = true
		cfg.Secrets.MasterKey = v
	}
	if v := os.Getenv("ZEPHYR_SECRETS_FILE"); v != "" {
		cfg.Secrets.File = v
	}
	if v := os.Getenv("ZEPHYR_LOCK_MAX_WAIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Lock.MaxWait = n
		}
	}
}

func parseBool(s string) bool {
	switch s {
	case "1", "true", "TRUE", "True", "yes":
		return true
	default:
		return false
	}
}
