package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/arbiterhq/arbiter/pkg/types"
	"gopkg.in/yaml.v3"
)

// Config holds the centralized tunables. Every field has a default and an
// ARBITER_* environment override; the contractual ENVIRONMENT, CORS_ORIGINS
// and MAX_UPLOAD_SIZE_BYTES names are honored as well.
type Config struct {
	// Environment is "production" or "development". Production tightens
	// defaults (no CORS origins unless explicitly configured, JSON logs).
	Environment string

	// ListenAddr is the public HTTP listen address.
	ListenAddr string

	// CORSOrigins is the allowed-origins list. Empty in production unless
	// CORS_ORIGINS is set.
	CORSOrigins []string

	// MaxUploadSize bounds multipart game uploads, in bytes.
	MaxUploadSize int64

	// PluginsFile is the path of the declarative plugins file.
	PluginsFile string

	// GamesDir is scanned for default artifacts at startup.
	GamesDir string

	// PluginStartupTimeout bounds the wait for a freshly spawned plugin to
	// report healthy. Large because some plugins import heavy libraries.
	PluginStartupTimeout time.Duration

	// HealthCheckTimeout bounds each /health request.
	HealthCheckTimeout time.Duration

	// InfoTimeout bounds the /info fetch after a plugin turns healthy.
	InfoTimeout time.Duration

	// SubmitTimeout bounds the /analyze submission request.
	SubmitTimeout time.Duration

	// PollRequestTimeout bounds each /tasks/{id} poll request.
	PollRequestTimeout time.Duration

	// CancelTimeout bounds the best-effort /cancel request.
	CancelTimeout time.Duration

	// Poll backoff: interval starts at PollInitialInterval and multiplies by
	// PollBackoffFactor after every poll, capped at PollMaxInterval. The
	// whole loop is bounded by PollMaxDuration.
	PollInitialInterval time.Duration
	PollMaxInterval     time.Duration
	PollBackoffFactor   float64
	PollMaxDuration     time.Duration

	// TaskWorkers is the worker pool size; TaskQueueSize bounds pending
	// submissions beyond the running ones.
	TaskWorkers   int
	TaskQueueSize int

	// TaskCleanupMaxAge is how long terminal tasks are retained; the reaper
	// sweeps at a quarter of this interval.
	TaskCleanupMaxAge time.Duration

	// TaskIDLength is the length of generated task ids, in hex characters.
	TaskIDLength int

	// MaxRestarts caps on_failure restarts per plugin. The plugins file
	// settings table overrides this.
	MaxRestarts int

	// RestartSweepInterval is the period of the supervisor's crash sweep.
	RestartSweepInterval time.Duration
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Environment:          "development",
		ListenAddr:           ":8000",
		CORSOrigins:          nil,
		MaxUploadSize:        5 << 20,
		PluginsFile:          "plugins.yaml",
		GamesDir:             "games",
		PluginStartupTimeout: 60 * time.Second,
		HealthCheckTimeout:   2 * time.Second,
		InfoTimeout:          5 * time.Second,
		SubmitTimeout:        30 * time.Second,
		PollRequestTimeout:   30 * time.Second,
		CancelTimeout:        5 * time.Second,
		PollInitialInterval:  100 * time.Millisecond,
		PollMaxInterval:      2 * time.Second,
		PollBackoffFactor:    1.5,
		PollMaxDuration:      60 * time.Second,
		TaskWorkers:          4,
		TaskQueueSize:        256,
		TaskCleanupMaxAge:    time.Hour,
		TaskIDLength:         8,
		MaxRestarts:          3,
		RestartSweepInterval: 15 * time.Second,
	}
}

// FromEnv returns the default configuration with environment overrides
// applied.
func FromEnv() *Config {
	cfg := Default()

	if v := os.Getenv("ENVIRONMENT"); v != "" {
		cfg.Environment = v
	}
	if v := os.Getenv("ARBITER_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("CORS_ORIGINS"); v != "" {
		for _, origin := range strings.Split(v, ",") {
			if origin = strings.TrimSpace(origin); origin != "" {
				cfg.CORSOrigins = append(cfg.CORSOrigins, origin)
			}
		}
	}
	if v := os.Getenv("MAX_UPLOAD_SIZE_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			cfg.MaxUploadSize = n
		}
	}
	if v := os.Getenv("ARBITER_PLUGINS_FILE"); v != "" {
		cfg.PluginsFile = v
	}
	if v := os.Getenv("ARBITER_GAMES_DIR"); v != "" {
		cfg.GamesDir = v
	}

	envDuration(&cfg.PluginStartupTimeout, "ARBITER_PLUGIN_STARTUP_TIMEOUT")
	envDuration(&cfg.HealthCheckTimeout, "ARBITER_HEALTH_CHECK_TIMEOUT")
	envDuration(&cfg.InfoTimeout, "ARBITER_INFO_TIMEOUT")
	envDuration(&cfg.SubmitTimeout, "ARBITER_SUBMIT_TIMEOUT")
	envDuration(&cfg.PollRequestTimeout, "ARBITER_POLL_REQUEST_TIMEOUT")
	envDuration(&cfg.CancelTimeout, "ARBITER_CANCEL_TIMEOUT")
	envDuration(&cfg.PollInitialInterval, "ARBITER_POLL_INITIAL_INTERVAL")
	envDuration(&cfg.PollMaxInterval, "ARBITER_POLL_MAX_INTERVAL")
	envDuration(&cfg.PollMaxDuration, "ARBITER_POLL_MAX_DURATION")
	envDuration(&cfg.TaskCleanupMaxAge, "ARBITER_TASK_CLEANUP_MAX_AGE")
	envDuration(&cfg.RestartSweepInterval, "ARBITER_RESTART_SWEEP_INTERVAL")

	envInt(&cfg.TaskWorkers, "ARBITER_TASK_WORKERS")
	envInt(&cfg.TaskQueueSize, "ARBITER_TASK_QUEUE_SIZE")
	envInt(&cfg.TaskIDLength, "ARBITER_TASK_ID_LENGTH")
	envInt(&cfg.MaxRestarts, "ARBITER_MAX_RESTARTS")

	if v := os.Getenv("ARBITER_POLL_BACKOFF_FACTOR"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 1.0 {
			cfg.PollBackoffFactor = f
		}
	}

	return cfg
}

// IsProduction reports whether the environment is production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// PluginURLOverride returns the <NAME>_URL environment override for a plugin,
// or "" when the plugin should be supervised locally. Dashes in the plugin
// name map to underscores (plugin "gambit" → GAMBIT_URL).
func PluginURLOverride(name string) string {
	key := strings.ToUpper(strings.ReplaceAll(name, "-", "_")) + "_URL"
	return os.Getenv(key)
}

func envDuration(dst *time.Duration, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	if d, err := time.ParseDuration(v); err == nil && d > 0 {
		*dst = d
		return
	}
	// Bare numbers are seconds, matching the plugins file convention.
	if n, err := strconv.ParseFloat(v, 64); err == nil && n > 0 {
		*dst = time.Duration(n * float64(time.Second))
	}
}

func envInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			*dst = n
		}
	}
}

// FileSettings is the settings table of the plugins file.
type FileSettings struct {
	StartupTimeoutSeconds int `yaml:"startup_timeout_seconds"`
	MaxRestarts           int `yaml:"max_restarts"`
}

// PluginsFile is the parsed declarative plugins file.
type PluginsFile struct {
	Settings FileSettings       `yaml:"settings"`
	Plugins  []types.PluginSpec `yaml:"plugins"`
}

// LoadPluginsFile parses the plugins file. A missing file is not an error:
// the orchestrator runs with zero plugins. Relative cwd and command paths
// are resolved against the plugins file's directory, so the orchestrator's
// own working directory never matters; bare command names (no path
// separator) still go through PATH.
func LoadPluginsFile(path string) (*PluginsFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &PluginsFile{}, nil
		}
		return nil, fmt.Errorf("failed to read plugins file: %w", err)
	}

	root, err := filepath.Abs(filepath.Dir(path))
	if err != nil {
		return nil, fmt.Errorf("failed to resolve plugins file directory: %w", err)
	}

	var pf PluginsFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return nil, fmt.Errorf("failed to parse plugins file %s: %w", path, err)
	}

	for i := range pf.Plugins {
		p := &pf.Plugins[i]
		if p.Name == "" {
			return nil, fmt.Errorf("plugins file %s: entry %d has no name", path, i)
		}
		if len(p.Command) == 0 {
			return nil, fmt.Errorf("plugins file %s: plugin %s has no command", path, p.Name)
		}
		switch p.Restart {
		case types.RestartNever, types.RestartOnFailure, types.RestartAlways:
		case "":
			p.Restart = types.RestartNever
		default:
			return nil, fmt.Errorf("plugins file %s: plugin %s has invalid restart policy %q", path, p.Name, p.Restart)
		}
		if p.Cwd != "" && !filepath.IsAbs(p.Cwd) {
			p.Cwd = filepath.Join(root, p.Cwd)
		}
		if cmd := p.Command[0]; !filepath.IsAbs(cmd) && filepath.Base(cmd) != cmd {
			p.Command[0] = filepath.Join(root, cmd)
		}
	}

	return &pf, nil
}

// Apply merges the file's settings table into the configuration.
func (pf *PluginsFile) Apply(cfg *Config) {
	if pf.Settings.StartupTimeoutSeconds > 0 {
		cfg.PluginStartupTimeout = time.Duration(pf.Settings.StartupTimeoutSeconds) * time.Second
	}
	if pf.Settings.MaxRestarts > 0 {
		cfg.MaxRestarts = pf.Settings.MaxRestarts
	}
}
