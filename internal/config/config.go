// Package config loads ralph configuration from a project file and the
// environment.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"time"
)

// Review providers.
const (
	ReviewProviderAnthropic = "anthropic"
	ReviewProviderCommand   = "command"
)

// Config holds the complete ralph configuration.
type Config struct {
	State     StateConfig     `koanf:"state"`
	Worktree  WorktreeConfig  `koanf:"worktree"`
	Tracker   TrackerConfig   `koanf:"tracker"`
	GitHub    GitHubConfig    `koanf:"github"`
	Review    ReviewConfig    `koanf:"review"`
	Worker    WorkerConfig    `koanf:"worker"`
	Logging   LoggingConfig   `koanf:"logging"`
	Metrics   MetricsConfig   `koanf:"metrics"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
}

// StateConfig locates durable session state, the attempt log and lease records.
type StateConfig struct {
	Dir string `koanf:"dir"`
}

// WorktreeConfig controls isolated workspace creation.
type WorktreeConfig struct {
	RepoDir    string `koanf:"repo_dir"`
	Root       string `koanf:"root"`
	BaseBranch string `koanf:"base_branch"`
	Remote     string `koanf:"remote"`
}

// TrackerConfig configures the beads CLI adapter.
type TrackerConfig struct {
	Binary  string        `koanf:"binary"`
	Dir     string        `koanf:"dir"`
	Timeout time.Duration `koanf:"timeout"`
}

// GitHubConfig configures pull request creation on lease release.
type GitHubConfig struct {
	Owner     string  `koanf:"owner"`
	Repo      string  `koanf:"repo"`
	Token     Secret  `koanf:"token"`
	RateLimit float64 `koanf:"rate_limit"` // requests per second
	Burst     int     `koanf:"burst"`
}

// ReviewConfig configures the validation gate reviewer.
type ReviewConfig struct {
	Provider  string        `koanf:"provider"`
	Model     string        `koanf:"model"`
	APIKey    Secret        `koanf:"api_key"`
	Command   []string      `koanf:"command"`
	MaxTokens int           `koanf:"max_tokens"`
	Timeout   time.Duration `koanf:"timeout"`
}

// WorkerConfig configures the worker driven by `ralph run`.
type WorkerConfig struct {
	Command []string `koanf:"command"`
}

// LoggingConfig selects log level and encoding.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// MetricsConfig controls the prometheus textfile export.
type MetricsConfig struct {
	Textfile string `koanf:"textfile"`
}

// TelemetryConfig controls OTLP trace export. Disabled by default.
type TelemetryConfig struct {
	Enabled    bool    `koanf:"enabled"`
	Endpoint   string  `koanf:"endpoint"` // host:port of an OTLP/HTTP collector
	Insecure   bool    `koanf:"insecure"`
	SampleRate float64 `koanf:"sample_rate"`
}

// Default returns a configuration rooted at projectDir with all defaults applied.
func Default(projectDir string) *Config {
	cfg := &Config{}
	applyDefaults(cfg, projectDir)
	return cfg
}

// Validate validates the configuration.
//
// Returns an error if:
//   - The state directory is empty
//   - The tracker timeout is not positive
//   - The review provider is unknown, or "command" without a command
//   - GitHub owner and repo are not set together
func (c *Config) Validate() error {
	if c.State.Dir == "" {
		return errors.New("state.dir is required")
	}
	if c.Worktree.Root == "" {
		return errors.New("worktree.root is required")
	}
	if c.Tracker.Timeout <= 0 {
		return errors.New("tracker.timeout must be positive")
	}
	switch c.Review.Provider {
	case ReviewProviderAnthropic:
		if c.Review.MaxTokens <= 0 {
			return fmt.Errorf("review.max_tokens must be positive, got %d", c.Review.MaxTokens)
		}
	case ReviewProviderCommand:
		if len(c.Review.Command) == 0 {
			return errors.New("review.command is required when review.provider is \"command\"")
		}
	default:
		return fmt.Errorf("unknown review.provider %q (expected %q or %q)",
			c.Review.Provider, ReviewProviderAnthropic, ReviewProviderCommand)
	}
	if (c.GitHub.Owner == "") != (c.GitHub.Repo == "") {
		return errors.New("github.owner and github.repo must be set together")
	}
	if c.Telemetry.Enabled && c.Telemetry.Endpoint == "" {
		return errors.New("telemetry.endpoint is required when telemetry is enabled")
	}
	if c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
		return fmt.Errorf("telemetry.sample_rate must be between 0 and 1, got %f", c.Telemetry.SampleRate)
	}
	if c.GitHub.RateLimit < 0 {
		return errors.New("github.rate_limit cannot be negative")
	}
	return nil
}

// SessionsDir is where file-backed sessions live.
func (c *Config) SessionsDir() string {
	return filepath.Join(c.State.Dir, "sessions")
}

// LeasesDir is where durable lease tracker records live.
func (c *Config) LeasesDir() string {
	return filepath.Join(c.State.Dir, "leases")
}

// AttemptLogPath is the append-only circuit breaker log.
func (c *Config) AttemptLogPath() string {
	return filepath.Join(c.State.Dir, "attempts.jsonl")
}
