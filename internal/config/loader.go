package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const (
	maxConfigFileSize = 1024 * 1024 // 1MB
	envPrefix         = "RALPH_"
)

// configCandidates are searched in order under <project>/.ralph/.
var configCandidates = []string{"config.yaml", "config.yml", "config.toml"}

// Load loads configuration for the project rooted at projectDir.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (RALPH_TRACKER_BINARY, RALPH_GITHUB_TOKEN, etc.)
//  2. Project config file (.ralph/config.yaml, .ralph/config.yml or .ralph/config.toml)
//  3. Hardcoded defaults
//
// ANTHROPIC_API_KEY and GITHUB_TOKEN are used when the RALPH_ equivalents
// are unset.
func Load(projectDir string) (*Config, error) {
	for _, name := range configCandidates {
		path := filepath.Join(projectDir, ".ralph", name)
		if _, err := os.Stat(path); err == nil {
			return LoadWithFile(projectDir, path)
		}
	}
	return LoadWithFile(projectDir, "")
}

// LoadWithFile loads configuration from an explicit file, then overrides with
// environment variables. An empty path skips the file layer.
//
// # Security Considerations
//
// The file must not be group or world writable and must be under 1MB; the
// review api_key and github token may live in it.
//
// # Environment Variable Mapping
//
// The RALPH_ prefix is stripped and the remainder split on its first
// underscore into section and field:
//
//	RALPH_TRACKER_BINARY     -> tracker.binary
//	RALPH_WORKTREE_BASE_BRANCH -> worktree.base_branch
//	RALPH_REVIEW_COMMAND     -> review.command (comma separated)
func LoadWithFile(projectDir, configPath string) (*Config, error) {
	k := koanf.New(".")

	if configPath != "" {
		content, err := readConfigFile(configPath)
		if err != nil {
			return nil, err
		}
		var parser koanf.Parser = yaml.Parser()
		if strings.EqualFold(filepath.Ext(configPath), ".toml") {
			parser = TOML()
		}
		if err := k.Load(rawbytes.Provider(content), parser); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyDefaults(&cfg, projectDir)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// envKey maps RALPH_SECTION_FIELD_NAME to section.field_name.
func envKey(s string) string {
	lower := strings.ToLower(strings.TrimPrefix(s, envPrefix))
	parts := strings.SplitN(lower, "_", 2)
	if len(parts) == 1 {
		return lower
	}
	return parts[0] + "." + parts[1]
}

func readConfigFile(path string) ([]byte, error) {
	// Open once and stat the descriptor to avoid a TOCTOU race.
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if err := validateConfigFileProperties(info); err != nil {
		return nil, fmt.Errorf("config file validation failed: %w", err)
	}

	content, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return content, nil
}

// validateConfigFileProperties checks file permissions and size.
func validateConfigFileProperties(info os.FileInfo) error {
	if info.IsDir() {
		return fmt.Errorf("%s is a directory", info.Name())
	}
	if runtime.GOOS != "windows" {
		if perm := info.Mode().Perm(); perm&0o022 != 0 {
			return fmt.Errorf("insecure config file permissions: %v (must not be group or world writable)", perm)
		}
	}
	if info.Size() > maxConfigFileSize {
		return fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigFileSize)
	}
	return nil
}

// applyDefaults sets default values for missing configuration fields.
func applyDefaults(cfg *Config, projectDir string) {
	if projectDir == "" {
		projectDir = "."
	}

	if cfg.State.Dir == "" {
		cfg.State.Dir = filepath.Join(projectDir, ".ralph", "state")
	}

	if cfg.Worktree.RepoDir == "" {
		cfg.Worktree.RepoDir = projectDir
	}
	if cfg.Worktree.Root == "" {
		cfg.Worktree.Root = filepath.Join(projectDir, ".ralph", "worktrees")
	}
	if cfg.Worktree.BaseBranch == "" {
		cfg.Worktree.BaseBranch = "main"
	}
	if cfg.Worktree.Remote == "" {
		cfg.Worktree.Remote = "origin"
	}

	if cfg.Tracker.Binary == "" {
		cfg.Tracker.Binary = "bd"
	}
	if cfg.Tracker.Dir == "" {
		cfg.Tracker.Dir = projectDir
	}
	if cfg.Tracker.Timeout == 0 {
		cfg.Tracker.Timeout = 30 * time.Second
	}

	if !cfg.GitHub.Token.IsSet() {
		cfg.GitHub.Token = Secret(os.Getenv("GITHUB_TOKEN"))
	}
	if cfg.GitHub.RateLimit == 0 {
		cfg.GitHub.RateLimit = 1
	}
	if cfg.GitHub.Burst == 0 {
		cfg.GitHub.Burst = 3
	}

	if cfg.Review.Provider == "" {
		cfg.Review.Provider = ReviewProviderAnthropic
	}
	if cfg.Review.Model == "" {
		cfg.Review.Model = "claude-sonnet-4-5"
	}
	if !cfg.Review.APIKey.IsSet() {
		cfg.Review.APIKey = Secret(os.Getenv("ANTHROPIC_API_KEY"))
	}
	if cfg.Review.MaxTokens == 0 {
		cfg.Review.MaxTokens = 1024
	}
	if cfg.Review.Timeout == 0 {
		cfg.Review.Timeout = 2 * time.Minute
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	if cfg.Telemetry.Endpoint == "" {
		cfg.Telemetry.Endpoint = "localhost:4318"
		cfg.Telemetry.Insecure = true
	}
	if cfg.Telemetry.SampleRate == 0 {
		cfg.Telemetry.SampleRate = 1
	}
}
