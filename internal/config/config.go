// Package config loads agent configuration from a YAML file plus environment
// variables. Secrets come from the environment only.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied when the file omits a value.
const (
	DefaultRiskThreshold          = 5
	DefaultApprovalTimeoutHours   = 24
	DefaultPollingIntervalMinutes = 5
	DefaultSnapshotRetentionDays  = 7
	DefaultHealthCheckDelayMin    = 5
	DefaultCircuitThreshold       = 3
	DefaultCircuitResetHours      = 24
	DefaultListenAddr             = ":8484"
	DefaultDBPath                 = "remedy.db"
)

// Reviewers holds reviewer pools for one repository.
type Reviewers struct {
	Senior []string `yaml:"senior"`
	Team   []string `yaml:"team"`
}

// RepoOverride carries per-repository tuning nested under the repo key.
type RepoOverride struct {
	RiskThreshold  *int      `yaml:"risk_threshold,omitempty"`
	Protected      *bool     `yaml:"protected,omitempty"`
	AppSourceGlobs []string  `yaml:"app_source_globs,omitempty"`
	Reviewers      Reviewers `yaml:"reviewers,omitempty"`
	Dependents     int       `yaml:"dependents,omitempty"`
}

// Config is the full agent configuration.
type Config struct {
	Repositories           []string `yaml:"repositories"`
	RiskThreshold          int      `yaml:"risk_threshold"`
	ProtectedRepositories  []string `yaml:"protected_repositories"`
	ApprovalTimeoutHours   int      `yaml:"approval_timeout_hours"`
	PollingIntervalMinutes int      `yaml:"polling_interval_minutes"`
	SnapshotRetentionDays  int      `yaml:"snapshot_retention_days"`
	HealthCheckDelayMin    int      `yaml:"health_check_delay_minutes"`
	CircuitThreshold       int      `yaml:"circuit_failure_threshold"`
	CircuitResetHours      int      `yaml:"circuit_auto_reset_hours"`
	DryRun                 bool     `yaml:"dry_run"`
	ListenAddr             string   `yaml:"listen_addr"`
	Model                  string   `yaml:"model,omitempty"`
	EmbeddingEndpoint      string   `yaml:"embedding_endpoint,omitempty"`
	SlackChannel           string   `yaml:"slack_channel,omitempty"`

	Overrides map[string]RepoOverride `yaml:"repository_overrides,omitempty"`

	// Secrets, environment only. Never serialized.
	VCSToken   string `yaml:"-"`
	LLMKey     string `yaml:"-"`
	SlackToken string `yaml:"-"`
	DBPath     string `yaml:"-"`
}

// Load reads the file at path (optional; empty path loads defaults), applies
// defaults, then overlays environment variables.
func Load(path string) (*Config, error) {
	cfg := &Config{
		RiskThreshold:          DefaultRiskThreshold,
		ApprovalTimeoutHours:   DefaultApprovalTimeoutHours,
		PollingIntervalMinutes: DefaultPollingIntervalMinutes,
		SnapshotRetentionDays:  DefaultSnapshotRetentionDays,
		HealthCheckDelayMin:    DefaultHealthCheckDelayMin,
		CircuitThreshold:       DefaultCircuitThreshold,
		CircuitResetHours:      DefaultCircuitResetHours,
		ListenAddr:             DefaultListenAddr,
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	cfg.VCSToken = os.Getenv("REMEDY_GITHUB_TOKEN")
	if cfg.VCSToken == "" {
		cfg.VCSToken = os.Getenv("GITHUB_TOKEN")
	}
	cfg.LLMKey = os.Getenv("ANTHROPIC_API_KEY")
	cfg.SlackToken = os.Getenv("SLACK_BOT_TOKEN")
	cfg.DBPath = os.Getenv("REMEDY_DB_PATH")
	if cfg.DBPath == "" {
		cfg.DBPath = DefaultDBPath
	}
	if v := os.Getenv("REMEDY_DRY_RUN"); v != "" {
		cfg.DryRun = v == "1" || strings.EqualFold(v, "true")
	}
	if v := os.Getenv("REMEDY_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}

	return cfg, nil
}

// Validate checks ranges and required fields for a runnable agent.
func (c *Config) Validate() error {
	if len(c.Repositories) == 0 {
		return fmt.Errorf("at least one repository is required")
	}
	for _, repo := range c.Repositories {
		if !strings.Contains(repo, "/") {
			return fmt.Errorf("repository %q must be owner/name", repo)
		}
	}
	if c.RiskThreshold < 0 || c.RiskThreshold > 10 {
		return fmt.Errorf("risk_threshold must be between 0 and 10 (got %d)", c.RiskThreshold)
	}
	if c.PollingIntervalMinutes <= 0 {
		return fmt.Errorf("polling_interval_minutes must be positive (got %d)", c.PollingIntervalMinutes)
	}
	if c.ApprovalTimeoutHours <= 0 {
		return fmt.Errorf("approval_timeout_hours must be positive (got %d)", c.ApprovalTimeoutHours)
	}
	if c.SnapshotRetentionDays <= 0 {
		return fmt.Errorf("snapshot_retention_days must be positive (got %d)", c.SnapshotRetentionDays)
	}
	if c.HealthCheckDelayMin <= 0 {
		return fmt.Errorf("health_check_delay_minutes must be positive (got %d)", c.HealthCheckDelayMin)
	}
	if c.CircuitThreshold <= 0 {
		return fmt.Errorf("circuit_failure_threshold must be positive (got %d)", c.CircuitThreshold)
	}
	if c.CircuitResetHours <= 0 {
		return fmt.Errorf("circuit_auto_reset_hours must be positive (got %d)", c.CircuitResetHours)
	}
	for repo := range c.Overrides {
		if !contains(c.Repositories, repo) {
			return fmt.Errorf("override for %q names an unconfigured repository", repo)
		}
	}
	return nil
}

// ValidateSecrets checks the env-only credentials needed for live operation.
// Dry-run still needs the VCS token for reads.
func (c *Config) ValidateSecrets() error {
	if c.VCSToken == "" {
		return fmt.Errorf("GITHUB_TOKEN is required")
	}
	if c.LLMKey == "" {
		return fmt.Errorf("ANTHROPIC_API_KEY is required")
	}
	return nil
}

// Derived durations.

func (c *Config) PollingInterval() time.Duration {
	return time.Duration(c.PollingIntervalMinutes) * time.Minute
}

func (c *Config) ApprovalTimeout() time.Duration {
	return time.Duration(c.ApprovalTimeoutHours) * time.Hour
}

func (c *Config) SnapshotRetention() time.Duration {
	return time.Duration(c.SnapshotRetentionDays) * 24 * time.Hour
}

func (c *Config) HealthCheckDelay() time.Duration {
	return time.Duration(c.HealthCheckDelayMin) * time.Minute
}

func (c *Config) CircuitResetAfter() time.Duration {
	return time.Duration(c.CircuitResetHours) * time.Hour
}

// IsProtected reports whether a repository is on the protected list or has a
// protected override.
func (c *Config) IsProtected(repository string) bool {
	if contains(c.ProtectedRepositories, repository) {
		return true
	}
	if o, ok := c.Overrides[repository]; ok && o.Protected != nil {
		return *o.Protected
	}
	return false
}

// RiskThresholdFor returns the effective threshold for a repository.
func (c *Config) RiskThresholdFor(repository string) int {
	if o, ok := c.Overrides[repository]; ok && o.RiskThreshold != nil {
		return *o.RiskThreshold
	}
	return c.RiskThreshold
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
