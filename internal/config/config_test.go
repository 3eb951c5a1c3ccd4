package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "remedy.yml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, DefaultRiskThreshold, cfg.RiskThreshold)
	assert.Equal(t, 5*time.Minute, cfg.PollingInterval())
	assert.Equal(t, 24*time.Hour, cfg.ApprovalTimeout())
	assert.Equal(t, 7*24*time.Hour, cfg.SnapshotRetention())
	assert.False(t, cfg.DryRun)
}

func TestLoadFileWithOverrides(t *testing.T) {
	path := writeConfig(t, `
repositories:
  - acme/api
  - acme/web
risk_threshold: 4
protected_repositories:
  - acme/api
dry_run: true
repository_overrides:
  acme/web:
    risk_threshold: 7
    protected: true
    reviewers:
      senior: [alice]
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.True(t, cfg.DryRun)
	assert.Equal(t, 4, cfg.RiskThresholdFor("acme/api"))
	assert.Equal(t, 7, cfg.RiskThresholdFor("acme/web"))
	assert.True(t, cfg.IsProtected("acme/api"))
	assert.True(t, cfg.IsProtected("acme/web"))
	assert.False(t, cfg.IsProtected("acme/other"))
	assert.Equal(t, []string{"alice"}, cfg.Overrides["acme/web"].Reviewers.Senior)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "at least one repository")

	cfg.Repositories = []string{"not-a-repo"}
	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "owner/name")

	cfg.Repositories = []string{"acme/api"}
	cfg.RiskThreshold = 11
	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "risk_threshold")
}

func TestValidateRejectsOrphanOverride(t *testing.T) {
	path := writeConfig(t, `
repositories:
  - acme/api
repository_overrides:
  acme/unknown:
    risk_threshold: 2
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unconfigured repository")
}

func TestEnvOverridesSecretsAndFlags(t *testing.T) {
	t.Setenv("GITHUB_TOKEN", "ghp_test")
	t.Setenv("ANTHROPIC_API_KEY", "sk-test")
	t.Setenv("REMEDY_DB_PATH", "/tmp/custom.db")
	t.Setenv("REMEDY_DRY_RUN", "true")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "ghp_test", cfg.VCSToken)
	assert.Equal(t, "sk-test", cfg.LLMKey)
	assert.Equal(t, "/tmp/custom.db", cfg.DBPath)
	assert.True(t, cfg.DryRun)
	assert.NoError(t, cfg.ValidateSecrets())
}

func TestValidateSecretsRequiresTokens(t *testing.T) {
	t.Setenv("GITHUB_TOKEN", "")
	t.Setenv("REMEDY_GITHUB_TOKEN", "")
	t.Setenv("ANTHROPIC_API_KEY", "")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Error(t, cfg.ValidateSecrets())
}
