package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoad_NeedsGenesisWhenAbsent(t *testing.T) {
	t.Setenv("SEPIPED_HOME", t.TempDir())
	cfg, err := Load()
	require.NoError(t, err)
	require.True(t, cfg.NeedsGenesis)
	require.Equal(t, 15, cfg.TickIntervalSeconds)
	require.Equal(t, 4, cfg.MaxAgents)
}

func TestLoad_ParsesExistingFile(t *testing.T) {
	home := t.TempDir()
	t.Setenv("SEPIPED_HOME", home)
	err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte(`
pipeline_max_agents: 8
model: claude-opus-4-6
`), 0o644)
	require.NoError(t, err)

	cfg, err := Load()
	require.NoError(t, err)
	require.False(t, cfg.NeedsGenesis)
	require.Equal(t, 8, cfg.MaxAgents)
	require.Equal(t, "claude-opus-4-6", cfg.Model)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	home := t.TempDir()
	t.Setenv("SEPIPED_HOME", home)
	t.Setenv("SEPIPED_MAX_AGENTS", "12")
	err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte(`pipeline_max_agents: 2`), 0o644)
	require.NoError(t, err)

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, 12, cfg.MaxAgents)
}

func TestNormalize_ContinuousModeForcesCooldown(t *testing.T) {
	cfg := defaultConfig()
	cfg.ContinuousMode = true
	cfg.SeedCooldownSeconds = 42
	normalize(&cfg)
	require.Equal(t, 1800, cfg.SeedCooldownSeconds)
}

func TestApplySetting_RejectsUnknownKey(t *testing.T) {
	cfg := defaultConfig()
	err := ApplySetting(&cfg, "not_a_real_setting", "x")
	require.Error(t, err)
}

func TestApplySetting_UpdatesAllowListedKey(t *testing.T) {
	cfg := defaultConfig()
	require.NoError(t, ApplySetting(&cfg, "pipeline_max_agents", "9"))
	require.Equal(t, 9, cfg.MaxAgents)
}

func TestSettingsAllowList_MatchesApplySetting(t *testing.T) {
	for key := range SettingsAllowList {
		cfg := defaultConfig()
		var value string
		switch key {
		case "continuous_mode":
			value = "true"
		case "model", "assistant_name":
			value = "x"
		default:
			value = "1"
		}
		require.NoError(t, ApplySetting(&cfg, key, value), "allow-listed key %s must be handled", key)
	}
}

func TestFingerprint_ChangesWithTuning(t *testing.T) {
	a := defaultConfig()
	b := defaultConfig()
	b.MaxAgents = a.MaxAgents + 1
	require.NotEqual(t, a.Fingerprint(), b.Fingerprint())
}

func TestPrimaryRepo(t *testing.T) {
	cfg := defaultConfig()
	cfg.Repos = []RepoConfig{{Path: "/a"}, {Path: "/b", Primary: true}}
	repo, ok := cfg.PrimaryRepo()
	require.True(t, ok)
	require.Equal(t, "/b", repo.Path)
}
