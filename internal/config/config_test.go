package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pennyworth-tech/agent-arborist/internal/container"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "claude", cfg.Runner)
	assert.Equal(t, "auto", cfg.ContainerMode)
	assert.Equal(t, "main", cfg.SourceRev)
	assert.Equal(t, 2, cfg.MaxAITasks)
	assert.Equal(t, 5, cfg.MaxRetries)
	assert.True(t, cfg.Review)
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	homeDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(homeDir, "config.yaml"),
		[]byte("runner: gemini\nmax_ai_tasks: 4\nsteps:\n  review:\n    model: pro\n"), 0o644))

	cfg, err := Load(homeDir)
	require.NoError(t, err)
	assert.Equal(t, "gemini", cfg.Runner)
	assert.Equal(t, 4, cfg.MaxAITasks)
	// Untouched keys keep their defaults.
	assert.Equal(t, 5, cfg.MaxRetries)
	assert.Equal(t, "pro", cfg.StepOverrides["review"].Model)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	homeDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(homeDir, "config.yaml"),
		[]byte("runner: gemini\n"), 0o644))
	t.Setenv("ARBORIST_RUNNER", "opencode")
	t.Setenv("ARBORIST_MAX_RETRIES", "9")

	cfg, err := Load(homeDir)
	require.NoError(t, err)
	assert.Equal(t, "opencode", cfg.Runner)
	assert.Equal(t, 9, cfg.MaxRetries)
}

func TestNewEnvironment(t *testing.T) {
	cfg := Defaults()
	cfg.StepTimeout = 120
	cfg.RunnerTimeout = 600

	env, err := NewEnvironment(cfg, "/home/.arborist", "/repo", "hello")
	require.NoError(t, err)

	assert.Equal(t, "hello", env.SpecID)
	assert.Equal(t, container.ModeAuto, env.ContainerMode)
	assert.Equal(t, 2*time.Minute, env.StepTimeout)
	assert.Equal(t, 10*time.Minute, env.RunnerTimeout)
}

func TestNewEnvironmentRejectsBadMode(t *testing.T) {
	cfg := Defaults()
	cfg.ContainerMode = "maybe"
	_, err := NewEnvironment(cfg, "", "", "")
	assert.Error(t, err)
}

func TestStepRunnerModelOverrides(t *testing.T) {
	cfg := Defaults()
	cfg.Model = "sonnet"
	cfg.StepOverrides = map[string]StepOverride{
		"review": {Runner: "gemini", Model: "pro"},
		"run":    {Model: "opus"},
	}
	env, err := NewEnvironment(cfg, "", "", "spec")
	require.NoError(t, err)

	r, m := env.StepRunnerModel("review")
	assert.Equal(t, "gemini", r)
	assert.Equal(t, "pro", m)

	r, m = env.StepRunnerModel("run")
	assert.Equal(t, "claude", r)
	assert.Equal(t, "opus", m)

	r, m = env.StepRunnerModel("commit")
	assert.Equal(t, "claude", r)
	assert.Equal(t, "sonnet", m)
}
