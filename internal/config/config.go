// Package config provides hierarchical configuration for arborist using
// koanf. Priority: environment variables (ARBORIST_*) > config file
// (<home>/config.yaml) > defaults. The loaded result is condensed into a
// single Environment value constructed once at the CLI boundary and passed
// by parameter; the engine has no process-wide configuration state.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/pennyworth-tech/agent-arborist/internal/container"
	"github.com/pennyworth-tech/agent-arborist/internal/errors"
	"github.com/pennyworth-tech/agent-arborist/internal/hooks"
)

// EnvPrefix scopes the environment variables arborist reads, and is the
// prefix forwarded into devcontainers.
const EnvPrefix = "ARBORIST_"

// Configuration is the file/env-backed settings surface.
type Configuration struct {
	// Runner selects the implement/review LLM CLI (claude, opencode, gemini).
	Runner string `koanf:"runner"`
	// Model passed to the runner (empty means the runner's default).
	Model string `koanf:"model"`

	// ContainerMode is auto, enabled, or disabled.
	ContainerMode string `koanf:"container_mode"`

	// SourceRev is the base ref for state scans and manifest generation.
	SourceRev string `koanf:"source_rev"`

	// MaxAITasks caps concurrently running AI-tagged steps.
	MaxAITasks int `koanf:"max_ai_tasks"`
	// MaxRetries bounds the implement/test/review retry loop.
	MaxRetries int `koanf:"max_retries"`

	// StepTimeout bounds one pipeline step, in seconds.
	StepTimeout int `koanf:"step_timeout"`
	// RunnerTimeout bounds one LLM invocation, in seconds.
	RunnerTimeout int `koanf:"runner_timeout"`
	// TestTimeout bounds one test command, in seconds.
	TestTimeout int `koanf:"test_timeout"`

	// Review enables the LLM review step in generated pipelines.
	Review bool `koanf:"review"`
	// Cleanup enables the post-cleanup step in generated pipelines.
	Cleanup bool `koanf:"cleanup"`
	// DeleteBranchOnCleanup removes task branches during post-cleanup.
	DeleteBranchOnCleanup bool `koanf:"delete_branch_on_cleanup"`
	// ResolveConflictsWithLLM hands merge conflicts to the runner.
	ResolveConflictsWithLLM bool `koanf:"resolve_conflicts_with_llm"`

	// Debug enables verbose diagnostics.
	Debug bool `koanf:"debug"`

	// Hooks configures DAG hook injection.
	Hooks hooks.Config `koanf:"hooks"`

	// StepOverrides maps pipeline step names to runner/model overrides.
	StepOverrides map[string]StepOverride `koanf:"steps"`
}

// StepOverride selects a different runner or model for one step.
type StepOverride struct {
	Runner string `koanf:"runner"`
	Model  string `koanf:"model"`
}

// Defaults returns the baseline configuration.
func Defaults() Configuration {
	return Configuration{
		Runner:        "claude",
		ContainerMode: string(container.ModeAuto),
		SourceRev:     "main",
		MaxAITasks:    2,
		MaxRetries:    5,
		Review:        true,
		Cleanup:       false,
	}
}

// Load reads configuration with the documented precedence. homeDir may be ""
// when no home exists yet; the file layer is skipped.
func Load(homeDir string) (Configuration, error) {
	k := koanf.New(".")

	// Defaults live in the struct; file and env layers overwrite only the
	// keys they provide.
	cfg := Defaults()

	if homeDir != "" {
		for _, candidate := range []struct {
			name   string
			parser koanf.Parser
		}{
			{"config.yaml", yaml.Parser()},
			{"config.json", json.Parser()},
		} {
			path := filepath.Join(homeDir, candidate.name)
			if _, err := os.Stat(path); err != nil {
				continue
			}
			if err := k.Load(file.Provider(path), candidate.parser); err != nil {
				return cfg, errors.WrapWithMessage(err, errors.Configuration,
					"parsing "+path)
			}
			break
		}
	}

	// ARBORIST_MAX_AI_TASKS -> max_ai_tasks
	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	}), nil); err != nil {
		return cfg, errors.WrapWithMessage(err, errors.Configuration, "loading environment")
	}

	if err := k.Unmarshal("", &cfg); err != nil {
		return cfg, errors.WrapWithMessage(err, errors.Configuration, "unmarshaling configuration")
	}
	return cfg, nil
}

// Environment is the resolved runtime context handed to the engine. It is
// built once per invocation; nothing below the CLI reads process globals.
type Environment struct {
	Home    string
	GitRoot string
	SpecID  string

	Runner        string
	Model         string
	ContainerMode container.Mode
	SourceRev     string

	MaxAITasks int
	MaxRetries int

	StepTimeout   time.Duration
	RunnerTimeout time.Duration
	TestTimeout   time.Duration

	Review                  bool
	Cleanup                 bool
	DeleteBranchOnCleanup   bool
	ResolveConflictsWithLLM bool

	Debug bool

	Hooks hooks.Config

	StepOverrides map[string]StepOverride
}

// NewEnvironment combines a loaded configuration with resolved paths.
func NewEnvironment(cfg Configuration, homeDir, gitRoot, specID string) (Environment, error) {
	mode, err := container.ParseMode(cfg.ContainerMode)
	if err != nil {
		return Environment{}, err
	}
	e := Environment{
		Home:                    homeDir,
		GitRoot:                 gitRoot,
		SpecID:                  specID,
		Runner:                  cfg.Runner,
		Model:                   cfg.Model,
		ContainerMode:           mode,
		SourceRev:               cfg.SourceRev,
		MaxAITasks:              cfg.MaxAITasks,
		MaxRetries:              cfg.MaxRetries,
		Review:                  cfg.Review,
		Cleanup:                 cfg.Cleanup,
		DeleteBranchOnCleanup:   cfg.DeleteBranchOnCleanup,
		ResolveConflictsWithLLM: cfg.ResolveConflictsWithLLM,
		Debug:                   cfg.Debug,
		Hooks:                   cfg.Hooks,
		StepOverrides:           cfg.StepOverrides,
	}
	if cfg.StepTimeout > 0 {
		e.StepTimeout = time.Duration(cfg.StepTimeout) * time.Second
	}
	if cfg.RunnerTimeout > 0 {
		e.RunnerTimeout = time.Duration(cfg.RunnerTimeout) * time.Second
	}
	if cfg.TestTimeout > 0 {
		e.TestTimeout = time.Duration(cfg.TestTimeout) * time.Second
	}
	return e, nil
}

// StepRunnerModel resolves the runner and model for a named step, applying
// per-step overrides over the environment defaults.
func (e *Environment) StepRunnerModel(step string) (string, string) {
	r, m := e.Runner, e.Model
	if o, ok := e.StepOverrides[step]; ok {
		if o.Runner != "" {
			r = o.Runner
		}
		if o.Model != "" {
			m = o.Model
		}
	}
	return r, m
}
