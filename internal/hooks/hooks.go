// Package hooks injects operator-defined steps into a generated DAG bundle.
// Injection runs after DAG generation so hooks apply deterministically from
// configuration, independent of how the base DAG was produced.
package hooks

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/pennyworth-tech/agent-arborist/internal/errors"
)

// Point names the well-known injection sites.
type Point string

const (
	// PreRoot runs after the root DAG's branches-setup step.
	PreRoot Point = "pre_root"
	// PostRoots runs after the last sub-DAG call in the root DAG.
	PostRoots Point = "post_roots"
	// PreTask runs as the first step of matching task sub-DAGs.
	PreTask Point = "pre_task"
	// PostTask runs as the last step of matching task sub-DAGs.
	PostTask Point = "post_task"
	// Final runs as the very last step of the root DAG.
	Final Point = "final"
)

// StepKind is the hook step's execution flavor.
type StepKind string

const (
	// KindShell runs a shell command.
	KindShell StepKind = "shell"
	// KindLLMEval runs a prompt through an LLM runner and extracts a score.
	KindLLMEval StepKind = "llm_eval"
	// KindQualityCheck runs a command and gates on a numeric score.
	KindQualityCheck StepKind = "quality_check"
	// KindPlugin runs an arbitrary external command that receives the step
	// context as JSON on stdin and prints a step result on stdout.
	KindPlugin StepKind = "plugin"
)

// StepDefinition describes what an injected step does.
type StepDefinition struct {
	// Name identifies a reusable definition (referenced from injections).
	Name string   `yaml:"name" koanf:"name"`
	Kind StepKind `yaml:"kind" koanf:"kind"`
	// Command is the shell/quality-check/plugin command line.
	Command string `yaml:"command,omitempty" koanf:"command"`
	// Prompt is the llm_eval prompt (supports {{task_id}}, {{spec_id}}).
	Prompt string `yaml:"prompt,omitempty" koanf:"prompt"`
	// MinScore is the quality_check gate (0 disables gating).
	MinScore float64 `yaml:"min_score,omitempty" koanf:"min_score"`
	// Timeout in seconds (0 means default).
	Timeout int `yaml:"timeout,omitempty" koanf:"timeout"`
}

// Validate checks the kind/field pairing.
func (d StepDefinition) Validate() error {
	switch d.Kind {
	case KindShell, KindQualityCheck, KindPlugin:
		if d.Command == "" {
			return errors.NewConfigError(
				fmt.Sprintf("hook definition %q (%s) requires a command", d.Name, d.Kind))
		}
	case KindLLMEval:
		if d.Prompt == "" {
			return errors.NewConfigError(
				fmt.Sprintf("hook definition %q (llm_eval) requires a prompt", d.Name))
		}
	default:
		return errors.NewConfigError(
			fmt.Sprintf("hook definition %q has unknown kind %q", d.Name, d.Kind),
			"valid kinds: shell, llm_eval, quality_check, plugin")
	}
	return nil
}

// Injection binds a step definition to a hook point with task filtering.
type Injection struct {
	Point Point `yaml:"point" koanf:"point"`
	// Ref names a definition loaded from the hooks directory; Inline embeds
	// one directly. Exactly one of the two is set.
	Ref    string          `yaml:"ref,omitempty" koanf:"ref"`
	Inline *StepDefinition `yaml:"step,omitempty" koanf:"step"`
	// Tasks are glob patterns selecting which task sub-DAGs receive
	// pre_task/post_task injections ("*" matches all).
	Tasks []string `yaml:"tasks,omitempty" koanf:"tasks"`
	// TasksExclude removes matches from Tasks.
	TasksExclude []string `yaml:"tasks_exclude,omitempty" koanf:"tasks_exclude"`
}

// Config is the hooks section of the arborist configuration.
type Config struct {
	Enabled    bool        `yaml:"enabled" koanf:"enabled"`
	Injections []Injection `yaml:"injections" koanf:"injections"`
}

// LoadDefinitions reads every named definition from <home>/hooks/*.yaml.
func LoadDefinitions(hooksDir string) (map[string]StepDefinition, error) {
	defs := make(map[string]StepDefinition)

	entries, err := os.ReadDir(hooksDir)
	if err != nil {
		if os.IsNotExist(err) {
			return defs, nil
		}
		return nil, errors.WrapWithMessage(err, errors.Runtime, "reading hooks directory")
	}

	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".yaml") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(hooksDir, e.Name()))
		if err != nil {
			return nil, errors.WrapWithMessage(err, errors.Runtime, "reading hook definition")
		}
		var def StepDefinition
		if err := yaml.Unmarshal(data, &def); err != nil {
			return nil, errors.WrapWithMessage(err, errors.Configuration,
				"parsing hook definition "+e.Name())
		}
		if def.Name == "" {
			def.Name = strings.TrimSuffix(e.Name(), ".yaml")
		}
		if err := def.Validate(); err != nil {
			return nil, err
		}
		defs[def.Name] = def
	}
	return defs, nil
}

// Resolve produces the concrete definition for an injection.
func (i Injection) Resolve(defs map[string]StepDefinition) (StepDefinition, error) {
	if (i.Ref == "") == (i.Inline == nil) {
		return StepDefinition{}, errors.NewConfigError(
			fmt.Sprintf("injection at %s must have exactly one of ref or step", i.Point))
	}
	if i.Inline != nil {
		if err := i.Inline.Validate(); err != nil {
			return StepDefinition{}, err
		}
		return *i.Inline, nil
	}
	def, ok := defs[i.Ref]
	if !ok {
		return StepDefinition{}, errors.NewConfigError(
			fmt.Sprintf("injection references unknown hook definition %q", i.Ref),
			"define it under the hooks directory")
	}
	return def, nil
}
