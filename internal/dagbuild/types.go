// Package dagbuild derives the executable DAG bundle from a task tree and
// its manifest: one root DAG plus one sub-DAG per task. The bundle is what
// the scheduler executes and what the hook injector rewrites.
package dagbuild

import (
	"fmt"

	"github.com/pennyworth-tech/agent-arborist/internal/errors"
)

// QueueAI tags steps that consume an AI admission token. The scheduler
// serializes steps carrying this queue to at most max_ai_tasks in flight.
const QueueAI = "ai"

// Step is one unit in a sub-DAG. Exactly one of command or call is set:
// command steps execute an external program, call steps suspend on another
// sub-DAG until its terminal step completes.
type Step struct {
	Name string `yaml:"name"`
	// Command is the argv-joined command line for exec steps.
	Command string `yaml:"command,omitempty"`
	// Call names the sub-DAG a call step runs.
	Call    string   `yaml:"call,omitempty"`
	Depends []string `yaml:"depends,omitempty"`
	// Queue is the admission queue tag ("" or QueueAI).
	Queue string `yaml:"queue,omitempty"`
	// OutputCapture keys the step's captured JSON result in the run store.
	OutputCapture string `yaml:"output,omitempty"`
}

// IsCall reports whether the step calls a sub-DAG.
func (s *Step) IsCall() bool {
	return s.Call != ""
}

// NewExecStep constructs a command step.
func NewExecStep(name, command string, depends ...string) Step {
	return Step{Name: name, Command: command, Depends: depends}
}

// NewCallStep constructs a sub-DAG call step.
func NewCallStep(name, subdag string, depends ...string) Step {
	return Step{Name: name, Call: subdag, Depends: depends}
}

// Validate enforces the exec/call sum: one of command or call, never both
// or neither.
func (s *Step) Validate() error {
	if s.Name == "" {
		return errors.NewRuntimeError("step requires a name")
	}
	if (s.Command == "") == (s.Call == "") {
		return errors.NewRuntimeError(
			fmt.Sprintf("step %q must have exactly one of command or call", s.Name))
	}
	return nil
}

// SubDAG is one named DAG: the root, or the pipeline of a single task.
type SubDAG struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description,omitempty"`
	Env         []string `yaml:"env,omitempty"`
	Steps       []Step   `yaml:"steps"`
	IsRoot      bool     `yaml:"is_root,omitempty"`
}

// Step returns a step by name, or nil.
func (d *SubDAG) Step(name string) *Step {
	for i := range d.Steps {
		if d.Steps[i].Name == name {
			return &d.Steps[i]
		}
	}
	return nil
}

// Bundle is the complete DAG set for one spec.
type Bundle struct {
	Root    SubDAG   `yaml:"-"`
	SubDAGs []SubDAG `yaml:"-"`
}

// SubDAG returns a sub-DAG by name, or nil.
func (b *Bundle) SubDAG(name string) *SubDAG {
	for i := range b.SubDAGs {
		if b.SubDAGs[i].Name == name {
			return &b.SubDAGs[i]
		}
	}
	return nil
}

// Validate checks every step's sum invariant, dependency references, and
// call targets.
func (b *Bundle) Validate() error {
	dags := append([]SubDAG{b.Root}, b.SubDAGs...)
	names := make(map[string]bool, len(b.SubDAGs))
	for _, d := range b.SubDAGs {
		if names[d.Name] {
			return errors.NewRuntimeError(fmt.Sprintf("duplicate sub-DAG %q", d.Name))
		}
		names[d.Name] = true
	}

	for _, d := range dags {
		seen := make(map[string]bool, len(d.Steps))
		for i := range d.Steps {
			s := &d.Steps[i]
			if err := s.Validate(); err != nil {
				return err
			}
			if seen[s.Name] {
				return errors.NewRuntimeError(
					fmt.Sprintf("duplicate step %q in DAG %q", s.Name, d.Name))
			}
			seen[s.Name] = true
			if s.IsCall() && !names[s.Call] {
				return errors.NewRuntimeError(
					fmt.Sprintf("step %q calls unknown sub-DAG %q", s.Name, s.Call))
			}
		}
		for i := range d.Steps {
			for _, dep := range d.Steps[i].Depends {
				if !seen[dep] {
					return errors.NewRuntimeError(
						fmt.Sprintf("step %q depends on unknown step %q in DAG %q",
							d.Steps[i].Name, dep, d.Name))
				}
			}
		}
	}
	return nil
}
