package hooks

import (
	"encoding/json"
	"fmt"
	"path"
	"strings"

	"github.com/pennyworth-tech/agent-arborist/internal/dagbuild"
	"github.com/pennyworth-tech/agent-arborist/internal/errors"
)

// Application records one performed injection for diagnostics.
type Application struct {
	StepName string
	Point    Point
	TaskID   string
	Kind     StepKind
}

// Injector rewrites a DAG bundle with the configured hook steps.
type Injector struct {
	cfg  Config
	defs map[string]StepDefinition

	// Applications lists what was injected, for the build summary.
	Applications []Application
}

// NewInjector creates an injector over resolved definitions.
func NewInjector(cfg Config, defs map[string]StepDefinition) *Injector {
	return &Injector{cfg: cfg, defs: defs}
}

// Inject rewrites the bundle in place and returns it.
func (in *Injector) Inject(b *dagbuild.Bundle) (*dagbuild.Bundle, error) {
	if !in.cfg.Enabled {
		return b, nil
	}

	for _, inj := range in.cfg.Injections {
		def, err := inj.Resolve(in.defs)
		if err != nil {
			return nil, err
		}
		switch inj.Point {
		case PreRoot:
			in.injectPreRoot(b, def)
		case PostRoots:
			in.injectPostRoots(b, def)
		case Final:
			in.injectFinal(b, def)
		case PreTask, PostTask:
			in.injectTaskLevel(b, inj, def)
		default:
			return nil, errors.NewConfigError(
				fmt.Sprintf("unknown hook point %q", inj.Point))
		}
	}

	if err := b.Validate(); err != nil {
		return nil, err
	}
	return b, nil
}

// stepName generates the unique injected step name:
// hook_<point>_<base>[_<task_id>].
func stepName(point Point, def StepDefinition, taskID string) string {
	base := def.Name
	if base == "" {
		base = string(def.Kind)
	}
	name := fmt.Sprintf("hook_%s_%s", point, base)
	if taskID != "" {
		name += "_" + taskID
	}
	return name
}

// hookCommand builds the self-invocation that executes the resolved
// definition through "arborist hooks run".
func hookCommand(def StepDefinition, taskID string) string {
	payload, _ := json.Marshal(def)
	cmd := fmt.Sprintf("arborist hooks run --definition '%s'", string(payload))
	if taskID != "" {
		cmd += " --task " + taskID
	}
	return cmd
}

func (in *Injector) record(name string, point Point, taskID string, kind StepKind) {
	in.Applications = append(in.Applications, Application{
		StepName: name, Point: point, TaskID: taskID, Kind: kind,
	})
}

// injectPreRoot inserts after branches-setup and rewires every step that
// depended on branches-setup to depend on the new step instead.
func (in *Injector) injectPreRoot(b *dagbuild.Bundle, def StepDefinition) {
	root := &b.Root
	name := stepName(PreRoot, def, "")
	step := dagbuild.NewExecStep(name, hookCommand(def, ""), dagbuild.StepBranchesSetup)
	step.OutputCapture = name + "_result"

	idx := -1
	for i := range root.Steps {
		if root.Steps[i].Name == dagbuild.StepBranchesSetup {
			idx = i
			break
		}
	}
	if idx < 0 {
		root.Steps = append([]dagbuild.Step{step}, root.Steps...)
	} else {
		for i := range root.Steps {
			root.Steps[i].Depends = replaceDep(root.Steps[i].Depends, dagbuild.StepBranchesSetup, name)
		}
		root.Steps = insertAfter(root.Steps, idx, step)
	}
	in.record(name, PreRoot, "", def.Kind)
}

// injectPostRoots inserts after the last sub-DAG call in the root DAG.
func (in *Injector) injectPostRoots(b *dagbuild.Bundle, def StepDefinition) {
	root := &b.Root
	name := stepName(PostRoots, def, "")

	lastCall := -1
	for i := range root.Steps {
		if root.Steps[i].IsCall() {
			lastCall = i
		}
	}

	step := dagbuild.NewExecStep(name, hookCommand(def, ""))
	step.OutputCapture = name + "_result"
	if lastCall >= 0 {
		// Steps that followed the last call now follow the hook instead.
		for i := range root.Steps {
			root.Steps[i].Depends = replaceDep(root.Steps[i].Depends, root.Steps[lastCall].Name, name)
		}
		step.Depends = []string{root.Steps[lastCall].Name}
		root.Steps = insertAfter(root.Steps, lastCall, step)
	} else {
		if n := len(root.Steps); n > 0 {
			step.Depends = []string{root.Steps[n-1].Name}
		}
		root.Steps = append(root.Steps, step)
	}
	in.record(name, PostRoots, "", def.Kind)
}

// injectFinal appends the very last step of the root DAG.
func (in *Injector) injectFinal(b *dagbuild.Bundle, def StepDefinition) {
	root := &b.Root
	name := stepName(Final, def, "")
	step := dagbuild.NewExecStep(name, hookCommand(def, ""))
	step.OutputCapture = name + "_result"
	if n := len(root.Steps); n > 0 {
		step.Depends = []string{root.Steps[n-1].Name}
	}
	root.Steps = append(root.Steps, step)
	in.record(name, Final, "", def.Kind)
}

// injectTaskLevel applies pre_task/post_task to every matching task sub-DAG.
func (in *Injector) injectTaskLevel(b *dagbuild.Bundle, inj Injection, def StepDefinition) {
	for i := range b.SubDAGs {
		d := &b.SubDAGs[i]
		if !matchesTask(d.Name, inj.Tasks, inj.TasksExclude) {
			continue
		}
		name := stepName(inj.Point, def, d.Name)
		step := dagbuild.NewExecStep(name, hookCommand(def, d.Name))
		step.OutputCapture = name + "_result"

		if inj.Point == PreTask {
			// The previous first step now depends on the hook.
			if len(d.Steps) > 0 {
				first := &d.Steps[0]
				first.Depends = append([]string{name}, first.Depends...)
			}
			d.Steps = append([]dagbuild.Step{step}, d.Steps...)
		} else {
			if n := len(d.Steps); n > 0 {
				step.Depends = []string{d.Steps[n-1].Name}
			}
			d.Steps = append(d.Steps, step)
		}
		in.record(name, inj.Point, d.Name, def.Kind)
	}
}

// matchesTask applies include globs then the exclude list.
func matchesTask(taskID string, include, exclude []string) bool {
	for _, pattern := range exclude {
		if globMatch(pattern, taskID) {
			return false
		}
	}
	for _, pattern := range include {
		if globMatch(pattern, taskID) {
			return true
		}
	}
	return false
}

func globMatch(pattern, s string) bool {
	if pattern == "*" {
		return true
	}
	if strings.ContainsAny(pattern, "*?[") {
		ok, err := path.Match(pattern, s)
		return err == nil && ok
	}
	return pattern == s
}

func replaceDep(deps []string, old, new string) []string {
	for i, d := range deps {
		if d == old {
			deps[i] = new
		}
	}
	return deps
}

func insertAfter(steps []dagbuild.Step, idx int, step dagbuild.Step) []dagbuild.Step {
	out := make([]dagbuild.Step, 0, len(steps)+1)
	out = append(out, steps[:idx+1]...)
	out = append(out, step)
	out = append(out, steps[idx+1:]...)
	return out
}

// Summary renders the human-readable injection report.
func (in *Injector) Summary() string {
	if len(in.Applications) == 0 {
		return "No hooks applied"
	}
	byPoint := make(map[Point]int)
	for _, a := range in.Applications {
		byPoint[a.Point]++
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Applied %d hook(s)\n", len(in.Applications))
	for _, p := range []Point{PreRoot, PostRoots, PreTask, PostTask, Final} {
		if n := byPoint[p]; n > 0 {
			fmt.Fprintf(&b, "  %s: %d\n", p, n)
		}
	}
	return strings.TrimSuffix(b.String(), "\n")
}
