package hooks

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pennyworth-tech/agent-arborist/internal/dagbuild"
	"github.com/pennyworth-tech/agent-arborist/internal/manifest"
	"github.com/pennyworth-tech/agent-arborist/internal/tree"
)

func fixtureBundle(t *testing.T) *dagbuild.Bundle {
	t.Helper()
	tr := tree.New()
	require.NoError(t, tr.Add(&tree.TaskNode{ID: "phase1", Name: "phase"}))
	require.NoError(t, tr.Add(&tree.TaskNode{ID: "T001", Name: "one", Parent: "phase1"}))
	require.NoError(t, tr.Add(&tree.TaskNode{ID: "T002", Name: "two", Parent: "phase1"}))

	m, err := manifest.Generate("hello", tr, "main")
	require.NoError(t, err)
	b, err := dagbuild.Build(dagbuild.Config{SpecID: "hello"}, tr, m)
	require.NoError(t, err)
	return b
}

func shellDef(name string) StepDefinition {
	return StepDefinition{Name: name, Kind: KindShell, Command: "echo hi"}
}

func TestStepDefinitionValidate(t *testing.T) {
	assert.NoError(t, shellDef("x").Validate())
	assert.NoError(t, (&StepDefinition{Name: "e", Kind: KindLLMEval, Prompt: "rate this"}).Validate())

	assert.Error(t, (&StepDefinition{Name: "bad", Kind: KindShell}).Validate())
	assert.Error(t, (&StepDefinition{Name: "bad", Kind: KindLLMEval}).Validate())
	assert.Error(t, (&StepDefinition{Name: "bad", Kind: "python"}).Validate())
}

func TestInjectDisabledIsNoOp(t *testing.T) {
	b := fixtureBundle(t)
	before := len(b.Root.Steps)

	def := shellDef("x")
	in := NewInjector(Config{Enabled: false, Injections: []Injection{
		{Point: Final, Inline: &def},
	}}, nil)
	out, err := in.Inject(b)
	require.NoError(t, err)
	assert.Len(t, out.Root.Steps, before)
	assert.Empty(t, in.Applications)
}

func TestInjectPreRootRewiresDependents(t *testing.T) {
	b := fixtureBundle(t)
	def := shellDef("lint")
	in := NewInjector(Config{Enabled: true, Injections: []Injection{
		{Point: PreRoot, Inline: &def},
	}}, nil)

	out, err := in.Inject(b)
	require.NoError(t, err)

	// The hook lands immediately after branches-setup.
	assert.Equal(t, dagbuild.StepBranchesSetup, out.Root.Steps[0].Name)
	hook := out.Root.Steps[1]
	assert.Equal(t, "hook_pre_root_lint", hook.Name)
	assert.Equal(t, []string{dagbuild.StepBranchesSetup}, hook.Depends)
	assert.Equal(t, "hook_pre_root_lint_result", hook.OutputCapture)

	// The step that depended on branches-setup now depends on the hook.
	assert.Equal(t, []string{"hook_pre_root_lint"}, out.Root.Steps[2].Depends)
}

func TestInjectPostRootsAfterLastCall(t *testing.T) {
	b := fixtureBundle(t)
	def := shellDef("report")
	in := NewInjector(Config{Enabled: true, Injections: []Injection{
		{Point: PostRoots, Inline: &def},
	}}, nil)

	out, err := in.Inject(b)
	require.NoError(t, err)

	// Root layout: branches-setup, c-phase1, hook, finalize.
	names := stepNames(out.Root.Steps)
	assert.Equal(t, []string{
		dagbuild.StepBranchesSetup, "c-phase1", "hook_post_roots_report", dagbuild.StepFinalize,
	}, names)
	assert.Equal(t, []string{"c-phase1"}, out.Root.Step("hook_post_roots_report").Depends)
	assert.Equal(t, []string{"hook_post_roots_report"}, out.Root.Step(dagbuild.StepFinalize).Depends)
}

func TestInjectFinalIsLast(t *testing.T) {
	b := fixtureBundle(t)
	def := shellDef("notify")
	in := NewInjector(Config{Enabled: true, Injections: []Injection{
		{Point: Final, Inline: &def},
	}}, nil)

	out, err := in.Inject(b)
	require.NoError(t, err)

	last := out.Root.Steps[len(out.Root.Steps)-1]
	assert.Equal(t, "hook_final_notify", last.Name)
	assert.Equal(t, []string{dagbuild.StepFinalize}, last.Depends)
}

func TestInjectPreTaskFiltersByGlob(t *testing.T) {
	b := fixtureBundle(t)
	def := shellDef("guard")
	in := NewInjector(Config{Enabled: true, Injections: []Injection{
		{Point: PreTask, Inline: &def, Tasks: []string{"T*"}, TasksExclude: []string{"T002"}},
	}}, nil)

	out, err := in.Inject(b)
	require.NoError(t, err)

	t001 := out.SubDAG("T001")
	assert.Equal(t, "hook_pre_task_guard_T001", t001.Steps[0].Name)
	// The previous first step now depends on the hook.
	assert.Contains(t, t001.Steps[1].Depends, "hook_pre_task_guard_T001")

	// Excluded and non-matching sub-DAGs are untouched.
	assert.Nil(t, out.SubDAG("T002").Step("hook_pre_task_guard_T002"))
	assert.Nil(t, out.SubDAG("phase1").Step("hook_pre_task_guard_phase1"))
}

func TestInjectPostTaskAppends(t *testing.T) {
	b := fixtureBundle(t)
	def := shellDef("audit")
	in := NewInjector(Config{Enabled: true, Injections: []Injection{
		{Point: PostTask, Inline: &def, Tasks: []string{"*"}},
	}}, nil)

	out, err := in.Inject(b)
	require.NoError(t, err)

	d := out.SubDAG("T001")
	last := d.Steps[len(d.Steps)-1]
	assert.Equal(t, "hook_post_task_audit_T001", last.Name)
	assert.Equal(t, []string{d.Steps[len(d.Steps)-2].Name}, last.Depends)

	// "*" matched every sub-DAG, phases included.
	assert.NotNil(t, out.SubDAG("phase1").Step("hook_post_task_audit_phase1"))
	assert.Len(t, in.Applications, 3)
}

func TestInjectionResolveRefAndInline(t *testing.T) {
	defs := map[string]StepDefinition{"named": shellDef("named")}

	inj := Injection{Point: Final, Ref: "named"}
	def, err := inj.Resolve(defs)
	require.NoError(t, err)
	assert.Equal(t, "named", def.Name)

	inline := shellDef("inline")
	inj = Injection{Point: Final, Inline: &inline}
	def, err = inj.Resolve(defs)
	require.NoError(t, err)
	assert.Equal(t, "inline", def.Name)

	// Unknown ref, both, and neither are configuration errors.
	_, err = Injection{Point: Final, Ref: "ghost"}.Resolve(defs)
	assert.Error(t, err)
	_, err = Injection{Point: Final, Ref: "named", Inline: &inline}.Resolve(defs)
	assert.Error(t, err)
	_, err = Injection{Point: Final}.Resolve(defs)
	assert.Error(t, err)
}

func TestLoadDefinitions(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "lint.yaml"),
		[]byte("kind: shell\ncommand: make lint\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "eval.yaml"),
		[]byte("name: quality-eval\nkind: llm_eval\nprompt: 'rate {{task_id}}'\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"),
		[]byte("ignored"), 0o644))

	defs, err := LoadDefinitions(dir)
	require.NoError(t, err)
	require.Len(t, defs, 2)

	// The filename names an unnamed definition.
	assert.Equal(t, "make lint", defs["lint"].Command)
	assert.Equal(t, KindLLMEval, defs["quality-eval"].Kind)
}

func TestLoadDefinitionsMissingDir(t *testing.T) {
	defs, err := LoadDefinitions(filepath.Join(t.TempDir(), "absent"))
	require.NoError(t, err)
	assert.Empty(t, defs)
}

func stepNames(steps []dagbuild.Step) []string {
	var out []string
	for _, s := range steps {
		out = append(out, s.Name)
	}
	return out
}
