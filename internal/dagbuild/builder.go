package dagbuild

import (
	"fmt"

	"github.com/pennyworth-tech/agent-arborist/internal/manifest"
	"github.com/pennyworth-tech/agent-arborist/internal/tree"
)

// Pipeline step names. These are also CLI subcommands: every step re-invokes
// the engine as "arborist task <step> <task-id>".
const (
	StepPreSync     = "pre-sync"
	StepContainerUp = "container-up"
	StepRun         = "run"
	StepCommit      = "commit"
	StepRunTest     = "run-test"
	StepReview      = "review"
	StepPostMerge   = "post-merge"
	StepPostCleanup = "post-cleanup"

	StepBranchesSetup = "branches-setup"
	StepFinalize      = "finalize"
	StepPhaseTests    = "phase-tests"
	StepComplete      = "complete"
)

// Config parameterizes DAG generation.
type Config struct {
	SpecID      string
	Description string
	// Review enables the LLM review step in leaf pipelines.
	Review bool
	// Cleanup enables the post-cleanup step in leaf pipelines.
	Cleanup bool
}

// taskCommand builds the self-invocation for a pipeline step.
func taskCommand(step, taskID string) string {
	return fmt.Sprintf("arborist task %s %s", step, taskID)
}

// Build derives the bundle: a root DAG calling each root task's sub-DAG
// sequentially, one sub-DAG per leaf (the pipeline), and one sub-DAG per
// internal task (sequential child calls, phase tests, completion).
func Build(cfg Config, t *tree.TaskTree, m *manifest.Manifest) (*Bundle, error) {
	b := &Bundle{}

	for _, id := range m.TopologicalTaskIDs() {
		node := t.Get(id)
		if node == nil {
			continue
		}
		if node.IsLeaf() {
			b.SubDAGs = append(b.SubDAGs, buildLeafDAG(cfg, id, node))
		} else {
			b.SubDAGs = append(b.SubDAGs, buildParentDAG(cfg, id, node, t))
		}
	}

	b.Root = buildRootDAG(cfg, t)

	if err := b.Validate(); err != nil {
		return nil, err
	}
	return b, nil
}

func commonEnv(cfg Config, taskID string) []string {
	env := []string{
		"ARBORIST_SPEC_ID=" + cfg.SpecID,
		"ARBORIST_CONTAINER_MODE=${ARBORIST_CONTAINER_MODE}",
		"ARBORIST_SOURCE_REV=${ARBORIST_SOURCE_REV}",
		"ARBORIST_RUNNER=${ARBORIST_RUNNER}",
		"ARBORIST_MODEL=${ARBORIST_MODEL}",
	}
	if taskID != "" {
		env = append(env, "ARBORIST_TASK_ID="+taskID)
	}
	return env
}

// buildLeafDAG emits the fixed pipeline for a leaf task. Steps chain
// linearly; the run and post-merge steps carry the AI queue tag.
func buildLeafDAG(cfg Config, id string, node *tree.TaskNode) SubDAG {
	d := SubDAG{
		Name:        id,
		Description: node.Name,
		Env:         commonEnv(cfg, id),
	}

	add := func(step string, queue string) {
		s := NewExecStep(step, taskCommand(step, id))
		if n := len(d.Steps); n > 0 {
			s.Depends = []string{d.Steps[n-1].Name}
		}
		s.Queue = queue
		s.OutputCapture = fmt.Sprintf("%s_%s_result", id, step)
		d.Steps = append(d.Steps, s)
	}

	add(StepPreSync, "")
	add(StepContainerUp, "")
	add(StepRun, QueueAI)
	add(StepCommit, "")
	add(StepRunTest, "")
	if cfg.Review {
		add(StepReview, "")
	}
	add(StepPostMerge, QueueAI)
	if cfg.Cleanup {
		add(StepPostCleanup, "")
	}
	return d
}

// buildParentDAG emits the sub-DAG for an internal task: sequential child
// calls, phase-level tests when configured, then the completion record.
func buildParentDAG(cfg Config, id string, node *tree.TaskNode, t *tree.TaskTree) SubDAG {
	d := SubDAG{
		Name:        id,
		Description: node.Name,
		Env:         commonEnv(cfg, id),
	}

	prev := ""
	for _, childID := range node.Children {
		s := NewCallStep("c-"+childID, childID)
		if prev != "" {
			s.Depends = []string{prev}
		}
		d.Steps = append(d.Steps, s)
		prev = s.Name
	}

	if len(node.TestCmds) > 0 {
		s := NewExecStep(StepPhaseTests, taskCommand(StepRunTest, id))
		if prev != "" {
			s.Depends = []string{prev}
		}
		s.OutputCapture = fmt.Sprintf("%s_%s_result", id, StepPhaseTests)
		d.Steps = append(d.Steps, s)
		prev = s.Name
	}

	s := NewExecStep(StepComplete, taskCommand(StepComplete, id))
	if prev != "" {
		s.Depends = []string{prev}
	}
	s.OutputCapture = fmt.Sprintf("%s_%s_result", id, StepComplete)
	d.Steps = append(d.Steps, s)
	return d
}

// buildRootDAG emits the root: branches-setup, sequential root task calls,
// finalize.
func buildRootDAG(cfg Config, t *tree.TaskTree) SubDAG {
	d := SubDAG{
		Name:        cfg.SpecID,
		Description: cfg.Description,
		Env:         commonEnv(cfg, ""),
		IsRoot:      true,
	}

	d.Steps = append(d.Steps, NewExecStep(StepBranchesSetup, "arborist spec branches-setup"))
	prev := StepBranchesSetup

	for _, rootID := range t.RootIDs {
		s := NewCallStep("c-"+rootID, rootID, prev)
		d.Steps = append(d.Steps, s)
		prev = s.Name
	}

	d.Steps = append(d.Steps, NewExecStep(StepFinalize, "arborist spec finalize", prev))
	return d
}
