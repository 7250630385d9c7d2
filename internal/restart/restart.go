// Package restart derives the skip-if-already-done context from a prior
// run's captured records. The scheduler consults it before launching each
// step; completed steps replay their prior output instead of re-performing
// external effects.
package restart

import (
	"context"
	"time"

	"github.com/pennyworth-tech/agent-arborist/internal/dagbuild"
	"github.com/pennyworth-tech/agent-arborist/internal/runstore"
	"github.com/pennyworth-tech/agent-arborist/internal/steps"
	"github.com/pennyworth-tech/agent-arborist/internal/vcs"
)

// Overall task statuses derived from step records.
const (
	StatusPending  = "pending"
	StatusPartial  = "partial"
	StatusComplete = "complete"
	StatusFailed   = "failed"
	StatusRunning  = "running"
)

// StepCompletionState is the per-step restart record.
type StepCompletionState struct {
	FullStepName string     `json:"full_step_name"`
	StepType     string     `json:"step_type"`
	Completed    bool       `json:"completed"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	DAGRunID     string     `json:"dag_run_id"`
	Status       string     `json:"status"`
	ExitCode     *int       `json:"exit_code,omitempty"`
	Error        string     `json:"error,omitempty"`
	// Output is the replayable StepResult captured in the prior run.
	Output steps.Result `json:"-"`
	// RawOutput preserves the captured bytes for re-emission.
	RawOutput []byte `json:"output,omitempty"`
}

// TaskRestartContext aggregates one task's (sub-DAG's) steps.
type TaskRestartContext struct {
	RunID            string                          `json:"run_id"`
	OverallStatus    string                          `json:"overall_status"`
	ChildrenComplete bool                            `json:"children_complete"`
	BranchName       string                          `json:"branch_name,omitempty"`
	HeadCommitSHA    string                          `json:"head_commit_sha,omitempty"`
	Steps            map[string]*StepCompletionState `json:"steps"`
}

// Context is the complete restart oracle for a run.
type Context struct {
	SpecID      string                         `json:"spec_id"`
	SourceRunID string                         `json:"source_run_id"`
	CreatedAt   time.Time                      `json:"created_at"`
	RootStatus  string                         `json:"root_status"`
	Tasks       map[string]*TaskRestartContext `json:"tasks"`
}

// Build walks a prior run's record store and produces the restart context.
// The walk over the bundle's sub-DAG hierarchy is iterative: an explicit
// work stack, no recursion.
func Build(prior *runstore.RunState, bundle *dagbuild.Bundle, readOutput func(string) []byte) *Context {
	rc := &Context{
		SpecID:      prior.SpecID,
		SourceRunID: prior.RunID,
		CreatedAt:   time.Now().UTC(),
		RootStatus:  prior.Status,
		Tasks:       make(map[string]*TaskRestartContext),
	}

	// Group records by owning DAG.
	byDAG := make(map[string][]*runstore.Record)
	for _, rec := range prior.Steps {
		byDAG[rec.DAG] = append(byDAG[rec.DAG], rec)
	}

	type frame struct{ dagName string }
	stack := []frame{{bundle.Root.Name}}
	seen := map[string]bool{}

	for len(stack) > 0 {
		fr := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[fr.dagName] {
			continue
		}
		seen[fr.dagName] = true

		var d *dagbuild.SubDAG
		if fr.dagName == bundle.Root.Name {
			d = &bundle.Root
		} else {
			d = bundle.SubDAG(fr.dagName)
		}
		if d == nil {
			continue
		}

		tc := buildTaskContext(prior.RunID, fr.dagName, byDAG[fr.dagName], readOutput)
		rc.Tasks[fr.dagName] = tc

		for i := range d.Steps {
			if d.Steps[i].IsCall() {
				stack = append(stack, frame{d.Steps[i].Call})
			}
		}
	}

	// Second pass: a parent's children are complete when every called
	// sub-DAG's latest attempt finished successfully.
	for name, tc := range rc.Tasks {
		var d *dagbuild.SubDAG
		if name == bundle.Root.Name {
			d = &bundle.Root
		} else {
			d = bundle.SubDAG(name)
		}
		if d == nil {
			continue
		}
		complete := true
		hasChildren := false
		for i := range d.Steps {
			if !d.Steps[i].IsCall() {
				continue
			}
			hasChildren = true
			child := rc.Tasks[d.Steps[i].Call]
			if child == nil || child.OverallStatus != StatusComplete {
				complete = false
			}
		}
		tc.ChildrenComplete = hasChildren && complete
	}

	return rc
}

// buildTaskContext aggregates the records of one sub-DAG.
func buildTaskContext(runID, dagName string, records []*runstore.Record, readOutput func(string) []byte) *TaskRestartContext {
	tc := &TaskRestartContext{
		RunID: runID,
		Steps: make(map[string]*StepCompletionState, len(records)),
	}

	anyFailed, anyRunning, anySuccess := false, false, false
	for _, rec := range records {
		st := &StepCompletionState{
			FullStepName: rec.FullStepName,
			StepType:     rec.Step,
			Completed:    rec.Status == runstore.StatusSuccess || rec.Status == runstore.StatusSkipped,
			CompletedAt:  rec.CompletedAt,
			DAGRunID:     runID,
			Status:       rec.Status,
			ExitCode:     rec.ExitCode,
			Error:        rec.Error,
		}
		if rec.OutputKey != "" && readOutput != nil {
			raw := readOutput(rec.OutputKey)
			st.RawOutput = raw
			if parsed, err := steps.Decode(raw); err == nil {
				st.Output = parsed
			}
		}
		tc.Steps[rec.FullStepName] = st

		switch rec.Status {
		case runstore.StatusFailed:
			anyFailed = true
		case runstore.StatusRunning:
			anyRunning = true
		case runstore.StatusSuccess, runstore.StatusSkipped:
			anySuccess = true
		}

		// Branch and head derive from the pre-sync and commit outputs.
		if st.Output != nil {
			switch out := st.Output.(type) {
			case *steps.PreSyncResult:
				if out.Branch != "" {
					tc.BranchName = out.Branch
				}
			case *steps.CommitResult:
				if out.CommitSHA != "" {
					tc.HeadCommitSHA = out.CommitSHA
				}
			}
		}
	}

	switch {
	case anyRunning:
		tc.OverallStatus = StatusRunning
	case anyFailed:
		tc.OverallStatus = StatusFailed
	case len(records) == 0:
		tc.OverallStatus = StatusPending
	case allCompleted(tc.Steps):
		tc.OverallStatus = StatusComplete
	case anySuccess:
		tc.OverallStatus = StatusPartial
	default:
		tc.OverallStatus = StatusPending
	}
	return tc
}

func allCompleted(stepsMap map[string]*StepCompletionState) bool {
	for _, st := range stepsMap {
		if !st.Completed {
			return false
		}
	}
	return len(stepsMap) > 0
}

// CompletedStep returns the prior state for a fully-qualified step when it
// completed successfully, or nil.
func (rc *Context) CompletedStep(dagName, stepName string) *StepCompletionState {
	tc := rc.Tasks[dagName]
	if tc == nil {
		return nil
	}
	st := tc.Steps[runstore.QualifyStep(dagName, stepName)]
	if st == nil || !st.Completed {
		return nil
	}
	return st
}

// ValidateIntegrity cross-checks captured branch names and head commits
// against the repository. A vanished branch or unreachable head invalidates
// the task's skip records: its steps re-run from scratch.
func (rc *Context) ValidateIntegrity(ctx context.Context, repo vcs.Repo, gitRoot string) {
	for name, tc := range rc.Tasks {
		if tc.BranchName == "" {
			continue
		}
		ok := repo.BranchExists(ctx, tc.BranchName, gitRoot)
		if ok && tc.HeadCommitSHA != "" {
			ok = repo.CommitIsAncestor(ctx, tc.HeadCommitSHA, tc.BranchName, gitRoot)
		}
		if !ok {
			for _, st := range rc.Tasks[name].Steps {
				st.Completed = false
			}
			tc.OverallStatus = StatusPending
		}
	}
}
