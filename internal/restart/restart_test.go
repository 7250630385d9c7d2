package restart

import (
	"context"
	"encoding/json"
	"os/exec"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pennyworth-tech/agent-arborist/internal/dagbuild"
	"github.com/pennyworth-tech/agent-arborist/internal/proc"
	"github.com/pennyworth-tech/agent-arborist/internal/runstore"
	"github.com/pennyworth-tech/agent-arborist/internal/testutil"
	"github.com/pennyworth-tech/agent-arborist/internal/vcs"
)

// fixtureBundle: root calls T001; T001 runs pre-sync -> commit.
func fixtureBundle() *dagbuild.Bundle {
	return &dagbuild.Bundle{
		Root: dagbuild.SubDAG{Name: "root", IsRoot: true, Steps: []dagbuild.Step{
			dagbuild.NewCallStep("c-T001", "T001"),
		}},
		SubDAGs: []dagbuild.SubDAG{{Name: "T001", Steps: []dagbuild.Step{
			dagbuild.NewExecStep("pre-sync", "arborist task pre-sync T001"),
			dagbuild.NewExecStep("commit", "arborist task commit T001", "pre-sync"),
		}}},
	}
}

func record(dag, step, status string, outputKey string) *runstore.Record {
	exit := 0
	return &runstore.Record{
		FullStepName: runstore.QualifyStep(dag, step),
		DAG:          dag,
		Step:         step,
		Status:       status,
		ExitCode:     &exit,
		OutputKey:    outputKey,
	}
}

func priorState(records ...*runstore.Record) *runstore.RunState {
	st := &runstore.RunState{
		SpecID: "hello",
		RunID:  "run1",
		Status: runstore.StatusFailed,
		Steps:  map[string]*runstore.Record{},
	}
	for _, r := range records {
		st.Steps[r.FullStepName] = r
	}
	return st
}

func TestBuildDerivesBranchAndHead(t *testing.T) {
	outputs := map[string][]byte{}
	preSync, _ := json.Marshal(map[string]any{
		"kind": "pre-sync", "success": true, "skipped": false,
		"branch": "main_a_T001", "parent_branch": "main_a", "worktree_path": "/wt",
	})
	commit, _ := json.Marshal(map[string]any{
		"kind": "commit", "success": true, "skipped": false,
		"commit_sha": "abc123", "message": "m",
	})
	outputs["T001.pre-sync"] = preSync
	outputs["T001.commit"] = commit

	prior := priorState(
		record("root", "c-T001", runstore.StatusSuccess, ""),
		record("T001", "pre-sync", runstore.StatusSuccess, "T001.pre-sync"),
		record("T001", "commit", runstore.StatusSuccess, "T001.commit"),
	)

	rc := Build(prior, fixtureBundle(), func(key string) []byte { return outputs[key] })

	require.NotNil(t, rc.Tasks["T001"])
	tc := rc.Tasks["T001"]
	assert.Equal(t, "main_a_T001", tc.BranchName)
	assert.Equal(t, "abc123", tc.HeadCommitSHA)
	assert.Equal(t, StatusComplete, tc.OverallStatus)

	// Root's children are complete when every called sub-DAG completed.
	assert.True(t, rc.Tasks["root"].ChildrenComplete)

	st := rc.CompletedStep("T001", "pre-sync")
	require.NotNil(t, st)
	assert.True(t, st.Completed)
	assert.NotEmpty(t, st.RawOutput)
}

func TestBuildPartialTask(t *testing.T) {
	prior := priorState(
		record("T001", "pre-sync", runstore.StatusSuccess, ""),
		record("T001", "commit", runstore.StatusFailed, ""),
	)

	rc := Build(prior, fixtureBundle(), nil)
	tc := rc.Tasks["T001"]
	assert.Equal(t, StatusFailed, tc.OverallStatus)
	assert.False(t, rc.Tasks["root"].ChildrenComplete)

	// Failed steps are not skippable.
	assert.NotNil(t, rc.CompletedStep("T001", "pre-sync"))
	assert.Nil(t, rc.CompletedStep("T001", "commit"))
}

func TestBuildEmptyRunIsPending(t *testing.T) {
	rc := Build(priorState(), fixtureBundle(), nil)
	assert.Equal(t, StatusPending, rc.Tasks["T001"].OverallStatus)
	assert.Nil(t, rc.CompletedStep("T001", "pre-sync"))
}

func TestValidateIntegrityInvalidatesVanishedBranch(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	dir := testutil.GitRepo(t)
	repo := vcs.NewGit(proc.New())

	preSync, _ := json.Marshal(map[string]any{
		"kind": "pre-sync", "success": true, "skipped": false,
		"branch": "vanished_branch",
	})
	outputs := map[string][]byte{"T001.pre-sync": preSync}

	prior := priorState(
		record("T001", "pre-sync", runstore.StatusSuccess, "T001.pre-sync"),
		record("T001", "commit", runstore.StatusSuccess, ""),
	)
	rc := Build(prior, fixtureBundle(), func(key string) []byte { return outputs[key] })
	require.NotNil(t, rc.CompletedStep("T001", "pre-sync"))

	rc.ValidateIntegrity(context.Background(), repo, dir)

	// The branch no longer exists: every completed record for the task is
	// invalidated so its steps re-run from scratch.
	assert.Nil(t, rc.CompletedStep("T001", "pre-sync"))
	assert.Nil(t, rc.CompletedStep("T001", "commit"))
	assert.Equal(t, StatusPending, rc.Tasks["T001"].OverallStatus)
}

func TestValidateIntegrityKeepsReachableHead(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	dir := testutil.GitRepo(t)
	repo := vcs.NewGit(proc.New())
	ctx := context.Background()

	require.NoError(t, repo.CreateBranch(ctx, "kept_branch", "main", dir))
	head, err := repo.RevParse(ctx, "kept_branch", dir)
	require.NoError(t, err)

	preSync, _ := json.Marshal(map[string]any{
		"kind": "pre-sync", "success": true, "skipped": false, "branch": "kept_branch",
	})
	commit, _ := json.Marshal(map[string]any{
		"kind": "commit", "success": true, "skipped": false, "commit_sha": head,
	})
	outputs := map[string][]byte{"T001.pre-sync": preSync, "T001.commit": commit}

	prior := priorState(
		record("T001", "pre-sync", runstore.StatusSuccess, "T001.pre-sync"),
		record("T001", "commit", runstore.StatusSuccess, "T001.commit"),
	)
	rc := Build(prior, fixtureBundle(), func(key string) []byte { return outputs[key] })

	rc.ValidateIntegrity(ctx, repo, dir)
	assert.NotNil(t, rc.CompletedStep("T001", "pre-sync"))
	assert.NotNil(t, rc.CompletedStep("T001", "commit"))
}
