package state

import (
	"context"
	"os/exec"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pennyworth-tech/agent-arborist/internal/proc"
	"github.com/pennyworth-tech/agent-arborist/internal/testutil"
	"github.com/pennyworth-tech/agent-arborist/internal/tree"
	"github.com/pennyworth-tech/agent-arborist/internal/vcs"
)

func requireGit(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
}

func TestTaskStateFromTrailers(t *testing.T) {
	tests := map[string]struct {
		step   string
		result string
		want   TaskState
	}{
		"complete pass":     {StepComplete, ResultPass, StateComplete},
		"complete no result": {StepComplete, "", StateComplete},
		"complete fail":     {StepComplete, ResultFail, StateFailed},
		"review":            {StepReview, "", StateReviewing},
		"test":              {StepTest, "", StateTesting},
		"implement":         {StepImplement, "", StateImplementing},
		"unknown":           {"", "", StatePending},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			tr := NewTrailers()
			if tc.step != "" {
				tr.Add(TrailerStep, tc.step)
			}
			if tc.result != "" {
				tr.Add(TrailerResult, tc.result)
			}
			assert.Equal(t, tc.want, TaskStateFromTrailers(tr))
		})
	}
}

func TestParseTrailersKeepsEnginePrefixOnly(t *testing.T) {
	text := "Arborist-Step: test\nSigned-off-by: someone\nArborist-Test-Passed: 3\n"
	tr := ParseTrailers(text)

	assert.Equal(t, "test", tr.Get(TrailerStep))
	assert.Equal(t, "3", tr.Get(TrailerTestPassed))
	assert.Equal(t, 2, tr.Len())
}

func TestTrailersMultiValue(t *testing.T) {
	tr := NewTrailers()
	tr.Add(TrailerTest, "go test ./...")
	tr.Add(TrailerTest, "go vet ./...")

	assert.Equal(t, []string{"go test ./...", "go vet ./..."}, tr.All(TrailerTest))

	parsed := ParseTrailers(tr.Format())
	assert.Equal(t, tr.All(TrailerTest), parsed.All(TrailerTest))
}

func TestSubjectGrammar(t *testing.T) {
	assert.Equal(t, "task(hello@T001@implement): add parser",
		Subject("hello", "T001", StepImplement, "add parser"))
	assert.Equal(t, "task(hello@", SubjectPrefix("hello"))
}

// commitWithTrailers creates an empty commit carrying the given message.
func commitWithTrailers(t *testing.T, repo *vcs.Git, dir, msg string) {
	t.Helper()
	_, err := repo.Commit(context.Background(), msg, dir, true)
	require.NoError(t, err)
}

func TestTrailerRoundTripThroughGit(t *testing.T) {
	requireGit(t)
	dir := testutil.GitRepo(t)
	repo := vcs.NewGit(proc.New())
	ctx := context.Background()

	tr := NewTrailers()
	tr.Add(TrailerStep, StepTest)
	tr.Add(TrailerResult, ResultPass)
	tr.Add(TrailerTestPassed, "7")
	tr.Add(TrailerTest, "go test ./...")
	tr.Add(TrailerTest, "go vet ./...")

	msg := Subject("hello", "T001", StepTest, "run tests") + "\n\n" + tr.Format()
	commitWithTrailers(t, repo, dir, msg)

	oracle := NewOracle(repo)
	got, err := oracle.GetTaskTrailers(ctx, "HEAD", "T001", dir, "hello")
	require.NoError(t, err)
	require.NotNil(t, got)

	assert.Equal(t, StepTest, got.Get(TrailerStep))
	assert.Equal(t, "7", got.Get(TrailerTestPassed))
	assert.Equal(t, []string{"go test ./...", "go vet ./..."}, got.All(TrailerTest))
}

func TestGetTaskTrailersMissingTask(t *testing.T) {
	requireGit(t)
	dir := testutil.GitRepo(t)
	repo := vcs.NewGit(proc.New())

	oracle := NewOracle(repo)
	got, err := oracle.GetTaskTrailers(context.Background(), "HEAD", "T999", dir, "hello")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func scanFixtureTree(t *testing.T) *tree.TaskTree {
	t.Helper()
	tr := tree.New()
	require.NoError(t, tr.Add(&tree.TaskNode{ID: "phase1", Name: "phase"}))
	require.NoError(t, tr.Add(&tree.TaskNode{ID: "T001", Parent: "phase1"}))
	require.NoError(t, tr.Add(&tree.TaskNode{ID: "T002", Parent: "phase1"}))
	return tr
}

func TestScanTaskStates(t *testing.T) {
	requireGit(t)
	dir := testutil.GitRepo(t)
	repo := vcs.NewGit(proc.New())
	ctx := context.Background()

	commitWithTrailers(t, repo, dir,
		Subject("hello", "T001", StepImplement, "work")+"\n\nArborist-Step: implement")
	commitWithTrailers(t, repo, dir,
		Subject("hello", "T001", StepComplete, "merge")+"\n\nArborist-Step: complete\nArborist-Result: pass")
	commitWithTrailers(t, repo, dir,
		Subject("hello", "T002", StepTest, "testing")+"\n\nArborist-Step: test")

	oracle := NewOracle(repo)
	states, trailers, err := oracle.ScanTaskStates(ctx, scanFixtureTree(t), dir, "hello", "main")
	require.NoError(t, err)

	// The most recent commit per task wins.
	assert.Equal(t, StateComplete, states["T001"])
	assert.Equal(t, StateTesting, states["T002"])
	assert.Equal(t, "pass", trailers["T001"].Get(TrailerResult))

	completed, err := oracle.ScanCompletedTasks(ctx, scanFixtureTree(t), dir, "hello", "main")
	require.NoError(t, err)
	assert.True(t, completed["T001"])
	assert.False(t, completed["T002"])
}

func TestScanIsScopedBySpec(t *testing.T) {
	requireGit(t)
	dir := testutil.GitRepo(t)
	repo := vcs.NewGit(proc.New())
	ctx := context.Background()

	// A completion for another spec must be invisible to this one.
	commitWithTrailers(t, repo, dir,
		Subject("other", "T001", StepComplete, "done")+"\n\nArborist-Step: complete\nArborist-Result: pass")

	oracle := NewOracle(repo)
	states, _, err := oracle.ScanTaskStates(ctx, scanFixtureTree(t), dir, "hello", "main")
	require.NoError(t, err)
	_, present := states["T001"]
	assert.False(t, present)
}

func TestRunStartSHA(t *testing.T) {
	requireGit(t)
	dir := testutil.GitRepo(t)
	repo := vcs.NewGit(proc.New())
	ctx := context.Background()

	oracle := NewOracle(repo)

	// Absent without create.
	sha, err := oracle.RunStartSHA(ctx, dir, "hello", false)
	require.NoError(t, err)
	assert.Empty(t, sha)

	created, err := oracle.RunStartSHA(ctx, dir, "hello", true)
	require.NoError(t, err)
	require.NotEmpty(t, created)

	// Idempotent: a second call finds the same sentinel.
	found, err := oracle.RunStartSHA(ctx, dir, "hello", true)
	require.NoError(t, err)
	assert.Equal(t, created, found)
}

func TestScanDocumentStableOutput(t *testing.T) {
	requireGit(t)
	dir := testutil.GitRepo(t)
	repo := vcs.NewGit(proc.New())
	ctx := context.Background()

	commitWithTrailers(t, repo, dir,
		Subject("hello", "T002", StepComplete, "done")+"\n\nArborist-Step: complete\nArborist-Result: pass")
	commitWithTrailers(t, repo, dir,
		Subject("hello", "T001", StepComplete, "done")+"\n\nArborist-Step: complete\nArborist-Result: pass")

	oracle := NewOracle(repo)
	doc, err := oracle.Scan(ctx, scanFixtureTree(t), dir, "hello", "main")
	require.NoError(t, err)

	assert.Equal(t, []string{"T001", "T002"}, doc.Completed)
	assert.Equal(t, StateComplete, doc.Tasks["T001"].State)
}
