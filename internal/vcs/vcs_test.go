package vcs

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pennyworth-tech/agent-arborist/internal/proc"
	"github.com/pennyworth-tech/agent-arborist/internal/testutil"
)

func newRepo(t *testing.T) (*Git, string) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	return NewGit(proc.New()), testutil.GitRepo(t)
}

func TestToplevelAndCurrentBranch(t *testing.T) {
	g, dir := newRepo(t)
	ctx := context.Background()

	top, err := g.Toplevel(ctx, dir)
	require.NoError(t, err)
	resolved, _ := filepath.EvalSymlinks(dir)
	topResolved, _ := filepath.EvalSymlinks(top)
	assert.Equal(t, resolved, topResolved)

	branch, err := g.CurrentBranch(ctx, dir)
	require.NoError(t, err)
	assert.Equal(t, "main", branch)
}

func TestBranchLifecycle(t *testing.T) {
	g, dir := newRepo(t)
	ctx := context.Background()

	assert.False(t, g.BranchExists(ctx, "feature_x", dir))
	require.NoError(t, g.CreateBranch(ctx, "feature_x", "main", dir))
	assert.True(t, g.BranchExists(ctx, "feature_x", dir))

	require.NoError(t, g.DeleteBranch(ctx, "feature_x", dir, true))
	assert.False(t, g.BranchExists(ctx, "feature_x", dir))
}

func TestCommitAndLogGrep(t *testing.T) {
	g, dir := newRepo(t)
	ctx := context.Background()

	testutil.WriteFile(t, dir, "a.txt", "hello\n")
	require.NoError(t, g.AddAll(ctx, dir))
	sha, err := g.Commit(ctx, "task(hello@T001@implement): add a", dir, false)
	require.NoError(t, err)
	assert.Len(t, sha, 40)

	out, err := g.Log(ctx, "HEAD", "%s", dir, LogOptions{
		N: 1, Grep: "task(hello@T001", FixedStrings: true,
	})
	require.NoError(t, err)
	assert.Equal(t, "task(hello@T001@implement): add a", out)

	// Fixed-string grep: the parentheses are literal, no regex surprises.
	out, err = g.Log(ctx, "HEAD", "%s", dir, LogOptions{
		N: 1, Grep: "task(nope@", FixedStrings: true,
	})
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestCommitAllowEmpty(t *testing.T) {
	g, dir := newRepo(t)
	ctx := context.Background()

	sha, err := g.Commit(ctx, "empty marker", dir, true)
	require.NoError(t, err)
	assert.NotEmpty(t, sha)

	// Without allow-empty, committing nothing fails.
	_, err = g.Commit(ctx, "no changes", dir, false)
	assert.Error(t, err)
	var gitErr *GitError
	assert.ErrorAs(t, err, &gitErr)
}

func TestMergeNoFF(t *testing.T) {
	g, dir := newRepo(t)
	ctx := context.Background()

	require.NoError(t, g.Checkout(ctx, "feature", dir, true, "main"))
	testutil.WriteFile(t, dir, "f.txt", "feature\n")
	require.NoError(t, g.AddAll(ctx, dir))
	_, err := g.Commit(ctx, "feature work", dir, false)
	require.NoError(t, err)

	require.NoError(t, g.Checkout(ctx, "main", dir, false, ""))
	outcome, err := g.Merge(ctx, "feature", dir, "merge feature")
	require.NoError(t, err)
	assert.True(t, outcome.OK)

	// --no-ff produced a merge commit with the given subject.
	subject, err := g.Log(ctx, "HEAD", "%s", dir, LogOptions{N: 1})
	require.NoError(t, err)
	assert.Equal(t, "merge feature", subject)
}

func TestMergeConflictListsPaths(t *testing.T) {
	g, dir := newRepo(t)
	ctx := context.Background()

	testutil.WriteFile(t, dir, "c.txt", "base\n")
	require.NoError(t, g.AddAll(ctx, dir))
	_, err := g.Commit(ctx, "base file", dir, false)
	require.NoError(t, err)

	require.NoError(t, g.Checkout(ctx, "left", dir, true, "main"))
	testutil.WriteFile(t, dir, "c.txt", "left\n")
	require.NoError(t, g.AddAll(ctx, dir))
	_, err = g.Commit(ctx, "left change", dir, false)
	require.NoError(t, err)

	require.NoError(t, g.Checkout(ctx, "main", dir, false, ""))
	testutil.WriteFile(t, dir, "c.txt", "right\n")
	require.NoError(t, g.AddAll(ctx, dir))
	_, err = g.Commit(ctx, "right change", dir, false)
	require.NoError(t, err)

	outcome, err := g.Merge(ctx, "left", dir, "merge left")
	require.NoError(t, err)
	assert.False(t, outcome.OK)
	assert.Equal(t, []string{"c.txt"}, outcome.Conflicts)

	require.NoError(t, g.AbortMerge(ctx, dir))
	dirty, err := g.HasUncommittedChanges(ctx, dir)
	require.NoError(t, err)
	assert.False(t, dirty)
}

func TestMergeBase(t *testing.T) {
	g, dir := newRepo(t)
	ctx := context.Background()

	base, err := g.MergeBase(ctx, "main", "HEAD", dir)
	require.NoError(t, err)
	assert.NotEmpty(t, base)

	// Unknown ref: empty, no error.
	missing, err := g.MergeBase(ctx, "does-not-exist", "HEAD", dir)
	require.NoError(t, err)
	assert.Empty(t, missing)
}

func TestLogSinceUsesCommitSep(t *testing.T) {
	g, dir := newRepo(t)
	ctx := context.Background()

	require.NoError(t, g.Checkout(ctx, "work", dir, true, "main"))
	for _, subject := range []string{"task(s@T001@implement): one", "task(s@T002@implement): two"} {
		_, err := g.Commit(ctx, subject, dir, true)
		require.NoError(t, err)
	}

	out, err := g.LogSince(ctx, "HEAD", "main", "%s", dir, LogOptions{
		Grep: "task(s@", FixedStrings: true,
	})
	require.NoError(t, err)

	blocks := 0
	for _, block := range strings.Split(out, CommitSep) {
		if strings.TrimSpace(block) != "" {
			blocks++
		}
	}
	assert.Equal(t, 2, blocks)
	// Most recent first.
	assert.True(t, strings.Index(out, "T002") < strings.Index(out, "T001"))
}

func TestWorktreeAddRemove(t *testing.T) {
	g, dir := newRepo(t)
	ctx := context.Background()

	wt := filepath.Join(t.TempDir(), "wt")
	require.NoError(t, g.WorktreeAdd(ctx, wt, "task_branch", "main", dir, true))
	assert.True(t, g.BranchExists(ctx, "task_branch", dir))

	_, err := os.Stat(wt)
	require.NoError(t, err)

	branch, err := g.CurrentBranch(ctx, wt)
	require.NoError(t, err)
	assert.Equal(t, "task_branch", branch)

	require.NoError(t, g.WorktreeRemove(ctx, wt, dir, true))
	_, err = os.Stat(wt)
	assert.True(t, os.IsNotExist(err))
}

func TestCommitIsAncestor(t *testing.T) {
	g, dir := newRepo(t)
	ctx := context.Background()

	first, err := g.RevParse(ctx, "HEAD", dir)
	require.NoError(t, err)
	_, err = g.Commit(ctx, "second", dir, true)
	require.NoError(t, err)

	assert.True(t, g.CommitIsAncestor(ctx, first, "HEAD", dir))
	head, _ := g.RevParse(ctx, "HEAD", dir)
	assert.False(t, g.CommitIsAncestor(ctx, head, first, dir))
}

func TestSpecIDFromBranch(t *testing.T) {
	tests := map[string]string{
		"bl-jjjj-blah-blah":         "bl-jjjj-blah-blah",
		"bl-jjjj-blah-blah/ver2":    "bl-jjjj-blah-blah",
		"feature/bl-jjjj-blah":      "bl-jjjj-blah",
		"feature/bl-jjjj-blah/ver2": "bl-jjjj-blah",
	}
	for in, want := range tests {
		assert.Equal(t, want, SpecIDFromBranch(in), in)
	}
}

func TestCurrentBranchFast(t *testing.T) {
	_, dir := newRepo(t)
	assert.Equal(t, "main", CurrentBranchFast(dir))
	assert.Empty(t, CurrentBranchFast(t.TempDir()))
}
