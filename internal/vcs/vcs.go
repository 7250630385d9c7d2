// Package vcs provides the version-control operations the engine needs,
// behind an interface with a git (commit-oriented) backend. Mutations go
// through the git CLI so branches, worktrees, and merges behave exactly as
// they would for an operator; read-only introspection that does not need the
// CLI uses go-git.
//
// A change-oriented backend (jj) shares the manifest format via the "vcs"
// discriminator but does not ship an executor; see DESIGN.md.
package vcs

import (
	"context"
	"fmt"
	"strings"
	"time"

	git "github.com/go-git/go-git/v5"

	"github.com/pennyworth-tech/agent-arborist/internal/proc"
)

// Backend names recorded in the manifest's vcs discriminator.
const (
	BackendGit = "git"
	BackendJJ  = "jj"
)

// CommitSep separates formatted log blocks in LogSince output.
const CommitSep = "---COMMIT_SEP---"

// GitError is returned when a git invocation exits non-zero. Ordinary
// "not found" conditions (missing branch, no merge base) do not produce it.
type GitError struct {
	Args   []string
	Stderr string
}

func (e *GitError) Error() string {
	return fmt.Sprintf("git %s: %s", strings.Join(e.Args, " "), e.Stderr)
}

// LogOptions controls log queries.
type LogOptions struct {
	// N caps the number of commits (0 means backend default).
	N int
	// Grep filters commits by message.
	Grep string
	// FixedStrings makes Grep a literal match instead of a regex.
	FixedStrings bool
}

// MergeOutcome describes the result of a merge attempt.
type MergeOutcome struct {
	OK bool
	// Conflicts lists unmerged paths when OK is false.
	Conflicts []string
}

// Repo is the operation set the engine depends on. All operations take a
// working directory explicitly; the adapter holds no cwd state.
type Repo interface {
	Toplevel(ctx context.Context, cwd string) (string, error)
	CurrentBranch(ctx context.Context, cwd string) (string, error)
	BranchExists(ctx context.Context, branch, cwd string) bool
	Checkout(ctx context.Context, branch, cwd string, create bool, startPoint string) error
	AddAll(ctx context.Context, cwd string) error
	Commit(ctx context.Context, message, cwd string, allowEmpty bool) (string, error)
	Merge(ctx context.Context, branch, cwd, message string) (MergeOutcome, error)
	Log(ctx context.Context, rev, format, cwd string, opts LogOptions) (string, error)
	LogSince(ctx context.Context, rev, since, format, cwd string, opts LogOptions) (string, error)
	Diff(ctx context.Context, a, b, cwd string) (string, error)
	DiffStat(ctx context.Context, a, b, cwd string) (string, error)
	MergeBase(ctx context.Context, a, b, cwd string) (string, error)
	RevParse(ctx context.Context, rev, cwd string) (string, error)
	WorktreeAdd(ctx context.Context, path, branch, startPoint, cwd string, createBranch bool) error
	WorktreeRemove(ctx context.Context, path, cwd string, force bool) error
	DeleteBranch(ctx context.Context, branch, cwd string, force bool) error
	HasUncommittedChanges(ctx context.Context, cwd string) (bool, error)
	Rebase(ctx context.Context, onto, cwd string) error
	CommitIsAncestor(ctx context.Context, sha, rev, cwd string) bool
}

// Git is the commit-oriented backend.
type Git struct {
	runner proc.Runner
}

// NewGit creates the git backend on top of a process runner.
func NewGit(runner proc.Runner) *Git {
	return &Git{runner: runner}
}

// run executes a git command and returns trimmed stdout.
func (g *Git) run(ctx context.Context, cwd string, args ...string) (string, error) {
	res := g.runner.Run(ctx, proc.Spec{
		Argv:    append([]string{"git"}, args...),
		Dir:     cwd,
		Timeout: 2 * time.Minute,
	})
	if res.Err != nil {
		return "", &GitError{Args: args, Stderr: res.Err.Error()}
	}
	if res.ExitCode != 0 {
		return "", &GitError{Args: args, Stderr: strings.TrimSpace(string(res.Stderr))}
	}
	return strings.TrimSpace(string(res.Stdout)), nil
}

// Toplevel returns the repository root containing cwd.
func (g *Git) Toplevel(ctx context.Context, cwd string) (string, error) {
	return g.run(ctx, cwd, "rev-parse", "--show-toplevel")
}

// CurrentBranch returns the checked-out branch, or "HEAD" when detached.
func (g *Git) CurrentBranch(ctx context.Context, cwd string) (string, error) {
	return g.run(ctx, cwd, "rev-parse", "--abbrev-ref", "HEAD")
}

// BranchExists reports whether a local branch exists.
func (g *Git) BranchExists(ctx context.Context, branch, cwd string) bool {
	_, err := g.run(ctx, cwd, "rev-parse", "--verify", "refs/heads/"+branch)
	return err == nil
}

// Checkout switches to branch, optionally creating it from startPoint.
func (g *Git) Checkout(ctx context.Context, branch, cwd string, create bool, startPoint string) error {
	args := []string{"checkout"}
	if create {
		args = append(args, "-b")
	}
	args = append(args, branch)
	if startPoint != "" {
		args = append(args, startPoint)
	}
	_, err := g.run(ctx, cwd, args...)
	return err
}

// AddAll stages every change in the working tree.
func (g *Git) AddAll(ctx context.Context, cwd string) error {
	_, err := g.run(ctx, cwd, "add", "-A")
	return err
}

// Commit records a commit and returns its SHA.
func (g *Git) Commit(ctx context.Context, message, cwd string, allowEmpty bool) (string, error) {
	args := []string{"commit", "-m", message}
	if allowEmpty {
		args = append(args, "--allow-empty")
	}
	if _, err := g.run(ctx, cwd, args...); err != nil {
		return "", err
	}
	return g.run(ctx, cwd, "rev-parse", "HEAD")
}

// Merge merges branch into the current branch with --no-ff. On conflict the
// unmerged paths are returned and the merge is left in progress for a
// resolver to finish or abort.
func (g *Git) Merge(ctx context.Context, branch, cwd, message string) (MergeOutcome, error) {
	args := []string{"merge", "--no-ff"}
	if message != "" {
		args = append(args, "-m", message)
	}
	args = append(args, branch)

	if _, err := g.run(ctx, cwd, args...); err != nil {
		conflicts, listErr := g.unmergedPaths(ctx, cwd)
		if listErr == nil && len(conflicts) > 0 {
			return MergeOutcome{OK: false, Conflicts: conflicts}, nil
		}
		return MergeOutcome{}, err
	}
	return MergeOutcome{OK: true}, nil
}

// unmergedPaths lists paths with conflict markers in the index.
func (g *Git) unmergedPaths(ctx context.Context, cwd string) ([]string, error) {
	out, err := g.run(ctx, cwd, "diff", "--name-only", "--diff-filter=U")
	if err != nil {
		return nil, err
	}
	var paths []string
	for _, line := range strings.Split(out, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			paths = append(paths, line)
		}
	}
	return paths, nil
}

// AbortMerge abandons an in-progress merge.
func (g *Git) AbortMerge(ctx context.Context, cwd string) error {
	_, err := g.run(ctx, cwd, "merge", "--abort")
	return err
}

// Log runs git log over rev with a format string.
func (g *Git) Log(ctx context.Context, rev, format, cwd string, opts LogOptions) (string, error) {
	n := opts.N
	if n == 0 {
		n = 1
	}
	args := []string{"log", rev, "--format=" + format, fmt.Sprintf("-n%d", n)}
	if opts.Grep != "" {
		args = append(args, "--grep", opts.Grep)
		if opts.FixedStrings {
			args = append(args, "--fixed-strings")
		}
	}
	return g.run(ctx, cwd, args...)
}

// LogSince logs since..rev with each formatted block terminated by CommitSep.
func (g *Git) LogSince(ctx context.Context, rev, since, format, cwd string, opts LogOptions) (string, error) {
	n := opts.N
	if n == 0 {
		n = 500
	}
	rangeSpec := rev
	if since != "" {
		rangeSpec = since + ".." + rev
	}
	args := []string{
		"log", rangeSpec,
		"--format=" + format + "%n" + CommitSep,
		fmt.Sprintf("-n%d", n),
	}
	if opts.Grep != "" {
		args = append(args, "--grep", opts.Grep)
		if opts.FixedStrings {
			args = append(args, "--fixed-strings")
		}
	}
	return g.run(ctx, cwd, args...)
}

// Diff returns the patch between two revisions.
func (g *Git) Diff(ctx context.Context, a, b, cwd string) (string, error) {
	return g.run(ctx, cwd, "diff", a+".."+b)
}

// DiffStat returns the summary stat between two revisions.
func (g *Git) DiffStat(ctx context.Context, a, b, cwd string) (string, error) {
	return g.run(ctx, cwd, "diff", "--stat", a+".."+b)
}

// MergeBase finds the common ancestor of two refs. Unrelated histories
// return "" with no error.
func (g *Git) MergeBase(ctx context.Context, a, b, cwd string) (string, error) {
	out, err := g.run(ctx, cwd, "merge-base", a, b)
	if err != nil {
		return "", nil
	}
	return out, nil
}

// RevParse resolves a revision to its full SHA.
func (g *Git) RevParse(ctx context.Context, rev, cwd string) (string, error) {
	return g.run(ctx, cwd, "rev-parse", rev)
}

// WorktreeAdd creates a worktree at path for branch. With createBranch the
// branch is created from startPoint.
func (g *Git) WorktreeAdd(ctx context.Context, path, branch, startPoint, cwd string, createBranch bool) error {
	args := []string{"worktree", "add"}
	if createBranch {
		args = append(args, "-b", branch, path)
		if startPoint != "" {
			args = append(args, startPoint)
		}
	} else {
		args = append(args, path, branch)
	}
	_, err := g.run(ctx, cwd, args...)
	return err
}

// WorktreeRemove removes a worktree.
func (g *Git) WorktreeRemove(ctx context.Context, path, cwd string, force bool) error {
	args := []string{"worktree", "remove"}
	if force {
		args = append(args, "--force")
	}
	args = append(args, path)
	_, err := g.run(ctx, cwd, args...)
	return err
}

// CreateBranch creates a branch at startPoint without switching to it.
func (g *Git) CreateBranch(ctx context.Context, branch, startPoint, cwd string) error {
	args := []string{"branch", branch}
	if startPoint != "" {
		args = append(args, startPoint)
	}
	_, err := g.run(ctx, cwd, args...)
	return err
}

// DeleteBranch deletes a local branch.
func (g *Git) DeleteBranch(ctx context.Context, branch, cwd string, force bool) error {
	flag := "-d"
	if force {
		flag = "-D"
	}
	_, err := g.run(ctx, cwd, "branch", flag, branch)
	return err
}

// HasUncommittedChanges reports whether the working tree is dirty.
func (g *Git) HasUncommittedChanges(ctx context.Context, cwd string) (bool, error) {
	out, err := g.run(ctx, cwd, "status", "--porcelain")
	if err != nil {
		return false, err
	}
	return out != "", nil
}

// Rebase rebases the current branch onto a ref.
func (g *Git) Rebase(ctx context.Context, onto, cwd string) error {
	if _, err := g.run(ctx, cwd, "rebase", onto); err != nil {
		_, _ = g.run(ctx, cwd, "rebase", "--abort")
		return err
	}
	return nil
}

// CommitIsAncestor reports whether sha is reachable from rev.
func (g *Git) CommitIsAncestor(ctx context.Context, sha, rev, cwd string) bool {
	_, err := g.run(ctx, cwd, "merge-base", "--is-ancestor", sha, rev)
	return err == nil
}

// Init initializes a repository with a throwaway identity. Test fixtures use
// this; production code never initializes repositories.
func (g *Git) Init(ctx context.Context, cwd string) error {
	if _, err := g.run(ctx, cwd, "init"); err != nil {
		return err
	}
	if _, err := g.run(ctx, cwd, "config", "user.email", "arborist@test.invalid"); err != nil {
		return err
	}
	_, err := g.run(ctx, cwd, "config", "user.name", "Arborist")
	return err
}

// SpecIDFromBranch extracts a spec id from a branch name, stripping an
// optional feature/ prefix and any /suffix qualifier.
//
//	bl-jjjj-blah            -> bl-jjjj-blah
//	bl-jjjj-blah/ver2       -> bl-jjjj-blah
//	feature/bl-jjjj-blah    -> bl-jjjj-blah
func SpecIDFromBranch(branch string) string {
	branch = strings.TrimPrefix(branch, "feature/")
	if i := strings.IndexByte(branch, '/'); i >= 0 {
		branch = branch[:i]
	}
	return branch
}

// CurrentBranchFast returns the checked-out branch using go-git, avoiding a
// subprocess for hot read-only paths. Returns "" on detached HEAD or outside
// a repository.
func CurrentBranchFast(dir string) string {
	repo, err := git.PlainOpenWithOptions(dir, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return ""
	}
	head, err := repo.Head()
	if err != nil || !head.Name().IsBranch() {
		return ""
	}
	return head.Name().Short()
}
