package steps

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/pennyworth-tech/agent-arborist/internal/errors"
	"github.com/pennyworth-tech/agent-arborist/internal/proc"
	"github.com/pennyworth-tech/agent-arborist/internal/state"
)

// SetupBranches ensures the base branch exists. Task branches are created
// lazily by each task's pre-sync from their parent, so setup only has to
// anchor the integration point.
func SetupBranches(ctx context.Context, c *Context) error {
	base := c.Manifest.BaseBranch
	if c.Repo.BranchExists(ctx, base, c.GitRoot) {
		return nil
	}
	if !c.Repo.BranchExists(ctx, c.Manifest.SourceBranch, c.GitRoot) {
		return errors.NewRuntimeError(
			fmt.Sprintf("%s: source branch %q does not exist", errors.KindPlan, c.Manifest.SourceBranch),
		)
	}
	return c.Repo.CreateBranch(ctx, base, c.Manifest.SourceBranch, c.GitRoot)
}

// PreSync ensures the task's worktree exists at its pre-computed branch,
// rebased onto the parent branch's current HEAD. Safe to re-run.
func PreSync(ctx context.Context, c *Context) *PreSyncResult {
	res := &PreSyncResult{Preamble: newPreamble(KindPreSync, false)}

	assign, ok := c.Assignment()
	if !ok {
		res.Error = fmt.Sprintf("%s: task %s not in manifest", errors.KindPlan, c.TaskID)
		return res
	}
	res.Branch = assign.Branch
	res.ParentBranch = assign.ParentBranch

	parent := assign.ParentBranch
	if !c.Repo.BranchExists(ctx, parent, c.GitRoot) {
		// Parent branches are created in topological order; a missing parent
		// for a root task means setup has not run.
		if parent == c.Manifest.BaseBranch {
			if err := SetupBranches(ctx, c); err != nil {
				res.Error = errors.KindWorktree + ": " + err.Error()
				return res
			}
		} else {
			res.Error = fmt.Sprintf("%s: parent branch %q does not exist", errors.KindWorktree, parent)
			return res
		}
	}

	wt := c.WorktreePath(c.TaskID)
	res.WorktreePath = wt

	branchExisted := c.Repo.BranchExists(ctx, assign.Branch, c.GitRoot)
	if _, err := os.Stat(wt); os.IsNotExist(err) {
		if err := os.MkdirAll(filepath.Dir(wt), 0o755); err != nil {
			res.Error = errors.KindWorktree + ": " + err.Error()
			return res
		}
		var addErr error
		if branchExisted {
			addErr = c.Repo.WorktreeAdd(ctx, wt, assign.Branch, "", c.GitRoot, false)
		} else {
			addErr = c.Repo.WorktreeAdd(ctx, wt, assign.Branch, parent, c.GitRoot, true)
		}
		if addErr != nil {
			res.Error = errors.KindWorktree + ": " + addErr.Error()
			return res
		}
		res.CreatedWorktree = true
	}

	// Pick up parent work committed since the branch forked.
	if branchExisted {
		if err := c.Repo.Rebase(ctx, parent, wt); err != nil {
			c.logger().Warn("rebase onto parent failed, continuing from branch head",
				zap.String("task", c.TaskID), zap.Error(err))
		} else {
			res.SyncedFromParent = true
		}
	} else {
		res.SyncedFromParent = true
	}

	res.Success = true
	return res
}

// ContainerUp lazily starts the devcontainer for the task worktree when the
// container mode calls for one.
func ContainerUp(ctx context.Context, c *Context) *ContainerUpResult {
	res := &ContainerUpResult{Preamble: newPreamble(KindContainerUp, false)}
	wt := c.WorktreePath(c.TaskID)
	res.WorktreePath = wt

	use, err := c.useContainer(wt)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	if !use {
		res.Success = true
		return res
	}

	id, err := c.Containers.EnsureUp(ctx, wt)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	res.ContainerID = id
	res.Success = true
	return res
}

// Run invokes the implement runner with the task description. The runner is
// responsible for editing files in the worktree; this step only measures.
func Run(ctx context.Context, c *Context) *RunResult {
	res := &RunResult{Preamble: newPreamble(KindRun, false), Runner: c.Runner.Name(), Model: c.Model}

	node := c.Node()
	if node == nil {
		res.Error = fmt.Sprintf("%s: task %s not in tree", errors.KindPlan, c.TaskID)
		return res
	}

	wt := c.WorktreePath(c.TaskID)
	prompt := implementPrompt(node.Name, node.Description)

	out := c.invoker(wt).Invoke(ctx, c.Runner, prompt, c.Model, wt, c.runnerTimeout())
	res.DurationSeconds = out.Duration.Seconds()
	if !out.Success {
		res.Error = out.Error
		return res
	}

	changed, err := c.Repo.HasUncommittedChanges(ctx, wt)
	if err == nil && changed {
		res.FilesChanged = countChangedFiles(ctx, c, wt)
	}
	res.Summary = firstLine(out.Output)
	res.Success = true
	return res
}

// Commit stages everything in the worktree and records the implement commit
// with its trailers. When the runner produced no changes an empty fallback
// commit carries the same trailers so the state machine still advances.
func Commit(ctx context.Context, c *Context, retry int) *CommitResult {
	res := &CommitResult{Preamble: newPreamble(KindCommit, false)}

	wt := c.WorktreePath(c.TaskID)
	if err := c.Repo.AddAll(ctx, wt); err != nil {
		res.Error = errors.KindVCS + ": " + err.Error()
		return res
	}

	dirty, err := c.Repo.HasUncommittedChanges(ctx, wt)
	if err != nil {
		res.Error = errors.KindVCS + ": " + err.Error()
		return res
	}

	node := c.Node()
	subject := "implement task"
	if node != nil && node.Name != "" {
		subject = node.Name
	}

	tr := state.NewTrailers()
	tr.Add(state.TrailerStep, state.StepImplement)
	tr.Add(state.TrailerResult, state.ResultPass)
	tr.Add(state.TrailerRetry, strconv.Itoa(retry))

	msg := state.Subject(c.SpecID, c.TaskID, state.StepImplement, subject) + "\n\n" + tr.Format()
	res.Message = msg

	sha, err := c.Repo.Commit(ctx, msg, wt, !dirty)
	if err != nil {
		res.Error = errors.KindVCS + ": " + err.Error()
		return res
	}
	res.CommitSHA = sha
	res.WasFallback = !dirty
	if dirty {
		res.FilesStaged = countChangedFiles(ctx, c, wt)
	}
	res.Success = true
	return res
}

// RunTest resolves the task's test commands and runs them, retrying the
// implement/test cycle on failure up to the retry budget. Exhaustion writes
// the terminal complete/fail commit: the task is done, unsuccessfully.
func RunTest(ctx context.Context, c *Context) *RunTestResult {
	res := &RunTestResult{Preamble: newPreamble(KindRunTest, false)}

	node := c.Node()
	if node == nil {
		res.Error = fmt.Sprintf("%s: task %s not in tree", errors.KindPlan, c.TaskID)
		return res
	}
	wt := c.WorktreePath(c.TaskID)

	if len(node.TestCmds) == 0 {
		// Nothing to verify; record the test step as passed so state advances.
		if err := commitTestRecord(ctx, c, wt, testTally{}, "", 0); err != nil {
			res.Error = err.Error()
			return res
		}
		res.Success = true
		return res
	}

	maxRetries := c.maxRetries()
	for retry := 0; ; retry++ {
		tally, failedCmd := runTestCommands(ctx, c, wt, node.TestCmds)
		res.Passed = tally.Passed
		res.Failed = tally.Failed
		res.Skipped = tally.Skipped
		res.RuntimeSecond = tally.Runtime
		res.Retries = retry
		res.TestCommand = failedCmd

		if tally.Failed == 0 && failedCmd == "" {
			if err := commitTestRecord(ctx, c, wt, tally, "", retry); err != nil {
				res.Error = err.Error()
				return res
			}
			res.Success = true
			return res
		}

		if err := commitTestRecord(ctx, c, wt, tally, failedCmd, retry); err != nil {
			res.Error = err.Error()
			return res
		}

		if retry >= maxRetries {
			res.Error = fmt.Sprintf("%s: %d retries exhausted", errors.KindTestFailure, maxRetries)
			_ = commitTerminal(ctx, c, wt, state.ResultFail, retry)
			return res
		}

		if err := reimplement(ctx, c, wt, fixTestsPrompt(node.Name, failedCmd, tally), retry+1); err != nil {
			res.Error = err.Error()
			return res
		}
	}
}

// Review produces the task diff and asks the review runner for a verdict.
// A failed review behaves like a test failure: retry, then terminal fail.
func Review(ctx context.Context, c *Context) *ReviewResult {
	res := &ReviewResult{Preamble: newPreamble(KindReview, false), Runner: c.Runner.Name(), Model: c.Model}

	assign, ok := c.Assignment()
	if !ok {
		res.Error = fmt.Sprintf("%s: task %s not in manifest", errors.KindPlan, c.TaskID)
		return res
	}
	wt := c.WorktreePath(c.TaskID)

	maxRetries := c.maxRetries()
	for retry := 0; ; retry++ {
		diff, err := c.Repo.Diff(ctx, assign.ParentBranch, assign.Branch, wt)
		if err != nil {
			res.Error = errors.KindVCS + ": " + err.Error()
			return res
		}

		out := c.invoker(wt).Invoke(ctx, c.Runner, reviewPrompt(diff), c.Model, wt, c.runnerTimeout())
		res.DurationSeconds += out.Duration.Seconds()
		if !out.Success {
			res.Error = out.Error
			return res
		}

		verdict := parseReviewVerdict(out.Output)
		res.Verdict = verdict

		logPath, logErr := writeReviewLog(c, retry, out.Output)
		if logErr == nil {
			res.LogPath = logPath
		}
		if err := commitReviewRecord(ctx, c, wt, verdict, logPath, retry); err != nil {
			res.Error = err.Error()
			return res
		}

		if verdict == state.ResultPass {
			res.Success = true
			return res
		}

		if retry >= maxRetries {
			res.Error = fmt.Sprintf("review failed after %d retries", maxRetries)
			_ = commitTerminal(ctx, c, wt, state.ResultFail, retry)
			return res
		}

		if err := reimplement(ctx, c, wt, fixReviewPrompt(out.Output), retry+1); err != nil {
			res.Error = err.Error()
			return res
		}
	}
}

// PostMerge merges the task branch into its parent branch with --no-ff and
// writes the terminal completion commit. Conflict resolution may be handed
// to the runner when configured.
func PostMerge(ctx context.Context, c *Context) *PostMergeResult {
	res := &PostMergeResult{Preamble: newPreamble(KindPostMerge, false)}

	assign, ok := c.Assignment()
	if !ok {
		res.Error = fmt.Sprintf("%s: task %s not in manifest", errors.KindPlan, c.TaskID)
		return res
	}
	res.SourceBranch = assign.Branch
	res.MergedInto = assign.ParentBranch

	mergeDir, err := c.mergeWorkdir(ctx, assign.ParentBranch)
	if err != nil {
		res.Error = err.Error()
		return res
	}

	tr := state.NewTrailers()
	tr.Add(state.TrailerStep, state.StepComplete)
	tr.Add(state.TrailerResult, state.ResultPass)
	msg := state.Subject(c.SpecID, c.TaskID, state.StepComplete, "merge "+assign.Branch) + "\n\n" + tr.Format()

	outcome, err := c.Repo.Merge(ctx, assign.Branch, mergeDir, msg)
	if err != nil {
		res.Error = errors.KindVCS + ": " + err.Error()
		return res
	}

	if !outcome.OK {
		res.Conflicts = outcome.Conflicts
		if !c.ResolveConflictsWithLLM {
			_ = c.Repo.AbortMerge(ctx, mergeDir)
			res.Error = fmt.Sprintf("%s: %d unresolved paths", errors.KindMergeConflict, len(outcome.Conflicts))
			return res
		}

		out := c.invoker(mergeDir).Invoke(ctx, c.Runner,
			resolveConflictsPrompt(outcome.Conflicts), c.Model, mergeDir, c.runnerTimeout())
		if !out.Success {
			_ = c.Repo.AbortMerge(ctx, mergeDir)
			res.Error = fmt.Sprintf("%s: resolution failed: %s", errors.KindMergeConflict, out.Error)
			return res
		}
		if err := c.Repo.AddAll(ctx, mergeDir); err != nil {
			res.Error = errors.KindVCS + ": " + err.Error()
			return res
		}
		sha, err := c.Repo.Commit(ctx, msg, mergeDir, false)
		if err != nil {
			res.Error = fmt.Sprintf("%s: conflicts remain after resolution", errors.KindMergeConflict)
			return res
		}
		res.CommitSHA = sha
		res.ConflictResolved = true
		res.Success = true
		return res
	}

	sha, err := c.Repo.RevParse(ctx, "HEAD", mergeDir)
	if err == nil {
		res.CommitSHA = sha
	}
	res.Success = true
	return res
}

// PostCleanup removes the worktree and optionally the branch and container.
// Failures are logged and never affect the task outcome.
func PostCleanup(ctx context.Context, c *Context) *PostCleanupResult {
	res := &PostCleanupResult{Preamble: newPreamble(KindPostCleanup, true)}
	log := c.logger()

	wt := c.WorktreePath(c.TaskID)

	if use, err := c.useContainer(wt); err == nil && use {
		stopped, err := c.Containers.Stop(ctx, wt)
		if err != nil {
			log.Warn("container stop failed", zap.String("task", c.TaskID), zap.Error(err))
		}
		res.ContainerStop = stopped
	}

	if _, err := os.Stat(wt); err == nil {
		if err := c.Repo.WorktreeRemove(ctx, wt, c.GitRoot, true); err != nil {
			log.Warn("worktree remove failed", zap.String("task", c.TaskID), zap.Error(err))
		} else {
			res.WorktreeRemoved = true
		}
	}

	if c.DeleteBranchOnCleanup {
		assign, ok := c.Assignment()
		if ok && c.Repo.BranchExists(ctx, assign.Branch, c.GitRoot) {
			if err := c.Repo.DeleteBranch(ctx, assign.Branch, c.GitRoot, true); err != nil {
				log.Warn("branch delete failed", zap.String("branch", assign.Branch), zap.Error(err))
			} else {
				res.BranchDeleted = true
			}
		}
	}
	return res
}

// CompleteParent records the terminal completion trailer for an internal
// task once all children have merged. Internal nodes are transparent in the
// branch namespace (their branch is their parent's), so completion is an
// empty commit on that branch; an internal node that does own a distinct
// branch folds it in the same way a leaf merges.
func CompleteParent(ctx context.Context, c *Context) *CommitResult {
	res := &CommitResult{Preamble: newPreamble(KindCommit, false)}

	assign, ok := c.Assignment()
	if !ok {
		res.Error = fmt.Sprintf("%s: task %s not in manifest", errors.KindPlan, c.TaskID)
		return res
	}

	tr := state.NewTrailers()
	tr.Add(state.TrailerStep, state.StepComplete)
	tr.Add(state.TrailerResult, state.ResultPass)
	msg := state.Subject(c.SpecID, c.TaskID, state.StepComplete, "phase complete") + "\n\n" + tr.Format()

	if assign.Branch != assign.ParentBranch && c.Repo.BranchExists(ctx, assign.Branch, c.GitRoot) {
		mergeDir, err := c.mergeWorkdir(ctx, assign.ParentBranch)
		if err != nil {
			res.Error = err.Error()
			return res
		}
		outcome, err := c.Repo.Merge(ctx, assign.Branch, mergeDir, msg)
		if err != nil {
			res.Error = errors.KindVCS + ": " + err.Error()
			return res
		}
		if !outcome.OK {
			_ = c.Repo.AbortMerge(ctx, mergeDir)
			res.Error = fmt.Sprintf("%s: %d unresolved paths", errors.KindMergeConflict, len(outcome.Conflicts))
			return res
		}
		sha, _ := c.Repo.RevParse(ctx, "HEAD", mergeDir)
		res.CommitSHA = sha
		res.Message = msg
		res.Success = true
		return res
	}

	mergeDir, err := c.mergeWorkdir(ctx, assign.Branch)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	sha, err := c.Repo.Commit(ctx, msg, mergeDir, true)
	if err != nil {
		res.Error = errors.KindVCS + ": " + err.Error()
		return res
	}
	res.CommitSHA = sha
	res.Message = msg
	res.WasFallback = true
	res.Success = true
	return res
}

// mergeWorkdir returns a working directory with branch checked out. The repo
// root is used when it already has the branch; otherwise a dedicated merge
// worktree keyed by branch name is created (a branch can only be checked out
// in one place).
func (c *Context) mergeWorkdir(ctx context.Context, branch string) (string, error) {
	cur, err := c.Repo.CurrentBranch(ctx, c.GitRoot)
	if err != nil {
		return "", err
	}
	if cur == branch {
		return c.GitRoot, nil
	}

	wt := filepath.Join(c.Home, "worktrees", c.SpecID, "merge_"+branch)
	if _, err := os.Stat(wt); os.IsNotExist(err) {
		if err := os.MkdirAll(filepath.Dir(wt), 0o755); err != nil {
			return "", errors.WrapWithMessage(err, errors.Runtime, "creating merge worktree")
		}
		if err := c.Repo.WorktreeAdd(ctx, wt, branch, "", c.GitRoot, false); err != nil {
			return "", errors.WrapWithMessage(err, errors.Runtime,
				errors.KindWorktree+": cannot check out "+branch)
		}
	}
	return wt, nil
}

// reimplement runs the fix prompt and records the retry's implement commit.
func reimplement(ctx context.Context, c *Context, wt, prompt string, retry int) error {
	out := c.invoker(wt).Invoke(ctx, c.Runner, prompt, c.Model, wt, c.runnerTimeout())
	if !out.Success {
		return errors.NewRuntimeError(out.Error)
	}
	commit := Commit(ctx, c, retry)
	if !commit.Success {
		return errors.NewRuntimeError(commit.Error)
	}
	return nil
}

// commitTerminal writes the task's terminal complete commit with the given
// result. Used by retry exhaustion; successful tasks get theirs from merge.
func commitTerminal(ctx context.Context, c *Context, wt, result string, retry int) error {
	tr := state.NewTrailers()
	tr.Add(state.TrailerStep, state.StepComplete)
	tr.Add(state.TrailerResult, result)
	tr.Add(state.TrailerRetry, strconv.Itoa(retry))
	msg := state.Subject(c.SpecID, c.TaskID, state.StepComplete, "giving up") + "\n\n" + tr.Format()
	_, err := c.Repo.Commit(ctx, msg, wt, true)
	return err
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}

func countChangedFiles(ctx context.Context, c *Context, wt string) int {
	res := c.Proc.Run(ctx, proc.Spec{
		Argv: []string{"git", "status", "--porcelain"},
		Dir:  wt,
	})
	if !res.Success() {
		return 0
	}
	n := 0
	for _, line := range strings.Split(string(res.Stdout), "\n") {
		if strings.TrimSpace(line) != "" {
			n++
		}
	}
	return n
}
