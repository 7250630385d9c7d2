package steps

import (
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/pennyworth-tech/agent-arborist/internal/container"
	"github.com/pennyworth-tech/agent-arborist/internal/manifest"
	"github.com/pennyworth-tech/agent-arborist/internal/proc"
	"github.com/pennyworth-tech/agent-arborist/internal/runner"
	"github.com/pennyworth-tech/agent-arborist/internal/tree"
	"github.com/pennyworth-tech/agent-arborist/internal/vcs"
)

// DefaultMaxRetries bounds the implement/test/review retry loop.
const DefaultMaxRetries = 5

// DefaultRunnerTimeout bounds one LLM invocation.
const DefaultRunnerTimeout = 30 * time.Minute

// DefaultTestTimeout bounds one test command.
const DefaultTestTimeout = 10 * time.Minute

// Context carries everything a step handler needs. It is constructed once at
// the CLI boundary from the Environment and passed by parameter; handlers
// hold no process-wide state.
type Context struct {
	SpecID string
	TaskID string

	Tree     *tree.TaskTree
	Manifest *manifest.Manifest

	Repo *vcs.Git
	Proc proc.Runner

	Containers    *container.Supervisor
	ContainerMode container.Mode

	Runner runner.Runner
	Model  string

	// GitRoot is the repository toplevel; the base branch is manipulated here.
	GitRoot string
	// Home is the arborist state directory.
	Home string

	MaxRetries    int
	RunnerTimeout time.Duration
	TestTimeout   time.Duration

	// DeleteBranchOnCleanup controls whether post-cleanup removes the task
	// branch in addition to the worktree.
	DeleteBranchOnCleanup bool

	// ResolveConflictsWithLLM lets post-merge hand unresolved paths to the
	// runner before giving up.
	ResolveConflictsWithLLM bool

	Log *zap.Logger
}

// WorktreePath is the stable location of a task's worktree.
func (c *Context) WorktreePath(taskID string) string {
	return filepath.Join(c.Home, "worktrees", c.SpecID, taskID)
}

// Node returns the task's tree node, or nil.
func (c *Context) Node() *tree.TaskNode {
	if c.Tree == nil {
		return nil
	}
	return c.Tree.Get(c.TaskID)
}

// Assignment returns the task's manifest record.
func (c *Context) Assignment() (manifest.TaskAssignment, bool) {
	if c.Manifest == nil {
		return manifest.TaskAssignment{}, false
	}
	return c.Manifest.Task(c.TaskID)
}

func (c *Context) maxRetries() int {
	if c.MaxRetries > 0 {
		return c.MaxRetries
	}
	return DefaultMaxRetries
}

func (c *Context) runnerTimeout() time.Duration {
	if c.RunnerTimeout > 0 {
		return c.RunnerTimeout
	}
	return DefaultRunnerTimeout
}

func (c *Context) testTimeout() time.Duration {
	if c.TestTimeout > 0 {
		return c.TestTimeout
	}
	return DefaultTestTimeout
}

func (c *Context) logger() *zap.Logger {
	if c.Log != nil {
		return c.Log
	}
	return zap.NewNop()
}

// useContainer decides whether step subprocesses for the worktree run inside
// a devcontainer.
func (c *Context) useContainer(worktree string) (bool, error) {
	return container.ShouldUse(c.ContainerMode, worktree)
}

// invoker builds the LLM invoker, wrapping specs for container execution
// when the mode and worktree call for it.
func (c *Context) invoker(worktree string) *runner.Invoker {
	iv := &runner.Invoker{Proc: c.Proc}
	if use, err := c.useContainer(worktree); err == nil && use {
		iv.WrapSpec = func(s proc.Spec) proc.Spec {
			return container.Wrap(s, worktree)
		}
	}
	return iv
}
