package errors

// Engine error kinds. These appear verbatim in StepResult.Error prefixes and
// in run records, so the strings are part of the persisted format.
const (
	// KindSpawn means the executable was absent or not runnable, as opposed
	// to running and exiting non-zero.
	KindSpawn = "spawn-error"
	// KindRunnerTimeout means an LLM runner exceeded its wall-clock budget.
	KindRunnerTimeout = "runner-timeout"
	// KindStepTimeout means a pipeline step exceeded its wall-clock budget.
	KindStepTimeout = "step-timeout"
	// KindRunnerFailure means an LLM runner exited non-zero.
	KindRunnerFailure = "runner-failure"
	// KindTestFailure means at least one test command failed.
	KindTestFailure = "test-failure"
	// KindMergeConflict means post-merge produced unresolved paths.
	KindMergeConflict = "merge-conflict"
	// KindContainerStart means devcontainer up failed.
	KindContainerStart = "container-start"
	// KindContainerHealth means the started container failed its health check.
	KindContainerHealth = "container-health"
	// KindContainerMissing means container mode is enabled but the target has
	// no devcontainer configuration.
	KindContainerMissing = "container-missing"
	// KindWorktree means a task worktree could not be created or synced.
	KindWorktree = "worktree-unavailable"
	// KindVCS means the VCS adapter returned a non-zero exit.
	KindVCS = "vcs-error"
	// KindCancelled means the scheduler cancelled the step.
	KindCancelled = "cancelled"
	// KindPlan means a manifest/tree inconsistency was detected before execution.
	KindPlan = "plan-error"
)
