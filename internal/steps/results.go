// Package steps implements the per-task pipeline: the ordered sequence of
// named steps a leaf task runs through, and the JSON result each step emits
// on stdout for the workflow engine to capture.
package steps

import (
	"encoding/json"
	"fmt"
	"time"
)

// Kind discriminates StepResult variants in their JSON encoding.
type Kind string

const (
	KindPreSync       Kind = "pre-sync"
	KindContainerUp   Kind = "container-up"
	KindContainerStop Kind = "container-stop"
	KindRun           Kind = "run"
	KindCommit        Kind = "commit"
	KindRunTest       Kind = "run-test"
	KindReview        Kind = "review"
	KindPostMerge     Kind = "post-merge"
	KindPostCleanup   Kind = "post-cleanup"
	KindShellHook     Kind = "hook-shell"
	KindLLMEval       Kind = "hook-llm-eval"
	KindQualityCheck  Kind = "hook-quality-check"
	KindPlugin        Kind = "hook-plugin"
)

// Preamble is the common head of every step result.
type Preamble struct {
	Kind      Kind   `json:"kind"`
	Success   bool   `json:"success"`
	Timestamp string `json:"timestamp"`
	Error     string `json:"error,omitempty"`
	// Skipped marks results replayed from a prior run during restart.
	Skipped    bool   `json:"skipped"`
	SkipReason string `json:"skip_reason,omitempty"`
}

func newPreamble(kind Kind, success bool) Preamble {
	return Preamble{
		Kind:      kind,
		Success:   success,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
}

// Result is implemented by every step result variant.
type Result interface {
	preamble() *Preamble
}

func (p *Preamble) preamble() *Preamble { return p }

// PreSyncResult reports worktree creation and branch sync.
type PreSyncResult struct {
	Preamble
	WorktreePath     string `json:"worktree_path"`
	Branch           string `json:"branch"`
	ParentBranch     string `json:"parent_branch"`
	CreatedWorktree  bool   `json:"created_worktree"`
	SyncedFromParent bool   `json:"synced_from_parent"`
}

// ContainerUpResult reports devcontainer startup.
type ContainerUpResult struct {
	Preamble
	WorktreePath string `json:"worktree_path"`
	ContainerID  string `json:"container_id,omitempty"`
}

// ContainerStopResult reports devcontainer shutdown.
type ContainerStopResult struct {
	Preamble
	WorktreePath     string `json:"worktree_path"`
	ContainerStopped bool   `json:"container_stopped"`
}

// RunResult reports the implement step (AI execution).
type RunResult struct {
	Preamble
	FilesChanged    int     `json:"files_changed"`
	Summary         string  `json:"summary,omitempty"`
	Runner          string  `json:"runner"`
	Model           string  `json:"model,omitempty"`
	DurationSeconds float64 `json:"duration_seconds"`
}

// CommitResult reports the commit step.
type CommitResult struct {
	Preamble
	CommitSHA   string `json:"commit_sha,omitempty"`
	Message     string `json:"message"`
	FilesStaged int    `json:"files_staged"`
	// WasFallback marks the allow-empty commit created when the runner
	// produced no changes.
	WasFallback bool `json:"was_fallback"`
}

// RunTestResult reports the test step with counts by outcome.
type RunTestResult struct {
	Preamble
	TestCommand   string  `json:"test_command,omitempty"`
	Passed        int     `json:"passed"`
	Failed        int     `json:"failed"`
	Skipped       int     `json:"skipped"`
	Retries       int     `json:"retries"`
	RuntimeSecond float64 `json:"runtime_seconds"`
	OutputSummary string  `json:"output_summary,omitempty"`
}

// ReviewResult reports the LLM review step.
type ReviewResult struct {
	Preamble
	Verdict         string  `json:"verdict"`
	LogPath         string  `json:"log_path,omitempty"`
	Runner          string  `json:"runner"`
	Model           string  `json:"model,omitempty"`
	DurationSeconds float64 `json:"duration_seconds"`
}

// PostMergeResult reports the merge into the parent branch.
type PostMergeResult struct {
	Preamble
	MergedInto       string   `json:"merged_into"`
	SourceBranch     string   `json:"source_branch"`
	CommitSHA        string   `json:"commit_sha,omitempty"`
	Conflicts        []string `json:"conflicts,omitempty"`
	ConflictResolved bool     `json:"conflict_resolved"`
}

// PostCleanupResult reports worktree/branch/container cleanup.
type PostCleanupResult struct {
	Preamble
	WorktreeRemoved bool `json:"worktree_removed"`
	BranchDeleted   bool `json:"branch_deleted"`
	ContainerStop   bool `json:"container_stopped"`
}

// ShellHookResult reports a shell hook step.
type ShellHookResult struct {
	Preamble
	Command         string  `json:"command"`
	ReturnCode      int     `json:"return_code"`
	Stdout          string  `json:"stdout,omitempty"`
	Stderr          string  `json:"stderr,omitempty"`
	DurationSeconds float64 `json:"duration_seconds"`
}

// LLMEvalResult reports an LLM evaluation hook step.
type LLMEvalResult struct {
	Preamble
	Score           float64 `json:"score"`
	Summary         string  `json:"summary,omitempty"`
	RawResponse     string  `json:"raw_response,omitempty"`
	Runner          string  `json:"runner"`
	Model           string  `json:"model,omitempty"`
	DurationSeconds float64 `json:"duration_seconds"`
}

// QualityCheckResult reports a numeric quality gate hook step.
type QualityCheckResult struct {
	Preamble
	Score           float64 `json:"score"`
	MinScore        float64 `json:"min_score,omitempty"`
	Passed          bool    `json:"passed"`
	Command         string  `json:"command"`
	ReturnCode      int     `json:"return_code"`
	Output          string  `json:"output,omitempty"`
	DurationSeconds float64 `json:"duration_seconds"`
}

// PluginResult reports a user-defined external hook step.
type PluginResult struct {
	Preamble
	Command         string          `json:"command"`
	Data            json.RawMessage `json:"data,omitempty"`
	DurationSeconds float64         `json:"duration_seconds"`
}

// Encode serializes any result to its JSON wire form.
func Encode(r Result) ([]byte, error) {
	return json.Marshal(r)
}

// Decode parses a step result, dispatching on the kind discriminator.
func Decode(data []byte) (Result, error) {
	var head struct {
		Kind Kind `json:"kind"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("parsing step result: %w", err)
	}

	var r Result
	switch head.Kind {
	case KindPreSync:
		r = &PreSyncResult{}
	case KindContainerUp:
		r = &ContainerUpResult{}
	case KindContainerStop:
		r = &ContainerStopResult{}
	case KindRun:
		r = &RunResult{}
	case KindCommit:
		r = &CommitResult{}
	case KindRunTest:
		r = &RunTestResult{}
	case KindReview:
		r = &ReviewResult{}
	case KindPostMerge:
		r = &PostMergeResult{}
	case KindPostCleanup:
		r = &PostCleanupResult{}
	case KindShellHook:
		r = &ShellHookResult{}
	case KindLLMEval:
		r = &LLMEvalResult{}
	case KindQualityCheck:
		r = &QualityCheckResult{}
	case KindPlugin:
		r = &PluginResult{}
	default:
		return nil, fmt.Errorf("unknown step result kind %q", head.Kind)
	}
	if err := json.Unmarshal(data, r); err != nil {
		return nil, fmt.Errorf("parsing %s result: %w", head.Kind, err)
	}
	return r, nil
}

// MarkSkipped flags a replayed result so downstream consumers can tell a
// cache hit from a fresh execution.
func MarkSkipped(r Result, reason string) {
	p := r.preamble()
	p.Skipped = true
	p.SkipReason = reason
}

// Succeeded reports the preamble success flag.
func Succeeded(r Result) bool {
	return r.preamble().Success
}

// ErrorOf returns the preamble error string.
func ErrorOf(r Result) string {
	return r.preamble().Error
}
