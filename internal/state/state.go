// Package state reconstructs task state from commit trailers. The oracle
// never reads files and never consults the manifest: any clone with the same
// history reports the same state.
package state

import (
	"context"
	"fmt"
	"strings"

	"github.com/pennyworth-tech/agent-arborist/internal/tree"
	"github.com/pennyworth-tech/agent-arborist/internal/vcs"
)

// TrailerPrefix namespaces every trailer key the engine writes.
const TrailerPrefix = "Arborist"

// Trailer keys. Values are plain UTF-8 scalars; multi-value trailers repeat
// the key rather than joining with commas.
const (
	TrailerStep        = TrailerPrefix + "-Step"
	TrailerResult      = TrailerPrefix + "-Result"
	TrailerRetry       = TrailerPrefix + "-Retry"
	TrailerReport      = TrailerPrefix + "-Report"
	TrailerReview      = TrailerPrefix + "-Review"
	TrailerReviewLog   = TrailerPrefix + "-Review-Log"
	TrailerTest        = TrailerPrefix + "-Test"
	TrailerTestLog     = TrailerPrefix + "-Test-Log"
	TrailerTestType    = TrailerPrefix + "-Test-Type"
	TrailerTestPassed  = TrailerPrefix + "-Test-Passed"
	TrailerTestFailed  = TrailerPrefix + "-Test-Failed"
	TrailerTestSkipped = TrailerPrefix + "-Test-Skipped"
	TrailerTestRuntime = TrailerPrefix + "-Test-Runtime"
)

// Step values recorded in the TrailerStep trailer.
const (
	StepImplement = "implement"
	StepTest      = "test"
	StepReview    = "review"
	StepComplete  = "complete"
	StepRunStart  = "run-start"
)

// Result values recorded in the TrailerResult trailer.
const (
	ResultPass = "pass"
	ResultFail = "fail"
)

// TaskState is derived from trailers, never stored directly.
type TaskState string

const (
	StatePending      TaskState = "pending"
	StateImplementing TaskState = "implementing"
	StateTesting      TaskState = "testing"
	StateReviewing    TaskState = "reviewing"
	StateComplete     TaskState = "complete"
	StateFailed       TaskState = "failed"
)

// Subject builds the canonical commit subject for a spec/task/step.
// Grammar: task(<spec_id>@<task_id>@<step>): <subject>.
func Subject(specID, taskID, step, subject string) string {
	return fmt.Sprintf("task(%s@%s@%s): %s", specID, taskID, step, subject)
}

// SubjectPrefix is the fixed-string grep that selects exactly the commits
// belonging to a spec.
func SubjectPrefix(specID string) string {
	return fmt.Sprintf("task(%s@", specID)
}

// taskSubjectPrefix selects the commits for one task of one spec.
func taskSubjectPrefix(specID, taskID string) string {
	return fmt.Sprintf("task(%s@%s", specID, taskID)
}

// runStartSubject is the sentinel subject fencing restart scope.
func runStartSubject(specID string) string {
	return fmt.Sprintf("task(%s@@run-start): run started", specID)
}

// Trailers is an ordered multimap of trailer key-value pairs. Repeated keys
// keep all values in order.
type Trailers struct {
	keys   []string
	values map[string][]string
}

// NewTrailers creates an empty trailer set.
func NewTrailers() *Trailers {
	return &Trailers{values: make(map[string][]string)}
}

// Add appends a value for a key.
func (t *Trailers) Add(key, value string) {
	if _, seen := t.values[key]; !seen {
		t.keys = append(t.keys, key)
	}
	t.values[key] = append(t.values[key], value)
}

// Get returns the first value for a key, or "".
func (t *Trailers) Get(key string) string {
	vs := t.values[key]
	if len(vs) == 0 {
		return ""
	}
	return vs[0]
}

// All returns every value for a key.
func (t *Trailers) All(key string) []string {
	return t.values[key]
}

// Len counts distinct keys.
func (t *Trailers) Len() int {
	return len(t.keys)
}

// Keys returns the distinct keys in first-seen order.
func (t *Trailers) Keys() []string {
	return append([]string(nil), t.keys...)
}

// Format renders the trailer block for inclusion in a commit message.
func (t *Trailers) Format() string {
	var b strings.Builder
	for _, k := range t.keys {
		for _, v := range t.values[k] {
			fmt.Fprintf(&b, "%s: %s\n", k, v)
		}
	}
	return strings.TrimSuffix(b.String(), "\n")
}

// ParseTrailers extracts engine trailers from a block of text. Only lines
// whose key carries the engine prefix are kept.
func ParseTrailers(text string) *Trailers {
	t := NewTrailers()
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		key, value, found := strings.Cut(line, ": ")
		if !found || !strings.HasPrefix(key, TrailerPrefix+"-") {
			continue
		}
		t.Add(key, strings.TrimSpace(value))
	}
	return t
}

// TaskStateFromTrailers is the pure state mapping.
func TaskStateFromTrailers(t *Trailers) TaskState {
	switch t.Get(TrailerStep) {
	case StepComplete:
		if t.Get(TrailerResult) == ResultFail {
			return StateFailed
		}
		return StateComplete
	case StepReview:
		return StateReviewing
	case StepTest:
		return StateTesting
	case StepImplement:
		return StateImplementing
	}
	return StatePending
}

// Oracle reads task state from a repository.
type Oracle struct {
	repo vcs.Repo
}

// NewOracle creates an oracle over a VCS backend.
func NewOracle(repo vcs.Repo) *Oracle {
	return &Oracle{repo: repo}
}

// GetTaskTrailers returns the trailers of the most recent commit on rev for
// the given spec/task, or nil when no such commit exists.
func (o *Oracle) GetTaskTrailers(ctx context.Context, rev, taskID, cwd, specID string) (*Trailers, error) {
	out, err := o.repo.Log(ctx, rev, "%(trailers)", cwd, vcs.LogOptions{
		N:            1,
		Grep:         taskSubjectPrefix(specID, taskID),
		FixedStrings: true,
	})
	if err != nil {
		var gitErr *vcs.GitError
		if asGitError(err, &gitErr) {
			return nil, nil
		}
		return nil, err
	}
	if strings.TrimSpace(out) == "" {
		return nil, nil
	}
	return ParseTrailers(out), nil
}

func asGitError(err error, target **vcs.GitError) bool {
	ge, ok := err.(*vcs.GitError)
	if ok {
		*target = ge
	}
	return ok
}

// TaskCommit is one historical commit for a task.
type TaskCommit struct {
	SHA      string    `json:"sha"`
	Subject  string    `json:"subject"`
	Step     string    `json:"step"`
	Result   string    `json:"result"`
	Retry    string    `json:"retry"`
	Trailers *Trailers `json:"-"`
}

// TaskCommitHistory returns commits for a task, most recent first.
func (o *Oracle) TaskCommitHistory(ctx context.Context, taskID, cwd, specID string) ([]TaskCommit, error) {
	raw, err := o.repo.Log(ctx, "HEAD", "%h%n%s%n%(trailers)%n"+vcs.CommitSep, cwd, vcs.LogOptions{
		N:            50,
		Grep:         taskSubjectPrefix(specID, taskID),
		FixedStrings: true,
	})
	if err != nil {
		return nil, nil
	}

	var commits []TaskCommit
	for _, block := range strings.Split(raw, vcs.CommitSep) {
		block = strings.TrimSpace(block)
		if block == "" {
			continue
		}
		lines := strings.SplitN(block, "\n", 3)
		if len(lines) < 2 {
			continue
		}
		trailerText := ""
		if len(lines) == 3 {
			trailerText = lines[2]
		}
		tr := ParseTrailers(trailerText)
		commits = append(commits, TaskCommit{
			SHA:      strings.TrimSpace(lines[0]),
			Subject:  strings.TrimSpace(lines[1]),
			Step:     tr.Get(TrailerStep),
			Result:   tr.Get(TrailerResult),
			Retry:    tr.Get(TrailerRetry),
			Trailers: tr,
		})
	}
	return commits, nil
}

// ScanTaskStates derives the state of every task of a spec in one log call.
//
// The scan covers base..HEAD (or all of HEAD when already on base), greps by
// the spec's fixed-string subject prefix, and keeps the FIRST (most recent)
// block per task id.
func (o *Oracle) ScanTaskStates(ctx context.Context, t *tree.TaskTree, cwd, specID, baseBranch string) (map[string]TaskState, map[string]*Trailers, error) {
	current, err := o.repo.CurrentBranch(ctx, cwd)
	if err != nil {
		return nil, nil, err
	}

	since := baseBranch
	if current == baseBranch {
		since = ""
	} else {
		base, err := o.repo.MergeBase(ctx, baseBranch, "HEAD", cwd)
		if err != nil || base == "" {
			return nil, nil, fmt.Errorf("cannot find merge-base between %s and HEAD", baseBranch)
		}
	}

	raw, err := o.repo.LogSince(ctx, "HEAD", since, "%s%n%(trailers)", cwd, vcs.LogOptions{
		N:            500,
		Grep:         SubjectPrefix(specID),
		FixedStrings: true,
	})
	if err != nil {
		return map[string]TaskState{}, map[string]*Trailers{}, nil
	}

	states := make(map[string]TaskState)
	trailers := make(map[string]*Trailers)
	prefix := SubjectPrefix(specID)

	for _, block := range strings.Split(raw, vcs.CommitSep) {
		block = strings.TrimSpace(block)
		if block == "" {
			continue
		}
		lines := strings.SplitN(block, "\n", 2)
		subject := strings.TrimSpace(lines[0])
		if !strings.HasPrefix(subject, prefix) {
			continue
		}
		rest := subject[len(prefix):]
		taskID, _, _ := strings.Cut(rest, "@")
		if taskID == "" {
			// Run-start sentinel.
			continue
		}
		if _, seen := states[taskID]; seen {
			continue
		}
		trailerText := ""
		if len(lines) == 2 {
			trailerText = lines[1]
		}
		tr := ParseTrailers(trailerText)
		states[taskID] = TaskStateFromTrailers(tr)
		trailers[taskID] = tr
	}
	return states, trailers, nil
}

// ScanCompletedTasks filters the scan down to completed task ids.
func (o *Oracle) ScanCompletedTasks(ctx context.Context, t *tree.TaskTree, cwd, specID, baseBranch string) (map[string]bool, error) {
	states, _, err := o.ScanTaskStates(ctx, t, cwd, specID, baseBranch)
	if err != nil {
		return nil, err
	}
	completed := make(map[string]bool)
	for id, st := range states {
		if st == StateComplete {
			completed[id] = true
		}
	}
	return completed, nil
}

// RunStartSHA finds the run-start sentinel commit for a spec, creating it
// (as an empty commit) when create is true and none exists.
func (o *Oracle) RunStartSHA(ctx context.Context, cwd, specID string, create bool) (string, error) {
	out, err := o.repo.Log(ctx, "HEAD", "%H", cwd, vcs.LogOptions{
		N:            1,
		Grep:         fmt.Sprintf("task(%s@@run-start)", specID),
		FixedStrings: true,
	})
	if err == nil && strings.TrimSpace(out) != "" {
		return strings.TrimSpace(out), nil
	}
	if !create {
		return "", nil
	}

	msg := runStartSubject(specID) + "\n\n" + TrailerStep + ": " + StepRunStart
	return o.repo.Commit(ctx, msg, cwd, true)
}

// ScanDocument is the stable-keyed JSON structure consumed by the dashboard
// and visualization layers.
type ScanDocument struct {
	SpecID    string                `json:"spec_id"`
	BaseRef   string                `json:"base_ref"`
	Tree      *tree.TaskTree        `json:"tree"`
	Completed []string              `json:"completed"`
	Tasks     map[string]ScannedTask `json:"tasks"`
}

// ScannedTask pairs a derived state with its raw trailers.
type ScannedTask struct {
	State    TaskState         `json:"state"`
	Trailers map[string]string `json:"trailers"`
}

// Scan produces the full state-read document for a spec.
func (o *Oracle) Scan(ctx context.Context, t *tree.TaskTree, cwd, specID, baseRef string) (*ScanDocument, error) {
	states, trailers, err := o.ScanTaskStates(ctx, t, cwd, specID, baseRef)
	if err != nil {
		return nil, err
	}

	doc := &ScanDocument{
		SpecID:  specID,
		BaseRef: baseRef,
		Tree:    t,
		Tasks:   make(map[string]ScannedTask, len(states)),
	}
	for id, st := range states {
		flat := make(map[string]string)
		if tr := trailers[id]; tr != nil {
			for _, k := range tr.Keys() {
				flat[k] = tr.Get(k)
			}
		}
		doc.Tasks[id] = ScannedTask{State: st, Trailers: flat}
		if st == StateComplete {
			doc.Completed = append(doc.Completed, id)
		}
	}
	// Stable output ordering for the completed list.
	for i := 1; i < len(doc.Completed); i++ {
		for j := i; j > 0 && doc.Completed[j] < doc.Completed[j-1]; j-- {
			doc.Completed[j], doc.Completed[j-1] = doc.Completed[j-1], doc.Completed[j]
		}
	}
	return doc, nil
}

// Summary counts tasks by state for the human-readable run report.
func Summary(states map[string]TaskState) map[TaskState]int {
	counts := make(map[TaskState]int)
	for _, st := range states {
		counts[st]++
	}
	return counts
}
