// Package manifest pre-computes and persists the task id -> branch (or
// change id) mapping for a spec. The manifest is generated once at DAG build
// time and is the single source of truth for identifier assignments across
// restarts: the tree decides topology, the manifest fixes identifiers.
package manifest

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pennyworth-tech/agent-arborist/internal/errors"
	"github.com/pennyworth-tech/agent-arborist/internal/home"
	"github.com/pennyworth-tech/agent-arborist/internal/tree"
	"github.com/pennyworth-tech/agent-arborist/internal/vcs"
)

// EnvVar overrides manifest discovery with an explicit path.
const EnvVar = "ARBORIST_MANIFEST"

// TaskAssignment is the identifier record for a single task.
type TaskAssignment struct {
	TaskID string `json:"task_id"`
	// Branch is the pre-computed branch name (git backend) or change id
	// (jj backend).
	Branch string `json:"branch"`
	// ParentBranch is the parent task's branch, or the base branch for roots.
	ParentBranch string `json:"parent_branch"`
	// ParentTask is empty for root tasks.
	ParentTask string   `json:"parent_task,omitempty"`
	Children   []string `json:"children"`
	DependsOn  []string `json:"depends_on,omitempty"`
}

// Manifest is the complete identifier assignment for a spec.
type Manifest struct {
	SpecID string `json:"spec_id"`
	// SourceBranch is the branch checked out when the DAG was built.
	SourceBranch string `json:"source_branch"`
	// BaseBranch is SourceBranch + "_a", the integration point all root task
	// branches fork from.
	BaseBranch string `json:"base_branch"`
	CreatedAt  string `json:"created_at"`
	// VCS discriminates the backend: "git" or "jj".
	VCS   string                    `json:"vcs"`
	Tasks map[string]TaskAssignment `json:"tasks"`
}

// Task returns the assignment for a task id.
func (m *Manifest) Task(id string) (TaskAssignment, bool) {
	a, ok := m.Tasks[id]
	return a, ok
}

// BranchFor returns the branch assigned to a task, or "".
func (m *Manifest) BranchFor(id string) string {
	return m.Tasks[id].Branch
}

// ParentBranchFor returns the parent branch for a task, or "".
func (m *Manifest) ParentBranchFor(id string) string {
	return m.Tasks[id].ParentBranch
}

// TopologicalTaskIDs returns task ids parents-first. The creation-order
// invariant: a parent's assignment always precedes its children's.
func (m *Manifest) TopologicalTaskIDs() []string {
	childrenOf := make(map[string][]string, len(m.Tasks))
	var roots []string
	for id, a := range m.Tasks {
		if a.ParentTask == "" {
			roots = append(roots, id)
		} else {
			childrenOf[a.ParentTask] = append(childrenOf[a.ParentTask], id)
		}
	}
	sortStable(roots)

	var order []string
	queue := roots
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		order = append(order, id)
		kids := childrenOf[id]
		sortStable(kids)
		queue = append(queue, kids...)
	}
	return order
}

func sortStable(ids []string) {
	for i := 1; i < len(ids); i++ {
		for j := i; j > 0 && ids[j] < ids[j-1]; j-- {
			ids[j], ids[j-1] = ids[j-1], ids[j]
		}
	}
}

// Generate computes the manifest from a task tree and source branch in one
// topological pass. Identifiers depend only on (tree, sourceBranch):
// re-running yields byte-identical assignments.
//
// Naming: base = source + "_a"; a leaf task's branch extends its parent's
// branch with "_" + id. Internal nodes (phases, groups) are transparent in
// the branch namespace: they inherit their parent's branch unchanged, so a
// leaf under a phase branches directly off the base (main_a_T001, not
// main_a_phase1_T001).
func Generate(specID string, t *tree.TaskTree, sourceBranch string) (*Manifest, error) {
	if specID == "" {
		return nil, errors.NewArgumentError("spec id is required")
	}
	if sourceBranch == "" {
		return nil, errors.NewArgumentError("source branch is required")
	}
	if err := t.Validate(); err != nil {
		return nil, errors.WrapWithMessage(err, errors.Runtime, errors.KindPlan)
	}

	m := &Manifest{
		SpecID:       specID,
		SourceBranch: sourceBranch,
		BaseBranch:   sourceBranch + "_a",
		CreatedAt:    time.Now().UTC().Format("2006-01-02T15:04:05Z"),
		VCS:          vcs.BackendGit,
		Tasks:        make(map[string]TaskAssignment, len(t.Nodes)),
	}

	// Parents first: process a node only once its parent is assigned.
	var walk func(id string)
	walk = func(id string) {
		n := t.Get(id)
		if n == nil {
			return
		}
		parentBranch := m.BaseBranch
		parentTask := ""
		if n.Parent != "" {
			parentTask = n.Parent
			parentBranch = m.Tasks[n.Parent].Branch
		}
		branch := parentBranch
		if n.IsLeaf() {
			branch = parentBranch + "_" + id
		}
		m.Tasks[id] = TaskAssignment{
			TaskID:       id,
			Branch:       branch,
			ParentBranch: parentBranch,
			ParentTask:   parentTask,
			Children:     append([]string(nil), n.Children...),
			DependsOn:    append([]string(nil), n.DependsOn...),
		}
		for _, c := range n.Children {
			walk(c)
		}
	}
	for _, root := range t.RootIDs {
		walk(root)
	}

	return m, nil
}

// Save writes the manifest as indented JSON via temp file + rename.
func Save(m *Manifest, path string) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return errors.WrapWithMessage(err, errors.Runtime, "marshaling manifest")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.WrapWithMessage(err, errors.Runtime, "creating manifest directory")
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return errors.WrapWithMessage(err, errors.Runtime, "writing manifest")
	}
	return os.Rename(tmp, path)
}

// Load reads a manifest from disk.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WrapWithMessage(err, errors.Prerequisite,
			fmt.Sprintf("manifest not found at %s", path),
			"run arborist dag build first")
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, errors.WrapWithMessage(err, errors.Runtime, "parsing manifest")
	}
	if m.VCS == "" {
		m.VCS = vcs.BackendGit
	}
	if m.Tasks == nil {
		m.Tasks = make(map[string]TaskAssignment)
	}
	return &m, nil
}

// DefaultPath returns the canonical manifest location under home.
func DefaultPath(homeDir, specID string) string {
	return filepath.Join(home.DagsDir(homeDir), specID+".json")
}

// Discover finds the manifest for a spec.
//
// Order: ARBORIST_MANIFEST, <home>/dagu/dags/<spec>.json, <home>/<spec>.json,
// <git root>/specs/<spec>/manifest.json. Returns "" when nothing exists.
func Discover(specID, homeDir, gitRoot string) string {
	if env := os.Getenv(EnvVar); env != "" {
		return env
	}
	candidates := []string{
		DefaultPath(homeDir, specID),
		filepath.Join(homeDir, specID+".json"),
	}
	if gitRoot != "" {
		candidates = append(candidates, filepath.Join(gitRoot, "specs", specID, "manifest.json"))
	}
	for _, p := range candidates {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}
