// Package tree holds the in-memory task hierarchy and computes leaf
// execution order. Nodes reference each other by id; the tree owns the only
// id -> node map and every traversal goes through it.
package tree

import (
	"encoding/json"
	"fmt"

	"github.com/pennyworth-tech/agent-arborist/internal/errors"
)

// TestKind classifies a task's test commands.
type TestKind string

const (
	TestUnit        TestKind = "unit"
	TestIntegration TestKind = "integration"
	TestE2E         TestKind = "e2e"
)

// TestCommand is one test invocation attached to a task.
type TestCommand struct {
	Kind    TestKind `json:"kind"`
	Command string   `json:"command"`
	// Framework hints the parser for counts ("go", "pytest", "jest", ...).
	Framework string `json:"framework,omitempty"`
	// Timeout in seconds (0 means the configured default).
	Timeout int `json:"timeout,omitempty"`
}

// TaskNode is one node in the hierarchy. Leaf tasks run a pipeline; internal
// nodes sequence their children.
type TaskNode struct {
	ID          string        `json:"id"`
	Name        string        `json:"name"`
	Description string        `json:"description,omitempty"`
	Parent      string        `json:"parent,omitempty"`
	Children    []string      `json:"children,omitempty"`
	DependsOn   []string      `json:"depends_on,omitempty"`
	TestCmds    []TestCommand `json:"test_commands,omitempty"`
}

// IsLeaf reports whether the node has no children.
func (n *TaskNode) IsLeaf() bool {
	return len(n.Children) == 0
}

// TaskTree is the complete hierarchy for one spec.
type TaskTree struct {
	Nodes map[string]*TaskNode `json:"nodes"`
	// RootIDs preserves the order roots appear in the source spec; this
	// order feeds the structural tie-break.
	RootIDs []string `json:"root_ids"`
	// ExecutionOrder holds the result of the last ComputeExecutionOrder call.
	ExecutionOrder []string `json:"execution_order,omitempty"`
}

// New creates an empty tree.
func New() *TaskTree {
	return &TaskTree{Nodes: make(map[string]*TaskNode)}
}

// Get returns a node by id, or nil.
func (t *TaskTree) Get(id string) *TaskNode {
	return t.Nodes[id]
}

// Add inserts a node, wiring it into its parent's child list when the parent
// is already present.
func (t *TaskTree) Add(n *TaskNode) error {
	if n.ID == "" {
		return errors.NewArgumentError("task node requires an id")
	}
	if _, dup := t.Nodes[n.ID]; dup {
		return errors.NewArgumentError(fmt.Sprintf("duplicate task id %q", n.ID))
	}
	t.Nodes[n.ID] = n
	if n.Parent == "" {
		t.RootIDs = append(t.RootIDs, n.ID)
		return nil
	}
	parent, ok := t.Nodes[n.Parent]
	if !ok {
		return errors.NewArgumentError(fmt.Sprintf("task %q references unknown parent %q", n.ID, n.Parent))
	}
	if !contains(parent.Children, n.ID) {
		parent.Children = append(parent.Children, n.ID)
	}
	return nil
}

// Leaves returns every leaf node in deterministic structural order.
func (t *TaskTree) Leaves() []*TaskNode {
	var out []*TaskNode
	t.walk(func(n *TaskNode) {
		if n.IsLeaf() {
			out = append(out, n)
		}
	})
	return out
}

// walk visits nodes depth-first in structural order.
func (t *TaskTree) walk(fn func(*TaskNode)) {
	stack := make([]string, len(t.RootIDs))
	for i, id := range t.RootIDs {
		stack[len(t.RootIDs)-1-i] = id
	}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		n := t.Nodes[id]
		if n == nil {
			continue
		}
		fn(n)
		for i := len(n.Children) - 1; i >= 0; i-- {
			stack = append(stack, n.Children[i])
		}
	}
}

// RootPhase walks up to the topmost ancestor of a node.
func (t *TaskTree) RootPhase(id string) string {
	for {
		n := t.Nodes[id]
		if n == nil || n.Parent == "" {
			return id
		}
		id = n.Parent
	}
}

// LeavesUnder collects all leaf descendants of a node, the node itself when
// it is a leaf.
func (t *TaskTree) LeavesUnder(id string) []*TaskNode {
	n := t.Nodes[id]
	if n == nil {
		return nil
	}
	if n.IsLeaf() {
		return []*TaskNode{n}
	}
	var out []*TaskNode
	stack := make([]string, len(n.Children))
	for i, c := range n.Children {
		stack[len(n.Children)-1-i] = c
	}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		c := t.Nodes[id]
		if c == nil {
			continue
		}
		if c.IsLeaf() {
			out = append(out, c)
			continue
		}
		for i := len(c.Children) - 1; i >= 0; i-- {
			stack = append(stack, c.Children[i])
		}
	}
	return out
}

// ReadyLeaves returns leaves whose dependencies are all in completed and are
// not themselves completed.
func (t *TaskTree) ReadyLeaves(completed map[string]bool) []*TaskNode {
	var ready []*TaskNode
	for _, n := range t.Leaves() {
		if completed[n.ID] {
			continue
		}
		ok := true
		for _, d := range n.DependsOn {
			if !completed[d] {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, n)
		}
	}
	return ready
}

// Validate checks the structural invariants: parent/child symmetry, known
// dependency targets, and acyclicity of the dependency graph.
func (t *TaskTree) Validate() error {
	for id, n := range t.Nodes {
		if n.ID != id {
			return errors.NewRuntimeError(fmt.Sprintf("node key %q does not match id %q", id, n.ID))
		}
		if n.Parent != "" {
			p := t.Nodes[n.Parent]
			if p == nil {
				return errors.NewRuntimeError(fmt.Sprintf("task %q references unknown parent %q", id, n.Parent))
			}
			if !contains(p.Children, id) {
				return errors.NewRuntimeError(fmt.Sprintf("task %q missing from parent %q child list", id, n.Parent))
			}
		}
		for _, c := range n.Children {
			child := t.Nodes[c]
			if child == nil {
				return errors.NewRuntimeError(fmt.Sprintf("task %q references unknown child %q", id, c))
			}
			if child.Parent != id {
				return errors.NewRuntimeError(fmt.Sprintf("child %q does not point back to parent %q", c, id))
			}
		}
		for _, d := range n.DependsOn {
			if t.Nodes[d] == nil {
				return errors.NewRuntimeError(fmt.Sprintf("task %q depends on unknown task %q", id, d))
			}
		}
	}
	if t.hasDependencyCycle() {
		return errors.NewRuntimeError("dependency cycle detected in task tree")
	}
	return nil
}

// hasDependencyCycle checks the leaf dependency graph with Kahn's algorithm:
// a cycle exists iff the sort cannot consume every leaf.
func (t *TaskTree) hasDependencyCycle() bool {
	leaves := t.Leaves()
	return len(t.ComputeExecutionOrder()) != len(leaves)
}

// Marshal serializes the tree to indented JSON.
func (t *TaskTree) Marshal() ([]byte, error) {
	return json.MarshalIndent(t, "", "  ")
}

// Unmarshal parses a tree from JSON.
func Unmarshal(data []byte) (*TaskTree, error) {
	t := New()
	if err := json.Unmarshal(data, t); err != nil {
		return nil, errors.WrapWithMessage(err, errors.Runtime, "parsing task tree")
	}
	if t.Nodes == nil {
		t.Nodes = make(map[string]*TaskNode)
	}
	return t, nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
