package tree

import "sort"

// structuralKey is the sequence of child-index positions from root to a node.
// Comparing keys orders siblings by spec position, so leaves under M2 sort
// before leaves under M10 regardless of lexicographic order.
func (t *TaskTree) structuralKey(id string) []int {
	var path []string
	for cur := id; cur != ""; {
		path = append(path, cur)
		n := t.Nodes[cur]
		if n == nil {
			break
		}
		cur = n.Parent
	}
	// Reverse to root-first.
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}

	key := make([]int, 0, len(path))
	key = append(key, indexOf(t.RootIDs, path[0]))
	for i := 1; i < len(path); i++ {
		parent := t.Nodes[path[i-1]]
		if parent == nil {
			key = append(key, 0)
			continue
		}
		key = append(key, indexOf(parent.Children, path[i]))
	}
	return key
}

func indexOf(list []string, s string) int {
	for i, v := range list {
		if v == s {
			return i
		}
	}
	return 0
}

func lessKey(a, b []int) bool {
	for i := 0; i < len(a) && i < len(b); i++ {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return len(a) < len(b)
}

// ComputeExecutionOrder runs Kahn's algorithm over leaf tasks only.
// Dependencies on non-leaf nodes are ignored; ties break by structural key.
// Every call recomputes the order and stores it in ExecutionOrder.
func (t *TaskTree) ComputeExecutionOrder() []string {
	leaves := t.Leaves()
	isLeaf := make(map[string]bool, len(leaves))
	for _, n := range leaves {
		isLeaf[n.ID] = true
	}

	inDegree := make(map[string]int, len(leaves))
	dependents := make(map[string][]string)
	for _, n := range leaves {
		deg := 0
		for _, d := range n.DependsOn {
			if isLeaf[d] {
				deg++
				dependents[d] = append(dependents[d], n.ID)
			}
		}
		inDegree[n.ID] = deg
	}

	keys := make(map[string][]int, len(leaves))
	byStructure := func(ids []string) {
		sort.SliceStable(ids, func(i, j int) bool {
			ki, ok := keys[ids[i]]
			if !ok {
				ki = t.structuralKey(ids[i])
				keys[ids[i]] = ki
			}
			kj, ok := keys[ids[j]]
			if !ok {
				kj = t.structuralKey(ids[j])
				keys[ids[j]] = kj
			}
			return lessKey(ki, kj)
		})
	}

	var queue []string
	for _, n := range leaves {
		if inDegree[n.ID] == 0 {
			queue = append(queue, n.ID)
		}
	}
	byStructure(queue)

	order := make([]string, 0, len(leaves))
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		order = append(order, id)

		var newlyReady []string
		for _, dep := range dependents[id] {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				newlyReady = append(newlyReady, dep)
			}
		}
		byStructure(newlyReady)
		queue = append(queue, newlyReady...)
	}

	t.ExecutionOrder = order
	return order
}
