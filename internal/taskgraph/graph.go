package taskgraph

import "fmt"

// Node is one unit of work in a decomposed task graph.
type Node struct {
	ID           string   `json:"id"`
	Description  string   `json:"description"`
	WorkerType   string   `json:"worker_type"`
	Dependencies []string `json:"dependencies"`
}

const (
	unmarked = iota
	visiting
	visited
)

// topoSort orders nodes so every node appears after all of its declared
// dependencies. The traversal is an explicit-stack depth-first walk over
// an index-addressed node table: revisiting a node still on the path
// means a circular dependency, reported by id before anything runs.
// Dependencies naming unknown ids are ignored, matching the tolerant
// decoding of model-produced graphs.
func topoSort(nodes []Node) ([]Node, error) {
	index := make(map[string]int, len(nodes))
	for i := range nodes {
		index[nodes[i].ID] = i
	}

	marks := make([]int, len(nodes))
	order := make([]Node, 0, len(nodes))

	type frame struct {
		idx      int
		expanded bool
	}

	for start := range nodes {
		if marks[start] != unmarked {
			continue
		}
		stack := []frame{{idx: start}}
		for len(stack) > 0 {
			top := &stack[len(stack)-1]
			n := &nodes[top.idx]

			if !top.expanded {
				if marks[top.idx] == visiting {
					return nil, fmt.Errorf("circular dependency detected: %s", n.ID)
				}
				if marks[top.idx] == visited {
					stack = stack[:len(stack)-1]
					continue
				}
				marks[top.idx] = visiting
				top.expanded = true
				for _, dep := range n.Dependencies {
					di, ok := index[dep]
					if !ok {
						continue
					}
					if marks[di] == visiting {
						return nil, fmt.Errorf("circular dependency detected: %s", dep)
					}
					if marks[di] == unmarked {
						stack = append(stack, frame{idx: di})
					}
				}
				continue
			}

			marks[top.idx] = visited
			order = append(order, *n)
			stack = stack[:len(stack)-1]
		}
	}

	return order, nil
}

// levels groups a topologically sorted node list into execution waves:
// every node in wave i depends only on nodes in earlier waves, so one
// wave's members can run concurrently.
func levels(sorted []Node) [][]Node {
	depth := make(map[string]int, len(sorted))
	var waves [][]Node

	for _, n := range sorted {
		d := 0
		for _, dep := range n.Dependencies {
			if dd, ok := depth[dep]; ok && dd+1 > d {
				d = dd + 1
			}
		}
		depth[n.ID] = d
		for len(waves) <= d {
			waves = append(waves, nil)
		}
		waves[d] = append(waves[d], n)
	}
	return waves
}
