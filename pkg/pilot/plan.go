package pilot

import (
	"sort"

	"github.com/tombee/pilot/pkg/errors"
)

// buildPlan derives execution levels from the dependency DAG: level 0
// holds steps with no dependencies, level n+1 holds steps whose
// dependencies all sit at level n or earlier. Steps within a level keep
// declaration order. Unknown dependencies and cycles are errors.
func buildPlan(steps []Step) ([][]int, error) {
	index := make(map[string]int, len(steps))
	for i, s := range steps {
		index[s.ID] = i
	}

	indegree := make([]int, len(steps))
	dependents := make(map[int][]int, len(steps))
	for i, s := range steps {
		for _, dep := range s.Dependencies {
			j, ok := index[dep]
			if !ok {
				return nil, &errors.ValidationError{
					Field:      "dependencies",
					Message:    "step " + s.ID + " depends on unknown step " + dep,
					Suggestion: "every dependency must name a step id in the workflow",
				}
			}
			indegree[i]++
			dependents[j] = append(dependents[j], i)
		}
	}

	// Kahn's algorithm, peeled a full frontier at a time so each
	// frontier becomes one level.
	var levels [][]int
	frontier := make([]int, 0, len(steps))
	for i := range steps {
		if indegree[i] == 0 {
			frontier = append(frontier, i)
		}
	}
	placed := 0
	for len(frontier) > 0 {
		sort.Ints(frontier)
		levels = append(levels, frontier)
		placed += len(frontier)

		var next []int
		for _, i := range frontier {
			for _, j := range dependents[i] {
				indegree[j]--
				if indegree[j] == 0 {
					next = append(next, j)
				}
			}
		}
		frontier = next
	}

	if placed != len(steps) {
		var stuck []string
		for i, s := range steps {
			if indegree[i] > 0 {
				stuck = append(stuck, s.ID)
			}
		}
		sort.Strings(stuck)
		return nil, &errors.ValidationError{
			Field:      "dependencies",
			Message:    "dependency cycle involving steps: " + joinIDs(stuck),
			Suggestion: "remove the circular dependency",
		}
	}
	return levels, nil
}

func joinIDs(ids []string) string {
	out := ""
	for i, id := range ids {
		if i > 0 {
			out += ", "
		}
		out += id
	}
	return out
}
