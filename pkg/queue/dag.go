package queue

import corekit "github.com/kivo360/omoios/pkg/corekit/errors"

// ValidateAcyclic checks that adding a task with the given dependencies to
// the existing dependency graph (taskID -> its dependency ids) introduces
// no cycle. newTaskID may already exist in graph (an update) or be new.
func ValidateAcyclic(graph map[string][]string, newTaskID string, newDeps []string) error {
	merged := make(map[string][]string, len(graph)+1)
	for id, deps := range graph {
		merged[id] = deps
	}
	merged[newTaskID] = newDeps

	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(merged))

	var visit func(id string, path []string) error
	visit = func(id string, path []string) error {
		switch color[id] {
		case black:
			return nil
		case gray:
			return corekit.Newf(corekit.KindValidation, "queue.ValidateAcyclic",
				"%w: %v -> %s", corekit.ErrCycleDetected, append(path, id), id)
		}
		color[id] = gray
		for _, dep := range merged[id] {
			if err := visit(dep, append(path, id)); err != nil {
				return err
			}
		}
		color[id] = black
		return nil
	}

	return visit(newTaskID, nil)
}
