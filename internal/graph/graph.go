// Package graph models a story's tasks as a directed dependency graph and
// answers readiness queries over it.
package graph

import (
	"fmt"
	"sort"

	"storyline/internal/domain"
)

// Error reports a malformed dependency graph: a dangling reference or a
// cycle. Stories with a broken graph are flagged failed by the engine rather
// than silently skipped.
type Error struct {
	StoryID string
	TaskID  string
	Reason  string
}

func (e *Error) Error() string {
	return fmt.Sprintf("story %s: task %s: %s", e.StoryID, e.TaskID, e.Reason)
}

// Validate checks every dependency references a task in the same story and
// that the closure is acyclic.
func Validate(storyID string, tasks []domain.Task) error {
	byID := make(map[string]domain.Task, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
	}
	for _, t := range tasks {
		for _, dep := range t.Dependencies {
			if dep == t.ID {
				return &Error{StoryID: storyID, TaskID: t.ID, Reason: "depends on itself"}
			}
			if _, ok := byID[dep]; !ok {
				return &Error{StoryID: storyID, TaskID: t.ID, Reason: fmt.Sprintf("dangling dependency %s", dep)}
			}
		}
	}

	const (
		unvisited = iota
		visiting
		visited
	)
	state := make(map[string]int, len(tasks))
	var walk func(id string) error
	walk = func(id string) error {
		switch state[id] {
		case visited:
			return nil
		case visiting:
			return &Error{StoryID: storyID, TaskID: id, Reason: "dependency cycle"}
		}
		state[id] = visiting
		for _, dep := range byID[id].Dependencies {
			if err := walk(dep); err != nil {
				return err
			}
		}
		state[id] = visited
		return nil
	}
	for _, t := range tasks {
		if err := walk(t.ID); err != nil {
			return err
		}
	}
	return nil
}

// Ready returns the tasks eligible to start: status todo with every
// dependency done. Results are ordered by size estimate (S before M before L)
// then by identifier, biasing toward unblocking small units first. The graph
// must validate first; a broken graph yields *Error and no tasks.
func Ready(storyID string, tasks []domain.Task) ([]domain.Task, error) {
	if err := Validate(storyID, tasks); err != nil {
		return nil, err
	}
	status := make(map[string]string, len(tasks))
	for _, t := range tasks {
		status[t.ID] = t.Status
	}
	var ready []domain.Task
	for _, t := range tasks {
		if t.Status != domain.TaskToDo {
			continue
		}
		blocked := false
		for _, dep := range t.Dependencies {
			if status[dep] != domain.TaskDone {
				blocked = true
				break
			}
		}
		if !blocked {
			ready = append(ready, t)
		}
	}
	sort.SliceStable(ready, func(i, j int) bool {
		ri, rj := domain.SizeRank(ready[i].Size), domain.SizeRank(ready[j].Size)
		if ri != rj {
			return ri < rj
		}
		return ready[i].ID < ready[j].ID
	})
	return ready, nil
}
