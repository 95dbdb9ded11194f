package models

import (
	"fmt"
	"sort"
	"strings"

	"github.com/grovetools/prdflow/errors"
)

// Priority ranks a task against its siblings.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

// normalizePriority maps free-form model output onto the known priorities.
func normalizePriority(p Priority) Priority {
	switch Priority(strings.ToLower(strings.TrimSpace(string(p)))) {
	case PriorityLow:
		return PriorityLow
	case PriorityHigh:
		return PriorityHigh
	default:
		return PriorityMedium
	}
}

// Subtask is one step of a Task.
type Subtask struct {
	Name        string `json:"name" jsonschema:"minLength=1"`
	Description string `json:"description,omitempty"`
}

// Task is one unit of generated implementation work.
type Task struct {
	ID           int       `json:"id,omitempty" jsonschema:"minimum=0"`
	Name         string    `json:"name" jsonschema:"minLength=1"`
	Description  string    `json:"description,omitempty"`
	Subtasks     []Subtask `json:"subtasks,omitempty"`
	Dependencies []int     `json:"dependencies,omitempty"`
	Priority     Priority  `json:"priority,omitempty"`
	Complexity   *int      `json:"complexity,omitempty" jsonschema:"minimum=0,maximum=10"`
	Reasoning    string    `json:"reasoning,omitempty"`
}

// TaskList is the document shape the generator is asked to produce.
type TaskList struct {
	Tasks []Task `json:"tasks"`
}

// TaskResult is the authoritative outcome of one executed task unit.
type TaskResult struct {
	TaskName      string   `json:"task_name"`
	Description   string   `json:"description,omitempty"`
	Result        string   `json:"result"`
	EditedFiles   []string `json:"edited_files,omitempty"`
	CommitHash    string   `json:"commit_hash,omitempty"`
	CommitMessage string   `json:"commit_message,omitempty"`
}

// TaskStatus is the run state of a TaskExecutionState.
type TaskStatus string

const (
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
)

// TaskExecutionState tracks one task unit while it streams and after it completes.
// TaskName refers to the unit by name; it does not own the Task.
type TaskExecutionState struct {
	TaskName      string     `json:"task_name"`
	Description   string     `json:"description,omitempty"`
	Result        string     `json:"result"`
	Status        TaskStatus `json:"status"`
	EditedFiles   []string   `json:"edited_files,omitempty"`
	CommitHash    string     `json:"commit_hash,omitempty"`
	CommitMessage string     `json:"commit_message,omitempty"`
}

// TaskUnit is a single prompt-sized piece of execution: a task without
// subtasks, or one subtask of a task.
type TaskUnit struct {
	Name        string
	Description string
}

// Units expands the task into executable units. A task with subtasks yields one
// unit per subtask named "Task - Subtask".
func (t Task) Units() []TaskUnit {
	if len(t.Subtasks) == 0 {
		return []TaskUnit{{Name: t.Name, Description: t.Description}}
	}
	units := make([]TaskUnit, 0, len(t.Subtasks))
	for _, st := range t.Subtasks {
		desc := t.Description
		if st.Description != "" {
			desc = fmt.Sprintf("%s - %s", desc, st.Description)
		}
		units = append(units, TaskUnit{
			Name:        fmt.Sprintf("%s - %s", t.Name, st.Name),
			Description: desc,
		})
	}
	return units
}

// ValidateDependencies checks that task ids are unique, that every dependency
// references a task in the list and that the dependency graph is acyclic.
// The first problem found is returned as a DATA_INTEGRITY error.
func ValidateDependencies(tasks []Task) error {
	byID := make(map[int]Task, len(tasks))
	for _, t := range tasks {
		if _, dup := byID[t.ID]; dup {
			return errors.New(errors.ErrCodeDataIntegrity, fmt.Sprintf("duplicate task id %d", t.ID)).
				WithDetail("task", t.ID)
		}
		byID[t.ID] = t
	}
	for _, t := range tasks {
		for _, dep := range t.Dependencies {
			if _, ok := byID[dep]; !ok {
				return errors.MissingTaskReference(t.ID, dep)
			}
		}
	}

	const (
		white = iota
		grey
		black
	)
	color := make(map[int]int, len(tasks))
	var stack []int

	var visit func(id int) []int
	visit = func(id int) []int {
		color[id] = grey
		stack = append(stack, id)
		deps := append([]int(nil), byID[id].Dependencies...)
		sort.Ints(deps)
		for _, dep := range deps {
			switch color[dep] {
			case grey:
				// Cycle: slice the stack from the first occurrence of dep.
				for i, s := range stack {
					if s == dep {
						cycle := append([]int(nil), stack[i:]...)
						return append(cycle, dep)
					}
				}
			case white:
				if cycle := visit(dep); cycle != nil {
					return cycle
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = black
		return nil
	}

	for _, t := range tasks {
		if color[t.ID] == white {
			if cycle := visit(t.ID); cycle != nil {
				return errors.DependencyCycle(cycle)
			}
		}
	}
	return nil
}

// ExecutionOrder returns the tasks ordered so that every task follows its
// dependencies. Among ready tasks the original list position wins.
// The list must pass ValidateDependencies.
func ExecutionOrder(tasks []Task) ([]Task, error) {
	if err := ValidateDependencies(tasks); err != nil {
		return nil, err
	}
	done := make(map[int]bool, len(tasks))
	placed := make([]bool, len(tasks))
	ordered := make([]Task, 0, len(tasks))
	for len(ordered) < len(tasks) {
		progressed := false
		for i, t := range tasks {
			if placed[i] {
				continue
			}
			ready := true
			for _, dep := range t.Dependencies {
				if !done[dep] {
					ready = false
					break
				}
			}
			if !ready {
				continue
			}
			placed[i] = true
			done[t.ID] = true
			ordered = append(ordered, t)
			progressed = true
			break
		}
		if !progressed {
			// Unreachable after validation.
			return nil, errors.New(errors.ErrCodeDataIntegrity, "task dependencies cannot be ordered")
		}
	}
	return ordered, nil
}
