package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/grovetools/prdflow/errors"
	"github.com/grovetools/prdflow/schema"
)

var (
	taskListValidator     *schema.Validator
	taskListValidatorErr  error
	taskListValidatorOnce sync.Once
)

func taskValidator() (*schema.Validator, error) {
	taskListValidatorOnce.Do(func() {
		taskListValidator, taskListValidatorErr = schema.ForType("tasks.json", &TaskList{}, schema.Options{
			Title:       "Task list",
			Description: "Implementation tasks derived from a PRD.",
			// Generators often add commentary fields; ignore them.
			AllowAdditionalProperties: true,
		})
	})
	return taskListValidator, taskListValidatorErr
}

// TaskListSchema returns the JSON Schema used to validate generated task lists.
func TaskListSchema() ([]byte, error) {
	return schema.Reflect(&TaskList{}, schema.Options{
		Title:                     "Task list",
		AllowAdditionalProperties: true,
	})
}

// ParseTasks decodes a generated task document. Both {"tasks": [...]} and a
// bare array are accepted. A list numbered from 0 is shifted to start at 1.
// Missing ids are assigned in list order after the largest explicit id and
// priorities are normalized.
func ParseTasks(raw json.RawMessage) ([]Task, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, errors.WorkflowFailed("task list is empty")
	}
	if trimmed[0] == '[' {
		trimmed = append(append([]byte(`{"tasks":`), trimmed...), '}')
	}

	v, err := taskValidator()
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "task schema unavailable")
	}
	if err := v.ValidateJSON(trimmed); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeWorkflow, "task list does not match the expected format")
	}

	var list TaskList
	if err := json.Unmarshal(trimmed, &list); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeWorkflow, "task list could not be decoded")
	}

	// An explicit id of 0 is indistinguishable from a missing one once
	// decoded, so read presence separately.
	var ids struct {
		Tasks []struct {
			ID *int `json:"id"`
		} `json:"tasks"`
	}
	if err := json.Unmarshal(trimmed, &ids); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeWorkflow, "task list could not be decoded")
	}
	explicit := make([]bool, len(list.Tasks))
	zeroBased := false
	for i, t := range ids.Tasks {
		if t.ID != nil {
			explicit[i] = true
			zeroBased = zeroBased || *t.ID == 0
		}
	}
	// Ids are 1-based on the wire; shift 0-based lists along with their
	// dependencies.
	if zeroBased {
		for i := range list.Tasks {
			if explicit[i] {
				list.Tasks[i].ID++
			}
			for j := range list.Tasks[i].Dependencies {
				list.Tasks[i].Dependencies[j]++
			}
		}
	}

	next := 0
	for _, t := range list.Tasks {
		if t.ID > next {
			next = t.ID
		}
	}
	for i := range list.Tasks {
		if !explicit[i] {
			next++
			list.Tasks[i].ID = next
		}
		list.Tasks[i].Priority = normalizePriority(list.Tasks[i].Priority)
	}
	return list.Tasks, nil
}

// ExtractJSON pulls a JSON document out of model output, which frequently
// wraps it in a markdown code fence or surrounds it with prose.
func ExtractJSON(text string) (json.RawMessage, bool) {
	candidate := strings.TrimSpace(text)
	if json.Valid([]byte(candidate)) {
		return json.RawMessage(candidate), true
	}

	if start := strings.Index(candidate, "```"); start >= 0 {
		body := candidate[start+3:]
		if nl := strings.IndexByte(body, '\n'); nl >= 0 {
			body = body[nl+1:]
		}
		if end := strings.Index(body, "```"); end >= 0 {
			fenced := strings.TrimSpace(body[:end])
			if json.Valid([]byte(fenced)) {
				return json.RawMessage(fenced), true
			}
		}
	}

	for _, pair := range [][2]string{{"{", "}"}, {"[", "]"}} {
		first := strings.Index(candidate, pair[0])
		last := strings.LastIndex(candidate, pair[1])
		if first >= 0 && last > first {
			inner := candidate[first : last+1]
			if json.Valid([]byte(inner)) {
				return json.RawMessage(inner), true
			}
		}
	}
	return nil, false
}

// DescribeTasks renders a short numbered summary, used in chat history.
func DescribeTasks(tasks []Task) string {
	var b strings.Builder
	for _, t := range tasks {
		fmt.Fprintf(&b, "%d. %s", t.ID, t.Name)
		if len(t.Dependencies) > 0 {
			deps := make([]string, len(t.Dependencies))
			for i, d := range t.Dependencies {
				deps[i] = fmt.Sprintf("%d", d)
			}
			fmt.Fprintf(&b, " (after %s)", strings.Join(deps, ", "))
		}
		b.WriteString("\n")
	}
	return b.String()
}
