package engine

import (
	"fmt"

	"github.com/grovetools/prdflow/pkg/models"
)

const prdPrompt = `Create a detailed Product Requirements Document for:
%s

Include:
1. Overview
2. Objectives
3. Target users
4. Features and requirements
5. Technical specifications
6. Success metrics
`

const tasksPrompt = `Based on this PRD:
%s

Generate a list of %d implementation tasks and subtasks in JSON format:
{
    "tasks": [
        {
            "id": 1,
            "name": "Task name",
            "description": "Task description",
            "dependencies": [],
            "priority": "high",
            "subtasks": [
                {
                    "name": "Subtask name",
                    "description": "Subtask description"
                }
            ]
        }
    ]
}
Use "dependencies" for the ids of tasks that must be finished first.
Respond with the JSON document only.
`

const executePrompt = `
I need you to implement this task:
%s

Please write or modify the necessary code to complete this task.
`

// PRDPrompt asks for a requirements document describing description.
func PRDPrompt(description string) string {
	return fmt.Sprintf(prdPrompt, description)
}

// TasksPrompt asks for n tasks derived from prd. A zero count uses the
// default.
func TasksPrompt(prd string, n int) string {
	if n <= 0 {
		n = models.DefaultTaskCount
	}
	return fmt.Sprintf(tasksPrompt, prd, n)
}

// ExecutePrompt asks the generator to implement one task unit.
func ExecutePrompt(description string) string {
	return fmt.Sprintf(executePrompt, description)
}
