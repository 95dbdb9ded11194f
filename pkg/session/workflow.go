package session

import (
	"github.com/grovetools/prdflow/errors"
	"github.com/grovetools/prdflow/pkg/models"
)

// Workflow is the describe → PRD → tasks → execution state machine.
// Transitions only move forward; completion events for a stage that has
// already been passed are ignored.
type Workflow struct {
	stage       models.Stage
	description string
	prd         string
	hasPRD      bool
	tasks       []models.Task
	tasksText   string
	// degraded is set when the last task generation could not be parsed.
	degraded bool
	// integrityErr holds a dependency problem found in the current task list.
	integrityErr error
}

// NewWorkflow returns a workflow in the Describing stage.
func NewWorkflow() *Workflow {
	return &Workflow{stage: models.StageDescribing}
}

// Stage returns the current stage.
func (w *Workflow) Stage() models.Stage { return w.stage }

// PRD returns the stored PRD text and whether one exists.
func (w *Workflow) PRD() (string, bool) { return w.prd, w.hasPRD }

// Tasks returns a copy of the current task list.
func (w *Workflow) Tasks() []models.Task {
	return append([]models.Task(nil), w.tasks...)
}

// TasksText returns the raw generator output kept when tasks could not be parsed.
func (w *Workflow) TasksText() string { return w.tasksText }

// Degraded reports whether tasks_ready was reached without a parseable list.
func (w *Workflow) Degraded() bool { return w.degraded }

// IntegrityError returns the dependency problem of the current task list, if any.
func (w *Workflow) IntegrityError() error { return w.integrityErr }

// canSubmit allows a submit from its source stage, or a retry from its target
// stage when the previous attempt did not complete.
func (w *Workflow) canSubmit(from, to models.Stage, retry bool) bool {
	return w.stage == from || (retry && w.stage == to)
}

// SubmitDescription moves Describing → GeneratingPRD.
func (w *Workflow) SubmitDescription(description string, retry bool) error {
	if description == "" {
		return errors.InvalidInput("description", "is required")
	}
	if !w.canSubmit(models.StageDescribing, models.StageGeneratingPRD, retry) {
		return errors.InvalidTransition("submit a description", string(w.stage))
	}
	w.description = description
	w.stage = models.StageGeneratingPRD
	return nil
}

// CompletePRD moves GeneratingPRD → PRDReady. It reports false, changing
// nothing, when the workflow is not waiting for a PRD.
func (w *Workflow) CompletePRD(prd string) bool {
	if w.stage != models.StageGeneratingPRD {
		return false
	}
	w.prd = prd
	w.hasPRD = true
	w.stage = models.StagePRDReady
	return true
}

// SubmitPRD moves PRDReady → GeneratingTasks. The caller may pass an edited PRD.
func (w *Workflow) SubmitPRD(prd string, retry bool) error {
	if prd == "" {
		return errors.InvalidInput("prd", "is required")
	}
	if !w.canSubmit(models.StagePRDReady, models.StageGeneratingTasks, retry) {
		return errors.InvalidTransition("submit the PRD", string(w.stage))
	}
	w.prd = prd
	w.hasPRD = true
	w.stage = models.StageGeneratingTasks
	return nil
}

// CompleteTasks moves GeneratingTasks → TasksReady with a parsed list.
// A dependency problem is recorded but the list is kept.
func (w *Workflow) CompleteTasks(tasks []models.Task) bool {
	if w.stage != models.StageGeneratingTasks {
		return false
	}
	w.setTasks(tasks)
	w.stage = models.StageTasksReady
	return true
}

// CompleteTasksUnparsed moves GeneratingTasks → TasksReady in degraded mode,
// keeping the raw text instead of a task list.
func (w *Workflow) CompleteTasksUnparsed(text string) bool {
	if w.stage != models.StageGeneratingTasks {
		return false
	}
	w.tasks = nil
	w.tasksText = text
	w.degraded = true
	w.integrityErr = nil
	w.stage = models.StageTasksReady
	return true
}

// SetTasks replaces the task list while in TasksReady. This is how a caller
// recovers from an unparsed or inconsistent generation.
func (w *Workflow) SetTasks(tasks []models.Task) error {
	if w.stage != models.StageTasksReady {
		return errors.InvalidTransition("replace tasks", string(w.stage))
	}
	if len(tasks) == 0 {
		return errors.InvalidInput("tasks", "must not be empty")
	}
	w.setTasks(tasks)
	return nil
}

func (w *Workflow) setTasks(tasks []models.Task) {
	w.tasks = append([]models.Task(nil), tasks...)
	w.tasksText = ""
	w.degraded = false
	w.integrityErr = models.ValidateDependencies(w.tasks)
}

// SubmitExecution moves TasksReady → Executing. A non-empty tasks argument
// replaces the current list first. Execution needs a parseable, acyclic list.
func (w *Workflow) SubmitExecution(tasks []models.Task, retry bool) error {
	if !w.canSubmit(models.StageTasksReady, models.StageExecuting, retry) {
		return errors.InvalidTransition("execute tasks", string(w.stage))
	}
	if len(tasks) > 0 {
		if err := models.ValidateDependencies(tasks); err != nil {
			return err
		}
		w.setTasks(tasks)
	}
	if w.degraded || len(w.tasks) == 0 {
		return errors.WorkflowFailed("no parseable tasks to execute; supply a task list first")
	}
	if w.integrityErr != nil {
		return w.integrityErr
	}
	w.stage = models.StageExecuting
	return nil
}

// CompleteExecution moves Executing → ExecutionComplete.
func (w *Workflow) CompleteExecution() bool {
	if w.stage != models.StageExecuting {
		return false
	}
	w.stage = models.StageExecutionComplete
	return true
}
