package models

// Stage is a point in the describe → PRD → tasks → execution workflow.
type Stage string

const (
	StageDescribing        Stage = "describing"
	StageGeneratingPRD     Stage = "generating_prd"
	StagePRDReady          Stage = "prd_ready"
	StageGeneratingTasks   Stage = "generating_tasks"
	StageTasksReady        Stage = "tasks_ready"
	StageExecuting         Stage = "executing"
	StageExecutionComplete Stage = "execution_complete"
)

var stageOrder = map[Stage]int{
	StageDescribing:        0,
	StageGeneratingPRD:     1,
	StagePRDReady:          2,
	StageGeneratingTasks:   3,
	StageTasksReady:        4,
	StageExecuting:         5,
	StageExecutionComplete: 6,
}

// Index returns the position of s in the workflow, or -1 for an unknown stage.
func (s Stage) Index() int {
	if i, ok := stageOrder[s]; ok {
		return i
	}
	return -1
}

// Before reports whether s comes strictly before other.
func (s Stage) Before(other Stage) bool {
	return s.Index() < other.Index()
}

// Valid reports whether s is a known stage.
func (s Stage) Valid() bool {
	return s.Index() >= 0
}
