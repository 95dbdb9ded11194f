package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grovetools/prdflow/errors"
	"github.com/grovetools/prdflow/pkg/models"
)

func TestWorkflowHappyPath(t *testing.T) {
	w := NewWorkflow()
	assert.Equal(t, models.StageDescribing, w.Stage())

	require.NoError(t, w.SubmitDescription("build a todo app", false))
	assert.Equal(t, models.StageGeneratingPRD, w.Stage())

	require.True(t, w.CompletePRD("# PRD"))
	assert.Equal(t, models.StagePRDReady, w.Stage())

	require.NoError(t, w.SubmitPRD("# PRD (edited)", false))
	prd, ok := w.PRD()
	assert.True(t, ok)
	assert.Equal(t, "# PRD (edited)", prd)

	require.True(t, w.CompleteTasks([]models.Task{{ID: 1, Name: "a"}, {ID: 2, Name: "b", Dependencies: []int{1}}}))
	assert.Equal(t, models.StageTasksReady, w.Stage())
	assert.NoError(t, w.IntegrityError())

	require.NoError(t, w.SubmitExecution(nil, false))
	assert.Equal(t, models.StageExecuting, w.Stage())

	require.True(t, w.CompleteExecution())
	assert.Equal(t, models.StageExecutionComplete, w.Stage())
}

func TestWorkflowRejectsSkips(t *testing.T) {
	w := NewWorkflow()

	err := w.SubmitPRD("prd", false)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrCodeWorkflow))

	err = w.SubmitExecution(nil, false)
	assert.True(t, errors.Is(err, errors.ErrCodeWorkflow))

	assert.False(t, w.CompletePRD("early"))
	assert.False(t, w.CompleteTasks([]models.Task{{ID: 1, Name: "a"}}))
	assert.Equal(t, models.StageDescribing, w.Stage())
}

func TestWorkflowIgnoresDuplicateCompletions(t *testing.T) {
	w := NewWorkflow()
	require.NoError(t, w.SubmitDescription("d", false))
	require.True(t, w.CompletePRD("first"))

	assert.False(t, w.CompletePRD("second"))
	prd, _ := w.PRD()
	assert.Equal(t, "first", prd)
	assert.Equal(t, models.StagePRDReady, w.Stage())
}

func TestWorkflowRetryFromTargetStage(t *testing.T) {
	w := NewWorkflow()
	require.NoError(t, w.SubmitDescription("d", false))

	assert.Error(t, w.SubmitDescription("again", false))
	assert.NoError(t, w.SubmitDescription("again", true))
	assert.Equal(t, models.StageGeneratingPRD, w.Stage())

	require.True(t, w.CompletePRD("p"))
	assert.Error(t, w.SubmitDescription("too late", true), "never back to an earlier stage")
}

func TestWorkflowDegradedTasks(t *testing.T) {
	w := NewWorkflow()
	require.NoError(t, w.SubmitDescription("d", false))
	w.CompletePRD("p")
	require.NoError(t, w.SubmitPRD("p", false))

	require.True(t, w.CompleteTasksUnparsed("not json"))
	assert.Equal(t, models.StageTasksReady, w.Stage())
	assert.True(t, w.Degraded())
	assert.Empty(t, w.Tasks())
	assert.Equal(t, "not json", w.TasksText())

	err := w.SubmitExecution(nil, false)
	require.Error(t, err)
	assert.Equal(t, models.StageTasksReady, w.Stage())

	require.NoError(t, w.SetTasks([]models.Task{{ID: 1, Name: "fixed"}}))
	assert.False(t, w.Degraded())
	assert.NoError(t, w.SubmitExecution(nil, false))
}

func TestWorkflowCycleBlocksExecution(t *testing.T) {
	w := NewWorkflow()
	require.NoError(t, w.SubmitDescription("d", false))
	w.CompletePRD("p")
	require.NoError(t, w.SubmitPRD("p", false))

	cyclic := []models.Task{
		{ID: 1, Name: "a", Dependencies: []int{2}},
		{ID: 2, Name: "b", Dependencies: []int{1}},
	}
	require.True(t, w.CompleteTasks(cyclic))
	assert.Len(t, w.Tasks(), 2, "tasks stay visible")
	require.Error(t, w.IntegrityError())

	err := w.SubmitExecution(nil, false)
	assert.True(t, errors.Is(err, errors.ErrCodeDataIntegrity))

	err = w.SubmitExecution(cyclic, false)
	assert.True(t, errors.Is(err, errors.ErrCodeDataIntegrity))

	assert.NoError(t, w.SubmitExecution([]models.Task{{ID: 1, Name: "a"}, {ID: 2, Name: "b", Dependencies: []int{1}}}, false))
}
