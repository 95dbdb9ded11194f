package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grovetools/prdflow/errors"
	"github.com/grovetools/prdflow/pkg/models"
)

func TestTrackerLifecycle(t *testing.T) {
	tr := NewTracker()
	tr.OnExecutionStarted(2)
	assert.True(t, tr.Running())

	require.NoError(t, tr.OnTaskStarted("Setup DB", "create schema"))
	require.NoError(t, tr.OnTaskChunk("Setup DB", "work"))
	require.NoError(t, tr.OnTaskChunk("Setup DB", "ing"))

	st, ok := tr.State("Setup DB")
	require.True(t, ok)
	assert.Equal(t, models.TaskStatusRunning, st.Status)
	assert.Equal(t, "working", st.Result)

	require.NoError(t, tr.OnTaskCompleted(models.TaskResult{
		TaskName:    "Setup DB",
		Result:      "done",
		EditedFiles: []string{"db.sql"},
		CommitHash:  "abc123",
	}))

	st, _ = tr.State("Setup DB")
	assert.Equal(t, models.TaskStatusCompleted, st.Status)
	assert.Equal(t, "done", st.Result)
	assert.Equal(t, "create schema", st.Description)
	assert.Equal(t, []string{"db.sql"}, st.EditedFiles)

	assert.Nil(t, tr.Results(), "no results while running")
	assert.Equal(t, 0, tr.OnExecutionCompleted(nil))
	results := tr.Results()
	require.Len(t, results, 1)
	assert.Equal(t, "abc123", results[0].CommitHash)
}

func TestTrackerDropsUnattributedChunks(t *testing.T) {
	tr := NewTracker()
	err := tr.OnTaskChunk("ghost", "x")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrCodeProtocolViolation))
	assert.Empty(t, tr.States())

	require.NoError(t, tr.OnTaskStarted("A", ""))
	require.NoError(t, tr.OnTaskCompleted(models.TaskResult{TaskName: "A", Result: "ok"}))
	assert.Error(t, tr.OnTaskChunk("A", "late"), "completed tasks do not take chunks")
}

func TestTrackerUnknownCompletion(t *testing.T) {
	tr := NewTracker()
	err := tr.OnTaskCompleted(models.TaskResult{TaskName: "never started"})
	assert.True(t, errors.Is(err, errors.ErrCodeProtocolViolation))
}

func TestTrackerToleratesMissingCompletions(t *testing.T) {
	tr := NewTracker()
	tr.OnExecutionStarted(3)
	require.NoError(t, tr.OnTaskStarted("A", ""))
	require.NoError(t, tr.OnTaskStarted("B", ""))
	require.NoError(t, tr.OnTaskCompleted(models.TaskResult{TaskName: "A", Result: "ok"}))

	assert.Equal(t, 1, tr.OnExecutionCompleted(nil))
	assert.False(t, tr.Running())
	assert.Len(t, tr.Results(), 1)
}

func TestTrackerResumesAbandonedTask(t *testing.T) {
	tr := NewTracker()
	require.NoError(t, tr.OnTaskStarted("A", "first"))
	require.NoError(t, tr.OnTaskChunk("A", "partial"))

	assert.Error(t, tr.OnTaskStarted("A", "dup"))

	tr.Abandon()
	require.NoError(t, tr.OnTaskStarted("A", "again"))
	states := tr.States()
	require.Len(t, states, 1)
	assert.Equal(t, "", states[0].Result)
	assert.Equal(t, "again", states[0].Description)
}
