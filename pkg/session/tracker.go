package session

import (
	"github.com/grovetools/prdflow/errors"
	"github.com/grovetools/prdflow/pkg/models"
)

// Tracker records the run state of each executed task unit. Entries refer to
// tasks by name only.
type Tracker struct {
	states    []models.TaskExecutionState
	running   bool
	announced int
	results   []models.TaskResult
	// abandoned holds Running entries orphaned by a disconnect.
	abandoned map[string]bool
}

// NewTracker returns an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{}
}

// runningIndex returns the newest Running entry for name, or -1.
func (t *Tracker) runningIndex(name string) int {
	for i := len(t.states) - 1; i >= 0; i-- {
		if t.states[i].TaskName == name && t.states[i].Status == models.TaskStatusRunning {
			return i
		}
	}
	return -1
}

func (t *Tracker) lastIndex(name string) int {
	for i := len(t.states) - 1; i >= 0; i-- {
		if t.states[i].TaskName == name {
			return i
		}
	}
	return -1
}

// OnExecutionStarted opens an execution run. numTasks is informational.
func (t *Tracker) OnExecutionStarted(numTasks int) {
	t.running = true
	t.announced = numTasks
	t.states = nil
	t.results = nil
	t.abandoned = nil
}

// OnTaskStarted appends a Running entry with an empty result.
func (t *Tracker) OnTaskStarted(name, description string) error {
	if name == "" {
		return errors.ProtocolViolation(string(models.EventTaskStarted), "missing task_name")
	}
	if i := t.runningIndex(name); i >= 0 {
		if !t.abandoned[name] {
			return errors.ProtocolViolation(string(models.EventTaskStarted),
				"task '"+name+"' is already running")
		}
		delete(t.abandoned, name)
		t.states[i].Description = description
		t.states[i].Result = ""
		return nil
	}
	t.states = append(t.states, models.TaskExecutionState{
		TaskName:    name,
		Description: description,
		Status:      models.TaskStatusRunning,
	})
	return nil
}

// Abandon marks every Running entry as resumable: the next start for the
// same name restarts the entry instead of being rejected.
func (t *Tracker) Abandon() {
	for _, st := range t.states {
		if st.Status == models.TaskStatusRunning {
			if t.abandoned == nil {
				t.abandoned = make(map[string]bool)
			}
			t.abandoned[st.TaskName] = true
		}
	}
}

// OnTaskChunk appends fragment to the Running entry for name. A chunk with no
// Running entry cannot be attributed and is rejected.
func (t *Tracker) OnTaskChunk(name, fragment string) error {
	i := t.runningIndex(name)
	if i < 0 {
		return errors.ProtocolViolation(string(models.EventTaskChunk),
			"no running task named '"+name+"'")
	}
	t.states[i].Result += fragment
	return nil
}

// OnTaskCompleted replaces the entry for the result's task wholesale with the
// authoritative payload. Streamed text is discarded.
func (t *Tracker) OnTaskCompleted(result models.TaskResult) error {
	i := t.runningIndex(result.TaskName)
	if i < 0 {
		i = t.lastIndex(result.TaskName)
	}
	if i < 0 {
		return errors.ProtocolViolation(string(models.EventTaskCompleted),
			"unknown task '"+result.TaskName+"'")
	}
	delete(t.abandoned, result.TaskName)
	description := result.Description
	if description == "" {
		description = t.states[i].Description
	}
	t.states[i] = models.TaskExecutionState{
		TaskName:      result.TaskName,
		Description:   description,
		Result:        result.Result,
		Status:        models.TaskStatusCompleted,
		EditedFiles:   append([]string(nil), result.EditedFiles...),
		CommitHash:    result.CommitHash,
		CommitMessage: result.CommitMessage,
	}
	return nil
}

// OnExecutionCompleted closes the run. The server's signal is final even when
// fewer entries completed than were started; the returned count of
// unfinished entries lets the caller log the gap.
func (t *Tracker) OnExecutionCompleted(results []models.TaskResult) int {
	t.running = false
	if len(results) > 0 {
		t.results = append([]models.TaskResult(nil), results...)
	} else {
		t.results = t.completedResults()
	}
	unfinished := 0
	for _, st := range t.states {
		if st.Status != models.TaskStatusCompleted {
			unfinished++
		}
	}
	return unfinished
}

func (t *Tracker) completedResults() []models.TaskResult {
	var out []models.TaskResult
	for _, st := range t.states {
		if st.Status != models.TaskStatusCompleted {
			continue
		}
		out = append(out, models.TaskResult{
			TaskName:      st.TaskName,
			Description:   st.Description,
			Result:        st.Result,
			EditedFiles:   st.EditedFiles,
			CommitHash:    st.CommitHash,
			CommitMessage: st.CommitMessage,
		})
	}
	return out
}

// Running reports whether an execution run is open.
func (t *Tracker) Running() bool { return t.running }

// States returns a copy of every entry in start order.
func (t *Tracker) States() []models.TaskExecutionState {
	out := make([]models.TaskExecutionState, len(t.states))
	for i, st := range t.states {
		st.EditedFiles = append([]string(nil), st.EditedFiles...)
		out[i] = st
	}
	return out
}

// State returns the newest entry for name.
func (t *Tracker) State(name string) (models.TaskExecutionState, bool) {
	i := t.lastIndex(name)
	if i < 0 {
		return models.TaskExecutionState{}, false
	}
	return t.states[i], true
}

// Results returns the results of the last finished run, or nil while a run is
// open or none has happened.
func (t *Tracker) Results() []models.TaskResult {
	if t.running {
		return nil
	}
	return append([]models.TaskResult(nil), t.results...)
}
