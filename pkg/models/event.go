package models

import (
	"encoding/json"
	"fmt"

	"github.com/grovetools/prdflow/errors"
)

// EventName is the wire name of a server-to-client event.
type EventName string

const (
	EventConnected               EventName = "connected"
	EventMessageChunk            EventName = "message_chunk"
	EventMessageComplete         EventName = "message_complete"
	EventFilesEdited             EventName = "files_edited"
	EventCommit                  EventName = "commit"
	EventPRDChunk                EventName = "prd_chunk"
	EventPRDComplete             EventName = "prd_complete"
	EventTasksChunk              EventName = "tasks_chunk"
	EventTasksComplete           EventName = "tasks_complete"
	EventTaskStarted             EventName = "task_started"
	EventTaskChunk               EventName = "task_chunk"
	EventTaskCompleted           EventName = "task_completed"
	EventTasksExecutionStarted   EventName = "tasks_execution_started"
	EventTasksExecutionCompleted EventName = "tasks_execution_completed"
	EventPRDProcessingStatus     EventName = "prd_processing_status"
	EventError                   EventName = "error"
)

// Event is implemented by every server-to-client event type. The set is closed:
// the unexported marker keeps other packages from adding members, so a type
// switch over the types below is exhaustive.
type Event interface {
	Name() EventName
	Session() string
	event()
}

// Connected is sent when a client attaches to a session's event channel.
type Connected struct {
	SessionID string `json:"session_id"`
}

// MessageChunk carries a fragment of an assistant chat reply.
type MessageChunk struct {
	SessionID string `json:"session_id"`
	Chunk     string `json:"chunk"`
}

// MessageComplete ends a chat reply. Content, when present, replaces the
// accumulated chunks.
type MessageComplete struct {
	SessionID string  `json:"session_id"`
	Content   *string `json:"content,omitempty"`
}

// FilesEdited lists files the code editor changed during the last turn.
type FilesEdited struct {
	SessionID string   `json:"session_id"`
	Files     []string `json:"files"`
}

// Commit reports a commit created by the code editor.
type Commit struct {
	SessionID string `json:"session_id"`
	Hash      string `json:"hash"`
	Message   string `json:"message"`
	Diff      string `json:"diff"`
}

// PRDChunk carries a fragment of the requirements document.
type PRDChunk struct {
	SessionID string `json:"session_id"`
	Chunk     string `json:"chunk"`
}

// PRDComplete ends PRD generation with the full document.
type PRDComplete struct {
	SessionID string  `json:"session_id"`
	PRD       *string `json:"prd,omitempty"`
}

// TasksChunk carries a fragment of the generated task list.
type TasksChunk struct {
	SessionID string `json:"session_id"`
	Chunk     string `json:"chunk"`
}

// TasksComplete ends task generation. Exactly one of Tasks (parsed JSON) or
// TasksText (output that was not JSON) is expected.
type TasksComplete struct {
	SessionID string          `json:"session_id"`
	Tasks     json.RawMessage `json:"tasks,omitempty"`
	TasksText *string         `json:"tasks_text,omitempty"`
}

// TaskStarted opens execution of one task unit.
type TaskStarted struct {
	SessionID   string `json:"session_id"`
	TaskName    string `json:"task_name"`
	Description string `json:"description"`
}

// TaskChunk carries a fragment of a running task unit's output.
type TaskChunk struct {
	SessionID string `json:"session_id"`
	TaskName  string `json:"task_name"`
	Chunk     string `json:"chunk"`
}

// TaskCompleted carries the authoritative result of a task unit.
type TaskCompleted struct {
	SessionID  string     `json:"session_id"`
	TaskResult TaskResult `json:"task_result"`
}

// TasksExecutionStarted opens an execution run.
type TasksExecutionStarted struct {
	SessionID string `json:"session_id"`
	NumTasks  int    `json:"num_tasks,omitempty"`
}

// TasksExecutionCompleted closes an execution run.
type TasksExecutionCompleted struct {
	SessionID string       `json:"session_id"`
	Results   []TaskResult `json:"results,omitempty"`
}

// PRDProcessingStatus reports progress of PRD generation.
type PRDProcessingStatus struct {
	SessionID string `json:"session_id"`
	Status    string `json:"status"`
	Message   string `json:"message,omitempty"`
}

// Error reports a server-side failure for the session. Operation names the
// background operation that failed; it is empty for failures not tied to one.
type Error struct {
	SessionID string `json:"session_id"`
	Message   string `json:"message"`
	Operation string `json:"operation,omitempty"`
}

func (Connected) Name() EventName               { return EventConnected }
func (MessageChunk) Name() EventName            { return EventMessageChunk }
func (MessageComplete) Name() EventName         { return EventMessageComplete }
func (FilesEdited) Name() EventName             { return EventFilesEdited }
func (Commit) Name() EventName                  { return EventCommit }
func (PRDChunk) Name() EventName                { return EventPRDChunk }
func (PRDComplete) Name() EventName             { return EventPRDComplete }
func (TasksChunk) Name() EventName              { return EventTasksChunk }
func (TasksComplete) Name() EventName           { return EventTasksComplete }
func (TaskStarted) Name() EventName             { return EventTaskStarted }
func (TaskChunk) Name() EventName               { return EventTaskChunk }
func (TaskCompleted) Name() EventName           { return EventTaskCompleted }
func (TasksExecutionStarted) Name() EventName   { return EventTasksExecutionStarted }
func (TasksExecutionCompleted) Name() EventName { return EventTasksExecutionCompleted }
func (PRDProcessingStatus) Name() EventName     { return EventPRDProcessingStatus }
func (Error) Name() EventName                   { return EventError }

func (e Connected) Session() string               { return e.SessionID }
func (e MessageChunk) Session() string            { return e.SessionID }
func (e MessageComplete) Session() string         { return e.SessionID }
func (e FilesEdited) Session() string             { return e.SessionID }
func (e Commit) Session() string                  { return e.SessionID }
func (e PRDChunk) Session() string                { return e.SessionID }
func (e PRDComplete) Session() string             { return e.SessionID }
func (e TasksChunk) Session() string              { return e.SessionID }
func (e TasksComplete) Session() string           { return e.SessionID }
func (e TaskStarted) Session() string             { return e.SessionID }
func (e TaskChunk) Session() string               { return e.SessionID }
func (e TaskCompleted) Session() string           { return e.SessionID }
func (e TasksExecutionStarted) Session() string   { return e.SessionID }
func (e TasksExecutionCompleted) Session() string { return e.SessionID }
func (e PRDProcessingStatus) Session() string     { return e.SessionID }
func (e Error) Session() string                   { return e.SessionID }

func (Connected) event()               {}
func (MessageChunk) event()            {}
func (MessageComplete) event()         {}
func (FilesEdited) event()             {}
func (Commit) event()                  {}
func (PRDChunk) event()                {}
func (PRDComplete) event()             {}
func (TasksChunk) event()              {}
func (TasksComplete) event()           {}
func (TaskStarted) event()             {}
func (TaskChunk) event()               {}
func (TaskCompleted) event()           {}
func (TasksExecutionStarted) event()   {}
func (TasksExecutionCompleted) event() {}
func (PRDProcessingStatus) event()     {}
func (Error) event()                   {}

// AllEvents lists every event name in declaration order.
var AllEvents = []EventName{
	EventConnected, EventMessageChunk, EventMessageComplete, EventFilesEdited, EventCommit,
	EventPRDChunk, EventPRDComplete, EventTasksChunk, EventTasksComplete, EventTaskStarted,
	EventTaskChunk, EventTaskCompleted, EventTasksExecutionStarted, EventTasksExecutionCompleted,
	EventPRDProcessingStatus, EventError,
}

// DecodeEvent decodes the JSON payload of the named event into its concrete type.
// Unknown names are protocol violations.
func DecodeEvent(name EventName, data []byte) (Event, error) {
	var ev Event
	var err error
	switch name {
	case EventConnected:
		ev, err = decodeAs[Connected](data)
	case EventMessageChunk:
		ev, err = decodeAs[MessageChunk](data)
	case EventMessageComplete:
		ev, err = decodeAs[MessageComplete](data)
	case EventFilesEdited:
		ev, err = decodeAs[FilesEdited](data)
	case EventCommit:
		ev, err = decodeAs[Commit](data)
	case EventPRDChunk:
		ev, err = decodeAs[PRDChunk](data)
	case EventPRDComplete:
		ev, err = decodeAs[PRDComplete](data)
	case EventTasksChunk:
		ev, err = decodeAs[TasksChunk](data)
	case EventTasksComplete:
		ev, err = decodeAs[TasksComplete](data)
	case EventTaskStarted:
		ev, err = decodeAs[TaskStarted](data)
	case EventTaskChunk:
		ev, err = decodeAs[TaskChunk](data)
	case EventTaskCompleted:
		ev, err = decodeAs[TaskCompleted](data)
	case EventTasksExecutionStarted:
		ev, err = decodeAs[TasksExecutionStarted](data)
	case EventTasksExecutionCompleted:
		ev, err = decodeAs[TasksExecutionCompleted](data)
	case EventPRDProcessingStatus:
		ev, err = decodeAs[PRDProcessingStatus](data)
	case EventError:
		ev, err = decodeAs[Error](data)
	default:
		return nil, errors.ProtocolViolation(string(name), "unknown event")
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeProtocolViolation,
			fmt.Sprintf("malformed %s payload", name)).WithDetail("event", string(name))
	}
	return ev, nil
}

func decodeAs[T Event](data []byte) (Event, error) {
	var v T
	if len(data) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// Envelope is the framed form of an event on the WebSocket channel.
type Envelope struct {
	Event EventName       `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// EncodeEvent frames an event for the WebSocket channel.
func EncodeEvent(ev Event) (Envelope, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return Envelope{}, fmt.Errorf("failed to marshal %s: %w", ev.Name(), err)
	}
	return Envelope{Event: ev.Name(), Data: data}, nil
}

// StringPtr is a convenience for the optional authoritative fields.
func StringPtr(s string) *string {
	return &s
}
