// Package session holds the per-session state of the workflow protocol: the
// conversation, the workflow stage machine, the task execution tracker, the
// file membership view and the chunk aggregator. The same reducer runs on the
// server and in client mirrors.
package session

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/grovetools/prdflow/errors"
	"github.com/grovetools/prdflow/pkg/models"
)

// Operation kinds guarded against concurrent duplicates.
const (
	OpSendMessage   = "send_message"
	OpGeneratePRD   = "generate_prd"
	OpGenerateTasks = "generate_tasks"
	OpExecuteTasks  = "execute_tasks"
	OpUndoCommit    = "undo_commit"
	OpAddWebPage    = "add_web_page"
)

// PRD processing status values.
const (
	PRDProcessing = "processing"
	PRDCompleted  = "completed"
	PRDFailed     = "failed"
)

const (
	// UnexpectedTasksFormat is appended when a task list cannot be parsed.
	UnexpectedTasksFormat = "Received tasks in an unexpected format"
	clearedHistory        = "Cleared chat history. Now the LLM can't see anything before this line."
	keptOnClear           = 2
)

// opStreams maps operations to the stream their completion event closes.
var opStreams = map[string]StreamKind{
	OpSendMessage:   StreamMessage,
	OpGeneratePRD:   StreamPRD,
	OpGenerateTasks: StreamTasks,
}

// ToggleOp returns the guard key for a file membership toggle.
func ToggleOp(path string) string {
	return "toggle:" + path
}

// Session is one client's workflow state. All methods are safe for concurrent
// use; events are reduced one at a time in arrival order.
type Session struct {
	mu sync.Mutex

	id       string
	log      *logrus.Entry
	created  time.Time
	lastSeen time.Time

	messages   []models.Message
	agg        *Aggregator
	workflow   *Workflow
	tracker    *Tracker
	files      *FileView
	inFlight   map[string]time.Time
	prdStatus  string
	prdMessage string
	lastCommit string
}

// New creates a session bound to id. A nil logger logs to the standard logger.
func New(id string, logger *logrus.Entry) *Session {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	now := time.Now()
	return &Session{
		id:       id,
		log:      logger.WithField("session_id", id),
		created:  now,
		lastSeen: now,
		agg:      NewAggregator(id),
		workflow: NewWorkflow(),
		tracker:  NewTracker(),
		files:    NewFileView(),
		inFlight: make(map[string]time.Time),
	}
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// LastSeen returns the time of the last event or operation.
func (s *Session) LastSeen() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeen
}

// Touch marks the session as active.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastSeen = time.Now()
	s.mu.Unlock()
}

// Apply reduces one event into the session. Events for another session are
// ignored. A protocol violation is logged and returned; the event is dropped
// and the session keeps processing later events.
func (s *Session) Apply(ev models.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.agg.Accepts(ev.Session()) {
		return nil
	}
	s.lastSeen = time.Now()

	err := s.reduce(ev)
	if err != nil && errors.Is(err, errors.ErrCodeProtocolViolation) {
		s.log.WithFields(logrus.Fields{
			"event": ev.Name(),
			"error": errors.UserMessage(err),
		}).Warn("Dropped event")
	}
	return err
}

func (s *Session) reduce(ev models.Event) error {
	switch e := ev.(type) {
	case models.Connected:
		s.log.Debug("Event channel connected")

	case models.MessageChunk:
		s.agg.Chunk(StreamMessage, "", e.SessionID, e.Chunk)

	case models.MessageComplete:
		_, pending := s.inFlight[OpSendMessage]
		if !pending && !s.agg.IsOpen(StreamMessage, "") {
			s.log.Debug("Ignoring duplicate message_complete")
			return nil
		}
		content, _ := s.agg.Complete(StreamMessage, "", e.SessionID, e.Content)
		s.append(models.NewMessage(models.RoleAssistant, content))
		delete(s.inFlight, OpSendMessage)

	case models.FilesEdited:
		if len(e.Files) > 0 {
			m := models.NewMessage(models.RoleInfo, "Edited "+strings.Join(e.Files, ", "))
			m.EditedFiles = append([]string(nil), e.Files...)
			s.append(m)
		}

	case models.Commit:
		s.append(models.NewCommitMessage(e.Hash, e.Message, e.Diff))
		s.lastCommit = e.Hash

	case models.PRDChunk:
		s.agg.Chunk(StreamPRD, "", e.SessionID, e.Chunk)

	case models.PRDComplete:
		prd, _ := s.agg.Complete(StreamPRD, "", e.SessionID, e.PRD)
		if !s.workflow.CompletePRD(prd) {
			s.log.WithField("stage", s.workflow.Stage()).Debug("Ignoring duplicate prd_complete")
			return nil
		}
		s.prdStatus = PRDCompleted
		delete(s.inFlight, OpGeneratePRD)

	case models.TasksChunk:
		s.agg.Chunk(StreamTasks, "", e.SessionID, e.Chunk)

	case models.TasksComplete:
		buffered, _ := s.agg.Complete(StreamTasks, "", e.SessionID, nil)
		if s.workflow.Stage() != models.StageGeneratingTasks {
			s.log.WithField("stage", s.workflow.Stage()).Debug("Ignoring duplicate tasks_complete")
			return nil
		}
		s.completeTasks(e, buffered)
		delete(s.inFlight, OpGenerateTasks)

	case models.TaskStarted:
		if err := s.agg.Start(StreamTask, e.TaskName); err != nil {
			return err
		}
		if err := s.tracker.OnTaskStarted(e.TaskName, e.Description); err != nil {
			s.agg.Complete(StreamTask, e.TaskName, e.SessionID, nil)
			return err
		}

	case models.TaskChunk:
		if !s.agg.Chunk(StreamTask, e.TaskName, e.SessionID, e.Chunk) {
			return errors.ProtocolViolation(string(e.Name()), "no running task named '"+e.TaskName+"'")
		}
		return s.tracker.OnTaskChunk(e.TaskName, e.Chunk)

	case models.TaskCompleted:
		s.agg.Complete(StreamTask, e.TaskResult.TaskName, e.SessionID, &e.TaskResult.Result)
		return s.tracker.OnTaskCompleted(e.TaskResult)

	case models.TasksExecutionStarted:
		s.tracker.OnExecutionStarted(e.NumTasks)

	case models.TasksExecutionCompleted:
		unfinished := s.tracker.OnExecutionCompleted(e.Results)
		if unfinished > 0 {
			s.log.WithField("unfinished", unfinished).Info("Execution completed with unfinished tasks")
		}
		s.workflow.CompleteExecution()
		delete(s.inFlight, OpExecuteTasks)

	case models.PRDProcessingStatus:
		s.prdStatus = e.Status
		s.prdMessage = e.Message
		if e.Status == PRDFailed {
			msg := e.Message
			if msg == "" {
				msg = "PRD generation failed"
			}
			s.append(models.NewMessage(models.RoleError, msg))
			s.agg.Complete(StreamPRD, "", e.SessionID, nil)
			delete(s.inFlight, OpGeneratePRD)
		}

	case models.Error:
		// Only the failed operation is released; others keep running.
		if e.Operation != "" {
			s.release(e.Operation)
		}
		s.append(models.NewMessage(models.RoleError, e.Message))
	}
	return nil
}

func (s *Session) completeTasks(e models.TasksComplete, buffered string) {
	var raw []byte
	text := buffered
	switch {
	case len(e.Tasks) > 0:
		raw = e.Tasks
		text = string(e.Tasks)
	case e.TasksText != nil:
		text = *e.TasksText
	default:
		if extracted, ok := models.ExtractJSON(buffered); ok {
			raw = extracted
		}
	}

	if raw != nil {
		tasks, err := models.ParseTasks(raw)
		if err == nil {
			s.workflow.CompleteTasks(tasks)
			if ierr := s.workflow.IntegrityError(); ierr != nil {
				s.append(models.NewMessage(models.RoleError, errors.UserMessage(ierr)))
			}
			return
		}
		s.log.WithError(err).Debug("Task list did not parse")
	}

	s.workflow.CompleteTasksUnparsed(text)
	s.append(models.NewMessage(models.RoleError, UnexpectedTasksFormat))
}

func (s *Session) append(m models.Message) {
	s.messages = append(s.messages, m)
}

// Begin marks op as in flight. A second Begin for the same op before End,
// Fail or the matching completion event is rejected.
func (s *Session) Begin(op string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.begin(op)
}

func (s *Session) begin(op string) error {
	if _, busy := s.inFlight[op]; busy {
		return errors.InFlight(op)
	}
	s.inFlight[op] = time.Now()
	s.lastSeen = time.Now()
	return nil
}

// End releases op without recording anything.
func (s *Session) End(op string) {
	s.mu.Lock()
	delete(s.inFlight, op)
	s.mu.Unlock()
}

// Fail releases op and records err as an error message.
func (s *Session) Fail(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.release(op)
	s.append(models.NewMessage(models.RoleError, errors.UserMessage(err)))
}

// Report records err as an error message without touching any guard.
func (s *Session) Report(err error) {
	s.mu.Lock()
	s.append(models.NewMessage(models.RoleError, errors.UserMessage(err)))
	s.mu.Unlock()
}

// release drops the guard for a failed op and closes the stream it would
// have completed.
func (s *Session) release(op string) {
	delete(s.inFlight, op)
	if op == OpGeneratePRD && s.prdStatus == PRDProcessing {
		s.prdStatus = PRDFailed
	}
	if kind, ok := opStreams[op]; ok {
		s.agg.Complete(kind, "", s.id, nil)
	}
}

// InFlight reports whether op is pending.
func (s *Session) InFlight(op string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, busy := s.inFlight[op]
	return busy
}

// Busy reports whether any operation is pending.
func (s *Session) Busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inFlight) > 0
}

// StartPRD guards PRD generation and moves the workflow to generating_prd.
func (s *Session) StartPRD(description string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin(OpGeneratePRD); err != nil {
		return err
	}
	if err := s.workflow.SubmitDescription(description, true); err != nil {
		delete(s.inFlight, OpGeneratePRD)
		return err
	}
	s.prdStatus = PRDProcessing
	s.prdMessage = ""
	return nil
}

// StartTasks guards task generation and moves the workflow to generating_tasks.
func (s *Session) StartTasks(prd string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin(OpGenerateTasks); err != nil {
		return err
	}
	if err := s.workflow.SubmitPRD(prd, true); err != nil {
		delete(s.inFlight, OpGenerateTasks)
		return err
	}
	return nil
}

// StartExecution guards execution and moves the workflow to executing. A
// non-empty tasks list replaces the current one. It returns the list to run.
func (s *Session) StartExecution(tasks []models.Task) ([]models.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin(OpExecuteTasks); err != nil {
		return nil, err
	}
	if err := s.workflow.SubmitExecution(tasks, true); err != nil {
		delete(s.inFlight, OpExecuteTasks)
		return nil, err
	}
	return s.workflow.Tasks(), nil
}

// SetTasks replaces the task list while tasks are ready.
func (s *Session) SetTasks(tasks []models.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.workflow.SetTasks(tasks); err != nil {
		return err
	}
	if ierr := s.workflow.IntegrityError(); ierr != nil {
		s.append(models.NewMessage(models.RoleError, errors.UserMessage(ierr)))
	}
	return nil
}

// SendMessage guards a chat turn and echoes the user's text into history.
func (s *Session) SendMessage(text string) (models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if strings.TrimSpace(text) == "" {
		return models.Message{}, errors.InvalidInput("message", "is required")
	}
	if err := s.begin(OpSendMessage); err != nil {
		return models.Message{}, err
	}
	m := models.NewMessage(models.RoleUser, text)
	s.append(m)
	return m, nil
}

// AddMessage appends a message to the history.
func (s *Session) AddMessage(m models.Message) {
	s.mu.Lock()
	s.append(m)
	s.mu.Unlock()
}

// Info appends an info message.
func (s *Session) Info(content string) {
	s.AddMessage(models.NewMessage(models.RoleInfo, content))
}

// Messages returns a copy of the history.
func (s *Session) Messages() []models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.Message(nil), s.messages...)
}

// ClearHistory keeps the opening messages and appends a marker.
func (s *Session) ClearHistory() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.messages) > keptOnClear {
		s.messages = append([]models.Message(nil), s.messages[:keptOnClear]...)
	}
	s.append(models.NewMessage(models.RoleInfo, clearedHistory))
}

// Restore replaces the history and in-chat files with server state and moves
// the stage forward to match. Stages never move back.
func (s *Session) Restore(messages []models.Message, inChat []string, stage models.Stage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append([]models.Message(nil), messages...)
	s.files.Reconcile(s.files.All(), inChat)
	if stage.Valid() && s.workflow.stage.Before(stage) {
		s.workflow.stage = stage
	}
}

// RestorePRD records a PRD fetched from the server.
func (s *Session) RestorePRD(prd string, stage models.Stage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prd != "" {
		s.workflow.prd = prd
		s.workflow.hasPRD = true
	}
	if stage.Valid() && s.workflow.stage.Before(stage) {
		s.workflow.stage = stage
	}
}

// Disconnected abandons open stream buffers and releases pending operations,
// whose completion events can no longer arrive. Running task entries are kept
// and restart on a fresh task_started after reconnecting.
func (s *Session) Disconnected() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n := s.agg.Reset(); n > 0 {
		s.log.WithField("buffers", n).Info("Abandoned open streams on disconnect")
	}
	s.tracker.Abandon()
	s.inFlight = make(map[string]time.Time)
}

// ReconcileFiles replaces the file view with server truth.
func (s *Session) ReconcileFiles(all, inChat []string) {
	s.mu.Lock()
	s.files.Reconcile(all, inChat)
	s.mu.Unlock()
}

// ApplyFiles records an acknowledged add or remove and returns the changed paths.
func (s *Session) ApplyFiles(op FileOp, paths []string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.files.Apply(op, paths)
}

// HasFile reports whether path is in the chat.
func (s *Session) HasFile(path string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.files.Contains(path)
}

// InChatFiles returns the in-chat paths.
func (s *Session) InChatFiles() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.files.InChat()
}

// FilterFiles projects the file view through query.
func (s *Session) FilterFiles(query string) []FileEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.files.Filter(query)
}

// Stage returns the workflow stage.
func (s *Session) Stage() models.Stage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.workflow.Stage()
}

// PRD returns the stored PRD.
func (s *Session) PRD() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.workflow.PRD()
}

// Results returns the results of the last finished execution run.
func (s *Session) Results() []models.TaskResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tracker.Results()
}

// LastCommit returns the hash of the newest commit reported to the session.
func (s *Session) LastCommit() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastCommit
}

// ForgetCommit clears the last commit after it was undone.
func (s *Session) ForgetCommit(hash string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastCommit == hash {
		s.lastCommit = ""
	}
}

// Snapshot is an immutable copy of a session's state.
type Snapshot struct {
	ID             string                      `json:"id"`
	Stage          models.Stage                `json:"stage"`
	Messages       []models.Message            `json:"messages"`
	PRD            string                      `json:"prd,omitempty"`
	HasPRD         bool                        `json:"has_prd"`
	PRDStatus      string                      `json:"prd_status,omitempty"`
	Tasks          []models.Task               `json:"tasks,omitempty"`
	TasksText      string                      `json:"tasks_text,omitempty"`
	TasksDegraded  bool                        `json:"tasks_degraded,omitempty"`
	IntegrityError string                      `json:"integrity_error,omitempty"`
	Executions     []models.TaskExecutionState `json:"executions,omitempty"`
	Executing      bool                        `json:"executing"`
	Files          []FileEntry                 `json:"files,omitempty"`
	Loading        []string                    `json:"loading,omitempty"`
	LastCommit     string                      `json:"last_commit,omitempty"`
	MessagePreview string                      `json:"message_preview,omitempty"`
	PRDPreview     string                      `json:"prd_preview,omitempty"`
	TasksPreview   string                      `json:"tasks_preview,omitempty"`
}

// Snapshot copies the session state.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	prd, hasPRD := s.workflow.PRD()
	snap := Snapshot{
		ID:            s.id,
		Stage:         s.workflow.Stage(),
		Messages:      append([]models.Message(nil), s.messages...),
		PRD:           prd,
		HasPRD:        hasPRD,
		PRDStatus:     s.prdStatus,
		Tasks:         s.workflow.Tasks(),
		TasksText:     s.workflow.TasksText(),
		TasksDegraded: s.workflow.Degraded(),
		Executions:    s.tracker.States(),
		Executing:     s.tracker.Running(),
		Files:         s.files.Entries(),
		LastCommit:    s.lastCommit,
	}
	if ierr := s.workflow.IntegrityError(); ierr != nil {
		snap.IntegrityError = errors.UserMessage(ierr)
	}
	for op := range s.inFlight {
		snap.Loading = append(snap.Loading, op)
	}
	sort.Strings(snap.Loading)
	snap.MessagePreview, _ = s.agg.Preview(StreamMessage, "")
	snap.PRDPreview, _ = s.agg.Preview(StreamPRD, "")
	snap.TasksPreview, _ = s.agg.Preview(StreamTasks, "")
	return snap
}

// Summary describes the session for listings.
func (s *Session) Summary() models.SessionSummary {
	s.mu.Lock()
	defer s.mu.Unlock()
	return models.SessionSummary{
		ID:       s.id,
		Stage:    s.workflow.Stage(),
		Messages: len(s.messages),
		Busy:     len(s.inFlight) > 0,
	}
}
