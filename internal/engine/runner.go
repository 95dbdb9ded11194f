package engine

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/grovetools/prdflow/errors"
	"github.com/grovetools/prdflow/pkg/models"
	"github.com/grovetools/prdflow/pkg/session"
)

// Publisher delivers events to a session's subscribers.
type Publisher interface {
	Publish(ev models.Event)
}

// Repository is the working tree the generator edits.
type Repository interface {
	Dir() string
	HeadCommit(ctx context.Context) (string, error)
	ChangedFiles(ctx context.Context) ([]string, error)
	CommitMessage(ctx context.Context, hash string) (string, error)
	Diff(ctx context.Context, hash string) (string, error)
	FilesInCommit(ctx context.Context, hash string) ([]string, error)
}

// TurnResult is what one generator run produced.
type TurnResult struct {
	Text          string
	EditedFiles   []string
	CommitHash    string
	CommitMessage string
	Diff          string
}

// Runner executes generator work in the background and publishes the
// resulting events. Generator runs are serialized across all sessions
// because every session edits the same working tree.
type Runner struct {
	gen    Generator
	repo   Repository
	pub    Publisher
	logger *logrus.Entry

	work sync.Mutex

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	running map[string]map[int]context.CancelFunc
	nextJob int
	closed  bool
	wg      sync.WaitGroup
}

// NewRunner creates a runner.
func NewRunner(gen Generator, repo Repository, pub Publisher, logger *logrus.Entry) *Runner {
	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{
		gen:     gen,
		repo:    repo,
		pub:     pub,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
		running: make(map[string]map[int]context.CancelFunc),
	}
}

// spawn runs fn in the background for sessionID. A returned error is
// published as an error event.
func (r *Runner) spawn(sessionID, op string, fn func(ctx context.Context) error) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return errors.New(errors.ErrCodeInternal, "engine is shutting down")
	}
	ctx, cancel := context.WithCancel(r.ctx)
	id := r.nextJob
	r.nextJob++
	if r.running[sessionID] == nil {
		r.running[sessionID] = make(map[int]context.CancelFunc)
	}
	r.running[sessionID][id] = cancel
	r.wg.Add(1)
	r.mu.Unlock()

	go func() {
		defer r.wg.Done()
		defer func() {
			r.mu.Lock()
			delete(r.running[sessionID], id)
			if len(r.running[sessionID]) == 0 {
				delete(r.running, sessionID)
			}
			r.mu.Unlock()
			cancel()
		}()

		log := r.logger.WithFields(logrus.Fields{"session_id": sessionID, "op": op})
		log.Debug("Started background operation")
		if err := fn(ctx); err != nil {
			log.WithError(err).Warn("Background operation failed")
			r.pub.Publish(models.Error{SessionID: sessionID, Message: errors.UserMessage(err), Operation: op})
			return
		}
		log.Debug("Finished background operation")
	}()
	return nil
}

// Active returns the number of background operations for sessionID.
func (r *Runner) Active(sessionID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.running[sessionID])
}

// CancelSession stops every background operation of sessionID.
func (r *Runner) CancelSession(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, cancel := range r.running[sessionID] {
		cancel()
	}
}

// Shutdown cancels all background work and waits for it to finish or for ctx
// to expire.
func (r *Runner) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.cancel()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Turn runs the generator once and reports the edits and commit it made.
func (r *Runner) Turn(ctx context.Context, sessionID, prompt string, files []string, emit func(string)) (TurnResult, error) {
	r.work.Lock()
	defer r.work.Unlock()

	before, err := r.repo.HeadCommit(ctx)
	if err != nil {
		return TurnResult{}, err
	}
	dirtyBefore, err := r.repo.ChangedFiles(ctx)
	if err != nil {
		return TurnResult{}, err
	}

	var text strings.Builder
	err = r.gen.Stream(ctx, GenerateRequest{
		SessionID: sessionID,
		Prompt:    prompt,
		Files:     files,
		Dir:       r.repo.Dir(),
	}, func(fragment string) {
		text.WriteString(fragment)
		if emit != nil {
			emit(fragment)
		}
	})
	res := TurnResult{Text: text.String()}
	if err != nil {
		return res, err
	}

	edited := make(map[string]struct{})
	after, err := r.repo.HeadCommit(ctx)
	if err != nil {
		return res, err
	}
	if after != "" && after != before {
		res.CommitHash = after
		if res.CommitMessage, err = r.repo.CommitMessage(ctx, after); err != nil {
			return res, err
		}
		if res.Diff, err = r.repo.Diff(ctx, after); err != nil {
			return res, err
		}
		committed, err := r.repo.FilesInCommit(ctx, after)
		if err != nil {
			return res, err
		}
		for _, f := range committed {
			edited[f] = struct{}{}
		}
	}

	dirtyAfter, err := r.repo.ChangedFiles(ctx)
	if err != nil {
		return res, err
	}
	wasDirty := make(map[string]struct{}, len(dirtyBefore))
	for _, f := range dirtyBefore {
		wasDirty[f] = struct{}{}
	}
	for _, f := range dirtyAfter {
		if _, ok := wasDirty[f]; !ok {
			edited[f] = struct{}{}
		}
	}
	for f := range edited {
		res.EditedFiles = append(res.EditedFiles, f)
	}
	sort.Strings(res.EditedFiles)
	return res, nil
}

// Chat answers a chat message in the background: message chunks, then
// message_complete, files_edited and commit when the turn made them.
func (r *Runner) Chat(sessionID, message string, files []string) error {
	return r.spawn(sessionID, session.OpSendMessage, func(ctx context.Context) error {
		res, err := r.Turn(ctx, sessionID, message, files, func(chunk string) {
			r.pub.Publish(models.MessageChunk{SessionID: sessionID, Chunk: chunk})
		})
		if err != nil {
			if res.Text != "" {
				r.pub.Publish(models.MessageComplete{SessionID: sessionID, Content: models.StringPtr(res.Text)})
			}
			return err
		}
		r.pub.Publish(models.MessageComplete{SessionID: sessionID, Content: models.StringPtr(res.Text)})
		r.publishEdits(sessionID, res)
		return nil
	})
}

func (r *Runner) publishEdits(sessionID string, res TurnResult) {
	if len(res.EditedFiles) > 0 {
		r.pub.Publish(models.FilesEdited{SessionID: sessionID, Files: res.EditedFiles})
	}
	if res.CommitHash != "" {
		r.pub.Publish(models.Commit{
			SessionID: sessionID,
			Hash:      res.CommitHash,
			Message:   res.CommitMessage,
			Diff:      res.Diff,
		})
	}
}

// GeneratePRD streams a requirements document for description.
func (r *Runner) GeneratePRD(sessionID, description string, files []string) error {
	return r.spawn(sessionID, session.OpGeneratePRD, func(ctx context.Context) error {
		r.pub.Publish(models.PRDProcessingStatus{SessionID: sessionID, Status: session.PRDProcessing})
		res, err := r.Turn(ctx, sessionID, PRDPrompt(description), files, func(chunk string) {
			r.pub.Publish(models.PRDChunk{SessionID: sessionID, Chunk: chunk})
		})
		if err != nil {
			r.pub.Publish(models.PRDProcessingStatus{
				SessionID: sessionID,
				Status:    session.PRDFailed,
				Message:   errors.UserMessage(err),
			})
			return nil
		}
		r.pub.Publish(models.PRDComplete{SessionID: sessionID, PRD: models.StringPtr(res.Text)})
		r.pub.Publish(models.PRDProcessingStatus{SessionID: sessionID, Status: session.PRDCompleted})
		return nil
	})
}

// GenerateTasks streams a task list derived from prd.
func (r *Runner) GenerateTasks(sessionID, prd string, n int, files []string) error {
	return r.spawn(sessionID, session.OpGenerateTasks, func(ctx context.Context) error {
		_, _, err := r.GenerateTasksSync(ctx, sessionID, prd, n, files)
		return err
	})
}

// GenerateTasksSync generates a task list in the caller's goroutine. Chunks
// and tasks_complete are still published. It returns the parsed tasks, or the
// raw text when the output was not a valid task list.
func (r *Runner) GenerateTasksSync(ctx context.Context, sessionID, prd string, n int, files []string) ([]models.Task, string, error) {
	res, err := r.Turn(ctx, sessionID, TasksPrompt(prd, n), files, func(chunk string) {
		r.pub.Publish(models.TasksChunk{SessionID: sessionID, Chunk: chunk})
	})
	if err != nil {
		return nil, "", err
	}

	complete := models.TasksComplete{SessionID: sessionID}
	tasks, ok := normalizeTasks(res.Text)
	if ok {
		raw, err := json.Marshal(models.TaskList{Tasks: tasks})
		if err != nil {
			return nil, "", errors.Wrap(err, errors.ErrCodeInternal, "failed to encode tasks")
		}
		complete.Tasks = raw
	} else {
		complete.TasksText = models.StringPtr(res.Text)
	}
	r.pub.Publish(complete)
	r.publishEdits(sessionID, res)

	if ok {
		return tasks, "", nil
	}
	return nil, res.Text, nil
}

func normalizeTasks(text string) ([]models.Task, bool) {
	raw, ok := models.ExtractJSON(text)
	if !ok {
		return nil, false
	}
	tasks, err := models.ParseTasks(raw)
	if err != nil {
		return nil, false
	}
	return tasks, true
}

// ExecuteTasks runs tasks in dependency order in the background. Tasks with
// subtasks run one unit per subtask. If a unit fails the run is closed with
// the results so far and the failure is reported.
func (r *Runner) ExecuteTasks(sessionID string, tasks []models.Task, files []string) error {
	ordered, err := models.ExecutionOrder(tasks)
	if err != nil {
		return err
	}
	return r.spawn(sessionID, session.OpExecuteTasks, func(ctx context.Context) error {
		r.pub.Publish(models.TasksExecutionStarted{SessionID: sessionID, NumTasks: len(ordered)})

		var results []models.TaskResult
		for _, task := range ordered {
			for _, unit := range task.Units() {
				result, err := r.executeUnit(ctx, sessionID, unit, files)
				if err != nil {
					r.pub.Publish(models.TasksExecutionCompleted{SessionID: sessionID, Results: results})
					return err
				}
				results = append(results, result)
			}
		}
		r.pub.Publish(models.TasksExecutionCompleted{SessionID: sessionID, Results: results})
		return nil
	})
}

func (r *Runner) executeUnit(ctx context.Context, sessionID string, unit models.TaskUnit, files []string) (models.TaskResult, error) {
	if err := ctx.Err(); err != nil {
		return models.TaskResult{}, err
	}
	r.pub.Publish(models.TaskStarted{SessionID: sessionID, TaskName: unit.Name, Description: unit.Description})

	res, err := r.Turn(ctx, sessionID, ExecutePrompt(unit.Description), files, func(chunk string) {
		r.pub.Publish(models.TaskChunk{SessionID: sessionID, TaskName: unit.Name, Chunk: chunk})
	})
	if err != nil {
		return models.TaskResult{}, err
	}

	result := models.TaskResult{
		TaskName:      unit.Name,
		Description:   unit.Description,
		Result:        res.Text,
		EditedFiles:   res.EditedFiles,
		CommitHash:    res.CommitHash,
		CommitMessage: res.CommitMessage,
	}
	r.pub.Publish(models.TaskCompleted{SessionID: sessionID, TaskResult: result})
	if res.CommitHash != "" {
		r.pub.Publish(models.Commit{
			SessionID: sessionID,
			Hash:      res.CommitHash,
			Message:   res.CommitMessage,
			Diff:      res.Diff,
		})
	}
	return result, nil
}
