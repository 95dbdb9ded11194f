// Package client drives one prdflow session from the client side. It keeps a
// local mirror of the session that is fed by the transport's events and
// guards every operation so at most one of each kind is pending.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/grovetools/prdflow/errors"
	"github.com/grovetools/prdflow/logging"
	"github.com/grovetools/prdflow/pkg/models"
	"github.com/grovetools/prdflow/pkg/session"
	"github.com/grovetools/prdflow/pkg/transport"
)

// Client pairs a transport with the session mirror it feeds.
type Client struct {
	tr      transport.Transport
	session *session.Session
	logger  *logrus.Entry
	subs    []transport.Subscription
}

// New wires tr to a fresh mirror of sessionID. Events are reduced into the
// mirror as they arrive and a lost connection abandons open streams.
func New(tr transport.Transport, sessionID string, logger *logrus.Entry) *Client {
	if logger == nil {
		logger = logging.NewLogger("client")
	}
	c := &Client{
		tr:      tr,
		session: session.New(sessionID, logger),
		logger:  logger.WithField("session_id", sessionID),
	}
	c.subs = append(c.subs, tr.SubscribeAll(func(ev models.Event) {
		// Violations are logged by the session.
		_ = c.session.Apply(ev)
	}))
	tr.OnStateChange(func(connected bool) {
		if !connected {
			c.session.Disconnected()
		}
	})
	return c
}

// Session returns the local mirror.
func (c *Client) Session() *session.Session {
	return c.session
}

// Snapshot copies the mirror's current state.
func (c *Client) Snapshot() session.Snapshot {
	return c.session.Snapshot()
}

// Connect opens the transport's event channel.
func (c *Client) Connect(ctx context.Context) error {
	return c.tr.Connect(ctx)
}

// Close unsubscribes from the transport and closes it.
func (c *Client) Close() error {
	for _, sub := range c.subs {
		c.tr.Unsubscribe(sub)
	}
	c.subs = nil
	return c.tr.Close()
}

func (c *Client) id() string {
	return c.session.ID()
}

// fail releases op and records err in the history.
func (c *Client) fail(op string, err error) error {
	c.logger.WithFields(logrus.Fields{
		"operation": op,
		"code":      errors.GetCode(err),
	}).Debug("Operation failed")
	c.session.Fail(op, err)
	return err
}

// report records err in the history for a request that holds no guard.
func (c *Client) report(request models.RequestName, err error) error {
	c.logger.WithFields(logrus.Fields{
		"request": request,
		"code":    errors.GetCode(err),
	}).Debug("Request failed")
	c.session.Report(err)
	return err
}

// Init creates or reattaches the server session and restores its history,
// in-chat files and stage into the mirror.
func (c *Client) Init(ctx context.Context) error {
	var resp models.InitResponse
	if err := c.tr.Send(ctx, models.RequestInit, models.SessionRequest{SessionID: c.id()}, &resp); err != nil {
		return c.report(models.RequestInit, err)
	}
	c.session.Restore(resp.Messages, resp.Files, resp.Stage)
	return nil
}

// SendMessage starts a chat turn. The reply streams in as message chunks and
// the guard is released by message_complete.
func (c *Client) SendMessage(ctx context.Context, text string) error {
	if _, err := c.session.SendMessage(text); err != nil {
		return err
	}
	req := models.SendMessageRequest{SessionID: c.id(), Message: text}
	if err := c.tr.Send(ctx, models.RequestSendMessage, req, nil); err != nil {
		return c.fail(session.OpSendMessage, err)
	}
	return nil
}

// GeneratePRD starts PRD generation from a project description.
func (c *Client) GeneratePRD(ctx context.Context, description string) error {
	if err := c.session.StartPRD(description); err != nil {
		return err
	}
	req := models.GeneratePRDRequest{SessionID: c.id(), Description: description}
	if err := c.tr.Send(ctx, models.RequestGeneratePRD, req, nil); err != nil {
		return c.fail(session.OpGeneratePRD, err)
	}
	return nil
}

// GenerateTasks starts streamed task generation. A zero count uses the
// server default.
func (c *Client) GenerateTasks(ctx context.Context, prd string, numTasks int) error {
	if err := validateTaskCount(numTasks); err != nil {
		return err
	}
	if err := c.session.StartTasks(prd); err != nil {
		return err
	}
	req := models.GenerateTasksRequest{SessionID: c.id(), PRD: prd, NumTasks: numTasks}
	if err := c.tr.Send(ctx, models.RequestGenerateTasks, req, nil); err != nil {
		return c.fail(session.OpGenerateTasks, err)
	}
	return nil
}

// GenerateTasksSync generates tasks and waits for the list in the response
// instead of the tasks stream. The result is reduced exactly like a
// tasks_complete event.
func (c *Client) GenerateTasksSync(ctx context.Context, prd string, numTasks int) error {
	if err := validateTaskCount(numTasks); err != nil {
		return err
	}
	if err := c.session.StartTasks(prd); err != nil {
		return err
	}
	req := models.GenerateTasksRequest{SessionID: c.id(), PRD: prd, NumTasks: numTasks, Sync: true}
	var resp models.GenerateTasksResponse
	if err := c.tr.Send(ctx, models.RequestGenerateTasks, req, &resp); err != nil {
		return c.fail(session.OpGenerateTasks, err)
	}

	ev := models.TasksComplete{SessionID: c.id()}
	switch {
	case len(resp.Tasks) > 0:
		raw, err := json.Marshal(resp.Tasks)
		if err != nil {
			return c.fail(session.OpGenerateTasks, errors.Wrap(err, errors.ErrCodeInternal, "failed to encode tasks"))
		}
		ev.Tasks = raw
	default:
		ev.TasksText = models.StringPtr(resp.TasksText)
	}
	return c.session.Apply(ev)
}

func validateTaskCount(n int) error {
	if n == 0 {
		return nil
	}
	if n < models.MinTaskCount || n > models.MaxTaskCount {
		return errors.InvalidInput("num_tasks",
			fmt.Sprintf("must be between %d and %d", models.MinTaskCount, models.MaxTaskCount))
	}
	return nil
}

// ExecuteTasks starts execution. A nil tasks list runs the session's current
// tasks; a non-empty one replaces them first.
func (c *Client) ExecuteTasks(ctx context.Context, tasks []models.Task) error {
	run, err := c.session.StartExecution(tasks)
	if err != nil {
		return err
	}
	req := models.ExecuteTasksRequest{SessionID: c.id(), Tasks: run}
	if err := c.tr.Send(ctx, models.RequestExecuteTasks, req, nil); err != nil {
		return c.fail(session.OpExecuteTasks, err)
	}
	return nil
}

// SetTasks replaces the task list locally before execution.
func (c *Client) SetTasks(tasks []models.Task) error {
	return c.session.SetTasks(tasks)
}

// AddFiles adds paths to the chat and returns the ones the server added.
func (c *Client) AddFiles(ctx context.Context, paths []string) ([]string, error) {
	added, err := c.addFiles(ctx, paths)
	if err != nil {
		return nil, c.report(models.RequestAddFiles, err)
	}
	return added, nil
}

func (c *Client) addFiles(ctx context.Context, paths []string) ([]string, error) {
	var resp models.AddFilesResponse
	req := models.FilesRequest{SessionID: c.id(), Files: paths}
	if err := c.tr.Send(ctx, models.RequestAddFiles, req, &resp); err != nil {
		return nil, err
	}
	for _, p := range c.session.ApplyFiles(session.FileAdd, resp.AddedFiles) {
		c.session.Info(fmt.Sprintf("Added %s to the chat", p))
	}
	return resp.AddedFiles, nil
}

// RemoveFiles drops paths from the chat and returns the ones the server removed.
func (c *Client) RemoveFiles(ctx context.Context, paths []string) ([]string, error) {
	removed, err := c.removeFiles(ctx, paths)
	if err != nil {
		return nil, c.report(models.RequestRemoveFiles, err)
	}
	return removed, nil
}

func (c *Client) removeFiles(ctx context.Context, paths []string) ([]string, error) {
	var resp models.RemoveFilesResponse
	req := models.FilesRequest{SessionID: c.id(), Files: paths}
	if err := c.tr.Send(ctx, models.RequestRemoveFiles, req, &resp); err != nil {
		return nil, err
	}
	for _, p := range c.session.ApplyFiles(session.FileRemove, resp.RemovedFiles) {
		c.session.Info(fmt.Sprintf("Removed %s from the chat", p))
	}
	return resp.RemovedFiles, nil
}

// ToggleFile flips the membership of path. The view changes only when the
// server acknowledges the change, and a second toggle of the same path is
// rejected while the first is pending.
func (c *Client) ToggleFile(ctx context.Context, path string) (bool, error) {
	op := session.ToggleOp(path)
	if err := c.session.Begin(op); err != nil {
		return c.session.HasFile(path), err
	}

	var err error
	if c.session.HasFile(path) {
		_, err = c.removeFiles(ctx, []string{path})
	} else {
		_, err = c.addFiles(ctx, []string{path})
	}
	if err != nil {
		return c.session.HasFile(path), c.fail(op, err)
	}
	c.session.End(op)
	return c.session.HasFile(path), nil
}

// FetchFiles reconciles the file view with the server's inventory.
func (c *Client) FetchFiles(ctx context.Context) error {
	var resp models.FilesResponse
	if err := c.tr.Send(ctx, models.RequestGetFiles, models.SessionRequest{SessionID: c.id()}, &resp); err != nil {
		return c.report(models.RequestGetFiles, err)
	}
	c.session.ReconcileFiles(resp.AllFiles, resp.InChatFiles)
	return nil
}

// FilterFiles matches the file view against a substring or glob query.
func (c *Client) FilterFiles(query string) []session.FileEntry {
	return c.session.FilterFiles(query)
}

// AddWebPage scrapes url on the server and records the content as an info
// message.
func (c *Client) AddWebPage(ctx context.Context, url string) error {
	if strings.TrimSpace(url) == "" {
		return errors.InvalidInput("url", "is required")
	}
	if err := c.session.Begin(session.OpAddWebPage); err != nil {
		return err
	}
	var resp models.WebPageResponse
	if err := c.tr.Send(ctx, models.RequestAddWebPage, models.WebPageRequest{SessionID: c.id(), URL: url}, &resp); err != nil {
		return c.fail(session.OpAddWebPage, err)
	}
	c.session.Info(resp.Content)
	c.session.End(session.OpAddWebPage)
	return nil
}

// UndoCommit undoes hash, or the session's last commit when hash is empty.
func (c *Client) UndoCommit(ctx context.Context, hash string) error {
	if hash == "" {
		hash = c.session.LastCommit()
	}
	if hash == "" {
		return errors.InvalidInput("commit_hash", "is required")
	}
	if err := c.session.Begin(session.OpUndoCommit); err != nil {
		return err
	}
	var resp models.StatusResponse
	req := models.UndoCommitRequest{SessionID: c.id(), CommitHash: hash}
	if err := c.tr.Send(ctx, models.RequestUndoCommit, req, &resp); err != nil {
		return c.fail(session.OpUndoCommit, err)
	}
	c.session.ForgetCommit(hash)
	if resp.Message != "" {
		c.session.Info(resp.Message)
	}
	c.session.End(session.OpUndoCommit)
	return nil
}

// ClearHistory clears the conversation on the server and in the mirror.
func (c *Client) ClearHistory(ctx context.Context) error {
	if err := c.tr.Send(ctx, models.RequestClearHistory, models.SessionRequest{SessionID: c.id()}, nil); err != nil {
		return c.report(models.RequestClearHistory, err)
	}
	c.session.ClearHistory()
	return nil
}

// FetchTaskStatus polls execution results. done is false while the run is
// still in progress.
func (c *Client) FetchTaskStatus(ctx context.Context) (results []models.TaskResult, done bool, err error) {
	var resp models.TaskStatusResponse
	if err := c.tr.Send(ctx, models.RequestTaskStatus, models.SessionRequest{SessionID: c.id()}, &resp); err != nil {
		return nil, false, c.report(models.RequestTaskStatus, err)
	}
	return resp.Results, resp.Status != models.StatusInProgress, nil
}

// FetchPRD loads the stored PRD from the server into the mirror.
func (c *Client) FetchPRD(ctx context.Context) (string, error) {
	var resp models.PRDResponse
	if err := c.tr.Send(ctx, models.RequestPRDContent, models.SessionRequest{SessionID: c.id()}, &resp); err != nil {
		return "", c.report(models.RequestPRDContent, err)
	}
	c.session.RestorePRD(resp.PRD, resp.Stage)
	return resp.PRD, nil
}

// Wait blocks until op is no longer pending, polling the mirror every
// interval.
func (c *Client) Wait(ctx context.Context, op string, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for c.session.InFlight(op) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}
