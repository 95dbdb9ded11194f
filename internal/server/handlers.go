package server

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/grovetools/prdflow/errors"
	"github.com/grovetools/prdflow/pkg/models"
	"github.com/grovetools/prdflow/pkg/session"
)

// Greeting is the assistant's opening message in a new session.
const Greeting = "How can I help you?"

// handlerFunc serves one request. data is the JSON request body; the result
// is encoded as the reply.
type handlerFunc func(ctx context.Context, data json.RawMessage) (any, error)

// requestHandlers is shared by the REST routes and the WebSocket channel.
func (s *Server) requestHandlers() map[models.RequestName]handlerFunc {
	return map[models.RequestName]handlerFunc{
		models.RequestInit:          s.handleInit,
		models.RequestSendMessage:   s.handleSendMessage,
		models.RequestAddFiles:      s.handleAddFiles,
		models.RequestRemoveFiles:   s.handleRemoveFiles,
		models.RequestAddWebPage:    s.handleAddWebPage,
		models.RequestUndoCommit:    s.handleUndoCommit,
		models.RequestClearHistory:  s.handleClearHistory,
		models.RequestGeneratePRD:   s.handleGeneratePRD,
		models.RequestGenerateTasks: s.handleGenerateTasks,
		models.RequestExecuteTasks:  s.handleExecuteTasks,
		models.RequestGetFiles:      s.handleGetFiles,
		models.RequestTaskStatus:    s.handleTaskStatus,
		models.RequestPRDContent:    s.handlePRDContent,
	}
}

// dispatch runs the named request.
func (s *Server) dispatch(ctx context.Context, name models.RequestName, data json.RawMessage) (any, error) {
	h, ok := s.handlers[name]
	if !ok {
		return nil, errors.InvalidInput("request", fmt.Sprintf("unknown request %q", name))
	}
	return h(ctx, data)
}

func decode[T any](data json.RawMessage) (T, error) {
	var v T
	if len(data) == 0 {
		return v, errors.InvalidInput("body", "is required")
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return v, errors.Wrap(err, errors.ErrCodeInvalidInput, "request body is not valid JSON")
	}
	return v, nil
}

var success = models.StatusResponse{Status: models.StatusSuccess}

// session returns the session for id, creating and announcing it on first
// contact.
func (s *Server) session(ctx context.Context, id string) (*session.Session, error) {
	sess, created, err := s.registry.GetOrCreate(id)
	if err != nil {
		return nil, err
	}
	if created {
		s.announce(ctx, sess)
	}
	return sess, nil
}

func (s *Server) announce(ctx context.Context, sess *session.Session) {
	var lines []string
	if s.opts.Generator != "" {
		lines = append(lines, "Generator: "+s.opts.Generator)
	}

	info, err := s.repo.Info(ctx)
	if err != nil {
		s.logger.WithError(err).Warn("Failed to read repository info")
		lines = append(lines, "Git repo: unavailable")
	} else {
		files, err := s.repo.ListFiles(ctx)
		if err != nil {
			s.logger.WithError(err).Warn("Failed to list repository files")
		}
		sess.ReconcileFiles(files, nil)
		lines = append(lines, fmt.Sprintf("Git repo: %s on branch %s with %d files", info.Name, info.Branch, len(files)))
	}

	sess.Info(strings.Join(lines, "\n"))
	sess.AddMessage(models.NewMessage(models.RoleAssistant, Greeting))
}

func (s *Server) handleInit(ctx context.Context, data json.RawMessage) (any, error) {
	req, err := decode[models.SessionRequest](data)
	if err != nil {
		return nil, err
	}
	sess, err := s.session(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}
	return models.InitResponse{
		Status:   models.StatusSuccess,
		Messages: sess.Messages(),
		Files:    sess.InChatFiles(),
		Stage:    sess.Stage(),
	}, nil
}

func (s *Server) handleSendMessage(ctx context.Context, data json.RawMessage) (any, error) {
	req, err := decode[models.SendMessageRequest](data)
	if err != nil {
		return nil, err
	}
	sess, err := s.session(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}
	if _, err := sess.SendMessage(req.Message); err != nil {
		return nil, err
	}
	if err := s.runner.Chat(sess.ID(), req.Message, sess.InChatFiles()); err != nil {
		sess.Fail(session.OpSendMessage, err)
		return nil, err
	}
	return success, nil
}

// knownFiles filters paths down to files of the repository.
func (s *Server) knownFiles(ctx context.Context, paths []string) ([]string, error) {
	all, err := s.repo.ListFiles(ctx)
	if err != nil {
		return nil, err
	}
	index := make(map[string]struct{}, len(all))
	for _, f := range all {
		index[f] = struct{}{}
	}
	var known []string
	for _, p := range paths {
		if _, ok := index[p]; ok {
			known = append(known, p)
		}
	}
	return known, nil
}

func (s *Server) handleAddFiles(ctx context.Context, data json.RawMessage) (any, error) {
	req, err := decode[models.FilesRequest](data)
	if err != nil {
		return nil, err
	}
	sess, err := s.session(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}
	known, err := s.knownFiles(ctx, req.Files)
	if err != nil {
		return nil, err
	}
	added := sess.ApplyFiles(session.FileAdd, known)
	for _, f := range added {
		sess.Info(fmt.Sprintf("Added %s to the chat", f))
	}
	if added == nil {
		added = []string{}
	}
	return models.AddFilesResponse{Status: models.StatusSuccess, AddedFiles: added}, nil
}

func (s *Server) handleRemoveFiles(ctx context.Context, data json.RawMessage) (any, error) {
	req, err := decode[models.FilesRequest](data)
	if err != nil {
		return nil, err
	}
	sess, err := s.session(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}
	removed := sess.ApplyFiles(session.FileRemove, req.Files)
	for _, f := range removed {
		sess.Info(fmt.Sprintf("Removed %s from the chat", f))
	}
	if removed == nil {
		removed = []string{}
	}
	return models.RemoveFilesResponse{Status: models.StatusSuccess, RemovedFiles: removed}, nil
}

func (s *Server) handleGetFiles(ctx context.Context, data json.RawMessage) (any, error) {
	req, err := decode[models.SessionRequest](data)
	if err != nil {
		return nil, err
	}
	sess, err := s.session(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}
	all, err := s.repo.ListFiles(ctx)
	if err != nil {
		return nil, err
	}
	inChat := sess.InChatFiles()
	sess.ReconcileFiles(all, inChat)
	if all == nil {
		all = []string{}
	}
	return models.FilesResponse{
		Status:      models.StatusSuccess,
		AllFiles:    all,
		InChatFiles: inChat,
	}, nil
}

func (s *Server) handleAddWebPage(ctx context.Context, data json.RawMessage) (any, error) {
	req, err := decode[models.WebPageRequest](data)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.URL) == "" {
		return nil, errors.InvalidInput("url", "is required")
	}
	sess, err := s.session(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}
	if err := sess.Begin(session.OpAddWebPage); err != nil {
		return nil, err
	}
	defer sess.End(session.OpAddWebPage)

	content, err := s.scraper.Scrape(ctx, req.URL)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(content) == "" {
		return nil, errors.New(errors.ErrCodeNotFound, fmt.Sprintf("No web content found for %s", req.URL))
	}
	content = fmt.Sprintf("%s\n\n%s", req.URL, content)
	sess.Info(content)
	return models.WebPageResponse{Status: models.StatusSuccess, Content: content}, nil
}

func (s *Server) handleUndoCommit(ctx context.Context, data json.RawMessage) (any, error) {
	req, err := decode[models.UndoCommitRequest](data)
	if err != nil {
		return nil, err
	}
	if req.CommitHash == "" {
		return nil, errors.InvalidInput("commit_hash", "is required")
	}
	sess, err := s.session(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}
	if err := sess.Begin(session.OpUndoCommit); err != nil {
		return nil, err
	}
	defer sess.End(session.OpUndoCommit)

	if sess.LastCommit() != req.CommitHash {
		return nil, errors.NotLatestCommit(req.CommitHash)
	}
	summary, err := s.repo.UndoCommit(ctx, req.CommitHash)
	if err != nil {
		return nil, err
	}
	sess.ForgetCommit(req.CommitHash)
	sess.Info(summary)

	s.logger.WithFields(logrus.Fields{
		"session_id": sess.ID(),
		"commit":     req.CommitHash,
	}).Info("Undid commit")
	return models.StatusResponse{Status: models.StatusSuccess, Message: summary}, nil
}

func (s *Server) handleClearHistory(ctx context.Context, data json.RawMessage) (any, error) {
	req, err := decode[models.SessionRequest](data)
	if err != nil {
		return nil, err
	}
	sess, err := s.session(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}
	sess.ClearHistory()
	return success, nil
}

func (s *Server) handleGeneratePRD(ctx context.Context, data json.RawMessage) (any, error) {
	req, err := decode[models.GeneratePRDRequest](data)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.Description) == "" {
		return nil, errors.InvalidInput("description", "is required")
	}
	sess, err := s.session(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}
	if err := sess.StartPRD(req.Description); err != nil {
		return nil, err
	}
	if err := s.runner.GeneratePRD(sess.ID(), req.Description, sess.InChatFiles()); err != nil {
		sess.Fail(session.OpGeneratePRD, err)
		return nil, err
	}
	return success, nil
}

func (s *Server) handleGenerateTasks(ctx context.Context, data json.RawMessage) (any, error) {
	req, err := decode[models.GenerateTasksRequest](data)
	if err != nil {
		return nil, err
	}
	limits := s.opts.Tasks
	if req.NumTasks == 0 {
		req.NumTasks = limits.Default
	}
	if req.NumTasks < limits.Min || req.NumTasks > limits.Max {
		return nil, errors.InvalidInput("num_tasks",
			fmt.Sprintf("must be between %d and %d", limits.Min, limits.Max))
	}
	sess, err := s.session(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}
	prd := req.PRD
	if strings.TrimSpace(prd) == "" {
		prd, _ = sess.PRD()
	}
	if strings.TrimSpace(prd) == "" {
		return nil, errors.InvalidInput("prd", "is required")
	}
	if err := sess.StartTasks(prd); err != nil {
		return nil, err
	}

	if !req.Sync {
		if err := s.runner.GenerateTasks(sess.ID(), prd, req.NumTasks, sess.InChatFiles()); err != nil {
			sess.Fail(session.OpGenerateTasks, err)
			return nil, err
		}
		return success, nil
	}

	tasks, text, err := s.runner.GenerateTasksSync(ctx, sess.ID(), prd, req.NumTasks, sess.InChatFiles())
	if err != nil {
		sess.Fail(session.OpGenerateTasks, err)
		return nil, err
	}
	return models.GenerateTasksResponse{
		Status:    models.StatusSuccess,
		Tasks:     tasks,
		TasksText: text,
		Metadata:  map[string]interface{}{"num_tasks": len(tasks)},
	}, nil
}

func (s *Server) handleExecuteTasks(ctx context.Context, data json.RawMessage) (any, error) {
	req, err := decode[models.ExecuteTasksRequest](data)
	if err != nil {
		return nil, err
	}
	sess, err := s.session(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}
	tasks, err := sess.StartExecution(req.Tasks)
	if err != nil {
		return nil, err
	}
	if err := s.runner.ExecuteTasks(sess.ID(), tasks, sess.InChatFiles()); err != nil {
		sess.Fail(session.OpExecuteTasks, err)
		return nil, err
	}
	return success, nil
}

func (s *Server) handleTaskStatus(ctx context.Context, data json.RawMessage) (any, error) {
	req, err := decode[models.SessionRequest](data)
	if err != nil {
		return nil, err
	}
	sess, err := s.registry.Get(req.SessionID)
	if err != nil {
		return nil, err
	}
	results := sess.Results()
	if results == nil || sess.InFlight(session.OpExecuteTasks) {
		return models.TaskStatusResponse{Status: models.StatusInProgress}, nil
	}
	return models.TaskStatusResponse{Status: models.StatusSuccess, Results: results}, nil
}

func (s *Server) handlePRDContent(ctx context.Context, data json.RawMessage) (any, error) {
	req, err := decode[models.SessionRequest](data)
	if err != nil {
		return nil, err
	}
	sess, err := s.registry.Get(req.SessionID)
	if err != nil {
		return nil, err
	}
	prd, _ := sess.PRD()
	return models.PRDResponse{Status: models.StatusSuccess, PRD: prd, Stage: sess.Stage()}, nil
}
