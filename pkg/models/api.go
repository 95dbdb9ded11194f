package models

import "net/http"

// RequestName identifies a client-to-server operation.
type RequestName string

const (
	RequestInit          RequestName = "init"
	RequestSendMessage   RequestName = "send_message"
	RequestAddFiles      RequestName = "add_files"
	RequestRemoveFiles   RequestName = "remove_files"
	RequestAddWebPage    RequestName = "add_web_page"
	RequestUndoCommit    RequestName = "undo_commit"
	RequestClearHistory  RequestName = "clear_history"
	RequestGeneratePRD   RequestName = "generate_prd"
	RequestGenerateTasks RequestName = "generate_tasks"
	RequestExecuteTasks  RequestName = "execute_tasks"
	RequestGetFiles      RequestName = "get_files"
	RequestTaskStatus    RequestName = "task_status"
	RequestPRDContent    RequestName = "prd_content"
)

// Route maps a request onto the HTTP API.
type Route struct {
	Method string
	Path   string
}

// Routes is shared by the server mux and the HTTP transport.
var Routes = map[RequestName]Route{
	RequestInit:          {http.MethodPost, "/api/init"},
	RequestSendMessage:   {http.MethodPost, "/api/send_message"},
	RequestAddFiles:      {http.MethodPost, "/api/add_files"},
	RequestRemoveFiles:   {http.MethodPost, "/api/remove_files"},
	RequestAddWebPage:    {http.MethodPost, "/api/add_web_page"},
	RequestUndoCommit:    {http.MethodPost, "/api/undo_commit"},
	RequestClearHistory:  {http.MethodPost, "/api/clear_history"},
	RequestGeneratePRD:   {http.MethodPost, "/api/generate_prd"},
	RequestGenerateTasks: {http.MethodPost, "/api/generate_tasks"},
	RequestExecuteTasks:  {http.MethodPost, "/api/execute_tasks"},
	RequestGetFiles:      {http.MethodGet, "/api/get_files"},
	RequestTaskStatus:    {http.MethodGet, "/api/task_status"},
	RequestPRDContent:    {http.MethodGet, "/api/prd_content"},
}

// Status values used in every response body.
const (
	StatusSuccess    = "success"
	StatusError      = "error"
	StatusInProgress = "in_progress"
)

// Task count bounds for generate_tasks.
const (
	DefaultTaskCount = 5
	MinTaskCount     = 3
	MaxTaskCount     = 10
)

// SessionRequest is the body shared by requests that carry only the session id.
type SessionRequest struct {
	SessionID string `json:"session_id"`
}

// SendMessageRequest submits a chat message.
type SendMessageRequest struct {
	SessionID string `json:"session_id"`
	Message   string `json:"message"`
}

// FilesRequest adds or removes a batch of files from the chat.
type FilesRequest struct {
	SessionID string   `json:"session_id"`
	Files     []string `json:"files"`
}

// WebPageRequest adds a scraped web page to the chat.
type WebPageRequest struct {
	SessionID string `json:"session_id"`
	URL       string `json:"url"`
}

// UndoCommitRequest undoes the latest commit of the session.
type UndoCommitRequest struct {
	SessionID  string `json:"session_id"`
	CommitHash string `json:"commit_hash"`
}

// GeneratePRDRequest starts PRD generation from a project description.
type GeneratePRDRequest struct {
	SessionID   string `json:"session_id"`
	Description string `json:"description"`
}

// GenerateTasksRequest starts task generation from PRD text.
type GenerateTasksRequest struct {
	SessionID string `json:"session_id"`
	PRD       string `json:"prd"`
	NumTasks  int    `json:"num_tasks,omitempty"`
	// Sync asks the server to answer with the parsed tasks instead of streaming.
	Sync bool `json:"sync,omitempty"`
}

// ExecuteTasksRequest starts execution of a task list.
type ExecuteTasksRequest struct {
	SessionID string `json:"session_id"`
	Tasks     []Task `json:"tasks"`
}

// StatusResponse is the minimal response body.
type StatusResponse struct {
	Status  string `json:"status"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// InitResponse returns the session's history and in-chat files.
type InitResponse struct {
	Status   string    `json:"status"`
	Messages []Message `json:"messages"`
	Files    []string  `json:"files"`
	Stage    Stage     `json:"stage"`
}

// FilesResponse is the file inventory of the repository.
type FilesResponse struct {
	Status      string   `json:"status"`
	AllFiles    []string `json:"all_files"`
	InChatFiles []string `json:"inchat_files"`
}

// AddFilesResponse lists the files that were actually added.
type AddFilesResponse struct {
	Status     string   `json:"status"`
	AddedFiles []string `json:"added_files"`
}

// RemoveFilesResponse lists the files that were actually removed.
type RemoveFilesResponse struct {
	Status       string   `json:"status"`
	RemovedFiles []string `json:"removed_files"`
}

// WebPageResponse returns the scraped content.
type WebPageResponse struct {
	Status  string `json:"status"`
	Content string `json:"content"`
}

// GenerateTasksResponse is returned by generate_tasks. In the synchronous
// variant Tasks or TasksText is filled in.
type GenerateTasksResponse struct {
	Status    string                 `json:"status"`
	Tasks     []Task                 `json:"tasks,omitempty"`
	TasksText string                 `json:"tasks_text,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// TaskStatusResponse returns the results of task execution so far.
type TaskStatusResponse struct {
	Status  string       `json:"status"`
	Results []TaskResult `json:"results,omitempty"`
}

// PRDResponse returns the stored PRD text.
type PRDResponse struct {
	Status string `json:"status"`
	PRD    string `json:"prd"`
	Stage  Stage  `json:"stage"`
}

// SessionSummary describes one live session on the server.
type SessionSummary struct {
	ID       string `json:"id"`
	Stage    Stage  `json:"stage"`
	Messages int    `json:"messages"`
	Busy     bool   `json:"busy"`
}
