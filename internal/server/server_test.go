package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grovetools/prdflow/git"
	"github.com/grovetools/prdflow/internal/engine"
	"github.com/grovetools/prdflow/internal/hub"
	"github.com/grovetools/prdflow/pkg/client"
	"github.com/grovetools/prdflow/pkg/models"
	"github.com/grovetools/prdflow/pkg/session"
	"github.com/grovetools/prdflow/pkg/transport"
	"github.com/grovetools/prdflow/testutil"
)

const taskJSON = "```json\n" + `{"tasks": [
  {"id": 1, "name": "Schema", "description": "Create the schema"},
  {"id": 2, "name": "API", "description": "Serve the schema", "dependencies": [1]}
]}` + "\n```"

type testServer struct {
	*httptest.Server
	srv      *Server
	registry *session.Registry
	dir      string
}

// scripted answers each kind of prompt the way a code generator would. A
// chat message starting with "commit " writes and commits the named file.
func scripted(dir string) engine.GeneratorFunc {
	return func(ctx context.Context, req engine.GenerateRequest, emit func(string)) error {
		switch {
		case strings.Contains(req.Prompt, "Product Requirements Document"):
			emit("# PRD\n")
			emit("Build it.")
		case strings.Contains(req.Prompt, "implementation tasks"):
			emit(taskJSON)
		case strings.Contains(req.Prompt, "implement this task"):
			emit("done")
		case strings.HasPrefix(req.Prompt, "commit "):
			name := strings.TrimPrefix(req.Prompt, "commit ")
			emit("Writing " + name)
			return commitFile(dir, name)
		default:
			emit("echo: " + req.Prompt)
		}
		return nil
	}
}

func commitFile(dir, name string) error {
	if err := os.WriteFile(filepath.Join(dir, name), []byte("package main\n"), 0600); err != nil {
		return err
	}
	for _, args := range [][]string{{"add", name}, {"commit", "-m", "Add " + name}} {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		if out, err := cmd.CombinedOutput(); err != nil {
			return fmt.Errorf("git %v: %w: %s", args, err, out)
		}
	}
	return nil
}

func newTestServer(t *testing.T, opts Options) *testServer {
	t.Helper()
	dir := t.TempDir()
	testutil.InitGitRepo(t, dir)
	repo, err := git.Open(context.Background(), dir, nil)
	require.NoError(t, err)

	logger := testutil.Logger("server")
	registry := session.NewRegistry(session.RegistryOptions{}, logger)
	h := hub.New(registry, 256, logger)
	runner := engine.NewRunner(scripted(repo.Dir()), repo, h, logger)
	if opts.Generator == "" {
		opts.Generator = "scripted"
	}
	srv := New(registry, h, runner, repo, engine.NewScraper(nil), opts, logger)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = runner.Shutdown(ctx)
		ts.Close()
	})
	return &testServer{Server: ts, srv: srv, registry: registry, dir: repo.Dir()}
}

func (ts *testServer) post(t *testing.T, path string, body any) (int, map[string]any) {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(ts.URL+path, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func (ts *testServer) get(t *testing.T, path string) (int, map[string]any) {
	t.Helper()
	resp, err := http.Get(ts.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func (ts *testServer) client(t *testing.T, backend, id string) *client.Client {
	t.Helper()
	tr, err := transport.New(backend, transport.Options{
		BaseURL:           ts.URL,
		SessionID:         id,
		ReconnectAttempts: 1,
		ReconnectBackoff:  10 * time.Millisecond,
		RequestTimeout:    10 * time.Second,
		Logger:            testutil.Logger("transport"),
	})
	require.NoError(t, err)
	c := client.New(tr, id, testutil.Logger("client"))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Connect(ctx))
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func waitIdle(t *testing.T, c *client.Client, op string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, c.Wait(ctx, op, 5*time.Millisecond))
}

func TestInitAnnouncesSession(t *testing.T) {
	ts := newTestServer(t, Options{})

	status, body := ts.post(t, "/api/init", models.SessionRequest{SessionID: "s1"})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, models.StatusSuccess, body["status"])
	assert.Equal(t, string(models.StageDescribing), body["stage"])

	messages := body["messages"].([]any)
	require.Len(t, messages, 2)
	info := messages[0].(map[string]any)
	assert.Equal(t, string(models.RoleInfo), info["role"])
	assert.Contains(t, info["content"], "Generator: scripted")
	assert.Contains(t, info["content"], "on branch main with 1 files")
	assert.Equal(t, Greeting, messages[1].(map[string]any)["content"])

	// A second init reattaches without announcing again.
	_, body = ts.post(t, "/api/init", models.SessionRequest{SessionID: "s1"})
	assert.Len(t, body["messages"], 2)
	assert.Equal(t, 1, ts.registry.Len())
}

func TestErrorStatusMapping(t *testing.T) {
	ts := newTestServer(t, Options{})

	tests := []struct {
		name   string
		path   string
		body   any
		status int
		code   string
	}{
		{"missing session id", "/api/init", map[string]string{}, http.StatusBadRequest, "INVALID_INPUT"},
		{"invalid session id", "/api/init", models.SessionRequest{SessionID: "a b"}, http.StatusBadRequest, "INVALID_INPUT"},
		{"empty message", "/api/send_message", models.SendMessageRequest{SessionID: "s1"}, http.StatusBadRequest, "INVALID_INPUT"},
		{"task count out of range", "/api/generate_tasks", models.GenerateTasksRequest{SessionID: "s1", PRD: "x", NumTasks: 11}, http.StatusBadRequest, "INVALID_INPUT"},
		{"tasks before prd", "/api/execute_tasks", models.ExecuteTasksRequest{SessionID: "s1"}, http.StatusConflict, "WORKFLOW_ERROR"},
		{"undo unknown commit", "/api/undo_commit", models.UndoCommitRequest{SessionID: "s1", CommitHash: "abcdef1"}, http.StatusBadRequest, "GIT_NOT_LATEST_COMMIT"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := ts.post(t, tt.path, tt.body)
			assert.Equal(t, tt.status, status)
			assert.Equal(t, models.StatusError, body["status"])
			assert.Equal(t, tt.code, body["code"])
			assert.NotEmpty(t, body["message"])
		})
	}

	t.Run("unknown session on read routes", func(t *testing.T) {
		status, body := ts.get(t, "/api/task_status?session_id=nobody")
		assert.Equal(t, http.StatusNotFound, status)
		assert.Equal(t, "SESSION_NOT_FOUND", body["code"])

		status, _ = ts.get(t, "/api/prd_content?session_id=nobody")
		assert.Equal(t, http.StatusNotFound, status)
	})

	t.Run("wrong method", func(t *testing.T) {
		status, _ := ts.get(t, "/api/init")
		assert.Equal(t, http.StatusMethodNotAllowed, status)
	})
}

func TestAddAndRemoveFiles(t *testing.T) {
	ts := newTestServer(t, Options{})

	status, body := ts.post(t, "/api/add_files", models.FilesRequest{SessionID: "s1", Files: []string{"README.md", "missing.go"}})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, []any{"README.md"}, body["added_files"])

	_, body = ts.get(t, "/api/get_files?session_id=s1")
	assert.Equal(t, []any{"README.md"}, body["all_files"])
	assert.Equal(t, []any{"README.md"}, body["inchat_files"])

	_, body = ts.post(t, "/api/remove_files", models.FilesRequest{SessionID: "s1", Files: []string{"README.md", "missing.go"}})
	assert.Equal(t, []any{"README.md"}, body["removed_files"])

	sess, err := ts.registry.Get("s1")
	require.NoError(t, err)
	assert.Empty(t, sess.InChatFiles())
	messages := sess.Messages()
	assert.Equal(t, "Added README.md to the chat", messages[len(messages)-2].Content)
	assert.Equal(t, "Removed README.md from the chat", messages[len(messages)-1].Content)
}

func TestAddWebPage(t *testing.T) {
	page := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/docs" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, "<html><body><h1>Docs</h1><p>Use the API.</p></body></html>")
	}))
	defer page.Close()
	ts := newTestServer(t, Options{})

	status, body := ts.post(t, "/api/add_web_page", models.WebPageRequest{SessionID: "s1", URL: page.URL + "/docs"})
	require.Equal(t, http.StatusOK, status)
	content := body["content"].(string)
	assert.True(t, strings.HasPrefix(content, page.URL+"/docs\n\n"))
	assert.Contains(t, content, "# Docs")
	assert.Contains(t, content, "Use the API.")

	sess, err := ts.registry.Get("s1")
	require.NoError(t, err)
	messages := sess.Messages()
	assert.Equal(t, content, messages[len(messages)-1].Content)
	assert.False(t, sess.InFlight(session.OpAddWebPage))

	status, body = ts.post(t, "/api/add_web_page", models.WebPageRequest{SessionID: "s1", URL: page.URL + "/gone"})
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "NOT_FOUND", body["code"])
	assert.False(t, sess.InFlight(session.OpAddWebPage))
}

func TestChatCommitAndUndo(t *testing.T) {
	for _, backend := range []string{transport.BackendWebSocket, transport.BackendSSE} {
		t.Run(backend, func(t *testing.T) {
			ts := newTestServer(t, Options{})
			c := ts.client(t, backend, "chat-"+backend)
			ctx := context.Background()

			require.NoError(t, c.Init(ctx))
			assert.Equal(t, Greeting, c.Snapshot().Messages[1].Content)

			require.NoError(t, c.SendMessage(ctx, "commit main.go"))
			waitIdle(t, c, session.OpSendMessage)
			require.Eventually(t, func() bool { return c.Session().LastCommit() != "" }, 5*time.Second, 5*time.Millisecond)

			sess, err := ts.registry.Get("chat-" + backend)
			require.NoError(t, err)
			hash := c.Session().LastCommit()
			assert.Equal(t, hash, sess.LastCommit())
			assert.FileExists(t, filepath.Join(ts.dir, "main.go"))

			var roles []models.Role
			for _, m := range c.Snapshot().Messages[2:] {
				roles = append(roles, m.Role)
			}
			assert.Equal(t, []models.Role{models.RoleUser, models.RoleAssistant, models.RoleInfo, models.RoleCommit}, roles)

			require.NoError(t, c.UndoCommit(ctx, ""))
			assert.Empty(t, c.Session().LastCommit())
			assert.Empty(t, sess.LastCommit())
			assert.NoFileExists(t, filepath.Join(ts.dir, "main.go"))
			last := c.Snapshot().Messages[len(c.Snapshot().Messages)-1]
			assert.Contains(t, last.Content, "Removed: "+hash[:7]+" Add main.go")

			// The commit is gone, so a second undo of it is rejected.
			err = c.UndoCommit(ctx, hash)
			require.Error(t, err)
		})
	}
}

func TestWorkflowEndToEnd(t *testing.T) {
	for _, backend := range []string{transport.BackendWebSocket, transport.BackendSSE} {
		t.Run(backend, func(t *testing.T) {
			ts := newTestServer(t, Options{})
			id := "flow-" + backend
			c := ts.client(t, backend, id)
			ctx := context.Background()
			require.NoError(t, c.Init(ctx))

			require.NoError(t, c.GeneratePRD(ctx, "a todo app"))
			waitIdle(t, c, session.OpGeneratePRD)
			snap := c.Snapshot()
			assert.Equal(t, models.StagePRDReady, snap.Stage)
			assert.Equal(t, "# PRD\nBuild it.", snap.PRD)

			prd, err := c.FetchPRD(ctx)
			require.NoError(t, err)
			assert.Equal(t, snap.PRD, prd)

			require.NoError(t, c.GenerateTasksSync(ctx, prd, 3))
			snap = c.Snapshot()
			assert.Equal(t, models.StageTasksReady, snap.Stage)
			require.Len(t, snap.Tasks, 2)
			assert.Equal(t, "Schema", snap.Tasks[0].Name)

			_, done, err := c.FetchTaskStatus(ctx)
			require.NoError(t, err)
			assert.False(t, done)

			require.NoError(t, c.ExecuteTasks(ctx, nil))
			waitIdle(t, c, session.OpExecuteTasks)
			assert.Equal(t, models.StageExecutionComplete, c.Snapshot().Stage)

			results, done, err := c.FetchTaskStatus(ctx)
			require.NoError(t, err)
			assert.True(t, done)
			require.Len(t, results, 2)
			assert.Equal(t, "Schema", results[0].TaskName)
			assert.Equal(t, "API", results[1].TaskName)
			assert.Equal(t, "done", results[1].Result)
		})
	}
}

func TestGenerateTasksSyncOverREST(t *testing.T) {
	ts := newTestServer(t, Options{})

	status, _ := ts.post(t, "/api/generate_tasks", models.GenerateTasksRequest{SessionID: "s1", Sync: true})
	assert.Equal(t, http.StatusBadRequest, status, "no PRD stored or given")

	// Tasks cannot be generated before a PRD exists, even when one is given.
	status, _ = ts.post(t, "/api/generate_tasks", models.GenerateTasksRequest{SessionID: "s1", PRD: "# PRD", Sync: true})
	assert.Equal(t, http.StatusConflict, status)

	status, _ = ts.post(t, "/api/generate_prd", models.GeneratePRDRequest{SessionID: "s1", Description: "a todo app"})
	require.Equal(t, http.StatusOK, status)
	sess, err := ts.registry.Get("s1")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return sess.Stage() == models.StagePRDReady && !sess.Busy()
	}, 5*time.Second, 10*time.Millisecond)

	status, body := ts.post(t, "/api/generate_tasks", models.GenerateTasksRequest{SessionID: "s1", Sync: true})
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, body["tasks"], 2)
	assert.Equal(t, float64(2), body["metadata"].(map[string]any)["num_tasks"])
	assert.Equal(t, models.StageTasksReady, sess.Stage())
}

func TestStreamStartsWithConnected(t *testing.T) {
	ts := newTestServer(t, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/stream?session_id=s1", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	readLines := func(n int) []string {
		var lines []string
		for len(lines) < n {
			line, err := reader.ReadString('\n')
			require.NoError(t, err)
			if line = strings.TrimSpace(line); line != "" {
				lines = append(lines, line)
			}
		}
		return lines
	}
	assert.Equal(t, []string{
		": connected",
		"event: connected",
		`data: {"session_id":"s1"}`,
	}, readLines(3))

	// The stream created the session, so a chat turn streams to it.
	assert.Equal(t, 1, ts.registry.Len())
	status, _ := ts.post(t, "/api/send_message", models.SendMessageRequest{SessionID: "s1", Message: "hi"})
	require.Equal(t, http.StatusOK, status)

	lines := readLines(2)
	assert.Equal(t, "event: "+string(models.EventMessageChunk), lines[0])
	assert.Equal(t, `data: {"session_id":"s1","chunk":"echo: hi"}`, lines[1])
}

func TestWebSocketOrigin(t *testing.T) {
	ts := newTestServer(t, Options{AllowedOrigins: []string{"http://app.example"}})
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?session_id=s1"

	header := http.Header{"Origin": []string{"http://evil.example"}}
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	header.Set("Origin", "http://app.example")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, header)
	require.NoError(t, err)
	defer conn.Close()

	var f transport.Frame
	require.NoError(t, conn.ReadJSON(&f))
	assert.Equal(t, models.EventConnected, f.Event)

	require.NoError(t, conn.WriteJSON(transport.Frame{ID: "1", Request: "bogus", Data: json.RawMessage(`{}`)}))
	require.NoError(t, conn.ReadJSON(&f))
	assert.Equal(t, "1", f.ID)
	require.NotNil(t, f.Error)
	assert.Equal(t, "INVALID_INPUT", f.Error.Code)
}

func TestSessionsAndSchemaEndpoints(t *testing.T) {
	ts := newTestServer(t, Options{})
	ts.post(t, "/api/init", models.SessionRequest{SessionID: "s1"})

	resp, err := http.Get(ts.URL + "/api/sessions")
	require.NoError(t, err)
	var sessions []models.SessionSummary
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&sessions))
	resp.Body.Close()
	require.Len(t, sessions, 1)
	assert.Equal(t, "s1", sessions[0].ID)

	resp, err = http.Get(ts.URL + "/api/schema/tasks")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var schema map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&schema))
	assert.NotEmpty(t, schema)

	resp, err = http.Get(ts.URL + "/api/config")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	ts.srv.SetRunningConfig(&RunningConfig{Address: "127.0.0.1:5000", Generator: "scripted"})
	_, body := ts.get(t, "/api/config")
	assert.Equal(t, "127.0.0.1:5000", body["address"])
}
