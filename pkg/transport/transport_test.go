package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/grovetools/prdflow/errors"
	"github.com/grovetools/prdflow/pkg/models"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
		goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"),
	)
}

type requestHandler func(name models.RequestName, data json.RawMessage) (any, *models.StatusResponse)

// fakeServer speaks both backends' wire formats.
type fakeServer struct {
	srv      *httptest.Server
	upgrader websocket.Upgrader
	handle   requestHandler
	dials    atomic.Int32

	mu      sync.Mutex
	wsConns []*wsPeer
	sseSubs []chan models.Envelope
}

// wsPeer serializes writes to one server-side connection.
type wsPeer struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (p *wsPeer) write(fr Frame) {
	p.mu.Lock()
	defer p.mu.Unlock()
	_ = p.conn.WriteJSON(fr)
}

func newFakeServer(t *testing.T, handle requestHandler) *fakeServer {
	t.Helper()
	f := &fakeServer{handle: handle}
	mux := http.NewServeMux()
	mux.HandleFunc(WebSocketPath, f.serveWS)
	mux.HandleFunc(StreamPath, f.serveSSE)
	for name, route := range models.Routes {
		name, route := name, route
		mux.HandleFunc(route.Path, func(w http.ResponseWriter, r *http.Request) {
			if r.Method != route.Method {
				http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
				return
			}
			var data json.RawMessage
			if r.Method == http.MethodGet {
				data, _ = json.Marshal(map[string]string{"session_id": r.URL.Query().Get("session_id")})
			} else {
				_ = json.NewDecoder(r.Body).Decode(&data)
			}
			resp, status := f.handle(name, data)
			w.Header().Set("Content-Type", "application/json")
			if status != nil {
				w.WriteHeader(http.StatusConflict)
				_ = json.NewEncoder(w).Encode(status)
				return
			}
			_ = json.NewEncoder(w).Encode(resp)
		})
	}
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.close)
	return f
}

func (f *fakeServer) close() {
	f.dropAll()
	f.srv.CloseClientConnections()
	f.srv.Close()
}

func (f *fakeServer) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	f.dials.Add(1)
	sid := r.URL.Query().Get("session_id")

	peer := &wsPeer{conn: conn}

	f.mu.Lock()
	f.wsConns = append(f.wsConns, peer)
	connected, _ := json.Marshal(models.Connected{SessionID: sid})
	peer.write(Frame{Event: models.EventConnected, Data: connected})
	f.mu.Unlock()

	for {
		var fr Frame
		if err := conn.ReadJSON(&fr); err != nil {
			return
		}
		resp, status := f.handle(fr.Request, fr.Data)
		reply := Frame{ID: fr.ID, Error: status}
		if status == nil {
			reply.Data, _ = json.Marshal(resp)
		}
		peer.write(reply)
	}
}

func (f *fakeServer) serveSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}
	f.dials.Add(1)
	w.Header().Set("Content-Type", "text/event-stream")
	ch := make(chan models.Envelope, 16)
	f.mu.Lock()
	f.sseSubs = append(f.sseSubs, ch)
	f.mu.Unlock()

	fmt.Fprintf(w, ": connected\n\n")
	connected, _ := json.Marshal(models.Connected{SessionID: r.URL.Query().Get("session_id")})
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", models.EventConnected, connected)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case env, ok := <-ch:
			if !ok {
				return
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", env.Event, env.Data)
			flusher.Flush()
		}
	}
}

func (f *fakeServer) push(t *testing.T, ev models.Event) {
	t.Helper()
	env, err := models.EncodeEvent(ev)
	require.NoError(t, err)
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.wsConns {
		p.write(Frame{Event: env.Event, Data: env.Data})
	}
	for _, ch := range f.sseSubs {
		ch <- env
	}
}

func (f *fakeServer) pushRaw(name models.EventName, data string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.wsConns {
		p.write(Frame{Event: name, Data: json.RawMessage(data)})
	}
	for _, ch := range f.sseSubs {
		ch <- models.Envelope{Event: name, Data: json.RawMessage(data)}
	}
}

// dropAll severs every open event channel from the server side.
func (f *fakeServer) dropAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.wsConns {
		_ = p.conn.Close()
	}
	for _, ch := range f.sseSubs {
		close(ch)
	}
	f.wsConns, f.sseSubs = nil, nil
}

func echoFiles(name models.RequestName, data json.RawMessage) (any, *models.StatusResponse) {
	switch name {
	case models.RequestGetFiles:
		var req models.SessionRequest
		_ = json.Unmarshal(data, &req)
		return models.FilesResponse{
			Status:      models.StatusSuccess,
			AllFiles:    []string{"a.go", "b.go"},
			InChatFiles: []string{req.SessionID + ".go"},
		}, nil
	case models.RequestGeneratePRD:
		return nil, &models.StatusResponse{
			Status:  models.StatusError,
			Code:    string(errors.ErrCodeInFlight),
			Message: "generate_prd is already in progress",
		}
	default:
		return models.StatusResponse{Status: models.StatusSuccess}, nil
	}
}

func testOptions(baseURL string) Options {
	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)
	return Options{
		BaseURL:           baseURL,
		SessionID:         "s1",
		ReconnectAttempts: 3,
		ReconnectBackoff:  20 * time.Millisecond,
		RequestTimeout:    2 * time.Second,
		Logger:            logrus.NewEntry(logger),
	}
}

func backends(baseURL string) map[string]Transport {
	return map[string]Transport{
		BackendWebSocket: NewWebSocket(testOptions(baseURL)),
		BackendSSE:       NewEventStream(testOptions(baseURL)),
	}
}

func collect(tr Transport, name models.EventName) (<-chan models.Event, Subscription) {
	ch := make(chan models.Event, 16)
	sub := tr.Subscribe(name, func(ev models.Event) { ch <- ev })
	return ch, sub
}

func waitEvent(t *testing.T, ch <-chan models.Event) models.Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func TestBackendsRequestAndEvents(t *testing.T) {
	srv := newFakeServer(t, echoFiles)
	for name, tr := range backends(srv.srv.URL) {
		t.Run(name, func(t *testing.T) {
			defer tr.Close()
			connected, _ := collect(tr, models.EventConnected)
			chunks, _ := collect(tr, models.EventMessageChunk)

			require.NoError(t, tr.Connect(context.Background()))
			assert.True(t, tr.Connected())
			assert.Equal(t, "s1", waitEvent(t, connected).Session())

			var files models.FilesResponse
			require.NoError(t, tr.Send(context.Background(), models.RequestGetFiles,
				models.SessionRequest{SessionID: "s1"}, &files))
			assert.Equal(t, []string{"a.go", "b.go"}, files.AllFiles)
			assert.Equal(t, []string{"s1.go"}, files.InChatFiles)

			srv.push(t, models.MessageChunk{SessionID: "s1", Chunk: "hi"})
			ev := waitEvent(t, chunks)
			assert.Equal(t, "hi", ev.(models.MessageChunk).Chunk)
		})
	}
}

func TestBackendsStructuredError(t *testing.T) {
	srv := newFakeServer(t, echoFiles)
	for name, tr := range backends(srv.srv.URL) {
		t.Run(name, func(t *testing.T) {
			defer tr.Close()
			require.NoError(t, tr.Connect(context.Background()))

			err := tr.Send(context.Background(), models.RequestGeneratePRD,
				models.GeneratePRDRequest{SessionID: "s1", Description: "x"}, nil)
			require.Error(t, err)
			assert.True(t, errors.Is(err, errors.ErrCodeInFlight))
			assert.Equal(t, "generate_prd is already in progress", errors.UserMessage(err))
		})
	}
}

func TestBackendsDropUndecodableEvents(t *testing.T) {
	srv := newFakeServer(t, echoFiles)
	for name, tr := range backends(srv.srv.URL) {
		t.Run(name, func(t *testing.T) {
			defer tr.Close()
			all := make(chan models.Event, 16)
			tr.SubscribeAll(func(ev models.Event) {
				if ev.Name() != models.EventConnected {
					all <- ev
				}
			})
			connected, _ := collect(tr, models.EventConnected)
			require.NoError(t, tr.Connect(context.Background()))
			waitEvent(t, connected)

			srv.pushRaw("telemetry", `{"session_id":"s1"}`)
			srv.pushRaw(models.EventTaskChunk, `{"task_name": 7}`)
			srv.push(t, models.Error{SessionID: "s1", Message: "boom"})

			ev := waitEvent(t, all)
			assert.Equal(t, models.EventError, ev.Name())
		})
	}
}

func TestUnsubscribe(t *testing.T) {
	srv := newFakeServer(t, echoFiles)
	tr := NewWebSocket(testOptions(srv.srv.URL))
	defer tr.Close()

	var count atomic.Int32
	sub := tr.Subscribe(models.EventMessageChunk, func(models.Event) { count.Add(1) })
	marker, _ := collect(tr, models.EventError)
	connected, _ := collect(tr, models.EventConnected)
	require.NoError(t, tr.Connect(context.Background()))
	waitEvent(t, connected)

	tr.Unsubscribe(sub)
	srv.push(t, models.MessageChunk{SessionID: "s1", Chunk: "ignored"})
	srv.push(t, models.Error{SessionID: "s1"})
	waitEvent(t, marker)
	assert.Equal(t, int32(0), count.Load())
}

func TestSendFailsFastWhenDisconnected(t *testing.T) {
	tr := NewWebSocket(testOptions("http://127.0.0.1:1"))
	start := time.Now()
	err := tr.Send(context.Background(), models.RequestInit, models.SessionRequest{SessionID: "s1"}, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrCodeTransport))
	assert.Less(t, time.Since(start), time.Second)
}

func TestConnectGivesUpAfterBoundedAttempts(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()

	for name, tr := range backends(srv.URL) {
		t.Run(name, func(t *testing.T) {
			defer tr.Close()
			_, _ = collect(tr, models.EventConnected)

			start := time.Now()
			err := tr.Connect(context.Background())
			require.Error(t, err)
			assert.True(t, errors.Is(err, errors.ErrCodeTransport))
			// Three attempts with two backoffs in between.
			assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
			assert.False(t, tr.Connected())
		})
	}
}

func TestBackendsReconnectAfterDrop(t *testing.T) {
	srv := newFakeServer(t, echoFiles)
	for name, tr := range backends(srv.srv.URL) {
		t.Run(name, func(t *testing.T) {
			defer tr.Close()
			states := make(chan bool, 8)
			tr.OnStateChange(func(up bool) { states <- up })
			connected, _ := collect(tr, models.EventConnected)

			before := srv.dials.Load()
			require.NoError(t, tr.Connect(context.Background()))
			assert.True(t, <-states)
			waitEvent(t, connected)

			srv.dropAll()
			assert.False(t, <-states)
			assert.True(t, <-states)
			waitEvent(t, connected)
			assert.Equal(t, before+2, srv.dials.Load())
		})
	}
}

func TestNewValidatesOptions(t *testing.T) {
	_, err := New(BackendSSE, Options{SessionID: "s1"})
	assert.Error(t, err)
	_, err = New(BackendSSE, Options{BaseURL: "http://x"})
	assert.Error(t, err)
	_, err = New("carrier-pigeon", testOptions("http://x"))
	assert.True(t, errors.Is(err, errors.ErrCodeInvalidInput))

	tr, err := New("", testOptions("http://x"))
	require.NoError(t, err)
	assert.IsType(t, &WebSocket{}, tr)
}

func TestQueryFrom(t *testing.T) {
	q, err := queryFrom(models.GenerateTasksRequest{SessionID: "s1", NumTasks: 4, Sync: true})
	require.NoError(t, err)
	assert.Equal(t, "s1", q.Get("session_id"))
	assert.Equal(t, "4", q.Get("num_tasks"))
	assert.Equal(t, "true", q.Get("sync"))
	assert.Empty(t, q.Get("prd"))
}
