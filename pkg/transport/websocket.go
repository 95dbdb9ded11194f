package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/grovetools/prdflow/errors"
	"github.com/grovetools/prdflow/pkg/models"
)

// WebSocketPath is the server endpoint of the channel backend.
const WebSocketPath = "/ws"

// Frame is one WebSocket message. Requests carry ID and Request, replies
// carry the same ID with Data or Error, and pushed events carry Event.
type Frame struct {
	ID      string                 `json:"id,omitempty"`
	Request models.RequestName     `json:"request,omitempty"`
	Event   models.EventName       `json:"event,omitempty"`
	Data    json.RawMessage        `json:"data,omitempty"`
	Error   *models.StatusResponse `json:"error,omitempty"`
}

// WebSocket is the channel backend: requests, replies and events share one
// connection. The session id is sent on every dial so the server reattaches
// the session after a reconnect; missed events are not replayed.
type WebSocket struct {
	*dispatcher
	*supervisor

	dialer *websocket.Dialer

	mu      sync.Mutex
	conn    *wsLink
	nextID  uint64
	pending map[string]chan Frame
}

// NewWebSocket creates an unconnected channel backend.
func NewWebSocket(opts Options) *WebSocket {
	opts = opts.withDefaults()
	w := &WebSocket{
		dialer:  &websocket.Dialer{HandshakeTimeout: opts.RequestTimeout},
		pending: make(map[string]chan Frame),
	}
	w.dispatcher = newDispatcher(opts.Logger.WithField("backend", BackendWebSocket))
	w.supervisor = &supervisor{
		opts: opts,
		d:    w.dispatcher,
		dial: w.dial,
		up: func(l link) {
			w.mu.Lock()
			w.conn = l.(*wsLink)
			w.mu.Unlock()
		},
		down: func(error) { w.dropPending() },
	}
	return w
}

func (w *WebSocket) endpoint() (string, error) {
	u, err := url.Parse(strings.TrimRight(w.opts.BaseURL, "/") + WebSocketPath)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http", "":
		u.Scheme = "ws"
	}
	q := u.Query()
	q.Set("session_id", w.opts.SessionID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (w *WebSocket) dial(ctx context.Context) (link, error) {
	endpoint, err := w.endpoint()
	if err != nil {
		return nil, err
	}
	conn, resp, err := w.dialer.DialContext(ctx, endpoint, http.Header{})
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		return nil, err
	}
	return &wsLink{conn: conn, owner: w}, nil
}

// Send writes a request frame and waits for the matching reply.
func (w *WebSocket) Send(ctx context.Context, req models.RequestName, payload, out any) error {
	w.mu.Lock()
	conn := w.conn
	if conn == nil {
		w.mu.Unlock()
		return errors.NotConnected(string(req))
	}
	w.nextID++
	id := strconv.FormatUint(w.nextID, 10)
	reply := make(chan Frame, 1)
	w.pending[id] = reply
	w.mu.Unlock()

	defer func() {
		w.mu.Lock()
		delete(w.pending, id)
		w.mu.Unlock()
	}()

	data, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInvalidInput, "failed to encode request")
	}
	if err := conn.write(Frame{ID: id, Request: req, Data: data}); err != nil {
		return errors.TransportFailed(string(req), err)
	}

	ctx, cancel := context.WithTimeout(ctx, w.opts.RequestTimeout)
	defer cancel()

	select {
	case f, ok := <-reply:
		if !ok {
			return errors.TransportFailed(string(req), errors.New(errors.ErrCodeTransport, "connection lost"))
		}
		if f.Error != nil {
			return errorFromStatus(f.Error, string(req)+" failed")
		}
		return decodeInto(f.Data, out)
	case <-ctx.Done():
		return errors.TransportFailed(string(req), ctx.Err())
	}
}

func (w *WebSocket) deliverReply(f Frame) {
	w.mu.Lock()
	ch, ok := w.pending[f.ID]
	w.mu.Unlock()
	if !ok {
		w.logger.WithField("id", f.ID).Debug("Reply for unknown request")
		return
	}
	select {
	case ch <- f:
	default:
	}
}

// dropPending fails every request waiting on the lost connection.
func (w *WebSocket) dropPending() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.conn = nil
	for id, ch := range w.pending {
		close(ch)
		delete(w.pending, id)
	}
}

// wsLink is one dialed WebSocket connection.
type wsLink struct {
	conn    *websocket.Conn
	owner   *WebSocket
	writeMu sync.Mutex
	once    sync.Once
}

func (l *wsLink) write(f Frame) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	return l.conn.WriteJSON(f)
}

func (l *wsLink) serve() error {
	for {
		var f Frame
		if err := l.conn.ReadJSON(&f); err != nil {
			return err
		}
		switch {
		case f.Event != "":
			l.owner.dispatchRaw(f.Event, f.Data)
		case f.ID != "":
			l.owner.deliverReply(f)
		default:
			l.owner.logger.Debug("Ignoring empty frame")
		}
	}
}

func (l *wsLink) close() error {
	var err error
	l.once.Do(func() {
		l.writeMu.Lock()
		_ = l.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		l.writeMu.Unlock()
		err = l.conn.Close()
	})
	return err
}

var _ Transport = (*WebSocket)(nil)
