package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/grovetools/prdflow/errors"
	"github.com/grovetools/prdflow/pkg/models"
	"github.com/grovetools/prdflow/pkg/transport"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
	outboxSize = 32
)

// restHandler serves one request route. GET requests take their fields from
// the query string, other methods from a JSON body.
func (s *Server) restHandler(name models.RequestName, route models.Route) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != route.Method {
			w.Header().Set("Allow", route.Method)
			writeJSON(w, http.StatusMethodNotAllowed, &models.StatusResponse{
				Status:  models.StatusError,
				Code:    string(errors.ErrCodeInvalidInput),
				Message: fmt.Sprintf("%s requires %s", route.Path, route.Method),
			})
			return
		}

		var data json.RawMessage
		if route.Method == http.MethodGet {
			fields := make(map[string]string)
			for k, v := range r.URL.Query() {
				if len(v) > 0 {
					fields[k] = v[0]
				}
			}
			data, _ = json.Marshal(fields)
		} else {
			body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
			if err != nil {
				writeError(w, errors.Wrap(err, errors.ErrCodeInvalidInput, "failed to read request body"))
				return
			}
			data = body
		}

		resp, err := s.dispatch(r.Context(), name, data)
		if err != nil {
			s.requestLogger(name, err).Debug("Request failed")
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func (s *Server) requestLogger(name models.RequestName, err error) *logrus.Entry {
	return s.logger.WithFields(logrus.Fields{
		"request": name,
		"code":    errors.GetCode(err),
		"error":   errors.UserMessage(err),
	})
}

// handleStream provides Server-Sent Events for one session. Each event is
// written as an "event:" line naming it and a "data:" line with its JSON.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	sess, err := s.session(r.Context(), r.URL.Query().Get("session_id"))
	if err != nil {
		writeError(w, err)
		return
	}

	// Ensure the connection supports flushing
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	// Set SSE headers
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch := s.hub.Subscribe(sess.ID())
	defer s.hub.Unsubscribe(sess.ID(), ch)

	// Send initial ping to confirm connection
	fmt.Fprintf(w, ": connected\n\n")
	if env, err := models.EncodeEvent(models.Connected{SessionID: sess.ID()}); err == nil {
		writeSSE(w, env)
	}
	flusher.Flush()

	log := s.logger.WithField("session_id", sess.ID())
	log.Debug("SSE client connected")

	keepAlive := time.NewTicker(s.opts.KeepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			log.Debug("SSE client disconnected")
			return
		case <-keepAlive.C:
			fmt.Fprintf(w, ": ping\n\n")
			flusher.Flush()
		case env, ok := <-ch:
			if !ok {
				log.Debug("Session closed, ending SSE stream")
				return
			}
			writeSSE(w, env)
			flusher.Flush()
		}
	}
}

func writeSSE(w io.Writer, env models.Envelope) {
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", env.Event, env.Data)
}

// handleWebSocket serves the channel backend: request frames are answered
// with reply frames carrying the same id, and the session's events are
// pushed as event frames on the same connection.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	sess, err := s.session(r.Context(), r.URL.Query().Get("session_id"))
	if err != nil {
		writeError(w, err)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied to the client.
		s.logger.WithError(err).Debug("WebSocket upgrade failed")
		return
	}

	id := sess.ID()
	log := s.logger.WithField("session_id", id)
	log.Debug("WebSocket client connected")

	ctx, cancel := context.WithCancel(r.Context())
	events := s.hub.Subscribe(id)
	outbox := make(chan transport.Frame, outboxSize)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer cancel()
		s.writeFrames(ctx, conn, id, events, outbox, log)
	}()

	conn.SetReadLimit(maxBodyBytes)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var f transport.Frame
		if err := conn.ReadJSON(&f); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.WithError(err).Debug("WebSocket read failed")
			}
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		if f.ID == "" {
			log.Debug("Ignoring frame without id")
			continue
		}

		wg.Add(1)
		go func(f transport.Frame) {
			defer wg.Done()
			reply := transport.Frame{ID: f.ID}
			resp, err := s.dispatch(ctx, f.Request, f.Data)
			if err == nil {
				reply.Data, err = json.Marshal(resp)
			}
			if err != nil {
				s.requestLogger(f.Request, err).Debug("Request failed")
				reply.Data = nil
				reply.Error = errorStatus(err)
			}
			select {
			case outbox <- reply:
			case <-ctx.Done():
			}
		}(f)
	}

	cancel()
	wg.Wait()
	s.hub.Unsubscribe(id, events)
	_ = conn.Close()
	log.Debug("WebSocket client disconnected")
}

// writeFrames is the connection's only writer. The connected event goes out
// first, then replies and session events in the order they become ready.
func (s *Server) writeFrames(ctx context.Context, conn *websocket.Conn, id string, events <-chan models.Envelope, outbox <-chan transport.Frame, log *logrus.Entry) {
	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	write := func(f transport.Frame) bool {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(f); err != nil {
			log.WithError(err).Debug("WebSocket write failed")
			_ = conn.Close()
			return false
		}
		return true
	}

	if env, err := models.EncodeEvent(models.Connected{SessionID: id}); err == nil {
		if !write(transport.Frame{Event: env.Event, Data: env.Data}) {
			return
		}
	}

	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		case f := <-outbox:
			if !write(f) {
				return
			}
		case env, ok := <-events:
			if !ok {
				log.Debug("Session closed, ending WebSocket")
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "session closed"), time.Now().Add(writeWait))
				_ = conn.Close()
				return
			}
			if !write(transport.Frame{Event: env.Event, Data: env.Data}) {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				_ = conn.Close()
				return
			}
		}
	}
}
