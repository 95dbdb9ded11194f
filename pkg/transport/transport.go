// Package transport connects a prdflow client to the server's event channel.
// Two backends are available: a bidirectional WebSocket channel and an SSE
// stream paired with plain HTTP requests. Both deliver decoded events through
// the same subscription API.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/grovetools/prdflow/errors"
	"github.com/grovetools/prdflow/logging"
	"github.com/grovetools/prdflow/pkg/models"
)

// Backend names accepted by New.
const (
	BackendWebSocket = "websocket"
	BackendSSE       = "sse"
)

const (
	DefaultReconnectAttempts = 5
	DefaultReconnectBackoff  = 2 * time.Second
	DefaultRequestTimeout    = 30 * time.Second
)

// Handler receives decoded events. Handlers run on the transport's reader
// goroutine one at a time and must not block on Send.
type Handler func(models.Event)

// StateHandler is told when the event channel comes up or goes down.
type StateHandler func(connected bool)

// Subscription identifies a registered handler.
type Subscription struct {
	id   uint64
	name models.EventName
}

// Transport is the client side of the event channel plus request sending.
type Transport interface {
	// Subscribe registers h for one event name. Registration works whether or
	// not the transport is connected.
	Subscribe(name models.EventName, h Handler) Subscription
	// SubscribeAll registers h for every event.
	SubscribeAll(h Handler) Subscription
	Unsubscribe(sub Subscription)
	// OnStateChange registers a connection state hook.
	OnStateChange(h StateHandler)
	// Connect opens the event channel, retrying with the configured policy.
	Connect(ctx context.Context) error
	// Send issues a request and decodes the response into out when non-nil.
	Send(ctx context.Context, req models.RequestName, payload, out any) error
	Connected() bool
	Close() error
}

// Options configures a transport.
type Options struct {
	// BaseURL is the server root, e.g. http://127.0.0.1:5000.
	BaseURL           string
	SessionID         string
	ReconnectAttempts int
	ReconnectBackoff  time.Duration
	RequestTimeout    time.Duration
	Logger            *logrus.Entry
}

func (o Options) withDefaults() Options {
	if o.ReconnectAttempts <= 0 {
		o.ReconnectAttempts = DefaultReconnectAttempts
	}
	if o.ReconnectBackoff <= 0 {
		o.ReconnectBackoff = DefaultReconnectBackoff
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = DefaultRequestTimeout
	}
	if o.Logger == nil {
		o.Logger = logging.NewLogger("transport")
	}
	return o
}

// New creates a transport for the named backend.
func New(backend string, opts Options) (Transport, error) {
	if opts.BaseURL == "" {
		return nil, errors.InvalidInput("base_url", "is required")
	}
	if opts.SessionID == "" {
		return nil, errors.InvalidInput("session_id", "is required")
	}
	switch backend {
	case BackendWebSocket, "":
		return NewWebSocket(opts), nil
	case BackendSSE:
		return NewEventStream(opts), nil
	default:
		return nil, errors.InvalidInput("transport.backend", fmt.Sprintf("unknown backend %q", backend))
	}
}

// dispatcher holds subscription bookkeeping shared by both backends.
type dispatcher struct {
	mu     sync.RWMutex
	nextID uint64
	named  map[models.EventName]map[uint64]Handler
	all    map[uint64]Handler
	state  []StateHandler
	logger *logrus.Entry
}

func newDispatcher(logger *logrus.Entry) *dispatcher {
	return &dispatcher{
		named:  make(map[models.EventName]map[uint64]Handler),
		all:    make(map[uint64]Handler),
		logger: logger,
	}
}

func (d *dispatcher) Subscribe(name models.EventName, h Handler) Subscription {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	if d.named[name] == nil {
		d.named[name] = make(map[uint64]Handler)
	}
	d.named[name][d.nextID] = h
	return Subscription{id: d.nextID, name: name}
}

func (d *dispatcher) SubscribeAll(h Handler) Subscription {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	d.all[d.nextID] = h
	return Subscription{id: d.nextID}
}

func (d *dispatcher) Unsubscribe(sub Subscription) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if sub.name == "" {
		delete(d.all, sub.id)
		return
	}
	delete(d.named[sub.name], sub.id)
}

func (d *dispatcher) OnStateChange(h StateHandler) {
	d.mu.Lock()
	d.state = append(d.state, h)
	d.mu.Unlock()
}

func (d *dispatcher) notifyState(connected bool) {
	d.mu.RLock()
	hooks := append([]StateHandler(nil), d.state...)
	d.mu.RUnlock()
	for _, h := range hooks {
		h(connected)
	}
}

// dispatchRaw decodes a wire event and fans it out. Undecodable events are
// logged and dropped.
func (d *dispatcher) dispatchRaw(name models.EventName, data []byte) {
	ev, err := models.DecodeEvent(name, data)
	if err != nil {
		d.logger.WithFields(logrus.Fields{
			"event": name,
			"error": errors.UserMessage(err),
		}).Warn("Dropped undecodable event")
		return
	}
	d.dispatch(ev)
}

func (d *dispatcher) dispatch(ev models.Event) {
	d.mu.RLock()
	handlers := make([]Handler, 0, len(d.named[ev.Name()])+len(d.all))
	for _, h := range d.named[ev.Name()] {
		handlers = append(handlers, h)
	}
	for _, h := range d.all {
		handlers = append(handlers, h)
	}
	d.mu.RUnlock()

	for _, h := range handlers {
		h(ev)
	}
}

// errorFromStatus turns the server's structured error body into a GroveError.
func errorFromStatus(status *models.StatusResponse, fallback string) error {
	code := errors.ErrorCode(status.Code)
	if code == "" {
		code = errors.ErrCodeTransport
	}
	msg := status.Message
	if msg == "" {
		msg = fallback
	}
	return errors.New(code, msg)
}

// decodeInto unmarshals a response body into out, ignoring a nil out.
func decodeInto(data []byte, out any) error {
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return errors.Wrap(err, errors.ErrCodeProtocolViolation, "malformed response")
	}
	return nil
}

// sleepCtx waits for d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// retry runs dial up to attempts times with a fixed backoff between tries.
func retry[T any](ctx context.Context, attempts int, backoff time.Duration, logger *logrus.Entry, dial func(context.Context) (T, error)) (T, error) {
	var zero T
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		v, err := dial(ctx)
		if err == nil {
			return v, nil
		}
		lastErr = err
		logger.WithFields(logrus.Fields{
			"attempt": attempt,
			"of":      attempts,
		}).WithError(err).Debug("Connection attempt failed")
		if attempt == attempts {
			break
		}
		if err := sleepCtx(ctx, backoff); err != nil {
			return zero, errors.TransportFailed("connect", err)
		}
	}
	return zero, errors.TransportFailed("connect", lastErr)
}
