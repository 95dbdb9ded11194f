// Package hub fans session events out to the connections watching each
// session.
package hub

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/grovetools/prdflow/errors"
	"github.com/grovetools/prdflow/pkg/models"
	"github.com/grovetools/prdflow/pkg/session"
)

// DefaultBuffer is the per-subscriber channel capacity.
const DefaultBuffer = 100

// Hub is thread-safe. Every published event is first reduced into the server's
// copy of the session, then delivered to that session's subscribers.
type Hub struct {
	mu          sync.RWMutex
	registry    *session.Registry
	subscribers map[string]map[chan models.Envelope]struct{}
	buffer      int
	dropped     uint64
	logger      *logrus.Entry
}

// New creates a hub over the registry's sessions.
func New(registry *session.Registry, buffer int, logger *logrus.Entry) *Hub {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Hub{
		registry:    registry,
		subscribers: make(map[string]map[chan models.Envelope]struct{}),
		buffer:      buffer,
		logger:      logger,
	}
}

// Publish reduces ev into its session and broadcasts it. Events for unknown
// sessions are not delivered.
func (h *Hub) Publish(ev models.Event) {
	sess, err := h.registry.Get(ev.Session())
	if err != nil {
		h.logger.WithFields(logrus.Fields{
			"event":      ev.Name(),
			"session_id": ev.Session(),
		}).Debug("Dropping event for unknown session")
		return
	}
	if err := sess.Apply(ev); err != nil && !errors.Is(err, errors.ErrCodeProtocolViolation) {
		h.logger.WithError(err).WithField("event", ev.Name()).Warn("Failed to apply event")
	}

	env, err := models.EncodeEvent(ev)
	if err != nil {
		h.logger.WithError(err).Error("Failed to encode event")
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subscribers[ev.Session()] {
		select {
		case ch <- env:
		default:
			// Slow subscribers lose events and re-fetch state.
			h.dropped++
			h.logger.WithFields(logrus.Fields{
				"event":      ev.Name(),
				"session_id": ev.Session(),
			}).Warn("Subscriber buffer full, event dropped")
		}
	}
}

// Subscribe creates a subscription channel for one session's events.
func (h *Hub) Subscribe(sessionID string) chan models.Envelope {
	h.mu.Lock()
	defer h.mu.Unlock()
	ch := make(chan models.Envelope, h.buffer)
	if h.subscribers[sessionID] == nil {
		h.subscribers[sessionID] = make(map[chan models.Envelope]struct{})
	}
	h.subscribers[sessionID][ch] = struct{}{}
	return ch
}

// Unsubscribe removes a subscription and closes its channel. Unsubscribing a
// channel that was already closed by CloseSession is a no-op.
func (h *Hub) Unsubscribe(sessionID string, ch chan models.Envelope) {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs := h.subscribers[sessionID]
	if _, ok := subs[ch]; !ok {
		return
	}
	delete(subs, ch)
	close(ch)
	if len(subs) == 0 {
		delete(h.subscribers, sessionID)
	}
}

// CloseSession closes every subscription of an evicted session.
func (h *Hub) CloseSession(sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subscribers[sessionID] {
		close(ch)
	}
	delete(h.subscribers, sessionID)
}

// Subscribers returns the number of live subscriptions for a session.
func (h *Hub) Subscribers(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers[sessionID])
}

// Dropped returns how many deliveries were skipped because a buffer was full.
func (h *Hub) Dropped() uint64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.dropped
}
