package session

import (
	"fmt"
	"strings"

	"github.com/grovetools/prdflow/errors"
)

// StreamKind names the logical channel a chunk belongs to.
type StreamKind string

const (
	StreamMessage StreamKind = "message"
	StreamPRD     StreamKind = "prd"
	StreamTasks   StreamKind = "tasks"
	// StreamTask buffers are additionally keyed by task name.
	StreamTask StreamKind = "task"
)

type streamKey struct {
	kind StreamKind
	name string
}

func (k streamKey) String() string {
	if k.name == "" {
		return string(k.kind)
	}
	return fmt.Sprintf("%s[%s]", k.kind, k.name)
}

// Aggregator accumulates streamed fragments into complete artifacts for a
// single session. Buffers are live previews only: an authoritative value on
// completion always wins.
//
// Aggregator is not safe for concurrent use; Session serializes access.
type Aggregator struct {
	sessionID string
	buffers   map[streamKey]*strings.Builder
}

// NewAggregator creates an aggregator bound to sessionID.
func NewAggregator(sessionID string) *Aggregator {
	return &Aggregator{
		sessionID: sessionID,
		buffers:   make(map[streamKey]*strings.Builder),
	}
}

// Accepts reports whether an event correlated with sessionID belongs to this
// aggregator's session. Events for any other session must not touch state.
func (a *Aggregator) Accepts(sessionID string) bool {
	return sessionID == a.sessionID
}

// Start opens the buffer for (kind, name). Opening a buffer that is already
// open is a protocol violation; the existing buffer is left untouched.
func (a *Aggregator) Start(kind StreamKind, name string) error {
	key := streamKey{kind, name}
	if _, open := a.buffers[key]; open {
		return errors.ProtocolViolation(key.String(), "stream already open")
	}
	a.buffers[key] = &strings.Builder{}
	return nil
}

// Chunk appends fragment to the (kind, name) buffer. Chunks for another
// session are ignored. Message, PRD and task-list buffers open implicitly on
// their first chunk; per-task buffers must have been started.
// It reports whether the fragment was accepted.
func (a *Aggregator) Chunk(kind StreamKind, name, sessionID, fragment string) bool {
	if !a.Accepts(sessionID) {
		return false
	}
	key := streamKey{kind, name}
	buf, open := a.buffers[key]
	if !open {
		if kind == StreamTask {
			return false
		}
		buf = &strings.Builder{}
		a.buffers[key] = buf
	}
	buf.WriteString(fragment)
	return true
}

// Complete closes the (kind, name) buffer and returns the finalized content:
// authoritative when non-nil, otherwise whatever was buffered (possibly
// nothing). The second result is false only for events of another session.
func (a *Aggregator) Complete(kind StreamKind, name, sessionID string, authoritative *string) (string, bool) {
	if !a.Accepts(sessionID) {
		return "", false
	}
	key := streamKey{kind, name}
	buffered := ""
	if buf, open := a.buffers[key]; open {
		buffered = buf.String()
		delete(a.buffers, key)
	}
	if authoritative != nil {
		return *authoritative, true
	}
	return buffered, true
}

// Preview returns the current content of an open buffer.
func (a *Aggregator) Preview(kind StreamKind, name string) (string, bool) {
	buf, open := a.buffers[streamKey{kind, name}]
	if !open {
		return "", false
	}
	return buf.String(), true
}

// IsOpen reports whether the (kind, name) buffer is receiving chunks.
func (a *Aggregator) IsOpen(kind StreamKind, name string) bool {
	_, open := a.buffers[streamKey{kind, name}]
	return open
}

// Reset abandons every open buffer. Called when the event channel drops so a
// fresh start after reconnecting is not mistaken for a duplicate.
func (a *Aggregator) Reset() int {
	n := len(a.buffers)
	a.buffers = make(map[streamKey]*strings.Builder)
	return n
}
