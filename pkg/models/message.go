// Package models defines the data exchanged between prdflow clients and the server:
// chat messages, workflow stages, tasks, events and request payloads.
package models

import (
	"time"

	"github.com/oklog/ulid/v2"
)

// Role identifies who produced a chat message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleInfo      Role = "info"
	RoleError     Role = "error"
	RoleCommit    Role = "commit"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleInfo, RoleError, RoleCommit:
		return true
	}
	return false
}

// Message is one entry of a session's conversation history.
// Messages are never modified after they are appended.
type Message struct {
	ID            string    `json:"id"`
	Role          Role      `json:"role"`
	Content       string    `json:"content"`
	CommitHash    string    `json:"commit_hash,omitempty"`
	CommitMessage string    `json:"commit_message,omitempty"`
	Diff          string    `json:"diff,omitempty"`
	EditedFiles   []string  `json:"edited_files,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// NewMessage creates a message with a fresh ULID.
func NewMessage(role Role, content string) Message {
	return Message{
		ID:        ulid.Make().String(),
		Role:      role,
		Content:   content,
		CreatedAt: time.Now(),
	}
}

// NewCommitMessage creates a commit message carrying the commit details.
func NewCommitMessage(hash, message, diff string) Message {
	m := NewMessage(RoleCommit, message)
	m.CommitHash = hash
	m.CommitMessage = message
	m.Diff = diff
	return m
}
