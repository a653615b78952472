package models

import (
	"time"

	"github.com/segmentio/ksuid"
)

// Session represents an active websocket connection to the branch service.
type Session struct {
	ID           string    `json:"id"`
	ConnectionID string    `json:"connection_id"`
	UserID       string    `json:"user_id,omitempty"`
	SessionID    string    `json:"session_id,omitempty"`
	RemoteAddr   string    `json:"remote_addr"`
	ConnectedAt  time.Time `json:"connected_at"`
	LastActiveAt time.Time `json:"last_active_at"`
}

// NewSession creates a session for a connection that has not logged in yet.
func NewSession(remoteAddr string) *Session {
	now := time.Now()
	return &Session{
		ID:           ksuid.New().String(),
		RemoteAddr:   remoteAddr,
		ConnectedAt:  now,
		LastActiveAt: now,
	}
}

// SessionSummary is what the HTTP API reports about a watched branch.
type SessionSummary struct {
	BranchKey string `json:"branch_key"`
	Watchers  int    `json:"watchers"`
}
