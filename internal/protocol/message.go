package protocol

import (
	"encoding/json"
)

/*
Branch protocol

Clients talk to the branch service over one websocket carrying JSON messages.
Every message has a Type; the other fields are filled in per type.

	client                               server
	  | login {token, connectionId}        |
	  |----------------------------------->|
	  |        login_result {success, info}|
	  |<-----------------------------------|
	  | repo/watch_branch {record,inst,br} |
	  |----------------------------------->|
	  |   repo/watch_branch_result {success}
	  |<-----------------------------------|
	  |     repo/add_updates {updates: []} |  initial state, then live
	  |<-----------------------------------|
	  | repo/add_updates {updates}         |
	  |----------------------------------->|
	  |   repo/updates_received {updateId} |
	  |<-----------------------------------|
*/

// MessageType names a protocol message.
type MessageType string

const (
	LoginMessage             MessageType = "login"
	LoginResultMessage       MessageType = "login_result"
	WatchBranchMessage       MessageType = "repo/watch_branch"
	UnwatchBranchMessage     MessageType = "repo/unwatch_branch"
	WatchBranchResultMessage MessageType = "repo/watch_branch_result"
	GetUpdatesMessage        MessageType = "repo/get_updates"
	GetUpdatesResultMessage  MessageType = "repo/get_updates_result"
	AddUpdatesMessage        MessageType = "repo/add_updates"
	UpdatesReceivedMessage   MessageType = "repo/updates_received"
	SendActionMessage        MessageType = "repo/send_action"
	ReceiveActionMessage     MessageType = "repo/receive_action"
	RateLimitExceededMessage MessageType = "rate_limit_exceeded"
	ErrorMessage             MessageType = "error"
)

// Message represents the message sent over the wire.
type Message struct {
	Type MessageType `json:"type"`

	// RequestID correlates a result with the request that caused it.
	RequestID int64 `json:"requestId,omitempty"`

	// Branch addressing. An empty RecordName addresses a public inst.
	RecordName string `json:"recordName,omitempty"`
	Inst       string `json:"inst,omitempty"`
	Branch     string `json:"branch,omitempty"`

	// Login
	Token        string          `json:"token,omitempty"`
	ConnectionID string          `json:"connectionId,omitempty"`
	Info         *ConnectionInfo `json:"info,omitempty"`

	// Updates are base64 encoded update blobs.
	Updates    []string `json:"updates,omitempty"`
	Timestamps []int64  `json:"timestamps,omitempty"`
	UpdateID   int64    `json:"updateId,omitempty"`

	Action *Action `json:"action,omitempty"`

	Success bool       `json:"success,omitempty"`
	Error   *ErrorInfo `json:"error,omitempty"`

	// RetryAfter is the rate limit back-off in milliseconds.
	RetryAfter int64 `json:"retryAfter,omitempty"`
}

// ConnectionInfo describes an authenticated connection.
type ConnectionInfo struct {
	ConnectionID string `json:"connectionId"`
	SessionID    string `json:"sessionId,omitempty"`
	UserID       string `json:"userId,omitempty"`
}

// ConnectionIndicator is what a client presents to identify itself before
// the server confirms its identity.
type ConnectionIndicator struct {
	ConnectionID    string `json:"connectionId,omitempty"`
	ConnectionToken string `json:"connectionToken,omitempty"`
}

// Action is an application event relayed between the watchers of a branch.
type Action struct {
	Type         string          `json:"type"`
	Data         json.RawMessage `json:"data,omitempty"`
	ConnectionID string          `json:"connectionId,omitempty"`
}

// InstUpdate is one persisted or transmitted update blob.
type InstUpdate struct {
	ID        int64  `json:"id"`
	Timestamp int64  `json:"timestamp"`
	Update    string `json:"update"`
}

// BranchRef addresses one branch of an inst.
type BranchRef struct {
	RecordName string `json:"recordName,omitempty"`
	Inst       string `json:"inst"`
	Branch     string `json:"branch"`
}

// Key is the storage key of the branch; public insts use "public".
func (b BranchRef) Key() string {
	record := b.RecordName
	if record == "" {
		record = "public"
	}
	return record + "/" + b.Inst + "/" + b.Branch
}

// BranchUpdates is the answer to a get_updates request.
type BranchUpdates struct {
	Updates    []string `json:"updates"`
	Timestamps []int64  `json:"timestamps,omitempty"`
}

// ConnectionState reports transport connectivity.
type ConnectionState struct {
	Connected bool            `json:"connected"`
	Info      *ConnectionInfo `json:"info,omitempty"`
	// Error is set when the service rejected the login. The client does not
	// reconnect after that.
	Error *ErrorInfo `json:"error,omitempty"`
}

// BranchEventType tags a BranchEvent.
type BranchEventType string

const (
	BranchUpdatesEvent     BranchEventType = "updates"
	BranchActionEvent      BranchEventType = "event"
	BranchErrorEvent       BranchEventType = "error"
	BranchWatchResultEvent BranchEventType = "watch_branch_result"
)

// BranchEvent is one item of a branch watch.
type BranchEvent struct {
	Type       BranchEventType
	Updates    []string
	Timestamps []int64
	Action     *Action
	Success    bool
	Error      *ErrorInfo
}

// RateLimitExceeded is reported when the server throttles the connection.
type RateLimitExceeded struct {
	RetryAfter int64 `json:"retryAfter"`
}
