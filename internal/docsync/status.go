package docsync

import (
	"instdocs/internal/protocol"
	"instdocs/internal/stream"
)

// StatusType names one layer of the connection status.
type StatusType string

const (
	StatusConnection     StatusType = "connection"
	StatusAuthentication StatusType = "authentication"
	StatusAuthorization  StatusType = "authorization"
	StatusSync           StatusType = "sync"
)

// StatusUpdate is one snapshot of a status layer. Only the flag matching Type
// is meaningful.
type StatusUpdate struct {
	Type          StatusType
	Connected     bool
	Authenticated bool
	Authorized    bool
	Synced        bool
	Info          *protocol.ConnectionInfo
	Error         *protocol.ErrorInfo
}

func newStatusStream() *stream.Latest[StatusType, StatusUpdate] {
	return stream.NewLatest(func(s StatusUpdate) StatusType { return s.Type },
		StatusConnection, StatusAuthentication, StatusAuthorization, StatusSync)
}

func connectionStatus(connected bool) StatusUpdate {
	return StatusUpdate{Type: StatusConnection, Connected: connected}
}

func authenticationStatus(info *protocol.ConnectionInfo) StatusUpdate {
	return StatusUpdate{Type: StatusAuthentication, Authenticated: true, Info: info}
}

func authenticationFailed(err *protocol.ErrorInfo) StatusUpdate {
	return StatusUpdate{Type: StatusAuthentication, Authenticated: false, Error: err}
}

func authorizationStatus(authorized bool, err *protocol.ErrorInfo) StatusUpdate {
	return StatusUpdate{Type: StatusAuthorization, Authorized: authorized, Error: err}
}

func syncStatus(synced bool) StatusUpdate {
	return StatusUpdate{Type: StatusSync, Synced: synced}
}
