package auth

import (
	"instdocs/internal/stream"
)

// Request kinds.
const (
	KindNotAuthorized = "not_authorized"
)

// Resource identifies what access was denied to.
type Resource struct {
	Type       string `json:"type"`
	RecordName string `json:"recordName,omitempty"`
	Inst       string `json:"inst"`
	Branch     string `json:"branch,omitempty"`
}

// Request asks whoever handles authentication (a login prompt, a token
// refresher) to recover from a denial.
type Request struct {
	Origin       string   `json:"origin"`
	Kind         string   `json:"kind"`
	ErrorCode    string   `json:"errorCode"`
	ErrorMessage string   `json:"errorMessage"`
	Resource     Resource `json:"resource"`
	Reason       string   `json:"reason,omitempty"`
}

// Message is what subscribers of a Source receive.
type Message struct {
	Type string `json:"type"`
	Request
}

// Source collects auth requests from documents and multicasts them.
type Source struct {
	messages stream.Stream[Message]
}

func NewSource() *Source {
	return &Source{}
}

// SendAuthRequest publishes req to subscribers as a "request" message.
func (s *Source) SendAuthRequest(req Request) {
	s.messages.Emit(Message{Type: "request", Request: req})
}

// Subscribe registers fn for every message and returns a func that removes it.
func (s *Source) Subscribe(fn func(Message)) func() {
	return s.messages.Subscribe(fn)
}
