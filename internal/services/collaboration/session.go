package collaboration

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/time/rate"

	"instdocs/internal/auth"
	"instdocs/internal/middleware"
	"instdocs/internal/models"
	"instdocs/internal/protocol"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 32 << 20
)

// Session is one websocket connection to the branch service.
type Session struct {
	*models.Session
	Conn *websocket.Conn
	Send chan []byte // outbound frames, drained by WritePump

	hub     *Hub
	limiter *rate.Limiter

	// Set by login; only touched by the ReadPump goroutine.
	loggedIn bool
	claims   *auth.SessionClaims

	// guarded by hub.mu
	watching map[string]bool

	mu     sync.Mutex
	closed bool
}

func newSession(h *Hub, conn *websocket.Conn, remoteAddr string) *Session {
	s := &Session{
		Session:  models.NewSession(remoteAddr),
		Conn:     conn,
		Send:     make(chan []byte, h.cfg.SendBuffer),
		hub:      h,
		watching: make(map[string]bool),
	}
	if h.cfg.RateLimit > 0 {
		s.limiter = rate.NewLimiter(h.cfg.RateLimit, h.cfg.RateBurst)
	}
	return s
}

// send queues a frame without blocking. It reports false when the buffer is
// full; frames for a closed session are dropped.
func (s *Session) send(frame []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return true
	}
	select {
	case s.Send <- frame:
		return true
	default:
		return false
	}
}

func (s *Session) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.Send)
	}
}

// reply encodes msg and queues it. A session that cannot keep up with its
// own replies is disconnected.
func (s *Session) reply(msg protocol.Message) {
	frame, err := json.Marshal(msg)
	if err != nil {
		s.hub.log.WithError(err).Error("encode reply")
		return
	}
	if !s.send(frame) {
		s.hub.log.WithField("session", s.ID).Warn("send buffer full, closing session")
		s.Conn.Close()
	}
}

// allow applies the connection's rate limit. When the message is refused it
// returns how long the client should wait.
func (s *Session) allow() (bool, time.Duration) {
	if s.limiter == nil {
		return true, 0
	}
	r := s.limiter.Reserve()
	if !r.OK() {
		return false, time.Second
	}
	if d := r.Delay(); d > 0 {
		r.Cancel()
		return false, d
	}
	return true, 0
}

// ReadPump reads and handles protocol messages until the connection fails.
func (s *Session) ReadPump(ctx context.Context) {
	defer func() {
		select {
		case s.hub.unregister <- s:
		case <-s.hub.ctx.Done():
		}
		s.Conn.Close()
	}()

	s.Conn.SetReadLimit(maxMessageSize)
	s.Conn.SetReadDeadline(time.Now().Add(pongWait))
	s.Conn.SetPongHandler(func(string) error {
		s.Conn.SetReadDeadline(time.Now().Add(pongWait))
		s.LastActiveAt = time.Now()
		return nil
	})

	for {
		_, data, err := s.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.hub.log.WithError(err).WithField("session", s.ID).Warn("websocket read failed")
			}
			return
		}
		s.LastActiveAt = time.Now()
		s.Conn.SetReadDeadline(time.Now().Add(pongWait))

		var msg protocol.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			s.reject(protocol.Message{}, protocol.CodeUnacceptableRequest, "malformed message")
			continue
		}
		messagesReceived.WithLabelValues(string(msg.Type)).Inc()

		if ok, wait := s.allow(); !ok {
			requestsRejected.WithLabelValues(protocol.CodeRateLimitExceeded).Inc()
			s.reply(protocol.Message{
				Type:       protocol.RateLimitExceededMessage,
				RetryAfter: wait.Milliseconds(),
			})
			continue
		}

		msgCtx, span := middleware.StartSpan(ctx, "BranchService.HandleMessage",
			attribute.String("session.id", s.ID),
			attribute.String("message.type", string(msg.Type)),
			attribute.Int("message.size", len(data)),
		)
		s.hub.handleMessage(msgCtx, s, msg)
		span.End()
	}
}

// WritePump writes queued frames, one websocket message each, and keeps the
// connection alive with pings.
func (s *Session) WritePump(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.Conn.Close()
	}()

	for {
		select {
		case frame, ok := <-s.Send:
			s.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				s.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.Conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}

		case <-ticker.C:
			s.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-ctx.Done():
			return
		}
	}
}
