package collaboration

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"instdocs/internal/auth"
	"instdocs/internal/models"
	"instdocs/internal/services"
)

/*
BRANCH SERVICE HUB

Every websocket connection is a Session. A session watches any number of
branches; the hub keeps, per branch key, the set of sessions watching it and
fans every stored update out to them.

Registration, unregistration and broadcasts are serialized through one event
loop goroutine. Watching is synchronous so a watcher is registered before its
initial batch is read from the repository; an update stored in between is
delivered twice at worst, which replicas ignore.
*/

// TokenValidator checks login tokens.
type TokenValidator interface {
	Validate(token string) (*auth.SessionClaims, error)
}

// Compactor is told about every branch that grew.
type Compactor interface {
	MaybeCompact(branch *models.Branch)
}

// HubConfig holds the per-connection limits of the branch service.
type HubConfig struct {
	// MaxBranchSize caps the stored size of a branch in bytes; 0 disables it.
	MaxBranchSize int64
	// RateLimit is the number of messages per second a connection may send;
	// 0 disables limiting.
	RateLimit  rate.Limit
	RateBurst  int
	SendBuffer int
}

// Hub manages the sessions of the branch service.
type Hub struct {
	repo      services.UpdateRepository
	tokens    TokenValidator
	compactor Compactor
	fanout    *Fanout
	cfg       HubConfig
	log       *logrus.Entry

	sessions map[*Session]bool
	branches map[string]map[*Session]bool // branch key -> watchers
	mu       sync.RWMutex

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	register   chan *Session
	unregister chan *Session
	broadcast  chan *branchBroadcast

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type branchBroadcast struct {
	BranchKey string
	Message   []byte
	Sender    *Session
}

// NewHub creates a hub. tokens, compactor and fanout may be nil.
func NewHub(repo services.UpdateRepository, tokens TokenValidator, compactor Compactor, fanout *Fanout, cfg HubConfig, log *logrus.Entry) *Hub {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 256
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		repo:       repo,
		tokens:     tokens,
		compactor:  compactor,
		fanout:     fanout,
		cfg:        cfg,
		log:        log.WithField("component", "hub"),
		sessions:   make(map[*Session]bool),
		branches:   make(map[string]map[*Session]bool),
		locks:      make(map[string]*sync.Mutex),
		register:   make(chan *Session),
		unregister: make(chan *Session),
		broadcast:  make(chan *branchBroadcast, 256),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Start begins the hub event loop and, when configured, the fanout
// subscription.
func (h *Hub) Start() {
	h.log.Info("starting branch service hub")

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		for {
			select {
			case <-h.ctx.Done():
				return
			case s := <-h.register:
				h.handleRegister(s)
			case s := <-h.unregister:
				h.handleUnregister(s)
			case msg := <-h.broadcast:
				h.handleBroadcast(msg)
			}
		}
	}()

	if h.fanout != nil {
		h.wg.Add(1)
		go func() {
			defer h.wg.Done()
			err := h.fanout.Run(h.ctx, func(branchKey string, message []byte) {
				h.Broadcast(branchKey, message, nil)
			})
			if err != nil {
				h.log.WithError(err).Error("fanout stopped")
			}
		}()
	}
}

func (h *Hub) handleRegister(s *Session) {
	h.mu.Lock()
	h.sessions[s] = true
	h.mu.Unlock()
	activeSessions.Inc()
	h.log.WithFields(logrus.Fields{"session": s.ID, "remote": s.RemoteAddr}).Debug("session connected")
}

func (h *Hub) handleUnregister(s *Session) {
	h.mu.Lock()
	if !h.sessions[s] {
		h.mu.Unlock()
		return
	}
	delete(h.sessions, s)
	for key := range s.watching {
		h.removeWatcherLocked(key, s)
	}
	watchedBranches.Set(float64(len(h.branches)))
	h.mu.Unlock()

	s.close()
	activeSessions.Dec()
	h.log.WithField("session", s.ID).Debug("session disconnected")
}

func (h *Hub) handleBroadcast(msg *branchBroadcast) {
	h.mu.RLock()
	targets := make([]*Session, 0, len(h.branches[msg.BranchKey]))
	for s := range h.branches[msg.BranchKey] {
		if s != msg.Sender {
			targets = append(targets, s)
		}
	}
	h.mu.RUnlock()

	for _, s := range targets {
		if !s.send(msg.Message) {
			h.log.WithField("session", s.ID).Warn("send buffer full, closing session")
			h.handleUnregister(s)
		}
	}
}

// Broadcast sends message to every watcher of branchKey except sender.
func (h *Hub) Broadcast(branchKey string, message []byte, sender *Session) {
	select {
	case h.broadcast <- &branchBroadcast{BranchKey: branchKey, Message: message, Sender: sender}:
	case <-h.ctx.Done():
	}
}

func (h *Hub) watch(s *Session, key string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.sessions[s] {
		return
	}
	if h.branches[key] == nil {
		h.branches[key] = make(map[*Session]bool)
	}
	h.branches[key][s] = true
	s.watching[key] = true
	watchedBranches.Set(float64(len(h.branches)))
}

func (h *Hub) unwatch(s *Session, key string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeWatcherLocked(key, s)
	watchedBranches.Set(float64(len(h.branches)))
}

func (h *Hub) removeWatcherLocked(key string, s *Session) {
	delete(s.watching, key)
	watchers := h.branches[key]
	delete(watchers, s)
	if len(watchers) == 0 {
		delete(h.branches, key)
	}
}

// branchLock serializes stores to one branch so broadcasts leave in storage
// order.
func (h *Hub) branchLock(key string) *sync.Mutex {
	h.locksMu.Lock()
	defer h.locksMu.Unlock()
	l, ok := h.locks[key]
	if !ok {
		l = &sync.Mutex{}
		h.locks[key] = l
	}
	return l
}

// Watchers returns the number of sessions watching each branch.
func (h *Hub) Watchers() []models.SessionSummary {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]models.SessionSummary, 0, len(h.branches))
	for key, watchers := range h.branches {
		out = append(out, models.SessionSummary{BranchKey: key, Watchers: len(watchers)})
	}
	return out
}

// SessionCount returns the number of open sessions.
func (h *Hub) SessionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// DisconnectBranch stops every watcher of key from receiving further
// updates. Used when a branch is deleted.
func (h *Hub) DisconnectBranch(key string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.branches[key] {
		delete(s.watching, key)
	}
	delete(h.branches, key)
	watchedBranches.Set(float64(len(h.branches)))
}

// Shutdown stops the hub and closes every session.
func (h *Hub) Shutdown() {
	h.log.Info("shutting down branch service hub")
	h.cancel()
	h.wg.Wait()

	h.mu.Lock()
	sessions := h.sessions
	h.sessions = make(map[*Session]bool)
	h.branches = make(map[string]map[*Session]bool)
	h.mu.Unlock()

	for s := range sessions {
		s.close()
		s.Conn.Close()
		activeSessions.Dec()
	}
	watchedBranches.Set(0)
}
