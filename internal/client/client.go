// Package client connects to the branch service over a websocket and exposes
// the connection as a transport for remote shared documents.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"instdocs/internal/protocol"
)

var (
	ErrClosed        = errors.New("client is closed")
	ErrNotConnected  = errors.New("client is not connected")
	ErrLoginRejected = errors.New("login rejected")
)

// LoginError is returned when the branch service refuses the login token.
type LoginError struct {
	Info *protocol.ErrorInfo
}

func (e *LoginError) Error() string {
	return fmt.Sprintf("%v: %v", ErrLoginRejected, e.Info)
}

func (e *LoginError) Unwrap() error { return ErrLoginRejected }

// Options configures a Client. Zero durations take the defaults below.
type Options struct {
	URL          string
	Token        string
	ConnectionID string
	Origin       string

	RequestTimeout time.Duration
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	Log *logrus.Entry
}

const (
	defaultRequestTimeout = 10 * time.Second
	defaultInitialBackoff = 250 * time.Millisecond
	defaultMaxBackoff     = 10 * time.Second
)

// Client keeps one websocket to the branch service open, logging in and
// re-watching branches every time it reconnects.
type Client struct {
	opts Options
	log  *logrus.Entry

	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	started atomic.Bool

	writeMu sync.Mutex

	mu          sync.Mutex
	conn        *websocket.Conn
	info        *protocol.ConnectionInfo
	loginErr    *protocol.ErrorInfo
	ready       chan struct{}
	pending     map[int64]chan protocol.Message
	watches     map[string]*branchWatch
	outbox      []protocol.Message
	nextRequest int64
	nextUpdate  int64

	states subscribers[protocol.ConnectionState]
	limits subscribers[protocol.RateLimitExceeded]
}

type branchWatch struct {
	ref  protocol.BranchRef
	subs subscribers[protocol.BranchEvent]
}

// New creates a client. Nothing is dialed until Start.
func New(opts Options) *Client {
	if opts.ConnectionID == "" {
		opts.ConnectionID = uuid.NewString()
	}
	if opts.Origin == "" {
		opts.Origin = opts.URL
	}
	if opts.RequestTimeout == 0 {
		opts.RequestTimeout = defaultRequestTimeout
	}
	if opts.InitialBackoff == 0 {
		opts.InitialBackoff = defaultInitialBackoff
	}
	if opts.MaxBackoff == 0 {
		opts.MaxBackoff = defaultMaxBackoff
	}
	log := opts.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		opts:    opts,
		log:     log.WithFields(logrus.Fields{"url": opts.URL, "connection": opts.ConnectionID}),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
		ready:   make(chan struct{}),
		pending: make(map[int64]chan protocol.Message),
		watches: make(map[string]*branchWatch),
	}
}

// Start connects in the background and keeps reconnecting until Close.
func (c *Client) Start() {
	if c.started.Swap(true) {
		return
	}
	go c.run()
}

// Close disconnects and ends every channel handed out by the client.
func (c *Client) Close() error {
	c.cancel()
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		c.writeMu.Lock()
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		conn.Close()
	}
	if c.started.Load() {
		<-c.done
	}
	c.states.closeAll()
	c.limits.closeAll()
	return nil
}

func (c *Client) run() {
	defer close(c.done)
	for c.ctx.Err() == nil {
		conn, info, err := c.connect()
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			c.log.WithError(err).Error("giving up on the branch service")
			var loginErr *LoginError
			if errors.As(err, &loginErr) {
				c.mu.Lock()
				c.loginErr = loginErr.Info
				c.mu.Unlock()
				c.states.emit(protocol.ConnectionState{Connected: false, Error: loginErr.Info})
			}
			return
		}
		c.online(conn, info)
		err = c.readLoop(conn)
		c.offline(err)
	}
}

// connect dials and logs in, backing off exponentially between attempts.
func (c *Client) connect() (*websocket.Conn, *protocol.ConnectionInfo, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.opts.InitialBackoff
	b.MaxInterval = c.opts.MaxBackoff
	b.MaxElapsedTime = 0

	var (
		conn *websocket.Conn
		info *protocol.ConnectionInfo
	)
	operation := func() error {
		var err error
		conn, info, err = c.dial()
		return err
	}
	notify := func(err error, wait time.Duration) {
		c.log.WithError(err).WithField("retryIn", wait).Warn("connection attempt failed")
	}
	if err := backoff.RetryNotify(operation, backoff.WithContext(b, c.ctx), notify); err != nil {
		return nil, nil, err
	}
	return conn, info, nil
}

func (c *Client) dial() (*websocket.Conn, *protocol.ConnectionInfo, error) {
	ctx, cancel := context.WithTimeout(c.ctx, c.opts.RequestTimeout)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.opts.URL, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("dial: %w", err)
	}
	info, err := c.login(conn)
	if err != nil {
		conn.Close()
		return nil, nil, err
	}
	return conn, info, nil
}

func (c *Client) login(conn *websocket.Conn) (*protocol.ConnectionInfo, error) {
	deadline := time.Now().Add(c.opts.RequestTimeout)
	conn.SetWriteDeadline(deadline)
	conn.SetReadDeadline(deadline)
	defer func() {
		conn.SetWriteDeadline(time.Time{})
		conn.SetReadDeadline(time.Time{})
	}()

	err := conn.WriteJSON(protocol.Message{
		Type:         protocol.LoginMessage,
		Token:        c.opts.Token,
		ConnectionID: c.opts.ConnectionID,
	})
	if err != nil {
		return nil, fmt.Errorf("send login: %w", err)
	}
	var res protocol.Message
	if err := conn.ReadJSON(&res); err != nil {
		return nil, fmt.Errorf("read login result: %w", err)
	}
	if res.Type != protocol.LoginResultMessage {
		return nil, fmt.Errorf("expected %s, got %s", protocol.LoginResultMessage, res.Type)
	}
	if !res.Success {
		info := res.Error
		if info == nil {
			info = &protocol.ErrorInfo{Code: protocol.CodeInvalidToken, Message: "login rejected"}
		}
		return nil, backoff.Permanent(&LoginError{Info: info})
	}
	if res.Info == nil {
		res.Info = &protocol.ConnectionInfo{ConnectionID: c.opts.ConnectionID}
	}
	return res.Info, nil
}

func (c *Client) online(conn *websocket.Conn, info *protocol.ConnectionInfo) {
	c.mu.Lock()
	c.conn = conn
	c.info = info
	close(c.ready)
	refs := make([]protocol.BranchRef, 0, len(c.watches))
	for _, w := range c.watches {
		refs = append(refs, w.ref)
	}
	outbox := c.outbox
	c.outbox = nil
	c.mu.Unlock()

	c.log.WithField("user", info.UserID).Info("connected to branch service")
	c.states.emit(protocol.ConnectionState{Connected: true, Info: info})

	for _, ref := range refs {
		if err := c.write(branchMessage(protocol.WatchBranchMessage, ref)); err != nil {
			c.log.WithError(err).Warn("failed to re-watch branch")
		}
	}
	for _, msg := range outbox {
		if err := c.write(msg); err != nil {
			c.log.WithError(err).Warn("failed to flush queued updates")
		}
	}
}

func (c *Client) offline(err error) {
	c.mu.Lock()
	c.conn = nil
	c.info = nil
	c.ready = make(chan struct{})
	pending := c.pending
	c.pending = make(map[int64]chan protocol.Message)
	c.mu.Unlock()

	for _, ch := range pending {
		close(ch)
	}
	if c.ctx.Err() == nil {
		c.log.WithError(err).Warn("disconnected from branch service")
	}
	c.states.emit(protocol.ConnectionState{Connected: false})
}

func (c *Client) readLoop(conn *websocket.Conn) error {
	for {
		var msg protocol.Message
		if err := conn.ReadJSON(&msg); err != nil {
			return err
		}
		c.dispatch(msg)
	}
}

func (c *Client) dispatch(msg protocol.Message) {
	switch msg.Type {
	case protocol.GetUpdatesResultMessage, protocol.LoginResultMessage:
		c.resolve(msg)
	case protocol.WatchBranchResultMessage:
		c.branchEvent(msg, protocol.BranchEvent{
			Type:    protocol.BranchWatchResultEvent,
			Success: msg.Success,
			Error:   msg.Error,
		})
	case protocol.AddUpdatesMessage:
		c.branchEvent(msg, protocol.BranchEvent{
			Type:       protocol.BranchUpdatesEvent,
			Updates:    msg.Updates,
			Timestamps: msg.Timestamps,
		})
	case protocol.ReceiveActionMessage:
		c.branchEvent(msg, protocol.BranchEvent{Type: protocol.BranchActionEvent, Action: msg.Action})
	case protocol.UpdatesReceivedMessage:
		c.log.WithField("updateId", msg.UpdateID).Trace("updates acknowledged")
	case protocol.RateLimitExceededMessage:
		c.limits.emit(protocol.RateLimitExceeded{RetryAfter: msg.RetryAfter})
	case protocol.ErrorMessage:
		if msg.RequestID != 0 && c.resolve(msg) {
			return
		}
		if msg.Inst != "" {
			c.branchEvent(msg, protocol.BranchEvent{Type: protocol.BranchErrorEvent, Error: msg.Error})
			return
		}
		c.log.WithField("error", msg.Error).Warn("branch service reported an error")
	default:
		c.log.WithField("type", msg.Type).Debug("ignoring unknown message")
	}
}

func (c *Client) branchEvent(msg protocol.Message, ev protocol.BranchEvent) {
	ref := protocol.BranchRef{RecordName: msg.RecordName, Inst: msg.Inst, Branch: msg.Branch}
	c.mu.Lock()
	w := c.watches[ref.Key()]
	c.mu.Unlock()
	if w == nil {
		return
	}
	w.subs.emit(ev)
}

// resolve hands msg to the request waiting for it.
func (c *Client) resolve(msg protocol.Message) bool {
	c.mu.Lock()
	ch, ok := c.pending[msg.RequestID]
	delete(c.pending, msg.RequestID)
	c.mu.Unlock()
	if ok {
		ch <- msg
	}
	return ok
}

func (c *Client) write(msg protocol.Message) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(c.opts.RequestTimeout))
	if err := conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("write %s: %w", msg.Type, err)
	}
	return nil
}

func (c *Client) request(ctx context.Context, msg protocol.Message) (protocol.Message, error) {
	ch := make(chan protocol.Message, 1)
	c.mu.Lock()
	if c.conn == nil {
		c.mu.Unlock()
		return protocol.Message{}, ErrNotConnected
	}
	c.nextRequest++
	id := c.nextRequest
	msg.RequestID = id
	c.pending[id] = ch
	c.mu.Unlock()

	forget := func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}
	if err := c.write(msg); err != nil {
		forget()
		return protocol.Message{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.opts.RequestTimeout)
	defer cancel()
	select {
	case res, ok := <-ch:
		if !ok {
			return protocol.Message{}, ErrNotConnected
		}
		return res, nil
	case <-ctx.Done():
		forget()
		return protocol.Message{}, ctx.Err()
	}
}

func (c *Client) waitConnected(ctx context.Context) error {
	c.mu.Lock()
	ready := c.ready
	c.mu.Unlock()
	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.ctx.Done():
		return ErrClosed
	}
}

func branchMessage(typ protocol.MessageType, ref protocol.BranchRef) protocol.Message {
	return protocol.Message{Type: typ, RecordName: ref.RecordName, Inst: ref.Inst, Branch: ref.Branch}
}
