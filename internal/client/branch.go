package client

import (
	"context"
	"fmt"

	"instdocs/internal/protocol"
)

// GetBranchUpdates fetches the stored updates of a branch once, waiting for
// the connection if needed.
func (c *Client) GetBranchUpdates(ctx context.Context, ref protocol.BranchRef) (*protocol.BranchUpdates, error) {
	if err := c.waitConnected(ctx); err != nil {
		return nil, err
	}
	res, err := c.request(ctx, branchMessage(protocol.GetUpdatesMessage, ref))
	if err != nil {
		return nil, fmt.Errorf("get updates for %s: %w", ref.Key(), err)
	}
	if res.Error != nil {
		return nil, res.Error
	}
	return &protocol.BranchUpdates{Updates: res.Updates, Timestamps: res.Timestamps}, nil
}

// WatchBranchUpdates subscribes to a branch. The first event after every
// (re)connect carries the branch's stored updates. The channel is closed when
// ctx is done.
func (c *Client) WatchBranchUpdates(ctx context.Context, ref protocol.BranchRef) (<-chan protocol.BranchEvent, error) {
	if c.ctx.Err() != nil {
		return nil, ErrClosed
	}
	sub := newSubscriber[protocol.BranchEvent](ctx, 64)
	key := ref.Key()

	c.mu.Lock()
	w, ok := c.watches[key]
	if !ok {
		w = &branchWatch{ref: ref}
		c.watches[key] = w
	}
	w.subs.add(sub)
	connected := c.conn != nil
	c.mu.Unlock()

	if connected {
		if err := c.write(branchMessage(protocol.WatchBranchMessage, ref)); err != nil {
			c.log.WithError(err).WithField("branch", key).Debug("watch deferred until reconnect")
		}
	}

	watchSubscription(sub, func() {
		c.mu.Lock()
		last := w.subs.remove(sub)
		if last && c.watches[key] == w {
			delete(c.watches, key)
		}
		connected := c.conn != nil
		c.mu.Unlock()
		if last && connected {
			_ = c.write(branchMessage(protocol.UnwatchBranchMessage, ref))
		}
	})
	return sub.ch, nil
}

// AddUpdates sends updates to a branch. While disconnected they are queued
// and sent after the next login.
func (c *Client) AddUpdates(ctx context.Context, ref protocol.BranchRef, updates []string) error {
	if c.ctx.Err() != nil {
		return ErrClosed
	}
	msg := branchMessage(protocol.AddUpdatesMessage, ref)
	msg.Updates = updates

	c.mu.Lock()
	c.nextUpdate++
	msg.UpdateID = c.nextUpdate
	if c.conn == nil {
		c.outbox = append(c.outbox, msg)
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	if err := c.write(msg); err != nil {
		c.mu.Lock()
		c.outbox = append(c.outbox, msg)
		c.mu.Unlock()
		c.log.WithError(err).Warn("queued updates after failed send")
	}
	return nil
}

// SendAction relays action to the other watchers of a branch.
func (c *Client) SendAction(ctx context.Context, ref protocol.BranchRef, action protocol.Action) error {
	msg := branchMessage(protocol.SendActionMessage, ref)
	msg.Action = &action
	return c.write(msg)
}

// ConnectionState streams connectivity, starting with the current state.
func (c *Client) ConnectionState(ctx context.Context) <-chan protocol.ConnectionState {
	sub := newSubscriber[protocol.ConnectionState](ctx, 16)
	sub.mu.Lock()
	c.states.add(sub)
	c.mu.Lock()
	current := protocol.ConnectionState{Connected: c.conn != nil, Info: c.info, Error: c.loginErr}
	c.mu.Unlock()
	sub.deliverLocked(current)
	sub.mu.Unlock()

	watchSubscription(sub, func() { c.states.remove(sub) })
	return sub.ch
}

func (c *Client) WatchRateLimitExceeded(ctx context.Context) <-chan protocol.RateLimitExceeded {
	sub := newSubscriber[protocol.RateLimitExceeded](ctx, 16)
	c.limits.add(sub)
	watchSubscription(sub, func() { c.limits.remove(sub) })
	return sub.ch
}

// Info describes the logged-in connection, or nil while disconnected.
func (c *Client) Info() *protocol.ConnectionInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.info
}

func (c *Client) Indicator() protocol.ConnectionIndicator {
	return protocol.ConnectionIndicator{ConnectionID: c.opts.ConnectionID, ConnectionToken: c.opts.Token}
}

func (c *Client) Origin() string {
	return c.opts.Origin
}
