package crdt

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/petermattis/goid"
)

var (
	// ErrOutOfRange is returned when an index falls outside a sequence.
	ErrOutOfRange = errors.New("index out of range")
	// ErrInvalidValue is returned for values that cannot be stored as plain content.
	ErrInvalidValue = errors.New("invalid value")
)

// UpdateEvent is delivered to OnUpdate handlers once per committed transaction.
type UpdateEvent struct {
	Update []byte
	Origin any
	Local  bool
}

type rootKey struct {
	kind Kind
	name string
}

// Doc is one replica of a mergeable document.
//
// A Doc may be used from several goroutines. While a Transact callback runs,
// the transacting goroutine owns the document: calls it makes join the open
// transaction, while calls from other goroutines block until it commits.
// ApplyUpdate, EncodeStateAsUpdate and StateVector always wait for the open
// transaction and must not be called from inside a Transact callback.
type Doc struct {
	clientID uint64

	mu         sync.Mutex
	clock      uint64
	roots      map[rootKey]*branch
	items      map[ID]*item
	seen       map[ID]bool
	log        []*op
	pending    []*op
	pendingIDs map[ID]bool
	state      map[uint64]uint64
	updates    []observer[func(UpdateEvent)]
	nextObsID  uint64
	queue      [][]func()

	txn atomic.Pointer[transaction]
	// owner is the id of the goroutine running the open transaction, 0 when
	// none is open.
	owner     atomic.Int64
	deliverMu sync.Mutex
}

// New creates an empty document with a random client id.
func New() *Doc {
	return NewWithClientID(newClientID())
}

// NewWithClientID creates an empty document with a fixed client id.
func NewWithClientID(clientID uint64) *Doc {
	return &Doc{
		clientID:   clientID,
		roots:      make(map[rootKey]*branch),
		items:      make(map[ID]*item),
		seen:       make(map[ID]bool),
		pendingIDs: make(map[ID]bool),
		state:      make(map[uint64]uint64),
	}
}

// ClientID returns the replica identifier used for locally created items.
func (d *Doc) ClientID() uint64 {
	return d.clientID
}

func (d *Doc) GetMap(name string) *Map {
	return d.root(KindMap, name).handle.(*Map)
}

func (d *Doc) GetArray(name string) *Array {
	return d.root(KindArray, name).handle.(*Array)
}

func (d *Doc) GetText(name string) *Text {
	return d.root(KindText, name).handle.(*Text)
}

func (d *Doc) root(kind Kind, name string) *branch {
	var b *branch
	d.locked(func() {
		b = d.rootLocked(kind, name)
	})
	return b
}

func (d *Doc) rootLocked(kind Kind, name string) *branch {
	key := rootKey{kind: kind, name: name}
	b, ok := d.roots[key]
	if !ok {
		b = newBranch(d, kind)
		b.name = name
		d.roots[key] = b
	}
	return b
}

// inTransaction reports whether the calling goroutine runs the open
// transaction.
func (d *Doc) inTransaction() bool {
	return d.owner.Load() == goid.Get()
}

// locked runs fn with the document lock held, or directly when called from
// inside a Transact callback that already holds it.
func (d *Doc) locked(fn func()) {
	if d.inTransaction() {
		fn()
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	fn()
}

// Transact runs fn as a single transaction. Mutations made inside fn produce
// one batch of events per changed type and one update. Nested calls join the
// outer transaction and keep its origin.
func (d *Doc) Transact(origin any, fn func()) {
	if d.inTransaction() {
		fn()
		return
	}
	d.mu.Lock()
	tx := newTransaction(origin, true)
	d.txn.Store(tx)
	d.owner.Store(goid.Get())
	func() {
		defer func() {
			d.owner.Store(0)
			d.txn.Store(nil)
			d.commit(tx)
			d.mu.Unlock()
		}()
		fn()
	}()
	d.flush()
}

// ApplyUpdate merges a remote update. Applying the same update twice is a
// no-op. Ops whose dependencies have not arrived yet are kept and integrated
// by a later call.
func (d *Doc) ApplyUpdate(update []byte, origin any) error {
	ops, err := decodeOps(update)
	if err != nil {
		return err
	}

	d.mu.Lock()
	tx := newTransaction(origin, false)
	var errs []error
	for _, o := range ops {
		if d.seen[o.ID] || d.pendingIDs[o.ID] {
			continue
		}
		ok, err := d.integrate(tx, o)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if !ok {
			d.pending = append(d.pending, o)
			d.pendingIDs[o.ID] = true
		}
	}
	d.drainPending(tx)
	d.commit(tx)
	d.mu.Unlock()

	d.flush()
	return errors.Join(errs...)
}

func (d *Doc) drainPending(tx *transaction) {
	for progress := true; progress && len(d.pending) > 0; {
		progress = false
		remaining := d.pending[:0]
		for _, o := range d.pending {
			ok, err := d.integrate(tx, o)
			if ok || err != nil {
				delete(d.pendingIDs, o.ID)
				progress = true
				continue
			}
			remaining = append(remaining, o)
		}
		d.pending = remaining
	}
}

// EncodeStateAsUpdate returns an update holding the whole document state.
func (d *Doc) EncodeStateAsUpdate() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	ops := make([]*op, 0, len(d.log)+len(d.pending))
	ops = append(ops, d.log...)
	ops = append(ops, d.pending...)
	return encodeOps(ops)
}

// StateVector returns the highest integrated clock per client.
func (d *Doc) StateVector() map[uint64]uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	sv := make(map[uint64]uint64, len(d.state))
	for client, clock := range d.state {
		sv[client] = clock
	}
	return sv
}

// PendingCount is the number of ops waiting for missing dependencies.
func (d *Doc) PendingCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// OnUpdate registers fn to receive the update produced by every transaction
// that changed the document. The returned func removes the handler.
func (d *Doc) OnUpdate(fn func(UpdateEvent)) func() {
	var id uint64
	d.locked(func() {
		d.nextObsID++
		id = d.nextObsID
		d.updates = append(d.updates, observer[func(UpdateEvent)]{id: id, fn: fn})
	})
	return func() {
		d.locked(func() {
			d.updates = removeObserver(d.updates, id)
		})
	}
}

func removeObserver[F any](list []observer[F], id uint64) []observer[F] {
	out := make([]observer[F], 0, len(list))
	for _, o := range list {
		if o.id != id {
			out = append(out, o)
		}
	}
	return out
}

func (d *Doc) nextID(n uint64) ID {
	id := ID{Client: d.clientID, Clock: d.clock + 1}
	d.clock += n
	return id
}

// resolve finds the branch an op targets. Roots are created on demand; nested
// types must already be integrated.
func (d *Doc) resolve(r ref) (*branch, bool, error) {
	if r.Item == nil {
		if r.Kind < KindMap || r.Kind > KindText {
			return nil, false, fmt.Errorf("%w: root %q has kind %d", ErrMalformedUpdate, r.Root, r.Kind)
		}
		return d.rootLocked(r.Kind, r.Root), true, nil
	}
	it := d.items[*r.Item]
	if it == nil {
		return nil, false, nil
	}
	if it.child == nil {
		return nil, false, fmt.Errorf("%w: item %s is not a shared type", ErrMalformedUpdate, *r.Item)
	}
	return it.child, true, nil
}

// integrate applies o to the document. It returns false when a dependency is
// missing; malformed ops are marked seen and reported.
func (d *Doc) integrate(tx *transaction, o *op) (bool, error) {
	b, ok, err := d.resolve(o.Parent)
	if err != nil {
		d.seen[o.ID] = true
		return false, err
	}
	if !ok {
		return false, nil
	}

	switch o.Action {
	case actionInsert:
		if !b.isSequence() {
			d.seen[o.ID] = true
			return false, fmt.Errorf("%w: insert %s into %s", ErrMalformedUpdate, o.ID, b.kind)
		}
		if t := o.Content.Type; t != 0 && (t < KindMap || t > KindText) {
			d.seen[o.ID] = true
			return false, fmt.Errorf("%w: insert %s has kind %d", ErrMalformedUpdate, o.ID, t)
		}
		var left *item
		if o.Origin != nil {
			left = d.items[*o.Origin]
			if left == nil {
				return false, nil
			}
			if left.parent != b {
				d.seen[o.ID] = true
				return false, fmt.Errorf("%w: insert %s has origin outside its parent", ErrMalformedUpdate, o.ID)
			}
		}
		for _, it := range d.expand(b, o) {
			d.insertAfter(tx, b, left, it)
			left = it
		}
	case actionSet:
		if b.kind != KindMap {
			d.seen[o.ID] = true
			return false, fmt.Errorf("%w: set %s on %s", ErrMalformedUpdate, o.ID, b.kind)
		}
		it := &item{id: o.ID, parent: b, key: o.Key, value: o.Content.Value, tombstone: o.Content.Tombstone}
		if t := o.Content.Type; t != 0 {
			if t < KindMap || t > KindText {
				d.seen[o.ID] = true
				return false, fmt.Errorf("%w: set %s has kind %d", ErrMalformedUpdate, o.ID, t)
			}
			it.child = newBranch(d, t)
			it.child.item = it
		}
		d.setEntry(tx, b, it)
	case actionDelete:
		targets := make([]*item, 0, len(o.Targets))
		for _, id := range o.Targets {
			it := d.items[id]
			if it == nil {
				return false, nil
			}
			targets = append(targets, it)
		}
		for _, it := range targets {
			d.deleteItem(tx, it)
		}
	}

	d.record(tx, o)
	return true, nil
}

func (d *Doc) expand(b *branch, o *op) []*item {
	c := o.Content
	switch {
	case c.Type != 0:
		it := &item{id: o.ID, parent: b}
		it.child = newBranch(d, c.Type)
		it.child.item = it
		return []*item{it}
	case c.Text != "":
		runes := []rune(c.Text)
		items := make([]*item, len(runes))
		for i, r := range runes {
			items[i] = &item{
				id:     ID{Client: o.ID.Client, Clock: o.ID.Clock + uint64(i)},
				parent: b,
				text:   r,
				isText: true,
				attrs:  c.Attrs,
			}
		}
		return items
	default:
		items := make([]*item, len(c.Values))
		for i, v := range c.Values {
			items[i] = &item{
				id:     ID{Client: o.ID.Client, Clock: o.ID.Clock + uint64(i)},
				parent: b,
				value:  v,
			}
		}
		return items
	}
}

func (d *Doc) insertAfter(tx *transaction, b *branch, left *item, it *item) {
	if left != nil {
		origin := left.id
		it.origin = &origin
	}
	pos := 0
	if left != nil {
		pos = b.indexOf(left) + 1
	}
	for pos < len(b.seq) && it.id.Less(b.seq[pos].id) {
		pos++
	}
	b.seq = append(b.seq, nil)
	copy(b.seq[pos+1:], b.seq[pos:])
	b.seq[pos] = it

	d.items[it.id] = it
	tx.created[it] = true
	tx.touch(b)
}

func (d *Doc) setEntry(tx *transaction, b *branch, it *item) {
	d.items[it.id] = it
	tx.created[it] = true
	cur, exists := b.entries[it.key]
	if exists && it.id.Less(cur.id) {
		return
	}
	tx.noteKey(b, it.key, cur)
	if !exists {
		b.keys = append(b.keys, it.key)
	}
	b.entries[it.key] = it
	tx.touch(b)
}

func (d *Doc) deleteItem(tx *transaction, it *item) {
	if it.deleted || !it.parent.isSequence() {
		return
	}
	it.deleted = true
	if !tx.created[it] {
		tx.deleted[it] = true
	}
	tx.touch(it.parent)
}

func (d *Doc) record(tx *transaction, o *op) {
	d.seen[o.ID] = true
	d.log = append(d.log, o)
	tx.ops = append(tx.ops, o)
	end := o.ID.Clock + o.length() - 1
	if end > d.clock {
		d.clock = end
	}
	if end > d.state[o.ID.Client] {
		d.state[o.ID.Client] = end
	}
}

// commit turns a finished transaction into a batch of callbacks. It runs with
// the lock held; the batch is delivered by flush once the lock is released.
func (d *Doc) commit(tx *transaction) {
	if len(tx.ops) == 0 {
		return
	}
	events := tx.events()

	var calls []func()
	for _, ev := range events {
		for _, o := range ev.Target.branch().observers {
			fn, ev := o.fn, ev
			calls = append(calls, func() { fn(ev) })
		}
	}

	var deepOrder []*branch
	deepEvents := make(map[*branch][]*Event)
	for _, ev := range events {
		for cur := ev.Target.branch(); cur != nil; cur = cur.parentBranch() {
			if len(cur.deepObservers) == 0 {
				continue
			}
			if _, ok := deepEvents[cur]; !ok {
				deepOrder = append(deepOrder, cur)
			}
			deepEvents[cur] = append(deepEvents[cur], ev)
		}
	}
	for _, b := range deepOrder {
		evs := deepEvents[b]
		for _, o := range b.deepObservers {
			fn := o.fn
			calls = append(calls, func() { fn(evs) })
		}
	}

	update := UpdateEvent{Update: encodeOps(tx.ops), Origin: tx.origin, Local: tx.local}
	for _, o := range d.updates {
		fn := o.fn
		calls = append(calls, func() { fn(update) })
	}

	if len(calls) > 0 {
		d.queue = append(d.queue, calls)
	}
}

// flush delivers queued batches in commit order. A transaction started from
// inside a callback queues its batch, which this loop delivers next.
func (d *Doc) flush() {
	for {
		if !d.deliverMu.TryLock() {
			return
		}
		for {
			d.mu.Lock()
			if len(d.queue) == 0 {
				d.mu.Unlock()
				break
			}
			calls := d.queue[0]
			d.queue = d.queue[1:]
			d.mu.Unlock()
			for _, call := range calls {
				call()
			}
		}
		d.deliverMu.Unlock()

		d.mu.Lock()
		more := len(d.queue) > 0
		d.mu.Unlock()
		if !more {
			return
		}
	}
}
