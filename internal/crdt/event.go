package crdt

import (
	"bytes"
	"encoding/json"
)

// KeyAction describes what happened to a map key during a transaction.
type KeyAction string

const (
	KeyAdd    KeyAction = "add"
	KeyUpdate KeyAction = "update"
	KeyDelete KeyAction = "delete"
)

// KeyChange is one changed key of a map event. OldValue is the value before
// the transaction (nil for KeyAdd).
type KeyChange struct {
	Key      string
	Action   KeyAction
	OldValue any
}

// Delta is one step of a cursor walk over a sequence. Exactly one of Retain,
// Insert, Text or Delete is set. Text is used for runs of characters, Insert
// for any other content.
type Delta struct {
	Retain     int
	Insert     []any
	Text       string
	Delete     int
	Attributes map[string]any
}

// Event describes the changes a transaction made to one shared type.
type Event struct {
	Target Type
	Keys   []KeyChange
	Delta  []Delta
	Origin any
	Local  bool
}

type keyState struct {
	before *item
}

type transaction struct {
	origin  any
	local   bool
	ops     []*op
	created map[*item]bool
	deleted map[*item]bool

	changed    []*branch
	changedSet map[*branch]bool
	keyBefore  map[*branch]map[string]keyState
	keyOrder   map[*branch][]string
}

func newTransaction(origin any, local bool) *transaction {
	return &transaction{
		origin:     origin,
		local:      local,
		created:    make(map[*item]bool),
		deleted:    make(map[*item]bool),
		changedSet: make(map[*branch]bool),
		keyBefore:  make(map[*branch]map[string]keyState),
		keyOrder:   make(map[*branch][]string),
	}
}

func (tx *transaction) touch(b *branch) {
	if tx.changedSet[b] {
		return
	}
	tx.changedSet[b] = true
	tx.changed = append(tx.changed, b)
}

// noteKey remembers the entry a key held before its first change in tx.
func (tx *transaction) noteKey(b *branch, key string, before *item) {
	states, ok := tx.keyBefore[b]
	if !ok {
		states = make(map[string]keyState)
		tx.keyBefore[b] = states
	}
	if _, seen := states[key]; seen {
		return
	}
	states[key] = keyState{before: before}
	tx.keyOrder[b] = append(tx.keyOrder[b], key)
}

// createdWithin reports whether b or one of its ancestors was created by tx.
func (tx *transaction) createdWithin(b *branch) bool {
	for cur := b; cur.item != nil; cur = cur.item.parent {
		if tx.created[cur.item] {
			return true
		}
	}
	return false
}

func (tx *transaction) events() []*Event {
	var events []*Event
	for _, b := range tx.changed {
		if !b.alive() || tx.createdWithin(b) {
			continue
		}
		ev := &Event{Target: b.handle, Origin: tx.origin, Local: tx.local}
		if b.kind == KindMap {
			ev.Keys = tx.keyChanges(b)
			if len(ev.Keys) == 0 {
				continue
			}
		} else {
			ev.Delta = tx.delta(b)
			if len(ev.Delta) == 0 {
				continue
			}
		}
		events = append(events, ev)
	}
	return events
}

func (tx *transaction) keyChanges(b *branch) []KeyChange {
	var changes []KeyChange
	for _, key := range tx.keyOrder[b] {
		before := tx.keyBefore[b][key].before
		existed := before != nil && !before.tombstone
		now := b.live(key)
		switch {
		case !existed && now != nil:
			changes = append(changes, KeyChange{Key: key, Action: KeyAdd})
		case existed && now != nil:
			changes = append(changes, KeyChange{Key: key, Action: KeyUpdate, OldValue: valueOf(before)})
		case existed && now == nil:
			changes = append(changes, KeyChange{Key: key, Action: KeyDelete, OldValue: valueOf(before)})
		}
	}
	return changes
}

func (tx *transaction) delta(b *branch) []Delta {
	var db deltaBuilder
	for _, it := range b.seq {
		switch {
		case tx.deleted[it]:
			db.delete()
		case tx.created[it] && !it.deleted:
			db.insert(it)
		case !it.deleted:
			db.retain()
		}
	}
	return db.result()
}

type deltaBuilder struct {
	out       []Delta
	lastAttrs json.RawMessage
}

func (db *deltaBuilder) last() *Delta {
	if len(db.out) == 0 {
		return nil
	}
	return &db.out[len(db.out)-1]
}

func (db *deltaBuilder) retain() {
	if l := db.last(); l != nil && l.Retain > 0 {
		l.Retain++
		return
	}
	db.out = append(db.out, Delta{Retain: 1})
}

func (db *deltaBuilder) delete() {
	if l := db.last(); l != nil && l.Delete > 0 {
		l.Delete++
		return
	}
	db.out = append(db.out, Delta{Delete: 1})
}

func (db *deltaBuilder) insert(it *item) {
	l := db.last()
	if it.isText {
		if l != nil && l.Text != "" && bytes.Equal(db.lastAttrs, it.attrs) {
			l.Text += string(it.text)
			return
		}
		db.out = append(db.out, Delta{Text: string(it.text), Attributes: decodeAttrs(it.attrs)})
		db.lastAttrs = it.attrs
		return
	}
	if l != nil && l.Insert != nil {
		l.Insert = append(l.Insert, valueOf(it))
		return
	}
	db.out = append(db.out, Delta{Insert: []any{valueOf(it)}})
}

// result drops a trailing retain, which carries no information.
func (db *deltaBuilder) result() []Delta {
	if l := db.last(); l != nil && l.Retain > 0 {
		db.out = db.out[:len(db.out)-1]
	}
	return db.out
}
