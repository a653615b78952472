package crdt

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Type is implemented by *Map, *Array and *Text.
type Type interface {
	Kind() Kind
	Doc() *Doc
	// Parent returns the type this one is nested in, or nil for a root.
	Parent() Type
	// Name returns the root name, or "" for nested types.
	Name() string
	Observe(fn func(*Event)) func()
	ObserveDeep(fn func([]*Event)) func()
	branch() *branch
}

type base struct {
	b *branch
}

func (t base) Kind() Kind      { return t.b.kind }
func (t base) Doc() *Doc       { return t.b.doc }
func (t base) Name() string    { return t.b.name }
func (t base) branch() *branch { return t.b }

func (t base) Parent() Type {
	var p Type
	t.b.doc.locked(func() {
		if pb := t.b.parentBranch(); pb != nil {
			p = pb.handle
		}
	})
	return p
}

// Observe calls fn with the event of every transaction that changes this type.
func (t base) Observe(fn func(*Event)) func() {
	d := t.b.doc
	var id uint64
	d.locked(func() {
		d.nextObsID++
		id = d.nextObsID
		t.b.observers = append(t.b.observers, observer[func(*Event)]{id: id, fn: fn})
	})
	return func() {
		d.locked(func() { t.b.observers = removeObserver(t.b.observers, id) })
	}
}

// ObserveDeep calls fn with the events of this type and every nested type
// changed by a transaction.
func (t base) ObserveDeep(fn func([]*Event)) func() {
	d := t.b.doc
	var id uint64
	d.locked(func() {
		d.nextObsID++
		id = d.nextObsID
		t.b.deepObservers = append(t.b.deepObservers, observer[func([]*Event)]{id: id, fn: fn})
	})
	return func() {
		d.locked(func() { t.b.deepObservers = removeObserver(t.b.deepObservers, id) })
	}
}

func encodeValue(v any) (json.RawMessage, error) {
	if _, ok := v.(Type); ok {
		return nil, fmt.Errorf("%w: shared types must be added with the *Type methods", ErrInvalidValue)
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidValue, err)
	}
	return raw, nil
}

// Map is a last-writer-wins map of keys to values or nested types.
type Map struct{ base }

func (m *Map) Get(key string) (any, bool) {
	var (
		v  any
		ok bool
	)
	m.b.doc.locked(func() {
		if it := m.b.live(key); it != nil {
			v, ok = valueOf(it), true
		}
	})
	return v, ok
}

func (m *Map) Has(key string) bool {
	_, ok := m.Get(key)
	return ok
}

func (m *Map) Len() int {
	n := 0
	m.b.doc.locked(func() {
		for _, key := range m.b.keys {
			if m.b.live(key) != nil {
				n++
			}
		}
	})
	return n
}

// Keys returns the present keys in the order they were first written.
func (m *Map) Keys() []string {
	var keys []string
	m.b.doc.locked(func() {
		for _, key := range m.b.keys {
			if m.b.live(key) != nil {
				keys = append(keys, key)
			}
		}
	})
	return keys
}

// Set stores a JSON-encodable value under key.
func (m *Map) Set(key string, value any) error {
	raw, err := encodeValue(value)
	if err != nil {
		return err
	}
	d := m.b.doc
	d.Transact(nil, func() {
		o := &op{ID: d.nextID(1), Action: actionSet, Parent: m.b.ref(), Key: key, Content: &content{Value: raw}}
		d.integrate(d.txn.Load(), o)
	})
	return nil
}

// SetType creates a new nested type of the given kind under key.
func (m *Map) SetType(key string, kind Kind) (Type, error) {
	if kind < KindMap || kind > KindText {
		return nil, fmt.Errorf("%w: kind %d", ErrInvalidValue, kind)
	}
	var child Type
	d := m.b.doc
	d.Transact(nil, func() {
		o := &op{ID: d.nextID(1), Action: actionSet, Parent: m.b.ref(), Key: key, Content: &content{Type: kind}}
		d.integrate(d.txn.Load(), o)
		child = d.items[o.ID].child.handle
	})
	return child, nil
}

func (m *Map) Delete(key string) {
	d := m.b.doc
	d.Transact(nil, func() {
		if m.b.live(key) == nil {
			return
		}
		o := &op{ID: d.nextID(1), Action: actionSet, Parent: m.b.ref(), Key: key, Content: &content{Tombstone: true}}
		d.integrate(d.txn.Load(), o)
	})
}

// Array is an ordered sequence of values or nested types.
type Array struct{ base }

func (a *Array) Len() int {
	var n int
	a.b.doc.locked(func() { n = a.b.length() })
	return n
}

func (a *Array) Get(index int) (any, bool) {
	var (
		v  any
		ok bool
	)
	a.b.doc.locked(func() {
		if it := a.b.visibleAt(index); it != nil {
			v, ok = valueOf(it), true
		}
	})
	return v, ok
}

func (a *Array) ToSlice() []any {
	var out []any
	a.b.doc.locked(func() {
		vis := a.b.visible()
		out = make([]any, len(vis))
		for i, it := range vis {
			out[i] = valueOf(it)
		}
	})
	return out
}

// Insert adds JSON-encodable values at index.
func (a *Array) Insert(index int, values ...any) error {
	if len(values) == 0 {
		return nil
	}
	raws := make([]json.RawMessage, len(values))
	for i, v := range values {
		raw, err := encodeValue(v)
		if err != nil {
			return fmt.Errorf("array value %d: %w", i, err)
		}
		raws[i] = raw
	}
	return insertContent(a.b, index, &content{Values: raws})
}

// InsertType creates a new nested type at index.
func (a *Array) InsertType(index int, kind Kind) (Type, error) {
	if kind < KindMap || kind > KindText {
		return nil, fmt.Errorf("%w: kind %d", ErrInvalidValue, kind)
	}
	var child Type
	err := insertContentFn(a.b, index, &content{Type: kind}, func(first ID) {
		child = a.b.doc.items[first].child.handle
	})
	return child, err
}

func (a *Array) Delete(index, length int) error {
	return deleteRange(a.b, index, length)
}

// Text is a sequence of characters with optional formatting attributes.
type Text struct{ base }

func (t *Text) Len() int {
	var n int
	t.b.doc.locked(func() {
		for _, it := range t.b.seq {
			if !it.deleted && it.isText {
				n++
			}
		}
	})
	return n
}

func (t *Text) String() string {
	var sb strings.Builder
	t.b.doc.locked(func() {
		for _, it := range t.b.seq {
			if !it.deleted && it.isText {
				sb.WriteRune(it.text)
			}
		}
	})
	return sb.String()
}

// Insert adds s at the rune offset index with optional attributes.
func (t *Text) Insert(index int, s string, attrs map[string]any) error {
	if s == "" {
		return nil
	}
	raw, err := encodeAttrs(attrs)
	if err != nil {
		return fmt.Errorf("%w: attributes: %v", ErrInvalidValue, err)
	}
	return insertContent(t.b, index, &content{Text: s, Attrs: raw})
}

func (t *Text) Delete(index, length int) error {
	return deleteRange(t.b, index, length)
}

// ToDelta returns the content as insert steps, one per run of equally
// formatted characters.
func (t *Text) ToDelta() []Delta {
	var db deltaBuilder
	t.b.doc.locked(func() {
		for _, it := range t.b.seq {
			if !it.deleted {
				db.insert(it)
			}
		}
	})
	return db.out
}

func insertContent(b *branch, index int, c *content) error {
	return insertContentFn(b, index, c, nil)
}

func insertContentFn(b *branch, index int, c *content, after func(first ID)) error {
	var err error
	d := b.doc
	d.Transact(nil, func() {
		if index < 0 || index > b.length() {
			err = fmt.Errorf("%w: insert at %d, length %d", ErrOutOfRange, index, b.length())
			return
		}
		var origin *ID
		if index > 0 {
			id := b.visibleAt(index - 1).id
			origin = &id
		}
		o := &op{Action: actionInsert, Parent: b.ref(), Origin: origin, Content: c}
		o.ID = d.nextID(o.length())
		d.integrate(d.txn.Load(), o)
		if after != nil {
			after(o.ID)
		}
	})
	return err
}

func deleteRange(b *branch, index, length int) error {
	if length == 0 {
		return nil
	}
	var err error
	d := b.doc
	d.Transact(nil, func() {
		n := b.length()
		if index < 0 || length < 0 || index+length > n {
			err = fmt.Errorf("%w: delete %d at %d, length %d", ErrOutOfRange, length, index, n)
			return
		}
		vis := b.visible()[index : index+length]
		targets := make([]ID, len(vis))
		for i, it := range vis {
			targets[i] = it.id
		}
		o := &op{ID: d.nextID(1), Action: actionDelete, Parent: b.ref(), Targets: targets}
		d.integrate(d.txn.Load(), o)
	})
	return err
}
