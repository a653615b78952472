package docsync

import (
	"errors"
	"fmt"
	"sync"
	"unicode/utf8"

	"instdocs/internal/crdt"
	"instdocs/internal/stream"
)

var (
	// ErrNestedRootContainer is returned when a container that already belongs
	// to a document is inserted into another container.
	ErrNestedRootContainer = errors.New("cannot nest a container that is already part of a document")
	// ErrNestingCycle is returned when a container is inserted into itself or
	// one of its descendants.
	ErrNestingCycle = errors.New("cannot nest a container inside itself")
	ErrInvalidDelta    = errors.New("invalid delta")
	ErrInvalidPosition = errors.New("relative position does not belong to this text")
)

// SharedType is implemented by *SharedMap, *SharedArray and *SharedText.
type SharedType interface {
	Kind() crdt.Kind
	// Doc returns the owning document, or nil for a detached container.
	Doc() *SharedDocument
	// Parent returns the enclosing container, or nil for a top-level one.
	Parent() SharedType
	Changes() stream.Observable[ChangeEvent]
	DeepChanges() stream.Observable[[]ChangeEvent]
	shared() *sharedBase
}

// KeyChange is one changed key of a map ChangeEvent.
type KeyChange struct {
	Key      string
	Action   crdt.KeyAction
	OldValue any
}

// DeltaOp is one step of a left-to-right cursor walk. For arrays Insert holds
// a []any; for text it holds a string.
type DeltaOp struct {
	Preserve   int
	Insert     any
	Delete     int
	Attributes map[string]any
}

// ChangeEvent is emitted once per container per transaction.
type ChangeEvent struct {
	Kind   crdt.Kind
	Target SharedType
	Keys   []KeyChange
	Delta  []DeltaOp
}

// registry maps native types to their wrappers so lookups keep returning the
// same wrapper. Detached containers get a registry with a nil doc.
type registry struct {
	doc *SharedDocument

	mu       sync.Mutex
	wrappers map[crdt.Type]SharedType
}

func newRegistry(doc *SharedDocument) *registry {
	return &registry{doc: doc, wrappers: make(map[crdt.Type]SharedType)}
}

func (r *registry) lookup(t crdt.Type) SharedType {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.wrappers[t]
}

func (r *registry) forget(t crdt.Type) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.wrappers, t)
}

// wrap returns the wrapper for t, creating it on first use. The native type
// is observed outside the registry lock.
func (r *registry) wrap(t crdt.Type) SharedType {
	if w := r.lookup(t); w != nil {
		return w
	}
	w := newWrapper(t.Kind())
	w.shared().bind(r, t)

	r.mu.Lock()
	existing, ok := r.wrappers[t]
	if !ok {
		r.wrappers[t] = w
	}
	r.mu.Unlock()
	if ok {
		w.shared().unbind()
		return existing
	}
	return w
}

func (r *registry) put(t crdt.Type, w SharedType) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.wrappers[t] = w
}

func newWrapper(kind crdt.Kind) SharedType {
	switch kind {
	case crdt.KindMap:
		return &SharedMap{}
	case crdt.KindArray:
		return &SharedArray{}
	default:
		return &SharedText{}
	}
}

// newDetached creates a wrapper over a root type of a private scratch doc.
func newDetached(kind crdt.Kind) SharedType {
	scratch := crdt.New()
	reg := newRegistry(nil)
	var native crdt.Type
	switch kind {
	case crdt.KindMap:
		native = scratch.GetMap("")
	case crdt.KindArray:
		native = scratch.GetArray("")
	default:
		native = scratch.GetText("")
	}
	w := newWrapper(kind)
	w.shared().bind(reg, native)
	reg.put(native, w)
	return w
}

// sharedBase holds what every wrapper has in common: the native type it
// currently fronts and the event streams fed by that type's observers.
type sharedBase struct {
	mu   sync.Mutex
	reg  *registry
	typ  crdt.Type
	stop func()

	changes stream.Stream[ChangeEvent]
	deep    stream.Stream[[]ChangeEvent]
}

func (s *sharedBase) shared() *sharedBase { return s }

func (s *sharedBase) current() (*registry, crdt.Type) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reg, s.typ
}

func (s *sharedBase) bind(reg *registry, typ crdt.Type) {
	stopShallow := typ.Observe(func(e *crdt.Event) {
		s.changes.Emit(reg.convertEvent(e))
	})
	stopDeep := typ.ObserveDeep(func(events []*crdt.Event) {
		out := make([]ChangeEvent, len(events))
		for i, e := range events {
			out[i] = reg.convertEvent(e)
		}
		s.deep.Emit(out)
	})

	s.mu.Lock()
	old := s.stop
	s.reg, s.typ = reg, typ
	s.stop = func() {
		stopShallow()
		stopDeep()
	}
	s.mu.Unlock()

	if old != nil {
		old()
	}
}

func (s *sharedBase) unbind() {
	s.mu.Lock()
	stop := s.stop
	s.stop = nil
	s.mu.Unlock()
	if stop != nil {
		stop()
	}
}

func (s *sharedBase) Kind() crdt.Kind {
	_, typ := s.current()
	return typ.Kind()
}

func (s *sharedBase) Doc() *SharedDocument {
	reg, _ := s.current()
	return reg.doc
}

func (s *sharedBase) Parent() SharedType {
	reg, typ := s.current()
	p := typ.Parent()
	if p == nil {
		return nil
	}
	return reg.wrap(p)
}

func (s *sharedBase) Changes() stream.Observable[ChangeEvent] {
	return &s.changes
}

func (s *sharedBase) DeepChanges() stream.Observable[[]ChangeEvent] {
	return &s.deep
}

func (r *registry) value(v any) any {
	if t, ok := v.(crdt.Type); ok {
		return r.wrap(t)
	}
	return v
}

func (r *registry) convertEvent(e *crdt.Event) ChangeEvent {
	ev := ChangeEvent{Kind: e.Target.Kind(), Target: r.wrap(e.Target)}
	for _, k := range e.Keys {
		ev.Keys = append(ev.Keys, KeyChange{Key: k.Key, Action: k.Action, OldValue: r.value(k.OldValue)})
	}
	for _, d := range e.Delta {
		ev.Delta = append(ev.Delta, r.convertDelta(d))
	}
	return ev
}

func (r *registry) convertDelta(d crdt.Delta) DeltaOp {
	switch {
	case d.Retain > 0:
		return DeltaOp{Preserve: d.Retain, Attributes: d.Attributes}
	case d.Delete > 0:
		return DeltaOp{Delete: d.Delete}
	case d.Text != "":
		return DeltaOp{Insert: d.Text, Attributes: d.Attributes}
	}
	values := make([]any, len(d.Insert))
	for i, v := range d.Insert {
		values[i] = r.value(v)
	}
	return DeltaOp{Insert: values, Attributes: d.Attributes}
}

// checkNestable enforces the nesting rules for inserting child into parent.
func checkNestable(parent, child SharedType) error {
	if child.Doc() != nil {
		return ErrNestedRootContainer
	}
	for cur := parent; cur != nil; cur = cur.Parent() {
		if cur == child {
			return ErrNestingCycle
		}
	}
	return nil
}

// adopt moves the content of the detached wrapper w into dst, a freshly
// created native type, and rebinds w (and any wrappers nested in it) to the
// new natives.
func adopt(reg *registry, w SharedType, dst crdt.Type) error {
	srcReg, src := w.shared().current()
	if err := copyContent(reg, srcReg, dst, src, true); err != nil {
		return err
	}
	w.shared().bind(reg, dst)
	reg.put(dst, w)
	srcReg.forget(src)
	return nil
}

// copyContent copies src into the empty dst. With rebind set, wrappers of
// nested src types move over to their dst counterparts.
func copyContent(dstReg, srcReg *registry, dst, src crdt.Type, rebind bool) error {
	nested := func(dstChild, srcChild crdt.Type) error {
		if err := copyContent(dstReg, srcReg, dstChild, srcChild, rebind); err != nil {
			return err
		}
		if !rebind {
			return nil
		}
		if w := srcReg.lookup(srcChild); w != nil {
			w.shared().bind(dstReg, dstChild)
			dstReg.put(dstChild, w)
			srcReg.forget(srcChild)
		}
		return nil
	}

	switch s := src.(type) {
	case *crdt.Map:
		d := dst.(*crdt.Map)
		for _, key := range s.Keys() {
			v, _ := s.Get(key)
			if child, ok := v.(crdt.Type); ok {
				created, err := d.SetType(key, child.Kind())
				if err != nil {
					return err
				}
				if err := nested(created, child); err != nil {
					return err
				}
				continue
			}
			if err := d.Set(key, v); err != nil {
				return fmt.Errorf("copy key %q: %w", key, err)
			}
		}
	case *crdt.Array:
		d := dst.(*crdt.Array)
		for i, v := range s.ToSlice() {
			if child, ok := v.(crdt.Type); ok {
				created, err := d.InsertType(i, child.Kind())
				if err != nil {
					return err
				}
				if err := nested(created, child); err != nil {
					return err
				}
				continue
			}
			if err := d.Insert(i, v); err != nil {
				return fmt.Errorf("copy index %d: %w", i, err)
			}
		}
	case *crdt.Text:
		d := dst.(*crdt.Text)
		pos := 0
		for _, op := range s.ToDelta() {
			if op.Text == "" {
				continue
			}
			if err := d.Insert(pos, op.Text, op.Attributes); err != nil {
				return err
			}
			pos += utf8.RuneCountInString(op.Text)
		}
	}
	return nil
}

// toJSON converts nested wrappers into plain values.
func toJSON(v any) any {
	switch w := v.(type) {
	case *SharedMap:
		return w.ToJSON()
	case *SharedArray:
		return w.ToJSON()
	case *SharedText:
		return w.String()
	}
	return v
}
