package docsync

import (
	"fmt"

	"instdocs/internal/crdt"
)

// SharedMap is a string-keyed map whose values are JSON values or nested
// containers.
type SharedMap struct {
	sharedBase
}

// MapEntry is one key/value pair of a SharedMap.
type MapEntry struct {
	Key   string
	Value any
}

func (m *SharedMap) native() (*registry, *crdt.Map) {
	reg, typ := m.current()
	return reg, typ.(*crdt.Map)
}

// Set stores value under key. A detached container value is moved into the
// map; a container that already belongs to a document is rejected with
// ErrNestedRootContainer.
func (m *SharedMap) Set(key string, value any) error {
	reg, native := m.native()
	child, ok := value.(SharedType)
	if !ok {
		if err := native.Set(key, value); err != nil {
			return fmt.Errorf("set %q: %w", key, err)
		}
		return nil
	}
	if err := checkNestable(m, child); err != nil {
		return err
	}

	var err error
	native.Doc().Transact(nil, func() {
		var created crdt.Type
		created, err = native.SetType(key, child.Kind())
		if err != nil {
			return
		}
		err = adopt(reg, child, created)
	})
	if err != nil {
		return fmt.Errorf("set %q: %w", key, err)
	}
	return nil
}

// Get returns the value under key. Nested containers are returned as their
// wrappers.
func (m *SharedMap) Get(key string) (any, bool) {
	reg, native := m.native()
	v, ok := native.Get(key)
	if !ok {
		return nil, false
	}
	return reg.value(v), true
}

func (m *SharedMap) Delete(key string) {
	_, native := m.native()
	native.Delete(key)
}

func (m *SharedMap) Has(key string) bool {
	_, native := m.native()
	return native.Has(key)
}

// Clear deletes every key in one transaction.
func (m *SharedMap) Clear() {
	_, native := m.native()
	native.Doc().Transact(nil, func() {
		for _, key := range native.Keys() {
			native.Delete(key)
		}
	})
}

func (m *SharedMap) Size() int {
	_, native := m.native()
	return native.Len()
}

// Keys returns the keys in insertion order.
func (m *SharedMap) Keys() []string {
	_, native := m.native()
	return native.Keys()
}

func (m *SharedMap) Values() []any {
	entries := m.Entries()
	values := make([]any, len(entries))
	for i, e := range entries {
		values[i] = e.Value
	}
	return values
}

func (m *SharedMap) Entries() []MapEntry {
	reg, native := m.native()
	keys := native.Keys()
	entries := make([]MapEntry, 0, len(keys))
	for _, key := range keys {
		v, ok := native.Get(key)
		if !ok {
			continue
		}
		entries = append(entries, MapEntry{Key: key, Value: reg.value(v)})
	}
	return entries
}

// ForEach calls fn for every entry in insertion order.
func (m *SharedMap) ForEach(fn func(value any, key string)) {
	for _, e := range m.Entries() {
		fn(e.Value, e.Key)
	}
}

// ToJSON returns the map as plain values, converting nested containers.
func (m *SharedMap) ToJSON() map[string]any {
	out := make(map[string]any)
	for _, e := range m.Entries() {
		out[e.Key] = toJSON(e.Value)
	}
	return out
}

// Clone returns a detached copy of the map.
func (m *SharedMap) Clone() *SharedMap {
	clone := newDetached(crdt.KindMap).(*SharedMap)
	cloneInto(clone, m)
	return clone
}

func cloneInto(dst, src SharedType) {
	dstReg, dstNative := dst.shared().current()
	srcReg, srcNative := src.shared().current()
	dstNative.Doc().Transact(nil, func() {
		// dst is a fresh scratch container, so copying cannot fail on
		// bounds; values were already accepted by the source.
		_ = copyContent(dstReg, srcReg, dstNative, srcNative, false)
	})
}
