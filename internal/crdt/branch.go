package crdt

import (
	"encoding/json"
)

// item is one integrated unit of content. Sequence items are ordered in their
// parent's seq slice; map items compete for a key and the greatest ID wins.
type item struct {
	id        ID
	parent    *branch
	origin    *ID
	key       string
	value     json.RawMessage
	text      rune
	isText    bool
	attrs     json.RawMessage
	child     *branch
	tombstone bool
	deleted   bool
}

// branch is the storage behind one shared type.
type branch struct {
	doc     *Doc
	kind    Kind
	name    string
	item    *item
	handle  Type
	seq     []*item
	entries map[string]*item
	keys    []string

	observers     []observer[func(*Event)]
	deepObservers []observer[func([]*Event)]
}

type observer[F any] struct {
	id uint64
	fn F
}

func newBranch(d *Doc, kind Kind) *branch {
	b := &branch{doc: d, kind: kind}
	if kind == KindMap {
		b.entries = make(map[string]*item)
	}
	switch kind {
	case KindMap:
		b.handle = &Map{base{b}}
	case KindArray:
		b.handle = &Array{base{b}}
	case KindText:
		b.handle = &Text{base{b}}
	}
	return b
}

func (b *branch) ref() ref {
	if b.item == nil {
		return ref{Root: b.name, Kind: b.kind}
	}
	id := b.item.id
	return ref{Item: &id}
}

func (b *branch) isSequence() bool {
	return b.kind == KindArray || b.kind == KindText
}

func (b *branch) visible() []*item {
	out := make([]*item, 0, len(b.seq))
	for _, it := range b.seq {
		if !it.deleted {
			out = append(out, it)
		}
	}
	return out
}

func (b *branch) length() int {
	n := 0
	for _, it := range b.seq {
		if !it.deleted {
			n++
		}
	}
	return n
}

func (b *branch) indexOf(it *item) int {
	for i, cur := range b.seq {
		if cur == it {
			return i
		}
	}
	return -1
}

// visibleAt returns the visible item at index, or nil.
func (b *branch) visibleAt(index int) *item {
	if index < 0 {
		return nil
	}
	n := 0
	for _, it := range b.seq {
		if it.deleted {
			continue
		}
		if n == index {
			return it
		}
		n++
	}
	return nil
}

// live returns the winning, non-tombstoned entry for key.
func (b *branch) live(key string) *item {
	it := b.entries[key]
	if it == nil || it.tombstone {
		return nil
	}
	return it
}

// alive reports whether the branch is still reachable from a root.
func (b *branch) alive() bool {
	for cur := b; cur.item != nil; cur = cur.item.parent {
		it := cur.item
		if it.parent.kind == KindMap {
			if it.parent.entries[it.key] != it {
				return false
			}
		} else if it.deleted {
			return false
		}
	}
	return true
}

func (b *branch) parentBranch() *branch {
	if b.item == nil {
		return nil
	}
	return b.item.parent
}

// valueOf converts stored content into the value handed to callers. Numbers
// decode as float64 regardless of which replica wrote them.
func valueOf(it *item) any {
	switch {
	case it == nil || it.tombstone:
		return nil
	case it.child != nil:
		return it.child.handle
	case it.isText:
		return string(it.text)
	}
	return decodeValue(it.value)
}

func decodeValue(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil
	}
	return v
}

func decodeAttrs(raw json.RawMessage) map[string]any {
	if len(raw) == 0 {
		return nil
	}
	var attrs map[string]any
	if err := json.Unmarshal(raw, &attrs); err != nil {
		return nil
	}
	return attrs
}

func encodeAttrs(attrs map[string]any) (json.RawMessage, error) {
	if len(attrs) == 0 {
		return nil, nil
	}
	return json.Marshal(attrs)
}
