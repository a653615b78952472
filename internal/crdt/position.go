package crdt

import (
	"encoding/json"
	"fmt"
)

// RelativePosition names a place in a sequence by the item next to it rather
// than by offset, so it keeps pointing at the same place while other replicas
// edit the sequence.
//
// With Assoc >= 0 the position is just before Item; with Assoc < 0 it is just
// after Item. A nil Item means the end (Assoc >= 0) or the start (Assoc < 0).
type RelativePosition struct {
	Root  string `json:"root,omitempty"`
	Kind  Kind   `json:"kind,omitempty"`
	Type  *ID    `json:"type,omitempty"`
	Item  *ID    `json:"item,omitempty"`
	Assoc int    `json:"assoc"`
}

// RelativePosition returns a position for the rune offset index.
func (t *Text) RelativePosition(index, assoc int) RelativePosition {
	var rp RelativePosition
	t.b.doc.locked(func() {
		rp = relativePosition(t.b, index, assoc)
	})
	return rp
}

func relativePosition(b *branch, index, assoc int) RelativePosition {
	r := b.ref()
	rp := RelativePosition{Root: r.Root, Kind: r.Kind, Type: r.Item, Assoc: assoc}
	if index < 0 {
		index = 0
	}
	if assoc >= 0 {
		if it := b.visibleAt(index); it != nil {
			id := it.id
			rp.Item = &id
		}
		return rp
	}
	if index > 0 {
		if n := b.length(); index > n {
			index = n
		}
		if it := b.visibleAt(index - 1); it != nil {
			id := it.id
			rp.Item = &id
		}
	}
	return rp
}

// ResolvePosition maps rp back to the type it belongs to and its current
// offset. ok is false when the type or item is unknown to this replica.
func (d *Doc) ResolvePosition(rp RelativePosition) (t Type, index int, ok bool) {
	d.locked(func() {
		var b *branch
		if rp.Type != nil {
			it := d.items[*rp.Type]
			if it == nil || it.child == nil {
				return
			}
			b = it.child
		} else {
			b = d.roots[rootKey{kind: rp.Kind, name: rp.Root}]
			if b == nil {
				return
			}
		}
		t = b.handle

		if rp.Item == nil {
			if rp.Assoc >= 0 {
				index = b.length()
			}
			ok = true
			return
		}
		target := d.items[*rp.Item]
		if target == nil || target.parent != b {
			t = nil
			return
		}
		for _, it := range b.seq {
			if it == target {
				break
			}
			if !it.deleted {
				index++
			}
		}
		if rp.Assoc < 0 && !target.deleted {
			index++
		}
		ok = true
	})
	return t, index, ok
}

// EncodeRelativePosition serialises rp for storage or transfer.
func EncodeRelativePosition(rp RelativePosition) []byte {
	data, _ := json.Marshal(rp)
	return data
}

func DecodeRelativePosition(data []byte) (RelativePosition, error) {
	var rp RelativePosition
	if err := json.Unmarshal(data, &rp); err != nil {
		return RelativePosition{}, fmt.Errorf("decode relative position: %w", err)
	}
	return rp, nil
}
