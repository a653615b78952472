package docsync

import (
	"fmt"
	"unicode/utf8"

	"instdocs/internal/crdt"
)

// SharedText is rich text: characters with optional formatting attributes.
// Offsets count runes.
type SharedText struct {
	sharedBase
}

func (t *SharedText) native() *crdt.Text {
	_, typ := t.current()
	return typ.(*crdt.Text)
}

// Insert adds text at index with optional formatting attributes.
func (t *SharedText) Insert(index int, text string, attrs map[string]any) error {
	return t.native().Insert(index, text, attrs)
}

func (t *SharedText) Delete(index, count int) error {
	return t.native().Delete(index, count)
}

func (t *SharedText) Len() int {
	return t.native().Len()
}

func (t *SharedText) String() string {
	return t.native().String()
}

func (t *SharedText) ToJSON() string {
	return t.String()
}

// Slice returns the runes in [start, end), with the same bound handling as
// SharedArray.Slice.
func (t *SharedText) Slice(start, end int) string {
	runes := []rune(t.String())
	start, end = clampRange(start, end, len(runes))
	return string(runes[start:end])
}

// ToDelta returns the content as insert ops, one per run of equally formatted
// text.
func (t *SharedText) ToDelta() []DeltaOp {
	deltas := t.native().ToDelta()
	ops := make([]DeltaOp, 0, len(deltas))
	for _, d := range deltas {
		if d.Text != "" {
			ops = append(ops, DeltaOp{Insert: d.Text, Attributes: d.Attributes})
			continue
		}
		ops = append(ops, DeltaOp{Insert: d.Insert, Attributes: d.Attributes})
	}
	return ops
}

// ApplyDelta replays delta onto the text. Insert ops must carry strings.
// Attributes on preserve ops are ignored.
func (t *SharedText) ApplyDelta(delta []DeltaOp) error {
	native := t.native()
	var err error
	native.Doc().Transact(nil, func() {
		cursor := 0
		for i, op := range delta {
			switch {
			case op.Insert != nil:
				s, ok := op.Insert.(string)
				if !ok {
					err = fmt.Errorf("%w: op %d inserts %T into text", ErrInvalidDelta, i, op.Insert)
					return
				}
				if err = native.Insert(cursor, s, op.Attributes); err != nil {
					return
				}
				cursor += utf8.RuneCountInString(s)
			case op.Delete > 0:
				if err = native.Delete(cursor, op.Delete); err != nil {
					return
				}
			case op.Preserve > 0:
				cursor += op.Preserve
			}
		}
	})
	return err
}

// EncodeRelativePosition returns a descriptor for index that follows the
// neighbouring character through concurrent edits. With assoc >= 0 it sticks
// to the character after index; with assoc < 0 to the one before.
func (t *SharedText) EncodeRelativePosition(index, assoc int) []byte {
	return crdt.EncodeRelativePosition(t.native().RelativePosition(index, assoc))
}

// DecodeRelativePosition resolves an encoded position to its current index.
func (t *SharedText) DecodeRelativePosition(data []byte) (int, error) {
	rp, err := crdt.DecodeRelativePosition(data)
	if err != nil {
		return 0, err
	}
	native := t.native()
	target, index, ok := native.Doc().ResolvePosition(rp)
	if !ok || target != crdt.Type(native) {
		return 0, ErrInvalidPosition
	}
	return index, nil
}

// Clone returns a detached copy of the text.
func (t *SharedText) Clone() *SharedText {
	clone := newDetached(crdt.KindText).(*SharedText)
	cloneInto(clone, t)
	return clone
}
