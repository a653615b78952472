package docsync

import (
	"fmt"

	"instdocs/internal/crdt"
)

// SharedArray is an ordered list of JSON values or nested containers.
type SharedArray struct {
	sharedBase
}

func (a *SharedArray) native() (*registry, *crdt.Array) {
	reg, typ := a.current()
	return reg, typ.(*crdt.Array)
}

// Insert adds items at index. Detached containers among items are moved into
// the array; containers that already belong to a document are rejected with
// ErrNestedRootContainer before anything is inserted.
func (a *SharedArray) Insert(index int, items ...any) error {
	reg, native := a.native()
	for _, item := range items {
		if child, ok := item.(SharedType); ok {
			if err := checkNestable(a, child); err != nil {
				return err
			}
		}
	}
	if n := native.Len(); index < 0 || index > n {
		return fmt.Errorf("%w: insert at %d, length %d", crdt.ErrOutOfRange, index, n)
	}
	if len(items) == 0 {
		return nil
	}

	var err error
	native.Doc().Transact(nil, func() {
		pos := index
		var plain []any
		flush := func() error {
			if len(plain) == 0 {
				return nil
			}
			if err := native.Insert(pos, plain...); err != nil {
				return err
			}
			pos += len(plain)
			plain = nil
			return nil
		}
		for _, item := range items {
			child, ok := item.(SharedType)
			if !ok {
				plain = append(plain, item)
				continue
			}
			if err = flush(); err != nil {
				return
			}
			var created crdt.Type
			if created, err = native.InsertType(pos, child.Kind()); err != nil {
				return
			}
			if err = adopt(reg, child, created); err != nil {
				return
			}
			pos++
		}
		err = flush()
	})
	if err != nil {
		return fmt.Errorf("insert at %d: %w", index, err)
	}
	return nil
}

func (a *SharedArray) Delete(index, count int) error {
	_, native := a.native()
	return native.Delete(index, count)
}

func (a *SharedArray) Push(items ...any) error {
	return a.Insert(a.Len(), items...)
}

func (a *SharedArray) Unshift(items ...any) error {
	return a.Insert(0, items...)
}

// Pop removes and returns the last element, or nil when the array is empty.
func (a *SharedArray) Pop() any {
	var v any
	_, native := a.native()
	native.Doc().Transact(nil, func() {
		n := native.Len()
		if n == 0 {
			return
		}
		v = a.Get(n - 1)
		_ = native.Delete(n-1, 1)
	})
	return v
}

// Shift removes and returns the first element, or nil when the array is empty.
func (a *SharedArray) Shift() any {
	var v any
	_, native := a.native()
	native.Doc().Transact(nil, func() {
		if native.Len() == 0 {
			return
		}
		v = a.Get(0)
		_ = native.Delete(0, 1)
	})
	return v
}

// Get returns the element at index, or nil when index is out of range.
func (a *SharedArray) Get(index int) any {
	reg, native := a.native()
	v, ok := native.Get(index)
	if !ok {
		return nil
	}
	return reg.value(v)
}

func (a *SharedArray) Len() int {
	_, native := a.native()
	return native.Len()
}

// ToArray returns the elements, with nested containers as wrappers.
func (a *SharedArray) ToArray() []any {
	reg, native := a.native()
	values := native.ToSlice()
	for i, v := range values {
		values[i] = reg.value(v)
	}
	return values
}

// ToJSON returns the elements as plain values.
func (a *SharedArray) ToJSON() []any {
	values := a.ToArray()
	for i, v := range values {
		values[i] = toJSON(v)
	}
	return values
}

// Slice returns elements [start, end). Negative bounds count from the end and
// out-of-range bounds are clamped.
func (a *SharedArray) Slice(start, end int) []any {
	values := a.ToArray()
	start, end = clampRange(start, end, len(values))
	out := make([]any, end-start)
	copy(out, values[start:end])
	return out
}

func clampRange(start, end, n int) (int, int) {
	start = normalizeIndex(start, n)
	end = normalizeIndex(end, n)
	if end < start {
		end = start
	}
	return start, end
}

func normalizeIndex(i, n int) int {
	if i < 0 {
		i += n
		if i < 0 {
			return 0
		}
		return i
	}
	if i > n {
		return n
	}
	return i
}

// Splice removes deleteCount elements at start, inserts items in their place
// and returns the removed elements. A negative start counts from the end; a
// negative deleteCount removes nothing.
func (a *SharedArray) Splice(start, deleteCount int, items ...any) ([]any, error) {
	for _, item := range items {
		if child, ok := item.(SharedType); ok {
			if err := checkNestable(a, child); err != nil {
				return nil, err
			}
		}
	}

	var (
		removed []any
		err     error
	)
	_, native := a.native()
	native.Doc().Transact(nil, func() {
		n := native.Len()
		start = normalizeIndex(start, n)
		if deleteCount < 0 {
			deleteCount = 0
		}
		if deleteCount > n-start {
			deleteCount = n - start
		}

		if start == n && deleteCount == 0 {
			removed = []any{}
			err = a.Push(items...)
			return
		}
		removed = a.Slice(start, start+deleteCount)
		if deleteCount > 0 {
			if err = native.Delete(start, deleteCount); err != nil {
				return
			}
		}
		err = a.Insert(start, items...)
	})
	if err != nil {
		return nil, err
	}
	return removed, nil
}

// ApplyDelta replays delta onto the array, starting with the cursor at 0.
func (a *SharedArray) ApplyDelta(delta []DeltaOp) error {
	_, native := a.native()
	var err error
	native.Doc().Transact(nil, func() {
		cursor := 0
		for _, op := range delta {
			switch {
			case op.Insert != nil:
				items, ok := op.Insert.([]any)
				if !ok {
					items = []any{op.Insert}
				}
				if err = a.Insert(cursor, items...); err != nil {
					return
				}
				cursor += len(items)
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

// Clone returns a detached copy of the array.
func (a *SharedArray) Clone() *SharedArray {
	clone := newDetached(crdt.KindArray).(*SharedArray)
	cloneInto(clone, a)
	return clone
}
