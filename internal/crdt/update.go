package crdt

import (
	"encoding/json"
	"errors"
	"fmt"
	"unicode/utf8"
)

/*
Update format

An update is a JSON envelope holding a list of ops. Every op carries the ID of
its first item; an op that creates n items (a run of text or array values)
consumes n consecutive clocks. Ops reference their parent type either by root
name and kind, or by the ID of the item that created the nested type.

	{"ops":[{"id":{"c":12,"k":4},"a":"ins","p":{"r":"notes","y":3},"o":{"c":12,"k":3},"c":{"s":"hi"}}]}

The format is internal to this package; callers treat updates as opaque bytes.
*/

// ErrMalformedUpdate is returned when an update cannot be decoded or contains
// ops that do not match the type they target.
var ErrMalformedUpdate = errors.New("malformed update")

type opAction string

const (
	actionInsert opAction = "ins"
	actionSet    opAction = "set"
	actionDelete opAction = "del"
)

// ref points at a shared type: either a root (name + kind) or the nested type
// created by item Item.
type ref struct {
	Root string `json:"r,omitempty"`
	Kind Kind   `json:"y,omitempty"`
	Item *ID    `json:"i,omitempty"`
}

type content struct {
	Values    []json.RawMessage `json:"v,omitempty"`
	Value     json.RawMessage   `json:"x,omitempty"`
	Text      string            `json:"s,omitempty"`
	Attrs     json.RawMessage   `json:"f,omitempty"`
	Type      Kind              `json:"t,omitempty"`
	Tombstone bool              `json:"d,omitempty"`
}

type op struct {
	ID      ID       `json:"id"`
	Action  opAction `json:"a"`
	Parent  ref      `json:"p"`
	Origin  *ID      `json:"o,omitempty"`
	Key     string   `json:"k,omitempty"`
	Targets []ID     `json:"t,omitempty"`
	Content *content `json:"c,omitempty"`
}

// length is the number of clocks the op consumes.
func (o *op) length() uint64 {
	if o.Action != actionInsert || o.Content == nil {
		return 1
	}
	switch {
	case o.Content.Type != 0:
		return 1
	case o.Content.Text != "":
		return uint64(utf8.RuneCountInString(o.Content.Text))
	case len(o.Content.Values) > 0:
		return uint64(len(o.Content.Values))
	}
	return 1
}

type envelope struct {
	Ops []*op `json:"ops"`
}

func encodeOps(ops []*op) []byte {
	if ops == nil {
		ops = []*op{}
	}
	// ops only hold JSON-safe fields; Marshal cannot fail here.
	data, _ := json.Marshal(envelope{Ops: ops})
	return data
}

func decodeOps(update []byte) ([]*op, error) {
	if len(update) == 0 {
		return nil, nil
	}
	var env envelope
	if err := json.Unmarshal(update, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedUpdate, err)
	}
	for _, o := range env.Ops {
		if o == nil {
			return nil, fmt.Errorf("%w: null op", ErrMalformedUpdate)
		}
		switch o.Action {
		case actionInsert:
			if o.Content == nil {
				return nil, fmt.Errorf("%w: insert %s without content", ErrMalformedUpdate, o.ID)
			}
		case actionSet:
			if o.Content == nil {
				return nil, fmt.Errorf("%w: set %s without content", ErrMalformedUpdate, o.ID)
			}
		case actionDelete:
		default:
			return nil, fmt.Errorf("%w: unknown action %q", ErrMalformedUpdate, o.Action)
		}
	}
	return env.Ops, nil
}

// MergeUpdates combines several updates into one. Duplicate ops are dropped.
func MergeUpdates(updates ...[]byte) ([]byte, error) {
	seen := make(map[ID]bool)
	var merged []*op
	for _, u := range updates {
		ops, err := decodeOps(u)
		if err != nil {
			return nil, err
		}
		for _, o := range ops {
			if seen[o.ID] {
				continue
			}
			seen[o.ID] = true
			merged = append(merged, o)
		}
	}
	return encodeOps(merged), nil
}
