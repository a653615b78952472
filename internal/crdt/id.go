package crdt

import (
	"fmt"
	"math/rand"
)

// ID identifies one item in a document. Clock is a Lamport timestamp, so IDs
// are totally ordered across replicas (clock first, then client).
type ID struct {
	Client uint64 `json:"c"`
	Clock  uint64 `json:"k"`
}

// Less reports whether id sorts before other.
func (id ID) Less(other ID) bool {
	if id.Clock != other.Clock {
		return id.Clock < other.Clock
	}
	return id.Client < other.Client
}

func (id ID) String() string {
	return fmt.Sprintf("%d@%d", id.Client, id.Clock)
}

// Kind is the kind of a shared type.
type Kind uint8

const (
	KindMap Kind = iota + 1
	KindArray
	KindText
)

func (k Kind) String() string {
	switch k {
	case KindMap:
		return "map"
	case KindArray:
		return "array"
	case KindText:
		return "text"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// newClientID returns a random replica id that stays inside the 32-bit range
// so it survives JSON consumers that parse numbers as doubles.
func newClientID() uint64 {
	return uint64(rand.Uint32())
}
