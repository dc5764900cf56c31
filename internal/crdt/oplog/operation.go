package oplog

import "fmt"

/*
LEARNING: OPERATIONS AS THE UNIT OF REPLICATION

Every edit is recorded as an operation stamped with an (actor, counter) ID.
Counters are contiguous per actor, so a replica can summarize everything it
has seen as one number per actor (the state vector).

An insert of N runes consumes N counters: rune i has ID (actor, counter+i).
Deletes and marks consume one counter each.
*/

// Kind tags an operation record on the wire
type Kind uint64

const (
	KindInsertText  Kind = 1
	KindInsertBlock Kind = 2
	KindDelete      Kind = 3
	KindSetMark     Kind = 4
)

func (k Kind) String() string {
	switch k {
	case KindInsertText:
		return "insert_text"
	case KindInsertBlock:
		return "insert_block"
	case KindDelete:
		return "delete"
	case KindSetMark:
		return "set_mark"
	default:
		return fmt.Sprintf("unknown(%d)", uint64(k))
	}
}

// Known reports whether this build understands the kind
func (k Kind) Known() bool {
	return k >= KindInsertText && k <= KindSetMark
}

// ID identifies one counter slot of one actor
type ID struct {
	Actor   uint64 `json:"actor"`
	Counter uint64 `json:"counter"`
}

func (id ID) String() string {
	return fmt.Sprintf("%d:%d", id.Actor, id.Counter)
}

// Less is the deterministic tie-break order: actor first, then counter
func (id ID) Less(other ID) bool {
	if id.Actor != other.Actor {
		return id.Actor < other.Actor
	}
	return id.Counter < other.Counter
}

// Range is a run of consecutive counters of one actor
type Range struct {
	Actor   uint64 `json:"actor"`
	Counter uint64 `json:"counter"`
	Length  uint64 `json:"length"`
}

// Contains reports whether id falls inside the range
func (r Range) Contains(id ID) bool {
	return id.Actor == r.Actor && id.Counter >= r.Counter && id.Counter < r.Counter+r.Length
}

// Operation is a single decoded record.
// Which payload fields are set depends on Kind; unknown kinds only carry Raw.
type Operation struct {
	Kind Kind
	ID   ID
	Span uint64 // counters consumed

	// insert_text / insert_block
	Origin      *ID
	RightOrigin *ID
	Text        string
	BlockType   string
	Attrs       []byte // opaque JSON

	// delete
	Targets []Range

	// set_mark
	Start     ID
	End       ID
	MarkKey   string
	MarkValue []byte // nil removes the mark
	Lamport   uint64

	// payload of kinds this build does not understand
	Raw []byte
}

// LastID returns the ID of the last counter this operation occupies
func (op Operation) LastID() ID {
	return ID{Actor: op.ID.Actor, Counter: op.ID.Counter + op.Span - 1}
}

// Update is an immutable delta for one document
type Update struct {
	DocumentID string
	Operations []Operation
}
