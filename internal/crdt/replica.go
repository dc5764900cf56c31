package crdt

import (
	"errors"
	"fmt"
	"sort"

	"notes-collab/internal/crdt/oplog"
)

/*
LEARNING: DOCUMENT REPLICA

The replica is a doubly linked list of items. Each item is one rune or one
block marker and carries the (actor, counter) ID it was created with, plus
the IDs of its left and right neighbours at creation time (origins).

Concurrent inserts are placed with the YATA rules: scan the items between
the origins and use the origins of what we find, then the actor ID, to pick
a deterministic spot. Deleted items stay in the list as tombstones so later
operations can still refer to them.

A replica is NOT safe for concurrent use. The room that owns it serializes
every call through one goroutine.
*/

var (
	ErrOutOfRange  = errors.New("position out of range")
	ErrInvalidEdit = errors.New("invalid edit")
)

const (
	// MaxPending caps the operations a replica holds back for missing dependencies
	MaxPending = 1 << 14
	// MaxCounterGap is how far past an actor's next counter an operation may start
	MaxCounterGap = 1 << 20
)

type blockContent struct {
	blockType string
	attrs     []byte
}

type item struct {
	id          oplog.ID
	origin      *oplog.ID
	rightOrigin *oplog.ID
	left, right *item
	deleted     bool

	text  rune
	block *blockContent
}

// entry is one counter slot of an actor. Inserts point at their item,
// everything else at the operation that claimed the slot.
type entry struct {
	item *item
	op   *oplog.Operation
}

// Replica holds the CRDT state of a single document
type Replica struct {
	documentID string
	actor      uint64

	head  *item
	items map[oplog.ID]*item
	log   map[uint64][]entry
	marks []*oplog.Operation

	// pending operations, each parked under the one ID it still waits for
	pending map[pendingKey]oplog.Operation
	waiting map[oplog.ID][]oplog.Operation
	lamport uint64
}

type pendingKey struct {
	kind oplog.Kind
	id   oplog.ID
	span uint64
}

func keyOf(op oplog.Operation) pendingKey {
	return pendingKey{kind: op.Kind, id: op.ID, span: op.Span}
}

// AppliedResult describes what an Apply call did
type AppliedResult struct {
	Added      int // operations not seen before (integrated now or held pending)
	Integrated int // operations integrated in this call, including released pending ones
	Duplicates int
	Pending    int // operations still waiting for missing dependencies
}

// Changed reports whether the update carried anything new
func (r AppliedResult) Changed() bool {
	return r.Added > 0
}

// New creates an empty replica. actor is used to stamp local edits.
func New(documentID string, actor uint64) *Replica {
	return &Replica{
		documentID: documentID,
		actor:      actor,
		items:      make(map[oplog.ID]*item),
		log:        make(map[uint64][]entry),
		pending:    make(map[pendingKey]oplog.Operation),
		waiting:    make(map[oplog.ID][]oplog.Operation),
	}
}

// DocumentID returns the document this replica belongs to
func (r *Replica) DocumentID() string {
	return r.documentID
}

// Apply decodes and integrates a binary update.
// A malformed update returns a *oplog.CorruptUpdateError and changes nothing.
func (r *Replica) Apply(data []byte) (AppliedResult, error) {
	u, err := oplog.DecodeUpdate(data)
	if err != nil {
		return AppliedResult{}, err
	}
	return r.ApplyUpdate(u)
}

// ApplyUpdate integrates an already decoded update
func (r *Replica) ApplyUpdate(u oplog.Update) (AppliedResult, error) {
	if u.DocumentID != r.documentID {
		return AppliedResult{}, &oplog.CorruptUpdateError{
			DocumentID: u.DocumentID,
			Reason:     fmt.Sprintf("update targets document %q, replica holds %q", u.DocumentID, r.documentID),
		}
	}

	var (
		res   AppliedResult
		fresh []oplog.Operation
		seen  = make(map[pendingKey]bool)
	)
	for _, op := range u.Operations {
		k := keyOf(op)
		if r.status(op) == statusDuplicate || seen[k] {
			res.Duplicates++
			continue
		}
		if _, ok := r.pending[k]; ok {
			res.Duplicates++
			continue
		}
		if have := r.next(op.ID.Actor); op.ID.Counter > have && op.ID.Counter-have > MaxCounterGap {
			return AppliedResult{}, &oplog.CorruptUpdateError{
				DocumentID: u.DocumentID,
				Reason:     fmt.Sprintf("operation %d:%d is %d counters ahead of the replica", op.ID.Actor, op.ID.Counter, op.ID.Counter-have),
			}
		}
		seen[k] = true
		fresh = append(fresh, op)
	}
	if len(r.pending)+len(fresh) > MaxPending {
		// only what stays blocked counts against the cap
		if r.pendingAfter(fresh) > MaxPending {
			return AppliedResult{}, &oplog.CorruptUpdateError{
				DocumentID: u.DocumentID,
				Reason:     fmt.Sprintf("more than %d operations waiting for missing dependencies", MaxPending),
			}
		}
	}

	sort.SliceStable(fresh, func(i, j int) bool { return fresh[i].ID.Less(fresh[j].ID) })
	for _, op := range fresh {
		r.pending[keyOf(op)] = op
	}
	res.Added = len(fresh)
	res.Integrated = r.drain(fresh)
	res.Pending = len(r.pending)
	return res, nil
}

// EncodeStateVector summarizes what this replica has integrated
func (r *Replica) EncodeStateVector() oplog.StateVector {
	sv := make(oplog.StateVector, len(r.log))
	for actor, entries := range r.log {
		sv[actor] = uint64(len(entries))
	}
	return sv
}

// EncodeStateAsUpdate returns the operations a peer at sv is missing.
// A nil state vector yields the full state.
func (r *Replica) EncodeStateAsUpdate(sv oplog.StateVector) []byte {
	return oplog.EncodeUpdate(oplog.Update{
		DocumentID: r.documentID,
		Operations: r.operationsSince(sv),
	})
}

// Pending returns how many operations wait for missing dependencies
func (r *Replica) Pending() int {
	return len(r.pending)
}

// Len returns the number of visible items (runes and block markers)
func (r *Replica) Len() int {
	n := 0
	for it := r.head; it != nil; it = it.right {
		if !it.deleted {
			n++
		}
	}
	return n
}

// drain integrates ready operations. Ops that are still missing something
// are parked under that ID and woken only when its counter is integrated.
func (r *Replica) drain(queue []oplog.Operation) int {
	integrated := 0
	for i := 0; i < len(queue); i++ {
		op := queue[i]
		st, dep := r.check(op, r.next)
		switch st {
		case statusDuplicate:
			delete(r.pending, keyOf(op))
		case statusMissing:
			r.waiting[dep] = append(r.waiting[dep], op)
		default:
			delete(r.pending, keyOf(op))
			actor := op.ID.Actor
			from := r.next(actor)
			r.integrate(op)
			integrated++
			for c := from; c < r.next(actor); c++ {
				id := oplog.ID{Actor: actor, Counter: c}
				if woken, ok := r.waiting[id]; ok {
					delete(r.waiting, id)
					queue = append(queue, woken...)
				}
			}
		}
	}
	return integrated
}

// pendingAfter computes how many operations would be pending once fresh
// is integrated, using shadow clocks. The replica is not modified.
func (r *Replica) pendingAfter(fresh []oplog.Operation) int {
	shadow := make(map[uint64]uint64)
	next := func(actor uint64) uint64 {
		if c, ok := shadow[actor]; ok {
			return c
		}
		return r.next(actor)
	}

	waiting := make(map[oplog.ID][]oplog.Operation)
	queue := append([]oplog.Operation(nil), fresh...)
	resolved := 0
	for i := 0; i < len(queue); i++ {
		op := queue[i]
		st, dep := r.check(op, next)
		switch st {
		case statusDuplicate:
			resolved++
			continue
		case statusMissing:
			waiting[dep] = append(waiting[dep], op)
			continue
		}
		resolved++
		actor := op.ID.Actor
		from, end := next(actor), op.ID.Counter+op.Span
		shadow[actor] = end
		for c := from; c < end; c++ {
			id := oplog.ID{Actor: actor, Counter: c}
			queue = append(queue, waiting[id]...)
			delete(waiting, id)
			queue = append(queue, r.waiting[id]...)
		}
	}
	return len(r.pending) + len(fresh) - resolved
}

func (r *Replica) next(actor uint64) uint64 {
	return uint64(len(r.log[actor]))
}

func (r *Replica) has(id oplog.ID) bool {
	return id.Counter < r.next(id.Actor)
}

func (r *Replica) operationsSince(sv oplog.StateVector) []oplog.Operation {
	actors := make([]uint64, 0, len(r.log))
	for actor := range r.log {
		actors = append(actors, actor)
	}
	sort.Slice(actors, func(i, j int) bool { return actors[i] < actors[j] })

	var ops []oplog.Operation
	for _, actor := range actors {
		entries := r.log[actor]
		clock := sv[actor]
		for clock < uint64(len(entries)) {
			e := entries[clock]
			if e.op != nil {
				ops = append(ops, *e.op)
				clock = e.op.ID.Counter + e.op.Span
				continue
			}

			it := e.item
			if it.block != nil {
				ops = append(ops, oplog.Operation{
					Kind:        oplog.KindInsertBlock,
					ID:          it.id,
					Span:        1,
					Origin:      cloneID(it.origin),
					RightOrigin: cloneID(it.rightOrigin),
					BlockType:   it.block.blockType,
					Attrs:       it.block.attrs,
				})
				clock++
				continue
			}

			// merge consecutive runes typed in one go back into a single run
			runes := []rune{it.text}
			prev := it
			clock++
			for clock < uint64(len(entries)) {
				n := entries[clock].item
				if n == nil || n.block != nil || !sameID(n.origin, &prev.id) || !sameID(n.rightOrigin, it.rightOrigin) {
					break
				}
				runes = append(runes, n.text)
				prev = n
				clock++
			}
			ops = append(ops, oplog.Operation{
				Kind:        oplog.KindInsertText,
				ID:          it.id,
				Span:        uint64(len(runes)),
				Origin:      cloneID(it.origin),
				RightOrigin: cloneID(it.rightOrigin),
				Text:        string(runes),
			})
		}
	}

	pending := make([]oplog.Operation, 0, len(r.pending))
	for _, p := range r.pending {
		if p.ID.Counter+p.Span > sv[p.ID.Actor] {
			pending = append(pending, p)
		}
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].ID.Less(pending[j].ID) })
	return append(ops, pending...)
}

func cloneID(id *oplog.ID) *oplog.ID {
	if id == nil {
		return nil
	}
	c := *id
	return &c
}

func sameID(a, b *oplog.ID) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
