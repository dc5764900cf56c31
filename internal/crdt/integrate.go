package crdt

import (
	"notes-collab/internal/crdt/oplog"
)

type opStatus int

const (
	statusReady opStatus = iota
	statusDuplicate
	statusMissing
)

// status decides whether op can be integrated now
func (r *Replica) status(op oplog.Operation) opStatus {
	st, _ := r.check(op, r.next)
	return st
}

// check decides whether op can be integrated against the clocks reported by
// next. When it cannot, dep is the first missing ID it waits for.
// Counters are contiguous per actor, so a gap means an earlier op is missing.
func (r *Replica) check(op oplog.Operation, next func(actor uint64) uint64) (st opStatus, dep oplog.ID) {
	known := func(id oplog.ID) bool { return id.Counter < next(id.Actor) }

	have := next(op.ID.Actor)
	if op.ID.Counter+op.Span <= have {
		return statusDuplicate, dep
	}
	if op.ID.Counter > have {
		return statusMissing, oplog.ID{Actor: op.ID.Actor, Counter: op.ID.Counter - 1}
	}

	switch op.Kind {
	case oplog.KindInsertText, oplog.KindInsertBlock:
		// a partially known run continues from our last rune, which exists
		if have == op.ID.Counter && op.Origin != nil && !known(*op.Origin) {
			return statusMissing, *op.Origin
		}
		if op.RightOrigin != nil && !known(*op.RightOrigin) {
			return statusMissing, *op.RightOrigin
		}
	case oplog.KindDelete:
		for _, t := range op.Targets {
			if next(t.Actor) < t.Counter+t.Length {
				return statusMissing, oplog.ID{Actor: t.Actor, Counter: t.Counter + t.Length - 1}
			}
		}
	case oplog.KindSetMark:
		if !known(op.Start) {
			return statusMissing, op.Start
		}
		if !known(op.End) {
			return statusMissing, op.End
		}
	}
	return statusReady, dep
}

// integrate applies a ready operation, skipping the counters we already hold
func (r *Replica) integrate(op oplog.Operation) {
	actor := op.ID.Actor
	have := r.next(actor)

	switch op.Kind {
	case oplog.KindInsertText:
		runes := []rune(op.Text)
		offset := have - op.ID.Counter
		origin := op.Origin
		if offset > 0 {
			origin = &oplog.ID{Actor: actor, Counter: have - 1}
		}
		for i := offset; i < uint64(len(runes)); i++ {
			it := &item{
				id:          oplog.ID{Actor: actor, Counter: op.ID.Counter + i},
				origin:      cloneID(origin),
				rightOrigin: cloneID(op.RightOrigin),
				text:        runes[i],
			}
			r.integrateItem(it)
			r.log[actor] = append(r.log[actor], entry{item: it})
			origin = &it.id
		}

	case oplog.KindInsertBlock:
		it := &item{
			id:          op.ID,
			origin:      cloneID(op.Origin),
			rightOrigin: cloneID(op.RightOrigin),
			block:       &blockContent{blockType: op.BlockType, attrs: op.Attrs},
		}
		r.integrateItem(it)
		r.log[actor] = append(r.log[actor], entry{item: it})

	case oplog.KindDelete:
		stored := op
		for _, t := range op.Targets {
			for c := t.Counter; c < t.Counter+t.Length; c++ {
				// deleting a tombstone again is a no-op
				if it := r.items[oplog.ID{Actor: t.Actor, Counter: c}]; it != nil {
					it.deleted = true
				}
			}
		}
		r.log[actor] = append(r.log[actor], entry{op: &stored})

	case oplog.KindSetMark:
		stored := op
		r.marks = append(r.marks, &stored)
		if op.Lamport > r.lamport {
			r.lamport = op.Lamport
		}
		r.log[actor] = append(r.log[actor], entry{op: &stored})

	default:
		// opaque to this build: occupy the counters, keep the bytes for relaying
		stored := op
		for c := have; c < op.ID.Counter+op.Span; c++ {
			r.log[actor] = append(r.log[actor], entry{op: &stored})
		}
	}
}

// integrateItem links it into the list following YATA
func (r *Replica) integrateItem(it *item) {
	var left, right *item
	if it.origin != nil {
		left = r.items[*it.origin]
	}
	if it.rightOrigin != nil {
		right = r.items[*it.rightOrigin]
	}

	o := r.head
	if left != nil {
		o = left.right
	}

	if o != right {
		seen := make(map[*item]bool)
		conflicting := make(map[*item]bool)
		for o != nil && o != right {
			seen[o] = true
			conflicting[o] = true
			if sameID(it.origin, o.origin) {
				// same insertion point: lower actor goes first
				if o.id.Actor < it.id.Actor {
					left = o
					clear(conflicting)
				} else if sameID(it.rightOrigin, o.rightOrigin) {
					break
				}
			} else if oo := r.originItem(o); oo != nil && seen[oo] {
				if !conflicting[oo] {
					left = o
					clear(conflicting)
				}
			} else {
				break
			}
			o = o.right
		}
	}

	it.left = left
	if left != nil {
		it.right = left.right
		left.right = it
	} else {
		it.right = r.head
		r.head = it
	}
	if it.right != nil {
		it.right.left = it
	}
	r.items[it.id] = it
}

func (r *Replica) originItem(it *item) *item {
	if it.origin == nil {
		return nil
	}
	return r.items[*it.origin]
}
