package oplog

import "sort"

// StateVector maps actor -> next counter the replica expects from that actor.
// Everything below the value has been integrated.
type StateVector map[uint64]uint64

// Actors returns the actors in ascending order
func (sv StateVector) Actors() []uint64 {
	actors := make([]uint64, 0, len(sv))
	for a := range sv {
		actors = append(actors, a)
	}
	sort.Slice(actors, func(i, j int) bool { return actors[i] < actors[j] })
	return actors
}

// Has reports whether the counter slot id is covered
func (sv StateVector) Has(id ID) bool {
	return id.Counter < sv[id.Actor]
}

// Clone returns an independent copy
func (sv StateVector) Clone() StateVector {
	out := make(StateVector, len(sv))
	for a, c := range sv {
		out[a] = c
	}
	return out
}
