package crdt

import (
	"fmt"
	"unicode/utf8"

	"notes-collab/internal/crdt/oplog"
)

// Local edits address content by visible position (runes and block markers
// both count as one). Each edit is integrated locally and returned as an
// encoded update ready to be sent to peers.

// InsertText inserts text before the visible position pos
func (r *Replica) InsertText(pos int, text string) ([]byte, error) {
	if text == "" || !utf8.ValidString(text) {
		return nil, fmt.Errorf("%w: text must be non-empty UTF-8", ErrInvalidEdit)
	}
	left, right, err := r.neighbours(pos)
	if err != nil {
		return nil, err
	}
	return r.commit(oplog.Operation{
		Kind:        oplog.KindInsertText,
		ID:          r.nextLocalID(),
		Span:        uint64(utf8.RuneCountInString(text)),
		Origin:      idOf(left),
		RightOrigin: idOf(right),
		Text:        text,
	})
}

// InsertBlock inserts a block marker before pos. attrs is opaque JSON.
func (r *Replica) InsertBlock(pos int, blockType string, attrs []byte) ([]byte, error) {
	if blockType == "" {
		return nil, fmt.Errorf("%w: block type is required", ErrInvalidEdit)
	}
	left, right, err := r.neighbours(pos)
	if err != nil {
		return nil, err
	}
	if len(attrs) == 0 {
		attrs = nil
	}
	return r.commit(oplog.Operation{
		Kind:        oplog.KindInsertBlock,
		ID:          r.nextLocalID(),
		Span:        1,
		Origin:      idOf(left),
		RightOrigin: idOf(right),
		BlockType:   blockType,
		Attrs:       attrs,
	})
}

// Delete removes length visible items starting at pos
func (r *Replica) Delete(pos, length int) ([]byte, error) {
	targets, err := r.visibleRange(pos, length)
	if err != nil {
		return nil, err
	}

	var ranges []oplog.Range
	for _, it := range targets {
		if n := len(ranges); n > 0 {
			last := &ranges[n-1]
			if last.Actor == it.id.Actor && last.Counter+last.Length == it.id.Counter {
				last.Length++
				continue
			}
		}
		ranges = append(ranges, oplog.Range{Actor: it.id.Actor, Counter: it.id.Counter, Length: 1})
	}

	return r.commit(oplog.Operation{
		Kind:    oplog.KindDelete,
		ID:      r.nextLocalID(),
		Span:    1,
		Targets: ranges,
	})
}

// SetMark sets key=value on length visible items starting at pos.
// A nil value removes the mark.
func (r *Replica) SetMark(pos, length int, key string, value []byte) ([]byte, error) {
	if key == "" {
		return nil, fmt.Errorf("%w: mark key is required", ErrInvalidEdit)
	}
	targets, err := r.visibleRange(pos, length)
	if err != nil {
		return nil, err
	}
	return r.commit(oplog.Operation{
		Kind:      oplog.KindSetMark,
		ID:        r.nextLocalID(),
		Span:      1,
		Start:     targets[0].id,
		End:       targets[len(targets)-1].id,
		MarkKey:   key,
		MarkValue: value,
		Lamport:   r.lamport + 1,
	})
}

func (r *Replica) commit(op oplog.Operation) ([]byte, error) {
	u := oplog.Update{DocumentID: r.documentID, Operations: []oplog.Operation{op}}
	if _, err := r.ApplyUpdate(u); err != nil {
		return nil, err
	}
	return oplog.EncodeUpdate(u), nil
}

func (r *Replica) nextLocalID() oplog.ID {
	return oplog.ID{Actor: r.actor, Counter: r.next(r.actor)}
}

// neighbours returns the visible item before pos and whatever follows it
func (r *Replica) neighbours(pos int) (*item, *item, error) {
	if pos < 0 {
		return nil, nil, fmt.Errorf("%w: %d", ErrOutOfRange, pos)
	}
	if pos == 0 {
		return nil, r.head, nil
	}
	seen := 0
	for it := r.head; it != nil; it = it.right {
		if it.deleted {
			continue
		}
		seen++
		if seen == pos {
			return it, it.right, nil
		}
	}
	return nil, nil, fmt.Errorf("%w: %d (length %d)", ErrOutOfRange, pos, seen)
}

func (r *Replica) visibleRange(pos, length int) ([]*item, error) {
	if pos < 0 || length <= 0 {
		return nil, fmt.Errorf("%w: pos %d length %d", ErrOutOfRange, pos, length)
	}
	var out []*item
	idx := 0
	for it := r.head; it != nil && len(out) < length; it = it.right {
		if it.deleted {
			continue
		}
		if idx >= pos {
			out = append(out, it)
		}
		idx++
	}
	if len(out) < length {
		return nil, fmt.Errorf("%w: pos %d length %d", ErrOutOfRange, pos, length)
	}
	return out, nil
}

func idOf(it *item) *oplog.ID {
	if it == nil {
		return nil
	}
	id := it.id
	return &id
}
