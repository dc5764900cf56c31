package oplog

import (
	"encoding/binary"
	"math"
	"strconv"
	"unicode/utf8"
)

/*
LEARNING: LENGTH-PREFIXED BINARY RECORDS

update := uvarint version | string documentID | uvarint count | record*
record := uvarint kind | uvarint bodyLen | body
body   := uvarint actor | uvarint counter | uvarint span | payload

Because every record declares its own length, a decoder can step over
kinds it has never heard of. Those records still occupy counters, so they
are kept as opaque operations instead of being dropped.
*/

const Version = 1

// MaxOpaqueSpan bounds the counters an unknown record may claim
const MaxOpaqueSpan = 1 << 16

const (
	flagOrigin      = 1 << 0
	flagRightOrigin = 1 << 1
)

// EncodeUpdate serializes an update
func EncodeUpdate(u Update) []byte {
	w := &writer{}
	w.uvarint(Version)
	w.string(u.DocumentID)
	w.uvarint(uint64(len(u.Operations)))

	body := &writer{}
	for i := range u.Operations {
		op := &u.Operations[i]
		body.reset()
		body.uvarint(op.ID.Actor)
		body.uvarint(op.ID.Counter)
		body.uvarint(op.Span)
		encodePayload(body, op)

		w.uvarint(uint64(op.Kind))
		w.bytes(body.buf)
	}
	return w.buf
}

func encodePayload(w *writer, op *Operation) {
	switch op.Kind {
	case KindInsertText:
		w.origins(op.Origin, op.RightOrigin)
		w.string(op.Text)
	case KindInsertBlock:
		w.origins(op.Origin, op.RightOrigin)
		w.string(op.BlockType)
		w.bytes(op.Attrs)
	case KindDelete:
		w.uvarint(uint64(len(op.Targets)))
		for _, t := range op.Targets {
			w.uvarint(t.Actor)
			w.uvarint(t.Counter)
			w.uvarint(t.Length)
		}
	case KindSetMark:
		w.id(op.Start)
		w.id(op.End)
		w.string(op.MarkKey)
		if op.MarkValue == nil {
			w.uvarint(0)
		} else {
			w.uvarint(1)
			w.bytes(op.MarkValue)
		}
		w.uvarint(op.Lamport)
	default:
		w.raw(op.Raw)
	}
}

// DecodeUpdate parses an update. Malformed input yields a *CorruptUpdateError.
func DecodeUpdate(data []byte) (Update, error) {
	r := &reader{buf: data}

	version, err := r.uvarint()
	if err != nil {
		return Update{}, &CorruptUpdateError{Reason: "reading version", Err: err}
	}
	if version != Version {
		return Update{}, corrupt("unsupported version %d", version)
	}

	docID, err := r.string()
	if err != nil {
		return Update{}, &CorruptUpdateError{Reason: "reading document id", Err: err}
	}

	count, err := r.uvarint()
	if err != nil {
		return Update{}, &CorruptUpdateError{DocumentID: docID, Reason: "reading record count", Err: err}
	}
	// every record needs at least two bytes
	if count > uint64(r.remaining())/2 {
		return Update{}, &CorruptUpdateError{DocumentID: docID, Reason: "record count exceeds input"}
	}

	u := Update{DocumentID: docID}
	if count > 0 {
		u.Operations = make([]Operation, 0, count)
	}
	for i := uint64(0); i < count; i++ {
		op, err := decodeRecord(r)
		if err != nil {
			if cue, ok := err.(*CorruptUpdateError); ok {
				cue.DocumentID = docID
				cue.Reason = "record " + strconv.FormatUint(i, 10) + ": " + cue.Reason
			}
			return Update{}, err
		}
		u.Operations = append(u.Operations, op)
	}
	if r.remaining() != 0 {
		return Update{}, &CorruptUpdateError{DocumentID: docID, Reason: "trailing bytes after last record"}
	}
	return u, nil
}

func decodeRecord(r *reader) (Operation, error) {
	kind, err := r.uvarint()
	if err != nil {
		return Operation{}, &CorruptUpdateError{Reason: "reading kind", Err: err}
	}
	body, err := r.byteSlice()
	if err != nil {
		return Operation{}, &CorruptUpdateError{Reason: "reading body", Err: err}
	}

	br := &reader{buf: body}
	op := Operation{Kind: Kind(kind)}
	if op.ID.Actor, err = br.uvarint(); err != nil {
		return Operation{}, &CorruptUpdateError{Reason: "reading actor", Err: err}
	}
	if op.ID.Counter, err = br.uvarint(); err != nil {
		return Operation{}, &CorruptUpdateError{Reason: "reading counter", Err: err}
	}
	if op.Span, err = br.uvarint(); err != nil {
		return Operation{}, &CorruptUpdateError{Reason: "reading span", Err: err}
	}
	if op.Span == 0 {
		return Operation{}, corrupt("zero span")
	}
	if op.ID.Counter > math.MaxUint64-op.Span {
		return Operation{}, corrupt("counter overflow")
	}

	if !op.Kind.Known() {
		if op.Span > MaxOpaqueSpan {
			return Operation{}, corrupt("unknown record spans %d counters", op.Span)
		}
		if br.remaining() > 0 {
			op.Raw = append([]byte(nil), br.buf[br.pos:]...)
		}
		return op, nil
	}

	if err := decodePayload(br, &op); err != nil {
		if _, ok := err.(*CorruptUpdateError); ok {
			return Operation{}, err
		}
		return Operation{}, &CorruptUpdateError{Reason: "reading " + op.Kind.String() + " payload", Err: err}
	}
	return op, nil
}

func decodePayload(r *reader, op *Operation) error {
	var err error
	switch op.Kind {
	case KindInsertText:
		if op.Origin, op.RightOrigin, err = r.origins(); err != nil {
			return err
		}
		if op.Text, err = r.string(); err != nil {
			return err
		}
		if !utf8.ValidString(op.Text) {
			return corrupt("insert text is not valid UTF-8")
		}
		if uint64(utf8.RuneCountInString(op.Text)) != op.Span {
			return corrupt("insert span %d does not match %d runes", op.Span, utf8.RuneCountInString(op.Text))
		}

	case KindInsertBlock:
		if op.Span != 1 {
			return corrupt("block insert span must be 1")
		}
		if op.Origin, op.RightOrigin, err = r.origins(); err != nil {
			return err
		}
		if op.BlockType, err = r.string(); err != nil {
			return err
		}
		if op.BlockType == "" {
			return corrupt("empty block type")
		}
		if op.Attrs, err = r.byteSlice(); err != nil {
			return err
		}
		if len(op.Attrs) == 0 {
			op.Attrs = nil
		} else {
			op.Attrs = append([]byte(nil), op.Attrs...)
		}

	case KindDelete:
		if op.Span != 1 {
			return corrupt("delete span must be 1")
		}
		n, err := r.uvarint()
		if err != nil {
			return err
		}
		if n == 0 {
			return corrupt("delete without targets")
		}
		if n > uint64(r.remaining())/3 {
			return corrupt("target count exceeds input")
		}
		op.Targets = make([]Range, 0, n)
		for i := uint64(0); i < n; i++ {
			var t Range
			if t.Actor, err = r.uvarint(); err != nil {
				return err
			}
			if t.Counter, err = r.uvarint(); err != nil {
				return err
			}
			if t.Length, err = r.uvarint(); err != nil {
				return err
			}
			if t.Length == 0 || t.Counter > math.MaxUint64-t.Length {
				return corrupt("invalid delete target %d:%d+%d", t.Actor, t.Counter, t.Length)
			}
			op.Targets = append(op.Targets, t)
		}

	case KindSetMark:
		if op.Span != 1 {
			return corrupt("mark span must be 1")
		}
		if op.Start, err = r.id(); err != nil {
			return err
		}
		if op.End, err = r.id(); err != nil {
			return err
		}
		if op.MarkKey, err = r.string(); err != nil {
			return err
		}
		if op.MarkKey == "" {
			return corrupt("empty mark key")
		}
		hasValue, err := r.uvarint()
		if err != nil {
			return err
		}
		if hasValue != 0 {
			v, err := r.byteSlice()
			if err != nil {
				return err
			}
			op.MarkValue = append([]byte{}, v...)
		}
		if op.Lamport, err = r.uvarint(); err != nil {
			return err
		}
	}
	return nil
}

// EncodeStateVector serializes a state vector sorted by actor
func EncodeStateVector(sv StateVector) []byte {
	w := &writer{}
	actors := sv.Actors()
	w.uvarint(uint64(len(actors)))
	for _, a := range actors {
		w.uvarint(a)
		w.uvarint(sv[a])
	}
	return w.buf
}

// DecodeStateVector parses a state vector
func DecodeStateVector(data []byte) (StateVector, error) {
	r := &reader{buf: data}
	n, err := r.uvarint()
	if err != nil {
		return nil, &CorruptUpdateError{Reason: "reading state vector length", Err: err}
	}
	if n > uint64(r.remaining())/2 {
		return nil, corrupt("state vector length exceeds input")
	}
	sv := make(StateVector, n)
	for i := uint64(0); i < n; i++ {
		actor, err := r.uvarint()
		if err != nil {
			return nil, &CorruptUpdateError{Reason: "reading state vector actor", Err: err}
		}
		clock, err := r.uvarint()
		if err != nil {
			return nil, &CorruptUpdateError{Reason: "reading state vector clock", Err: err}
		}
		sv[actor] = clock
	}
	if r.remaining() != 0 {
		return nil, corrupt("trailing bytes after state vector")
	}
	return sv, nil
}

// writer and reader are shared by the codecs of this module

type writer struct {
	buf []byte
}

func (w *writer) reset() { w.buf = w.buf[:0] }

func (w *writer) uvarint(v uint64) {
	w.buf = binary.AppendUvarint(w.buf, v)
}

func (w *writer) raw(b []byte) {
	w.buf = append(w.buf, b...)
}

func (w *writer) bytes(b []byte) {
	w.uvarint(uint64(len(b)))
	w.buf = append(w.buf, b...)
}

func (w *writer) string(s string) {
	w.uvarint(uint64(len(s)))
	w.buf = append(w.buf, s...)
}

func (w *writer) id(id ID) {
	w.uvarint(id.Actor)
	w.uvarint(id.Counter)
}

func (w *writer) origins(origin, right *ID) {
	var flags uint64
	if origin != nil {
		flags |= flagOrigin
	}
	if right != nil {
		flags |= flagRightOrigin
	}
	w.uvarint(flags)
	if origin != nil {
		w.id(*origin)
	}
	if right != nil {
		w.id(*right)
	}
}

type reader struct {
	buf []byte
	pos int
}

func (r *reader) remaining() int { return len(r.buf) - r.pos }

func (r *reader) uvarint() (uint64, error) {
	v, n := binary.Uvarint(r.buf[r.pos:])
	if n == 0 {
		return 0, errTruncated
	}
	if n < 0 {
		return 0, corrupt("varint overflows 64 bits")
	}
	r.pos += n
	return v, nil
}

func (r *reader) byteSlice() ([]byte, error) {
	n, err := r.uvarint()
	if err != nil {
		return nil, err
	}
	if n > uint64(r.remaining()) {
		return nil, errTruncated
	}
	b := r.buf[r.pos : r.pos+int(n)]
	r.pos += int(n)
	return b, nil
}

func (r *reader) string() (string, error) {
	b, err := r.byteSlice()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (r *reader) id() (ID, error) {
	actor, err := r.uvarint()
	if err != nil {
		return ID{}, err
	}
	counter, err := r.uvarint()
	if err != nil {
		return ID{}, err
	}
	return ID{Actor: actor, Counter: counter}, nil
}

func (r *reader) origins() (*ID, *ID, error) {
	flags, err := r.uvarint()
	if err != nil {
		return nil, nil, err
	}
	if flags&^(flagOrigin|flagRightOrigin) != 0 {
		return nil, nil, corrupt("unknown origin flags %#x", flags)
	}
	var origin, right *ID
	if flags&flagOrigin != 0 {
		id, err := r.id()
		if err != nil {
			return nil, nil, err
		}
		origin = &id
	}
	if flags&flagRightOrigin != 0 {
		id, err := r.id()
		if err != nil {
			return nil, nil, err
		}
		right = &id
	}
	return origin, right, nil
}
