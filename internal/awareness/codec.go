package awareness

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMalformed is returned for awareness payloads that cannot be decoded
var ErrMalformed = errors.New("malformed awareness update")

var jsonNull = []byte("null")

// EncodeEntries serializes entries as
// uvarint n | (string sessionID, uvarint clock, string json)*.
// Tombstones are written with the JSON value null.
func EncodeEntries(entries []Entry) []byte {
	buf := binary.AppendUvarint(nil, uint64(len(entries)))
	for _, e := range entries {
		buf = appendString(buf, []byte(e.SessionID))
		buf = binary.AppendUvarint(buf, e.Clock)
		if e.Removed() {
			buf = appendString(buf, jsonNull)
		} else {
			buf = appendString(buf, e.State)
		}
	}
	return buf
}

// DecodeEntries parses a payload written by EncodeEntries
func DecodeEntries(data []byte) ([]Entry, error) {
	d := decoder{buf: data}

	n := d.uvarint()
	if d.err == nil && n > uint64(len(data)) {
		return nil, fmt.Errorf("%w: %d entries in %d bytes", ErrMalformed, n, len(data))
	}

	entries := make([]Entry, 0, n)
	for i := uint64(0); i < n && d.err == nil; i++ {
		id := string(d.bytes())
		clock := d.uvarint()
		state := d.bytes()
		if d.err != nil {
			break
		}
		if id == "" {
			return nil, fmt.Errorf("%w: entry %d has no session id", ErrMalformed, i)
		}
		if !json.Valid(state) {
			return nil, fmt.Errorf("%w: entry %d state is not JSON", ErrMalformed, i)
		}

		e := Entry{SessionID: id, Clock: clock}
		if string(state) != string(jsonNull) {
			e.State = append(json.RawMessage(nil), state...)
		}
		entries = append(entries, e)
	}
	if d.err != nil {
		return nil, d.err
	}
	if d.pos != len(data) {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrMalformed, len(data)-d.pos)
	}
	return entries, nil
}

func appendString(buf, s []byte) []byte {
	buf = binary.AppendUvarint(buf, uint64(len(s)))
	return append(buf, s...)
}

type decoder struct {
	buf []byte
	pos int
	err error
}

func (d *decoder) uvarint() uint64 {
	if d.err != nil {
		return 0
	}
	v, n := binary.Uvarint(d.buf[d.pos:])
	if n <= 0 {
		d.err = fmt.Errorf("%w: bad varint at offset %d", ErrMalformed, d.pos)
		return 0
	}
	d.pos += n
	return v
}

func (d *decoder) bytes() []byte {
	n := d.uvarint()
	if d.err != nil {
		return nil
	}
	if n > uint64(len(d.buf)-d.pos) {
		d.err = fmt.Errorf("%w: truncated at offset %d", ErrMalformed, d.pos)
		return nil
	}
	b := d.buf[d.pos : d.pos+int(n)]
	d.pos += int(n)
	return b
}
