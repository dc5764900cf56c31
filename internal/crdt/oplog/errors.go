package oplog

import (
	"errors"
	"fmt"
)

// CorruptUpdateError is returned for structurally malformed updates.
// The replica that rejects it is left untouched.
type CorruptUpdateError struct {
	DocumentID string
	Reason     string
	Err        error
}

func (e *CorruptUpdateError) Error() string {
	msg := "corrupt update"
	if e.DocumentID != "" {
		msg += " for document " + e.DocumentID
	}
	msg += ": " + e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *CorruptUpdateError) Unwrap() error {
	return e.Err
}

func corrupt(reason string, args ...any) error {
	return &CorruptUpdateError{Reason: fmt.Sprintf(reason, args...)}
}

// IsCorrupt reports whether err (or anything it wraps) is a CorruptUpdateError
func IsCorrupt(err error) bool {
	var cue *CorruptUpdateError
	return errors.As(err, &cue)
}

var errTruncated = errors.New("unexpected end of input")
