package protocol

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
)

/*
LEARNING: WIRE FRAMES

Every websocket message carries one or more frames:

	type (1 byte) | payload length (uvarint) | payload

The server batches queued frames into one websocket message, so readers must
always loop until the buffer is empty.

Sync handshake:
  server → client: sync-step1 (server state vector) + awareness
  client → server: sync-step1 (client state vector)
  server → client: sync-step2 (what the client is missing)
  either way:      update (a delta produced by a local edit)
*/

// MessageType identifies the payload of a frame
type MessageType byte

const (
	MessageSyncStep1      MessageType = 0
	MessageSyncStep2      MessageType = 1
	MessageUpdate         MessageType = 2
	MessageAwareness      MessageType = 3
	MessageQueryAwareness MessageType = 4
	MessageError          MessageType = 99
)

func (t MessageType) String() string {
	switch t {
	case MessageSyncStep1:
		return "sync-step1"
	case MessageSyncStep2:
		return "sync-step2"
	case MessageUpdate:
		return "update"
	case MessageAwareness:
		return "awareness"
	case MessageQueryAwareness:
		return "query-awareness"
	case MessageError:
		return "error"
	default:
		return fmt.Sprintf("message(%d)", byte(t))
	}
}

// Error codes sent in error frames
const (
	CodeCorruptUpdate      = "corrupt_update"
	CodeStorageUnavailable = "storage_unavailable"
	CodeSlowConsumer       = "slow_consumer"
	CodeShuttingDown       = "shutting_down"
	CodeBadFrame           = "bad_frame"
)

// ErrMalformedFrame is returned when a message cannot be split into frames
var ErrMalformedFrame = errors.New("malformed frame")

// Frame is one typed message
type Frame struct {
	Type    MessageType
	Payload []byte
}

// ErrorPayload is the JSON body of an error frame
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Encode returns the wire form of a single frame
func (f Frame) Encode() []byte {
	return AppendFrame(make([]byte, 0, len(f.Payload)+1+binary.MaxVarintLen64), f)
}

// AppendFrame appends the wire form of f to dst
func AppendFrame(dst []byte, f Frame) []byte {
	dst = append(dst, byte(f.Type))
	dst = binary.AppendUvarint(dst, uint64(len(f.Payload)))
	return append(dst, f.Payload...)
}

// EncodeFrames concatenates several frames into one message
func EncodeFrames(frames ...Frame) []byte {
	var out []byte
	for _, f := range frames {
		out = AppendFrame(out, f)
	}
	return out
}

// DecodeFrames splits a websocket message into frames.
// Payloads alias data.
func DecodeFrames(data []byte) ([]Frame, error) {
	var frames []Frame
	for pos := 0; pos < len(data); {
		t := MessageType(data[pos])
		pos++

		n, size := binary.Uvarint(data[pos:])
		if size <= 0 {
			return nil, fmt.Errorf("%w: bad length of frame %d", ErrMalformedFrame, len(frames))
		}
		pos += size
		if n > uint64(len(data)-pos) {
			return nil, fmt.Errorf("%w: frame %d declares %d bytes, %d left", ErrMalformedFrame, len(frames), n, len(data)-pos)
		}

		end := pos + int(n)
		frames = append(frames, Frame{Type: t, Payload: data[pos:end:end]})
		pos = end
	}
	return frames, nil
}

// ErrorFrame builds an error frame with a JSON payload
func ErrorFrame(code, message string) Frame {
	payload, _ := json.Marshal(ErrorPayload{Code: code, Message: message})
	return Frame{Type: MessageError, Payload: payload}
}

// ParseError decodes the payload of an error frame
func ParseError(f Frame) (ErrorPayload, error) {
	var p ErrorPayload
	if f.Type != MessageError {
		return p, fmt.Errorf("%w: %s is not an error frame", ErrMalformedFrame, f.Type)
	}
	if err := json.Unmarshal(f.Payload, &p); err != nil {
		return p, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	return p, nil
}
