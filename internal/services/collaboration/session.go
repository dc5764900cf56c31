package collaboration

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"notes-collab/internal/middleware"
	"notes-collab/internal/models"
	"notes-collab/internal/protocol"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/time/rate"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second // must be less than pongWait
	maxMessageSize = 8 << 20
)

// ErrSlowConsumer is the reason a session is dropped when its outbound queue is full
var ErrSlowConsumer = errors.New("slow consumer: outbound queue full")

// Session represents one client connection to a document room
type Session struct {
	*models.Session
	Conn *websocket.Conn

	// Send is written only by the room goroutine and never closed
	Send chan []byte

	room     *Room
	limiter  *rate.Limiter
	done     chan struct{}
	once     sync.Once
	farewell []byte
}

// NewSession creates a session with a bounded outbound queue. Awareness
// frames beyond awarenessRate per second (burst 2x) are dropped; a zero
// rate disables the limit.
func NewSession(documentID, userID, userName string, queueSize int, awarenessRate float64) *Session {
	limit := rate.Inf
	burst := 0
	if awarenessRate > 0 {
		limit = rate.Limit(awarenessRate)
		burst = int(2*awarenessRate) + 1
	}
	return &Session{
		Session: models.NewSession(documentID, userID, userName),
		Send:    make(chan []byte, queueSize),
		limiter: rate.NewLimiter(limit, burst),
		done:    make(chan struct{}),
	}
}

// Done is closed once the session has been closed
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Close ends the session. farewell, if any, is the last frame written
// before the connection closes. Only the first call has any effect.
func (s *Session) Close(farewell *protocol.Frame) {
	s.once.Do(func() {
		if farewell != nil {
			s.farewell = farewell.Encode()
		}
		close(s.done)
	})
}

// allowAwareness reports whether another awareness frame may pass
func (s *Session) allowAwareness() bool {
	return s.limiter.Allow()
}

// ReadPump reads messages from the WebSocket connection and hands the
// decoded frames to the room
// Learning: Each session has its own goroutine reading from the WebSocket
func (s *Session) ReadPump(ctx context.Context) {
	defer func() {
		s.room.leave(s)
		s.Conn.Close()
	}()

	s.Conn.SetReadLimit(maxMessageSize)
	s.Conn.SetReadDeadline(time.Now().Add(pongWait))
	s.Conn.SetPongHandler(func(string) error {
		s.Conn.SetReadDeadline(time.Now().Add(pongWait))
		s.LastActiveAt = time.Now()
		return nil
	})

	for {
		_, message, err := s.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("WebSocket error for session %s: %v", s.ID, err)
			}
			return
		}
		s.LastActiveAt = time.Now()

		msgCtx, span := middleware.StartSpan(ctx, "WebSocket.ProcessMessage",
			attribute.String("session.id", s.ID),
			attribute.String("document.id", s.DocumentID),
			attribute.Int("message.size", len(message)),
		)

		frames, err := protocol.DecodeFrames(message)
		if err != nil {
			middleware.AddSpanError(msgCtx, err)
		}
		frames = s.throttle(frames)
		if len(frames) > 0 || err != nil {
			s.room.deliver(s, frames, err)
		}

		span.End()
	}
}

// throttle drops awareness frames over the session's rate
func (s *Session) throttle(frames []protocol.Frame) []protocol.Frame {
	kept := frames[:0]
	for _, f := range frames {
		if f.Type == protocol.MessageAwareness && !s.allowAwareness() {
			continue
		}
		kept = append(kept, f)
	}
	return kept
}

// WritePump writes queued messages to the WebSocket connection
// Learning: Separate goroutine for writing prevents blocking on slow clients
func (s *Session) WritePump(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.Conn.Close()
	}()

	for {
		select {
		case <-s.done:
			s.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if s.farewell != nil {
				s.Conn.WriteMessage(websocket.BinaryMessage, s.farewell)
			}
			s.Conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return

		case message := <-s.Send:
			s.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			w, err := s.Conn.NextWriter(websocket.BinaryMessage)
			if err != nil {
				return
			}
			w.Write(message)

			// Batch additional queued messages; frames are self-delimiting
			n := len(s.Send)
			for i := 0; i < n; i++ {
				w.Write(<-s.Send)
			}

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			s.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
