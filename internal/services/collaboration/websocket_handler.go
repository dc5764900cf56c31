package collaboration

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	"notes-collab/internal/middleware"
	"notes-collab/internal/protocol"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
)

/*
LEARNING: WEBSOCKET UPGRADER

The upgrader converts HTTP connections to WebSocket connections.

Key settings:
- ReadBufferSize/WriteBufferSize: Memory for I/O operations
- CheckOrigin: CORS validation for WebSocket connections

Identity is not checked here. The gateway in front of this service has
already authenticated the user and forwards X-User-ID / X-User-Name; query
parameters are accepted as a fallback for local development.
*/

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// WebSocketHandler handles WebSocket connections for document collaboration
type WebSocketHandler struct {
	manager *Manager
}

// NewWebSocketHandler creates a new WebSocket handler
func NewWebSocketHandler(manager *Manager) *WebSocketHandler {
	return &WebSocketHandler{manager: manager}
}

// HandleDocumentConnection upgrades the request and joins the document room
func (h *WebSocketHandler) HandleDocumentConnection(w http.ResponseWriter, r *http.Request) {
	documentID := mux.Vars(r)["id"]
	if documentID == "" {
		http.Error(w, "document id is required", http.StatusBadRequest)
		return
	}
	if h.manager.Closing() {
		http.Error(w, ErrShuttingDown.Error(), http.StatusServiceUnavailable)
		return
	}

	userID, userName := identity(r)

	// spans and pumps outlive the HTTP handler
	ctx := context.WithoutCancel(r.Context())
	ctx, span := middleware.StartSpan(ctx, "WebSocket.Connect",
		attribute.String("document.id", documentID),
		attribute.String("user.id", userID),
	)
	defer span.End()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("Failed to upgrade WebSocket: %v", err)
		middleware.AddSpanError(ctx, err)
		return
	}

	session := h.manager.NewSession(documentID, userID, userName)
	session.Conn = conn
	span.SetAttributes(attribute.String("session.id", session.ID))

	if err := h.manager.Join(session); err != nil {
		middleware.AddSpanError(ctx, err)
		code := protocol.CodeStorageUnavailable
		if errors.Is(err, ErrShuttingDown) {
			code = protocol.CodeShuttingDown
		}
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		conn.WriteMessage(websocket.BinaryMessage, protocol.ErrorFrame(code, err.Error()).Encode())
		conn.Close()
		return
	}

	// Learning: Separate goroutines prevent deadlock between reading and writing
	go session.WritePump(ctx)
	go session.ReadPump(ctx)

	log.Printf("✓ WebSocket connection established for document %s (user: %s, session: %s)",
		documentID, userName, session.ID)
}

func identity(r *http.Request) (userID, userName string) {
	userID = r.Header.Get("X-User-ID")
	userName = r.Header.Get("X-User-Name")
	if userID == "" {
		userID = r.URL.Query().Get("user_id")
	}
	if userName == "" {
		userName = r.URL.Query().Get("user_name")
	}

	if userID == "" {
		userID = "anonymous"
	}
	if userName == "" {
		userName = "Anonymous"
	}
	return userID, userName
}
