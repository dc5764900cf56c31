package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"sort"

	"notes-collab/internal/awareness"
	"notes-collab/internal/middleware"
	"notes-collab/internal/persistence"
	"notes-collab/internal/services/collaboration"

	"github.com/gorilla/mux"
)

// Handler handles HTTP requests
// Learning: Uses INTERFACES defined in this package (consumer-driven)
type Handler struct {
	collab    Collaboration
	presence  PresenceDirectory // nil without Redis
	history   SnapshotHistory   // nil unless snapshots live in Postgres
	wsHandler *collaboration.WebSocketHandler
}

func NewHandler(collab Collaboration, wsHandler *collaboration.WebSocketHandler) *Handler {
	return &Handler{collab: collab, wsHandler: wsHandler}
}

// WithPresence enables the cross-instance presence endpoints
func (h *Handler) WithPresence(p PresenceDirectory) *Handler {
	h.presence = p
	return h
}

// WithHistory enables the snapshot history endpoint
func (h *Handler) WithHistory(s SnapshotHistory) *Handler {
	h.history = s
	return h
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// GetSnapshot returns the current content tree of a document
func (h *Handler) GetSnapshot(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	doc, err := h.collab.Snapshot(r.Context(), id)
	if err != nil {
		middleware.AddSpanError(r.Context(), err)
		log.Printf("⚠️  Snapshot of document %s failed: %v", id, err)
		status := http.StatusInternalServerError
		if errors.Is(err, persistence.ErrStorageUnavailable) {
			status = http.StatusServiceUnavailable
		}
		http.Error(w, err.Error(), status)
		return
	}

	writeJSON(w, http.StatusOK, doc)
}

// GetPresence lists who is in a document. With Redis this covers every
// instance; otherwise only the sessions connected here.
func (h *Handler) GetPresence(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	if h.presence != nil {
		members, err := h.presence.Alive(r.Context(), id)
		if err == nil {
			writeJSON(w, http.StatusOK, map[string]interface{}{
				"document_id": id,
				"members":     members,
			})
			return
		}
		// fall through to the local view
		middleware.AddSpanError(r.Context(), err)
		log.Printf("⚠️  Presence lookup for %s failed, using local state: %v", id, err)
	}

	states := h.collab.Awareness(id)
	members := make([]awareness.Member, 0, len(states))
	for sessionID, state := range states {
		members = append(members, awareness.Member{SessionID: sessionID, State: state})
	}
	sort.Slice(members, func(i, j int) bool { return members[i].SessionID < members[j].SessionID })

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"document_id": id,
		"members":     members,
	})
}

// ListPresence lists the documents with someone present on any instance
func (h *Handler) ListPresence(w http.ResponseWriter, r *http.Request) {
	if h.presence == nil {
		http.Error(w, "presence directory is not configured", http.StatusNotImplemented)
		return
	}

	docs, err := h.presence.Documents(r.Context())
	if err != nil {
		middleware.AddSpanError(r.Context(), err)
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"documents": docs})
}

// GetHistory lists saved versions of a document, newest first
func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		http.Error(w, "snapshot history needs the postgres backend", http.StatusNotImplemented)
		return
	}
	id := mux.Vars(r)["id"]

	snapshots, err := h.history.History(r.Context(), id)
	if err != nil {
		middleware.AddSpanError(r.Context(), err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"document_id": id,
		"snapshots":   snapshots,
	})
}

// ListRooms reports the rooms live on this instance
func (h *Handler) ListRooms(w http.ResponseWriter, r *http.Request) {
	rooms := h.collab.Stats(r.Context())
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"rooms": rooms,
		"count": len(rooms),
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
