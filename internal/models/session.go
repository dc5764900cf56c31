package models

import (
	"time"

	"github.com/segmentio/ksuid"
)

// Session identifies one client connection to a document
type Session struct {
	ID           string    `json:"id"`
	DocumentID   string    `json:"document_id"`
	UserID       string    `json:"user_id"`
	UserName     string    `json:"user_name"`
	ConnectedAt  time.Time `json:"connected_at"`
	LastActiveAt time.Time `json:"last_active_at"`
}

// NewSession creates a session record stamped with a fresh KSUID
func NewSession(documentID, userID, userName string) *Session {
	return &Session{
		ID:           ksuid.New().String(),
		DocumentID:   documentID,
		UserID:       userID,
		UserName:     userName,
		ConnectedAt:  time.Now(),
		LastActiveAt: time.Now(),
	}
}
