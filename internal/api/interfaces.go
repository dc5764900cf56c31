package api

import (
	"context"
	"encoding/json"

	"notes-collab/internal/awareness"
	"notes-collab/internal/crdt"
	"notes-collab/internal/models"
	"notes-collab/internal/services/collaboration"
)

/*
LEARNING: CONSUMER-DRIVEN INTERFACES (Go Idiom)

This package is the CONSUMER of the collaboration manager, the presence
mirror and the snapshot repository, so the interfaces live HERE and list
only the methods the handlers call. Tests hand in small fakes.
*/

// Collaboration is what handlers need from the room manager
type Collaboration interface {
	Snapshot(ctx context.Context, documentID string) (crdt.Document, error)
	Awareness(documentID string) map[string]json.RawMessage
	Stats(ctx context.Context) []collaboration.RoomStats
}

// PresenceDirectory answers presence questions across all server instances
type PresenceDirectory interface {
	Alive(ctx context.Context, documentID string) ([]awareness.Member, error)
	Documents(ctx context.Context) ([]string, error)
}

// SnapshotHistory lists saved versions of a document
type SnapshotHistory interface {
	History(ctx context.Context, documentID string) ([]*models.DocumentSnapshot, error)
}
