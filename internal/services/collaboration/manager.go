package collaboration

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"notes-collab/internal/awareness"
	"notes-collab/internal/crdt"
	"notes-collab/internal/events"
	"notes-collab/internal/persistence"

	"golang.org/x/sync/errgroup"
)

/*
LEARNING: ROOM-PER-DOCUMENT MANAGER

The manager owns the map documentID -> Room and nothing else. Every Room is
one goroutine that owns its replica, its sessions and its awareness state,
so edits to one document are applied and broadcast in a single order while
different documents run in parallel.

Room lifecycle:

  (none) → loading → active → draining → (none)
                ↑                 │
                └── joiners queued while draining

The only tricky part is a join racing with a room that is about to go away.
Join bumps the room's joining counter under the manager lock; a room may only
remove itself (tryRemove, same lock) when that counter is zero. Otherwise a
join is already on its way and the room goes back to loading instead.
*/

// ServerActor stamps edits made by the server itself
const ServerActor uint64 = 0

// ErrShuttingDown is returned by Join once Shutdown has started
var ErrShuttingDown = errors.New("collaboration manager is shutting down")

// Persister is the storage the rooms load from and flush to
type Persister interface {
	Load(ctx context.Context, documentID string) ([]byte, error)
	Save(ctx context.Context, documentID string, state []byte) error
}

// PresenceMirror receives the awareness changes of a room until the stream closes
type PresenceMirror interface {
	Mirror(ctx context.Context, documentID string, changes <-chan awareness.Change)
}

// Options tune rooms and sessions
type Options struct {
	SaveDelay        time.Duration
	SaveMaxWait      time.Duration
	LoadTimeout      time.Duration
	SaveTimeout      time.Duration
	SendQueueSize    int
	AwarenessTimeout time.Duration
	AwarenessRate    float64
}

// DefaultOptions returns the options used when fields are left zero
func DefaultOptions() Options {
	return Options{
		SaveDelay:        2 * time.Second,
		SaveMaxWait:      10 * time.Second,
		LoadTimeout:      10 * time.Second,
		SaveTimeout:      30 * time.Second,
		SendQueueSize:    256,
		AwarenessTimeout: awareness.DefaultTimeout,
		AwarenessRate:    20,
	}
}

// minAwarenessTimeout keeps the room's expiry ticker interval positive
const minAwarenessTimeout = 10 * time.Millisecond

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.SaveDelay <= 0 {
		o.SaveDelay = d.SaveDelay
	}
	if o.SaveMaxWait <= 0 {
		o.SaveMaxWait = d.SaveMaxWait
	}
	if o.LoadTimeout <= 0 {
		o.LoadTimeout = d.LoadTimeout
	}
	if o.SaveTimeout <= 0 {
		o.SaveTimeout = d.SaveTimeout
	}
	if o.SendQueueSize <= 0 {
		o.SendQueueSize = d.SendQueueSize
	}
	if o.AwarenessTimeout <= 0 {
		o.AwarenessTimeout = d.AwarenessTimeout
	} else if o.AwarenessTimeout < minAwarenessTimeout {
		o.AwarenessTimeout = minAwarenessTimeout
	}
	return o
}

// RoomStats describes a live room
type RoomStats struct {
	DocumentID string `json:"document_id"`
	State      string `json:"state"`
	Sessions   int    `json:"sessions"`
	Waiting    int    `json:"waiting"`
	PendingOps int    `json:"pending_ops"`
	Dirty      bool   `json:"dirty"`
	Saving     bool   `json:"saving"`
}

// Manager routes sessions to document rooms
type Manager struct {
	store     Persister
	publisher events.Publisher
	presence  PresenceMirror
	opts      Options

	mu      sync.Mutex
	rooms   map[string]*Room
	closing bool
}

// NewManager creates a manager whose rooms load from and save to store
func NewManager(store Persister, opts Options) *Manager {
	return &Manager{
		store:     store,
		publisher: events.NopPublisher{},
		opts:      opts.withDefaults(),
		rooms:     make(map[string]*Room),
	}
}

// SetPublisher sets where document change events go
func (m *Manager) SetPublisher(p events.Publisher) {
	m.publisher = p
}

// SetPresenceMirror mirrors every room's awareness into p
func (m *Manager) SetPresenceMirror(p PresenceMirror) {
	m.presence = p
}

// NewSession creates a session configured with the manager's queue and rate options
func (m *Manager) NewSession(documentID, userID, userName string) *Session {
	return NewSession(documentID, userID, userName, m.opts.SendQueueSize, m.opts.AwarenessRate)
}

// Join hands a session to its document room, creating the room if needed.
// The room admits the session once the document is loaded.
func (m *Manager) Join(s *Session) error {
	m.mu.Lock()
	if m.closing {
		m.mu.Unlock()
		return ErrShuttingDown
	}
	r, ok := m.rooms[s.DocumentID]
	if !ok {
		r = newRoom(m, s.DocumentID)
		m.rooms[s.DocumentID] = r
		go r.run()
	}
	r.joining.Add(1)
	m.mu.Unlock()

	s.room = r
	// the room stays alive while joining > 0, so this send is always received
	r.inbox <- joinEvent{session: s}
	return nil
}

// Closing reports whether Shutdown has started
func (m *Manager) Closing() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closing
}

// Snapshot returns the content of a document, from its live room when there
// is one and from storage otherwise
func (m *Manager) Snapshot(ctx context.Context, documentID string) (crdt.Document, error) {
	if r := m.room(documentID); r != nil {
		var (
			doc   crdt.Document
			ready bool
		)
		err := r.call(ctx, func() {
			if r.replica != nil && (r.state == stateActive || r.state == stateDraining) {
				doc, ready = r.replica.GetContentSnapshot(), true
			}
		})
		if err == nil && ready {
			return doc, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return crdt.Document{}, ctxErr
		}
	}
	return m.coldSnapshot(ctx, documentID)
}

func (m *Manager) coldSnapshot(ctx context.Context, documentID string) (crdt.Document, error) {
	replica := crdt.New(documentID, ServerActor)

	state, err := m.store.Load(ctx, documentID)
	if err != nil && !errors.Is(err, persistence.ErrNotFound) {
		return crdt.Document{}, err
	}
	if len(state) > 0 {
		if _, err := replica.Apply(state); err != nil {
			return crdt.Document{}, fmt.Errorf("%w: stored state of %s: %w", persistence.ErrStorageUnavailable, documentID, err)
		}
	}
	return replica.GetContentSnapshot(), nil
}

// Awareness returns the live awareness states of a document held by this process
func (m *Manager) Awareness(documentID string) map[string]json.RawMessage {
	if r := m.room(documentID); r != nil {
		return r.awareness.States()
	}
	return map[string]json.RawMessage{}
}

// Stats lists the live rooms sorted by document ID
func (m *Manager) Stats(ctx context.Context) []RoomStats {
	m.mu.Lock()
	rooms := make([]*Room, 0, len(m.rooms))
	for _, r := range m.rooms {
		rooms = append(rooms, r)
	}
	m.mu.Unlock()

	stats := make([]RoomStats, 0, len(rooms))
	for _, r := range rooms {
		var st RoomStats
		if err := r.call(ctx, func() { st = r.stats() }); err != nil {
			continue
		}
		stats = append(stats, st)
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].DocumentID < stats[j].DocumentID })
	return stats
}

// Shutdown stops accepting sessions, closes every session with a
// shutting_down error and flushes every room to storage
func (m *Manager) Shutdown(ctx context.Context) error {
	log.Println("🛑 Shutting down collaboration manager...")

	m.mu.Lock()
	m.closing = true
	rooms := make([]*Room, 0, len(m.rooms))
	for _, r := range m.rooms {
		rooms = append(rooms, r)
	}
	m.mu.Unlock()

	var g errgroup.Group
	for _, r := range rooms {
		r := r
		g.Go(func() error {
			return r.shutdown(ctx)
		})
	}
	if err := g.Wait(); err != nil {
		log.Printf("⚠️  Collaboration shutdown incomplete: %v", err)
		return err
	}

	log.Printf("✓ Collaboration manager shutdown complete (%d rooms flushed)", len(rooms))
	return nil
}

func (m *Manager) room(documentID string) *Room {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rooms[documentID]
}

// tryRemove unregisters an idle room unless a join is on its way to it
func (m *Manager) tryRemove(r *Room) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if r.joining.Load() > 0 {
		return false
	}
	if m.rooms[r.id] == r {
		delete(m.rooms, r.id)
	}
	return true
}

// forget unregisters a room that has shut down
func (m *Manager) forget(r *Room) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.rooms[r.id] == r {
		delete(m.rooms, r.id)
	}
}
