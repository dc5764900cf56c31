package collaboration

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"notes-collab/internal/awareness"
	"notes-collab/internal/crdt"
	"notes-collab/internal/crdt/oplog"
	"notes-collab/internal/persistence"
	"notes-collab/internal/protocol"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitFor = 2 * time.Second

// testStore is a MemoryStore with failure injection and gates
type testStore struct {
	mu        sync.Mutex
	inner     *persistence.MemoryStore
	loads     int
	attempts  int
	saves     [][]byte
	failSaves int
	loadErr   error
	loadGate  chan struct{}
	saveGate  chan struct{}
}

func newTestStore() *testStore {
	return &testStore{inner: persistence.NewMemoryStore()}
}

func (s *testStore) Load(ctx context.Context, id string) ([]byte, error) {
	s.mu.Lock()
	s.loads++
	gate, err := s.loadGate, s.loadErr
	s.mu.Unlock()

	if gate != nil {
		<-gate
	}
	if err != nil {
		return nil, err
	}
	return s.inner.Load(ctx, id)
}

func (s *testStore) Save(ctx context.Context, id string, state []byte) error {
	s.mu.Lock()
	gate := s.saveGate
	s.mu.Unlock()
	if gate != nil {
		<-gate
	}

	s.mu.Lock()
	s.attempts++
	if s.failSaves > 0 {
		s.failSaves--
		s.mu.Unlock()
		return errors.New("disk full")
	}
	s.saves = append(s.saves, append([]byte(nil), state...))
	s.mu.Unlock()
	return s.inner.Save(ctx, id, state)
}

func (s *testStore) counts() (loads, attempts, saves int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loads, s.attempts, len(s.saves)
}

func (s *testStore) lastSave() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.saves) == 0 {
		return nil
	}
	return s.saves[len(s.saves)-1]
}

func newTestManager(t *testing.T, store *testStore, opts Options) *Manager {
	t.Helper()
	if opts.SaveDelay == 0 {
		opts.SaveDelay = time.Hour
		opts.SaveMaxWait = time.Hour
	}
	if opts.AwarenessTimeout == 0 {
		opts.AwarenessTimeout = time.Minute
	}
	bridge := persistence.NewBridge(store, persistence.RetryPolicy{
		MaxAttempts: 5,
		BaseBackoff: time.Millisecond,
		MaxBackoff:  5 * time.Millisecond,
	})
	return NewManager(bridge, opts)
}

func nextFrames(t *testing.T, s *Session) []protocol.Frame {
	t.Helper()
	select {
	case msg := <-s.Send:
		frames, err := protocol.DecodeFrames(msg)
		require.NoError(t, err)
		require.NotEmpty(t, frames)
		return frames
	case <-time.After(waitFor):
		t.Fatalf("no message for session %s", s.ID)
	}
	return nil
}

func nextFrame(t *testing.T, s *Session, want protocol.MessageType) protocol.Frame {
	t.Helper()
	frames := nextFrames(t, s)
	require.Equal(t, want, frames[0].Type, "unexpected frame %s", frames[0].Type)
	return frames[0]
}

func assertNoMessage(t *testing.T, s *Session) {
	t.Helper()
	select {
	case msg := <-s.Send:
		frames, _ := protocol.DecodeFrames(msg)
		t.Fatalf("unexpected message for session %s: %v", s.ID, frames)
	case <-time.After(50 * time.Millisecond):
	}
}

func farewellCode(t *testing.T, s *Session) string {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(waitFor):
		t.Fatalf("session %s was not closed", s.ID)
	}
	require.NotNil(t, s.farewell)
	frames, err := protocol.DecodeFrames(s.farewell)
	require.NoError(t, err)
	p, err := protocol.ParseError(frames[0])
	require.NoError(t, err)
	return p.Code
}

// client is the editor side of a session
type client struct {
	t       *testing.T
	s       *Session
	replica *crdt.Replica
}

func joinClient(t *testing.T, m *Manager, actor uint64, name string) *client {
	t.Helper()
	c := &client{t: t, s: m.NewSession("doc1", name, name), replica: crdt.New("doc1", actor)}
	require.NoError(t, m.Join(c.s))
	return c
}

// handshake waits for admission and pulls the server state
func (c *client) handshake() {
	c.t.Helper()
	nextFrame(c.t, c.s, protocol.MessageSyncStep1)
	c.send(protocol.Frame{Type: protocol.MessageSyncStep1, Payload: oplog.EncodeStateVector(c.replica.EncodeStateVector())})
	step2 := nextFrame(c.t, c.s, protocol.MessageSyncStep2)
	_, err := c.replica.Apply(step2.Payload)
	require.NoError(c.t, err)
}

func (c *client) send(frames ...protocol.Frame) {
	c.s.room.deliver(c.s, frames, nil)
}

func (c *client) insert(pos int, text string) []byte {
	c.t.Helper()
	u, err := c.replica.InsertText(pos, text)
	require.NoError(c.t, err)
	c.send(protocol.Frame{Type: protocol.MessageUpdate, Payload: u})
	return u
}

func (c *client) receiveUpdate() []byte {
	c.t.Helper()
	f := nextFrame(c.t, c.s, protocol.MessageUpdate)
	_, err := c.replica.Apply(f.Payload)
	require.NoError(c.t, err)
	return f.Payload
}

func (c *client) leave() {
	c.s.room.leave(c.s)
}

func roomGone(m *Manager) func() bool {
	return func() bool { return m.room("doc1") == nil }
}

func roomStats(t *testing.T, m *Manager) RoomStats {
	t.Helper()
	for _, st := range m.Stats(context.Background()) {
		if st.DocumentID == "doc1" {
			return st
		}
	}
	return RoomStats{}
}

func decodeState(t *testing.T, state []byte) crdt.Document {
	t.Helper()
	r := crdt.New("doc1", 99)
	_, err := r.Apply(state)
	require.NoError(t, err)
	return r.GetContentSnapshot()
}

func TestRoom_ConcurrentInsertsConverge(t *testing.T) {
	m := newTestManager(t, newTestStore(), Options{})
	a := joinClient(t, m, 1, "ana")
	b := joinClient(t, m, 2, "bo")
	a.handshake()
	b.handshake()

	ua := a.insert(0, "Hello")
	ub := b.insert(0, "World")

	// broadcast verbatim to the other session only
	assert.Equal(t, ub, a.receiveUpdate())
	assert.Equal(t, ua, b.receiveUpdate())
	assertNoMessage(t, a.s)

	assert.Equal(t, "HelloWorld", a.replica.GetContentSnapshot().Text())
	assert.Equal(t, a.replica.GetContentSnapshot(), b.replica.GetContentSnapshot())

	doc, err := m.Snapshot(context.Background(), "doc1")
	require.NoError(t, err)
	assert.Equal(t, a.replica.GetContentSnapshot(), doc)
}

func TestRoom_LastLeaveSavesOnceAndReloads(t *testing.T) {
	store := newTestStore()
	m := newTestManager(t, store, Options{})

	a := joinClient(t, m, 1, "ana")
	b := joinClient(t, m, 2, "bo")
	a.handshake()
	b.handshake()
	a.insert(0, "shared notes")
	b.receiveUpdate()

	a.leave()
	b.leave()
	require.Eventually(t, roomGone(m), waitFor, 5*time.Millisecond)

	_, _, saves := store.counts()
	require.Equal(t, 1, saves)
	assert.Equal(t, a.replica.GetContentSnapshot(), decodeState(t, store.lastSave()))

	// a new session gets exactly the saved state
	c := joinClient(t, m, 3, "cy")
	c.handshake()
	assert.Equal(t, a.replica.GetContentSnapshot(), c.replica.GetContentSnapshot())
	loads, _, saves := store.counts()
	assert.Equal(t, 2, loads)
	assert.Equal(t, 1, saves)
}

func TestRoom_SaveRetriesKeepRoomActive(t *testing.T) {
	store := newTestStore()
	store.failSaves = 3
	m := newTestManager(t, store, Options{SaveDelay: 20 * time.Millisecond, SaveMaxWait: 50 * time.Millisecond})

	a := joinClient(t, m, 1, "ana")
	b := joinClient(t, m, 2, "bo")
	a.handshake()
	b.handshake()

	a.insert(0, "Hello")
	b.receiveUpdate()

	require.Eventually(t, func() bool {
		_, _, saves := store.counts()
		return saves >= 1
	}, waitFor, 5*time.Millisecond)
	_, attempts, _ := store.counts()
	assert.Equal(t, 4, attempts)
	assert.Equal(t, "active", roomStats(t, m).State)

	// editing continues and the next window saves it too
	a.insert(5, " world")
	b.receiveUpdate()
	require.Eventually(t, func() bool {
		st := roomStats(t, m)
		return !st.Dirty && !st.Saving
	}, waitFor, 5*time.Millisecond)

	assert.Equal(t, "active", roomStats(t, m).State)
	assert.Equal(t, "Hello world", decodeState(t, store.lastSave()).Text())
}

func TestRoom_SlowConsumerIsDropped(t *testing.T) {
	m := newTestManager(t, newTestStore(), Options{SendQueueSize: 4})

	writer := joinClient(t, m, 1, "writer")
	fast := joinClient(t, m, 2, "fast")
	slow := joinClient(t, m, 3, "slow")
	writer.handshake()
	fast.handshake()
	// slow never reads again; its admission message already takes one slot
	require.Eventually(t, func() bool { return len(slow.s.Send) == 1 }, waitFor, 5*time.Millisecond)

	for i := 0; i < 10; i++ {
		writer.insert(i, "x")
		fast.receiveUpdate()
	}

	assert.Equal(t, protocol.CodeSlowConsumer, farewellCode(t, slow.s))
	assert.Equal(t, 2, roomStats(t, m).Sessions)
	assert.Equal(t, writer.replica.GetContentSnapshot(), fast.replica.GetContentSnapshot())
}

func TestRoom_LoadFailureRefusesJoiners(t *testing.T) {
	store := newTestStore()
	store.loadErr = errors.New("connection refused")
	m := newTestManager(t, store, Options{})

	a := joinClient(t, m, 1, "ana")
	assert.Equal(t, protocol.CodeStorageUnavailable, farewellCode(t, a.s))
	require.Eventually(t, roomGone(m), waitFor, 5*time.Millisecond)

	store.mu.Lock()
	store.loadErr = nil
	store.mu.Unlock()

	b := joinClient(t, m, 2, "bo")
	b.handshake()
	assert.Empty(t, b.replica.GetContentSnapshot().Blocks)
}

func TestRoom_CorruptStoredStateRefusesJoiners(t *testing.T) {
	store := newTestStore()
	require.NoError(t, store.inner.Save(context.Background(), "doc1", []byte{0xff, 0xff}))
	m := newTestManager(t, store, Options{})

	a := joinClient(t, m, 1, "ana")
	assert.Equal(t, protocol.CodeStorageUnavailable, farewellCode(t, a.s))
}

func TestRoom_JoinDuringDrainWaitsForFlush(t *testing.T) {
	store := newTestStore()
	m := newTestManager(t, store, Options{})

	a := joinClient(t, m, 1, "ana")
	a.handshake()
	a.insert(0, "draft")

	gate := make(chan struct{})
	store.mu.Lock()
	store.saveGate = gate
	store.mu.Unlock()

	a.leave()
	require.Eventually(t, func() bool { return roomStats(t, m).State == "draining" }, waitFor, 5*time.Millisecond)

	b := joinClient(t, m, 2, "bo")
	assertNoMessage(t, b.s)
	assert.Equal(t, 1, roomStats(t, m).Waiting)

	close(gate)
	b.handshake()
	assert.Equal(t, "draft", b.replica.GetContentSnapshot().Text())

	loads, _, saves := store.counts()
	assert.Equal(t, 2, loads)
	assert.Equal(t, 1, saves)
}

func TestRoom_FailedDrainKeepsReplica(t *testing.T) {
	store := newTestStore()
	store.failSaves = 100
	m := newTestManager(t, store, Options{SaveDelay: 20 * time.Millisecond, SaveMaxWait: 20 * time.Millisecond})

	a := joinClient(t, m, 1, "ana")
	a.handshake()
	a.insert(0, "unsaved")
	a.leave()

	require.Eventually(t, func() bool {
		_, attempts, _ := store.counts()
		return attempts >= 5
	}, waitFor, 5*time.Millisecond)
	assert.NotNil(t, m.room("doc1"))

	// storage recovers: the next window flushes and the room goes away
	store.mu.Lock()
	store.failSaves = 0
	store.mu.Unlock()
	require.Eventually(t, roomGone(m), waitFor, 5*time.Millisecond)
	assert.Equal(t, "unsaved", decodeState(t, store.lastSave()).Text())
}

func TestRoom_FramesBeforeAdmissionAreKept(t *testing.T) {
	store := newTestStore()
	gate := make(chan struct{})
	store.loadGate = gate
	m := newTestManager(t, store, Options{})

	a := joinClient(t, m, 1, "ana")
	u, err := a.replica.InsertText(0, "early")
	require.NoError(t, err)
	a.send(protocol.Frame{Type: protocol.MessageUpdate, Payload: u})
	assert.Equal(t, "loading", roomStats(t, m).State)

	close(gate)
	nextFrame(t, a.s, protocol.MessageSyncStep1)

	doc, err := m.Snapshot(context.Background(), "doc1")
	require.NoError(t, err)
	assert.Equal(t, "early", doc.Text())
}

func TestRoom_CorruptUpdateOnlyAffectsSender(t *testing.T) {
	m := newTestManager(t, newTestStore(), Options{})
	a := joinClient(t, m, 1, "ana")
	b := joinClient(t, m, 2, "bo")
	a.handshake()
	b.handshake()

	a.send(protocol.Frame{Type: protocol.MessageUpdate, Payload: []byte{1, 3, 'd'}})

	f := nextFrame(t, a.s, protocol.MessageError)
	p, err := protocol.ParseError(f)
	require.NoError(t, err)
	assert.Equal(t, protocol.CodeCorruptUpdate, p.Code)
	assertNoMessage(t, b.s)

	// the session stays usable
	a.insert(0, "ok")
	b.receiveUpdate()
}

func TestRoom_DuplicateUpdateIsNotRebroadcast(t *testing.T) {
	m := newTestManager(t, newTestStore(), Options{})
	a := joinClient(t, m, 1, "ana")
	b := joinClient(t, m, 2, "bo")
	a.handshake()
	b.handshake()

	u := a.insert(0, "once")
	b.receiveUpdate()

	a.send(protocol.Frame{Type: protocol.MessageUpdate, Payload: u})
	assertNoMessage(t, b.s)
}

func TestRoom_AwarenessRelay(t *testing.T) {
	m := newTestManager(t, newTestStore(), Options{})
	a := joinClient(t, m, 1, "ana")
	b := joinClient(t, m, 2, "bo")
	a.handshake()
	b.handshake()

	state := json.RawMessage(`{"user":{"name":"ana","color":"#f00"},"cursor":3}`)
	a.send(protocol.Frame{
		Type:    protocol.MessageAwareness,
		Payload: awareness.EncodeEntries([]awareness.Entry{{SessionID: "someone-else", Clock: 1, State: state}}),
	})

	f := nextFrame(t, b.s, protocol.MessageAwareness)
	entries, err := awareness.DecodeEntries(f.Payload)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, a.s.ID, entries[0].SessionID)
	assert.JSONEq(t, string(state), string(entries[0].State))
	assert.Contains(t, m.Awareness("doc1"), a.s.ID)

	// query returns the full state
	b.send(protocol.Frame{Type: protocol.MessageQueryAwareness})
	f = nextFrame(t, b.s, protocol.MessageAwareness)
	entries, err = awareness.DecodeEntries(f.Payload)
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	a.leave()
	f = nextFrame(t, b.s, protocol.MessageAwareness)
	entries, err = awareness.DecodeEntries(f.Payload)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, entries[0].Removed())
	assert.NotContains(t, m.Awareness("doc1"), a.s.ID)
}

func TestRoom_SilentAwarenessExpires(t *testing.T) {
	m := newTestManager(t, newTestStore(), Options{AwarenessTimeout: 40 * time.Millisecond})
	a := joinClient(t, m, 1, "ana")
	b := joinClient(t, m, 2, "bo")
	a.handshake()
	b.handshake()

	a.send(protocol.Frame{
		Type:    protocol.MessageAwareness,
		Payload: awareness.EncodeEntries([]awareness.Entry{{SessionID: "x", Clock: 1, State: json.RawMessage(`{"cursor":1}`)}}),
	})

	// a stays silent: b first sees the state, then its removal
	var seen, removed bool
	for !removed {
		for _, f := range nextFrames(t, b.s) {
			if f.Type != protocol.MessageAwareness {
				continue
			}
			entries, err := awareness.DecodeEntries(f.Payload)
			require.NoError(t, err)
			for _, e := range entries {
				if e.SessionID != a.s.ID {
					continue
				}
				if e.Removed() {
					removed = true
				} else {
					seen = true
				}
			}
		}
	}
	assert.True(t, seen, "state was never relayed before expiring")
	assert.NotContains(t, m.Awareness("doc1"), a.s.ID)
	assert.Equal(t, 2, roomStats(t, m).Sessions)
}

func TestManager_TinyAwarenessTimeoutIsClamped(t *testing.T) {
	assert.Equal(t, minAwarenessTimeout, Options{AwarenessTimeout: time.Nanosecond}.withDefaults().AwarenessTimeout)
	assert.Equal(t, time.Second, Options{AwarenessTimeout: time.Second}.withDefaults().AwarenessTimeout)

	// the room goroutine builds its expiry ticker from the clamped value
	m := newTestManager(t, newTestStore(), Options{AwarenessTimeout: time.Nanosecond})
	c := joinClient(t, m, 1, "ana")
	c.handshake()
	c.insert(0, "still alive")

	doc, err := m.Snapshot(context.Background(), "doc1")
	require.NoError(t, err)
	assert.Equal(t, "still alive", doc.Text())
}

func TestManager_ShutdownFlushesRooms(t *testing.T) {
	store := newTestStore()
	m := newTestManager(t, store, Options{})

	a := joinClient(t, m, 1, "ana")
	a.handshake()
	a.insert(0, "keep me")
	// make sure the update was applied before shutting down
	_, err := m.Snapshot(context.Background(), "doc1")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, m.Shutdown(ctx))

	assert.Equal(t, protocol.CodeShuttingDown, farewellCode(t, a.s))
	assert.Equal(t, "keep me", decodeState(t, store.lastSave()).Text())
	assert.Nil(t, m.room("doc1"))

	assert.ErrorIs(t, m.Join(m.NewSession("doc1", "late", "late")), ErrShuttingDown)
}

func TestManager_SnapshotWithoutRoomLoadsFromStorage(t *testing.T) {
	store := newTestStore()
	src := crdt.New("doc1", 7)
	_, err := src.InsertText(0, "cold")
	require.NoError(t, err)
	require.NoError(t, store.inner.Save(context.Background(), "doc1", src.EncodeStateAsUpdate(nil)))

	m := newTestManager(t, store, Options{})
	doc, err := m.Snapshot(context.Background(), "doc1")
	require.NoError(t, err)
	assert.Equal(t, "cold", doc.Text())
	assert.Nil(t, m.room("doc1"))

	doc, err = m.Snapshot(context.Background(), "unknown")
	require.NoError(t, err)
	assert.Empty(t, doc.Blocks)
}

func TestManager_Stats(t *testing.T) {
	m := newTestManager(t, newTestStore(), Options{})
	a := joinClient(t, m, 1, "ana")
	a.handshake()

	stats := m.Stats(context.Background())
	require.Len(t, stats, 1)
	assert.Equal(t, RoomStats{DocumentID: "doc1", State: "active", Sessions: 1}, stats[0])
}
