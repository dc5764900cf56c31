package collaboration

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"notes-collab/internal/awareness"
	"notes-collab/internal/crdt"
	"notes-collab/internal/crdt/oplog"
	"notes-collab/internal/events"
	"notes-collab/internal/persistence"
	"notes-collab/internal/protocol"
)

type roomState int

const (
	stateLoading roomState = iota
	stateActive
	stateDraining
	stateStopped // shut down, waiting for joins already routed here
	stateClosed
)

func (s roomState) String() string {
	switch s {
	case stateLoading:
		return "loading"
	case stateActive:
		return "active"
	case stateDraining:
		return "draining"
	case stateStopped:
		return "stopped"
	default:
		return "closed"
	}
}

var errRoomClosed = errors.New("room closed")

// Room events. Everything that touches room state arrives through the inbox.
type (
	joinEvent  struct{ session *Session }
	leaveEvent struct{ session *Session }

	framesEvent struct {
		session *Session
		frames  []protocol.Frame
		err     error
	}

	loadResult struct {
		state []byte
		err   error
	}

	saveResult struct {
		version uint64
		size    int
		err     error
	}

	callEvent struct {
		fn   func()
		done chan struct{}
	}

	shutdownEvent struct{ reply chan error }
)

// Room is the single serialization point of one document
type Room struct {
	id      string
	manager *Manager
	opts    Options
	inbox   chan any
	done    chan struct{}
	joining atomic.Int32

	// safe for concurrent use, read by the HTTP layer
	awareness *awareness.Channel

	// owned by the run goroutine
	state         roomState
	replica       *crdt.Replica
	sessions      map[*Session]bool
	waiting       []*Session
	backlog       map[*Session][]framesEvent
	slow          []*Session
	debounce      *persistence.Debouncer
	timer         *time.Timer
	timerC        <-chan time.Time
	loading       bool
	saving        bool
	flushPending  bool
	shutdownReply chan error
	stopMirror    func()
}

func newRoom(m *Manager, documentID string) *Room {
	r := &Room{
		id:        documentID,
		manager:   m,
		opts:      m.opts,
		inbox:     make(chan any, 256),
		done:      make(chan struct{}),
		awareness: awareness.NewChannel(m.opts.AwarenessTimeout),
		sessions:  make(map[*Session]bool),
		backlog:   make(map[*Session][]framesEvent),
		debounce:  persistence.NewDebouncer(m.opts.SaveDelay, m.opts.SaveMaxWait),
	}
	if m.presence != nil {
		changes, stop := r.awareness.Subscribe(64)
		r.stopMirror = stop
		go m.presence.Mirror(context.Background(), documentID, changes)
	}
	return r
}

func (r *Room) run() {
	defer close(r.done)
	defer func() {
		if r.timer != nil {
			r.timer.Stop()
		}
		if r.stopMirror != nil {
			r.stopMirror()
		}
	}()

	r.startLoad()

	expire := time.NewTicker(r.opts.AwarenessTimeout / 2)
	defer expire.Stop()

	for {
		select {
		case ev := <-r.inbox:
			r.handle(ev)
		case <-r.timerC:
			r.timerC = nil
			r.onDebounce()
		case now := <-expire.C:
			if r.state == stateActive {
				r.broadcastAwareness(r.awareness.Expire(now), nil)
			}
		}
		r.reapSlow()

		if r.state == stateClosed || (r.state == stateStopped && r.joining.Load() == 0) {
			return
		}
	}
}

func (r *Room) handle(ev any) {
	switch e := ev.(type) {
	case joinEvent:
		r.joining.Add(-1)
		r.onJoin(e.session)
	case leaveEvent:
		r.onLeave(e.session)
	case framesEvent:
		r.onFrames(e)
	case loadResult:
		r.onLoaded(e)
	case saveResult:
		r.onSaved(e)
	case callEvent:
		e.fn()
		close(e.done)
	case shutdownEvent:
		r.onShutdown(e.reply)
	}
}

// leave, deliver and call are used from other goroutines

func (r *Room) leave(s *Session) {
	select {
	case r.inbox <- leaveEvent{session: s}:
	case <-r.done:
	}
}

func (r *Room) deliver(s *Session, frames []protocol.Frame, err error) {
	select {
	case r.inbox <- framesEvent{session: s, frames: frames, err: err}:
	case <-r.done:
	case <-s.done:
	}
}

// call runs fn on the room goroutine
func (r *Room) call(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	select {
	case r.inbox <- callEvent{fn: fn, done: done}:
	case <-r.done:
		return errRoomClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-done:
		return nil
	case <-r.done:
		select {
		case <-done:
			return nil
		default:
			return errRoomClosed
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Room) shutdown(ctx context.Context) error {
	reply := make(chan error, 1)
	select {
	case r.inbox <- shutdownEvent{reply: reply}:
	case <-r.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("document %s: %w", r.id, ctx.Err())
	}

	select {
	case err := <-reply:
		if err != nil {
			return fmt.Errorf("document %s: %w", r.id, err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("document %s: %w", r.id, ctx.Err())
	}
}

// Loading

func (r *Room) startLoad() {
	r.state = stateLoading
	r.loading = true

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), r.opts.LoadTimeout)
		defer cancel()
		state, err := r.manager.store.Load(ctx, r.id)
		r.inbox <- loadResult{state: state, err: err}
	}()
}

func (r *Room) onLoaded(res loadResult) {
	r.loading = false

	if r.shutdownReply != nil {
		r.finish(nil)
		return
	}

	err := res.err
	if errors.Is(err, persistence.ErrNotFound) {
		err = nil
	}
	replica := crdt.New(r.id, ServerActor)
	if err == nil && len(res.state) > 0 {
		if _, aerr := replica.Apply(res.state); aerr != nil {
			err = fmt.Errorf("%w: stored state is corrupt: %w", persistence.ErrStorageUnavailable, aerr)
		}
	}

	if err != nil {
		log.Printf("⚠️  Document %s could not be loaded, refusing %d session(s): %v", r.id, len(r.waiting), err)
		frame := protocol.ErrorFrame(protocol.CodeStorageUnavailable, "document could not be loaded, try again later")
		for _, s := range r.waiting {
			s.Close(&frame)
		}
		r.waiting = nil
		clear(r.backlog)
		r.closeOrReload()
		return
	}

	r.replica = replica
	r.debounce = persistence.NewDebouncer(r.opts.SaveDelay, r.opts.SaveMaxWait)
	r.state = stateActive
	log.Printf("✓ Room %s active (%d bytes loaded)", r.id, len(res.state))
	r.publish(events.DocumentEvent{Type: events.TypeRoomOpened, DocumentID: r.id, Size: len(res.state)})

	r.admitWaiting()
	if len(r.sessions) == 0 {
		// everyone left while loading; nothing to flush
		r.closeOrReload()
	}
}

// closeOrReload removes an idle room, or loads again when a join is on its way
func (r *Room) closeOrReload() {
	if len(r.waiting) == 0 && r.manager.tryRemove(r) {
		r.state = stateClosed
		log.Printf("  Room %s closed", r.id)
		r.publish(events.DocumentEvent{Type: events.TypeRoomClosed, DocumentID: r.id})
		return
	}
	r.startLoad()
}

// Sessions

func (r *Room) onJoin(s *Session) {
	if r.shutdownReply != nil {
		frame := protocol.ErrorFrame(protocol.CodeShuttingDown, "server is shutting down")
		s.Close(&frame)
		return
	}
	if r.state == stateActive {
		r.admit(s)
		return
	}
	r.waiting = append(r.waiting, s)
}

func (r *Room) admitWaiting() {
	waiting := r.waiting
	r.waiting = nil
	for _, s := range waiting {
		r.admit(s)
	}
}

func (r *Room) admit(s *Session) {
	r.sessions[s] = true

	frames := []protocol.Frame{{
		Type:    protocol.MessageSyncStep1,
		Payload: oplog.EncodeStateVector(r.replica.EncodeStateVector()),
	}}
	if entries := r.awareness.Entries(); len(entries) > 0 {
		frames = append(frames, protocol.Frame{Type: protocol.MessageAwareness, Payload: awareness.EncodeEntries(entries)})
	}
	r.send(s, protocol.EncodeFrames(frames...))

	log.Printf("  Session %s (%s) joined document %s (total: %d users)",
		s.ID, s.UserName, r.id, len(r.sessions))

	backlog := r.backlog[s]
	delete(r.backlog, s)
	for _, ev := range backlog {
		r.onFrames(ev)
	}
}

func (r *Room) onLeave(s *Session) {
	for i, w := range r.waiting {
		if w == s {
			r.waiting = append(r.waiting[:i], r.waiting[i+1:]...)
			delete(r.backlog, s)
			s.Close(nil)
			return
		}
	}
	if !r.sessions[s] {
		return
	}
	r.removeSession(s, nil)
	log.Printf("  Session %s left document %s (remaining: %d users)", s.ID, r.id, len(r.sessions))
	r.maybeDrain()
}

func (r *Room) removeSession(s *Session, farewell *protocol.Frame) {
	delete(r.sessions, s)
	delete(r.backlog, s)
	s.Close(farewell)
	r.broadcastAwareness(r.awareness.Remove(s.ID), nil)
}

// send enqueues without blocking. A full queue marks the session as a slow
// consumer; it is dropped after the current event.
func (r *Room) send(s *Session, msg []byte) {
	select {
	case s.Send <- msg:
	default:
		r.slow = append(r.slow, s)
	}
}

func (r *Room) broadcast(msg []byte, except *Session) {
	for s := range r.sessions {
		if s != except {
			r.send(s, msg)
		}
	}
}

func (r *Room) broadcastAwareness(change awareness.Change, except *Session) {
	if change.Empty() {
		return
	}
	frame := protocol.Frame{Type: protocol.MessageAwareness, Payload: awareness.EncodeEntries(change.Entries)}
	r.broadcast(frame.Encode(), except)
}

func (r *Room) reapSlow() {
	if len(r.slow) == 0 {
		return
	}
	frame := protocol.ErrorFrame(protocol.CodeSlowConsumer, ErrSlowConsumer.Error())
	for len(r.slow) > 0 {
		s := r.slow[0]
		r.slow = r.slow[1:]
		if !r.sessions[s] {
			continue
		}
		log.Printf("⚠️  Session %s buffer full, closing connection", s.ID)
		r.removeSession(s, &frame)
	}
	r.maybeDrain()
}

// Messages

func (r *Room) onFrames(ev framesEvent) {
	s := ev.session
	if !r.sessions[s] {
		for _, w := range r.waiting {
			if w == s {
				r.backlog[s] = append(r.backlog[s], ev)
				return
			}
		}
		return
	}

	if ev.err != nil {
		r.send(s, protocol.ErrorFrame(protocol.CodeBadFrame, ev.err.Error()).Encode())
	}

	for _, f := range ev.frames {
		switch f.Type {
		case protocol.MessageSyncStep1:
			sv, err := oplog.DecodeStateVector(f.Payload)
			if err != nil {
				r.send(s, protocol.ErrorFrame(protocol.CodeBadFrame, err.Error()).Encode())
				continue
			}
			reply := protocol.Frame{Type: protocol.MessageSyncStep2, Payload: r.replica.EncodeStateAsUpdate(sv)}
			r.send(s, reply.Encode())

		case protocol.MessageSyncStep2, protocol.MessageUpdate:
			r.applyUpdate(s, f.Payload)

		case protocol.MessageAwareness:
			entries, err := awareness.DecodeEntries(f.Payload)
			if err != nil {
				r.send(s, protocol.ErrorFrame(protocol.CodeBadFrame, err.Error()).Encode())
				continue
			}
			// a session may only speak for itself
			for i := range entries {
				entries[i].SessionID = s.ID
			}
			r.broadcastAwareness(r.awareness.Apply(entries), s)

		case protocol.MessageQueryAwareness:
			frame := protocol.Frame{Type: protocol.MessageAwareness, Payload: awareness.EncodeEntries(r.awareness.Entries())}
			r.send(s, frame.Encode())

		default:
			log.Printf("  Ignoring %s frame from session %s", f.Type, s.ID)
		}
	}
}

func (r *Room) applyUpdate(s *Session, payload []byte) {
	res, err := r.replica.Apply(payload)
	if err != nil {
		log.Printf("⚠️  Rejected update from session %s on document %s: %v", s.ID, r.id, err)
		r.send(s, protocol.ErrorFrame(protocol.CodeCorruptUpdate, err.Error()).Encode())
		return
	}
	if !res.Changed() {
		return
	}

	r.broadcast(protocol.Frame{Type: protocol.MessageUpdate, Payload: payload}.Encode(), s)
	r.debounce.Touch(time.Now())
	r.armSave()

	r.publish(events.DocumentEvent{
		Type:       events.TypeDocumentUpdated,
		DocumentID: r.id,
		SessionID:  s.ID,
		UserID:     s.UserID,
		Operations: res.Added,
		Size:       len(payload),
	})
}

// Saving

func (r *Room) armSave() {
	wait := r.debounce.Next(time.Now())
	if wait < 0 {
		return
	}
	if r.timer == nil {
		r.timer = time.NewTimer(wait)
	} else {
		r.timer.Reset(wait)
	}
	r.timerC = r.timer.C
}

func (r *Room) onDebounce() {
	if r.saving || r.state != stateActive || !r.debounce.Dirty() {
		return
	}
	if r.debounce.Next(time.Now()) > 0 {
		r.armSave()
		return
	}
	if len(r.sessions) == 0 && len(r.waiting) == 0 {
		// retry of a failed drain flush
		r.state = stateDraining
	}
	r.startSave()
}

// maybeDrain starts the final flush once the last session is gone
func (r *Room) maybeDrain() {
	if r.state != stateActive || len(r.sessions) > 0 || len(r.waiting) > 0 {
		return
	}
	r.state = stateDraining
	if r.timer != nil {
		r.timer.Stop()
		r.timerC = nil
	}
	if r.saving {
		r.flushPending = true
		return
	}
	r.startSave()
}

func (r *Room) startSave() {
	state := r.replica.EncodeStateAsUpdate(nil)
	version := r.debounce.Version()
	r.saving = true

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), r.opts.SaveTimeout)
		defer cancel()
		err := r.manager.store.Save(ctx, r.id, state)
		r.inbox <- saveResult{version: version, size: len(state), err: err}
	}()
}

func (r *Room) onSaved(res saveResult) {
	r.saving = false
	now := time.Now()

	if res.err != nil {
		r.debounce.Retry(now)
		if r.shutdownReply != nil {
			r.finish(res.err)
			return
		}
		log.Printf("⚠️  Flush of document %s failed, keeping it in memory: %v", r.id, res.err)
		if r.state == stateDraining {
			r.flushPending = false
			r.state = stateActive
			r.admitWaiting()
		}
		r.armSave()
		return
	}

	r.debounce.Saved(res.version, now)
	r.publish(events.DocumentEvent{Type: events.TypeDocumentSaved, DocumentID: r.id, Size: res.size})

	if r.flushPending {
		r.flushPending = false
		r.startSave()
		return
	}
	if r.shutdownReply != nil {
		r.finish(nil)
		return
	}
	if r.state == stateDraining {
		// joiners queued behind the flush load the state just written
		r.closeOrReload()
		return
	}
	r.armSave()
}

// Shutdown

func (r *Room) onShutdown(reply chan error) {
	r.shutdownReply = reply

	frame := protocol.ErrorFrame(protocol.CodeShuttingDown, "server is shutting down")
	for s := range r.sessions {
		s.Close(&frame)
	}
	clear(r.sessions)
	for _, s := range r.waiting {
		s.Close(&frame)
	}
	r.waiting = nil
	clear(r.backlog)
	if r.timer != nil {
		r.timer.Stop()
		r.timerC = nil
	}

	switch {
	case r.loading:
		// finished when the load result arrives
	case r.saving:
		r.flushPending = true
	default:
		r.state = stateDraining
		r.startSave()
	}
}

func (r *Room) finish(err error) {
	r.state = stateStopped
	r.manager.forget(r)
	r.shutdownReply <- err
}

func (r *Room) stats() RoomStats {
	st := RoomStats{
		DocumentID: r.id,
		State:      r.state.String(),
		Sessions:   len(r.sessions),
		Waiting:    len(r.waiting),
		Dirty:      r.debounce.Dirty(),
		Saving:     r.saving,
	}
	if r.replica != nil {
		st.PendingOps = r.replica.Pending()
	}
	return st
}

func (r *Room) publish(evt events.DocumentEvent) {
	_ = r.manager.publisher.Publish(evt)
}
