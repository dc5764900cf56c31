package awareness

import (
	"encoding/json"
	"sort"
	"sync"
	"time"
)

/*
LEARNING: AWARENESS (PRESENCE)

Awareness is ephemeral per-session state: who is here, their colour, where
their cursor is. It never touches the document and is never persisted.

Each session owns one entry with a clock. A newer clock replaces the entry
(last writer wins per session). Removing an entry keeps a tombstone with the
clock so a late, older update cannot bring the session back.
*/

// DefaultTimeout is how long an entry lives without being refreshed
const DefaultTimeout = 30 * time.Second

// Entry is the awareness state of one session. A nil State means removed.
type Entry struct {
	SessionID string
	Clock     uint64
	State     json.RawMessage
	UpdatedAt time.Time
}

// Removed reports whether the entry is a tombstone
func (e Entry) Removed() bool {
	return e.State == nil
}

// Change describes what an operation on the channel did.
// Entries holds the accepted entries, tombstones included, ready to relay.
type Change struct {
	Added   []string
	Updated []string
	Removed []string
	Entries []Entry
}

// Empty reports whether nothing changed
func (c Change) Empty() bool {
	return len(c.Entries) == 0
}

// Channel holds the awareness entries of one document
type Channel struct {
	mu      sync.Mutex
	entries map[string]Entry
	timeout time.Duration
	now     func() time.Time

	subs   map[int]chan Change
	nextID int
}

// NewChannel creates an empty channel. timeout <= 0 uses DefaultTimeout.
func NewChannel(timeout time.Duration) *Channel {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Channel{
		entries: make(map[string]Entry),
		timeout: timeout,
		now:     time.Now,
		subs:    make(map[int]chan Change),
	}
}

// SetLocalState sets the state of a session owned by this process, bumping
// its clock. A nil state removes the session.
func (c *Channel) SetLocalState(sessionID string, state json.RawMessage) Change {
	c.mu.Lock()
	defer c.mu.Unlock()

	cur, ok := c.entries[sessionID]
	if state == nil && (!ok || cur.Removed()) {
		return Change{}
	}
	e := Entry{SessionID: sessionID, Clock: cur.Clock + 1, State: state, UpdatedAt: c.now()}
	return c.commit([]Entry{e})
}

// Apply merges remote entries. An entry wins when its clock is newer, or
// when it removes a live entry with the same clock.
func (c *Channel) Apply(entries []Entry) Change {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	accepted := make([]Entry, 0, len(entries))
	for _, e := range entries {
		cur, ok := c.entries[e.SessionID]
		if ok {
			newer := e.Clock > cur.Clock
			removesLive := e.Clock == cur.Clock && e.Removed() && !cur.Removed()
			if !newer && !removesLive {
				continue
			}
		} else if e.Removed() {
			// unknown session removed: remember the clock only
			c.entries[e.SessionID] = Entry{SessionID: e.SessionID, Clock: e.Clock, UpdatedAt: now}
			continue
		}
		e.UpdatedAt = now
		accepted = append(accepted, e)
	}
	return c.commit(accepted)
}

// Remove drops a session, typically on disconnect
func (c *Channel) Remove(sessionID string) Change {
	c.mu.Lock()
	defer c.mu.Unlock()

	cur, ok := c.entries[sessionID]
	if !ok || cur.Removed() {
		return Change{}
	}
	return c.commit([]Entry{{SessionID: sessionID, Clock: cur.Clock + 1, UpdatedAt: c.now()}})
}

// Expire removes entries not refreshed within the timeout and forgets old
// tombstones
func (c *Channel) Expire(now time.Time) Change {
	c.mu.Lock()
	defer c.mu.Unlock()

	var stale []Entry
	for id, e := range c.entries {
		if now.Sub(e.UpdatedAt) < c.timeout {
			continue
		}
		if e.Removed() {
			delete(c.entries, id)
			continue
		}
		stale = append(stale, Entry{SessionID: id, Clock: e.Clock + 1, UpdatedAt: now})
	}
	sort.Slice(stale, func(i, j int) bool { return stale[i].SessionID < stale[j].SessionID })
	return c.commit(stale)
}

// States returns the live states keyed by session ID
func (c *Channel) States() map[string]json.RawMessage {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[string]json.RawMessage, len(c.entries))
	for id, e := range c.entries {
		if !e.Removed() {
			out[id] = e.State
		}
	}
	return out
}

// Entries returns the live entries sorted by session ID
func (c *Channel) Entries() []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]Entry, 0, len(c.entries))
	for _, e := range c.entries {
		if !e.Removed() {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out
}

// Subscribe returns a stream of changes and a function that ends the
// subscription. Changes are dropped for a subscriber whose buffer is full.
func (c *Channel) Subscribe(buffer int) (<-chan Change, func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := c.nextID
	c.nextID++
	ch := make(chan Change, buffer)
	c.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			delete(c.subs, id)
			close(ch)
		})
	}
}

// commit stores accepted entries and notifies subscribers. Caller holds mu.
func (c *Channel) commit(accepted []Entry) Change {
	if len(accepted) == 0 {
		return Change{}
	}

	change := Change{Entries: accepted}
	for _, e := range accepted {
		cur, existed := c.entries[e.SessionID]
		switch {
		case e.Removed():
			change.Removed = append(change.Removed, e.SessionID)
		case existed && !cur.Removed():
			change.Updated = append(change.Updated, e.SessionID)
		default:
			change.Added = append(change.Added, e.SessionID)
		}
		c.entries[e.SessionID] = e
	}

	for _, ch := range c.subs {
		select {
		case ch <- change:
		default:
		}
	}
	return change
}
