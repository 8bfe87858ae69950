// Package awareness tracks ephemeral per-replica presence (cursor,
// selection, online flag) for one room. Every replica's entry is versioned
// by a clock that only its owner advances; an entry is replaced only by a
// strictly newer clock, and a null state marks the replica as gone.
package awareness

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/manpreetbhatti/lattice/pairsync/internal/codec"
)

// ErrMalformedUpdate is returned for awareness updates that cannot be
// decoded. Nothing from such an update is applied.
var ErrMalformedUpdate = errors.New("malformed awareness update")

var null = []byte("null")

// Change lists the replica IDs affected by one accepted batch.
type Change struct {
	Added   []uint64
	Updated []uint64
	Removed []uint64
	// Origin is the connection that reported the batch, empty for changes
	// made by the server itself.
	Origin string
}

func (c Change) Empty() bool {
	return len(c.Added) == 0 && len(c.Updated) == 0 && len(c.Removed) == 0
}

// IDs returns every affected replica ID.
func (c Change) IDs() []uint64 {
	ids := make([]uint64, 0, len(c.Added)+len(c.Updated)+len(c.Removed))
	ids = append(ids, c.Added...)
	ids = append(ids, c.Updated...)
	return append(ids, c.Removed...)
}

type meta struct {
	clock       uint64
	lastUpdated time.Time
}

type entry struct {
	client uint64
	clock  uint64
	state  json.RawMessage
}

type Awareness struct {
	mu       sync.Mutex
	clientID uint64
	states   map[uint64]json.RawMessage
	meta     map[uint64]meta
	owners   map[string]map[uint64]struct{}

	handlers  map[int]func(Change)
	nextToken int
	now       func() time.Time
}

type Option func(*Awareness)

// WithClock overrides the time source used for outdated-state bookkeeping.
func WithClock(now func() time.Time) Option {
	return func(a *Awareness) {
		a.now = now
	}
}

// New creates a tracker whose local replica ID is clientID. The local state
// starts out null, so the tracker does not advertise itself until
// SetLocalState is called with a value.
func New(clientID uint64, opts ...Option) *Awareness {
	a := &Awareness{
		clientID: clientID,
		states:   make(map[uint64]json.RawMessage),
		meta:     make(map[uint64]meta),
		owners:   make(map[string]map[uint64]struct{}),
		handlers: make(map[int]func(Change)),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	a.SetLocalState(nil)
	return a
}

func (a *Awareness) ClientID() uint64 {
	return a.clientID
}

// OnChange registers h and returns a function that removes it. Handlers run
// synchronously after every accepted, non-empty batch.
func (a *Awareness) OnChange(h func(Change)) func() {
	a.mu.Lock()
	defer a.mu.Unlock()
	token := a.nextToken
	a.nextToken++
	a.handlers[token] = h
	return func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		delete(a.handlers, token)
	}
}

func (a *Awareness) emit(c Change) {
	if c.Empty() {
		return
	}
	a.mu.Lock()
	hs := make([]func(Change), 0, len(a.handlers))
	for token := 0; token < a.nextToken; token++ {
		if h, ok := a.handlers[token]; ok {
			hs = append(hs, h)
		}
	}
	a.mu.Unlock()
	for _, h := range hs {
		h(c)
	}
}

// GetStates returns a snapshot of every live (non-null) state.
func (a *Awareness) GetStates() map[uint64]json.RawMessage {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[uint64]json.RawMessage, len(a.states))
	for id, s := range a.states {
		out[id] = slices.Clone(s)
	}
	return out
}

// Clock returns the last accepted clock for a replica.
func (a *Awareness) Clock(client uint64) (uint64, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	m, ok := a.meta[client]
	return m.clock, ok
}

// SetLocalState replaces the local replica's state; nil removes it.
func (a *Awareness) SetLocalState(state json.RawMessage) {
	a.mu.Lock()
	var clock uint64
	if m, ok := a.meta[a.clientID]; ok {
		clock = m.clock + 1
	}
	prev, had := a.states[a.clientID]
	if isNull(state) {
		delete(a.states, a.clientID)
	} else {
		a.states[a.clientID] = slices.Clone(state)
	}
	a.meta[a.clientID] = meta{clock: clock, lastUpdated: a.now()}

	var c Change
	switch {
	case isNull(state) && had:
		c.Removed = []uint64{a.clientID}
	case !isNull(state) && !had:
		c.Added = []uint64{a.clientID}
	case !isNull(state) && !bytes.Equal(prev, state):
		c.Updated = []uint64{a.clientID}
	}
	a.mu.Unlock()
	a.emit(c)
}

// ApplyUpdate merges an encoded batch of (replica, clock, state) entries.
// Entries whose clock does not exceed the last accepted clock for that
// replica are dropped silently. When origin is non-empty the origin becomes
// the owner of the replicas the batch added and stops owning the ones it
// removed.
func (a *Awareness) ApplyUpdate(update []byte, origin string) (Change, error) {
	entries, err := decodeUpdate(update)
	if err != nil {
		return Change{}, err
	}

	a.mu.Lock()
	c := Change{Origin: origin}
	now := a.now()
	for _, e := range entries {
		if m, ok := a.meta[e.client]; ok && e.clock <= m.clock {
			continue
		}
		_, had := a.states[e.client]
		clock := e.clock
		keptLocal := false
		if e.state == nil {
			if e.client == a.clientID && had {
				// Someone removed the local replica; it is still here, so
				// announce that with a newer clock instead.
				clock++
				keptLocal = true
			} else {
				delete(a.states, e.client)
			}
		} else {
			a.states[e.client] = e.state
		}
		a.meta[e.client] = meta{clock: clock, lastUpdated: now}

		switch {
		case keptLocal:
			c.Updated = append(c.Updated, e.client)
		case !had && e.state != nil:
			c.Added = append(c.Added, e.client)
		case had && e.state == nil:
			c.Removed = append(c.Removed, e.client)
		case e.state != nil:
			c.Updated = append(c.Updated, e.client)
		}
	}

	if origin != "" {
		owned := a.owners[origin]
		if owned == nil && len(c.Added) > 0 {
			owned = make(map[uint64]struct{})
			a.owners[origin] = owned
		}
		for _, id := range c.Added {
			owned[id] = struct{}{}
		}
		for _, id := range c.Removed {
			delete(owned, id)
		}
	}
	a.mu.Unlock()

	a.emit(c)
	return c, nil
}

// RemoveStates marks the given replicas as gone, bumping their clocks so the
// removal wins over the last state peers saw. Ownership is left untouched.
func (a *Awareness) RemoveStates(ids []uint64, origin string) Change {
	a.mu.Lock()
	c := Change{Origin: origin}
	now := a.now()
	for _, id := range ids {
		if _, ok := a.states[id]; !ok {
			continue
		}
		delete(a.states, id)
		m := a.meta[id]
		a.meta[id] = meta{clock: m.clock + 1, lastUpdated: now}
		c.Removed = append(c.Removed, id)
	}
	a.mu.Unlock()

	a.emit(c)
	return c
}

// Owned returns the replicas currently attributed to origin.
func (a *Awareness) Owned(origin string) []uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return sortedIDs(a.owners[origin])
}

// Release forgets origin and returns the replicas it owned.
func (a *Awareness) Release(origin string) []uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	ids := sortedIDs(a.owners[origin])
	delete(a.owners, origin)
	return ids
}

// RemoveOutdated removes remote states that were not refreshed within
// timeout.
func (a *Awareness) RemoveOutdated(timeout time.Duration) Change {
	a.mu.Lock()
	now := a.now()
	var stale []uint64
	for id := range a.states {
		if id == a.clientID {
			continue
		}
		if now.Sub(a.meta[id].lastUpdated) >= timeout {
			stale = append(stale, id)
		}
	}
	a.mu.Unlock()
	slices.Sort(stale)
	return a.RemoveStates(stale, "")
}

// EncodeUpdate encodes the current entries of the given replicas. Replicas
// that were never seen are skipped; removed ones are encoded with a null
// state.
func (a *Awareness) EncodeUpdate(ids []uint64) []byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	known := make([]uint64, 0, len(ids))
	for _, id := range ids {
		if _, ok := a.meta[id]; ok {
			known = append(known, id)
		}
	}
	enc := codec.NewEncoder()
	enc.WriteVarUint(uint64(len(known)))
	for _, id := range known {
		enc.WriteVarUint(id)
		enc.WriteVarUint(a.meta[id].clock)
		if s, ok := a.states[id]; ok {
			enc.WriteVarString(string(s))
		} else {
			enc.WriteVarString(string(null))
		}
	}
	return enc.Bytes()
}

// EncodeStates encodes every live state, or returns nil when there is none.
func (a *Awareness) EncodeStates() []byte {
	a.mu.Lock()
	ids := make([]uint64, 0, len(a.states))
	for id := range a.states {
		ids = append(ids, id)
	}
	a.mu.Unlock()
	if len(ids) == 0 {
		return nil
	}
	slices.Sort(ids)
	return a.EncodeUpdate(ids)
}

// Destroy drops every state, ownership record and handler.
func (a *Awareness) Destroy() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.states = map[uint64]json.RawMessage{}
	a.meta = map[uint64]meta{}
	a.owners = map[string]map[uint64]struct{}{}
	a.handlers = map[int]func(Change){}
}

func decodeUpdate(update []byte) ([]entry, error) {
	dec := codec.NewDecoder(update)
	n, err := dec.ReadVarUint()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedUpdate, err)
	}
	var entries []entry
	for i := uint64(0); i < n; i++ {
		client, err := dec.ReadVarUint()
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrMalformedUpdate, err)
		}
		clock, err := dec.ReadVarUint()
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrMalformedUpdate, err)
		}
		raw, err := dec.ReadVarString()
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrMalformedUpdate, err)
		}
		if !json.Valid([]byte(raw)) {
			return nil, fmt.Errorf("%w: replica %d: state is not JSON", ErrMalformedUpdate, client)
		}
		e := entry{client: client, clock: clock}
		if !isNull([]byte(raw)) {
			e.state = json.RawMessage(raw)
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func isNull(state []byte) bool {
	return len(state) == 0 || bytes.Equal(bytes.TrimSpace(state), null)
}

func sortedIDs(set map[uint64]struct{}) []uint64 {
	ids := make([]uint64, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}
