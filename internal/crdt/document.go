// Package crdt implements the shared text document of a room: a sequence
// CRDT whose concurrent inserts are ordered by the inserting replica's ID,
// so every replica that has seen the same operations holds the same text no
// matter the order or number of times they were delivered.
//
// Items are kept in an arena and linked by index. A per-client index sorted
// by clock resolves IDs with a binary search, which keeps merging an update
// proportional to the update and not to the document history.
package crdt

import (
	"cmp"
	"errors"
	"math/rand"
	"slices"
	"strings"
	"sync"
)

// ErrDestroyed is returned by operations on a destroyed document.
var ErrDestroyed = errors.New("document destroyed")

// UpdateHandler observes every update that changed the document. origin is
// whatever the caller passed to ApplyUpdate, or nil for local edits.
type UpdateHandler func(update []byte, origin any)

// Stats describes the document's internal structure.
type Stats struct {
	Items          int    `json:"items"`
	DeletedItems   int    `json:"deletedItems"`
	Length         int    `json:"length"`
	PendingRecords int    `json:"pendingRecords"`
	PendingDeletes uint64 `json:"pendingDeletes"`
}

type Document struct {
	mu       sync.Mutex
	clientID uint64

	arena   []item
	head    int
	clients map[uint64][]int

	pending        []record
	pendingDeletes deleteSet

	handlers  map[int]UpdateHandler
	nextToken int
	destroyed bool
}

type Option func(*Document)

// WithClientID fixes the replica ID used for local edits.
func WithClientID(id uint64) Option {
	return func(d *Document) {
		d.clientID = id
	}
}

func New(opts ...Option) *Document {
	d := &Document{
		clientID:       uint64(rand.Uint32()),
		head:           none,
		clients:        make(map[uint64][]int),
		pendingDeletes: deleteSet{},
		handlers:       make(map[int]UpdateHandler),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *Document) ClientID() uint64 {
	return d.clientID
}

// OnUpdate registers h and returns a function that removes it.
func (d *Document) OnUpdate(h UpdateHandler) func() {
	d.mu.Lock()
	defer d.mu.Unlock()
	token := d.nextToken
	d.nextToken++
	d.handlers[token] = h
	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		delete(d.handlers, token)
	}
}

func (d *Document) emit(update []byte, origin any) {
	d.mu.Lock()
	hs := make([]UpdateHandler, 0, len(d.handlers))
	for token := 0; token < d.nextToken; token++ {
		if h, ok := d.handlers[token]; ok {
			hs = append(hs, h)
		}
	}
	d.mu.Unlock()
	for _, h := range hs {
		h(update, origin)
	}
}

// ApplyUpdate merges an encoded update. Records whose dependencies are still
// missing are held back and integrated once they arrive. Re-applying records
// or deletions that were already seen has no effect, and handlers are only
// notified when something new was learnt.
func (d *Document) ApplyUpdate(update []byte, origin any) error {
	recs, ds, err := decodeUpdate(update)
	if err != nil {
		return err
	}

	d.mu.Lock()
	if d.destroyed {
		d.mu.Unlock()
		return ErrDestroyed
	}
	changed := d.queueRecords(recs)
	if d.integratePending() {
		changed = true
	}
	if d.applyDeletes(ds) {
		changed = true
	}
	d.mu.Unlock()

	if changed {
		d.emit(update, origin)
	}
	return nil
}

// queueRecords adds records that are neither integrated nor pending yet.
func (d *Document) queueRecords(recs []record) bool {
	added := false
	for _, r := range recs {
		if r.id.Clock+r.length <= d.clock(r.id.Client) {
			continue
		}
		dup := false
		for _, p := range d.pending {
			if p.id.Client == r.id.Client && p.id.Clock <= r.id.Clock &&
				r.id.Clock+r.length <= p.id.Clock+p.length {
				dup = true
				break
			}
		}
		if !dup {
			d.pending = append(d.pending, r)
			added = true
		}
	}
	return added
}

func (d *Document) ready(r *record) bool {
	if r.id.Clock > d.clock(r.id.Client) {
		return false
	}
	if r.hasOrigin && r.origin.Clock >= d.clock(r.origin.Client) {
		return false
	}
	if r.hasRightOrigin && r.rightOrigin.Clock >= d.clock(r.rightOrigin.Client) {
		return false
	}
	return true
}

// integratePending integrates pending records until no more are ready.
func (d *Document) integratePending() bool {
	integrated := false
	for progress := true; progress; {
		progress = false
		kept := d.pending[:0]
		for _, r := range d.pending {
			sv := d.clock(r.id.Client)
			if r.id.Clock+r.length <= sv {
				continue
			}
			if r.id.Clock < sv {
				r.trimTo(sv)
			}
			if !d.ready(&r) {
				kept = append(kept, r)
				continue
			}
			d.integrate(&r)
			integrated = true
			progress = true
		}
		clear(d.pending[len(kept):])
		d.pending = kept
	}
	if integrated && d.pendingDeletes.covered() > 0 {
		d.applyDeletes(nil)
	}
	return integrated
}

// applyDeletes applies ds together with previously pending deletions.
func (d *Document) applyDeletes(ds deleteSet) bool {
	before := d.pendingDeletes.covered()
	d.pendingDeletes.merge(ds)

	var deleted uint64
	next := deleteSet{}
	for _, client := range sortedClients(d.pendingDeletes) {
		for _, s := range d.pendingDeletes[client] {
			n, missing := d.markDeleted(client, s.clock, s.length)
			deleted += n
			next.add(client, missing.clock, missing.length)
		}
	}
	next.normalize()
	d.pendingDeletes = next
	return deleted > 0 || next.covered() > before
}

// Insert inserts text at the given character index and returns the update
// describing the edit. The index is clamped to the document length.
func (d *Document) Insert(index int, text string) []byte {
	if text == "" {
		return nil
	}
	d.mu.Lock()
	if d.destroyed {
		d.mu.Unlock()
		return nil
	}
	left, right := d.position(index)
	r := record{
		id:      ID{Client: d.clientID, Clock: d.clock(d.clientID)},
		content: []rune(text),
	}
	r.length = uint64(len(r.content))
	if left != none {
		r.origin = d.arena[left].lastID()
		r.hasOrigin = true
	}
	if right != none {
		r.rightOrigin = d.arena[right].id
		r.hasRightOrigin = true
	}
	d.integrate(&r)
	update := encodeUpdate(map[uint64][]record{r.id.Client: {r}}, nil)
	d.mu.Unlock()

	d.emit(update, nil)
	return update
}

// position resolves a character index to the items between which an insert
// at that index goes, splitting an item if the index falls inside it.
func (d *Document) position(index int) (left, right int) {
	left, right = none, d.head
	remaining := uint64(max(index, 0))
	for right != none && remaining > 0 {
		it := &d.arena[right]
		if !it.deleted {
			if remaining < it.length {
				d.split(right, remaining)
				it = &d.arena[right]
			}
			remaining -= it.length
		}
		left, right = right, d.arena[right].right
	}
	return left, right
}

// Delete removes length characters starting at index and returns the update
// describing the edit, or nil if nothing was deleted.
func (d *Document) Delete(index, length int) []byte {
	if length <= 0 {
		return nil
	}
	d.mu.Lock()
	if d.destroyed {
		d.mu.Unlock()
		return nil
	}
	ds := deleteSet{}
	_, i := d.position(index)
	remaining := uint64(length)
	for i != none && remaining > 0 {
		it := &d.arena[i]
		if !it.deleted {
			if remaining < it.length {
				d.split(i, remaining)
				it = &d.arena[i]
			}
			remaining -= it.length
			it.deleted = true
			it.content = nil
			ds.add(it.id.Client, it.id.Clock, it.length)
		}
		i = d.arena[i].right
	}
	ds.normalize()
	d.mu.Unlock()

	if len(ds) == 0 {
		return nil
	}
	update := encodeUpdate(nil, ds)
	d.emit(update, nil)
	return update
}

// Text returns the visible content.
func (d *Document) Text() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	var b strings.Builder
	for i := d.head; i != none; i = d.arena[i].right {
		it := &d.arena[i]
		if it.deleted {
			continue
		}
		for _, r := range it.content {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Len returns the number of visible characters.
func (d *Document) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for i := d.head; i != none; i = d.arena[i].right {
		if !d.arena[i].deleted {
			n += int(d.arena[i].length)
		}
	}
	return n
}

// StateVector summarizes which operations this replica has integrated.
func (d *Document) StateVector() StateVector {
	d.mu.Lock()
	defer d.mu.Unlock()
	sv := make(StateVector, len(d.clients))
	for client := range d.clients {
		sv[client] = d.clock(client)
	}
	return sv
}

// EncodeStateVector is StateVector().Encode().
func (d *Document) EncodeStateVector() []byte {
	return d.StateVector().Encode()
}

// EncodeStateAsUpdate returns every integrated record the peer described by
// the encoded state vector has not seen, plus the complete delete set. A nil
// or empty state vector yields the whole document.
func (d *Document) EncodeStateAsUpdate(encodedSV []byte) ([]byte, error) {
	peer, err := DecodeStateVector(encodedSV)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.destroyed {
		return nil, ErrDestroyed
	}

	blocks := make(map[uint64][]record)
	for client, idx := range d.clients {
		from := peer[client]
		if from >= d.clock(client) {
			continue
		}
		start := 0
		if from > 0 {
			start = d.locate(ID{Client: client, Clock: from})
		}
		recs := make([]record, 0, len(idx)-start)
		for _, i := range idx[start:] {
			it := &d.arena[i]
			r := record{
				id:             it.id,
				length:         it.length,
				origin:         it.origin,
				hasOrigin:      it.hasOrigin,
				rightOrigin:    it.rightOrigin,
				hasRightOrigin: it.hasRightOrigin,
				content:        it.content,
				deleted:        it.deleted,
			}
			if r.id.Clock < from {
				r.trimTo(from)
			}
			recs = append(recs, r)
		}
		blocks[client] = recs
	}

	ds := d.collectDeleteSet()
	ds.merge(d.pendingDeletes)
	return encodeUpdate(blocks, ds), nil
}

// Compact merges adjacent items that were inserted as one run and whose
// deletion state matches, and rebuilds the arena without holes. It returns
// the number of items removed.
func (d *Document) Compact() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.destroyed || d.head == none {
		return 0
	}

	before := len(d.arena)
	arena := make([]item, 0, before)
	for i := d.head; i != none; i = d.arena[i].right {
		it := d.arena[i]
		if n := len(arena); n > 0 && mergeable(&arena[n-1], &it) {
			prev := &arena[n-1]
			prev.length += it.length
			if !prev.deleted {
				prev.content = append(prev.content[:len(prev.content):len(prev.content)], it.content...)
			}
			continue
		}
		it.left = len(arena) - 1
		it.right = none
		if it.left != none {
			arena[it.left].right = len(arena)
		}
		arena = append(arena, it)
	}

	clients := make(map[uint64][]int, len(d.clients))
	for i := range arena {
		c := arena[i].id.Client
		clients[c] = append(clients[c], i)
	}
	for _, idx := range clients {
		sortByClock(arena, idx)
	}

	d.arena = arena
	d.head = 0
	d.clients = clients
	return before - len(arena)
}

func mergeable(prev, next *item) bool {
	return prev.id.Client == next.id.Client &&
		prev.endClock() == next.id.Clock &&
		prev.deleted == next.deleted &&
		next.hasOrigin && next.origin == prev.lastID() &&
		sameRightOrigin(prev, next)
}

// Stats reports the structure of the document.
func (d *Document) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := Stats{PendingRecords: len(d.pending), PendingDeletes: d.pendingDeletes.covered()}
	for i := d.head; i != none; i = d.arena[i].right {
		s.Items++
		if d.arena[i].deleted {
			s.DeletedItems++
		} else {
			s.Length += int(d.arena[i].length)
		}
	}
	return s
}

// Destroy drops all history and handlers. The document must not be used
// afterwards; calls that would mutate it return ErrDestroyed or do nothing.
func (d *Document) Destroy() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.arena = nil
	d.head = none
	d.clients = map[uint64][]int{}
	d.pending = nil
	d.pendingDeletes = deleteSet{}
	d.handlers = map[int]UpdateHandler{}
	d.destroyed = true
}

func sortByClock(arena []item, idx []int) {
	slices.SortFunc(idx, func(a, b int) int {
		return cmp.Compare(arena[a].id.Clock, arena[b].id.Clock)
	})
}
