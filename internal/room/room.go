package room

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/manpreetbhatti/lattice/pairsync/internal/awareness"
	"github.com/manpreetbhatti/lattice/pairsync/internal/crdt"
	"github.com/manpreetbhatti/lattice/pairsync/internal/language"
)

// State is a room's position in its lifecycle. A room that is not in the
// registry is StateAbsent.
type State int

const (
	StateAbsent State = iota
	StateActive
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateAbsent:
		return "absent"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Conn is one client's channel into a room.
type Conn interface {
	// ID is unique among live connections. It is also the key under which
	// the connection's awareness replicas are tracked.
	ID() string
	// Send queues a frame without blocking. False means the connection can
	// no longer keep up and should be dropped.
	Send(frame []byte) bool
}

// Detacher is implemented by connections that want to be told when the
// registry drops them, either because their room closed or because a send
// failed.
type Detacher interface {
	Detach(roomID int64)
}

// LanguageListener is implemented by connections that want language changes
// made by other connections of the same room.
type LanguageListener interface {
	LanguageChanged(roomID int64, l language.Language)
}

// Snapshot is what a closing room hands off for persistence.
type Snapshot struct {
	RoomID   int64             `json:"roomId"`
	Text     string            `json:"code"`
	Language language.Language `json:"language"`
	Auto     bool              `json:"isAuto"`
	ClosedAt time.Time         `json:"closedAt"`
}

// Archiver persists a snapshot. A failure aborts the close and the room
// stays active.
type Archiver interface {
	ArchiveRoom(ctx context.Context, snap Snapshot) error
}

type ArchiverFunc func(ctx context.Context, snap Snapshot) error

func (f ArchiverFunc) ArchiveRoom(ctx context.Context, snap Snapshot) error {
	return f(ctx, snap)
}

// Publisher fans room traffic out to other server instances. Methods are
// called from the registry loop and must not block.
type Publisher interface {
	// RoomActivated is called when a room becomes active locally. step1
	// asks peers for whatever they have that this instance lacks.
	RoomActivated(roomID int64, step1 []byte)
	Publish(roomID int64, frame []byte)
	RoomEvicted(roomID int64)
}

// Info describes a room for inspection.
type Info struct {
	ID              int64             `json:"id"`
	State           State             `json:"state"`
	Connections     int               `json:"connections"`
	Text            string            `json:"text"`
	Language        language.Language `json:"language,omitempty"`
	AwarenessStates int               `json:"awarenessStates"`
	Document        crdt.Stats        `json:"document"`
}

// Room bundles everything the registry keeps for one active room. Only the
// registry loop touches it.
type Room struct {
	id        int64
	state     State
	doc       *crdt.Document
	awareness *awareness.Awareness
	conns     map[string]Conn
	language  language.Language

	idle    *time.Timer
	idleGen uint64

	// relaying is set while a frame from another instance is being applied
	// so the resulting broadcasts are not published back.
	relaying bool
	unsub    []func()
}

func newRoom(id int64) *Room {
	doc := crdt.New()
	return &Room{
		id:        id,
		state:     StateActive,
		doc:       doc,
		awareness: awareness.New(doc.ClientID()),
		conns:     make(map[string]Conn),
	}
}

func (r *Room) snapshot(auto bool) Snapshot {
	lang := r.language
	if lang == "" {
		lang = language.Default
	}
	return Snapshot{
		RoomID:   r.id,
		Text:     strings.TrimSpace(r.doc.Text()),
		Language: lang,
		Auto:     auto,
		ClosedAt: time.Now().UTC(),
	}
}

func (r *Room) info() Info {
	return Info{
		ID:              r.id,
		State:           r.state,
		Connections:     len(r.conns),
		Text:            r.doc.Text(),
		Language:        r.language,
		AwarenessStates: len(r.awareness.GetStates()),
		Document:        r.doc.Stats(),
	}
}

func (r *Room) destroy() {
	for _, fn := range r.unsub {
		fn()
	}
	r.unsub = nil
	r.doc.Destroy()
	r.awareness.Destroy()
	r.conns = map[string]Conn{}
}
