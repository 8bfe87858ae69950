// Package room owns every active collaborative room: its document, its
// awareness tracker, its connections and its language. All room state is
// touched by a single goroutine (Registry.Run); the exported methods only
// enqueue events for it and wait for the reply.
package room

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/manpreetbhatti/lattice/pairsync/internal/awareness"
	"github.com/manpreetbhatti/lattice/pairsync/internal/language"
	"github.com/manpreetbhatti/lattice/pairsync/internal/logger"
	"github.com/manpreetbhatti/lattice/pairsync/internal/sync"
)

var (
	ErrRoomNotFound    = errors.New("room not found")
	ErrRoomClosing     = errors.New("room is closing")
	ErrRegistryStopped = errors.New("room registry stopped")

	errCloseCancelled = errors.New("auto-close no longer applies")
)

const (
	DefaultIdleTimeout    = 5 * time.Minute
	DefaultArchiveTimeout = 10 * time.Second
)

type Options struct {
	// IdleTimeout is how long a room with no connections stays active
	// before it closes itself.
	IdleTimeout time.Duration
	// ArchiveTimeout bounds the archiver call of an automatic close.
	ArchiveTimeout time.Duration
	Archiver       Archiver
	Publisher      Publisher
}

type Registry struct {
	opts    Options
	rooms   map[int64]*Room
	events  chan any
	stopped chan struct{}
}

func NewRegistry(opts Options) *Registry {
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = DefaultIdleTimeout
	}
	if opts.ArchiveTimeout <= 0 {
		opts.ArchiveTimeout = DefaultArchiveTimeout
	}
	return &Registry{
		opts:    opts,
		rooms:   make(map[int64]*Room),
		events:  make(chan any, 256),
		stopped: make(chan struct{}),
	}
}

type (
	joinEvent struct {
		roomID int64
		conn   Conn
		reply  chan error
	}
	leaveEvent struct {
		roomID int64
		conn   Conn
	}
	frameEvent struct {
		roomID int64
		conn   Conn
		data   []byte
	}
	relayEvent struct {
		roomID int64
		data   []byte
	}
	closeEvent struct {
		roomID int64
		auto   bool
		gen    uint64
		reply  chan closeReply
	}
	closeDoneEvent struct {
		roomID int64
		err    error
		reply  chan struct{}
	}
	languageEvent struct {
		roomID int64
		reply  chan languageReply
	}
	languageInitEvent struct {
		roomID int64
		lang   language.Language
		reply  chan languageReply
	}
	setLanguageEvent struct {
		roomID int64
		lang   language.Language
		from   Conn
		reply  chan error
	}
	compactEvent struct {
		awarenessTimeout time.Duration
		reply            chan CompactResult
	}
	infoEvent struct {
		roomID int64
		reply  chan infoReply
	}
	listEvent struct {
		reply chan []Info
	}
)

type closeReply struct {
	snap Snapshot
	err  error
}

type languageReply struct {
	lang language.Language
	err  error
}

type infoReply struct {
	info Info
	err  error
}

// CompactResult summarizes one compaction pass.
type CompactResult struct {
	Rooms        int `json:"rooms"`
	MergedItems  int `json:"mergedItems"`
	StaleReplica int `json:"staleReplicas"`
}

// Run processes events until ctx is cancelled. Every other method fails
// with ErrRegistryStopped once Run has returned.
func (r *Registry) Run(ctx context.Context) {
	defer close(r.stopped)
	defer r.stopTimers()
	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-r.events:
			r.dispatch(evt)
		}
	}
}

func (r *Registry) dispatch(evt any) {
	switch e := evt.(type) {
	case joinEvent:
		e.reply <- r.handleJoin(e.roomID, e.conn)
	case leaveEvent:
		r.handleLeave(e.roomID, e.conn)
	case frameEvent:
		r.handleFrame(e.roomID, e.conn, e.data)
	case relayEvent:
		r.handleRelayed(e.roomID, e.data)
	case closeEvent:
		snap, err := r.beginClose(e)
		e.reply <- closeReply{snap: snap, err: err}
	case closeDoneEvent:
		r.finishClose(e.roomID, e.err)
		close(e.reply)
	case languageEvent:
		e.reply <- r.handleLanguage(e.roomID)
	case languageInitEvent:
		e.reply <- r.handleLanguageInit(e.roomID, e.lang)
	case setLanguageEvent:
		e.reply <- r.handleSetLanguage(e.roomID, e.lang, e.from)
	case compactEvent:
		e.reply <- r.handleCompact(e.awarenessTimeout)
	case infoEvent:
		if rm, ok := r.rooms[e.roomID]; ok {
			e.reply <- infoReply{info: rm.info()}
		} else {
			e.reply <- infoReply{info: Info{ID: e.roomID, State: StateAbsent}, err: ErrRoomNotFound}
		}
	case listEvent:
		infos := make([]Info, 0, len(r.rooms))
		for _, rm := range r.rooms {
			infos = append(infos, rm.info())
		}
		slices.SortFunc(infos, func(a, b Info) int {
			return cmp.Compare(a.ID, b.ID)
		})
		e.reply <- infos
	default:
		logger.Warnf("[room] unknown event %T", evt)
	}
}

func (r *Registry) enqueue(ctx context.Context, evt any) error {
	select {
	case <-r.stopped:
		return ErrRegistryStopped
	default:
	}
	select {
	case r.events <- evt:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-r.stopped:
		return ErrRegistryStopped
	}
}

func await[T any](ctx context.Context, r *Registry, reply <-chan T) (T, error) {
	select {
	case v := <-reply:
		return v, nil
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	case <-r.stopped:
		var zero T
		return zero, ErrRegistryStopped
	}
}

// Join adds conn to the room, creating the room if it is absent. The
// connection is sent, in order: a sync step 1 with the room's state vector,
// a sync step 2 with the whole document unless it is empty, and the known
// awareness states unless there are none.
func (r *Registry) Join(ctx context.Context, roomID int64, conn Conn) error {
	reply := make(chan error, 1)
	if err := r.enqueue(ctx, joinEvent{roomID: roomID, conn: conn, reply: reply}); err != nil {
		return err
	}
	err, waitErr := await(ctx, r, reply)
	if waitErr != nil {
		return waitErr
	}
	return err
}

// Leave removes conn from the room and retracts the awareness replicas it
// introduced. Leaving a room that is already gone is not an error.
func (r *Registry) Leave(ctx context.Context, roomID int64, conn Conn) error {
	return r.enqueue(ctx, leaveEvent{roomID: roomID, conn: conn})
}

// HandleFrame routes one inbound frame from conn. Frames from one
// connection are processed in the order HandleFrame is called. Malformed
// frames and frames for rooms that are not active are logged and dropped.
func (r *Registry) HandleFrame(ctx context.Context, roomID int64, conn Conn, data []byte) error {
	return r.enqueue(ctx, frameEvent{roomID: roomID, conn: conn, data: data})
}

// ApplyRelayed applies a frame that another server instance published for
// roomID. It is broadcast to local connections but never published again.
func (r *Registry) ApplyRelayed(ctx context.Context, roomID int64, data []byte) error {
	return r.enqueue(ctx, relayEvent{roomID: roomID, data: data})
}

// Close ends the room: it is marked closing, its snapshot is handed to the
// archiver and only then is it torn down. If archiving fails the room goes
// back to active and the error is returned.
func (r *Registry) Close(ctx context.Context, roomID int64) (Snapshot, error) {
	return r.close(ctx, roomID, false, 0)
}

// CloseAll closes every room, logging failures. It is meant for shutdown.
func (r *Registry) CloseAll(ctx context.Context) {
	infos, err := r.Rooms(ctx)
	if err != nil {
		logger.Errorf("[room] close all: %v", err)
		return
	}
	for _, info := range infos {
		if info.State != StateActive {
			continue
		}
		if _, err := r.Close(ctx, info.ID); err != nil {
			logger.Errorf("[room] close room %d on shutdown: %v", info.ID, err)
		}
	}
}

func (r *Registry) close(ctx context.Context, roomID int64, auto bool, gen uint64) (Snapshot, error) {
	reply := make(chan closeReply, 1)
	if err := r.enqueue(ctx, closeEvent{roomID: roomID, auto: auto, gen: gen, reply: reply}); err != nil {
		return Snapshot{}, err
	}
	res, err := await(ctx, r, reply)
	if err != nil {
		return Snapshot{}, err
	}
	if res.err != nil {
		return Snapshot{}, res.err
	}

	var archiveErr error
	if r.opts.Archiver != nil {
		archiveErr = r.opts.Archiver.ArchiveRoom(ctx, res.snap)
	}

	// The room is closing, so the outcome must reach the loop even if ctx
	// is already done.
	done := make(chan struct{})
	if err := r.enqueue(context.Background(), closeDoneEvent{roomID: roomID, err: archiveErr, reply: done}); err != nil {
		return Snapshot{}, err
	}
	if _, err := await(context.Background(), r, done); err != nil {
		return Snapshot{}, err
	}
	if archiveErr != nil {
		return Snapshot{}, fmt.Errorf("archive room %d: %w", roomID, archiveErr)
	}
	return res.snap, nil
}

func (r *Registry) autoClose(roomID int64, gen uint64) {
	ctx, cancel := context.WithTimeout(context.Background(), r.opts.ArchiveTimeout)
	defer cancel()
	snap, err := r.close(ctx, roomID, true, gen)
	switch {
	case errors.Is(err, errCloseCancelled), errors.Is(err, ErrRegistryStopped):
	case err != nil:
		logger.Errorf("[room] auto-close room %d: %v", roomID, err)
	default:
		logger.Infof("[room] room %d auto-closed (%d chars, %s)", roomID, len(snap.Text), snap.Language)
	}
}

// Language returns the room's language. On first access it is initialized
// from lookup, which runs outside the registry loop; a failing lookup is
// logged and the default language is used instead. An absent room is
// created with no connections, so its idle timer closes it again.
func (r *Registry) Language(ctx context.Context, roomID int64, lookup language.Lookup) (language.Language, error) {
	reply := make(chan languageReply, 1)
	if err := r.enqueue(ctx, languageEvent{roomID: roomID, reply: reply}); err != nil {
		return "", err
	}
	res, err := await(ctx, r, reply)
	if err != nil {
		return "", err
	}
	if res.err != nil || res.lang != "" {
		return res.lang, res.err
	}

	lang, lookupErr := language.Resolve(ctx, lookup)
	if lookupErr != nil {
		logger.Warnf("[room] language lookup for room %d failed, using %s: %v", roomID, lang, lookupErr)
	}

	reply = make(chan languageReply, 1)
	if err := r.enqueue(ctx, languageInitEvent{roomID: roomID, lang: lang, reply: reply}); err != nil {
		return "", err
	}
	res, err = await(ctx, r, reply)
	if err != nil {
		return "", err
	}
	return res.lang, res.err
}

// SetLanguage overwrites the room's language and tells the room's other
// connections. from may be nil.
func (r *Registry) SetLanguage(ctx context.Context, roomID int64, lang language.Language, from Conn) error {
	if !lang.Valid() {
		return fmt.Errorf("%w: %q", language.ErrUnknownLanguage, string(lang))
	}
	reply := make(chan error, 1)
	if err := r.enqueue(ctx, setLanguageEvent{roomID: roomID, lang: lang, from: from, reply: reply}); err != nil {
		return err
	}
	err, waitErr := await(ctx, r, reply)
	if waitErr != nil {
		return waitErr
	}
	return err
}

// Compact compacts every active document and, when awarenessTimeout is
// positive, drops awareness states not refreshed within it.
func (r *Registry) Compact(ctx context.Context, awarenessTimeout time.Duration) (CompactResult, error) {
	reply := make(chan CompactResult, 1)
	if err := r.enqueue(ctx, compactEvent{awarenessTimeout: awarenessTimeout, reply: reply}); err != nil {
		return CompactResult{}, err
	}
	return await(ctx, r, reply)
}

// Room describes one room. For an absent room it returns ErrRoomNotFound
// and an Info with StateAbsent.
func (r *Registry) Room(ctx context.Context, roomID int64) (Info, error) {
	reply := make(chan infoReply, 1)
	if err := r.enqueue(ctx, infoEvent{roomID: roomID, reply: reply}); err != nil {
		return Info{}, err
	}
	res, err := await(ctx, r, reply)
	if err != nil {
		return Info{}, err
	}
	return res.info, res.err
}

// Rooms describes every room in the registry, ordered by ID.
func (r *Registry) Rooms(ctx context.Context) ([]Info, error) {
	reply := make(chan []Info, 1)
	if err := r.enqueue(ctx, listEvent{reply: reply}); err != nil {
		return nil, err
	}
	return await(ctx, r, reply)
}

// Everything below runs on the registry loop.

func (r *Registry) activate(roomID int64) *Room {
	rm := newRoom(roomID)
	rm.unsub = append(rm.unsub,
		rm.doc.OnUpdate(func(update []byte, origin any) {
			from, _ := origin.(string)
			frame := sync.Update(update)
			r.broadcast(rm, frame, from)
			r.publish(rm, frame)
		}),
		rm.awareness.OnChange(func(c awareness.Change) {
			frame := sync.Encode(sync.AwarenessFrame{Update: rm.awareness.EncodeUpdate(c.IDs())})
			r.broadcast(rm, frame, "")
			r.publish(rm, frame)
		}),
	)
	r.rooms[roomID] = rm
	logger.Infof("[room] room %d active", roomID)
	if r.opts.Publisher != nil {
		r.opts.Publisher.RoomActivated(roomID, sync.Step1(rm.doc))
	}
	return rm
}

func (r *Registry) handleJoin(roomID int64, conn Conn) error {
	rm, ok := r.rooms[roomID]
	if !ok {
		rm = r.activate(roomID)
	}
	if rm.state == StateClosing {
		return ErrRoomClosing
	}
	r.disarmIdle(rm)
	rm.conns[conn.ID()] = conn

	welcome := [][]byte{sync.Step1(rm.doc)}
	if len(rm.doc.StateVector()) > 0 {
		step2, err := sync.Step2(rm.doc, nil)
		if err != nil {
			logger.Errorf("[room] room %d: encode document: %v", roomID, err)
		} else {
			welcome = append(welcome, step2)
		}
	}
	if states := rm.awareness.EncodeStates(); states != nil {
		welcome = append(welcome, sync.AwarenessUpdate(states))
	}
	for _, frame := range welcome {
		if !conn.Send(frame) {
			r.dropConn(rm, conn)
			return fmt.Errorf("room %d: connection %s not accepting frames", roomID, conn.ID())
		}
	}
	logger.Infof("[room] %s joined room %d (total: %d)", conn.ID(), roomID, len(rm.conns))
	return nil
}

func (r *Registry) handleLeave(roomID int64, conn Conn) {
	rm, ok := r.rooms[roomID]
	if !ok {
		logger.Warnf("[room] %s left room %d which is already gone", conn.ID(), roomID)
		return
	}
	if _, ok := rm.conns[conn.ID()]; !ok {
		return
	}
	r.removeConn(rm, conn)
	logger.Infof("[room] %s left room %d (remaining: %d)", conn.ID(), roomID, len(rm.conns))
}

// removeConn detaches conn from the room and retracts its awareness
// replicas. The last connection out arms the idle timer.
func (r *Registry) removeConn(rm *Room, conn Conn) {
	delete(rm.conns, conn.ID())
	if owned := rm.awareness.Release(conn.ID()); len(owned) > 0 {
		rm.awareness.RemoveStates(owned, conn.ID())
	}
	if len(rm.conns) == 0 && rm.state == StateActive {
		r.armIdle(rm)
	}
}

// dropConn removes a connection that failed to accept a frame and tells it
// so.
func (r *Registry) dropConn(rm *Room, conn Conn) {
	if _, ok := rm.conns[conn.ID()]; !ok {
		return
	}
	logger.Warnf("[room] dropping %s from room %d: send failed", conn.ID(), rm.id)
	r.removeConn(rm, conn)
	if d, ok := conn.(Detacher); ok {
		d.Detach(rm.id)
	}
}

func (r *Registry) broadcast(rm *Room, frame []byte, exclude string) {
	var failed []Conn
	for id, c := range rm.conns {
		if id == exclude {
			continue
		}
		if !c.Send(frame) {
			failed = append(failed, c)
		}
	}
	for _, c := range failed {
		r.dropConn(rm, c)
	}
}

func (r *Registry) publish(rm *Room, frame []byte) {
	if rm.relaying || r.opts.Publisher == nil {
		return
	}
	r.opts.Publisher.Publish(rm.id, frame)
}

func (r *Registry) handleFrame(roomID int64, conn Conn, data []byte) {
	rm, ok := r.rooms[roomID]
	if !ok {
		logger.Warnf("[room] frame from %s for room %d with no active session; dropped", conn.ID(), roomID)
		return
	}
	// A closing room keeps merging: its snapshot is already taken, and if
	// archiving fails the room must still hold everything its clients sent.
	if _, ok := rm.conns[conn.ID()]; !ok {
		logger.Warnf("[room] frame from %s which is not in room %d; dropped", conn.ID(), roomID)
		return
	}
	reply := r.apply(rm, data, conn.ID())
	if reply != nil && !conn.Send(reply) {
		r.dropConn(rm, conn)
	}
}

func (r *Registry) handleRelayed(roomID int64, data []byte) {
	rm, ok := r.rooms[roomID]
	if !ok || rm.state != StateActive {
		logger.Debugf("[room] relayed frame for inactive room %d ignored", roomID)
		return
	}
	rm.relaying = true
	reply := r.apply(rm, data, "")
	rm.relaying = false
	if reply != nil && r.opts.Publisher != nil {
		r.opts.Publisher.Publish(roomID, reply)
	}
}

// apply decodes a frame and merges it into the room. It returns the frame
// to send back to the sender, if any. Errors stop here: they are logged and
// never reach the transport.
func (r *Registry) apply(rm *Room, data []byte, origin string) []byte {
	f, err := sync.Decode(data)
	switch {
	case errors.Is(err, sync.ErrUnknownMessageType):
		logger.Errorf("[room] room %d: frame from %q: %v", rm.id, origin, err)
		return nil
	case err != nil:
		logger.Warnf("[room] room %d: malformed frame from %q: %v", rm.id, origin, err)
		return nil
	}

	switch f := f.(type) {
	case sync.SyncFrame:
		reply, err := sync.Handle(rm.doc, f, origin)
		if err != nil {
			logger.Warnf("[room] room %d: sync %s from %q: %v", rm.id, f.Step, origin, err)
			return nil
		}
		return reply
	case sync.AwarenessFrame:
		if _, err := rm.awareness.ApplyUpdate(f.Update, origin); err != nil {
			logger.Warnf("[room] room %d: awareness from %q: %v", rm.id, origin, err)
		}
	}
	return nil
}

func (r *Registry) beginClose(e closeEvent) (Snapshot, error) {
	rm, ok := r.rooms[e.roomID]
	if !ok {
		if e.auto {
			return Snapshot{}, errCloseCancelled
		}
		return Snapshot{}, ErrRoomNotFound
	}
	if rm.state == StateClosing {
		if e.auto {
			return Snapshot{}, errCloseCancelled
		}
		return Snapshot{}, ErrRoomClosing
	}
	if e.auto && (e.gen != rm.idleGen || len(rm.conns) > 0) {
		return Snapshot{}, errCloseCancelled
	}
	r.disarmIdle(rm)
	rm.state = StateClosing
	logger.Infof("[room] room %d closing", rm.id)
	return rm.snapshot(e.auto), nil
}

func (r *Registry) finishClose(roomID int64, archiveErr error) {
	rm, ok := r.rooms[roomID]
	if !ok || rm.state != StateClosing {
		return
	}
	if archiveErr != nil {
		rm.state = StateActive
		if len(rm.conns) == 0 {
			r.armIdle(rm)
		}
		logger.Errorf("[room] room %d stays active, archive failed: %v", roomID, archiveErr)
		return
	}

	conns := rm.conns
	rm.destroy()
	delete(r.rooms, roomID)
	for _, c := range conns {
		if d, ok := c.(Detacher); ok {
			d.Detach(roomID)
		}
	}
	if r.opts.Publisher != nil {
		r.opts.Publisher.RoomEvicted(roomID)
	}
	logger.Infof("[room] room %d closed (%d connections detached)", roomID, len(conns))
}

func (r *Registry) handleLanguage(roomID int64) languageReply {
	rm, ok := r.rooms[roomID]
	if !ok {
		rm = r.activate(roomID)
		r.armIdle(rm)
	}
	if rm.state == StateClosing {
		return languageReply{err: ErrRoomClosing}
	}
	return languageReply{lang: rm.language}
}

func (r *Registry) handleLanguageInit(roomID int64, lang language.Language) languageReply {
	rm, ok := r.rooms[roomID]
	if !ok {
		// Closed while the lookup ran; answer without caching.
		return languageReply{lang: lang}
	}
	if rm.language == "" {
		rm.language = lang
	}
	return languageReply{lang: rm.language}
}

func (r *Registry) handleSetLanguage(roomID int64, lang language.Language, from Conn) error {
	rm, ok := r.rooms[roomID]
	if !ok {
		rm = r.activate(roomID)
		r.armIdle(rm)
	}
	if rm.state == StateClosing {
		return ErrRoomClosing
	}
	if rm.language == "" {
		logger.Warnf("[room] language of room %d set before it was read; initializing to %s", roomID, lang)
	}
	rm.language = lang

	var fromID string
	if from != nil {
		fromID = from.ID()
	}
	for id, c := range rm.conns {
		if id == fromID {
			continue
		}
		if l, ok := c.(LanguageListener); ok {
			l.LanguageChanged(roomID, lang)
		}
	}
	return nil
}

func (r *Registry) handleCompact(awarenessTimeout time.Duration) CompactResult {
	var res CompactResult
	for _, rm := range r.rooms {
		if rm.state != StateActive {
			continue
		}
		res.Rooms++
		res.MergedItems += rm.doc.Compact()
		if awarenessTimeout > 0 {
			res.StaleReplica += len(rm.awareness.RemoveOutdated(awarenessTimeout).Removed)
		}
	}
	return res
}

func (r *Registry) armIdle(rm *Room) {
	r.disarmIdle(rm)
	gen := rm.idleGen
	id := rm.id
	rm.idle = time.AfterFunc(r.opts.IdleTimeout, func() {
		r.autoClose(id, gen)
	})
}

// disarmIdle stops the idle timer. Bumping the generation also voids a
// timer that already fired but whose close has not reached the loop yet.
func (r *Registry) disarmIdle(rm *Room) {
	if rm.idle != nil {
		rm.idle.Stop()
		rm.idle = nil
	}
	rm.idleGen++
}

func (r *Registry) stopTimers() {
	for _, rm := range r.rooms {
		if rm.idle != nil {
			rm.idle.Stop()
		}
	}
}
