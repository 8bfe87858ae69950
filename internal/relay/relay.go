// Package relay fans room frames out to other server instances so clients
// of one room can be spread over several processes. Every instance keeps
// its own replica of each active room and the CRDT merge makes them
// converge.
package relay

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/manpreetbhatti/lattice/pairsync/internal/logger"
)

// Sink receives frames published by other instances.
type Sink interface {
	ApplyRelayed(ctx context.Context, roomID int64, frame []byte) error
}

type opKind int

const (
	opSubscribe opKind = iota
	opPublish
	opUnsubscribe
)

type op struct {
	kind   opKind
	roomID int64
	frame  []byte
}

// Relay implements room.Publisher on top of a Broker. Operations are queued
// and carried out in order by the goroutine started with Run, so the
// registry loop never waits on the network.
type Relay struct {
	broker   Broker
	instance uuid.UUID
	ops      chan op

	mu   sync.Mutex
	subs map[int64]func()
}

func New(broker Broker) *Relay {
	return &Relay{
		broker:   broker,
		instance: uuid.New(),
		ops:      make(chan op, 1024),
		subs:     make(map[int64]func()),
	}
}

func (r *Relay) Instance() uuid.UUID {
	return r.instance
}

func Channel(roomID int64) string {
	return fmt.Sprintf("pairsync:room:%d", roomID)
}

func (r *Relay) RoomActivated(roomID int64, step1 []byte) {
	r.enqueue(op{kind: opSubscribe, roomID: roomID, frame: step1})
}

func (r *Relay) Publish(roomID int64, frame []byte) {
	r.enqueue(op{kind: opPublish, roomID: roomID, frame: frame})
}

func (r *Relay) RoomEvicted(roomID int64) {
	r.enqueue(op{kind: opUnsubscribe, roomID: roomID})
}

func (r *Relay) enqueue(o op) {
	select {
	case r.ops <- o:
	default:
		logger.Warnf("[relay] queue full; dropping op %d for room %d", o.kind, o.roomID)
	}
}

// Run carries out queued operations and delivers inbound frames to sink
// until ctx is cancelled.
func (r *Relay) Run(ctx context.Context, sink Sink) {
	defer r.unsubscribeAll()
	for {
		select {
		case <-ctx.Done():
			return
		case o := <-r.ops:
			switch o.kind {
			case opSubscribe:
				r.subscribe(ctx, o.roomID, sink)
				r.publish(ctx, o.roomID, o.frame)
			case opPublish:
				r.publish(ctx, o.roomID, o.frame)
			case opUnsubscribe:
				r.unsubscribe(o.roomID)
			}
		}
	}
}

func (r *Relay) subscribe(ctx context.Context, roomID int64, sink Sink) {
	r.mu.Lock()
	_, ok := r.subs[roomID]
	r.mu.Unlock()
	if ok {
		return
	}

	ch, cancel, err := r.broker.Subscribe(ctx, Channel(roomID))
	if err != nil {
		logger.Errorf("[relay] room %d: %v", roomID, err)
		return
	}
	r.mu.Lock()
	r.subs[roomID] = cancel
	r.mu.Unlock()
	logger.Debugf("[relay] subscribed to room %d", roomID)

	go func() {
		for payload := range ch {
			frame, ok := r.unwrap(payload)
			if !ok {
				continue
			}
			if err := sink.ApplyRelayed(ctx, roomID, frame); err != nil {
				logger.Debugf("[relay] room %d: deliver: %v", roomID, err)
			}
		}
	}()
}

func (r *Relay) publish(ctx context.Context, roomID int64, frame []byte) {
	if err := r.broker.Publish(ctx, Channel(roomID), r.wrap(frame)); err != nil {
		logger.Errorf("[relay] room %d: publish: %v", roomID, err)
	}
}

func (r *Relay) unsubscribe(roomID int64) {
	r.mu.Lock()
	cancel, ok := r.subs[roomID]
	delete(r.subs, roomID)
	r.mu.Unlock()
	if ok {
		cancel()
		logger.Debugf("[relay] unsubscribed from room %d", roomID)
	}
}

func (r *Relay) unsubscribeAll() {
	r.mu.Lock()
	subs := r.subs
	r.subs = make(map[int64]func())
	r.mu.Unlock()
	for _, cancel := range subs {
		cancel()
	}
}

// A relayed payload is the publishing instance's ID followed by the frame.
func (r *Relay) wrap(frame []byte) []byte {
	out := make([]byte, 0, len(r.instance)+len(frame))
	out = append(out, r.instance[:]...)
	return append(out, frame...)
}

func (r *Relay) unwrap(payload []byte) ([]byte, bool) {
	if len(payload) < len(r.instance) {
		logger.Warnf("[relay] payload of %d bytes is too short", len(payload))
		return nil, false
	}
	if bytes.Equal(payload[:len(r.instance)], r.instance[:]) {
		return nil, false
	}
	return payload[len(r.instance):], true
}
