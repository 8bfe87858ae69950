package sync

import (
	"errors"
	"fmt"

	"github.com/manpreetbhatti/lattice/pairsync/internal/crdt"
)

// SyncStep represents the step in the document sync handshake
type SyncStep uint64

const (
	// Sender's state vector; the receiver answers with SyncStep2
	SyncStep1 SyncStep = 0

	// Everything the receiver of a SyncStep1 was missing
	SyncStep2 SyncStep = 1

	// Incremental update broadcast
	SyncUpdate SyncStep = 2
)

func (s SyncStep) String() string {
	switch s {
	case SyncStep1:
		return "step1"
	case SyncStep2:
		return "step2"
	case SyncUpdate:
		return "update"
	}
	return fmt.Sprintf("step(%d)", uint64(s))
}

var ErrUnknownSyncStep = errors.New("unknown sync step")

// Step1 builds a SYNC frame carrying the document's state vector.
func Step1(doc *crdt.Document) []byte {
	return Encode(SyncFrame{Step: SyncStep1, Payload: doc.EncodeStateVector()})
}

// Step2 builds a SYNC frame carrying everything doc has that a peer with
// the given encoded state vector lacks.
func Step2(doc *crdt.Document, stateVector []byte) ([]byte, error) {
	diff, err := doc.EncodeStateAsUpdate(stateVector)
	if err != nil {
		return nil, err
	}
	return Encode(SyncFrame{Step: SyncStep2, Payload: diff}), nil
}

// Update builds a SYNC frame broadcasting an incremental update.
func Update(update []byte) []byte {
	return Encode(SyncFrame{Step: SyncUpdate, Payload: update})
}

// Handle applies an inbound sync message to doc. A SyncStep1 is answered
// with the SyncStep2 frame to send back; step 2 and updates are merged with
// the given origin and produce no reply.
func Handle(doc *crdt.Document, f SyncFrame, origin any) ([]byte, error) {
	switch f.Step {
	case SyncStep1:
		return Step2(doc, f.Payload)
	case SyncStep2, SyncUpdate:
		return nil, doc.ApplyUpdate(f.Payload, origin)
	}
	return nil, fmt.Errorf("%w: %d", ErrUnknownSyncStep, uint64(f.Step))
}
