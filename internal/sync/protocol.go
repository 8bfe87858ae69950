package sync

import (
	"errors"
	"fmt"

	"github.com/manpreetbhatti/lattice/pairsync/internal/codec"
)

// Represents the type of a frame envelope
type MessageType uint64

const (
	// Document sync messages (state vectors and updates)
	MessageTypeSync MessageType = 0

	// Awareness messages (cursors, selections, presence)
	MessageTypeAwareness MessageType = 1

	// Reserved for authentication; recognized but not handled
	MessageTypeAuth MessageType = 2

	// Reserved for awareness queries; recognized but not handled
	MessageTypeQueryAwareness MessageType = 3
)

func (t MessageType) String() string {
	switch t {
	case MessageTypeSync:
		return "sync"
	case MessageTypeAwareness:
		return "awareness"
	case MessageTypeAuth:
		return "auth"
	case MessageTypeQueryAwareness:
		return "query-awareness"
	}
	return fmt.Sprintf("unknown(%d)", uint64(t))
}

// ErrUnknownMessageType is returned for envelopes whose discriminant is not
// handled. Such frames are dropped, never fatal.
var ErrUnknownMessageType = errors.New("unknown message type")

// Frame is a decoded envelope: one of SyncFrame, AwarenessFrame or
// UnknownFrame.
type Frame interface {
	Type() MessageType
}

// SyncFrame carries a nested sync message (step 1, step 2 or update).
type SyncFrame struct {
	Step    SyncStep
	Payload []byte
}

func (SyncFrame) Type() MessageType { return MessageTypeSync }

// AwarenessFrame carries an encoded awareness update.
type AwarenessFrame struct {
	Update []byte
}

func (AwarenessFrame) Type() MessageType { return MessageTypeAwareness }

// UnknownFrame is an envelope with a discriminant this server does not
// handle.
type UnknownFrame struct {
	Kind MessageType
	Body []byte
}

func (f UnknownFrame) Type() MessageType { return f.Kind }

// Decode parses one frame envelope. Malformed input yields an error wrapping
// codec.ErrMalformedFrame; an unhandled discriminant yields an UnknownFrame
// together with ErrUnknownMessageType.
func Decode(data []byte) (Frame, error) {
	dec := codec.NewDecoder(data)
	kind, err := dec.ReadVarUint()
	if err != nil {
		return nil, err
	}

	switch t := MessageType(kind); t {
	case MessageTypeSync:
		step, err := dec.ReadVarUint()
		if err != nil {
			return nil, err
		}
		if SyncStep(step) > SyncUpdate {
			return nil, fmt.Errorf("%w: %d", ErrUnknownSyncStep, step)
		}
		payload, err := dec.ReadVarBytes()
		if err != nil {
			return nil, err
		}
		return SyncFrame{Step: SyncStep(step), Payload: payload}, nil

	case MessageTypeAwareness:
		update, err := dec.ReadVarBytes()
		if err != nil {
			return nil, err
		}
		return AwarenessFrame{Update: update}, nil

	default:
		return UnknownFrame{Kind: t, Body: dec.Rest()}, fmt.Errorf("%w: %s", ErrUnknownMessageType, t)
	}
}

// Encode serializes a frame envelope.
func Encode(f Frame) []byte {
	enc := codec.NewEncoder()
	enc.WriteVarUint(uint64(f.Type()))
	switch f := f.(type) {
	case SyncFrame:
		enc.WriteVarUint(uint64(f.Step))
		enc.WriteVarBytes(f.Payload)
	case AwarenessFrame:
		enc.WriteVarBytes(f.Update)
	case UnknownFrame:
		enc.WriteRaw(f.Body)
	}
	return enc.Bytes()
}

// Extracts the message type without decoding the rest of the frame
func ParseMessageType(data []byte) (MessageType, error) {
	kind, err := codec.NewDecoder(data).ReadVarUint()
	return MessageType(kind), err
}

// AwarenessUpdate builds an AWARENESS frame around an encoded awareness
// update.
func AwarenessUpdate(update []byte) []byte {
	return Encode(AwarenessFrame{Update: update})
}
