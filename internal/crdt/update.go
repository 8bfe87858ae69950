package crdt

import (
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/manpreetbhatti/lattice/pairsync/internal/codec"
)

// ErrMalformedUpdate is returned for updates or state vectors that cannot be
// decoded. Nothing is applied from a malformed update.
var ErrMalformedUpdate = errors.New("malformed update")

const (
	flagOrigin      = 1 << 0
	flagRightOrigin = 1 << 1
	flagDeleted     = 1 << 2
)

// Update wire format:
//
//	varuint blocks
//	  varuint records, varuint client, varuint first clock
//	    uint8 flags [origin client clock] [right origin client clock]
//	    deleted ? varuint length : varstring content
//	delete set: varuint clients
//	  varuint client, varuint ranges, (varuint clock, varuint length)*
//
// Clocks inside a block are implied by the first clock and record lengths.

func encodeRecord(enc *codec.Encoder, r *record) {
	var flags uint8
	if r.hasOrigin {
		flags |= flagOrigin
	}
	if r.hasRightOrigin {
		flags |= flagRightOrigin
	}
	if r.deleted {
		flags |= flagDeleted
	}
	enc.WriteUint8(flags)
	if r.hasOrigin {
		enc.WriteVarUint(r.origin.Client)
		enc.WriteVarUint(r.origin.Clock)
	}
	if r.hasRightOrigin {
		enc.WriteVarUint(r.rightOrigin.Client)
		enc.WriteVarUint(r.rightOrigin.Clock)
	}
	if r.deleted {
		enc.WriteVarUint(r.length)
	} else {
		enc.WriteVarString(string(r.content))
	}
}

func encodeUpdate(blocks map[uint64][]record, ds deleteSet) []byte {
	enc := codec.NewEncoder()
	clients := sortedClients(blocks)
	n := 0
	for _, c := range clients {
		if len(blocks[c]) > 0 {
			n++
		}
	}
	enc.WriteVarUint(uint64(n))
	for _, c := range clients {
		recs := blocks[c]
		if len(recs) == 0 {
			continue
		}
		enc.WriteVarUint(uint64(len(recs)))
		enc.WriteVarUint(c)
		enc.WriteVarUint(recs[0].id.Clock)
		for i := range recs {
			encodeRecord(enc, &recs[i])
		}
	}
	if ds == nil {
		ds = deleteSet{}
	}
	ds.encode(enc)
	return enc.Bytes()
}

func decodeUpdate(update []byte) ([]record, deleteSet, error) {
	dec := codec.NewDecoder(update)
	recs, err := decodeRecords(dec)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrMalformedUpdate, err)
	}
	ds, err := decodeDeleteSet(dec)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: delete set: %w", ErrMalformedUpdate, err)
	}
	if dec.Remaining() != 0 {
		return nil, nil, fmt.Errorf("%w: %d trailing bytes", ErrMalformedUpdate, dec.Remaining())
	}
	return recs, ds, nil
}

func decodeRecords(dec *codec.Decoder) ([]record, error) {
	blocks, err := dec.ReadVarUint()
	if err != nil {
		return nil, err
	}
	var recs []record
	for b := uint64(0); b < blocks; b++ {
		count, err := dec.ReadVarUint()
		if err != nil {
			return nil, err
		}
		client, err := dec.ReadVarUint()
		if err != nil {
			return nil, err
		}
		clock, err := dec.ReadVarUint()
		if err != nil {
			return nil, err
		}
		for i := uint64(0); i < count; i++ {
			r, err := decodeRecord(dec, ID{Client: client, Clock: clock})
			if err != nil {
				return nil, err
			}
			clock += r.length
			recs = append(recs, r)
		}
	}
	return recs, nil
}

func decodeRecord(dec *codec.Decoder, id ID) (record, error) {
	r := record{id: id}
	flags, err := dec.ReadUint8()
	if err != nil {
		return r, err
	}
	if flags&^(flagOrigin|flagRightOrigin|flagDeleted) != 0 {
		return r, fmt.Errorf("unknown record flags %#x", flags)
	}
	if flags&flagOrigin != 0 {
		if r.origin, err = decodeID(dec); err != nil {
			return r, err
		}
		r.hasOrigin = true
	}
	if flags&flagRightOrigin != 0 {
		if r.rightOrigin, err = decodeID(dec); err != nil {
			return r, err
		}
		r.hasRightOrigin = true
	}
	if flags&flagDeleted != 0 {
		r.deleted = true
		if r.length, err = dec.ReadVarUint(); err != nil {
			return r, err
		}
	} else {
		s, err := dec.ReadVarString()
		if err != nil {
			return r, err
		}
		if !utf8.ValidString(s) {
			return r, fmt.Errorf("record %s: invalid utf-8 content", id)
		}
		r.content = []rune(s)
		r.length = uint64(len(r.content))
	}
	if r.length == 0 {
		return r, fmt.Errorf("record %s: empty content", id)
	}
	return r, nil
}

func decodeID(dec *codec.Decoder) (ID, error) {
	client, err := dec.ReadVarUint()
	if err != nil {
		return ID{}, err
	}
	clock, err := dec.ReadVarUint()
	if err != nil {
		return ID{}, err
	}
	return ID{Client: client, Clock: clock}, nil
}

// StateVector maps a client to the next clock expected from it, i.e. the
// number of characters it has inserted that this replica has integrated.
type StateVector map[uint64]uint64

// Encode serializes the state vector in client order.
func (sv StateVector) Encode() []byte {
	enc := codec.NewEncoder()
	clients := sortedClients(sv)
	enc.WriteVarUint(uint64(len(clients)))
	for _, c := range clients {
		enc.WriteVarUint(c)
		enc.WriteVarUint(sv[c])
	}
	return enc.Bytes()
}

// DecodeStateVector parses an encoded state vector. An empty buffer is the
// empty state vector.
func DecodeStateVector(b []byte) (StateVector, error) {
	sv := StateVector{}
	if len(b) == 0 {
		return sv, nil
	}
	dec := codec.NewDecoder(b)
	n, err := dec.ReadVarUint()
	if err != nil {
		return nil, fmt.Errorf("%w: state vector: %w", ErrMalformedUpdate, err)
	}
	for i := uint64(0); i < n; i++ {
		client, err := dec.ReadVarUint()
		if err != nil {
			return nil, fmt.Errorf("%w: state vector: %w", ErrMalformedUpdate, err)
		}
		clock, err := dec.ReadVarUint()
		if err != nil {
			return nil, fmt.Errorf("%w: state vector: %w", ErrMalformedUpdate, err)
		}
		sv[client] = clock
	}
	return sv, nil
}
