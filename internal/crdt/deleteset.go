package crdt

import (
	"cmp"
	"slices"

	"github.com/manpreetbhatti/lattice/pairsync/internal/codec"
)

type span struct {
	clock  uint64
	length uint64
}

func (s span) end() uint64 { return s.clock + s.length }

// deleteSet maps a client to sorted, non-overlapping deleted clock ranges.
type deleteSet map[uint64][]span

func (ds deleteSet) add(client, clock, length uint64) {
	if length == 0 {
		return
	}
	ds[client] = append(ds[client], span{clock: clock, length: length})
}

// normalize sorts and merges every client's ranges.
func (ds deleteSet) normalize() {
	for client, spans := range ds {
		if len(spans) == 0 {
			delete(ds, client)
			continue
		}
		slices.SortFunc(spans, func(a, b span) int {
			return cmp.Compare(a.clock, b.clock)
		})
		merged := spans[:1]
		for _, s := range spans[1:] {
			last := &merged[len(merged)-1]
			if s.clock <= last.end() {
				if s.end() > last.end() {
					last.length = s.end() - last.clock
				}
				continue
			}
			merged = append(merged, s)
		}
		ds[client] = merged
	}
}

func (ds deleteSet) covered() uint64 {
	var n uint64
	for _, spans := range ds {
		for _, s := range spans {
			n += s.length
		}
	}
	return n
}

func (ds deleteSet) merge(other deleteSet) {
	for client, spans := range other {
		ds[client] = append(ds[client], spans...)
	}
	ds.normalize()
}

func sortedClients[V any](m map[uint64]V) []uint64 {
	clients := make([]uint64, 0, len(m))
	for c := range m {
		clients = append(clients, c)
	}
	slices.Sort(clients)
	return clients
}

func (ds deleteSet) encode(enc *codec.Encoder) {
	clients := sortedClients(ds)
	enc.WriteVarUint(uint64(len(clients)))
	for _, client := range clients {
		spans := ds[client]
		enc.WriteVarUint(client)
		enc.WriteVarUint(uint64(len(spans)))
		for _, s := range spans {
			enc.WriteVarUint(s.clock)
			enc.WriteVarUint(s.length)
		}
	}
}

func decodeDeleteSet(dec *codec.Decoder) (deleteSet, error) {
	ds := deleteSet{}
	n, err := dec.ReadVarUint()
	if err != nil {
		return nil, err
	}
	for i := uint64(0); i < n; i++ {
		client, err := dec.ReadVarUint()
		if err != nil {
			return nil, err
		}
		count, err := dec.ReadVarUint()
		if err != nil {
			return nil, err
		}
		for j := uint64(0); j < count; j++ {
			clock, err := dec.ReadVarUint()
			if err != nil {
				return nil, err
			}
			length, err := dec.ReadVarUint()
			if err != nil {
				return nil, err
			}
			ds.add(client, clock, length)
		}
	}
	ds.normalize()
	return ds, nil
}
