package crdt

import "sort"

// The store half of Document: arena bookkeeping, lookups by ID and splits.
// Callers hold d.mu.

func (d *Document) clock(client uint64) uint64 {
	idx := d.clients[client]
	if len(idx) == 0 {
		return 0
	}
	return d.arena[idx[len(idx)-1]].endClock()
}

// locate returns the position in d.clients[id.Client] of the item that
// contains id, or -1.
func (d *Document) locate(id ID) int {
	idx := d.clients[id.Client]
	pos := sort.Search(len(idx), func(i int) bool {
		return d.arena[idx[i]].id.Clock > id.Clock
	}) - 1
	if pos < 0 || id.Clock >= d.arena[idx[pos]].endClock() {
		return -1
	}
	return pos
}

// find returns the arena index of the item containing id, or none.
func (d *Document) find(id ID) int {
	pos := d.locate(id)
	if pos < 0 {
		return none
	}
	return d.clients[id.Client][pos]
}

// split cuts the item at arena index i so that its first off characters stay
// in place and the rest move to a new item linked right after it. It returns
// the arena index of the right half.
func (d *Document) split(i int, off uint64) int {
	it := d.arena[i]
	right := item{
		id:             ID{Client: it.id.Client, Clock: it.id.Clock + off},
		length:         it.length - off,
		origin:         ID{Client: it.id.Client, Clock: it.id.Clock + off - 1},
		hasOrigin:      true,
		rightOrigin:    it.rightOrigin,
		hasRightOrigin: it.hasRightOrigin,
		left:           i,
		right:          it.right,
		deleted:        it.deleted,
	}
	if it.content != nil {
		right.content = it.content[off:]
		d.arena[i].content = it.content[:off:off]
	}
	ri := len(d.arena)
	d.arena = append(d.arena, right)
	d.arena[i].length = off
	d.arena[i].right = ri
	if right.right != none {
		d.arena[right.right].left = ri
	}

	idx := d.clients[it.id.Client]
	pos := d.locate(it.id)
	idx = append(idx, 0)
	copy(idx[pos+2:], idx[pos+1:])
	idx[pos+1] = ri
	d.clients[it.id.Client] = idx
	return ri
}

// cleanStart returns the arena index of an item that starts exactly at id.
func (d *Document) cleanStart(id ID) int {
	i := d.find(id)
	if i == none {
		return none
	}
	if off := id.Clock - d.arena[i].id.Clock; off > 0 {
		return d.split(i, off)
	}
	return i
}

// cleanEnd returns the arena index of an item that ends exactly at id.
func (d *Document) cleanEnd(id ID) int {
	i := d.find(id)
	if i == none {
		return none
	}
	if off := id.Clock - d.arena[i].id.Clock + 1; off < d.arena[i].length {
		d.split(i, off)
	}
	return i
}

// integrate links a ready record into document order. Concurrent inserts
// between the same origins are ordered by client ID so every replica picks
// the same position.
func (d *Document) integrate(r *record) {
	left, right := none, none
	if r.hasOrigin {
		left = d.cleanEnd(r.origin)
	}
	if r.hasRightOrigin {
		right = d.cleanStart(r.rightOrigin)
	}

	n := item{
		id:             r.id,
		length:         r.length,
		origin:         r.origin,
		hasOrigin:      r.hasOrigin,
		rightOrigin:    r.rightOrigin,
		hasRightOrigin: r.hasRightOrigin,
		content:        r.content,
		deleted:        r.deleted,
	}

	conflict := (left == none && (right == none || d.arena[right].left != none)) ||
		(left != none && d.arena[left].right != right)
	if conflict {
		o := d.head
		if left != none {
			o = d.arena[left].right
		}
		conflicting := map[int]struct{}{}
		before := map[int]struct{}{}
		for o != none && o != right {
			before[o] = struct{}{}
			conflicting[o] = struct{}{}
			oi := &d.arena[o]
			if sameOrigin(&n, oi) {
				if oi.id.Client < n.id.Client {
					left = o
					clear(conflicting)
				} else if sameRightOrigin(&n, oi) {
					break
				}
			} else if oi.hasOrigin {
				oo := d.find(oi.origin)
				if _, ok := before[oo]; !ok {
					break
				}
				if _, ok := conflicting[oo]; !ok {
					left = o
					clear(conflicting)
				}
			} else {
				break
			}
			o = d.arena[o].right
		}
	}

	ni := len(d.arena)
	n.left = left
	if left != none {
		n.right = d.arena[left].right
	} else {
		n.right = d.head
	}
	d.arena = append(d.arena, n)
	if left != none {
		d.arena[left].right = ni
	} else {
		d.head = ni
	}
	if n.right != none {
		d.arena[n.right].left = ni
	}
	d.clients[n.id.Client] = append(d.clients[n.id.Client], ni)
}

// markDeleted deletes [clock, clock+length) of client and returns how many
// characters were newly deleted and the part of the range not yet known.
func (d *Document) markDeleted(client, clock, length uint64) (uint64, span) {
	end := clock + length
	known := d.clock(client)
	var missing span
	if end > known {
		start := max(clock, known)
		missing = span{clock: start, length: end - start}
		end = known
	}
	var n uint64
	for c := clock; c < end; {
		i := d.cleanStart(ID{Client: client, Clock: c})
		if i == none {
			break
		}
		if d.arena[i].endClock() > end {
			d.split(i, end-d.arena[i].id.Clock)
		}
		it := &d.arena[i]
		if !it.deleted {
			it.deleted = true
			it.content = nil
			n += it.length
		}
		c = it.endClock()
	}
	return n, missing
}

// deleteSet collects every deleted range from the store.
func (d *Document) collectDeleteSet() deleteSet {
	ds := deleteSet{}
	for client, idx := range d.clients {
		for _, i := range idx {
			if it := &d.arena[i]; it.deleted {
				ds.add(client, it.id.Clock, it.length)
			}
		}
	}
	ds.normalize()
	return ds
}
