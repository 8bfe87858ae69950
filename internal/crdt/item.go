package crdt

import "fmt"

// ID identifies one character of the document: the replica that inserted it
// and that replica's running clock at insertion time.
type ID struct {
	Client uint64
	Clock  uint64
}

func (id ID) String() string {
	return fmt.Sprintf("%d:%d", id.Client, id.Clock)
}

// Less orders IDs by client then clock. It is the total order used to break
// ties between concurrent inserts at the same position.
func (id ID) Less(o ID) bool {
	if id.Client != o.Client {
		return id.Client < o.Client
	}
	return id.Clock < o.Clock
}

const none = -1

// item is a run of characters inserted by one client with consecutive
// clocks. Items live in the document arena and are linked into document
// order through arena indices.
type item struct {
	id     ID
	length uint64

	origin         ID
	hasOrigin      bool
	rightOrigin    ID
	hasRightOrigin bool

	left, right int

	// content is nil once the item is deleted.
	content []rune
	deleted bool
}

func (it *item) lastID() ID {
	return ID{Client: it.id.Client, Clock: it.id.Clock + it.length - 1}
}

func (it *item) endClock() uint64 {
	return it.id.Clock + it.length
}

func sameOrigin(a, b *item) bool {
	if a.hasOrigin != b.hasOrigin {
		return false
	}
	return !a.hasOrigin || a.origin == b.origin
}

func sameRightOrigin(a, b *item) bool {
	if a.hasRightOrigin != b.hasRightOrigin {
		return false
	}
	return !a.hasRightOrigin || a.rightOrigin == b.rightOrigin
}

// record is an item as it travels inside an update, before integration.
type record struct {
	id             ID
	length         uint64
	origin         ID
	hasOrigin      bool
	rightOrigin    ID
	hasRightOrigin bool
	content        []rune
	deleted        bool
}

// trimTo drops the first clock-sv characters so the record starts at sv.
func (r *record) trimTo(sv uint64) {
	off := sv - r.id.Clock
	if off == 0 {
		return
	}
	r.id.Clock = sv
	r.length -= off
	r.origin = ID{Client: r.id.Client, Clock: sv - 1}
	r.hasOrigin = true
	if r.content != nil {
		r.content = r.content[off:]
	}
}
