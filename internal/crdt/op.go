package crdt

// Op types carried over the wire between peers. Every mutation to a shared
// container serializes to one or more of these.
const (
	OpTextInsert = "text.insert"
	OpTextDelete = "text.delete"
	OpListInsert = "list.insert"
	OpMapSet     = "map.set"
	OpMapDelete  = "map.delete"
)

// Digit is one level of a position identifier. Ties on Pos are broken by
// Site, then Clock, which keeps concurrent allocations at the same gap
// totally ordered across peers.
type Digit struct {
	Pos   uint32 `json:"p"`
	Site  uint32 `json:"s"`
	Clock uint32 `json:"c"`
}

// ID is a dense position identifier for one text atom. IDs are unique and
// totally ordered; the order never changes once allocated, which is what
// makes concurrent inserts commute.
type ID struct {
	Digits []Digit `json:"d"`
}

// Compare orders IDs lexicographically by digit; a strict prefix sorts
// before its extensions.
func (a ID) Compare(b ID) int {
	n := len(a.Digits)
	if len(b.Digits) < n {
		n = len(b.Digits)
	}
	for i := 0; i < n; i++ {
		da, db := a.Digits[i], b.Digits[i]
		switch {
		case da.Pos != db.Pos:
			if da.Pos < db.Pos {
				return -1
			}
			return 1
		case da.Site != db.Site:
			if da.Site < db.Site {
				return -1
			}
			return 1
		case da.Clock != db.Clock:
			if da.Clock < db.Clock {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(a.Digits) < len(b.Digits):
		return -1
	case len(a.Digits) > len(b.Digits):
		return 1
	}
	return 0
}

// Atom pairs a position identifier with its rune. Delete ops carry the rune
// too so a peer holding only the op stream can invert it (undo).
type Atom struct {
	ID   ID     `json:"id"`
	Rune string `json:"r"`
}

// ListItem is one element of a shared list. Items sort by (Lamport, Site,
// Seq); (Site, Seq) is the unique identity used for de-duplication.
type ListItem struct {
	Lamport uint64 `json:"lamport"`
	Site    uint32 `json:"site"`
	Seq     uint64 `json:"seq"`
	Value   string `json:"value"`
}

func (a ListItem) less(b ListItem) bool {
	if a.Lamport != b.Lamport {
		return a.Lamport < b.Lamport
	}
	if a.Site != b.Site {
		return a.Site < b.Site
	}
	return a.Seq < b.Seq
}

// Op is the wire form of a single container mutation.
type Op struct {
	Type      string    `json:"type"`
	Container string    `json:"container"`
	Atoms     []Atom    `json:"atoms,omitempty"` // text.insert, text.delete
	Item      *ListItem `json:"item,omitempty"`  // list.insert
	Key       string    `json:"key,omitempty"`   // map.set, map.delete
	Value     string    `json:"value,omitempty"` // map.set
	Lamport   uint64    `json:"lamport,omitempty"`
	Site      uint32    `json:"site,omitempty"`
}
