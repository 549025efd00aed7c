package crdt

import "strings"

const maxPos = ^uint32(0)

// Text is a shared character sequence. Every rune carries a dense position
// identifier, so concurrent inserts and deletes from different sites merge
// to the same sequence regardless of arrival order.
type Text struct {
	doc   *Doc
	name  string
	atoms []Atom
	subs  subscriber[TextEvent]
}

// TextEvent signals that the container changed. Origin is the tag of the
// transaction that produced the change.
type TextEvent struct {
	Origin any
}

// Name returns the container's document key.
func (t *Text) Name() string { return t.name }

// Observe registers a change callback and returns its disposal handle.
func (t *Text) Observe(fn func(TextEvent)) *Subscription {
	return t.subs.add(fn)
}

// String returns the current content. Must not be called from inside a
// transaction function.
func (t *Text) String() string {
	t.doc.mu.Lock()
	defer t.doc.mu.Unlock()
	var b strings.Builder
	for _, a := range t.atoms {
		b.WriteString(a.Rune)
	}
	return b.String()
}

// Len returns the content length in runes. Must not be called from inside a
// transaction function.
func (t *Text) Len() int {
	t.doc.mu.Lock()
	defer t.doc.mu.Unlock()
	return len(t.atoms)
}

// Insert inserts s at the given rune offset.
func (t *Text) Insert(tx *Tx, offset int, s string) {
	if s == "" {
		return
	}
	if offset < 0 {
		offset = 0
	}
	if offset > len(t.atoms) {
		offset = len(t.atoms)
	}

	left := ID{}
	if offset > 0 {
		left = t.atoms[offset-1].ID
	}
	right := ID{Digits: []Digit{{Pos: maxPos}}}
	if offset < len(t.atoms) {
		right = t.atoms[offset].ID
	}

	runes := []rune(s)
	inserted := make([]Atom, 0, len(runes))
	for _, r := range runes {
		id := t.doc.idBetween(left, right)
		inserted = append(inserted, Atom{ID: id, Rune: string(r)})
		left = id
	}

	t.atoms = append(t.atoms[:offset], append(inserted, t.atoms[offset:]...)...)

	tx.ops = append(tx.ops, Op{
		Type:      OpTextInsert,
		Container: t.name,
		Atoms:     append([]Atom(nil), inserted...),
		Lamport:   t.doc.clock,
		Site:      t.doc.site,
	})
	t.noteEvent(tx)
}

// Delete removes length runes starting at the given rune offset.
func (t *Text) Delete(tx *Tx, offset, length int) {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(t.atoms) || length <= 0 {
		return
	}
	if offset+length > len(t.atoms) {
		length = len(t.atoms) - offset
	}

	removed := append([]Atom(nil), t.atoms[offset:offset+length]...)
	t.atoms = append(t.atoms[:offset], t.atoms[offset+length:]...)

	tx.ops = append(tx.ops, Op{
		Type:      OpTextDelete,
		Container: t.name,
		Atoms:     removed,
		Lamport:   t.doc.tick(),
		Site:      t.doc.site,
	})
	t.noteEvent(tx)
}

// applyInsert integrates remote atoms. Already-present IDs are skipped, so
// redelivery is harmless.
func (t *Text) applyInsert(tx *Tx, atoms []Atom) {
	changed := false
	for _, a := range atoms {
		idx, found := t.search(a.ID)
		if found {
			continue
		}
		t.atoms = append(t.atoms[:idx], append([]Atom{a}, t.atoms[idx:]...)...)
		changed = true
	}
	if changed {
		t.noteEvent(tx)
	}
}

// applyDelete removes remote atoms by ID; missing IDs are a no-op.
func (t *Text) applyDelete(tx *Tx, atoms []Atom) {
	changed := false
	for _, a := range atoms {
		idx, found := t.search(a.ID)
		if !found {
			continue
		}
		t.atoms = append(t.atoms[:idx], t.atoms[idx+1:]...)
		changed = true
	}
	if changed {
		t.noteEvent(tx)
	}
}

// search finds the index of id, or the index where it would be inserted.
func (t *Text) search(id ID) (int, bool) {
	lo, hi := 0, len(t.atoms)
	for lo < hi {
		mid := (lo + hi) / 2
		switch t.atoms[mid].ID.Compare(id) {
		case -1:
			lo = mid + 1
		case 1:
			hi = mid
		default:
			return mid, true
		}
	}
	return lo, false
}

func (t *Text) noteEvent(tx *Tx) {
	if tx.noted == nil {
		tx.noted = make(map[string]bool)
	}
	key := "text:" + t.name
	if tx.noted[key] {
		return
	}
	tx.noted[key] = true
	origin := tx.origin
	tx.events = append(tx.events, func() {
		t.subs.fire(TextEvent{Origin: origin})
	})
}

// idBetween allocates a fresh identifier strictly between l and r. Caller
// holds d.mu. l may be the zero ID (document start); r defaults to the max
// sentinel for inserts at the end.
func (d *Doc) idBetween(l, r ID) ID {
	clk := uint32(d.tick())
	var digits []Digit
	rValid := true
	for depth := 0; ; depth++ {
		var lo uint64
		if depth < len(l.Digits) {
			lo = uint64(l.Digits[depth].Pos)
		}
		hi := uint64(maxPos)
		if rValid && depth < len(r.Digits) {
			hi = uint64(r.Digits[depth].Pos)
		}
		if hi > lo+1 {
			digits = append(digits, Digit{Pos: uint32(lo + 1), Site: d.site, Clock: clk})
			return ID{Digits: digits}
		}

		// No room at this level: descend along l.
		var copied Digit
		if depth < len(l.Digits) {
			copied = l.Digits[depth]
		}
		digits = append(digits, copied)
		// r only bounds deeper levels while the prefix built so far still
		// matches r's prefix exactly.
		if rValid && depth < len(r.Digits) && copied != r.Digits[depth] {
			rValid = false
		}
	}
}
