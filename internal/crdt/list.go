package crdt

// List is a shared append-ordered sequence of string chunks. Items sort by
// (lamport, site, seq), so appends from different sites interleave in a
// deterministic order on every peer. Items are never removed; the terminal
// streams and chat history that use lists only grow.
type List struct {
	doc   *Doc
	name  string
	items []ListItem
	seen  map[uint32]map[uint64]bool // site -> seq, for de-duplication
	subs  subscriber[ListEvent]
}

// ListEvent carries the values added by one transaction, in arrival order.
type ListEvent struct {
	Origin   any
	Inserted []string
}

// Name returns the container's document key.
func (l *List) Name() string { return l.name }

// Observe registers a change callback and returns its disposal handle.
func (l *List) Observe(fn func(ListEvent)) *Subscription {
	return l.subs.add(fn)
}

// Len returns the item count. Must not be called from inside a transaction
// function.
func (l *List) Len() int {
	l.doc.mu.Lock()
	defer l.doc.mu.Unlock()
	return len(l.items)
}

// Slice returns all values in order. Must not be called from inside a
// transaction function.
func (l *List) Slice() []string {
	l.doc.mu.Lock()
	defer l.doc.mu.Unlock()
	out := make([]string, len(l.items))
	for i, it := range l.items {
		out[i] = it.Value
	}
	return out
}

// Push appends a value.
func (l *List) Push(tx *Tx, value string) {
	item := ListItem{
		Lamport: l.doc.tick(),
		Site:    l.doc.site,
		Seq:     l.doc.nextSeq(),
		Value:   value,
	}
	l.insert(item)
	tx.ops = append(tx.ops, Op{
		Type:      OpListInsert,
		Container: l.name,
		Item:      &item,
		Lamport:   item.Lamport,
		Site:      item.Site,
	})
	l.noteEvent(tx, value)
}

// applyInsert integrates a remote item; duplicates (same site+seq) are
// skipped.
func (l *List) applyInsert(tx *Tx, item ListItem) {
	if l.seen[item.Site][item.Seq] {
		return
	}
	l.insert(item)
	l.noteEvent(tx, item.Value)
}

func (l *List) insert(item ListItem) {
	if l.seen == nil {
		l.seen = make(map[uint32]map[uint64]bool)
	}
	if l.seen[item.Site] == nil {
		l.seen[item.Site] = make(map[uint64]bool)
	}
	l.seen[item.Site][item.Seq] = true
	lo, hi := 0, len(l.items)
	for lo < hi {
		mid := (lo + hi) / 2
		if l.items[mid].less(item) {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	l.items = append(l.items[:lo], append([]ListItem{item}, l.items[lo:]...)...)
}

func (l *List) noteEvent(tx *Tx, value string) {
	if tx.listEv == nil {
		tx.listEv = make(map[string]*ListEvent)
	}
	ev, ok := tx.listEv[l.name]
	if !ok {
		ev = &ListEvent{Origin: tx.origin}
		tx.listEv[l.name] = ev
		tx.events = append(tx.events, func() {
			l.subs.fire(*ev)
		})
	}
	ev.Inserted = append(ev.Inserted, value)
}
