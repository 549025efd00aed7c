package crdt

import (
	"crypto/rand"
	"encoding/binary"
	"sync"
)

// Doc owns a set of named shared containers and the logical clock they
// share. All mutation goes through Transact or ApplyRemote, which serialize
// on one mutex; change callbacks fire after the lock is released, in commit
// order, so handlers may start new transactions without deadlocking.
type Doc struct {
	mu    sync.Mutex
	site  uint32
	clock uint64
	seq   uint64 // per-site counter for list item / atom uniqueness

	// containerMu guards only the lazily-created container maps below, so
	// Text/List/Map lookups stay safe from inside a transaction function
	// while d.mu is held.
	containerMu sync.Mutex
	texts       map[string]*Text
	lists       map[string]*List
	maps        map[string]*Map

	onLocal    func(ops []Op)
	onCommit   map[int]func(origin any, ops []Op)
	commitNext int

	// dispatch queue keeps callback order equal to commit order even when a
	// callback re-enters the doc.
	dispatchMu  sync.Mutex
	dispatchQ   []func()
	dispatching bool
}

// NewDoc creates a document with a random site (replica) identifier.
func NewDoc() *Doc {
	var b [4]byte
	rand.Read(b[:])
	site := binary.LittleEndian.Uint32(b[:])
	if site == 0 {
		site = 1
	}
	return NewDocWithSite(site)
}

// NewDocWithSite creates a document with a fixed site identifier. Intended
// for tests that need deterministic tie-breaks.
func NewDocWithSite(site uint32) *Doc {
	return &Doc{
		site:  site,
		texts: make(map[string]*Text),
		lists: make(map[string]*List),
		maps:  make(map[string]*Map),
	}
}

// Site returns this replica's identifier.
func (d *Doc) Site() uint32 { return d.site }

// Text returns the named shared text container, creating it on first use.
func (d *Doc) Text(name string) *Text {
	d.containerMu.Lock()
	defer d.containerMu.Unlock()
	t, ok := d.texts[name]
	if !ok {
		t = &Text{doc: d, name: name}
		d.texts[name] = t
	}
	return t
}

// List returns the named shared list container, creating it on first use.
func (d *Doc) List(name string) *List {
	d.containerMu.Lock()
	defer d.containerMu.Unlock()
	l, ok := d.lists[name]
	if !ok {
		l = &List{doc: d, name: name}
		d.lists[name] = l
	}
	return l
}

// Map returns the named shared map container, creating it on first use.
func (d *Doc) Map(name string) *Map {
	d.containerMu.Lock()
	defer d.containerMu.Unlock()
	m, ok := d.maps[name]
	if !ok {
		m = &Map{doc: d, name: name, entries: make(map[string]mapEntry)}
		d.maps[name] = m
	}
	return m
}

// OnLocalOps registers the hook that receives every locally produced op
// batch. The replication provider uses this to ship ops to peers.
func (d *Doc) OnLocalOps(fn func(ops []Op)) {
	d.mu.Lock()
	d.onLocal = fn
	d.mu.Unlock()
}

// OnCommit registers a hook called after every committed transaction, local
// or remote, with the transaction's origin and ops. Used by UndoManager.
// Cancel the returned subscription to stop receiving commits.
func (d *Doc) OnCommit(fn func(origin any, ops []Op)) *Subscription {
	d.mu.Lock()
	if d.onCommit == nil {
		d.onCommit = make(map[int]func(origin any, ops []Op))
	}
	id := d.commitNext
	d.commitNext++
	d.onCommit[id] = fn
	d.mu.Unlock()
	return &Subscription{cancel: func() {
		d.mu.Lock()
		delete(d.onCommit, id)
		d.mu.Unlock()
	}}
}

// commitHooksLocked snapshots the registered commit hooks. Caller holds d.mu.
func (d *Doc) commitHooksLocked() []func(origin any, ops []Op) {
	if len(d.onCommit) == 0 {
		return nil
	}
	hooks := make([]func(origin any, ops []Op), 0, len(d.onCommit))
	for _, fn := range d.onCommit {
		hooks = append(hooks, fn)
	}
	return hooks
}

// Tx is an in-flight transaction. Container mutation methods take a Tx so
// every mutation is attributable to exactly one origin.
type Tx struct {
	doc    *Doc
	origin any
	ops    []Op
	events []func()
	noted  map[string]bool
	listEv map[string]*ListEvent
	mapEv  map[string]*MapEvent
}

// Origin returns the origin tag this transaction was opened with.
func (t *Tx) Origin() any { return t.origin }

// Transact runs fn with the doc locked, then ships the collected ops to the
// local-op hook and fires change callbacks. The origin tag is attached to
// every resulting change event so subscribers can recognize their own edits
// echoing back.
func (d *Doc) Transact(origin any, fn func(tx *Tx)) {
	d.mu.Lock()
	tx := &Tx{doc: d, origin: origin}
	fn(tx)
	ops := tx.ops
	events := tx.events
	onLocal := d.onLocal
	commitHooks := d.commitHooksLocked()
	d.mu.Unlock()

	if len(ops) == 0 {
		return
	}
	if onLocal != nil {
		onLocal(ops)
	}
	d.enqueue(func() {
		for _, hook := range commitHooks {
			hook(origin, ops)
		}
		for _, fire := range events {
			fire()
		}
	})
}

// ApplyRemote integrates an op batch received from a peer. Application is
// idempotent and order-independent for concurrent ops; events fire with the
// given origin (the provider), never with a local binding's origin.
func (d *Doc) ApplyRemote(origin any, ops []Op) {
	d.mu.Lock()
	tx := &Tx{doc: d, origin: origin}
	for _, op := range ops {
		if op.Lamport > d.clock {
			d.clock = op.Lamport
		}
		switch op.Type {
		case OpTextInsert:
			d.textLocked(op.Container).applyInsert(tx, op.Atoms)
		case OpTextDelete:
			d.textLocked(op.Container).applyDelete(tx, op.Atoms)
		case OpListInsert:
			if op.Item != nil {
				d.listLocked(op.Container).applyInsert(tx, *op.Item)
			}
		case OpMapSet:
			d.mapLocked(op.Container).applySet(tx, op.Key, op.Value, op.Lamport, op.Site)
		case OpMapDelete:
			d.mapLocked(op.Container).applyDelete(tx, op.Key, op.Lamport, op.Site)
		}
	}
	events := tx.events
	commitHooks := d.commitHooksLocked()
	d.mu.Unlock()

	if len(events) == 0 {
		return
	}
	d.enqueue(func() {
		for _, hook := range commitHooks {
			hook(origin, ops)
		}
		for _, fire := range events {
			fire()
		}
	})
}

// enqueue runs fn on the dispatch queue. If a dispatch is already running on
// this goroutine's stack (a callback re-entered the doc), the new work is
// appended and drained by the outer call, preserving commit order.
func (d *Doc) enqueue(fn func()) {
	d.dispatchMu.Lock()
	d.dispatchQ = append(d.dispatchQ, fn)
	if d.dispatching {
		d.dispatchMu.Unlock()
		return
	}
	d.dispatching = true
	for len(d.dispatchQ) > 0 {
		next := d.dispatchQ[0]
		d.dispatchQ = d.dispatchQ[1:]
		d.dispatchMu.Unlock()
		next()
		d.dispatchMu.Lock()
	}
	d.dispatching = false
	d.dispatchMu.Unlock()
}

// tick advances the lamport clock. Caller holds d.mu.
func (d *Doc) tick() uint64 {
	d.clock++
	return d.clock
}

// nextSeq returns the next per-site sequence number. Caller holds d.mu.
func (d *Doc) nextSeq() uint64 {
	d.seq++
	return d.seq
}

// Locked variants are used from ApplyRemote, which already holds d.mu; they
// still take containerMu for the map lookup (d.mu -> containerMu order).
func (d *Doc) textLocked(name string) *Text {
	d.containerMu.Lock()
	defer d.containerMu.Unlock()
	t, ok := d.texts[name]
	if !ok {
		t = &Text{doc: d, name: name}
		d.texts[name] = t
	}
	return t
}

func (d *Doc) listLocked(name string) *List {
	d.containerMu.Lock()
	defer d.containerMu.Unlock()
	l, ok := d.lists[name]
	if !ok {
		l = &List{doc: d, name: name}
		d.lists[name] = l
	}
	return l
}

func (d *Doc) mapLocked(name string) *Map {
	d.containerMu.Lock()
	defer d.containerMu.Unlock()
	m, ok := d.maps[name]
	if !ok {
		m = &Map{doc: d, name: name, entries: make(map[string]mapEntry)}
		d.maps[name] = m
	}
	return m
}

// Subscription is a registered change callback. Cancel removes it; cancel is
// safe to call more than once.
type Subscription struct {
	cancel func()
	once   sync.Once
}

// Cancel removes the callback from its container.
func (s *Subscription) Cancel() {
	if s == nil {
		return
	}
	s.once.Do(s.cancel)
}

type subscriber[E any] struct {
	mu   sync.Mutex
	next int
	fns  map[int]func(E)
}

func (s *subscriber[E]) add(fn func(E)) *Subscription {
	s.mu.Lock()
	if s.fns == nil {
		s.fns = make(map[int]func(E))
	}
	id := s.next
	s.next++
	s.fns[id] = fn
	s.mu.Unlock()
	return &Subscription{cancel: func() {
		s.mu.Lock()
		delete(s.fns, id)
		s.mu.Unlock()
	}}
}

func (s *subscriber[E]) fire(ev E) {
	s.mu.Lock()
	fns := make([]func(E), 0, len(s.fns))
	for _, fn := range s.fns {
		fns = append(fns, fn)
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}
