package crdt

// Map is a shared key-value container with last-writer-wins registers per
// key. Concurrent writes to the same key resolve by (lamport, site); the
// losing write is dropped on every peer, so all replicas agree.
type Map struct {
	doc     *Doc
	name    string
	entries map[string]mapEntry
	subs    subscriber[MapEvent]
}

type mapEntry struct {
	value     string
	tombstone bool
	lamport   uint64
	site      uint32
}

// Map change actions.
const (
	MapActionAdd    = "add"
	MapActionUpdate = "update"
	MapActionDelete = "delete"
)

// MapChange describes what happened to one key in a transaction.
type MapChange struct {
	Action string
}

// MapEvent carries the set of keys changed by one transaction.
type MapEvent struct {
	Origin any
	Keys   map[string]MapChange
}

// Name returns the container's document key.
func (m *Map) Name() string { return m.name }

// Observe registers a change callback and returns its disposal handle.
func (m *Map) Observe(fn func(MapEvent)) *Subscription {
	return m.subs.add(fn)
}

// Get returns the value for key and whether it is present. Must not be
// called from inside a transaction function.
func (m *Map) Get(key string) (string, bool) {
	m.doc.mu.Lock()
	defer m.doc.mu.Unlock()
	e, ok := m.entries[key]
	if !ok || e.tombstone {
		return "", false
	}
	return e.value, true
}

// Has reports whether key is present. Must not be called from inside a
// transaction function.
func (m *Map) Has(key string) bool {
	_, ok := m.Get(key)
	return ok
}

// Keys returns all live keys. Must not be called from inside a transaction
// function.
func (m *Map) Keys() []string {
	m.doc.mu.Lock()
	defer m.doc.mu.Unlock()
	var keys []string
	for k, e := range m.entries {
		if !e.tombstone {
			keys = append(keys, k)
		}
	}
	return keys
}

// ForEach calls fn for every live key/value pair. Must not be called from
// inside a transaction function.
func (m *Map) ForEach(fn func(key, value string)) {
	m.doc.mu.Lock()
	snapshot := make(map[string]string, len(m.entries))
	for k, e := range m.entries {
		if !e.tombstone {
			snapshot[k] = e.value
		}
	}
	m.doc.mu.Unlock()
	for k, v := range snapshot {
		fn(k, v)
	}
}

// Set writes key to value.
func (m *Map) Set(tx *Tx, key, value string) {
	lamport := m.doc.tick()
	action := MapActionUpdate
	if e, ok := m.entries[key]; !ok || e.tombstone {
		action = MapActionAdd
	}
	m.entries[key] = mapEntry{value: value, lamport: lamport, site: m.doc.site}
	tx.ops = append(tx.ops, Op{
		Type:      OpMapSet,
		Container: m.name,
		Key:       key,
		Value:     value,
		Lamport:   lamport,
		Site:      m.doc.site,
	})
	m.noteEvent(tx, key, action)
}

// Delete removes key. A tombstone keeps the deletion's clock so a slower
// concurrent Set cannot resurrect the key.
func (m *Map) Delete(tx *Tx, key string) {
	e, ok := m.entries[key]
	if !ok || e.tombstone {
		return
	}
	lamport := m.doc.tick()
	m.entries[key] = mapEntry{tombstone: true, lamport: lamport, site: m.doc.site}
	tx.ops = append(tx.ops, Op{
		Type:      OpMapDelete,
		Container: m.name,
		Key:       key,
		Lamport:   lamport,
		Site:      m.doc.site,
	})
	m.noteEvent(tx, key, MapActionDelete)
}

func (m *Map) applySet(tx *Tx, key, value string, lamport uint64, site uint32) {
	e, ok := m.entries[key]
	if ok && !e.wins(lamport, site) {
		return
	}
	action := MapActionUpdate
	if !ok || e.tombstone {
		action = MapActionAdd
	}
	m.entries[key] = mapEntry{value: value, lamport: lamport, site: site}
	m.noteEvent(tx, key, action)
}

func (m *Map) applyDelete(tx *Tx, key string, lamport uint64, site uint32) {
	e, ok := m.entries[key]
	if ok && !e.wins(lamport, site) {
		return
	}
	wasLive := ok && !e.tombstone
	m.entries[key] = mapEntry{tombstone: true, lamport: lamport, site: site}
	if wasLive {
		m.noteEvent(tx, key, MapActionDelete)
	}
}

// wins reports whether an incoming write at (lamport, site) beats the
// current entry.
func (e mapEntry) wins(lamport uint64, site uint32) bool {
	if lamport != e.lamport {
		return lamport > e.lamport
	}
	return site > e.site
}

func (m *Map) noteEvent(tx *Tx, key, action string) {
	if tx.mapEv == nil {
		tx.mapEv = make(map[string]*MapEvent)
	}
	ev, ok := tx.mapEv[m.name]
	if !ok {
		ev = &MapEvent{Origin: tx.origin, Keys: make(map[string]MapChange)}
		tx.mapEv[m.name] = ev
		tx.events = append(tx.events, func() {
			m.subs.fire(*ev)
		})
	}
	ev.Keys[key] = MapChange{Action: action}
}
