package provider

import (
	"encoding/json"
	"sync"
)

// AwarenessEvent lists the client ids whose ephemeral state appeared,
// changed, or vanished since the last event.
type AwarenessEvent struct {
	Added   []uint32
	Updated []uint32
	Removed []uint32
}

// Awareness is the ephemeral per-client state channel. Each client
// broadcasts one small JSON object (identity, cursor, last-saved marker);
// the state lives only as long as the client's connection and is never
// written into the replicated document.
type Awareness struct {
	clientID uint32

	mu     sync.Mutex
	local  map[string]json.RawMessage
	states map[uint32]map[string]json.RawMessage
	nextID int
	subs   map[int]func(AwarenessEvent)

	publish func(state map[string]json.RawMessage)
}

func newAwareness(clientID uint32) *Awareness {
	return &Awareness{
		clientID: clientID,
		local:    make(map[string]json.RawMessage),
		states:   make(map[uint32]map[string]json.RawMessage),
		subs:     make(map[int]func(AwarenessEvent)),
	}
}

// ClientID returns the local client's awareness id.
func (a *Awareness) ClientID() uint32 { return a.clientID }

// SetLocalField updates one field of the local state and broadcasts the full
// state to peers. The local state is also visible through States.
func (a *Awareness) SetLocalField(field string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	a.mu.Lock()
	a.local[field] = raw
	state := cloneState(a.local)
	a.states[a.clientID] = state
	publish := a.publish
	a.mu.Unlock()

	if publish != nil {
		publish(state)
	}
	a.fire(AwarenessEvent{Updated: []uint32{a.clientID}})
	return nil
}

// LocalState returns a copy of the local client's full state.
func (a *Awareness) LocalState() map[string]json.RawMessage {
	a.mu.Lock()
	defer a.mu.Unlock()
	return cloneState(a.local)
}

// States returns a snapshot of every known client's state, the local client
// included.
func (a *Awareness) States() map[uint32]map[string]json.RawMessage {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[uint32]map[string]json.RawMessage, len(a.states))
	for id, st := range a.states {
		out[id] = cloneState(st)
	}
	return out
}

// Field unmarshals one field of one client's state into v. Returns false
// when the client or field is unknown.
func (a *Awareness) Field(clientID uint32, field string, v any) bool {
	a.mu.Lock()
	st, ok := a.states[clientID]
	var raw json.RawMessage
	if ok {
		raw, ok = st[field]
	}
	a.mu.Unlock()
	if !ok {
		return false
	}
	return json.Unmarshal(raw, v) == nil
}

// OnChange registers a change callback; the returned cancel func removes it.
func (a *Awareness) OnChange(fn func(AwarenessEvent)) (cancel func()) {
	a.mu.Lock()
	id := a.nextID
	a.nextID++
	a.subs[id] = fn
	a.mu.Unlock()
	return func() {
		a.mu.Lock()
		delete(a.subs, id)
		a.mu.Unlock()
	}
}

// apply integrates a remote state broadcast.
func (a *Awareness) apply(clientID uint32, state map[string]json.RawMessage) {
	if clientID == a.clientID {
		return
	}
	a.mu.Lock()
	_, known := a.states[clientID]
	a.states[clientID] = state
	a.mu.Unlock()
	if known {
		a.fire(AwarenessEvent{Updated: []uint32{clientID}})
	} else {
		a.fire(AwarenessEvent{Added: []uint32{clientID}})
	}
}

// remove drops a departed client's state.
func (a *Awareness) remove(clientID uint32) {
	a.mu.Lock()
	_, known := a.states[clientID]
	delete(a.states, clientID)
	a.mu.Unlock()
	if known {
		a.fire(AwarenessEvent{Removed: []uint32{clientID}})
	}
}

// reset replaces all remote states with a fresh snapshot (reconnect path).
func (a *Awareness) reset(snapshot map[uint32]json.RawMessage) {
	var added, updated, removed []uint32
	a.mu.Lock()
	fresh := make(map[uint32]map[string]json.RawMessage, len(snapshot)+1)
	fresh[a.clientID] = cloneState(a.local)
	for id, raw := range snapshot {
		if id == a.clientID {
			continue
		}
		var st map[string]json.RawMessage
		if err := json.Unmarshal(raw, &st); err != nil {
			continue
		}
		fresh[id] = st
		if _, known := a.states[id]; known {
			updated = append(updated, id)
		} else {
			added = append(added, id)
		}
	}
	for id := range a.states {
		if id == a.clientID {
			continue
		}
		if _, still := fresh[id]; !still {
			removed = append(removed, id)
		}
	}
	a.states = fresh
	a.mu.Unlock()
	if len(added)+len(updated)+len(removed) > 0 {
		a.fire(AwarenessEvent{Added: added, Updated: updated, Removed: removed})
	}
}

func (a *Awareness) fire(ev AwarenessEvent) {
	a.mu.Lock()
	fns := make([]func(AwarenessEvent), 0, len(a.subs))
	for _, fn := range a.subs {
		fns = append(fns, fn)
	}
	a.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

func cloneState(st map[string]json.RawMessage) map[string]json.RawMessage {
	out := make(map[string]json.RawMessage, len(st))
	for k, v := range st {
		out[k] = v
	}
	return out
}
