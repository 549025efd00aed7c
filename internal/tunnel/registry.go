// Package tunnel multiplexes auxiliary channels over the replicated
// document: shared terminals (streamed pty output) and shared HTTP servers
// (request/response pairs). Channels are announced in a shared registry
// map; the per-channel data rides containers named after the channel id.
package tunnel

import (
	"encoding/json"

	"github.com/devcollab/devcollab/internal/crdt"
	"github.com/devcollab/devcollab/internal/logger"
)

// Kind selects which registry a channel lives in.
type Kind string

const (
	KindTerminal Kind = "terminal"
	KindServer   Kind = "server"
)

func (k Kind) registryName() string { return string(k) + ":registry" }

// Entry is one announced channel.
type Entry struct {
	ID     string `json:"id"`
	Owner  uint32 `json:"owner"`
	Label  string `json:"label,omitempty"`
	Shell  string `json:"shell,omitempty"`
	Port   int    `json:"port,omitempty"`
	Cols   int    `json:"cols,omitempty"`
	Rows   int    `json:"rows,omitempty"`
	Active bool   `json:"active"`
}

// Registry is a typed view over one of the shared channel maps. Values are
// JSON-encoded entries keyed by channel id.
type Registry struct {
	doc  *crdt.Doc
	kind Kind
	m    *crdt.Map
}

func NewRegistry(doc *crdt.Doc, kind Kind) *Registry {
	return &Registry{doc: doc, kind: kind, m: doc.Map(kind.registryName())}
}

// Put announces or updates a channel.
func (r *Registry) Put(origin any, e Entry) {
	raw, err := json.Marshal(e)
	if err != nil {
		return
	}
	r.doc.Transact(origin, func(tx *crdt.Tx) {
		r.m.Set(tx, e.ID, string(raw))
	})
}

// Get returns the entry for id.
func (r *Registry) Get(id string) (Entry, bool) {
	raw, ok := r.m.Get(id)
	if !ok {
		return Entry{}, false
	}
	var e Entry
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		return Entry{}, false
	}
	return e, true
}

// List returns every announced channel.
func (r *Registry) List() []Entry {
	var out []Entry
	r.m.ForEach(func(_, raw string) {
		var e Entry
		if err := json.Unmarshal([]byte(raw), &e); err == nil {
			out = append(out, e)
		}
	})
	return out
}

// Deactivate marks a channel inactive, keeping its entry visible.
func (r *Registry) Deactivate(origin any, id string) {
	e, ok := r.Get(id)
	if !ok || !e.Active {
		return
	}
	e.Active = false
	r.Put(origin, e)
}

// Remove deletes a channel entry.
func (r *Registry) Remove(origin any, id string) {
	r.doc.Transact(origin, func(tx *crdt.Tx) {
		r.m.Delete(tx, id)
	})
}

// Observe fires fn with the entry's current state for every changed id.
// Deleted ids fire with ok=false.
func (r *Registry) Observe(fn func(id string, e Entry, ok bool)) *crdt.Subscription {
	return r.m.Observe(func(ev crdt.MapEvent) {
		for id := range ev.Keys {
			e, ok := r.Get(id)
			fn(id, e, ok)
		}
	})
}

// SweepOwner deactivates every active channel owned by a departed
// participant. Called when presence drops a client.
func (r *Registry) SweepOwner(origin any, owner uint32) {
	for _, e := range r.List() {
		if e.Owner == owner && e.Active {
			logger.Info("deactivating channel of departed owner", "kind", string(r.kind), "id", e.ID, "owner", owner)
			r.Deactivate(origin, e.ID)
		}
	}
}
