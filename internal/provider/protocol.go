package provider

import (
	"encoding/json"

	"github.com/devcollab/devcollab/internal/crdt"
)

// Message types for the room relay WebSocket protocol.
const (
	// Client → Relay
	TypeJoin = "room.join"

	// Relay → Client (join acknowledgment + catch-up)
	TypeWelcome = "room.welcome"

	// Document ops (bidirectional; relay stamps a sequence and fans out)
	TypeOps = "doc.ops"

	// Awareness (ephemeral presence; never enters the op log)
	TypeAwareness = "awareness.set"
	TypeLeave     = "awareness.leave"

	// Relay → Client
	TypeError = "error"
)

// Envelope wraps every WebSocket message with a type field for routing.
type Envelope struct {
	Type string `json:"type"`
}

// JoinMsg is the first message a client sends after dialing.
type JoinMsg struct {
	Type     string `json:"type"`
	Room     string `json:"room"`
	ClientID uint32 `json:"client_id"`
	// Since is the last op sequence this client has seen; the relay replays
	// everything after it. Zero means replay from the beginning.
	Since uint64 `json:"since,omitempty"`
}

// WelcomeMsg acknowledges a join and carries catch-up state.
type WelcomeMsg struct {
	Type      string                     `json:"type"`
	Seq       uint64                     `json:"seq"`
	Ops       []crdt.Op                  `json:"ops,omitempty"`
	Awareness map[uint32]json.RawMessage `json:"awareness,omitempty"`
}

// OpsMsg carries a batch of document ops. Seq is set by the relay when
// broadcasting.
type OpsMsg struct {
	Type string    `json:"type"`
	Seq  uint64    `json:"seq,omitempty"`
	Ops  []crdt.Op `json:"ops"`
}

// AwarenessMsg carries one client's full ephemeral state.
type AwarenessMsg struct {
	Type     string          `json:"type"`
	ClientID uint32          `json:"client_id"`
	State    json.RawMessage `json:"state"`
}

// LeaveMsg tells peers a client's awareness state is gone.
type LeaveMsg struct {
	Type     string `json:"type"`
	ClientID uint32 `json:"client_id"`
}

// ErrorMsg is sent by the relay for protocol errors.
type ErrorMsg struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}
