// Package telemetry is a fire-and-forget event sink. Events are buffered on
// a channel and appended as JSON lines by a single writer goroutine; when
// the buffer is full events are dropped. Recording never blocks a caller
// and never returns an error.
package telemetry

import (
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/devcollab/devcollab/internal/logger"
)

// Event names.
const (
	EventSessionStarted   = "session_started"
	EventSessionEnded     = "session_ended"
	EventGuestJoin        = "guest_join"
	EventGuestDisconnect  = "guest_disconnect"
	EventChatSent         = "chat_sent"
	EventFollow           = "follow"
	EventUnfollow         = "unfollow"
	EventShareTerminal    = "share_terminal"
	EventJoinTerminal     = "join_terminal"
	EventCloseTerminal    = "close_terminal"
	EventShareServer      = "share_server"
	EventJoinServer       = "join_server"
	EventCloseServer      = "close_server"
	EventUndo             = "undo"
	EventRedo             = "redo"
)

type record struct {
	Event     string         `json:"event"`
	Timestamp time.Time      `json:"timestamp"`
	RoomCode  string         `json:"room_code,omitempty"`
	Role      string         `json:"role,omitempty"`
	Username  string         `json:"username,omitempty"`
	Extra     map[string]any `json:"extra,omitempty"`
}

// Sink writes events to a JSONL stream.
type Sink struct {
	ch   chan record
	done chan struct{}

	mu       sync.Mutex
	closed   bool
	roomCode string
	role     string
	username string

	closeOnce sync.Once
	closer    io.Closer
}

// Nop returns a sink that discards everything. Safe for all Sink methods.
var nop = &Sink{}

// Nop returns a shared sink that drops every event.
func Nop() *Sink { return nop }

// NewFile opens (or creates) a JSONL file sink at path.
func NewFile(path string) (*Sink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	s := New(f)
	s.closer = f
	return s, nil
}

// New creates a sink writing JSON lines to w.
func New(w io.Writer) *Sink {
	s := &Sink{
		ch:   make(chan record, 256),
		done: make(chan struct{}),
	}
	go s.writeLoop(w)
	return s
}

// SetSession attaches room/role/username to every subsequent event.
func (s *Sink) SetSession(roomCode, role, username string) {
	if s.ch == nil {
		return
	}
	s.mu.Lock()
	s.roomCode, s.role, s.username = roomCode, role, username
	s.mu.Unlock()
}

// Record queues an event. Drops silently when the buffer is full or the
// sink is closed.
func (s *Sink) Record(event string, extra map[string]any) {
	if s.ch == nil {
		return
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	rec := record{
		Event:     event,
		Timestamp: time.Now().UTC(),
		RoomCode:  s.roomCode,
		Role:      s.role,
		Username:  s.username,
		Extra:     extra,
	}
	select {
	case s.ch <- rec:
	default:
	}
	s.mu.Unlock()
}

// Close flushes queued events and releases the writer.
func (s *Sink) Close() {
	if s.ch == nil {
		return
	}
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		close(s.ch)
		<-s.done
		if s.closer != nil {
			s.closer.Close()
		}
	})
}

func (s *Sink) writeLoop(w io.Writer) {
	defer close(s.done)
	enc := json.NewEncoder(w)
	for rec := range s.ch {
		if err := enc.Encode(rec); err != nil {
			logger.Debug("telemetry write failed", "error", err)
		}
	}
}
