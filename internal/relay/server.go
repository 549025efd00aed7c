package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/time/rate"

	"github.com/devcollab/devcollab/internal/crdt"
	"github.com/devcollab/devcollab/internal/logger"
	"github.com/devcollab/devcollab/internal/provider"
)

const (
	writeTimeout = 10 * time.Second
	readLimit    = 4 * 1024 * 1024

	// Per-connection ingest rate. Collaborative edits are small; the cap
	// exists so one runaway client cannot starve a room.
	connBytesPerSec = 1_000_000
	connBurst       = 2 * 1024 * 1024
)

// Server relays document ops and awareness between the clients of a room.
// It keeps no document state beyond the room's op log: every ops batch is
// stamped with a room sequence, appended, and fanned out to the other
// clients; a joining client replays everything after the sequence it names.
type Server struct {
	mux *http.ServeMux

	mu    sync.Mutex
	rooms map[string]*room
}

type room struct {
	code string

	mu        sync.Mutex
	seq       uint64
	log       []stampedOps
	clients   map[*client]bool
	awareness map[uint32]json.RawMessage
}

type stampedOps struct {
	seq uint64
	ops []crdt.Op
}

type client struct {
	conn     *websocket.Conn
	clientID uint32
	limiter  *rate.Limiter
	writeMu  sync.Mutex
}

func NewServer() *Server {
	s := &Server{
		mux:   http.NewServeMux(),
		rooms: make(map[string]*room),
	}
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /ws/room/{code}", s.handleRoom)
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleRoom(w http.ResponseWriter, r *http.Request) {
	code := r.PathValue("code")
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		logger.Warn("ws accept failed", "room", code, "error", err)
		return
	}
	conn.SetReadLimit(readLimit)
	defer conn.CloseNow()

	ctx := r.Context()

	// First message must be a join naming the room.
	_, data, err := conn.Read(ctx)
	if err != nil {
		return
	}
	var join provider.JoinMsg
	if err := json.Unmarshal(data, &join); err != nil || join.Type != provider.TypeJoin {
		writeJSON(ctx, conn, provider.ErrorMsg{Type: provider.TypeError, Message: "expected room.join"})
		return
	}
	if join.Room != code {
		writeJSON(ctx, conn, provider.ErrorMsg{Type: provider.TypeError, Message: "room mismatch"})
		return
	}

	c := &client{
		conn:     conn,
		clientID: join.ClientID,
		limiter:  rate.NewLimiter(rate.Limit(connBytesPerSec), connBurst),
	}
	rm := s.room(code)
	welcome := rm.join(c, join.Since)
	if err := c.write(ctx, welcome); err != nil {
		rm.leave(c)
		s.reap(code, rm)
		return
	}
	logger.Info("client joined", "room", code, "client", join.ClientID, "since", join.Since, "replayed", len(welcome.Ops))

	defer func() {
		rm.leave(c)
		rm.broadcast(ctx, c, provider.LeaveMsg{Type: provider.TypeLeave, ClientID: c.clientID})
		s.reap(code, rm)
		logger.Info("client left", "room", code, "client", c.clientID)
	}()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		if err := c.limiter.WaitN(ctx, len(data)); err != nil {
			return
		}

		var env provider.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}

		switch env.Type {
		case provider.TypeOps:
			var msg provider.OpsMsg
			if err := json.Unmarshal(data, &msg); err != nil || len(msg.Ops) == 0 {
				continue
			}
			stamped := rm.append(msg.Ops)
			rm.broadcast(ctx, c, stamped)

		case provider.TypeAwareness:
			var msg provider.AwarenessMsg
			if err := json.Unmarshal(data, &msg); err != nil {
				continue
			}
			msg.ClientID = c.clientID
			rm.setAwareness(c.clientID, msg.State)
			rm.broadcast(ctx, c, msg)

		default:
			logger.Debug("unknown message type", "room", code, "type", env.Type)
		}
	}
}

func (s *Server) room(code string) *room {
	s.mu.Lock()
	defer s.mu.Unlock()
	rm, ok := s.rooms[code]
	if !ok {
		rm = &room{
			code:      code,
			clients:   make(map[*client]bool),
			awareness: make(map[uint32]json.RawMessage),
		}
		s.rooms[code] = rm
	}
	return rm
}

// reap drops a room once its last client disconnects. The op log goes with
// it; a later join with the same code starts a fresh session.
func (s *Server) reap(code string, rm *room) {
	rm.mu.Lock()
	empty := len(rm.clients) == 0
	rm.mu.Unlock()
	if !empty {
		return
	}
	s.mu.Lock()
	if cur, ok := s.rooms[code]; ok && cur == rm {
		delete(s.rooms, code)
	}
	s.mu.Unlock()
}

// join registers the client and builds its catch-up welcome.
func (r *room) join(c *client, since uint64) provider.WelcomeMsg {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[c] = true

	var replay []crdt.Op
	for _, entry := range r.log {
		if entry.seq > since {
			replay = append(replay, entry.ops...)
		}
	}
	snapshot := make(map[uint32]json.RawMessage, len(r.awareness))
	for id, st := range r.awareness {
		snapshot[id] = st
	}
	return provider.WelcomeMsg{
		Type:      provider.TypeWelcome,
		Seq:       r.seq,
		Ops:       replay,
		Awareness: snapshot,
	}
}

func (r *room) leave(c *client) {
	r.mu.Lock()
	delete(r.clients, c)
	delete(r.awareness, c.clientID)
	r.mu.Unlock()
}

// append stamps a batch with the next room sequence and logs it.
func (r *room) append(ops []crdt.Op) provider.OpsMsg {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	r.log = append(r.log, stampedOps{seq: r.seq, ops: ops})
	return provider.OpsMsg{Type: provider.TypeOps, Seq: r.seq, Ops: ops}
}

func (r *room) setAwareness(clientID uint32, state json.RawMessage) {
	r.mu.Lock()
	r.awareness[clientID] = state
	r.mu.Unlock()
}

// broadcast sends v to every client in the room except from.
func (r *room) broadcast(ctx context.Context, from *client, v any) {
	r.mu.Lock()
	targets := make([]*client, 0, len(r.clients))
	for c := range r.clients {
		if c != from {
			targets = append(targets, c)
		}
	}
	r.mu.Unlock()

	for _, c := range targets {
		if err := c.write(ctx, v); err != nil {
			logger.Debug("broadcast write failed", "room", r.code, "client", c.clientID, "error", err)
		}
	}
}

func (c *client) write(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return c.conn.Write(writeCtx, websocket.MessageText, data)
}

func writeJSON(ctx context.Context, conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}
