package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/devcollab/devcollab/internal/crdt"
	"github.com/devcollab/devcollab/internal/logger"
)

// Status is the provider's connection state.
type Status string

const (
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
)

const (
	writeTimeout = 10 * time.Second
	readLimit    = 4 * 1024 * 1024
)

// Provider replicates a document through a room on the relay. It ships every
// local op batch to the relay, applies every remote batch to the document,
// and carries the room's awareness channel. Remote changes are applied with
// the Provider itself as the transaction origin, so subscribers can tell
// their own edits from replicated ones by comparing against the provider.
//
// The provider reconnects with exponential backoff and queues local ops
// while offline; on reconnect it requests every op after the last sequence
// it saw, so a relay outage loses nothing.
type Provider struct {
	URL  string // relay base URL, e.g. "ws://localhost:7430"
	Room string

	// OnStatus is called on connection state transitions.
	OnStatus func(status Status, err error)

	doc       *crdt.Doc
	awareness *Awareness

	mu        sync.Mutex
	conn      *websocket.Conn
	pending   []crdt.Op
	lastSeq   uint64
	status    Status
	connWait  chan struct{}
	runCtx    context.Context
}

// New creates a provider for the given room. The provider registers itself
// as the document's local-op hook; create at most one provider per document.
func New(url, room string, doc *crdt.Doc) *Provider {
	p := &Provider{
		URL:      url,
		Room:     room,
		doc:      doc,
		status:   StatusDisconnected,
		connWait: make(chan struct{}),
	}
	p.awareness = newAwareness(doc.Site())
	p.awareness.publish = p.publishAwareness
	doc.OnLocalOps(p.sendOps)
	return p
}

// Awareness returns the room's ephemeral state channel.
func (p *Provider) Awareness() *Awareness { return p.awareness }

// Status returns the current connection state.
func (p *Provider) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// WaitConnected blocks until the provider has completed a join handshake or
// ctx expires.
func (p *Provider) WaitConnected(ctx context.Context) error {
	p.mu.Lock()
	ch := p.connWait
	p.mu.Unlock()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run connects to the relay and replicates until ctx is cancelled.
// Automatically reconnects on disconnect with exponential backoff.
func (p *Provider) Run(ctx context.Context) error {
	p.mu.Lock()
	p.runCtx = ctx
	p.mu.Unlock()

	p.setStatus(StatusConnecting, nil)
	backoff := NewBackoff(time.Second, 10*time.Second)
	for {
		connected, err := p.connectAndServe(ctx)
		if ctx.Err() != nil {
			p.setStatus(StatusDisconnected, ctx.Err())
			return ctx.Err()
		}
		if connected {
			backoff.Reset()
		}
		delay := backoff.Next()
		p.setStatus(StatusDisconnected, err)
		logger.Warn("relay disconnected, reconnecting", "room", p.Room, "error", err, "delay", delay)
		select {
		case <-ctx.Done():
			p.setStatus(StatusDisconnected, ctx.Err())
			return ctx.Err()
		case <-time.After(delay):
		}
		p.setStatus(StatusConnecting, nil)
	}
}

func (p *Provider) connectAndServe(ctx context.Context) (connected bool, err error) {
	url := strings.TrimRight(p.URL, "/") + "/ws/room/" + p.Room
	conn, _, dialErr := websocket.Dial(ctx, url, nil)
	if dialErr != nil {
		return false, fmt.Errorf("dial: %w", dialErr)
	}
	conn.SetReadLimit(readLimit)
	defer conn.CloseNow()

	p.mu.Lock()
	p.conn = conn
	since := p.lastSeq
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		if p.conn == conn {
			p.conn = nil
		}
		p.mu.Unlock()
	}()

	join := JoinMsg{Type: TypeJoin, Room: p.Room, ClientID: p.doc.Site(), Since: since}
	if err := p.writeJSON(ctx, join); err != nil {
		return false, fmt.Errorf("join: %w", err)
	}

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return connected, fmt.Errorf("read: %w", err)
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			logger.Warn("bad relay message", "error", err)
			continue
		}

		switch env.Type {
		case TypeWelcome:
			var msg WelcomeMsg
			if err := json.Unmarshal(data, &msg); err != nil {
				return connected, fmt.Errorf("bad welcome: %w", err)
			}
			connected = true
			p.handleWelcome(ctx, msg)

		case TypeOps:
			var msg OpsMsg
			if err := json.Unmarshal(data, &msg); err != nil {
				logger.Warn("bad ops message", "error", err)
				continue
			}
			p.mu.Lock()
			if msg.Seq > p.lastSeq {
				p.lastSeq = msg.Seq
			}
			p.mu.Unlock()
			p.doc.ApplyRemote(p, msg.Ops)

		case TypeAwareness:
			var msg AwarenessMsg
			if err := json.Unmarshal(data, &msg); err != nil {
				continue
			}
			var state map[string]json.RawMessage
			if err := json.Unmarshal(msg.State, &state); err != nil {
				continue
			}
			p.awareness.apply(msg.ClientID, state)

		case TypeLeave:
			var msg LeaveMsg
			if err := json.Unmarshal(data, &msg); err != nil {
				continue
			}
			p.awareness.remove(msg.ClientID)

		case TypeError:
			var msg ErrorMsg
			json.Unmarshal(data, &msg)
			return connected, fmt.Errorf("relay error: %s", msg.Message)

		default:
			logger.Debug("unknown relay message type", "type", env.Type)
		}
	}
}

// handleWelcome finishes the join handshake: catch up on missed ops, take
// the awareness snapshot, re-announce our own state, and flush ops queued
// while offline.
func (p *Provider) handleWelcome(ctx context.Context, msg WelcomeMsg) {
	if len(msg.Ops) > 0 {
		p.doc.ApplyRemote(p, msg.Ops)
	}
	p.awareness.reset(msg.Awareness)

	p.mu.Lock()
	if msg.Seq > p.lastSeq {
		p.lastSeq = msg.Seq
	}
	queued := p.pending
	p.pending = nil
	if p.status != StatusConnected {
		p.status = StatusConnected
		close(p.connWait)
	}
	p.mu.Unlock()

	logger.Info("joined room", "room", p.Room, "seq", msg.Seq, "replayed", len(msg.Ops), "queued", len(queued))
	if p.OnStatus != nil {
		p.OnStatus(StatusConnected, nil)
	}

	if len(queued) > 0 {
		if err := p.writeJSON(ctx, OpsMsg{Type: TypeOps, Ops: queued}); err != nil {
			p.requeue(queued)
		}
	}
	if local := p.awareness.LocalState(); len(local) > 0 {
		p.publishAwareness(local)
	}
}

// sendOps is the document's local-op hook. Batches are queued when the
// relay is unreachable and flushed after the next successful join.
func (p *Provider) sendOps(ops []crdt.Op) {
	p.mu.Lock()
	ctx := p.runCtx
	offline := p.status != StatusConnected
	if offline || ctx == nil {
		p.pending = append(p.pending, ops...)
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	if err := p.writeJSON(ctx, OpsMsg{Type: TypeOps, Ops: ops}); err != nil {
		p.requeue(ops)
	}
}

func (p *Provider) requeue(ops []crdt.Op) {
	p.mu.Lock()
	p.pending = append(p.pending, ops...)
	p.mu.Unlock()
}

func (p *Provider) publishAwareness(state map[string]json.RawMessage) {
	p.mu.Lock()
	ctx := p.runCtx
	offline := p.status != StatusConnected
	p.mu.Unlock()
	if offline || ctx == nil {
		// Awareness is ephemeral; the next welcome re-announces it.
		return
	}
	raw, err := json.Marshal(state)
	if err != nil {
		return
	}
	msg := AwarenessMsg{Type: TypeAwareness, ClientID: p.awareness.clientID, State: raw}
	if err := p.writeJSON(ctx, msg); err != nil {
		logger.Debug("awareness publish failed", "error", err)
	}
}

func (p *Provider) setStatus(status Status, err error) {
	p.mu.Lock()
	changed := p.status != status
	if changed && p.status == StatusConnected {
		// Leaving the connected state; arm a fresh gate for WaitConnected.
		p.connWait = make(chan struct{})
	}
	p.status = status
	p.mu.Unlock()
	if changed && p.OnStatus != nil {
		p.OnStatus(status, err)
	}
}

func (p *Provider) writeJSON(ctx context.Context, v any) error {
	p.mu.Lock()
	conn := p.conn
	p.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("not connected")
	}

	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}
