// Package session wires a workspace, a replicated document, and a room
// connection into one collaborative editing session: bindings between
// buffers and shared text containers, workspace tree sync, presence, and
// follow mode.
package session

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/devcollab/devcollab/internal/crdt"
	"github.com/devcollab/devcollab/internal/editor"
	"github.com/devcollab/devcollab/internal/follow"
	"github.com/devcollab/devcollab/internal/logger"
	"github.com/devcollab/devcollab/internal/presence"
	"github.com/devcollab/devcollab/internal/provider"
	"github.com/devcollab/devcollab/internal/store"
	"github.com/devcollab/devcollab/internal/telemetry"
	"github.com/devcollab/devcollab/internal/tunnel"
)

var (
	ErrConnectTimeout = errors.New("relay connection timed out")
	ErrNoHost         = errors.New("no host present in room")
)

const (
	connectWait = 5 * time.Second
	hostWait    = 2 * time.Second
)

// Options configures a session.
type Options struct {
	RelayURL  string
	Username  string
	Workspace editor.Workspace
	Notifier  editor.Notifier
	Telemetry *telemetry.Sink

	// SingleFile shares only this workspace-relative file instead of the
	// whole tree. Hosting only.
	SingleFile string

	// OpenBuffer supplies buffers for shared files. Defaults to in-memory
	// buffers seeded from the workspace.
	OpenBuffer func(path, content string) editor.Buffer
}

func (o *Options) defaults() error {
	if o.Workspace == nil {
		return errors.New("workspace required")
	}
	if o.Username == "" {
		return errors.New("username required")
	}
	if o.Notifier == nil {
		o.Notifier = editor.LogNotifier{}
	}
	if o.Telemetry == nil {
		o.Telemetry = telemetry.Nop()
	}
	if o.OpenBuffer == nil {
		o.OpenBuffer = func(path, content string) editor.Buffer {
			return editor.NewMemBuffer(path, content)
		}
	}
	return nil
}

// Session is one live collaboration. It owns the index of every resource it
// creates (bindings, subscriptions, watcher, provider) and Close disposes
// them all deterministically.
type Session struct {
	Room string
	Role string

	doc      *crdt.Doc
	prov     *provider.Provider
	pres     *presence.Engine
	tree     *treeSync
	follower *follow.Follower
	termReg  *tunnel.Registry
	srvReg   *tunnel.Registry

	ws       editor.Workspace
	notify   editor.Notifier
	tele     *telemetry.Sink
	open     func(path, content string) editor.Buffer
	username string
	relayURL string

	mu        sync.Mutex
	bindings  map[string]*Binding
	saveSubs  map[string]func()
	savedAt   map[string]int64
	knownIDs  map[uint32]bool
	cancels   []func()

	cancelRun context.CancelFunc
	closeOnce sync.Once
	onClosed  func()
}

// Host starts a new session: generates a room code, connects, seeds the
// shared index from the workspace, and begins watching for tree changes.
func Host(ctx context.Context, opts Options) (*Session, error) {
	return hostRoom(ctx, newRoomCode(), opts)
}

func hostRoom(ctx context.Context, roomCode string, opts Options) (*Session, error) {
	if err := opts.defaults(); err != nil {
		return nil, err
	}
	s := newSession(roomCode, presence.RoleHost, opts)
	if err := s.start(ctx); err != nil {
		s.Close()
		return nil, err
	}

	if opts.SingleFile != "" {
		if err := s.tree.share(opts.SingleFile); err != nil {
			s.Close()
			return nil, fmt.Errorf("share %s: %w", opts.SingleFile, err)
		}
	} else {
		if err := s.tree.seed(); err != nil {
			s.Close()
			return nil, fmt.Errorf("seed workspace: %w", err)
		}
		if err := s.tree.watch(); err != nil {
			s.Close()
			return nil, fmt.Errorf("watch workspace: %w", err)
		}
	}

	s.watchRosterForGuests()
	s.tele.SetSession(s.Room, s.Role, s.username)
	s.tele.Record(telemetry.EventSessionStarted, nil)
	logger.Info("hosting session", "room", s.Room)
	return s, nil
}

// Join connects to an existing room. Fails with ErrConnectTimeout when the
// relay is unreachable within 5s, and with ErrNoHost when no host shows up
// in presence within 2s of connecting; both paths tear down cleanly.
func Join(ctx context.Context, roomCode string, opts Options) (*Session, error) {
	if err := opts.defaults(); err != nil {
		return nil, err
	}
	s := newSession(roomCode, presence.RoleGuest, opts)
	if err := s.start(ctx); err != nil {
		s.Close()
		return nil, err
	}

	if err := s.waitForHost(ctx); err != nil {
		s.Close()
		return nil, err
	}

	s.pres.OnSessionEnded(func() {
		s.notify.Info("The host has ended the session.")
		s.tele.Record(telemetry.EventSessionEnded, map[string]any{"reason": "host_departed"})
		go s.Close()
	})

	s.tree.adopt()
	if err := s.tree.watch(); err != nil {
		s.Close()
		return nil, fmt.Errorf("watch workspace: %w", err)
	}

	s.tele.SetSession(s.Room, s.Role, s.username)
	s.tele.Record(telemetry.EventGuestJoin, nil)
	logger.Info("joined session", "room", s.Room)
	return s, nil
}

// RestorePending resumes the session recorded before the process last shut
// down: a join rejoins its room, a host re-shares under the original code.
// Returns (nil, nil) when nothing is pending. The stored username and temp
// directory fill in whatever opts leaves unset.
func RestorePending(ctx context.Context, st *store.Store, opts Options) (*Session, error) {
	p, err := st.PendingSession()
	if err != nil || p == nil {
		return nil, err
	}
	if opts.Username == "" {
		opts.Username = p.Username
	}
	if p.TempDir != "" {
		ws, err := editor.NewFSWorkspace(p.TempDir)
		if err != nil {
			return nil, fmt.Errorf("reopen workspace: %w", err)
		}
		opts.Workspace = ws
	}
	logger.Info("restoring pending session", "room", p.RoomCode, "fromJoin", p.FromJoin)
	if p.FromJoin {
		return Join(ctx, p.RoomCode, opts)
	}
	return hostRoom(ctx, p.RoomCode, opts)
}

func newSession(roomCode, role string, opts Options) *Session {
	doc := crdt.NewDoc()
	return &Session{
		Room:     roomCode,
		Role:     role,
		doc:      doc,
		ws:       opts.Workspace,
		notify:   opts.Notifier,
		tele:     opts.Telemetry,
		open:     opts.OpenBuffer,
		username: opts.Username,
		bindings: make(map[string]*Binding),
		saveSubs: make(map[string]func()),
		savedAt:  make(map[string]int64),
		knownIDs: make(map[uint32]bool),
		relayURL: opts.RelayURL,
	}
}

// start connects the provider and brings up presence and tree sync.
func (s *Session) start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.Background())
	s.cancelRun = cancel

	s.prov = provider.New(s.relayURL, s.Room, s.doc)
	go s.prov.Run(runCtx)

	waitCtx, cancelWait := context.WithTimeout(ctx, connectWait)
	defer cancelWait()
	if err := s.prov.WaitConnected(waitCtx); err != nil {
		return fmt.Errorf("%w: %v", ErrConnectTimeout, err)
	}

	pres, err := presence.New(s.prov.Awareness(), s.username, s.Role)
	if err != nil {
		return fmt.Errorf("presence: %w", err)
	}
	s.pres = pres
	s.follower = follow.New(pres, s.anyApplyingRemote)
	s.follower.OnChange(func(target uint32, active bool) {
		if active {
			s.tele.Record(telemetry.EventFollow, map[string]any{"target": target})
		} else {
			s.tele.Record(telemetry.EventUnfollow, map[string]any{"target": target})
		}
	})
	s.tree = newTreeSync(s)
	s.termReg = tunnel.NewRegistry(s.doc, tunnel.KindTerminal)
	s.srvReg = tunnel.NewRegistry(s.doc, tunnel.KindServer)

	cancelSaved := pres.OnLastSaved(s.onPeerSaved)
	s.mu.Lock()
	s.cancels = append(s.cancels, cancelSaved)
	s.mu.Unlock()
	return nil
}

// waitForHost polls presence for a host role.
func (s *Session) waitForHost(ctx context.Context) error {
	deadline := time.Now().Add(hostWait)
	for {
		if _, ok := s.pres.Host(); ok {
			return nil
		}
		if time.Now().After(deadline) {
			return ErrNoHost
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(25 * time.Millisecond):
		}
	}
}

// OnClosed registers a callback fired once when the session shuts down.
func (s *Session) OnClosed(fn func()) {
	s.mu.Lock()
	s.onClosed = fn
	s.mu.Unlock()
}

// Close disposes every resource the session owns: bindings, watcher,
// subscriptions, presence, provider. Idempotent.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		bindings := make([]*Binding, 0, len(s.bindings))
		for _, b := range s.bindings {
			bindings = append(bindings, b)
		}
		s.bindings = make(map[string]*Binding)
		saveSubs := s.saveSubs
		s.saveSubs = make(map[string]func())
		cancels := s.cancels
		s.cancels = nil
		onClosed := s.onClosed
		s.mu.Unlock()

		for _, cancel := range saveSubs {
			cancel()
		}
		for _, b := range bindings {
			b.Dispose()
		}
		for _, cancel := range cancels {
			cancel()
		}
		if s.follower != nil {
			s.follower.Stop()
		}
		if s.tree != nil {
			s.tree.close()
		}
		if s.pres != nil {
			s.pres.Close()
		}
		if s.cancelRun != nil {
			s.cancelRun()
		}
		logger.Info("session closed", "room", s.Room)
		if onClosed != nil {
			onClosed()
		}
	})
}

// Doc returns the replicated document.
func (s *Session) Doc() *crdt.Doc { return s.doc }

// Workspace returns the session's workspace.
func (s *Session) Workspace() editor.Workspace { return s.ws }

// Provider returns the room connection.
func (s *Session) Provider() *provider.Provider { return s.prov }

// Presence returns the presence engine.
func (s *Session) Presence() *presence.Engine { return s.pres }

// Follower returns the follow-mode controller.
func (s *Session) Follower() *follow.Follower { return s.follower }

// Terminals returns the shared-terminal registry.
func (s *Session) Terminals() *tunnel.Registry { return s.termReg }

// Servers returns the shared-server registry.
func (s *Session) Servers() *tunnel.Registry { return s.srvReg }

// Binding returns the live binding for a path, if any.
func (s *Session) Binding(path string) (*Binding, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bindings[path]
	return b, ok
}

// Paths returns every currently bound path.
func (s *Session) Paths() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.bindings))
	for p := range s.bindings {
		out = append(out, p)
	}
	return out
}

// Save persists a bound buffer to the workspace and announces the save to
// peers so their copies follow.
func (s *Session) Save(path string) error {
	b, ok := s.Binding(path)
	if !ok {
		return fmt.Errorf("no binding for %s", path)
	}
	now := time.Now().UnixMilli()
	if err := s.ws.Write(path, b.Buffer().Content()); err != nil {
		return err
	}
	s.mu.Lock()
	s.savedAt[path] = now
	s.mu.Unlock()
	s.pres.PublishLastSaved(path, now)
	return nil
}

// Undo reverts this session's latest edit on path.
func (s *Session) Undo(path string) bool {
	b, ok := s.Binding(path)
	if !ok {
		return false
	}
	if b.Undo() {
		s.tele.Record(telemetry.EventUndo, map[string]any{"path": path})
		return true
	}
	return false
}

// Redo re-applies this session's latest undone edit on path.
func (s *Session) Redo(path string) bool {
	b, ok := s.Binding(path)
	if !ok {
		return false
	}
	if b.Redo() {
		s.tele.Record(telemetry.EventRedo, map[string]any{"path": path})
		return true
	}
	return false
}

// bind attaches a buffer for path to the named text container. An existing
// binding on the same container is kept; a binding on a different container
// (concurrent create resolved by the index) is disposed first.
func (s *Session) bind(path, containerID string) error {
	s.mu.Lock()
	if old, ok := s.bindings[path]; ok {
		if old.text.Name() == containerID {
			s.mu.Unlock()
			return nil
		}
		delete(s.bindings, path)
		if cancel, ok := s.saveSubs[path]; ok {
			cancel()
			delete(s.saveSubs, path)
		}
		s.mu.Unlock()
		old.Dispose()
		s.mu.Lock()
	}
	s.mu.Unlock()

	content, err := s.ws.Read(path)
	if err != nil {
		content = ""
	}
	buf := s.open(path, content)
	b, err := newBinding(s.doc, s.doc.Text(containerID), buf, path, s.onBindingFailure)
	if err != nil {
		return fmt.Errorf("bind %s: %w", path, err)
	}

	cancelSave := buf.OnSave(func() { s.Save(path) })

	s.mu.Lock()
	s.bindings[path] = b
	s.saveSubs[path] = cancelSave
	s.mu.Unlock()
	logger.Debug("bound file", "path", path, "container", containerID)
	return nil
}

// unbind disposes the binding for path, if any.
func (s *Session) unbind(path string) {
	s.mu.Lock()
	b, ok := s.bindings[path]
	delete(s.bindings, path)
	cancelSave := s.saveSubs[path]
	delete(s.saveSubs, path)
	s.mu.Unlock()
	if cancelSave != nil {
		cancelSave()
	}
	if ok {
		b.Dispose()
		logger.Debug("unbound file", "path", path)
	}
}

// onBindingFailure removes a binding whose buffer rejected a replicated
// edit. The file stays shared; rejoining the path rebinds it.
func (s *Session) onBindingFailure(b *Binding, err error) {
	s.notify.Error(fmt.Sprintf("Stopped syncing %s: %v", b.Path(), err))
	s.unbind(b.Path())
}

// onPeerSaved saves the local copy of a file a peer just saved, once per
// distinct timestamp.
func (s *Session) onPeerSaved(clientID uint32, ls presence.LastSaved) {
	b, ok := s.Binding(ls.Path)
	if !ok {
		return
	}
	s.mu.Lock()
	if s.savedAt[ls.Path] == ls.Timestamp {
		s.mu.Unlock()
		return
	}
	s.savedAt[ls.Path] = ls.Timestamp
	s.mu.Unlock()

	if err := s.ws.Write(ls.Path, b.Buffer().Content()); err != nil {
		logger.Warn("mirroring peer save failed", "path", ls.Path, "error", err)
	}
}

// anyApplyingRemote reports whether any binding is mid-way through writing
// a replicated change. Follow mode uses it to ignore synthetic navigation.
func (s *Session) anyApplyingRemote() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range s.bindings {
		if b.ApplyingRemote() {
			return true
		}
	}
	return false
}

// watchRosterForGuests records guest arrivals and departures and retires
// the channels a departed guest left behind. Host side.
func (s *Session) watchRosterForGuests() {
	cancel := s.pres.OnRosterChange(func(roster []presence.User) {
		s.mu.Lock()
		current := make(map[uint32]bool, len(roster))
		var joined, left []uint32
		for _, u := range roster {
			current[u.ClientID] = true
			if u.ClientID != s.pres.Self().ClientID && !s.knownIDs[u.ClientID] {
				joined = append(joined, u.ClientID)
			}
		}
		for id := range s.knownIDs {
			if !current[id] {
				left = append(left, id)
			}
		}
		s.knownIDs = current
		s.mu.Unlock()

		for _, id := range joined {
			s.tele.Record(telemetry.EventGuestJoin, map[string]any{"client": id})
		}
		for _, id := range left {
			s.tele.Record(telemetry.EventGuestDisconnect, map[string]any{"client": id})
			s.termReg.SweepOwner(s, id)
			s.srvReg.SweepOwner(s, id)
		}
	})
	s.mu.Lock()
	s.cancels = append(s.cancels, cancel)
	s.mu.Unlock()
}

// newRoomCode returns a 6-digit numeric room code.
func newRoomCode() string {
	n, err := rand.Int(rand.Reader, big.NewInt(900000))
	if err != nil {
		// crypto/rand failing means the platform is broken; fall back to a
		// fixed-width clock-derived code rather than crashing.
		return fmt.Sprintf("%06d", time.Now().UnixNano()%900000+100000)
	}
	return fmt.Sprintf("%06d", n.Int64()+100000)
}
