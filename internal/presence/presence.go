// Package presence folds the room's awareness states into a participant
// roster and carries the ephemeral side-channels that ride awareness:
// cursor positions, last-saved markers, and host liveness.
package presence

import (
	"math/rand"
	"sort"
	"sync"

	"github.com/devcollab/devcollab/internal/logger"
	"github.com/devcollab/devcollab/internal/provider"
)

// Awareness field keys.
const (
	fieldUser      = "user"
	fieldCursor    = "cursor"
	fieldLastSaved = "lastSavedFile"
)

// Roles.
const (
	RoleHost  = "host"
	RoleGuest = "guest"
)

// Palette assigned to participants, in preference order.
var Colors = []string{
	"#30bced", "#6eeb83", "#ffbc42", "#ecd444",
	"#ee6352", "#9ac2c9", "#8acb88", "#1be7ff",
}

// User is one participant's identity as published under "user".
type User struct {
	ClientID    uint32 `json:"clientId"`
	DisplayName string `json:"displayName"`
	Color       string `json:"color"`
	Role        string `json:"role"`
}

// Position is a zero-based line/column location.
type Position struct {
	Line int `json:"line"`
	Col  int `json:"col"`
}

// Selection is one cursor range; a caret has Anchor == Head.
type Selection struct {
	Anchor Position `json:"anchor"`
	Head   Position `json:"head"`
}

// Cursor is a participant's selection state in one file.
type Cursor struct {
	Path       string      `json:"path"`
	Selections []Selection `json:"selections"`
}

// LastSaved marks the most recent save of a shared file.
type LastSaved struct {
	Path      string `json:"path"`
	Timestamp int64  `json:"timestamp"`
}

// Engine publishes the local participant and mirrors the room roster.
type Engine struct {
	aw   *provider.Awareness
	self User

	mu          sync.Mutex
	roster      map[uint32]User
	lastSaved   map[uint32]LastSaved
	hostSeen    bool
	ended       bool
	nextID      int
	rosterSubs  map[int]func([]User)
	cursorSubs  map[int]func(clientID uint32, c Cursor)
	savedSubs   map[int]func(clientID uint32, ls LastSaved)
	endedOnce   sync.Once
	onEnded     func()
	cancelWatch func()
}

// New publishes the local user under the given role and starts folding
// awareness changes into the roster. Color is the first palette entry not
// already taken by a peer; when all eight are taken a random one is reused.
func New(aw *provider.Awareness, displayName, role string) (*Engine, error) {
	e := &Engine{
		aw:         aw,
		roster:     make(map[uint32]User),
		lastSaved:  make(map[uint32]LastSaved),
		rosterSubs: make(map[int]func([]User)),
		cursorSubs: make(map[int]func(uint32, Cursor)),
		savedSubs:  make(map[int]func(uint32, LastSaved)),
	}
	e.self = User{
		ClientID:    aw.ClientID(),
		DisplayName: displayName,
		Color:       e.pickColor(),
		Role:        role,
	}
	e.cancelWatch = aw.OnChange(e.onAwareness)
	if err := aw.SetLocalField(fieldUser, e.self); err != nil {
		e.cancelWatch()
		return nil, err
	}
	e.refold()
	return e, nil
}

// Self returns the local participant.
func (e *Engine) Self() User { return e.self }

// Roster returns all participants, sorted by client id.
func (e *Engine) Roster() []User {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]User, 0, len(e.roster))
	for _, u := range e.roster {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClientID < out[j].ClientID })
	return out
}

// Host returns the host participant, if one is present.
func (e *Engine) Host() (User, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, u := range e.roster {
		if u.Role == RoleHost {
			return u, true
		}
	}
	return User{}, false
}

// CursorOf reads a peer's current cursor state into c.
func (e *Engine) CursorOf(clientID uint32, c *Cursor) bool {
	return e.aw.Field(clientID, fieldCursor, c)
}

// OnRosterChange registers a callback fired with the full roster after every
// membership or identity change.
func (e *Engine) OnRosterChange(fn func([]User)) (cancel func()) {
	return subscribe(&e.mu, &e.nextID, e.rosterSubs, fn)
}

// OnCursor registers a callback for peers' cursor updates.
func (e *Engine) OnCursor(fn func(clientID uint32, c Cursor)) (cancel func()) {
	return subscribe(&e.mu, &e.nextID, e.cursorSubs, fn)
}

// OnLastSaved registers a callback for peers' save markers.
func (e *Engine) OnLastSaved(fn func(clientID uint32, ls LastSaved)) (cancel func()) {
	return subscribe(&e.mu, &e.nextID, e.savedSubs, fn)
}

// OnSessionEnded registers the host-departure callback. Guests only; fires
// at most once, after a host has been observed and the roster no longer
// holds one. A departure that already happened fires immediately, so late
// registration cannot miss it.
func (e *Engine) OnSessionEnded(fn func()) {
	e.mu.Lock()
	e.onEnded = fn
	ended := e.ended
	e.mu.Unlock()
	if ended {
		e.fireEnded(fn)
	}
}

// PublishCursor broadcasts the local selection state.
func (e *Engine) PublishCursor(c Cursor) {
	if err := e.aw.SetLocalField(fieldCursor, c); err != nil {
		logger.Debug("cursor publish failed", "error", err)
	}
}

// PublishLastSaved broadcasts a save marker for path.
func (e *Engine) PublishLastSaved(path string, timestamp int64) {
	ls := LastSaved{Path: path, Timestamp: timestamp}
	if err := e.aw.SetLocalField(fieldLastSaved, ls); err != nil {
		logger.Debug("last-saved publish failed", "error", err)
	}
}

// Close stops folding awareness changes.
func (e *Engine) Close() {
	if e.cancelWatch != nil {
		e.cancelWatch()
	}
}

func subscribe[T any](mu *sync.Mutex, nextID *int, m map[int]T, fn T) func() {
	mu.Lock()
	id := *nextID
	*nextID = id + 1
	m[id] = fn
	mu.Unlock()
	return func() {
		mu.Lock()
		delete(m, id)
		mu.Unlock()
	}
}

func (e *Engine) onAwareness(ev provider.AwarenessEvent) {
	e.refold()
	for _, id := range append(ev.Added, ev.Updated...) {
		var c Cursor
		if e.aw.Field(id, fieldCursor, &c) && id != e.self.ClientID {
			e.fireCursor(id, c)
		}
		var ls LastSaved
		if e.aw.Field(id, fieldLastSaved, &ls) && id != e.self.ClientID {
			e.fireLastSaved(id, ls)
		}
	}
	e.checkHostLiveness()
}

// refold rebuilds the roster from the awareness snapshot and notifies
// roster subscribers when membership or identity changed.
func (e *Engine) refold() {
	states := e.aw.States()
	fresh := make(map[uint32]User, len(states))
	for id := range states {
		var u User
		if e.aw.Field(id, fieldUser, &u) {
			u.ClientID = id
			fresh[id] = u
		}
	}

	e.mu.Lock()
	changed := len(fresh) != len(e.roster)
	if !changed {
		for id, u := range fresh {
			if old, ok := e.roster[id]; !ok || old != u {
				changed = true
				break
			}
		}
	}
	e.roster = fresh
	if !e.hostSeen {
		for _, u := range fresh {
			if u.Role == RoleHost {
				e.hostSeen = true
				break
			}
		}
	}
	subs := make([]func([]User), 0, len(e.rosterSubs))
	if changed {
		for _, fn := range e.rosterSubs {
			subs = append(subs, fn)
		}
	}
	e.mu.Unlock()

	if changed {
		roster := e.Roster()
		for _, fn := range subs {
			fn(roster)
		}
	}
}

// checkHostLiveness fires the session-ended callback exactly once, after a
// host was seen and is now gone.
func (e *Engine) checkHostLiveness() {
	if e.self.Role == RoleHost {
		return
	}
	e.mu.Lock()
	seen := e.hostSeen
	var hostPresent bool
	for _, u := range e.roster {
		if u.Role == RoleHost {
			hostPresent = true
			break
		}
	}
	if seen && !hostPresent {
		e.ended = true
	}
	fn := e.onEnded
	e.mu.Unlock()

	if seen && !hostPresent && fn != nil {
		e.fireEnded(fn)
	}
}

func (e *Engine) fireEnded(fn func()) {
	e.endedOnce.Do(func() {
		logger.Info("host departed, session ended")
		fn()
	})
}

func (e *Engine) fireCursor(id uint32, c Cursor) {
	e.mu.Lock()
	fns := make([]func(uint32, Cursor), 0, len(e.cursorSubs))
	for _, fn := range e.cursorSubs {
		fns = append(fns, fn)
	}
	e.mu.Unlock()
	for _, fn := range fns {
		fn(id, c)
	}
}

func (e *Engine) fireLastSaved(id uint32, ls LastSaved) {
	e.mu.Lock()
	if prev, ok := e.lastSaved[id]; ok && prev == ls {
		e.mu.Unlock()
		return
	}
	e.lastSaved[id] = ls
	fns := make([]func(uint32, LastSaved), 0, len(e.savedSubs))
	for _, fn := range e.savedSubs {
		fns = append(fns, fn)
	}
	e.mu.Unlock()
	for _, fn := range fns {
		fn(id, ls)
	}
}

// pickColor takes the first palette entry no peer is using; once the
// palette is exhausted a random entry is reused.
func (e *Engine) pickColor() string {
	taken := make(map[string]bool)
	for id := range e.aw.States() {
		var u User
		if e.aw.Field(id, fieldUser, &u) {
			taken[u.Color] = true
		}
	}
	for _, c := range Colors {
		if !taken[c] {
			return c
		}
	}
	return Colors[rand.Intn(len(Colors))]
}
