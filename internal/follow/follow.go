// Package follow implements follow mode: tracking one peer's cursor and
// revealing their location locally until the user navigates away or toggles
// off.
package follow

import (
	"errors"
	"sync"

	"github.com/devcollab/devcollab/internal/logger"
	"github.com/devcollab/devcollab/internal/presence"
)

var ErrSelfFollow = errors.New("cannot follow yourself")

// Follower tracks at most one peer at a time.
type Follower struct {
	presence *presence.Engine

	// Reveal is called with the followed peer's file and first selection on
	// every cursor update.
	Reveal func(path string, sel presence.Selection)

	// isApplyingRemote reports whether any binding is currently writing a
	// replicated change into a local buffer. Navigation caused by those
	// writes must not cancel follow mode.
	isApplyingRemote func() bool

	mu       sync.Mutex
	target   uint32
	active   bool
	cancelFn func()

	onChange func(target uint32, active bool)
}

// New creates a follower. isApplyingRemote may be nil when the caller has
// no binding layer (tests, headless use).
func New(p *presence.Engine, isApplyingRemote func() bool) *Follower {
	return &Follower{presence: p, isApplyingRemote: isApplyingRemote}
}

// OnChange registers a callback fired when follow starts, switches, or stops.
func (f *Follower) OnChange(fn func(target uint32, active bool)) {
	f.mu.Lock()
	f.onChange = fn
	f.mu.Unlock()
}

// Following returns the current target, if any.
func (f *Follower) Following() (uint32, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.target, f.active
}

// Toggle starts following clientID, switches to it from another target, or
// stops when clientID is already being followed. At most one presence
// subscription is live at a time.
func (f *Follower) Toggle(clientID uint32) error {
	if clientID == f.presence.Self().ClientID {
		return ErrSelfFollow
	}

	f.mu.Lock()
	if f.active && f.target == clientID {
		f.stopLocked()
		f.mu.Unlock()
		return nil
	}
	if f.active {
		// Switching targets: drop the old subscription first.
		f.stopLocked()
	}
	f.target = clientID
	f.active = true
	f.cancelFn = f.presence.OnCursor(f.onCursor)
	fn := f.onChange
	f.mu.Unlock()

	logger.Debug("following peer", "client", clientID)
	if fn != nil {
		fn(clientID, true)
	}

	// Jump to the target's current position immediately if known.
	if c, ok := f.cursorOf(clientID); ok {
		f.reveal(c)
	}
	return nil
}

// Stop ends follow mode.
func (f *Follower) Stop() {
	f.mu.Lock()
	if !f.active {
		f.mu.Unlock()
		return
	}
	f.stopLocked()
	f.mu.Unlock()
}

// NotifyLocalNavigation cancels follow mode on genuine user navigation.
// Buffer movement produced by applying replicated edits is ignored.
func (f *Follower) NotifyLocalNavigation() {
	if f.isApplyingRemote != nil && f.isApplyingRemote() {
		return
	}
	f.Stop()
}

// stopLocked tears down the subscription and fires onChange. Caller holds
// f.mu; the callback is invoked without it.
func (f *Follower) stopLocked() {
	target := f.target
	f.active = false
	if f.cancelFn != nil {
		f.cancelFn()
		f.cancelFn = nil
	}
	fn := f.onChange
	if fn != nil {
		go fn(target, false)
	}
	logger.Debug("stopped following", "client", target)
}

func (f *Follower) onCursor(clientID uint32, c presence.Cursor) {
	f.mu.Lock()
	match := f.active && f.target == clientID
	f.mu.Unlock()
	if match {
		f.reveal(c)
	}
}

func (f *Follower) reveal(c presence.Cursor) {
	if f.Reveal == nil || c.Path == "" || len(c.Selections) == 0 {
		return
	}
	f.Reveal(c.Path, c.Selections[0])
}

func (f *Follower) cursorOf(clientID uint32) (presence.Cursor, bool) {
	var c presence.Cursor
	// The engine exposes cursors only as events; peek at the raw state.
	ok := f.presence.CursorOf(clientID, &c)
	return c, ok
}
