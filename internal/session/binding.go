package session

import (
	"sort"
	"sync"
	"time"

	"github.com/devcollab/devcollab/internal/crdt"
	"github.com/devcollab/devcollab/internal/editor"
	"github.com/devcollab/devcollab/internal/logger"
)

// debounceRemote coalesces bursts of replicated edits into one buffer write.
const debounceRemote = 40 * time.Millisecond

type bindingState int

const (
	stateIdle bindingState = iota
	stateApplyingLocal
	stateApplyingRemote
)

// Binding keeps one editor buffer and one shared text container equal.
//
// Local buffer edits flow into the container as one origin-tagged
// transaction per change batch; replicated container changes flow back into
// the buffer through a serialized apply queue. The binding's own origin tag
// (the Binding pointer) breaks the echo loop in both directions: container
// events carrying it are local edits coming back, and buffer change events
// raised while the state is stateApplyingRemote are replicated edits being
// written.
type Binding struct {
	path string
	buf  editor.Buffer
	doc  *crdt.Doc
	text *crdt.Text
	undo *crdt.UndoManager

	mu       sync.Mutex
	state    bindingState
	disposed bool

	pending chan struct{}
	done    chan struct{}

	timerMu sync.Mutex
	timer   *time.Timer

	cancelChange func()
	textSub      *crdt.Subscription

	// onFailure is called when writing a replicated change into the buffer
	// fails. The binding is already unusable at that point; the owner must
	// dispose it. No retry.
	onFailure func(b *Binding, err error)
}

// newBinding reconciles buf with text and starts two-way sync.
//
// Reconciliation: if the shared text is empty and the buffer is not, the
// buffer seeds the container; otherwise the shared text wins and replaces
// the buffer content.
func newBinding(doc *crdt.Doc, text *crdt.Text, buf editor.Buffer, path string, onFailure func(*Binding, error)) (*Binding, error) {
	b := &Binding{
		path:      path,
		buf:       buf,
		doc:       doc,
		text:      text,
		pending:   make(chan struct{}, 1),
		done:      make(chan struct{}),
		onFailure: onFailure,
	}
	b.undo = crdt.NewUndoManager(doc, text, b)

	shared := text.String()
	local := buf.Content()
	if shared == "" && local != "" {
		doc.Transact(b, func(tx *crdt.Tx) {
			text.Insert(tx, 0, local)
		})
	} else if shared != local {
		b.setState(stateApplyingRemote)
		err := buf.Apply([]editor.Delta{{Offset: 0, Deleted: buf.Len(), Inserted: shared}})
		b.setState(stateIdle)
		if err != nil {
			return nil, err
		}
	}

	b.cancelChange = buf.OnChange(b.onLocalChange)
	b.textSub = text.Observe(b.onSharedChange)
	go b.applyLoop()
	return b, nil
}

// Path returns the workspace-relative path this binding serves.
func (b *Binding) Path() string { return b.path }

// Buffer returns the bound editor buffer.
func (b *Binding) Buffer() editor.Buffer { return b.buf }

// ApplyingRemote reports whether a replicated change is being written into
// the buffer right now.
func (b *Binding) ApplyingRemote() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state == stateApplyingRemote
}

// Undo reverts the most recent local edit batch on this buffer, leaving
// concurrent peer edits in place.
func (b *Binding) Undo() bool { return b.undo.Undo() }

// Redo re-applies the most recently undone batch.
func (b *Binding) Redo() bool { return b.undo.Redo() }

// Dispose stops both sync directions. Idempotent.
func (b *Binding) Dispose() {
	b.mu.Lock()
	if b.disposed {
		b.mu.Unlock()
		return
	}
	b.disposed = true
	b.mu.Unlock()

	b.cancelChange()
	b.textSub.Cancel()
	b.undo.Close()
	b.timerMu.Lock()
	if b.timer != nil {
		b.timer.Stop()
	}
	b.timerMu.Unlock()
	close(b.done)
}

// onLocalChange ships a user edit batch into the shared text. Deltas are
// applied in descending offset order so each offset stays valid against the
// shrinking pre-edit content.
func (b *Binding) onLocalChange(deltas []editor.Delta) {
	b.mu.Lock()
	if b.disposed || b.state == stateApplyingRemote {
		b.mu.Unlock()
		return
	}
	b.state = stateApplyingLocal
	b.mu.Unlock()
	defer b.setState(stateIdle)

	sorted := append([]editor.Delta(nil), deltas...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Offset > sorted[j].Offset })

	b.doc.Transact(b, func(tx *crdt.Tx) {
		for _, d := range sorted {
			if d.Deleted > 0 {
				b.text.Delete(tx, d.Offset, d.Deleted)
			}
			if d.Inserted != "" {
				b.text.Insert(tx, d.Offset, d.Inserted)
			}
		}
	})
}

// onSharedChange schedules a buffer update for a replicated edit. Our own
// edits echo back with the binding as origin and are dropped here.
func (b *Binding) onSharedChange(ev crdt.TextEvent) {
	if ev.Origin == b {
		return
	}
	b.timerMu.Lock()
	defer b.timerMu.Unlock()
	if b.timer != nil {
		b.timer.Stop()
	}
	b.timer = time.AfterFunc(debounceRemote, func() {
		select {
		case b.pending <- struct{}{}:
		default:
		}
	})
}

// applyLoop serializes replicated applies so two bursts can never interleave
// their buffer writes.
func (b *Binding) applyLoop() {
	for {
		select {
		case <-b.done:
			return
		case <-b.pending:
			b.applyShared()
		}
	}
}

// applyShared replaces the buffer content with the shared text. Skips the
// write when they already match.
func (b *Binding) applyShared() {
	shared := b.text.String()
	local := b.buf.Content()
	if shared == local {
		return
	}

	b.setState(stateApplyingRemote)
	err := b.buf.Apply([]editor.Delta{{Offset: 0, Deleted: b.buf.Len(), Inserted: shared}})
	b.setState(stateIdle)
	if err != nil {
		logger.Error("applying replicated edit failed, disposing binding", "path", b.path, "error", err)
		if b.onFailure != nil {
			b.onFailure(b, err)
		}
	}
}

func (b *Binding) setState(s bindingState) {
	b.mu.Lock()
	b.state = s
	b.mu.Unlock()
}
