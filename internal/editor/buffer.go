package editor

import (
	"fmt"
	"sort"
	"sync"
)

// MemBuffer is an in-memory Buffer. The CLI and tests use it directly; an
// editor integration would substitute its own Buffer implementation.
type MemBuffer struct {
	mu      sync.Mutex
	path    string
	content []rune

	nextID   int
	changeFn map[int]func([]Delta)
	saveFn   map[int]func()
}

// NewMemBuffer creates a buffer for path with the given initial content.
func NewMemBuffer(path, content string) *MemBuffer {
	return &MemBuffer{
		path:     path,
		content:  []rune(content),
		changeFn: make(map[int]func([]Delta)),
		saveFn:   make(map[int]func()),
	}
}

func (b *MemBuffer) Path() string { return b.path }

func (b *MemBuffer) Content() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.content)
}

func (b *MemBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.content)
}

// Edit performs a user edit and fires change callbacks.
func (b *MemBuffer) Edit(offset, deleted int, inserted string) error {
	return b.Apply([]Delta{{Offset: offset, Deleted: deleted, Inserted: inserted}})
}

// Apply performs a batch of edits atomically. Deltas are applied in
// descending offset order; every offset refers to the pre-apply content.
func (b *MemBuffer) Apply(deltas []Delta) error {
	if len(deltas) == 0 {
		return nil
	}
	sorted := append([]Delta(nil), deltas...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Offset > sorted[j].Offset })

	b.mu.Lock()
	for _, d := range sorted {
		if d.Offset < 0 || d.Offset+d.Deleted > len(b.content) {
			b.mu.Unlock()
			return fmt.Errorf("delta out of range: offset %d delete %d in %d runes", d.Offset, d.Deleted, len(b.content))
		}
		tail := append([]rune(d.Inserted), b.content[d.Offset+d.Deleted:]...)
		b.content = append(b.content[:d.Offset], tail...)
	}
	fns := b.changeFns()
	b.mu.Unlock()

	for _, fn := range fns {
		fn(deltas)
	}
	return nil
}

// SetContent replaces the whole buffer, reported as a single delta.
func (b *MemBuffer) SetContent(content string) error {
	b.mu.Lock()
	deleted := len(b.content)
	b.mu.Unlock()
	return b.Apply([]Delta{{Offset: 0, Deleted: deleted, Inserted: content}})
}

// Save fires save callbacks. MemBuffer itself has no backing file; the
// workspace-bound buffer wrapper persists before calling this.
func (b *MemBuffer) Save() {
	b.mu.Lock()
	fns := make([]func(), 0, len(b.saveFn))
	for _, fn := range b.saveFn {
		fns = append(fns, fn)
	}
	b.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

func (b *MemBuffer) OnChange(fn func([]Delta)) (cancel func()) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.changeFn[id] = fn
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		delete(b.changeFn, id)
		b.mu.Unlock()
	}
}

func (b *MemBuffer) OnSave(fn func()) (cancel func()) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.saveFn[id] = fn
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		delete(b.saveFn, id)
		b.mu.Unlock()
	}
}

// changeFns snapshots callbacks. Caller holds b.mu.
func (b *MemBuffer) changeFns() []func([]Delta) {
	fns := make([]func([]Delta), 0, len(b.changeFn))
	for _, fn := range b.changeFn {
		fns = append(fns, fn)
	}
	return fns
}
