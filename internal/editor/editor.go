// Package editor defines the seams between a collaboration session and the
// host editor: open text buffers, the workspace file tree, and user-facing
// notifications. The session layer only sees these interfaces; the bundled
// implementations back them with memory and the local filesystem so the CLI
// and tests can drive a full session without an editor attached.
package editor

// Delta is one contiguous buffer mutation. Offset and Deleted refer to the
// buffer content before the delta batch is applied; a batch is applied in
// descending offset order so earlier deltas do not shift later ones.
type Delta struct {
	Offset   int    // rune offset
	Deleted  int    // rune count removed at Offset
	Inserted string // text inserted at Offset after removal
}

// Buffer is an open text document.
//
// Apply is used for programmatic edits (replicated remote changes). It fires
// the same change callbacks a user edit does; callers that must tell the two
// apart set their own guard around the Apply call.
type Buffer interface {
	Path() string
	Content() string
	Len() int
	Apply(deltas []Delta) error
	OnChange(fn func(deltas []Delta)) (cancel func())
	OnSave(fn func()) (cancel func())
}

// Workspace is the shared project tree. Paths are slash-separated and
// relative to the workspace root.
type Workspace interface {
	Root() string
	Files() ([]string, error)
	Read(rel string) (string, error)
	Write(rel, content string) error
	Delete(rel string) error
	Abs(rel string) (string, error)
}

// Notifier surfaces session events to the user.
type Notifier interface {
	Info(msg string)
	Warn(msg string)
	Error(msg string)
}
