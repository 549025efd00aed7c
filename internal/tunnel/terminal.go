package tunnel

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/google/uuid"

	"github.com/devcollab/devcollab/internal/crdt"
	"github.com/devcollab/devcollab/internal/logger"
)

func terminalOutputList(id string) string { return "terminal:" + id + ":output" }
func terminalInputList(id string) string  { return "terminal:" + id + ":input" }

// Terminal is the owner side of a shared terminal: a local pty whose output
// streams to peers through an append-only list and whose input arrives the
// same way.
type Terminal struct {
	ID string

	reg    *Registry
	doc    *crdt.Doc
	output *crdt.List
	input  *crdt.List

	ptmx *os.File
	cmd  *exec.Cmd

	inputSub *crdt.Subscription
	regSub   *crdt.Subscription

	// OnData receives pty output for the owner's local view.
	OnData func(chunk string)
	// OnExit fires once when the shell exits or the terminal is stopped.
	OnExit func()

	mu      sync.Mutex
	stopped bool
	cols    int
	rows    int
	exit    sync.Once
}

// ShareTerminal spawns shell in a pty and announces it. Guests replay the
// output list from the start, so they see the full scrollback.
func ShareTerminal(doc *crdt.Doc, reg *Registry, owner uint32, shell, label string, cols, rows int) (*Terminal, error) {
	if shell == "" {
		shell = os.Getenv("SHELL")
		if shell == "" {
			shell = "/bin/sh"
		}
	}
	if cols == 0 {
		cols = 80
	}
	if rows == 0 {
		rows = 24
	}

	// Cancel may only be set on a command created via CommandContext;
	// exec.Cmd.Start rejects it otherwise.
	cmd := exec.CommandContext(context.Background(), shell)
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)})
	if err != nil {
		return nil, fmt.Errorf("start pty: %w", err)
	}

	t := &Terminal{
		ID:   uuid.NewString(),
		reg:  reg,
		doc:  doc,
		ptmx: ptmx,
		cmd:  cmd,
		cols: cols,
		rows: rows,
	}
	t.output = doc.List(terminalOutputList(t.ID))
	t.input = doc.List(terminalInputList(t.ID))

	reg.Put(t, Entry{
		ID:     t.ID,
		Owner:  owner,
		Label:  label,
		Shell:  shell,
		Cols:   cols,
		Rows:   rows,
		Active: true,
	})

	t.inputSub = t.input.Observe(t.onInput)
	t.regSub = reg.Observe(t.onRegistryChange)
	go t.readLoop()
	logger.Info("sharing terminal", "id", t.ID, "shell", shell)
	return t, nil
}

// Write sends the owner's own keystrokes to the pty.
func (t *Terminal) Write(data string) (int, error) {
	return t.ptmx.Write([]byte(data))
}

// Stop terminates the shell and marks the channel inactive.
func (t *Terminal) Stop() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.stopped = true
	t.mu.Unlock()

	t.inputSub.Cancel()
	t.regSub.Cancel()
	if t.cmd.Process != nil {
		t.cmd.Process.Signal(syscall.SIGTERM)
	}
	t.ptmx.Close()
	t.reg.Deactivate(t, t.ID)
	t.fireExit()
}

// readLoop streams pty output to the local view and the shared list until
// the shell exits.
func (t *Terminal) readLoop() {
	buf := make([]byte, 16*1024)
	for {
		n, err := t.ptmx.Read(buf)
		if n > 0 {
			chunk := string(buf[:n])
			if t.OnData != nil {
				t.OnData(chunk)
			}
			t.doc.Transact(t, func(tx *crdt.Tx) {
				t.output.Push(tx, chunk)
			})
		}
		if err != nil {
			break
		}
	}
	t.cmd.Wait()
	t.mu.Lock()
	stopped := t.stopped
	t.mu.Unlock()
	if !stopped {
		logger.Info("shared terminal exited", "id", t.ID)
		t.reg.Deactivate(t, t.ID)
		t.fireExit()
	}
}

// onInput writes guest keystrokes into the pty. The owner never pushes to
// the input list, so every insert is remote.
func (t *Terminal) onInput(ev crdt.ListEvent) {
	for _, chunk := range ev.Inserted {
		if _, err := t.ptmx.Write([]byte(chunk)); err != nil {
			logger.Debug("pty write failed", "id", t.ID, "error", err)
			return
		}
	}
}

// onRegistryChange applies guest-requested resizes carried in the entry.
func (t *Terminal) onRegistryChange(id string, e Entry, ok bool) {
	if id != t.ID || !ok {
		return
	}
	t.mu.Lock()
	changed := e.Cols > 0 && e.Rows > 0 && (e.Cols != t.cols || e.Rows != t.rows)
	if changed {
		t.cols, t.rows = e.Cols, e.Rows
	}
	t.mu.Unlock()
	if changed {
		pty.Setsize(t.ptmx, &pty.Winsize{Cols: uint16(e.Cols), Rows: uint16(e.Rows)})
	}
}

func (t *Terminal) fireExit() {
	t.exit.Do(func() {
		if t.OnExit != nil {
			t.OnExit()
		}
	})
}

// TerminalView is the guest side of a shared terminal: replayed scrollback,
// live output, and an input path back to the owner's pty.
type TerminalView struct {
	ID string

	reg   *Registry
	doc   *crdt.Doc
	input *crdt.List

	outputSub *crdt.Subscription
	regSub    *crdt.Subscription

	// OnData receives terminal output, replayed history first.
	OnData func(chunk string)
	// OnClosed fires once when the owner's terminal goes inactive.
	OnClosed func()

	closed sync.Once
}

// AttachTerminal joins an announced terminal. The full output history is
// delivered through OnData before live chunks.
func AttachTerminal(doc *crdt.Doc, reg *Registry, id string, onData func(string)) (*TerminalView, error) {
	e, ok := reg.Get(id)
	if !ok {
		return nil, fmt.Errorf("no terminal %s", id)
	}
	if !e.Active {
		return nil, fmt.Errorf("terminal %s is closed", id)
	}

	v := &TerminalView{
		ID:     id,
		reg:    reg,
		doc:    doc,
		input:  doc.List(terminalInputList(id)),
		OnData: onData,
	}
	output := doc.List(terminalOutputList(id))

	// Replay scrollback, then follow live appends.
	for _, chunk := range output.Slice() {
		v.emit(chunk)
	}
	v.outputSub = output.Observe(func(ev crdt.ListEvent) {
		if ev.Origin == v {
			return
		}
		for _, chunk := range ev.Inserted {
			v.emit(chunk)
		}
	})
	v.regSub = reg.Observe(func(rid string, e Entry, ok bool) {
		if rid == id && (!ok || !e.Active) {
			v.Detach()
			v.closed.Do(func() {
				if v.OnClosed != nil {
					v.OnClosed()
				}
			})
		}
	})
	return v, nil
}

// SendInput ships keystrokes to the owner's pty.
func (v *TerminalView) SendInput(data string) {
	v.doc.Transact(v, func(tx *crdt.Tx) {
		v.input.Push(tx, data)
	})
}

// Resize asks the owner to resize the pty.
func (v *TerminalView) Resize(cols, rows int) {
	e, ok := v.reg.Get(v.ID)
	if !ok || !e.Active {
		return
	}
	e.Cols, e.Rows = cols, rows
	v.reg.Put(v, e)
}

// Detach stops receiving output. Idempotent.
func (v *TerminalView) Detach() {
	if v.outputSub != nil {
		v.outputSub.Cancel()
	}
	if v.regSub != nil {
		v.regSub.Cancel()
	}
}

func (v *TerminalView) emit(chunk string) {
	if v.OnData != nil {
		v.OnData(chunk)
	}
}

// waitInactive is a small helper for tests and CLI teardown paths.
func (v *TerminalView) waitInactive(d time.Duration) bool {
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if e, ok := v.reg.Get(v.ID); !ok || !e.Active {
			return true
		}
		time.Sleep(20 * time.Millisecond)
	}
	return false
}
