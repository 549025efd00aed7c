package session_test

import (
	"bytes"
	"context"
	"errors"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/devcollab/devcollab/internal/editor"
	"github.com/devcollab/devcollab/internal/follow"
	"github.com/devcollab/devcollab/internal/presence"
	"github.com/devcollab/devcollab/internal/relay"
	"github.com/devcollab/devcollab/internal/session"
	"github.com/devcollab/devcollab/internal/store"
	"github.com/devcollab/devcollab/internal/telemetry"
)

func startRelay(t *testing.T) string {
	t.Helper()
	srv := httptest.NewServer(relay.NewServer())
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func newWorkspace(t *testing.T, files map[string]string) editor.Workspace {
	t.Helper()
	dir := t.TempDir()
	for rel, content := range files {
		path := filepath.Join(dir, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	ws, err := editor.NewFSWorkspace(dir)
	if err != nil {
		t.Fatal(err)
	}
	return ws
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func hostAndGuest(t *testing.T, hostFiles map[string]string) (*session.Session, *session.Session) {
	t.Helper()
	url := startRelay(t)
	ctx := context.Background()

	host, err := session.Host(ctx, session.Options{
		RelayURL:  url,
		Username:  "alice",
		Workspace: newWorkspace(t, hostFiles),
	})
	if err != nil {
		t.Fatalf("host: %v", err)
	}
	t.Cleanup(host.Close)

	guest, err := session.Join(ctx, host.Room, session.Options{
		RelayURL:  url,
		Username:  "bob",
		Workspace: newWorkspace(t, nil),
	})
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	t.Cleanup(guest.Close)
	return host, guest
}

func bufferContent(s *session.Session, path string) (string, bool) {
	b, ok := s.Binding(path)
	if !ok {
		return "", false
	}
	return b.Buffer().Content(), true
}

func TestEditPropagatesBothWays(t *testing.T) {
	host, guest := hostAndGuest(t, map[string]string{"main.go": "package main\n"})

	waitFor(t, "guest to bind main.go", func() bool {
		got, ok := bufferContent(guest, "main.go")
		return ok && got == "package main\n"
	})

	gb, _ := guest.Binding("main.go")
	mb := gb.Buffer().(*editor.MemBuffer)
	if err := mb.Edit(mb.Len(), 0, "func main() {}\n"); err != nil {
		t.Fatalf("guest edit: %v", err)
	}
	want := "package main\nfunc main() {}\n"
	waitFor(t, "guest edit to reach host", func() bool {
		got, ok := bufferContent(host, "main.go")
		return ok && got == want
	})

	hb, _ := host.Binding("main.go")
	hmb := hb.Buffer().(*editor.MemBuffer)
	if err := hmb.Edit(0, 0, "// shared\n"); err != nil {
		t.Fatalf("host edit: %v", err)
	}
	waitFor(t, "host edit to reach guest", func() bool {
		got, _ := bufferContent(guest, "main.go")
		return got == "// shared\n"+want
	})
}

func TestNoEchoAfterQuiesce(t *testing.T) {
	host, guest := hostAndGuest(t, map[string]string{"a.txt": "x"})
	waitFor(t, "guest to bind a.txt", func() bool {
		got, ok := bufferContent(guest, "a.txt")
		return ok && got == "x"
	})

	hb, _ := host.Binding("a.txt")
	hb.Buffer().(*editor.MemBuffer).Edit(1, 0, "y")
	waitFor(t, "edit to settle", func() bool {
		g, _ := bufferContent(guest, "a.txt")
		h, _ := bufferContent(host, "a.txt")
		return g == "xy" && h == "xy"
	})

	// Nothing else is in flight; content must stay put.
	time.Sleep(200 * time.Millisecond)
	if g, _ := bufferContent(guest, "a.txt"); g != "xy" {
		t.Errorf("guest content drifted to %q", g)
	}
	if h, _ := bufferContent(host, "a.txt"); h != "xy" {
		t.Errorf("host content drifted to %q", h)
	}
}

func TestFileCreateAndDeleteSync(t *testing.T) {
	host, guest := hostAndGuest(t, map[string]string{"a.txt": "a"})
	waitFor(t, "initial bind", func() bool {
		_, ok := guest.Binding("a.txt")
		return ok
	})

	// A file created on the host's disk is picked up by the watcher.
	if err := os.WriteFile(filepath.Join(host.Workspace().Root(), "b.txt"), []byte("new"), 0o644); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "created file to reach guest", func() bool {
		got, ok := bufferContent(guest, "b.txt")
		return ok && got == "new"
	})

	// Deleting it on the host removes the guest binding and local copy.
	if err := os.Remove(filepath.Join(host.Workspace().Root(), "b.txt")); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "deletion to reach guest", func() bool {
		_, ok := guest.Binding("b.txt")
		return !ok
	})
}

func TestJoinWithoutHostFails(t *testing.T) {
	url := startRelay(t)
	_, err := session.Join(context.Background(), "999999", session.Options{
		RelayURL:  url,
		Username:  "bob",
		Workspace: newWorkspace(t, nil),
	})
	if !errors.Is(err, session.ErrNoHost) {
		t.Fatalf("err = %v, want ErrNoHost", err)
	}
}

func TestHostDepartureEndsGuestSession(t *testing.T) {
	host, guest := hostAndGuest(t, map[string]string{"a.txt": "a"})

	closed := make(chan struct{})
	guest.OnClosed(func() { close(closed) })

	host.Close()
	select {
	case <-closed:
	case <-time.After(5 * time.Second):
		t.Fatal("guest session did not end after host departure")
	}
}

func TestFollowRevealsAndCancels(t *testing.T) {
	host, guest := hostAndGuest(t, map[string]string{"a.txt": "abc"})
	waitFor(t, "rosters to settle", func() bool {
		return len(guest.Presence().Roster()) == 2 && len(host.Presence().Roster()) == 2
	})

	hostID := host.Presence().Self().ClientID
	revealed := make(chan string, 4)
	f := guest.Follower()
	f.Reveal = func(path string, sel presence.Selection) {
		select {
		case revealed <- path:
		default:
		}
	}
	if err := f.Toggle(hostID); err != nil {
		t.Fatalf("toggle: %v", err)
	}

	host.Presence().PublishCursor(presence.Cursor{
		Path:       "a.txt",
		Selections: []presence.Selection{{Anchor: presence.Position{Line: 1}, Head: presence.Position{Line: 1}}},
	})
	select {
	case path := <-revealed:
		if path != "a.txt" {
			t.Errorf("revealed path = %q, want a.txt", path)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("followed cursor update never revealed")
	}

	// Following yourself is rejected.
	if err := f.Toggle(guest.Presence().Self().ClientID); !errors.Is(err, follow.ErrSelfFollow) {
		t.Errorf("self-follow err = %v, want ErrSelfFollow", err)
	}

	// Genuine local navigation cancels follow mode.
	f.NotifyLocalNavigation()
	if _, active := f.Following(); active {
		t.Error("follow mode survived local navigation")
	}

	// Toggling the same target twice lands back at inactive.
	if err := f.Toggle(hostID); err != nil {
		t.Fatalf("re-toggle: %v", err)
	}
	if err := f.Toggle(hostID); err != nil {
		t.Fatalf("toggle off: %v", err)
	}
	if _, active := f.Following(); active {
		t.Error("double toggle left follow active")
	}
}

func TestFollowSwitchesTargets(t *testing.T) {
	url := startRelay(t)
	ctx := context.Background()

	host, err := session.Host(ctx, session.Options{
		RelayURL:  url,
		Username:  "alice",
		Workspace: newWorkspace(t, nil),
	})
	if err != nil {
		t.Fatalf("host: %v", err)
	}
	t.Cleanup(host.Close)

	follower, err := session.Join(ctx, host.Room, session.Options{
		RelayURL:  url,
		Username:  "bob",
		Workspace: newWorkspace(t, nil),
	})
	if err != nil {
		t.Fatalf("join follower: %v", err)
	}
	t.Cleanup(follower.Close)

	other, err := session.Join(ctx, host.Room, session.Options{
		RelayURL:  url,
		Username:  "carol",
		Workspace: newWorkspace(t, nil),
	})
	if err != nil {
		t.Fatalf("join other: %v", err)
	}
	t.Cleanup(other.Close)

	waitFor(t, "all three in the roster", func() bool {
		return len(follower.Presence().Roster()) == 3
	})

	hostID := host.Presence().Self().ClientID
	otherID := other.Presence().Self().ClientID

	revealed := make(chan string, 8)
	f := follower.Follower()
	f.Reveal = func(path string, _ presence.Selection) {
		select {
		case revealed <- path:
		default:
		}
	}

	// Following a second peer switches targets instead of toggling off.
	if err := f.Toggle(hostID); err != nil {
		t.Fatalf("toggle host: %v", err)
	}
	if err := f.Toggle(otherID); err != nil {
		t.Fatalf("switch to other: %v", err)
	}
	if target, active := f.Following(); !active || target != otherID {
		t.Fatalf("following = %d/%v, want %d/true", target, active, otherID)
	}

	sel := []presence.Selection{{Head: presence.Position{Line: 1}}}
	host.Presence().PublishCursor(presence.Cursor{Path: "host.txt", Selections: sel})
	other.Presence().PublishCursor(presence.Cursor{Path: "other.txt", Selections: sel})

	// Only the new target may reveal; the old subscription must be gone.
	deadline := time.After(5 * time.Second)
	for {
		select {
		case path := <-revealed:
			if path == "host.txt" {
				t.Fatal("old follow target still revealed after switching")
			}
			if path == "other.txt" {
				time.Sleep(100 * time.Millisecond)
				for {
					select {
					case p := <-revealed:
						if p == "host.txt" {
							t.Fatal("old follow target still revealed after switching")
						}
					default:
						return
					}
				}
			}
		case <-deadline:
			t.Fatal("switched follow target never revealed")
		}
	}
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestFollowEmitsTelemetry(t *testing.T) {
	url := startRelay(t)
	ctx := context.Background()

	host, err := session.Host(ctx, session.Options{
		RelayURL:  url,
		Username:  "alice",
		Workspace: newWorkspace(t, nil),
	})
	if err != nil {
		t.Fatalf("host: %v", err)
	}
	t.Cleanup(host.Close)

	var buf syncBuffer
	sink := telemetry.New(&buf)
	t.Cleanup(sink.Close)

	guest, err := session.Join(ctx, host.Room, session.Options{
		RelayURL:  url,
		Username:  "bob",
		Workspace: newWorkspace(t, nil),
		Telemetry: sink,
	})
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	t.Cleanup(guest.Close)

	waitFor(t, "rosters to settle", func() bool {
		return len(guest.Presence().Roster()) == 2
	})

	hostID := host.Presence().Self().ClientID
	if err := guest.Follower().Toggle(hostID); err != nil {
		t.Fatalf("toggle on: %v", err)
	}
	if err := guest.Follower().Toggle(hostID); err != nil {
		t.Fatalf("toggle off: %v", err)
	}

	waitFor(t, "follow events to land in the sink", func() bool {
		out := buf.String()
		return strings.Contains(out, `"event":"follow"`) && strings.Contains(out, `"event":"unfollow"`)
	})
}

func TestRestorePendingRejoinsRoom(t *testing.T) {
	url := startRelay(t)
	ctx := context.Background()

	host, err := session.Host(ctx, session.Options{
		RelayURL:  url,
		Username:  "alice",
		Workspace: newWorkspace(t, map[string]string{"a.txt": "a"}),
	})
	if err != nil {
		t.Fatalf("host: %v", err)
	}
	t.Cleanup(host.Close)

	st, err := store.Open(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	// Nothing pending: no session, no error.
	s, err := session.RestorePending(ctx, st, session.Options{RelayURL: url})
	if err != nil || s != nil {
		t.Fatalf("restore on empty store = %v, %v; want nil, nil", s, err)
	}

	dir := t.TempDir()
	if err := st.SetPendingSession(store.PendingSession{
		RoomCode: host.Room, Username: "bob", TempDir: dir, FromJoin: true,
	}); err != nil {
		t.Fatal(err)
	}

	s, err = session.RestorePending(ctx, st, session.Options{RelayURL: url})
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if s == nil {
		t.Fatal("restore returned no session despite a pending record")
	}
	t.Cleanup(s.Close)
	if s.Room != host.Room {
		t.Errorf("rejoined room %q, want %q", s.Room, host.Room)
	}
	if s.Role != presence.RoleGuest {
		t.Errorf("role = %q, want %q", s.Role, presence.RoleGuest)
	}
	if got := s.Workspace().Root(); got != dir {
		t.Errorf("workspace root = %q, want stored dir %q", got, dir)
	}

	// The rejoined guest syncs the shared tree like any other join.
	waitFor(t, "rejoined guest to bind a.txt", func() bool {
		got, ok := bufferContent(s, "a.txt")
		return ok && got == "a"
	})
}
