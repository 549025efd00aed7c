package presence_test

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/devcollab/devcollab/internal/crdt"
	"github.com/devcollab/devcollab/internal/presence"
	"github.com/devcollab/devcollab/internal/provider"
	"github.com/devcollab/devcollab/internal/relay"
)

func startRelay(t *testing.T) string {
	t.Helper()
	srv := httptest.NewServer(relay.NewServer())
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func connect(t *testing.T, ctx context.Context, url, room string, site uint32) *provider.Provider {
	t.Helper()
	p := provider.New(url, room, crdt.NewDocWithSite(site))
	go p.Run(ctx)
	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := p.WaitConnected(waitCtx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	return p
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

func TestRosterFoldsJoinAndLeave(t *testing.T) {
	url := startRelay(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	guestCtx, cancelGuest := context.WithCancel(ctx)
	defer cancelGuest()

	hostProv := connect(t, ctx, url, "200001", 1)
	host, err := presence.New(hostProv.Awareness(), "alice", presence.RoleHost)
	if err != nil {
		t.Fatal(err)
	}
	defer host.Close()

	guestProv := connect(t, guestCtx, url, "200001", 2)
	guest, err := presence.New(guestProv.Awareness(), "bob", presence.RoleGuest)
	if err != nil {
		t.Fatal(err)
	}
	defer guest.Close()

	waitFor(t, "host to see two users", func() bool {
		return len(host.Roster()) == 2
	})
	if _, ok := guest.Host(); !ok {
		waitFor(t, "guest to see the host", func() bool {
			_, ok := guest.Host()
			return ok
		})
	}

	// Colors must differ while the palette has room.
	waitFor(t, "distinct colors", func() bool {
		roster := host.Roster()
		return len(roster) == 2 && roster[0].Color != roster[1].Color
	})

	cancelGuest()
	waitFor(t, "roster to drop the guest", func() bool {
		return len(host.Roster()) == 1
	})
}

func TestHostDepartureFiresOnce(t *testing.T) {
	url := startRelay(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	hostCtx, cancelHost := context.WithCancel(ctx)
	defer cancelHost()

	hostProv := connect(t, hostCtx, url, "200002", 1)
	host, err := presence.New(hostProv.Awareness(), "alice", presence.RoleHost)
	if err != nil {
		t.Fatal(err)
	}
	defer host.Close()

	guestProv := connect(t, ctx, url, "200002", 2)
	guest, err := presence.New(guestProv.Awareness(), "bob", presence.RoleGuest)
	if err != nil {
		t.Fatal(err)
	}
	defer guest.Close()

	var mu sync.Mutex
	fired := 0
	guest.OnSessionEnded(func() {
		mu.Lock()
		fired++
		mu.Unlock()
	})

	waitFor(t, "guest to see the host", func() bool {
		_, ok := guest.Host()
		return ok
	})

	cancelHost()
	waitFor(t, "session-ended callback", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return fired == 1
	})

	// Further awareness churn must not fire it again.
	guest.PublishCursor(presence.Cursor{Path: "a.txt"})
	time.Sleep(100 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if fired != 1 {
		t.Errorf("session-ended fired %d times, want 1", fired)
	}
}

func TestCursorAndLastSavedEvents(t *testing.T) {
	url := startRelay(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	aProv := connect(t, ctx, url, "200003", 1)
	a, err := presence.New(aProv.Awareness(), "alice", presence.RoleHost)
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()

	bProv := connect(t, ctx, url, "200003", 2)
	b, err := presence.New(bProv.Awareness(), "bob", presence.RoleGuest)
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()

	cursors := make(chan presence.Cursor, 8)
	b.OnCursor(func(_ uint32, c presence.Cursor) {
		select {
		case cursors <- c:
		default:
		}
	})
	saves := make(chan presence.LastSaved, 8)
	b.OnLastSaved(func(_ uint32, ls presence.LastSaved) {
		select {
		case saves <- ls:
		default:
		}
	})

	a.PublishCursor(presence.Cursor{
		Path:       "main.go",
		Selections: []presence.Selection{{Anchor: presence.Position{Line: 3, Col: 1}, Head: presence.Position{Line: 3, Col: 5}}},
	})
	select {
	case c := <-cursors:
		if c.Path != "main.go" || len(c.Selections) != 1 || c.Selections[0].Head.Col != 5 {
			t.Errorf("cursor = %+v", c)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("cursor event never arrived")
	}

	a.PublishLastSaved("main.go", 1234)
	select {
	case ls := <-saves:
		if ls.Path != "main.go" || ls.Timestamp != 1234 {
			t.Errorf("lastSaved = %+v", ls)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("last-saved event never arrived")
	}
}

func TestSessionEndedFiresForLateSubscriber(t *testing.T) {
	url := startRelay(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	hostCtx, cancelHost := context.WithCancel(ctx)
	defer cancelHost()

	hostProv := connect(t, hostCtx, url, "200004", 1)
	host, err := presence.New(hostProv.Awareness(), "alice", presence.RoleHost)
	if err != nil {
		t.Fatal(err)
	}
	defer host.Close()

	guestProv := connect(t, ctx, url, "200004", 2)
	guest, err := presence.New(guestProv.Awareness(), "bob", presence.RoleGuest)
	if err != nil {
		t.Fatal(err)
	}
	defer guest.Close()

	waitFor(t, "guest to see the host", func() bool {
		_, ok := guest.Host()
		return ok
	})

	// The host is gone before anyone subscribes to the ending.
	cancelHost()
	waitFor(t, "roster to drop the host", func() bool {
		_, ok := guest.Host()
		return !ok
	})

	fired := make(chan struct{})
	guest.OnSessionEnded(func() { close(fired) })
	select {
	case <-fired:
	case <-time.After(5 * time.Second):
		t.Fatal("session-ended callback registered after departure never fired")
	}
}
