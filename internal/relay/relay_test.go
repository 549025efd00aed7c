package relay_test

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/devcollab/devcollab/internal/crdt"
	"github.com/devcollab/devcollab/internal/provider"
	"github.com/devcollab/devcollab/internal/relay"
)

func startRelay(t *testing.T) string {
	t.Helper()
	srv := httptest.NewServer(relay.NewServer())
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func connect(t *testing.T, ctx context.Context, url, room string, doc *crdt.Doc) *provider.Provider {
	t.Helper()
	p := provider.New(url, room, doc)
	go p.Run(ctx)
	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := p.WaitConnected(waitCtx); err != nil {
		t.Fatalf("provider never connected: %v", err)
	}
	return p
}

// waitFor polls cond until it holds or the deadline passes.
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

func TestTwoClientsConverge(t *testing.T) {
	url := startRelay(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	docA := crdt.NewDocWithSite(1)
	docB := crdt.NewDocWithSite(2)
	connect(t, ctx, url, "100001", docA)
	connect(t, ctx, url, "100001", docB)

	docA.Transact("a", func(tx *crdt.Tx) {
		docA.Text("main.go").Insert(tx, 0, "package main")
	})
	waitFor(t, "edit to reach B", func() bool {
		return docB.Text("main.go").String() == "package main"
	})

	docB.Transact("b", func(tx *crdt.Tx) {
		docB.Text("main.go").Insert(tx, 12, "\n\nfunc main() {}")
	})
	want := "package main\n\nfunc main() {}"
	waitFor(t, "edit to reach A", func() bool {
		return docA.Text("main.go").String() == want
	})
	if got := docB.Text("main.go").String(); got != want {
		t.Errorf("B text = %q, want %q", got, want)
	}
}

func TestLateJoinerReplaysLog(t *testing.T) {
	url := startRelay(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	docA := crdt.NewDocWithSite(1)
	connect(t, ctx, url, "100002", docA)
	docA.Transact("a", func(tx *crdt.Tx) {
		docA.Map("workspace").Set(tx, "a.txt", "shared")
	})

	// Relay must hold the op even with nobody else in the room yet.
	time.Sleep(50 * time.Millisecond)

	docB := crdt.NewDocWithSite(2)
	connect(t, ctx, url, "100002", docB)
	waitFor(t, "late joiner to catch up", func() bool {
		v, ok := docB.Map("workspace").Get("a.txt")
		return ok && v == "shared"
	})
}

func TestAwarenessSpreadAndLeave(t *testing.T) {
	url := startRelay(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ctxA, cancelA := context.WithCancel(ctx)
	defer cancelA()

	docA := crdt.NewDocWithSite(10)
	docB := crdt.NewDocWithSite(20)
	pa := connect(t, ctxA, url, "100003", docA)
	pb := connect(t, ctx, url, "100003", docB)

	if err := pa.Awareness().SetLocalField("user", map[string]string{"name": "alice"}); err != nil {
		t.Fatalf("set field: %v", err)
	}
	waitFor(t, "A's state to reach B", func() bool {
		var u map[string]string
		return pb.Awareness().Field(10, "user", &u) && u["name"] == "alice"
	})

	// Dropping A's connection must clear its state for B.
	cancelA()
	waitFor(t, "A's state to vanish", func() bool {
		_, ok := pb.Awareness().States()[10]
		return !ok
	})
}

func TestOfflineEditsFlushOnReconnect(t *testing.T) {
	url := startRelay(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	docA := crdt.NewDocWithSite(1)
	pa := provider.New(url, "100004", docA)
	// Edit before the relay connection exists; the batch must queue.
	docA.Transact("a", func(tx *crdt.Tx) {
		docA.Text("notes.md").Insert(tx, 0, "offline")
	})
	go pa.Run(ctx)
	waitCtx, cancelWait := context.WithTimeout(ctx, 5*time.Second)
	defer cancelWait()
	if err := pa.WaitConnected(waitCtx); err != nil {
		t.Fatalf("provider never connected: %v", err)
	}

	docB := crdt.NewDocWithSite(2)
	connect(t, ctx, url, "100004", docB)
	waitFor(t, "queued edit to replicate", func() bool {
		return docB.Text("notes.md").String() == "offline"
	})
}
