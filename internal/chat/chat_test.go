package chat

import (
	"testing"

	"github.com/devcollab/devcollab/internal/crdt"
)

func TestSendAndHistoryConverge(t *testing.T) {
	a := crdt.NewDocWithSite(1)
	b := crdt.NewDocWithSite(2)
	a.OnLocalOps(func(ops []crdt.Op) { b.ApplyRemote("net", ops) })
	b.OnLocalOps(func(ops []crdt.Op) { a.ApplyRemote("net", ops) })

	alice := New(a, 1, "alice")
	bob := New(b, 2, "bob")

	var received []Message
	sub := bob.OnMessage(func(m Message) { received = append(received, m) })
	defer sub.Cancel()

	alice.Send("hi")
	bob.Send("hey")

	ah := alice.History()
	bh := bob.History()
	if len(ah) != 2 || len(bh) != 2 {
		t.Fatalf("history lengths: alice=%d bob=%d, want 2", len(ah), len(bh))
	}
	for i := range ah {
		if ah[i].ID != bh[i].ID {
			t.Errorf("order diverged at %d: %s vs %s", i, ah[i].ID, bh[i].ID)
		}
	}
	if len(received) != 2 {
		t.Errorf("bob observed %d messages, want 2", len(received))
	}
	if received[0].DisplayName != "alice" || received[0].Content != "hi" {
		t.Errorf("first message = %+v", received[0])
	}
}

func TestHistorySkipsMalformedEntries(t *testing.T) {
	d := crdt.NewDocWithSite(1)
	c := New(d, 1, "alice")
	d.Transact("x", func(tx *crdt.Tx) {
		d.List("chat-history").Push(tx, "not json")
	})
	c.Send("ok")
	h := c.History()
	if len(h) != 1 || h[0].Content != "ok" {
		t.Errorf("history = %+v, want single valid message", h)
	}
}
