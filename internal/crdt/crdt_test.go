package crdt

import (
	"fmt"
	"testing"
)

// collect gathers every local op batch a doc produces.
func collect(d *Doc) *[][]Op {
	var batches [][]Op
	d.OnLocalOps(func(ops []Op) {
		cp := append([]Op(nil), ops...)
		batches = append(batches, cp)
	})
	return &batches
}

func flatten(batches [][]Op) []Op {
	var out []Op
	for _, b := range batches {
		out = append(out, b...)
	}
	return out
}

func TestTextInsertDelete(t *testing.T) {
	d := NewDocWithSite(1)
	txt := d.Text("f.txt")

	d.Transact("me", func(tx *Tx) {
		txt.Insert(tx, 0, "hello world")
	})
	d.Transact("me", func(tx *Tx) {
		txt.Delete(tx, 5, 6)
		txt.Insert(tx, 5, "!")
	})

	if got := txt.String(); got != "hello!" {
		t.Errorf("text = %q, want %q", got, "hello!")
	}
}

func TestTextConvergence(t *testing.T) {
	a := NewDocWithSite(1)
	b := NewDocWithSite(2)

	aOps := collect(a)
	bOps := collect(b)

	// Same seed on both.
	a.Transact("a", func(tx *Tx) { a.Text("f").Insert(tx, 0, "base") })
	b.ApplyRemote("net", flatten(*aOps))
	*aOps = nil

	// Concurrent edits at the same offset.
	a.Transact("a", func(tx *Tx) { a.Text("f").Insert(tx, 4, " from-a") })
	b.Transact("b", func(tx *Tx) { b.Text("f").Insert(tx, 4, " from-b") })

	a.ApplyRemote("net", flatten(*bOps))
	b.ApplyRemote("net", flatten(*aOps))

	if a.Text("f").String() != b.Text("f").String() {
		t.Errorf("diverged: a=%q b=%q", a.Text("f").String(), b.Text("f").String())
	}
}

func TestTextApplyOrderIndependent(t *testing.T) {
	src := NewDocWithSite(1)
	ops := collect(src)
	src.Transact("s", func(tx *Tx) { src.Text("f").Insert(tx, 0, "abc") })
	src.Transact("s", func(tx *Tx) { src.Text("f").Insert(tx, 3, "def") })
	src.Transact("s", func(tx *Tx) { src.Text("f").Delete(tx, 1, 2) })

	batches := *ops
	if len(batches) != 3 {
		t.Fatalf("got %d batches, want 3", len(batches))
	}

	orders := [][]int{{0, 1, 2}, {2, 1, 0}, {1, 0, 2}, {1, 2, 0}, {2, 0, 1}, {0, 2, 1}}
	want := src.Text("f").String()
	for _, order := range orders {
		peer := NewDocWithSite(9)
		for _, i := range order {
			peer.ApplyRemote("net", batches[i])
		}
		if got := peer.Text("f").String(); got != want {
			t.Errorf("order %v: got %q, want %q", order, got, want)
		}
	}
}

func TestTextIdempotentApply(t *testing.T) {
	src := NewDocWithSite(1)
	ops := collect(src)
	src.Transact("s", func(tx *Tx) { src.Text("f").Insert(tx, 0, "abc") })

	peer := NewDocWithSite(2)
	all := flatten(*ops)
	peer.ApplyRemote("net", all)
	peer.ApplyRemote("net", all) // redelivery
	if got := peer.Text("f").String(); got != "abc" {
		t.Errorf("after duplicate apply: %q, want %q", got, "abc")
	}
}

func TestTextEventOrigin(t *testing.T) {
	d := NewDocWithSite(1)
	txt := d.Text("f")

	var origins []any
	sub := txt.Observe(func(ev TextEvent) {
		origins = append(origins, ev.Origin)
	})
	defer sub.Cancel()

	d.Transact("local", func(tx *Tx) { txt.Insert(tx, 0, "x") })
	d.ApplyRemote("remote", []Op{{
		Type: OpTextInsert, Container: "f",
		Atoms: []Atom{{ID: ID{Digits: []Digit{{Pos: 99, Site: 7, Clock: 1}}}, Rune: "y"}},
	}})

	if len(origins) != 2 || origins[0] != "local" || origins[1] != "remote" {
		t.Errorf("origins = %v, want [local remote]", origins)
	}
}

func TestMapLastWriterWins(t *testing.T) {
	a := NewDocWithSite(1)
	b := NewDocWithSite(2)
	aOps := collect(a)
	bOps := collect(b)

	a.Transact("a", func(tx *Tx) { a.Map("reg").Set(tx, "k", "from-a") })
	b.Transact("b", func(tx *Tx) { b.Map("reg").Set(tx, "k", "from-b") })

	a.ApplyRemote("net", flatten(*bOps))
	b.ApplyRemote("net", flatten(*aOps))

	va, _ := a.Map("reg").Get("k")
	vb, _ := b.Map("reg").Get("k")
	if va != vb {
		t.Errorf("diverged: a=%q b=%q", va, vb)
	}
	// Equal lamport, higher site wins.
	if va != "from-b" {
		t.Errorf("winner = %q, want from-b", va)
	}
}

func TestMapDeleteTombstone(t *testing.T) {
	a := NewDocWithSite(1)
	aOps := collect(a)
	a.Transact("a", func(tx *Tx) { a.Map("reg").Set(tx, "k", "v") })
	a.Transact("a", func(tx *Tx) { a.Map("reg").Delete(tx, "k") })

	peer := NewDocWithSite(2)
	batches := *aOps
	// Delete first, then the older set: set must not resurrect the key.
	peer.ApplyRemote("net", batches[1])
	peer.ApplyRemote("net", batches[0])
	if peer.Map("reg").Has("k") {
		t.Error("stale set resurrected a deleted key")
	}
}

func TestMapEvents(t *testing.T) {
	d := NewDocWithSite(1)
	m := d.Map("reg")

	var got []string
	sub := m.Observe(func(ev MapEvent) {
		for k, c := range ev.Keys {
			got = append(got, fmt.Sprintf("%s:%s", k, c.Action))
		}
	})
	defer sub.Cancel()

	d.Transact("x", func(tx *Tx) { m.Set(tx, "a", "1") })
	d.Transact("x", func(tx *Tx) { m.Set(tx, "a", "2") })
	d.Transact("x", func(tx *Tx) { m.Delete(tx, "a") })

	want := []string{"a:add", "a:update", "a:delete"}
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestListOrderAndDedup(t *testing.T) {
	a := NewDocWithSite(1)
	b := NewDocWithSite(2)
	aOps := collect(a)
	bOps := collect(b)

	a.Transact("a", func(tx *Tx) { a.List("out").Push(tx, "a1") })
	b.Transact("b", func(tx *Tx) { b.List("out").Push(tx, "b1") })

	aBatch := flatten(*aOps)
	bBatch := flatten(*bOps)
	a.ApplyRemote("net", bBatch)
	a.ApplyRemote("net", bBatch) // duplicate delivery
	b.ApplyRemote("net", aBatch)

	as := a.List("out").Slice()
	bs := b.List("out").Slice()
	if len(as) != 2 || len(bs) != 2 {
		t.Fatalf("lengths: a=%d b=%d, want 2", len(as), len(bs))
	}
	for i := range as {
		if as[i] != bs[i] {
			t.Errorf("diverged at %d: a=%q b=%q", i, as[i], bs[i])
		}
	}
}

func TestUndoRevertsOnlyTrackedOrigin(t *testing.T) {
	d := NewDocWithSite(1)
	txt := d.Text("f")
	um := NewUndoManager(d, txt, "me")

	d.Transact("me", func(tx *Tx) { txt.Insert(tx, 0, "mine") })
	// A concurrent remote edit lands after ours.
	d.ApplyRemote("remote", []Op{{
		Type: OpTextInsert, Container: "f",
		Atoms: []Atom{{ID: ID{Digits: []Digit{{Pos: maxPos - 1, Site: 7, Clock: 1}}}, Rune: "R"}},
	}})

	if !um.Undo() {
		t.Fatal("undo had nothing to revert")
	}
	if got := txt.String(); got != "R" {
		t.Errorf("after undo: %q, want %q (remote edit preserved)", got, "R")
	}
	if !um.Redo() {
		t.Fatal("redo had nothing to apply")
	}
	if got := txt.String(); got != "mineR" {
		t.Errorf("after redo: %q, want %q", got, "mineR")
	}
	if um.Redo() {
		t.Error("second redo should report nothing to apply")
	}
}

func TestUndoEmptyStack(t *testing.T) {
	d := NewDocWithSite(1)
	um := NewUndoManager(d, d.Text("f"), "me")
	if um.Undo() {
		t.Error("undo on empty stack should return false")
	}
}

func TestUndoManagerCloseStopsTracking(t *testing.T) {
	d := NewDocWithSite(1)
	txt := d.Text("f")
	um := NewUndoManager(d, txt, "me")

	d.Transact("me", func(tx *Tx) { txt.Insert(tx, 0, "first") })
	um.Close()
	d.Transact("me", func(tx *Tx) { txt.Insert(tx, 5, " second") })

	// Only the batch committed before Close is on the stack.
	if !um.Undo() {
		t.Fatal("expected the pre-close batch to be undoable")
	}
	if got := txt.String(); got != " second" {
		t.Errorf("after undo: %q, want %q", got, " second")
	}
	if um.Undo() {
		t.Error("batch committed after Close was tracked")
	}
}
