package crdt

import "sync"

// UndoManager tracks the mutations one origin makes to one text container
// and can revert them without touching concurrent edits from other peers.
// Undoing an insert deletes exactly the atoms that insert created; undoing a
// delete restores the removed atoms at their original positions.
type UndoManager struct {
	mu      sync.Mutex
	doc     *Doc
	text    *Text
	tracked any

	undoStack [][]Op
	redoStack [][]Op
	applying  bool

	commitSub *Subscription
}

// NewUndoManager tracks mutations with the given origin on text.
func NewUndoManager(doc *Doc, text *Text, tracked any) *UndoManager {
	um := &UndoManager{doc: doc, text: text, tracked: tracked}
	um.commitSub = doc.OnCommit(um.onCommit)
	return um
}

// Close stops tracking new commits. Batches already captured stay undoable.
func (um *UndoManager) Close() {
	um.commitSub.Cancel()
}

func (um *UndoManager) onCommit(origin any, ops []Op) {
	if origin != um.tracked {
		return
	}
	um.mu.Lock()
	defer um.mu.Unlock()
	if um.applying {
		return
	}
	var batch []Op
	for _, op := range ops {
		if op.Container != um.text.name {
			continue
		}
		if op.Type == OpTextInsert || op.Type == OpTextDelete {
			batch = append(batch, op)
		}
	}
	if len(batch) == 0 {
		return
	}
	um.undoStack = append(um.undoStack, batch)
	um.redoStack = nil
}

// Undo reverts the most recent tracked batch. Returns false when there is
// nothing to undo.
func (um *UndoManager) Undo() bool {
	return um.pop(&um.undoStack, &um.redoStack)
}

// Redo re-applies the most recently undone batch. Returns false when there
// is nothing to redo.
func (um *UndoManager) Redo() bool {
	return um.pop(&um.redoStack, &um.undoStack)
}

func (um *UndoManager) pop(from, to *[][]Op) bool {
	um.mu.Lock()
	if len(*from) == 0 {
		um.mu.Unlock()
		return false
	}
	batch := (*from)[len(*from)-1]
	*from = (*from)[:len(*from)-1]
	*to = append(*to, batch)
	um.applying = true
	um.mu.Unlock()

	// Apply the inverse of each op, newest first, as a fresh transaction so
	// the revert replicates to peers like any other edit.
	um.doc.Transact(um.tracked, func(tx *Tx) {
		for i := len(batch) - 1; i >= 0; i-- {
			op := batch[i]
			switch op.Type {
			case OpTextInsert:
				um.text.applyDelete(tx, op.Atoms)
				tx.ops = append(tx.ops, Op{
					Type:      OpTextDelete,
					Container: op.Container,
					Atoms:     op.Atoms,
					Lamport:   um.doc.tick(),
					Site:      um.doc.site,
				})
			case OpTextDelete:
				um.text.applyInsert(tx, op.Atoms)
				tx.ops = append(tx.ops, Op{
					Type:      OpTextInsert,
					Container: op.Container,
					Atoms:     op.Atoms,
					Lamport:   um.doc.tick(),
					Site:      um.doc.site,
				})
			}
		}
	})

	um.mu.Lock()
	// Invert the stored batch in place so the opposite stack replays it.
	inverted := make([]Op, len(batch))
	for i, op := range batch {
		inv := op
		if op.Type == OpTextInsert {
			inv.Type = OpTextDelete
		} else {
			inv.Type = OpTextInsert
		}
		inverted[len(batch)-1-i] = inv
	}
	(*to)[len(*to)-1] = inverted
	um.applying = false
	um.mu.Unlock()
	return true
}
