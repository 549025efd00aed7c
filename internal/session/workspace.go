package session

import (
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	"github.com/devcollab/devcollab/internal/crdt"
	"github.com/devcollab/devcollab/internal/logger"
)

// workspaceMap is the shared index container: relative path → text
// container id.
const workspaceMap = "workspace-map"

// Directories the watcher never descends into.
var watchSkip = map[string]bool{
	".git":         true,
	"node_modules": true,
	".devcollab":   true,
}

// treeSync keeps the local file tree and the shared workspace index equal.
// Each indexed path maps to the id of the text container holding that
// file's content; bindings are created and disposed as index entries come
// and go.
type treeSync struct {
	sess  *Session
	index *crdt.Map

	watcher *fsnotify.Watcher
	mapSub  *crdt.Subscription
	done    chan struct{}

	mu             sync.Mutex
	applyingRemote bool
}

func newTreeSync(s *Session) *treeSync {
	ts := &treeSync{
		sess:  s,
		index: s.doc.Map(workspaceMap),
		done:  make(chan struct{}),
	}
	ts.mapSub = ts.index.Observe(ts.onIndexChange)
	return ts
}

// seed publishes every workspace file into the index and binds it. Host
// startup path.
func (ts *treeSync) seed() error {
	files, err := ts.sess.ws.Files()
	if err != nil {
		return err
	}
	for _, rel := range files {
		if err := ts.share(rel); err != nil {
			return err
		}
	}
	return nil
}

// adopt binds every path already present in the index. Guest startup path;
// the index and the file contents arrived with the connection handshake.
func (ts *treeSync) adopt() {
	ts.index.ForEach(func(rel, containerID string) {
		ts.materialize(rel, containerID)
	})
}

// share indexes one local file under a fresh container id and binds it.
func (ts *treeSync) share(rel string) error {
	if ts.index.Has(rel) {
		return nil
	}
	containerID := uuid.NewString()
	ts.sess.doc.Transact(ts, func(tx *crdt.Tx) {
		ts.index.Set(tx, rel, containerID)
	})
	return ts.sess.bind(rel, containerID)
}

// unshare removes rel (and, for directories, everything under it) from the
// index and disposes the bindings.
func (ts *treeSync) unshare(rel string) {
	prefix := rel + "/"
	var victims []string
	ts.index.ForEach(func(key, _ string) {
		if key == rel || strings.HasPrefix(key, prefix) {
			victims = append(victims, key)
		}
	})
	if len(victims) == 0 {
		return
	}
	ts.sess.doc.Transact(ts, func(tx *crdt.Tx) {
		for _, key := range victims {
			ts.index.Delete(tx, key)
		}
	})
	for _, key := range victims {
		ts.sess.unbind(key)
	}
}

// watch mirrors local filesystem creates and deletes into the index until
// the session closes.
func (ts *treeSync) watch() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	ts.watcher = w
	if err := ts.addWatches(ts.sess.ws.Root()); err != nil {
		w.Close()
		ts.watcher = nil
		return err
	}
	go ts.watchLoop()
	return nil
}

// addWatches registers dir and every subdirectory; fsnotify watches are not
// recursive.
func (ts *treeSync) addWatches(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != dir && watchSkip[d.Name()] {
			return filepath.SkipDir
		}
		return ts.watcher.Add(path)
	})
}

func (ts *treeSync) watchLoop() {
	for {
		select {
		case <-ts.done:
			return
		case ev, ok := <-ts.watcher.Events:
			if !ok {
				return
			}
			ts.handleFSEvent(ev)
		case err, ok := <-ts.watcher.Errors:
			if !ok {
				return
			}
			logger.Warn("workspace watcher error", "error", err)
		}
	}
}

func (ts *treeSync) handleFSEvent(ev fsnotify.Event) {
	rel, ok := ts.relPath(ev.Name)
	if !ok {
		return
	}

	switch {
	case ev.Has(fsnotify.Create):
		if ts.isApplyingRemote() {
			return
		}
		info, err := os.Stat(ev.Name)
		if err != nil {
			return
		}
		if info.IsDir() {
			if watchSkip[filepath.Base(ev.Name)] {
				return
			}
			// Files may land in the directory before its watch is active.
			if err := ts.addWatches(ev.Name); err != nil {
				logger.Warn("watching new directory failed", "dir", rel, "error", err)
			}
			ts.scanDir(ev.Name)
			return
		}
		if info.Mode().IsRegular() {
			if err := ts.share(rel); err != nil {
				logger.Warn("sharing created file failed", "path", rel, "error", err)
			}
		}

	case ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename):
		if ts.isApplyingRemote() {
			return
		}
		ts.unshare(rel)
	}
}

// scanDir shares regular files that appeared before the directory watch was
// in place.
func (ts *treeSync) scanDir(dir string) {
	filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || !d.Type().IsRegular() {
			return nil
		}
		if rel, ok := ts.relPath(path); ok {
			ts.share(rel)
		}
		return nil
	})
}

// onIndexChange reacts to replicated index mutations. Entries the local
// side wrote echo back with this treeSync as origin and are skipped.
func (ts *treeSync) onIndexChange(ev crdt.MapEvent) {
	if ev.Origin == ts {
		return
	}
	for rel, change := range ev.Keys {
		switch change.Action {
		case crdt.MapActionAdd:
			containerID, ok := ts.index.Get(rel)
			if !ok {
				continue
			}
			ts.materialize(rel, containerID)

		case crdt.MapActionUpdate:
			// A concurrent create of the same path lost to this entry;
			// rebind to the winning container. Never two bindings per path.
			containerID, ok := ts.index.Get(rel)
			if !ok {
				continue
			}
			ts.sess.unbind(rel)
			ts.materialize(rel, containerID)

		case crdt.MapActionDelete:
			ts.setApplyingRemote(true)
			ts.sess.unbind(rel)
			if err := ts.sess.ws.Delete(rel); err != nil {
				logger.Warn("deleting replicated removal failed", "path", rel, "error", err)
			}
			ts.setApplyingRemote(false)
		}
	}
}

// materialize ensures rel exists locally and binds it to its container.
func (ts *treeSync) materialize(rel, containerID string) {
	if _, err := ts.sess.ws.Read(rel); err != nil {
		ts.setApplyingRemote(true)
		if err := ts.sess.ws.Write(rel, ""); err != nil {
			ts.setApplyingRemote(false)
			logger.Warn("materializing replicated file failed", "path", rel, "error", err)
			return
		}
		ts.setApplyingRemote(false)
	}
	if err := ts.sess.bind(rel, containerID); err != nil {
		logger.Warn("binding replicated file failed", "path", rel, "error", err)
	}
}

func (ts *treeSync) relPath(abs string) (string, bool) {
	rel, err := filepath.Rel(ts.sess.ws.Root(), abs)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return "", false
	}
	rel = filepath.ToSlash(rel)
	for _, part := range strings.Split(rel, "/") {
		if watchSkip[part] {
			return "", false
		}
	}
	return rel, true
}

func (ts *treeSync) isApplyingRemote() bool {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.applyingRemote
}

func (ts *treeSync) setApplyingRemote(v bool) {
	ts.mu.Lock()
	ts.applyingRemote = v
	ts.mu.Unlock()
}

func (ts *treeSync) close() {
	ts.mapSub.Cancel()
	close(ts.done)
	if ts.watcher != nil {
		ts.watcher.Close()
	}
}
