// Package watch is the auto-import watcher of spec.md §4.5: one
// fsnotify watch per available node with auto-import on, filtering
// dot-files and lock-file suppression before handing a path to the
// import engine via the worker pool. The accumulate-then-flush pattern
// (batch fsnotify events into a per-tick set rather than reacting to
// every raw event) follows the teacher's own ChangeNotify goroutine in
// backend/local/changenotify_other.go.
package watch

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/radiocosmology/alpenhornd/fsroot"
	"github.com/radiocosmology/alpenhornd/logging"
	"github.com/radiocosmology/alpenhornd/worker"
)

// ImportFunc enqueues an import task for relPath on node; the caller
// supplies this so Watcher has no direct dependency on the importer or
// index packages.
type ImportFunc func(node, relPath string)

// Watcher manages one fsnotify watch over a node's root.
type Watcher struct {
	Node     string
	Root     *fsroot.Root
	Pool     *worker.Pool
	Import   ImportFunc
	TidyUp   func(node string)
	Interval time.Duration // how often to flush accumulated events

	fsw *fsnotify.Watcher

	mu      sync.Mutex
	locked  map[string]bool // basenames currently suppressed by a .NAME.lock
	pending map[string]bool // relpaths seen since the last flush

	stop chan struct{}
	done chan struct{}
}

// NewWatcher builds a Watcher; call Start to begin watching.
func NewWatcher(node string, root *fsroot.Root, pool *worker.Pool, imp ImportFunc, tidy func(node string)) *Watcher {
	return &Watcher{
		Node:     node,
		Root:     root,
		Pool:     pool,
		Import:   imp,
		TidyUp:   tidy,
		Interval: 2 * time.Second,
		locked:   map[string]bool{},
		pending:  map[string]bool{},
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start begins watching the node's root, enqueues a catch-up scan, and
// enqueues a tidy-up (spec.md §4.5, "A catch-up scan is enqueued when
// auto-import starts... A tidy-up task is enqueued on the same event").
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	w.fsw = fsw

	if err := w.addRecursive(w.Root.Base()); err != nil {
		_ = fsw.Close()
		return err
	}

	log := logging.WithNode("watch", w.Node)
	log.Info().Msg("starting auto-import watch")

	w.Pool.Submit(worker.Task{
		Name: "catch-up-scan", Key: w.Node,
		Run: func(ctx context.Context) error { w.catchUp(); return nil },
	})
	if w.TidyUp != nil {
		w.Pool.Submit(worker.Task{
			Name: "tidy-up", Key: w.Node,
			Run: func(ctx context.Context) error { w.TidyUp(w.Node); return nil },
		})
	}

	go w.loop(ctx)
	return nil
}

// Stop closes the underlying fsnotify watch and waits for the event
// loop to exit.
func (w *Watcher) Stop() {
	close(w.stop)
	<-w.done
	if w.fsw != nil {
		_ = w.fsw.Close()
	}
}

// addRecursive registers a watch on dir and every subdirectory; fsnotify
// does not watch recursively on its own.
func (w *Watcher) addRecursive(dir string) error {
	return filepath.Walk(dir, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return w.fsw.Add(p)
		}
		return nil
	})
}

func (w *Watcher) loop(ctx context.Context) {
	defer close(w.done)
	ticker := time.NewTicker(w.Interval)
	defer ticker.Stop()
	log := logging.WithNode("watch", w.Node)

	for {
		select {
		case <-w.stop:
			return
		case <-ctx.Done():
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handleEvent(ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Msg("watch error")
		case <-ticker.C:
			w.flush()
		}
	}
}

// handleEvent applies the filtering rules of spec.md §4.5 in order.
func (w *Watcher) handleEvent(ev fsnotify.Event) {
	base := filepath.Base(ev.Name)

	rel, err := w.Root.RelPath(ev.Name)
	if err != nil {
		return
	}

	if name, ok := fsroot.IsLockFile(base); ok {
		w.mu.Lock()
		if ev.Op&fsnotify.Remove != 0 || ev.Op&fsnotify.Rename != 0 {
			delete(w.locked, name)
			// re-enqueue NAME now that its lock is gone
			w.pending[siblingPath(rel, name)] = true
		} else {
			w.locked[name] = true
		}
		w.mu.Unlock()
		return
	}

	if fsroot.IsHidden(base) {
		return // rule 1: ignore unrelated dot-files
	}

	info, statErr := w.Root.Stat(rel)
	if statErr == nil && info.IsDir() {
		// rule 2: directories are handled at the next scan tick only,
		// but we still need a live watch on them for their own children.
		if ev.Op&fsnotify.Create != 0 {
			_ = w.fsw.Add(ev.Name)
		}
		return
	}

	w.mu.Lock()
	locked := w.locked[base]
	w.mu.Unlock()
	if locked && ev.Op&fsnotify.Create != 0 {
		logging.WithNode("watch", w.Node).Debug().Str("path", rel).Msg("skipping import, locked")
		return
	}

	w.mu.Lock()
	w.pending[rel] = true
	w.mu.Unlock()
}

func siblingPath(lockRel, name string) string {
	dir := filepath.Dir(lockRel)
	if dir == "." {
		return name
	}
	return filepath.Join(dir, name)
}

// flush enqueues an import task for every path accumulated since the
// last flush, skipping any currently under an active lock.
func (w *Watcher) flush() {
	w.mu.Lock()
	paths := w.pending
	w.pending = map[string]bool{}
	locked := make(map[string]bool, len(w.locked))
	for k := range w.locked {
		locked[k] = true
	}
	w.mu.Unlock()

	for rel := range paths {
		if locked[filepath.Base(rel)] {
			continue
		}
		w.Import(w.Node, rel)
	}
}

// catchUp walks the whole root, treating every regular file as a
// pending import (spec.md §4.5, "A catch-up scan is enqueued when
// auto-import starts, to discover pre-existing files the watcher
// missed").
func (w *Watcher) catchUp() {
	unlock := fsroot.LockFor(w.Root.Base()).RLock()
	defer unlock()

	paths, err := scanAll(w.Root)
	if err != nil {
		logging.WithNode("watch", w.Node).Warn().Err(err).Msg("catch-up scan failed")
		return
	}
	for _, p := range paths {
		base := filepath.Base(p)
		if fsroot.IsHidden(base) {
			continue
		}
		if _, ok := fsroot.IsLockFile(base); ok {
			continue
		}
		w.Import(w.Node, p)
	}
}

func scanAll(root *fsroot.Root) ([]string, error) {
	return walkSorted(root, "")
}

// walkSorted mirrors importer.Scan without importing the importer
// package, to avoid a watch -> importer -> index -> ... dependency
// cycle risk; both call the same fsroot.ListDir primitive.
func walkSorted(root *fsroot.Root, dir string) ([]string, error) {
	entries, err := root.ListDir(dir)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if fsroot.IsHidden(e.Name) {
			continue
		}
		rel := e.Name
		if dir != "" {
			rel = filepath.Join(dir, e.Name)
		}
		if e.IsDir {
			sub, err := walkSorted(root, rel)
			if err != nil {
				return nil, err
			}
			out = append(out, sub...)
			continue
		}
		out = append(out, rel)
	}
	return out, nil
}
