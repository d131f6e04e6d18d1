// Package ioclass implements the pluggable I/O class framework of
// spec.md §4.4: Default, Transport and Polling provide the Node I/O and
// Group I/O capability sets every daemon instantiates at startup, one
// object per available node/group. Each embeds a common base that
// handles the parts of the contract (init marker, hashing-based check,
// safe delete, tidy-up) that do not vary between classes; only
// AvailableBytes/Pull and the auto-import flag differ per class.
package ioclass

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/radiocosmology/alpenhornd/fs"
	"github.com/radiocosmology/alpenhornd/fsroot"
	"github.com/radiocosmology/alpenhornd/importer"
	"github.com/radiocosmology/alpenhornd/index"
	"github.com/radiocosmology/alpenhornd/logging"
)

// base is embedded by every Node I/O class; it is not itself registered.
type base struct {
	Store    index.Store
	Root     *fsroot.Root
	Lock     *fsroot.UpdateDownLock
	Importer *importer.Engine

	cachedAvail   int64
	cachedAvailAt time.Time
	refreshPolicy time.Duration
}

func newBase(store index.Store, root *fsroot.Root, imp *importer.Engine, refresh time.Duration) base {
	return base{Store: store, Root: root, Lock: fsroot.LockFor(root.Base()), Importer: imp, refreshPolicy: refresh}
}

// CheckInit verifies or creates the ALPENHORN_NODE marker (spec.md §4.4
// check_init()).
func (b *base) CheckInit(ctx context.Context, node fs.Node) (fs.InitStatus, error) {
	ok, err := b.Root.CheckMarker(node.Name)
	if err != nil {
		return fs.InitError, err
	}
	if ok {
		return fs.Initialised, nil
	}
	exists, err := b.Root.Exists(fsroot.MarkerName)
	if err != nil {
		return fs.InitError, err
	}
	if exists {
		// Marker present but names a different node: do not overwrite
		// another node's claim on this root.
		return fs.InitError, fmt.Errorf("root already initialised for a different node")
	}
	if err := b.Root.WriteMarker(node.Name); err != nil {
		return fs.InitError, err
	}
	return fs.NotInitialised, nil
}

// BytesAvailRefreshPolicy declares the cache TTL for AvailableBytes.
func (b *base) BytesAvailRefreshPolicy() time.Duration { return b.refreshPolicy }

// AvailableBytes returns free space, refreshed at most every
// refreshPolicy (spec.md §4.4 available_bytes()).
func (b *base) AvailableBytes(ctx context.Context, node fs.Node) (int64, error) {
	if !b.cachedAvailAt.IsZero() && time.Since(b.cachedAvailAt) < b.refreshPolicy {
		return b.cachedAvail, nil
	}
	avail, err := b.Root.BytesAvailable()
	if err != nil {
		return 0, err
	}
	b.cachedAvail = avail
	b.cachedAvailAt = time.Now()
	return avail, nil
}

// Import hands relPath to the shared import engine (spec.md §4.4
// import()).
func (b *base) Import(ctx context.Context, node fs.Node, relPath string, registerNew bool) error {
	return b.Importer.Import(ctx, node, b.Root, relPath, registerNew, 0)
}

// Check recomputes size and hash for file and updates its copy state to
// Healthy, Corrupt or Missing (spec.md §4.4 check()).
func (b *base) Check(ctx context.Context, node fs.Node, file fs.File) (fs.CopyState, error) {
	log := logging.WithNode("ioclass", node.Name)

	exists, err := b.Root.Exists(file.Path())
	if err != nil {
		return fs.Missing, err
	}
	if !exists {
		if err := b.Store.SetCopyState(ctx, file.ID, node.Name, fs.Missing, 0); err != nil {
			return fs.Missing, err
		}
		log.Warn().Str("path", file.Path()).Msg("expected copy missing on disk")
		return fs.Missing, nil
	}

	info, err := b.Root.Stat(file.Path())
	if err != nil {
		return fs.Corrupt, err
	}
	sum, err := b.Root.Hash(file.Path())
	if err != nil {
		return fs.Corrupt, err
	}

	state := fs.Healthy
	if info.Size() != file.SizeB || sum != file.MD5Sum {
		state = fs.Corrupt
		log.Error().Str("path", file.Path()).Msg("checksum/size mismatch, marking Corrupt")
	}
	if err := b.Store.SetCopyState(ctx, file.ID, node.Name, state, info.Size()); err != nil {
		return state, err
	}
	return state, nil
}

// Delete unlinks file's copy on node, subject to the two-archive-copies
// precondition (spec.md §4.4 delete()).
func (b *base) Delete(ctx context.Context, node fs.Node, file fs.File) error {
	log := logging.WithNode("ioclass", node.Name)

	count, err := b.Store.ArchiveCopyCount(ctx, file.ID, node.Name)
	if err != nil {
		return err
	}
	if count < 2 {
		log.Warn().Str("path", file.Path()).Int("archive_copies", count).
			Msg("refusing delete: fewer than two other archive copies exist")
		return nil
	}

	unlock := b.Lock.Lock()
	defer unlock()

	if err := b.Root.RemoveFile(file.Path()); err != nil {
		return fmt.Errorf("unlink %s: %w", file.Path(), err)
	}
	if err := b.Root.RemoveEmptyParentsUpToRoot(file.Path()); err != nil {
		return fmt.Errorf("prune empty parents of %s: %w", file.Path(), err)
	}
	return b.Store.SetCopyState(ctx, file.ID, node.Name, fs.Removed, 0)
}

// TidyUp scans for leftover transfer temp files and removes them
// (spec.md §4.4 tidy_up()). It does not clear stale Missing copies.
func (b *base) TidyUp(ctx context.Context, node fs.Node) error {
	log := logging.WithNode("ioclass", node.Name)

	unlock := b.Lock.RLock()
	defer unlock()

	paths, err := scanAll(b.Root)
	if err != nil {
		return err
	}
	for _, p := range paths {
		base := p
		if idx := strings.LastIndexByte(p, '/'); idx >= 0 {
			base = p[idx+1:]
		}
		if isTransferTemp(base) {
			if err := b.Root.RemoveFile(p); err != nil {
				log.Warn().Str("path", p).Err(err).Msg("failed to remove stale temp file")
				continue
			}
			log.Info().Str("path", p).Msg("removed stale transfer temp file")
		}
	}

	// Missing copies are left as they are: nothing here or in the
	// daemon's per-tick dispatch lists FileCopiesInState(Missing), so a
	// Missing copy whose file is present on disk keeps that state.
	return nil
}

// Ready reports readiness for a pull source; the base behavior is
// always-ready (spec.md §4.4 ready()).
func (b *base) Ready(ctx context.Context, node fs.Node, file fs.File) (bool, error) {
	return true, nil
}

// scanAll lists every regular file under root, dot-prefixed names
// included, so TidyUp sees the hidden transfer temp names.
func scanAll(root *fsroot.Root) ([]string, error) {
	var out []string
	err := filepath.WalkDir(root.Base(), func(p string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, err := root.RelPath(p)
		if err != nil {
			return err
		}
		out = append(out, rel)
		return nil
	})
	return out, err
}

// isTransferTemp reports whether base names a hidden staging file left
// by an aborted transfer (spec.md §4.7 step 3, ".<basename>.<uuid>").
func isTransferTemp(base string) bool {
	if !strings.HasPrefix(base, ".") {
		return false
	}
	rest := strings.TrimPrefix(base, ".")
	idx := strings.LastIndexByte(rest, '.')
	if idx <= 0 {
		return false
	}
	suffix := rest[idx+1:]
	return len(suffix) >= 8
}
