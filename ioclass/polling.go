package ioclass

import (
	"context"
	"fmt"
	"time"

	"github.com/radiocosmology/alpenhornd/config"
	"github.com/radiocosmology/alpenhornd/fs"
	"github.com/radiocosmology/alpenhornd/fsroot"
	"github.com/radiocosmology/alpenhornd/importer"
	"github.com/radiocosmology/alpenhornd/index"
	"github.com/radiocosmology/alpenhornd/transfer"
)

// PollingScanInterval is the value Polling.ScanInterval reports.
const PollingScanInterval = time.Minute

// Polling behaves like Default but declares that it has no reliable
// filesystem-event source: AutoImportViaEvents always reports false.
// The daemon does not consult AutoImportViaEvents or ScanInterval: a
// Polling node with auto-import on gets the same fsnotify watcher as any
// other node, and no periodic re-scan runs for it.
type Polling struct {
	base
	puller *transfer.Puller

	// sem bounds in-flight pull subprocesses to ConcurrentPulls
	// (spec.md §4.7 backpressure, invariant #8).
	sem chan struct{}
}

// NewPolling constructs a Polling Node I/O instance for node.
func NewPolling(store index.Store, node fs.Node, imp *importer.Engine, hostname string, defaults config.ClassDefaults) *Polling {
	slots := defaults.ConcurrentPulls
	if slots < 1 {
		slots = 1
	}
	return &Polling{
		base:   newBase(store, fsroot.New(node.Root), imp, DefaultRefreshPolicy),
		puller: transfer.NewPuller(hostname, node.AutoVerify || defaults.VerifyOnPull),
		sem:    make(chan struct{}, slots),
	}
}

// AutoImportViaEvents reports false. Nothing in the daemon reads it.
func (p *Polling) AutoImportViaEvents() bool { return false }

// ScanInterval reports PollingScanInterval. Nothing in the daemon reads
// it; no periodic scan is scheduled from it.
func (p *Polling) ScanInterval() time.Duration { return PollingScanInterval }

// Pull mirrors Default.Pull: one node per group. attempt is the 1-based
// retry count, forwarded to pullOne's backoff decision.
func (p *Polling) Pull(ctx context.Context, req fs.CopyRequest, group fs.Group, members []fs.Node, attempt int) error {
	if len(members) != 1 {
		return fmt.Errorf("polling class: group %s must have exactly one member, has %d", group.Name, len(members))
	}
	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-p.sem }()

	dest := members[0]
	return pullOne(ctx, p.Store, p.puller, dest, fsroot.New(dest.Root), req, false, attempt)
}

// Idle reports whether no pull is currently in flight.
func (p *Polling) Idle() bool {
	return len(p.sem) == 0
}
