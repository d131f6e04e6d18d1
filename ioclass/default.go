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
	"github.com/radiocosmology/alpenhornd/logging"
	"github.com/radiocosmology/alpenhornd/transfer"
	"github.com/radiocosmology/alpenhornd/worker"
)

// DefaultRefreshPolicy is the available_bytes() cache TTL for the
// Default and Polling classes.
const DefaultRefreshPolicy = 5 * time.Minute

// Default is a one-node-per-group class: Pull always targets the
// group's single member (spec.md §4.4, "Default").
type Default struct {
	base
	puller *transfer.Puller

	// sem bounds in-flight pull subprocesses to ConcurrentPulls
	// (spec.md §4.7 backpressure, invariant #8).
	sem chan struct{}
}

// NewDefault constructs a Default Node I/O instance for node.
func NewDefault(store index.Store, node fs.Node, imp *importer.Engine, hostname string, defaults config.ClassDefaults) *Default {
	slots := defaults.ConcurrentPulls
	if slots < 1 {
		slots = 1
	}
	return &Default{
		base:   newBase(store, fsroot.New(node.Root), imp, DefaultRefreshPolicy),
		puller: transfer.NewPuller(hostname, node.AutoVerify || defaults.VerifyOnPull),
		sem:    make(chan struct{}, slots),
	}
}

// Pull implements GroupIO: the group has exactly one member, so there is
// no destination selection to do. attempt is the 1-based retry count,
// forwarded to pullOne's backoff decision.
func (d *Default) Pull(ctx context.Context, req fs.CopyRequest, group fs.Group, members []fs.Node, attempt int) error {
	if len(members) != 1 {
		return fmt.Errorf("default class: group %s must have exactly one member, has %d", group.Name, len(members))
	}
	select {
	case d.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-d.sem }()

	dest := members[0]
	return pullOne(ctx, d.Store, d.puller, dest, fsroot.New(dest.Root), req, false, attempt)
}

// Idle reports whether no pull is currently in flight.
func (d *Default) Idle() bool {
	return len(d.sem) == 0
}

// pullOne resolves the requested file and a healthy source copy, then
// drives the transfer and the resulting FileCopy/CopyRequest bookkeeping
// the transfer package itself stays ignorant of (spec.md §4.7 steps 1
// and 9). attempt is the 1-based try count for this CopyRequest; on
// failure it is checked against the retry ladder of §4.7 step 6 before
// the copy is downgraded to Missing.
func pullOne(ctx context.Context, store index.Store, puller *transfer.Puller, dest fs.Node, destRoot *fsroot.Root, req fs.CopyRequest, sameHostOnly bool, attempt int) error {
	log := logging.WithNode("ioclass", dest.Name)

	f, found, err := store.FileByID(ctx, req.FileID)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("pull: file %d not found", req.FileID)
	}

	healthyOnDest, err := store.NodesWithCopy(ctx, f.ID, fs.Healthy)
	if err != nil {
		return err
	}
	for _, n := range healthyOnDest {
		if n.Name == dest.Name {
			log.Debug().Str("path", f.Path()).Msg("already healthy on destination, skipping pull")
			return store.CompleteCopyRequest(ctx, req.ID)
		}
	}

	src, err := selectSource(ctx, store, req, f)
	if err != nil {
		return err
	}

	lock := fsroot.LockFor(destRoot.Base())
	result, err := puller.Pull(ctx, transfer.Request{
		SourceUser:   src.Username,
		SourceAddr:   src.Address,
		SourceHost:   src.DaemonHost,
		SourcePath:   src.Root + "/" + f.Path(),
		DestRoot:     destRoot,
		DestLock:     lock,
		DestRelPath:  f.Path(),
		File:         f,
		SameHostOnly: sameHostOnly,
	})
	if err != nil {
		backoff := transfer.DefaultBackoff()
		if !backoff.Exhausted(attempt) {
			delay := backoff.Delay(attempt)
			log.Warn().Str("path", f.Path()).Int("attempt", attempt).Dur("retry_in", delay).
				Err(err).Msg("pull failed, deferring retry")
			return worker.Defer(delay)
		}
		log.Error().Str("path", f.Path()).Int("attempt", attempt).Err(err).
			Msg("pull exhausted retry budget, marking Missing")
		if setErr := store.SetCopyState(ctx, f.ID, dest.Name, fs.Missing, 0); setErr != nil {
			log.Warn().Err(setErr).Msg("failed to record failed pull as Missing")
		}
		return fmt.Errorf("pull %s from %s: %w", f.Path(), src.Name, err)
	}

	log.Info().Str("path", f.Path()).Str("tool", string(result.Tool)).Int64("bytes", result.BytesMove).Msg("pulled")
	if err := store.SetCopyState(ctx, f.ID, dest.Name, fs.Healthy, result.BytesMove); err != nil {
		return err
	}
	return store.CompleteCopyRequest(ctx, req.ID)
}

// selectSource honors an explicit NodeFrom, else picks any node holding
// a Healthy copy.
func selectSource(ctx context.Context, store index.Store, req fs.CopyRequest, f fs.File) (fs.Node, error) {
	candidates, err := store.NodesWithCopy(ctx, f.ID, fs.Healthy)
	if err != nil {
		return fs.Node{}, err
	}
	if req.NodeFrom != "" {
		for _, n := range candidates {
			if n.Name == req.NodeFrom {
				return n, nil
			}
		}
		return fs.Node{}, fmt.Errorf("pull: requested source node %q has no healthy copy of file %d", req.NodeFrom, f.ID)
	}
	if len(candidates) == 0 {
		return fs.Node{}, fmt.Errorf("pull: no source node available for file %d", f.ID)
	}
	return candidates[0], nil
}
