package ioclass

import (
	"context"
	"fmt"
	"sort"

	"github.com/radiocosmology/alpenhornd/config"
	"github.com/radiocosmology/alpenhornd/fs"
	"github.com/radiocosmology/alpenhornd/fsroot"
	"github.com/radiocosmology/alpenhornd/importer"
	"github.com/radiocosmology/alpenhornd/index"
	"github.com/radiocosmology/alpenhornd/transfer"
)

// TransportRefreshPolicy is short: physical media capacity is cheap to
// restat and changes as soon as a pull lands.
const TransportRefreshPolicy = 0

// Transport models sneakernet media: a multi-node group where pulls
// must stay on one host (no network hop) and fill one member before
// moving to the next (spec.md §4.4, "Transport").
type Transport struct {
	base
	puller *transfer.Puller

	// sem bounds in-flight pull subprocesses to ConcurrentPulls
	// (spec.md §4.7 backpressure, invariant #8).
	sem chan struct{}
}

// NewTransport constructs a Transport Node I/O instance for node.
func NewTransport(store index.Store, node fs.Node, imp *importer.Engine, hostname string, defaults config.ClassDefaults) *Transport {
	slots := defaults.ConcurrentPulls
	if slots < 1 {
		slots = 1
	}
	return &Transport{
		base:   newBase(store, fsroot.New(node.Root), imp, TransportRefreshPolicy),
		puller: transfer.NewPuller(hostname, node.AutoVerify || defaults.VerifyOnPull),
		sem:    make(chan struct{}, slots),
	}
}

// Pull selects the fullest member with room for the file and local to
// the source, then pulls (spec.md §4.4, "fill a media before starting
// the next"). attempt is the 1-based retry count, forwarded to
// pullOne's backoff decision.
func (c *Transport) Pull(ctx context.Context, req fs.CopyRequest, group fs.Group, members []fs.Node, attempt int) error {
	select {
	case c.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-c.sem }()

	f, found, err := c.Store.FileByID(ctx, req.FileID)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("transport: file %d not found", req.FileID)
	}

	dest, err := c.selectDestination(ctx, members, f)
	if err != nil {
		return err
	}
	return pullOne(ctx, c.Store, c.puller, dest, fsroot.New(dest.Root), req, true, attempt)
}

// Idle reports whether no pull is currently in flight.
func (c *Transport) Idle() bool {
	return len(c.sem) == 0
}

// selectDestination picks the member with the most bytes used that
// still has room for f, ties broken by node name (spec.md §4.4).
func (c *Transport) selectDestination(ctx context.Context, members []fs.Node, f fs.File) (fs.Node, error) {
	type candidate struct {
		node fs.Node
		used float64 // GB used, higher = more filled
	}
	var ranked []candidate
	for _, n := range members {
		root := fsroot.New(n.Root)
		avail, err := root.BytesAvailable()
		if err != nil {
			continue
		}
		if avail < f.SizeB {
			continue
		}
		used := n.MaxTotalGB - float64(avail)/(1<<30)
		ranked = append(ranked, candidate{node: n, used: used})
	}
	if len(ranked) == 0 {
		return fs.Node{}, fmt.Errorf("transport: no member node has room for %d bytes", f.SizeB)
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].used != ranked[j].used {
			return ranked[i].used > ranked[j].used
		}
		return ranked[i].node.Name < ranked[j].node.Name
	})
	return ranked[0].node, nil
}
