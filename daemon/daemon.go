// Package daemon wires every other package together into the main
// update loop and process lifecycle of spec.md §4.8/§4.10. The
// ticker-plus-select run loop follows the teacher pack's own
// reconciler goroutine (cuemby-warren's pkg/reconciler), generalized
// from a single in-process reconcile() call into the daemon's
// node/group dispatch described in §4.8.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/radiocosmology/alpenhornd/config"
	"github.com/radiocosmology/alpenhornd/fs"
	"github.com/radiocosmology/alpenhornd/fsroot"
	"github.com/radiocosmology/alpenhornd/importer"
	"github.com/radiocosmology/alpenhornd/index"
	"github.com/radiocosmology/alpenhornd/ioclass"
	"github.com/radiocosmology/alpenhornd/logging"
	"github.com/radiocosmology/alpenhornd/metrics"
	"github.com/radiocosmology/alpenhornd/watch"
	"github.com/radiocosmology/alpenhornd/worker"
)

// defaultClassDefaults is the fallback applied to any I/O class name not
// explicitly configured under io_classes, matching config.applyDefaults's
// "default" entry (spec.md §4.7 backpressure default).
var defaultClassDefaults = config.ClassDefaults{VerifyOnPull: true, ConcurrentPulls: 2}

// Daemon holds all per-process state for one site daemon.
type Daemon struct {
	cfg      *config.Config
	store    index.Store
	pool     *worker.Pool
	classes  *ioclass.Registry
	importer *importer.Engine

	mu       sync.Mutex
	nodeIO   map[string]fs.NodeIO
	roots    map[string]*fsroot.Root
	watchers map[string]*watch.Watcher
	pulling  map[int64]bool
}

// New constructs a Daemon. detectors and classes come from
// extension.Load at startup; store is a live *index.Postgres in
// production and *index.Memory in tests.
func New(cfg *config.Config, store index.Store, detectors []fs.Detector, classes *ioclass.Registry) *Daemon {
	return &Daemon{
		cfg:      cfg,
		store:    store,
		pool:     worker.NewPool(cfg.Daemon.Workers),
		classes:  classes,
		importer: importer.NewEngine(store, detectors),
		nodeIO:   map[string]fs.NodeIO{},
		roots:    map[string]*fsroot.Root{},
		watchers: map[string]*watch.Watcher{},
		pulling:  map[int64]bool{},
	}
}

// classDefaults resolves the configured per-class defaults for name,
// falling back to defaultClassDefaults when the operator hasn't listed
// the class under io_classes (spec.md §4.7 backpressure, invariant #8).
func (d *Daemon) classDefaults(name string) config.ClassDefaults {
	if cd, ok := d.cfg.IOClasses[name]; ok {
		return cd
	}
	return defaultClassDefaults
}

// Run executes the main update loop until ctx is cancelled (spec.md
// §4.8). It never returns an error on its own account; tick failures
// are logged and the loop continues, per §7's "never exit" policy for
// transient errors.
func (d *Daemon) Run(ctx context.Context) {
	log := logging.WithComponent("daemon")
	ticker := time.NewTicker(d.cfg.Daemon.UpdateInterval)
	defer ticker.Stop()

	log.Info().Dur("interval", d.cfg.Daemon.UpdateInterval).Msg("update loop started")

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("update loop stopping")
			return
		case <-ticker.C:
			d.tick(ctx)
		}
	}
}

// tick runs one pass of spec.md §4.8 steps 1-4.
func (d *Daemon) tick(ctx context.Context) {
	log := logging.WithComponent("daemon")
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.TickDuration)
	start := time.Now()

	nodes, err := d.store.FindActiveNodes(ctx, d.cfg.Daemon.Hostname)
	if err != nil {
		log.Error().Err(err).Msg("failed to refresh active nodes")
		return
	}
	metrics.ActiveNodes.Set(float64(len(nodes)))

	d.refreshNodes(ctx, nodes)

	for _, n := range nodes {
		d.dispatchNode(ctx, n)
	}

	groups, err := d.store.FindActiveGroups(ctx, nodes)
	if err != nil {
		log.Error().Err(err).Msg("failed to refresh active groups")
	} else {
		for _, g := range groups {
			d.dispatchGroup(ctx, g)
		}
	}

	ready, deferred := d.pool.Len()
	metrics.QueueReady.Set(float64(ready))
	metrics.QueueDeferred.Set(float64(deferred))

	elapsed := time.Since(start)
	if elapsed > d.cfg.Daemon.UpdateInterval {
		metrics.TicksOverBudget.Inc()
		log.Warn().Dur("elapsed", elapsed).Dur("interval", d.cfg.Daemon.UpdateInterval).Msg("tick exceeded update_interval")
	} else {
		log.Debug().Dur("elapsed", elapsed).Int("nodes", len(nodes)).Msg("tick complete")
	}
}

// refreshNodes instantiates Node I/O and watchers for newly available
// nodes, and schedules init/tidy-up/catch-up for each (spec.md §4.8
// step 1).
func (d *Daemon) refreshNodes(ctx context.Context, nodes []fs.Node) {
	log := logging.WithComponent("daemon")
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, n := range nodes {
		if _, ok := d.nodeIO[n.Name]; ok {
			continue
		}
		nio, err := d.classes.NewNodeIO(d.store, n, d.importer, d.cfg.Daemon.Hostname, d.classDefaults(n.IOClass))
		if err != nil {
			log.Error().Str("node", n.Name).Err(err).Msg("failed to build I/O class")
			continue
		}
		d.nodeIO[n.Name] = nio
		root := fsroot.New(n.Root)
		d.roots[n.Name] = root

		node := n
		d.pool.Submit(worker.Task{
			Name: "check-init", Key: node.Name,
			Run: func(ctx context.Context) error {
				_, err := nio.CheckInit(ctx, node)
				return err
			},
		})
		d.pool.Submit(worker.Task{
			Name: "tidy-up", Key: node.Name,
			Run: func(ctx context.Context) error { return nio.TidyUp(ctx, node) },
		})

		if n.AutoImport {
			w := watch.NewWatcher(n.Name, root, d.pool,
				func(node, relPath string) { d.enqueueImport(node, relPath, true, 0) },
				func(node string) { d.enqueueTidyUp(node) })
			d.watchers[n.Name] = w
			if err := w.Start(ctx); err != nil {
				log.Error().Str("node", n.Name).Err(err).Msg("failed to start auto-import watch")
			}
		}
	}
}

// dispatchNode enqueues import, verify and delete tasks for one
// available node (spec.md §4.8 step 2).
func (d *Daemon) dispatchNode(ctx context.Context, n fs.Node) {
	log := logging.WithComponent("daemon")
	d.mu.Lock()
	nio, ok := d.nodeIO[n.Name]
	d.mu.Unlock()
	if !ok {
		return
	}

	reqs, err := d.store.PendingImportRequests(ctx, n.Name, d.cfg.Daemon.ImportBatchSize)
	if err != nil {
		log.Error().Str("node", n.Name).Err(err).Msg("failed to list pending import requests")
	}
	for _, r := range reqs {
		req := r
		if req.IsNodeInit() {
			d.pool.Submit(worker.Task{
				Name: "node-init", Key: n.Name,
				Run: func(ctx context.Context) error {
					_, err := nio.CheckInit(ctx, n)
					if err != nil {
						return err
					}
					return d.store.CompleteImportRequest(ctx, req.ID)
				},
			})
			continue
		}
		d.pool.Submit(worker.Task{
			Name: "import", Key: n.Name,
			Run: func(ctx context.Context) error {
				if err := nio.Import(ctx, n, req.Path, req.RegisterNew); err != nil {
					return err
				}
				return d.store.CompleteImportRequest(ctx, req.ID)
			},
		})
	}

	suspect, err := d.store.FileCopiesInState(ctx, n.Name, fs.Suspect, d.cfg.Daemon.VerifyPerTickCap)
	if err != nil {
		log.Error().Str("node", n.Name).Err(err).Msg("failed to list suspect copies")
	}
	for _, c := range suspect {
		copy := c
		d.pool.Submit(worker.Task{
			Name: "verify", Key: n.Name, Parallelizable: true,
			Run: func(ctx context.Context) error {
				f, found, err := d.store.FileByID(ctx, copy.FileID)
				if err != nil {
					return err
				}
				if !found {
					return fmt.Errorf("verify: file %d not found", copy.FileID)
				}
				_, err = nio.Check(ctx, n, f)
				return err
			},
		})
	}

	released, err := d.store.FileCopiesInState(ctx, n.Name, fs.Released, 0)
	if err != nil {
		log.Error().Str("node", n.Name).Err(err).Msg("failed to list released copies")
	}
	for _, c := range released {
		copy := c
		d.pool.Submit(worker.Task{
			Name: "delete", Key: n.Name,
			Run: func(ctx context.Context) error {
				f, found, err := d.store.FileByID(ctx, copy.FileID)
				if err != nil {
					return err
				}
				if !found {
					return fmt.Errorf("delete: file %d not found", copy.FileID)
				}
				return nio.Delete(ctx, n, f)
			},
		})
	}

	d.pool.Submit(worker.Task{
		Name: "available-bytes", Key: n.Name, Parallelizable: true,
		Run: func(ctx context.Context) error {
			_, err := nio.AvailableBytes(ctx, n)
			return err
		},
	})
}

// dispatchGroup enqueues pull tasks for a group's pending CopyRequests
// (spec.md §4.8 step 3).
func (d *Daemon) dispatchGroup(ctx context.Context, g fs.Group) {
	log := logging.WithComponent("daemon")

	members, err := d.store.GroupMembers(ctx, g.Name)
	if err != nil {
		log.Error().Str("group", g.Name).Err(err).Msg("failed to list group members")
		return
	}
	if len(members) == 0 {
		return
	}

	gio, err := d.classes.NewGroupIO(g.IOClass, d.store, members[0], d.importer, d.cfg.Daemon.Hostname, d.classDefaults(g.IOClass))
	if err != nil {
		log.Error().Str("group", g.Name).Err(err).Msg("failed to build group I/O class")
		return
	}

	reqs, err := d.store.PendingCopyRequests(ctx, g.Name, d.cfg.Daemon.CopyBatchSize)
	if err != nil {
		log.Error().Str("group", g.Name).Err(err).Msg("failed to list pending copy requests")
		return
	}
	for _, r := range reqs {
		req := r

		d.mu.Lock()
		if d.pulling[req.ID] {
			d.mu.Unlock()
			continue
		}
		d.pulling[req.ID] = true
		d.mu.Unlock()

		metrics.PullsInFlight.WithLabelValues(g.Name).Inc()
		attempt := 1
		d.pool.Submit(worker.Task{
			Name: "pull", Key: g.Name, Parallelizable: true,
			Run: func(ctx context.Context) error {
				err := gio.Pull(ctx, req, g, members, attempt)
				attempt++

				var de *worker.DeferredError
				if errors.As(err, &de) {
					// Still retrying: leave pulling/in-flight bookkeeping
					// set until a terminal outcome (success or exhausted).
					return err
				}

				d.mu.Lock()
				delete(d.pulling, req.ID)
				d.mu.Unlock()
				metrics.PullsInFlight.WithLabelValues(g.Name).Dec()
				if err != nil {
					metrics.PullFailuresTotal.WithLabelValues(g.Name).Inc()
					return err
				}
				return nil
			},
		})
	}
}

func (d *Daemon) enqueueImport(node, relPath string, registerNew bool, fromRequest int64) {
	d.mu.Lock()
	nio, ok := d.nodeIO[node]
	d.mu.Unlock()
	if !ok {
		return
	}
	d.pool.Submit(worker.Task{
		Name: "auto-import", Key: node,
		Run: func(ctx context.Context) error {
			return nio.Import(ctx, fs.Node{Name: node}, relPath, registerNew)
		},
	})
}

func (d *Daemon) enqueueTidyUp(node string) {
	d.mu.Lock()
	nio, ok := d.nodeIO[node]
	d.mu.Unlock()
	if !ok {
		return
	}
	d.pool.Submit(worker.Task{
		Name: "tidy-up", Key: node,
		Run: func(ctx context.Context) error { return nio.TidyUp(ctx, fs.Node{Name: node}) },
	})
}

// Shutdown stops accepting new tasks and waits up to the configured
// grace period for drain (spec.md §4.10).
func (d *Daemon) Shutdown() {
	log := logging.WithComponent("daemon")
	log.Info().Dur("grace", d.cfg.Daemon.ShutdownGrace).Msg("shutting down")

	d.mu.Lock()
	watchers := make([]*watch.Watcher, 0, len(d.watchers))
	for _, w := range d.watchers {
		watchers = append(watchers, w)
	}
	d.mu.Unlock()
	for _, w := range watchers {
		w.Stop()
	}

	d.pool.Stop(d.cfg.Daemon.ShutdownGrace)
}
