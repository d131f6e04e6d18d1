package ioclass

import (
	"fmt"

	"github.com/radiocosmology/alpenhornd/config"
	"github.com/radiocosmology/alpenhornd/fs"
	"github.com/radiocosmology/alpenhornd/importer"
	"github.com/radiocosmology/alpenhornd/index"
)

// Factory builds one I/O class instance. Default, Transport and
// Polling each implement both fs.NodeIO and fs.GroupIO on the same
// type (spec.md §4.4: "Default — one node per group" ties a node's
// class directly to its group's class), so a single factory map serves
// both NewNodeIO and NewGroupIO. defaults carries the per-class
// config (verify_on_pull, concurrent_pulls) the daemon resolved for
// this class name.
type Factory func(store index.Store, node fs.Node, imp *importer.Engine, hostname string, defaults config.ClassDefaults) any

// Registry maps I/O class names to constructors. Classes are registered
// at compile time (spec.md §9, "compile-time registration tables");
// there is no dynamic-library loading path.
type Registry struct {
	classes map[string]Factory
}

// NewRegistry returns a Registry pre-populated with Default, Transport
// and Polling.
func NewRegistry() *Registry {
	r := &Registry{classes: map[string]Factory{}}
	r.Register("default", func(store index.Store, node fs.Node, imp *importer.Engine, hostname string, defaults config.ClassDefaults) any {
		return NewDefault(store, node, imp, hostname, defaults)
	})
	r.Register("transport", func(store index.Store, node fs.Node, imp *importer.Engine, hostname string, defaults config.ClassDefaults) any {
		return NewTransport(store, node, imp, hostname, defaults)
	})
	r.Register("polling", func(store index.Store, node fs.Node, imp *importer.Engine, hostname string, defaults config.ClassDefaults) any {
		return NewPolling(store, node, imp, hostname, defaults)
	})
	return r
}

// Register adds or replaces an I/O class. Extensions call this at
// startup (spec.md §4.9); a name collision silently shadows the
// previous registration, and neither this method nor the extension
// loader reports it.
func (r *Registry) Register(name string, f Factory) {
	r.classes[name] = f
}

// Has reports whether name is a registered class.
func (r *Registry) Has(name string) bool {
	_, ok := r.classes[name]
	return ok
}

// NewNodeIO instantiates the class named by node.IOClass as a Node I/O.
func (r *Registry) NewNodeIO(store index.Store, node fs.Node, imp *importer.Engine, hostname string, defaults config.ClassDefaults) (fs.NodeIO, error) {
	inst, err := r.new(node.IOClass, store, node, imp, hostname, defaults)
	if err != nil {
		return nil, err
	}
	nio, ok := inst.(fs.NodeIO)
	if !ok {
		return nil, fmt.Errorf("ioclass: %q does not implement Node I/O", node.IOClass)
	}
	return nio, nil
}

// NewGroupIO instantiates className as a Group I/O, using representative
// as the node whose daemon-host/verify policy seeds the underlying
// puller (any available member serves, since classes that care about
// per-node session state implement their own caching in base).
func (r *Registry) NewGroupIO(className string, store index.Store, representative fs.Node, imp *importer.Engine, hostname string, defaults config.ClassDefaults) (fs.GroupIO, error) {
	inst, err := r.new(className, store, representative, imp, hostname, defaults)
	if err != nil {
		return nil, err
	}
	gio, ok := inst.(fs.GroupIO)
	if !ok {
		return nil, fmt.Errorf("ioclass: %q does not implement Group I/O", className)
	}
	return gio, nil
}

func (r *Registry) new(className string, store index.Store, node fs.Node, imp *importer.Engine, hostname string, defaults config.ClassDefaults) (any, error) {
	f, ok := r.classes[className]
	if !ok {
		return nil, fmt.Errorf("ioclass: no class registered as %q", className)
	}
	return f(store, node, imp, hostname, defaults), nil
}
