// Package extension is the compile-time extension loader of spec.md
// §4.9/§9: rather than a dynamic-library ABI, every extension is a Go
// package registered in a build-time table; configuration only selects
// which registered extensions activate. An extension that fails to
// initialize aborts daemon startup (spec.md §4.9, §6 exit code 3).
package extension

import (
	"fmt"

	"github.com/radiocosmology/alpenhornd/fs"
	"github.com/radiocosmology/alpenhornd/ioclass"
)

// Registrar is what an extension's Init receives to publish its
// detectors and I/O classes.
type Registrar struct {
	Detectors []fs.Detector
	Classes   *ioclass.Registry
}

// AddDetector appends a detector to the ordered list consulted by the
// import engine (spec.md §4.6 step 2, "run each registered detector in
// declared order").
func (r *Registrar) AddDetector(d fs.Detector) {
	r.Detectors = append(r.Detectors, d)
}

// AddNodeClass registers a Node/Group I/O class under name.
func (r *Registrar) AddNodeClass(name string, f ioclass.Factory) {
	r.Classes.Register(name, f)
}

// Extension is a compile-time-registered plug-in. Init may return an
// error, which aborts daemon startup (spec.md §4.9).
type Extension struct {
	Name string
	Init func(r *Registrar) error
}

// registry is the build-time table of every Extension this binary was
// compiled with. A real deployment adds entries here (and nowhere else)
// to ship a new detector or I/O class.
var registry = map[string]Extension{}

// Register adds ext to the compile-time table. Extensions call this
// from an init() in their own package; config only decides which
// registered names actually activate.
func Register(ext Extension) {
	registry[ext.Name] = ext
}

// Load activates the named extensions in order against classes, which
// keeps the I/O classes it already holds. The returned detectors are
// only those the named extensions add, in activation order. It returns
// an error on the first unknown name or Init failure — extensions are
// all-or-nothing at startup.
func Load(names []string, classes *ioclass.Registry) ([]fs.Detector, error) {
	r := &Registrar{Classes: classes}
	for _, name := range names {
		ext, ok := registry[name]
		if !ok {
			return nil, fmt.Errorf("extension: %q is not compiled into this binary", name)
		}
		if err := ext.Init(r); err != nil {
			return nil, fmt.Errorf("extension %q: %w", name, err)
		}
	}
	return r.Detectors, nil
}
