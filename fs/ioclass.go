package fs

import (
	"context"
	"time"
)

// InitStatus is the result of check_init().
type InitStatus int

const (
	NotInitialised InitStatus = iota
	Initialised
	InitError
)

// NodeIO is the capability set a per-node I/O class must provide
// (spec.md §4.4). Each daemon instantiates one NodeIO per available node
// at startup; the object may hold in-memory session state.
type NodeIO interface {
	// CheckInit verifies and/or creates the ALPENHORN_NODE marker.
	CheckInit(ctx context.Context, node Node) (InitStatus, error)
	// AvailableBytes returns free space on the node, subject to the
	// class's own cache TTL (BytesAvailRefreshPolicy).
	AvailableBytes(ctx context.Context, node Node) (int64, error)
	// BytesAvailRefreshPolicy is the cache TTL for AvailableBytes.
	BytesAvailRefreshPolicy() time.Duration
	// Import hands the class a path relative to the node root.
	Import(ctx context.Context, node Node, relPath string, registerNew bool) error
	// Check recomputes size and hash and reports the copy's true state.
	Check(ctx context.Context, node Node, file File) (CopyState, error)
	// Delete unlinks a file copy, subject to the two-archive-copies
	// precondition, which the implementation checks itself
	// (index.ArchiveCopyCount).
	Delete(ctx context.Context, node Node, file File) error
	// TidyUp scans for leftover temporary files and removes them; it
	// does not clear stale Missing copies.
	TidyUp(ctx context.Context, node Node) error
	// Ready reports whether bytes for file are staged and pullable.
	// The default answer is true; HSM-like classes may stage first.
	Ready(ctx context.Context, node Node, file File) (bool, error)
}

// GroupIO is the capability set a per-group I/O class must provide.
type GroupIO interface {
	// Pull selects a destination node within the group and drives the
	// transfer from req.NodeFrom. attempt is the 1-based try count for
	// req, used to compute retry backoff (spec.md §4.7 step 6).
	Pull(ctx context.Context, req CopyRequest, group Group, members []Node, attempt int) error
	// Idle reports whether the class has no in-flight pulls.
	Idle() bool
}

// Detector is an import-detect extension: given a path it recognizes
// acquisition/file identity, or declines.
type Detector interface {
	// Name identifies the detector in logs.
	Name() string
	// Detect inspects relPath and either returns a Match or ok=false.
	Detect(relPath string) (m Match, ok bool)
}

// Match is what a Detector returns when it accepts a path.
type Match struct {
	AcqName  string
	AcqType  string
	FileName string
	FileType string
	Extra    map[string]any
}
