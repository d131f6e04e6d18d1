// Package index is the Data Index client (spec.md §4.1): typed accessors
// over the shared relational schema, with row-level updates that retry
// under the database's deadlock/lock-wait policy. No transaction outlives
// the method call that opened it — every logical unit of work commits
// or rolls back before returning.
package index

import (
	"context"
	"time"

	"github.com/radiocosmology/alpenhornd/fs"
)

// ExpectedSchemaVersion is the dataindex_version value this build of
// the daemon requires. A mismatch aborts startup (exit code 4).
const ExpectedSchemaVersion = 3

// Store is the narrow surface the rest of the daemon depends on. It is
// satisfied by *Postgres (backed by a live database) and by *Memory (an
// in-process fake used in tests), the same "interface first" split the
// pack's own tests lean on.
type Store interface {
	// FindActiveNodes returns nodes whose daemon_host matches host.
	FindActiveNodes(ctx context.Context, host string) ([]fs.Node, error)
	// FindActiveGroups returns groups with at least one available member
	// among the given nodes.
	FindActiveGroups(ctx context.Context, availableNodes []fs.Node) ([]fs.Group, error)
	GroupMembers(ctx context.Context, group string) ([]fs.Node, error)

	// PendingImportRequests returns incomplete ImportRequests for node,
	// oldest first, capped at limit.
	PendingImportRequests(ctx context.Context, node string, limit int) ([]fs.ImportRequest, error)
	// PendingCopyRequests returns incomplete, uncancelled CopyRequests
	// targeting group, oldest first, capped at limit.
	PendingCopyRequests(ctx context.Context, group string, limit int) ([]fs.CopyRequest, error)

	// FileCopiesInState lists FileCopy rows on node in the given state,
	// oldest last-check first, capped at limit.
	FileCopiesInState(ctx context.Context, node string, state fs.CopyState, limit int) ([]fs.FileCopy, error)

	// UpsertAcquisition creates the Acquisition row if absent.
	UpsertAcquisition(ctx context.Context, acq fs.Acquisition) error
	// UpsertFile creates the File row if absent. If a row already exists
	// with a different size or hash, it returns ErrFileMismatch rather
	// than overwriting it (spec.md §4.6 step 4).
	UpsertFile(ctx context.Context, f fs.File) (fs.File, error)
	// SetCopyState creates-or-updates the (file, node) FileCopy row.
	SetCopyState(ctx context.Context, fileID int64, node string, state fs.CopyState, observedSize int64) error

	// ArchiveCopyCount returns the number of Healthy copies of file on
	// archive-type nodes, optionally excluding one node name.
	ArchiveCopyCount(ctx context.Context, fileID int64, excludeNode string) (int, error)

	CompleteImportRequest(ctx context.Context, id int64) error
	CompleteCopyRequest(ctx context.Context, id int64) error
	CancelCopyRequest(ctx context.Context, id int64) error

	// FileByPath resolves a file by "acq/name", for the import engine's
	// duplicate-registration check.
	FileByPath(ctx context.Context, acq, name string) (fs.File, bool, error)
	// FileByID resolves a file by its primary key, for CopyRequest
	// handling where only the FileID is known.
	FileByID(ctx context.Context, id int64) (fs.File, bool, error)

	// NodesWithCopy returns the nodes holding a FileCopy of file in the
	// given state, for the pull engine's source-node selection.
	NodesWithCopy(ctx context.Context, fileID int64, state fs.CopyState) ([]fs.Node, error)

	// SchemaVersion returns the dataindex_version row's value.
	SchemaVersion(ctx context.Context) (int, error)

	Close() error
}

// ErrFileMismatch is returned by UpsertFile when a path is already
// registered with a different size or hash.
type ErrFileMismatch struct {
	Path     string
	Existing fs.File
	Attempt  fs.File
}

func (e *ErrFileMismatch) Error() string {
	return "file " + e.Path + " already registered with different size/hash"
}

// now exists so tests can stub time without reaching for a clock
// abstraction for a single call site.
var now = time.Now
