// Package fs defines the data model the daemon reconciles against the
// Data Index: acquisitions, files, file copies, nodes, groups and the
// request rows that drive work.
package fs

import "time"

// CopyState is the lifecycle state of a FileCopy, encoded in the Index as
// a single character (see spec.md §6).
type CopyState byte

const (
	// Healthy means present on the node and last verified OK.
	Healthy CopyState = 'H'
	// Suspect means present but never verified, or verification pending.
	Suspect CopyState = 'N'
	// Corrupt means verification failed; counts as absent operationally.
	Corrupt CopyState = 'X'
	// Missing means expected present but not found on disk.
	Missing CopyState = 'M'
	// Released means marked for deletion, still on disk.
	Released CopyState = 'Y'
	// Removed means deleted.
	Removed CopyState = '-'
)

// String renders the state the way logs and the Index agree on.
func (s CopyState) String() string {
	switch s {
	case Healthy:
		return "Healthy"
	case Suspect:
		return "Suspect"
	case Corrupt:
		return "Corrupt"
	case Missing:
		return "Missing"
	case Released:
		return "Released"
	case Removed:
		return "Removed"
	default:
		return "Unknown(" + string(s) + ")"
	}
}

// StorageType tags what a Node is for, per spec.md §3.
type StorageType byte

const (
	StorageArchive   StorageType = 'A'
	StorageField     StorageType = 'F'
	StorageTransport StorageType = 'T'
	StorageOther     StorageType = '-'
)

// Acquisition is a logical grouping of files under an immutable path
// prefix, e.g. "2025/02/21".
type Acquisition struct {
	Name string
	Type string // extension-provided type discriminator, may be empty
}

// File is a name unique within an Acquisition. Immutable after creation.
type File struct {
	ID         int64
	Acq        string
	Name       string
	SizeB      int64
	MD5Sum     string // hex-encoded, 32 chars
	Registered time.Time
}

// Path is the full logical path of the file: "<acq>/<name>".
func (f File) Path() string {
	return f.Acq + "/" + f.Name
}

// FileCopy is the physical presence of a File on a Node.
type FileCopy struct {
	ID         int64
	FileID     int64
	NodeName   string
	State      CopyState
	HasFile    bool
	SizeB      int64
	LastUpdate time.Time
	LastCheck  time.Time
}

// Node is a filesystem root on a specific host.
type Node struct {
	Name        string
	Group       string
	Active      bool
	IOClass     string
	StorageType StorageType
	Root        string
	Username    string
	Address     string
	AutoImport  bool
	AutoVerify  bool
	AvailGB     float64
	MinAvailGB  float64
	MaxTotalGB  float64
	DaemonHost  string
	IOConfig    map[string]any
}

// Group is a named collection of Nodes with its own I/O class.
type Group struct {
	Name    string
	IOClass string
}

// ImportRequest asks a node to import one path or scan a tree.
type ImportRequest struct {
	ID          int64
	Path        string
	Node        string
	Recurse     bool
	RegisterNew bool
	Completed   bool
	Timestamp   time.Time
}

// CopyRequest (AFCR, "ArchiveFileCopyRequest") asks a daemon managing the
// destination group to obtain a file from a source node.
type CopyRequest struct {
	ID                int64
	FileID            int64
	GroupTo           string
	NodeFrom          string
	NodeTarget        string // optional; empty means "any node in GroupTo"
	Completed         bool
	Cancelled         bool
	Timestamp         time.Time
	NRequests         int
	TransferStarted   *time.Time
	TransferCompleted *time.Time
}

// reservedImportPath is the sentinel path used to model node
// initialization as an ImportRequest (spec.md §3, "Requests").
const reservedImportPath = "\x00node-init"

// NodeInitPath returns the reserved ImportRequest path that means "run
// check_init on this node" rather than "import this file".
func NodeInitPath() string { return reservedImportPath }

// IsNodeInit reports whether an ImportRequest's path is the reserved
// node-init sentinel.
func (r ImportRequest) IsNodeInit() bool { return r.Path == reservedImportPath }
