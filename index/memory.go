package index

import (
	"context"
	"sort"
	"strconv"
	"sync"

	"github.com/radiocosmology/alpenhornd/fs"
)

// Memory is an in-process Store used by tests that exercise worker,
// ioclass, importer and daemon logic without a live Postgres — the same
// "fake the interface" pattern the pack itself relies on.
type Memory struct {
	mu sync.Mutex

	nodes   map[string]fs.Node
	groups  map[string]fs.Group
	acqs    map[string]fs.Acquisition
	files   map[int64]fs.File
	filesByPath map[string]int64 // "acq/name" -> id
	copies  map[string]*fs.FileCopy // "fileID/node" -> copy
	imports map[int64]*fs.ImportRequest
	afcrs   map[int64]*fs.CopyRequest

	nextFileID int64
	nextImportID int64
	nextAFCRID int64

	schemaVersion int
}

// NewMemory returns an empty fake store at the given schema version.
func NewMemory(schemaVersion int) *Memory {
	return &Memory{
		nodes:       map[string]fs.Node{},
		groups:      map[string]fs.Group{},
		acqs:        map[string]fs.Acquisition{},
		files:       map[int64]fs.File{},
		filesByPath: map[string]int64{},
		copies:      map[string]*fs.FileCopy{},
		imports:     map[int64]*fs.ImportRequest{},
		afcrs:       map[int64]*fs.CopyRequest{},
		schemaVersion: schemaVersion,
	}
}

func (m *Memory) Close() error { return nil }

// --- test helpers, not part of Store ---

func (m *Memory) PutNode(n fs.Node) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nodes[n.Name] = n
}

func (m *Memory) PutGroup(g fs.Group) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.groups[g.Name] = g
}

func (m *Memory) AddImportRequest(r fs.ImportRequest) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextImportID++
	r.ID = m.nextImportID
	m.imports[r.ID] = &r
	return r.ID
}

func (m *Memory) AddCopyRequest(r fs.CopyRequest) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextAFCRID++
	r.ID = m.nextAFCRID
	m.afcrs[r.ID] = &r
	return r.ID
}

func (m *Memory) CopyState(fileID int64, node string) (fs.FileCopy, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.copies[copyKey(fileID, node)]
	if !ok {
		return fs.FileCopy{}, false
	}
	return *c, true
}

func copyKey(fileID int64, node string) string {
	return strconv.FormatInt(fileID, 10) + "/" + node
}

// --- Store implementation ---

func (m *Memory) FindActiveNodes(_ context.Context, host string) ([]fs.Node, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []fs.Node
	for _, n := range m.nodes {
		if n.DaemonHost == host && n.Active {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *Memory) FindActiveGroups(_ context.Context, availableNodes []fs.Node) ([]fs.Group, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := map[string]bool{}
	var out []fs.Group
	for _, n := range availableNodes {
		if seen[n.Group] {
			continue
		}
		seen[n.Group] = true
		if g, ok := m.groups[n.Group]; ok {
			out = append(out, g)
		}
	}
	return out, nil
}

func (m *Memory) GroupMembers(_ context.Context, group string) ([]fs.Node, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []fs.Node
	for _, n := range m.nodes {
		if n.Group == group {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *Memory) PendingImportRequests(_ context.Context, node string, limit int) ([]fs.ImportRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []fs.ImportRequest
	for _, r := range m.imports {
		if r.Node == node && !r.Completed {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) PendingCopyRequests(_ context.Context, group string, limit int) ([]fs.CopyRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []fs.CopyRequest
	for _, r := range m.afcrs {
		if r.GroupTo == group && !r.Completed && !r.Cancelled {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) FileCopiesInState(_ context.Context, node string, state fs.CopyState, limit int) ([]fs.FileCopy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []fs.FileCopy
	for _, c := range m.copies {
		if c.NodeName == node && c.State == state {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastCheck.Before(out[j].LastCheck) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) UpsertAcquisition(_ context.Context, acq fs.Acquisition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.acqs[acq.Name]; !ok {
		m.acqs[acq.Name] = acq
	}
	return nil
}

func (m *Memory) FileByPath(_ context.Context, acq, name string) (fs.File, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.filesByPath[acq+"/"+name]
	if !ok {
		return fs.File{}, false, nil
	}
	return m.files[id], true, nil
}

func (m *Memory) FileByID(_ context.Context, id int64) (fs.File, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.files[id]
	return f, ok, nil
}

func (m *Memory) NodesWithCopy(_ context.Context, fileID int64, state fs.CopyState) ([]fs.Node, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []fs.Node
	for _, c := range m.copies {
		if c.FileID != fileID || c.State != state {
			continue
		}
		if n, ok := m.nodes[c.NodeName]; ok {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *Memory) UpsertFile(_ context.Context, f fs.File) (fs.File, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := f.Acq + "/" + f.Name
	if id, ok := m.filesByPath[key]; ok {
		existing := m.files[id]
		if existing.SizeB != f.SizeB || existing.MD5Sum != f.MD5Sum {
			return fs.File{}, &ErrFileMismatch{Path: f.Path(), Existing: existing, Attempt: f}
		}
		return existing, nil
	}
	m.nextFileID++
	f.ID = m.nextFileID
	f.Registered = now()
	m.files[f.ID] = f
	m.filesByPath[key] = f.ID
	return f, nil
}

func (m *Memory) SetCopyState(_ context.Context, fileID int64, node string, state fs.CopyState, observedSize int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := copyKey(fileID, node)
	c, ok := m.copies[key]
	if !ok {
		c = &fs.FileCopy{FileID: fileID, NodeName: node}
		m.copies[key] = c
	}
	c.State = state
	c.HasFile = state == fs.Healthy || state == fs.Suspect || state == fs.Released
	c.SizeB = observedSize
	t := now()
	c.LastUpdate = t
	c.LastCheck = t
	return nil
}

func (m *Memory) ArchiveCopyCount(_ context.Context, fileID int64, excludeNode string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, c := range m.copies {
		if c.FileID != fileID || c.NodeName == excludeNode || c.State != fs.Healthy {
			continue
		}
		if n, ok := m.nodes[c.NodeName]; ok && n.StorageType == fs.StorageArchive {
			count++
		}
	}
	return count, nil
}

func (m *Memory) CompleteImportRequest(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.imports[id]; ok {
		r.Completed = true
	}
	return nil
}

func (m *Memory) CompleteCopyRequest(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.afcrs[id]; ok {
		r.Completed = true
		t := now()
		r.TransferCompleted = &t
	}
	return nil
}

func (m *Memory) CancelCopyRequest(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.afcrs[id]; ok {
		r.Cancelled = true
	}
	return nil
}

func (m *Memory) SchemaVersion(_ context.Context) (int, error) {
	return m.schemaVersion, nil
}

var _ Store = (*Memory)(nil)
