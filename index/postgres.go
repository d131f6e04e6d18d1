package index

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq" // registers the "postgres" driver

	"github.com/radiocosmology/alpenhornd/fs"
)

// Postgres is the live Store implementation, backed by the schema in
// spec.md §6 (storage_group, storage_node, acq, file, filecopy,
// importrequest, copyrequest, dataindex_version).
type Postgres struct {
	db      *sql.DB
	timeout time.Duration
	retry   retryOpts
}

// Open connects to dsn, caps the pool at maxOpenConns, and pings once
// within queryTimeout.
func Open(dsn string, maxOpenConns int, queryTimeout time.Duration, retry retryOpts) (*Postgres, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(maxOpenConns)
	ctx, cancel := context.WithTimeout(context.Background(), queryTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &Postgres{db: db, timeout: queryTimeout, retry: retry}, nil
}

// NewRetryOpts exposes retryOpts construction to callers outside the
// package (the daemon wires config.Database into it).
func NewRetryOpts(minMs, maxMs, attempts int) retryOpts {
	return retryOpts{
		minBackoff:  time.Duration(minMs) * time.Millisecond,
		maxBackoff:  time.Duration(maxMs) * time.Millisecond,
		maxAttempts: attempts,
	}
}

func (p *Postgres) Close() error { return p.db.Close() }

func (p *Postgres) ctx(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, p.timeout)
}

func (p *Postgres) FindActiveNodes(parent context.Context, host string) ([]fs.Node, error) {
	ctx, cancel := p.ctx(parent)
	defer cancel()
	const q = `SELECT name, group_fk, active, io_class, storage_type, root,
		username, address, auto_import, auto_verify, avail_gb, min_avail_gb,
		max_total_gb, daemon_host, io_config
		FROM storage_node WHERE daemon_host = $1 AND active = true`
	rows, err := p.db.QueryContext(ctx, q, host)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []fs.Node
	for rows.Next() {
		var n fs.Node
		var storageType string
		var ioConfig []byte
		if err := rows.Scan(&n.Name, &n.Group, &n.Active, &n.IOClass, &storageType,
			&n.Root, &n.Username, &n.Address, &n.AutoImport, &n.AutoVerify,
			&n.AvailGB, &n.MinAvailGB, &n.MaxTotalGB, &n.DaemonHost, &ioConfig); err != nil {
			return nil, err
		}
		if len(storageType) > 0 {
			n.StorageType = fs.StorageType(storageType[0])
		}
		if len(ioConfig) > 0 {
			_ = json.Unmarshal(ioConfig, &n.IOConfig)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (p *Postgres) FindActiveGroups(parent context.Context, availableNodes []fs.Node) ([]fs.Group, error) {
	ctx, cancel := p.ctx(parent)
	defer cancel()
	seen := map[string]bool{}
	var groups []fs.Group
	for _, n := range availableNodes {
		if seen[n.Group] {
			continue
		}
		seen[n.Group] = true
		var g fs.Group
		row := p.db.QueryRowContext(ctx, `SELECT name, io_class FROM storage_group WHERE name = $1`, n.Group)
		if err := row.Scan(&g.Name, &g.IOClass); err != nil {
			if err == sql.ErrNoRows {
				continue
			}
			return nil, err
		}
		groups = append(groups, g)
	}
	return groups, nil
}

func (p *Postgres) GroupMembers(parent context.Context, group string) ([]fs.Node, error) {
	ctx, cancel := p.ctx(parent)
	defer cancel()
	const q = `SELECT name, group_fk, active, io_class, storage_type, root,
		username, address, auto_import, auto_verify, avail_gb, min_avail_gb,
		max_total_gb, daemon_host, io_config
		FROM storage_node WHERE group_fk = $1`
	rows, err := p.db.QueryContext(ctx, q, group)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []fs.Node
	for rows.Next() {
		var n fs.Node
		var storageType string
		var ioConfig []byte
		if err := rows.Scan(&n.Name, &n.Group, &n.Active, &n.IOClass, &storageType,
			&n.Root, &n.Username, &n.Address, &n.AutoImport, &n.AutoVerify,
			&n.AvailGB, &n.MinAvailGB, &n.MaxTotalGB, &n.DaemonHost, &ioConfig); err != nil {
			return nil, err
		}
		if len(storageType) > 0 {
			n.StorageType = fs.StorageType(storageType[0])
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (p *Postgres) PendingImportRequests(parent context.Context, node string, limit int) ([]fs.ImportRequest, error) {
	ctx, cancel := p.ctx(parent)
	defer cancel()
	const q = `SELECT id, path, node_fk, recurse, register_new, completed, timestamp
		FROM importrequest WHERE node_fk = $1 AND completed = false
		ORDER BY timestamp ASC LIMIT $2`
	rows, err := p.db.QueryContext(ctx, q, node, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []fs.ImportRequest
	for rows.Next() {
		var r fs.ImportRequest
		if err := rows.Scan(&r.ID, &r.Path, &r.Node, &r.Recurse, &r.RegisterNew, &r.Completed, &r.Timestamp); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *Postgres) PendingCopyRequests(parent context.Context, group string, limit int) ([]fs.CopyRequest, error) {
	ctx, cancel := p.ctx(parent)
	defer cancel()
	const q = `SELECT id, file_fk, group_to_fk, node_from_fk, completed, cancelled,
		timestamp, n_requests
		FROM copyrequest WHERE group_to_fk = $1 AND completed = false AND cancelled = false
		ORDER BY timestamp ASC LIMIT $2`
	rows, err := p.db.QueryContext(ctx, q, group, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []fs.CopyRequest
	for rows.Next() {
		var r fs.CopyRequest
		if err := rows.Scan(&r.ID, &r.FileID, &r.GroupTo, &r.NodeFrom, &r.Completed, &r.Cancelled,
			&r.Timestamp, &r.NRequests); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *Postgres) FileCopiesInState(parent context.Context, node string, state fs.CopyState, limit int) ([]fs.FileCopy, error) {
	ctx, cancel := p.ctx(parent)
	defer cancel()
	const q = `SELECT id, file_fk, node_fk, state, has_file, size_b, last_update, last_check
		FROM filecopy WHERE node_fk = $1 AND state = $2
		ORDER BY last_check ASC LIMIT $3`
	rows, err := p.db.QueryContext(ctx, q, node, string(rune(state)), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []fs.FileCopy
	for rows.Next() {
		var c fs.FileCopy
		var state string
		if err := rows.Scan(&c.ID, &c.FileID, &c.NodeName, &state, &c.HasFile, &c.SizeB, &c.LastUpdate, &c.LastCheck); err != nil {
			return nil, err
		}
		if len(state) > 0 {
			c.State = fs.CopyState(state[0])
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (p *Postgres) UpsertAcquisition(parent context.Context, acq fs.Acquisition) error {
	return withRetry(parent, p.retry, func(ctx context.Context) error {
		qctx, cancel := p.ctx(ctx)
		defer cancel()
		_, err := p.db.ExecContext(qctx,
			`INSERT INTO acq (name) VALUES ($1) ON CONFLICT (name) DO NOTHING`, acq.Name)
		return err
	})
}

func (p *Postgres) FileByPath(parent context.Context, acq, name string) (fs.File, bool, error) {
	ctx, cancel := p.ctx(parent)
	defer cancel()
	var f fs.File
	row := p.db.QueryRowContext(ctx,
		`SELECT id, acq_fk, name, size_b, md5sum, registered FROM file WHERE acq_fk = $1 AND name = $2`,
		acq, name)
	if err := row.Scan(&f.ID, &f.Acq, &f.Name, &f.SizeB, &f.MD5Sum, &f.Registered); err != nil {
		if err == sql.ErrNoRows {
			return fs.File{}, false, nil
		}
		return fs.File{}, false, err
	}
	return f, true, nil
}

func (p *Postgres) FileByID(parent context.Context, id int64) (fs.File, bool, error) {
	ctx, cancel := p.ctx(parent)
	defer cancel()
	var f fs.File
	row := p.db.QueryRowContext(ctx,
		`SELECT id, acq_fk, name, size_b, md5sum, registered FROM file WHERE id = $1`, id)
	if err := row.Scan(&f.ID, &f.Acq, &f.Name, &f.SizeB, &f.MD5Sum, &f.Registered); err != nil {
		if err == sql.ErrNoRows {
			return fs.File{}, false, nil
		}
		return fs.File{}, false, err
	}
	return f, true, nil
}

func (p *Postgres) NodesWithCopy(parent context.Context, fileID int64, state fs.CopyState) ([]fs.Node, error) {
	ctx, cancel := p.ctx(parent)
	defer cancel()
	const q = `SELECT sn.name, sn.group_fk, sn.active, sn.io_class, sn.storage_type, sn.root,
		sn.username, sn.address, sn.auto_import, sn.auto_verify, sn.avail_gb, sn.min_avail_gb,
		sn.max_total_gb, sn.daemon_host, sn.io_config
		FROM filecopy fc JOIN storage_node sn ON sn.name = fc.node_fk
		WHERE fc.file_fk = $1 AND fc.state = $2`
	rows, err := p.db.QueryContext(ctx, q, fileID, string(rune(state)))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []fs.Node
	for rows.Next() {
		var n fs.Node
		var storageType string
		var ioConfig []byte
		if err := rows.Scan(&n.Name, &n.Group, &n.Active, &n.IOClass, &storageType,
			&n.Root, &n.Username, &n.Address, &n.AutoImport, &n.AutoVerify,
			&n.AvailGB, &n.MinAvailGB, &n.MaxTotalGB, &n.DaemonHost, &ioConfig); err != nil {
			return nil, err
		}
		if len(storageType) > 0 {
			n.StorageType = fs.StorageType(storageType[0])
		}
		if len(ioConfig) > 0 {
			_ = json.Unmarshal(ioConfig, &n.IOConfig)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// UpsertFile implements the transactional "insert-or-verify" contract of
// spec.md §4.6 step 4: a conflicting pre-existing row is never
// overwritten, it's reported as ErrFileMismatch.
func (p *Postgres) UpsertFile(parent context.Context, f fs.File) (fs.File, error) {
	var result fs.File
	err := withRetry(parent, p.retry, func(ctx context.Context) error {
		qctx, cancel := p.ctx(ctx)
		defer cancel()
		tx, err := p.db.BeginTx(qctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		var existing fs.File
		row := tx.QueryRowContext(qctx,
			`SELECT id, acq_fk, name, size_b, md5sum, registered FROM file WHERE acq_fk = $1 AND name = $2 FOR UPDATE`,
			f.Acq, f.Name)
		err = row.Scan(&existing.ID, &existing.Acq, &existing.Name, &existing.SizeB, &existing.MD5Sum, &existing.Registered)
		switch err {
		case sql.ErrNoRows:
			row := tx.QueryRowContext(qctx,
				`INSERT INTO file (acq_fk, name, size_b, md5sum, registered) VALUES ($1, $2, $3, $4, $5)
				 RETURNING id, registered`,
				f.Acq, f.Name, f.SizeB, f.MD5Sum, now())
			if err := row.Scan(&f.ID, &f.Registered); err != nil {
				return err
			}
			result = f
			return tx.Commit()
		case nil:
			if existing.SizeB != f.SizeB || existing.MD5Sum != f.MD5Sum {
				return &ErrFileMismatch{Path: f.Path(), Existing: existing, Attempt: f}
			}
			result = existing
			return tx.Commit()
		default:
			return err
		}
	})
	if err != nil {
		return fs.File{}, err
	}
	return result, nil
}

func (p *Postgres) SetCopyState(parent context.Context, fileID int64, node string, state fs.CopyState, observedSize int64) error {
	return withRetry(parent, p.retry, func(ctx context.Context) error {
		qctx, cancel := p.ctx(ctx)
		defer cancel()
		hasFile := state == fs.Healthy || state == fs.Suspect || state == fs.Released
		_, err := p.db.ExecContext(qctx,
			`INSERT INTO filecopy (file_fk, node_fk, state, has_file, size_b, last_update, last_check)
			 VALUES ($1, $2, $3, $4, $5, $6, $6)
			 ON CONFLICT (file_fk, node_fk) DO UPDATE SET
			   state = EXCLUDED.state, has_file = EXCLUDED.has_file,
			   size_b = EXCLUDED.size_b, last_update = EXCLUDED.last_update,
			   last_check = EXCLUDED.last_check`,
			fileID, node, string(rune(state)), hasFile, observedSize, now())
		return err
	})
}

func (p *Postgres) ArchiveCopyCount(parent context.Context, fileID int64, excludeNode string) (int, error) {
	ctx, cancel := p.ctx(parent)
	defer cancel()
	var count int
	row := p.db.QueryRowContext(ctx,
		`SELECT count(*) FROM filecopy fc
		 JOIN storage_node sn ON sn.name = fc.node_fk
		 WHERE fc.file_fk = $1 AND fc.state = $2 AND sn.storage_type = $3 AND fc.node_fk <> $4`,
		fileID, string(rune(fs.Healthy)), string(rune(fs.StorageArchive)), excludeNode)
	if err := row.Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

func (p *Postgres) CompleteImportRequest(parent context.Context, id int64) error {
	return withRetry(parent, p.retry, func(ctx context.Context) error {
		qctx, cancel := p.ctx(ctx)
		defer cancel()
		_, err := p.db.ExecContext(qctx, `UPDATE importrequest SET completed = true WHERE id = $1`, id)
		return err
	})
}

func (p *Postgres) CompleteCopyRequest(parent context.Context, id int64) error {
	return withRetry(parent, p.retry, func(ctx context.Context) error {
		qctx, cancel := p.ctx(ctx)
		defer cancel()
		_, err := p.db.ExecContext(qctx,
			`UPDATE copyrequest SET completed = true, transfer_completed = $2 WHERE id = $1`, id, now())
		return err
	})
}

func (p *Postgres) CancelCopyRequest(parent context.Context, id int64) error {
	return withRetry(parent, p.retry, func(ctx context.Context) error {
		qctx, cancel := p.ctx(ctx)
		defer cancel()
		_, err := p.db.ExecContext(qctx, `UPDATE copyrequest SET cancelled = true WHERE id = $1`, id)
		return err
	})
}

func (p *Postgres) SchemaVersion(parent context.Context) (int, error) {
	ctx, cancel := p.ctx(parent)
	defer cancel()
	var v int
	row := p.db.QueryRowContext(ctx, `SELECT ver FROM dataindex_version LIMIT 1`)
	if err := row.Scan(&v); err != nil {
		return 0, err
	}
	return v, nil
}

var _ Store = (*Postgres)(nil)
