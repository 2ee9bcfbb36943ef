// Package vmstore persists the VmRecord ledger in a single SQLite database,
// one row per VM, independent of the per-sandbox snapshot index on disk.
package vmstore

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/vmforge/manager/pkg/types"
)

const schema = `
CREATE TABLE IF NOT EXISTS vms (
    id                 TEXT PRIMARY KEY,
    state              TEXT NOT NULL,
    cpu                INTEGER NOT NULL,
    mem_mb             INTEGER NOT NULL,
    disk_size_mb       INTEGER NOT NULL DEFAULT 0,
    guest_ip           TEXT NOT NULL DEFAULT '',
    tap_name           TEXT NOT NULL DEFAULT '',
    vsock_cid          INTEGER NOT NULL DEFAULT 0,
    outbound_internet  INTEGER NOT NULL DEFAULT 0,
    allow_ips          TEXT NOT NULL DEFAULT '[]',
    rootfs_path        TEXT NOT NULL DEFAULT '',
    kernel_path        TEXT NOT NULL DEFAULT '',
    logs_dir           TEXT NOT NULL DEFAULT '',
    image_id           TEXT NOT NULL DEFAULT '',
    snapshot_id        TEXT NOT NULL DEFAULT '',
    created_at         TEXT NOT NULL,
    provision_mode     TEXT NOT NULL DEFAULT ''
);
`

// Store is the SQLite-backed VmRecord ledger.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the VM ledger at <storageRoot>/manager.db.
func Open(storageRoot string) (*Store, error) {
	if err := os.MkdirAll(storageRoot, 0755); err != nil {
		return nil, fmt.Errorf("vmstore: mkdir storage root: %w", err)
	}
	dbPath := filepath.Join(storageRoot, "manager.db")
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("vmstore: open sqlite: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("vmstore: apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Put inserts or replaces a VM record.
func (s *Store) Put(r *types.VmRecord) error {
	allowIPsJSON, err := json.Marshal(r.AllowIps)
	if err != nil {
		return fmt.Errorf("vmstore: marshal allow ips: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO vms (id, state, cpu, mem_mb, disk_size_mb, guest_ip, tap_name, vsock_cid,
			outbound_internet, allow_ips, rootfs_path, kernel_path, logs_dir, image_id,
			snapshot_id, created_at, provision_mode)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state=excluded.state, cpu=excluded.cpu, mem_mb=excluded.mem_mb,
			disk_size_mb=excluded.disk_size_mb, guest_ip=excluded.guest_ip,
			tap_name=excluded.tap_name, vsock_cid=excluded.vsock_cid,
			outbound_internet=excluded.outbound_internet, allow_ips=excluded.allow_ips,
			rootfs_path=excluded.rootfs_path, kernel_path=excluded.kernel_path,
			logs_dir=excluded.logs_dir, image_id=excluded.image_id,
			snapshot_id=excluded.snapshot_id, provision_mode=excluded.provision_mode`,
		r.ID, string(r.State), r.Cpu, r.MemMb, r.DiskSizeMb, r.GuestIp, r.TapName, r.VsockCid,
		boolToInt(r.OutboundInternet), string(allowIPsJSON), r.RootfsPath, r.KernelPath, r.LogsDir,
		r.ImageId, r.SnapshotId, r.CreatedAt.UTC().Format(time.RFC3339Nano), string(r.ProvisionMode))
	if err != nil {
		return fmt.Errorf("vmstore: put %s: %w", r.ID, err)
	}
	return nil
}

// UpdateState transitions a VM's state column in place.
func (s *Store) UpdateState(id string, state types.VmState) error {
	res, err := s.db.Exec(`UPDATE vms SET state = ? WHERE id = ?`, string(state), id)
	if err != nil {
		return fmt.Errorf("vmstore: update state %s: %w", id, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("vmstore: vm %s not found", id)
	}
	return nil
}

// Get fetches a single VM record by id.
func (s *Store) Get(id string) (*types.VmRecord, error) {
	row := s.db.QueryRow(`
		SELECT id, state, cpu, mem_mb, disk_size_mb, guest_ip, tap_name, vsock_cid,
			outbound_internet, allow_ips, rootfs_path, kernel_path, logs_dir, image_id,
			snapshot_id, created_at, provision_mode
		FROM vms WHERE id = ?`, id)
	r, err := scanVm(row)
	if err != nil {
		return nil, fmt.Errorf("vmstore: get %s: %w", id, err)
	}
	return r, nil
}

// List returns all VM records, ordered by creation time.
func (s *Store) List() ([]*types.VmRecord, error) {
	rows, err := s.db.Query(`
		SELECT id, state, cpu, mem_mb, disk_size_mb, guest_ip, tap_name, vsock_cid,
			outbound_internet, allow_ips, rootfs_path, kernel_path, logs_dir, image_id,
			snapshot_id, created_at, provision_mode
		FROM vms ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("vmstore: list: %w", err)
	}
	defer rows.Close()

	var out []*types.VmRecord
	for rows.Next() {
		r, err := scanVm(rows)
		if err != nil {
			return nil, fmt.Errorf("vmstore: scan: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Delete removes a VM record.
func (s *Store) Delete(id string) error {
	_, err := s.db.Exec(`DELETE FROM vms WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("vmstore: delete %s: %w", id, err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanVm(row scanner) (*types.VmRecord, error) {
	var r types.VmRecord
	var state, createdAt, allowIPsJSON, provisionMode string
	var outbound int

	if err := row.Scan(&r.ID, &state, &r.Cpu, &r.MemMb, &r.DiskSizeMb, &r.GuestIp, &r.TapName,
		&r.VsockCid, &outbound, &allowIPsJSON, &r.RootfsPath, &r.KernelPath, &r.LogsDir,
		&r.ImageId, &r.SnapshotId, &createdAt, &provisionMode); err != nil {
		return nil, err
	}

	r.State = types.VmState(state)
	r.OutboundInternet = outbound != 0
	r.ProvisionMode = types.ProvisionMode(provisionMode)
	if err := json.Unmarshal([]byte(allowIPsJSON), &r.AllowIps); err != nil {
		return nil, fmt.Errorf("unmarshal allow ips: %w", err)
	}
	parsed, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	r.CreatedAt = parsed
	return &r, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
