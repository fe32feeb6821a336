package repository

import (
	"context"
	"database/sql"

	"github.com/iliyamo/regimen-sync/internal/model"
)

// TombstoneRepo records deletions so they propagate to other devices.
type TombstoneRepo struct {
	db *sql.DB
}

// NewTombstoneRepo returns a new TombstoneRepo bound to the provided database.
func NewTombstoneRepo(db *sql.DB) *TombstoneRepo { return &TombstoneRepo{db: db} }

// Exists reports whether id has been tombstoned.
func (r *TombstoneRepo) Exists(ctx context.Context, q Querier, id string) (bool, error) {
	var n int
	if err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM tombstones WHERE id = ?`, id).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

// Ensure records a tombstone for id unless one exists.  It reports
// whether a new row was written.  A concurrent writer that wins the race
// is treated as success.
func (r *TombstoneRepo) Ensure(ctx context.Context, q Querier, id string, now int64) (bool, error) {
	ok, err := r.Exists(ctx, q, id)
	if err != nil || ok {
		return false, err
	}
	if _, err := q.ExecContext(ctx, `INSERT INTO tombstones (id, deleted_at) VALUES (?, ?)`, id, now); err != nil {
		if again, _ := r.Exists(ctx, q, id); again {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// ListSince returns tombstones recorded after since (Unix ms), oldest first.
func (r *TombstoneRepo) ListSince(ctx context.Context, q Querier, since int64) ([]model.Tombstone, error) {
	rows, err := q.QueryContext(ctx, `SELECT id, deleted_at FROM tombstones WHERE deleted_at > ? ORDER BY deleted_at, id`, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Tombstone
	for rows.Next() {
		var t model.Tombstone
		if err := rows.Scan(&t.ID, &t.DeletedAt); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Wipe removes every tombstone.  Only replace-mode merges call it.
func (r *TombstoneRepo) Wipe(ctx context.Context, q Querier) error {
	_, err := q.ExecContext(ctx, `DELETE FROM tombstones`)
	return err
}
