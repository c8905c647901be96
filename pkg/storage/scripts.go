package storage

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"
)

// GetScript returns the script by id regardless of its active flag.
func (s *Store) GetScript(ctx context.Context, id int64) (*Script, error) {
	var sc Script
	var active int
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, kind, category, description, content, is_active FROM script WHERE id = ?`, id).
		Scan(&sc.ID, &sc.Name, &sc.Kind, &sc.Category, &sc.Description, &sc.Content, &active)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(ErrNotFound, "script %d", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "storage: get script failed")
	}
	sc.IsActive = active != 0
	return &sc, nil
}

// InsertScript stores a script; used by seeding and tests (script CRUD
// proper lives behind the external facade).
func (s *Store) InsertScript(ctx context.Context, sc *Script) (int64, error) {
	if sc == nil {
		return 0, errors.New("storage: nil script")
	}
	active := 0
	if sc.IsActive {
		active = 1
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO script (name, kind, category, description, content, is_active) VALUES (?, ?, ?, ?, ?, ?)`,
		sc.Name, sc.Kind, sc.Category, sc.Description, sc.Content, active)
	if err != nil {
		return 0, errors.Wrap(err, "storage: insert script failed")
	}
	return res.LastInsertId()
}

// CountScriptRuns returns the number of task logs referencing the script,
// the denominator of the failure rate.
func (s *Store) CountScriptRuns(ctx context.Context, scriptID int64) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM task_log WHERE script_ref = ?`, scriptID).Scan(&n)
	if err != nil {
		return 0, errors.Wrap(err, "storage: count script runs failed")
	}
	return n, nil
}
