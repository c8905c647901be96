package storage

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"
)

const scheduledColumns = `id, name, script_ref, device_ref, frequency, schedule_time,
	schedule_day, cron_expr, priority, max_retry, depends_on, is_enabled,
	run_count, success_count, fail_count, last_run_at, next_run_at`

func scanScheduledTask(row interface{ Scan(...any) error }) (*ScheduledTask, error) {
	var t ScheduledTask
	var enabled int
	var lastRun, nextRun sql.NullInt64
	err := row.Scan(&t.ID, &t.Name, &t.ScriptID, &t.DeviceID, &t.Frequency, &t.ScheduleTime,
		&t.ScheduleDay, &t.CronExpr, &t.Priority, &t.MaxRetry, &t.DependsOn, &enabled,
		&t.RunCount, &t.SuccessCount, &t.FailCount, &lastRun, &nextRun)
	if err != nil {
		return nil, err
	}
	t.IsEnabled = enabled != 0
	t.LastRunAt = scanUnix(lastRun)
	t.NextRunAt = scanUnix(nextRun)
	return &t, nil
}

// GetScheduledTask returns the scheduled task by id.
func (s *Store) GetScheduledTask(ctx context.Context, id int64) (*ScheduledTask, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+scheduledColumns+` FROM scheduled_task WHERE id = ?`, id)
	t, err := scanScheduledTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(ErrNotFound, "scheduled task %d", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "storage: get scheduled task failed")
	}
	return t, nil
}

// ListEnabledScheduledTasks returns every enabled scheduled task.
func (s *Store) ListEnabledScheduledTasks(ctx context.Context) ([]*ScheduledTask, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+scheduledColumns+` FROM scheduled_task WHERE is_enabled = 1 ORDER BY priority DESC, id`)
	if err != nil {
		return nil, errors.Wrap(err, "storage: list scheduled tasks failed")
	}
	defer rows.Close()
	var out []*ScheduledTask
	for rows.Next() {
		t, err := scanScheduledTask(rows)
		if err != nil {
			return nil, errors.Wrap(err, "storage: scan scheduled task failed")
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// InsertScheduledTask stores a scheduled task definition.
func (s *Store) InsertScheduledTask(ctx context.Context, t *ScheduledTask) (int64, error) {
	if t == nil {
		return 0, errors.New("storage: nil scheduled task")
	}
	enabled := 0
	if t.IsEnabled {
		enabled = 1
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO scheduled_task (name, script_ref, device_ref, frequency, schedule_time,
			schedule_day, cron_expr, priority, max_retry, depends_on, is_enabled)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.Name, t.ScriptID, t.DeviceID, t.Frequency, t.ScheduleTime,
		t.ScheduleDay, t.CronExpr, t.Priority, t.MaxRetry, t.DependsOn, enabled)
	if err != nil {
		return 0, errors.Wrap(err, "storage: insert scheduled task failed")
	}
	return res.LastInsertId()
}

// SetScheduledTaskEnabled toggles the enabled flag.
func (s *Store) SetScheduledTaskEnabled(ctx context.Context, id int64, enabled bool) error {
	val := 0
	if enabled {
		val = 1
	}
	res, err := s.db.ExecContext(ctx, `UPDATE scheduled_task SET is_enabled = ? WHERE id = ?`, val, id)
	if err != nil {
		return errors.Wrap(err, "storage: toggle scheduled task failed")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.Wrapf(ErrNotFound, "scheduled task %d", id)
	}
	return nil
}

// DeleteScheduledTask removes the definition. Past task logs keep their
// scheduled_task_ref for history.
func (s *Store) DeleteScheduledTask(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM scheduled_task WHERE id = ?`, id)
	if err != nil {
		return errors.Wrap(err, "storage: delete scheduled task failed")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.Wrapf(ErrNotFound, "scheduled task %d", id)
	}
	return nil
}

// MarkScheduledTaskFired stamps last_run_at/next_run_at and bumps run_count.
func (s *Store) MarkScheduledTaskFired(ctx context.Context, id int64, firedAt time.Time, nextRun *time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE scheduled_task SET last_run_at = ?, next_run_at = ?, run_count = run_count + 1 WHERE id = ?`,
		firedAt.Unix(), nullableUnix(nextRun), id)
	return errors.Wrap(err, "storage: mark scheduled task fired failed")
}

// BumpScheduledTaskOutcome increments success_count or fail_count.
func (s *Store) BumpScheduledTaskOutcome(ctx context.Context, id int64, success bool) error {
	column := "fail_count"
	if success {
		column = "success_count"
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE scheduled_task SET `+column+` = `+column+` + 1 WHERE id = ?`, id)
	return errors.Wrap(err, "storage: bump scheduled task outcome failed")
}

// LatestRunForScheduledTask returns the most recent task log submitted by the
// scheduled task since the given time, or ErrNotFound.
func (s *Store) LatestRunForScheduledTask(ctx context.Context, id int64, since time.Time) (*TaskLog, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+taskLogColumns+` FROM task_log
		 WHERE scheduled_task_ref = ? AND start_time >= ?
		 ORDER BY start_time DESC LIMIT 1`, id, since.Unix())
	t, err := scanTaskLog(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(ErrNotFound, "no run for scheduled task %d", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "storage: latest scheduled run failed")
	}
	return t, nil
}
