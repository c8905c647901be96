package storage

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/pkg/errors"
)

const taskLogColumns = `id, task_name, script_ref, device_ref, scheduled_task_ref,
	status, start_time, end_time, duration, log_content, error_message`

func scanTaskLog(row interface{ Scan(...any) error }) (*TaskLog, error) {
	var t TaskLog
	var start int64
	var end sql.NullInt64
	err := row.Scan(&t.ID, &t.TaskName, &t.ScriptID, &t.DeviceID, &t.ScheduledTaskID,
		&t.Status, &start, &end, &t.Duration, &t.LogContent, &t.ErrorMessage)
	if err != nil {
		return nil, err
	}
	t.StartTime = time.Unix(start, 0)
	t.EndTime = scanUnix(end)
	return &t, nil
}

// InsertTaskLog creates the journal row in running state and returns its id.
func (s *Store) InsertTaskLog(ctx context.Context, t *TaskLog) (int64, error) {
	if t == nil {
		return 0, errors.New("storage: nil task log")
	}
	start := t.StartTime
	if start.IsZero() {
		start = time.Now()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO task_log (task_name, script_ref, device_ref, scheduled_task_ref, status, start_time)
		 VALUES (?, ?, ?, ?, 'running', ?)`,
		t.TaskName, t.ScriptID, t.DeviceID, t.ScheduledTaskID, start.Unix())
	if err != nil {
		return 0, errors.Wrap(err, "storage: insert task log failed")
	}
	return res.LastInsertId()
}

// GetTaskLog returns the journal row by id.
func (s *Store) GetTaskLog(ctx context.Context, id int64) (*TaskLog, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskLogColumns+` FROM task_log WHERE id = ?`, id)
	t, err := scanTaskLog(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(ErrNotFound, "task log %d", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "storage: get task log failed")
	}
	return t, nil
}

// FinishTaskLog stamps the terminal status. The WHERE status='running' guard
// makes the transition exactly-once: a second call, or a stop racing normal
// completion, flips zero rows and returns false.
func (s *Store) FinishTaskLog(ctx context.Context, id int64, status, logContent, errorMessage string) (bool, error) {
	if status != TaskSuccess && status != TaskFailed {
		return false, errors.Errorf("storage: invalid terminal status %q", status)
	}
	now := time.Now()
	res, err := s.db.ExecContext(ctx,
		`UPDATE task_log SET status = ?, end_time = ?, duration = ? - start_time,
			log_content = ?, error_message = ?
		 WHERE id = ? AND status = 'running'`,
		status, now.Unix(), now.Unix(), logContent, errorMessage, id)
	if err != nil {
		return false, errors.Wrap(err, "storage: finish task log failed")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "storage: finish task log rows")
	}
	return n == 1, nil
}

// AppendTaskLogContent adds text to the stored run log without touching status.
func (s *Store) AppendTaskLogContent(ctx context.Context, id int64, text string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE task_log SET log_content = log_content || ? WHERE id = ?`, text, id)
	return errors.Wrap(err, "storage: append task log content failed")
}

// RunningTaskCountForDevice counts running journal rows for the device.
func (s *Store) RunningTaskCountForDevice(ctx context.Context, deviceID int64) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM task_log WHERE device_ref = ? AND status = 'running'`, deviceID).Scan(&n)
	if err != nil {
		return 0, errors.Wrap(err, "storage: count running tasks failed")
	}
	return n, nil
}

// LastTaskActivity returns when the device last started or finished a run,
// or nil when it has never run anything.
func (s *Store) LastTaskActivity(ctx context.Context, deviceID int64) (*time.Time, error) {
	var ts sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(COALESCE(end_time, start_time)) FROM task_log WHERE device_ref = ?`,
		deviceID).Scan(&ts)
	if err != nil {
		return nil, errors.Wrap(err, "storage: last task activity failed")
	}
	return scanUnix(ts), nil
}

// TaskLogFilter narrows ListTaskLogs and DeleteTaskLogs.
type TaskLogFilter struct {
	Status   string
	DeviceID int64
	ScriptID int64
	Since    *time.Time
	Until    *time.Time
}

func (f TaskLogFilter) where() (string, []any) {
	clauses := []string{"1=1"}
	args := []any{}
	if f.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, f.Status)
	}
	if f.DeviceID != 0 {
		clauses = append(clauses, "device_ref = ?")
		args = append(args, f.DeviceID)
	}
	if f.ScriptID != 0 {
		clauses = append(clauses, "script_ref = ?")
		args = append(args, f.ScriptID)
	}
	if f.Since != nil {
		clauses = append(clauses, "start_time >= ?")
		args = append(args, f.Since.Unix())
	}
	if f.Until != nil {
		clauses = append(clauses, "start_time <= ?")
		args = append(args, f.Until.Unix())
	}
	return strings.Join(clauses, " AND "), args
}

// ListTaskLogs returns a page of journal rows newest-first plus the total
// count matching the filter.
func (s *Store) ListTaskLogs(ctx context.Context, f TaskLogFilter, limit, offset int) ([]*TaskLog, int64, error) {
	if limit <= 0 {
		limit = 20
	}
	where, args := f.where()
	var total int64
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM task_log WHERE `+where, args...).Scan(&total); err != nil {
		return nil, 0, errors.Wrap(err, "storage: count task logs failed")
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskLogColumns+` FROM task_log WHERE `+where+
			` ORDER BY start_time DESC, id DESC LIMIT ? OFFSET ?`,
		append(args, limit, offset)...)
	if err != nil {
		return nil, 0, errors.Wrap(err, "storage: list task logs failed")
	}
	defer rows.Close()
	var out []*TaskLog
	for rows.Next() {
		t, err := scanTaskLog(rows)
		if err != nil {
			return nil, 0, errors.Wrap(err, "storage: scan task log failed")
		}
		out = append(out, t)
	}
	return out, total, rows.Err()
}

// DeleteTaskLogs removes journal rows matching the filter; a completely empty
// filter is rejected so a bad call cannot wipe the journal.
func (s *Store) DeleteTaskLogs(ctx context.Context, f TaskLogFilter) (int64, error) {
	if f.Status == "" && f.DeviceID == 0 && f.ScriptID == 0 && f.Since == nil && f.Until == nil {
		return 0, errors.New("storage: refusing unfiltered task log delete")
	}
	where, args := f.where()
	res, err := s.db.ExecContext(ctx, `DELETE FROM task_log WHERE `+where, args...)
	if err != nil {
		return 0, errors.Wrap(err, "storage: delete task logs failed")
	}
	return res.RowsAffected()
}

// ReconcileRunning re-stamps rows left running by a dead process. Returns the
// ids of the affected rows so the caller can release their devices.
func (s *Store) ReconcileRunning(ctx context.Context, reason string) ([]*TaskLog, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskLogColumns+` FROM task_log WHERE status = 'running'`)
	if err != nil {
		return nil, errors.Wrap(err, "storage: list orphan runs failed")
	}
	defer rows.Close()
	var orphans []*TaskLog
	for rows.Next() {
		t, err := scanTaskLog(rows)
		if err != nil {
			return nil, errors.Wrap(err, "storage: scan orphan run failed")
		}
		orphans = append(orphans, t)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "storage: iterate orphan runs failed")
	}
	for _, t := range orphans {
		if _, err := s.FinishTaskLog(ctx, t.ID, TaskFailed, t.LogContent, reason); err != nil {
			return nil, err
		}
	}
	return orphans, nil
}

// InsertStepLog records one visual step outcome.
func (s *Store) InsertStepLog(ctx context.Context, l *StepLog) (int64, error) {
	if l == nil {
		return 0, errors.New("storage: nil step log")
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO step_execution_logs (task_log_ref, step_index, step_name, step_type,
			status, start_time, end_time, duration, error_message, screenshot_path)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		l.TaskLogID, l.StepIndex, l.StepName, l.StepType, l.Status,
		l.StartTime.Unix(), nullableUnix(l.EndTime), l.Duration, l.ErrorMessage, l.ScreenshotPath)
	if err != nil {
		return 0, errors.Wrap(err, "storage: insert step log failed")
	}
	return res.LastInsertId()
}

// ListStepLogs returns the step rows of a run in step order.
func (s *Store) ListStepLogs(ctx context.Context, taskLogID int64) ([]*StepLog, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, task_log_ref, step_index, step_name, step_type, status,
			start_time, end_time, duration, error_message, screenshot_path
		 FROM step_execution_logs WHERE task_log_ref = ? ORDER BY step_index`, taskLogID)
	if err != nil {
		return nil, errors.Wrap(err, "storage: list step logs failed")
	}
	defer rows.Close()
	var out []*StepLog
	for rows.Next() {
		var l StepLog
		var start int64
		var end sql.NullInt64
		if err := rows.Scan(&l.ID, &l.TaskLogID, &l.StepIndex, &l.StepName, &l.StepType,
			&l.Status, &start, &end, &l.Duration, &l.ErrorMessage, &l.ScreenshotPath); err != nil {
			return nil, errors.Wrap(err, "storage: scan step log failed")
		}
		l.StartTime = time.Unix(start, 0)
		l.EndTime = scanUnix(end)
		out = append(out, &l)
	}
	return out, rows.Err()
}
