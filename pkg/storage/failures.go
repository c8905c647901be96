package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
)

const analysisColumns = `id, task_log_ref, failure_type, failed_step_index, failed_step_name,
	error_message, stack_trace, screenshot_path, suggestions, confidence, created_at`

func scanAnalysis(row interface{ Scan(...any) error }) (*FailureAnalysis, error) {
	var a FailureAnalysis
	var created int64
	err := row.Scan(&a.ID, &a.TaskLogID, &a.FailureType, &a.FailedStepIndex, &a.FailedStepName,
		&a.ErrorMessage, &a.StackTrace, &a.ScreenshotPath, &a.Suggestions, &a.Confidence, &created)
	if err != nil {
		return nil, err
	}
	a.CreatedAt = time.Unix(created, 0)
	return &a, nil
}

// GetFailureAnalysis returns the analysis attached to the task log.
func (s *Store) GetFailureAnalysis(ctx context.Context, taskLogID int64) (*FailureAnalysis, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+analysisColumns+` FROM failure_analysis WHERE task_log_ref = ?`, taskLogID)
	a, err := scanAnalysis(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(ErrNotFound, "analysis for task log %d", taskLogID)
	}
	if err != nil {
		return nil, errors.Wrap(err, "storage: get failure analysis failed")
	}
	return a, nil
}

// InsertFailureAnalysis persists an analysis unless one already exists for the
// task log, in which case the existing row is returned untouched. The unique
// index on task_log_ref is the arbiter under concurrency.
func (s *Store) InsertFailureAnalysis(ctx context.Context, a *FailureAnalysis) (*FailureAnalysis, error) {
	if a == nil {
		return nil, errors.New("storage: nil failure analysis")
	}
	created := a.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO failure_analysis (task_log_ref, failure_type, failed_step_index, failed_step_name,
			error_message, stack_trace, screenshot_path, suggestions, confidence, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(task_log_ref) DO NOTHING`,
		a.TaskLogID, a.FailureType, a.FailedStepIndex, a.FailedStepName,
		a.ErrorMessage, a.StackTrace, a.ScreenshotPath, a.Suggestions, a.Confidence, created.Unix())
	if err != nil {
		return nil, errors.Wrap(err, "storage: insert failure analysis failed")
	}
	return s.GetFailureAnalysis(ctx, a.TaskLogID)
}

// RecentFailureAnalyses returns analyses created in the window, newest first.
func (s *Store) RecentFailureAnalyses(ctx context.Context, since time.Time, limit int) ([]*FailureAnalysis, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+analysisColumns+` FROM failure_analysis
		 WHERE created_at >= ? ORDER BY created_at DESC, id DESC LIMIT ?`,
		since.Unix(), limit)
	if err != nil {
		return nil, errors.Wrap(err, "storage: list failure analyses failed")
	}
	defer rows.Close()
	var out []*FailureAnalysis
	for rows.Next() {
		a, err := scanAnalysis(rows)
		if err != nil {
			return nil, errors.Wrap(err, "storage: scan failure analysis failed")
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// GetScriptFailureStats returns the rollup for the script.
func (s *Store) GetScriptFailureStats(ctx context.Context, scriptID int64) (*ScriptFailureStats, error) {
	var st ScriptFailureStats
	var byType string
	var lastFailure sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT id, script_ref, total_failures, failure_by_type, most_common_failure,
			failure_rate, last_failure_time
		 FROM script_failure_stats WHERE script_ref = ?`, scriptID).
		Scan(&st.ID, &st.ScriptID, &st.TotalFailures, &byType, &st.MostCommonFailure,
			&st.FailureRate, &lastFailure)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(ErrNotFound, "failure stats for script %d", scriptID)
	}
	if err != nil {
		return nil, errors.Wrap(err, "storage: get script failure stats failed")
	}
	st.FailureByType = map[string]int64{}
	if err := json.Unmarshal([]byte(byType), &st.FailureByType); err != nil {
		return nil, errors.Wrap(err, "storage: decode failure_by_type failed")
	}
	st.LastFailureTime = scanUnix(lastFailure)
	return &st, nil
}

// RecordScriptFailure bumps the per-script rollup for one classified failure:
// totals, the per-type counter, the argmax type, and the failure rate against
// all runs of the script.
func (s *Store) RecordScriptFailure(ctx context.Context, scriptID int64, failureType string, at time.Time) (*ScriptFailureStats, error) {
	st, err := s.GetScriptFailureStats(ctx, scriptID)
	if errors.Is(err, ErrNotFound) {
		st = &ScriptFailureStats{ScriptID: scriptID, FailureByType: map[string]int64{}}
	} else if err != nil {
		return nil, err
	}
	st.TotalFailures++
	st.FailureByType[failureType]++
	mostCommon, best := "", int64(-1)
	for typ, count := range st.FailureByType {
		if count > best || (count == best && typ < mostCommon) {
			mostCommon, best = typ, count
		}
	}
	st.MostCommonFailure = mostCommon
	totalRuns, err := s.CountScriptRuns(ctx, scriptID)
	if err != nil {
		return nil, err
	}
	if totalRuns > 0 {
		st.FailureRate = float64(st.TotalFailures) / float64(totalRuns) * 100
	}
	st.LastFailureTime = &at
	encoded, err := json.Marshal(st.FailureByType)
	if err != nil {
		return nil, errors.Wrap(err, "storage: encode failure_by_type failed")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO script_failure_stats (script_ref, total_failures, failure_by_type,
			most_common_failure, failure_rate, last_failure_time)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(script_ref) DO UPDATE SET
			total_failures = excluded.total_failures,
			failure_by_type = excluded.failure_by_type,
			most_common_failure = excluded.most_common_failure,
			failure_rate = excluded.failure_rate,
			last_failure_time = excluded.last_failure_time`,
		scriptID, st.TotalFailures, string(encoded), st.MostCommonFailure, st.FailureRate, at.Unix())
	if err != nil {
		return nil, errors.Wrap(err, "storage: upsert script failure stats failed")
	}
	return st, nil
}
