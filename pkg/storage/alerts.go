package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// ErrAlreadyResolved reports an idempotent re-resolution.
var ErrAlreadyResolved = errors.New("alert already resolved")

const alertColumns = `id, device_ref, alert_type, severity, message, is_resolved, resolved_at, created_at`

func scanAlert(row interface{ Scan(...any) error }) (*DeviceAlert, error) {
	var a DeviceAlert
	var resolved int
	var resolvedAt sql.NullInt64
	var created int64
	err := row.Scan(&a.ID, &a.DeviceID, &a.AlertType, &a.Severity, &a.Message,
		&resolved, &resolvedAt, &created)
	if err != nil {
		return nil, err
	}
	a.IsResolved = resolved != 0
	a.ResolvedAt = scanUnix(resolvedAt)
	a.CreatedAt = time.Unix(created, 0)
	return &a, nil
}

// RaiseAlert inserts an unresolved alert unless one with the same
// (device, type) is already open. Returns the alert id and whether a new row
// was created; the partial unique index enforces the dedup under concurrency.
func (s *Store) RaiseAlert(ctx context.Context, a *DeviceAlert) (int64, bool, error) {
	if a == nil {
		return 0, false, errors.New("storage: nil alert")
	}
	created := a.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO device_alerts (device_ref, alert_type, severity, message, is_resolved, created_at)
		 VALUES (?, ?, ?, ?, 0, ?)
		 ON CONFLICT(device_ref, alert_type) WHERE is_resolved = 0 DO NOTHING`,
		a.DeviceID, a.AlertType, a.Severity, a.Message, created.Unix())
	if err != nil {
		return 0, false, errors.Wrap(err, "storage: raise alert failed")
	}
	if n, _ := res.RowsAffected(); n == 1 {
		id, err := res.LastInsertId()
		if err != nil {
			return 0, false, errors.Wrap(err, "storage: alert insert id")
		}
		return id, true, nil
	}
	var id int64
	err = s.db.QueryRowContext(ctx,
		`SELECT id FROM device_alerts WHERE device_ref = ? AND alert_type = ? AND is_resolved = 0`,
		a.DeviceID, a.AlertType).Scan(&id)
	if err != nil {
		return 0, false, errors.Wrap(err, "storage: lookup open alert failed")
	}
	return id, false, nil
}

// ResolveAlert marks the alert resolved. A second call is a no-op reporting
// ErrAlreadyResolved.
func (s *Store) ResolveAlert(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE device_alerts SET is_resolved = 1, resolved_at = ? WHERE id = ? AND is_resolved = 0`,
		time.Now().Unix(), id)
	if err != nil {
		return errors.Wrap(err, "storage: resolve alert failed")
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}
	var exists int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM device_alerts WHERE id = ?`, id).Scan(&exists); err != nil {
		return errors.Wrap(err, "storage: check alert failed")
	}
	if exists == 0 {
		return errors.Wrapf(ErrNotFound, "alert %d", id)
	}
	return errors.Wrapf(ErrAlreadyResolved, "alert %d", id)
}

// UnresolvedAlerts returns open alerts, optionally filtered by device
// (0 means all).
func (s *Store) UnresolvedAlerts(ctx context.Context, deviceID int64) ([]*DeviceAlert, error) {
	query := `SELECT ` + alertColumns + ` FROM device_alerts WHERE is_resolved = 0`
	args := []any{}
	if deviceID != 0 {
		query += ` AND device_ref = ?`
		args = append(args, deviceID)
	}
	query += ` ORDER BY created_at DESC, id DESC`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "storage: list unresolved alerts failed")
	}
	defer rows.Close()
	var out []*DeviceAlert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, errors.Wrap(err, "storage: scan alert failed")
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// UnresolvedAlertCount counts open alerts across the fleet.
func (s *Store) UnresolvedAlertCount(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM device_alerts WHERE is_resolved = 0`).Scan(&n)
	if err != nil {
		return 0, errors.Wrap(err, "storage: count unresolved alerts failed")
	}
	return n, nil
}

// InsertAlertRule stores a threshold rule.
func (s *Store) InsertAlertRule(ctx context.Context, r *AlertRule) (int64, error) {
	if r == nil {
		return 0, errors.New("storage: nil alert rule")
	}
	switch r.Operator {
	case "<", ">", "<=", ">=", "==":
	default:
		return 0, errors.Errorf("storage: invalid rule operator %q", r.Operator)
	}
	channels, err := json.Marshal(r.NotificationChannels)
	if err != nil {
		return 0, errors.Wrap(err, "storage: encode notification channels failed")
	}
	enabled := 0
	if r.IsEnabled {
		enabled = 1
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO alert_rules (rule_name, rule_type, condition_field, operator,
			threshold_value, severity, is_enabled, notification_channels)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.RuleName, r.RuleType, r.ConditionField, r.Operator,
		r.ThresholdValue, r.Severity, enabled, string(channels))
	if err != nil {
		return 0, errors.Wrap(err, "storage: insert alert rule failed")
	}
	return res.LastInsertId()
}

// ListEnabledAlertRules returns every enabled rule.
func (s *Store) ListEnabledAlertRules(ctx context.Context) ([]*AlertRule, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, rule_name, rule_type, condition_field, operator, threshold_value,
			severity, is_enabled, notification_channels
		 FROM alert_rules WHERE is_enabled = 1 ORDER BY id`)
	if err != nil {
		return nil, errors.Wrap(err, "storage: list alert rules failed")
	}
	defer rows.Close()
	var out []*AlertRule
	for rows.Next() {
		var r AlertRule
		var enabled int
		var channels string
		if err := rows.Scan(&r.ID, &r.RuleName, &r.RuleType, &r.ConditionField, &r.Operator,
			&r.ThresholdValue, &r.Severity, &enabled, &channels); err != nil {
			return nil, errors.Wrap(err, "storage: scan alert rule failed")
		}
		r.IsEnabled = enabled != 0
		if strings.TrimSpace(channels) != "" {
			if err := json.Unmarshal([]byte(channels), &r.NotificationChannels); err != nil {
				return nil, errors.Wrap(err, "storage: decode notification channels failed")
			}
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}
