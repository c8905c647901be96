package storage

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"
)

// InsertHealthRecord appends one health sample.
func (s *Store) InsertHealthRecord(ctx context.Context, r *HealthRecord) (int64, error) {
	if r == nil {
		return 0, errors.New("storage: nil health record")
	}
	created := r.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO device_health_records (device_ref, health_score, battery_level, temperature,
			cpu_usage, memory_usage, storage_usage, network_status, last_active_time, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.DeviceID, r.HealthScore, r.BatteryLevel, r.Temperature,
		r.CPUUsage, r.MemoryUsage, r.StorageUsage, r.NetworkStatus,
		nullableUnix(r.LastActiveTime), created.Unix())
	if err != nil {
		return 0, errors.Wrap(err, "storage: insert health record failed")
	}
	return res.LastInsertId()
}

func scanHealthRecord(row interface{ Scan(...any) error }) (*HealthRecord, error) {
	var r HealthRecord
	var lastActive sql.NullInt64
	var created int64
	err := row.Scan(&r.ID, &r.DeviceID, &r.HealthScore, &r.BatteryLevel, &r.Temperature,
		&r.CPUUsage, &r.MemoryUsage, &r.StorageUsage, &r.NetworkStatus, &lastActive, &created)
	if err != nil {
		return nil, err
	}
	r.LastActiveTime = scanUnix(lastActive)
	r.CreatedAt = time.Unix(created, 0)
	return &r, nil
}

const healthColumns = `id, device_ref, health_score, battery_level, temperature,
	cpu_usage, memory_usage, storage_usage, network_status, last_active_time, created_at`

// HealthHistory returns samples for the device within the past `hours`,
// newest first.
func (s *Store) HealthHistory(ctx context.Context, deviceID int64, hours int) ([]*HealthRecord, error) {
	if hours <= 0 {
		hours = 24
	}
	since := time.Now().Add(-time.Duration(hours) * time.Hour)
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+healthColumns+` FROM device_health_records
		 WHERE device_ref = ? AND created_at >= ? ORDER BY created_at DESC`,
		deviceID, since.Unix())
	if err != nil {
		return nil, errors.Wrap(err, "storage: health history failed")
	}
	defer rows.Close()
	var out []*HealthRecord
	for rows.Next() {
		r, err := scanHealthRecord(rows)
		if err != nil {
			return nil, errors.Wrap(err, "storage: scan health record failed")
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// LatestHealthRecord returns the newest sample for the device.
func (s *Store) LatestHealthRecord(ctx context.Context, deviceID int64) (*HealthRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+healthColumns+` FROM device_health_records
		 WHERE device_ref = ? ORDER BY created_at DESC, id DESC LIMIT 1`, deviceID)
	r, err := scanHealthRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(ErrNotFound, "health record for device %d", deviceID)
	}
	if err != nil {
		return nil, errors.Wrap(err, "storage: latest health record failed")
	}
	return r, nil
}

// BumpUsageStats rolls one finished run into the per-device per-day counters.
func (s *Store) BumpUsageStats(ctx context.Context, deviceID int64, day string, success bool, runtimeSeconds int64) error {
	successInc, failInc := 0, 1
	if success {
		successInc, failInc = 1, 0
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO device_usage_stats (device_ref, day, run_count, success_count, fail_count, total_runtime_seconds)
		 VALUES (?, ?, 1, ?, ?, ?)
		 ON CONFLICT(device_ref, day) DO UPDATE SET
			run_count = run_count + 1,
			success_count = success_count + excluded.success_count,
			fail_count = fail_count + excluded.fail_count,
			total_runtime_seconds = total_runtime_seconds + excluded.total_runtime_seconds`,
		deviceID, day, successInc, failInc, runtimeSeconds)
	return errors.Wrap(err, "storage: bump usage stats failed")
}

// GetUsageStats returns the rollup for a device and day.
func (s *Store) GetUsageStats(ctx context.Context, deviceID int64, day string) (*UsageStat, error) {
	var u UsageStat
	err := s.db.QueryRowContext(ctx,
		`SELECT id, device_ref, day, run_count, success_count, fail_count, total_runtime_seconds
		 FROM device_usage_stats WHERE device_ref = ? AND day = ?`, deviceID, day).
		Scan(&u.ID, &u.DeviceID, &u.Day, &u.RunCount, &u.SuccessCount, &u.FailCount, &u.TotalRuntimeSeconds)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(ErrNotFound, "usage stats for device %d on %s", deviceID, day)
	}
	if err != nil {
		return nil, errors.Wrap(err, "storage: get usage stats failed")
	}
	return &u, nil
}
