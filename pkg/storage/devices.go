package storage

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/pkg/errors"
)

const deviceColumns = `id, serial, model, android_version, resolution, battery,
	cpu_usage, memory_usage, group_name, status, last_connected_at`

func scanDevice(row interface{ Scan(...any) error }) (*Device, error) {
	var d Device
	var lastConnected sql.NullInt64
	err := row.Scan(&d.ID, &d.Serial, &d.Model, &d.AndroidVersion, &d.Resolution,
		&d.Battery, &d.CPUUsage, &d.MemoryUsage, &d.GroupName, &d.Status, &lastConnected)
	if err != nil {
		return nil, err
	}
	d.LastConnectedAt = scanUnix(lastConnected)
	return &d, nil
}

// UpsertDeviceBySerial inserts or refreshes the row for serial, marking it
// online. Returns the device id and whether the row was newly created.
func (s *Store) UpsertDeviceBySerial(ctx context.Context, d *Device) (int64, bool, error) {
	if d == nil || strings.TrimSpace(d.Serial) == "" {
		return 0, false, errors.New("storage: device serial is empty")
	}
	now := time.Now().Unix()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO device (serial, model, android_version, resolution, battery, cpu_usage, memory_usage, status, last_connected_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, 'online', ?)
		 ON CONFLICT(serial) DO NOTHING`,
		d.Serial, d.Model, d.AndroidVersion, d.Resolution, d.Battery, d.CPUUsage, d.MemoryUsage, now)
	if err != nil {
		return 0, false, errors.Wrap(err, "storage: insert device failed")
	}
	if n, _ := res.RowsAffected(); n == 1 {
		id, err := res.LastInsertId()
		if err != nil {
			return 0, false, errors.Wrap(err, "storage: device insert id")
		}
		return id, true, nil
	}
	// Existing row: refresh observed fields but never overwrite busy.
	_, err = s.db.ExecContext(ctx,
		`UPDATE device SET model = CASE WHEN ? = '' THEN model ELSE ? END,
			android_version = CASE WHEN ? = '' THEN android_version ELSE ? END,
			resolution = CASE WHEN ? = '' THEN resolution ELSE ? END,
			battery = ?, cpu_usage = ?, memory_usage = ?,
			status = CASE WHEN status = 'busy' THEN 'busy' ELSE 'online' END,
			last_connected_at = ?
		 WHERE serial = ?`,
		d.Model, d.Model, d.AndroidVersion, d.AndroidVersion, d.Resolution, d.Resolution,
		d.Battery, d.CPUUsage, d.MemoryUsage, now, d.Serial)
	if err != nil {
		return 0, false, errors.Wrap(err, "storage: update device failed")
	}
	var id int64
	if err := s.db.QueryRowContext(ctx, `SELECT id FROM device WHERE serial = ?`, d.Serial).Scan(&id); err != nil {
		return 0, false, errors.Wrap(err, "storage: reload device id failed")
	}
	return id, false, nil
}

// GetDevice returns the device by id.
func (s *Store) GetDevice(ctx context.Context, id int64) (*Device, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+deviceColumns+` FROM device WHERE id = ?`, id)
	d, err := scanDevice(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(ErrNotFound, "device %d", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "storage: get device failed")
	}
	return d, nil
}

// GetDeviceBySerial returns the device by serial.
func (s *Store) GetDeviceBySerial(ctx context.Context, serial string) (*Device, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+deviceColumns+` FROM device WHERE serial = ?`, serial)
	d, err := scanDevice(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(ErrNotFound, "device %s", serial)
	}
	if err != nil {
		return nil, errors.Wrap(err, "storage: get device failed")
	}
	return d, nil
}

// ListDevices returns devices filtered by status and/or group (empty means any).
func (s *Store) ListDevices(ctx context.Context, status, group string) ([]*Device, error) {
	query := `SELECT ` + deviceColumns + ` FROM device WHERE 1=1`
	args := []any{}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, status)
	}
	if group != "" {
		query += ` AND group_name = ?`
		args = append(args, group)
	}
	query += ` ORDER BY id`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "storage: list devices failed")
	}
	defer rows.Close()
	var out []*Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, errors.Wrap(err, "storage: scan device failed")
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// ListDevicesPage returns a page of devices plus the total count matching
// the filter.
func (s *Store) ListDevicesPage(ctx context.Context, status, group string, limit, offset int) ([]*Device, int64, error) {
	if limit <= 0 {
		limit = 20
	}
	where := `1=1`
	args := []any{}
	if status != "" {
		where += ` AND status = ?`
		args = append(args, status)
	}
	if group != "" {
		where += ` AND group_name = ?`
		args = append(args, group)
	}
	var total int64
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM device WHERE `+where, args...).Scan(&total); err != nil {
		return nil, 0, errors.Wrap(err, "storage: count devices failed")
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+deviceColumns+` FROM device WHERE `+where+` ORDER BY id LIMIT ? OFFSET ?`,
		append(args, limit, offset)...)
	if err != nil {
		return nil, 0, errors.Wrap(err, "storage: list devices failed")
	}
	defer rows.Close()
	var out []*Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, 0, errors.Wrap(err, "storage: scan device failed")
		}
		out = append(out, d)
	}
	return out, total, rows.Err()
}

// TransitionDeviceStatus moves the device from one of the listed statuses to
// next. Returns false when the row was not in an eligible status; this is the
// CAS underneath the lease.
func (s *Store) TransitionDeviceStatus(ctx context.Context, id int64, from []string, next string) (bool, error) {
	if len(from) == 0 {
		return false, errors.New("storage: empty transition source set")
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(from)), ",")
	args := make([]any, 0, len(from)+2)
	args = append(args, next)
	for _, f := range from {
		args = append(args, f)
	}
	args = append(args, id)
	res, err := s.db.ExecContext(ctx,
		`UPDATE device SET status = ? WHERE status IN (`+placeholders+`) AND id = ?`, args...)
	if err != nil {
		return false, errors.Wrap(err, "storage: device status transition failed")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "storage: device transition rows")
	}
	return n == 1, nil
}

// SetDeviceStatus unconditionally overwrites the device status.
func (s *Store) SetDeviceStatus(ctx context.Context, id int64, status string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE device SET status = ? WHERE id = ?`, status, id)
	if err != nil {
		return errors.Wrap(err, "storage: set device status failed")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.Wrapf(ErrNotFound, "device %d", id)
	}
	return nil
}

// UpdateDeviceMetrics writes the health collector's latest sample onto the
// device row.
func (s *Store) UpdateDeviceMetrics(ctx context.Context, id int64, battery int, cpu, memory float64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE device SET battery = ?, cpu_usage = ?, memory_usage = ? WHERE id = ?`,
		battery, cpu, memory, id)
	return errors.Wrap(err, "storage: update device metrics failed")
}

// SetDeviceGroup assigns (or clears) the device group.
func (s *Store) SetDeviceGroup(ctx context.Context, id int64, group string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE device SET group_name = ? WHERE id = ?`, group, id)
	if err != nil {
		return errors.Wrap(err, "storage: set device group failed")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.Wrapf(ErrNotFound, "device %d", id)
	}
	return nil
}

// MarkUnseenDevicesOffline flips online/idle devices whose serial is not in
// seen to offline. Busy devices are left alone; the executor observes the
// disconnect when it releases the lease.
func (s *Store) MarkUnseenDevicesOffline(ctx context.Context, seen []string) (int64, error) {
	query := `UPDATE device SET status = 'offline' WHERE status IN ('online','idle')`
	args := []any{}
	if len(seen) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(seen)), ",")
		query += ` AND serial NOT IN (` + placeholders + `)`
		for _, serial := range seen {
			args = append(args, serial)
		}
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, errors.Wrap(err, "storage: mark unseen devices offline failed")
	}
	return res.RowsAffected()
}
