// Package storage is the durable layer under the control plane: the run
// journal plus every other table the registry, scheduler, health collector,
// and failure analyzer read and write. One SQLite file backs all of it.
package storage

import (
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/adbfleet/fleetagent/internal/config"
	"github.com/pkg/errors"
	_ "modernc.org/sqlite"
)

const (
	envDBPath         = "FLEET_DB_PATH"
	defaultDBDirName  = ".fleet"
	defaultDBFileName = "fleet.sqlite"
)

// ErrNotFound is returned by lookups when no row matches.
var ErrNotFound = errors.New("not found")

// Store wraps the SQLite database shared by all components.
type Store struct {
	db *sql.DB
}

// Open opens (and migrates) the database at path.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("storage: empty database path")
	}
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.Wrapf(err, "storage: create dir %s failed", dir)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "storage: open sqlite failed")
	}
	if err := configureSQLite(db); err != nil {
		db.Close()
		return nil, err
	}
	if err := prepareSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// OpenFromEnv opens the database at FLEET_DB_PATH, defaulting to
// ~/.fleet/fleet.sqlite.
func OpenFromEnv() (*Store, error) {
	path := config.String(envDBPath, "")
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, errors.Wrap(err, "storage: locate user home failed")
		}
		path = filepath.Join(home, defaultDBDirName, defaultDBFileName)
	}
	return Open(path)
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DB exposes the raw handle for read-only reporting queries.
func (s *Store) DB() *sql.DB {
	return s.db
}

func configureSQLite(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=60000;",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return errors.Wrapf(err, "storage: execute %s failed", pragma)
		}
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	return nil
}

func prepareSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS device (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			serial TEXT NOT NULL UNIQUE,
			model TEXT NOT NULL DEFAULT '',
			android_version TEXT NOT NULL DEFAULT '',
			resolution TEXT NOT NULL DEFAULT '',
			battery INTEGER NOT NULL DEFAULT 0,
			cpu_usage REAL NOT NULL DEFAULT 0,
			memory_usage REAL NOT NULL DEFAULT 0,
			group_name TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'offline',
			last_connected_at INTEGER
		);`,
		`CREATE TABLE IF NOT EXISTS script (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL,
			kind TEXT NOT NULL,
			category TEXT NOT NULL DEFAULT '',
			description TEXT NOT NULL DEFAULT '',
			content TEXT NOT NULL DEFAULT '',
			is_active INTEGER NOT NULL DEFAULT 1
		);`,
		`CREATE TABLE IF NOT EXISTS scheduled_task (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL UNIQUE,
			script_ref INTEGER NOT NULL,
			device_ref INTEGER NOT NULL,
			frequency TEXT NOT NULL DEFAULT 'daily',
			schedule_time TEXT NOT NULL DEFAULT '00:00',
			schedule_day TEXT NOT NULL DEFAULT '',
			cron_expr TEXT NOT NULL DEFAULT '',
			priority INTEGER NOT NULL DEFAULT 0,
			max_retry INTEGER NOT NULL DEFAULT 0,
			depends_on TEXT NOT NULL DEFAULT '',
			is_enabled INTEGER NOT NULL DEFAULT 1,
			run_count INTEGER NOT NULL DEFAULT 0,
			success_count INTEGER NOT NULL DEFAULT 0,
			fail_count INTEGER NOT NULL DEFAULT 0,
			last_run_at INTEGER,
			next_run_at INTEGER
		);`,
		`CREATE TABLE IF NOT EXISTS task_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			task_name TEXT NOT NULL,
			script_ref INTEGER NOT NULL,
			device_ref INTEGER NOT NULL,
			scheduled_task_ref INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL DEFAULT 'running',
			start_time INTEGER NOT NULL,
			end_time INTEGER,
			duration INTEGER NOT NULL DEFAULT 0,
			log_content TEXT NOT NULL DEFAULT '',
			error_message TEXT NOT NULL DEFAULT ''
		);`,
		`CREATE TABLE IF NOT EXISTS step_execution_logs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			task_log_ref INTEGER NOT NULL,
			step_index INTEGER NOT NULL,
			step_name TEXT NOT NULL DEFAULT '',
			step_type TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			start_time INTEGER NOT NULL,
			end_time INTEGER,
			duration REAL NOT NULL DEFAULT 0,
			error_message TEXT NOT NULL DEFAULT '',
			screenshot_path TEXT NOT NULL DEFAULT ''
		);`,
		`CREATE TABLE IF NOT EXISTS failure_analysis (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			task_log_ref INTEGER NOT NULL UNIQUE,
			failure_type TEXT NOT NULL,
			failed_step_index INTEGER NOT NULL DEFAULT -1,
			failed_step_name TEXT NOT NULL DEFAULT '',
			error_message TEXT NOT NULL DEFAULT '',
			stack_trace TEXT NOT NULL DEFAULT '',
			screenshot_path TEXT NOT NULL DEFAULT '',
			suggestions TEXT NOT NULL DEFAULT '',
			confidence REAL NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS script_failure_stats (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			script_ref INTEGER NOT NULL UNIQUE,
			total_failures INTEGER NOT NULL DEFAULT 0,
			failure_by_type TEXT NOT NULL DEFAULT '{}',
			most_common_failure TEXT NOT NULL DEFAULT '',
			failure_rate REAL NOT NULL DEFAULT 0,
			last_failure_time INTEGER
		);`,
		`CREATE TABLE IF NOT EXISTS device_health_records (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			device_ref INTEGER NOT NULL,
			health_score INTEGER NOT NULL,
			battery_level REAL NOT NULL DEFAULT 0,
			temperature REAL NOT NULL DEFAULT 0,
			cpu_usage REAL NOT NULL DEFAULT 0,
			memory_usage REAL NOT NULL DEFAULT 0,
			storage_usage REAL NOT NULL DEFAULT 0,
			network_status TEXT NOT NULL DEFAULT '',
			last_active_time INTEGER,
			created_at INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS device_usage_stats (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			device_ref INTEGER NOT NULL,
			day TEXT NOT NULL,
			run_count INTEGER NOT NULL DEFAULT 0,
			success_count INTEGER NOT NULL DEFAULT 0,
			fail_count INTEGER NOT NULL DEFAULT 0,
			total_runtime_seconds INTEGER NOT NULL DEFAULT 0,
			UNIQUE(device_ref, day)
		);`,
		`CREATE TABLE IF NOT EXISTS device_alerts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			device_ref INTEGER NOT NULL,
			alert_type TEXT NOT NULL,
			severity TEXT NOT NULL DEFAULT 'info',
			message TEXT NOT NULL DEFAULT '',
			is_resolved INTEGER NOT NULL DEFAULT 0,
			resolved_at INTEGER,
			created_at INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS alert_rules (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			rule_name TEXT NOT NULL,
			rule_type TEXT NOT NULL DEFAULT '',
			condition_field TEXT NOT NULL,
			operator TEXT NOT NULL,
			threshold_value REAL NOT NULL,
			severity TEXT NOT NULL DEFAULT 'warning',
			is_enabled INTEGER NOT NULL DEFAULT 1,
			notification_channels TEXT NOT NULL DEFAULT '[]'
		);`,
		`CREATE INDEX IF NOT EXISTS idx_task_log_status ON task_log(status);`,
		`CREATE INDEX IF NOT EXISTS idx_task_log_device ON task_log(device_ref, start_time DESC);`,
		`CREATE INDEX IF NOT EXISTS idx_task_log_sched ON task_log(scheduled_task_ref, start_time DESC);`,
		`CREATE INDEX IF NOT EXISTS idx_step_logs_task ON step_execution_logs(task_log_ref, step_index);`,
		`CREATE INDEX IF NOT EXISTS idx_health_device ON device_health_records(device_ref, created_at DESC);`,
		// At most one unresolved alert per (device, type).
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_alerts_unresolved
			ON device_alerts(device_ref, alert_type) WHERE is_resolved = 0;`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return errors.Wrap(err, "storage: init sqlite schema failed")
		}
	}
	return nil
}

// nullableUnix converts a *time.Time for binding.
func nullableUnix(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Unix()
}

// scanUnix converts a nullable unix column back to *time.Time.
func scanUnix(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(v.Int64, 0)
	return &t
}
