package storage

import "time"

// Device lifecycle statuses.
const (
	DeviceOffline = "offline"
	DeviceOnline  = "online"
	DeviceIdle    = "idle"
	DeviceBusy    = "busy"
)

// Script kinds.
const (
	ScriptVisual = "visual"
	ScriptPython = "python"
	ScriptBatch  = "batch"
)

// Task journal statuses. Running is the only non-terminal one.
const (
	TaskRunning = "running"
	TaskSuccess = "success"
	TaskFailed  = "failed"
)

// Step outcomes.
const (
	StepSuccess = "success"
	StepFailed  = "failed"
	StepSkipped = "skipped"
)

// Alert severities.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Device is one fleet member, keyed by its adb serial.
type Device struct {
	ID              int64      `json:"id"`
	Serial          string     `json:"serial"`
	Model           string     `json:"model"`
	AndroidVersion  string     `json:"android_version"`
	Resolution      string     `json:"resolution"`
	Battery         int        `json:"battery"`
	CPUUsage        float64    `json:"cpu_usage"`
	MemoryUsage     float64    `json:"memory_usage"`
	GroupName       string     `json:"group_name"`
	Status          string     `json:"status"`
	LastConnectedAt *time.Time `json:"last_connected_at,omitempty"`
}

// Script is an executable definition: visual step JSON, python source, or a
// shell batch.
type Script struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Kind        string `json:"kind"`
	Category    string `json:"category"`
	Description string `json:"description"`
	Content     string `json:"content"`
	IsActive    bool   `json:"is_active"`
}

// ScheduledTask binds a script and device to a recurrence.
type ScheduledTask struct {
	ID           int64      `json:"id"`
	Name         string     `json:"name"`
	ScriptID     int64      `json:"script_id"`
	DeviceID     int64      `json:"device_id"`
	Frequency    string     `json:"frequency"`
	ScheduleTime string     `json:"schedule_time"`
	ScheduleDay  string     `json:"schedule_day"`
	CronExpr     string     `json:"cron_expr"`
	Priority     int        `json:"priority"`
	MaxRetry     int        `json:"max_retry"`
	DependsOn    string     `json:"depends_on"`
	IsEnabled    bool       `json:"is_enabled"`
	RunCount     int64      `json:"run_count"`
	SuccessCount int64      `json:"success_count"`
	FailCount    int64      `json:"fail_count"`
	LastRunAt    *time.Time `json:"last_run_at,omitempty"`
	NextRunAt    *time.Time `json:"next_run_at,omitempty"`
}

// TaskLog is one run journal row.
type TaskLog struct {
	ID              int64      `json:"id"`
	TaskName        string     `json:"task_name"`
	ScriptID        int64      `json:"script_id"`
	DeviceID        int64      `json:"device_id"`
	ScheduledTaskID int64      `json:"scheduled_task_id"`
	Status          string     `json:"status"`
	StartTime       time.Time  `json:"start_time"`
	EndTime         *time.Time `json:"end_time,omitempty"`
	Duration        int64      `json:"duration"`
	LogContent      string     `json:"log_content"`
	ErrorMessage    string     `json:"error_message"`
}

// StepLog is a per-step record of a visual run.
type StepLog struct {
	ID             int64      `json:"id"`
	TaskLogID      int64      `json:"task_log_id"`
	StepIndex      int        `json:"step_index"`
	StepName       string     `json:"step_name"`
	StepType       string     `json:"step_type"`
	Status         string     `json:"status"`
	StartTime      time.Time  `json:"start_time"`
	EndTime        *time.Time `json:"end_time,omitempty"`
	Duration       float64    `json:"duration"`
	ErrorMessage   string     `json:"error_message"`
	ScreenshotPath string     `json:"screenshot_path"`
}

// FailureAnalysis is the classifier's verdict on a failed run, at most one
// per task log.
type FailureAnalysis struct {
	ID              int64     `json:"id"`
	TaskLogID       int64     `json:"task_log_id"`
	FailureType     string    `json:"failure_type"`
	FailedStepIndex int       `json:"failed_step_index"`
	FailedStepName  string    `json:"failed_step_name"`
	ErrorMessage    string    `json:"error_message"`
	StackTrace      string    `json:"stack_trace"`
	ScreenshotPath  string    `json:"screenshot_path"`
	Suggestions     string    `json:"suggestions"`
	Confidence      float64   `json:"confidence"`
	CreatedAt       time.Time `json:"created_at"`
}

// ScriptFailureStats is the per-script failure rollup.
type ScriptFailureStats struct {
	ID                int64            `json:"id"`
	ScriptID          int64            `json:"script_id"`
	TotalFailures     int64            `json:"total_failures"`
	FailureByType     map[string]int64 `json:"failure_by_type"`
	MostCommonFailure string           `json:"most_common_failure"`
	FailureRate       float64          `json:"failure_rate"`
	LastFailureTime   *time.Time       `json:"last_failure_time,omitempty"`
}

// HealthRecord is one collector sample.
type HealthRecord struct {
	ID             int64      `json:"id"`
	DeviceID       int64      `json:"device_id"`
	HealthScore    int        `json:"health_score"`
	BatteryLevel   float64    `json:"battery_level"`
	Temperature    float64    `json:"temperature"`
	CPUUsage       float64    `json:"cpu_usage"`
	MemoryUsage    float64    `json:"memory_usage"`
	StorageUsage   float64    `json:"storage_usage"`
	NetworkStatus  string     `json:"network_status"`
	LastActiveTime *time.Time `json:"last_active_time,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// UsageStat is the per-device per-day run rollup.
type UsageStat struct {
	ID                  int64  `json:"id"`
	DeviceID            int64  `json:"device_id"`
	Day                 string `json:"day"`
	RunCount            int64  `json:"run_count"`
	SuccessCount        int64  `json:"success_count"`
	FailCount           int64  `json:"fail_count"`
	TotalRuntimeSeconds int64  `json:"total_runtime_seconds"`
}

// DeviceAlert is an open or resolved alert; at most one unresolved row per
// (device, type).
type DeviceAlert struct {
	ID         int64      `json:"id"`
	DeviceID   int64      `json:"device_id"`
	AlertType  string     `json:"alert_type"`
	Severity   string     `json:"severity"`
	Message    string     `json:"message"`
	IsResolved bool       `json:"is_resolved"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// AlertRule is a threshold rule the health collector evaluates each cycle.
type AlertRule struct {
	ID                   int64    `json:"id"`
	RuleName             string   `json:"rule_name"`
	RuleType             string   `json:"rule_type"`
	ConditionField       string   `json:"condition_field"`
	Operator             string   `json:"operator"`
	ThresholdValue       float64  `json:"threshold_value"`
	Severity             string   `json:"severity"`
	IsEnabled            bool     `json:"is_enabled"`
	NotificationChannels []string `json:"notification_channels"`
}
