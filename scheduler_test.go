package fleetagent

import (
	"context"
	"strconv"
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"

	"github.com/adbfleet/fleetagent/pkg/storage"
)

func TestCompileCron(t *testing.T) {
	cases := []struct {
		name string
		task storage.ScheduledTask
		want string
	}{
		{"daily", storage.ScheduledTask{Frequency: "daily", ScheduleTime: "09:30"}, "30 9 * * *"},
		{"weekly named day", storage.ScheduledTask{Frequency: "weekly", ScheduleTime: "09:30", ScheduleDay: "Friday"}, "30 9 * * 5"},
		{"weekly default monday", storage.ScheduledTask{Frequency: "weekly", ScheduleTime: "23:05"}, "5 23 * * 1"},
		{"weekly numeric day", storage.ScheduledTask{Frequency: "weekly", ScheduleTime: "00:00", ScheduleDay: "0"}, "0 0 * * 0"},
		{"monthly", storage.ScheduledTask{Frequency: "monthly", ScheduleTime: "09:30", ScheduleDay: "15"}, "30 9 15 * *"},
		{"monthly default first", storage.ScheduledTask{Frequency: "monthly", ScheduleTime: "09:30"}, "30 9 1 * *"},
		{"explicit cron wins", storage.ScheduledTask{Frequency: "daily", ScheduleTime: "09:30", CronExpr: "*/5 * * * *"}, "*/5 * * * *"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := CompileCron(&tc.task)
			if err != nil {
				t.Fatalf("compile: %v", err)
			}
			if got != tc.want {
				t.Fatalf("compiled %q, want %q", got, tc.want)
			}
			if _, err := cron.ParseStandard(got); err != nil {
				t.Fatalf("compiled spec does not parse: %v", err)
			}
		})
	}
}

func TestCompileCronRejectsBadInput(t *testing.T) {
	cases := []storage.ScheduledTask{
		{Frequency: "hourly", ScheduleTime: "09:30"},
		{Frequency: "daily", ScheduleTime: "25:00"},
		{Frequency: "daily", ScheduleTime: "0930"},
		{Frequency: "weekly", ScheduleTime: "09:30", ScheduleDay: "someday"},
		{Frequency: "monthly", ScheduleTime: "09:30", ScheduleDay: "32"},
		{Frequency: "daily", ScheduleTime: "09:30", CronExpr: "not a cron"},
	}
	for _, task := range cases {
		if _, err := CompileCron(&task); !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("CompileCron(%+v) err = %v, want invalid input", task, err)
		}
	}
}

func TestParseDependsOn(t *testing.T) {
	cases := []struct {
		raw  string
		want []int64
	}{
		{"", nil},
		{"[1,2,3]", []int64{1, 2, 3}},
		{"4, 5", []int64{4, 5}},
		{"7", []int64{7}},
	}
	for _, tc := range cases {
		got := parseDependsOn(tc.raw)
		if len(got) != len(tc.want) {
			t.Fatalf("parseDependsOn(%q) = %v, want %v", tc.raw, got, tc.want)
		}
		for i := range got {
			if got[i] != tc.want[i] {
				t.Fatalf("parseDependsOn(%q) = %v, want %v", tc.raw, got, tc.want)
			}
		}
	}
}

func newTestScheduler(t *testing.T) (*Scheduler, *executorFixture) {
	t.Helper()
	f := openTestExecutor(t)
	return NewScheduler(f.store, f.executor), f
}

func seedScheduledTask(t *testing.T, f *executorFixture, name, dependsOn string) int64 {
	t.Helper()
	scriptID := f.seedScript(t, storage.ScriptVisual, `[{"type": "wait", "wait_ms": 1}]`)
	id, err := f.store.InsertScheduledTask(context.Background(), &storage.ScheduledTask{
		Name:         name,
		ScriptID:     scriptID,
		DeviceID:     f.deviceID,
		Frequency:    "daily",
		ScheduleTime: "03:00",
		DependsOn:    dependsOn,
		IsEnabled:    true,
	})
	if err != nil {
		t.Fatalf("insert scheduled task: %v", err)
	}
	return id
}

func TestExecuteNowSubmitsRun(t *testing.T) {
	scheduler, f := newTestScheduler(t)
	ctx := context.Background()
	id := seedScheduledTask(t, f, "nightly-login", "")

	if err := scheduler.ExecuteNow(ctx, id); err != nil {
		t.Fatalf("execute now: %v", err)
	}
	logs, _, err := f.store.ListTaskLogs(ctx, storage.TaskLogFilter{DeviceID: f.deviceID}, 10, 0)
	if err != nil {
		t.Fatalf("list task logs: %v", err)
	}
	if len(logs) != 1 {
		t.Fatalf("task logs = %d, want 1", len(logs))
	}
	if !strings.HasPrefix(logs[0].TaskName, "[scheduled] ") {
		t.Fatalf("task name = %q", logs[0].TaskName)
	}
	if logs[0].ScheduledTaskID != id {
		t.Fatalf("scheduled ref = %d, want %d", logs[0].ScheduledTaskID, id)
	}
	waitForTerminal(t, f, logs[0].ID)

	task, err := f.store.GetScheduledTask(ctx, id)
	if err != nil {
		t.Fatalf("get scheduled task: %v", err)
	}
	if task.RunCount != 1 || task.LastRunAt == nil {
		t.Fatalf("scheduled task after fire = %+v", task)
	}
}

func TestFireSkipsUnmetDependency(t *testing.T) {
	scheduler, f := newTestScheduler(t)
	ctx := context.Background()
	depID := seedScheduledTask(t, f, "prepare-data", "")
	id := seedScheduledTask(t, f, "nightly-report", "["+strconv.FormatInt(depID, 10)+"]")

	// Dependency has never succeeded: the fire is skipped without error.
	if err := scheduler.ExecuteNow(ctx, id); err != nil {
		t.Fatalf("execute now: %v", err)
	}
	_, total, err := f.store.ListTaskLogs(ctx, storage.TaskLogFilter{DeviceID: f.deviceID}, 10, 0)
	if err != nil {
		t.Fatalf("list task logs: %v", err)
	}
	if total != 0 {
		t.Fatalf("task logs = %d, want 0 (gated)", total)
	}

	// A fresh success on the dependency opens the gate.
	if err := scheduler.ExecuteNow(ctx, depID); err != nil {
		t.Fatalf("run dependency: %v", err)
	}
	logs, _, err := f.store.ListTaskLogs(ctx, storage.TaskLogFilter{DeviceID: f.deviceID}, 10, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(logs) != 1 {
		t.Fatalf("dependency runs = %d", len(logs))
	}
	waitForTerminal(t, f, logs[0].ID)

	if err := scheduler.ExecuteNow(ctx, id); err != nil {
		t.Fatalf("execute now after dependency: %v", err)
	}
	_, total, err = f.store.ListTaskLogs(ctx, storage.TaskLogFilter{DeviceID: f.deviceID}, 10, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if total != 2 {
		t.Fatalf("task logs = %d, want 2", total)
	}
	logs, _, err = f.store.ListTaskLogs(ctx, storage.TaskLogFilter{Status: storage.TaskRunning}, 10, 0)
	if err != nil {
		t.Fatalf("list running: %v", err)
	}
	for _, l := range logs {
		waitForTerminal(t, f, l.ID)
	}
}

func TestFireFailureBumpsOutcome(t *testing.T) {
	scheduler, f := newTestScheduler(t)
	ctx := context.Background()
	id := seedScheduledTask(t, f, "busy-device-task", "")

	// Put the device out of reach so the submit fails.
	if err := f.store.SetDeviceStatus(ctx, f.deviceID, storage.DeviceOffline); err != nil {
		t.Fatalf("set status: %v", err)
	}
	if err := scheduler.ExecuteNow(ctx, id); !errors.Is(err, ErrDeviceUnavailable) {
		t.Fatalf("execute now err = %v, want device unavailable", err)
	}
	task, err := f.store.GetScheduledTask(ctx, id)
	if err != nil {
		t.Fatalf("get scheduled task: %v", err)
	}
	if task.FailCount != 1 {
		t.Fatalf("fail count = %d, want 1", task.FailCount)
	}
}

func TestPauseAndResume(t *testing.T) {
	scheduler, f := newTestScheduler(t)
	ctx := context.Background()
	id := seedScheduledTask(t, f, "pausable", "")
	if _, err := scheduler.LoadFromStorage(ctx); err != nil {
		t.Fatalf("load: %v", err)
	}

	if err := scheduler.Pause(ctx, id); err != nil {
		t.Fatalf("pause: %v", err)
	}
	task, err := f.store.GetScheduledTask(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if task.IsEnabled {
		t.Fatal("task still enabled after pause")
	}

	if err := scheduler.Resume(ctx, id); err != nil {
		t.Fatalf("resume: %v", err)
	}
	task, err = f.store.GetScheduledTask(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !task.IsEnabled {
		t.Fatal("task disabled after resume")
	}
}

func TestRemoveDeletesDefinition(t *testing.T) {
	scheduler, f := newTestScheduler(t)
	ctx := context.Background()
	id := seedScheduledTask(t, f, "removable", "")
	if _, err := scheduler.LoadFromStorage(ctx); err != nil {
		t.Fatalf("load: %v", err)
	}

	if err := scheduler.Remove(ctx, id); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := f.store.GetScheduledTask(ctx, id); !errors.Is(err, ErrNotFound) {
		t.Fatalf("get after remove err = %v", err)
	}
	if err := scheduler.Remove(ctx, id); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second remove err = %v", err)
	}
}

func TestAddValidatesReferences(t *testing.T) {
	scheduler, f := newTestScheduler(t)
	ctx := context.Background()
	scriptID := f.seedScript(t, storage.ScriptVisual, "[]")

	task := &storage.ScheduledTask{
		Name: "bad-script", ScriptID: 9999, DeviceID: f.deviceID,
		Frequency: "daily", ScheduleTime: "03:00", IsEnabled: true,
	}
	if _, err := scheduler.Add(ctx, task); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing script err = %v", err)
	}

	task = &storage.ScheduledTask{
		Name: "bad-freq", ScriptID: scriptID, DeviceID: f.deviceID,
		Frequency: "hourly", ScheduleTime: "03:00", IsEnabled: true,
	}
	if _, err := scheduler.Add(ctx, task); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("bad frequency err = %v", err)
	}

	task = &storage.ScheduledTask{
		Name: "good", ScriptID: scriptID, DeviceID: f.deviceID,
		Frequency: "daily", ScheduleTime: "03:00", IsEnabled: true,
	}
	id, err := scheduler.Add(ctx, task)
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if id == 0 {
		t.Fatal("add returned zero id")
	}
}

