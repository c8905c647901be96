package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/errors"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "fleet.sqlite"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestUpsertDeviceBySerial(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	id, created, err := store.UpsertDeviceBySerial(ctx, &Device{Serial: "emu-1", Model: "Pixel 6"})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if !created {
		t.Fatal("expected first upsert to create")
	}

	id2, created, err := store.UpsertDeviceBySerial(ctx, &Device{Serial: "emu-1", Battery: 77})
	if err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	if created || id2 != id {
		t.Fatalf("expected update of id %d, got id=%d created=%v", id, id2, created)
	}

	dev, err := store.GetDevice(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if dev.Status != DeviceOnline {
		t.Fatalf("status = %q, want online", dev.Status)
	}
	if dev.Model != "Pixel 6" {
		t.Fatalf("empty model overwrote stored value: %q", dev.Model)
	}
	if dev.Battery != 77 {
		t.Fatalf("battery = %d, want 77", dev.Battery)
	}
}

func TestUpsertKeepsBusyStatus(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	id, _, err := store.UpsertDeviceBySerial(ctx, &Device{Serial: "emu-2"})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	ok, err := store.TransitionDeviceStatus(ctx, id, []string{DeviceOnline, DeviceIdle}, DeviceBusy)
	if err != nil || !ok {
		t.Fatalf("lease transition: ok=%v err=%v", ok, err)
	}
	if _, _, err := store.UpsertDeviceBySerial(ctx, &Device{Serial: "emu-2"}); err != nil {
		t.Fatalf("re-upsert: %v", err)
	}
	dev, err := store.GetDevice(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if dev.Status != DeviceBusy {
		t.Fatalf("scan overwrote busy, status = %q", dev.Status)
	}
}

func TestTransitionDeviceStatusCAS(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	id, _, err := store.UpsertDeviceBySerial(ctx, &Device{Serial: "emu-3"})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	ok, err := store.TransitionDeviceStatus(ctx, id, []string{DeviceOnline, DeviceIdle}, DeviceBusy)
	if err != nil || !ok {
		t.Fatalf("first transition: ok=%v err=%v", ok, err)
	}
	ok, err = store.TransitionDeviceStatus(ctx, id, []string{DeviceOnline, DeviceIdle}, DeviceBusy)
	if err != nil {
		t.Fatalf("second transition: %v", err)
	}
	if ok {
		t.Fatal("second lease transition should lose CAS")
	}
}

func TestMarkUnseenDevicesOffline(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	idA, _, _ := store.UpsertDeviceBySerial(ctx, &Device{Serial: "a"})
	idB, _, _ := store.UpsertDeviceBySerial(ctx, &Device{Serial: "b"})
	idC, _, _ := store.UpsertDeviceBySerial(ctx, &Device{Serial: "c"})
	if _, err := store.TransitionDeviceStatus(ctx, idC, []string{DeviceOnline}, DeviceBusy); err != nil {
		t.Fatalf("busy c: %v", err)
	}

	n, err := store.MarkUnseenDevicesOffline(ctx, []string{"a"})
	if err != nil {
		t.Fatalf("mark offline: %v", err)
	}
	if n != 1 {
		t.Fatalf("marked %d rows offline, want 1", n)
	}
	for _, tc := range []struct {
		id   int64
		want string
	}{{idA, DeviceOnline}, {idB, DeviceOffline}, {idC, DeviceBusy}} {
		dev, err := store.GetDevice(ctx, tc.id)
		if err != nil {
			t.Fatalf("get %d: %v", tc.id, err)
		}
		if dev.Status != tc.want {
			t.Fatalf("device %d status = %q, want %q", tc.id, dev.Status, tc.want)
		}
	}
}

func TestFinishTaskLogExactlyOnce(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	id, err := store.InsertTaskLog(ctx, &TaskLog{TaskName: "t1", ScriptID: 1, DeviceID: 1})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	ok, err := store.FinishTaskLog(ctx, id, TaskSuccess, "done", "")
	if err != nil || !ok {
		t.Fatalf("finish: ok=%v err=%v", ok, err)
	}
	ok, err = store.FinishTaskLog(ctx, id, TaskFailed, "", "late")
	if err != nil {
		t.Fatalf("second finish: %v", err)
	}
	if ok {
		t.Fatal("terminal row must not transition again")
	}
	row, err := store.GetTaskLog(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if row.Status != TaskSuccess || row.EndTime == nil || row.Duration < 0 {
		t.Fatalf("unexpected terminal row: %+v", row)
	}
}

func TestReconcileRunning(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	id, err := store.InsertTaskLog(ctx, &TaskLog{TaskName: "orphan", ScriptID: 1, DeviceID: 9})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	orphans, err := store.ReconcileRunning(ctx, "process restart")
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if len(orphans) != 1 || orphans[0].ID != id {
		t.Fatalf("orphans = %+v", orphans)
	}
	row, _ := store.GetTaskLog(ctx, id)
	if row.Status != TaskFailed || row.ErrorMessage != "process restart" {
		t.Fatalf("row not reconciled: %+v", row)
	}

	again, err := store.ReconcileRunning(ctx, "process restart")
	if err != nil {
		t.Fatalf("second reconcile: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("second reconcile found %d rows", len(again))
	}
}

func TestFailureAnalysisUnique(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	first, err := store.InsertFailureAnalysis(ctx, &FailureAnalysis{
		TaskLogID:   42,
		FailureType: "timeout",
		Confidence:  0.9,
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	second, err := store.InsertFailureAnalysis(ctx, &FailureAnalysis{
		TaskLogID:   42,
		FailureType: "element_not_found",
		Confidence:  0.9,
	})
	if err != nil {
		t.Fatalf("second insert: %v", err)
	}
	if second.ID != first.ID || second.FailureType != "timeout" {
		t.Fatalf("dedup broken: first=%+v second=%+v", first, second)
	}
}

func TestRecordScriptFailure(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	scriptID, err := store.InsertScript(ctx, &Script{Name: "s", Kind: ScriptVisual, IsActive: true})
	if err != nil {
		t.Fatalf("insert script: %v", err)
	}
	for i := 0; i < 4; i++ {
		id, err := store.InsertTaskLog(ctx, &TaskLog{TaskName: "r", ScriptID: scriptID, DeviceID: 1})
		if err != nil {
			t.Fatalf("insert log: %v", err)
		}
		if _, err := store.FinishTaskLog(ctx, id, TaskFailed, "", "boom"); err != nil {
			t.Fatalf("finish: %v", err)
		}
	}
	now := time.Now()
	if _, err := store.RecordScriptFailure(ctx, scriptID, "timeout", now); err != nil {
		t.Fatalf("record 1: %v", err)
	}
	st, err := store.RecordScriptFailure(ctx, scriptID, "element_not_found", now)
	if err != nil {
		t.Fatalf("record 2: %v", err)
	}
	st, err = store.RecordScriptFailure(ctx, scriptID, "timeout", now)
	if err != nil {
		t.Fatalf("record 3: %v", err)
	}
	if st.TotalFailures != 3 {
		t.Fatalf("total = %d, want 3", st.TotalFailures)
	}
	if st.MostCommonFailure != "timeout" {
		t.Fatalf("most common = %q", st.MostCommonFailure)
	}
	if st.FailureByType["timeout"] != 2 || st.FailureByType["element_not_found"] != 1 {
		t.Fatalf("by type = %v", st.FailureByType)
	}
	if st.FailureRate != 75 {
		t.Fatalf("rate = %v, want 75", st.FailureRate)
	}
}

func TestAlertDeduplication(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	alert := &DeviceAlert{DeviceID: 7, AlertType: "battery_low", Severity: SeverityWarning, Message: "battery 15%"}
	id1, created, err := store.RaiseAlert(ctx, alert)
	if err != nil || !created {
		t.Fatalf("raise: id=%d created=%v err=%v", id1, created, err)
	}
	id2, created, err := store.RaiseAlert(ctx, alert)
	if err != nil {
		t.Fatalf("raise again: %v", err)
	}
	if created || id2 != id1 {
		t.Fatalf("dedup broken: id1=%d id2=%d created=%v", id1, id2, created)
	}

	if err := store.ResolveAlert(ctx, id1); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if err := store.ResolveAlert(ctx, id1); !errors.Is(err, ErrAlreadyResolved) {
		t.Fatalf("second resolve err = %v, want ErrAlreadyResolved", err)
	}

	// After resolution the same (device, type) may open again.
	id3, created, err := store.RaiseAlert(ctx, alert)
	if err != nil || !created {
		t.Fatalf("raise after resolve: id=%d created=%v err=%v", id3, created, err)
	}
	if id3 == id1 {
		t.Fatal("expected a fresh alert row")
	}
}

func TestBumpUsageStats(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	day := "2026-08-30"
	if err := store.BumpUsageStats(ctx, 3, day, true, 12); err != nil {
		t.Fatalf("bump 1: %v", err)
	}
	if err := store.BumpUsageStats(ctx, 3, day, false, 5); err != nil {
		t.Fatalf("bump 2: %v", err)
	}
	u, err := store.GetUsageStats(ctx, 3, day)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if u.RunCount != 2 || u.SuccessCount != 1 || u.FailCount != 1 || u.TotalRuntimeSeconds != 17 {
		t.Fatalf("unexpected rollup: %+v", u)
	}
}

func TestScheduledTaskCounters(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	id, err := store.InsertScheduledTask(ctx, &ScheduledTask{
		Name: "nightly", ScriptID: 1, DeviceID: 1,
		Frequency: "daily", ScheduleTime: "09:00", IsEnabled: true,
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	next := time.Now().Add(24 * time.Hour)
	if err := store.MarkScheduledTaskFired(ctx, id, time.Now(), &next); err != nil {
		t.Fatalf("mark fired: %v", err)
	}
	if err := store.BumpScheduledTaskOutcome(ctx, id, true); err != nil {
		t.Fatalf("bump: %v", err)
	}
	task, err := store.GetScheduledTask(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if task.RunCount != 1 || task.SuccessCount != 1 || task.LastRunAt == nil || task.NextRunAt == nil {
		t.Fatalf("counters: %+v", task)
	}
}

func TestDeleteTaskLogsRequiresFilter(t *testing.T) {
	store := openTestStore(t)
	if _, err := store.DeleteTaskLogs(context.Background(), TaskLogFilter{}); err == nil {
		t.Fatal("expected unfiltered delete to be refused")
	}
}

func TestListDevicesPage(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	for _, serial := range []string{"emu-1", "emu-2", "emu-3"} {
		if _, _, err := store.UpsertDeviceBySerial(ctx, &Device{Serial: serial}); err != nil {
			t.Fatalf("upsert %s: %v", serial, err)
		}
	}

	page, total, err := store.ListDevicesPage(ctx, "", "", 2, 0)
	if err != nil {
		t.Fatalf("first page: %v", err)
	}
	if total != 3 || len(page) != 2 {
		t.Fatalf("first page: total=%d len=%d", total, len(page))
	}
	page, total, err = store.ListDevicesPage(ctx, "", "", 2, 2)
	if err != nil {
		t.Fatalf("second page: %v", err)
	}
	if total != 3 || len(page) != 1 {
		t.Fatalf("second page: total=%d len=%d", total, len(page))
	}
	if page[0].Serial != "emu-3" {
		t.Fatalf("second page serial = %q", page[0].Serial)
	}

	_, total, err = store.ListDevicesPage(ctx, DeviceOffline, "", 10, 0)
	if err != nil {
		t.Fatalf("filtered page: %v", err)
	}
	if total != 0 {
		t.Fatalf("offline total = %d, want 0", total)
	}
}
