package fleetagent

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pkg/errors"

	"github.com/adbfleet/fleetagent/pkg/storage"
)

func TestClassifyFailure(t *testing.T) {
	cases := []struct {
		message        string
		wantType       string
		wantConfidence float64
	}{
		{"error: device 'emu-1' not found", FailureDeviceDisconnected, 0.9},
		{"adb: no devices/emulators found", FailureDeviceDisconnected, 0.9},
		{"设备已断开连接", FailureDeviceDisconnected, 0.9},
		{"Element not found: 登录按钮", FailureElementNotFound, 0.9},
		{"unable to locate element with id 'submit'", FailureElementNotFound, 0.9},
		{"找不到元素: submit", FailureElementNotFound, 0.9},
		{"operation timed out after 30s", FailureTimeout, 0.9},
		{"等待页面加载超时", FailureTimeout, 0.9},
		{"mkdir /data: permission denied", FailurePermissionDenied, 0.9},
		{"adb: access denied", FailurePermissionDenied, 0.9},
		{"this device is unauthorized", FailurePermissionDenied, 0.9},
		{"com.example.app has stopped", FailureAppCrash, 0.9},
		{"Unfortunately, the app will force close", FailureAppCrash, 0.9},
		{"connection refused by 10.0.0.1:8080", FailureNetworkError, 0.9},
		{"connection to host failed", FailureNetworkError, 0.9},
		{"dns resolution failed for api.example.com", FailureNetworkError, 0.9},
		{"Traceback (most recent call last):", FailureScriptError, 0.9},
		{"sh: invalid command 'foo'", FailureScriptError, 0.9},
		{"parse error near line 3", FailureScriptError, 0.9},
		{"something completely different", FailureUnknown, 0},
		{"", FailureUnknown, 0},
	}
	for _, tc := range cases {
		gotType, gotConfidence := ClassifyFailure(tc.message)
		if gotType != tc.wantType || gotConfidence != tc.wantConfidence {
			t.Fatalf("ClassifyFailure(%q) = (%s, %v), want (%s, %v)",
				tc.message, gotType, gotConfidence, tc.wantType, tc.wantConfidence)
		}
	}
}

func TestExtractFailedStep(t *testing.T) {
	cases := []struct {
		message   string
		wantIndex int
		wantName  string
	}{
		{"step 3 failed: element missing", 3, "element missing"},
		{"step 2 failed: Element not found: 登录按钮", 2, "Element not found: 登录按钮"},
		{"第 2 步执行失败", 2, ""},
		{"步骤 5 点击按钮 失败", 5, ""},
		{"第 4 步: 打开设置页 失败", 4, "打开设置页 失败"},
		{"generic failure", -1, ""},
	}
	for _, tc := range cases {
		index, name := extractFailedStep(tc.message)
		if index != tc.wantIndex {
			t.Fatalf("extractFailedStep(%q) index = %d, want %d", tc.message, index, tc.wantIndex)
		}
		if name != tc.wantName {
			t.Fatalf("extractFailedStep(%q) name = %q, want %q", tc.message, name, tc.wantName)
		}
	}
}

func openTestAnalyzer(t *testing.T) (*Analyzer, *storage.Store) {
	t.Helper()
	store, err := storage.Open(filepath.Join(t.TempDir(), "fleet.sqlite"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return NewAnalyzer(store, nil), store
}

func seedFailedRun(t *testing.T, store *storage.Store, errorMessage string) (scriptID, taskLogID int64) {
	t.Helper()
	ctx := context.Background()
	scriptID, err := store.InsertScript(ctx, &storage.Script{
		Name: "login-flow", Kind: storage.ScriptVisual, Content: "[]", IsActive: true,
	})
	if err != nil {
		t.Fatalf("insert script: %v", err)
	}
	deviceID, _, err := store.UpsertDeviceBySerial(ctx, &storage.Device{Serial: "emu-1"})
	if err != nil {
		t.Fatalf("upsert device: %v", err)
	}
	taskLogID, err = store.InsertTaskLog(ctx, &storage.TaskLog{
		TaskName: "login-flow", ScriptID: scriptID, DeviceID: deviceID,
	})
	if err != nil {
		t.Fatalf("insert task log: %v", err)
	}
	if _, err := store.FinishTaskLog(ctx, taskLogID, storage.TaskFailed, "", errorMessage); err != nil {
		t.Fatalf("finish task log: %v", err)
	}
	return scriptID, taskLogID
}

func TestAnalyzeFailedRun(t *testing.T) {
	analyzer, store := openTestAnalyzer(t)
	ctx := context.Background()
	scriptID, taskLogID := seedFailedRun(t, store, "step 2 failed: Element not found: 登录按钮")

	analysis, err := analyzer.Analyze(ctx, taskLogID)
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if analysis.FailureType != FailureElementNotFound {
		t.Fatalf("failure type = %s", analysis.FailureType)
	}
	if analysis.Confidence != 0.9 {
		t.Fatalf("confidence = %v", analysis.Confidence)
	}
	if analysis.FailedStepIndex != 2 {
		t.Fatalf("failed step index = %d", analysis.FailedStepIndex)
	}
	if !strings.Contains(analysis.Suggestions, "选择器") {
		t.Fatalf("suggestions missing guidance: %s", analysis.Suggestions)
	}
	// The column stores a comma-joined list, not an encoded array.
	if parts := strings.Split(analysis.Suggestions, ","); len(parts) != 5 || strings.HasPrefix(analysis.Suggestions, "[") {
		t.Fatalf("suggestions shape: %q", analysis.Suggestions)
	}

	stats, err := store.GetScriptFailureStats(ctx, scriptID)
	if err != nil {
		t.Fatalf("failure stats: %v", err)
	}
	if stats.TotalFailures != 1 || stats.MostCommonFailure != FailureElementNotFound {
		t.Fatalf("stats = %+v", stats)
	}
}

func TestAnalyzeIsIdempotent(t *testing.T) {
	analyzer, store := openTestAnalyzer(t)
	ctx := context.Background()
	scriptID, taskLogID := seedFailedRun(t, store, "operation timed out")

	first, err := analyzer.Analyze(ctx, taskLogID)
	if err != nil {
		t.Fatalf("first analyze: %v", err)
	}
	second, err := analyzer.Analyze(ctx, taskLogID)
	if err != nil {
		t.Fatalf("second analyze: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("analysis ids differ: %d vs %d", first.ID, second.ID)
	}
	stats, err := store.GetScriptFailureStats(ctx, scriptID)
	if err != nil {
		t.Fatalf("failure stats: %v", err)
	}
	if stats.TotalFailures != 1 {
		t.Fatalf("total failures = %d, want 1", stats.TotalFailures)
	}
}

func TestAnalyzeRejectsNonFailedRun(t *testing.T) {
	analyzer, store := openTestAnalyzer(t)
	ctx := context.Background()
	scriptID, err := store.InsertScript(ctx, &storage.Script{
		Name: "ok-flow", Kind: storage.ScriptVisual, Content: "[]", IsActive: true,
	})
	if err != nil {
		t.Fatalf("insert script: %v", err)
	}
	deviceID, _, err := store.UpsertDeviceBySerial(ctx, &storage.Device{Serial: "emu-1"})
	if err != nil {
		t.Fatalf("upsert device: %v", err)
	}
	taskLogID, err := store.InsertTaskLog(ctx, &storage.TaskLog{
		TaskName: "ok-flow", ScriptID: scriptID, DeviceID: deviceID,
	})
	if err != nil {
		t.Fatalf("insert task log: %v", err)
	}

	if _, err := analyzer.Analyze(ctx, taskLogID); !errors.Is(err, ErrPreconditionFailed) {
		t.Fatalf("analyze running task err = %v, want precondition failed", err)
	}
}

func TestFailureOverview(t *testing.T) {
	analyzer, store := openTestAnalyzer(t)
	ctx := context.Background()
	_, first := seedFailedRun(t, store, "operation timed out")
	if _, err := analyzer.Analyze(ctx, first); err != nil {
		t.Fatalf("analyze: %v", err)
	}

	deviceID, _, err := store.UpsertDeviceBySerial(ctx, &storage.Device{Serial: "emu-2"})
	if err != nil {
		t.Fatalf("upsert device: %v", err)
	}
	scriptID, err := store.InsertScript(ctx, &storage.Script{
		Name: "pull-report", Kind: storage.ScriptPython, Content: "print('x')", IsActive: true,
	})
	if err != nil {
		t.Fatalf("insert script: %v", err)
	}
	second, err := store.InsertTaskLog(ctx, &storage.TaskLog{
		TaskName: "pull-report", ScriptID: scriptID, DeviceID: deviceID,
	})
	if err != nil {
		t.Fatalf("insert task log: %v", err)
	}
	if _, err := store.FinishTaskLog(ctx, second, storage.TaskFailed, "", "等待页面加载超时"); err != nil {
		t.Fatalf("finish: %v", err)
	}
	if _, err := analyzer.Analyze(ctx, second); err != nil {
		t.Fatalf("analyze second: %v", err)
	}

	overview, err := analyzer.Overview(ctx, 7)
	if err != nil {
		t.Fatalf("overview: %v", err)
	}
	if overview.Total != 2 {
		t.Fatalf("total = %d, want 2", overview.Total)
	}
	if overview.ByType[FailureTimeout] != 2 {
		t.Fatalf("by type = %+v", overview.ByType)
	}
	if overview.MostCommon != FailureTimeout {
		t.Fatalf("most common = %q, want %q", overview.MostCommon, FailureTimeout)
	}
}
