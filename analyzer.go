package fleetagent

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/adbfleet/fleetagent/internal/config"
	"github.com/adbfleet/fleetagent/pkg/storage"
)

const envUploadsDir = "FLEET_UPLOADS_DIR"

// Failure types the classifier can emit.
const (
	FailureDeviceDisconnected = "device_disconnected"
	FailureElementNotFound    = "element_not_found"
	FailureTimeout            = "timeout"
	FailurePermissionDenied   = "permission_denied"
	FailureAppCrash           = "app_crash"
	FailureNetworkError       = "network_error"
	FailureScriptError        = "script_error"
	FailureUnknown            = "unknown"
)

// classifierRule pairs a failure type with the patterns that pin it. Order
// matters: the first matching rule wins.
type classifierRule struct {
	failureType string
	patterns    []*regexp.Regexp
}

func compileAll(exprs ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, 0, len(exprs))
	for _, e := range exprs {
		out = append(out, regexp.MustCompile("(?i)"+e))
	}
	return out
}

var classifierRules = []classifierRule{
	{FailureDeviceDisconnected, compileAll(
		`device\s+.*not\s+found`, `device\s+offline`, `no\s+devices/emulators\s+found`,
		`disconnected`, `设备.*断开`, `设备.*离线`, `连接丢失`)},
	{FailureElementNotFound, compileAll(
		`element.*not\s+found`, `no\s+such\s+element`, `unable\s+to\s+locate`,
		`找不到元素`, `元素不存在`, `未找到元素`)},
	{FailureTimeout, compileAll(
		`timed?\s*out`, `timeout`, `超时`)},
	{FailurePermissionDenied, compileAll(
		`permission\s+denied`, `access\s+denied`, `unauthorized`, `not\s+permitted`,
		`权限拒绝`, `没有权限`, `拒绝访问`)},
	{FailureAppCrash, compileAll(
		`crash`, `force.*close`, `\banr\b`, `has\s+stopped`, `应用崩溃`, `闪退`)},
	{FailureNetworkError, compileAll(
		`network\s+error`, `connection\s+refused`, `connection.*failed`, `dns.*failed`,
		`unreachable`, `网络错误`, `连接被拒绝`, `无法连接`)},
	{FailureScriptError, compileAll(
		`syntax\s*error`, `invalid.*command`, `parse.*error`, `traceback`,
		`exception`, `nameerror`, `typeerror`, `脚本错误`, `语法错误`)},
}

var (
	stepIndexRes = []*regexp.Regexp{
		regexp.MustCompile(`(?i)step\s+(\d+).*?fail`),
		regexp.MustCompile(`第\s*(\d+)\s*步.*?失败`),
		regexp.MustCompile(`步骤\s*(\d+).*?失败`),
	}
	// The failed-separator form comes first so "step 3 failed: <name>"
	// recovers the text after the separator, not the word "failed".
	stepNameRes = []*regexp.Regexp{
		regexp.MustCompile(`(?i)step\s+\d+\s+failed[:\s]+(.+)`),
		regexp.MustCompile(`第\s*\d+\s*步[:：\s]+([^:\n]+)`),
		regexp.MustCompile(`(?i)step\s+\d+[:\s]+([^:\n]+)`),
	}
)

var failureSuggestions = map[string][]string{
	FailureDeviceDisconnected: {
		"检查 USB 连接或网络 adb 连接是否稳定",
		"确认设备未进入休眠或重启",
		"运行 adb devices 确认设备仍然在线",
		"更换数据线或 USB 端口",
		"在设备上重新授权 adb 调试",
	},
	FailureElementNotFound: {
		"确认目标页面已完全加载后再执行该步骤",
		"检查元素选择器是否随应用版本变化",
		"在该步骤前增加等待时间",
		"用屏幕截图核对当前页面状态",
		"检查应用是否弹出了遮挡元素的对话框",
	},
	FailureTimeout: {
		"增加该步骤的超时时间",
		"检查设备负载是否过高导致响应缓慢",
		"确认网络延迟是否影响了页面加载",
		"将长操作拆分为多个较短的步骤",
		"重启应用后重试",
	},
	FailurePermissionDenied: {
		"在设备上授予应用所需权限",
		"检查 adb 是否具有 root 或调试权限",
		"确认目标文件或目录的访问权限",
		"在脚本运行前预先处理权限弹窗",
		"检查设备的安全策略设置",
	},
	FailureAppCrash: {
		"查看设备 logcat 获取崩溃堆栈",
		"确认应用版本与脚本是否匹配",
		"清除应用缓存和数据后重试",
		"检查设备内存是否不足",
		"升级或回退应用版本",
	},
	FailureNetworkError: {
		"检查设备的网络连接状态",
		"确认目标服务地址可达",
		"检查代理或防火墙配置",
		"切换到更稳定的网络后重试",
		"增加网络请求的重试逻辑",
	},
	FailureScriptError: {
		"检查脚本语法和缩进",
		"确认脚本依赖的库已安装",
		"查看完整错误堆栈定位出错行",
		"在本地环境先行验证脚本",
		"检查脚本中的变量和参数传递",
	},
	FailureUnknown: {
		"查看完整运行日志定位首个错误",
		"重新执行一次确认问题可复现",
		"检查设备和应用状态是否正常",
		"对比最近一次成功运行的差异",
	},
}

// Screenshotter captures the device screen into a host file. Satisfied by the
// adb client.
type Screenshotter interface {
	Screencap(ctx context.Context, serial, hostPath string) error
}

// Analyzer classifies failed runs, attaches a screenshot when it can, and
// rolls failures into per-script statistics.
type Analyzer struct {
	store      *storage.Store
	shooter    Screenshotter
	uploadsDir string
}

func NewAnalyzer(store *storage.Store, shooter Screenshotter) *Analyzer {
	return &Analyzer{
		store:      store,
		shooter:    shooter,
		uploadsDir: config.String(envUploadsDir, "uploads"),
	}
}

// ClassifyFailure maps an error message to a failure type. The first matching
// rule wins with confidence 0.9; anything unmatched (or empty) is unknown
// with confidence 0.
func ClassifyFailure(message string) (string, float64) {
	if message == "" {
		return FailureUnknown, 0
	}
	for _, rule := range classifierRules {
		for _, re := range rule.patterns {
			if re.MatchString(message) {
				return rule.failureType, 0.9
			}
		}
	}
	return FailureUnknown, 0
}

// extractFailedStep pulls the failing step index (-1 when absent) and name
// out of the error message.
func extractFailedStep(message string) (int, string) {
	index := -1
	for _, re := range stepIndexRes {
		if m := re.FindStringSubmatch(message); m != nil {
			if n, err := strconv.Atoi(m[1]); err == nil {
				index = n
				break
			}
		}
	}
	name := ""
	for _, re := range stepNameRes {
		if m := re.FindStringSubmatch(message); m != nil {
			name = trimStepName(m[1])
			break
		}
	}
	return index, name
}

func trimStepName(s string) string {
	for len(s) > 0 && (s[len(s)-1] == ' ' || s[len(s)-1] == '\t' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}

// Analyze classifies the failed run behind taskLogID. A run that already has
// an analysis returns the stored row untouched; a run that is not failed is
// rejected.
func (a *Analyzer) Analyze(ctx context.Context, taskLogID int64) (*storage.FailureAnalysis, error) {
	if existing, err := a.store.GetFailureAnalysis(ctx, taskLogID); err == nil {
		return existing, nil
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	tlog, err := a.store.GetTaskLog(ctx, taskLogID)
	if err != nil {
		return nil, err
	}
	if tlog.Status != storage.TaskFailed {
		return nil, errors.Wrapf(ErrPreconditionFailed, "task log %d is %s, not failed", taskLogID, tlog.Status)
	}

	failureType, confidence := ClassifyFailure(tlog.ErrorMessage)
	// Step extraction scans the run log; the error message is the fallback
	// for rows whose message was rewritten (user stop, restart reconcile).
	stepIndex, stepName := extractFailedStep(tlog.LogContent)
	if stepIndex == -1 && stepName == "" {
		stepIndex, stepName = extractFailedStep(tlog.ErrorMessage)
	}

	screenshotPath := a.captureFailureScreenshot(ctx, tlog)

	suggestions := strings.Join(failureSuggestions[failureType], ",")

	analysis, err := a.store.InsertFailureAnalysis(ctx, &storage.FailureAnalysis{
		TaskLogID:       taskLogID,
		FailureType:     failureType,
		FailedStepIndex: stepIndex,
		FailedStepName:  stepName,
		ErrorMessage:    tlog.ErrorMessage,
		ScreenshotPath:  screenshotPath,
		Suggestions:     suggestions,
		Confidence:      confidence,
		CreatedAt:       time.Now(),
	})
	if err != nil {
		return nil, err
	}
	if _, err := a.store.RecordScriptFailure(ctx, tlog.ScriptID, analysis.FailureType, analysis.CreatedAt); err != nil {
		return nil, err
	}
	log.Info().Int64("task_log", taskLogID).Str("type", analysis.FailureType).
		Float64("confidence", analysis.Confidence).Msg("failure analyzed")
	return analysis, nil
}

// captureFailureScreenshot is best-effort: any failure only loses the image,
// never the analysis.
func (a *Analyzer) captureFailureScreenshot(ctx context.Context, tlog *storage.TaskLog) string {
	if a.shooter == nil {
		return ""
	}
	device, err := a.store.GetDevice(ctx, tlog.DeviceID)
	if err != nil {
		return ""
	}
	dir := filepath.Join(a.uploadsDir, "screenshots", "failures")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		log.Warn().Err(err).Msg("create screenshot dir failed")
		return ""
	}
	path := filepath.Join(dir, fmt.Sprintf("failure_%d_%d.png", tlog.ID, time.Now().Unix()))
	if err := a.shooter.Screencap(ctx, device.Serial, path); err != nil {
		log.Warn().Err(err).Str("serial", device.Serial).Msg("failure screenshot failed")
		return ""
	}
	return path
}

// FailureOverview aggregates recent analyses.
type FailureOverview struct {
	Since      time.Time                  `json:"since"`
	Total      int                        `json:"total"`
	ByType     map[string]int             `json:"by_type"`
	MostCommon string                     `json:"most_common_failure,omitempty"`
	Recent     []*storage.FailureAnalysis `json:"recent"`
}

// Overview summarizes failures from the past `days` (default 7).
func (a *Analyzer) Overview(ctx context.Context, days int) (*FailureOverview, error) {
	if days <= 0 {
		days = 7
	}
	since := time.Now().AddDate(0, 0, -days)
	analyses, err := a.store.RecentFailureAnalyses(ctx, since, 100)
	if err != nil {
		return nil, err
	}
	overview := &FailureOverview{
		Since:  since,
		Total:  len(analyses),
		ByType: map[string]int{},
		Recent: analyses,
	}
	for _, an := range analyses {
		overview.ByType[an.FailureType]++
	}
	best := 0
	for ft, n := range overview.ByType {
		if n > best || (n == best && ft < overview.MostCommon) {
			overview.MostCommon = ft
			best = n
		}
	}
	return overview, nil
}
