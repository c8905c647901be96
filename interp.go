package fleetagent

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/adbfleet/fleetagent/pkg/bus"
	"github.com/adbfleet/fleetagent/pkg/storage"
)

// How many missing-dependency install rounds a python run gets before the
// failure is final.
const maxPipInstalls = 3

var missingModuleRes = []*regexp.Regexp{
	regexp.MustCompile(`ModuleNotFoundError: No module named '([^']+)'`),
	regexp.MustCompile(`ImportError: No module named (\S+)`),
}

// detectMissingModule pulls the module name out of an interpreter stderr, or
// "" when the failure is not a missing import.
func detectMissingModule(stderr string) string {
	for _, re := range missingModuleRes {
		if m := re.FindStringSubmatch(stderr); m != nil {
			return m[1]
		}
	}
	return ""
}

// materializeScript writes the script body to a work file with the device
// serial injected as a header, so the script knows which device it owns.
func (e *Executor) materializeScript(taskLogID int64, header []string, body, ext string) (string, error) {
	dir := e.workDir
	if dir == "" {
		dir = os.TempDir()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(dir, fmt.Sprintf("fleet_task_%d%s", taskLogID, ext))
	content := strings.Join(header, "\n") + "\n\n" + body
	if err := os.WriteFile(path, []byte(content), 0o700); err != nil {
		return "", err
	}
	return path, nil
}

// lineSink returns the per-line callback handed to the subprocess runner: it
// publishes each stdout line to the bus as it arrives and accumulates it into
// the journal buffer.
func (e *Executor) lineSink(taskLogID int64, logBuf *strings.Builder, level string) func(string) {
	return func(line string) {
		if strings.TrimSpace(line) == "" {
			return
		}
		e.hub.PublishLog(taskLogID, level, line)
		logBuf.WriteString(line + "\n")
	}
}

// runPython executes the script with the configured interpreter. A failure
// caused by a missing import triggers a pip install and a retry, at most
// maxPipInstalls times.
func (e *Executor) runPython(ctx context.Context, taskLogID int64, script *storage.Script, lease *Lease) runResult {
	header := []string{
		"# -*- coding: utf-8 -*-",
		fmt.Sprintf("DEVICE_SERIAL = %q", lease.Serial),
	}
	path, err := e.materializeScript(taskLogID, header, script.Content, ".py")
	if err != nil {
		return runResult{status: storage.TaskFailed, errMsg: "write script file: " + err.Error()}
	}
	defer os.Remove(path)

	e.publishProgress(taskLogID, 25, 0, 0, "环境准备完成")

	var logBuf strings.Builder
	installs := 0
	for {
		e.publishProgress(taskLogID, 50, 0, 0, "脚本执行中")
		result, runErr := e.runCmd(ctx, e.lineSink(taskLogID, &logBuf, bus.LevelInfo), e.pythonBin, path)
		if runErr == nil {
			return runResult{status: storage.TaskSuccess, log: logBuf.String()}
		}
		if ctx.Err() != nil {
			return runResult{status: storage.TaskFailed, log: logBuf.String(), errMsg: "execution canceled"}
		}

		missing := detectMissingModule(result.stderr)
		if missing == "" || installs >= maxPipInstalls {
			errMsg := lastNonEmptyLine(result.stderr)
			if errMsg == "" {
				errMsg = runErr.Error()
			}
			logBuf.WriteString(result.stderr)
			return runResult{status: storage.TaskFailed, log: logBuf.String(), errMsg: errMsg}
		}

		installs++
		notice := "检测到缺失依赖: " + missing
		e.hub.PublishLog(taskLogID, bus.LevelWarning, notice)
		logBuf.WriteString(notice + "\n")
		installOut, installErr := e.runCmd(ctx, e.lineSink(taskLogID, &logBuf, bus.LevelDebug), e.pythonBin, "-m", "pip", "install", missing)
		if installErr != nil {
			errMsg := "依赖安装失败: " + missing
			e.hub.PublishLog(taskLogID, bus.LevelError, errMsg)
			logBuf.WriteString(installOut.stderr)
			return runResult{status: storage.TaskFailed, log: logBuf.String(), errMsg: errMsg}
		}
		success := "依赖安装成功: " + missing
		e.hub.PublishLog(taskLogID, bus.LevelInfo, success)
		logBuf.WriteString(success + "\n")
	}
}

// runBatch executes the script as a host shell script. Batch scripts get the
// serial as an environment-style first line and no dependency install loop.
func (e *Executor) runBatch(ctx context.Context, taskLogID int64, script *storage.Script, lease *Lease) runResult {
	header := []string{fmt.Sprintf("DEVICE_SERIAL=%q", lease.Serial)}
	path, err := e.materializeScript(taskLogID, header, script.Content, ".sh")
	if err != nil {
		return runResult{status: storage.TaskFailed, errMsg: "write script file: " + err.Error()}
	}
	defer os.Remove(path)

	var logBuf strings.Builder
	e.publishProgress(taskLogID, 50, 0, 0, "脚本执行中")
	result, runErr := e.runCmd(ctx, e.lineSink(taskLogID, &logBuf, bus.LevelInfo), e.shellBin, path)
	if runErr == nil {
		return runResult{status: storage.TaskSuccess, log: logBuf.String()}
	}
	if ctx.Err() != nil {
		return runResult{status: storage.TaskFailed, log: logBuf.String(), errMsg: "execution canceled"}
	}
	errMsg := lastNonEmptyLine(result.stderr)
	if errMsg == "" {
		errMsg = runErr.Error()
	}
	logBuf.WriteString(result.stderr)
	return runResult{status: storage.TaskFailed, log: logBuf.String(), errMsg: errMsg}
}

func lastNonEmptyLine(s string) string {
	lines := strings.Split(s, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if line := strings.TrimSpace(lines[i]); line != "" {
			return line
		}
	}
	return ""
}
