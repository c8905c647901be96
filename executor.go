package fleetagent

import (
	"bufio"
	"bytes"
	"context"
	"os/exec"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/adbfleet/fleetagent/internal/config"
	"github.com/adbfleet/fleetagent/pkg/bus"
	"github.com/adbfleet/fleetagent/pkg/storage"
)

const (
	envStepDelay        = "FLEET_STEP_DELAY"
	envStepFailSentinel = "FLEET_STEP_FAIL_SENTINEL"
	envPythonBin        = "FLEET_PYTHON_BIN"
	envShellBin         = "FLEET_SHELL_BIN"
	envWorkDir          = "FLEET_WORK_DIR"

	defaultStepDelay = 5 * time.Second

	// How many devices a batch run touches at once.
	batchConcurrency = 5
)

// DeviceActions is the slice of the adb client the visual walker drives.
type DeviceActions interface {
	InputTap(ctx context.Context, serial string, x, y int) error
	InputText(ctx context.Context, serial, text string) error
	InputSwipe(ctx context.Context, serial string, x1, y1, x2, y2, durationMs int) error
}

// commandResult carries the captured output of one interpreter invocation.
type commandResult struct {
	stdout string
	stderr string
}

// commandFunc runs one subprocess. onLine observes each stdout line while the
// child is still running, so output reaches subscribers live.
type commandFunc func(ctx context.Context, onLine func(string), bin string, args ...string) (commandResult, error)

func execCommand(ctx context.Context, onLine func(string), bin string, args ...string) (commandResult, error) {
	cmd := exec.CommandContext(ctx, bin, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stderr = &stderr
	pipe, err := cmd.StdoutPipe()
	if err != nil {
		return commandResult{}, err
	}
	if err := cmd.Start(); err != nil {
		return commandResult{}, err
	}
	scanner := bufio.NewScanner(pipe)
	for scanner.Scan() {
		line := scanner.Text()
		stdout.WriteString(line + "\n")
		if onLine != nil {
			onLine(line)
		}
	}
	err = cmd.Wait()
	return commandResult{stdout: stdout.String(), stderr: stderr.String()}, err
}

// ExecStatus is the immediate answer to an execute request; the run itself
// continues in the background.
type ExecStatus struct {
	TaskLogID int64  `json:"task_log_id"`
	Status    string `json:"status"`
}

// ExecOptions carries optional execute parameters.
type ExecOptions struct {
	TaskName        string
	ScheduledTaskID int64
}

// BatchResult is the per-device outcome of a batch submit.
type BatchResult struct {
	DeviceID  int64  `json:"device_id"`
	TaskLogID int64  `json:"task_log_id,omitempty"`
	Status    string `json:"status,omitempty"`
	Error     string `json:"error,omitempty"`
}

type runHandle struct {
	cancel context.CancelFunc
	lease  *Lease
}

// runResult is what a strategy hands back to the terminal path.
type runResult struct {
	status string
	log    string
	errMsg string
}

// Executor runs scripts on leased devices: visual step walks over adb,
// python and batch scripts as host subprocesses.
type Executor struct {
	store    *storage.Store
	registry *Registry
	hub      *bus.Hub
	analyzer *Analyzer
	actions  DeviceActions
	runCmd   commandFunc

	stepDelay time.Duration
	sentinel  string
	pythonBin string
	shellBin  string
	workDir   string

	mu      sync.Mutex
	running map[int64]*runHandle
}

func NewExecutor(store *storage.Store, registry *Registry, hub *bus.Hub, analyzer *Analyzer, actions DeviceActions) *Executor {
	return &Executor{
		store:     store,
		registry:  registry,
		hub:       hub,
		analyzer:  analyzer,
		actions:   actions,
		runCmd:    execCommand,
		stepDelay: config.Duration(envStepDelay, defaultStepDelay),
		sentinel:  config.String(envStepFailSentinel, ""),
		pythonBin: config.String(envPythonBin, "python3"),
		shellBin:  config.String(envShellBin, "bash"),
		// workDir "" falls back to the OS temp dir when the script file is written.
		workDir: config.String(envWorkDir, ""),
		running: make(map[int64]*runHandle),
	}
}

// Execute validates the request, claims the device, opens the journal row,
// and hands the run to a background goroutine. It returns as soon as the row
// exists.
func (e *Executor) Execute(ctx context.Context, scriptID, deviceID int64, opts ExecOptions) (*ExecStatus, error) {
	script, err := e.store.GetScript(ctx, scriptID)
	if err != nil {
		return nil, err
	}
	if !script.IsActive {
		return nil, errors.Wrapf(ErrNotFound, "script %d is inactive", scriptID)
	}
	if _, err := e.store.GetDevice(ctx, deviceID); err != nil {
		return nil, err
	}
	lease, err := e.registry.Lease(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	name := opts.TaskName
	if name == "" {
		name = script.Name
	}
	taskLogID, err := e.store.InsertTaskLog(ctx, &storage.TaskLog{
		TaskName:        name,
		ScriptID:        scriptID,
		DeviceID:        deviceID,
		ScheduledTaskID: opts.ScheduledTaskID,
	})
	if err != nil {
		if relErr := e.registry.Release(ctx, lease); relErr != nil {
			log.Warn().Err(relErr).Str("serial", lease.Serial).Msg("release after journal failure")
		}
		return nil, err
	}

	// The run outlives the request context; Stop cancels it explicitly.
	runCtx, cancel := context.WithCancel(context.Background())
	e.mu.Lock()
	e.running[taskLogID] = &runHandle{cancel: cancel, lease: lease}
	e.mu.Unlock()

	log.Info().Int64("task_log", taskLogID).Str("script", script.Name).
		Str("serial", lease.Serial).Str("kind", script.Kind).Msg("task started")
	go e.runTask(runCtx, taskLogID, script, lease, opts.ScheduledTaskID)

	return &ExecStatus{TaskLogID: taskLogID, Status: storage.TaskRunning}, nil
}

// ExecuteBatch submits the script to every listed device, at most
// batchConcurrency leases at a time. Per-device failures (busy device,
// missing device) land in the result slice instead of aborting the batch.
func (e *Executor) ExecuteBatch(ctx context.Context, scriptID int64, deviceIDs []int64, opts ExecOptions) []BatchResult {
	results := make([]BatchResult, len(deviceIDs))
	var g errgroup.Group
	g.SetLimit(batchConcurrency)
	for i, deviceID := range deviceIDs {
		i, deviceID := i, deviceID
		g.Go(func() error {
			status, err := e.Execute(ctx, scriptID, deviceID, opts)
			if err != nil {
				results[i] = BatchResult{DeviceID: deviceID, Error: err.Error()}
				return nil
			}
			results[i] = BatchResult{DeviceID: deviceID, TaskLogID: status.TaskLogID, Status: status.Status}
			return nil
		})
	}
	g.Wait()
	return results
}

// Stop flips a running journal row to failed and cancels its goroutine. The
// exactly-once guard on the row decides the race against normal completion;
// stopping a row that is not running reports ErrPreconditionFailed.
func (e *Executor) Stop(ctx context.Context, taskLogID int64) error {
	flipped, err := e.store.FinishTaskLog(ctx, taskLogID, storage.TaskFailed, "", "user stopped")
	if err != nil {
		return err
	}
	if !flipped {
		if _, err := e.store.GetTaskLog(ctx, taskLogID); err != nil {
			return err
		}
		return errors.Wrapf(ErrPreconditionFailed, "task log %d is not running", taskLogID)
	}
	e.publishTerminal(taskLogID, storage.TaskFailed, "user stopped")
	e.mu.Lock()
	handle := e.running[taskLogID]
	e.mu.Unlock()
	if handle != nil {
		handle.cancel()
	}
	log.Info().Int64("task_log", taskLogID).Msg("task stopped")
	return nil
}

// Running reports whether the executor still owns a goroutine for the run.
func (e *Executor) Running(taskLogID int64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.running[taskLogID]
	return ok
}

func (e *Executor) runTask(ctx context.Context, taskLogID int64, script *storage.Script, lease *Lease, scheduledTaskID int64) {
	start := time.Now()
	var result runResult
	switch script.Kind {
	case storage.ScriptVisual:
		result = e.runVisual(ctx, taskLogID, script, lease)
	case storage.ScriptPython:
		result = e.runPython(ctx, taskLogID, script, lease)
	case storage.ScriptBatch:
		result = e.runBatch(ctx, taskLogID, script, lease)
	default:
		result = runResult{status: storage.TaskFailed, errMsg: "unsupported script kind: " + script.Kind}
	}
	e.finishTask(taskLogID, lease, scheduledTaskID, start, result)
}

// finishTask is the single terminal path of a run: journal first, then the
// final bus event, then analysis, release, and rollups. It runs on a fresh
// context because the run context may already be cancelled by Stop.
func (e *Executor) finishTask(taskLogID int64, lease *Lease, scheduledTaskID int64, start time.Time, result runResult) {
	ctx := context.Background()
	flipped, err := e.store.FinishTaskLog(ctx, taskLogID, result.status, result.log, result.errMsg)
	if err != nil {
		log.Error().Err(err).Int64("task_log", taskLogID).Msg("finish journal row failed")
	}
	if flipped {
		e.publishTerminal(taskLogID, result.status, result.errMsg)
		if result.status == storage.TaskFailed && e.analyzer != nil {
			if _, err := e.analyzer.Analyze(ctx, taskLogID); err != nil {
				log.Warn().Err(err).Int64("task_log", taskLogID).Msg("failure analysis failed")
			}
		}
	}

	if err := e.registry.Release(ctx, lease); err != nil {
		log.Warn().Err(err).Str("serial", lease.Serial).Msg("release device failed")
	}
	e.mu.Lock()
	delete(e.running, taskLogID)
	e.mu.Unlock()

	// The row may have been flipped by Stop; read back the truth for rollups.
	final, err := e.store.GetTaskLog(ctx, taskLogID)
	if err != nil {
		log.Warn().Err(err).Int64("task_log", taskLogID).Msg("reload journal row failed")
		return
	}
	success := final.Status == storage.TaskSuccess
	day := start.Format("2006-01-02")
	runtime := int64(time.Since(start).Seconds())
	if err := e.store.BumpUsageStats(ctx, lease.DeviceID, day, success, runtime); err != nil {
		log.Warn().Err(err).Msg("bump usage stats failed")
	}
	if scheduledTaskID != 0 {
		if err := e.store.BumpScheduledTaskOutcome(ctx, scheduledTaskID, success); err != nil {
			log.Warn().Err(err).Msg("bump scheduled outcome failed")
		}
	}
	log.Info().Int64("task_log", taskLogID).Str("status", final.Status).
		Int64("runtime_s", runtime).Msg("task finished")
}

func (e *Executor) publishTerminal(taskLogID int64, status, errMsg string) {
	progress := 100
	e.hub.PublishUpdate(taskLogID, bus.UpdateData{
		Status:   status,
		Progress: &progress,
		EndTime:  time.Now().Format(time.RFC3339),
		Error:    errMsg,
	})
}

func (e *Executor) publishProgress(taskLogID int64, progress, currentStep, totalSteps int, detail string) {
	p, c, t := progress, currentStep, totalSteps
	e.hub.PublishUpdate(taskLogID, bus.UpdateData{
		Status:      storage.TaskRunning,
		Progress:    &p,
		CurrentStep: &c,
		TotalSteps:  &t,
		Message:     detail,
		StepDetail:  detail,
	})
}
