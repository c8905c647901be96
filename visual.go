package fleetagent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/adbfleet/fleetagent/pkg/bus"
	"github.com/adbfleet/fleetagent/pkg/storage"
)

// VisualStep is one entry of a visual script: a tagged union over "type"
// (click, input, swipe, wait) with the union of all step fields.
type VisualStep struct {
	Type       string `json:"type"`
	Name       string `json:"name,omitempty"`
	X          int    `json:"x,omitempty"`
	Y          int    `json:"y,omitempty"`
	Selector   string `json:"selector,omitempty"`
	Text       string `json:"text,omitempty"`
	X1         int    `json:"x1,omitempty"`
	Y1         int    `json:"y1,omitempty"`
	X2         int    `json:"x2,omitempty"`
	Y2         int    `json:"y2,omitempty"`
	DurationMs int    `json:"duration_ms,omitempty"`
	WaitMs     int    `json:"wait_ms,omitempty"`
}

func (s VisualStep) label() string {
	if s.Name != "" {
		return s.Name
	}
	return s.Type
}

// ParseVisualSteps decodes the step list out of a script body. Both a bare
// array and a {"steps": [...]} wrapper are accepted; anything unparseable is
// an empty list, which executes as an instant success.
func ParseVisualSteps(content string) []VisualStep {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil
	}
	var steps []VisualStep
	if err := json.Unmarshal([]byte(content), &steps); err == nil {
		return steps
	}
	var wrapper struct {
		Steps []VisualStep `json:"steps"`
	}
	if err := json.Unmarshal([]byte(content), &wrapper); err == nil {
		return wrapper.Steps
	}
	return nil
}

// runVisual walks the steps one by one on the leased device, journaling each
// step and streaming progress over the bus.
func (e *Executor) runVisual(ctx context.Context, taskLogID int64, script *storage.Script, lease *Lease) runResult {
	steps := ParseVisualSteps(script.Content)
	total := len(steps)
	if total == 0 {
		e.publishProgress(taskLogID, 100, 0, 0, "")
		return runResult{status: storage.TaskSuccess, log: "脚本不包含任何步骤\n"}
	}
	e.publishProgress(taskLogID, 0, 0, total, "")

	var logBuf strings.Builder
	for i, step := range steps {
		index := i + 1
		select {
		case <-ctx.Done():
			return runResult{status: storage.TaskFailed, log: logBuf.String(), errMsg: "execution canceled"}
		default:
		}

		detail := fmt.Sprintf("步骤 %d/%d: %s", index, total, step.label())
		e.publishProgress(taskLogID, i*100/total, index, total, detail)
		e.hub.PublishLog(taskLogID, bus.LevelInfo, "开始执行"+detail)

		stepStart := time.Now()
		err := e.performStep(ctx, lease.Serial, step)
		stepEnd := time.Now()

		stepLog := &storage.StepLog{
			TaskLogID: taskLogID,
			StepIndex: index,
			StepName:  step.label(),
			StepType:  step.Type,
			Status:    storage.StepSuccess,
			StartTime: stepStart,
			EndTime:   &stepEnd,
			Duration:  stepEnd.Sub(stepStart).Seconds(),
		}
		if err != nil {
			stepLog.Status = storage.StepFailed
			stepLog.ErrorMessage = err.Error()
		}
		if _, insErr := e.store.InsertStepLog(ctx, stepLog); insErr != nil {
			e.hub.PublishLog(taskLogID, bus.LevelWarning, "步骤记录写入失败: "+insErr.Error())
		}

		if err != nil {
			msg := fmt.Sprintf("step %d failed: %v", index, err)
			e.hub.PublishLog(taskLogID, bus.LevelError, msg)
			logBuf.WriteString(msg + "\n")
			return runResult{status: storage.TaskFailed, log: logBuf.String(), errMsg: msg}
		}

		line := fmt.Sprintf("步骤 %d 执行成功", index)
		e.hub.PublishLog(taskLogID, bus.LevelSuccess, line)
		logBuf.WriteString(line + "\n")
		e.publishProgress(taskLogID, index*100/total, index, total, detail)

		if index < total {
			select {
			case <-ctx.Done():
				return runResult{status: storage.TaskFailed, log: logBuf.String(), errMsg: "execution canceled"}
			case <-time.After(e.stepDelay):
			}
		}
	}
	return runResult{status: storage.TaskSuccess, log: logBuf.String()}
}

// performStep executes one step against the device. A non-empty fail
// sentinel simulates missing elements: any selector containing it fails the
// step without touching the device.
func (e *Executor) performStep(ctx context.Context, serial string, step VisualStep) error {
	if e.sentinel != "" && step.Selector != "" && strings.Contains(step.Selector, e.sentinel) {
		return errors.Errorf("Element not found: %s", step.Selector)
	}
	switch step.Type {
	case "click":
		return e.actions.InputTap(ctx, serial, step.X, step.Y)
	case "input":
		return e.actions.InputText(ctx, serial, step.Text)
	case "swipe":
		duration := step.DurationMs
		if duration <= 0 {
			duration = 300
		}
		return e.actions.InputSwipe(ctx, serial, step.X1, step.Y1, step.X2, step.Y2, duration)
	case "wait":
		wait := step.WaitMs
		if wait <= 0 {
			wait = 1000
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(wait) * time.Millisecond):
			return nil
		}
	default:
		return errors.Errorf("unknown step type %q", step.Type)
	}
}
