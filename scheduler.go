package fleetagent

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"github.com/adbfleet/fleetagent/pkg/storage"
)

// A dependency counts as satisfied only by a success within this window.
const dependencyWindow = 24 * time.Hour

var weekdayNumbers = map[string]int{
	"sunday": 0, "monday": 1, "tuesday": 2, "wednesday": 3,
	"thursday": 4, "friday": 5, "saturday": 6,
}

// Scheduler compiles scheduled task definitions into cron entries and
// submits their runs through the executor.
type Scheduler struct {
	store    *storage.Store
	executor *Executor
	cron     *cron.Cron

	mu      sync.Mutex
	entries map[int64]cron.EntryID
}

func NewScheduler(store *storage.Store, executor *Executor) *Scheduler {
	return &Scheduler{
		store:    store,
		executor: executor,
		cron:     cron.New(),
		entries:  make(map[int64]cron.EntryID),
	}
}

// Start launches the cron loop. Fires while the process was down are not
// replayed; the next matching tick is the next run.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts the cron loop and waits for in-flight fire callbacks.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// CompileCron turns the stored recurrence into a five-field cron spec. An
// explicit cron_expr wins over the frequency fields.
func CompileCron(t *storage.ScheduledTask) (string, error) {
	if expr := strings.TrimSpace(t.CronExpr); expr != "" {
		if _, err := cron.ParseStandard(expr); err != nil {
			return "", errors.Wrapf(ErrInvalidInput, "cron expression %q: %v", expr, err)
		}
		return expr, nil
	}
	hour, minute, err := parseScheduleTime(t.ScheduleTime)
	if err != nil {
		return "", err
	}
	switch strings.ToLower(strings.TrimSpace(t.Frequency)) {
	case "daily":
		return fmt.Sprintf("%d %d * * *", minute, hour), nil
	case "weekly":
		dow, err := parseWeekday(t.ScheduleDay)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%d %d * * %d", minute, hour, dow), nil
	case "monthly":
		dom, err := parseMonthDay(t.ScheduleDay)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%d %d %d * *", minute, hour, dom), nil
	default:
		return "", errors.Wrapf(ErrInvalidInput, "unknown frequency %q", t.Frequency)
	}
}

func parseScheduleTime(value string) (hour, minute int, err error) {
	parts := strings.SplitN(strings.TrimSpace(value), ":", 2)
	if len(parts) != 2 {
		return 0, 0, errors.Wrapf(ErrInvalidInput, "schedule time %q, want HH:MM", value)
	}
	hour, herr := strconv.Atoi(parts[0])
	minute, merr := strconv.Atoi(parts[1])
	if herr != nil || merr != nil || hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return 0, 0, errors.Wrapf(ErrInvalidInput, "schedule time %q, want HH:MM", value)
	}
	return hour, minute, nil
}

// parseWeekday accepts a case-insensitive english day name or a 0-6 number;
// empty defaults to Monday.
func parseWeekday(value string) (int, error) {
	value = strings.ToLower(strings.TrimSpace(value))
	if value == "" {
		return weekdayNumbers["monday"], nil
	}
	if dow, ok := weekdayNumbers[value]; ok {
		return dow, nil
	}
	if n, err := strconv.Atoi(value); err == nil && n >= 0 && n <= 6 {
		return n, nil
	}
	return 0, errors.Wrapf(ErrInvalidInput, "weekday %q", value)
}

// parseMonthDay accepts 1-31; empty defaults to the 1st.
func parseMonthDay(value string) (int, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 1, nil
	}
	if n, err := strconv.Atoi(value); err == nil && n >= 1 && n <= 31 {
		return n, nil
	}
	return 0, errors.Wrapf(ErrInvalidInput, "month day %q", value)
}

// parseDependsOn reads the depends_on column: a JSON array or a comma list
// of scheduled task ids.
func parseDependsOn(raw string) []int64 {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	var ids []int64
	if err := json.Unmarshal([]byte(raw), &ids); err == nil {
		return ids
	}
	for _, part := range strings.Split(raw, ",") {
		if id, err := strconv.ParseInt(strings.TrimSpace(part), 10, 64); err == nil {
			ids = append(ids, id)
		}
	}
	return ids
}

// Add stores the definition and, when enabled, registers its cron entry.
func (s *Scheduler) Add(ctx context.Context, t *storage.ScheduledTask) (int64, error) {
	if _, err := CompileCron(t); err != nil {
		return 0, err
	}
	if _, err := s.store.GetScript(ctx, t.ScriptID); err != nil {
		return 0, err
	}
	if _, err := s.store.GetDevice(ctx, t.DeviceID); err != nil {
		return 0, err
	}
	id, err := s.store.InsertScheduledTask(ctx, t)
	if err != nil {
		return 0, err
	}
	t.ID = id
	if t.IsEnabled {
		if err := s.schedule(t); err != nil {
			return 0, err
		}
	}
	return id, nil
}

// Remove drops the cron entry and deletes the definition. Runs already
// journaled keep their scheduled task reference.
func (s *Scheduler) Remove(ctx context.Context, id int64) error {
	if err := s.store.DeleteScheduledTask(ctx, id); err != nil {
		return err
	}
	s.unschedule(id)
	return nil
}

// Pause disables the task and drops its cron entry.
func (s *Scheduler) Pause(ctx context.Context, id int64) error {
	if err := s.store.SetScheduledTaskEnabled(ctx, id, false); err != nil {
		return err
	}
	s.unschedule(id)
	return nil
}

// Resume re-enables the task and registers it again.
func (s *Scheduler) Resume(ctx context.Context, id int64) error {
	if err := s.store.SetScheduledTaskEnabled(ctx, id, true); err != nil {
		return err
	}
	t, err := s.store.GetScheduledTask(ctx, id)
	if err != nil {
		return err
	}
	return s.schedule(t)
}

// ExecuteNow fires the task immediately, outside its recurrence. Dependency
// gating still applies.
func (s *Scheduler) ExecuteNow(ctx context.Context, id int64) error {
	t, err := s.store.GetScheduledTask(ctx, id)
	if err != nil {
		return err
	}
	return s.fire(ctx, t, true)
}

// LoadFromStorage registers every enabled task; called once at startup.
func (s *Scheduler) LoadFromStorage(ctx context.Context) (int, error) {
	tasks, err := s.store.ListEnabledScheduledTasks(ctx)
	if err != nil {
		return 0, err
	}
	loaded := 0
	for _, t := range tasks {
		if err := s.schedule(t); err != nil {
			log.Warn().Err(err).Str("task", t.Name).Msg("skip unschedulable task")
			continue
		}
		loaded++
	}
	log.Info().Int("count", loaded).Msg("scheduled tasks loaded")
	return loaded, nil
}

func (s *Scheduler) schedule(t *storage.ScheduledTask) error {
	spec, err := CompileCron(t)
	if err != nil {
		return err
	}
	s.unschedule(t.ID)
	id := t.ID
	entryID, err := s.cron.AddFunc(spec, func() {
		// Reload at fire time: enable/disable and edits take effect without
		// re-registration.
		ctx := context.Background()
		current, err := s.store.GetScheduledTask(ctx, id)
		if err != nil {
			log.Warn().Err(err).Int64("task", id).Msg("scheduled fire: reload failed")
			return
		}
		if err := s.fire(ctx, current, false); err != nil {
			log.Warn().Err(err).Str("task", current.Name).Msg("scheduled fire failed")
		}
	})
	if err != nil {
		return errors.Wrapf(err, "register cron %q", spec)
	}
	s.mu.Lock()
	s.entries[t.ID] = entryID
	s.mu.Unlock()
	return nil
}

func (s *Scheduler) unschedule(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entryID, ok := s.entries[id]; ok {
		s.cron.Remove(entryID)
		delete(s.entries, id)
	}
}

// fire submits one run of the task. Disabled tasks and tasks with unmet
// dependencies are skipped; a submit failure (busy device) counts as a
// failed outcome. There is no automatic retry.
func (s *Scheduler) fire(ctx context.Context, t *storage.ScheduledTask, manual bool) error {
	if !t.IsEnabled && !manual {
		log.Debug().Str("task", t.Name).Msg("scheduled fire: task disabled")
		return nil
	}
	if unmet := s.unmetDependencies(ctx, t); len(unmet) > 0 {
		log.Info().Str("task", t.Name).Ints64("unmet", unmet).Msg("scheduled fire: dependencies unmet")
		return nil
	}
	now := time.Now()
	if err := s.store.MarkScheduledTaskFired(ctx, t.ID, now, s.nextRun(t.ID)); err != nil {
		return err
	}
	_, err := s.executor.Execute(ctx, t.ScriptID, t.DeviceID, ExecOptions{
		TaskName:        "[scheduled] " + t.Name,
		ScheduledTaskID: t.ID,
	})
	if err != nil {
		if bumpErr := s.store.BumpScheduledTaskOutcome(ctx, t.ID, false); bumpErr != nil {
			log.Warn().Err(bumpErr).Msg("bump scheduled outcome failed")
		}
		return err
	}
	return nil
}

// unmetDependencies returns the dependency ids without a success inside the
// window.
func (s *Scheduler) unmetDependencies(ctx context.Context, t *storage.ScheduledTask) []int64 {
	deps := parseDependsOn(t.DependsOn)
	if len(deps) == 0 {
		return nil
	}
	since := time.Now().Add(-dependencyWindow)
	var unmet []int64
	for _, dep := range deps {
		run, err := s.store.LatestRunForScheduledTask(ctx, dep, since)
		if err != nil || run.Status != storage.TaskSuccess {
			unmet = append(unmet, dep)
		}
	}
	return unmet
}

func (s *Scheduler) nextRun(id int64) *time.Time {
	s.mu.Lock()
	entryID, ok := s.entries[id]
	s.mu.Unlock()
	if !ok {
		return nil
	}
	next := s.cron.Entry(entryID).Next
	if next.IsZero() {
		return nil
	}
	return &next
}
