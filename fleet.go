package fleetagent

import (
	"context"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/adbfleet/fleetagent/internal/adb"
	"github.com/adbfleet/fleetagent/internal/config"
	"github.com/adbfleet/fleetagent/pkg/bus"
	"github.com/adbfleet/fleetagent/pkg/notify"
	"github.com/adbfleet/fleetagent/pkg/storage"
)

const (
	envADBBin       = "FLEET_ADB_BIN"
	envScanInterval = "FLEET_SCAN_INTERVAL"

	envWeightBattery     = "FLEET_WEIGHT_BATTERY"
	envWeightTemperature = "FLEET_WEIGHT_TEMPERATURE"
	envWeightCPU         = "FLEET_WEIGHT_CPU"
	envWeightMemory      = "FLEET_WEIGHT_MEMORY"
	envWeightStorage     = "FLEET_WEIGHT_STORAGE"
	envWeightNetwork     = "FLEET_WEIGHT_NETWORK"
	envWeightActivity    = "FLEET_WEIGHT_ACTIVITY"

	defaultScanInterval = 30 * time.Second
	shutdownGrace       = 5 * time.Second
)

// WeightsFromEnv returns the health score weights, each overridable through
// its environment variable.
func WeightsFromEnv() Weights {
	def := DefaultWeights()
	return Weights{
		Battery:     config.Float(envWeightBattery, def.Battery),
		Temperature: config.Float(envWeightTemperature, def.Temperature),
		CPU:         config.Float(envWeightCPU, def.CPU),
		Memory:      config.Float(envWeightMemory, def.Memory),
		Storage:     config.Float(envWeightStorage, def.Storage),
		Network:     config.Float(envWeightNetwork, def.Network),
		Activity:    config.Float(envWeightActivity, def.Activity),
	}
}

// Fleet wires the whole control plane together: one store, one adb client,
// and every component on top of them.
type Fleet struct {
	Store     *storage.Store
	ADB       *adb.Client
	Registry  *Registry
	Hub       *bus.Hub
	Notify    *notify.Registry
	Analyzer  *Analyzer
	Executor  *Executor
	Collector *Collector
	Scheduler *Scheduler

	scanInterval time.Duration
}

// New builds a fleet from the environment.
func New() (*Fleet, error) {
	store, err := storage.OpenFromEnv()
	if err != nil {
		return nil, err
	}
	cli := adb.New(config.String(envADBBin, ""))
	hub := bus.NewHub()
	notifiers := notify.NewRegistry()
	registry := NewRegistry(store, cli)
	analyzer := NewAnalyzer(store, cli)
	executor := NewExecutor(store, registry, hub, analyzer, cli)
	collector, err := NewCollector(store, NewAdbSampler(cli), WeightsFromEnv(), notifiers)
	if err != nil {
		store.Close()
		return nil, err
	}
	return &Fleet{
		Store:        store,
		ADB:          cli,
		Registry:     registry,
		Hub:          hub,
		Notify:       notifiers,
		Analyzer:     analyzer,
		Executor:     executor,
		Collector:    collector,
		Scheduler:    NewScheduler(store, executor),
		scanInterval: config.Duration(envScanInterval, defaultScanInterval),
	}, nil
}

// Run starts every loop and blocks until ctx is cancelled. Startup order
// matters: reconcile the journal, free orphaned leases, take one scan, then
// let the scheduler and collector loose.
func (f *Fleet) Run(ctx context.Context) error {
	if err := f.recoverOrphans(ctx); err != nil {
		return err
	}
	if result, err := f.Registry.Scan(ctx); err != nil {
		log.Warn().Err(err).Msg("initial device scan failed")
	} else {
		log.Info().Int("new", result.New).Int("updated", result.Updated).Msg("initial device scan")
	}
	if _, err := f.Scheduler.LoadFromStorage(ctx); err != nil {
		return err
	}
	f.Scheduler.Start()
	defer f.Scheduler.Stop()

	group := NewSafeGroup(ctx)
	group.GoSafe("device-scan", f.scanLoop)
	group.GoSafe("health-collector", f.Collector.Run)
	err := group.WaitOrInterrupt(shutdownGrace)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// recoverOrphans fails journal rows left running by a previous process,
// attaches a failure analysis to each, and frees their device leases. Every
// failed run ends up with an analysis, including these.
func (f *Fleet) recoverOrphans(ctx context.Context) error {
	orphans, err := f.Store.ReconcileRunning(ctx, "process restart")
	if err != nil {
		return err
	}
	for _, orphan := range orphans {
		log.Warn().Int64("task_log", orphan.ID).Str("task", orphan.TaskName).
			Msg("orphaned run marked failed")
		if _, err := f.Analyzer.Analyze(ctx, orphan.ID); err != nil {
			log.Warn().Err(err).Int64("task_log", orphan.ID).Msg("orphan analysis failed")
		}
	}
	return f.Registry.ReleaseOrphaned(ctx)
}

func (f *Fleet) scanLoop(ctx context.Context) error {
	ticker := time.NewTicker(f.scanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := f.Registry.Scan(ctx); err != nil {
				log.Warn().Err(err).Msg("device scan failed")
			}
		}
	}
}

// ProgressHandler serves the websocket progress stream.
func (f *Fleet) ProgressHandler() http.Handler {
	return bus.NewHandler(f.Hub)
}

// Close releases everything New opened.
func (f *Fleet) Close() error {
	return f.Store.Close()
}
