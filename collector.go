package fleetagent

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/adbfleet/fleetagent/internal/adb"
	"github.com/adbfleet/fleetagent/internal/config"
	"github.com/adbfleet/fleetagent/pkg/notify"
	"github.com/adbfleet/fleetagent/pkg/storage"
)

const (
	envHealthInterval     = "FLEET_HEALTH_INTERVAL"
	defaultHealthInterval = 5 * time.Minute
)

// HealthSampler reads raw metrics off one device. Implementations leave
// fields they could not read empty rather than failing the whole sample.
type HealthSampler interface {
	Sample(ctx context.Context, serial string) (Metrics, error)
}

// AdbSampler samples metrics over the adb client.
type AdbSampler struct {
	cli *adb.Client
}

// NewAdbSampler returns a sampler backed by the given adb client.
func NewAdbSampler(cli *adb.Client) *AdbSampler {
	return &AdbSampler{cli: cli}
}

// Sample reads each metric independently; a field that fails to read is left
// empty so one flaky dumpsys does not discard the rest.
func (s *AdbSampler) Sample(ctx context.Context, serial string) (Metrics, error) {
	var m Metrics
	if level, err := s.cli.BatteryLevel(ctx, serial); err == nil {
		m.Battery = strconv.Itoa(level)
	}
	if temp, err := s.cli.BatteryTemperature(ctx, serial); err == nil {
		m.Temperature = fmt.Sprintf("%.1f", temp)
	}
	if cpu, err := s.cli.CPUPercent(ctx, serial); err == nil {
		m.CPU = fmt.Sprintf("%.1f", cpu)
	}
	if mem, err := s.cli.MemPercent(ctx, serial); err == nil {
		m.Memory = fmt.Sprintf("%.1f", mem)
	}
	if stor, err := s.cli.StoragePercent(ctx, serial); err == nil {
		m.Storage = fmt.Sprintf("%.1f", stor)
	}
	if status, err := s.cli.NetworkStatus(ctx, serial); err == nil {
		m.Network = status
	}
	return m, nil
}

// Collector samples every non-offline device on a fixed cadence, persists the
// records, and feeds the alert engine.
type Collector struct {
	store    *storage.Store
	sampler  HealthSampler
	weights  Weights
	interval time.Duration
	alerts   *AlertEngine
}

// NewCollector validates the weight set and builds the collector. The cadence
// comes from FLEET_HEALTH_INTERVAL (default 5m).
func NewCollector(store *storage.Store, sampler HealthSampler, weights Weights, notifiers *notify.Registry) (*Collector, error) {
	if err := weights.Validate(); err != nil {
		return nil, err
	}
	return &Collector{
		store:    store,
		sampler:  sampler,
		weights:  weights,
		interval: config.Duration(envHealthInterval, defaultHealthInterval),
		alerts:   NewAlertEngine(store, notifiers),
	}, nil
}

// Run samples once immediately, then on every tick until ctx is cancelled.
func (c *Collector) Run(ctx context.Context) error {
	if n, err := c.RunCycle(ctx); err != nil {
		log.Warn().Err(err).Msg("health cycle failed")
	} else {
		log.Debug().Int("sampled", n).Msg("health cycle done")
	}
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if n, err := c.RunCycle(ctx); err != nil {
				log.Warn().Err(err).Msg("health cycle failed")
			} else {
				log.Debug().Int("sampled", n).Msg("health cycle done")
			}
		}
	}
}

// RunCycle samples every non-offline device once and returns how many were
// sampled. A single device failing never aborts the cycle.
func (c *Collector) RunCycle(ctx context.Context) (int, error) {
	devices, err := c.store.ListDevices(ctx, "", "")
	if err != nil {
		return 0, err
	}
	sampled := 0
	for _, d := range devices {
		if d.Status == storage.DeviceOffline {
			continue
		}
		if err := c.collectDevice(ctx, d); err != nil {
			log.Warn().Err(err).Str("serial", d.Serial).Msg("device sample failed")
			continue
		}
		sampled++
	}
	return sampled, nil
}

func (c *Collector) collectDevice(ctx context.Context, d *storage.Device) error {
	m, err := c.sampler.Sample(ctx, d.Serial)
	if err != nil {
		return errors.Wrapf(err, "sample device %s", d.Serial)
	}
	if m.LastActive == nil {
		if last, err := c.store.LastTaskActivity(ctx, d.ID); err == nil {
			m.LastActive = last
		}
	}
	now := time.Now()
	score := HealthScore(m, c.weights, now)

	battery, _ := coerceMetric(m.Battery)
	temp, _ := coerceMetric(m.Temperature)
	cpu, _ := coerceMetric(m.CPU)
	mem, _ := coerceMetric(m.Memory)
	stor, _ := coerceMetric(m.Storage)

	if _, err := c.store.InsertHealthRecord(ctx, &storage.HealthRecord{
		DeviceID:       d.ID,
		HealthScore:    score,
		BatteryLevel:   battery,
		Temperature:    temp,
		CPUUsage:       cpu,
		MemoryUsage:    mem,
		StorageUsage:   stor,
		NetworkStatus:  m.Network,
		LastActiveTime: m.LastActive,
		CreatedAt:      now,
	}); err != nil {
		return err
	}
	if err := c.store.UpdateDeviceMetrics(ctx, d.ID, int(battery), cpu, mem); err != nil {
		return err
	}

	fields := map[string]float64{
		"battery_level": battery,
		"temperature":   temp,
		"cpu_usage":     cpu,
		"memory_usage":  mem,
		"storage_usage": stor,
		"health_score":  float64(score),
	}
	return c.alerts.Evaluate(ctx, d, fields)
}

// DeviceHealth is one row of the fleet health overview.
type DeviceHealth struct {
	DeviceID   int64                 `json:"device_id"`
	Serial     string                `json:"serial"`
	Status     string                `json:"status"`
	Score      int                   `json:"score"`
	Level      string                `json:"level"`
	SampledAt  *time.Time            `json:"sampled_at,omitempty"`
	Latest     *storage.HealthRecord `json:"latest,omitempty"`
	OpenAlerts int                   `json:"open_alerts"`
}

// Overview returns every device with its newest health sample and open alert
// count. Devices never sampled appear with a nil record.
func (c *Collector) Overview(ctx context.Context) ([]DeviceHealth, error) {
	devices, err := c.store.ListDevices(ctx, "", "")
	if err != nil {
		return nil, err
	}
	out := make([]DeviceHealth, 0, len(devices))
	for _, d := range devices {
		row := DeviceHealth{DeviceID: d.ID, Serial: d.Serial, Status: d.Status}
		rec, err := c.store.LatestHealthRecord(ctx, d.ID)
		switch {
		case err == nil:
			row.Score = rec.HealthScore
			row.Level = HealthLevel(rec.HealthScore)
			sampledAt := rec.CreatedAt
			row.SampledAt = &sampledAt
			row.Latest = rec
		case errors.Is(err, ErrNotFound):
			// never sampled
		default:
			return nil, err
		}
		alerts, err := c.store.UnresolvedAlerts(ctx, d.ID)
		if err != nil {
			return nil, err
		}
		row.OpenAlerts = len(alerts)
		out = append(out, row)
	}
	return out, nil
}

// History returns the samples for one device within the past `hours`.
func (c *Collector) History(ctx context.Context, deviceID int64, hours int) ([]*storage.HealthRecord, error) {
	if _, err := c.store.GetDevice(ctx, deviceID); err != nil {
		return nil, err
	}
	return c.store.HealthHistory(ctx, deviceID, hours)
}
