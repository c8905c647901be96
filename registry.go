package fleetagent

import (
	"context"
	"sync"

	"github.com/adbfleet/fleetagent/pkg/storage"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// DeviceProbe is the slice of the adb client the registry needs. Scans query
// attached serials and per-device facts; execution needs only the serial.
type DeviceProbe interface {
	Devices(ctx context.Context) ([]string, error)
	Model(ctx context.Context, serial string) (string, error)
	AndroidVersion(ctx context.Context, serial string) (string, error)
	ScreenSize(ctx context.Context, serial string) (string, error)
	BatteryLevel(ctx context.Context, serial string) (int, error)
	CPUPercent(ctx context.Context, serial string) (float64, error)
	MemPercent(ctx context.Context, serial string) (float64, error)
}

// Lease is an exclusive claim on one device for the duration of a run.
// Holding it is the only sanctioned way to observe the device's serial for
// execution.
type Lease struct {
	ID       string
	DeviceID int64
	Serial   string
}

// ScanResult summarizes one registry scan.
type ScanResult struct {
	New     int `json:"new"`
	Updated int `json:"updated"`
}

// Registry owns the canonical device set and arbitrates exclusivity. The
// database status column is the durable arbiter (a CAS update wins or loses
// the busy transition); the in-process table maps lease handles back to
// devices.
type Registry struct {
	store *storage.Store
	probe DeviceProbe

	mu     sync.Mutex
	leases map[int64]string // device id -> lease id
}

// NewRegistry returns a registry over the store and probe.
func NewRegistry(store *storage.Store, probe DeviceProbe) *Registry {
	return &Registry{
		store:  store,
		probe:  probe,
		leases: make(map[int64]string),
	}
}

// Scan queries adb for attached serials and upserts each as online. Devices
// that were reachable before but missing from this snapshot go offline,
// except busy ones: the executor observes their disconnect at release.
// Per-field probe failures keep the previous value and never fail the scan.
func (r *Registry) Scan(ctx context.Context) (ScanResult, error) {
	serials, err := r.probe.Devices(ctx)
	if err != nil {
		return ScanResult{}, errors.Wrap(err, "registry: list adb devices failed")
	}
	var result ScanResult
	for _, serial := range serials {
		dev := r.probeDevice(ctx, serial)
		_, created, err := r.store.UpsertDeviceBySerial(ctx, dev)
		if err != nil {
			log.Error().Err(err).Str("serial", serial).Msg("registry: upsert device failed")
			continue
		}
		if created {
			result.New++
			log.Info().Str("serial", serial).Msg("device connected")
		} else {
			result.Updated++
		}
	}
	offlined, err := r.store.MarkUnseenDevicesOffline(ctx, serials)
	if err != nil {
		return result, err
	}
	if offlined > 0 {
		log.Info().Int64("count", offlined).Msg("devices went offline")
	}
	return result, nil
}

// probeDevice gathers per-device facts best-effort, falling back to the
// stored row for any field adb cannot answer right now.
func (r *Registry) probeDevice(ctx context.Context, serial string) *storage.Device {
	dev := &storage.Device{Serial: serial}
	if prev, err := r.store.GetDeviceBySerial(ctx, serial); err == nil {
		dev.Model = prev.Model
		dev.AndroidVersion = prev.AndroidVersion
		dev.Resolution = prev.Resolution
		dev.Battery = prev.Battery
		dev.CPUUsage = prev.CPUUsage
		dev.MemoryUsage = prev.MemoryUsage
	}
	if model, err := r.probe.Model(ctx, serial); err == nil && model != "" {
		dev.Model = model
	}
	if version, err := r.probe.AndroidVersion(ctx, serial); err == nil && version != "" {
		dev.AndroidVersion = version
	}
	if resolution, err := r.probe.ScreenSize(ctx, serial); err == nil && resolution != "" {
		dev.Resolution = resolution
	}
	if battery, err := r.probe.BatteryLevel(ctx, serial); err == nil {
		dev.Battery = battery
	}
	if cpu, err := r.probe.CPUPercent(ctx, serial); err == nil {
		dev.CPUUsage = cpu
	}
	if mem, err := r.probe.MemPercent(ctx, serial); err == nil {
		dev.MemoryUsage = mem
	}
	return dev
}

// Lease atomically transitions the device from online or idle to busy.
// Exactly one of two concurrent calls wins; the loser gets
// ErrDeviceUnavailable.
func (r *Registry) Lease(ctx context.Context, deviceID int64) (*Lease, error) {
	dev, err := r.store.GetDevice(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	won, err := r.store.TransitionDeviceStatus(ctx, deviceID,
		[]string{storage.DeviceOnline, storage.DeviceIdle}, storage.DeviceBusy)
	if err != nil {
		return nil, err
	}
	if !won {
		return nil, errors.Wrapf(ErrDeviceUnavailable, "device %s is %s", dev.Serial, dev.Status)
	}
	lease := &Lease{ID: uuid.NewString(), DeviceID: deviceID, Serial: dev.Serial}
	r.mu.Lock()
	r.leases[deviceID] = lease.ID
	r.mu.Unlock()
	log.Debug().Str("serial", dev.Serial).Str("lease", lease.ID).Msg("device leased")
	return lease, nil
}

// Release returns the device to online. It is idempotent for a given handle:
// a stale handle (already released) is a no-op.
func (r *Registry) Release(ctx context.Context, lease *Lease) error {
	if lease == nil {
		return errors.Wrap(ErrInvalidInput, "nil lease")
	}
	r.mu.Lock()
	current, held := r.leases[lease.DeviceID]
	if held && current == lease.ID {
		delete(r.leases, lease.DeviceID)
	}
	r.mu.Unlock()
	if !held || current != lease.ID {
		return nil
	}
	if err := r.store.SetDeviceStatus(ctx, lease.DeviceID, storage.DeviceOnline); err != nil {
		return errors.Wrap(err, "registry: release device failed")
	}
	log.Debug().Str("serial", lease.Serial).Str("lease", lease.ID).Msg("device released")
	return nil
}

// Leased reports whether the device currently holds an exclusive lease.
func (r *Registry) Leased(deviceID int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, held := r.leases[deviceID]
	return held
}

// Disconnect forces the device offline. It refuses while a lease is held.
func (r *Registry) Disconnect(ctx context.Context, deviceID int64) error {
	if r.Leased(deviceID) {
		return errors.Wrapf(ErrPreconditionFailed, "device %d holds an active lease", deviceID)
	}
	return r.store.SetDeviceStatus(ctx, deviceID, storage.DeviceOffline)
}

// Get returns one device.
func (r *Registry) Get(ctx context.Context, deviceID int64) (*storage.Device, error) {
	return r.store.GetDevice(ctx, deviceID)
}

// List returns devices filtered by status and/or group.
func (r *Registry) List(ctx context.Context, status, group string) ([]*storage.Device, error) {
	return r.store.ListDevices(ctx, status, group)
}

// ListPage returns one page of filtered devices plus the total match count.
func (r *Registry) ListPage(ctx context.Context, status, group string, limit, offset int) ([]*storage.Device, int64, error) {
	return r.store.ListDevicesPage(ctx, status, group, limit, offset)
}

// SetGroup assigns (or clears, with "") the device's group.
func (r *Registry) SetGroup(ctx context.Context, deviceID int64, group string) error {
	return r.store.SetDeviceGroup(ctx, deviceID, group)
}

// ReleaseOrphaned force-releases devices whose leases belonged to a previous
// process: every busy device without an in-process lease goes back online.
// Called once at startup after journal reconciliation.
func (r *Registry) ReleaseOrphaned(ctx context.Context) error {
	busy, err := r.store.ListDevices(ctx, storage.DeviceBusy, "")
	if err != nil {
		return err
	}
	for _, dev := range busy {
		if r.Leased(dev.ID) {
			continue
		}
		if err := r.store.SetDeviceStatus(ctx, dev.ID, storage.DeviceOnline); err != nil {
			return err
		}
		log.Warn().Str("serial", dev.Serial).Msg("released orphaned device lease")
	}
	return nil
}
