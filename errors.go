// Package fleetagent is a control plane for a fleet of Android devices driven
// over adb: it discovers handsets, tracks their health, executes automation
// scripts under per-device exclusivity, streams live progress, and classifies
// every failure.
package fleetagent

import (
	"github.com/adbfleet/fleetagent/pkg/storage"
	"github.com/pkg/errors"
)

// Error kinds surfaced at the in-process API boundary. Callers match with
// errors.Is.
var (
	// ErrNotFound mirrors storage.ErrNotFound for entity lookups.
	ErrNotFound = storage.ErrNotFound
	// ErrDeviceUnavailable reports a refused lease: the device is not
	// online or idle.
	ErrDeviceUnavailable = errors.New("device unavailable")
	// ErrInvalidInput reports malformed caller input.
	ErrInvalidInput = errors.New("invalid input")
	// ErrPreconditionFailed reports an operation applied to an entity in
	// the wrong state, e.g. stopping a run that already finished.
	ErrPreconditionFailed = errors.New("precondition failed")
)
