package fleetagent

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/adbfleet/fleetagent/pkg/notify"
	"github.com/adbfleet/fleetagent/pkg/storage"
)

// AlertEngine evaluates threshold rules against one device sample, raising
// alerts when a rule trips and resolving them when the condition clears.
type AlertEngine struct {
	store     *storage.Store
	notifiers *notify.Registry
}

func NewAlertEngine(store *storage.Store, notifiers *notify.Registry) *AlertEngine {
	return &AlertEngine{store: store, notifiers: notifiers}
}

// Evaluate runs every enabled rule against the sampled fields. A rule whose
// condition field is absent from the sample is skipped. Notifications go out
// only when a new alert row is created; the open-alert dedup keeps a flapping
// metric from re-notifying every cycle.
func (e *AlertEngine) Evaluate(ctx context.Context, d *storage.Device, fields map[string]float64) error {
	rules, err := e.store.ListEnabledAlertRules(ctx)
	if err != nil {
		return err
	}
	if len(rules) == 0 {
		return nil
	}
	open, err := e.store.UnresolvedAlerts(ctx, d.ID)
	if err != nil {
		return err
	}
	openByType := make(map[string]int64, len(open))
	for _, a := range open {
		openByType[a.AlertType] = a.ID
	}

	for _, rule := range rules {
		value, ok := fields[rule.ConditionField]
		if !ok {
			continue
		}
		if !thresholdTripped(value, rule.Operator, rule.ThresholdValue) {
			if id, isOpen := openByType[rule.RuleName]; isOpen {
				if err := e.store.ResolveAlert(ctx, id); err != nil && !errors.Is(err, storage.ErrAlreadyResolved) {
					log.Warn().Err(err).Str("serial", d.Serial).Str("rule", rule.RuleName).
						Msg("resolve alert failed")
				} else {
					log.Info().Str("serial", d.Serial).Str("rule", rule.RuleName).
						Msg("alert condition cleared")
				}
			}
			continue
		}

		severity := rule.Severity
		if severity == "" {
			severity = storage.SeverityWarning
		}
		msg := fmt.Sprintf("%s: %s %s %.1f (value %.1f)",
			d.Serial, rule.ConditionField, rule.Operator, rule.ThresholdValue, value)
		now := time.Now()
		_, created, err := e.store.RaiseAlert(ctx, &storage.DeviceAlert{
			DeviceID:  d.ID,
			AlertType: rule.RuleName,
			Severity:  severity,
			Message:   msg,
			CreatedAt: now,
		})
		if err != nil {
			return err
		}
		if !created {
			continue
		}
		log.Warn().Str("serial", d.Serial).Str("rule", rule.RuleName).
			Str("severity", severity).Float64("value", value).Msg("alert raised")
		e.notifiers.Dispatch(ctx, rule.NotificationChannels, notify.Message{
			DeviceSerial: d.Serial,
			AlertType:    rule.RuleName,
			Severity:     severity,
			Text:         msg,
			RaisedAt:     now,
		})
	}
	return nil
}

func thresholdTripped(value float64, op string, threshold float64) bool {
	switch op {
	case "<":
		return value < threshold
	case ">":
		return value > threshold
	case "<=":
		return value <= threshold
	case ">=":
		return value >= threshold
	case "==":
		return value == threshold
	default:
		return false
	}
}
