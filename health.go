package fleetagent

import (
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Network status values recognized by the scorer.
const (
	NetworkConnected = "connected"
	NetworkLimited   = "limited"
)

// Health level bands on the composite score.
const (
	LevelExcellent = "excellent"
	LevelGood      = "good"
	LevelFair      = "fair"
	LevelWarning   = "warning"
	LevelDanger    = "danger"
)

// Metrics is one raw device sample. Numeric fields arrive as free-form
// strings ("85%", "32.5℃", "41"); coercion strips the units.
type Metrics struct {
	Battery     string
	Temperature string
	CPU         string
	Memory      string
	Storage     string
	Network     string
	LastActive  *time.Time
}

// Weights distributes the composite score across the seven subscores.
type Weights struct {
	Battery     float64
	Temperature float64
	CPU         float64
	Memory      float64
	Storage     float64
	Network     float64
	Activity    float64
}

// DefaultWeights is the stock distribution.
func DefaultWeights() Weights {
	return Weights{
		Battery:     0.25,
		Temperature: 0.20,
		CPU:         0.15,
		Memory:      0.15,
		Storage:     0.10,
		Network:     0.10,
		Activity:    0.05,
	}
}

// Validate rejects weight sets that do not sum to 1 within ±0.01 or whose
// individual values fall outside [0,1].
func (w Weights) Validate() error {
	sum := 0.0
	for _, v := range []float64{w.Battery, w.Temperature, w.CPU, w.Memory, w.Storage, w.Network, w.Activity} {
		if v < 0 || v > 1 {
			return errors.Wrapf(ErrInvalidInput, "weight %v outside [0,1]", v)
		}
		sum += v
	}
	if sum < 0.99 || sum > 1.01 {
		return errors.Wrapf(ErrInvalidInput, "weights sum to %v, want 1.0 ±0.01", sum)
	}
	return nil
}

var metricNumberRe = regexp.MustCompile(`[-+]?\d+(?:\.\d+)?`)

// coerceMetric extracts the first number from a permissive metric string.
func coerceMetric(raw string) (float64, bool) {
	m := metricNumberRe.FindString(strings.TrimSpace(raw))
	if m == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(m, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// interpolate maps v onto [0,100] linearly between the full-score and
// zero-score anchors. Works for both orientations (hi>lo and hi<lo).
func interpolate(v, full, zero float64) float64 {
	if full < zero { // higher is worse
		switch {
		case v <= full:
			return 100
		case v >= zero:
			return 0
		}
		return (zero - v) / (zero - full) * 100
	}
	// higher is better
	switch {
	case v >= full:
		return 100
	case v <= zero:
		return 0
	}
	return (v - zero) / (full - zero) * 100
}

func scoreBattery(raw string) float64 {
	v, ok := coerceMetric(raw)
	if !ok {
		return 0
	}
	return interpolate(v, 80, 20)
}

func scoreTemperature(raw string) float64 {
	v, ok := coerceMetric(raw)
	if !ok {
		return 0
	}
	return interpolate(v, 35, 45)
}

func scoreCPU(raw string) float64 {
	v, ok := coerceMetric(raw)
	if !ok {
		return 0
	}
	return interpolate(v, 30, 80)
}

func scoreMemory(raw string) float64 {
	v, ok := coerceMetric(raw)
	if !ok {
		return 0
	}
	return interpolate(v, 50, 85)
}

func scoreStorage(raw string) float64 {
	v, ok := coerceMetric(raw)
	if !ok {
		return 0
	}
	return interpolate(v, 70, 95)
}

func scoreNetwork(status string) float64 {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case NetworkConnected:
		return 100
	case NetworkLimited:
		return 50
	default:
		return 0
	}
}

func scoreActivity(lastActive *time.Time, now time.Time) float64 {
	if lastActive == nil {
		return 50
	}
	idle := now.Sub(*lastActive)
	switch {
	case idle <= 5*time.Minute:
		return 100
	case idle <= time.Hour:
		return 80
	case idle <= 24*time.Hour:
		return 50
	case idle <= 72*time.Hour:
		return 20
	default:
		return 0
	}
}

// HealthScore computes the weighted composite on [0,100].
func HealthScore(m Metrics, w Weights, now time.Time) int {
	composite := scoreBattery(m.Battery)*w.Battery +
		scoreTemperature(m.Temperature)*w.Temperature +
		scoreCPU(m.CPU)*w.CPU +
		scoreMemory(m.Memory)*w.Memory +
		scoreStorage(m.Storage)*w.Storage +
		scoreNetwork(m.Network)*w.Network +
		scoreActivity(m.LastActive, now)*w.Activity
	score := int(math.Round(composite))
	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	return score
}

// HealthLevel maps a composite score to its band.
func HealthLevel(score int) string {
	switch {
	case score >= 90:
		return LevelExcellent
	case score >= 80:
		return LevelGood
	case score >= 60:
		return LevelFair
	case score >= 40:
		return LevelWarning
	default:
		return LevelDanger
	}
}
