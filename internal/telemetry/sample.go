package telemetry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"
)

// MilesPerKm converts vendor odometers reporting kilometres.
const MilesPerKm = 0.621371

// ErrNotReady is returned by a Poller that has not yet seen enough data to
// build a complete Sample.
var ErrNotReady = errors.New("telemetry not ready")

// Sample is the normalised telemetry reading every vendor feed is reduced to.
// Optional readings are pointers so a missing value can be told apart from 0.
type Sample struct {
	Timestamp     time.Time `json:"timestamp"`
	SoCPercent    float64   `json:"soc_percent"`
	OdometerMiles float64   `json:"odometer_miles"`
	ChargePowerKW float64   `json:"charge_power_kw"`

	TariffRate     *float64 `json:"tariff_rate_per_kwh,omitempty"`
	CableConnected *bool    `json:"cable_connected,omitempty"`
}

// Poller produces one Sample per call. Implementations normalise a single
// vendor shape; the tracker never looks past this interface.
type Poller interface {
	Poll(ctx context.Context) (*Sample, error)
}

// Validate rejects readings that cannot be fed to the segmenter.
func (s Sample) Validate() error {
	if s.Timestamp.IsZero() {
		return fmt.Errorf("sample has no timestamp")
	}
	for name, v := range map[string]float64{
		"soc_percent":     s.SoCPercent,
		"odometer_miles":  s.OdometerMiles,
		"charge_power_kw": s.ChargePowerKW,
	} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%s is not a finite number", name)
		}
	}
	if s.SoCPercent < 0 || s.SoCPercent > 100 {
		return fmt.Errorf("soc_percent out of range: %.1f", s.SoCPercent)
	}
	if s.OdometerMiles < 0 {
		return fmt.Errorf("odometer_miles is negative: %.1f", s.OdometerMiles)
	}
	if s.TariffRate != nil && (math.IsNaN(*s.TariffRate) || *s.TariffRate < 0) {
		return fmt.Errorf("tariff rate invalid: %v", *s.TariffRate)
	}
	return nil
}

// Float returns a pointer to v; handy for the optional fields.
func Float(v float64) *float64 { return &v }

// Bool returns a pointer to b.
func Bool(b bool) *bool { return &b }
