package segment

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jkaberg/ev-charge-tracker/internal/telemetry"
)

// Kind identifies what a cycle covers.
type Kind string

const (
	KindCharge Kind = "charge"
	KindDrive  Kind = "drive"
	KindIdle   Kind = "idle"
)

// Mode is the vehicle state the segmenter currently believes in.
type Mode string

const (
	ModeIdle     Mode = "idle"
	ModeCharging Mode = "charging"
	ModeDriving  Mode = "driving"
)

// DefaultChargeThresholdKW is the charge power above which the vehicle is
// considered to be charging.
const DefaultChargeThresholdKW = 0.1

// ErrOutOfOrderSample is returned for a sample whose timestamp is not after
// the previous one. The sample is dropped without touching any state.
var ErrOutOfOrderSample = errors.New("segment: sample out of order")

// ConflictingStateError reports a sample that shows both charge power and
// odometer movement. Charging wins; the affected cycle is flagged Suspect.
type ConflictingStateError struct {
	At            time.Time
	ChargePowerKW float64
	OdometerDelta float64
}

func (e *ConflictingStateError) Error() string {
	return fmt.Sprintf("segment: conflicting state at %s: charging %.2f kW while odometer moved %.2f mi",
		e.At.Format(time.RFC3339), e.ChargePowerKW, e.OdometerDelta)
}

// EnergySegment is one trapezoid of the charge power integral.
type EnergySegment struct {
	Start     time.Time `json:"start"`
	End       time.Time `json:"end"`
	EnergyKWh float64   `json:"energy_kwh"`
}

// Cycle is a contiguous span of one Kind. End is nil while the cycle is open.
type Cycle struct {
	ID            string            `json:"id"`
	Kind          Kind              `json:"kind"`
	Start         telemetry.Sample  `json:"start"`
	End           *telemetry.Sample `json:"end,omitempty"`
	EnergyKWh     float64           `json:"energy_kwh"`
	DistanceMiles float64           `json:"distance_miles"`
	Suspect       bool              `json:"suspect"`
	Segments      []EnergySegment   `json:"segments,omitempty"`
}

// Open reports whether the cycle has not been closed yet.
func (c *Cycle) Open() bool { return c.End == nil }

// Duration is zero for an open cycle.
func (c *Cycle) Duration() time.Duration {
	if c.End == nil {
		return 0
	}
	return c.End.Timestamp.Sub(c.Start.Timestamp)
}

// SoCDelta is start minus end SoC, so a discharge is positive.
func (c *Cycle) SoCDelta() float64 {
	if c.End == nil {
		return 0
	}
	return c.Start.SoCPercent - c.End.SoCPercent
}

var cycleNamespace = uuid.MustParse("6f1c7f0e-2d4b-5c1e-9a57-0b3de3a1c9a4")

// CycleID derives a stable identifier from kind and start time so replays of
// the same stream produce the same idempotency key.
func CycleID(kind Kind, start time.Time) string {
	name := string(kind) + "|" + start.UTC().Format(time.RFC3339Nano)
	return uuid.NewSHA1(cycleNamespace, []byte(name)).String()
}

// EventType names a cycle boundary.
type EventType string

const (
	ChargeStart EventType = "charge_start"
	ChargeEnd   EventType = "charge_end"
	DriveStart  EventType = "drive_start"
	DriveEnd    EventType = "drive_end"
	IdleStart   EventType = "idle_start"
	IdleEnd     EventType = "idle_end"
)

// Event is emitted on every cycle boundary. Cycle is a copy; for *End events
// it is the closed cycle.
type Event struct {
	Type  EventType
	Cycle Cycle
}

func startEvent(k Kind) EventType {
	switch k {
	case KindCharge:
		return ChargeStart
	case KindDrive:
		return DriveStart
	default:
		return IdleStart
	}
}

func endEvent(k Kind) EventType {
	switch k {
	case KindCharge:
		return ChargeEnd
	case KindDrive:
		return DriveEnd
	default:
		return IdleEnd
	}
}

func modeFor(k Kind) Mode {
	switch k {
	case KindCharge:
		return ModeCharging
	case KindDrive:
		return ModeDriving
	default:
		return ModeIdle
	}
}
