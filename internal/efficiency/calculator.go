package efficiency

import (
	"time"

	"github.com/jkaberg/ev-charge-tracker/internal/domain"
	"github.com/jkaberg/ev-charge-tracker/internal/segment"
	"github.com/jkaberg/ev-charge-tracker/internal/telemetry"
)

// DefaultWindow is the number of driving samples the continuous figure is
// computed over.
const DefaultWindow = 10

const places = 2

// Reading is one efficiency figure pair for a closed cycle.
type Reading struct {
	CycleID         string       `json:"cycle_id,omitempty"`
	MilesPerKWh     domain.Value `json:"miles_per_kwh"`
	MilesPerPercent domain.Value `json:"miles_per_percent_soc"`
	ComputedAt      time.Time    `json:"computed_at"`
}

// Snapshot is everything the calculator publishes.
type Snapshot struct {
	ChargeToCharge       Reading
	DriveToDrive         Reading
	ContinuousPerKWh     domain.Value
	ContinuousPerPercent domain.Value
}

type Config struct {
	PackCapacityKWh float64
	Window          int
	ExcludeSuspect  bool
}

// State is the resumable part of a Calculator.
type State struct {
	LastChargeEnd  *telemetry.Sample  `json:"last_charge_end,omitempty"`
	Window         []telemetry.Sample `json:"window,omitempty"`
	ChargeToCharge Reading            `json:"charge_to_charge"`
	DriveToDrive   Reading            `json:"drive_to_drive"`
	PerKWh         Cached             `json:"per_kwh"`
	PerPercent     Cached             `json:"per_percent"`
}

// Calculator derives miles/kWh and miles/%SoC from closed cycles and from
// the live driving stream. Like the segmenter it is fed from one goroutine.
type Calculator struct {
	cfg Config

	lastChargeEnd *telemetry.Sample
	window        []telemetry.Sample

	c2c, d2d   Reading
	perKWh     Cached
	perPercent Cached
}

func NewCalculator(cfg Config) *Calculator {
	if cfg.Window < 2 {
		cfg.Window = DefaultWindow
	}
	return &Calculator{cfg: cfg}
}

// HandleEvent updates rolling state on a cycle boundary. For closed charge
// and drive cycles it returns the reading computed for them.
func (c *Calculator) HandleEvent(ev segment.Event) (Reading, bool) {
	switch ev.Type {
	case segment.ChargeStart:
		c.perPercent.Hold()
	case segment.DriveStart:
		c.perPercent.Release()
		c.window = append(c.window[:0], ev.Cycle.Start)
	case segment.ChargeEnd:
		return c.ChargeToCharge(ev.Cycle), true
	case segment.DriveEnd:
		c.window = c.window[:0]
		return c.DriveToDrive(ev.Cycle), true
	}
	return Reading{}, false
}

// ChargeToCharge measures the distance covered between the previous charge
// and this one against the energy this charge put back. The first charge has
// no baseline and yields no data. The baseline moves to this charge's end
// either way.
func (c *Calculator) ChargeToCharge(cycle segment.Cycle) Reading {
	prev := c.lastChargeEnd
	if cycle.End != nil {
		end := *cycle.End
		c.lastChargeEnd = &end
	}

	r := Reading{CycleID: cycle.ID, ComputedAt: computedAt(cycle)}
	if prev == nil || c.excluded(cycle) {
		c.c2c = r
		return r
	}
	distance := cycle.Start.OdometerMiles - prev.OdometerMiles
	if distance >= 0 {
		r.MilesPerKWh = domain.Ratio(distance, cycle.EnergyKWh).Round(places)
		r.MilesPerPercent = domain.Ratio(distance, prev.SoCPercent-cycle.Start.SoCPercent).Round(places)
	}
	c.c2c = r
	return r
}

// DriveToDrive computes the figures for one closed drive and refreshes the
// cached live values with them.
func (c *Calculator) DriveToDrive(cycle segment.Cycle) Reading {
	r := Reading{CycleID: cycle.ID, ComputedAt: computedAt(cycle)}
	if c.excluded(cycle) {
		c.d2d = r
		return r
	}
	used := cycle.SoCDelta()
	r.MilesPerKWh = domain.Ratio(cycle.DistanceMiles, used/100*c.cfg.PackCapacityKWh).Round(places)
	r.MilesPerPercent = domain.Ratio(cycle.DistanceMiles, used).Round(places)
	c.d2d = r
	c.perKWh.Update(r.MilesPerKWh)
	c.perPercent.Update(r.MilesPerPercent)
	return r
}

// Continuous recomputes the live figures over the trailing window while
// driving. In any other mode it republishes the cached values.
func (c *Calculator) Continuous(s telemetry.Sample, mode segment.Mode) (perKWh, perPercent domain.Value) {
	if mode == segment.ModeDriving {
		if n := len(c.window); n == 0 || s.Timestamp.After(c.window[n-1].Timestamp) {
			c.window = append(c.window, s)
		}
		if len(c.window) > c.cfg.Window {
			c.window = append(c.window[:0], c.window[len(c.window)-c.cfg.Window:]...)
		}
		first, last := c.window[0], c.window[len(c.window)-1]
		distance := last.OdometerMiles - first.OdometerMiles
		used := first.SoCPercent - last.SoCPercent
		if distance >= 0 {
			c.perKWh.Update(domain.Ratio(distance, used/100*c.cfg.PackCapacityKWh).Round(places))
			c.perPercent.Update(domain.Ratio(distance, used).Round(places))
		}
	}
	return c.perKWh.Current(), c.perPercent.Current()
}

func (c *Calculator) Snapshot() Snapshot {
	return Snapshot{
		ChargeToCharge:       c.c2c,
		DriveToDrive:         c.d2d,
		ContinuousPerKWh:     c.perKWh.Current(),
		ContinuousPerPercent: c.perPercent.Current(),
	}
}

func (c *Calculator) State() State {
	st := State{
		Window:         append([]telemetry.Sample(nil), c.window...),
		ChargeToCharge: c.c2c,
		DriveToDrive:   c.d2d,
		PerKWh:         c.perKWh,
		PerPercent:     c.perPercent,
	}
	if c.lastChargeEnd != nil {
		e := *c.lastChargeEnd
		st.LastChargeEnd = &e
	}
	return st
}

func (c *Calculator) Restore(st State) {
	c.lastChargeEnd = st.LastChargeEnd
	c.window = append([]telemetry.Sample(nil), st.Window...)
	c.c2c, c.d2d = st.ChargeToCharge, st.DriveToDrive
	c.perKWh, c.perPercent = st.PerKWh, st.PerPercent
}

func (c *Calculator) excluded(cycle segment.Cycle) bool {
	return c.cfg.ExcludeSuspect && cycle.Suspect
}

func computedAt(cycle segment.Cycle) time.Time {
	if cycle.End != nil {
		return cycle.End.Timestamp
	}
	return cycle.Start.Timestamp
}
