// Package idleloss estimates the energy a parked vehicle loses to standby
// drain between drives and charges.
package idleloss

import (
	"math"

	"github.com/jkaberg/ev-charge-tracker/internal/segment"
	"github.com/jkaberg/ev-charge-tracker/internal/telemetry"
)

// DefaultNoisePercent is the smallest per-sample SoC step that counts.
const DefaultNoisePercent = 0.1

// SoC readings are usually reported in tenths; the epsilon keeps a drop of
// exactly the threshold from being lost to float error.
const epsilon = 1e-9

// Loss is the result of one closed idle interval.
type Loss struct {
	CycleID string
	Percent float64
	KWh     float64
}

type State struct {
	Active   bool              `json:"active"`
	StartSoC float64           `json:"start_soc"`
	Percent  float64           `json:"percent"`
	Last     *telemetry.Sample `json:"last,omitempty"`
}

// Tracker accumulates SoC steps while the vehicle is idle. Steps above the
// noise floor count in both directions, so a reading that bounces back
// cancels the drop before it. The reported loss never exceeds the net fall
// from the start of the interval.
type Tracker struct {
	noise    float64
	capacity float64

	active  bool
	start   float64
	percent float64
	last    *telemetry.Sample
}

func New(noisePercent, packCapacityKWh float64) *Tracker {
	if noisePercent <= 0 {
		noisePercent = DefaultNoisePercent
	}
	return &Tracker{noise: noisePercent, capacity: packCapacityKWh}
}

// HandleEvent starts a fresh interval on IdleStart and returns the loss on
// IdleEnd.
func (t *Tracker) HandleEvent(ev segment.Event) (Loss, bool) {
	switch ev.Type {
	case segment.IdleStart:
		start := ev.Cycle.Start
		t.active = true
		t.start = start.SoCPercent
		t.percent = 0
		t.last = &start
	case segment.IdleEnd:
		if !t.active {
			return Loss{}, false
		}
		pct := t.Percent()
		loss := Loss{
			CycleID: ev.Cycle.ID,
			Percent: pct,
			KWh:     pct / 100 * t.capacity,
		}
		t.active = false
		t.percent = 0
		t.last = nil
		return loss, true
	}
	return Loss{}, false
}

// Observe accounts for one sample. Only idle samples count.
func (t *Tracker) Observe(s telemetry.Sample, mode segment.Mode) {
	if !t.active || mode != segment.ModeIdle {
		return
	}
	if t.last != nil {
		if step := t.last.SoCPercent - s.SoCPercent; math.Abs(step)+epsilon >= t.noise {
			t.percent += step
		}
	}
	t.last = &s
}

// Percent is the loss accumulated so far in the open interval.
func (t *Tracker) Percent() float64 {
	pct := t.percent
	if t.last != nil {
		pct = math.Min(pct, t.start-t.last.SoCPercent)
	}
	return math.Max(pct, 0)
}

func (t *Tracker) State() State {
	st := State{Active: t.active, StartSoC: t.start, Percent: t.percent}
	if t.last != nil {
		l := *t.last
		st.Last = &l
	}
	return st
}

func (t *Tracker) Restore(st State) {
	t.active = st.Active
	t.start = st.StartSoC
	t.percent = st.Percent
	t.last = st.Last
}
