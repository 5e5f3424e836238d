package segment

import (
	"fmt"
	"time"

	"github.com/jkaberg/ev-charge-tracker/internal/telemetry"
)

// Config tunes the segmenter. The zero value is usable; a zero threshold
// falls back to DefaultChargeThresholdKW and a zero StaleTimeout disables the
// stale check.
type Config struct {
	ChargeThresholdKW float64
	StaleTimeout      time.Duration
}

// Result is what one Observe call produced.
type Result struct {
	Events   []Event
	Conflict *ConflictingStateError
}

// State is the resumable part of a Segmenter.
type State struct {
	Mode Mode              `json:"mode"`
	Open *Cycle            `json:"open,omitempty"`
	Last *telemetry.Sample `json:"last,omitempty"`
}

// Segmenter turns an ordered sample stream into charge, drive and idle
// cycles. Exactly one cycle is open once the first sample has been seen.
// It is not safe for concurrent use; feed it from a single goroutine.
type Segmenter struct {
	cfg  Config
	mode Mode
	open *Cycle
	last *telemetry.Sample
}

func NewSegmenter(cfg Config) *Segmenter {
	if cfg.ChargeThresholdKW <= 0 {
		cfg.ChargeThresholdKW = DefaultChargeThresholdKW
	}
	return &Segmenter{cfg: cfg, mode: ModeIdle}
}

func (s *Segmenter) Mode() Mode { return s.mode }

// Current returns a copy of the open cycle.
func (s *Segmenter) Current() (Cycle, bool) {
	if s.open == nil {
		return Cycle{}, false
	}
	return s.open.clone(), true
}

// State snapshots the segmenter for persistence.
func (s *Segmenter) State() State {
	st := State{Mode: s.mode}
	if s.open != nil {
		c := s.open.clone()
		st.Open = &c
	}
	if s.last != nil {
		l := *s.last
		st.Last = &l
	}
	return st
}

// Restore replaces the segmenter state with a previously saved one.
func (s *Segmenter) Restore(st State) error {
	if st.Open != nil && !st.Open.Open() {
		return fmt.Errorf("segment: restored cycle %s is already closed", st.Open.ID)
	}
	if st.Open != nil && modeFor(st.Open.Kind) != st.Mode {
		return fmt.Errorf("segment: restored mode %s does not match open %s cycle", st.Mode, st.Open.Kind)
	}
	if (st.Open == nil) != (st.Last == nil) {
		return fmt.Errorf("segment: restored state is incomplete")
	}
	s.mode = st.Mode
	if s.mode == "" {
		s.mode = ModeIdle
	}
	s.open, s.last = nil, nil
	if st.Open != nil {
		c := st.Open.clone()
		s.open = &c
	}
	if st.Last != nil {
		l := *st.Last
		s.last = &l
	}
	return nil
}

// Observe feeds one sample. Samples must arrive with strictly increasing
// timestamps; anything else returns ErrOutOfOrderSample and changes nothing.
func (s *Segmenter) Observe(cur telemetry.Sample) (Result, error) {
	var res Result

	if s.last == nil {
		s.startCycle(&res, KindIdle, cur)
		s.last = &cur
		return res, nil
	}
	prev := *s.last
	if !cur.Timestamp.After(prev.Timestamp) {
		return res, fmt.Errorf("%w: %s is not after %s", ErrOutOfOrderSample,
			cur.Timestamp.Format(time.RFC3339Nano), prev.Timestamp.Format(time.RFC3339Nano))
	}
	s.last = &cur

	charging := cur.ChargePowerKW > s.cfg.ChargeThresholdKW
	odoDelta := cur.OdometerMiles - prev.OdometerMiles
	moving := odoDelta > 0

	if s.stale(prev, cur) {
		s.closeCycle(&res, prev)
		if charging {
			s.startCycle(&res, KindCharge, cur)
		} else {
			s.startCycle(&res, KindIdle, cur)
		}
		return res, nil
	}

	if charging && moving {
		res.Conflict = &ConflictingStateError{
			At:            cur.Timestamp,
			ChargePowerKW: cur.ChargePowerKW,
			OdometerDelta: odoDelta,
		}
	}

	switch s.mode {
	case ModeIdle:
		switch {
		case charging:
			// The ramp-up segment belongs to the new charge.
			s.closeCycle(&res, prev)
			s.startCycle(&res, KindCharge, prev)
			s.credit(prev, cur)
			if res.Conflict != nil {
				s.open.Suspect = true
			}
		case moving:
			s.closeCycle(&res, prev)
			s.startCycle(&res, KindDrive, prev)
			s.credit(prev, cur)
		default:
			s.credit(prev, cur)
		}

	case ModeCharging:
		s.credit(prev, cur)
		if res.Conflict != nil {
			s.open.Suspect = true
		}
		if !charging {
			s.closeCycle(&res, cur)
			s.startCycle(&res, KindIdle, cur)
		}

	case ModeDriving:
		s.credit(prev, cur)
		switch {
		case charging:
			// Driving never hands straight over to Charging.
			if res.Conflict != nil {
				s.open.Suspect = true
			}
			s.closeCycle(&res, cur)
			s.startCycle(&res, KindIdle, cur)
		case !moving:
			s.closeCycle(&res, cur)
			s.startCycle(&res, KindIdle, cur)
		}
	}

	return res, nil
}

func (s *Segmenter) stale(prev, cur telemetry.Sample) bool {
	if s.cfg.StaleTimeout <= 0 || s.mode == ModeCharging {
		return false
	}
	return cur.Timestamp.Sub(prev.Timestamp) > s.cfg.StaleTimeout
}

// credit adds the [prev, cur] segment to the open cycle.
func (s *Segmenter) credit(prev, cur telemetry.Sample) {
	c := s.open
	d := cur.OdometerMiles - prev.OdometerMiles
	switch {
	case d < 0:
		c.Suspect = true
	case d > 0:
		c.DistanceMiles += d
	}
	if c.Kind != KindCharge {
		return
	}
	e := Trapezoid(prev.ChargePowerKW, cur.ChargePowerKW, cur.Timestamp.Sub(prev.Timestamp))
	c.EnergyKWh += e
	c.Segments = append(c.Segments, EnergySegment{Start: prev.Timestamp, End: cur.Timestamp, EnergyKWh: e})
}

func (s *Segmenter) startCycle(res *Result, kind Kind, at telemetry.Sample) {
	s.open = &Cycle{
		ID:    CycleID(kind, at.Timestamp),
		Kind:  kind,
		Start: at,
	}
	s.mode = modeFor(kind)
	res.Events = append(res.Events, Event{Type: startEvent(kind), Cycle: s.open.clone()})
}

func (s *Segmenter) closeCycle(res *Result, at telemetry.Sample) {
	if s.open == nil {
		return
	}
	end := at
	s.open.End = &end
	res.Events = append(res.Events, Event{Type: endEvent(s.open.Kind), Cycle: s.open.clone()})
	s.open = nil
	s.mode = ModeIdle
}

// Trapezoid integrates power over one interval in kWh. Negative power
// (discharge reported by some feeds) counts as zero.
func Trapezoid(p1, p2 float64, dt time.Duration) float64 {
	if dt <= 0 {
		return 0
	}
	if p1 < 0 {
		p1 = 0
	}
	if p2 < 0 {
		p2 = 0
	}
	return (p1 + p2) / 2 * dt.Hours()
}

func (c Cycle) clone() Cycle {
	if c.End != nil {
		end := *c.End
		c.End = &end
	}
	if c.Segments != nil {
		c.Segments = append([]EnergySegment(nil), c.Segments...)
	}
	return c
}
