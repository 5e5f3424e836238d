package efficiency

import (
	"testing"
	"time"

	"github.com/jkaberg/ev-charge-tracker/internal/domain"
	"github.com/jkaberg/ev-charge-tracker/internal/segment"
	"github.com/jkaberg/ev-charge-tracker/internal/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

func at(min int, soc, odo, kw float64) telemetry.Sample {
	return telemetry.Sample{
		Timestamp:     t0.Add(time.Duration(min) * time.Minute),
		SoCPercent:    soc,
		OdometerMiles: odo,
		ChargePowerKW: kw,
	}
}

func closed(kind segment.Kind, start, end telemetry.Sample) segment.Cycle {
	return segment.Cycle{
		ID:            segment.CycleID(kind, start.Timestamp),
		Kind:          kind,
		Start:         start,
		End:           &end,
		DistanceMiles: end.OdometerMiles - start.OdometerMiles,
	}
}

func TestCachedIgnoresNoDataAndHeldUpdates(t *testing.T) {
	var c Cached
	assert.False(t, c.Current().Valid)

	assert.True(t, c.Update(domain.Of(3.2)))
	assert.False(t, c.Update(domain.NoData()))
	assert.Equal(t, domain.Of(3.2), c.Current())

	c.Hold()
	assert.False(t, c.Update(domain.Of(4.0)))
	assert.Equal(t, domain.Of(3.2), c.Current())

	c.Release()
	assert.True(t, c.Update(domain.Of(4.0)))
	assert.Equal(t, domain.Of(4.0), c.Current())
}

func TestZeroDenominatorsYieldNoData(t *testing.T) {
	calc := NewCalculator(Config{PackCapacityKWh: 58})

	drive := closed(segment.KindDrive, at(0, 80, 1000, 0), at(10, 80, 1005, 0))
	r := calc.DriveToDrive(drive)
	assert.False(t, r.MilesPerKWh.Valid)
	assert.False(t, r.MilesPerPercent.Valid)
	assert.Nil(t, r.MilesPerPercent.Ptr())

	noCapacity := NewCalculator(Config{})
	r = noCapacity.DriveToDrive(closed(segment.KindDrive, at(0, 80, 1000, 0), at(10, 78, 1005, 0)))
	assert.False(t, r.MilesPerKWh.Valid)
	assert.InDelta(t, 2.5, r.MilesPerPercent.V, 1e-9)
}

func TestDriveToDrive(t *testing.T) {
	calc := NewCalculator(Config{PackCapacityKWh: 50})
	r := calc.DriveToDrive(closed(segment.KindDrive, at(0, 80, 1000, 0), at(30, 70, 1020, 0)))

	// 10 % of 50 kWh is 5 kWh.
	assert.InDelta(t, 4.0, r.MilesPerKWh.V, 1e-9)
	assert.InDelta(t, 2.0, r.MilesPerPercent.V, 1e-9)
	assert.Equal(t, t0.Add(30*time.Minute), r.ComputedAt)

	perKWh, perPercent := calc.Continuous(at(40, 70, 1020, 0), segment.ModeIdle)
	assert.Equal(t, r.MilesPerKWh, perKWh)
	assert.Equal(t, r.MilesPerPercent, perPercent)
}

func TestChargeToCharge(t *testing.T) {
	calc := NewCalculator(Config{PackCapacityKWh: 50})

	first := closed(segment.KindCharge, at(0, 40, 1000, 7), at(60, 80, 1000, 0))
	first.EnergyKWh = 20
	r := calc.ChargeToCharge(first)
	assert.False(t, r.MilesPerKWh.Valid, "first charge has no baseline")

	second := closed(segment.KindCharge, at(600, 50, 1090, 7), at(660, 80, 1090, 0))
	second.EnergyKWh = 15
	r = calc.ChargeToCharge(second)
	assert.InDelta(t, 6.0, r.MilesPerKWh.V, 1e-9)
	assert.InDelta(t, 3.0, r.MilesPerPercent.V, 1e-9)

	st := calc.State()
	require.NotNil(t, st.LastChargeEnd)
	assert.Equal(t, second.End.Timestamp, st.LastChargeEnd.Timestamp)
}

func TestChargeToChargeZeroEnergy(t *testing.T) {
	calc := NewCalculator(Config{})
	calc.ChargeToCharge(closed(segment.KindCharge, at(0, 40, 1000, 7), at(60, 80, 1000, 0)))

	r := calc.ChargeToCharge(closed(segment.KindCharge, at(600, 50, 1090, 7), at(660, 80, 1090, 0)))
	assert.False(t, r.MilesPerKWh.Valid)
	assert.True(t, r.MilesPerPercent.Valid)
}

func TestMilesPerPercentHeldWhileCharging(t *testing.T) {
	calc := NewCalculator(Config{PackCapacityKWh: 50})
	drive := closed(segment.KindDrive, at(0, 80, 1000, 0), at(30, 70, 1025, 0))
	calc.HandleEvent(segment.Event{Type: segment.DriveEnd, Cycle: drive})
	_, held := calc.Continuous(at(31, 70, 1025, 0), segment.ModeIdle)
	require.InDelta(t, 2.5, held.V, 1e-9)

	charge := segment.Cycle{Kind: segment.KindCharge, Start: at(40, 70, 1025, 7)}
	calc.HandleEvent(segment.Event{Type: segment.ChargeStart, Cycle: charge})

	for i, soc := range []float64{70, 72, 75} {
		_, perPercent := calc.Continuous(at(41+i, soc, 1025, 7), segment.ModeCharging)
		assert.Equal(t, held, perPercent, "soc %.0f", soc)
	}
	calc.DriveToDrive(closed(segment.KindDrive, at(50, 75, 1025, 0), at(60, 70, 1040, 0)))
	assert.Equal(t, held, calc.Snapshot().ContinuousPerPercent, "a drive while held does not overwrite")

	next := closed(segment.KindDrive, at(100, 75, 1025, 0), at(130, 70, 1040, 0))
	calc.HandleEvent(segment.Event{Type: segment.DriveStart, Cycle: segment.Cycle{Start: next.Start}})
	calc.HandleEvent(segment.Event{Type: segment.DriveEnd, Cycle: next})
	assert.InDelta(t, 3.0, calc.Snapshot().ContinuousPerPercent.V, 1e-9)
}

func TestContinuousTrailingWindow(t *testing.T) {
	calc := NewCalculator(Config{PackCapacityKWh: 50, Window: 3})
	calc.HandleEvent(segment.Event{Type: segment.DriveStart, Cycle: segment.Cycle{Start: at(0, 80, 1000, 0)}})

	calc.Continuous(at(1, 79, 1002, 0), segment.ModeDriving)
	perKWh, perPercent := calc.Continuous(at(2, 78, 1004, 0), segment.ModeDriving)
	assert.InDelta(t, 2.0, perPercent.V, 1e-9)
	assert.InDelta(t, 4.0, perKWh.V, 1e-9)

	// The window now drops the first sample: 1002 -> 1008 over 79 -> 77.
	_, perPercent = calc.Continuous(at(3, 77, 1008, 0), segment.ModeDriving)
	assert.InDelta(t, 3.0, perPercent.V, 1e-9)
}

func TestExcludeSuspect(t *testing.T) {
	calc := NewCalculator(Config{PackCapacityKWh: 50, ExcludeSuspect: true})
	drive := closed(segment.KindDrive, at(0, 80, 1000, 0), at(30, 70, 1020, 0))
	drive.Suspect = true

	r := calc.DriveToDrive(drive)
	assert.False(t, r.MilesPerKWh.Valid)
	assert.False(t, calc.Snapshot().ContinuousPerPercent.Valid)

	lenient := NewCalculator(Config{PackCapacityKWh: 50})
	assert.True(t, lenient.DriveToDrive(drive).MilesPerKWh.Valid)
}

func TestRestore(t *testing.T) {
	calc := NewCalculator(Config{PackCapacityKWh: 50})
	calc.ChargeToCharge(closed(segment.KindCharge, at(0, 40, 1000, 7), at(60, 80, 1000, 0)))
	calc.HandleEvent(segment.Event{Type: segment.ChargeStart})

	resumed := NewCalculator(Config{PackCapacityKWh: 50})
	resumed.Restore(calc.State())
	assert.Equal(t, calc.State(), resumed.State())

	next := closed(segment.KindCharge, at(600, 60, 1040, 7), at(660, 80, 1040, 0))
	next.EnergyKWh = 10
	assert.InDelta(t, 4.0, resumed.ChargeToCharge(next).MilesPerKWh.V, 1e-9)
}
