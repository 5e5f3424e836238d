package tracker

import (
	"math"

	"github.com/jkaberg/ev-charge-tracker/internal/efficiency"
	"github.com/jkaberg/ev-charge-tracker/internal/segment"
	"github.com/jkaberg/ev-charge-tracker/internal/store"
)

func snapshotOf(c segment.Cycle, r efficiency.Reading) store.CycleSnapshot {
	snap := store.CycleSnapshot{
		ID:              c.ID,
		Kind:            string(c.Kind),
		StartedAt:       c.Start.Timestamp,
		StartOdometer:   c.Start.OdometerMiles,
		StartSoC:        c.Start.SoCPercent,
		EnergyKWh:       c.EnergyKWh,
		DistanceMiles:   c.DistanceMiles,
		Suspect:         c.Suspect,
		MilesPerKWh:     r.MilesPerKWh,
		MilesPerPercent: r.MilesPerPercent,
	}
	if c.End != nil {
		snap.EndedAt = c.End.Timestamp
		snap.EndOdometer = c.End.OdometerMiles
		snap.EndSoC = c.End.SoCPercent
	}
	return snap
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
