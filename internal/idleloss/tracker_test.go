package idleloss

import (
	"testing"
	"time"

	"github.com/jkaberg/ev-charge-tracker/internal/segment"
	"github.com/jkaberg/ev-charge-tracker/internal/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

func soc(hour int, pct float64) telemetry.Sample {
	return telemetry.Sample{Timestamp: t0.Add(time.Duration(hour) * time.Hour), SoCPercent: pct}
}

func TestIdleLossIgnoresNoise(t *testing.T) {
	tr := New(0.1, 60)
	start := soc(0, 80)
	tr.HandleEvent(segment.Event{Type: segment.IdleStart, Cycle: segment.Cycle{ID: "idle-1", Start: start}})

	for i, pct := range []float64{79.95, 79.9, 79.6, 79.6, 79.1} {
		tr.Observe(soc(i+1, pct), segment.ModeIdle)
	}
	// 80 -> 79.95 and 79.95 -> 79.9 are below the noise floor.
	assert.InDelta(t, 0.8, tr.Percent(), 1e-9)

	loss, ok := tr.HandleEvent(segment.Event{Type: segment.IdleEnd, Cycle: segment.Cycle{ID: "idle-1"}})
	require.True(t, ok)
	assert.Equal(t, "idle-1", loss.CycleID)
	assert.InDelta(t, 0.8, loss.Percent, 1e-9)
	assert.InDelta(t, 0.48, loss.KWh, 1e-9)
}

func TestIdleLossOnlyCountsIdleSamples(t *testing.T) {
	tr := New(0, 50)
	tr.Observe(soc(1, 70), segment.ModeIdle)
	tr.HandleEvent(segment.Event{Type: segment.IdleStart, Cycle: segment.Cycle{Start: soc(2, 80)}})
	tr.Observe(soc(3, 75), segment.ModeDriving)
	tr.Observe(soc(4, 79), segment.ModeIdle)

	assert.InDelta(t, 1.0, tr.Percent(), 1e-9)
}

func TestIdleLossRisesOffsetDrops(t *testing.T) {
	tests := []struct {
		name  string
		start float64
		socs  []float64
		want  float64
	}{
		{"net gain", 50, []float64{51, 50.5}, 0},
		{"bounce back", 50, []float64{49.5, 50}, 0},
		{"drop after rise", 50, []float64{50.5, 49}, 1},
		{"jitter", 80, []float64{80.2, 80, 80.2, 80, 80.2, 80, 80.2}, 0},
		{"jitter while draining", 80, []float64{79.8, 80, 79.6, 79.8, 79.4}, 0.6},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := New(0.1, 50)
			tr.HandleEvent(segment.Event{Type: segment.IdleStart, Cycle: segment.Cycle{Start: soc(0, tt.start)}})
			for i, pct := range tt.socs {
				tr.Observe(soc(i+1, pct), segment.ModeIdle)
			}
			assert.InDelta(t, tt.want, tr.Percent(), 1e-9)

			loss, ok := tr.HandleEvent(segment.Event{Type: segment.IdleEnd})
			require.True(t, ok)
			assert.InDelta(t, tt.want, loss.Percent, 1e-9)
			assert.GreaterOrEqual(t, loss.KWh, 0.0)
		})
	}
}

func TestIdleEndWithoutStart(t *testing.T) {
	tr := New(0.1, 50)
	_, ok := tr.HandleEvent(segment.Event{Type: segment.IdleEnd})
	assert.False(t, ok)
}

func TestRestore(t *testing.T) {
	tr := New(0.1, 50)
	tr.HandleEvent(segment.Event{Type: segment.IdleStart, Cycle: segment.Cycle{Start: soc(0, 50)}})
	tr.Observe(soc(1, 49), segment.ModeIdle)

	resumed := New(0.1, 50)
	resumed.Restore(tr.State())
	resumed.Observe(soc(2, 48), segment.ModeIdle)
	loss, ok := resumed.HandleEvent(segment.Event{Type: segment.IdleEnd})
	require.True(t, ok)
	assert.InDelta(t, 2.0, loss.Percent, 1e-9)
	assert.InDelta(t, 1.0, loss.KWh, 1e-9)
}
