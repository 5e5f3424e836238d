package tracker

import (
	"context"
	"testing"
	"time"

	"github.com/jkaberg/ev-charge-tracker/internal/efficiency"
	"github.com/jkaberg/ev-charge-tracker/internal/ledger"
	"github.com/jkaberg/ev-charge-tracker/internal/metrics"
	"github.com/jkaberg/ev-charge-tracker/internal/segment"
	"github.com/jkaberg/ev-charge-tracker/internal/store"
	"github.com/jkaberg/ev-charge-tracker/internal/tariff"
	"github.com/jkaberg/ev-charge-tracker/internal/telemetry"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 18, 0, 0, 0, time.UTC)

func at(min int, soc, odo, kw float64) telemetry.Sample {
	return telemetry.Sample{
		Timestamp:     t0.Add(time.Duration(min) * time.Minute),
		SoCPercent:    soc,
		OdometerMiles: odo,
		ChargePowerKW: kw,
	}
}

// a 10 kWh home charge followed by a 20 mile drive
var day = []telemetry.Sample{
	at(0, 50, 1000, 0),
	at(30, 52, 1000, 10),
	at(60, 56, 1000, 10),
	at(90, 60, 1000, 0),
	at(120, 60, 1000, 0),
	at(130, 58, 1010, 0),
	at(140, 56, 1020, 0),
	at(150, 56, 1020, 0),
}

func newEngine(t *testing.T, backend store.Backend) (*Engine, *store.Store) {
	t.Helper()
	logger, _ := test.NewNullLogger()
	st, err := store.Open(context.Background(), backend, logger)
	require.NoError(t, err)

	rates := tariff.NewRecorder()
	pricing := tariff.NewIntegrator(rates, nil,
		decimal.RequireFromString("0.07"), decimal.RequireFromString("0.30"), logger)
	led := ledger.New(st, nil, 30*time.Minute, logger)

	cfg := Config{Efficiency: efficiency.Config{PackCapacityKWh: 50}}
	return New(cfg, st, led, rates, pricing, metrics.NewRegistry("GBP"), logger), st
}

func feed(t *testing.T, e *Engine, samples []telemetry.Sample) {
	t.Helper()
	for _, s := range samples {
		require.NoError(t, e.Process(context.Background(), s))
	}
}

func value(t *testing.T, e *Engine, name string) float64 {
	t.Helper()
	for _, m := range e.Metrics() {
		if m.Name == name {
			require.NotNil(t, m.Value, name)
			return *m.Value
		}
	}
	t.Fatalf("metric %s not found", name)
	return 0
}

func TestChargeAndDrive(t *testing.T) {
	e, st := newEngine(t, store.NewMemoryBackend())
	feed(t, e, day)

	totals := st.Totals()
	assert.InDelta(t, 10.0, totals.TotalHomeEnergyKWh, 1e-9)
	assert.True(t, decimal.RequireFromString("0.70").Equal(totals.TotalHomeCost))
	assert.True(t, decimal.RequireFromString("2.30").Equal(totals.TotalHomeSavings))
	assert.Equal(t, int64(1), totals.SessionCounts[store.CategoryHome])

	assert.InDelta(t, 10.0, value(t, e, metrics.HomeSessionEnergy), 1e-9)
	assert.InDelta(t, 0.70, value(t, e, metrics.HomeSessionCost), 1e-9)
	assert.InDelta(t, 2.30, value(t, e, metrics.HomeSessionSavings), 1e-9)
	assert.InDelta(t, 0.07, value(t, e, metrics.HomeSessionCostPerKWh), 1e-9)
	assert.InDelta(t, 10.0, value(t, e, metrics.DriveToDriveMilesPerKWh), 1e-9)
	assert.InDelta(t, 5.0, value(t, e, metrics.DriveToDriveMilesPerPercent), 1e-9)
	assert.InDelta(t, 10.0, value(t, e, metrics.TotalEnergy), 1e-9)

	snap, ok := st.Snapshot(string(segment.KindCharge))
	require.True(t, ok)
	assert.Equal(t, segment.CycleID(segment.KindCharge, t0), snap.ID)
	assert.Equal(t, t0.Add(90*time.Minute), snap.EndedAt)

	drive, ok := st.Snapshot(string(segment.KindDrive))
	require.True(t, ok)
	assert.InDelta(t, 20.0, drive.DistanceMiles, 1e-9)
	assert.Equal(t, segment.ModeIdle, e.Mode())
}

func TestReplayAfterRestartDoesNotDoubleCount(t *testing.T) {
	backend := store.NewMemoryBackend()
	e, st := newEngine(t, backend)
	feed(t, e, day)
	require.NoError(t, e.Flush(context.Background()))
	assert.InDelta(t, 10.0, e.Totals().TotalHomeEnergyKWh, 1e-9)

	// A fresh engine that replays the whole stream from scratch derives the
	// same cycle IDs, so every delta is a duplicate.
	replayed, st2 := newEngine(t, backend)
	feed(t, replayed, day)
	assert.InDelta(t, 10.0, st2.Totals().TotalHomeEnergyKWh, 1e-9)
	assert.True(t, st.Totals().TotalHomeCost.Equal(st2.Totals().TotalHomeCost))
	assert.Equal(t, int64(1), st2.Totals().SessionCounts[store.CategoryHome])
}

func TestResumeMidCharge(t *testing.T) {
	backend := store.NewMemoryBackend()
	e, _ := newEngine(t, backend)
	feed(t, e, day[:3])
	require.Equal(t, segment.ModeCharging, e.Mode())
	require.NoError(t, e.Flush(context.Background()))

	resumed, st := newEngine(t, backend)
	require.NoError(t, resumed.Restore())
	assert.Equal(t, segment.ModeCharging, resumed.Mode())

	// already-seen samples are rejected
	err := resumed.Process(context.Background(), day[1])
	assert.ErrorIs(t, err, segment.ErrOutOfOrderSample)

	feed(t, resumed, day[3:])
	assert.InDelta(t, 10.0, st.Totals().TotalHomeEnergyKWh, 1e-9)
}

func TestLogPublicSessionUpdatesMetrics(t *testing.T) {
	e, _ := newEngine(t, store.NewMemoryBackend())
	feed(t, e, day)

	logged, err := e.LogPublicSession(ledger.Request{Provider: "ChargePoint", KWh: 15.5, Cost: 3.0, Miles: 25})
	require.NoError(t, err)
	assert.False(t, logged.Duplicate)

	assert.InDelta(t, 15.5, value(t, e, metrics.PublicSessionEnergy), 1e-9)
	assert.InDelta(t, 15.5, value(t, e, metrics.PublicLifetimeEnergy), 1e-9)
	assert.InDelta(t, 25.5, value(t, e, metrics.TotalEnergy), 1e-9)
	assert.InDelta(t, 3.70, value(t, e, metrics.TotalCost), 1e-9)
	assert.True(t, e.PublicChargingDetected(time.Now()))

	m, ok := metricByName(e, metrics.PublicChargingDetected)
	require.True(t, ok)
	require.NotNil(t, m.On)
	assert.True(t, *m.On)
}

func TestCableWithoutHomePowerIsPublic(t *testing.T) {
	e, _ := newEngine(t, store.NewMemoryBackend())
	s := at(0, 40, 1000, 0)
	s.CableConnected = telemetry.Bool(true)
	require.NoError(t, e.Process(context.Background(), s))
	assert.True(t, e.PublicChargingDetected(s.Timestamp))

	next := at(5, 41, 1000, 7)
	next.CableConnected = telemetry.Bool(true)
	require.NoError(t, e.Process(context.Background(), next))
	assert.False(t, e.PublicChargingDetected(next.Timestamp))
}

func TestProcessRejectsInvalidSample(t *testing.T) {
	e, _ := newEngine(t, store.NewMemoryBackend())
	err := e.Process(context.Background(), at(0, 150, 1000, 0))
	assert.Error(t, err)
	assert.Equal(t, segment.ModeIdle, e.Mode())
}

func TestIdleLossIsAccumulated(t *testing.T) {
	e, st := newEngine(t, store.NewMemoryBackend())
	feed(t, e, []telemetry.Sample{
		at(0, 80, 1000, 0),
		at(600, 79, 1000, 0),
		at(1200, 78, 1000, 0),
		at(1210, 77, 1005, 0),
	})
	// 2 % of 50 kWh lost while parked
	assert.InDelta(t, 1.0, st.Totals().TotalIdleLossKWh, 1e-9)
	assert.InDelta(t, 1.0, value(t, e, metrics.IdleSessionLoss), 1e-9)
}

func metricByName(e *Engine, name string) (metrics.Metric, bool) {
	for _, m := range e.Metrics() {
		if m.Name == name {
			return m, true
		}
	}
	return metrics.Metric{}, false
}

func TestDetectionExpiresAfterDwell(t *testing.T) {
	e, _ := newEngine(t, store.NewMemoryBackend())
	_, err := e.LogPublicSession(ledger.Request{Provider: "Pod Point", KWh: 8, Cost: 2.4})
	require.NoError(t, err)

	e.RefreshDetection(time.Now().Add(time.Hour))
	m, ok := metricByName(e, metrics.PublicChargingDetected)
	require.True(t, ok)
	require.NotNil(t, m.On)
	assert.False(t, *m.On)
}

func TestChargeClosedDuringShutdownIsRecorded(t *testing.T) {
	e, st := newEngine(t, store.NewMemoryBackend())
	feed(t, e, day[:3])

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, e.Process(ctx, day[3]))
	assert.Equal(t, segment.ModeIdle, e.Mode())

	totals := st.Totals()
	assert.InDelta(t, 10.0, totals.TotalHomeEnergyKWh, 1e-9)
	assert.Equal(t, int64(1), totals.SessionCounts[store.CategoryHome])
	assert.True(t, decimal.RequireFromString("0.70").Equal(totals.TotalHomeCost))

	feed(t, e, day[4:])
	assert.InDelta(t, 10.0, st.Totals().TotalHomeEnergyKWh, 1e-9)
	assert.Equal(t, int64(1), st.Totals().SessionCounts[store.CategoryHome])
}

func TestIdleJitterIsNotLoss(t *testing.T) {
	e, st := newEngine(t, store.NewMemoryBackend())
	var samples []telemetry.Sample
	for i := 0; i < 20; i++ {
		pct := 80.0
		if i%2 == 1 {
			pct = 80.2
		}
		samples = append(samples, at(i*10, pct, 1000, 0))
	}
	samples = append(samples, at(200, 80.2, 1000, 7))
	feed(t, e, samples)

	require.Equal(t, segment.ModeCharging, e.Mode())
	assert.Zero(t, st.Totals().TotalIdleLossKWh)
	assert.Zero(t, value(t, e, metrics.IdleSessionLoss))
}
