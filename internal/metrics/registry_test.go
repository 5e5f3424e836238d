package metrics

import (
	"testing"
	"time"

	"github.com/jkaberg/ev-charge-tracker/internal/domain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestRegistryStartsWithoutData(t *testing.T) {
	r := NewRegistry("GBP")
	snap := r.Snapshot()
	require.Len(t, snap, len(AllMetrics))
	for _, m := range snap {
		assert.Nil(t, m.Value, m.Name)
	}

	m, ok := r.Get(HomeSessionCostPerKWh)
	require.True(t, ok)
	assert.Equal(t, "GBP/kWh", m.Unit)
}

func TestSetValueNoDataClearsValue(t *testing.T) {
	r := NewRegistry("EUR")
	r.Set(ContinuousMilesPerPercent, 2.5, now)
	m, _ := r.Get(ContinuousMilesPerPercent)
	require.NotNil(t, m.Value)
	assert.Equal(t, 2.5, *m.Value)

	r.SetValue(ContinuousMilesPerPercent, domain.NoData(), now.Add(time.Minute))
	m, _ = r.Get(ContinuousMilesPerPercent)
	assert.Nil(t, m.Value)
	assert.Equal(t, now.Add(time.Minute), m.LastUpdated)

	r.Set("no_such_metric", 1, now)
	_, ok := r.Get("no_such_metric")
	assert.False(t, ok)
}

func TestChanged(t *testing.T) {
	r := NewRegistry("GBP")
	r.Set(HomeLifetimeEnergy, 100, now)
	prev := r.Snapshot()

	r.Set(HomeLifetimeEnergy, 100, now.Add(time.Hour))
	assert.False(t, Changed(prev, r.Snapshot()), "timestamps alone are not a change")

	r.Set(HomeLifetimeEnergy, 100+1e-9, now)
	assert.False(t, Changed(prev, r.Snapshot()), "float jitter is not a change")

	r.Set(HomeLifetimeEnergy, 110, now)
	assert.True(t, Changed(prev, r.Snapshot()))

	r2 := NewRegistry("GBP")
	r2.Set(HomeLifetimeEnergy, 100, now)
	before := r2.Snapshot()
	r2.SetBool(PublicChargingDetected, false, now)
	assert.True(t, Changed(before, r2.Snapshot()))

	assert.True(t, Changed(nil, before))
}

func TestCollectorSkipsNoData(t *testing.T) {
	r := NewRegistry("GBP")
	r.Set(TotalEnergy, 42, now)
	r.SetBool(PublicChargingDetected, true, now)

	reg := prometheus.NewRegistry()
	require.NoError(t, reg.Register(r))
	families, err := reg.Gather()
	require.NoError(t, err)

	got := map[string]float64{}
	for _, f := range families {
		for _, m := range f.GetMetric() {
			got[f.GetName()] = m.GetGauge().GetValue()
		}
	}
	assert.Equal(t, map[string]float64{
		"ev_tracker_total_energy":             42,
		"ev_tracker_public_charging_detected": 1,
	}, got)
}
