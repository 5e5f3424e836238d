// Package tracker runs the sample pipeline: segmentation, efficiency, cost
// and idle loss, feeding the accumulator store and the metric registry.
package tracker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/jkaberg/ev-charge-tracker/internal/domain"
	"github.com/jkaberg/ev-charge-tracker/internal/efficiency"
	"github.com/jkaberg/ev-charge-tracker/internal/idleloss"
	"github.com/jkaberg/ev-charge-tracker/internal/ledger"
	"github.com/jkaberg/ev-charge-tracker/internal/metrics"
	"github.com/jkaberg/ev-charge-tracker/internal/segment"
	"github.com/jkaberg/ev-charge-tracker/internal/store"
	"github.com/jkaberg/ev-charge-tracker/internal/tariff"
	"github.com/jkaberg/ev-charge-tracker/internal/telemetry"
	"github.com/sirupsen/logrus"
)

const resumeVersion = 1

type Config struct {
	Segment          segment.Config
	Efficiency       efficiency.Config
	IdleNoisePercent float64
}

// Engine owns the per-sample state. Process must be called from a single
// goroutine; the remaining methods are safe to call from anywhere.
type Engine struct {
	cfg     Config
	seg     *segment.Segmenter
	eff     *efficiency.Calculator
	idle    *idleloss.Tracker
	rates   *tariff.Recorder
	pricing *tariff.Integrator
	ledger  *ledger.Ledger
	store   *store.Store
	metrics *metrics.Registry
	logger  *logrus.Logger

	cablePublic atomic.Bool
}

func New(
	cfg Config,
	st *store.Store,
	led *ledger.Ledger,
	rates *tariff.Recorder,
	pricing *tariff.Integrator,
	reg *metrics.Registry,
	logger *logrus.Logger,
) *Engine {
	return &Engine{
		cfg:     cfg,
		seg:     segment.NewSegmenter(cfg.Segment),
		eff:     efficiency.NewCalculator(cfg.Efficiency),
		idle:    idleloss.New(cfg.IdleNoisePercent, cfg.Efficiency.PackCapacityKWh),
		rates:   rates,
		pricing: pricing,
		ledger:  led,
		store:   st,
		metrics: reg,
		logger:  logger,
	}
}

type resumeState struct {
	Version    int                `json:"version"`
	Segment    segment.State      `json:"segment"`
	Efficiency efficiency.State   `json:"efficiency"`
	Idle       idleloss.State     `json:"idle"`
	Rates      []tariff.RatePoint `json:"rates,omitempty"`
	SavedAt    time.Time          `json:"saved_at"`
}

// Restore picks up the open cycle and rolling calculator state from the
// store and republishes the last known metrics.
func (e *Engine) Restore() error {
	now := time.Now()
	e.restoreSnapshots()
	e.refreshTotals(now)

	blob := e.store.Resume()
	if len(blob) == 0 {
		return nil
	}
	var rs resumeState
	if err := json.Unmarshal(blob, &rs); err != nil {
		return fmt.Errorf("decode resume state: %w", err)
	}
	if rs.Version != resumeVersion {
		e.logger.WithField("version", rs.Version).Warn("tracker: ignoring resume state from another version")
		return nil
	}
	if err := e.seg.Restore(rs.Segment); err != nil {
		return fmt.Errorf("restore segmenter: %w", err)
	}
	e.eff.Restore(rs.Efficiency)
	e.idle.Restore(rs.Idle)
	if e.rates != nil {
		e.rates.Restore(rs.Rates)
	}
	e.publishEfficiency(now)

	fields := logrus.Fields{"mode": e.seg.Mode(), "saved_at": rs.SavedAt.Format(time.RFC3339)}
	if cur, ok := e.seg.Current(); ok {
		fields["cycle"] = cur.ID
	}
	e.logger.WithFields(fields).Info("tracker: resumed")
	return nil
}

// Process runs one sample through the pipeline.
func (e *Engine) Process(ctx context.Context, s telemetry.Sample) error {
	if err := s.Validate(); err != nil {
		return fmt.Errorf("invalid sample: %w", err)
	}

	res, err := e.seg.Observe(s)
	if err != nil {
		if errors.Is(err, segment.ErrOutOfOrderSample) {
			e.logger.WithError(err).Debug("tracker: dropping sample")
		}
		return err
	}
	if res.Conflict != nil {
		e.logger.WithError(res.Conflict).Warn("tracker: conflicting sample, treating as charging")
	}
	if e.rates != nil {
		e.rates.Observe(s)
	}

	for _, ev := range res.Events {
		e.handle(ctx, ev)
	}

	mode := e.seg.Mode()
	e.idle.Observe(s, mode)
	e.eff.Continuous(s, mode)
	e.publishEfficiency(s.Timestamp)

	if cur, ok := e.seg.Current(); ok && cur.Kind == segment.KindCharge {
		e.metrics.Set(metrics.HomeSessionEnergy, round(cur.EnergyKWh, 3), s.Timestamp)
	}

	cable := s.CableConnected != nil && *s.CableConnected && s.ChargePowerKW <= e.threshold()
	e.cablePublic.Store(cable)
	e.metrics.SetBool(metrics.PublicChargingDetected, e.PublicChargingDetected(s.Timestamp), s.Timestamp)

	e.saveResume(s.Timestamp)

	e.logger.WithFields(logrus.Fields{
		"soc":      s.SoCPercent,
		"odometer": s.OdometerMiles,
		"power_kw": s.ChargePowerKW,
		"mode":     mode,
	}).Debug("tracker: sample processed")
	return nil
}

func (e *Engine) handle(ctx context.Context, ev segment.Event) {
	reading, hasReading := e.eff.HandleEvent(ev)
	loss, hasLoss := e.idle.HandleEvent(ev)

	switch ev.Type {
	case segment.ChargeEnd:
		e.closeCharge(ctx, ev.Cycle, reading)
	case segment.DriveEnd:
		if hasReading {
			e.closeDrive(ev.Cycle, reading)
		}
	case segment.IdleEnd:
		if hasLoss {
			e.closeIdle(ev.Cycle, loss)
		}
	default:
		e.logger.WithFields(logrus.Fields{
			"event": ev.Type,
			"cycle": ev.Cycle.ID,
			"at":    ev.Cycle.Start.Timestamp.Format(time.RFC3339),
		}).Debug("tracker: cycle started")
	}
}

func (e *Engine) closeCharge(ctx context.Context, c segment.Cycle, r efficiency.Reading) {
	at := c.End.Timestamp
	snap := snapshotOf(c, r)

	fields := logrus.Fields{
		"cycle":      c.ID,
		"energy_kwh": round(c.EnergyKWh, 3),
		"duration":   c.Duration().Round(time.Second).String(),
		"suspect":    c.Suspect,
	}

	// the cycle is already closed in the segmenter, so it is recorded even
	// if the caller is shutting down
	priced, err := e.pricing.Integrate(context.WithoutCancel(ctx), c)
	if err != nil {
		e.logger.WithFields(fields).WithError(err).Error("tracker: pricing charge failed, using fixed rates")
		priced = e.pricing.Fixed(c)
	}
	snap.Cost, snap.Savings, snap.NoSavings = priced.Cost, priced.Savings, priced.NoSavings
	fields["cost"] = priced.Cost.StringFixed(2)
	fields["savings"] = priced.Savings.StringFixed(2)

	if c.EnergyKWh > 0 {
		_, err := e.store.ApplyDelta(store.CategoryHome, string(segment.KindCharge), store.Amounts{
			EnergyKWh: c.EnergyKWh,
			Cost:      priced.Cost,
			Savings:   priced.Savings,
			Sessions:  1,
		}, "charge:"+c.ID)
		if err != nil {
			e.logger.WithFields(fields).WithError(err).Error("tracker: recording charge failed")
		}
	}
	e.metrics.Set(metrics.HomeSessionCost, priced.Cost.InexactFloat64(), at)
	e.metrics.Set(metrics.HomeSessionSavings, priced.Savings.InexactFloat64(), at)
	e.metrics.SetValue(metrics.HomeSessionCostPerKWh, priced.CostPerKWh(), at)
	e.metrics.Set(metrics.HomeSessionEnergy, round(c.EnergyKWh, 3), at)
	e.store.SetSnapshot(snap)
	if e.rates != nil {
		e.rates.Prune(at)
	}
	e.refreshTotals(at)

	e.logger.WithFields(fields).Info("tracker: charge cycle closed")
}

func (e *Engine) closeDrive(c segment.Cycle, r efficiency.Reading) {
	e.store.SetSnapshot(snapshotOf(c, r))
	e.logger.WithFields(logrus.Fields{
		"cycle":          c.ID,
		"distance_miles": round(c.DistanceMiles, 1),
		"soc_used":       round(c.SoCDelta(), 1),
		"suspect":        c.Suspect,
	}).Info("tracker: drive cycle closed")
}

func (e *Engine) closeIdle(c segment.Cycle, loss idleloss.Loss) {
	at := c.End.Timestamp
	if c.Duration() <= 0 {
		return
	}
	e.metrics.Set(metrics.IdleSessionLoss, round(loss.KWh, 3), at)
	snap := snapshotOf(c, efficiency.Reading{})
	snap.EnergyKWh = loss.KWh
	e.store.SetSnapshot(snap)
	if loss.KWh > 0 {
		if _, err := e.store.ApplyDelta(store.CategoryIdle, string(segment.KindIdle), store.Amounts{
			EnergyKWh: loss.KWh,
			Sessions:  1,
		}, "idle:"+c.ID); err != nil {
			e.logger.WithError(err).WithField("cycle", c.ID).Error("tracker: recording idle loss failed")
		}
		e.refreshTotals(at)
	}
	e.logger.WithFields(logrus.Fields{
		"cycle":        c.ID,
		"loss_percent": round(loss.Percent, 2),
		"loss_kwh":     round(loss.KWh, 3),
		"duration":     c.Duration().Round(time.Second).String(),
	}).Debug("tracker: idle cycle closed")
}

// LogPublicSession records a manual public charge and refreshes the
// affected metrics.
func (e *Engine) LogPublicSession(req ledger.Request) (ledger.Logged, error) {
	logged, err := e.ledger.LogPublicSession(req)
	if err != nil {
		return logged, err
	}
	if !logged.Duplicate {
		at := logged.Record.LoggedAt
		e.metrics.Set(metrics.PublicSessionEnergy, logged.Record.KWh, at)
		e.metrics.Set(metrics.PublicSessionCost, logged.Record.Cost.InexactFloat64(), at)
		e.metrics.SetBool(metrics.PublicChargingDetected, true, at)
		e.refreshTotals(at)
	}
	return logged, nil
}

// PublicChargingDetected is true within the dwell after a manual log, or
// while the cable is in but the home charger draws nothing.
func (e *Engine) PublicChargingDetected(now time.Time) bool {
	return e.ledger.Detected(now) || e.cablePublic.Load()
}

// RefreshDetection re-evaluates the detection flag so the dwell expires
// even when no samples arrive.
func (e *Engine) RefreshDetection(now time.Time) {
	e.metrics.SetBool(metrics.PublicChargingDetected, e.PublicChargingDetected(now), now)
}

func (e *Engine) PublicSessions() []store.PublicSession { return e.ledger.Sessions() }

func (e *Engine) PublicStats() ledger.Stats { return e.ledger.Stats() }

func (e *Engine) PurgePublicSessions(before time.Time) int { return e.ledger.Purge(before) }

func (e *Engine) Metrics() []metrics.Metric { return e.metrics.Snapshot() }

// Totals returns the last persisted totals without blocking.
func (e *Engine) Totals() *store.AccumulatorState { return e.store.Persisted() }

// Flush blocks until every change so far is durable.
func (e *Engine) Flush(ctx context.Context) error { return e.store.Flush(ctx) }

func (e *Engine) Mode() segment.Mode { return e.seg.Mode() }

func (e *Engine) publishEfficiency(at time.Time) {
	snap := e.eff.Snapshot()
	e.metrics.SetValue(metrics.ChargeToChargeMilesPerKWh, snap.ChargeToCharge.MilesPerKWh, at)
	e.metrics.SetValue(metrics.ChargeToChargeMilesPerPercent, snap.ChargeToCharge.MilesPerPercent, at)
	e.metrics.SetValue(metrics.DriveToDriveMilesPerKWh, snap.DriveToDrive.MilesPerKWh, at)
	e.metrics.SetValue(metrics.DriveToDriveMilesPerPercent, snap.DriveToDrive.MilesPerPercent, at)
	e.metrics.SetValue(metrics.ContinuousMilesPerKWh, snap.ContinuousPerKWh, at)
	e.metrics.SetValue(metrics.ContinuousMilesPerPercent, snap.ContinuousPerPercent, at)
}

func (e *Engine) refreshTotals(at time.Time) {
	t := e.store.Totals()
	stats := e.ledger.Stats()

	e.metrics.Set(metrics.HomeLifetimeEnergy, round(t.TotalHomeEnergyKWh, 3), at)
	e.metrics.Set(metrics.HomeLifetimeCost, t.TotalHomeCost.InexactFloat64(), at)
	e.metrics.Set(metrics.HomeLifetimeSavings, t.TotalHomeSavings.InexactFloat64(), at)
	e.metrics.Set(metrics.PublicLifetimeEnergy, round(t.TotalPublicEnergyKWh, 3), at)
	e.metrics.Set(metrics.PublicLifetimeCost, t.TotalPublicCost.InexactFloat64(), at)
	e.metrics.Set(metrics.IdleLifetimeLoss, round(t.TotalIdleLossKWh, 3), at)
	e.metrics.Set(metrics.TotalEnergy, round(t.TotalHomeEnergyKWh+t.TotalPublicEnergyKWh, 3), at)
	e.metrics.Set(metrics.TotalCost, t.TotalHomeCost.Add(t.TotalPublicCost).InexactFloat64(), at)
	e.metrics.SetValue(metrics.PublicAvgCostPerKWh, stats.AvgCostPerKWh, at)
	e.metrics.SetValue(metrics.PublicAvgMilesPerKWh, stats.AvgMilesPerKWh, at)
	e.metrics.SetValue(metrics.PublicCostPerMile, stats.CostPerMile, at)
}

func (e *Engine) restoreSnapshots() {
	if snap, ok := e.store.Snapshot(string(segment.KindCharge)); ok {
		at := snap.EndedAt
		e.metrics.Set(metrics.HomeSessionEnergy, round(snap.EnergyKWh, 3), at)
		e.metrics.Set(metrics.HomeSessionCost, snap.Cost.InexactFloat64(), at)
		e.metrics.Set(metrics.HomeSessionSavings, snap.Savings.InexactFloat64(), at)
		e.metrics.SetValue(metrics.HomeSessionCostPerKWh, domain.Ratio(snap.Cost.InexactFloat64(), snap.EnergyKWh).Round(4), at)
	}
	if snap, ok := e.store.Snapshot(string(segment.KindIdle)); ok {
		e.metrics.Set(metrics.IdleSessionLoss, round(snap.EnergyKWh, 3), snap.EndedAt)
	}
	if sessions := e.ledger.Sessions(); len(sessions) > 0 {
		last := sessions[len(sessions)-1]
		e.metrics.Set(metrics.PublicSessionEnergy, last.KWh, last.LoggedAt)
		e.metrics.Set(metrics.PublicSessionCost, last.Cost.InexactFloat64(), last.LoggedAt)
	}
}

func (e *Engine) saveResume(at time.Time) {
	rs := resumeState{
		Version:    resumeVersion,
		Segment:    e.seg.State(),
		Efficiency: e.eff.State(),
		Idle:       e.idle.State(),
		SavedAt:    at,
	}
	if e.rates != nil {
		rs.Rates = e.rates.Points()
	}
	blob, err := json.Marshal(rs)
	if err != nil {
		e.logger.WithError(err).Error("tracker: encoding resume state failed")
		return
	}
	e.store.SetResume(blob)
}

func (e *Engine) threshold() float64 {
	if e.cfg.Segment.ChargeThresholdKW > 0 {
		return e.cfg.Segment.ChargeThresholdKW
	}
	return segment.DefaultChargeThresholdKW
}
