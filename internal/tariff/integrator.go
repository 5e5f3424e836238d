package tariff

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jkaberg/ev-charge-tracker/internal/domain"
	"github.com/jkaberg/ev-charge-tracker/internal/segment"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// Money values are kept to the penny.
const moneyPlaces = 2

// Result is the priced outcome of one home charge.
type Result struct {
	CycleID       string
	EnergyKWh     float64
	Cost          decimal.Decimal
	ReferenceCost decimal.Decimal
	Savings       decimal.Decimal
	// NoSavings is set when the reference was cheaper and savings were
	// clamped to zero.
	NoSavings bool
	// UsedFallback is set when any energy was priced at the fixed rate.
	UsedFallback bool
}

// CostPerKWh is the effective price paid for the session.
func (r Result) CostPerKWh() domain.Value {
	return domain.Ratio(r.Cost.InexactFloat64(), r.EnergyKWh).Round(4)
}

// Integrator prices a closed charge cycle against time-varying tariffs and
// a reference tariff.
type Integrator struct {
	tariff        Provider
	reference     Provider
	homeRate      decimal.Decimal
	referenceRate decimal.Decimal
	logger        *logrus.Logger
}

// NewIntegrator builds an integrator. Either provider may be nil, in which
// case the matching fixed rate is used throughout.
func NewIntegrator(tariff, reference Provider, homeRate, referenceRate decimal.Decimal, logger *logrus.Logger) *Integrator {
	return &Integrator{
		tariff:        tariff,
		reference:     reference,
		homeRate:      homeRate,
		referenceRate: referenceRate,
		logger:        logger,
	}
}

// Integrate prices cycle. Energy is spread over each segment in proportion
// to time, so a segment straddling a rate change is split between windows.
// A failing provider never fails the cycle; its energy is priced at the
// fixed rate instead.
func (i *Integrator) Integrate(ctx context.Context, cycle segment.Cycle) (Result, error) {
	if cycle.End == nil {
		return Result{}, fmt.Errorf("tariff: cycle %s is still open", cycle.ID)
	}
	segs := cycle.Segments
	if len(segs) == 0 {
		segs = []segment.EnergySegment{{
			Start:     cycle.Start.Timestamp,
			End:       cycle.End.Timestamp,
			EnergyKWh: cycle.EnergyKWh,
		}}
	}

	res := Result{CycleID: cycle.ID, EnergyKWh: cycle.EnergyKWh}

	res.Cost, res.UsedFallback = i.price(ctx, i.tariff, i.homeRate, segs, cycle)
	res.ReferenceCost, _ = i.price(ctx, i.reference, i.referenceRate, segs, cycle)
	res.settle()
	return res, nil
}

// Fixed prices cycle entirely at the fixed home and reference rates.
func (i *Integrator) Fixed(cycle segment.Cycle) Result {
	energy := decimal.NewFromFloat(cycle.EnergyKWh)
	res := Result{
		CycleID:       cycle.ID,
		EnergyKWh:     cycle.EnergyKWh,
		Cost:          energy.Mul(i.homeRate).Round(moneyPlaces),
		ReferenceCost: energy.Mul(i.referenceRate).Round(moneyPlaces),
		UsedFallback:  true,
	}
	res.settle()
	return res
}

func (r *Result) settle() {
	r.Savings = r.ReferenceCost.Sub(r.Cost)
	if r.Savings.IsNegative() {
		r.Savings = decimal.Zero
		r.NoSavings = true
	}
}

func (i *Integrator) price(ctx context.Context, p Provider, fixed decimal.Decimal, segs []segment.EnergySegment, cycle segment.Cycle) (decimal.Decimal, bool) {
	var windows []Window
	if p != nil {
		ws, err := p.Windows(ctx, cycle.Start.Timestamp, cycle.End.Timestamp)
		if err == nil {
			windows = ws
		} else {
			fields := logrus.Fields{"cycle": cycle.ID, "fixed_rate": fixed.String()}
			if errors.Is(err, ErrNoTariffData) {
				i.logger.WithFields(fields).WithError(err).Warn("tariff: pricing at fixed rate")
			} else {
				i.logger.WithFields(fields).WithError(err).Warn("tariff: provider failed, pricing at fixed rate")
			}
		}
	}

	total := decimal.Zero
	uncovered := decimal.Zero
	for _, s := range segs {
		energy := decimal.NewFromFloat(s.EnergyKWh)
		if energy.IsZero() {
			continue
		}
		cost, rest := split(energy, s.Start, s.End, windows)
		total = total.Add(cost)
		uncovered = uncovered.Add(rest)
	}
	fellBack := uncovered.GreaterThan(decimal.Zero)
	if fellBack {
		total = total.Add(uncovered.Mul(fixed))
		if len(windows) > 0 {
			i.logger.WithFields(logrus.Fields{
				"cycle":         cycle.ID,
				"uncovered_kwh": uncovered.StringFixed(3),
			}).Warn("tariff: partial coverage, remainder at fixed rate")
		}
	}
	return total.Round(moneyPlaces), fellBack
}

// split prices energy drawn evenly over [start, end) and returns the cost of
// the covered part together with the energy no window covered.
func split(energy decimal.Decimal, start, end time.Time, windows []Window) (decimal.Decimal, decimal.Decimal) {
	span := end.Sub(start)
	if span <= 0 {
		for _, w := range windows {
			if w.Contains(start) {
				return energy.Mul(w.RatePerKWh), decimal.Zero
			}
		}
		return decimal.Zero, energy
	}

	cost := decimal.Zero
	var covered time.Duration
	spanD := decimal.NewFromInt(int64(span))
	for _, w := range windows {
		ov := w.Overlap(start, end)
		if ov <= 0 {
			continue
		}
		covered += ov
		frac := decimal.NewFromInt(int64(ov)).Div(spanD)
		cost = cost.Add(energy.Mul(frac).Mul(w.RatePerKWh))
	}
	if covered >= span {
		return cost, decimal.Zero
	}
	rest := decimal.NewFromInt(int64(span - covered)).Div(spanD)
	return cost, energy.Mul(rest)
}
