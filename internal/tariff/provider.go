package tariff

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// ErrNoTariffData means no provider could price some or all of a span. The
// integrator falls back to the fixed rate when it sees it.
var ErrNoTariffData = errors.New("tariff: no tariff data")

// Window is a span priced at a single rate.
type Window struct {
	Start      time.Time       `json:"start"`
	End        time.Time       `json:"end"`
	RatePerKWh decimal.Decimal `json:"rate_per_kwh"`
}

// Overlap returns how much of [start, end) falls inside the window.
func (w Window) Overlap(start, end time.Time) time.Duration {
	if w.Start.After(start) {
		start = w.Start
	}
	if w.End.Before(end) {
		end = w.End
	}
	if !end.After(start) {
		return 0
	}
	return end.Sub(start)
}

// Contains reports whether t falls in [Start, End).
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}

// Provider returns the ordered, non-overlapping windows that cover as much
// of [start, end) as it knows about.
type Provider interface {
	Windows(ctx context.Context, start, end time.Time) ([]Window, error)
}

// Chain asks each provider in turn. Spans the earlier providers leave
// uncovered are passed on to the later ones.
type Chain []Provider

type span struct{ start, end time.Time }

func (c Chain) Windows(ctx context.Context, start, end time.Time) ([]Window, error) {
	var (
		out  []Window
		errs []error
	)
	gaps := []span{{start, end}}
	for _, p := range c {
		if p == nil || len(gaps) == 0 {
			continue
		}
		var rest []span
		for _, g := range gaps {
			ws, err := p.Windows(ctx, g.start, g.end)
			if err != nil {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				if !errors.Is(err, ErrNoTariffData) {
					errs = append(errs, err)
				}
				rest = append(rest, g)
				continue
			}
			out = append(out, ws...)
			rest = append(rest, uncovered(g, ws)...)
		}
		gaps = rest
	}
	if len(out) > 0 {
		sort.Slice(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
		return out, nil
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("%w: %w", ErrNoTariffData, errors.Join(errs...))
	}
	return nil, ErrNoTariffData
}

// uncovered returns the parts of g that no window in ws covers. ws must be
// ordered and non-overlapping.
func uncovered(g span, ws []Window) []span {
	var out []span
	cur := g.start
	for _, w := range ws {
		if w.Start.After(cur) {
			out = append(out, span{cur, minTime(w.Start, g.end)})
		}
		if w.End.After(cur) {
			cur = w.End
		}
		if !cur.Before(g.end) {
			return out
		}
	}
	return append(out, span{cur, g.end})
}

func minTime(a, b time.Time) time.Time {
	if a.Before(b) {
		return a
	}
	return b
}

// Fixed prices every span at one rate.
type Fixed decimal.Decimal

func (f Fixed) Windows(_ context.Context, start, end time.Time) ([]Window, error) {
	if !end.After(start) {
		return nil, nil
	}
	return []Window{{Start: start, End: end, RatePerKWh: decimal.Decimal(f)}}, nil
}
