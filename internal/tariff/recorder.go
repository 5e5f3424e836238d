package tariff

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/jkaberg/ev-charge-tracker/internal/telemetry"
	"github.com/shopspring/decimal"
)

// StaleRateAfter bounds how long the latest recorded rate is trusted past
// the last sample that carried it.
const StaleRateAfter = 2 * time.Hour

// RatePoint is a rate that took effect at At and holds until the next point.
// Seen is the last sample time that still reported it.
type RatePoint struct {
	At   time.Time       `json:"at"`
	Seen time.Time       `json:"seen,omitempty"`
	Rate decimal.Decimal `json:"rate"`
}

func (p RatePoint) lastSeen() time.Time {
	if p.Seen.After(p.At) {
		return p.Seen
	}
	return p.At
}

// Recorder builds a rate history from the tariff rates carried on samples,
// so a charge can be priced at the rates that were live while it ran.
type Recorder struct {
	mu     sync.Mutex
	points []RatePoint
}

func NewRecorder() *Recorder {
	return &Recorder{}
}

// Observe records the sample's rate if it differs from the current one or
// the current one has gone stale.
func (r *Recorder) Observe(s telemetry.Sample) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s.TariffRate == nil {
		return
	}
	rate := decimal.NewFromFloat(*s.TariffRate)
	if n := len(r.points); n > 0 {
		last := &r.points[n-1]
		if !s.Timestamp.After(last.lastSeen()) {
			return
		}
		if last.Rate.Equal(rate) && s.Timestamp.Sub(last.lastSeen()) <= StaleRateAfter {
			last.Seen = s.Timestamp
			return
		}
	}
	r.points = append(r.points, RatePoint{At: s.Timestamp, Seen: s.Timestamp, Rate: rate})
}

// Windows returns the recorded rates clipped to [start, end). The most
// recent rate is assumed to hold until end, but no longer than
// StaleRateAfter past the last sample that reported it.
func (r *Recorder) Windows(_ context.Context, start, end time.Time) ([]Window, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.points) == 0 || !end.After(start) {
		return nil, ErrNoTariffData
	}
	// first point in effect at start, or the first one after it
	i := sort.Search(len(r.points), func(i int) bool { return r.points[i].At.After(start) })
	if i > 0 {
		i--
	}

	var out []Window
	for ; i < len(r.points); i++ {
		from := r.points[i].At
		to := r.points[i].lastSeen().Add(StaleRateAfter)
		if i+1 < len(r.points) && r.points[i+1].At.Before(to) {
			to = r.points[i+1].At
		}
		if from.Before(start) {
			from = start
		}
		if to.After(end) {
			to = end
		}
		if !to.After(from) {
			continue
		}
		out = append(out, Window{Start: from, End: to, RatePerKWh: r.points[i].Rate})
	}
	if len(out) == 0 {
		return nil, ErrNoTariffData
	}
	return out, nil
}

// Prune drops points that stopped applying before cutoff, keeping the one
// still in effect at cutoff.
func (r *Recorder) Prune(cutoff time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	i := sort.Search(len(r.points), func(i int) bool { return r.points[i].At.After(cutoff) })
	if i > 1 {
		r.points = append(r.points[:0], r.points[i-1:]...)
	}
}

func (r *Recorder) Points() []RatePoint {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]RatePoint(nil), r.points...)
}

func (r *Recorder) Restore(points []RatePoint) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.points = append([]RatePoint(nil), points...)
	sort.Slice(r.points, func(i, j int) bool { return r.points[i].At.Before(r.points[j].At) })
}
