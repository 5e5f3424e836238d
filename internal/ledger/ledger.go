// Package ledger records manually logged public charging sessions.
package ledger

import (
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jkaberg/ev-charge-tracker/internal/domain"
	"github.com/jkaberg/ev-charge-tracker/internal/notify"
	"github.com/jkaberg/ev-charge-tracker/internal/store"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// DefaultDwell is how long public charging stays detected after a log.
const DefaultDwell = 30 * time.Minute

// Request is a manual public charging log.
type Request struct {
	// ID makes retries idempotent. A random one is assigned when empty.
	ID       string  `json:"id,omitempty"`
	Provider string  `json:"provider"`
	KWh      float64 `json:"kwh"`
	Cost     float64 `json:"cost"`
	Miles    float64 `json:"miles"`
}

// InvalidSessionError rejects a Request. Nothing is recorded.
type InvalidSessionError struct {
	Field  string
	Reason string
}

func (e *InvalidSessionError) Error() string {
	return fmt.Sprintf("invalid public session: %s %s", e.Field, e.Reason)
}

func (r Request) validate() error {
	if strings.TrimSpace(r.Provider) == "" {
		return &InvalidSessionError{Field: "provider", Reason: "is empty"}
	}
	for _, f := range []struct {
		name string
		v    float64
	}{{"kwh", r.KWh}, {"cost", r.Cost}, {"miles", r.Miles}} {
		if math.IsNaN(f.v) || math.IsInf(f.v, 0) {
			return &InvalidSessionError{Field: f.name, Reason: "is not a finite number"}
		}
		if f.v < 0 {
			return &InvalidSessionError{Field: f.name, Reason: "is negative"}
		}
	}
	return nil
}

// Logged is the outcome of a LogPublicSession call.
type Logged struct {
	Record    store.PublicSession `json:"record"`
	Duplicate bool                `json:"duplicate"`
}

// Stats are the lifetime public charging aggregates.
type Stats struct {
	Sessions       int64           `json:"sessions"`
	EnergyKWh      float64         `json:"energy_kwh"`
	Cost           decimal.Decimal `json:"cost"`
	Miles          float64         `json:"miles"`
	AvgCostPerKWh  domain.Value    `json:"avg_cost_per_kwh"`
	AvgMilesPerKWh domain.Value    `json:"avg_miles_per_kwh"`
	CostPerMile    domain.Value    `json:"cost_per_mile"`
}

type Ledger struct {
	store    *store.Store
	notifier notify.Notifier
	logger   *logrus.Logger
	dwell    time.Duration
	now      func() time.Time

	mu         sync.Mutex
	lastLogged time.Time
}

// New returns a ledger over st. The detection dwell carries over a restart
// from the most recent stored record.
func New(st *store.Store, notifier notify.Notifier, dwell time.Duration, logger *logrus.Logger) *Ledger {
	if dwell <= 0 {
		dwell = DefaultDwell
	}
	l := &Ledger{
		store:    st,
		notifier: notifier,
		logger:   logger,
		dwell:    dwell,
		now:      time.Now,
	}
	for _, r := range st.PublicSessions() {
		if r.LoggedAt.After(l.lastLogged) {
			l.lastLogged = r.LoggedAt
		}
	}
	return l
}

// LogPublicSession validates req, appends it and adds it to the public
// totals in one store operation.
func (l *Ledger) LogPublicSession(req Request) (Logged, error) {
	if err := req.validate(); err != nil {
		return Logged{}, err
	}
	id := strings.TrimSpace(req.ID)
	if id == "" {
		id = uuid.NewString()
	}
	now := l.now()
	rec := store.PublicSession{
		ID:       id,
		Provider: strings.TrimSpace(req.Provider),
		KWh:      req.KWh,
		Cost:     decimal.NewFromFloat(req.Cost).Round(2),
		Miles:    req.Miles,
		LoggedAt: now,
	}

	res, err := l.store.RecordPublicSession(rec)
	if err != nil {
		return Logged{}, fmt.Errorf("record public session: %w", err)
	}
	if res.Duplicate {
		l.logger.WithField("id", id).Info("ledger: public session already logged")
		for _, existing := range l.store.PublicSessions() {
			if existing.ID == id {
				return Logged{Record: existing, Duplicate: true}, nil
			}
		}
		return Logged{Record: rec, Duplicate: true}, nil
	}

	l.mu.Lock()
	l.lastLogged = now
	l.mu.Unlock()

	l.logger.WithFields(logrus.Fields{
		"id":       id,
		"provider": rec.Provider,
		"kwh":      rec.KWh,
		"cost":     rec.Cost.StringFixed(2),
		"miles":    rec.Miles,
	}).Info("ledger: public session logged")
	if l.notifier != nil {
		l.notifier.Notify("Public charging logged",
			fmt.Sprintf("%s: %.1f kWh for %s", rec.Provider, rec.KWh, rec.Cost.StringFixed(2)))
	}
	return Logged{Record: rec}, nil
}

// Detected reports whether a session was logged within the dwell.
func (l *Ledger) Detected(now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return !l.lastLogged.IsZero() && now.Sub(l.lastLogged) < l.dwell
}

func (l *Ledger) Sessions() []store.PublicSession {
	return l.store.PublicSessions()
}

// Stats derives the public aggregates from the lifetime totals, so purged
// records still count.
func (l *Ledger) Stats() Stats {
	t := l.store.Totals()
	cost := t.TotalPublicCost.InexactFloat64()
	return Stats{
		Sessions:       t.SessionCounts[store.CategoryPublic],
		EnergyKWh:      t.TotalPublicEnergyKWh,
		Cost:           t.TotalPublicCost,
		Miles:          t.TotalPublicMiles,
		AvgCostPerKWh:  domain.Ratio(cost, t.TotalPublicEnergyKWh).Round(3),
		AvgMilesPerKWh: domain.Ratio(t.TotalPublicMiles, t.TotalPublicEnergyKWh).Round(2),
		CostPerMile:    domain.Ratio(cost, t.TotalPublicMiles).Round(3),
	}
}

// Purge drops records logged before cutoff.
func (l *Ledger) Purge(cutoff time.Time) int {
	n := l.store.PurgePublicSessions(cutoff)
	if n > 0 {
		l.logger.WithFields(logrus.Fields{"removed": n, "before": cutoff.Format(time.RFC3339)}).Info("ledger: purged public sessions")
	}
	return n
}
