package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/jkaberg/ev-charge-tracker/internal/domain"
	"github.com/shopspring/decimal"
)

// Category groups accumulated totals.
type Category string

const (
	CategoryHome   Category = "home"
	CategoryPublic Category = "public"
	CategoryIdle   Category = "idle"
)

var (
	ErrNegativeDelta = errors.New("store: negative delta")
	ErrEmptyKey      = errors.New("store: empty idempotency key")
)

// PersistenceFailure wraps a backend error. The in-memory state stays
// authoritative and the write is retried on the next mutation.
type PersistenceFailure struct {
	Err error
}

func (e *PersistenceFailure) Error() string {
	return fmt.Sprintf("store: persist failed: %v", e.Err)
}

func (e *PersistenceFailure) Unwrap() error { return e.Err }

// Amounts is both a delta and a running total.
type Amounts struct {
	EnergyKWh float64         `json:"energy_kwh"`
	Cost      decimal.Decimal `json:"cost"`
	Savings   decimal.Decimal `json:"savings"`
	Miles     float64         `json:"miles"`
	Sessions  int64           `json:"sessions"`
}

func (a Amounts) Add(b Amounts) Amounts {
	return Amounts{
		EnergyKWh: a.EnergyKWh + b.EnergyKWh,
		Cost:      a.Cost.Add(b.Cost),
		Savings:   a.Savings.Add(b.Savings),
		Miles:     a.Miles + b.Miles,
		Sessions:  a.Sessions + b.Sessions,
	}
}

func (a Amounts) validate() error {
	switch {
	case math.IsNaN(a.EnergyKWh) || math.IsInf(a.EnergyKWh, 0):
		return fmt.Errorf("%w: energy is not finite", ErrNegativeDelta)
	case a.EnergyKWh < 0:
		return fmt.Errorf("%w: energy %.3f kWh", ErrNegativeDelta, a.EnergyKWh)
	case math.IsNaN(a.Miles) || math.IsInf(a.Miles, 0) || a.Miles < 0:
		return fmt.Errorf("%w: miles %.1f", ErrNegativeDelta, a.Miles)
	case a.Cost.IsNegative():
		return fmt.Errorf("%w: cost %s", ErrNegativeDelta, a.Cost)
	case a.Savings.IsNegative():
		return fmt.Errorf("%w: savings %s", ErrNegativeDelta, a.Savings)
	case a.Sessions < 0:
		return fmt.Errorf("%w: sessions %d", ErrNegativeDelta, a.Sessions)
	}
	return nil
}

// AppliedDelta records one idempotency key and what it did.
type AppliedDelta struct {
	Key       string    `json:"key"`
	Category  Category  `json:"category"`
	Kind      string    `json:"kind"`
	Delta     Amounts   `json:"delta"`
	After     Amounts   `json:"after"`
	AppliedAt time.Time `json:"applied_at"`
}

// PublicSession is one manually logged public charge. Records are never
// edited; they only leave the store through PurgePublicSessions.
type PublicSession struct {
	ID       string          `json:"id"`
	Provider string          `json:"provider"`
	KWh      float64         `json:"kwh"`
	Cost     decimal.Decimal `json:"cost"`
	Miles    float64         `json:"miles"`
	LoggedAt time.Time       `json:"logged_at"`
}

// CycleSnapshot is the last closed cycle of a kind, kept so the per-session
// metrics survive a restart.
type CycleSnapshot struct {
	ID              string          `json:"id"`
	Kind            string          `json:"kind"`
	StartedAt       time.Time       `json:"started_at"`
	EndedAt         time.Time       `json:"ended_at"`
	StartOdometer   float64         `json:"start_odometer"`
	EndOdometer     float64         `json:"end_odometer"`
	StartSoC        float64         `json:"start_soc"`
	EndSoC          float64         `json:"end_soc"`
	EnergyKWh       float64         `json:"energy_kwh"`
	DistanceMiles   float64         `json:"distance_miles"`
	Suspect         bool            `json:"suspect"`
	Cost            decimal.Decimal `json:"cost"`
	Savings         decimal.Decimal `json:"savings"`
	NoSavings       bool            `json:"no_savings"`
	MilesPerKWh     domain.Value    `json:"miles_per_kwh"`
	MilesPerPercent domain.Value    `json:"miles_per_percent_soc"`
}

// State is everything a Backend persists.
type State struct {
	Totals         map[Category]Amounts     `json:"totals"`
	Applied        map[string]AppliedDelta  `json:"applied"`
	PublicSessions []PublicSession          `json:"public_sessions"`
	Snapshots      map[string]CycleSnapshot `json:"snapshots"`
	Resume         json.RawMessage          `json:"resume,omitempty"`
}

func newState() *State {
	return &State{
		Totals:    map[Category]Amounts{},
		Applied:   map[string]AppliedDelta{},
		Snapshots: map[string]CycleSnapshot{},
	}
}

func (s *State) fill() {
	if s.Totals == nil {
		s.Totals = map[Category]Amounts{}
	}
	if s.Applied == nil {
		s.Applied = map[string]AppliedDelta{}
	}
	if s.Snapshots == nil {
		s.Snapshots = map[string]CycleSnapshot{}
	}
}

// apply folds a save into s, in the order SQLite applies it.
func (s *State) apply(ch *Changes) {
	s.fill()
	for k, v := range ch.Totals {
		s.Totals[k] = v
	}
	for _, d := range ch.Applied {
		s.Applied[d.Key] = d
	}
	s.PublicSessions = append(s.PublicSessions, ch.NewSessions...)
	if len(ch.Purged) > 0 {
		purged := make(map[string]bool, len(ch.Purged))
		for _, id := range ch.Purged {
			purged[id] = true
		}
		kept := s.PublicSessions[:0]
		for _, r := range s.PublicSessions {
			if !purged[r.ID] {
				kept = append(kept, r)
			}
		}
		s.PublicSessions = kept
	}
	for k, v := range ch.Snapshots {
		s.Snapshots[k] = v
	}
	if ch.Resume != nil {
		s.Resume = ch.Resume
	}
}

// Changes is one save: the current totals plus whatever was added or
// removed since the last successful save.
type Changes struct {
	Totals      map[Category]Amounts
	Applied     []AppliedDelta
	NewSessions []PublicSession
	Purged      []string
	Snapshots   map[string]CycleSnapshot
	Resume      json.RawMessage
}

func newChanges() *Changes {
	return &Changes{Snapshots: map[string]CycleSnapshot{}}
}

func (c *Changes) empty() bool {
	return len(c.Applied) == 0 && len(c.NewSessions) == 0 && len(c.Purged) == 0 &&
		len(c.Snapshots) == 0 && c.Resume == nil
}

// merge puts later changes on top of c, used when a save of c failed.
func (c *Changes) merge(later *Changes) *Changes {
	c.Applied = append(c.Applied, later.Applied...)
	c.NewSessions = append(c.NewSessions, later.NewSessions...)
	c.Purged = append(c.Purged, later.Purged...)
	for k, v := range later.Snapshots {
		c.Snapshots[k] = v
	}
	if later.Resume != nil {
		c.Resume = later.Resume
	}
	c.Totals = nil
	return c
}

// AccumulatorState is the lifetime totals view handed to readers.
type AccumulatorState struct {
	TotalHomeEnergyKWh   float64            `json:"total_home_energy_kwh"`
	TotalPublicEnergyKWh float64            `json:"total_public_energy_kwh"`
	TotalHomeCost        decimal.Decimal    `json:"total_home_cost"`
	TotalPublicCost      decimal.Decimal    `json:"total_public_cost"`
	TotalHomeSavings     decimal.Decimal    `json:"total_home_savings"`
	TotalIdleLossKWh     float64            `json:"total_idle_loss_kwh"`
	TotalPublicMiles     float64            `json:"total_public_miles"`
	SessionCounts        map[Category]int64 `json:"session_counts"`
}

func (s *State) view() *AccumulatorState {
	home, public, idle := s.Totals[CategoryHome], s.Totals[CategoryPublic], s.Totals[CategoryIdle]
	return &AccumulatorState{
		TotalHomeEnergyKWh:   home.EnergyKWh,
		TotalPublicEnergyKWh: public.EnergyKWh,
		TotalHomeCost:        home.Cost,
		TotalPublicCost:      public.Cost,
		TotalHomeSavings:     home.Savings,
		TotalIdleLossKWh:     idle.EnergyKWh,
		TotalPublicMiles:     public.Miles,
		SessionCounts: map[Category]int64{
			CategoryHome:   home.Sessions,
			CategoryPublic: public.Sessions,
			CategoryIdle:   idle.Sessions,
		},
	}
}
