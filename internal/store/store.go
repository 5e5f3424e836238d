package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// Backend persists the store state. Save receives only what changed since
// the previous successful Save and must apply it atomically.
type Backend interface {
	Load(ctx context.Context) (*State, error)
	Save(ctx context.Context, ch *Changes) error
	Close() error
}

// Result describes the outcome of an ApplyDelta call. A duplicate key
// returns the result recorded the first time, with Duplicate set.
type Result struct {
	AppliedDelta
	Duplicate bool
}

// Store owns the accumulators. Mutations are serialised by one mutex and
// written out by a background flusher; readers of the persisted totals never
// block on either.
type Store struct {
	backend Backend
	logger  *logrus.Logger
	now     func() time.Time

	mu      sync.Mutex
	state   *State
	pending *Changes

	saveMu    sync.Mutex
	persisted atomic.Pointer[AccumulatorState]
	kick      chan struct{}
}

// Open loads the persisted state from backend, starting empty on first run.
func Open(ctx context.Context, backend Backend, logger *logrus.Logger) (*Store, error) {
	st, err := backend.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("store: load: %w", err)
	}
	if st == nil {
		st = newState()
	}
	st.fill()

	s := &Store{
		backend: backend,
		logger:  logger,
		now:     time.Now,
		state:   st,
		pending: newChanges(),
		kick:    make(chan struct{}, 1),
	}
	s.persisted.Store(st.view())

	logger.WithFields(logrus.Fields{
		"applied_keys":    len(st.Applied),
		"public_sessions": len(st.PublicSessions),
	}).Info("store: loaded")
	return s, nil
}

// ApplyDelta adds amounts to category exactly once per key.
func (s *Store) ApplyDelta(category Category, kind string, amounts Amounts, key string) (Result, error) {
	if key == "" {
		return Result{}, ErrEmptyKey
	}
	if err := amounts.validate(); err != nil {
		return Result{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	res := s.applyLocked(category, kind, amounts, key)
	if !res.Duplicate {
		s.wake()
	}
	return res, nil
}

func (s *Store) applyLocked(category Category, kind string, amounts Amounts, key string) Result {
	if prior, ok := s.state.Applied[key]; ok {
		return Result{AppliedDelta: prior, Duplicate: true}
	}
	after := s.state.Totals[category].Add(amounts)
	rec := AppliedDelta{
		Key:       key,
		Category:  category,
		Kind:      kind,
		Delta:     amounts,
		After:     after,
		AppliedAt: s.now(),
	}
	s.state.Totals[category] = after
	s.state.Applied[key] = rec
	s.pending.Applied = append(s.pending.Applied, rec)
	return Result{AppliedDelta: rec}
}

// RecordPublicSession appends rec and adds it to the public totals in one
// step. Recording the same ID twice changes nothing.
func (s *Store) RecordPublicSession(rec PublicSession) (Result, error) {
	if rec.ID == "" {
		return Result{}, ErrEmptyKey
	}
	delta := Amounts{EnergyKWh: rec.KWh, Cost: rec.Cost, Miles: rec.Miles, Sessions: 1}
	if err := delta.validate(); err != nil {
		return Result{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	res := s.applyLocked(CategoryPublic, "public_session", delta, PublicSessionKey(rec.ID))
	if res.Duplicate {
		return res, nil
	}
	s.state.PublicSessions = append(s.state.PublicSessions, rec)
	s.pending.NewSessions = append(s.pending.NewSessions, rec)
	s.wake()
	return res, nil
}

// PublicSessionKey is the idempotency key a public session is applied under.
func PublicSessionKey(id string) string { return "public:" + id }

// PublicSessions returns the records ordered by log time.
func (s *Store) PublicSessions() []PublicSession {
	s.mu.Lock()
	out := append([]PublicSession(nil), s.state.PublicSessions...)
	s.mu.Unlock()

	sort.SliceStable(out, func(i, j int) bool { return out[i].LoggedAt.Before(out[j].LoggedAt) })
	return out
}

// PurgePublicSessions removes records logged before cutoff. Totals are left
// untouched.
func (s *Store) PurgePublicSessions(cutoff time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.state.PublicSessions[:0]
	for _, r := range s.state.PublicSessions {
		if !r.LoggedAt.Before(cutoff) {
			kept = append(kept, r)
		} else {
			s.pending.Purged = append(s.pending.Purged, r.ID)
		}
	}
	removed := len(s.state.PublicSessions) - len(kept)
	s.state.PublicSessions = kept
	if removed > 0 {
		s.wake()
	}
	return removed
}

func (s *Store) SetSnapshot(snap CycleSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Snapshots[snap.Kind] = snap
	s.pending.Snapshots[snap.Kind] = snap
}

func (s *Store) Snapshot(kind string) (CycleSnapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.state.Snapshots[kind]
	return snap, ok
}

// SetResume stores the engine's opaque resume blob. It is written with the
// next flush rather than immediately.
func (s *Store) SetResume(blob json.RawMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Resume = append(json.RawMessage(nil), blob...)
	s.pending.Resume = s.state.Resume
}

func (s *Store) Resume() json.RawMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append(json.RawMessage(nil), s.state.Resume...)
}

// Totals returns the live in-memory totals.
func (s *Store) Totals() *AccumulatorState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.view()
}

// Persisted returns the totals as of the last successful write.
func (s *Store) Persisted() *AccumulatorState {
	return s.persisted.Load()
}

// Flush writes any pending changes and returns once they are durable.
func (s *Store) Flush(ctx context.Context) error {
	return s.persist(ctx)
}

func (s *Store) persist(ctx context.Context) error {
	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	s.mu.Lock()
	if s.pending.empty() {
		s.mu.Unlock()
		return nil
	}
	ch := s.pending
	ch.Totals = make(map[Category]Amounts, len(s.state.Totals))
	for k, v := range s.state.Totals {
		ch.Totals[k] = v
	}
	s.pending = newChanges()
	s.mu.Unlock()

	if err := s.backend.Save(ctx, ch); err != nil {
		s.mu.Lock()
		s.pending = ch.merge(s.pending)
		s.mu.Unlock()
		return &PersistenceFailure{Err: err}
	}
	persisted := &State{Totals: ch.Totals}
	s.persisted.Store(persisted.view())
	return nil
}

// wake asks the flusher to write now. Snapshot and resume changes skip it
// and wait for the next tick.
func (s *Store) wake() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// Run is the background flusher. It writes on every urgent mutation and on
// each tick, and retries failed writes the same way.
func (s *Store) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.kick:
		case <-ticker.C:
		}
		if err := s.persist(ctx); err != nil {
			s.logger.WithError(err).Warn("store: flush failed, will retry")
		}
	}
}

// Close flushes pending state and closes the backend.
func (s *Store) Close(ctx context.Context) error {
	flushErr := s.Flush(ctx)
	if err := s.backend.Close(); err != nil {
		return fmt.Errorf("store: close backend: %w", err)
	}
	return flushErr
}
