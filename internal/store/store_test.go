package store

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openMemory(t *testing.T) (*Store, *MemoryBackend) {
	t.Helper()
	logger, _ := test.NewNullLogger()
	backend := NewMemoryBackend()
	s, err := Open(context.Background(), backend, logger)
	require.NoError(t, err)
	return s, backend
}

func openSQLite(t *testing.T, path string) *Store {
	t.Helper()
	logger, _ := test.NewNullLogger()
	backend, err := OpenSQLite(path)
	require.NoError(t, err)
	s, err := Open(context.Background(), backend, logger)
	require.NoError(t, err)
	return s
}

func home(kwh float64, cost, savings string) Amounts {
	return Amounts{
		EnergyKWh: kwh,
		Cost:      decimal.RequireFromString(cost),
		Savings:   decimal.RequireFromString(savings),
		Sessions:  1,
	}
}

func TestApplyDeltaIsIdempotent(t *testing.T) {
	s, _ := openMemory(t)

	first, err := s.ApplyDelta(CategoryHome, "charge", home(100, "7.00", "23.00"), "charge:a")
	require.NoError(t, err)
	assert.False(t, first.Duplicate)
	assert.InDelta(t, 100.0, first.After.EnergyKWh, 1e-9)

	again, err := s.ApplyDelta(CategoryHome, "charge", home(100, "7.00", "23.00"), "charge:a")
	require.NoError(t, err)
	assert.True(t, again.Duplicate)
	assert.Equal(t, first.AppliedDelta, again.AppliedDelta)

	totals := s.Totals()
	assert.InDelta(t, 100.0, totals.TotalHomeEnergyKWh, 1e-9)
	assert.True(t, decimal.RequireFromString("7").Equal(totals.TotalHomeCost))
	assert.Equal(t, int64(1), totals.SessionCounts[CategoryHome])
}

func TestApplyDeltaRejectsInvalidInput(t *testing.T) {
	s, _ := openMemory(t)

	tests := []struct {
		name   string
		amount Amounts
		key    string
		want   error
	}{
		{"negative energy", Amounts{EnergyKWh: -1}, "k1", ErrNegativeDelta},
		{"negative cost", Amounts{Cost: decimal.NewFromInt(-1)}, "k2", ErrNegativeDelta},
		{"negative savings", Amounts{Savings: decimal.NewFromInt(-1)}, "k3", ErrNegativeDelta},
		{"negative sessions", Amounts{Sessions: -1}, "k4", ErrNegativeDelta},
		{"empty key", Amounts{EnergyKWh: 1}, "", ErrEmptyKey},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.ApplyDelta(CategoryHome, "charge", tt.amount, tt.key)
			assert.ErrorIs(t, err, tt.want)
		})
	}
	assert.Zero(t, s.Totals().TotalHomeEnergyKWh)

	// a rejected key can still be applied later with valid amounts
	_, err := s.ApplyDelta(CategoryHome, "charge", Amounts{EnergyKWh: 1}, "k1")
	require.NoError(t, err)
	assert.InDelta(t, 1.0, s.Totals().TotalHomeEnergyKWh, 1e-9)
}

func TestRestartReplayDoesNotDoubleCount(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tracker.db")
	ctx := context.Background()

	s := openSQLite(t, path)
	_, err := s.ApplyDelta(CategoryHome, "charge", home(100, "7.00", "23.00"), "charge:a")
	require.NoError(t, err)
	s.SetResume(json.RawMessage(`{"mode":"idle"}`))
	require.NoError(t, s.Close(ctx))

	reopened := openSQLite(t, path)
	defer reopened.Close(ctx)

	assert.InDelta(t, 100.0, reopened.Persisted().TotalHomeEnergyKWh, 1e-9)
	res, err := reopened.ApplyDelta(CategoryHome, "charge", home(100, "7.00", "23.00"), "charge:a")
	require.NoError(t, err)
	assert.True(t, res.Duplicate)
	assert.InDelta(t, 100.0, reopened.Totals().TotalHomeEnergyKWh, 1e-9)
	assert.True(t, decimal.RequireFromString("23").Equal(reopened.Totals().TotalHomeSavings))
	assert.JSONEq(t, `{"mode":"idle"}`, string(reopened.Resume()))
}

func TestPublicSessionsPersistAndPurgeKeepsTotals(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tracker.db")
	ctx := context.Background()
	day := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	s := openSQLite(t, path)
	for i, id := range []string{"old", "new"} {
		_, err := s.RecordPublicSession(PublicSession{
			ID:       id,
			Provider: "ChargePoint",
			KWh:      15.5,
			Cost:     decimal.RequireFromString("3.00"),
			Miles:    25,
			LoggedAt: day.AddDate(0, 0, i*10),
		})
		require.NoError(t, err)
	}
	dup, err := s.RecordPublicSession(PublicSession{ID: "old", Provider: "ChargePoint", KWh: 15.5, LoggedAt: day})
	require.NoError(t, err)
	assert.True(t, dup.Duplicate)
	assert.Len(t, s.PublicSessions(), 2)

	assert.Equal(t, 1, s.PurgePublicSessions(day.AddDate(0, 0, 5)))
	require.NoError(t, s.Close(ctx))

	reopened := openSQLite(t, path)
	defer reopened.Close(ctx)

	sessions := reopened.PublicSessions()
	require.Len(t, sessions, 1)
	assert.Equal(t, "new", sessions[0].ID)
	assert.True(t, decimal.RequireFromString("3").Equal(sessions[0].Cost))

	totals := reopened.Totals()
	assert.InDelta(t, 31.0, totals.TotalPublicEnergyKWh, 1e-9)
	assert.True(t, decimal.RequireFromString("6").Equal(totals.TotalPublicCost))
	assert.Equal(t, int64(2), totals.SessionCounts[CategoryPublic])
}

func TestSnapshotsSurviveRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tracker.db")
	ctx := context.Background()

	s := openSQLite(t, path)
	s.SetSnapshot(CycleSnapshot{ID: "c1", Kind: "charge", EnergyKWh: 12.5, Cost: decimal.RequireFromString("0.88")})
	require.NoError(t, s.Close(ctx))

	reopened := openSQLite(t, path)
	defer reopened.Close(ctx)
	snap, ok := reopened.Snapshot("charge")
	require.True(t, ok)
	assert.Equal(t, "c1", snap.ID)
	assert.InDelta(t, 12.5, snap.EnergyKWh, 1e-9)
	_, ok = reopened.Snapshot("drive")
	assert.False(t, ok)
}

type flakyBackend struct {
	MemoryBackend
	mu   sync.Mutex
	fail error
}

func (f *flakyBackend) Save(ctx context.Context, ch *Changes) error {
	f.mu.Lock()
	err := f.fail
	f.mu.Unlock()
	if err != nil {
		return err
	}
	return f.MemoryBackend.Save(ctx, ch)
}

func (f *flakyBackend) setFail(err error) {
	f.mu.Lock()
	f.fail = err
	f.mu.Unlock()
}

func TestPersistenceFailureKeepsMemoryAuthoritative(t *testing.T) {
	logger, _ := test.NewNullLogger()
	backend := &flakyBackend{}
	s, err := Open(context.Background(), backend, logger)
	require.NoError(t, err)

	diskFull := errors.New("disk full")
	backend.setFail(diskFull)

	_, err = s.ApplyDelta(CategoryIdle, "idle", Amounts{EnergyKWh: 0.4, Sessions: 1}, "idle:a")
	require.NoError(t, err)

	err = s.Flush(context.Background())
	var failure *PersistenceFailure
	require.ErrorAs(t, err, &failure)
	assert.ErrorIs(t, err, diskFull)

	assert.InDelta(t, 0.4, s.Totals().TotalIdleLossKWh, 1e-9)
	assert.Zero(t, s.Persisted().TotalIdleLossKWh)

	_, err = s.ApplyDelta(CategoryIdle, "idle", Amounts{EnergyKWh: 0.1, Sessions: 1}, "idle:b")
	require.NoError(t, err)

	backend.setFail(nil)
	require.NoError(t, s.Flush(context.Background()))
	assert.InDelta(t, 0.5, s.Persisted().TotalIdleLossKWh, 1e-9)

	// both keys, including the one from the failed write, reached the backend
	reopened, err := Open(context.Background(), &backend.MemoryBackend, logger)
	require.NoError(t, err)
	for _, key := range []string{"idle:a", "idle:b"} {
		res, err := reopened.ApplyDelta(CategoryIdle, "idle", Amounts{EnergyKWh: 1}, key)
		require.NoError(t, err)
		assert.True(t, res.Duplicate, key)
	}
}

type recordingBackend struct {
	MemoryBackend
	saved []*Changes
}

func (r *recordingBackend) Save(ctx context.Context, ch *Changes) error {
	r.saved = append(r.saved, ch)
	return r.MemoryBackend.Save(ctx, ch)
}

func TestSaveWritesOnlyWhatChanged(t *testing.T) {
	logger, _ := test.NewNullLogger()
	backend := &recordingBackend{}
	s, err := Open(context.Background(), backend, logger)
	require.NoError(t, err)
	ctx := context.Background()
	day := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	_, err = s.ApplyDelta(CategoryHome, "charge", home(10, "0.70", "2.30"), "charge:a")
	require.NoError(t, err)
	_, err = s.RecordPublicSession(PublicSession{ID: "p1", Provider: "Pod Point", KWh: 8, LoggedAt: day})
	require.NoError(t, err)
	s.SetResume(json.RawMessage(`{"n":1}`))
	require.NoError(t, s.Flush(ctx))

	s.SetResume(json.RawMessage(`{"n":2}`))
	require.NoError(t, s.Flush(ctx))

	_, err = s.ApplyDelta(CategoryHome, "charge", home(5, "0.35", "1.15"), "charge:b")
	require.NoError(t, err)
	assert.Equal(t, 1, s.PurgePublicSessions(day.Add(time.Hour)))
	require.NoError(t, s.Flush(ctx))

	require.Len(t, backend.saved, 3)
	first, resumeOnly, last := backend.saved[0], backend.saved[1], backend.saved[2]
	assert.Len(t, first.Applied, 2)
	assert.Len(t, first.NewSessions, 1)

	assert.Empty(t, resumeOnly.Applied)
	assert.Empty(t, resumeOnly.NewSessions)
	assert.JSONEq(t, `{"n":2}`, string(resumeOnly.Resume))

	require.Len(t, last.Applied, 1)
	assert.Equal(t, "charge:b", last.Applied[0].Key)
	assert.Empty(t, last.NewSessions)
	assert.Equal(t, []string{"p1"}, last.Purged)
	assert.Nil(t, last.Resume)
	assert.InDelta(t, 15.0, last.Totals[CategoryHome].EnergyKWh, 1e-9)

	reopened, err := Open(ctx, &backend.MemoryBackend, logger)
	require.NoError(t, err)
	assert.Empty(t, reopened.PublicSessions())
	assert.InDelta(t, 15.0, reopened.Totals().TotalHomeEnergyKWh, 1e-9)
	assert.JSONEq(t, `{"n":2}`, string(reopened.Resume()))
}

func TestFlushWithoutChangesDoesNotWrite(t *testing.T) {
	s, backend := openMemory(t)
	require.NoError(t, s.Flush(context.Background()))
	assert.Zero(t, backend.Saves())
}

func TestRunFlushesUrgentChanges(t *testing.T) {
	s, backend := openMemory(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx, time.Hour) }()

	_, err := s.ApplyDelta(CategoryHome, "charge", home(10, "0.70", "2.30"), "charge:b")
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return backend.Saves() > 0 && s.Persisted().TotalHomeEnergyKWh == 10
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}
