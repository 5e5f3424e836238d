package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
)

const schema = `
CREATE TABLE IF NOT EXISTS accumulators (
	category   TEXT PRIMARY KEY,
	energy_kwh REAL NOT NULL,
	cost       TEXT NOT NULL,
	savings    TEXT NOT NULL,
	miles      REAL NOT NULL DEFAULT 0,
	sessions   INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS applied_deltas (
	delta_key    TEXT PRIMARY KEY,
	category     TEXT NOT NULL,
	kind         TEXT NOT NULL,
	delta        TEXT NOT NULL,
	totals_after TEXT NOT NULL,
	applied_at   TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS public_sessions (
	id        TEXT PRIMARY KEY,
	provider  TEXT NOT NULL,
	kwh       REAL NOT NULL,
	cost      TEXT NOT NULL,
	miles     REAL NOT NULL,
	logged_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_public_sessions_logged_at ON public_sessions(logged_at);

CREATE TABLE IF NOT EXISTS cycle_snapshots (
	kind TEXT PRIMARY KEY,
	data TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS resume_state (
	id   INTEGER PRIMARY KEY CHECK (id = 1),
	data TEXT NOT NULL
);
`

// SQLiteBackend stores the state in a single SQLite file. Each save writes
// the totals and only the rows that changed since the previous one.
type SQLiteBackend struct {
	db *sql.DB
}

// OpenSQLite opens (and migrates) the database at path.
func OpenSQLite(path string) (*SQLiteBackend, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// one writer; the store already serialises saves
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return &SQLiteBackend{db: db}, nil
}

func (b *SQLiteBackend) Close() error {
	return b.db.Close()
}

func (b *SQLiteBackend) Load(ctx context.Context) (*State, error) {
	st := newState()

	rows, err := b.db.QueryContext(ctx, `SELECT category, energy_kwh, cost, savings, miles, sessions FROM accumulators`)
	if err != nil {
		return nil, fmt.Errorf("query accumulators: %w", err)
	}
	for rows.Next() {
		var (
			cat           string
			a             Amounts
			cost, savings string
		)
		if err := rows.Scan(&cat, &a.EnergyKWh, &cost, &savings, &a.Miles, &a.Sessions); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan accumulator: %w", err)
		}
		if a.Cost, err = decimal.NewFromString(cost); err != nil {
			rows.Close()
			return nil, fmt.Errorf("accumulator %s cost: %w", cat, err)
		}
		if a.Savings, err = decimal.NewFromString(savings); err != nil {
			rows.Close()
			return nil, fmt.Errorf("accumulator %s savings: %w", cat, err)
		}
		st.Totals[Category(cat)] = a
	}
	if err := closeRows(rows); err != nil {
		return nil, err
	}

	rows, err = b.db.QueryContext(ctx, `SELECT delta_key, category, kind, delta, totals_after, applied_at FROM applied_deltas`)
	if err != nil {
		return nil, fmt.Errorf("query applied deltas: %w", err)
	}
	for rows.Next() {
		var (
			d                 AppliedDelta
			cat, delta, after string
			appliedAt         string
		)
		if err := rows.Scan(&d.Key, &cat, &d.Kind, &delta, &after, &appliedAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan applied delta: %w", err)
		}
		d.Category = Category(cat)
		if err := json.Unmarshal([]byte(delta), &d.Delta); err != nil {
			rows.Close()
			return nil, fmt.Errorf("applied delta %s: %w", d.Key, err)
		}
		if err := json.Unmarshal([]byte(after), &d.After); err != nil {
			rows.Close()
			return nil, fmt.Errorf("applied delta %s: %w", d.Key, err)
		}
		d.AppliedAt, _ = time.Parse(time.RFC3339Nano, appliedAt)
		st.Applied[d.Key] = d
	}
	if err := closeRows(rows); err != nil {
		return nil, err
	}

	rows, err = b.db.QueryContext(ctx, `SELECT id, provider, kwh, cost, miles, logged_at FROM public_sessions ORDER BY logged_at`)
	if err != nil {
		return nil, fmt.Errorf("query public sessions: %w", err)
	}
	for rows.Next() {
		var (
			r              PublicSession
			cost, loggedAt string
		)
		if err := rows.Scan(&r.ID, &r.Provider, &r.KWh, &cost, &r.Miles, &loggedAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan public session: %w", err)
		}
		if r.Cost, err = decimal.NewFromString(cost); err != nil {
			rows.Close()
			return nil, fmt.Errorf("public session %s cost: %w", r.ID, err)
		}
		if r.LoggedAt, err = time.Parse(time.RFC3339Nano, loggedAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("public session %s time: %w", r.ID, err)
		}
		st.PublicSessions = append(st.PublicSessions, r)
	}
	if err := closeRows(rows); err != nil {
		return nil, err
	}

	rows, err = b.db.QueryContext(ctx, `SELECT kind, data FROM cycle_snapshots`)
	if err != nil {
		return nil, fmt.Errorf("query snapshots: %w", err)
	}
	for rows.Next() {
		var kind, data string
		if err := rows.Scan(&kind, &data); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		var snap CycleSnapshot
		if err := json.Unmarshal([]byte(data), &snap); err != nil {
			rows.Close()
			return nil, fmt.Errorf("snapshot %s: %w", kind, err)
		}
		st.Snapshots[kind] = snap
	}
	if err := closeRows(rows); err != nil {
		return nil, err
	}

	var resume string
	err = b.db.QueryRowContext(ctx, `SELECT data FROM resume_state WHERE id = 1`).Scan(&resume)
	switch {
	case err == sql.ErrNoRows:
	case err != nil:
		return nil, fmt.Errorf("query resume state: %w", err)
	default:
		st.Resume = json.RawMessage(resume)
	}
	return st, nil
}

func (b *SQLiteBackend) Save(ctx context.Context, ch *Changes) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	for cat, a := range ch.Totals {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO accumulators (category, energy_kwh, cost, savings, miles, sessions)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(category) DO UPDATE SET
				energy_kwh = excluded.energy_kwh,
				cost = excluded.cost,
				savings = excluded.savings,
				miles = excluded.miles,
				sessions = excluded.sessions`,
			string(cat), a.EnergyKWh, a.Cost.String(), a.Savings.String(), a.Miles, a.Sessions); err != nil {
			return fmt.Errorf("save accumulator %s: %w", cat, err)
		}
	}

	for _, d := range ch.Applied {
		delta, err := json.Marshal(d.Delta)
		if err != nil {
			return err
		}
		after, err := json.Marshal(d.After)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO applied_deltas (delta_key, category, kind, delta, totals_after, applied_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			d.Key, string(d.Category), d.Kind, string(delta), string(after),
			d.AppliedAt.UTC().Format(time.RFC3339Nano)); err != nil {
			return fmt.Errorf("save applied delta %s: %w", d.Key, err)
		}
	}

	for _, r := range ch.NewSessions {
		if _, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO public_sessions (id, provider, kwh, cost, miles, logged_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			r.ID, r.Provider, r.KWh, r.Cost.String(), r.Miles,
			r.LoggedAt.UTC().Format(time.RFC3339Nano)); err != nil {
			return fmt.Errorf("save public session %s: %w", r.ID, err)
		}
	}
	for _, id := range ch.Purged {
		if _, err := tx.ExecContext(ctx, `DELETE FROM public_sessions WHERE id = ?`, id); err != nil {
			return fmt.Errorf("purge public session %s: %w", id, err)
		}
	}

	for kind, snap := range ch.Snapshots {
		data, err := json.Marshal(snap)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO cycle_snapshots (kind, data) VALUES (?, ?)
			ON CONFLICT(kind) DO UPDATE SET data = excluded.data`,
			kind, string(data)); err != nil {
			return fmt.Errorf("save snapshot %s: %w", kind, err)
		}
	}

	if ch.Resume != nil {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO resume_state (id, data) VALUES (1, ?)
			ON CONFLICT(id) DO UPDATE SET data = excluded.data`,
			string(ch.Resume)); err != nil {
			return fmt.Errorf("save resume state: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func closeRows(rows *sql.Rows) error {
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	return rows.Close()
}
