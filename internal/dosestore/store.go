// Package dosestore records finalized doses in PostgreSQL. It is the
// storage delegate the session engine hands finished doses to.
package dosestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/chaz8081/podlink/internal/pod"
)

const schema = `
CREATE TABLE IF NOT EXISTS doses (
	id               UUID PRIMARY KEY,
	kind             TEXT NOT NULL,
	start_time       TIMESTAMPTZ NOT NULL,
	end_time         TIMESTAMPTZ NOT NULL,
	programmed_units DOUBLE PRECISION NOT NULL,
	delivered_units  DOUBLE PRECISION NOT NULL,
	rate             DOUBLE PRECISION NOT NULL,
	automatic        BOOLEAN NOT NULL,
	recorded_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS doses_start_time_idx ON doses (start_time);
CREATE TABLE IF NOT EXISTS dose_sync (
	id        SMALLINT PRIMARY KEY,
	last_sync TIMESTAMPTZ NOT NULL
);
`

// Store writes doses to a PostgreSQL database.
type Store struct {
	db *sql.DB
}

// New wraps an open database handle.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Open connects to dsn and verifies the connection.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("dosestore: open: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("dosestore: ping: %w", classify(err))
	}
	return &Store{db: db}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Migrate creates the tables if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("dosestore: migrate: %w", classify(err))
	}
	return nil
}

// RecordDoses stores doses and the sync time in one transaction. Doses
// already stored are skipped, so a retried batch is harmless.
func (s *Store) RecordDoses(ctx context.Context, doses []pod.FinalizedDose, syncTime time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("dosestore: begin tx: %w", classify(err))
	}
	defer tx.Rollback()

	const insert = `
		INSERT INTO doses (id, kind, start_time, end_time, programmed_units, delivered_units, rate, automatic)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (id) DO NOTHING
	`
	for _, d := range doses {
		if _, err := tx.ExecContext(ctx, insert,
			d.ID,
			d.Kind.String(),
			d.StartTime,
			d.EndTime,
			d.ProgrammedUnits,
			d.DeliveredUnits,
			d.Rate,
			d.Automatic,
		); err != nil {
			return fmt.Errorf("dosestore: insert dose %s: %w", d.ID, classify(err))
		}
	}

	const sync = `
		INSERT INTO dose_sync (id, last_sync) VALUES (1, $1)
		ON CONFLICT (id) DO UPDATE SET last_sync = EXCLUDED.last_sync
	`
	if _, err := tx.ExecContext(ctx, sync, syncTime); err != nil {
		return fmt.Errorf("dosestore: update sync time: %w", classify(err))
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("dosestore: commit: %w", classify(err))
	}
	return nil
}

// ListDoses returns doses that started at or after since, oldest first. An
// empty kinds list matches every kind.
func (s *Store) ListDoses(ctx context.Context, since time.Time, kinds ...pod.DoseKind) ([]pod.FinalizedDose, error) {
	names := make([]string, len(kinds))
	for i, k := range kinds {
		names[i] = k.String()
	}
	const query = `
		SELECT id, kind, start_time, end_time, programmed_units, delivered_units, rate, automatic
		FROM doses
		WHERE start_time >= $1 AND (cardinality($2::text[]) = 0 OR kind = ANY($2))
		ORDER BY start_time
	`
	rows, err := s.db.QueryContext(ctx, query, since, pq.Array(names))
	if err != nil {
		return nil, fmt.Errorf("dosestore: list doses: %w", classify(err))
	}
	defer rows.Close()

	var out []pod.FinalizedDose
	for rows.Next() {
		var (
			d    pod.FinalizedDose
			id   uuid.UUID
			kind string
		)
		if err := rows.Scan(&id, &kind, &d.StartTime, &d.EndTime, &d.ProgrammedUnits, &d.DeliveredUnits, &d.Rate, &d.Automatic); err != nil {
			return nil, fmt.Errorf("dosestore: scan dose: %w", err)
		}
		if err := d.Kind.UnmarshalText([]byte(kind)); err != nil {
			return nil, fmt.Errorf("dosestore: dose %s: %w", id, err)
		}
		d.ID = id
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dosestore: list doses: %w", err)
	}
	return out, nil
}

// LastSync returns the sync time of the last stored batch, or the zero
// time when nothing was stored yet.
func (s *Store) LastSync(ctx context.Context) (time.Time, error) {
	var t time.Time
	err := s.db.QueryRowContext(ctx, `SELECT last_sync FROM dose_sync WHERE id = 1`).Scan(&t)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("dosestore: last sync: %w", classify(err))
	}
	return t, nil
}

// ErrUnavailable marks failures caused by a lost or refused connection.
var ErrUnavailable = errors.New("dosestore: database unavailable")

// classify tags connection-class server errors with ErrUnavailable.
func classify(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code.Class() == "08" {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return err
}
