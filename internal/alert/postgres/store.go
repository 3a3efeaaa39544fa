// Package postgres persists alert events in PostgreSQL and reads them back
// as history and per-device statistics.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/airea/internal/alert"
)

// Schema is the SQL DDL for the cough_events table. Execute it via
// [Store.Migrate] or apply it manually during deployment.
const Schema = `
CREATE TABLE IF NOT EXISTS cough_events (
    event_id       TEXT PRIMARY KEY,
    device_id      TEXT NOT NULL,
    event_type     TEXT NOT NULL DEFAULT 'unknown',
    confidence     DOUBLE PRECISION NOT NULL,
    raw_score      DOUBLE PRECISION NOT NULL DEFAULT 0,
    average_volume DOUBLE PRECISION NOT NULL DEFAULT 0,
    peak_decibel   DOUBLE PRECISION NOT NULL DEFAULT 0,
    occurred_at    TIMESTAMPTZ NOT NULL,
    created_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_cough_events_device_time ON cough_events(device_id, occurred_at DESC);
`

const (
	defaultRecentLimit = 50
	maxRecentLimit     = 1000
)

// DB is the database interface used by [Store]. Both *pgxpool.Pool and
// *pgx.Conn satisfy it.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Stats summarises a device's events over a window.
type Stats struct {
	DeviceID          string           `json:"device_id"`
	Window            string           `json:"window"`
	Total             int64            `json:"total"`
	ByType            map[string]int64 `json:"by_type"`
	AverageConfidence float64          `json:"average_confidence"`
	PerHour           float64          `json:"per_hour"`
	MostCommonType    string           `json:"most_common_type,omitempty"`
}

var _ alert.Sink = (*Store)(nil)

// Store is an alert sink writing each event as one row.
type Store struct {
	db    DB
	pool  *pgxpool.Pool
	name  string
	clock func() time.Time
}

// Option is a functional option for configuring a Store.
type Option func(*Store)

// WithName overrides the sink name. Defaults to "postgres".
func WithName(name string) Option {
	return func(s *Store) { s.name = name }
}

// WithClock replaces time.Now for statistics windows.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.clock = now }
}

// Open connects a pool to dsn, verifies connectivity and applies [Schema].
func Open(ctx context.Context, dsn string, opts ...Option) (*Store, error) {
	if dsn == "" {
		return nil, errors.New("postgres: dsn must not be empty")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	s := New(pool, opts...)
	s.pool = pool
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// New creates a Store over db. The caller is responsible for calling
// [Store.Migrate] before use.
func New(db DB, opts ...Option) *Store {
	s := &Store{db: db, name: "postgres", clock: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Migrate executes the [Schema] DDL.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("postgres: migrate: %w", err)
	}
	return nil
}

// Name implements alert.Sink.
func (s *Store) Name() string { return s.name }

// Dispatch implements alert.Dispatcher. Re-delivering the same event ID is
// a no-op.
func (s *Store) Dispatch(ctx context.Context, ev alert.Event) error {
	const query = `
		INSERT INTO cough_events (
			event_id, device_id, event_type, confidence, raw_score,
			average_volume, peak_decibel, occurred_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (event_id) DO NOTHING`

	_, err := s.db.Exec(ctx, query,
		ev.EventID, ev.DeviceID, ev.EventType, ev.Confidence, ev.RawScore,
		ev.AverageVolume, ev.PeakDecibel, ev.Time().UTC(),
	)
	if err != nil {
		return fmt.Errorf("postgres: insert event %s: %w", ev.EventID, err)
	}
	return nil
}

// Recent returns up to limit of the device's most recent events, newest
// first. A non-positive limit selects the default of 50.
func (s *Store) Recent(ctx context.Context, deviceID string, limit int) ([]alert.Event, error) {
	if limit <= 0 {
		limit = defaultRecentLimit
	}
	limit = min(limit, maxRecentLimit)

	const query = `
		SELECT event_id, device_id, event_type, confidence, raw_score,
		       average_volume, peak_decibel, occurred_at
		FROM cough_events
		WHERE device_id = $1
		ORDER BY occurred_at DESC
		LIMIT $2`

	rows, err := s.db.Query(ctx, query, deviceID, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: recent: %w", err)
	}
	defer rows.Close()

	var events []alert.Event
	for rows.Next() {
		var (
			ev alert.Event
			at time.Time
		)
		if err := rows.Scan(&ev.EventID, &ev.DeviceID, &ev.EventType, &ev.Confidence, &ev.RawScore,
			&ev.AverageVolume, &ev.PeakDecibel, &at); err != nil {
			return nil, fmt.Errorf("postgres: recent: scan: %w", err)
		}
		ev.Timestamp = at.UnixMilli()
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: recent: %w", err)
	}
	return events, nil
}

// Stats aggregates the device's events from now-window until now.
func (s *Store) Stats(ctx context.Context, deviceID string, window time.Duration) (Stats, error) {
	if window <= 0 {
		return Stats{}, fmt.Errorf("postgres: stats: window must be positive, got %s", window)
	}
	since := s.clock().Add(-window).UTC()

	const query = `
		SELECT event_type, count(*), avg(confidence)
		FROM cough_events
		WHERE device_id = $1 AND occurred_at >= $2
		GROUP BY event_type`

	rows, err := s.db.Query(ctx, query, deviceID, since)
	if err != nil {
		return Stats{}, fmt.Errorf("postgres: stats: %w", err)
	}
	defer rows.Close()

	st := Stats{DeviceID: deviceID, Window: window.String(), ByType: map[string]int64{}}
	var weighted float64
	var best int64
	for rows.Next() {
		var (
			typ   string
			count int64
			avg   float64
		)
		if err := rows.Scan(&typ, &count, &avg); err != nil {
			return Stats{}, fmt.Errorf("postgres: stats: scan: %w", err)
		}
		st.ByType[typ] = count
		st.Total += count
		weighted += avg * float64(count)
		if count > best || (count == best && typ < st.MostCommonType) {
			best, st.MostCommonType = count, typ
		}
	}
	if err := rows.Err(); err != nil {
		return Stats{}, fmt.Errorf("postgres: stats: %w", err)
	}
	if st.Total > 0 {
		st.AverageConfidence = alert.Round3(weighted / float64(st.Total))
	}
	st.PerHour = float64(st.Total) / window.Hours()
	return st, nil
}

// Ping checks database connectivity. Stores built with [New] report nil
// unless db supports Ping.
func (s *Store) Ping(ctx context.Context) error {
	p, ok := s.db.(interface{ Ping(context.Context) error })
	if !ok {
		return nil
	}
	if err := p.Ping(ctx); err != nil {
		return fmt.Errorf("postgres: ping: %w", err)
	}
	return nil
}

// Close releases the pool opened by [Open]. It is a no-op for stores built
// with [New].
func (s *Store) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}
