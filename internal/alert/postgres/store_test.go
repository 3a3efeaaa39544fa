package postgres

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/MrWong99/airea/internal/alert"
)

// mockRows implements pgx.Rows over in-memory data.
type mockRows struct {
	data   [][]any
	idx    int
	err    error
	closed bool
}

func (r *mockRows) Close()                                       { r.closed = true }
func (r *mockRows) Err() error                                   { return r.err }
func (r *mockRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *mockRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *mockRows) RawValues() [][]byte                          { return nil }
func (r *mockRows) Conn() *pgx.Conn                              { return nil }
func (r *mockRows) Values() ([]any, error)                       { return nil, nil }

func (r *mockRows) Next() bool {
	if r.idx >= len(r.data) {
		return false
	}
	r.idx++
	return true
}

func (r *mockRows) Scan(dest ...any) error {
	row := r.data[r.idx-1]
	if len(dest) != len(row) {
		return fmt.Errorf("scan: expected %d columns, got %d destinations", len(row), len(dest))
	}
	for i, v := range row {
		switch d := dest[i].(type) {
		case *string:
			*d = v.(string)
		case *float64:
			*d = v.(float64)
		case *int64:
			*d = v.(int64)
		case *time.Time:
			*d = v.(time.Time)
		default:
			return fmt.Errorf("scan: unsupported type at index %d: %T", i, dest[i])
		}
	}
	return nil
}

type execCall struct {
	sql  string
	args []any
}

// mockDB implements DB and records calls.
type mockDB struct {
	execs   []execCall
	queries []execCall
	rows    *mockRows
	execErr error
}

func (m *mockDB) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	m.execs = append(m.execs, execCall{sql, args})
	return pgconn.CommandTag{}, m.execErr
}

func (m *mockDB) Query(_ context.Context, sql string, args ...any) (pgx.Rows, error) {
	m.queries = append(m.queries, execCall{sql, args})
	if m.rows == nil {
		return nil, errors.New("no rows configured")
	}
	return m.rows, nil
}

func (m *mockDB) QueryRow(context.Context, string, ...any) pgx.Row { return nil }

func TestStore_Migrate(t *testing.T) {
	t.Parallel()
	db := &mockDB{}
	if err := New(db).Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	if len(db.execs) != 1 || db.execs[0].sql != Schema {
		t.Errorf("execs = %v", db.execs)
	}

	db.execErr = errors.New("permission denied")
	if err := New(db).Migrate(context.Background()); err == nil || !strings.Contains(err.Error(), "migrate") {
		t.Errorf("Migrate = %v", err)
	}
}

func TestStore_Dispatch(t *testing.T) {
	t.Parallel()
	db := &mockDB{}
	s := New(db)
	ev := alert.Event{
		EventID: "e1", DeviceID: "d1", EventType: "unknown", Confidence: 0.8,
		RawScore: 0.79, AverageVolume: 100, PeakDecibel: -3, Timestamp: 1700000000000,
	}
	if err := s.Dispatch(context.Background(), ev); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if len(db.execs) != 1 {
		t.Fatalf("execs = %d", len(db.execs))
	}
	call := db.execs[0]
	if !strings.Contains(call.sql, "ON CONFLICT (event_id) DO NOTHING") {
		t.Errorf("insert is not idempotent: %s", call.sql)
	}
	if len(call.args) != 8 || call.args[0] != "e1" || call.args[1] != "d1" {
		t.Errorf("args = %v", call.args)
	}
	if at := call.args[7].(time.Time); !at.Equal(time.UnixMilli(1700000000000)) {
		t.Errorf("occurred_at = %v", at)
	}
}

func TestStore_Recent(t *testing.T) {
	t.Parallel()
	at := time.UnixMilli(1700000000000).UTC()
	rows := &mockRows{data: [][]any{
		{"e2", "d1", "unknown", 0.9, 0.9, 10.0, -1.0, at.Add(time.Second)},
		{"e1", "d1", "dry", 0.8, 0.8, 20.0, -2.0, at},
	}}
	db := &mockDB{rows: rows}

	events, err := New(db).Recent(context.Background(), "d1", 5000)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(events) != 2 || events[0].EventID != "e2" || events[1].EventType != "dry" {
		t.Fatalf("events = %+v", events)
	}
	if events[1].Timestamp != 1700000000000 {
		t.Errorf("timestamp = %d", events[1].Timestamp)
	}
	if got := db.queries[0].args[1]; got != maxRecentLimit {
		t.Errorf("limit = %v, want clamp to %d", got, maxRecentLimit)
	}
	if !rows.closed {
		t.Error("rows not closed")
	}
}

func TestStore_RecentDefaultLimit(t *testing.T) {
	t.Parallel()
	db := &mockDB{rows: &mockRows{}}
	if _, err := New(db).Recent(context.Background(), "d1", 0); err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if got := db.queries[0].args[1]; got != defaultRecentLimit {
		t.Errorf("limit = %v, want %d", got, defaultRecentLimit)
	}
}

func TestStore_Stats(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	db := &mockDB{rows: &mockRows{data: [][]any{
		{"unknown", int64(3), 0.8},
		{"dry", int64(1), 0.9},
	}}}
	s := New(db, WithClock(func() time.Time { return now }))

	st, err := s.Stats(context.Background(), "d1", 2*time.Hour)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if st.Total != 4 || st.ByType["unknown"] != 3 || st.ByType["dry"] != 1 {
		t.Errorf("counts = %+v", st)
	}
	if st.AverageConfidence != 0.825 {
		t.Errorf("AverageConfidence = %v, want 0.825", st.AverageConfidence)
	}
	if st.PerHour != 2 {
		t.Errorf("PerHour = %v, want 2", st.PerHour)
	}
	if st.MostCommonType != "unknown" {
		t.Errorf("MostCommonType = %q", st.MostCommonType)
	}
	if since := db.queries[0].args[1].(time.Time); !since.Equal(now.Add(-2 * time.Hour)) {
		t.Errorf("since = %v", since)
	}

	if _, err := s.Stats(context.Background(), "d1", 0); err == nil {
		t.Error("zero window: expected error")
	}
}

func TestStore_PingWithoutPinger(t *testing.T) {
	t.Parallel()
	s := New(&mockDB{}, WithName("history"))
	if err := s.Ping(context.Background()); err != nil {
		t.Errorf("Ping = %v", err)
	}
	if s.Name() != "history" {
		t.Errorf("Name = %q", s.Name())
	}
	if err := s.Close(); err != nil {
		t.Errorf("Close = %v", err)
	}
}

// TestOpen_Integration runs against a real database when
// AIREA_TEST_POSTGRES_DSN is set.
func TestOpen_Integration(t *testing.T) {
	dsn := os.Getenv("AIREA_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("AIREA_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	s, err := Open(ctx, dsn)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	device := "test-" + time.Now().Format("150405.000000")
	ev := alert.NewEvent(device, "", alert.Detection{Confidence: 0.8, RawScore: 0.8, At: time.Now()})
	if err := s.Dispatch(ctx, ev); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if err := s.Dispatch(ctx, ev); err != nil {
		t.Fatalf("Dispatch duplicate: %v", err)
	}
	events, err := s.Recent(ctx, device, 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(events) != 1 || events[0].EventID != ev.EventID {
		t.Fatalf("events = %+v", events)
	}
	st, err := s.Stats(ctx, device, time.Hour)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if st.Total != 1 || st.MostCommonType != alert.DefaultEventType {
		t.Errorf("stats = %+v", st)
	}
	if err := s.Ping(ctx); err != nil {
		t.Errorf("Ping: %v", err)
	}
	_, _ = s.db.Exec(ctx, "DELETE FROM cough_events WHERE device_id = $1", device)
}
