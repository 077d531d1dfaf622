package analytics

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// HistoryStore persists accepted streaming events so later ranking runs can
// consult ingestion history. Backed by database/sql; production opens a
// sqlite file, tests may inject any driver.
type HistoryStore struct {
	db    *sql.DB
	clock func() time.Time
}

// OpenHistoryStore opens (and initialises) a sqlite-backed history store at
// path.
func OpenHistoryStore(path string) (*HistoryStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open history store %s: %w", path, err)
	}
	store := NewHistoryStore(db)
	if err := store.Init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// NewHistoryStore wraps an existing database handle.
func NewHistoryStore(db *sql.DB) *HistoryStore {
	return &HistoryStore{db: db, clock: time.Now}
}

// WithClock overrides the clock for deterministic testing.
func (s *HistoryStore) WithClock(clock func() time.Time) *HistoryStore {
	s.clock = clock
	return s
}

// Init creates the events table when absent.
func (s *HistoryStore) Init() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		source TEXT NOT NULL,
		kind TEXT NOT NULL,
		value REAL,
		unit TEXT,
		metrics TEXT,
		metadata TEXT,
		event_time TEXT,
		ingested_at TEXT NOT NULL
	)`)
	if err != nil {
		return fmt.Errorf("init history store: %w", err)
	}
	return nil
}

// Insert records one accepted event.
func (s *HistoryStore) Insert(event Event) error {
	metrics, err := json.Marshal(event.Metrics)
	if err != nil {
		return err
	}
	metadata, err := json.Marshal(event.Metadata)
	if err != nil {
		return err
	}

	var value any
	if event.Value != nil {
		value = *event.Value
	}
	var eventTime any
	if event.Timestamp != nil {
		eventTime = event.Timestamp.UTC().Format(time.RFC3339Nano)
	}

	_, err = s.db.Exec(
		`INSERT INTO events (source, kind, value, unit, metrics, metadata, event_time, ingested_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		event.Source, event.Kind, value, event.Unit,
		string(metrics), string(metadata), eventTime,
		s.clock().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// KindCount is one row of the history summary.
type KindCount struct {
	Kind  string
	Count int
}

// SummarizeKinds returns per-kind event counts, most frequent first.
func (s *HistoryStore) SummarizeKinds(limit int) ([]KindCount, error) {
	rows, err := s.db.Query(
		`SELECT kind, COUNT(*) AS total FROM events GROUP BY kind ORDER BY total DESC, kind ASC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("summarize history: %w", err)
	}
	defer rows.Close()

	var out []KindCount
	for rows.Next() {
		var row KindCount
		if err := rows.Scan(&row.Kind, &row.Count); err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// Close releases the database handle.
func (s *HistoryStore) Close() error {
	return s.db.Close()
}
