package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/procpulse/procpulse/pkg/domain"
)

// SQLiteStore persists events and patterns to a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// compile-time interface check
var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (or creates) the database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database: %w", err)
	}
	// SQLite tolerates one writer; serialize through a single connection.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.Ready(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Ready creates the schema if missing. Safe to call repeatedly.
func (s *SQLiteStore) Ready(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS events (
		id INTEGER PRIMARY KEY,
		timestamp_ns INTEGER NOT NULL,
		category TEXT NOT NULL,
		process_name TEXT,
		pid INTEGER,
		tid INTEGER,
		operation TEXT NOT NULL,
		path TEXT,
		result TEXT,
		error_code INTEGER,
		duration_us INTEGER,
		metadata TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_events_timestamp ON events(timestamp_ns);

	CREATE TABLE IF NOT EXISTS patterns (
		id TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		description TEXT NOT NULL,
		severity INTEGER NOT NULL,
		confidence REAL NOT NULL,
		first_seen_ns INTEGER NOT NULL,
		last_seen_ns INTEGER NOT NULL,
		occurrences INTEGER NOT NULL,
		suggestion TEXT,
		related_event_ids TEXT,
		root_cause TEXT,
		remediation TEXT,
		prevention TEXT,
		analyzed_at_ns INTEGER
	);`

	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("creating schema: %w", err)
	}
	return nil
}

// AppendEvents inserts a batch in one transaction.
func (s *SQLiteStore) AppendEvents(ctx context.Context, events []domain.SystemEvent) error {
	if len(events) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning event batch: %w", err)
	}
	defer tx.Rollback()

	// Plain INSERT: event IDs are unique across sessions, and a collision
	// must surface as an error instead of overwriting stored history.
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO events
		(id, timestamp_ns, category, process_name, pid, tid, operation, path, result, error_code, duration_us, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("preparing event insert: %w", err)
	}
	defer stmt.Close()

	for _, ev := range events {
		meta := ""
		if len(ev.Metadata) > 0 {
			if data, err := json.Marshal(ev.Metadata); err == nil {
				meta = string(data)
			}
		}
		if _, err := stmt.ExecContext(ctx,
			ev.ID, ev.Timestamp.UnixNano(), string(ev.Category), ev.ProcessName,
			ev.PID, ev.TID, ev.Operation, ev.Path, ev.Result, ev.ErrorCode,
			ev.Duration.Microseconds(), meta,
		); err != nil {
			return fmt.Errorf("inserting event %d: %w", ev.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing event batch: %w", err)
	}
	return nil
}

// AppendPattern inserts one fired pattern.
func (s *SQLiteStore) AppendPattern(ctx context.Context, p domain.DetectedPattern) error {
	return s.writePattern(ctx, p, "INSERT OR REPLACE")
}

// UpdatePattern overwrites a stored pattern by id.
func (s *SQLiteStore) UpdatePattern(ctx context.Context, p domain.DetectedPattern) error {
	return s.writePattern(ctx, p, "REPLACE")
}

func (s *SQLiteStore) writePattern(ctx context.Context, p domain.DetectedPattern, verb string) error {
	relatedIDs, _ := json.Marshal(p.RelatedEventIDs)
	prevention, _ := json.Marshal(p.Prevention)
	var analyzedAt interface{}
	if p.AnalyzedAt != nil {
		analyzedAt = p.AnalyzedAt.UnixNano()
	}

	query := verb + ` INTO patterns
		(id, type, description, severity, confidence, first_seen_ns, last_seen_ns,
		 occurrences, suggestion, related_event_ids, root_cause, remediation, prevention, analyzed_at_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, query,
		p.ID, string(p.Type), p.Description, int(p.Severity), p.Confidence,
		p.FirstSeen.UnixNano(), p.LastSeen.UnixNano(), p.Occurrences,
		p.Suggestion, string(relatedIDs), p.RootCause, p.Remediation,
		string(prevention), analyzedAt,
	); err != nil {
		return fmt.Errorf("writing pattern %s: %w", p.ID, err)
	}
	return nil
}

// EventsByIDs fetches the given events in id order; absent ids are skipped.
func (s *SQLiteStore) EventsByIDs(ctx context.Context, ids []int64) ([]domain.SystemEvent, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, timestamp_ns, category, process_name, pid, tid, operation, path, result, error_code, duration_us, metadata
		FROM events WHERE id IN (`+placeholders+`) ORDER BY id`, args...)
	if err != nil {
		return nil, fmt.Errorf("querying events by id: %w", err)
	}
	defer rows.Close()

	var events []domain.SystemEvent
	for rows.Next() {
		var ev domain.SystemEvent
		var tsNano, durationUS int64
		var category, meta string
		if err := rows.Scan(&ev.ID, &tsNano, &category, &ev.ProcessName, &ev.PID, &ev.TID,
			&ev.Operation, &ev.Path, &ev.Result, &ev.ErrorCode, &durationUS, &meta); err != nil {
			return nil, fmt.Errorf("scanning event row: %w", err)
		}
		ev.Timestamp = time.Unix(0, tsNano)
		ev.Category = domain.EventCategory(category)
		ev.Duration = time.Duration(durationUS) * time.Microsecond
		if meta != "" {
			_ = json.Unmarshal([]byte(meta), &ev.Metadata)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// LastEventID returns the highest stored event id, or 0 for an empty store.
// A restarted session seeds its event ID counter from this.
func (s *SQLiteStore) LastEventID(ctx context.Context) (int64, error) {
	var last int64
	row := s.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(id), 0) FROM events")
	if err := row.Scan(&last); err != nil {
		return 0, fmt.Errorf("querying last event id: %w", err)
	}
	return last, nil
}

// DeleteEventsBefore removes events older than t.
func (s *SQLiteStore) DeleteEventsBefore(ctx context.Context, t time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM events WHERE timestamp_ns < ?", t.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("deleting old events: %w", err)
	}
	return res.RowsAffected()
}

// PatternByID fetches one stored pattern, mostly for tests and inspection.
func (s *SQLiteStore) PatternByID(ctx context.Context, id string) (*domain.DetectedPattern, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, type, description, severity, confidence, first_seen_ns, last_seen_ns,
		       occurrences, suggestion, related_event_ids, root_cause, remediation, prevention, analyzed_at_ns
		FROM patterns WHERE id = ?`, id)

	var p domain.DetectedPattern
	var ptype, relatedIDs, prevention string
	var severity int
	var firstNS, lastNS int64
	var analyzedNS sql.NullInt64
	if err := row.Scan(&p.ID, &ptype, &p.Description, &severity, &p.Confidence,
		&firstNS, &lastNS, &p.Occurrences, &p.Suggestion, &relatedIDs,
		&p.RootCause, &p.Remediation, &prevention, &analyzedNS); err != nil {
		return nil, fmt.Errorf("querying pattern %s: %w", id, err)
	}
	p.Type = domain.PatternType(ptype)
	p.Severity = domain.Severity(severity)
	p.FirstSeen = time.Unix(0, firstNS)
	p.LastSeen = time.Unix(0, lastNS)
	_ = json.Unmarshal([]byte(relatedIDs), &p.RelatedEventIDs)
	_ = json.Unmarshal([]byte(prevention), &p.Prevention)
	if analyzedNS.Valid {
		t := time.Unix(0, analyzedNS.Int64)
		p.AnalyzedAt = &t
	}
	return &p, nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
