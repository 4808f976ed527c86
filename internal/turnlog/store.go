// Package turnlog keeps an append-only SQLite audit log of agent
// turns. Only metadata is stored: who handled the turn, how it ended
// and how much work it took. Message and reply text never reach the
// database.
package turnlog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/nugget/rambo/internal/agent"
)

// tsFormat is fixed-width so stored timestamps sort as text.
const tsFormat = "2006-01-02T15:04:05.000000000Z"

// Record is one logged turn.
type Record struct {
	ID           string
	TurnID       string
	Timestamp    time.Time
	Assistant    string
	Source       string
	Conversation string
	Outcome      agent.Outcome
	ErrorKind    agent.Kind // empty unless Outcome is failed
	Tool         string     // invocation slug involved in the failure, if any
	ToolCalls    int
	Generations  int
	Duration     time.Duration
}

// Summary holds aggregated totals.
type Summary struct {
	Turns       int
	Failures    int
	ToolCalls   int64
	Generations int64
	AvgDuration time.Duration
}

// Store is an append-only turn log. All methods are safe for
// concurrent use.
type Store struct {
	db *sql.DB
}

// NewStore opens (creating if needed) the turn log at dbPath.
func NewStore(dbPath string) (*Store, error) {
	return Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
}

// Open opens a turn log through any registered SQLite driver.
func Open(driver, dsn string) (*Store, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open turn log database: %w", err)
	}
	// One writer; also keeps an in-memory database on a single
	// connection.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate turn log schema: %w", err)
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS turns (
		id           TEXT PRIMARY KEY,
		turn_id      TEXT NOT NULL,
		timestamp    TEXT NOT NULL,
		assistant    TEXT NOT NULL,
		source       TEXT NOT NULL,
		conversation TEXT,
		outcome      TEXT NOT NULL,
		error_kind   TEXT,
		tool         TEXT,
		tool_calls   INTEGER NOT NULL,
		generations  INTEGER NOT NULL,
		duration_ms  INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_turns_timestamp ON turns(timestamp);
	CREATE INDEX IF NOT EXISTS idx_turns_assistant ON turns(assistant);
	CREATE INDEX IF NOT EXISTS idx_turns_conversation ON turns(conversation);
	`)
	return err
}

// RecordTurn logs t. It satisfies agent.TurnRecorder.
func (s *Store) RecordTurn(ctx context.Context, t *agent.Turn) error {
	rec := Record{
		TurnID:       t.ID,
		Timestamp:    t.Started,
		Assistant:    t.Assistant,
		Source:       t.Source,
		Conversation: string(t.Conversation),
		Outcome:      t.Outcome,
		ToolCalls:    t.ToolCalls,
		Generations:  t.Generations,
		Duration:     t.Duration,
	}
	var te *agent.TurnError
	if errors.As(t.Err, &te) {
		rec.ErrorKind = te.Kind
		if te.Invocation != nil {
			rec.Tool = te.Invocation.Slug()
		}
	}
	return s.Record(ctx, rec)
}

// Record persists rec, assigning a UUIDv7 and timestamp when unset.
func (s *Store) Record(ctx context.Context, rec Record) error {
	if rec.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generate turn record ID: %w", err)
		}
		rec.ID = id.String()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO turns
			(id, turn_id, timestamp, assistant, source, conversation, outcome,
			 error_kind, tool, tool_calls, generations, duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID,
		rec.TurnID,
		rec.Timestamp.UTC().Format(tsFormat),
		rec.Assistant,
		rec.Source,
		rec.Conversation,
		string(rec.Outcome),
		string(rec.ErrorKind),
		rec.Tool,
		rec.ToolCalls,
		rec.Generations,
		rec.Duration.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("insert turn record: %w", err)
	}
	return nil
}

// Summary aggregates turns with timestamps in [start, end).
func (s *Store) Summary(ctx context.Context, start, end time.Time) (*Summary, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*),
		        COALESCE(SUM(CASE WHEN outcome = ? THEN 1 ELSE 0 END), 0),
		        COALESCE(SUM(tool_calls), 0),
		        COALESCE(SUM(generations), 0),
		        COALESCE(AVG(duration_ms), 0)
		 FROM turns
		 WHERE timestamp >= ? AND timestamp < ?`,
		string(agent.OutcomeFailed),
		start.UTC().Format(tsFormat),
		end.UTC().Format(tsFormat),
	)

	var sum Summary
	var avgMS float64
	if err := row.Scan(&sum.Turns, &sum.Failures, &sum.ToolCalls, &sum.Generations, &avgMS); err != nil {
		return nil, fmt.Errorf("query turn summary: %w", err)
	}
	sum.AvgDuration = time.Duration(avgMS * float64(time.Millisecond))
	return &sum, nil
}

// CountByOutcome returns turn counts per outcome in [start, end).
func (s *Store) CountByOutcome(ctx context.Context, start, end time.Time) (map[agent.Outcome]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT outcome, COUNT(*) FROM turns
		 WHERE timestamp >= ? AND timestamp < ?
		 GROUP BY outcome`,
		start.UTC().Format(tsFormat),
		end.UTC().Format(tsFormat),
	)
	if err != nil {
		return nil, fmt.Errorf("query turns by outcome: %w", err)
	}
	defer rows.Close()

	out := make(map[agent.Outcome]int)
	for rows.Next() {
		var outcome string
		var n int
		if err := rows.Scan(&outcome, &n); err != nil {
			return nil, fmt.Errorf("scan turns by outcome: %w", err)
		}
		out[agent.Outcome(outcome)] = n
	}
	return out, rows.Err()
}

// Recent returns the newest limit records, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, turn_id, timestamp, assistant, source, COALESCE(conversation, ''), outcome,
		        COALESCE(error_kind, ''), COALESCE(tool, ''), tool_calls, generations, duration_ms
		 FROM turns ORDER BY timestamp DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent turns: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		var ts, outcome, kind string
		var ms int64
		if err := rows.Scan(&rec.ID, &rec.TurnID, &ts, &rec.Assistant, &rec.Source, &rec.Conversation,
			&outcome, &kind, &rec.Tool, &rec.ToolCalls, &rec.Generations, &ms); err != nil {
			return nil, fmt.Errorf("scan turn record: %w", err)
		}
		rec.Timestamp, _ = time.Parse(tsFormat, ts)
		rec.Outcome = agent.Outcome(outcome)
		rec.ErrorKind = agent.Kind(kind)
		rec.Duration = time.Duration(ms) * time.Millisecond
		out = append(out, rec)
	}
	return out, rows.Err()
}
