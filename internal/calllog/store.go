// Package calllog keeps a local history of conversations in PostgreSQL:
// when each call ran, how it ended, and its transcript.
package calllog

import (
	"database/sql"
	"embed"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // registers "pgx" driver
)

//go:embed migrations/*.sql
var migrationFS embed.FS

const maxCalls = 200

// Store persists call history to PostgreSQL.
type Store struct {
	db *sql.DB
}

// Open connects to the call-log database at connStr and applies pending
// migrations.
func Open(connStr string) (*Store, error) {
	db, err := sql.Open("pgx", connStr)
	if err != nil {
		return nil, fmt.Errorf("calllog open: %w", err)
	}
	if err = db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("calllog ping: %w", err)
	}
	if err = migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("calllog migrate: %w", err)
	}
	return &Store{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`)
	if err != nil {
		return err
	}

	var current int
	row := db.QueryRow(`SELECT COALESCE(MAX(version), -1) FROM schema_version`)
	if err = row.Scan(&current); err != nil {
		return err
	}

	entries, err := migrationFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}

	for i := current + 1; i < len(entries); i++ {
		data, readErr := migrationFS.ReadFile("migrations/" + entries[i].Name())
		if readErr != nil {
			return fmt.Errorf("read migration %d: %w", i, readErr)
		}
		if _, execErr := db.Exec(string(data)); execErr != nil {
			return fmt.Errorf("migration %d: %w", i, execErr)
		}
		if _, execErr := db.Exec(`INSERT INTO schema_version (version) VALUES ($1)`, i); execErr != nil {
			return fmt.Errorf("migration %d record: %w", i, execErr)
		}
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateCall inserts a new call and prunes history beyond the retention
// limit.
func (s *Store) CreateCall(id, agentID string) error {
	_, err := s.db.Exec(
		`INSERT INTO calls (id, agent_id, started_at) VALUES ($1, $2, $3)`,
		id, agentID, time.Now().UTC(),
	)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(
		`DELETE FROM calls WHERE id NOT IN (SELECT id FROM calls ORDER BY started_at DESC LIMIT $1)`,
		maxCalls,
	)
	return err
}

// EndCall records how a call finished.
func (s *Store) EndCall(id, outcome, errMsg string) error {
	_, err := s.db.Exec(
		`UPDATE calls SET ended_at = $1, outcome = $2, error = $3 WHERE id = $4`,
		time.Now().UTC(), outcome, errMsg, id,
	)
	return err
}

// SaveTranscript replaces the stored transcript for a call.
func (s *Store) SaveTranscript(id, transcript string) error {
	_, err := s.db.Exec(
		`UPDATE calls SET transcript = $1 WHERE id = $2`,
		transcript, id,
	)
	return err
}

// RecentCalls returns up to limit calls, newest first.
func (s *Store) RecentCalls(limit int) ([]Call, error) {
	rows, err := s.db.Query(
		`SELECT id, agent_id, started_at, ended_at, outcome, transcript, error
		   FROM calls ORDER BY started_at DESC LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var calls []Call
	for rows.Next() {
		var c Call
		if err := rows.Scan(&c.ID, &c.AgentID, &c.StartedAt, &c.EndedAt, &c.Outcome, &c.Transcript, &c.Error); err != nil {
			return nil, err
		}
		calls = append(calls, c)
	}
	return calls, rows.Err()
}
