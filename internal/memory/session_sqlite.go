package memory

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/fyrsmithlabs/agentloop/internal/blackboard"
	_ "modernc.org/sqlite"
)

const sessionSchema = `
CREATE TABLE IF NOT EXISTS session_turns (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT NOT NULL,
	role TEXT NOT NULL,
	text TEXT NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_session_turns_session ON session_turns(session_id, id);
`

// SQLiteSessionStore persists turns in a local SQLite file.
type SQLiteSessionStore struct {
	db *sql.DB
}

// NewSQLiteSessionStore opens path, creating the file and schema if needed.
func NewSQLiteSessionStore(path string) (*SQLiteSessionStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("%w: opening %s: %v", ErrStorageUnavailable, path, err)
	}
	// One writer keeps SQLite from returning SQLITE_BUSY under concurrent runs.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sessionSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: creating schema: %v", ErrStorageUnavailable, err)
	}
	return &SQLiteSessionStore{db: db}, nil
}

func (s *SQLiteSessionStore) Append(ctx context.Context, sessionID string, turn blackboard.Turn) error {
	if sessionID == "" {
		return ErrEmptySessionID
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO session_turns (session_id, role, text, created_at) VALUES (?, ?, ?, ?)`,
		sessionID, string(turn.Role), turn.Text, turn.Time.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("%w: appending turn: %v", ErrStorageUnavailable, err)
	}
	return nil
}

func (s *SQLiteSessionStore) Recent(ctx context.Context, sessionID string, n int) ([]blackboard.Turn, error) {
	if n <= 0 {
		n = -1 // SQLite treats a negative LIMIT as unbounded.
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT role, text, created_at FROM session_turns WHERE session_id = ? ORDER BY id DESC LIMIT ?`,
		sessionID, n,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: reading turns: %v", ErrStorageUnavailable, err)
	}
	defer rows.Close()

	var turns []blackboard.Turn
	for rows.Next() {
		var (
			role, text string
			created    int64
		)
		if err := rows.Scan(&role, &text, &created); err != nil {
			return nil, fmt.Errorf("%w: scanning turn: %v", ErrStorageUnavailable, err)
		}
		turns = append(turns, blackboard.Turn{Role: blackboard.Role(role), Text: text, Time: time.Unix(0, created)})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: reading turns: %v", ErrStorageUnavailable, err)
	}
	slices.Reverse(turns)
	return turns, nil
}

func (s *SQLiteSessionStore) Close() error {
	return s.db.Close()
}
