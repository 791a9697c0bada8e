package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS calls (
	call_id      TEXT PRIMARY KEY,
	remote       TEXT NOT NULL,
	role         TEXT NOT NULL,
	trickle      INTEGER NOT NULL DEFAULT 0,
	reason       TEXT NOT NULL,
	started_at   INTEGER NOT NULL,
	connected_at INTEGER NOT NULL DEFAULT 0,
	ended_at     INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS calls_ended_at ON calls (ended_at);
`

// SQLiteStore история вызовов в SQLite
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// OpenSQLite открывает или создаёт базу истории по DSN
func OpenSQLite(ctx context.Context, dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("открытие базы истории: %w", err)
	}
	// Один писатель, иначе :memory: база у каждого соединения своя
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, `PRAGMA busy_timeout = 5000;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("настройка базы истории: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("создание таблицы истории: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Save(ctx context.Context, r Record) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO calls
			(call_id, remote, role, trickle, reason, started_at, connected_at, ended_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.CallID, r.Remote, r.Role, r.Trickle, r.Reason,
		unixMilli(r.StartedAt), unixMilli(r.ConnectedAt), unixMilli(r.EndedAt),
	)
	if err != nil {
		return fmt.Errorf("сохранение вызова %s: %w", r.CallID, err)
	}
	return nil
}

func (s *SQLiteStore) List(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT call_id, remote, role, trickle, reason, started_at, connected_at, ended_at
		FROM calls ORDER BY ended_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("чтение истории: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			r                         Record
			started, connected, ended int64
		)
		if err := rows.Scan(&r.CallID, &r.Remote, &r.Role, &r.Trickle, &r.Reason, &started, &connected, &ended); err != nil {
			return nil, fmt.Errorf("чтение истории: %w", err)
		}
		r.StartedAt = fromUnixMilli(started)
		r.ConnectedAt = fromUnixMilli(connected)
		r.EndedAt = fromUnixMilli(ended)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func unixMilli(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromUnixMilli(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
