package persist

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteSink keeps the snapshot as a single row of the snapshots table.
type SQLiteSink struct {
	database *sql.DB
	path     string
	id       string
}

func OpenSQLiteSink(ctx context.Context, path string) (*SQLiteSink, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	s := &SQLiteSink{database: db, path: path, id: "canvas"}
	if err := s.init(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteSink) init(ctx context.Context) error {
	if _, err := s.database.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS snapshots (
		id text not null primary key,
		content blob not null,
		updated_at integer not null
		)`,
	); err != nil {
		return fmt.Errorf("failed to create snapshots table: %w", err)
	}
	return nil
}

func (s *SQLiteSink) Describe() string {
	return "sqlite:" + s.path
}

func (s *SQLiteSink) Save(ctx context.Context, data []byte) error {
	if _, err := s.database.ExecContext(ctx,
		`INSERT INTO snapshots (id, content, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET content = excluded.content, updated_at = excluded.updated_at`,
		s.id, data, time.Now().Unix(),
	); err != nil {
		return fmt.Errorf("failed to persist snapshot: %w", err)
	}
	return nil
}

func (s *SQLiteSink) Load(ctx context.Context) ([]byte, error) {
	var content []byte
	if err := s.database.QueryRowContext(ctx,
		`SELECT content FROM snapshots WHERE id = ?`, s.id,
	).Scan(&content); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNoSnapshot
		}
		return nil, fmt.Errorf("failed to query snapshot: %w", err)
	}
	return content, nil
}

func (s *SQLiteSink) Close() error {
	return s.database.Close()
}
