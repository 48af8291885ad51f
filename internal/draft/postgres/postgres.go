package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// Storage keeps drafts in a single upsert table keyed by slot. The draft
// body is stored as jsonb so operators can inspect stuck drafts with plain
// SQL, but the store itself treats it as opaque bytes.
type Storage struct {
	db *sql.DB
}

func New(ctx context.Context, databaseURL string) (*Storage, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(4)
	db.SetMaxOpenConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &Storage{db: db}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Storage) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS form_drafts (
			slot       TEXT PRIMARY KEY,
			body       JSONB NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`)
	return err
}

func (s *Storage) Close() error {
	return s.db.Close()
}

func (s *Storage) ReadDraft(ctx context.Context, slot string) ([]byte, bool, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT body FROM form_drafts WHERE slot = $1
	`, slot).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return raw, true, nil
}

func (s *Storage) WriteDraft(ctx context.Context, slot string, raw []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO form_drafts (slot, body, updated_at)
		VALUES ($1, $2::jsonb, now())
		ON CONFLICT (slot) DO UPDATE SET body = EXCLUDED.body, updated_at = now()
	`, slot, string(raw))
	return err
}

func (s *Storage) ClearDraft(ctx context.Context, slot string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM form_drafts WHERE slot = $1
	`, slot)
	return err
}
