package store

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists snapshots in a `documents` table, one row
// per document, upserted on every save point.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseUrl string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseUrl)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	self := &PostgresStore{
		pool: pool,
	}
	if err := self.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return self, nil
}

func (self *PostgresStore) migrate(ctx context.Context) error {
	_, err := self.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS documents (
			document_id TEXT PRIMARY KEY,
			content TEXT NOT NULL,
			version BIGINT NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`)
	return err
}

// Load returns the stored snapshot. A missing document loads as empty
// content at version 0.
func (self *PostgresStore) Load(ctx context.Context, documentId string) (string, int64, error) {
	var content string
	var version int64
	err := self.pool.QueryRow(ctx,
		`SELECT content, version FROM documents WHERE document_id = $1`,
		documentId,
	).Scan(&content, &version)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", 0, nil
	}
	if err != nil {
		return "", 0, err
	}
	return content, version, nil
}

func (self *PostgresStore) Persist(ctx context.Context, documentId string, content string, version int64) error {
	_, err := self.pool.Exec(ctx, `
		INSERT INTO documents (document_id, content, version, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (document_id) DO UPDATE
		SET content = excluded.content,
			version = excluded.version,
			updated_at = now()
	`, documentId, content, version)
	return err
}

func (self *PostgresStore) Close() {
	self.pool.Close()
}
