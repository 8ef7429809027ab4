package credentials

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/lib/pq"
)

// PostgresStore keeps credential slots in the client_credentials table,
// one row per slot name.
type PostgresStore struct {
	db   *sql.DB
	name string
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, name: AccessTokenKey}
}

// OpenPostgres opens and pings the database behind dsn.
func OpenPostgres(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("db open: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("db ping: %w", err)
	}
	return db, nil
}

func (p *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS client_credentials (
			name       TEXT PRIMARY KEY,
			value      TEXT NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`)
	return err
}

func (p *PostgresStore) Load(ctx context.Context) (string, error) {
	var token string
	err := p.db.QueryRowContext(ctx, `
		SELECT value FROM client_credentials WHERE name = $1
	`, p.name).Scan(&token)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("load credential: %w", err)
	}
	return token, nil
}

func (p *PostgresStore) Save(ctx context.Context, token string) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO client_credentials (name, value, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (name) DO UPDATE SET value = EXCLUDED.value, updated_at = now()
	`, p.name, token)
	if err != nil {
		return fmt.Errorf("save credential: %w", err)
	}
	return nil
}

func (p *PostgresStore) Clear(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		DELETE FROM client_credentials WHERE name = $1
	`, p.name)
	if err != nil {
		return fmt.Errorf("clear credential: %w", err)
	}
	return nil
}
