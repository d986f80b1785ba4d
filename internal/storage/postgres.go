package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/providentiaww/trilix-authserver/internal/oauth"
)

// PostgresStore persists clients and codes in PostgreSQL. Code consumption is
// a single DELETE ... RETURNING carrying every predicate, so the row lock
// decides concurrent redemptions.
type PostgresStore struct {
	db *sql.DB
}

// PoolConfig sizes the connection pool.
type PoolConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewPostgresStore opens a pool, pings it and creates the schema if missing.
func NewPostgresStore(ctx context.Context, connString string, pool PoolConfig) (*PostgresStore, error) {
	db, err := sql.Open("postgres", connString)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}
	db.SetMaxOpenConns(pool.MaxOpenConns)
	db.SetMaxIdleConns(pool.MaxIdleConns)
	db.SetConnMaxLifetime(pool.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	store := &PostgresStore{db: db}
	if err := store.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

func (s *PostgresStore) initSchema(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS oauth_clients (
			id UUID PRIMARY KEY,
			client_id TEXT NOT NULL UNIQUE,
			client_secret_hash TEXT NOT NULL,
			app_name TEXT NOT NULL,
			redirect_uris TEXT[] NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		);

		CREATE TABLE IF NOT EXISTS oauth_authorization_codes (
			code_hash TEXT PRIMARY KEY,
			client_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			redirect_uri TEXT NOT NULL,
			expires_at TIMESTAMPTZ NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_oauth_codes_expires_at ON oauth_authorization_codes (expires_at);
	`

	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to init oauth schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateClient(ctx context.Context, client *oauth.Client) error {
	query := `
		INSERT INTO oauth_clients (id, client_id, client_secret_hash, app_name, redirect_uris, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT DO NOTHING
	`

	res, err := s.db.ExecContext(ctx, query,
		client.ID,
		client.ClientID,
		client.ClientSecretHash,
		client.AppName,
		pq.Array(client.RedirectURIs),
		client.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert client: %w", err)
	}
	return conflictIfUnchanged(res)
}

func (s *PostgresStore) GetClient(ctx context.Context, clientID string) (*oauth.Client, error) {
	query := `
		SELECT id, client_id, client_secret_hash, app_name, redirect_uris, created_at
		FROM oauth_clients
		WHERE client_id = $1
	`

	var client oauth.Client
	var redirectURIs []string
	err := s.db.QueryRowContext(ctx, query, clientID).Scan(
		&client.ID,
		&client.ClientID,
		&client.ClientSecretHash,
		&client.AppName,
		pq.Array(&redirectURIs),
		&client.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, oauth.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select client: %w", err)
	}
	client.RedirectURIs = redirectURIs
	return &client, nil
}

func (s *PostgresStore) CreateCode(ctx context.Context, code *oauth.AuthorizationCode) error {
	query := `
		INSERT INTO oauth_authorization_codes (code_hash, client_id, user_id, redirect_uri, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (code_hash) DO NOTHING
	`

	res, err := s.db.ExecContext(ctx, query,
		code.CodeHash,
		code.ClientID,
		code.UserID,
		code.RedirectURI,
		code.ExpiresAt,
		code.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert code: %w", err)
	}
	return conflictIfUnchanged(res)
}

func (s *PostgresStore) ConsumeCode(ctx context.Context, codeHash, clientID, redirectURI string, now time.Time) (*oauth.AuthorizationCode, error) {
	query := `
		DELETE FROM oauth_authorization_codes
		WHERE code_hash = $1 AND client_id = $2 AND redirect_uri = $3 AND expires_at > $4
		RETURNING code_hash, client_id, user_id, redirect_uri, expires_at, created_at
	`

	var code oauth.AuthorizationCode
	err := s.db.QueryRowContext(ctx, query, codeHash, clientID, redirectURI, now).Scan(
		&code.CodeHash,
		&code.ClientID,
		&code.UserID,
		&code.RedirectURI,
		&code.ExpiresAt,
		&code.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, oauth.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("consume code: %w", err)
	}
	return &code, nil
}

func (s *PostgresStore) DeleteExpiredCodes(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM oauth_authorization_codes WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("delete expired codes: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// Ping verifies database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the pool.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func conflictIfUnchanged(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return oauth.ErrConflict
	}
	return nil
}
