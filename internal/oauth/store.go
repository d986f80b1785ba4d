package oauth

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a client or code does not exist. For codes it
	// also covers expired, consumed and mismatched records.
	ErrNotFound = errors.New("oauth: not found")
	// ErrConflict is returned when a create collides with an existing key.
	ErrConflict = errors.New("oauth: key already exists")
	// ErrInvalidRequest marks caller input that fails validation.
	ErrInvalidRequest = errors.New("oauth: invalid request")
	// ErrInvalidClient marks unknown or mismatched client credentials.
	ErrInvalidClient = errors.New("oauth: invalid client")
	// ErrInvalidToken marks a token that fails verification for any reason.
	ErrInvalidToken = errors.New("oauth: invalid token")
)

// ClientStore persists registered clients. Clients are never updated or deleted.
type ClientStore interface {
	// CreateClient inserts a client, failing with ErrConflict if the client_id
	// is taken. The uniqueness check and insert are one atomic step.
	CreateClient(ctx context.Context, client *Client) error
	// GetClient returns ErrNotFound when the client_id is unknown.
	GetClient(ctx context.Context, clientID string) (*Client, error)
}

// CodeStore persists authorization codes.
type CodeStore interface {
	// CreateCode inserts a code, failing with ErrConflict if a record with the
	// same hash exists.
	CreateCode(ctx context.Context, code *AuthorizationCode) error
	// ConsumeCode atomically looks up a record matching codeHash, clientID and
	// redirectURI that has not expired at now, deletes it and returns it. Any
	// miss returns ErrNotFound. Concurrent callers for the same code get at most
	// one success.
	ConsumeCode(ctx context.Context, codeHash, clientID, redirectURI string, now time.Time) (*AuthorizationCode, error)
	// DeleteExpiredCodes removes every record expired at now and reports how
	// many were removed.
	DeleteExpiredCodes(ctx context.Context, now time.Time) (int, error)
}

// Store is a backend holding both collections.
type Store interface {
	ClientStore
	CodeStore
	Ping(ctx context.Context) error
	Close() error
}
