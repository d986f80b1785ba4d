package storage

import (
	"context"
	"sync"
	"time"

	"github.com/providentiaww/trilix-authserver/internal/oauth"
)

// MemoryStore keeps clients and codes in process memory. Every operation runs
// under one mutex, so ConsumeCode and DeleteExpiredCodes never interleave.
type MemoryStore struct {
	mu      sync.Mutex
	clients map[string]oauth.Client
	codes   map[string]oauth.AuthorizationCode
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		clients: make(map[string]oauth.Client),
		codes:   make(map[string]oauth.AuthorizationCode),
	}
}

func (s *MemoryStore) CreateClient(_ context.Context, client *oauth.Client) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.clients[client.ClientID]; exists {
		return oauth.ErrConflict
	}
	s.clients[client.ClientID] = cloneClient(*client)
	return nil
}

func (s *MemoryStore) GetClient(_ context.Context, clientID string) (*oauth.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	client, ok := s.clients[clientID]
	if !ok {
		return nil, oauth.ErrNotFound
	}
	cp := cloneClient(client)
	return &cp, nil
}

func (s *MemoryStore) CreateCode(_ context.Context, code *oauth.AuthorizationCode) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.codes[code.CodeHash]; exists {
		return oauth.ErrConflict
	}
	s.codes[code.CodeHash] = *code
	return nil
}

func (s *MemoryStore) ConsumeCode(_ context.Context, codeHash, clientID, redirectURI string, now time.Time) (*oauth.AuthorizationCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.codes[codeHash]
	if !ok || !record.Matches(clientID, redirectURI) || record.Expired(now) {
		return nil, oauth.ErrNotFound
	}
	delete(s.codes, codeHash)
	return &record, nil
}

func (s *MemoryStore) DeleteExpiredCodes(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return sweepMap(s.codes, now), nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }

func sweepMap(codes map[string]oauth.AuthorizationCode, now time.Time) int {
	removed := 0
	for hash, record := range codes {
		if record.Expired(now) {
			delete(codes, hash)
			removed++
		}
	}
	return removed
}

func cloneClient(c oauth.Client) oauth.Client {
	c.RedirectURIs = append([]string(nil), c.RedirectURIs...)
	return c
}
