package oauth_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/providentiaww/trilix-authserver/internal/oauth"
	"github.com/providentiaww/trilix-authserver/internal/storage"
)

func newRegistry(store oauth.ClientStore) *oauth.Registry {
	return oauth.NewRegistry(store, oauth.WithBcryptCost(bcrypt.MinCost))
}

// conflictingStore reports ErrConflict for the first n creates.
type conflictingStore struct {
	oauth.ClientStore
	remaining int
	calls     int
}

func (s *conflictingStore) CreateClient(ctx context.Context, c *oauth.Client) error {
	s.calls++
	if s.remaining > 0 {
		s.remaining--
		return oauth.ErrConflict
	}
	return s.ClientStore.CreateClient(ctx, c)
}

// countingStore counts GetClient calls.
type countingStore struct {
	oauth.ClientStore
	gets int
}

func (s *countingStore) GetClient(ctx context.Context, clientID string) (*oauth.Client, error) {
	s.gets++
	return s.ClientStore.GetClient(ctx, clientID)
}

func TestRegister(t *testing.T) {
	ctx := context.Background()
	reg := newRegistry(storage.NewMemoryStore())

	client, secret, err := reg.Register(ctx, "  Demo App ", []string{"https://app.example/cb"})
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(client.ClientID, "client_"))
	assert.NotEmpty(t, client.ID)
	assert.Equal(t, "Demo App", client.AppName)
	assert.Equal(t, []string{"https://app.example/cb"}, client.RedirectURIs)
	assert.GreaterOrEqual(t, len(secret), 40)
	assert.NotContains(t, client.ClientSecretHash, secret)
	assert.False(t, client.CreatedAt.IsZero())
}

func TestRegister_InvalidInput(t *testing.T) {
	ctx := context.Background()
	reg := newRegistry(storage.NewMemoryStore())

	tests := map[string]struct {
		name string
		uris []string
	}{
		"blank name":    {name: " ", uris: []string{"https://app.example/cb"}},
		"no uris":       {name: "Demo", uris: nil},
		"blank uri":     {name: "Demo", uris: []string{"https://app.example/cb", ""}},
		"empty uri set": {name: "Demo", uris: []string{}},
		"relative uri":  {name: "Demo", uris: []string{"/cb"}},
		"fragment":      {name: "Demo", uris: []string{"https://app.example/cb#frag"}},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			_, _, err := reg.Register(ctx, tt.name, tt.uris)
			assert.ErrorIs(t, err, oauth.ErrInvalidRequest)
		})
	}
}

func TestRegister_UniqueClientIDs(t *testing.T) {
	ctx := context.Background()
	reg := newRegistry(storage.NewMemoryStore())

	const n = 50
	ids := make(chan string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			client, _, err := reg.Register(ctx, "Demo", []string{"https://app.example/cb"})
			if assert.NoError(t, err) {
				ids <- client.ClientID
			}
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[string]bool)
	for id := range ids {
		assert.False(t, seen[id], "duplicate client_id %s", id)
		seen[id] = true
	}
	assert.Len(t, seen, n)
}

func TestRegister_RetriesOnConflict(t *testing.T) {
	ctx := context.Background()
	store := &conflictingStore{ClientStore: storage.NewMemoryStore(), remaining: 2}
	reg := newRegistry(store)

	_, _, err := reg.Register(ctx, "Demo", []string{"https://app.example/cb"})
	require.NoError(t, err)
	assert.Equal(t, 3, store.calls)
}

func TestRegister_GivesUpAfterRepeatedConflicts(t *testing.T) {
	ctx := context.Background()
	store := &conflictingStore{ClientStore: storage.NewMemoryStore(), remaining: 10}
	reg := newRegistry(store)

	_, _, err := reg.Register(ctx, "Demo", []string{"https://app.example/cb"})
	assert.ErrorIs(t, err, oauth.ErrConflict)
}

func TestFindByClientID(t *testing.T) {
	ctx := context.Background()
	store := &countingStore{ClientStore: storage.NewMemoryStore()}
	reg := newRegistry(store)

	_, err := reg.FindByClientID(ctx, "client_nope")
	assert.ErrorIs(t, err, oauth.ErrNotFound)

	_, err = reg.FindByClientID(ctx, "")
	assert.ErrorIs(t, err, oauth.ErrNotFound)

	client, _, err := reg.Register(ctx, "Demo", []string{"https://app.example/cb"})
	require.NoError(t, err)

	before := store.gets
	got, err := reg.FindByClientID(ctx, client.ClientID)
	require.NoError(t, err)
	assert.Equal(t, client.ClientID, got.ClientID)
	assert.Equal(t, before, store.gets, "lookup after register is served from cache")
}

func TestVerifyCredentials(t *testing.T) {
	ctx := context.Background()
	reg := newRegistry(storage.NewMemoryStore())

	client, secret, err := reg.Register(ctx, "Demo", []string{"https://app.example/cb"})
	require.NoError(t, err)

	got, err := reg.VerifyCredentials(ctx, client.ClientID, secret)
	require.NoError(t, err)
	assert.Equal(t, client.ClientID, got.ClientID)

	_, err = reg.VerifyCredentials(ctx, client.ClientID, secret+"x")
	assert.ErrorIs(t, err, oauth.ErrInvalidClient)

	_, err = reg.VerifyCredentials(ctx, client.ClientID, "")
	assert.ErrorIs(t, err, oauth.ErrInvalidClient)

	_, err = reg.VerifyCredentials(ctx, "client_unknown", secret)
	assert.ErrorIs(t, err, oauth.ErrInvalidClient)
}

type brokenClientStore struct{}

func (brokenClientStore) CreateClient(context.Context, *oauth.Client) error {
	return errors.New("disk full")
}

func (brokenClientStore) GetClient(context.Context, string) (*oauth.Client, error) {
	return nil, errors.New("connection reset")
}

func TestRegistry_StoreFaultsPassThrough(t *testing.T) {
	ctx := context.Background()
	reg := newRegistry(brokenClientStore{})

	_, _, err := reg.Register(ctx, "Demo", []string{"https://app.example/cb"})
	require.Error(t, err)
	assert.NotErrorIs(t, err, oauth.ErrInvalidRequest)

	_, err = reg.VerifyCredentials(ctx, "client_x", "secret")
	require.Error(t, err)
	assert.NotErrorIs(t, err, oauth.ErrInvalidClient)
}

func TestAllowsRedirect_ExactMatch(t *testing.T) {
	c := &oauth.Client{RedirectURIs: []string{"https://app.example/cb"}, CreatedAt: time.Now()}

	assert.True(t, c.AllowsRedirect("https://app.example/cb"))
	assert.False(t, c.AllowsRedirect("https://app.example/cb?x=1"))
	assert.False(t, c.AllowsRedirect("https://APP.example/cb"))
	assert.False(t, c.AllowsRedirect("https://app.example"))
}
