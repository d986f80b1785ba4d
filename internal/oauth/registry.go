package oauth

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/providentiaww/trilix-authserver/internal/cache"
	"github.com/providentiaww/trilix-authserver/internal/events"
	"github.com/providentiaww/trilix-authserver/internal/logger"
	"github.com/providentiaww/trilix-authserver/internal/metrics"
)

const (
	registerAttempts = 3
	clientCacheTTL   = 5 * time.Minute
)

// dummySecretHash is compared against when the client_id is unknown so the
// response time does not reveal which client_ids exist.
var dummySecretHash, _ = bcrypt.GenerateFromPassword([]byte("dummy-client-secret"), bcrypt.MinCost)

// Registry manages registered client applications.
type Registry struct {
	store      ClientStore
	cache      *cache.ClientCache[*Client]
	bcryptCost int
	now        func() time.Time
	metrics    *metrics.Metrics
	events     events.Publisher
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithBcryptCost overrides the bcrypt cost used for new secrets.
func WithBcryptCost(cost int) RegistryOption {
	return func(r *Registry) { r.bcryptCost = cost }
}

// WithRegistryMetrics counts registrations on m.
func WithRegistryMetrics(m *metrics.Metrics) RegistryOption {
	return func(r *Registry) { r.metrics = m }
}

// WithRegistryEvents publishes a client.registered event per registration.
func WithRegistryEvents(p events.Publisher) RegistryOption {
	return func(r *Registry) { r.events = p }
}

// NewRegistry creates a Registry over store.
func NewRegistry(store ClientStore, opts ...RegistryOption) *Registry {
	r := &Registry{
		store:      store,
		cache:      cache.New[*Client](clientCacheTTL),
		bcryptCost: bcrypt.DefaultCost,
		now:        time.Now,
		events:     events.Nop{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register creates a client and returns it with the plaintext secret. The
// secret is never retrievable again.
func (r *Registry) Register(ctx context.Context, appName string, redirectURIs []string) (*Client, string, error) {
	appName = strings.TrimSpace(appName)
	if appName == "" {
		return nil, "", fmt.Errorf("%w: app_name is required", ErrInvalidRequest)
	}
	if len(redirectURIs) == 0 {
		return nil, "", fmt.Errorf("%w: redirect_uris must not be empty", ErrInvalidRequest)
	}
	uris := make([]string, 0, len(redirectURIs))
	for _, uri := range redirectURIs {
		uri = strings.TrimSpace(uri)
		if uri == "" {
			return nil, "", fmt.Errorf("%w: redirect_uris must not contain blank entries", ErrInvalidRequest)
		}
		if !validRedirectURI(uri) {
			return nil, "", fmt.Errorf("%w: redirect_uris must be absolute URIs without a fragment", ErrInvalidRequest)
		}
		uris = append(uris, uri)
	}

	secret, err := newClientSecret()
	if err != nil {
		return nil, "", fmt.Errorf("generate client secret: %w", err)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), r.bcryptCost)
	if err != nil {
		return nil, "", fmt.Errorf("hash client secret: %w", err)
	}

	log := logger.From(ctx).With(logger.Op("Registry.Register"), logger.Layer("service"))

	for attempt := 1; attempt <= registerAttempts; attempt++ {
		clientID, err := newClientID()
		if err != nil {
			return nil, "", fmt.Errorf("generate client id: %w", err)
		}

		client := &Client{
			ID:               uuid.NewString(),
			ClientID:         clientID,
			ClientSecretHash: string(hash),
			AppName:          appName,
			RedirectURIs:     uris,
			CreatedAt:        r.now().UTC(),
		}

		err = r.store.CreateClient(ctx, client)
		if errors.Is(err, ErrConflict) {
			log.Warn("client_id collision, retrying", logger.Count(attempt))
			continue
		}
		if err != nil {
			return nil, "", fmt.Errorf("create client: %w", err)
		}

		r.cache.Set(client.ClientID, client)
		r.metrics.ClientRegistered()
		events.Emit(ctx, r.events, events.ClientRegistered, map[string]string{
			"client_id": client.ClientID,
			"app_name":  client.AppName,
		})
		log.Info("client registered", logger.ClientID(client.ClientID))
		return client, secret, nil
	}

	return nil, "", fmt.Errorf("create client: %w after %d attempts", ErrConflict, registerAttempts)
}

func validRedirectURI(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return u.Scheme != "" && (u.Host != "" || u.Opaque != "") && u.Fragment == ""
}

// FindByClientID returns ErrNotFound when no client has clientID.
func (r *Registry) FindByClientID(ctx context.Context, clientID string) (*Client, error) {
	if clientID == "" {
		return nil, ErrNotFound
	}
	if client, ok := r.cache.Get(clientID); ok {
		return client, nil
	}

	client, err := r.store.GetClient(ctx, clientID)
	if err != nil {
		return nil, err
	}
	r.cache.Set(clientID, client)
	return client, nil
}

// VerifyCredentials returns the client only if both clientID and secret
// match. Any mismatch is ErrInvalidClient; store faults pass through.
func (r *Registry) VerifyCredentials(ctx context.Context, clientID, secret string) (*Client, error) {
	client, err := r.FindByClientID(ctx, clientID)
	if errors.Is(err, ErrNotFound) {
		_ = bcrypt.CompareHashAndPassword(dummySecretHash, []byte(secret))
		return nil, ErrInvalidClient
	}
	if err != nil {
		return nil, err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(client.ClientSecretHash), []byte(secret)); err != nil {
		return nil, ErrInvalidClient
	}
	return client, nil
}
