package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/providentiaww/trilix-authserver/cmd/authserver/auth"
	oauthapi "github.com/providentiaww/trilix-authserver/cmd/authserver/oauth"
	"github.com/providentiaww/trilix-authserver/internal/metrics"
	"github.com/providentiaww/trilix-authserver/internal/oauth"
	"github.com/providentiaww/trilix-authserver/internal/ratelimit"
	"github.com/providentiaww/trilix-authserver/internal/storage"
)

type stubDirectory struct{}

func (stubDirectory) ValidateBearerCredential(context.Context, string) (*auth.UserRecord, error) {
	return nil, auth.ErrUserNotFound
}

func (stubDirectory) LookupByID(_ context.Context, id string) (*auth.UserRecord, error) {
	if id != "user-1" {
		return nil, auth.ErrUserNotFound
	}
	return &auth.UserRecord{ID: id, Email: "u@example.com"}, nil
}

type pingFunc func(context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

type fixture struct {
	handler http.Handler
	tokens  *oauth.TokenService
	metrics *metrics.Metrics
}

func newFixture(t *testing.T, deps routerDeps) fixture {
	t.Helper()
	cfg := oauth.Config{
		SigningSecret:   []byte("router-test-secret"),
		AccessTokenTTL:  time.Hour,
		RefreshTokenTTL: time.Hour,
		AuthCodeTTL:     time.Minute,
	}
	store := storage.NewMemoryStore()
	tokens := oauth.NewTokenService(cfg.SigningSecret)
	m := metrics.New()

	deps.server = oauthapi.NewServer(cfg,
		oauth.NewRegistry(store, oauth.WithBcryptCost(bcrypt.MinCost)),
		oauth.NewCodeService(store),
		tokens,
		stubDirectory{},
		oauthapi.WithMetrics(m),
	)
	if deps.store == nil {
		deps.store = store
	}
	deps.metrics = m
	if deps.corsOrigins == nil {
		deps.corsOrigins = []string{"*"}
	}
	return fixture{handler: newRouter(deps), tokens: tokens, metrics: m}
}

func (f fixture) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func TestRouter_Health(t *testing.T) {
	f := newFixture(t, routerDeps{})
	rec := f.do(httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	_, err := time.Parse(time.RFC3339, body["timestamp"])
	assert.NoError(t, err)
}

func TestRouter_HealthStorageDown(t *testing.T) {
	f := newFixture(t, routerDeps{store: pingFunc(func(context.Context) error { return errors.New("down") })})
	rec := f.do(httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "unavailable")
}

func TestRouter_Fallbacks(t *testing.T) {
	f := newFixture(t, routerDeps{})

	rec := f.do(httptest.NewRequest(http.MethodGet, "/nope", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.JSONEq(t, `{"error":"not_found","error_description":"Endpoint not found"}`, rec.Body.String())

	rec = f.do(httptest.NewRequest(http.MethodPost, "/health", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Contains(t, rec.Body.String(), "method_not_allowed")
}

func TestRouter_UserMe(t *testing.T) {
	f := newFixture(t, routerDeps{})
	token, err := f.tokens.SignAccessToken("user-1", "u@example.com", "client_abc", time.Hour)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/user/me", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := f.do(req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"email":"u@example.com"`)

	rec = f.do(httptest.NewRequest(http.MethodGet, "/api/user/me", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), `"unauthorized"`)
}

func TestRouter_RegisterRateLimit(t *testing.T) {
	f := newFixture(t, routerDeps{limiter: ratelimit.New(1, 2)})
	body := `{"app_name":"Demo","redirect_uris":["https://app.example/cb"]}`

	register := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/oauth/register-app", strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		req.RemoteAddr = "203.0.113.7:5555"
		return f.do(req)
	}

	assert.Equal(t, http.StatusCreated, register().Code)
	assert.Equal(t, http.StatusCreated, register().Code)

	rec := register()
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Contains(t, rec.Body.String(), "rate_limit_exceeded")

	other := httptest.NewRequest(http.MethodPost, "/oauth/register-app", strings.NewReader(body))
	other.Header.Set("Content-Type", "application/json")
	other.RemoteAddr = "198.51.100.1:5555"
	assert.Equal(t, http.StatusCreated, f.do(other).Code)
}

func TestRouter_Metrics(t *testing.T) {
	f := newFixture(t, routerDeps{})
	f.do(httptest.NewRequest(http.MethodGet, "/health", nil))

	rec := f.do(httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "http_requests_total")
}

func TestCORS(t *testing.T) {
	f := newFixture(t, routerDeps{corsOrigins: []string{"https://app.example"}})

	req := httptest.NewRequest(http.MethodOptions, "/oauth/token", nil)
	req.Header.Set("Origin", "https://app.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := f.do(req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://app.example", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Headers"), "Authorization")

	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "https://evil.example")
	rec = f.do(req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))

	wildcard := newFixture(t, routerDeps{})
	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "https://anyone.example")
	rec = wildcard.do(req)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestRecoverer(t *testing.T) {
	h := recoverer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "server_error")
	assert.NotContains(t, rec.Body.String(), "boom")
}

func TestVersionCommand(t *testing.T) {
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"version"})
	require.NoError(t, root.Execute())
	assert.Equal(t, ServiceName+" "+ServiceVersion+"\n", out.String())
}

func TestRegisterAppCommand(t *testing.T) {
	t.Setenv("ENV_FILE_PATH", t.TempDir()+"/missing.env")
	t.Setenv("AWS_SECRETS_MANAGER_SECRET_ID", "")
	t.Setenv("AWS_SECRET_ID", "")
	t.Setenv("STORAGE_DRIVER", storage.DriverFile)
	dataDir := t.TempDir()
	t.Setenv("DATA_DIR", dataDir)

	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"register-app", "--name", "CLI App", "--redirect-uri", "https://app.example/cb"})
	require.NoError(t, root.Execute())

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(out.Bytes(), &resp))
	clientID, _ := resp["client_id"].(string)
	assert.True(t, strings.HasPrefix(clientID, "client_"))
	assert.NotEmpty(t, resp["client_secret"])

	store, err := storage.NewFileStore(dataDir)
	require.NoError(t, err)
	client, err := store.GetClient(context.Background(), clientID)
	require.NoError(t, err)
	assert.Equal(t, "CLI App", client.AppName)
}

func TestOneShotCommandsRejectMemoryDriver(t *testing.T) {
	t.Setenv("ENV_FILE_PATH", t.TempDir()+"/missing.env")
	t.Setenv("AWS_SECRETS_MANAGER_SECRET_ID", "")
	t.Setenv("AWS_SECRET_ID", "")
	t.Setenv("STORAGE_DRIVER", storage.DriverMemory)

	for _, args := range [][]string{
		{"sweep"},
		{"register-app", "--name", "CLI App", "--redirect-uri", "https://app.example/cb"},
	} {
		root := newRootCmd()
		root.SetOut(&bytes.Buffer{})
		root.SetArgs(args)
		err := root.Execute()
		require.Error(t, err, args[0])
		assert.Contains(t, err.Error(), "not shared", args[0])
	}
}

func TestSweepCommand(t *testing.T) {
	t.Setenv("ENV_FILE_PATH", t.TempDir()+"/missing.env")
	t.Setenv("AWS_SECRETS_MANAGER_SECRET_ID", "")
	t.Setenv("AWS_SECRET_ID", "")
	t.Setenv("STORAGE_DRIVER", storage.DriverFile)
	dataDir := t.TempDir()
	t.Setenv("DATA_DIR", dataDir)

	store, err := storage.NewFileStore(dataDir)
	require.NoError(t, err)
	defer store.Close()
	past := time.Now().Add(-time.Hour)
	require.NoError(t, store.CreateCode(context.Background(), &oauth.AuthorizationCode{
		CodeHash:    "stale",
		ClientID:    "client_a",
		UserID:      "user-1",
		RedirectURI: "https://app.example/cb",
		ExpiresAt:   past.Add(time.Minute),
		CreatedAt:   past,
	}))

	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"sweep"})
	require.NoError(t, root.Execute())
	assert.Equal(t, "swept 1 expired codes\n", out.String())
}
