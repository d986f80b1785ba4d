package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"
)

// ErrUserNotFound means the directory rejected the credential or has no such
// user. Transport faults and unexpected statuses are reported as other errors.
var ErrUserNotFound = errors.New("user not found")

// UserRecord is the identity returned by the directory and served by userinfo.
type UserRecord struct {
	ID           string                 `json:"id"`
	Email        string                 `json:"email"`
	UserMetadata map[string]interface{} `json:"user_metadata,omitempty"`
	CreatedAt    string                 `json:"created_at"`
}

// UserDirectory authenticates end users and looks them up by id.
type UserDirectory interface {
	// ValidateBearerCredential resolves a directory-issued bearer token to its user.
	ValidateBearerCredential(ctx context.Context, token string) (*UserRecord, error)
	// LookupByID fetches a user with administrative credentials.
	LookupByID(ctx context.Context, id string) (*UserRecord, error)
}

// SupabaseDirectory talks to the Supabase Auth (GoTrue) REST API.
type SupabaseDirectory struct {
	baseURL        string
	serviceRoleKey string
	httpClient     *http.Client
}

// NewSupabaseDirectory creates a directory client for the project at baseURL.
func NewSupabaseDirectory(baseURL, serviceRoleKey string) *SupabaseDirectory {
	return &SupabaseDirectory{
		baseURL:        strings.TrimRight(baseURL, "/"),
		serviceRoleKey: serviceRoleKey,
		httpClient:     &http.Client{Timeout: 10 * time.Second},
	}
}

// NewSupabaseDirectoryFromEnv reads SUPABASE_URL and SUPABASE_SERVICE_ROLE_KEY.
func NewSupabaseDirectoryFromEnv() (*SupabaseDirectory, error) {
	baseURL := os.Getenv("SUPABASE_URL")
	key := os.Getenv("SUPABASE_SERVICE_ROLE_KEY")
	if baseURL == "" || key == "" {
		return nil, fmt.Errorf("SUPABASE_URL and SUPABASE_SERVICE_ROLE_KEY are required")
	}
	return NewSupabaseDirectory(baseURL, key), nil
}

// ValidateBearerCredential calls GET /auth/v1/user with the user's token.
func (d *SupabaseDirectory) ValidateBearerCredential(ctx context.Context, token string) (*UserRecord, error) {
	if token == "" {
		return nil, ErrUserNotFound
	}
	return d.fetchUser(ctx, d.baseURL+"/auth/v1/user", token)
}

// LookupByID calls GET /auth/v1/admin/users/{id} with the service role key.
func (d *SupabaseDirectory) LookupByID(ctx context.Context, id string) (*UserRecord, error) {
	if id == "" {
		return nil, ErrUserNotFound
	}
	return d.fetchUser(ctx, d.baseURL+"/auth/v1/admin/users/"+url.PathEscape(id), d.serviceRoleKey)
}

func (d *SupabaseDirectory) fetchUser(ctx context.Context, endpoint, bearer string) (*UserRecord, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+bearer)
	req.Header.Set("apikey", d.serviceRoleKey)
	req.Header.Set("Accept", "application/json")

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("directory request failed: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden,
		http.StatusNotFound, http.StatusUnprocessableEntity:
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, ErrUserNotFound
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("directory returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var user UserRecord
	if err := json.NewDecoder(resp.Body).Decode(&user); err != nil {
		return nil, fmt.Errorf("decode directory user: %w", err)
	}
	if user.ID == "" {
		return nil, ErrUserNotFound
	}
	return &user, nil
}
