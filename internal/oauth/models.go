package oauth

import "time"

// Client represents a registered OAuth client application.
type Client struct {
	ID               string    `json:"id"`
	ClientID         string    `json:"client_id"`
	ClientSecretHash string    `json:"client_secret_hash"`
	AppName          string    `json:"app_name"`
	RedirectURIs     []string  `json:"redirect_uris"`
	CreatedAt        time.Time `json:"created_at"`
}

// AllowsRedirect reports whether uri is one of the registered redirect URIs.
// Matching is exact; no wildcards or prefix matching.
func (c *Client) AllowsRedirect(uri string) bool {
	for _, allowed := range c.RedirectURIs {
		if allowed == uri {
			return true
		}
	}
	return false
}

// AuthorizationCode is a pending code grant. Records are keyed by the SHA-256
// digest of the code; the plaintext code is only ever handed to the client.
type AuthorizationCode struct {
	CodeHash    string    `json:"code_hash"`
	ClientID    string    `json:"client_id"`
	UserID      string    `json:"user_id"`
	RedirectURI string    `json:"redirect_uri"`
	ExpiresAt   time.Time `json:"expires_at"`
	CreatedAt   time.Time `json:"created_at"`
}

// Expired reports whether the code can no longer be redeemed at now.
// A code whose expiry equals now is already expired.
func (c *AuthorizationCode) Expired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}

// Matches reports whether the record is bound to clientID and redirectURI.
func (c *AuthorizationCode) Matches(clientID, redirectURI string) bool {
	return c.ClientID == clientID && c.RedirectURI == redirectURI
}

// AccessTokenClaims is the verified payload of an access token.
type AccessTokenClaims struct {
	Subject   string
	Email     string
	ClientID  string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// RefreshTokenClaims is the verified payload of a refresh token.
type RefreshTokenClaims struct {
	Subject   string
	IssuedAt  time.Time
	ExpiresAt time.Time
}
