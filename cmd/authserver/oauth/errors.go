package oauth

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/providentiaww/trilix-authserver/internal/logger"
)

// OAuthError is an error response in the {error, error_description} shape.
// Err carries internal detail for logs and is never serialized.
type OAuthError struct {
	Code        string `json:"error"`
	Description string `json:"error_description,omitempty"`
	Status      int    `json:"-"`
	Err         error  `json:"-"`
}

func (e *OAuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Description, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

func (e *OAuthError) Unwrap() error { return e.Err }

// WithDescription returns a copy with a different description.
func (e *OAuthError) WithDescription(desc string) *OAuthError {
	cp := *e
	cp.Description = desc
	return &cp
}

// WithStatus returns a copy with a different HTTP status.
func (e *OAuthError) WithStatus(status int) *OAuthError {
	cp := *e
	cp.Status = status
	return &cp
}

// Wrap returns a copy carrying err as the internal cause.
func (e *OAuthError) Wrap(err error) *OAuthError {
	cp := *e
	cp.Err = err
	return &cp
}

func newError(code string, status int, desc string) *OAuthError {
	return &OAuthError{Code: code, Description: desc, Status: status}
}

var (
	ErrInvalidRequest          = newError("invalid_request", http.StatusBadRequest, "The request is missing a required parameter")
	ErrInvalidClient           = newError("invalid_client", http.StatusUnauthorized, "Invalid client credentials")
	ErrInvalidRedirectURI      = newError("invalid_redirect_uri", http.StatusBadRequest, "Redirect URI not registered")
	ErrUnsupportedResponseType = newError("unsupported_response_type", http.StatusBadRequest, "Only response_type=code is supported")
	ErrUnsupportedGrantType    = newError("unsupported_grant_type", http.StatusBadRequest, "Only grant_type=authorization_code is supported")
	ErrUnauthorized            = newError("unauthorized", http.StatusUnauthorized, "Authorization header required")
	ErrInvalidToken            = newError("invalid_token", http.StatusUnauthorized, "Invalid or expired access token")
	ErrInvalidGrant            = newError("invalid_grant", http.StatusBadRequest, "Invalid or expired authorization code")
	ErrNotFound                = newError("not_found", http.StatusNotFound, "User not found")
	ErrServerError             = newError("server_error", http.StatusInternalServerError, "An unexpected error occurred")
	ErrMethodNotAllowed        = newError("method_not_allowed", http.StatusMethodNotAllowed, "Method not allowed")
	ErrRateLimited             = newError("rate_limit_exceeded", http.StatusTooManyRequests, "Too many requests, try again later")
)

// WriteError writes e as JSON. Server errors are logged with their cause;
// the cause never reaches the response.
func WriteError(w http.ResponseWriter, r *http.Request, e *OAuthError) {
	log := logger.From(r.Context())
	if e.Status >= http.StatusInternalServerError {
		log.Error("request failed",
			logger.String("error_code", e.Code),
			logger.Status(e.Status),
			logger.Err(e.Err),
		)
	} else {
		log.Debug("request rejected",
			logger.String("error_code", e.Code),
			logger.Status(e.Status),
		)
	}

	if e.Status == http.StatusUnauthorized && (e.Code == ErrInvalidToken.Code || e.Code == ErrUnauthorized.Code) {
		w.Header().Set("WWW-Authenticate", bearerChallenge(e))
	}
	writeJSON(w, e.Status, e)
}

func bearerChallenge(e *OAuthError) string {
	if e.Code == ErrInvalidToken.Code {
		return `Bearer error="invalid_token"`
	}
	return "Bearer"
}

// NotFoundHandler answers unknown routes.
func NotFoundHandler(w http.ResponseWriter, r *http.Request) {
	WriteError(w, r, newError("not_found", http.StatusNotFound, "Endpoint not found"))
}

// MethodNotAllowedHandler answers known routes hit with the wrong method.
func MethodNotAllowedHandler(w http.ResponseWriter, r *http.Request) {
	WriteError(w, r, ErrMethodNotAllowed)
}

// RateLimitedHandler answers requests refused by the rate limiter.
func RateLimitedHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Retry-After", "60")
	WriteError(w, r, ErrRateLimited)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
