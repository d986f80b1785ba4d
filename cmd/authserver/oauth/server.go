package oauth

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/providentiaww/trilix-authserver/cmd/authserver/auth"
	"github.com/providentiaww/trilix-authserver/internal/events"
	"github.com/providentiaww/trilix-authserver/internal/logger"
	"github.com/providentiaww/trilix-authserver/internal/metrics"
	"github.com/providentiaww/trilix-authserver/internal/oauth"
)

// Server provides the OAuth 2.0 authorization-code endpoints.
type Server struct {
	cfg       oauth.Config
	registry  *oauth.Registry
	codes     *oauth.CodeService
	tokens    *oauth.TokenService
	directory auth.UserDirectory
	metrics   *metrics.Metrics
	events    events.Publisher
}

// Option configures a Server.
type Option func(*Server)

// WithMetrics records token issuance on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithEvents publishes token issuance events to p.
func WithEvents(p events.Publisher) Option {
	return func(s *Server) { s.events = p }
}

// NewServer creates a new OAuth server.
func NewServer(cfg oauth.Config, registry *oauth.Registry, codes *oauth.CodeService, tokens *oauth.TokenService, directory auth.UserDirectory, opts ...Option) *Server {
	s := &Server{
		cfg:       cfg,
		registry:  registry,
		codes:     codes,
		tokens:    tokens,
		directory: directory,
		events:    events.Nop{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Routes returns the /oauth sub-router. registerLimit, if non-nil, guards
// POST /register-app.
func (s *Server) Routes(registerLimit func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()
	r.NotFound(NotFoundHandler)
	r.MethodNotAllowed(MethodNotAllowedHandler)

	r.Group(func(r chi.Router) {
		if registerLimit != nil {
			r.Use(registerLimit)
		}
		r.Post("/register-app", s.HandleRegisterApp)
	})
	r.Get("/authorize", s.HandleAuthorize)
	r.Post("/token", s.HandleToken)
	r.With(s.RequireAccessToken).Get("/userinfo", s.HandleUserInfo)
	return r
}

// RequireAccessToken rejects requests without a valid access token.
func (s *Server) RequireAccessToken(next http.Handler) http.Handler {
	return auth.NewAuthMiddleware(s.tokens, rejectBearer).Handler(next)
}

func rejectBearer(w http.ResponseWriter, r *http.Request, missing bool) {
	if missing {
		WriteError(w, r, ErrUnauthorized)
		return
	}
	WriteError(w, r, ErrInvalidToken)
}

// HandleRegisterApp registers a client application and returns its
// credentials. The secret is shown only in this response.
func (s *Server) HandleRegisterApp(w http.ResponseWriter, r *http.Request) {
	limitBody(w, r)
	req, err := decodeRegisterApp(r)
	if err != nil {
		WriteError(w, r, ErrInvalidRequest.WithDescription(err.Error()))
		return
	}
	if err := req.validate(); err != nil {
		WriteError(w, r, ErrInvalidRequest.WithDescription(err.Error()))
		return
	}

	client, secret, err := s.registry.Register(r.Context(), req.AppName, req.RedirectURIs)
	if errors.Is(err, oauth.ErrInvalidRequest) {
		WriteError(w, r, ErrInvalidRequest.WithDescription(strings.TrimPrefix(err.Error(), oauth.ErrInvalidRequest.Error()+": ")))
		return
	}
	if err != nil {
		WriteError(w, r, ErrServerError.WithDescription("Failed to register app").Wrap(err))
		return
	}

	writeJSON(w, http.StatusCreated, registerAppResponse{
		ClientID:     client.ClientID,
		ClientSecret: secret,
		AppName:      client.AppName,
	})
}

// HandleAuthorize issues a code for the directory user presenting a bearer
// credential and redirects back to the client.
func (s *Server) HandleAuthorize(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	req := parseAuthorizeRequest(r)
	if err := req.validate(); err != nil {
		WriteError(w, r, ErrInvalidRequest.WithDescription(err.Error()))
		return
	}
	if req.ResponseType != "code" {
		WriteError(w, r, ErrUnsupportedResponseType)
		return
	}

	client, err := s.registry.FindByClientID(ctx, req.ClientID)
	if errors.Is(err, oauth.ErrNotFound) {
		WriteError(w, r, ErrInvalidClient.WithStatus(http.StatusBadRequest).WithDescription("Client not found"))
		return
	}
	if err != nil {
		WriteError(w, r, ErrServerError.WithDescription("Authorization failed").Wrap(err))
		return
	}
	if !client.AllowsRedirect(req.RedirectURI) {
		WriteError(w, r, ErrInvalidRedirectURI)
		return
	}

	credential := auth.ExtractTokenFromHeader(r)
	if credential == "" {
		WriteError(w, r, ErrUnauthorized.WithDescription("User must be authenticated"))
		return
	}
	user, err := s.directory.ValidateBearerCredential(ctx, credential)
	if errors.Is(err, auth.ErrUserNotFound) {
		WriteError(w, r, ErrInvalidToken.WithDescription("Invalid or expired user token"))
		return
	}
	if err != nil {
		WriteError(w, r, ErrServerError.WithDescription("Authorization failed").Wrap(err))
		return
	}

	code, err := s.codes.Issue(ctx, client.ClientID, user.ID, req.RedirectURI, s.cfg.AuthCodeTTL)
	if err != nil {
		WriteError(w, r, ErrServerError.WithDescription("Authorization failed").Wrap(err))
		return
	}

	logger.From(ctx).Info("authorization code issued",
		logger.ClientID(client.ClientID),
		logger.UserID(user.ID),
	)
	target, err := buildRedirect(req.RedirectURI, code, req.State)
	if err != nil {
		WriteError(w, r, ErrServerError.WithDescription("Authorization failed").Wrap(err))
		return
	}
	http.Redirect(w, r, target, http.StatusFound)
}

// HandleToken exchanges an authorization code for an access and refresh token.
func (s *Server) HandleToken(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")

	limitBody(w, r)
	req, err := decodeTokenRequest(r)
	if err != nil {
		WriteError(w, r, ErrInvalidRequest.WithDescription(err.Error()))
		return
	}
	if err := req.validate(); err != nil {
		WriteError(w, r, ErrInvalidRequest.WithDescription(err.Error()))
		return
	}
	if req.GrantType != "authorization_code" {
		WriteError(w, r, ErrUnsupportedGrantType)
		return
	}

	client, err := s.registry.VerifyCredentials(ctx, req.ClientID, req.ClientSecret)
	if errors.Is(err, oauth.ErrInvalidClient) {
		WriteError(w, r, ErrInvalidClient)
		return
	}
	if err != nil {
		WriteError(w, r, ErrServerError.WithDescription("Token generation failed").Wrap(err))
		return
	}

	record, err := s.codes.Redeem(ctx, req.Code, client.ClientID, req.RedirectURI)
	if errors.Is(err, oauth.ErrNotFound) {
		WriteError(w, r, ErrInvalidGrant)
		return
	}
	if err != nil {
		WriteError(w, r, ErrServerError.WithDescription("Token generation failed").Wrap(err))
		return
	}

	user, err := s.directory.LookupByID(ctx, record.UserID)
	if errors.Is(err, auth.ErrUserNotFound) {
		WriteError(w, r, ErrInvalidGrant.WithDescription("User not found"))
		return
	}
	if err != nil {
		WriteError(w, r, ErrServerError.WithDescription("Token generation failed").Wrap(err))
		return
	}

	resp, err := s.issueTokens(ctx, user, client.ClientID)
	if err != nil {
		WriteError(w, r, ErrServerError.WithDescription("Token generation failed").Wrap(err))
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// HandleUserInfo returns the directory record for the access token subject.
// It must run behind RequireAccessToken.
func (s *Server) HandleUserInfo(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	claims, ok := auth.ClaimsFromContext(ctx)
	if !ok {
		WriteError(w, r, ErrUnauthorized)
		return
	}

	user, err := s.directory.LookupByID(ctx, claims.Subject)
	if errors.Is(err, auth.ErrUserNotFound) {
		WriteError(w, r, ErrNotFound)
		return
	}
	if err != nil {
		WriteError(w, r, ErrServerError.WithDescription("Failed to retrieve user info").Wrap(err))
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (s *Server) issueTokens(ctx context.Context, user *auth.UserRecord, clientID string) (*tokenResponse, error) {
	accessToken, err := s.tokens.SignAccessToken(user.ID, user.Email, clientID, s.cfg.AccessTokenTTL)
	if err != nil {
		return nil, err
	}
	refreshToken, err := s.tokens.SignRefreshToken(user.ID, s.cfg.RefreshTokenTTL)
	if err != nil {
		return nil, err
	}

	s.metrics.TokenIssued("access")
	s.metrics.TokenIssued("refresh")
	events.Emit(ctx, s.events, events.TokenIssued, map[string]string{
		"client_id": clientID,
		"user_id":   user.ID,
	})
	logger.From(ctx).Info("tokens issued", logger.ClientID(clientID), logger.UserID(user.ID))

	return &tokenResponse{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		TokenType:    "Bearer",
		ExpiresIn:    int(s.cfg.AccessTokenTTL.Seconds()),
	}, nil
}

func buildRedirect(base, code, state string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("code", code)
	if state != "" {
		q.Set("state", state)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
