package oauth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	tokenUseAccess  = "access"
	tokenUseRefresh = "refresh"
)

var validMethods = []string{jwt.SigningMethodHS256.Alg()}

// TokenService signs and verifies self-contained HS256 tokens. It holds no
// state beyond the key and clock, so there is no way to revoke an issued token
// before it expires.
type TokenService struct {
	secret []byte
	now    func() time.Time
}

// NewTokenService creates a TokenService keyed by secret.
func NewTokenService(secret []byte) *TokenService {
	return &TokenService{secret: secret, now: time.Now}
}

// WithClock returns a copy of the service that reads time from now.
func (s *TokenService) WithClock(now func() time.Time) *TokenService {
	cp := *s
	cp.now = now
	return &cp
}

type accessClaims struct {
	jwt.RegisteredClaims
	Email    string `json:"email"`
	ClientID string `json:"client_id"`
	Type     string `json:"type"`
}

type refreshClaims struct {
	jwt.RegisteredClaims
	Type string `json:"type"`
}

// SignAccessToken issues an access token for userID on behalf of clientID.
func (s *TokenService) SignAccessToken(userID, email, clientID string, ttl time.Duration) (string, error) {
	claims := accessClaims{
		RegisteredClaims: s.registered(userID, ttl),
		Email:            email,
		ClientID:         clientID,
		Type:             tokenUseAccess,
	}
	return s.sign(claims)
}

// SignRefreshToken issues a refresh token for userID.
func (s *TokenService) SignRefreshToken(userID string, ttl time.Duration) (string, error) {
	claims := refreshClaims{
		RegisteredClaims: s.registered(userID, ttl),
		Type:             tokenUseRefresh,
	}
	return s.sign(claims)
}

// VerifyAccessToken validates signature, algorithm, expiry and token kind.
// Every failure is reported as ErrInvalidToken.
func (s *TokenService) VerifyAccessToken(raw string) (*AccessTokenClaims, error) {
	var claims accessClaims
	if err := s.parse(raw, &claims); err != nil {
		return nil, err
	}
	if claims.Type != tokenUseAccess {
		return nil, fmt.Errorf("%w: token kind %q", ErrInvalidToken, claims.Type)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}

	return &AccessTokenClaims{
		Subject:   claims.Subject,
		Email:     claims.Email,
		ClientID:  claims.ClientID,
		IssuedAt:  numericTime(claims.IssuedAt),
		ExpiresAt: numericTime(claims.ExpiresAt),
	}, nil
}

// VerifyRefreshToken is VerifyAccessToken for refresh tokens.
func (s *TokenService) VerifyRefreshToken(raw string) (*RefreshTokenClaims, error) {
	var claims refreshClaims
	if err := s.parse(raw, &claims); err != nil {
		return nil, err
	}
	if claims.Type != tokenUseRefresh {
		return nil, fmt.Errorf("%w: token kind %q", ErrInvalidToken, claims.Type)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}

	return &RefreshTokenClaims{
		Subject:   claims.Subject,
		IssuedAt:  numericTime(claims.IssuedAt),
		ExpiresAt: numericTime(claims.ExpiresAt),
	}, nil
}

func (s *TokenService) registered(userID string, ttl time.Duration) jwt.RegisteredClaims {
	now := s.now()
	return jwt.RegisteredClaims{
		Subject:   userID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
}

func (s *TokenService) sign(claims jwt.Claims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

func (s *TokenService) parse(raw string, claims jwt.Claims) error {
	token, err := jwt.ParseWithClaims(raw, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	},
		jwt.WithValidMethods(validMethods),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return ErrInvalidToken
	}
	return nil
}

func numericTime(d *jwt.NumericDate) time.Time {
	if d == nil {
		return time.Time{}
	}
	return d.Time
}
