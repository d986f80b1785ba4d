package oauth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/providentiaww/trilix-authserver/internal/events"
	"github.com/providentiaww/trilix-authserver/internal/logger"
	"github.com/providentiaww/trilix-authserver/internal/metrics"
)

const (
	// DefaultCodeTTL applies when Issue is given a negative ttl.
	DefaultCodeTTL = 10 * time.Minute
	issueAttempts  = 3
)

// CodeService issues and redeems single-use authorization codes.
type CodeService struct {
	store   CodeStore
	now     func() time.Time
	metrics *metrics.Metrics
	events  events.Publisher
}

// CodeOption configures a CodeService.
type CodeOption func(*CodeService)

// WithCodeClock sets the clock used for issue, redeem and sweep.
func WithCodeClock(now func() time.Time) CodeOption {
	return func(s *CodeService) { s.now = now }
}

// WithCodeMetrics records issue, redeem and sweep counts on m.
func WithCodeMetrics(m *metrics.Metrics) CodeOption {
	return func(s *CodeService) { s.metrics = m }
}

// WithCodeEvents publishes code lifecycle events to p.
func WithCodeEvents(p events.Publisher) CodeOption {
	return func(s *CodeService) { s.events = p }
}

// NewCodeService creates a CodeService over store.
func NewCodeService(store CodeStore, opts ...CodeOption) *CodeService {
	s := &CodeService{
		store:  store,
		now:    time.Now,
		events: events.Nop{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Issue mints a code bound to clientID, userID and redirectURI that expires
// ttl from now. Only the hash is persisted.
func (s *CodeService) Issue(ctx context.Context, clientID, userID, redirectURI string, ttl time.Duration) (string, error) {
	if clientID == "" || userID == "" || redirectURI == "" {
		return "", fmt.Errorf("%w: client_id, user_id and redirect_uri are required", ErrInvalidRequest)
	}
	if ttl < 0 {
		ttl = DefaultCodeTTL
	}

	for attempt := 1; attempt <= issueAttempts; attempt++ {
		code, err := newCode()
		if err != nil {
			return "", fmt.Errorf("generate code: %w", err)
		}

		now := s.now().UTC()
		err = s.store.CreateCode(ctx, &AuthorizationCode{
			CodeHash:    HashToken(code),
			ClientID:    clientID,
			UserID:      userID,
			RedirectURI: redirectURI,
			ExpiresAt:   now.Add(ttl),
			CreatedAt:   now,
		})
		if errors.Is(err, ErrConflict) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("store code: %w", err)
		}

		s.metrics.CodeIssued()
		events.Emit(ctx, s.events, events.CodeIssued, map[string]string{
			"client_id": clientID,
			"user_id":   userID,
		})
		return code, nil
	}

	return "", fmt.Errorf("store code: %w after %d attempts", ErrConflict, issueAttempts)
}

// Redeem consumes code if it is live and bound to clientID and redirectURI.
// Unknown, expired, used and mismatched codes all yield ErrNotFound.
func (s *CodeService) Redeem(ctx context.Context, code, clientID, redirectURI string) (*AuthorizationCode, error) {
	if code == "" {
		s.metrics.CodeRedeemed(metrics.ResultRejected)
		return nil, ErrNotFound
	}

	record, err := s.store.ConsumeCode(ctx, HashToken(code), clientID, redirectURI, s.now().UTC())
	switch {
	case errors.Is(err, ErrNotFound):
		s.metrics.CodeRedeemed(metrics.ResultRejected)
		return nil, ErrNotFound
	case err != nil:
		s.metrics.CodeRedeemed(metrics.ResultError)
		return nil, fmt.Errorf("consume code: %w", err)
	}

	s.metrics.CodeRedeemed(metrics.ResultOK)
	events.Emit(ctx, s.events, events.CodeRedeemed, map[string]string{
		"client_id": record.ClientID,
		"user_id":   record.UserID,
	})
	return record, nil
}

// SweepExpired removes every code expired at the current time.
func (s *CodeService) SweepExpired(ctx context.Context) (int, error) {
	n, err := s.store.DeleteExpiredCodes(ctx, s.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("sweep codes: %w", err)
	}
	s.metrics.CodesSwept(n)
	if n > 0 {
		events.Emit(ctx, s.events, events.CodesSwept, map[string]string{"count": fmt.Sprint(n)})
	}
	return n, nil
}

// RunSweeper calls SweepExpired every interval until ctx is done. Sweep
// failures are logged and do not stop the loop.
func (s *CodeService) RunSweeper(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("sweep interval must be positive, got %s", interval)
	}

	log := logger.From(ctx).With(logger.Component("sweeper"))
	log.Info("code sweeper started", logger.Duration(interval))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("code sweeper stopped")
			return nil
		case <-ticker.C:
			n, err := s.SweepExpired(ctx)
			if err != nil {
				log.Error("code sweep failed", logger.Err(err))
				continue
			}
			if n > 0 {
				log.Info("expired codes swept", logger.Count(n))
			}
		}
	}
}
