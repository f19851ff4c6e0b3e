package services

import (
	"context"
	"errors"
	"fmt"

	"relaycast/internal/core/domain"
	"relaycast/internal/core/ports"
	"relaycast/pkg/tracing"

	"go.uber.org/zap"
	"golang.org/x/text/cases"
)

// AuthService decides whether a connecting peer may take a role.
type AuthService struct {
	streams ports.StreamRepository
	logger  *zap.SugaredLogger
}

// NewAuthService authorizes connections against the stream record store.
func NewAuthService(streams ports.StreamRepository, logger *zap.SugaredLogger) *AuthService {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &AuthService{streams: streams, logger: logger}
}

// Authorize admits viewers unconditionally and publishers only when they
// own the stream record.
func (s *AuthService) Authorize(ctx context.Context, token domain.StreamToken, role domain.Role, identity string) error {
	switch role {
	case domain.RoleViewer:
		return nil
	case domain.RolePublisher:
		_, err := s.AuthorizePublisher(ctx, token, identity)
		return err
	default:
		return fmt.Errorf("%w: %q", domain.ErrInvalidRole, role)
	}
}

// AuthorizePublisher returns the stream record when identity matches its
// owner under Unicode case folding. A missing record yields
// domain.ErrStreamNotFound; any other store failure is returned wrapped.
func (s *AuthService) AuthorizePublisher(ctx context.Context, token domain.StreamToken, identity string) (*domain.Stream, error) {
	ctx, span := tracing.TraceStoreOperation(ctx, "get_stream", "stream_store")
	defer span.End()

	stream, err := s.streams.GetByToken(ctx, token)
	if err != nil {
		tracing.RecordError(ctx, err)
		if errors.Is(err, domain.ErrStreamNotFound) {
			return nil, domain.ErrStreamNotFound
		}
		return nil, fmt.Errorf("look up stream %s: %w", token, err)
	}

	if !SameIdentity(stream.Owner, identity) {
		s.logger.Warnw("publisher refused, identity does not own stream", "stream_token", token)
		return nil, domain.ErrNotStreamOwner
	}
	return stream, nil
}

// SameIdentity compares two identities case-insensitively. Empty
// identities never match.
func SameIdentity(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	return cases.Fold().String(a) == cases.Fold().String(b)
}
