package identity

import (
	"context"
	"errors"
	"fmt"

	"wedplan/internal/core"
	"wedplan/internal/log"
)

// UserStore keeps a profile row per signed-in user.
type UserStore interface {
	UpsertUser(ctx context.Context, u core.Identity) error
}

// Service signs users in: provider check, profile upsert, session issue.
type Service struct {
	provider Provider
	users    UserStore
	sessions *Sessions
	logger   *log.Logger
}

func NewService(provider Provider, users UserStore, sessions *Sessions, logger *log.Logger) *Service {
	if logger == nil {
		logger = log.Discard()
	}
	return &Service{
		provider: provider,
		users:    users,
		sessions: sessions,
		logger:   logger.WithComponent(log.ComponentIdentity),
	}
}

func (s *Service) Sessions() *Sessions { return s.sessions }

// SignIn returns the new session and its signed token. A failed profile
// upsert does not block sign-in.
func (s *Service) SignIn(ctx context.Context, credential string) (Session, string, error) {
	id, err := s.provider.SignIn(ctx, credential)
	if err != nil {
		var perr *ProviderError
		if errors.As(err, &perr) {
			s.logger.WarnContext(ctx, "sign-in rejected", "code", perr.Code, log.FieldError, perr.Message)
		}
		return Session{}, "", err
	}

	if s.users != nil {
		if err := s.users.UpsertUser(ctx, id); err != nil {
			s.logger.LogError(ctx, "failed to store user profile", err, log.OpSignIn,
				log.NewFields().WithOwner(id.UID).With(log.FieldErrorType, log.ErrorTypeDatabase))
		}
	}

	sess, token, err := s.sessions.Issue(id)
	if err != nil {
		return Session{}, "", fmt.Errorf("issue session: %w", err)
	}
	s.logger.InfoContext(ctx, "signed in", log.FieldOwner, id.UID, log.FieldSessionID, sess.ID)
	return sess, token, nil
}
