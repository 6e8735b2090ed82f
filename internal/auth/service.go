package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// Service authenticates logins and issues tokens for them.
type Service struct {
	store  Store
	tokens *Tokens
	logger *slog.Logger
}

// ServiceOption configures Service.
type ServiceOption func(*Service)

// WithLogger sets the logger used for failed attempts.
func WithLogger(l *slog.Logger) ServiceOption {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

func NewService(store Store, tokens *Tokens, opts ...ServiceOption) *Service {
	s := &Service{store: store, tokens: tokens, logger: slog.New(slog.DiscardHandler)}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Tokens returns the signer used by the service.
func (s *Service) Tokens() *Tokens { return s.tokens }

// Authenticate checks username and password and issues a token. Unknown
// usernames and wrong passwords fail the same way.
func (s *Service) Authenticate(ctx context.Context, username, password string) (Token, error) {
	if strings.TrimSpace(username) == "" || password == "" {
		return Token{}, fmt.Errorf("%w: username and password are required", ErrInvalidInput)
	}
	l, err := s.store.LoginByUsername(ctx, username)
	if errors.Is(err, ErrNotFound) {
		s.logger.InfoContext(ctx, "login failed", slog.String("reason", "unknown username"))
		return Token{}, ErrInvalidCredentials
	}
	if err != nil {
		return Token{}, err
	}
	if err := CheckPassword(l.PasswordHash, password); err != nil {
		s.logger.InfoContext(ctx, "login failed", slog.String("login_id", l.ID), slog.String("reason", "password"))
		return Token{}, ErrInvalidCredentials
	}
	return s.tokens.Issue(l.Identity())
}

// Register creates a login for personID. An empty personID creates an
// unlinked login, typically a superuser.
func (s *Service) Register(ctx context.Context, username, password, personID string, superuser bool) (Login, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return Login{}, fmt.Errorf("%w: username is required", ErrInvalidInput)
	}
	hash, err := HashPassword(password)
	if err != nil {
		return Login{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return s.store.CreateLogin(ctx, Login{Username: username, PasswordHash: hash, PersonID: personID, Superuser: superuser})
}

// ChangePassword replaces the password of login id after checking the old one.
func (s *Service) ChangePassword(ctx context.Context, id, oldPassword, newPassword string) error {
	l, err := s.store.Login(ctx, id)
	if err != nil {
		return err
	}
	if err := CheckPassword(l.PasswordHash, oldPassword); err != nil {
		return ErrInvalidCredentials
	}
	hash, err := HashPassword(newPassword)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return s.store.UpdatePassword(ctx, id, hash)
}
