package service

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"github.com/threadline/threadline/internal/domain"
	"github.com/threadline/threadline/internal/metrics"
	"github.com/threadline/threadline/internal/repository"
)

const minPasswordLength = 8

// Mailer delivers verification emails.
type Mailer interface {
	SendVerification(ctx context.Context, email, token string) error
}

// LogMailer writes verification tokens to the log instead of sending mail.
type LogMailer struct {
	Logger zerolog.Logger
}

// SendVerification logs the token.
func (m LogMailer) SendVerification(ctx context.Context, email, token string) error {
	m.Logger.Info().Str("email", email).Str("token", token).Msg("verification email")
	return nil
}

// AuthService handles email/password accounts and access tokens.
type AuthService struct {
	store                    repository.Store
	tokens                   *TokenIssuer
	mailer                   Mailer
	requireEmailVerification bool
	logger                   zerolog.Logger
	now                      func() time.Time
}

// NewAuthService creates an auth service.
func NewAuthService(store repository.Store, tokens *TokenIssuer, mailer Mailer, requireEmailVerification bool, logger zerolog.Logger) *AuthService {
	return &AuthService{
		store:                    store,
		tokens:                   tokens,
		mailer:                   mailer,
		requireEmailVerification: requireEmailVerification,
		logger:                   logger.With().Str("component", "auth_service").Logger(),
		now:                      time.Now,
	}
}

// SignUp creates an account. When email verification is required the
// response carries no session and a verification email is sent.
func (s *AuthService) SignUp(ctx context.Context, email, password string) (*domain.SessionResponse, error) {
	email, err := normalizeCredentials("sign up", email, password)
	if err != nil {
		metrics.AuthAttempts.WithLabelValues("sign_up", "invalid").Inc()
		return nil, err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	user := &domain.User{
		ID:           uuid.New().String(),
		Email:        email,
		DisplayName:  strings.SplitN(email, "@", 2)[0],
		PasswordHash: string(hash),
		CreatedAt:    s.now(),
	}
	if s.requireEmailVerification {
		user.VerificationToken = uuid.New().String()
	}

	if err := s.store.CreateUser(ctx, user); err != nil {
		if errors.Is(err, domain.ErrEmailInUse) {
			metrics.AuthAttempts.WithLabelValues("sign_up", "rejected").Inc()
			return nil, &domain.AuthError{Op: "sign up", Code: domain.AuthCodeEmailInUse, Message: "email already in use"}
		}
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	metrics.AuthAttempts.WithLabelValues("sign_up", "ok").Inc()
	s.logger.Info().Str("user_id", user.ID).Msg("user signed up")

	if s.requireEmailVerification {
		if err := s.mailer.SendVerification(ctx, user.Email, user.VerificationToken); err != nil {
			s.logger.Error().Err(err).Str("user_id", user.ID).Msg("failed to send verification email")
		}
		return &domain.SessionResponse{}, nil
	}

	session, err := s.issue(user)
	if err != nil {
		return nil, err
	}
	return &domain.SessionResponse{Session: session}, nil
}

// SignIn checks the credentials and returns a session.
func (s *AuthService) SignIn(ctx context.Context, email, password string) (*domain.Session, error) {
	email, err := normalizeCredentials("sign in", email, password)
	if err != nil {
		metrics.AuthAttempts.WithLabelValues("sign_in", "invalid").Inc()
		return nil, err
	}

	user, err := s.store.GetUserByEmail(ctx, email)
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	if user == nil || bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) != nil {
		metrics.AuthAttempts.WithLabelValues("sign_in", "rejected").Inc()
		return nil, &domain.AuthError{Op: "sign in", Code: domain.AuthCodeInvalidCredentials, Message: "incorrect email or password"}
	}
	if s.requireEmailVerification && !user.EmailVerified {
		metrics.AuthAttempts.WithLabelValues("sign_in", "unverified").Inc()
		return nil, &domain.AuthError{Op: "sign in", Code: domain.AuthCodeUnverified, Message: "email is not verified"}
	}

	now := s.now()
	if err := s.store.TouchLastSeen(ctx, user.ID, now); err != nil {
		s.logger.Warn().Err(err).Str("user_id", user.ID).Msg("failed to record last seen")
	}
	user.LastSeenAt = &now
	metrics.AuthAttempts.WithLabelValues("sign_in", "ok").Inc()
	return s.issue(user)
}

// SendVerificationEmail issues a fresh verification token. Unknown and
// already verified addresses succeed silently.
func (s *AuthService) SendVerificationEmail(ctx context.Context, email string) error {
	email = strings.ToLower(strings.TrimSpace(email))
	if _, err := mail.ParseAddress(email); err != nil {
		return &domain.AuthError{Op: "send verification email", Code: domain.AuthCodeInvalidRequest, Message: "invalid email address"}
	}

	user, err := s.store.GetUserByEmail(ctx, email)
	if err != nil {
		return fmt.Errorf("failed to get user: %w", err)
	}
	if user == nil || user.EmailVerified {
		return nil
	}

	token := uuid.New().String()
	if err := s.store.SetVerificationToken(ctx, user.ID, token); err != nil {
		return fmt.Errorf("failed to store verification token: %w", err)
	}
	return s.mailer.SendVerification(ctx, user.Email, token)
}

// VerifyEmail marks the holder of token as verified.
func (s *AuthService) VerifyEmail(ctx context.Context, token string) error {
	if token == "" {
		return &domain.AuthError{Op: "verify email", Code: domain.AuthCodeInvalidRequest, Message: "missing token"}
	}
	user, err := s.store.GetUserByVerificationToken(ctx, token)
	if err != nil {
		return fmt.Errorf("failed to get user: %w", err)
	}
	if user == nil {
		return &domain.AuthError{Op: "verify email", Code: domain.AuthCodeInvalidRequest, Message: "unknown or used token"}
	}
	return s.store.MarkEmailVerified(ctx, user.ID)
}

// ValidateToken returns the user ID carried by an access token.
func (s *AuthService) ValidateToken(token string) (string, error) {
	claims, err := s.tokens.Validate(token)
	if err != nil {
		return "", &domain.AuthError{Op: "validate token", Code: domain.AuthCodeUnauthenticated, Message: err.Error()}
	}
	return claims.UserID, nil
}

func (s *AuthService) issue(user *domain.User) (*domain.Session, error) {
	now := s.now()
	token, _, err := s.tokens.Issue(user.ID, user.Email, now)
	if err != nil {
		return nil, fmt.Errorf("failed to sign token: %w", err)
	}
	return &domain.Session{
		AccessToken:          token,
		AccessTokenExpiresIn: int64(s.tokens.TTL().Seconds()),
		User:                 *user,
	}, nil
}

func normalizeCredentials(op, email, password string) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if _, err := mail.ParseAddress(email); err != nil {
		return "", &domain.AuthError{Op: op, Code: domain.AuthCodeInvalidRequest, Message: "invalid email address"}
	}
	if len(password) < minPasswordLength {
		return "", &domain.AuthError{Op: op, Code: domain.AuthCodeInvalidRequest, Message: fmt.Sprintf("password must be at least %d characters", minPasswordLength)}
	}
	return email, nil
}
