package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/threadline/threadline/internal/domain"
	"github.com/threadline/threadline/tests/helpers"
)

type capturingMailer struct {
	mu     sync.Mutex
	tokens map[string]string
}

func (m *capturingMailer) SendVerification(_ context.Context, email, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.tokens == nil {
		m.tokens = map[string]string{}
	}
	m.tokens[email] = token
	return nil
}

func (m *capturingMailer) token(email string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tokens[email]
}

func newAuthService(t *testing.T, requireVerification bool) (*AuthService, *capturingMailer) {
	t.Helper()
	mailer := &capturingMailer{}
	svc := NewAuthService(helpers.NewTestSQLiteStore(t), NewTokenIssuer("secret", 15*time.Minute), mailer, requireVerification, zerolog.Nop())
	return svc, mailer
}

func authCode(t *testing.T, err error) string {
	t.Helper()
	var authErr *domain.AuthError
	require.ErrorAs(t, err, &authErr)
	return authErr.Code
}

func TestSignUpAndSignIn(t *testing.T) {
	ctx := context.Background()
	svc, _ := newAuthService(t, false)

	resp, err := svc.SignUp(ctx, " Ada@Example.com ", "password1")
	require.NoError(t, err)
	require.NotNil(t, resp.Session)
	assert.Equal(t, "ada@example.com", resp.Session.User.Email)
	assert.Equal(t, "ada", resp.Session.User.DisplayName)
	assert.Equal(t, int64(900), resp.Session.AccessTokenExpiresIn)

	userID, err := svc.ValidateToken(resp.Session.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, resp.Session.User.ID, userID)

	session, err := svc.SignIn(ctx, "ada@example.com", "password1")
	require.NoError(t, err)
	assert.Equal(t, userID, session.User.ID)
	assert.NotNil(t, session.User.LastSeenAt)

	_, err = svc.SignIn(ctx, "ada@example.com", "wrong-password")
	assert.Equal(t, domain.AuthCodeInvalidCredentials, authCode(t, err))

	_, err = svc.SignIn(ctx, "nobody@example.com", "password1")
	assert.Equal(t, domain.AuthCodeInvalidCredentials, authCode(t, err))

	_, err = svc.SignUp(ctx, "ada@example.com", "password2")
	assert.Equal(t, domain.AuthCodeEmailInUse, authCode(t, err))
}

func TestSignUpValidation(t *testing.T) {
	ctx := context.Background()
	svc, _ := newAuthService(t, false)

	_, err := svc.SignUp(ctx, "not-an-email", "password1")
	assert.Equal(t, domain.AuthCodeInvalidRequest, authCode(t, err))

	_, err = svc.SignUp(ctx, "ada@example.com", "short")
	assert.Equal(t, domain.AuthCodeInvalidRequest, authCode(t, err))
}

func TestEmailVerification(t *testing.T) {
	ctx := context.Background()
	svc, mailer := newAuthService(t, true)

	resp, err := svc.SignUp(ctx, "ada@example.com", "password1")
	require.NoError(t, err)
	assert.Nil(t, resp.Session)

	_, err = svc.SignIn(ctx, "ada@example.com", "password1")
	assert.Equal(t, domain.AuthCodeUnverified, authCode(t, err))

	first := mailer.token("ada@example.com")
	require.NotEmpty(t, first)

	require.NoError(t, svc.SendVerificationEmail(ctx, "ada@example.com"))
	second := mailer.token("ada@example.com")
	assert.NotEqual(t, first, second)

	assert.Equal(t, domain.AuthCodeInvalidRequest, authCode(t, svc.VerifyEmail(ctx, first)))
	require.NoError(t, svc.VerifyEmail(ctx, second))

	_, err = svc.SignIn(ctx, "ada@example.com", "password1")
	require.NoError(t, err)

	assert.NoError(t, svc.SendVerificationEmail(ctx, "unknown@example.com"))
}

func TestValidateTokenRejectsGarbage(t *testing.T) {
	svc, _ := newAuthService(t, false)
	_, err := svc.ValidateToken("not.a.token")
	assert.Equal(t, domain.AuthCodeUnauthenticated, authCode(t, err))

	other := NewTokenIssuer("other-secret", time.Minute)
	token, _, err := other.Issue("u1", "a@b.c", time.Now())
	require.NoError(t, err)
	_, err = svc.ValidateToken(token)
	assert.Equal(t, domain.AuthCodeUnauthenticated, authCode(t, err))
}

func TestTokenExpiry(t *testing.T) {
	issuer := NewTokenIssuer("secret", time.Minute)
	token, _, err := issuer.Issue("u1", "a@b.c", time.Now().Add(-2*time.Minute))
	require.NoError(t, err)
	_, err = issuer.Validate(token)
	assert.Error(t, err)
}
