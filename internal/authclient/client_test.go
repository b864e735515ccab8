package authclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/threadline/threadline/internal/domain"
	"github.com/threadline/threadline/tests/testbackend"
)

func authCode(t *testing.T, err error) string {
	t.Helper()
	var authErr *domain.AuthError
	require.ErrorAs(t, err, &authErr)
	return authErr.Code
}

func TestSignUpSignOutSignIn(t *testing.T) {
	ctx := context.Background()
	b := testbackend.Start(t)
	c := New(b.URL, 2*time.Second, zerolog.Nop())

	assert.False(t, c.IsAuthenticated())
	assert.Empty(t, c.AccessToken())

	needsVerification, err := c.SignUp(ctx, "ada@example.com", "password1")
	require.NoError(t, err)
	assert.False(t, needsVerification)
	assert.True(t, c.IsAuthenticated())
	assert.NotEmpty(t, c.AccessToken())
	require.NotNil(t, c.User())
	assert.Equal(t, "ada@example.com", c.User().Email)

	userID, err := b.Auth.ValidateToken(c.AccessToken())
	require.NoError(t, err)
	assert.Equal(t, c.User().ID, userID)

	require.NoError(t, c.SignOut(ctx))
	assert.False(t, c.IsAuthenticated())
	assert.Nil(t, c.User())

	require.NoError(t, c.SignIn(ctx, "ada@example.com", "password1"))
	assert.True(t, c.IsAuthenticated())
	assert.False(t, c.IsLoading())
}

func TestSignInFailures(t *testing.T) {
	ctx := context.Background()
	b := testbackend.Start(t)
	c := New(b.URL, 2*time.Second, zerolog.Nop())

	err := c.SignIn(ctx, "ada@example.com", "password1")
	assert.Equal(t, domain.AuthCodeInvalidCredentials, authCode(t, err))
	assert.False(t, c.IsAuthenticated())

	_, err = c.SignUp(ctx, "ada@example.com", "short")
	assert.Equal(t, domain.AuthCodeInvalidRequest, authCode(t, err))

	_, err = c.SignUp(ctx, "ada@example.com", "password1")
	require.NoError(t, err)
	_, err = c.SignUp(ctx, "ada@example.com", "password1")
	assert.Equal(t, domain.AuthCodeEmailInUse, authCode(t, err))
}

func TestSendVerificationEmail(t *testing.T) {
	b := testbackend.Start(t)
	c := New(b.URL, 2*time.Second, zerolog.Nop())

	require.NoError(t, c.SendVerificationEmail(context.Background(), "ghost@example.com"))
	err := c.SendVerificationEmail(context.Background(), "nope")
	assert.Equal(t, domain.AuthCodeInvalidRequest, authCode(t, err))
}

func TestSignUpPendingVerification(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"session":null}`))
	}))
	defer ts.Close()

	c := New(ts.URL, time.Second, zerolog.Nop())
	needsVerification, err := c.SignUp(context.Background(), "ada@example.com", "password1")
	require.NoError(t, err)
	assert.True(t, needsVerification)
	assert.False(t, c.IsAuthenticated())
}

func TestIsLoadingWhileInFlight(t *testing.T) {
	release := make(chan struct{})
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":"incorrect email or password","code":"invalid-email-password"}`))
	}))
	defer ts.Close()
	defer close(release)

	c := New(ts.URL, 2*time.Second, zerolog.Nop())
	done := make(chan error, 1)
	go func() { done <- c.SignIn(context.Background(), "ada@example.com", "password1") }()

	require.Eventually(t, c.IsLoading, time.Second, 5*time.Millisecond)
	release <- struct{}{}

	err := <-done
	assert.Equal(t, domain.AuthCodeInvalidCredentials, authCode(t, err))
	assert.False(t, c.IsLoading())
}

func TestUnavailableBackend(t *testing.T) {
	c := New("http://127.0.0.1:1", 200*time.Millisecond, zerolog.Nop())
	err := c.SignIn(context.Background(), "ada@example.com", "password1")
	assert.Equal(t, domain.AuthCodeUnavailable, authCode(t, err))
}
