// Package testbackend runs the full backend on an httptest server for
// client-side tests.
package testbackend

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/threadline/threadline/internal/assistant"
	"github.com/threadline/threadline/internal/graphql"
	"github.com/threadline/threadline/internal/hub"
	"github.com/threadline/threadline/internal/policy"
	"github.com/threadline/threadline/internal/service"
	transporthttp "github.com/threadline/threadline/internal/transport/http"
	"github.com/threadline/threadline/internal/transport/ws"
	"github.com/threadline/threadline/tests/helpers"
)

// Backend is a running backend.
type Backend struct {
	URL   string
	WSURL string
	Auth  *service.AuthService
	Chats *service.ChatService
	Hub   *hub.Hub
}

// Start launches a backend with mock assistant replies. It is torn down when
// the test ends.
func Start(t *testing.T) *Backend {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	store := helpers.NewTestSQLiteStore(t)
	h := hub.New(zerolog.Nop())
	go h.Run(ctx)

	engine, err := policy.NewEngine(ctx, policy.DefaultPolicy)
	if err != nil {
		t.Fatalf("failed to create policy engine: %v", err)
	}

	auth := service.NewAuthService(store, service.NewTokenIssuer("test-secret", 15*time.Minute), service.LogMailer{Logger: zerolog.Nop()}, false, zerolog.Nop())
	chats := service.NewChatService(store, assistant.MockResponder{}, engine, h, service.ChatLimits{MaxMessageLength: 8000, SendRateLimitPerMin: 100}, zerolog.Nop())
	executor := graphql.NewExecutor(chats, zerolog.Nop())

	wsServer := ws.NewServer(ws.Config{
		PingInterval:   time.Second,
		WriteTimeout:   time.Second,
		ReadTimeout:    10 * time.Second,
		InitTimeout:    time.Second,
		MaxMessageSize: 64 * 1024,
	}, h, executor, auth, zerolog.Nop())

	srv := transporthttp.NewServer(transporthttp.Config{}, auth, executor, wsServer.HandleWebSocket, h, zerolog.Nop())
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &Backend{
		URL:   ts.URL,
		WSURL: "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/graphql",
		Auth:  auth,
		Chats: chats,
		Hub:   h,
	}
}

// SignUp creates an account and returns its access token and user ID.
func (b *Backend) SignUp(t *testing.T, email string) (token, userID string) {
	t.Helper()
	resp, err := b.Auth.SignUp(context.Background(), email, "password1")
	if err != nil {
		t.Fatalf("sign up %s: %v", email, err)
	}
	return resp.Session.AccessToken, resp.Session.User.ID
}

// StaticToken is a TokenSource with a fixed token.
type StaticToken string

// AccessToken returns the token.
func (s StaticToken) AccessToken() string {
	return string(s)
}
