// Package authclient signs users in against the backend's auth endpoints and
// holds the resulting session.
package authclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/threadline/threadline/internal/domain"
)

// Client is the auth provider. It is safe for concurrent use.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     zerolog.Logger

	mu       sync.RWMutex
	session  *domain.Session
	inFlight int
}

// New creates an auth client for the backend at baseURL.
func New(baseURL string, timeout time.Duration, logger zerolog.Logger) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
		logger: logger.With().Str("component", "authclient").Logger(),
	}
}

// IsAuthenticated reports whether a session is held.
func (c *Client) IsAuthenticated() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.session != nil
}

// IsLoading reports whether a sign-in or sign-up call is in flight.
func (c *Client) IsLoading() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.inFlight > 0
}

// AccessToken returns the session token, or "" when signed out.
func (c *Client) AccessToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.session == nil {
		return ""
	}
	return c.session.AccessToken
}

// User returns the signed-in user, or nil.
func (c *Client) User() *domain.User {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.session == nil {
		return nil
	}
	u := c.session.User
	return &u
}

// SignIn exchanges credentials for a session.
func (c *Client) SignIn(ctx context.Context, email, password string) error {
	defer c.track()()

	var resp domain.SessionResponse
	if err := c.post(ctx, "sign in", "/v1/auth/signin", domain.EmailPasswordRequest{Email: email, Password: password}, &resp); err != nil {
		return err
	}
	if resp.Session == nil {
		return &domain.AuthError{Op: "sign in", Message: "response carried no session"}
	}
	c.setSession(resp.Session)
	c.logger.Info().Str("user_id", resp.Session.User.ID).Msg("signed in")
	return nil
}

// SignUp creates an account. needsVerification is true when the backend
// requires the email to be verified before signing in; no session is held
// in that case.
func (c *Client) SignUp(ctx context.Context, email, password string) (needsVerification bool, err error) {
	defer c.track()()

	var resp domain.SessionResponse
	if err := c.post(ctx, "sign up", "/v1/auth/signup", domain.EmailPasswordRequest{Email: email, Password: password}, &resp); err != nil {
		return false, err
	}
	if resp.Session == nil {
		return true, nil
	}
	c.setSession(resp.Session)
	c.logger.Info().Str("user_id", resp.Session.User.ID).Msg("signed up")
	return false, nil
}

// SendVerificationEmail asks the backend to re-send the verification link.
func (c *Client) SendVerificationEmail(ctx context.Context, email string) error {
	return c.post(ctx, "send verification email", "/v1/auth/send-verification-email", domain.EmailRequest{Email: email}, nil)
}

// SignOut drops the session. Access tokens are stateless, so there is
// nothing to revoke on the backend.
func (c *Client) SignOut(ctx context.Context) error {
	c.setSession(nil)
	return nil
}

func (c *Client) setSession(s *domain.Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.session = s
}

// track marks a call in flight until the returned func runs.
func (c *Client) track() func() {
	c.mu.Lock()
	c.inFlight++
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		c.inFlight--
		c.mu.Unlock()
	}
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func (c *Client) post(ctx context.Context, op, path string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal %s request: %w", op, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &domain.AuthError{Op: op, Code: domain.AuthCodeUnavailable, Message: err.Error()}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return &domain.AuthError{Op: op, Code: domain.AuthCodeUnavailable, Message: err.Error()}
	}

	if resp.StatusCode != http.StatusOK {
		var errResp errorResponse
		if json.Unmarshal(respBody, &errResp) != nil || errResp.Error == "" {
			errResp.Error = fmt.Sprintf("unexpected status %d", resp.StatusCode)
		}
		return &domain.AuthError{Op: op, Code: errResp.Code, Message: errResp.Error}
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", op, err)
	}
	return nil
}
