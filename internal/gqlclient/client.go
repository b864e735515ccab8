// Package gqlclient talks GraphQL to the backend: queries and mutations over
// HTTP POST, subscriptions over graphql-transport-ws.
package gqlclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/threadline/threadline/internal/domain"
	"github.com/threadline/threadline/internal/protocol"
)

// TokenSource supplies the current access token, or "" when signed out.
type TokenSource interface {
	AccessToken() string
}

// Client is a GraphQL client for the backend.
type Client struct {
	httpURL    string
	wsURL      string
	httpClient *http.Client
	tokens     TokenSource
	timeout    time.Duration
	logger     zerolog.Logger
}

// New creates a client. timeout bounds HTTP calls and the websocket handshake.
func New(httpURL, wsURL string, timeout time.Duration, tokens TokenSource, logger zerolog.Logger) *Client {
	return &Client{
		httpURL: strings.TrimSuffix(httpURL, "/"),
		wsURL:   wsURL,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		tokens:  tokens,
		timeout: timeout,
		logger:  logger.With().Str("component", "gqlclient").Logger(),
	}
}

// errorResponse is the non-GraphQL error body returned by the backend.
type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// Do runs a query or mutation and decodes the data object into out. A
// response carrying GraphQL errors returns the first one.
func (c *Client) Do(ctx context.Context, req protocol.Request, out any) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal graphql request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.httpURL+"/v1/graphql", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if token := c.tokens.AccessToken(); token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to call graphql endpoint: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var errResp errorResponse
		_ = json.Unmarshal(respBody, &errResp)
		if resp.StatusCode == http.StatusUnauthorized {
			return &domain.AuthError{Op: "graphql", Code: domain.AuthCodeUnauthenticated, Message: errResp.Error}
		}
		if errResp.Error != "" {
			return fmt.Errorf("graphql endpoint error: %s", errResp.Error)
		}
		return fmt.Errorf("graphql endpoint returned status %d", resp.StatusCode)
	}

	var gqlResp protocol.Response
	if err := json.Unmarshal(respBody, &gqlResp); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return decode(gqlResp, out)
}

func decode(resp protocol.Response, out any) error {
	if err := resp.Err(); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if len(resp.Data) == 0 {
		return fmt.Errorf("response carried no data")
	}
	if err := json.Unmarshal(resp.Data, out); err != nil {
		return fmt.Errorf("failed to decode data: %w", err)
	}
	return nil
}
