package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadServerDefaults(t *testing.T) {
	t.Setenv("HTTP_PORT", "")
	t.Setenv("CHAT_MODE", "")

	cfg := LoadServer()
	assert.Equal(t, 8080, cfg.HTTPPort)
	assert.Equal(t, 30*time.Second, cfg.PingInterval)
	assert.False(t, cfg.MockMode)
}

func TestLoadServerOverrides(t *testing.T) {
	t.Setenv("HTTP_PORT", "9000")
	t.Setenv("ACCESS_TOKEN_TTL_MS", "1000")
	t.Setenv("REQUIRE_EMAIL_VERIFICATION", "true")
	t.Setenv("CHAT_MODE", "mock")
	t.Setenv("SEND_RATE_LIMIT_PER_MIN", "not-a-number")

	cfg := LoadServer()
	assert.Equal(t, 9000, cfg.HTTPPort)
	assert.Equal(t, time.Second, cfg.AccessTokenTTL)
	assert.True(t, cfg.RequireEmailVerification)
	assert.True(t, cfg.MockMode)
	assert.Equal(t, 20, cfg.SendRateLimitPerMin)
}

func TestLoadClientDerivesWebSocketURL(t *testing.T) {
	t.Setenv("API_URL", "https://chat.example.com/")
	t.Setenv("GRAPHQL_WS_URL", "")

	cfg := LoadClient()
	assert.Equal(t, "https://chat.example.com", cfg.APIURL)
	assert.Equal(t, "wss://chat.example.com/v1/graphql", cfg.GraphQLWSURL)
}
