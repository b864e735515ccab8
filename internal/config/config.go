// Package config provides configuration for the backend and the CLI client.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Server holds the backend configuration.
type Server struct {
	// Server settings
	HTTPPort int

	// Database
	DatabaseURL string

	// Auth settings
	JWTSecret                string
	AccessTokenTTL           time.Duration
	RequireEmailVerification bool
	AuthRateLimitPerMin      int

	// Assistant settings
	LLMBaseURL string
	LLMAPIKey  string
	LLMModel   string
	LLMTimeout time.Duration
	MockMode   bool

	// WebSocket settings
	PingInterval   time.Duration
	WriteTimeout   time.Duration
	ReadTimeout    time.Duration
	MaxMessageSize int64

	// Send policy
	MaxMessageLength    int
	SendRateLimitPerMin int

	Env      string
	LogLevel string
}

// Client holds the CLI configuration.
type Client struct {
	APIURL         string
	GraphQLWSURL   string
	RequestTimeout time.Duration

	Env      string
	LogLevel string
}

// LoadServer loads backend configuration from environment variables.
// A .env file in the working directory is read first if present.
func LoadServer() *Server {
	_ = godotenv.Load()

	return &Server{
		HTTPPort:                 getEnvInt("HTTP_PORT", 8080),
		DatabaseURL:              getEnv("DATABASE_URL", "file:threadline.db?cache=shared&mode=rwc"),
		JWTSecret:                getEnv("JWT_SECRET", "dev-secret-change-me"),
		AccessTokenTTL:           time.Duration(getEnvInt("ACCESS_TOKEN_TTL_MS", 900000)) * time.Millisecond,
		RequireEmailVerification: getEnvBool("REQUIRE_EMAIL_VERIFICATION", false),
		AuthRateLimitPerMin:      getEnvInt("AUTH_RATE_LIMIT_PER_MIN", 30),
		LLMBaseURL:               getEnv("LLM_BASE_URL", "https://api.openai.com"),
		LLMAPIKey:                getEnv("LLM_API_KEY", ""),
		LLMModel:                 getEnv("LLM_MODEL", "gpt-4o-mini"),
		LLMTimeout:               time.Duration(getEnvInt("LLM_TIMEOUT_MS", 60000)) * time.Millisecond,
		MockMode:                 strings.EqualFold(getEnv("CHAT_MODE", ""), "MOCK"),
		PingInterval:             time.Duration(getEnvInt("WS_PING_INTERVAL_MS", 30000)) * time.Millisecond,
		WriteTimeout:             time.Duration(getEnvInt("WS_WRITE_TIMEOUT_MS", 10000)) * time.Millisecond,
		ReadTimeout:              time.Duration(getEnvInt("WS_READ_TIMEOUT_MS", 60000)) * time.Millisecond,
		MaxMessageSize:           int64(getEnvInt("WS_MAX_MESSAGE_SIZE", 65536)),
		MaxMessageLength:         getEnvInt("MAX_MESSAGE_LENGTH", 8000),
		SendRateLimitPerMin:      getEnvInt("SEND_RATE_LIMIT_PER_MIN", 20),
		Env:                      getEnv("ENV", "development"),
		LogLevel:                 getEnv("LOG_LEVEL", "info"),
	}
}

// LoadClient loads CLI configuration from environment variables.
func LoadClient() *Client {
	_ = godotenv.Load()

	apiURL := strings.TrimRight(getEnv("API_URL", "http://localhost:8080"), "/")
	return &Client{
		APIURL:         apiURL,
		GraphQLWSURL:   getEnv("GRAPHQL_WS_URL", wsURL(apiURL)+"/v1/graphql"),
		RequestTimeout: time.Duration(getEnvInt("CLIENT_TIMEOUT_MS", 30000)) * time.Millisecond,
		Env:            getEnv("ENV", "development"),
		LogLevel:       getEnv("LOG_LEVEL", "warn"),
	}
}

// IsDevelopment reports whether the server runs in development mode.
func (c *Server) IsDevelopment() bool {
	return c.Env == "development"
}

func wsURL(httpURL string) string {
	switch {
	case strings.HasPrefix(httpURL, "https://"):
		return "wss://" + strings.TrimPrefix(httpURL, "https://")
	case strings.HasPrefix(httpURL, "http://"):
		return "ws://" + strings.TrimPrefix(httpURL, "http://")
	}
	return httpURL
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}
