// Package http provides the backend's HTTP surface: auth endpoints, GraphQL
// over POST, the websocket upgrade, health and metrics.
package http

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/threadline/threadline/internal/domain"
	"github.com/threadline/threadline/internal/graphql"
	"github.com/threadline/threadline/internal/hub"
	"github.com/threadline/threadline/internal/metrics"
)

// AuthService is the account backend behind /v1/auth.
type AuthService interface {
	SignUp(ctx context.Context, email, password string) (*domain.SessionResponse, error)
	SignIn(ctx context.Context, email, password string) (*domain.Session, error)
	SendVerificationEmail(ctx context.Context, email string) error
	VerifyEmail(ctx context.Context, token string) error
	ValidateToken(token string) (string, error)
}

// Config holds HTTP-level limits.
type Config struct {
	// AuthRateLimitPerMin caps auth requests per client IP. Zero disables it.
	AuthRateLimitPerMin int
}

// Server is the backend HTTP server.
type Server struct {
	echo     *echo.Echo
	auth     AuthService
	executor *graphql.Executor
	hub      *hub.Hub
	logger   zerolog.Logger
}

// NewServer creates the server and registers its routes. wsHandler serves
// websocket upgrades on GET /v1/graphql.
func NewServer(cfg Config, auth AuthService, executor *graphql.Executor, wsHandler echo.HandlerFunc, h *hub.Hub, logger zerolog.Logger) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		echo:     e,
		auth:     auth,
		executor: executor,
		hub:      h,
		logger:   logger.With().Str("component", "http").Logger(),
	}

	e.Use(middleware.Recover())
	e.Use(s.requestLogger())
	e.Use(metrics.Middleware())

	e.GET("/health", s.handleHealth)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	authGroup := e.Group("/v1/auth")
	if cfg.AuthRateLimitPerMin > 0 {
		authGroup.Use(middleware.RateLimiterWithConfig(middleware.RateLimiterConfig{
			Store: middleware.NewRateLimiterMemoryStoreWithConfig(middleware.RateLimiterMemoryStoreConfig{
				Rate:      rate.Limit(float64(cfg.AuthRateLimitPerMin) / 60),
				Burst:     cfg.AuthRateLimitPerMin,
				ExpiresIn: 3 * time.Minute,
			}),
			DenyHandler: func(c echo.Context, identifier string, err error) error {
				return c.JSON(http.StatusTooManyRequests, map[string]string{"error": "too many requests"})
			},
		}))
	}
	authGroup.POST("/signup", s.handleSignUp)
	authGroup.POST("/signin", s.handleSignIn)
	authGroup.POST("/send-verification-email", s.handleSendVerificationEmail)
	authGroup.GET("/verify", s.handleVerifyEmail)

	e.POST("/v1/graphql", s.handleGraphQL, s.requireUser)
	if wsHandler != nil {
		e.GET("/v1/graphql", wsHandler)
	}

	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start starts the HTTP server.
func (s *Server) Start(addr string) error {
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"status":        "healthy",
		"subscriptions": s.hub.SubscriberCount(),
		"topics":        s.hub.TopicCount(),
	})
}

func (s *Server) requestLogger() echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:   true,
		LogURIPath:  true,
		LogStatus:   true,
		LogLatency:  true,
		LogError:    true,
		HandleError: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			event := s.logger.Debug()
			if v.Error != nil || v.Status >= http.StatusInternalServerError {
				event = s.logger.Warn().Err(v.Error)
			}
			event.Str("method", v.Method).
				Str("path", v.URIPath).
				Int("status", v.Status).
				Dur("latency", v.Latency).
				Msg("request")
			return nil
		},
	})
}
