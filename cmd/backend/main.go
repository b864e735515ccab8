// Command backend serves the chat API: auth, GraphQL over HTTP and
// graphql-transport-ws subscriptions.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/threadline/threadline/internal/assistant"
	"github.com/threadline/threadline/internal/config"
	"github.com/threadline/threadline/internal/graphql"
	"github.com/threadline/threadline/internal/hub"
	"github.com/threadline/threadline/internal/logging"
	"github.com/threadline/threadline/internal/policy"
	"github.com/threadline/threadline/internal/repository"
	"github.com/threadline/threadline/internal/service"
	transporthttp "github.com/threadline/threadline/internal/transport/http"
	"github.com/threadline/threadline/internal/transport/ws"
)

func main() {
	cfg := config.LoadServer()
	logger := logging.New(cfg.Env, cfg.LogLevel)

	logger.Info().
		Int("port", cfg.HTTPPort).
		Str("database", cfg.DatabaseURL).
		Bool("mock_assistant", cfg.MockMode).
		Msg("starting backend")

	store, err := repository.NewSQLiteStore(cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize store")
	}
	defer store.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	policyEngine, err := policy.NewEngine(ctx, policy.DefaultPolicy)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize policy engine")
	}

	h := hub.New(logger)
	go h.Run(ctx)

	responder := assistant.New(cfg.MockMode, cfg.LLMBaseURL, cfg.LLMAPIKey, cfg.LLMModel, cfg.LLMTimeout, logger)
	tokens := service.NewTokenIssuer(cfg.JWTSecret, cfg.AccessTokenTTL)
	authSvc := service.NewAuthService(store, tokens, service.LogMailer{Logger: logger}, cfg.RequireEmailVerification, logger)
	chatSvc := service.NewChatService(store, responder, policyEngine, h, service.ChatLimits{
		MaxMessageLength:    cfg.MaxMessageLength,
		SendRateLimitPerMin: cfg.SendRateLimitPerMin,
	}, logger)

	executor := graphql.NewExecutor(chatSvc, logger)
	wsServer := ws.NewServer(ws.Config{
		PingInterval:   cfg.PingInterval,
		WriteTimeout:   cfg.WriteTimeout,
		ReadTimeout:    cfg.ReadTimeout,
		MaxMessageSize: cfg.MaxMessageSize,
	}, h, executor, authSvc, logger)

	server := transporthttp.NewServer(transporthttp.Config{
		AuthRateLimitPerMin: cfg.AuthRateLimitPerMin,
	}, authSvc, executor, wsServer.HandleWebSocket, h, logger)

	go func() {
		addr := fmt.Sprintf(":%d", cfg.HTTPPort)
		if err := server.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("failed to start server")
		}
	}()

	logger.Info().Int("port", cfg.HTTPPort).Msg("backend started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down backend")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("failed to shutdown server gracefully")
	}
	cancel()

	logger.Info().Msg("backend stopped")
}
