package assistant

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/threadline/threadline/internal/domain"
)

// MockResponder echoes the last user message. It is used for local runs and
// tests.
type MockResponder struct{}

var _ Responder = MockResponder{}

// Reply returns a canned reply quoting the last user message.
func (MockResponder) Reply(ctx context.Context, history []domain.Message) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == domain.RoleUser {
			return fmt.Sprintf("[MOCK] Received your message: %q.", truncate(history[i].Content, 100)), nil
		}
	}
	return "[MOCK] This is a mock response.", nil
}

// New returns the mock responder when mock is set, otherwise a real client.
func New(mock bool, baseURL, apiKey, model string, timeout time.Duration, logger zerolog.Logger) Responder {
	if mock {
		logger.Info().Msg("CHAT_MODE=MOCK detected, using mock assistant")
		return MockResponder{}
	}
	return NewClient(baseURL, apiKey, model, timeout)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
