package policy

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newEngine(t *testing.T) *Engine {
	t.Helper()
	engine, err := NewEngine(context.Background(), DefaultPolicy)
	require.NoError(t, err)
	return engine
}

func TestDefaultPolicy(t *testing.T) {
	engine := newEngine(t)
	ctx := context.Background()

	cases := []struct {
		name   string
		input  Input
		allow  bool
		reason string
	}{
		{
			name:  "plain message",
			input: Input{Message: "hello", MaxLength: 100, PerMinute: 5},
			allow: true,
		},
		{
			name:   "blank",
			input:  Input{Message: "  \n", MaxLength: 100, PerMinute: 5},
			reason: "message cannot be empty",
		},
		{
			name:   "too long",
			input:  Input{Message: strings.Repeat("a", 11), MaxLength: 10, PerMinute: 5},
			reason: "message exceeds 10 characters",
		},
		{
			name:   "rate limited",
			input:  Input{Message: "hi", MaxLength: 10, PerMinute: 3, RecentCount: 3},
			reason: "rate limit exceeded, try again shortly",
		},
		{
			name:  "limits disabled",
			input: Input{Message: strings.Repeat("a", 50), RecentCount: 100},
			allow: true,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d, err := engine.Evaluate(ctx, tc.input)
			require.NoError(t, err)
			assert.Equal(t, tc.allow, d.Allow)
			assert.Equal(t, tc.reason, d.Reason)
		})
	}
}

func TestInvalidPolicy(t *testing.T) {
	_, err := NewEngine(context.Background(), "package broken\n decision = {")
	assert.Error(t, err)
}
