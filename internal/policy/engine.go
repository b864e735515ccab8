// Package policy decides whether a user message may be sent, using OPA.
package policy

import (
	"context"
	"fmt"

	"github.com/open-policy-agent/opa/rego"
)

// Decision is the outcome of a policy evaluation.
type Decision struct {
	Allow  bool
	Reason string
}

// Input is what the send policy sees about a message.
type Input struct {
	UserID      string
	ChatID      string
	Message     string
	RecentCount int // user messages in the last minute
	MaxLength   int
	PerMinute   int
}

func (in Input) toMap() map[string]interface{} {
	return map[string]interface{}{
		"user_id":      in.UserID,
		"chat_id":      in.ChatID,
		"message":      in.Message,
		"recent_count": in.RecentCount,
		"limits": map[string]interface{}{
			"max_length": in.MaxLength,
			"per_minute": in.PerMinute,
		},
	}
}

// Engine is the OPA policy engine.
type Engine struct {
	query rego.PreparedEvalQuery
}

// NewEngine creates a new policy engine with the given policy content.
func NewEngine(ctx context.Context, policyContent string) (*Engine, error) {
	r := rego.New(
		rego.Query("data.send_policy.decision"),
		rego.Module("send_policy.rego", policyContent),
	)

	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare rego: %w", err)
	}

	return &Engine{query: query}, nil
}

// Evaluate checks the send policy. An undefined result allows the message.
func (e *Engine) Evaluate(ctx context.Context, input Input) (Decision, error) {
	results, err := e.query.Eval(ctx, rego.EvalInput(input.toMap()))
	if err != nil {
		return Decision{}, fmt.Errorf("failed to evaluate policy: %w", err)
	}

	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return Decision{Allow: true}, nil
	}

	obj, ok := results[0].Expressions[0].Value.(map[string]interface{})
	if !ok {
		return Decision{}, fmt.Errorf("policy returned %T, want object", results[0].Expressions[0].Value)
	}

	d := Decision{}
	d.Allow, _ = obj["allow"].(bool)
	d.Reason, _ = obj["reason"].(string)
	return d, nil
}

// DefaultPolicy is the default policy content.
const DefaultPolicy = `
package send_policy

default decision = {"allow": true, "reason": ""}

decision = {"allow": false, "reason": "message cannot be empty"} {
	trim_space(input.message) == ""
} else = {"allow": false, "reason": sprintf("message exceeds %d characters", [input.limits.max_length])} {
	input.limits.max_length > 0
	count(input.message) > input.limits.max_length
} else = {"allow": false, "reason": "rate limit exceeded, try again shortly"} {
	input.limits.per_minute > 0
	input.recent_count >= input.limits.per_minute
}
`
