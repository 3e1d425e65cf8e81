// Package model defines the provider-neutral chat completion contract the
// router dispatches against, plus the error classes routing decisions are
// based on.
package model

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Provider is a chat completion backend. Implementations live in the
// subpackages and wrap one vendor SDK each.
type Provider interface {
	// Name returns the provider identifier, e.g. "anthropic" or "openai".
	Name() string

	// Generate performs a single non-streaming completion.
	Generate(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error)
}

// Role of a chat message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ChatMessage is one turn of conversation history.
type ChatMessage struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// CompletionRequest describes one completion call.
type CompletionRequest struct {
	// Model is the provider-specific model identifier.
	Model string

	// System is the system prompt, passed out-of-band where the provider
	// supports that.
	System string

	// Messages is the conversation history, oldest first.
	Messages []ChatMessage

	// Temperature in [0, 2]. Zero value means provider default.
	Temperature float64

	// MaxTokens caps the completion length. Zero value means provider
	// default.
	MaxTokens int64

	// JSONMode requests a JSON object response where the provider supports
	// it. Providers without native support ignore the flag.
	JSONMode bool
}

// TokenUsage reports token consumption of a single call.
type TokenUsage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// CompletionResponse is the result of a completion call.
type CompletionResponse struct {
	Text  string     `json:"text"`
	Usage TokenUsage `json:"usage"`
}

// Error classes the router keys its retry and cooldown decisions on.
// Provider adapters wrap vendor errors into exactly one of these.
var (
	// ErrRateLimited marks 429s and overload responses. The router absorbs
	// these by rotating to the next model.
	ErrRateLimited = errors.New("model: rate limited")

	// ErrAuth marks invalid or missing credentials. Triggers a long cooldown
	// since retries cannot succeed.
	ErrAuth = errors.New("model: authentication failed")

	// ErrBadRequest marks malformed requests, including unsupported
	// parameters. The router retries once without JSON mode before
	// giving up on the model.
	ErrBadRequest = errors.New("model: bad request")

	// ErrServer marks transient provider-side failures.
	ErrServer = errors.New("model: server error")
)

// WrapError classifies a vendor SDK error by status code and message text
// and wraps it into one of the sentinel classes above. Unrecognized errors
// come back as ErrServer so the router treats them as transient.
func WrapError(provider string, status int, err error) error {
	if err == nil {
		return nil
	}
	class := classify(status, err.Error())
	return fmt.Errorf("%w: %s: %v", class, provider, err)
}

func classify(status int, msg string) error {
	switch status {
	case 429:
		return ErrRateLimited
	case 401, 403:
		return ErrAuth
	case 400, 404, 413, 422:
		return ErrBadRequest
	}
	if status >= 500 {
		return ErrServer
	}
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "rate limit"), strings.Contains(lower, "overloaded"), strings.Contains(lower, "quota"):
		return ErrRateLimited
	case strings.Contains(lower, "api key"), strings.Contains(lower, "unauthorized"), strings.Contains(lower, "authentication"):
		return ErrAuth
	case strings.Contains(lower, "invalid request"), strings.Contains(lower, "bad request"):
		return ErrBadRequest
	}
	return ErrServer
}

// IsRateLimited reports whether err is a rate limit failure.
func IsRateLimited(err error) bool { return errors.Is(err, ErrRateLimited) }

// IsAuth reports whether err is an authentication failure.
func IsAuth(err error) bool { return errors.Is(err, ErrAuth) }

// IsBadRequest reports whether err is a malformed-request failure.
func IsBadRequest(err error) bool { return errors.Is(err, ErrBadRequest) }
