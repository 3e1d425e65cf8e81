// Package anthropic adapts the Anthropic Claude Messages API to the generic
// model.Provider interface.
package anthropic

import (
	"context"
	"errors"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/hupe1980/codeswarm/model"
)

// Options configures the Anthropic provider.
type Options struct {
	APIKey  string
	BaseURL string
}

// Provider wraps the Anthropic Messages API behind model.Provider.
type Provider struct {
	client *anthropic.Client
}

// New creates an Anthropic provider using the official client. The API key
// falls back to ANTHROPIC_API_KEY when not set explicitly.
func New(optFns ...func(o *Options)) *Provider {
	var opts Options
	for _, fn := range optFns {
		fn(&opts)
	}

	var clientOpts []option.RequestOption
	if opts.APIKey != "" {
		clientOpts = append(clientOpts, option.WithAPIKey(opts.APIKey))
	}
	if opts.BaseURL != "" {
		clientOpts = append(clientOpts, option.WithBaseURL(opts.BaseURL))
	}

	client := anthropic.NewClient(clientOpts...)

	return &Provider{client: &client}
}

// NewFromClient creates a provider from an existing client.
func NewFromClient(client *anthropic.Client) *Provider {
	return &Provider{client: client}
}

// Name implements model.Provider.
func (p *Provider) Name() string { return "anthropic" }

// Generate implements model.Provider with a single non-streaming call.
// JSONMode has no native switch on this API; prompting handles it upstream.
func (p *Provider) Generate(ctx context.Context, req *model.CompletionRequest) (*model.CompletionResponse, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		Messages:  buildMessages(req.Messages),
		MaxTokens: req.MaxTokens,
	}
	if params.MaxTokens == 0 {
		params.MaxTokens = 4096
	}
	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}

	resp, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return nil, model.WrapError("anthropic", statusOf(err), err)
	}

	var text string
	for _, block := range resp.Content {
		if block.Type == "text" {
			tb := block.AsText()
			text += tb.Text
		}
	}
	if text == "" {
		return nil, fmt.Errorf("%w: anthropic: empty completion", model.ErrServer)
	}

	return &model.CompletionResponse{
		Text: text,
		Usage: model.TokenUsage{
			InputTokens:  resp.Usage.InputTokens,
			OutputTokens: resp.Usage.OutputTokens,
		},
	}, nil
}

func buildMessages(msgs []model.ChatMessage) []anthropic.MessageParam {
	var out []anthropic.MessageParam
	for _, m := range msgs {
		if m.Content == "" || m.Role == model.RoleSystem {
			continue
		}
		switch m.Role {
		case model.RoleAssistant:
			out = append(out, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		default:
			out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		}
	}
	return out
}

func statusOf(err error) int {
	var apierr *anthropic.Error
	if errors.As(err, &apierr) {
		return apierr.StatusCode
	}
	return 0
}
