// Package anthropic implements generation.Generator on top of the Anthropic
// Messages API.
package anthropic

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/glimte/agentbus/generation"
)

// Options configure the Anthropic generator
type Options struct {
	APIKey      string
	BaseURL     string
	Model       anthropic.Model
	Temperature float64
	MaxTokens   int64
}

// Generator answers through the Messages API
type Generator struct {
	client *anthropic.Client
	opts   Options
}

func defaultOptions() Options {
	return Options{
		Model:       anthropic.ModelClaude3_5Sonnet20241022,
		Temperature: 0.7,
		MaxTokens:   1000,
	}
}

// NewGenerator creates a generator with its own client. Without an API key the
// client falls back to the ANTHROPIC_API_KEY environment variable.
func NewGenerator(optFns ...func(o *Options)) *Generator {
	opts := defaultOptions()
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
	return &Generator{client: &client, opts: opts}
}

// NewGeneratorFromClient creates a generator from an existing client
func NewGeneratorFromClient(client *anthropic.Client, optFns ...func(o *Options)) *Generator {
	opts := defaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Generator{client: client, opts: opts}
}

// Generate implements generation.Generator
func (g *Generator) Generate(ctx context.Context, req generation.Request) (string, error) {
	resp, err := g.client.Messages.New(ctx, g.buildParams(req))
	if err != nil {
		return "", fmt.Errorf("anthropic api error: %w", err)
	}

	var b strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			b.WriteString(block.AsText().Text)
		}
	}
	if b.Len() == 0 {
		return "", generation.ErrEmptyCompletion
	}
	return b.String(), nil
}

func (g *Generator) buildParams(req generation.Request) anthropic.MessageNewParams {
	var messages []anthropic.MessageParam
	for _, m := range req.Messages {
		switch m.Role {
		case generation.RoleSystem:
			// carried in params.System
		case generation.RoleAssistant:
			messages = append(messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		default:
			messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		}
	}

	temperature := g.opts.Temperature
	if req.Temperature != nil {
		temperature = *req.Temperature
	}
	maxTokens := g.opts.MaxTokens
	if req.MaxTokens > 0 {
		maxTokens = int64(req.MaxTokens)
	}

	params := anthropic.MessageNewParams{
		Model:       g.opts.Model,
		Messages:    messages,
		MaxTokens:   maxTokens,
		Temperature: anthropic.Float(temperature),
	}
	if system := generation.SystemMessages(req.Messages); system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	return params
}
