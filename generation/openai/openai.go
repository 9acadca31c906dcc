// Package openai implements generation.Generator and vectorstore.Embedder on
// top of the OpenAI API.
package openai

import (
	"context"
	"fmt"

	"github.com/glimte/agentbus/generation"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// Options configure the OpenAI adapters
type Options struct {
	APIKey              string
	BaseURL             string
	Model               string
	EmbeddingModel      openai.EmbeddingModel
	Temperature         float64
	MaxCompletionTokens int64
}

func defaultOptions() Options {
	return Options{
		Model:               openai.ChatModelGPT4oMini,
		EmbeddingModel:      openai.EmbeddingModelTextEmbedding3Small,
		Temperature:         0.7,
		MaxCompletionTokens: 1000,
	}
}

func newClient(opts Options) *openai.Client {
	var clientOpts []option.RequestOption
	if opts.APIKey != "" {
		clientOpts = append(clientOpts, option.WithAPIKey(opts.APIKey))
	}
	if opts.BaseURL != "" {
		clientOpts = append(clientOpts, option.WithBaseURL(opts.BaseURL))
	}
	client := openai.NewClient(clientOpts...)
	return &client
}

// Generator answers through the Chat Completions API
type Generator struct {
	client *openai.Client
	opts   Options
}

// NewGenerator creates a generator with its own client. Without an API key the
// client falls back to the OPENAI_API_KEY environment variable.
func NewGenerator(optFns ...func(o *Options)) *Generator {
	opts := defaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Generator{client: newClient(opts), opts: opts}
}

// NewGeneratorFromClient creates a generator from an existing client
func NewGeneratorFromClient(client *openai.Client, optFns ...func(o *Options)) *Generator {
	opts := defaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Generator{client: client, opts: opts}
}

// Generate implements generation.Generator
func (g *Generator) Generate(ctx context.Context, req generation.Request) (string, error) {
	resp, err := g.client.Chat.Completions.New(ctx, g.buildParams(req))
	if err != nil {
		return "", fmt.Errorf("openai api error: %w", err)
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		return "", generation.ErrEmptyCompletion
	}
	return resp.Choices[0].Message.Content, nil
}

func (g *Generator) buildParams(req generation.Request) openai.ChatCompletionNewParams {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Messages))
	for _, m := range req.Messages {
		switch m.Role {
		case generation.RoleSystem:
			messages = append(messages, openai.SystemMessage(m.Content))
		case generation.RoleAssistant:
			messages = append(messages, openai.AssistantMessage(m.Content))
		default:
			messages = append(messages, openai.UserMessage(m.Content))
		}
	}

	temperature := g.opts.Temperature
	if req.Temperature != nil {
		temperature = *req.Temperature
	}
	maxTokens := g.opts.MaxCompletionTokens
	if req.MaxTokens > 0 {
		maxTokens = int64(req.MaxTokens)
	}

	return openai.ChatCompletionNewParams{
		Messages:            messages,
		Model:               g.opts.Model,
		Temperature:         openai.Float(temperature),
		MaxCompletionTokens: openai.Int(maxTokens),
	}
}

// Embedder embeds texts through the Embeddings API
type Embedder struct {
	client *openai.Client
	opts   Options
}

// NewEmbedder creates an embedder with its own client
func NewEmbedder(optFns ...func(o *Options)) *Embedder {
	opts := defaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Embedder{client: newClient(opts), opts: opts}
}

// Embed implements vectorstore.Embedder
func (e *Embedder) Embed(ctx context.Context, texts []string) ([][]float64, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	resp, err := e.client.Embeddings.New(ctx, openai.EmbeddingNewParams{
		Input: openai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: texts},
		Model: e.opts.EmbeddingModel,
	})
	if err != nil {
		return nil, fmt.Errorf("openai embeddings error: %w", err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("openai returned %d embeddings for %d inputs", len(resp.Data), len(texts))
	}

	vectors := make([][]float64, len(texts))
	for _, d := range resp.Data {
		if d.Index < 0 || int(d.Index) >= len(vectors) {
			return nil, fmt.Errorf("openai returned embedding index %d out of range", d.Index)
		}
		vectors[d.Index] = d.Embedding
	}
	return vectors, nil
}
