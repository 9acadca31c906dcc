package agents

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/glimte/agentbus/contracts"
	"github.com/glimte/agentbus/generation"
	"github.com/glimte/agentbus/memory"
	"github.com/glimte/agentbus/messaging"
)

// DefaultSystemPrompt instructs the model to stay within the supplied context
const DefaultSystemPrompt = "You are a helpful AI assistant that answers questions based on the provided context. " +
	"If the context doesn't contain the answer, say \"" + generation.NoAnswer + "\" " +
	"Be concise and accurate in your responses."

// Response generates answers from retrieved context and keeps conversation history
type Response struct {
	*messaging.Client

	generator    generation.Generator
	store        memory.ConversationStore
	historyTurns int
	temperature  *float64
	maxTokens    int
	systemPrompt string
}

// NewResponse creates the response agent and registers it with server
func NewResponse(server *messaging.Server, generator generation.Generator, store memory.ConversationStore, opts ...Option) (*Response, error) {
	o := buildOptions(opts)
	if store == nil {
		store = memory.NewInMemoryStore()
	}
	a := &Response{
		Client:       newClient(ResponseID, o),
		generator:    generator,
		store:        store,
		historyTurns: o.historyTurns,
		temperature:  o.temperature,
		maxTokens:    o.maxTokens,
		systemPrompt: o.systemPrompt,
	}
	if err := start(server, a); err != nil {
		return nil, err
	}
	return a, nil
}

// SetupHandlers installs the response agent's handlers
func (a *Response) SetupHandlers() {
	r := a.Router()
	r.RegisterFunc(contracts.LLMRequest, a.handleGenerate)
	r.RegisterFunc(contracts.MemoryGet, a.handleMemoryGet)
	r.RegisterFunc(contracts.MemoryDelete, a.handleMemoryDelete)
}

// ClearConversation forgets the history of a conversation
func (a *Response) ClearConversation(ctx context.Context, conversationID string) error {
	if conversationID == "" {
		conversationID = contracts.DefaultConversationID
	}
	return a.store.Clear(ctx, conversationID)
}

func (a *Response) handleGenerate(ctx context.Context, msg *contracts.Message) (*contracts.Message, error) {
	req, err := contracts.ParseGenerateRequest(msg.Payload)
	if err != nil {
		return nil, err
	}

	history, err := a.store.History(ctx, req.ConversationID, a.historyTurns)
	if err != nil {
		return nil, &contracts.UpstreamError{Collaborator: "conversation store", Op: "history", Err: err}
	}

	genReq := generation.Request{
		Messages:    BuildPrompt(a.systemPrompt, history, req.Query, req.Context),
		Query:       req.Query,
		Documents:   make([]string, 0, len(req.Context)),
		Temperature: a.temperature,
		MaxTokens:   a.maxTokens,
	}
	for _, c := range req.Context {
		genReq.Documents = append(genReq.Documents, c.Text)
	}
	if req.Temperature != nil {
		genReq.Temperature = req.Temperature
	}
	if req.MaxTokens > 0 {
		genReq.MaxTokens = req.MaxTokens
	}

	text, err := a.generator.Generate(ctx, genReq)
	if err != nil {
		return nil, &contracts.UpstreamError{Collaborator: "generator", Op: "generate", Err: err}
	}

	sources := Sources(req.Context)
	exchange := memory.Exchange{
		Query:     req.Query,
		Response:  text,
		Sources:   sources,
		Timestamp: time.Now().UTC(),
	}
	if err := a.store.Append(ctx, req.ConversationID, exchange); err != nil {
		// the answer is still valid without the history entry
		a.Logger().Warn("failed to record exchange",
			"conversationId", req.ConversationID,
			"traceId", msg.TraceID,
			"error", err,
		)
	}

	answer := &contracts.Answer{
		Query:          req.Query,
		Response:       text,
		Sources:        sources,
		ConversationID: req.ConversationID,
	}
	return msg.Reply(
		contracts.WithReplyType(contracts.LLMResponse),
		contracts.WithReplyPayload(answer.ToPayload(msg.TraceID)),
	), nil
}

func (a *Response) handleMemoryGet(ctx context.Context, msg *contracts.Message) (*contracts.Message, error) {
	conversationID := conversationIDFrom(msg.Payload)
	limit := 0
	if v, ok := msg.Payload["limit"].(float64); ok {
		limit = int(v)
	} else if v, ok := msg.Payload["limit"].(int); ok {
		limit = v
	}

	history, err := a.store.History(ctx, conversationID, limit)
	if err != nil {
		return nil, &contracts.UpstreamError{Collaborator: "conversation store", Op: "history", Err: err}
	}

	exchanges := make([]any, 0, len(history))
	for _, ex := range history {
		sources := make([]any, 0, len(ex.Sources))
		for _, s := range ex.Sources {
			sources = append(sources, s)
		}
		exchanges = append(exchanges, map[string]any{
			"query":     ex.Query,
			"response":  ex.Response,
			"sources":   sources,
			"timestamp": ex.Timestamp.Format(time.RFC3339Nano),
		})
	}

	return msg.Reply(
		contracts.WithReplyType(contracts.MemoryGetResponse),
		contracts.WithReplyPayload(map[string]any{
			"status":          contracts.StatusSuccess,
			"conversation_id": conversationID,
			"history":         exchanges,
			"trace_id":        msg.TraceID,
		}),
	), nil
}

func (a *Response) handleMemoryDelete(ctx context.Context, msg *contracts.Message) (*contracts.Message, error) {
	conversationID := conversationIDFrom(msg.Payload)
	if err := a.ClearConversation(ctx, conversationID); err != nil {
		return nil, &contracts.UpstreamError{Collaborator: "conversation store", Op: "clear", Err: err}
	}

	a.Logger().Info("cleared conversation",
		"conversationId", conversationID,
		"traceId", msg.TraceID,
	)

	return msg.Reply(
		contracts.WithReplyType(contracts.MemoryDeleteResult),
		contracts.WithReplyPayload(map[string]any{
			"status":          contracts.StatusSuccess,
			"conversation_id": conversationID,
			"trace_id":        msg.TraceID,
		}),
	), nil
}

// BuildPrompt assembles the chat prompt: the system prompt, the history turns
// and a user turn that embeds the context when there is any
func BuildPrompt(systemPrompt string, history []memory.Exchange, query string, chunks []contracts.ContextChunk) []generation.Message {
	msgs := make([]generation.Message, 0, 2+2*len(history))
	msgs = append(msgs, generation.Message{Role: generation.RoleSystem, Content: systemPrompt})

	for _, ex := range history {
		msgs = append(msgs, generation.Message{Role: generation.RoleUser, Content: ex.Query})
		if ex.Response != "" {
			msgs = append(msgs, generation.Message{Role: generation.RoleAssistant, Content: ex.Response})
		}
	}

	user := query
	if formatted := FormatContext(chunks); formatted != "" {
		user = fmt.Sprintf("Context:\n%s\n\nQuestion: %s\n\nAnswer based on the context above. "+
			"If the context doesn't contain the answer, say %q", formatted, query, generation.NoAnswer)
	}
	msgs = append(msgs, generation.Message{Role: generation.RoleUser, Content: user})
	return msgs
}

// FormatContext renders chunks as "[Source: name]" blocks separated by blank lines
func FormatContext(chunks []contracts.ContextChunk) string {
	parts := make([]string, 0, len(chunks))
	for _, c := range chunks {
		source := c.Source()
		if source == "" {
			source = "unknown"
		}
		parts = append(parts, fmt.Sprintf("[Source: %s]\n%s", source, c.Text))
	}
	return strings.Join(parts, "\n\n")
}

// Sources returns the distinct chunk sources in first-seen order
func Sources(chunks []contracts.ContextChunk) []string {
	seen := make(map[string]struct{}, len(chunks))
	out := make([]string, 0, len(chunks))
	for _, c := range chunks {
		s := c.Source()
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

func conversationIDFrom(payload map[string]any) string {
	if id := contracts.StringField(payload, "conversation_id"); id != "" {
		return id
	}
	return contracts.DefaultConversationID
}
