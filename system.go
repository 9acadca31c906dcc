// Copyright 2024 Agentbus Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package agentbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/glimte/agentbus/agents"
	"github.com/glimte/agentbus/config"
	"github.com/glimte/agentbus/contracts"
	"github.com/glimte/agentbus/docproc"
	"github.com/glimte/agentbus/generation"
	"github.com/glimte/agentbus/generation/anthropic"
	"github.com/glimte/agentbus/generation/openai"
	"github.com/glimte/agentbus/health"
	"github.com/glimte/agentbus/interceptors"
	"github.com/glimte/agentbus/internal/reliability"
	"github.com/glimte/agentbus/memory"
	"github.com/glimte/agentbus/messaging"
	"github.com/glimte/agentbus/monitor"
	"github.com/glimte/agentbus/transports/rabbitmq"
	"github.com/glimte/agentbus/vectorstore"
	openaisdk "github.com/openai/openai-go"
)

// ClientID is the sender of requests made through System
const ClientID = "agentbus_client"

// System is a server with the coordinator, ingestion, retrieval and response
// agents registered on it
type System struct {
	cfg    config.Config
	logger *slog.Logger

	server      *messaging.Server
	coordinator *agents.Coordinator
	response    *agents.Response
	documents   *vectorstore.MemoryStore
	metrics     *monitor.Collector
	health      *health.Registry

	closers []func() error
}

// systemConfig holds construction overrides
type systemConfig struct {
	logger    *slog.Logger
	generator generation.Generator
	embedder  vectorstore.Embedder
	store     memory.ConversationStore
	taps      []messaging.Tap
}

// Option configures the System
type Option func(*systemConfig)

// WithLogger sets the logger for all components
func WithLogger(logger *slog.Logger) Option {
	return func(cfg *systemConfig) {
		cfg.logger = logger
	}
}

// WithGenerator replaces the generator chosen by the llm config
func WithGenerator(generator generation.Generator) Option {
	return func(cfg *systemConfig) {
		cfg.generator = generator
	}
}

// WithEmbedder replaces the embedder chosen by the embeddings config
func WithEmbedder(embedder vectorstore.Embedder) Option {
	return func(cfg *systemConfig) {
		cfg.embedder = embedder
	}
}

// WithConversationStore replaces the store chosen by the memory config
func WithConversationStore(store memory.ConversationStore) Option {
	return func(cfg *systemConfig) {
		cfg.store = store
	}
}

// WithTap adds a message observer to the server
func WithTap(tap messaging.Tap) Option {
	return func(cfg *systemConfig) {
		cfg.taps = append(cfg.taps, tap)
	}
}

// New builds and starts a System from cfg. Connections to Redis and RabbitMQ
// are opened here when configured.
func New(ctx context.Context, cfg config.Config, options ...Option) (*System, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	sc := &systemConfig{logger: slog.Default()}
	for _, opt := range options {
		opt(sc)
	}

	s := &System{
		cfg:     cfg,
		logger:  sc.logger,
		metrics: monitor.NewCollector(),
		health:  health.NewRegistry(health.NewRuntimeChecker(500, 1000)),
	}

	if err := s.build(ctx, sc); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func (s *System) build(ctx context.Context, sc *systemConfig) error {
	taps := append([]messaging.Tap{s.metrics}, sc.taps...)
	if s.cfg.Audit.URL != "" {
		audit, err := rabbitmq.Dial(ctx, s.cfg.Audit.URL,
			rabbitmq.WithExchange(s.cfg.Audit.Exchange),
			rabbitmq.WithAuditLogger(s.logger),
		)
		if err != nil {
			return fmt.Errorf("failed to start audit tap: %w", err)
		}
		s.closers = append(s.closers, audit.Close)
		s.health.Register(health.NewAMQPChecker(audit.Connection(), audit.Exchange()))
		taps = append(taps, audit)
	}

	serverOpts := []messaging.ServerOption{
		messaging.WithServerLogger(s.logger),
		messaging.WithRequestTimeout(s.cfg.Server.RequestTimeout),
	}
	for _, tap := range taps {
		serverOpts = append(serverOpts, messaging.WithTap(tap))
	}
	s.server = messaging.NewServer(serverOpts...)

	store, err := s.conversationStore(ctx, sc.store)
	if err != nil {
		return err
	}

	embedder := sc.embedder
	if embedder == nil {
		embedder = s.embedder()
	}
	s.documents = vectorstore.NewMemoryStore(
		vectorstore.WithEmbedder(embedder),
		vectorstore.WithLogger(s.logger),
	)

	generator := sc.generator
	if generator == nil {
		generator = s.generator()
	}

	opts := s.agentOptions()

	if s.coordinator, err = agents.NewCoordinator(s.server, opts...); err != nil {
		return err
	}
	processor := docproc.NewFileProcessor(docproc.WithMaxFileSize(s.cfg.Ingestion.MaxFileSize))
	if _, err = agents.NewIngestion(s.server, processor, s.documents, opts...); err != nil {
		return err
	}
	if _, err = agents.NewRetrieval(s.server, s.documents, opts...); err != nil {
		return err
	}
	if s.response, err = agents.NewResponse(s.server, generator, store, opts...); err != nil {
		return err
	}

	s.health.Register(health.NewAgentChecker(s.server, s.logger,
		agents.CoordinatorID, agents.IngestionID, agents.RetrievalID, agents.ResponseID))

	s.logger.Info("agent system started",
		"agents", s.server.ClientIDs(),
		"llmProvider", s.cfg.LLM.Provider,
		"memoryBackend", s.cfg.Memory.Backend,
		"audit", s.cfg.Audit.URL != "",
	)
	return nil
}

func (s *System) agentOptions() []agents.Option {
	builder := interceptors.NewChainBuilder(s.logger).
		WithLogging().
		WithMetrics(s.metrics).
		WithPayloadRules(interceptors.PipelineRules)
	if s.cfg.LLM.Retries > 0 {
		retry := interceptors.NewRetry(
			reliability.NewExponentialBackoff(s.cfg.Agents.RetryDelay, 10*s.cfg.Agents.RetryDelay, 2.0, s.cfg.LLM.Retries),
		).WithLogger(s.logger)
		builder = builder.With(interceptors.NewWhen(
			interceptors.TypeIn(contracts.LLMRequest), retry))
	}
	chain := builder.Build()

	opts := []agents.Option{
		agents.WithLogger(s.logger),
		agents.WithMiddleware(chain.Middleware()...),
		agents.WithStepTimeout(s.cfg.Agents.StepTimeout),
		agents.WithErrorHistory(s.cfg.Agents.ErrorHistory),
		agents.WithHistoryTurns(s.cfg.Agents.HistoryTurns),
		agents.WithTemperature(s.cfg.LLM.Temperature),
		agents.WithMaxTokens(s.cfg.LLM.MaxTokens),
	}
	if s.cfg.Agents.SystemPrompt != "" {
		opts = append(opts, agents.WithSystemPrompt(s.cfg.Agents.SystemPrompt))
	}
	if s.cfg.Agents.Retries > 0 {
		opts = append(opts, agents.WithRetryPolicy(reliability.NewFixedDelay(s.cfg.Agents.RetryDelay, s.cfg.Agents.Retries)))
	}
	return opts
}

func (s *System) conversationStore(ctx context.Context, override memory.ConversationStore) (memory.ConversationStore, error) {
	if override != nil {
		return override, nil
	}

	mc := s.cfg.Memory
	if mc.Backend != config.MemoryRedis {
		return memory.NewInMemoryStore(memory.WithMaxExchanges(mc.MaxExchanges)), nil
	}

	store, err := memory.NewRedisStore(ctx, memory.RedisConfig{
		Addr:         mc.RedisAddr,
		Password:     mc.Password,
		DB:           mc.DB,
		KeyPrefix:    mc.KeyPrefix,
		TTL:          mc.TTL,
		MaxExchanges: mc.MaxExchanges,
	}, s.logger)
	if err != nil {
		return nil, err
	}
	s.closers = append(s.closers, store.Close)
	s.health.Register(health.NewRedisChecker(store.Client()))
	return store, nil
}

func (s *System) embedder() vectorstore.Embedder {
	if s.cfg.Embeddings.Provider == config.EmbeddingsOpenAI {
		return openai.NewEmbedder(func(o *openai.Options) {
			o.APIKey = s.cfg.LLM.APIKey
			o.BaseURL = s.cfg.LLM.BaseURL
			if s.cfg.Embeddings.Model != "" {
				o.EmbeddingModel = openaisdk.EmbeddingModel(s.cfg.Embeddings.Model)
			}
		})
	}
	return vectorstore.NewHashEmbedder(s.cfg.Embeddings.Dimensions)
}

func (s *System) generator() generation.Generator {
	lc := s.cfg.LLM

	var remote generation.Generator
	switch lc.Provider {
	case config.ProviderOpenAI:
		remote = openai.NewGenerator(func(o *openai.Options) {
			o.APIKey = lc.APIKey
			o.BaseURL = lc.BaseURL
			if lc.Model != "" {
				o.Model = lc.Model
			}
			o.Temperature = lc.Temperature
			o.MaxCompletionTokens = int64(lc.MaxTokens)
		})
	case config.ProviderAnthropic:
		remote = anthropic.NewGenerator(func(o *anthropic.Options) {
			o.APIKey = lc.APIKey
			o.BaseURL = lc.BaseURL
			if lc.Model != "" {
				o.Model = anthropicsdk.Model(lc.Model)
			}
			o.Temperature = lc.Temperature
			o.MaxTokens = int64(lc.MaxTokens)
		})
	default:
		return generation.NewExtractive(3)
	}

	return generation.WithBreaker(remote, reliability.NewCircuitBreaker(
		reliability.WithName(lc.Provider),
		reliability.WithFailureThreshold(lc.BreakerThreshold),
		reliability.WithTimeout(lc.BreakerTimeout),
		reliability.WithBreakerLogger(s.logger),
	))
}

// AskOption configures a single question
type AskOption func(*contracts.UserQueryRequest)

// WithConversation keeps the question in the given conversation
func WithConversation(id string) AskOption {
	return func(r *contracts.UserQueryRequest) {
		r.ConversationID = id
	}
}

// WithTopK sets how many chunks are retrieved
func WithTopK(k int) AskOption {
	return func(r *contracts.UserQueryRequest) {
		r.TopK = k
	}
}

// WithFilter restricts retrieval to chunks whose metadata matches filter
func WithFilter(filter map[string]any) AskOption {
	return func(r *contracts.UserQueryRequest) {
		r.FilterMetadata = filter
	}
}

// Ask sends a USER_QUERY to the coordinator and returns its answer
func (s *System) Ask(ctx context.Context, query string, options ...AskOption) (*contracts.Answer, error) {
	req := &contracts.UserQueryRequest{
		Query:          query,
		ConversationID: contracts.DefaultConversationID,
		TopK:           contracts.DefaultTopK,
	}
	for _, opt := range options {
		opt(req)
	}

	reply, err := s.request(ctx, contracts.UserQuery, req.ToPayload())
	if err != nil {
		return nil, err
	}
	return contracts.ParseAnswer(reply.Payload)
}

// Ingest asks the coordinator to index files. Per-file failures are reported
// in the result; the error covers failures of the whole request.
func (s *System) Ingest(ctx context.Context, paths []string, metadata map[string]any) (*contracts.IngestionResult, error) {
	req := &contracts.IngestionParams{
		FilePaths: paths,
		Metadata:  metadata,
		ChunkSize: s.cfg.Ingestion.ChunkSize,
		Overlap:   s.cfg.Ingestion.Overlap,
	}

	reply, err := s.request(ctx, contracts.IngestionRequest, req.ToPayload())
	if err != nil {
		return nil, err
	}
	return contracts.ParseIngestionResult(reply.Payload), nil
}

// Clear removes every indexed document
func (s *System) Clear(ctx context.Context) error {
	_, err := s.request(ctx, contracts.ClearDocuments, map[string]any{})
	return err
}

// ForgetConversation drops the stored history of a conversation
func (s *System) ForgetConversation(ctx context.Context, conversationID string) error {
	return s.response.ClearConversation(ctx, conversationID)
}

// Health runs every registered health check
func (s *System) Health(ctx context.Context) health.Report {
	return s.health.Check(ctx)
}

// RecentErrors returns the errors recorded by the coordinator
func (s *System) RecentErrors() []agents.ErrorRecord {
	return s.coordinator.RecentErrors()
}

// Metrics returns a snapshot of handler and traffic metrics
func (s *System) Metrics() monitor.Summary {
	return s.metrics.Summary()
}

// DocumentCount returns the number of indexed chunks
func (s *System) DocumentCount() int {
	return s.documents.Count()
}

// Server returns the message server
func (s *System) Server() *messaging.Server {
	return s.server
}

// Close releases external connections
func (s *System) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}

func (s *System) request(ctx context.Context, messageType contracts.MessageType, payload map[string]any) (*contracts.Message, error) {
	msg, err := contracts.NewMessage(messageType, ClientID, agents.CoordinatorID, contracts.WithPayload(payload))
	if err != nil {
		return nil, err
	}

	reply, err := s.server.RouteMessage(ctx, msg)
	if err != nil {
		return nil, err
	}
	if reply == nil {
		return nil, &contracts.HandlerError{MessageType: messageType, Err: errors.New("no reply from coordinator")}
	}
	if reply.IsError() {
		return nil, reply.Err()
	}
	return reply, nil
}
