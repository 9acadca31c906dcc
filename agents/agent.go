// Package agents implements the four agents of the retrieval pipeline: the
// coordinator, ingestion, retrieval and response agents. Each agent is a
// messaging.Client with its handlers installed at construction.
//
// A typical wiring:
//
//	server := messaging.NewServer()
//	store := vectorstore.NewMemoryStore()
//	agents.NewCoordinator(server)
//	agents.NewIngestion(server, docproc.NewFileProcessor(), store)
//	agents.NewRetrieval(server, store)
//	agents.NewResponse(server, generation.NewExtractive(3), memory.NewInMemoryStore())
package agents

import (
	"context"
	"log/slog"
	"time"

	"github.com/glimte/agentbus/internal/reliability"
	"github.com/glimte/agentbus/messaging"
	"github.com/glimte/agentbus/vectorstore"
)

// Well-known agent identifiers
const (
	CoordinatorID = "coordinator"
	IngestionID   = "ingestion_agent"
	RetrievalID   = "retrieval_agent"
	ResponseID    = "response_agent"
)

// Agent is a bus endpoint whose handlers are installed by SetupHandlers
type Agent interface {
	messaging.Endpoint
	SetupHandlers()
}

// DocumentIndex stores chunks for later retrieval
type DocumentIndex interface {
	AddDocuments(ctx context.Context, docs []vectorstore.Document) ([]string, error)
	Clear(ctx context.Context) error
}

// DocumentSearcher finds chunks similar to a query
type DocumentSearcher interface {
	SimilaritySearch(ctx context.Context, query string, k int, filter map[string]any) ([]vectorstore.SearchResult, error)
}

// Option configures an agent. Options that do not apply to an agent are ignored.
type Option func(*options)

type options struct {
	logger       *slog.Logger
	middleware   []messaging.MiddlewareFunc
	errorSink    string
	stepTimeout  time.Duration
	retryPolicy  reliability.RetryPolicy
	errorHistory int
	historyTurns int
	temperature  *float64
	maxTokens    int
	systemPrompt string
}

func defaultOptions() options {
	return options{
		logger:       slog.Default(),
		errorSink:    CoordinatorID,
		errorHistory: 100,
		historyTurns: 4,
		systemPrompt: DefaultSystemPrompt,
	}
}

// WithLogger sets the agent logger
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMiddleware wraps every handler of the agent
func WithMiddleware(middleware ...messaging.MiddlewareFunc) Option {
	return func(o *options) {
		o.middleware = append(o.middleware, middleware...)
	}
}

// WithErrorSink sets the agent that receives error notifications
func WithErrorSink(id string) Option {
	return func(o *options) {
		o.errorSink = id
	}
}

// WithStepTimeout bounds each downstream call made by the coordinator
func WithStepTimeout(d time.Duration) Option {
	return func(o *options) {
		o.stepTimeout = d
	}
}

// WithRetryPolicy retries the coordinator's downstream calls on timeouts and
// upstream failures
func WithRetryPolicy(policy reliability.RetryPolicy) Option {
	return func(o *options) {
		o.retryPolicy = policy
	}
}

// WithErrorHistory sets how many errors the coordinator remembers
func WithErrorHistory(n int) Option {
	return func(o *options) {
		o.errorHistory = n
	}
}

// WithHistoryTurns sets how many past exchanges the response agent puts in the prompt
func WithHistoryTurns(n int) Option {
	return func(o *options) {
		o.historyTurns = n
	}
}

// WithTemperature sets the response agent's default sampling temperature
func WithTemperature(t float64) Option {
	return func(o *options) {
		o.temperature = &t
	}
}

// WithMaxTokens sets the response agent's default completion limit
func WithMaxTokens(n int) Option {
	return func(o *options) {
		o.maxTokens = n
	}
}

// WithSystemPrompt replaces the response agent's system prompt
func WithSystemPrompt(prompt string) Option {
	return func(o *options) {
		o.systemPrompt = prompt
	}
}

func buildOptions(opts []Option) options {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func newClient(id string, o options) *messaging.Client {
	return messaging.NewClient(id,
		messaging.WithClientLogger(o.logger),
		messaging.WithErrorSink(o.errorSink),
		messaging.WithRouterOptions(messaging.WithMiddleware(o.middleware...)),
	)
}

// start installs the agent's handlers and registers it with server, if any
func start(server *messaging.Server, agent Agent) error {
	agent.SetupHandlers()
	if server == nil {
		return nil
	}
	return server.Register(agent)
}
