package agents

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/glimte/agentbus/contracts"
	"github.com/glimte/agentbus/internal/reliability"
	"github.com/glimte/agentbus/messaging"
)

// Health values reported by the coordinator
const (
	HealthOK          = "ok"
	HealthError       = "error"
	HealthUnreachable = "unreachable"
)

// ErrorRecord is an error reported to the coordinator
type ErrorRecord struct {
	ErrorID    string
	AgentID    string
	ErrorType  string
	Message    string
	TraceID    string
	Details    map[string]any
	ReceivedAt time.Time
}

// Coordinator orchestrates user requests across the other agents and collects
// their error reports
type Coordinator struct {
	*messaging.Client

	stepTimeout time.Duration
	retryPolicy reliability.RetryPolicy

	mu        sync.Mutex
	errors    []ErrorRecord
	maxErrors int
}

// NewCoordinator creates the coordinator and registers it with server
func NewCoordinator(server *messaging.Server, opts ...Option) (*Coordinator, error) {
	o := buildOptions(opts)
	c := &Coordinator{
		Client:      newClient(CoordinatorID, o),
		stepTimeout: o.stepTimeout,
		retryPolicy: o.retryPolicy,
		maxErrors:   o.errorHistory,
	}
	if err := start(server, c); err != nil {
		return nil, err
	}
	return c, nil
}

// SetupHandlers installs the coordinator's handlers
func (c *Coordinator) SetupHandlers() {
	r := c.Router()
	r.RegisterFunc(contracts.UserQuery, c.handleUserQuery)
	r.RegisterFunc(contracts.IngestionRequest, c.forwardToIngestion)
	r.RegisterFunc(contracts.UploadDocument, c.forwardToIngestion)
	r.RegisterFunc(contracts.ClearDocuments, c.forwardToIngestion)
	r.RegisterFunc(contracts.SystemHealthCheck, c.handleHealthCheck)
	r.RegisterFunc(contracts.Error, c.handleError)
	r.OnFailure(c.recordFailure)
}

// RecentErrors returns the remembered errors, oldest first
func (c *Coordinator) RecentErrors() []ErrorRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]ErrorRecord(nil), c.errors...)
}

func (c *Coordinator) handleUserQuery(ctx context.Context, msg *contracts.Message) (*contracts.Message, error) {
	req, err := contracts.ParseUserQuery(msg.Payload)
	if err != nil {
		return nil, err
	}

	retrieval := &contracts.RetrievalParams{
		Query:          req.Query,
		TopK:           req.TopK,
		FilterMetadata: req.FilterMetadata,
	}
	retrieved, err := c.call(ctx, RetrievalID, contracts.RetrievalRequest, retrieval.ToPayload())
	if err != nil {
		return nil, err
	}
	chunks := contracts.ParseChunks(retrieved.Payload["retrieved_chunks"])

	c.Logger().Debug("retrieved context",
		"traceId", msg.TraceID,
		"chunkCount", len(chunks),
	)

	generate := &contracts.GenerateRequest{
		Query:          req.Query,
		Context:        chunks,
		ConversationID: req.ConversationID,
	}
	generated, err := c.call(ctx, ResponseID, contracts.LLMRequest, generate.ToPayload())
	if err != nil {
		return nil, err
	}

	answer, err := contracts.ParseAnswer(generated.Payload)
	if err != nil {
		return nil, &contracts.HandlerError{MessageType: contracts.LLMResponse, Err: err}
	}
	if answer.Query == "" {
		answer.Query = req.Query
	}
	if answer.ConversationID == "" {
		answer.ConversationID = req.ConversationID
	}

	payload := answer.ToPayload(msg.TraceID)
	payload["retrieved_count"] = len(chunks)

	return msg.Reply(
		contracts.WithReplyType(contracts.UserQueryResponse),
		contracts.WithReplyPayload(payload),
	), nil
}

// forwardToIngestion relays document requests to the ingestion agent
func (c *Coordinator) forwardToIngestion(ctx context.Context, msg *contracts.Message) (*contracts.Message, error) {
	reply, err := c.call(ctx, IngestionID, msg.Type, msg.Payload)
	if err != nil {
		return nil, err
	}
	return msg.Reply(
		contracts.WithReplyType(reply.Type),
		contracts.WithReplyPayload(reply.Payload),
	), nil
}

// handleHealthCheck pings every other agent on the bus
func (c *Coordinator) handleHealthCheck(ctx context.Context, msg *contracts.Message) (*contracts.Message, error) {
	agents := map[string]any{c.ID(): HealthOK}
	status := "healthy"

	if s := c.Server(); s != nil {
		for _, id := range s.ClientIDs() {
			if id != c.ID() {
				agents[id] = HealthUnreachable
			}
		}

		ping, err := contracts.NewMessage(contracts.Ping, c.ID(), "all", contracts.WithTraceID(msg.TraceID))
		if err != nil {
			return nil, err
		}
		for _, reply := range s.Broadcast(ctx, ping, true) {
			if reply.IsError() {
				agents[reply.Sender] = HealthError
				continue
			}
			agents[reply.Sender] = HealthOK
		}
	}

	for _, v := range agents {
		if v != HealthOK {
			status = "degraded"
			break
		}
	}

	return msg.Reply(
		contracts.WithReplyType(contracts.HealthCheckResult),
		contracts.WithReplyPayload(map[string]any{
			"status":   status,
			"agents":   agents,
			"trace_id": msg.TraceID,
		}),
	), nil
}

// handleError records an error reported by another agent. It never fails.
func (c *Coordinator) handleError(ctx context.Context, msg *contracts.Message) (*contracts.Message, error) {
	remote := contracts.RemoteErrorFromPayload(msg.Payload)
	record := ErrorRecord{
		ErrorID:    contracts.StringField(msg.Payload, "error_id"),
		AgentID:    contracts.StringField(msg.Payload, "agent_id"),
		ErrorType:  remote.Type,
		Message:    remote.Message,
		TraceID:    msg.TraceID,
		ReceivedAt: time.Now().UTC(),
	}
	if record.AgentID == "" {
		record.AgentID = msg.Sender
	}
	if details, ok := msg.Payload["details"].(map[string]any); ok {
		record.Details = details
	}

	c.Logger().Error("agent reported error",
		"errorId", record.ErrorID,
		"reportingAgent", record.AgentID,
		"errorType", record.ErrorType,
		"traceId", record.TraceID,
		"error", record.Message,
	)

	c.remember(record)
	return nil, nil
}

// recordFailure remembers failures of the coordinator's own handlers
func (c *Coordinator) recordFailure(ctx context.Context, msg *contracts.Message, err error) {
	if msg.Type == contracts.Error {
		return
	}
	c.remember(ErrorRecord{
		AgentID:   c.ID(),
		ErrorType: contracts.ErrorType(err),
		Message:   err.Error(),
		TraceID:   msg.TraceID,
		Details: map[string]any{
			"message_id":   msg.ID,
			"message_type": msg.Type.String(),
			"sender":       msg.Sender,
		},
		ReceivedAt: time.Now().UTC(),
	})
}

func (c *Coordinator) remember(record ErrorRecord) {
	if c.maxErrors <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errors = append(c.errors, record)
	if over := len(c.errors) - c.maxErrors; over > 0 {
		c.errors = append([]ErrorRecord(nil), c.errors[over:]...)
	}
}

// call sends one downstream request. An ERROR reply is returned as a
// *contracts.RemoteError so the caller's failure keeps the downstream type.
func (c *Coordinator) call(ctx context.Context, receiver string, messageType contracts.MessageType, payload map[string]any) (*contracts.Message, error) {
	if c.stepTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.stepTimeout)
		defer cancel()
	}

	var (
		reply *contracts.Message
		err   error
	)
	if c.retryPolicy != nil {
		reply, err = messaging.SendWithRetry(ctx, c.Client, c.retryPolicy, receiver, messageType, payload)
	} else {
		reply, err = c.Send(ctx, receiver, messageType, payload)
	}
	if err != nil {
		return nil, err
	}
	if reply == nil {
		return nil, &contracts.HandlerError{
			MessageType: messageType,
			Err:         fmt.Errorf("%s sent no reply", receiver),
		}
	}
	if reply.IsError() {
		return nil, reply.Err()
	}
	return reply, nil
}
