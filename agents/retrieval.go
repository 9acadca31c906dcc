package agents

import (
	"context"

	"github.com/glimte/agentbus/contracts"
	"github.com/glimte/agentbus/messaging"
)

// Retrieval answers similarity searches over the document index
type Retrieval struct {
	*messaging.Client

	searcher DocumentSearcher
}

// NewRetrieval creates the retrieval agent and registers it with server
func NewRetrieval(server *messaging.Server, searcher DocumentSearcher, opts ...Option) (*Retrieval, error) {
	o := buildOptions(opts)
	a := &Retrieval{
		Client:   newClient(RetrievalID, o),
		searcher: searcher,
	}
	if err := start(server, a); err != nil {
		return nil, err
	}
	return a, nil
}

// SetupHandlers installs the retrieval agent's handlers
func (a *Retrieval) SetupHandlers() {
	a.Router().RegisterFunc(contracts.RetrievalRequest, a.handleRetrieval)
}

func (a *Retrieval) handleRetrieval(ctx context.Context, msg *contracts.Message) (*contracts.Message, error) {
	req, err := contracts.ParseRetrievalParams(msg.Payload)
	if err != nil {
		return nil, err
	}

	results, err := a.searcher.SimilaritySearch(ctx, req.Query, req.TopK, req.FilterMetadata)
	if err != nil {
		return nil, &contracts.UpstreamError{Collaborator: "vector store", Op: "similarity search", Err: err}
	}

	chunks := make([]contracts.ContextChunk, 0, len(results))
	for _, r := range results {
		chunks = append(chunks, contracts.ContextChunk{
			Text:     r.Text,
			Score:    r.Score,
			Metadata: r.Metadata,
		})
	}

	a.Logger().Debug("retrieved chunks",
		"traceId", msg.TraceID,
		"topK", req.TopK,
		"count", len(chunks),
	)

	return msg.Reply(
		contracts.WithReplyType(contracts.RetrievalResponse),
		contracts.WithReplyPayload(map[string]any{
			"status":           contracts.StatusSuccess,
			"query":            req.Query,
			"retrieved_chunks": contracts.ChunksToPayload(chunks),
			"count":            len(chunks),
			"trace_id":         msg.TraceID,
		}),
	), nil
}
