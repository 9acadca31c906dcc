package agents

import (
	"context"
	"errors"
	"io/fs"
	"maps"
	"os"

	"github.com/glimte/agentbus/contracts"
	"github.com/glimte/agentbus/docproc"
	"github.com/glimte/agentbus/messaging"
	"github.com/glimte/agentbus/vectorstore"
)

// ErrFileNotFound is reported for request paths that do not exist
var ErrFileNotFound = errors.New("File not found")

// Ingestion turns files into indexed chunks
type Ingestion struct {
	*messaging.Client

	processor docproc.Processor
	index     DocumentIndex
}

// NewIngestion creates the ingestion agent and registers it with server
func NewIngestion(server *messaging.Server, processor docproc.Processor, index DocumentIndex, opts ...Option) (*Ingestion, error) {
	o := buildOptions(opts)
	a := &Ingestion{
		Client:    newClient(IngestionID, o),
		processor: processor,
		index:     index,
	}
	if err := start(server, a); err != nil {
		return nil, err
	}
	return a, nil
}

// SetupHandlers installs the ingestion agent's handlers
func (a *Ingestion) SetupHandlers() {
	r := a.Router()
	r.RegisterFunc(contracts.IngestionRequest, a.handleIngestion)
	r.RegisterFunc(contracts.UploadDocument, a.handleIngestion)
	r.RegisterFunc(contracts.ClearDocuments, a.handleClear)
}

func (a *Ingestion) handleIngestion(ctx context.Context, msg *contracts.Message) (*contracts.Message, error) {
	req, err := contracts.ParseIngestionParams(msg.Payload)
	if err != nil {
		return nil, err
	}

	result := &contracts.IngestionResult{}
	var docs []vectorstore.Document

	for _, path := range req.FilePaths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		chunks, err := a.processFile(path, req)
		if err != nil {
			a.Logger().Warn("failed to process file",
				"filePath", path,
				"traceId", msg.TraceID,
				"error", err,
			)
			result.Errors = append(result.Errors, contracts.FileError{FilePath: path, Error: err.Error()})
			continue
		}

		docs = append(docs, chunks...)
		result.ProcessedCount++
	}

	if len(docs) > 0 {
		ids, err := a.index.AddDocuments(ctx, docs)
		if err != nil {
			return nil, &contracts.UpstreamError{Collaborator: "vector store", Op: "add documents", Err: err}
		}
		result.DocumentIDs = ids
	}

	result.ErrorCount = len(result.Errors)
	result.ChunkCount = len(docs)
	result.Status = contracts.BatchStatus(result.ProcessedCount, result.ErrorCount)

	a.Logger().Info("ingestion finished",
		"traceId", msg.TraceID,
		"status", result.Status,
		"processed", result.ProcessedCount,
		"failed", result.ErrorCount,
		"chunks", result.ChunkCount,
	)

	replyType := contracts.IngestionResponse
	if msg.Type == contracts.UploadDocument {
		replyType = contracts.UploadResponse
	}

	return msg.Reply(
		contracts.WithReplyType(replyType),
		contracts.WithReplyPayload(result.ToPayload(msg.TraceID)),
	), nil
}

// processFile extracts and chunks one file. Chunk metadata starts from the
// request metadata; the source and offsets always reflect the chunk.
func (a *Ingestion) processFile(path string, req *contracts.IngestionParams) ([]vectorstore.Document, error) {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrFileNotFound
		}
		return nil, err
	}

	res := a.processor.Process(path)
	if !res.Success {
		return nil, errors.New(res.Error)
	}

	chunks := docproc.Split(res.Content, req.ChunkSize, req.Overlap)
	docs := make([]vectorstore.Document, 0, len(chunks))
	for _, ch := range chunks {
		metadata := maps.Clone(req.Metadata)
		if metadata == nil {
			metadata = map[string]any{}
		}
		maps.Copy(metadata, res.Metadata)
		metadata["source"] = path
		metadata["file_type"] = res.FileType
		metadata["chunk_start"] = ch.Start
		metadata["chunk_end"] = ch.End
		docs = append(docs, vectorstore.Document{Text: ch.Text, Metadata: metadata})
	}
	return docs, nil
}

func (a *Ingestion) handleClear(ctx context.Context, msg *contracts.Message) (*contracts.Message, error) {
	if err := a.index.Clear(ctx); err != nil {
		return nil, &contracts.UpstreamError{Collaborator: "vector store", Op: "clear", Err: err}
	}

	a.Logger().Info("cleared document index", "traceId", msg.TraceID)

	return msg.Reply(
		contracts.WithReplyType(contracts.ClearResponse),
		contracts.WithReplyPayload(map[string]any{
			"status":   contracts.StatusSuccess,
			"trace_id": msg.TraceID,
		}),
	), nil
}
