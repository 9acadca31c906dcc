package contracts

import (
	"fmt"
	"strings"
)

// Defaults applied when a request omits optional fields
const (
	DefaultChunkSize      = 1000
	DefaultChunkOverlap   = 200
	DefaultTopK           = 5
	DefaultConversationID = "default"
)

// Batch status values reported by ingestion
const (
	StatusSuccess        = "success"
	StatusPartialSuccess = "partial_success"
	StatusError          = "error"
)

// IngestionParams is the payload of INGESTION_REQUEST and UPLOAD_DOCUMENT
type IngestionParams struct {
	FilePaths []string
	Metadata  map[string]any
	ChunkSize int
	Overlap   int
}

// ParseIngestionParams reads an ingestion request. A single file_path is accepted
// in place of file_paths.
func ParseIngestionParams(payload map[string]any) (*IngestionParams, error) {
	req := &IngestionParams{
		FilePaths: stringSlice(payload["file_paths"]),
		Metadata:  mapValue(payload["metadata"]),
		ChunkSize: intValue(payload["chunk_size"], DefaultChunkSize),
		Overlap:   intValue(payload["overlap"], DefaultChunkOverlap),
	}
	if path, ok := payload["file_path"].(string); ok && path != "" {
		req.FilePaths = append(req.FilePaths, path)
	}
	if len(req.FilePaths) == 0 {
		return nil, &PayloadError{Field: "file_paths", Reason: "must contain at least one path"}
	}
	if req.ChunkSize <= 0 {
		return nil, &PayloadError{Field: "chunk_size", Reason: "must be positive"}
	}
	if req.Overlap < 0 || req.Overlap >= req.ChunkSize {
		return nil, &PayloadError{Field: "overlap", Reason: "must be non-negative and smaller than chunk_size"}
	}
	return req, nil
}

// ToPayload converts the request to a message payload
func (r *IngestionParams) ToPayload() map[string]any {
	p := map[string]any{
		"file_paths": toAnySlice(r.FilePaths),
		"chunk_size": r.ChunkSize,
		"overlap":    r.Overlap,
	}
	if len(r.Metadata) > 0 {
		p["metadata"] = r.Metadata
	}
	return p
}

// FileError describes a file that could not be ingested
type FileError struct {
	FilePath string
	Error    string
}

// IngestionResult is the payload of INGESTION_RESPONSE
type IngestionResult struct {
	Status         string
	ProcessedCount int
	ErrorCount     int
	ChunkCount     int
	Errors         []FileError
	DocumentIDs    []string
}

// ToPayload converts the result to a message payload
func (r *IngestionResult) ToPayload(traceID string) map[string]any {
	p := map[string]any{
		"status":          r.Status,
		"processed_count": r.ProcessedCount,
		"error_count":     r.ErrorCount,
		"chunk_count":     r.ChunkCount,
		"document_ids":    toAnySlice(r.DocumentIDs),
		"trace_id":        traceID,
	}
	if len(r.Errors) > 0 {
		errs := make([]any, 0, len(r.Errors))
		for _, e := range r.Errors {
			errs = append(errs, map[string]any{"file_path": e.FilePath, "error": e.Error})
		}
		p["errors"] = errs
	}
	return p
}

// ParseIngestionResult reads an INGESTION_RESPONSE payload
func ParseIngestionResult(payload map[string]any) *IngestionResult {
	r := &IngestionResult{
		Status:         stringValue(payload["status"]),
		ProcessedCount: intValue(payload["processed_count"], 0),
		ErrorCount:     intValue(payload["error_count"], 0),
		ChunkCount:     intValue(payload["chunk_count"], 0),
		DocumentIDs:    stringSlice(payload["document_ids"]),
	}
	for _, item := range mapSlice(payload["errors"]) {
		r.Errors = append(r.Errors, FileError{
			FilePath: stringValue(item["file_path"]),
			Error:    stringValue(item["error"]),
		})
	}
	return r
}

// BatchStatus derives the batch status from success and failure counts
func BatchStatus(processed, failed int) string {
	switch {
	case failed == 0 && processed > 0:
		return StatusSuccess
	case processed > 0:
		return StatusPartialSuccess
	default:
		return StatusError
	}
}

// RetrievalParams is the payload of RETRIEVAL_REQUEST
type RetrievalParams struct {
	Query          string
	TopK           int
	FilterMetadata map[string]any
}

// ParseRetrievalParams reads a retrieval request
func ParseRetrievalParams(payload map[string]any) (*RetrievalParams, error) {
	req := &RetrievalParams{
		Query:          strings.TrimSpace(stringValue(payload["query"])),
		TopK:           intValue(payload["top_k"], DefaultTopK),
		FilterMetadata: mapValue(payload["filter_metadata"]),
	}
	if req.Query == "" {
		return nil, &PayloadError{Field: "query", Reason: "is required"}
	}
	if req.TopK <= 0 {
		return nil, &PayloadError{Field: "top_k", Reason: "must be positive"}
	}
	return req, nil
}

// ToPayload converts the request to a message payload
func (r *RetrievalParams) ToPayload() map[string]any {
	p := map[string]any{"query": r.Query, "top_k": r.TopK}
	if len(r.FilterMetadata) > 0 {
		p["filter_metadata"] = r.FilterMetadata
	}
	return p
}

// ContextChunk is a retrieved piece of text with its score and metadata
type ContextChunk struct {
	Text     string
	Score    float64
	Metadata map[string]any
}

// Source returns the source recorded in the chunk metadata
func (c ContextChunk) Source() string {
	return stringValue(c.Metadata["source"])
}

// ToPayload converts the chunk to its payload form
func (c ContextChunk) ToPayload() map[string]any {
	metadata := c.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	return map[string]any{"text": c.Text, "score": c.Score, "metadata": metadata}
}

// ChunksToPayload converts chunks to a payload list
func ChunksToPayload(chunks []ContextChunk) []any {
	out := make([]any, 0, len(chunks))
	for _, c := range chunks {
		out = append(out, c.ToPayload())
	}
	return out
}

// ParseChunks reads a list of chunks from a payload value
func ParseChunks(v any) []ContextChunk {
	items := mapSlice(v)
	chunks := make([]ContextChunk, 0, len(items))
	for _, item := range items {
		chunks = append(chunks, ContextChunk{
			Text:     stringValue(item["text"]),
			Score:    floatValue(item["score"], 0),
			Metadata: mapValue(item["metadata"]),
		})
	}
	return chunks
}

// GenerateRequest is the payload of LLM_REQUEST
type GenerateRequest struct {
	Query          string
	Context        []ContextChunk
	ConversationID string
	Temperature    *float64
	MaxTokens      int
}

// ParseGenerateRequest reads a generation request
func ParseGenerateRequest(payload map[string]any) (*GenerateRequest, error) {
	req := &GenerateRequest{
		Query:          strings.TrimSpace(stringValue(payload["query"])),
		Context:        ParseChunks(payload["context"]),
		ConversationID: stringValue(payload["conversation_id"]),
		MaxTokens:      intValue(payload["max_tokens"], 0),
	}
	if req.Query == "" {
		return nil, &PayloadError{Field: "query", Reason: "is required"}
	}
	if req.ConversationID == "" {
		req.ConversationID = DefaultConversationID
	}
	if _, ok := payload["temperature"]; ok {
		t := floatValue(payload["temperature"], 0)
		req.Temperature = &t
	}
	return req, nil
}

// ToPayload converts the request to a message payload
func (r *GenerateRequest) ToPayload() map[string]any {
	p := map[string]any{
		"query":           r.Query,
		"context":         ChunksToPayload(r.Context),
		"conversation_id": r.ConversationID,
	}
	if r.Temperature != nil {
		p["temperature"] = *r.Temperature
	}
	if r.MaxTokens > 0 {
		p["max_tokens"] = r.MaxTokens
	}
	return p
}

// UserQueryRequest is the payload of USER_QUERY
type UserQueryRequest struct {
	Query          string
	ConversationID string
	TopK           int
	FilterMetadata map[string]any
}

// ParseUserQuery reads a user query
func ParseUserQuery(payload map[string]any) (*UserQueryRequest, error) {
	req := &UserQueryRequest{
		Query:          strings.TrimSpace(stringValue(payload["query"])),
		ConversationID: stringValue(payload["conversation_id"]),
		TopK:           intValue(payload["top_k"], DefaultTopK),
		FilterMetadata: mapValue(payload["filter_metadata"]),
	}
	if req.Query == "" {
		return nil, &PayloadError{Field: "query", Reason: "is required"}
	}
	if req.ConversationID == "" {
		req.ConversationID = DefaultConversationID
	}
	return req, nil
}

// ToPayload converts the request to a message payload
func (r *UserQueryRequest) ToPayload() map[string]any {
	p := map[string]any{"query": r.Query, "conversation_id": r.ConversationID}
	if r.TopK > 0 {
		p["top_k"] = r.TopK
	}
	if len(r.FilterMetadata) > 0 {
		p["filter_metadata"] = r.FilterMetadata
	}
	return p
}

// Answer is the payload of LLM_RESPONSE and USER_QUERY_RESPONSE
type Answer struct {
	Query          string
	Response       string
	Sources        []string
	ConversationID string
}

// ToPayload converts the answer to a message payload
func (a *Answer) ToPayload(traceID string) map[string]any {
	return map[string]any{
		"status":          StatusSuccess,
		"query":           a.Query,
		"response":        a.Response,
		"sources":         toAnySlice(a.Sources),
		"conversation_id": a.ConversationID,
		"trace_id":        traceID,
	}
}

// ParseAnswer reads an answer payload
func ParseAnswer(payload map[string]any) (*Answer, error) {
	a := &Answer{
		Query:          stringValue(payload["query"]),
		Response:       stringValue(payload["response"]),
		Sources:        stringSlice(payload["sources"]),
		ConversationID: stringValue(payload["conversation_id"]),
	}
	if _, ok := payload["response"]; !ok {
		return nil, &PayloadError{Field: "response", Reason: "is required"}
	}
	return a, nil
}

// StringField returns payload[key] as a string
func StringField(payload map[string]any, key string) string {
	return stringValue(payload[key])
}

// RequireString returns payload[key] or a PayloadError when it is missing
func RequireString(payload map[string]any, key string) (string, error) {
	s := strings.TrimSpace(stringValue(payload[key]))
	if s == "" {
		return "", &PayloadError{Field: key, Reason: "is required"}
	}
	return s, nil
}

func stringValue(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case nil:
		return ""
	case fmt.Stringer:
		return val.String()
	default:
		return fmt.Sprint(val)
	}
}

func intValue(v any, def int) int {
	switch val := v.(type) {
	case int:
		return val
	case int32:
		return int(val)
	case int64:
		return int(val)
	case float64:
		return int(val)
	case float32:
		return int(val)
	default:
		return def
	}
}

func floatValue(v any, def float64) float64 {
	switch val := v.(type) {
	case float64:
		return val
	case float32:
		return float64(val)
	case int:
		return float64(val)
	case int64:
		return float64(val)
	default:
		return def
	}
}

func mapValue(v any) map[string]any {
	switch val := v.(type) {
	case map[string]any:
		return val
	case map[string]string:
		out := make(map[string]any, len(val))
		for k, s := range val {
			out[k] = s
		}
		return out
	default:
		return nil
	}
}

func mapSlice(v any) []map[string]any {
	switch val := v.(type) {
	case []map[string]any:
		return val
	case []any:
		out := make([]map[string]any, 0, len(val))
		for _, item := range val {
			if m := mapValue(item); m != nil {
				out = append(out, m)
			}
		}
		return out
	default:
		return nil
	}
}

func stringSlice(v any) []string {
	switch val := v.(type) {
	case []string:
		return append([]string(nil), val...)
	case []any:
		out := make([]string, 0, len(val))
		for _, item := range val {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func toAnySlice(values []string) []any {
	out := make([]any, 0, len(values))
	for _, v := range values {
		out = append(out, v)
	}
	return out
}
