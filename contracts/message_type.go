package contracts

import (
	"fmt"
	"strings"
)

// MessageType identifies the kind of a message. Well-known kinds are listed below;
// any other non-empty string is accepted as an opaque extension type.
type MessageType string

// System messages
const (
	Ping              MessageType = "PING"
	Pong              MessageType = "PONG"
	Error             MessageType = "ERROR"
	SystemShutdown    MessageType = "SYSTEM_SHUTDOWN"
	SystemHealthCheck MessageType = "SYSTEM_HEALTH_CHECK"
)

// Agent lifecycle messages
const (
	AgentStart  MessageType = "AGENT_START"
	AgentStop   MessageType = "AGENT_STOP"
	AgentStatus MessageType = "AGENT_STATUS"
)

// Pipeline messages
const (
	UserQuery          MessageType = "USER_QUERY"
	UploadDocument     MessageType = "UPLOAD_DOCUMENT"
	ClearDocuments     MessageType = "CLEAR_DOCUMENTS"
	IngestionRequest   MessageType = "INGESTION_REQUEST"
	IngestionResponse  MessageType = "INGESTION_RESPONSE"
	DocumentProcessed  MessageType = "DOCUMENT_PROCESSED"
	RetrievalRequest   MessageType = "RETRIEVAL_REQUEST"
	RetrievalResponse  MessageType = "RETRIEVAL_RESPONSE"
	LLMRequest         MessageType = "LLM_REQUEST"
	LLMResponse        MessageType = "LLM_RESPONSE"
	LLMStreamStart     MessageType = "LLM_STREAM_START"
	LLMStreamToken     MessageType = "LLM_STREAM_TOKEN"
	LLMStreamEnd       MessageType = "LLM_STREAM_END"
	UserQueryResponse  MessageType = "USER_QUERY_RESPONSE"
	UploadResponse     MessageType = "UPLOAD_DOCUMENT_RESPONSE"
	ClearResponse      MessageType = "CLEAR_DOCUMENTS_RESPONSE"
	HealthCheckResult  MessageType = "SYSTEM_HEALTH_CHECK_RESPONSE"
	MemoryGetResponse  MessageType = "MEMORY_GET_RESPONSE"
	MemoryDeleteResult MessageType = "MEMORY_DELETE_RESPONSE"
)

// Memory and tool messages
const (
	MemoryGet    MessageType = "MEMORY_GET"
	MemorySet    MessageType = "MEMORY_SET"
	MemoryUpdate MessageType = "MEMORY_UPDATE"
	MemoryDelete MessageType = "MEMORY_DELETE"
	ToolExecute  MessageType = "TOOL_EXECUTE"
	ToolResult   MessageType = "TOOL_RESULT"
)

var knownTypes = map[MessageType]struct{}{}

func init() {
	for _, t := range []MessageType{
		Ping, Pong, Error, SystemShutdown, SystemHealthCheck,
		AgentStart, AgentStop, AgentStatus,
		UserQuery, UploadDocument, ClearDocuments,
		IngestionRequest, IngestionResponse, DocumentProcessed,
		RetrievalRequest, RetrievalResponse,
		LLMRequest, LLMResponse, LLMStreamStart, LLMStreamToken, LLMStreamEnd,
		UserQueryResponse, UploadResponse, ClearResponse, HealthCheckResult,
		MemoryGetResponse, MemoryDeleteResult,
		MemoryGet, MemorySet, MemoryUpdate, MemoryDelete,
		ToolExecute, ToolResult,
	} {
		knownTypes[t] = struct{}{}
	}
}

// String returns the wire tag of the type
func (t MessageType) String() string {
	return string(t)
}

// IsKnown reports whether t is one of the well-known message types
func (t MessageType) IsKnown() bool {
	_, ok := knownTypes[t]
	return ok
}

// ResponseType returns the default reply type for t, which is t with
// _RESPONSE appended. Handlers that reply with a well-known type such as
// LLM_RESPONSE pass it to Reply explicitly.
func (t MessageType) ResponseType() MessageType {
	return NormalizeMessageType(string(t) + "_RESPONSE")
}

// NormalizeMessageType resolves s against the well-known types ignoring case and
// surrounding whitespace. Unknown strings are kept as opaque extension types.
func NormalizeMessageType(s string) MessageType {
	candidate := MessageType(strings.ToUpper(strings.TrimSpace(s)))
	if candidate.IsKnown() {
		return candidate
	}
	if trimmed := strings.TrimSpace(s); trimmed != "" {
		return MessageType(trimmed)
	}
	return ""
}

// ParseMessageType resolves s strictly against the well-known types
func ParseMessageType(s string) (MessageType, error) {
	candidate := MessageType(strings.ToUpper(strings.TrimSpace(s)))
	if !candidate.IsKnown() {
		return "", fmt.Errorf("%w: %q", ErrInvalidMessageType, s)
	}
	return candidate, nil
}
