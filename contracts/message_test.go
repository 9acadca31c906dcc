package contracts

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMessage(t *testing.T) {
	t.Run("NewMessage fills identity and defaults", func(t *testing.T) {
		msg, err := NewMessage(Ping, "a", "b")

		require.NoError(t, err)
		assert.NotEmpty(t, msg.ID)
		assert.NotEmpty(t, msg.TraceID)
		assert.Equal(t, Ping, msg.Type)
		assert.Equal(t, "a", msg.Sender)
		assert.Equal(t, "b", msg.Receiver)
		assert.Equal(t, time.UTC, msg.Timestamp.Location())
		assert.NotNil(t, msg.Payload)
		assert.NotNil(t, msg.Metadata)
	})

	t.Run("NewMessage generates unique IDs", func(t *testing.T) {
		m1, err := NewMessage(Ping, "a", "b")
		require.NoError(t, err)
		m2, err := NewMessage(Ping, "a", "b")
		require.NoError(t, err)

		assert.NotEqual(t, m1.ID, m2.ID)
		assert.NotEqual(t, m1.TraceID, m2.TraceID)
	})

	t.Run("NewMessage applies options", func(t *testing.T) {
		msg, err := NewMessage(UserQuery, "a", "b",
			WithTraceID("trace-1"),
			WithPayload(map[string]any{"query": "hi"}),
			WithMetadata(map[string]any{"origin": "cli"}),
		)

		require.NoError(t, err)
		assert.Equal(t, "trace-1", msg.TraceID)
		assert.Equal(t, "hi", msg.Payload["query"])
		assert.Equal(t, "cli", msg.Metadata["origin"])
	})

	t.Run("NewMessage normalizes known types and keeps extension types", func(t *testing.T) {
		known, err := NewMessage("ping", "a", "b")
		require.NoError(t, err)
		assert.Equal(t, Ping, known.Type)

		custom, err := NewMessage("Custom_Event", "a", "b")
		require.NoError(t, err)
		assert.Equal(t, MessageType("Custom_Event"), custom.Type)
		assert.False(t, custom.Type.IsKnown())
	})

	t.Run("NewMessage rejects missing fields", func(t *testing.T) {
		cases := []struct {
			name     string
			msgType  MessageType
			sender   string
			receiver string
		}{
			{"empty type", "", "a", "b"},
			{"empty sender", Ping, "", "b"},
			{"empty receiver", Ping, "a", ""},
		}
		for _, tc := range cases {
			t.Run(tc.name, func(t *testing.T) {
				_, err := NewMessage(tc.msgType, tc.sender, tc.receiver)
				assert.ErrorIs(t, err, ErrInvalidMessage)
			})
		}
	})
}

func TestReply(t *testing.T) {
	t.Run("Reply swaps parties and preserves trace", func(t *testing.T) {
		msg, err := NewMessage(RetrievalRequest, "coordinator", "retrieval_agent",
			WithPayload(map[string]any{"query": "q"}))
		require.NoError(t, err)

		reply := msg.Reply(WithReplyPayload(map[string]any{"status": "success"}))

		assert.Equal(t, msg.TraceID, reply.TraceID)
		assert.Equal(t, "retrieval_agent", reply.Sender)
		assert.Equal(t, "coordinator", reply.Receiver)
		assert.Equal(t, MessageType("RETRIEVAL_REQUEST_RESPONSE"), reply.Type)
		assert.NotEqual(t, msg.ID, reply.ID)
		assert.Equal(t, "success", reply.Payload["status"])
	})

	t.Run("Reply does not modify the original", func(t *testing.T) {
		msg, err := NewMessage(Ping, "a", "b", WithPayload(map[string]any{"k": "v"}))
		require.NoError(t, err)
		before := msg.Clone()

		_ = msg.Reply(WithReplyType(Pong))

		assert.Equal(t, before, msg)
	})

	t.Run("Reply to an extension type uses the response suffix", func(t *testing.T) {
		msg, err := NewMessage("CUSTOM", "a", "b")
		require.NoError(t, err)

		assert.Equal(t, MessageType("CUSTOM_RESPONSE"), msg.Reply().Type)
	})

	t.Run("Reply resolves the default type against the enum", func(t *testing.T) {
		msg, err := NewMessage(UserQuery, "cli", "coordinator")
		require.NoError(t, err)

		assert.Equal(t, UserQueryResponse, msg.Reply().Type)
	})

	t.Run("Reply with an unserializable payload becomes an ERROR reply", func(t *testing.T) {
		msg, err := NewMessage(LLMRequest, "coordinator", "response_agent")
		require.NoError(t, err)

		reply := msg.Reply(WithReplyPayload(map[string]any{"stream": make(chan int)}))

		assert.True(t, reply.IsError())
		assert.Equal(t, ErrorTypeInvalidPayload, reply.Payload["error_type"])
		assert.Equal(t, msg.TraceID, reply.TraceID)
	})

	t.Run("ErrorReply carries the structured error payload", func(t *testing.T) {
		msg, err := NewMessage(LLMRequest, "coordinator", "response_agent", WithTraceID("t-1"))
		require.NoError(t, err)

		reply := msg.ErrorReply(&PayloadError{Field: "query", Reason: "is required"})

		assert.True(t, reply.IsError())
		assert.Equal(t, "error", reply.Payload["status"])
		assert.Equal(t, ErrorTypeInvalidPayload, reply.Payload["error_type"])
		assert.Equal(t, "LLM_REQUEST", reply.Payload["original_message_type"])
		assert.Equal(t, "t-1", reply.Payload["trace_id"])
		assert.ErrorIs(t, reply.Err(), ErrInvalidPayload)
	})
}

func TestSerialization(t *testing.T) {
	t.Run("Marshal and Unmarshal round trip every field", func(t *testing.T) {
		msg, err := NewMessage(IngestionRequest, "coordinator", "ingestion_agent",
			WithPayload(map[string]any{
				"file_paths": []any{"a.txt", "b.md"},
				"metadata":   map[string]any{"team": "docs", "nested": map[string]any{"level": 2.0}},
				"chunk_size": 500.0,
			}),
			WithMetadata(map[string]any{"origin": "test"}),
		)
		require.NoError(t, err)
		msg.Timestamp = msg.Timestamp.Round(0)

		data, err := Marshal(msg)
		require.NoError(t, err)
		decoded, err := Unmarshal(data)
		require.NoError(t, err)

		assert.Equal(t, msg, decoded)
	})

	t.Run("payloads built from Go values survive the round trip", func(t *testing.T) {
		params := &RetrievalParams{Query: "refunds", TopK: 2, FilterMetadata: map[string]any{"team": "support"}}
		msg, err := NewMessage(RetrievalRequest, "coordinator", "retrieval_agent",
			WithPayload(params.ToPayload()),
			WithMetadata(map[string]any{"tags": []string{"a", "b"}, "attempt": 1}),
		)
		require.NoError(t, err)
		msg.Timestamp = msg.Timestamp.Round(0)

		data, err := Marshal(msg)
		require.NoError(t, err)
		decoded, err := Unmarshal(data)
		require.NoError(t, err)

		assert.Equal(t, msg, decoded)
		assert.Equal(t, 2.0, msg.Payload["top_k"])
		assert.Equal(t, []any{"a", "b"}, msg.Metadata["tags"])
	})

	t.Run("replies survive the round trip", func(t *testing.T) {
		req, err := NewMessage(IngestionRequest, "coordinator", "ingestion_agent")
		require.NoError(t, err)
		result := &IngestionResult{Status: StatusSuccess, ProcessedCount: 2, ChunkCount: 5, DocumentIDs: []string{"d1"}}
		reply := req.Reply(WithReplyType(IngestionResponse), WithReplyPayload(result.ToPayload(req.TraceID)))
		reply.Timestamp = reply.Timestamp.Round(0)

		data, err := Marshal(reply)
		require.NoError(t, err)
		decoded, err := Unmarshal(data)
		require.NoError(t, err)

		assert.Equal(t, reply, decoded)
		assert.Equal(t, 2, ParseIngestionResult(decoded.Payload).ProcessedCount)
	})

	t.Run("NewMessage rejects unserializable values", func(t *testing.T) {
		_, err := NewMessage(Ping, "a", "b", WithPayload(map[string]any{"fn": func() {}}))
		assert.ErrorIs(t, err, ErrInvalidPayload)

		_, err = NewMessage(Ping, "a", "b", WithMetadata(map[string]any{"ch": make(chan int)}))
		assert.ErrorIs(t, err, ErrInvalidPayload)
	})

	t.Run("Marshal writes the type as its string tag", func(t *testing.T) {
		msg, err := NewMessage(Ping, "a", "b")
		require.NoError(t, err)

		data, err := Marshal(msg)
		require.NoError(t, err)

		var raw map[string]any
		require.NoError(t, json.Unmarshal(data, &raw))
		assert.Equal(t, "PING", raw["message_type"])
		assert.Contains(t, raw, "message_id")
		assert.Contains(t, raw, "trace_id")
	})

	t.Run("Unmarshal rejects incomplete messages", func(t *testing.T) {
		_, err := Unmarshal([]byte(`{"sender":"a"}`))
		assert.ErrorIs(t, err, ErrInvalidMessage)

		_, err = Unmarshal([]byte(`not json`))
		assert.Error(t, err)
	})

	t.Run("Clone is independent of the original", func(t *testing.T) {
		msg, err := NewMessage(Ping, "a", "b", WithPayload(map[string]any{
			"nested": map[string]any{"k": "v"},
		}))
		require.NoError(t, err)

		clone := msg.Clone()
		clone.Payload["nested"].(map[string]any)["k"] = "changed"

		assert.Equal(t, "v", msg.Payload["nested"].(map[string]any)["k"])
	})
}

func TestMessageTypes(t *testing.T) {
	t.Run("ParseMessageType is strict", func(t *testing.T) {
		mt, err := ParseMessageType("retrieval_request")
		require.NoError(t, err)
		assert.Equal(t, RetrievalRequest, mt)

		_, err = ParseMessageType("NOT_A_TYPE")
		assert.ErrorIs(t, err, ErrInvalidMessageType)
	})

	t.Run("ResponseType appends the response suffix", func(t *testing.T) {
		assert.Equal(t, MessageType("LLM_REQUEST_RESPONSE"), LLMRequest.ResponseType())
		assert.Equal(t, MessageType("INGESTION_REQUEST_RESPONSE"), IngestionRequest.ResponseType())
		assert.False(t, IngestionRequest.ResponseType().IsKnown())
		assert.Equal(t, UploadResponse, UploadDocument.ResponseType())
		assert.True(t, UserQuery.ResponseType().IsKnown())
	})
}

func TestErrorType(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want string
	}{
		{"payload error", &PayloadError{Field: "x", Reason: "missing"}, ErrorTypeInvalidPayload},
		{"routing error", &RoutingError{Op: "route", AgentID: "x", Err: ErrUnknownRecipient}, ErrorTypeUnknownRecipient},
		{"upstream inside handler", &HandlerError{MessageType: LLMRequest, Err: &UpstreamError{Collaborator: "generator", Op: "generate", Err: errors.New("down")}}, ErrorTypeUpstreamFailure},
		{"plain error", errors.New("boom"), ErrorTypeHandlerFailure},
		{"remote error", &RemoteError{Type: ErrorTypeRequestTimedOut, Message: "slow"}, ErrorTypeRequestTimedOut},
		{"timeout sentinel", ErrRequestTimedOut, ErrorTypeRequestTimedOut},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, ErrorType(tc.err))
		})
	}

	t.Run("nil error has no type", func(t *testing.T) {
		assert.Empty(t, ErrorType(nil))
	})
}
