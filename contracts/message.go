package contracts

import (
	"encoding/json"
	"fmt"
	"maps"
	"time"

	"github.com/google/uuid"
)

// Message is the envelope routed between agents
type Message struct {
	ID        string         `json:"message_id"`
	TraceID   string         `json:"trace_id"`
	Type      MessageType    `json:"message_type"`
	Sender    string         `json:"sender"`
	Receiver  string         `json:"receiver"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload"`
	Metadata  map[string]any `json:"metadata"`
}

// MessageOption configures a message under construction
type MessageOption func(*Message)

// WithTraceID sets the trace ID. Empty values are ignored.
func WithTraceID(traceID string) MessageOption {
	return func(m *Message) {
		if traceID != "" {
			m.TraceID = traceID
		}
	}
}

// WithPayload sets the payload
func WithPayload(payload map[string]any) MessageOption {
	return func(m *Message) {
		if payload != nil {
			m.Payload = payload
		}
	}
}

// WithMetadata sets the metadata
func WithMetadata(metadata map[string]any) MessageOption {
	return func(m *Message) {
		if metadata != nil {
			m.Metadata = metadata
		}
	}
}

// NewMessage creates a message with a fresh ID and timestamp. A trace ID is
// generated unless one is supplied.
func NewMessage(messageType MessageType, sender, receiver string, opts ...MessageOption) (*Message, error) {
	msgType := NormalizeMessageType(string(messageType))
	if msgType == "" {
		return nil, fmt.Errorf("%w: message type is required", ErrInvalidMessage)
	}
	if sender == "" {
		return nil, fmt.Errorf("%w: sender is required", ErrInvalidMessage)
	}
	if receiver == "" {
		return nil, fmt.Errorf("%w: receiver is required", ErrInvalidMessage)
	}

	msg := &Message{
		ID:        uuid.New().String(),
		Type:      msgType,
		Sender:    sender,
		Receiver:  receiver,
		Timestamp: time.Now().UTC(),
		Payload:   map[string]any{},
		Metadata:  map[string]any{},
	}

	for _, opt := range opts {
		opt(msg)
	}

	if msg.TraceID == "" {
		msg.TraceID = uuid.New().String()
	}

	var err error
	if msg.Payload, err = wireForm("payload", msg.Payload); err != nil {
		return nil, err
	}
	if msg.Metadata, err = wireForm("metadata", msg.Metadata); err != nil {
		return nil, err
	}

	return msg, nil
}

// ReplyOption configures a reply
type ReplyOption func(*replyOptions)

type replyOptions struct {
	messageType MessageType
	payload     map[string]any
	metadata    map[string]any
}

// WithReplyType overrides the default <TYPE>_RESPONSE reply type
func WithReplyType(messageType MessageType) ReplyOption {
	return func(o *replyOptions) {
		o.messageType = messageType
	}
}

// WithReplyPayload sets the reply payload
func WithReplyPayload(payload map[string]any) ReplyOption {
	return func(o *replyOptions) {
		o.payload = payload
	}
}

// WithReplyMetadata sets the reply metadata
func WithReplyMetadata(metadata map[string]any) ReplyOption {
	return func(o *replyOptions) {
		o.metadata = metadata
	}
}

// Reply creates a response to m. Sender and receiver are swapped and the trace ID
// is preserved. m itself is not modified. A payload or metadata that cannot be
// serialized turns the reply into an ERROR reply.
func (m *Message) Reply(opts ...ReplyOption) *Message {
	o := replyOptions{messageType: m.Type.ResponseType()}
	for _, opt := range opts {
		opt(&o)
	}

	var err error
	if o.payload, err = wireForm("payload", o.payload); err != nil {
		return m.ErrorReply(err)
	}
	if o.metadata, err = wireForm("metadata", o.metadata); err != nil {
		return m.ErrorReply(err)
	}

	return &Message{
		ID:        uuid.New().String(),
		TraceID:   m.TraceID,
		Type:      NormalizeMessageType(string(o.messageType)),
		Sender:    m.Receiver,
		Receiver:  m.Sender,
		Timestamp: time.Now().UTC(),
		Payload:   o.payload,
		Metadata:  o.metadata,
	}
}

// ErrorReply creates an ERROR reply to m describing err
func (m *Message) ErrorReply(err error) *Message {
	payload := NewErrorPayload(err, m.TraceID)
	payload["original_message_type"] = m.Type.String()
	return m.Reply(WithReplyType(Error), WithReplyPayload(payload))
}

// IsError reports whether m is an ERROR message
func (m *Message) IsError() bool {
	return m != nil && m.Type == Error
}

// Err returns the error carried by an ERROR message, or nil
func (m *Message) Err() error {
	if !m.IsError() {
		return nil
	}
	return RemoteErrorFromPayload(m.Payload)
}

// Clone returns a deep copy of m
func (m *Message) Clone() *Message {
	clone := *m
	clone.Payload = deepCopyMap(m.Payload)
	clone.Metadata = deepCopyMap(m.Metadata)
	return &clone
}

// String returns a short description suitable for logs
func (m *Message) String() string {
	return fmt.Sprintf("Message(%s %s -> %s, id=%s, trace=%s)", m.Type, m.Sender, m.Receiver, m.ID, m.TraceID)
}

// UnmarshalJSON normalizes the message type and fills empty maps
func (m *Message) UnmarshalJSON(data []byte) error {
	type wire Message
	var w wire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*m = Message(w)
	m.Type = NormalizeMessageType(string(m.Type))
	if m.Payload == nil {
		m.Payload = map[string]any{}
	}
	if m.Metadata == nil {
		m.Metadata = map[string]any{}
	}
	return nil
}

// Marshal serializes a message to its canonical JSON form
func Marshal(m *Message) ([]byte, error) {
	if m == nil {
		return nil, fmt.Errorf("%w: message cannot be nil", ErrInvalidMessage)
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message: %w", err)
	}
	return data, nil
}

// Unmarshal parses a message from its canonical JSON form
func Unmarshal(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to unmarshal message: %w", err)
	}
	if m.ID == "" || m.Type == "" {
		return nil, fmt.Errorf("%w: message_id and message_type are required", ErrInvalidMessage)
	}
	return &m, nil
}

// wireForm returns values as they read after a JSON round trip, so a message
// compares equal to its decoded copy. Numbers become float64 and lists []any.
func wireForm(field string, values map[string]any) (map[string]any, error) {
	out := map[string]any{}
	if len(values) == 0 {
		return out, nil
	}
	data, err := json.Marshal(values)
	if err != nil {
		return nil, &PayloadError{Field: field, Reason: "is not serializable: " + err.Error()}
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, &PayloadError{Field: field, Reason: "is not serializable: " + err.Error()}
	}
	return out, nil
}

func deepCopyMap(in map[string]any) map[string]any {
	if in == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCopyMap(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = deepCopyValue(item)
		}
		return out
	case []string:
		return append([]string(nil), val...)
	case map[string]string:
		return maps.Clone(val)
	default:
		return val
	}
}
