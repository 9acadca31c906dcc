package contracts

import (
	"errors"
	"fmt"
)

var (
	// Envelope errors
	ErrInvalidMessage     = errors.New("invalid message")
	ErrInvalidMessageType = errors.New("invalid message type")
	ErrInvalidPayload     = errors.New("invalid payload")

	// Routing errors
	ErrUnknownRecipient  = errors.New("unknown recipient")
	ErrDuplicateClientID = errors.New("duplicate client id")
	ErrNoRouteAvailable  = errors.New("no route available")
	ErrRequestTimedOut   = errors.New("request timed out")

	// Handler errors
	ErrHandlerFailure  = errors.New("handler failure")
	ErrUpstreamFailure = errors.New("upstream collaborator failure")
)

// Error type tags carried in the error_type field of ERROR payloads
const (
	ErrorTypeInvalidMessage     = "InvalidMessage"
	ErrorTypeInvalidMessageType = "InvalidMessageType"
	ErrorTypeInvalidPayload     = "InvalidPayload"
	ErrorTypeUnknownRecipient   = "UnknownRecipient"
	ErrorTypeDuplicateClientID  = "DuplicateClientId"
	ErrorTypeNoRouteAvailable   = "NoRouteAvailable"
	ErrorTypeRequestTimedOut    = "RequestTimedOut"
	ErrorTypeHandlerFailure     = "HandlerFailure"
	ErrorTypeUpstreamFailure    = "UpstreamCollaboratorFailure"
)

var sentinelTags = []struct {
	err error
	tag string
}{
	{ErrInvalidMessage, ErrorTypeInvalidMessage},
	{ErrInvalidMessageType, ErrorTypeInvalidMessageType},
	{ErrInvalidPayload, ErrorTypeInvalidPayload},
	{ErrUnknownRecipient, ErrorTypeUnknownRecipient},
	{ErrDuplicateClientID, ErrorTypeDuplicateClientID},
	{ErrNoRouteAvailable, ErrorTypeNoRouteAvailable},
	{ErrRequestTimedOut, ErrorTypeRequestTimedOut},
	{ErrUpstreamFailure, ErrorTypeUpstreamFailure},
	{ErrHandlerFailure, ErrorTypeHandlerFailure},
}

// PayloadError reports a missing or malformed payload field
type PayloadError struct {
	Field  string
	Reason string
}

func (e *PayloadError) Error() string {
	return fmt.Sprintf("invalid payload: %s %s", e.Field, e.Reason)
}

func (e *PayloadError) Unwrap() error {
	return ErrInvalidPayload
}

// RoutingError reports a failure to deliver a message
type RoutingError struct {
	Op      string
	AgentID string
	Err     error
}

func (e *RoutingError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.AgentID, e.Err)
}

func (e *RoutingError) Unwrap() error {
	return e.Err
}

// HandlerError wraps an error raised by a message handler
type HandlerError struct {
	MessageType MessageType
	Err         error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("handler for %s failed: %v", e.MessageType, e.Err)
}

func (e *HandlerError) Unwrap() error {
	return e.Err
}

// Is lets errors.Is match ErrHandlerFailure for any HandlerError
func (e *HandlerError) Is(target error) bool {
	return target == ErrHandlerFailure
}

// UpstreamError reports a failure of an external collaborator such as the
// vector store or the generation service
type UpstreamError struct {
	Collaborator string
	Op           string
	Err          error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("%s %s failed: %v", e.Collaborator, e.Op, e.Err)
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

// Is lets errors.Is match ErrUpstreamFailure for any UpstreamError
func (e *UpstreamError) Is(target error) bool {
	return target == ErrUpstreamFailure
}

// RemoteError is an ERROR reply received from another agent, surfaced as a Go error
type RemoteError struct {
	Type    string
	Message string
	TraceID string
}

func (e *RemoteError) Error() string {
	if e.Type == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Is matches the sentinel that corresponds to the remote error type
func (e *RemoteError) Is(target error) bool {
	for _, s := range sentinelTags {
		if s.tag == e.Type {
			return target == s.err
		}
	}
	return false
}

// ErrorType returns the error type tag for err. Errors outside the taxonomy are
// reported as HandlerFailure.
func ErrorType(err error) string {
	if err == nil {
		return ""
	}
	var remote *RemoteError
	if errors.As(err, &remote) && remote.Type != "" {
		return remote.Type
	}
	for _, s := range sentinelTags {
		if errors.Is(err, s.err) {
			return s.tag
		}
	}
	return ErrorTypeHandlerFailure
}

// NewErrorPayload builds the structured payload of an ERROR message
func NewErrorPayload(err error, traceID string) map[string]any {
	return map[string]any{
		"status":     "error",
		"error":      err.Error(),
		"error_type": ErrorType(err),
		"trace_id":   traceID,
	}
}

// RemoteErrorFromPayload reconstructs the error described by an ERROR payload
func RemoteErrorFromPayload(payload map[string]any) *RemoteError {
	e := &RemoteError{}
	e.Message, _ = payload["error"].(string)
	e.Type, _ = payload["error_type"].(string)
	e.TraceID, _ = payload["trace_id"].(string)
	if e.Message == "" {
		e.Message = "unknown error"
	}
	return e
}
