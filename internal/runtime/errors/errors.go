package errors

import (
	sterrors "errors"
	"fmt"
	"maps"
)

var (
	ErrStorageRequired   = sterrors.New("livewire: storage adapter is required")
	ErrHandlerRequired   = sterrors.New("livewire: handler function is required")
	ErrPublisherRequired = sterrors.New("livewire: publisher is required")
	ErrTopicRequired     = sterrors.New("livewire: topic is required")
	ErrConfigRequired    = sterrors.New("livewire: configuration is required")
	ErrLoggerRequired    = sterrors.New("livewire: logger is required")
	ErrServiceRequired   = sterrors.New("livewire: service is required")
	ErrPayloadRequired   = sterrors.New("livewire: payload is required")

	ErrConsumeMessageTypeRequired  = sterrors.New("livewire: consume message type is required")
	ErrConsumeMessagePointerNeeded = sterrors.New("livewire: consume message type must be a pointer")
)

// Code is the machine readable identifier shared by every livewire error kind.
// The values match the codes emitted by other livewire implementations so
// errors can be compared across process boundaries.
type Code string

const (
	CodeNoMatch          Code = "NO_MATCH"
	CodeMessageNotMuxed  Code = "MESSAGE_NOT_MUXED_ERR"
	CodeMalformedMux     Code = "MALFORMED_MUX_ERR"
	CodeDuplicatedInbox  Code = "DUPLICATED_INBOX_MESSAGE_ERROR"
	CodeDuplicatedOutbox Code = "DUPLICATED_OUTBOX_MESSAGE_ERROR"
	CodeNoOutboxMessage  Code = "NO_OUTBOX_MESSAGE_ERROR"
)

// Error is the root shape of every livewire error kind.
type Error struct {
	Message string
	Code    Code
	Context map[string]any
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("livewire: %s: %v", e.Message, e.Err)
	}
	return "livewire: " + e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error carrying the same code. A bare code
// sentinel such as &Error{Code: CodeNoMatch} therefore matches any NO_MATCH error.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// Value returns a context entry.
func (e *Error) Value(key string) any {
	if e.Context == nil {
		return nil
	}
	return e.Context[key]
}

func newError(code Code, msg string, ctx map[string]any, err error) *Error {
	return &Error{Message: msg, Code: code, Context: maps.Clone(ctx), Err: err}
}

// Sentinels usable with errors.Is.
var (
	ErrNoMatch          = &Error{Code: CodeNoMatch, Message: "no handler matched"}
	ErrMessageNotMuxed  = &Error{Code: CodeMessageNotMuxed, Message: "message is not muxed"}
	ErrMalformedMux     = &Error{Code: CodeMalformedMux, Message: "mux directory does not describe the value"}
	ErrDuplicatedInbox  = &Error{Code: CodeDuplicatedInbox, Message: "inbox message already logged"}
	ErrDuplicatedOutbox = &Error{Code: CodeDuplicatedOutbox, Message: "outbox message already posted"}
	ErrNoOutboxMessage  = &Error{Code: CodeNoOutboxMessage, Message: "outbox message not found"}
)

// NewNoMatch reports that no registered spec matched subject.
func NewNoMatch(subject any) *Error {
	return newError(CodeNoMatch, fmt.Sprintf("no handler matched subject %v", subject), map[string]any{"subject": subject}, nil)
}

// NewMessageNotMuxed reports a demux attempt on a generic record.
func NewMessageNotMuxed(messageID string) *Error {
	return newError(CodeMessageNotMuxed, "cannot demux message "+messageID+": message is not muxed", map[string]any{"messageId": messageID}, nil)
}

// NewMalformedMux reports a directory whose ranges disagree with the packed value.
func NewMalformedMux(messageID string, err error) *Error {
	return newError(CodeMalformedMux, "cannot demux message "+messageID, map[string]any{"messageId": messageID}, err)
}

func NewDuplicatedInbox(messageID string, err error) *Error {
	return newError(CodeDuplicatedInbox, "inbox message "+messageID+" already logged", map[string]any{"messageId": messageID}, err)
}

func NewDuplicatedOutbox(messageIDs []string, err error) *Error {
	return newError(CodeDuplicatedOutbox, fmt.Sprintf("outbox already holds one of %v", messageIDs), map[string]any{"messageIds": messageIDs}, err)
}

func NewNoOutboxMessage(messageID string, err error) *Error {
	return newError(CodeNoOutboxMessage, "no outbox message with id "+messageID, map[string]any{"messageId": messageID}, err)
}

// CodeOf extracts the livewire code from err, if any.
func CodeOf(err error) (Code, bool) {
	var lw *Error
	if sterrors.As(err, &lw) {
		return lw.Code, true
	}
	return "", false
}

// ConfigValidationError wraps configuration validation failures.
type ConfigValidationError struct {
	Err error
}

func (e ConfigValidationError) Error() string {
	return "livewire: invalid configuration: " + e.Err.Error()
}

func (e ConfigValidationError) Unwrap() error { return e.Err }

// NewConfigValidationError returns nil when err is nil.
func NewConfigValidationError(err error) error {
	if err == nil {
		return nil
	}
	return ConfigValidationError{Err: err}
}
