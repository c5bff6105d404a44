package errors

import (
	sterrors "errors"
	"fmt"
)

var (
	ErrNotConnected         = sterrors.New("servicebus: transport is not connected")
	ErrMessageReturned      = sterrors.New("servicebus: message returned by broker")
	ErrNotDeliverable       = sterrors.New("servicebus: message was not accepted by broker")
	ErrTimeout              = sterrors.New("servicebus: timeout")
	ErrRemote               = sterrors.New("servicebus: remote error")
	ErrMessageMalformed     = sterrors.New("servicebus: message malformed")
	ErrShutdown             = sterrors.New("servicebus: transport is shut down")
	ErrTransportRequired    = sterrors.New("servicebus: transport is required")
	ErrUnknownTransport     = sterrors.New("servicebus: unknown transport")
	ErrBusRequired          = sterrors.New("servicebus: bus is required")
	ErrHandlerRequired      = sterrors.New("servicebus: handler function is required")
	ErrProbeRequired        = sterrors.New("servicebus: subsystem probe is required")
	ErrModuleNameRequired   = sterrors.New("servicebus: module name is required")
	ErrComponentsRequired   = sterrors.New("servicebus: at least one component is required")
	ErrConfigRequired       = sterrors.New("servicebus: configuration is required")
	ErrLoggerRequired       = sterrors.New("servicebus: logger is required")
	ErrUnexpectedReplyValue = sterrors.New("servicebus: reply body has unexpected type")
	ErrInvalidTimeoutFactor = sterrors.New("servicebus: timeout factor must be in (0, 1]")
	ErrIntervalTooLow       = sterrors.New("servicebus: interval too low for nested timeouts")
)

// MessageReturnedError reports that the broker could not route a mandatory
// publish to any queue.
type MessageReturnedError struct {
	ReplyCode uint16 `json:"replyCode"`
	ReplyText string `json:"replyText"`
}

func (e *MessageReturnedError) Error() string {
	return fmt.Sprintf("servicebus: message returned by broker (%d %s)", e.ReplyCode, e.ReplyText)
}

func (e *MessageReturnedError) Is(target error) bool {
	return target == ErrMessageReturned
}

// SerializationError wraps any encode or decode failure.
type SerializationError struct {
	Err error
}

func (e *SerializationError) Error() string {
	if e.Err == nil {
		return "servicebus: serialization failed"
	}
	return "servicebus: serialization failed: " + e.Err.Error()
}

func (e *SerializationError) Unwrap() error {
	return e.Err
}

// NewSerializationError wraps err, returning nil when err is nil.
func NewSerializationError(err error) error {
	if err == nil {
		return nil
	}
	var serErr *SerializationError
	if sterrors.As(err, &serErr) {
		return err
	}
	return &SerializationError{Err: err}
}

// RemoteError carries the message of an error raised by a remote handler whose
// concrete type is not shared with the caller.
type RemoteError struct {
	Message string `json:"message"`
}

func (e *RemoteError) Error() string {
	return "servicebus: remote error: " + e.Message
}

func (e *RemoteError) Is(target error) bool {
	return target == ErrRemote
}

// UnresolvedRemoteTypeError is produced when a faulted response names an error
// type that is not registered locally.
type UnresolvedRemoteTypeError struct {
	TypeName string `json:"typeName"`
	Message  string `json:"message"`
	Body     string `json:"body"`
}

func (e *UnresolvedRemoteTypeError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Body
	}
	return fmt.Sprintf("servicebus: remote error of unresolved type %s: %s", e.TypeName, msg)
}

func (e *UnresolvedRemoteTypeError) Is(target error) bool {
	return target == ErrRemote
}

// HandlerFaultError wraps the error a remote call handler answered with, so
// callers can tell it from a failure of their own call. It reads and matches
// as the wrapped error.
type HandlerFaultError struct {
	Err error
}

func (e *HandlerFaultError) Error() string {
	if e.Err == nil {
		return "servicebus: remote handler failed"
	}
	return e.Err.Error()
}

func (e *HandlerFaultError) Unwrap() error {
	return e.Err
}

// InvalidOperationError reports an operation that could not be carried out,
// for example a call whose publish confirmation never arrived.
type InvalidOperationError struct {
	Op  string
	Err error
}

func (e *InvalidOperationError) Error() string {
	return fmt.Sprintf("servicebus: failed to %s: %v", e.Op, e.Err)
}

func (e *InvalidOperationError) Unwrap() error {
	return e.Err
}

// ArgumentOutOfRangeError reports a constructor argument outside its valid range.
type ArgumentOutOfRangeError struct {
	Argument string
	Reason   string
	Err      error
}

func (e *ArgumentOutOfRangeError) Error() string {
	return fmt.Sprintf("servicebus: argument %s out of range: %s", e.Argument, e.Reason)
}

func (e *ArgumentOutOfRangeError) Unwrap() error {
	return e.Err
}

// ConfigValidationError wraps the joined validation failures of a Config.
type ConfigValidationError struct {
	Err error
}

func (e ConfigValidationError) Error() string {
	return "servicebus: invalid configuration: " + e.Err.Error()
}

func (e ConfigValidationError) Unwrap() error {
	return e.Err
}

// NewConfigValidationError wraps err, returning nil when err is nil.
func NewConfigValidationError(err error) error {
	if err == nil {
		return nil
	}
	return ConfigValidationError{Err: err}
}
