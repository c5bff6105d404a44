package bus

import (
	"errors"

	errspkg "github.com/drblury/servicebus/internal/runtime/errors"
	"github.com/drblury/servicebus/internal/runtime/logging"
	"github.com/drblury/servicebus/internal/runtime/metrics"
	"github.com/drblury/servicebus/transport"
)

// Handler kinds reported in DispatchContext.
const (
	KindQueue     = "queue"
	KindBroadcast = "broadcast"
	KindCall      = "call"
)

// DispatchContext describes the delivery an event was raised for.
type DispatchContext struct {
	Kind        string
	MessageType string
	Properties  transport.Properties
	// Body is the decoded message, nil when decoding failed.
	Body any
}

// Hooks are callbacks for dispatch failures. A failing delivery is reported
// once and then dropped, so one bad message never stops a subscription.
// All hooks are optional.
type Hooks struct {
	// OnDeserializationError is called when a message could not be decoded
	// or a reply could not be encoded.
	OnDeserializationError func(ctx DispatchContext, err error)

	// OnExecutionError is called when a handler returned an error, panicked
	// or received a faulted message.
	OnExecutionError func(ctx DispatchContext, err error)

	// OnMessageMalformed is called for a call request without a reply
	// address. The request is dropped without running the handler.
	OnMessageMalformed func(ctx DispatchContext)
}

// Merge combines two Hooks. The hooks from other run after the hooks from h.
func (h Hooks) Merge(other Hooks) Hooks {
	return Hooks{
		OnDeserializationError: chainErrorHooks(h.OnDeserializationError, other.OnDeserializationError),
		OnExecutionError:       chainErrorHooks(h.OnExecutionError, other.OnExecutionError),
		OnMessageMalformed:     chainMalformedHooks(h.OnMessageMalformed, other.OnMessageMalformed),
	}
}

func chainErrorHooks(a, b func(DispatchContext, error)) func(DispatchContext, error) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx DispatchContext, err error) {
		a(ctx, err)
		b(ctx, err)
	}
}

func chainMalformedHooks(a, b func(DispatchContext)) func(DispatchContext) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx DispatchContext) {
		a(ctx)
		b(ctx)
	}
}

// LoggingHooks logs every dispatch failure.
func LoggingHooks(log logging.ServiceLogger) Hooks {
	log = logging.OrNop(log)
	return Hooks{
		OnDeserializationError: func(ctx DispatchContext, err error) {
			log.Error("Failed to deserialize/serialize message", err, dispatchFields(ctx))
		},
		OnExecutionError: func(ctx DispatchContext, err error) {
			log.Error("Handler failed", err, dispatchFields(ctx))
		},
		OnMessageMalformed: func(ctx DispatchContext) {
			log.Info("Call request without reply address dropped", dispatchFields(ctx))
		},
	}
}

// MetricsHooks counts dispatch failures. A nil m yields empty hooks.
func MetricsHooks(m *metrics.Metrics) Hooks {
	if m == nil {
		return Hooks{}
	}
	return Hooks{
		OnDeserializationError: func(ctx DispatchContext, err error) {
			m.RecordDispatchError(ctx.MessageType, "deserialization")
		},
		OnExecutionError: func(ctx DispatchContext, err error) {
			m.RecordDispatchError(ctx.MessageType, "execution")
		},
		OnMessageMalformed: func(ctx DispatchContext) {
			m.RecordMalformed(ctx.MessageType)
		},
	}
}

func dispatchFields(ctx DispatchContext) logging.LogFields {
	return logging.MessageFields(ctx.MessageType, ctx.Properties.CorrelationID, logging.LogFields{"kind": ctx.Kind})
}

// raise reports err through the deserialization or the execution hook.
func (b *Bus) raise(ctx DispatchContext, err error) {
	hooks := b.currentHooks()
	var serErr *errspkg.SerializationError
	if errors.As(err, &serErr) {
		if hooks.OnDeserializationError != nil {
			hooks.OnDeserializationError(ctx, err)
		}
		return
	}
	if hooks.OnExecutionError != nil {
		hooks.OnExecutionError(ctx, err)
	}
}

func (b *Bus) raiseMalformed(ctx DispatchContext) {
	if hooks := b.currentHooks(); hooks.OnMessageMalformed != nil {
		hooks.OnMessageMalformed(ctx)
	}
}
