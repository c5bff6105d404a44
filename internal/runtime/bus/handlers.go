package bus

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	errspkg "github.com/drblury/servicebus/internal/runtime/errors"
	"github.com/drblury/servicebus/internal/runtime/ids"
	"github.com/drblury/servicebus/internal/runtime/logging"
	"github.com/drblury/servicebus/transport"
)

// Reply is the outcome of an asynchronous call handler.
type Reply[T any] struct {
	Value T
	Err   error
}

// RegisterQueueHandler registers handler for messages of type T sent with
// Enqueue. Handlers registered for the same type and address compete: each
// message is handled once.
func RegisterQueueHandler[T any](b *Bus, handler func(context.Context, T) error, opts ...HandlerOption) error {
	if handler == nil {
		return errspkg.ErrHandlerRequired
	}
	return RegisterAsyncQueueHandler(b, runAsync(handler), opts...)
}

// RegisterAsyncQueueHandler is RegisterQueueHandler for a handler that
// reports completion on a channel. A nil or closed channel means success.
func RegisterAsyncQueueHandler[T any](b *Bus, handler func(context.Context, T) <-chan error, opts ...HandlerOption) error {
	if err := checkRegistration(b, handler == nil); err != nil {
		return err
	}
	if err := prepare[T](b); err != nil {
		return err
	}

	typeName := transport.TypeNameOf[T]()
	o := newHandlerOptions(opts)
	return b.transport.Subscribe(transport.Subscription{
		TypeName:       typeName,
		LogicalAddress: o.address,
		Queue:          o.queueOr(fmt.Sprintf("queue-%s-%s", typeName, o.address)),
		NewBody:        newBody[T],
		Dispatch:       oneWayDispatcher(b, KindQueue, handler),
		Executor:       o.executor,
	})
}

// RegisterBroadcastHandler registers handler for messages of type T sent with
// Broadcast. Every broadcast handler gets its own copy of each message.
func RegisterBroadcastHandler[T any](b *Bus, handler func(context.Context, T) error, opts ...HandlerOption) error {
	if handler == nil {
		return errspkg.ErrHandlerRequired
	}
	return RegisterAsyncBroadcastHandler(b, runAsync(handler), opts...)
}

// RegisterAsyncBroadcastHandler is RegisterBroadcastHandler for a handler
// that reports completion on a channel.
func RegisterAsyncBroadcastHandler[T any](b *Bus, handler func(context.Context, T) <-chan error, opts ...HandlerOption) error {
	if err := checkRegistration(b, handler == nil); err != nil {
		return err
	}
	if err := prepare[T](b); err != nil {
		return err
	}

	o := newHandlerOptions(opts)
	return b.transport.Subscribe(transport.Subscription{
		TypeName:       transport.TypeNameOf[T](),
		LogicalAddress: o.address,
		Queue:          transport.DefaultQueue("broadcast-" + ids.NewAddressSuffix()),
		NewBody:        newBody[T],
		Dispatch:       oneWayDispatcher(b, KindBroadcast, handler),
		Executor:       o.executor,
	})
}

// RegisterCallHandler registers handler for requests of type Req sent with
// Call. Its result or error is sent back to the caller.
func RegisterCallHandler[Req, Resp any](b *Bus, handler func(context.Context, Req) (Resp, error), opts ...HandlerOption) error {
	if handler == nil {
		return errspkg.ErrHandlerRequired
	}
	return RegisterAsyncCallHandler(b, runAsyncCall(handler), opts...)
}

// RegisterAsyncCallHandler is RegisterCallHandler for a handler that delivers
// its reply on a channel. A nil or closed channel replies with the zero Resp.
func RegisterAsyncCallHandler[Req, Resp any](b *Bus, handler func(context.Context, Req) <-chan Reply[Resp], opts ...HandlerOption) error {
	if err := checkRegistration(b, handler == nil); err != nil {
		return err
	}
	if err := PrepareCall[Req, Resp](b); err != nil {
		return err
	}

	typeName := transport.TypeNameOf[Req]()
	o := newHandlerOptions(opts)
	return b.transport.Subscribe(transport.Subscription{
		TypeName:       typeName,
		LogicalAddress: o.address,
		Queue:          o.queueOr(fmt.Sprintf("call-%s-%s", typeName, o.address)),
		NewBody:        newBody[Req],
		Dispatch:       callDispatcher(b, handler),
		Executor:       o.executor,
	})
}

func checkRegistration(b *Bus, missingHandler bool) error {
	if b == nil {
		return errspkg.ErrBusRequired
	}
	if missingHandler {
		return errspkg.ErrHandlerRequired
	}
	return nil
}

func newBody[T any]() any {
	return new(T)
}

func oneWayDispatcher[T any](b *Bus, kind string, handler func(context.Context, T) <-chan error) transport.Dispatcher {
	typeName := transport.TypeNameOf[T]()
	return func(d transport.Delivery) {
		info := DispatchContext{Kind: kind, MessageType: typeName, Properties: d.Properties}
		ctx, span := b.startHandlerSpan(d, info)
		defer span.End()

		body, err := bodyOf[T](d)
		if err != nil {
			b.fail(span, info, err)
			return
		}
		info.Body = body

		if err := awaitError(handler(ctx, body)); err != nil {
			b.fail(span, info, err)
		}
	}
}

func callDispatcher[Req, Resp any](b *Bus, handler func(context.Context, Req) <-chan Reply[Resp]) transport.Dispatcher {
	typeName := transport.TypeNameOf[Req]()
	responseType := transport.TypeNameOf[Resp]()
	return func(d transport.Delivery) {
		info := DispatchContext{Kind: KindCall, MessageType: typeName, Properties: d.Properties}
		replyTo := strings.TrimSpace(d.Properties.ReplyTo)
		if replyTo == "" {
			b.raiseMalformed(info)
			return
		}

		ctx, span := b.startHandlerSpan(d, info)
		defer span.End()

		var reply Reply[Resp]
		body, err := bodyOf[Req](d)
		if err != nil {
			reply.Err = err
		} else {
			info.Body = body
			reply = awaitReply(handler(ctx, body))
		}
		if reply.Err != nil {
			b.fail(span, info, reply.Err)
		}

		props := transport.Properties{Type: responseType, CorrelationID: d.Properties.CorrelationID}
		sendReply(ctx, b, info, replyTo, props, reply)
	}
}

// sendReply sends the handler result to replyTo. A handler error travels as
// its registered type name plus body. Whatever cannot be encoded is sent as a
// bare exception message so the caller fails instead of timing out.
func sendReply[Resp any](ctx context.Context, b *Bus, info DispatchContext, replyTo string, props transport.Properties, reply Reply[Resp]) {
	var payload any = reply.Value
	if reply.Err != nil {
		name, body, _ := b.errorTypes.Describe(reply.Err)
		props.ExceptionType = name
		payload = body
	}

	err := b.transport.Enqueue(ctx, replyTo, props, payload)
	var serErr *errspkg.SerializationError
	if errors.As(err, &serErr) {
		cause := reply.Err
		if cause == nil {
			b.raise(info, err)
			cause = err
		}
		props.ExceptionType = ""
		props.Exception = cause.Error()
		err = b.transport.Enqueue(ctx, replyTo, props, nil)
	}
	if err != nil {
		b.log.Error("Could not send reply", err, logging.MessageFields(props.Type, props.CorrelationID, logging.LogFields{
			"reply_to": replyTo,
		}))
	}
}

func bodyOf[T any](d transport.Delivery) (T, error) {
	var zero T
	if d.Err != nil {
		return zero, d.Err
	}
	body, ok := d.Body.(*T)
	if !ok || body == nil {
		return zero, errspkg.NewSerializationError(errspkg.ErrUnexpectedReplyValue)
	}
	return *body, nil
}

func awaitError(ch <-chan error) error {
	if ch == nil {
		return nil
	}
	return <-ch
}

func awaitReply[T any](ch <-chan Reply[T]) Reply[T] {
	if ch == nil {
		return Reply[T]{}
	}
	return <-ch
}

// runAsync runs a synchronous handler on its own goroutine. A panic becomes
// an error.
func runAsync[T any](handler func(context.Context, T) error) func(context.Context, T) <-chan error {
	return func(ctx context.Context, msg T) <-chan error {
		result := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					result <- panicError(r)
				}
			}()
			result <- handler(ctx, msg)
		}()
		return result
	}
}

func runAsyncCall[Req, Resp any](handler func(context.Context, Req) (Resp, error)) func(context.Context, Req) <-chan Reply[Resp] {
	return func(ctx context.Context, req Req) <-chan Reply[Resp] {
		result := make(chan Reply[Resp], 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					result <- Reply[Resp]{Err: panicError(r)}
				}
			}()
			value, err := handler(ctx, req)
			result <- Reply[Resp]{Value: value, Err: err}
		}()
		return result
	}
}

func panicError(r any) error {
	if err, ok := r.(error); ok {
		return fmt.Errorf("servicebus: handler panicked: %w", err)
	}
	return fmt.Errorf("servicebus: handler panicked: %v", r)
}

func (b *Bus) startHandlerSpan(d transport.Delivery, info DispatchContext) (context.Context, trace.Span) {
	ctx := withProperties(context.Background(), d.Properties)
	ctx, span := b.tracer.Start(ctx, "servicebus.handle", trace.WithSpanKind(trace.SpanKindConsumer))
	span.SetAttributes(
		attribute.String("servicebus.kind", info.Kind),
		attribute.String("servicebus.message_type", info.MessageType),
		attribute.String("servicebus.correlation_id", d.Properties.CorrelationID),
	)
	return ctx, span
}

func (b *Bus) fail(span trace.Span, info DispatchContext, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	b.raise(info, err)
}
