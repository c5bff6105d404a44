package bus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	errspkg "github.com/drblury/servicebus/internal/runtime/errors"
	"github.com/drblury/servicebus/internal/runtime/ids"
	"github.com/drblury/servicebus/internal/runtime/logging"
	"github.com/drblury/servicebus/transport"
)

// Call outcomes recorded in metrics.
const (
	outcomeOK           = "ok"
	outcomeTimeout      = "timeout"
	outcomeReturned     = "returned"
	outcomeNotConnected = "not_connected"
	outcomeRemoteError  = "remote_error"
	outcomeError        = "error"
)

// pendingCall is resolved exactly once, by whoever removes it from the index.
type pendingCall struct {
	responseType string
	done         chan transport.Delivery
}

func (p *pendingCall) resolve(d transport.Delivery) {
	p.done <- d
}

// Call sends req to a call handler and waits for its response.
//
// It fails with a *errors.MessageReturnedError when no handler listens at the
// target address, with *errors.InvalidOperationError wrapping ErrTimeout when
// the broker did not accept the request in time, with ErrTimeout when no
// response arrived in time, and with the handler's error when the handler
// failed, wrapped in *errors.HandlerFaultError.
func Call[Req, Resp any](ctx context.Context, b *Bus, req Req, opts ...SendOption) (Resp, error) {
	var zero Resp
	if b == nil {
		return zero, errspkg.ErrBusRequired
	}

	requestType := transport.TypeNameOf[Req]()
	responseType := transport.TypeNameOf[Resp]()
	started := time.Now()

	ctx, span := b.tracer.Start(ctx, "servicebus.call", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	span.SetAttributes(
		attribute.String("servicebus.request_type", requestType),
		attribute.String("servicebus.response_type", responseType),
	)

	resp, err := call[Req, Resp](ctx, b, req, newSendOptions(opts))
	b.metrics.RecordCall(requestType, callOutcome(err), time.Since(started))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return zero, err
	}
	return resp, nil
}

func call[Req, Resp any](ctx context.Context, b *Bus, req Req, o sendOptions) (Resp, error) {
	var zero Resp
	if err := b.checkConnection(); err != nil {
		return zero, err
	}

	timeout := o.timeout
	if timeout <= 0 {
		timeout = b.callTimeout
	}
	expiration := o.expiration
	if expiration <= 0 {
		expiration = timeout
	}

	replyTo, err := ensureReplySubscription[Resp](b)
	if err != nil {
		return zero, err
	}

	id := ids.CreateULID()
	p := &pendingCall{
		responseType: transport.TypeNameOf[Resp](),
		done:         make(chan transport.Delivery, 1),
	}
	b.pending.AddCorrelated(id, p)

	props := transport.Properties{
		Type:          transport.TypeNameOf[Req](),
		CorrelationID: id,
		ReplyTo:       replyTo,
		Expiration:    expiration,
		Headers:       o.headers,
	}

	confirmCtx, cancelConfirm := context.WithTimeout(ctx, b.confirmTimeout)
	err = b.transport.Call(confirmCtx, o.address, props, req)
	cancelConfirm()
	if err != nil {
		b.pending.RemoveByCorrelation(id)
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return zero, &errspkg.InvalidOperationError{Op: "call", Err: errspkg.ErrTimeout}
		}
		return zero, err
	}

	waitCtx, cancelWait := context.WithTimeout(ctx, timeout)
	defer cancelWait()

	var d transport.Delivery
	select {
	case d = <-p.done:
	case <-waitCtx.Done():
		if _, ok := b.pending.RemoveByCorrelation(id); ok {
			if ctx.Err() != nil {
				return zero, ctx.Err()
			}
			return zero, fmt.Errorf("%w: no %s received within %s", errspkg.ErrTimeout, p.responseType, timeout)
		}
		// Resolved concurrently with the deadline.
		d = <-p.done
	}

	if d.Err != nil {
		if d.Properties.ExceptionType != "" || d.Properties.Exception != "" {
			return zero, &errspkg.HandlerFaultError{Err: d.Err}
		}
		return zero, d.Err
	}
	value, ok := d.Body.(*Resp)
	if !ok || value == nil {
		return zero, errspkg.NewSerializationError(errspkg.ErrUnexpectedReplyValue)
	}
	return *value, nil
}

// ensureReplySubscription subscribes the shared reply queue for Resp once
// and returns its address.
func ensureReplySubscription[Resp any](b *Bus) (string, error) {
	responseType := transport.TypeNameOf[Resp]()

	b.replyMu.Lock()
	defer b.replyMu.Unlock()

	if address, ok := b.replyAddresses[responseType]; ok {
		return address, nil
	}

	address := fmt.Sprintf("rpc-%s-%s", responseType, b.instanceID)
	err := b.transport.Subscribe(transport.Subscription{
		TypeName:       responseType,
		LogicalAddress: address,
		Queue:          transport.DefaultQueue(address),
		NewBody:        func() any { return new(Resp) },
		Dispatch:       b.dispatchReply,
	})
	if err != nil {
		return "", err
	}
	b.replyAddresses[responseType] = address
	return address, nil
}

func (b *Bus) dispatchReply(d transport.Delivery) {
	id := d.Properties.CorrelationID
	if id == "" {
		b.log.Debug("Dropping reply without correlation id", logging.MessageFields(d.Properties.Type, "", nil))
		return
	}
	p, ok := b.pending.RemoveByCorrelation(id)
	if !ok {
		var extra logging.LogFields
		if sent, ok := ids.CorrelationTime(id); ok {
			extra = logging.LogFields{"age": time.Since(sent).String()}
		}
		b.log.Debug("Dropping reply without pending call", logging.MessageFields(d.Properties.Type, id, extra))
		b.metrics.RecordLateReply(d.Properties.Type)
		return
	}
	p.resolve(d)
}

func callOutcome(err error) string {
	switch {
	case err == nil:
		return outcomeOK
	case isHandlerFault(err):
		return outcomeRemoteError
	case errors.Is(err, errspkg.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return outcomeTimeout
	case errors.Is(err, errspkg.ErrMessageReturned):
		return outcomeReturned
	case errors.Is(err, errspkg.ErrNotConnected):
		return outcomeNotConnected
	case errors.Is(err, errspkg.ErrRemote):
		return outcomeRemoteError
	default:
		return outcomeError
	}
}

func isHandlerFault(err error) bool {
	var fault *errspkg.HandlerFaultError
	return errors.As(err, &fault)
}
