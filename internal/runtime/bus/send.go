package bus

import (
	"context"

	errspkg "github.com/drblury/servicebus/internal/runtime/errors"
	"github.com/drblury/servicebus/transport"
)

// Enqueue sends msg to one consumer of the queue handlers registered for T at
// the target address.
func Enqueue[T any](ctx context.Context, b *Bus, msg T, opts ...SendOption) error {
	if b == nil {
		return errspkg.ErrBusRequired
	}
	if err := b.checkConnection(); err != nil {
		return err
	}
	o := newSendOptions(opts)
	return b.transport.Enqueue(ctx, o.address, oneWayProperties[T](o), msg)
}

// Broadcast sends msg to every broadcast handler registered for T at the
// target address.
func Broadcast[T any](ctx context.Context, b *Bus, msg T, opts ...SendOption) error {
	if b == nil {
		return errspkg.ErrBusRequired
	}
	if err := b.checkConnection(); err != nil {
		return err
	}
	o := newSendOptions(opts)
	return b.transport.Broadcast(ctx, o.address, oneWayProperties[T](o), msg)
}

func oneWayProperties[T any](o sendOptions) transport.Properties {
	return transport.Properties{
		Type:       transport.TypeNameOf[T](),
		Expiration: o.expiration,
		Headers:    o.headers,
	}
}
