// Package memory provides an in-process transport with the routing behaviour
// of a topic-exchange broker. It is used by tests and local development.
package memory

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	errspkg "github.com/drblury/servicebus/internal/runtime/errors"
	"github.com/drblury/servicebus/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "memory"

// Reply code and text reported for unroutable calls, as AMQP does.
const (
	replyCodeNoRoute = 312
	replyTextNoRoute = "NO_ROUTE"
)

func init() {
	Register()
}

// Register registers the memory transport with the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.MemoryCapabilities)
}

// Build creates a transport attached to the process-wide SharedBroker.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	return New(SharedBroker(), logger), nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.MemoryCapabilities
}

// Transport is one client of a Broker.
type Transport struct {
	broker *Broker
	codec  transport.Codec
	logger watermill.LoggerAdapter

	connected atomic.Bool

	mu            sync.Mutex
	subscriptions map[string]func()
	shutdown      bool

	listenersMu sync.RWMutex
	onLost      []func(error)
	onRestored  []func()
}

// New creates a connected transport on broker.
func New(broker *Broker, logger watermill.LoggerAdapter) *Transport {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	t := &Transport{
		broker:        broker,
		codec:         transport.NewCodec(),
		logger:        logger,
		subscriptions: make(map[string]func()),
	}
	t.connected.Store(true)
	return t
}

// WithCodec replaces the codec, for example to use a private error registry.
func (t *Transport) WithCodec(codec transport.Codec) *Transport {
	t.codec = codec
	return t
}

// UseErrorTypes decodes faulted responses with errs.
func (t *Transport) UseErrorTypes(errs *transport.ErrorRegistry) {
	t.codec.Errors = errs
}

func (t *Transport) Capabilities() transport.Capabilities {
	return transport.MemoryCapabilities
}

func (t *Transport) IsConnected() bool {
	return t.connected.Load()
}

func (t *Transport) Enqueue(ctx context.Context, logicalAddress string, props transport.Properties, body any) error {
	_, err := t.publish(ctx, logicalAddress, props, body)
	return err
}

func (t *Transport) Broadcast(ctx context.Context, logicalAddress string, props transport.Properties, body any) error {
	_, err := t.publish(ctx, logicalAddress, props, body)
	return err
}

func (t *Transport) Call(ctx context.Context, logicalAddress string, props transport.Properties, body any) error {
	routed, err := t.publish(ctx, logicalAddress, props, body)
	if err != nil {
		return err
	}
	if routed == 0 {
		return &errspkg.MessageReturnedError{ReplyCode: replyCodeNoRoute, ReplyText: replyTextNoRoute}
	}
	return nil
}

func (t *Transport) Prepare(typeName string, sample any) error {
	if err := t.codec.Serializer.Prepare(sample); err != nil {
		return err
	}
	t.broker.DeclareExchange(typeName)
	return nil
}

func (t *Transport) Subscribe(sub transport.Subscription) error {
	pattern, queueInfo, key := sub.Normalize()

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.shutdown {
		return errspkg.ErrShutdown
	}
	if _, ok := t.subscriptions[key]; ok {
		return nil
	}

	t.broker.DeclareExchange(sub.TypeName)
	if err := t.broker.DeclareQueue(queueInfo); err != nil {
		return err
	}
	if err := t.broker.Bind(queueInfo.Name, sub.TypeName, pattern); err != nil {
		return err
	}
	cancel, err := t.broker.Consume(queueInfo.Name, func(msg *message.Message) {
		if !t.connected.Load() {
			return
		}
		props := transport.PropertiesFromHeaders(msg.Metadata)
		delivery := t.codec.Decode(props, msg.Payload, sub.NewBody)
		sub.Execute(func() { sub.Dispatch(delivery) })
	})
	if err != nil {
		return err
	}

	t.subscriptions[key] = cancel
	t.logger.Debug("Subscribed", watermill.LogFields{
		"type":    sub.TypeName,
		"address": pattern,
		"queue":   queueInfo.Name,
	})
	return nil
}

// Shutdown detaches every consumer of this transport. The broker stays open
// for other transports.
func (t *Transport) Shutdown() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.shutdown {
		return nil
	}
	t.shutdown = true
	t.connected.Store(false)
	for key, cancel := range t.subscriptions {
		cancel()
		delete(t.subscriptions, key)
	}
	return nil
}

// Disconnect simulates a broker outage: sends fail with ErrNotConnected and
// incoming deliveries are dropped until Reconnect.
func (t *Transport) Disconnect(cause error) {
	if !t.connected.CompareAndSwap(true, false) {
		return
	}
	t.listenersMu.RLock()
	defer t.listenersMu.RUnlock()
	for _, fn := range t.onLost {
		fn(cause)
	}
}

// Reconnect ends a simulated outage.
func (t *Transport) Reconnect() {
	t.mu.Lock()
	down := t.shutdown
	t.mu.Unlock()
	if down || !t.connected.CompareAndSwap(false, true) {
		return
	}
	t.listenersMu.RLock()
	defer t.listenersMu.RUnlock()
	for _, fn := range t.onRestored {
		fn()
	}
}

func (t *Transport) OnConnectionLost(fn func(err error)) {
	t.listenersMu.Lock()
	defer t.listenersMu.Unlock()
	t.onLost = append(t.onLost, fn)
}

func (t *Transport) OnConnectionRestored(fn func()) {
	t.listenersMu.Lock()
	defer t.listenersMu.Unlock()
	t.onRestored = append(t.onRestored, fn)
}

// OnReconnectFailed is never fired: reconnecting a memory transport cannot fail.
func (t *Transport) OnReconnectFailed(fn func(err error)) {}

func (t *Transport) publish(ctx context.Context, logicalAddress string, props transport.Properties, body any) (int, error) {
	if !t.connected.Load() {
		return 0, errspkg.ErrNotConnected
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	payload, err := t.codec.Encode(&props, body)
	if err != nil {
		return 0, err
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	for k, v := range props.ToHeaders() {
		msg.Metadata.Set(k, v)
	}
	return t.broker.Publish(props.Type, logicalAddress, msg)
}
