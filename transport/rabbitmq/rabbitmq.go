// Package rabbitmq provides the RabbitMQ transport. Every message type maps to
// a topic exchange, calls are published mandatory on a confirm channel and the
// connection is re-established automatically.
package rabbitmq

import (
	"context"
	"sync"

	"github.com/ThreeDotsLabs/watermill"

	errspkg "github.com/drblury/servicebus/internal/runtime/errors"
	"github.com/drblury/servicebus/internal/runtime/ids"
	"github.com/drblury/servicebus/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "rabbitmq"

func init() {
	Register()
}

// Register registers the RabbitMQ transport with the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.RabbitMQCapabilities)
}

// Build creates a transport for cfg and starts connecting in the background.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	manager := NewConnectionManager(cfg.GetRabbitMQURL(), ConnectionOptions{
		Heartbeat:         cfg.GetRabbitMQHeartbeat(),
		DurableExchanges:  cfg.GetUseDurableExchanges(),
		ReconnectInterval: cfg.GetReconnectInterval(),
	}, logger)
	t := New(manager, logger)
	manager.Start()
	return t, nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.RabbitMQCapabilities
}

// Transport adapts a ConnectionManager to transport.Transport.
type Transport struct {
	manager *ConnectionManager
	codec   transport.Codec
	logger  watermill.LoggerAdapter

	mu        sync.Mutex
	consumers map[string]*consumer
	shutdown  bool
}

// New creates a transport on manager. Consumers are restored whenever the
// manager reconnects.
func New(manager *ConnectionManager, logger watermill.LoggerAdapter) *Transport {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	t := &Transport{
		manager:   manager,
		codec:     transport.NewCodec(),
		logger:    logger.With(watermill.LogFields{"transport": TransportName}),
		consumers: make(map[string]*consumer),
	}
	manager.onConnected(t.restoreConsumers)
	return t
}

// WithCodec replaces the codec used for encoding and decoding.
func (t *Transport) WithCodec(codec transport.Codec) *Transport {
	t.codec = codec
	return t
}

// UseErrorTypes decodes faulted responses with errs.
func (t *Transport) UseErrorTypes(errs *transport.ErrorRegistry) {
	t.codec.Errors = errs
}

// Manager exposes the underlying connection manager.
func (t *Transport) Manager() *ConnectionManager {
	return t.manager
}

func (t *Transport) Capabilities() transport.Capabilities {
	return transport.RabbitMQCapabilities
}

func (t *Transport) IsConnected() bool {
	return t.manager.IsConnected()
}

func (t *Transport) Enqueue(ctx context.Context, logicalAddress string, props transport.Properties, body any) error {
	return t.publish(ctx, logicalAddress, props, body)
}

func (t *Transport) Broadcast(ctx context.Context, logicalAddress string, props transport.Properties, body any) error {
	return t.publish(ctx, logicalAddress, props, body)
}

func (t *Transport) Call(ctx context.Context, logicalAddress string, props transport.Properties, body any) error {
	if props.CorrelationID == "" {
		props.CorrelationID = ids.CreateULID()
	}
	payload, err := t.codec.Encode(&props, body)
	if err != nil {
		return err
	}
	return t.manager.Call(ctx, props.Type, logicalAddress, toPublishing(props, payload))
}

func (t *Transport) Prepare(typeName string, sample any) error {
	if err := t.codec.Serializer.Prepare(sample); err != nil {
		return err
	}
	return t.manager.PrepareExchange(typeName)
}

// Subscribe registers sub. While disconnected the consumer is only recorded
// and starts with the next successful connect.
func (t *Transport) Subscribe(sub transport.Subscription) error {
	pattern, queue, key := sub.Normalize()

	t.mu.Lock()
	if t.shutdown {
		t.mu.Unlock()
		return errspkg.ErrShutdown
	}
	if _, ok := t.consumers[key]; ok {
		t.mu.Unlock()
		return nil
	}
	c := &consumer{
		sub:     sub,
		pattern: pattern,
		queue:   queue,
		codec:   t.codec,
		logger:  t.logger,
	}
	t.consumers[key] = c
	t.mu.Unlock()

	if !t.manager.IsConnected() {
		return nil
	}
	if err := c.restore(t.manager); err != nil {
		t.mu.Lock()
		delete(t.consumers, key)
		t.mu.Unlock()
		return err
	}
	return nil
}

func (t *Transport) Shutdown() error {
	t.mu.Lock()
	if t.shutdown {
		t.mu.Unlock()
		return nil
	}
	t.shutdown = true
	consumers := make([]*consumer, 0, len(t.consumers))
	for _, c := range t.consumers {
		consumers = append(consumers, c)
	}
	t.mu.Unlock()

	for _, c := range consumers {
		c.stop()
	}
	return t.manager.Shutdown()
}

func (t *Transport) OnConnectionLost(fn func(err error)) {
	t.manager.OnConnectionLost(fn)
}

func (t *Transport) OnConnectionRestored(fn func()) {
	t.manager.OnConnectionRestored(fn)
}

func (t *Transport) OnReconnectFailed(fn func(err error)) {
	t.manager.OnReconnectFailed(fn)
}

func (t *Transport) publish(ctx context.Context, logicalAddress string, props transport.Properties, body any) error {
	if !t.manager.IsConnected() {
		return errspkg.ErrNotConnected
	}
	payload, err := t.codec.Encode(&props, body)
	if err != nil {
		return err
	}
	return t.manager.Publish(ctx, props.Type, logicalAddress, toPublishing(props, payload))
}

func (t *Transport) restoreConsumers() {
	t.mu.Lock()
	if t.shutdown {
		t.mu.Unlock()
		return
	}
	consumers := make([]*consumer, 0, len(t.consumers))
	for _, c := range t.consumers {
		consumers = append(consumers, c)
	}
	t.mu.Unlock()

	for _, c := range consumers {
		if err := c.restore(t.manager); err != nil {
			t.logger.Error("Could not restore consumer", err, watermill.LogFields{
				"type":    c.sub.TypeName,
				"address": c.pattern,
			})
		}
	}
}
