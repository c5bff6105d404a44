// Package transport defines the broker-agnostic contract the bus is built on.
// Each backend (rabbitmq, nats, redis, memory) lives in its own sub-package and
// registers itself with the transport registry.
//
// A transport speaks in terms of a topic exchange per message type: a message
// of type T sent to logical address A is routed to every queue bound to the
// exchange named T with a binding key matching A. Queue semantics (competing
// consumers versus fan-out) are chosen by the caller through the listen
// address of each Subscription.
package transport

import (
	"context"
	"strings"
	"time"

	"github.com/ThreeDotsLabs/watermill"
)

// Transport is implemented by every backend.
type Transport interface {
	// IsConnected reports whether the transport can currently send.
	IsConnected() bool

	// Enqueue publishes body to the exchange props.Type with routing key
	// logicalAddress. Delivery is best effort.
	Enqueue(ctx context.Context, logicalAddress string, props Properties, body any) error

	// Broadcast publishes like Enqueue. The fan-out comes from the unique
	// listen address every broadcast subscriber binds with.
	Broadcast(ctx context.Context, logicalAddress string, props Properties, body any) error

	// Call publishes a request and blocks until the broker confirmed that it
	// was routed. It fails with a *errors.MessageReturnedError when no queue
	// matched and with ErrNotDeliverable when the broker refused it.
	Call(ctx context.Context, logicalAddress string, props Properties, body any) error

	// Prepare warms up serialization for sample's type and declares the
	// exchange for typeName ahead of the first send.
	Prepare(typeName string, sample any) error

	// Subscribe binds a queue to the exchange of sub.TypeName. Subscribing the
	// same type, logical address and queue twice is a no-op.
	Subscribe(sub Subscription) error

	// Shutdown stops every subscription and closes the connection.
	Shutdown() error
}

// Properties are the message attributes carried next to the body.
type Properties struct {
	Type            string
	CorrelationID   string
	ReplyTo         string
	Expiration      time.Duration
	ContentType     string
	ContentEncoding string
	// ExceptionType marks a faulted response and names the error type the
	// body was encoded from.
	ExceptionType string
	// Exception marks a faulted response whose error could not be encoded.
	// It carries the error message and the body is empty.
	Exception string
	Headers   map[string]string
}

// Faulted reports whether the properties describe an error response.
func (p Properties) Faulted() bool {
	return p.ExceptionType != "" || p.Exception != ""
}

// Delivery is one received message after decoding. Exactly one of Body and Err
// is meaningful: Err is set when the message carried a remote error or could
// not be decoded.
type Delivery struct {
	Properties Properties
	Body       any
	Err        error
}

// Dispatcher receives decoded deliveries.
type Dispatcher func(Delivery)

// Executor runs a dispatch. Transports never dispatch on their consumer loop.
type Executor func(task func())

// GoExecutor runs every task on its own goroutine.
func GoExecutor(task func()) {
	go task()
}

// QueueInfo describes the queue declared for a subscription.
type QueueInfo struct {
	Name       string
	Durable    bool
	Exclusive  bool
	AutoDelete bool
	Arguments  map[string]any
}

// DefaultQueue returns the queue declaration used by the bus: non-durable,
// shared and deleted with its last consumer.
func DefaultQueue(name string) QueueInfo {
	return QueueInfo{Name: name, AutoDelete: true}
}

// Subscription describes one binding of a queue to a message type.
type Subscription struct {
	TypeName       string
	LogicalAddress string
	Queue          QueueInfo
	// NewBody returns a pointer to a fresh value the body is decoded into.
	NewBody  func() any
	Dispatch Dispatcher
	Executor Executor
}

// Normalize fills in the defaults every backend applies: a blank logical
// address binds to everything ("#") and a missing queue name is derived from
// type and address. The returned key identifies the subscription.
func (s Subscription) Normalize() (pattern string, queue QueueInfo, key string) {
	pattern = s.LogicalAddress
	if strings.TrimSpace(pattern) == "" {
		pattern = "#"
	}
	queue = s.Queue
	if queue.Name == "" {
		queue = DefaultQueue(s.TypeName + "-" + pattern)
	}
	return pattern, queue, s.TypeName + "/" + pattern + "/" + queue.Name
}

// Execute runs task on the subscription executor.
func (s Subscription) Execute(task func()) {
	if s.Executor == nil {
		GoExecutor(task)
		return
	}
	s.Executor(task)
}

// Builder is the function signature for creating a transport from config.
type Builder func(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Transport, error)

// Config provides the configuration values needed by transports without
// depending on the full config package.
type Config interface {
	// GetTransport returns the transport name.
	GetTransport() string

	// RabbitMQ
	GetRabbitMQURL() string
	GetRabbitMQHeartbeat() time.Duration
	GetUseDurableExchanges() bool
	GetReconnectInterval() time.Duration

	// NATS
	GetNATSURL() string

	// Redis
	GetRedisURL() string
}

// CapabilitiesProvider is implemented by transports that can report their capabilities.
type CapabilitiesProvider interface {
	Capabilities() Capabilities
}

// ConnectionObserver is implemented by transports that report connection
// lifecycle events.
type ConnectionObserver interface {
	OnConnectionLost(fn func(err error))
	OnConnectionRestored(fn func())
	OnReconnectFailed(fn func(err error))
}

// ErrorTypesUser is implemented by transports that can decode faulted
// responses with an error registry other than DefaultErrors. It must be
// called before the first Subscribe.
type ErrorTypesUser interface {
	UseErrorTypes(errs *ErrorRegistry)
}
