// Package bus implements the service bus on top of a transport.Transport:
// work-queue, broadcast and request/response messaging with typed handlers.
//
// Generic operations are package functions taking the *Bus as their first
// argument, since Go methods cannot declare type parameters.
package bus

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/drblury/servicebus/internal/runtime/config"
	"github.com/drblury/servicebus/internal/runtime/correlation"
	errspkg "github.com/drblury/servicebus/internal/runtime/errors"
	"github.com/drblury/servicebus/internal/runtime/ids"
	"github.com/drblury/servicebus/internal/runtime/logging"
	"github.com/drblury/servicebus/internal/runtime/metrics"
	"github.com/drblury/servicebus/transport"
)

const tracerName = "servicebus"

// Dependencies are the optional collaborators of a Bus. Zero values fall back
// to defaults.
type Dependencies struct {
	Metrics *metrics.Metrics
	// ErrorTypes names the errors sent back by call handlers and is handed to
	// transports implementing transport.ErrorTypesUser. Defaults to
	// transport.DefaultErrors.
	ErrorTypes *transport.ErrorRegistry
	Tracer     trace.Tracer
	Hooks      Hooks
	// ConfirmTimeout bounds the wait for the broker to accept a call.
	ConfirmTimeout time.Duration
	// CallTimeout bounds the wait for a response when no WithTimeout is given.
	CallTimeout time.Duration
}

// Bus is safe for concurrent use.
type Bus struct {
	transport  transport.Transport
	log        logging.ServiceLogger
	metrics    *metrics.Metrics
	errorTypes *transport.ErrorRegistry
	tracer     trace.Tracer

	confirmTimeout time.Duration
	callTimeout    time.Duration

	hooksMu sync.RWMutex
	hooks   Hooks

	// instanceID makes the reply addresses of this bus unique.
	instanceID string
	pending    *correlation.Index[*pendingCall]

	replyMu        sync.Mutex
	replyAddresses map[string]string
}

// New creates a bus on t. The logger may be nil.
func New(t transport.Transport, log logging.ServiceLogger, deps Dependencies) (*Bus, error) {
	if t == nil {
		return nil, errspkg.ErrTransportRequired
	}
	log = logging.OrNop(log)

	b := &Bus{
		transport:      t,
		log:            log,
		metrics:        deps.Metrics,
		errorTypes:     deps.ErrorTypes,
		tracer:         deps.Tracer,
		confirmTimeout: deps.ConfirmTimeout,
		callTimeout:    deps.CallTimeout,
		instanceID:     ids.NewAddressSuffix(),
		pending:        correlation.New[*pendingCall](),
		replyAddresses: make(map[string]string),
	}
	if b.errorTypes == nil {
		b.errorTypes = transport.DefaultErrors
	} else if user, ok := t.(transport.ErrorTypesUser); ok {
		user.UseErrorTypes(b.errorTypes)
	}
	if b.tracer == nil {
		b.tracer = otel.Tracer(tracerName)
	}
	if b.confirmTimeout <= 0 {
		b.confirmTimeout = config.DefaultConfirmTimeout
	}
	if b.callTimeout <= 0 {
		b.callTimeout = config.DefaultCallTimeout
	}
	b.hooks = LoggingHooks(logging.ForComponent(log, "bus")).Merge(MetricsHooks(deps.Metrics)).Merge(deps.Hooks)

	if observer, ok := t.(transport.ConnectionObserver); ok {
		b.observeConnection(observer)
	}
	return b, nil
}

// Transport returns the underlying transport.
func (b *Bus) Transport() transport.Transport {
	return b.transport
}

// Logger returns the logger of the bus.
func (b *Bus) Logger() logging.ServiceLogger {
	return b.log
}

// IsConnected reports whether the transport can currently send.
func (b *Bus) IsConnected() bool {
	return b.transport.IsConnected()
}

// AddHooks registers additional event callbacks. They run after the ones
// already registered.
func (b *Bus) AddHooks(h Hooks) {
	b.hooksMu.Lock()
	defer b.hooksMu.Unlock()
	b.hooks = b.hooks.Merge(h)
}

// PendingCalls returns the number of calls waiting for a response.
func (b *Bus) PendingCalls() int {
	return b.pending.Len()
}

// Shutdown stops every subscription, closes the transport and fails all
// outstanding calls with ErrShutdown.
func (b *Bus) Shutdown() error {
	err := b.transport.Shutdown()
	for _, p := range b.pending.Drain() {
		p.resolve(transport.Delivery{Err: errspkg.ErrShutdown})
	}
	return err
}

// PrepareEnqueue warms up serialization and routing for T.
func PrepareEnqueue[T any](b *Bus) error {
	return prepare[T](b)
}

// PrepareBroadcast warms up serialization and routing for T.
func PrepareBroadcast[T any](b *Bus) error {
	return prepare[T](b)
}

// PrepareCall warms up serialization and routing for both sides of a call.
func PrepareCall[Req, Resp any](b *Bus) error {
	if err := prepare[Req](b); err != nil {
		return err
	}
	return prepare[Resp](b)
}

func prepare[T any](b *Bus) error {
	if b == nil {
		return errspkg.ErrBusRequired
	}
	var sample T
	return b.transport.Prepare(transport.TypeNameOf[T](), sample)
}

func (b *Bus) checkConnection() error {
	if !b.transport.IsConnected() {
		return errspkg.ErrNotConnected
	}
	return nil
}

func (b *Bus) currentHooks() Hooks {
	b.hooksMu.RLock()
	defer b.hooksMu.RUnlock()
	return b.hooks
}

func (b *Bus) observeConnection(observer transport.ConnectionObserver) {
	name := "unknown"
	if p, ok := b.transport.(transport.CapabilitiesProvider); ok {
		name = p.Capabilities().Name
	}
	observer.OnConnectionLost(func(err error) {
		b.log.Error("Bus connection lost", err, logging.LogFields{"transport": name})
		b.metrics.RecordConnectionEvent(name, "lost")
	})
	observer.OnConnectionRestored(func() {
		b.log.Info("Bus connection restored", logging.LogFields{"transport": name})
		b.metrics.RecordConnectionEvent(name, "restored")
	})
	observer.OnReconnectFailed(func(err error) {
		b.metrics.RecordConnectionEvent(name, "reconnect_failed")
	})
}

type propertiesKey struct{}

// PropertiesFromContext returns the properties of the message a handler is
// processing.
func PropertiesFromContext(ctx context.Context) (transport.Properties, bool) {
	props, ok := ctx.Value(propertiesKey{}).(transport.Properties)
	return props, ok
}

func withProperties(ctx context.Context, props transport.Properties) context.Context {
	return context.WithValue(ctx, propertiesKey{}, props)
}
