package servicebus

import (
	"context"

	runtimepkg "github.com/drblury/servicebus/internal/runtime"
	buspkg "github.com/drblury/servicebus/internal/runtime/bus"
	configpkg "github.com/drblury/servicebus/internal/runtime/config"
	diagpkg "github.com/drblury/servicebus/internal/runtime/diagnostics"
	errspkg "github.com/drblury/servicebus/internal/runtime/errors"
	idspkg "github.com/drblury/servicebus/internal/runtime/ids"
	jsoncodec "github.com/drblury/servicebus/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/servicebus/internal/runtime/logging"
	metricspkg "github.com/drblury/servicebus/internal/runtime/metrics"
	"github.com/drblury/servicebus/transport"
)

type (
	Config              = configpkg.Config
	Service             = runtimepkg.Service
	ServiceDependencies = runtimepkg.ServiceDependencies

	Bus             = buspkg.Bus
	BusDependencies = buspkg.Dependencies
	Reply[T any]    = buspkg.Reply[T]
	SendOption      = buspkg.SendOption
	HandlerOption   = buspkg.HandlerOption
	Hooks           = buspkg.Hooks
	DispatchContext = buspkg.DispatchContext

	Transport          = transport.Transport
	TransportConfig    = transport.Config
	TransportBuilder   = transport.Builder
	TransportRegistry  = transport.Registry
	Capabilities       = transport.Capabilities
	Properties         = transport.Properties
	QueueInfo          = transport.QueueInfo
	Executor           = transport.Executor
	ErrorRegistry      = transport.ErrorRegistry
	ErrorFactory       = transport.ErrorFactory
	ConnectionObserver = transport.ConnectionObserver

	Metrics = metricspkg.Metrics

	LogFields     = loggingpkg.LogFields
	ServiceLogger = loggingpkg.ServiceLogger

	// Diagnostics
	HealthState          = diagpkg.HealthState
	ComponentHealth      = diagpkg.ComponentHealth
	HealthChecker        = diagpkg.HealthChecker
	HealthCheckerOptions = diagpkg.HealthCheckerOptions
	BusDiagnostics       = diagpkg.BusDiagnostics
	DiagnosticsOption    = diagpkg.DiagnosticsOption
	Probe                = diagpkg.Probe
	AsyncProbe           = diagpkg.AsyncProbe
	DiscoveryClient      = diagpkg.DiscoveryClient
	EnvironmentInfo      = diagpkg.EnvironmentInfo
	EnvironmentProvider  = diagpkg.EnvironmentProvider
	GetHealthRequest     = diagpkg.GetHealthRequest
	GetHealthResponse    = diagpkg.GetHealthResponse
	DiscoveryMessage     = diagpkg.DiscoveryMessage
	ComponentInfoMessage = diagpkg.ComponentInfoMessage

	// Errors
	MessageReturnedError      = errspkg.MessageReturnedError
	SerializationError        = errspkg.SerializationError
	RemoteError               = errspkg.RemoteError
	UnresolvedRemoteTypeError = errspkg.UnresolvedRemoteTypeError
	InvalidOperationError     = errspkg.InvalidOperationError
	HandlerFaultError         = errspkg.HandlerFaultError
	ArgumentOutOfRangeError   = errspkg.ArgumentOutOfRangeError
	ConfigValidationError     = errspkg.ConfigValidationError
)

const (
	HealthUnknown      = diagpkg.Unknown
	HealthHealthy      = diagpkg.Healthy
	HealthUnhealthy    = diagpkg.Unhealthy
	HealthTimeout      = diagpkg.Timeout
	HealthOffline      = diagpkg.Offline
	HealthException    = diagpkg.Exception
	HealthNotConnected = diagpkg.NotConnected

	DefaultDiscoveryWindow = diagpkg.DefaultDiscoveryWindow
)

var (
	NewService     = runtimepkg.NewService
	TryNewService  = runtimepkg.TryNewService
	HealthHandler  = runtimepkg.HealthHandler
	DefaultConfig  = configpkg.Default
	LoadConfig     = configpkg.Load
	ValidateConfig = configpkg.ValidateConfig

	NewBus = buspkg.New

	WithAddress    = buspkg.WithAddress
	WithTimeout    = buspkg.WithTimeout
	WithExpiration = buspkg.WithExpiration
	WithHeader     = buspkg.WithHeader
	OnAddress      = buspkg.OnAddress
	WithExecutor   = buspkg.WithExecutor
	WithQueue      = buspkg.WithQueue
	LoggingHooks   = buspkg.LoggingHooks
	MetricsHooks   = buspkg.MetricsHooks

	PropertiesFromContext = buspkg.PropertiesFromContext

	NewHealthChecker            = diagpkg.NewHealthChecker
	NewBusDiagnostics           = diagpkg.NewBusDiagnostics
	UseBusDiagnostics           = diagpkg.UseBusDiagnostics
	NewDiscoveryClient          = diagpkg.NewDiscoveryClient
	WithEnvironment             = diagpkg.WithEnvironment
	WithDefaultSubsystemTimeout = diagpkg.WithDefaultSubsystemTimeout
	LogicalAddress              = diagpkg.LogicalAddress

	DefaultTransportRegistry = transport.DefaultRegistry
	RegisterTransport        = transport.Register
	BuildTransport           = transport.Build
	GetCapabilities          = transport.GetCapabilities
	DefaultQueue             = transport.DefaultQueue
	DefaultErrors            = transport.DefaultErrors
	RegisterError            = transport.RegisterError
	NewErrorRegistry         = transport.NewErrorRegistry

	NewMetrics = metricspkg.New

	Marshal       = jsoncodec.Marshal
	MarshalIndent = jsoncodec.MarshalIndent
	Unmarshal     = jsoncodec.Unmarshal
	Encode        = jsoncodec.Encode
	Decode        = jsoncodec.Decode

	ErrNotConnected         = errspkg.ErrNotConnected
	ErrMessageReturned      = errspkg.ErrMessageReturned
	ErrNotDeliverable       = errspkg.ErrNotDeliverable
	ErrTimeout              = errspkg.ErrTimeout
	ErrRemote               = errspkg.ErrRemote
	ErrMessageMalformed     = errspkg.ErrMessageMalformed
	ErrShutdown             = errspkg.ErrShutdown
	ErrTransportRequired    = errspkg.ErrTransportRequired
	ErrUnknownTransport     = errspkg.ErrUnknownTransport
	ErrBusRequired          = errspkg.ErrBusRequired
	ErrHandlerRequired      = errspkg.ErrHandlerRequired
	ErrProbeRequired        = errspkg.ErrProbeRequired
	ErrModuleNameRequired   = errspkg.ErrModuleNameRequired
	ErrComponentsRequired   = errspkg.ErrComponentsRequired
	ErrConfigRequired       = errspkg.ErrConfigRequired
	ErrLoggerRequired       = errspkg.ErrLoggerRequired
	ErrInvalidTimeoutFactor = errspkg.ErrInvalidTimeoutFactor
	ErrIntervalTooLow       = errspkg.ErrIntervalTooLow

	NewSlogServiceLogger      = loggingpkg.NewSlogServiceLogger
	NewWatermillServiceLogger = loggingpkg.NewWatermillServiceLogger
	NopLogger                 = loggingpkg.NopLogger

	CreateULID = idspkg.CreateULID
)

func Enqueue[T any](ctx context.Context, b *Bus, msg T, opts ...SendOption) error {
	return buspkg.Enqueue(ctx, b, msg, opts...)
}

func Broadcast[T any](ctx context.Context, b *Bus, msg T, opts ...SendOption) error {
	return buspkg.Broadcast(ctx, b, msg, opts...)
}

// Call sends req and waits for the Resp of the handler at the target address.
func Call[Req, Resp any](ctx context.Context, b *Bus, req Req, opts ...SendOption) (Resp, error) {
	return buspkg.Call[Req, Resp](ctx, b, req, opts...)
}

func RegisterQueueHandler[T any](b *Bus, handler func(context.Context, T) error, opts ...HandlerOption) error {
	return buspkg.RegisterQueueHandler(b, handler, opts...)
}

func RegisterAsyncQueueHandler[T any](b *Bus, handler func(context.Context, T) <-chan error, opts ...HandlerOption) error {
	return buspkg.RegisterAsyncQueueHandler(b, handler, opts...)
}

func RegisterBroadcastHandler[T any](b *Bus, handler func(context.Context, T) error, opts ...HandlerOption) error {
	return buspkg.RegisterBroadcastHandler(b, handler, opts...)
}

func RegisterAsyncBroadcastHandler[T any](b *Bus, handler func(context.Context, T) <-chan error, opts ...HandlerOption) error {
	return buspkg.RegisterAsyncBroadcastHandler(b, handler, opts...)
}

func RegisterCallHandler[Req, Resp any](b *Bus, handler func(context.Context, Req) (Resp, error), opts ...HandlerOption) error {
	return buspkg.RegisterCallHandler(b, handler, opts...)
}

func RegisterAsyncCallHandler[Req, Resp any](b *Bus, handler func(context.Context, Req) <-chan Reply[Resp], opts ...HandlerOption) error {
	return buspkg.RegisterAsyncCallHandler(b, handler, opts...)
}

func PrepareEnqueue[T any](b *Bus) error   { return buspkg.PrepareEnqueue[T](b) }
func PrepareBroadcast[T any](b *Bus) error { return buspkg.PrepareBroadcast[T](b) }

func PrepareCall[Req, Resp any](b *Bus) error {
	return buspkg.PrepareCall[Req, Resp](b)
}

// ObserveConnection counts the connection events of t on m under name.
// Buses record them on their own; this is for transports used without one.
func ObserveConnection(m *Metrics, name string, t Transport) {
	observer, ok := t.(ConnectionObserver)
	if !ok || m == nil {
		return
	}
	observer.OnConnectionLost(func(error) { m.RecordConnectionEvent(name, "lost") })
	observer.OnConnectionRestored(func() { m.RecordConnectionEvent(name, "restored") })
	observer.OnReconnectFailed(func(error) { m.RecordConnectionEvent(name, "reconnect_failed") })
}
