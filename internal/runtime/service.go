package runtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/multierr"

	buspkg "github.com/drblury/servicebus/internal/runtime/bus"
	configpkg "github.com/drblury/servicebus/internal/runtime/config"
	"github.com/drblury/servicebus/internal/runtime/diagnostics"
	errspkg "github.com/drblury/servicebus/internal/runtime/errors"
	loggingpkg "github.com/drblury/servicebus/internal/runtime/logging"
	metricspkg "github.com/drblury/servicebus/internal/runtime/metrics"
	"github.com/drblury/servicebus/transport"
)

const httpShutdownTimeout = 5 * time.Second

// ServiceDependencies holds the optional collaborators of a Service. Leave
// fields nil to get the defaults.
type ServiceDependencies struct {
	// Transport skips the registry when set.
	Transport transport.Transport
	// Registry builds the transport named by Config.Transport. Defaults to
	// transport.DefaultRegistry.
	Registry *transport.Registry
	// Registerer receives the collectors when metrics are enabled. When it
	// is also a Gatherer, /metrics serves from it.
	Registerer  prometheus.Registerer
	ErrorTypes  *transport.ErrorRegistry
	Tracer      trace.Tracer
	Hooks       buspkg.Hooks
	Environment diagnostics.EnvironmentProvider
	Clock       clock.Clock
}

// Service wires a transport, a bus and the optional diagnostics around them
// from one Config.
type Service struct {
	Conf   *configpkg.Config
	Logger loggingpkg.ServiceLogger

	Bus     *buspkg.Bus
	Metrics *metricspkg.Metrics
	// Diagnostics is set when Config.ModuleName is.
	Diagnostics *diagnostics.BusDiagnostics
	// Checker is set when Config.HealthComponents is not empty.
	Checker *diagnostics.HealthChecker

	gatherer prometheus.Gatherer

	httpServers   map[int]*http.ServeMux
	httpServersMu sync.Mutex
	running       []*http.Server

	stopOnce sync.Once
	stopErr  error
}

// NewService is TryNewService for callers that cannot continue without a bus.
// It panics on error.
func NewService(conf *configpkg.Config, log loggingpkg.ServiceLogger, ctx context.Context, deps ServiceDependencies) *Service {
	s, err := TryNewService(conf, log, ctx, deps)
	if err != nil {
		panic(err)
	}
	return s
}

// TryNewService validates conf, builds the transport and the bus, and
// registers the diagnostics the configuration asks for.
func TryNewService(conf *configpkg.Config, log loggingpkg.ServiceLogger, ctx context.Context, deps ServiceDependencies) (*Service, error) {
	if conf == nil {
		return nil, errspkg.ErrConfigRequired
	}
	if log == nil {
		return nil, errspkg.ErrLoggerRequired
	}
	if err := conf.Validate(); err != nil {
		return nil, err
	}

	log.Info("Creating service bus", loggingpkg.LogFields{
		"transport": conf.Transport,
		"config":    conf.String(),
	})

	s := &Service{Conf: conf, Logger: log}
	if err := s.setupMetrics(deps.Registerer); err != nil {
		return nil, err
	}

	t := deps.Transport
	if t == nil {
		registry := deps.Registry
		if registry == nil {
			registry = transport.DefaultRegistry
		}
		built, err := registry.Build(ctx, conf, loggingpkg.NewWatermillAdapter(log))
		if err != nil {
			return nil, fmt.Errorf("build transport: %w", err)
		}
		t = built
	}

	b, err := buspkg.New(t, log, buspkg.Dependencies{
		Metrics:        s.Metrics,
		ErrorTypes:     deps.ErrorTypes,
		Tracer:         deps.Tracer,
		Hooks:          deps.Hooks,
		ConfirmTimeout: conf.ConfirmTimeout,
		CallTimeout:    conf.CallTimeout,
	})
	if err != nil {
		return nil, multierr.Append(err, t.Shutdown())
	}
	s.Bus = b

	if err := s.setupDiagnostics(deps); err != nil {
		return nil, multierr.Append(err, b.Shutdown())
	}
	return s, nil
}

func (s *Service) setupMetrics(registerer prometheus.Registerer) error {
	if !s.Conf.MetricsEnabled {
		return nil
	}
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	s.Metrics = metricspkg.New(registerer)
	if err := s.Metrics.Register(); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	s.gatherer = prometheus.DefaultGatherer
	if g, ok := registerer.(prometheus.Gatherer); ok {
		s.gatherer = g
	}
	return nil
}

func (s *Service) setupDiagnostics(deps ServiceDependencies) error {
	if s.Conf.ModuleName != "" {
		opts := []diagnostics.DiagnosticsOption{}
		if deps.Environment != nil {
			opts = append(opts, diagnostics.WithEnvironment(deps.Environment))
		}
		if deps.Clock != nil {
			opts = append(opts, diagnostics.WithDiagnosticsClock(deps.Clock))
		}
		d, err := diagnostics.NewBusDiagnostics(s.Bus, s.Conf.ModuleName, s.Conf.InstanceName, opts...)
		if err != nil {
			return err
		}
		s.Diagnostics = d
	}

	if len(s.Conf.HealthComponents) > 0 {
		checker, err := diagnostics.NewHealthChecker(s.Bus, s.Conf.HealthComponents, diagnostics.HealthCheckerOptions{
			Interval:      s.Conf.HealthInterval,
			TimeoutFactor: s.Conf.HealthTimeoutFactor,
			Clock:         deps.Clock,
			Metrics:       s.Metrics,
		})
		if err != nil {
			return err
		}
		s.Checker = checker
	}
	return nil
}

// Start serves /metrics and the health endpoints, starts the health checker
// and blocks until ctx is done. The bus is shut down before Start returns.
func (s *Service) Start(ctx context.Context) error {
	if s.Metrics != nil {
		s.RegisterHTTPHandler(s.Conf.MetricsPort, "/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	if s.Checker != nil {
		s.RegisterHealthHandlers(s.Conf.MetricsPort)
		s.Checker.Start(ctx)
	}
	s.startHTTPServers()

	<-ctx.Done()
	return s.Stop()
}

// Stop halts the health checker and HTTP servers, then shuts the bus down.
// Calling Stop more than once returns the first result.
func (s *Service) Stop() error {
	s.stopOnce.Do(func() {
		if s.Checker != nil {
			s.Checker.Stop()
		}

		s.httpServersMu.Lock()
		servers := s.running
		s.running = nil
		s.httpServersMu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
		defer cancel()
		var err error
		for _, srv := range servers {
			err = multierr.Append(err, srv.Shutdown(ctx))
		}
		s.stopErr = multierr.Append(err, s.Bus.Shutdown())
	})
	return s.stopErr
}

func (s *Service) RegisterHTTPHandler(port int, pattern string, handler http.Handler) {
	s.httpServersMu.Lock()
	defer s.httpServersMu.Unlock()

	if s.httpServers == nil {
		s.httpServers = make(map[int]*http.ServeMux)
	}

	mux, ok := s.httpServers[port]
	if !ok {
		mux = http.NewServeMux()
		s.httpServers[port] = mux
	}

	mux.Handle(pattern, handler)
}

func (s *Service) startHTTPServers() {
	s.httpServersMu.Lock()
	defer s.httpServersMu.Unlock()

	for port, mux := range s.httpServers {
		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		s.running = append(s.running, srv)
		s.Logger.Info("Starting HTTP server", loggingpkg.LogFields{"address": srv.Addr})
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.Logger.Error("Failed to start HTTP server", err, loggingpkg.LogFields{"address": srv.Addr})
			}
		}()
	}
}
