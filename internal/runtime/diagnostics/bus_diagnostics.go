package diagnostics

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/sync/errgroup"

	"github.com/drblury/servicebus/internal/runtime/bus"
	errspkg "github.com/drblury/servicebus/internal/runtime/errors"
	"github.com/drblury/servicebus/internal/runtime/ids"
	"github.com/drblury/servicebus/internal/runtime/logging"
)

// DefaultSubsystemCheckTimeout bounds each probe when the health request does
// not carry a timeout.
const DefaultSubsystemCheckTimeout = 20 * time.Second

// Probe checks one subsystem. It reports false for a subsystem that works but
// is degraded and an error when the check itself failed.
type Probe func(ctx context.Context) (bool, error)

// AsyncProbe is a Probe that reports on a channel.
type AsyncProbe func(ctx context.Context) <-chan bus.Reply[bool]

// BusDiagnostics answers health requests and discovery broadcasts for one
// component.
type BusDiagnostics struct {
	bus          *bus.Bus
	log          logging.ServiceLogger
	clock        clock.Clock
	env          EnvironmentProvider
	moduleName   string
	instanceName string
	address      string
	runID        string
	runTime      time.Time
	timeout      time.Duration

	mu     sync.RWMutex
	probes map[string]AsyncProbe
}

// DiagnosticsOption configures a BusDiagnostics.
type DiagnosticsOption func(*BusDiagnostics)

// WithEnvironment replaces the SystemEnvironment provider.
func WithEnvironment(env EnvironmentProvider) DiagnosticsOption {
	return func(d *BusDiagnostics) { d.env = env }
}

func WithDiagnosticsClock(c clock.Clock) DiagnosticsOption {
	return func(d *BusDiagnostics) { d.clock = c }
}

// WithDefaultSubsystemTimeout changes the probe bound used when a request
// carries none.
func WithDefaultSubsystemTimeout(timeout time.Duration) DiagnosticsOption {
	return func(d *BusDiagnostics) {
		if timeout > 0 {
			d.timeout = timeout
		}
	}
}

// NewBusDiagnostics registers the health call handler at the component's
// logical address and the discovery broadcast handler. The logical address is
// moduleName, suffixed with "."+instanceName when an instance is given.
func NewBusDiagnostics(b *bus.Bus, moduleName, instanceName string, opts ...DiagnosticsOption) (*BusDiagnostics, error) {
	if b == nil {
		return nil, errspkg.ErrBusRequired
	}
	moduleName = strings.TrimSpace(moduleName)
	if moduleName == "" {
		return nil, errspkg.ErrModuleNameRequired
	}
	instanceName = strings.TrimSpace(instanceName)

	d := &BusDiagnostics{
		bus:          b,
		log:          logging.ForComponent(b.Logger(), "diagnostics"),
		clock:        clock.New(),
		env:          SystemEnvironment{},
		moduleName:   moduleName,
		instanceName: instanceName,
		address:      LogicalAddress(moduleName, instanceName),
		runID:        ids.NewRunID(),
		timeout:      DefaultSubsystemCheckTimeout,
		probes:       make(map[string]AsyncProbe),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.runTime = d.clock.Now().UTC()
	d.log = d.log.With(logging.LogFields{"module": moduleName, logging.FieldAddress: d.address})

	if err := bus.RegisterCallHandler(b, d.getHealth, bus.OnAddress(d.address)); err != nil {
		return nil, fmt.Errorf("diagnostics: register health handler: %w", err)
	}
	if err := bus.RegisterBroadcastHandler(b, d.discover); err != nil {
		return nil, fmt.Errorf("diagnostics: register discovery handler: %w", err)
	}

	d.log.Debug("Bus diagnostics registered", logging.LogFields{"run_id": d.runID})
	return d, nil
}

// UseBusDiagnostics creates a BusDiagnostics and hands it to configure, if
// any, so subsystems can be registered in one expression.
func UseBusDiagnostics(b *bus.Bus, moduleName, instanceName string, configure func(*BusDiagnostics) error, opts ...DiagnosticsOption) (*BusDiagnostics, error) {
	d, err := NewBusDiagnostics(b, moduleName, instanceName, opts...)
	if err != nil {
		return nil, err
	}
	if configure != nil {
		if err := configure(d); err != nil {
			return nil, err
		}
	}
	return d, nil
}

// LogicalAddress returns the address a component's health handler listens on.
func LogicalAddress(moduleName, instanceName string) string {
	if strings.TrimSpace(instanceName) == "" {
		return moduleName
	}
	return moduleName + "." + instanceName
}

func (d *BusDiagnostics) Address() string { return d.address }
func (d *BusDiagnostics) RunID() string   { return d.runID }

// RegisterSubsystem adds or replaces the probe for name.
func (d *BusDiagnostics) RegisterSubsystem(name string, probe Probe) error {
	if probe == nil {
		return errspkg.ErrProbeRequired
	}
	return d.RegisterAsyncSubsystem(name, asyncProbe(probe))
}

func (d *BusDiagnostics) RegisterAsyncSubsystem(name string, probe AsyncProbe) error {
	if probe == nil {
		return errspkg.ErrProbeRequired
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("diagnostics: subsystem name is required")
	}

	d.mu.Lock()
	d.probes[name] = probe
	d.mu.Unlock()
	return nil
}

// UnregisterSubsystem removes the probe for name. Health checkers that saw it
// before report it as Unknown from then on.
func (d *BusDiagnostics) UnregisterSubsystem(name string) {
	d.mu.Lock()
	delete(d.probes, strings.TrimSpace(name))
	d.mu.Unlock()
}

// Subsystems returns the registered subsystem names, sorted.
func (d *BusDiagnostics) Subsystems() []string {
	d.mu.RLock()
	names := make([]string, 0, len(d.probes))
	for name := range d.probes {
		names = append(names, name)
	}
	d.mu.RUnlock()
	slices.Sort(names)
	return names
}

// CheckHealth runs every probe concurrently, each bounded by timeout. The
// component is healthy when every subsystem is.
func (d *BusDiagnostics) CheckHealth(ctx context.Context, timeout time.Duration) GetHealthResponse {
	if timeout <= 0 {
		timeout = d.timeout
	}

	d.mu.RLock()
	probes := make(map[string]AsyncProbe, len(d.probes))
	for name, probe := range d.probes {
		probes[name] = probe
	}
	d.mu.RUnlock()

	var (
		mu      sync.Mutex
		results = make(map[string]HealthState, len(probes))
		g       errgroup.Group
	)
	for name, probe := range probes {
		g.Go(func() error {
			state := d.checkSubsystem(ctx, probe, timeout)
			mu.Lock()
			results[name] = state
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	healthy := true
	for name, state := range results {
		if state != Healthy {
			healthy = false
			d.log.Info("Subsystem is not healthy", logging.LogFields{"subsystem": name, "state": state.String()})
		}
	}
	return GetHealthResponse{Healthy: healthy, Subsystems: results}
}

func (d *BusDiagnostics) checkSubsystem(ctx context.Context, probe AsyncProbe, timeout time.Duration) HealthState {
	ctx, cancel := d.clock.WithTimeout(ctx, timeout)
	defer cancel()

	select {
	case reply, ok := <-probe(ctx):
		switch {
		case !ok:
			return Exception
		case reply.Err != nil && errors.Is(reply.Err, context.DeadlineExceeded):
			return Timeout
		case reply.Err != nil:
			return Exception
		case reply.Value:
			return Healthy
		default:
			return Unhealthy
		}
	case <-ctx.Done():
		return Timeout
	}
}

func (d *BusDiagnostics) getHealth(ctx context.Context, req GetHealthRequest) (GetHealthResponse, error) {
	timeout := time.Duration(req.SubsystemCheckTimeoutSeconds) * time.Second
	return d.CheckHealth(ctx, timeout), nil
}

func (d *BusDiagnostics) discover(ctx context.Context, _ DiscoveryMessage) error {
	return bus.Broadcast(ctx, d.bus, d.Info())
}

// Info describes this component as it answers discovery.
func (d *BusDiagnostics) Info() ComponentInfoMessage {
	env := d.env.Environment()
	return ComponentInfoMessage{
		ModuleName:   d.moduleName,
		InstanceName: d.instanceName,
		RunGuid:      d.runID,
		RunTime:      d.runTime,
		Components:   d.Subsystems(),
		MachineName:  env.MachineName,
		Username:     env.Username,
		DomainName:   env.DomainName,
		Interactive:  env.Interactive,
		BuildTime:    env.BuildTime,
	}
}

func asyncProbe(probe Probe) AsyncProbe {
	return func(ctx context.Context) <-chan bus.Reply[bool] {
		result := make(chan bus.Reply[bool], 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					result <- bus.Reply[bool]{Err: fmt.Errorf("diagnostics: probe panicked: %v", r)}
				}
			}()
			ok, err := probe(ctx)
			result <- bus.Reply[bool]{Value: ok, Err: err}
		}()
		return result
	}
}
