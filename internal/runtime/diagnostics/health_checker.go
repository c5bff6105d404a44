package diagnostics

import (
	"context"
	"errors"
	"maps"
	"math"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/sync/errgroup"

	"github.com/drblury/servicebus/internal/runtime/bus"
	errspkg "github.com/drblury/servicebus/internal/runtime/errors"
	"github.com/drblury/servicebus/internal/runtime/logging"
	"github.com/drblury/servicebus/internal/runtime/metrics"
)

// ComponentHealth is a snapshot of the last known health of a component.
type ComponentHealth struct {
	Name             string                 `json:"name"`
	Health           HealthState            `json:"health"`
	Subsystems       map[string]HealthState `json:"subsystems"`
	LastCheckTime    time.Time              `json:"lastCheckTime"`
	LastResponseTime time.Time              `json:"lastResponseTime"`
	LastFailureTime  time.Time              `json:"lastFailureTime"`
	ResponseLatency  time.Duration          `json:"responseLatency"`
}

func (h ComponentHealth) clone() ComponentHealth {
	h.Subsystems = maps.Clone(h.Subsystems)
	if h.Subsystems == nil {
		h.Subsystems = map[string]HealthState{}
	}
	return h
}

// HealthCheckerOptions tunes a HealthChecker.
type HealthCheckerOptions struct {
	// Interval between two cycles. Whole seconds are used to derive the
	// call and subsystem timeouts.
	Interval time.Duration
	// TimeoutFactor must be in (0, 1]. Defaults to 0.9.
	TimeoutFactor float64
	Clock         clock.Clock
	Metrics       *metrics.Metrics
}

// HealthChecker polls a fixed set of components over the bus and keeps the
// latest health of each.
type HealthChecker struct {
	bus              *bus.Bus
	log              logging.ServiceLogger
	clock            clock.Clock
	metrics          *metrics.Metrics
	components       []string
	interval         time.Duration
	callTimeout      time.Duration
	subsystemTimeout time.Duration

	mu     sync.RWMutex
	health map[string]*ComponentHealth

	checking atomic.Bool

	listenersMu sync.Mutex
	listeners   []func()

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewHealthChecker validates the timing and prepares an Unknown entry for
// every component. The call timeout is floor(interval × factor) seconds and
// the timeout handed to the remote probes is the factor applied once more.
func NewHealthChecker(b *bus.Bus, components []string, opts HealthCheckerOptions) (*HealthChecker, error) {
	if b == nil {
		return nil, errspkg.ErrBusRequired
	}
	if len(components) == 0 {
		return nil, errspkg.ErrComponentsRequired
	}
	if opts.TimeoutFactor == 0 {
		opts.TimeoutFactor = 0.9
	}
	if opts.TimeoutFactor <= 0 || opts.TimeoutFactor > 1 {
		return nil, &errspkg.ArgumentOutOfRangeError{
			Argument: "timeoutFactor",
			Reason:   "must be in (0, 1]",
			Err:      errspkg.ErrInvalidTimeoutFactor,
		}
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}

	seconds := int(opts.Interval / time.Second)
	callSeconds := scaleSeconds(seconds, opts.TimeoutFactor)
	subsystemSeconds := scaleSeconds(callSeconds, opts.TimeoutFactor)
	if subsystemSeconds == 0 {
		return nil, &errspkg.ArgumentOutOfRangeError{
			Argument: "interval",
			Reason:   "too low for the timeout factor",
			Err:      errspkg.ErrIntervalTooLow,
		}
	}

	c := &HealthChecker{
		bus:              b,
		log:              logging.ForComponent(b.Logger(), "health_checker"),
		clock:            opts.Clock,
		metrics:          opts.Metrics,
		interval:         time.Duration(seconds) * time.Second,
		callTimeout:      time.Duration(callSeconds) * time.Second,
		subsystemTimeout: time.Duration(subsystemSeconds) * time.Second,
		health:           make(map[string]*ComponentHealth, len(components)),
	}
	for _, name := range components {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if _, dup := c.health[name]; dup {
			continue
		}
		c.components = append(c.components, name)
		c.health[name] = &ComponentHealth{Name: name, Subsystems: map[string]HealthState{}}
	}
	if len(c.components) == 0 {
		return nil, errspkg.ErrComponentsRequired
	}
	slices.Sort(c.components)
	return c, nil
}

func scaleSeconds(seconds int, factor float64) int {
	return int(math.Floor(float64(seconds) * factor))
}

func (c *HealthChecker) CallTimeout() time.Duration      { return c.callTimeout }
func (c *HealthChecker) SubsystemTimeout() time.Duration { return c.subsystemTimeout }

// OnCheckCompleted registers fn to run after every finished cycle.
func (c *HealthChecker) OnCheckCompleted(fn func()) {
	if fn == nil {
		return
	}
	c.listenersMu.Lock()
	c.listeners = append(c.listeners, fn)
	c.listenersMu.Unlock()
}

// Start runs a cycle immediately and then once per interval until Stop or
// ctx is done. Starting a running checker does nothing.
func (c *HealthChecker) Start(ctx context.Context) {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	if c.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	ticker := c.clock.Ticker(c.interval)

	go func(done chan struct{}) {
		defer close(done)
		defer ticker.Stop()

		var cycles sync.WaitGroup
		defer cycles.Wait()
		tick := func() {
			cycles.Add(1)
			go func() {
				defer cycles.Done()
				if !c.RunCycle(ctx) {
					c.log.Debug("Skipping health check, previous cycle still running", nil)
				}
			}()
		}

		tick()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				tick()
			}
		}
	}(c.done)
}

// Stop cancels the timer and waits for a running cycle to finish.
func (c *HealthChecker) Stop() {
	c.runMu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.runMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// RunCycle checks every component concurrently. It returns false without
// doing anything when another cycle is still running.
func (c *HealthChecker) RunCycle(ctx context.Context) bool {
	if !c.checking.CompareAndSwap(false, true) {
		return false
	}

	started := c.clock.Now()
	var g errgroup.Group
	for _, name := range c.components {
		g.Go(func() error {
			c.checkComponent(ctx, name)
			return nil
		})
	}
	_ = g.Wait()
	c.checking.Store(false)

	c.metrics.ObserveHealthCycle(c.clock.Since(started))
	c.notifyCompleted()
	return true
}

func (c *HealthChecker) checkComponent(ctx context.Context, name string) {
	started := c.clock.Now()
	c.mu.Lock()
	c.health[name].LastCheckTime = started.UTC()
	c.mu.Unlock()

	resp, err := bus.Call[GetHealthRequest, GetHealthResponse](ctx, c.bus,
		GetHealthRequest{SubsystemCheckTimeoutSeconds: int(c.subsystemTimeout / time.Second)},
		bus.WithAddress(name),
		bus.WithTimeout(c.callTimeout),
	)
	finished := c.clock.Now()

	state := classify(resp, err)
	if err != nil {
		c.log.Debug("Health check failed", logging.LogFields{"component": name, "state": state.String(), "error": err.Error()})
	}

	c.mu.Lock()
	h := c.health[name]
	if !state.Responding() && h.Health.Responding() {
		h.LastFailureTime = finished.UTC()
	}
	h.Health = state

	if err == nil {
		h.LastResponseTime = finished.UTC()
		h.ResponseLatency = finished.Sub(started)
	}

	switch {
	case err == nil && resp.Subsystems != nil:
		for subsystem := range h.Subsystems {
			if _, reported := resp.Subsystems[subsystem]; !reported {
				h.Subsystems[subsystem] = Unknown
			}
		}
		maps.Copy(h.Subsystems, resp.Subsystems)
	case err != nil:
		for subsystem := range h.Subsystems {
			h.Subsystems[subsystem] = state
		}
	default:
		for subsystem := range h.Subsystems {
			h.Subsystems[subsystem] = Unknown
		}
	}
	latency := h.ResponseLatency
	c.mu.Unlock()

	c.metrics.SetComponentState(name, state.String(), stateNames())
	if err == nil {
		c.metrics.ObserveComponentLatency(name, latency)
	}
}

func classify(resp GetHealthResponse, err error) HealthState {
	switch {
	case err == nil && resp.Healthy:
		return Healthy
	case err == nil:
		return Unhealthy
	case errors.As(err, new(*errspkg.HandlerFaultError)):
		// The component answered; only its handler failed.
		return Unknown
	case errors.Is(err, errspkg.ErrMessageReturned):
		return Offline
	case errors.Is(err, errspkg.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return Timeout
	case errors.Is(err, errspkg.ErrNotConnected):
		return NotConnected
	default:
		return Unknown
	}
}

func (c *HealthChecker) notifyCompleted() {
	c.listenersMu.Lock()
	listeners := slices.Clone(c.listeners)
	c.listenersMu.Unlock()
	for _, fn := range listeners {
		fn()
	}
}

// GetComponentsHealth returns a snapshot of every component, sorted by name.
func (c *HealthChecker) GetComponentsHealth() []ComponentHealth {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]ComponentHealth, 0, len(c.components))
	for _, name := range c.components {
		out = append(out, c.health[name].clone())
	}
	return out
}

// Get returns the snapshot of one component.
func (c *HealthChecker) Get(name string) (ComponentHealth, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	h, ok := c.health[name]
	if !ok {
		return ComponentHealth{}, false
	}
	return h.clone(), true
}
