package diagnostics

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/drblury/servicebus/internal/runtime/bus"
	"github.com/drblury/servicebus/internal/runtime/metrics"
	"github.com/drblury/servicebus/transport/memory"
)

type fixedEnvironment struct{}

func (fixedEnvironment) Environment() EnvironmentInfo {
	return EnvironmentInfo{
		MachineName: "build-01",
		Username:    "svc",
		DomainName:  "corp",
		BuildTime:   time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC),
	}
}

type testEnv struct {
	broker  *memory.Broker
	reg     *prometheus.Registry
	metrics *metrics.Metrics
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	broker := memory.NewBroker(nil)
	t.Cleanup(func() { _ = broker.Close() })

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	if err := m.Register(); err != nil {
		t.Fatalf("register metrics: %v", err)
	}
	return &testEnv{broker: broker, reg: reg, metrics: m}
}

func (e *testEnv) newBus(t *testing.T) (*bus.Bus, *memory.Transport) {
	t.Helper()
	tr := memory.New(e.broker, nil)
	b, err := bus.New(tr, nil, bus.Dependencies{
		ConfirmTimeout: time.Second,
		CallTimeout:    2 * time.Second,
	})
	if err != nil {
		t.Fatalf("new bus: %v", err)
	}
	t.Cleanup(func() { _ = b.Shutdown() })
	return b, tr
}

// newComponent starts a bus answering health requests as module.
func (e *testEnv) newComponent(t *testing.T, module, instance string) (*BusDiagnostics, *bus.Bus) {
	t.Helper()
	b, _ := e.newBus(t)
	d, err := NewBusDiagnostics(b, module, instance, WithEnvironment(fixedEnvironment{}))
	if err != nil {
		t.Fatalf("new diagnostics: %v", err)
	}
	return d, b
}

func (e *testEnv) gauge(t *testing.T, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := e.reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, family := range families {
		if family.GetName() != name {
			continue
		}
	metrics:
		for _, metric := range family.GetMetric() {
			for _, pair := range metric.GetLabel() {
				if want, ok := labels[pair.GetName()]; ok && want != pair.GetValue() {
					continue metrics
				}
			}
			return metric.GetGauge().GetValue()
		}
	}
	t.Fatalf("metric %s%v not found", name, labels)
	return 0
}

func healthyProbe(context.Context) (bool, error) { return true, nil }

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}
