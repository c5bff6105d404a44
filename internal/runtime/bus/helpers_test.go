package bus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/drblury/servicebus/internal/runtime/metrics"
	"github.com/drblury/servicebus/transport"
	"github.com/drblury/servicebus/transport/memory"
)

type getQuote struct {
	Symbol string `json:"symbol"`
}

type quote struct {
	Symbol string `json:"symbol"`
	Price  int    `json:"price"`
}

type orderPlaced struct {
	ID    string `json:"id"`
	Total int    `json:"total"`
}

type quotaExceededError struct {
	Limit int    `json:"limit"`
	Owner string `json:"owner"`
}

func (e *quotaExceededError) Error() string { return "quota exceeded for " + e.Owner }

type testEnv struct {
	broker  *memory.Broker
	errors  *transport.ErrorRegistry
	reg     *prometheus.Registry
	metrics *metrics.Metrics
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	broker := memory.NewBroker(nil)
	t.Cleanup(func() { _ = broker.Close() })

	errs := transport.NewErrorRegistry()
	errs.Register("quotaExceededError", func() error { return &quotaExceededError{} })

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	if err := m.Register(); err != nil {
		t.Fatalf("register metrics: %v", err)
	}
	return &testEnv{broker: broker, errors: errs, reg: reg, metrics: m}
}

func (e *testEnv) transport() *memory.Transport {
	return memory.New(e.broker, nil).WithCodec(transport.Codec{
		Serializer: transport.DefaultSerializer(),
		Errors:     e.errors,
	})
}

func (e *testEnv) newBus(t *testing.T, hooks Hooks) (*Bus, *memory.Transport) {
	t.Helper()
	tr := e.transport()
	b, err := New(tr, nil, Dependencies{
		Metrics:        e.metrics,
		ErrorTypes:     e.errors,
		Hooks:          hooks,
		ConfirmTimeout: time.Second,
		CallTimeout:    2 * time.Second,
	})
	if err != nil {
		t.Fatalf("new bus: %v", err)
	}
	t.Cleanup(func() { _ = b.Shutdown() })
	return b, tr
}

func (e *testEnv) counter(t *testing.T, name string) float64 {
	t.Helper()
	families, err := e.reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	total := 0.0
	for _, family := range families {
		if family.GetName() != name {
			continue
		}
		for _, metric := range family.GetMetric() {
			total += metric.GetCounter().GetValue()
		}
	}
	return total
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// recorder collects values from handlers running on other goroutines.
type recorder[T any] struct {
	mu     sync.Mutex
	values []T
	signal chan struct{}
}

func newRecorder[T any]() *recorder[T] {
	return &recorder[T]{signal: make(chan struct{}, 64)}
}

func (r *recorder[T]) add(v T) {
	r.mu.Lock()
	r.values = append(r.values, v)
	r.mu.Unlock()
	r.signal <- struct{}{}
}

func (r *recorder[T]) wait(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-r.signal:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for value %d of %d", i+1, n)
		}
	}
}

func (r *recorder[T]) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.values)
}

func (r *recorder[T]) snapshot() []T {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]T(nil), r.values...)
}

// settle gives in-flight deliveries time to arrive before asserting that
// nothing else did.
func settle() {
	time.Sleep(50 * time.Millisecond)
}
