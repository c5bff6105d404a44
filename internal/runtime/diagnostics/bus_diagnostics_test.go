package diagnostics

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/drblury/servicebus/internal/runtime/bus"
	errspkg "github.com/drblury/servicebus/internal/runtime/errors"
)

func TestNewBusDiagnosticsValidates(t *testing.T) {
	if _, err := NewBusDiagnostics(nil, "billing", ""); !errors.Is(err, errspkg.ErrBusRequired) {
		t.Fatalf("expected ErrBusRequired, got %v", err)
	}
	b, _ := newTestEnv(t).newBus(t)
	if _, err := NewBusDiagnostics(b, "  ", ""); !errors.Is(err, errspkg.ErrModuleNameRequired) {
		t.Fatalf("expected ErrModuleNameRequired, got %v", err)
	}
}

func TestLogicalAddress(t *testing.T) {
	if got := LogicalAddress("billing", ""); got != "billing" {
		t.Fatalf("got %q", got)
	}
	if got := LogicalAddress("billing", "eu-1"); got != "billing.eu-1" {
		t.Fatalf("got %q", got)
	}
}

func TestCheckHealthClassifiesProbes(t *testing.T) {
	d, _ := newTestEnv(t).newComponent(t, "billing", "")

	_ = d.RegisterSubsystem("db", healthyProbe)
	_ = d.RegisterSubsystem("queue", func(context.Context) (bool, error) { return false, nil })
	_ = d.RegisterSubsystem("cache", func(context.Context) (bool, error) { return false, errors.New("dial tcp: refused") })
	_ = d.RegisterSubsystem("disk", func(context.Context) (bool, error) { panic("boom") })
	_ = d.RegisterSubsystem("slow", func(ctx context.Context) (bool, error) {
		<-ctx.Done()
		return false, ctx.Err()
	})
	_ = d.RegisterAsyncSubsystem("search", func(context.Context) <-chan bus.Reply[bool] {
		ch := make(chan bus.Reply[bool], 1)
		ch <- bus.Reply[bool]{Value: true}
		return ch
	})

	resp := d.CheckHealth(context.Background(), 50*time.Millisecond)
	if resp.Healthy {
		t.Fatal("expected component to be unhealthy")
	}
	want := map[string]HealthState{
		"db":     Healthy,
		"queue":  Unhealthy,
		"cache":  Exception,
		"disk":   Exception,
		"slow":   Timeout,
		"search": Healthy,
	}
	for name, state := range want {
		if resp.Subsystems[name] != state {
			t.Fatalf("%s = %s, want %s", name, resp.Subsystems[name], state)
		}
	}
}

func TestCheckHealthWithoutSubsystemsIsHealthy(t *testing.T) {
	d, _ := newTestEnv(t).newComponent(t, "billing", "")
	if resp := d.CheckHealth(context.Background(), 0); !resp.Healthy || len(resp.Subsystems) != 0 {
		t.Fatalf("unexpected response %+v", resp)
	}
}

func TestRegisterSubsystemRequiresProbe(t *testing.T) {
	d, _ := newTestEnv(t).newComponent(t, "billing", "")
	if err := d.RegisterSubsystem("db", nil); !errors.Is(err, errspkg.ErrProbeRequired) {
		t.Fatalf("expected ErrProbeRequired, got %v", err)
	}
	if err := d.RegisterSubsystem(" ", healthyProbe); err == nil {
		t.Fatal("expected blank name to be rejected")
	}
}

func TestHealthRequestOverBus(t *testing.T) {
	env := newTestEnv(t)
	d, _ := env.newComponent(t, "billing", "eu")
	_ = d.RegisterSubsystem("db", healthyProbe)

	client, _ := env.newBus(t)
	resp, err := bus.Call[GetHealthRequest, GetHealthResponse](testCtx(t), client,
		GetHealthRequest{SubsystemCheckTimeoutSeconds: 1}, bus.WithAddress("billing.eu"))
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if !resp.Healthy || resp.Subsystems["db"] != Healthy {
		t.Fatalf("unexpected response %+v", resp)
	}
}

func TestUseBusDiagnosticsConfigures(t *testing.T) {
	b, _ := newTestEnv(t).newBus(t)
	d, err := UseBusDiagnostics(b, "billing", "", func(d *BusDiagnostics) error {
		return d.RegisterSubsystem("db", healthyProbe)
	}, WithEnvironment(fixedEnvironment{}))
	if err != nil {
		t.Fatalf("use diagnostics: %v", err)
	}

	info := d.Info()
	if info.ModuleName != "billing" || info.RunGuid != d.RunID() || len(info.RunGuid) != 32 {
		t.Fatalf("unexpected identity %+v", info)
	}
	if len(info.Components) != 1 || info.Components[0] != "db" {
		t.Fatalf("components = %v", info.Components)
	}
	if info.MachineName != "build-01" || info.DomainName != "corp" {
		t.Fatalf("environment not applied: %+v", info)
	}

	failing := errors.New("configure failed")
	if _, err := UseBusDiagnostics(b, "shipping", "", func(*BusDiagnostics) error { return failing }); !errors.Is(err, failing) {
		t.Fatalf("expected configure error, got %v", err)
	}
}

func TestHealthStateText(t *testing.T) {
	raw, err := json.Marshal(GetHealthResponse{Subsystems: map[string]HealthState{"db": NotConnected}})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(raw) != `{"healthy":false,"subsystems":{"db":"NotConnected"}}` {
		t.Fatalf("unexpected json %s", raw)
	}

	var state HealthState
	if err := state.UnmarshalText([]byte("Offline")); err != nil || state != Offline {
		t.Fatalf("unmarshal = %s, %v", state, err)
	}
	if err := state.UnmarshalText([]byte("Sleepy")); err == nil {
		t.Fatal("expected unknown state to fail")
	}
	if HealthState(42).String() != "HealthState(42)" {
		t.Fatalf("unexpected name %s", HealthState(42))
	}
}

func TestSystemEnvironment(t *testing.T) {
	env := SystemEnvironment{}.Environment()
	if env.MachineName == "" {
		t.Fatal("expected a machine name")
	}
}
