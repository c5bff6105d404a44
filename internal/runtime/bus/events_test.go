package bus

import (
	"errors"
	"fmt"
	"testing"

	errspkg "github.com/drblury/servicebus/internal/runtime/errors"
)

func TestHooksMergeRunsInOrder(t *testing.T) {
	var calls []string
	first := Hooks{
		OnExecutionError:   func(DispatchContext, error) { calls = append(calls, "first") },
		OnMessageMalformed: func(DispatchContext) { calls = append(calls, "first-malformed") },
	}
	second := Hooks{
		OnExecutionError: func(DispatchContext, error) { calls = append(calls, "second") },
	}

	merged := first.Merge(second)
	merged.OnExecutionError(DispatchContext{}, errors.New("x"))
	merged.OnMessageMalformed(DispatchContext{})

	want := []string{"first", "second", "first-malformed"}
	if fmt.Sprint(calls) != fmt.Sprint(want) {
		t.Fatalf("calls = %v, want %v", calls, want)
	}
	if merged.OnDeserializationError != nil {
		t.Fatal("expected missing hooks to stay nil")
	}
}

func TestRaiseClassifiesSerializationErrors(t *testing.T) {
	b, _ := newTestEnv(t).newBus(t, Hooks{})

	var kinds []string
	b.AddHooks(Hooks{
		OnDeserializationError: func(DispatchContext, error) { kinds = append(kinds, "deserialization") },
		OnExecutionError:       func(DispatchContext, error) { kinds = append(kinds, "execution") },
	})

	b.raise(DispatchContext{}, fmt.Errorf("decode: %w", errspkg.NewSerializationError(errors.New("bad"))))
	b.raise(DispatchContext{}, errors.New("handler failed"))

	if fmt.Sprint(kinds) != "[deserialization execution]" {
		t.Fatalf("unexpected classification %v", kinds)
	}
}

func TestMetricsHooksWithoutMetrics(t *testing.T) {
	if hooks := MetricsHooks(nil); hooks.OnExecutionError != nil || hooks.OnMessageMalformed != nil {
		t.Fatal("expected empty hooks without metrics")
	}
}
