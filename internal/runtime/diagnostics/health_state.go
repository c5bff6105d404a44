package diagnostics

import "fmt"

// HealthState is the health of a component or one of its subsystems. It is
// encoded by name on the wire.
type HealthState int

const (
	Unknown HealthState = iota
	Healthy
	Unhealthy
	Timeout
	Offline
	Exception
	NotConnected
)

var healthStateNames = [...]string{
	Unknown:      "Unknown",
	Healthy:      "Healthy",
	Unhealthy:    "Unhealthy",
	Timeout:      "Timeout",
	Offline:      "Offline",
	Exception:    "Exception",
	NotConnected: "NotConnected",
}

// HealthStates lists every state in declaration order.
func HealthStates() []HealthState {
	states := make([]HealthState, len(healthStateNames))
	for i := range healthStateNames {
		states[i] = HealthState(i)
	}
	return states
}

func (s HealthState) String() string {
	if s < 0 || int(s) >= len(healthStateNames) {
		return fmt.Sprintf("HealthState(%d)", int(s))
	}
	return healthStateNames[s]
}

// Responding reports whether the component answered the last check,
// regardless of what it answered.
func (s HealthState) Responding() bool {
	return s == Healthy || s == Unhealthy
}

func (s HealthState) MarshalText() ([]byte, error) {
	if s < 0 || int(s) >= len(healthStateNames) {
		return nil, fmt.Errorf("diagnostics: invalid health state %d", int(s))
	}
	return []byte(healthStateNames[s]), nil
}

func (s *HealthState) UnmarshalText(text []byte) error {
	for i, name := range healthStateNames {
		if name == string(text) {
			*s = HealthState(i)
			return nil
		}
	}
	return fmt.Errorf("diagnostics: unknown health state %q", text)
}

func stateNames() []string {
	return healthStateNames[:]
}
