package diagnostics

import "time"

// GetHealthRequest asks a component for its health. Subsystem probes on the
// remote side are bounded by SubsystemCheckTimeoutSeconds, or by the
// responder's default when it is zero.
type GetHealthRequest struct {
	SubsystemCheckTimeoutSeconds int `json:"subsystemCheckTimeoutSeconds,omitempty"`
}

type GetHealthResponse struct {
	Healthy    bool                   `json:"healthy"`
	Subsystems map[string]HealthState `json:"subsystems,omitempty"`
}

// DiscoveryMessage is broadcast to ask every diagnosable component to
// introduce itself.
type DiscoveryMessage struct{}

// ComponentInfoMessage is the broadcast answer to a DiscoveryMessage.
type ComponentInfoMessage struct {
	ModuleName   string    `json:"moduleName"`
	InstanceName string    `json:"instanceName,omitempty"`
	RunGuid      string    `json:"runGuid"`
	RunTime      time.Time `json:"runTime"`
	Components   []string  `json:"components"`
	MachineName  string    `json:"machineName"`
	Username     string    `json:"username"`
	DomainName   string    `json:"domainName,omitempty"`
	Interactive  bool      `json:"interactive"`
	BuildTime    time.Time `json:"buildTime"`
}

// Key identifies one run of one component instance.
func (m ComponentInfoMessage) Key() string {
	return m.ModuleName + "." + m.InstanceName + "." + m.RunGuid
}
