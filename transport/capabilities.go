package transport

// Capabilities describes the delivery guarantees a transport backend offers.
// The bus relies on confirms and returns for its call semantics; backends that
// lack them degrade to best-effort calls that surface as timeouts.
type Capabilities struct {
	// SupportsPublisherConfirms indicates the broker acknowledges every
	// published call before Call returns.
	SupportsPublisherConfirms bool

	// SupportsReturns indicates unroutable calls are reported back as
	// MessageReturned instead of being dropped silently.
	SupportsReturns bool

	// SupportsExpiration indicates per-message time-to-live is enforced by
	// the broker.
	SupportsExpiration bool

	// SupportsTopicWildcards indicates subscribers without a logical address
	// receive messages sent to every address.
	SupportsTopicWildcards bool

	// SupportsReconnect indicates the transport restores its connection and
	// its subscriptions after a broker outage.
	SupportsReconnect bool

	// SupportsDurableExchanges indicates exchanges can survive broker restarts.
	SupportsDurableExchanges bool

	// MaxMessageSize is the maximum message size in bytes (0 = unlimited/unknown).
	MaxMessageSize int64

	// Name is the human-readable name of the transport.
	Name string

	// Version is the transport/driver version.
	Version string
}

// SupportsReliableCalls returns true if a call is known to have reached a
// queue once Call returns without error.
func (c Capabilities) SupportsReliableCalls() bool {
	return c.SupportsPublisherConfirms && c.SupportsReturns
}

// RequiresExpirationEmulation returns true if expired messages are still
// delivered and must be tolerated by receivers.
func (c Capabilities) RequiresExpirationEmulation() bool {
	return !c.SupportsExpiration
}

// Predefined capability sets for the built-in transports.
var (
	// RabbitMQCapabilities for the AMQP 0-9-1 transport.
	RabbitMQCapabilities = Capabilities{
		Name:                      "rabbitmq",
		SupportsPublisherConfirms: true,
		SupportsReturns:           true,
		SupportsExpiration:        true,
		SupportsTopicWildcards:    true,
		SupportsReconnect:         true,
		SupportsDurableExchanges:  true,
	}

	// NATSCapabilities for the NATS Core transport. Calls are confirmed by the
	// receiving subscriber and "no responders" is reported as a return.
	NATSCapabilities = Capabilities{
		Name:                      "nats",
		SupportsPublisherConfirms: true,
		SupportsReturns:           true,
		SupportsExpiration:        false,
		SupportsTopicWildcards:    false,
		SupportsReconnect:         true,
		SupportsDurableExchanges:  false,
		MaxMessageSize:            1048576, // Default 1MB
	}

	// RedisCapabilities for the Redis list transport. A call counts as routed
	// once it was pushed onto at least one bound queue.
	RedisCapabilities = Capabilities{
		Name:                      "redis",
		SupportsPublisherConfirms: true,
		SupportsReturns:           true,
		SupportsExpiration:        false,
		SupportsTopicWildcards:    true,
		SupportsReconnect:         true,
		SupportsDurableExchanges:  false,
		MaxMessageSize:            512 << 20,
	}

	// MemoryCapabilities for the in-process transport.
	MemoryCapabilities = Capabilities{
		Name:                      "memory",
		SupportsPublisherConfirms: true,
		SupportsReturns:           true,
		SupportsExpiration:        false,
		SupportsTopicWildcards:    true,
		SupportsReconnect:         false,
		SupportsDurableExchanges:  false,
	}
)

// GetCapabilities returns the capabilities for a transport by name.
// Returns a zero Capabilities struct if the transport is unknown.
func GetCapabilities(transportName string) Capabilities {
	return DefaultRegistry.GetCapabilities(transportName)
}
