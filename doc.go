// Package servicebus is a typed message bus for services talking over a
// broker. A Bus offers three patterns on top of any registered transport:
// Enqueue delivers a message to one of the handlers competing on a queue,
// Broadcast delivers a copy to every handler, and Call sends a request and
// waits for the matching reply.
//
// Messages are routed by their Go type name and an optional logical address.
// Call handlers can fail with a registered error type; the caller then gets
// the same type back, or a RemoteError when the type is not registered on
// its side.
//
// # Transports
//
// Four transports register themselves when imported (import
// "github.com/drblury/servicebus/transport/transports" for all of them):
//   - rabbitmq: topic exchanges with publisher confirms, mandatory returns
//     and automatic reconnects
//   - nats: subjects and queue groups, "no responders" reported as returned
//   - redis: a list per queue and a binding set per message type, consumed
//     with BLPOP
//   - memory: an in-process broker for tests and local development
//
// # Diagnostics
//
// BusDiagnostics answers GetHealthRequest calls at a component's logical
// address by running its registered subsystem probes, and answers discovery
// broadcasts with a ComponentInfoMessage. HealthChecker polls a fixed set of
// components on an interval and keeps their last known state, and
// DiscoveryClient collects every component that answers within a window.
//
// Service wires all of it from a Config: build it with TryNewService,
// register handlers on Service.Bus and call Start.
package servicebus
