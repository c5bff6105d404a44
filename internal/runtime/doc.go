/*
Package runtime hosts a service bus built from one Config.

# Architecture Overview

A Service owns a transport, the Bus on top of it and, depending on the
configuration, the diagnostics services:

  - transport: built through the transport registry from Config.Transport
    ("rabbitmq", "nats", "redis" or "memory"), or supplied in
    ServiceDependencies.
  - bus: typed Enqueue, Broadcast and Call plus handler registration
    (package bus).
  - diagnostics: a BusDiagnostics responder when Config.ModuleName is set and
    a HealthChecker polling Config.HealthComponents (package diagnostics).
  - metrics: Prometheus collectors shared by the bus, the broker connection
    and the health checker when Config.MetricsEnabled is set.

# HTTP

Start registers /metrics and the health presenter on Config.MetricsPort.
GET /components returns every polled component and answers 200 only when all
of them are Healthy; GET /components/{name} does the same for one component.

# Lifecycle

TryNewService validates the configuration and connects. Start blocks until
its context ends and then calls Stop, which halts the checker, drains the HTTP
servers and shuts the bus down. Pending calls fail with ErrShutdown.
*/
package runtime
