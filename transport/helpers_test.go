package transport

import (
	"context"
	"time"
)

type mockConfig struct {
	transport string
}

func (m *mockConfig) GetTransport() string                { return m.transport }
func (m *mockConfig) GetRabbitMQURL() string              { return "" }
func (m *mockConfig) GetRabbitMQHeartbeat() time.Duration { return 0 }
func (m *mockConfig) GetUseDurableExchanges() bool        { return false }
func (m *mockConfig) GetReconnectInterval() time.Duration { return 0 }
func (m *mockConfig) GetNATSURL() string                  { return "" }
func (m *mockConfig) GetRedisURL() string                 { return "" }

type mockTransport struct {
	connected bool
}

func (m *mockTransport) IsConnected() bool { return m.connected }

func (m *mockTransport) Enqueue(context.Context, string, Properties, any) error { return nil }

func (m *mockTransport) Broadcast(context.Context, string, Properties, any) error { return nil }

func (m *mockTransport) Call(context.Context, string, Properties, any) error { return nil }

func (m *mockTransport) Prepare(string, any) error { return nil }

func (m *mockTransport) Subscribe(Subscription) error { return nil }

func (m *mockTransport) Shutdown() error { return nil }
