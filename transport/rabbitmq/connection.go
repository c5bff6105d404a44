package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/cenkalti/backoff/v5"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/multierr"

	"github.com/drblury/servicebus/internal/runtime/correlation"
	errspkg "github.com/drblury/servicebus/internal/runtime/errors"
)

const (
	defaultReconnectInterval = 5 * time.Second
	defaultHeartbeat         = 10 * time.Second
	defaultNotifyBuffer      = 256
	exchangeKind             = "topic"
)

// BrokerConnection is the part of *amqp.Connection the manager relies on.
type BrokerConnection interface {
	Channel() (BrokerChannel, error)
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	IsClosed() bool
	Close() error
}

// BrokerChannel is the part of *amqp.Channel the manager and its consumers
// rely on.
type BrokerChannel interface {
	Confirm(noWait bool) error
	NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation
	NotifyReturn(c chan amqp.Return) chan amqp.Return
	NotifyClose(c chan *amqp.Error) chan *amqp.Error
	GetNextPublishSeqNo() uint64
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Cancel(consumer string, noWait bool) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

type amqpConnection struct {
	*amqp.Connection
}

func (c amqpConnection) Channel() (BrokerChannel, error) {
	ch, err := c.Connection.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}

// Dialer opens broker connections. Tests replace it with an in-memory fake.
var Dialer = func(url string, cfg amqp.Config) (BrokerConnection, error) {
	conn, err := amqp.DialConfig(url, cfg)
	if err != nil {
		return nil, err
	}
	return amqpConnection{conn}, nil
}

// ConnectionOptions tune a ConnectionManager. Zero values fall back to defaults.
type ConnectionOptions struct {
	Heartbeat         time.Duration
	DurableExchanges  bool
	ReconnectInterval time.Duration
}

// ConnectionManager owns one broker connection with two channels: a
// confirm-mode channel for calls and a plain channel for fire-and-forget
// publishes. It reconnects forever at a fixed interval until Shutdown, and
// resolves every call exactly once: acked, nacked, returned or failed because
// the connection went away.
type ConnectionManager struct {
	url    string
	opts   ConnectionOptions
	logger watermill.LoggerAdapter

	connMu sync.Mutex
	conn   BrokerConnection

	callMu       sync.Mutex
	callCh       BrokerChannel
	callDeclared map[string]struct{}

	publishMu       sync.Mutex
	publishCh       BrokerChannel
	publishDeclared map[string]struct{}

	knownMu        sync.Mutex
	knownExchanges map[string]struct{}

	pending *correlation.Index[chan error]

	connected    atomic.Bool
	shuttingDown atomic.Bool
	done         chan struct{}
	wg           sync.WaitGroup

	reconnectMu  sync.Mutex
	reconnecting bool

	readyMu sync.Mutex
	ready   chan struct{}

	hasConnected atomic.Bool

	listenersMu sync.RWMutex
	onConnect   []func()
	onLost      []func(error)
	onRestored  []func()
	onFailed    []func(error)
}

// NewConnectionManager creates a manager for url. Call Start to connect.
func NewConnectionManager(url string, opts ConnectionOptions, logger watermill.LoggerAdapter) *ConnectionManager {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	if opts.ReconnectInterval <= 0 {
		opts.ReconnectInterval = defaultReconnectInterval
	}
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = defaultHeartbeat
	}
	return &ConnectionManager{
		url:            url,
		opts:           opts,
		logger:         logger.With(watermill.LogFields{"transport": TransportName}),
		knownExchanges: make(map[string]struct{}),
		pending:        correlation.New[chan error](),
		done:           make(chan struct{}),
		ready:          make(chan struct{}),
	}
}

// Start launches the reconnect loop, which performs the first connect.
func (m *ConnectionManager) Start() {
	m.startReconnectLoop()
}

func (m *ConnectionManager) IsConnected() bool {
	return m.connected.Load()
}

// WaitForConnection blocks until the manager is connected.
func (m *ConnectionManager) WaitForConnection(ctx context.Context) error {
	for {
		if m.shuttingDown.Load() {
			return errspkg.ErrShutdown
		}
		m.readyMu.Lock()
		ready := m.ready
		m.readyMu.Unlock()
		if m.IsConnected() {
			return nil
		}
		select {
		case <-ready:
		case <-m.done:
			return errspkg.ErrShutdown
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// GetChannel opens a fresh channel on the current connection.
func (m *ConnectionManager) GetChannel() (BrokerChannel, error) {
	m.connMu.Lock()
	defer m.connMu.Unlock()

	if m.conn == nil || m.conn.IsClosed() {
		return nil, errspkg.ErrNotConnected
	}
	return m.conn.Channel()
}

// DeclareExchange declares the topic exchange name on ch and remembers it so
// it is re-declared after every reconnect.
func (m *ConnectionManager) DeclareExchange(ch BrokerChannel, name string) error {
	m.remember(name)
	return ch.ExchangeDeclare(name, exchangeKind, m.opts.DurableExchanges, false, false, false, nil)
}

// PrepareExchange declares name on the publish channel ahead of the first send.
// While disconnected the exchange is only remembered.
func (m *ConnectionManager) PrepareExchange(name string) error {
	m.remember(name)

	m.publishMu.Lock()
	defer m.publishMu.Unlock()
	if m.publishCh == nil {
		return nil
	}
	return m.declareOnce(m.publishCh, m.publishDeclared, name)
}

// Publish sends msg without waiting for any broker acknowledgement.
func (m *ConnectionManager) Publish(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error {
	m.publishMu.Lock()
	defer m.publishMu.Unlock()

	if m.publishCh == nil {
		return errspkg.ErrNotConnected
	}
	if err := m.declareOnce(m.publishCh, m.publishDeclared, exchange); err != nil {
		return err
	}
	if err := m.publishCh.PublishWithContext(ctx, exchange, routingKey, false, false, msg); err != nil {
		return fmt.Errorf("rabbitmq: publish: %w", err)
	}
	return nil
}

// Call publishes msg as mandatory on the confirm channel and blocks until the
// broker acked it (nil), nacked it (ErrNotDeliverable), returned it
// (*errors.MessageReturnedError) or ctx ended. msg.CorrelationId must be unique.
func (m *ConnectionManager) Call(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error {
	done := make(chan error, 1)

	m.callMu.Lock()
	if m.callCh == nil {
		m.callMu.Unlock()
		return errspkg.ErrNotConnected
	}
	if err := m.declareOnce(m.callCh, m.callDeclared, exchange); err != nil {
		m.callMu.Unlock()
		return err
	}
	seq := m.callCh.GetNextPublishSeqNo()
	m.pending.Add(msg.CorrelationId, seq, done)
	if err := m.callCh.PublishWithContext(ctx, exchange, routingKey, true, false, msg); err != nil {
		m.pending.RemoveByCorrelation(msg.CorrelationId)
		m.callMu.Unlock()
		return fmt.Errorf("rabbitmq: publish call: %w", err)
	}
	m.callMu.Unlock()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		if _, ok := m.pending.RemoveByCorrelation(msg.CorrelationId); !ok {
			// Resolved concurrently with the deadline.
			return <-done
		}
		return ctx.Err()
	}
}

// PendingCalls returns the number of calls waiting for a broker confirmation.
func (m *ConnectionManager) PendingCalls() int {
	return m.pending.Len()
}

// onConnected registers fn to run after every successful connect, including
// the first one.
func (m *ConnectionManager) onConnected(fn func()) {
	m.listenersMu.Lock()
	defer m.listenersMu.Unlock()
	m.onConnect = append(m.onConnect, fn)
}

func (m *ConnectionManager) OnConnectionLost(fn func(err error)) {
	m.listenersMu.Lock()
	defer m.listenersMu.Unlock()
	m.onLost = append(m.onLost, fn)
}

func (m *ConnectionManager) OnConnectionRestored(fn func()) {
	m.listenersMu.Lock()
	defer m.listenersMu.Unlock()
	m.onRestored = append(m.onRestored, fn)
}

func (m *ConnectionManager) OnReconnectFailed(fn func(err error)) {
	m.listenersMu.Lock()
	defer m.listenersMu.Unlock()
	m.onFailed = append(m.onFailed, fn)
}

// Shutdown stops reconnecting, closes both channels and the connection and
// fails every pending call with ErrShutdown.
func (m *ConnectionManager) Shutdown() error {
	if !m.shuttingDown.CompareAndSwap(false, true) {
		return nil
	}
	close(m.done)
	m.failPending(errspkg.ErrShutdown)

	m.connMu.Lock()
	err := m.teardownLocked()
	m.connMu.Unlock()

	m.wg.Wait()
	m.logger.Info("Connection manager shut down", nil)
	return err
}

func (m *ConnectionManager) startReconnectLoop() {
	m.reconnectMu.Lock()
	defer m.reconnectMu.Unlock()

	if m.reconnecting || m.shuttingDown.Load() {
		return
	}
	m.reconnecting = true
	m.wg.Add(1)
	go m.reconnectLoop()
}

func (m *ConnectionManager) reconnectLoop() {
	defer m.wg.Done()

	b := backoff.NewConstantBackOff(m.opts.ReconnectInterval)
	for {
		m.reconnectMu.Lock()
		if m.shuttingDown.Load() || m.IsConnected() {
			m.reconnecting = false
			m.reconnectMu.Unlock()
			return
		}
		m.reconnectMu.Unlock()

		m.logger.Info("Connecting to RabbitMQ", nil)
		if err := m.reconnect(); err != nil {
			if errors.Is(err, errspkg.ErrShutdown) {
				continue
			}
			m.logger.Error("Reconnect to RabbitMQ failed", err, watermill.LogFields{"retry_in": b.NextBackOff().String()})
			m.notifyFailed(err)
			select {
			case <-time.After(b.NextBackOff()):
			case <-m.done:
			}
			continue
		}

		m.logger.Info("Connection to RabbitMQ established", nil)
		m.notifyConnected(!m.hasConnected.Swap(true))
	}
}

func (m *ConnectionManager) reconnect() error {
	m.connMu.Lock()
	defer m.connMu.Unlock()

	if m.shuttingDown.Load() {
		return errspkg.ErrShutdown
	}
	_ = m.teardownLocked()

	conn, err := Dialer(m.url, amqp.Config{
		Heartbeat:  m.opts.Heartbeat,
		Properties: amqp.NewConnectionProperties(),
	})
	if err != nil {
		return fmt.Errorf("rabbitmq: dial: %w", err)
	}

	callCh, err := conn.Channel()
	if err != nil {
		return multierr.Append(fmt.Errorf("rabbitmq: open call channel: %w", err), conn.Close())
	}
	if err := callCh.Confirm(false); err != nil {
		return multierr.Append(fmt.Errorf("rabbitmq: enable confirms: %w", err), conn.Close())
	}
	publishCh, err := conn.Channel()
	if err != nil {
		return multierr.Append(fmt.Errorf("rabbitmq: open publish channel: %w", err), conn.Close())
	}

	confirms := callCh.NotifyPublish(make(chan amqp.Confirmation, defaultNotifyBuffer))
	returns := callCh.NotifyReturn(make(chan amqp.Return, defaultNotifyBuffer))
	connClosed := conn.NotifyClose(make(chan *amqp.Error, 1))
	callClosed := callCh.NotifyClose(make(chan *amqp.Error, 1))
	publishClosed := publishCh.NotifyClose(make(chan *amqp.Error, 1))

	m.callMu.Lock()
	m.callCh = callCh
	m.callDeclared = make(map[string]struct{})
	m.callMu.Unlock()

	m.publishMu.Lock()
	m.publishCh = publishCh
	m.publishDeclared = make(map[string]struct{})
	for _, name := range m.knownExchangeNames() {
		if err := m.declareOnce(publishCh, m.publishDeclared, name); err != nil {
			m.logger.Error("Could not re-declare exchange", err, watermill.LogFields{"exchange": name})
		}
	}
	m.publishMu.Unlock()

	m.conn = conn
	m.wg.Add(2)
	go m.watchConfirms(confirms, returns)
	go m.watchClose(conn, connClosed, callClosed, publishClosed)

	m.markConnected()
	return nil
}

// teardownLocked closes the channels and the connection. connMu must be held.
func (m *ConnectionManager) teardownLocked() error {
	m.markDisconnected()

	var err error
	m.callMu.Lock()
	if m.callCh != nil {
		err = multierr.Append(err, ignoreClosed(m.callCh.Close()))
		m.callCh = nil
	}
	m.callMu.Unlock()

	m.publishMu.Lock()
	if m.publishCh != nil {
		err = multierr.Append(err, ignoreClosed(m.publishCh.Close()))
		m.publishCh = nil
	}
	m.publishMu.Unlock()

	if m.conn != nil {
		if !m.conn.IsClosed() {
			err = multierr.Append(err, ignoreClosed(m.conn.Close()))
		}
		m.conn = nil
	}

	m.failPending(errspkg.ErrNotConnected)
	return err
}

func (m *ConnectionManager) watchConfirms(confirms <-chan amqp.Confirmation, returns <-chan amqp.Return) {
	defer m.wg.Done()

	for confirms != nil || returns != nil {
		select {
		case r, ok := <-returns:
			if !ok {
				returns = nil
				continue
			}
			m.handleReturn(r)
		case c, ok := <-confirms:
			if !ok {
				confirms = nil
				continue
			}
			// The broker sends basic.return before the matching ack, so
			// any return already received must win over this ack.
			m.drainReturns(returns)
			m.handleConfirm(c.DeliveryTag, c.Ack)
		}
	}
}

func (m *ConnectionManager) drainReturns(returns <-chan amqp.Return) {
	for {
		select {
		case r, ok := <-returns:
			if !ok {
				return
			}
			m.handleReturn(r)
		default:
			return
		}
	}
}

// handleConfirm resolves the call published with tag. amqp091 splits a
// multiple ack or nack into one confirmation per tag, in order, so a
// cumulative ack arrives here as a run of single tags.
func (m *ConnectionManager) handleConfirm(tag uint64, ack bool) {
	w, ok := m.pending.RemoveBySequence(tag)
	if !ok {
		return
	}
	if ack {
		w <- nil
		return
	}
	w <- errspkg.ErrNotDeliverable
}

func (m *ConnectionManager) handleReturn(r amqp.Return) {
	w, ok := m.pending.RemoveByCorrelation(r.CorrelationId)
	if !ok {
		m.logger.Debug("Ignoring return without pending call", watermill.LogFields{"correlation_id": r.CorrelationId})
		return
	}
	w <- &errspkg.MessageReturnedError{ReplyCode: r.ReplyCode, ReplyText: r.ReplyText}
}

func (m *ConnectionManager) watchClose(conn BrokerConnection, connClosed, callClosed, publishClosed chan *amqp.Error) {
	defer m.wg.Done()

	var reason *amqp.Error
	select {
	case reason = <-connClosed:
	case reason = <-callClosed:
	case reason = <-publishClosed:
	case <-m.done:
		return
	}

	if m.shuttingDown.Load() {
		return
	}

	m.connMu.Lock()
	if m.conn != conn {
		m.connMu.Unlock()
		return
	}
	_ = m.teardownLocked()
	m.connMu.Unlock()

	var cause error = errspkg.ErrNotConnected
	if reason != nil {
		cause = reason
	}
	m.logger.Error("Connection to RabbitMQ lost", cause, nil)
	m.notifyLost(cause)
	m.startReconnectLoop()
}

func (m *ConnectionManager) declareOnce(ch BrokerChannel, declared map[string]struct{}, name string) error {
	if _, ok := declared[name]; ok {
		return nil
	}
	if err := m.DeclareExchange(ch, name); err != nil {
		return fmt.Errorf("rabbitmq: declare exchange %s: %w", name, err)
	}
	declared[name] = struct{}{}
	return nil
}

func (m *ConnectionManager) remember(name string) {
	m.knownMu.Lock()
	defer m.knownMu.Unlock()
	m.knownExchanges[name] = struct{}{}
}

func (m *ConnectionManager) knownExchangeNames() []string {
	m.knownMu.Lock()
	defer m.knownMu.Unlock()
	names := make([]string, 0, len(m.knownExchanges))
	for name := range m.knownExchanges {
		names = append(names, name)
	}
	return names
}

func (m *ConnectionManager) failPending(err error) {
	for _, w := range m.pending.Drain() {
		w <- err
	}
}

func (m *ConnectionManager) markConnected() {
	m.connected.Store(true)
	m.readyMu.Lock()
	defer m.readyMu.Unlock()
	select {
	case <-m.ready:
	default:
		close(m.ready)
	}
}

func (m *ConnectionManager) markDisconnected() {
	if !m.connected.Swap(false) {
		return
	}
	m.readyMu.Lock()
	defer m.readyMu.Unlock()
	m.ready = make(chan struct{})
}

func (m *ConnectionManager) notifyLost(err error) {
	m.listenersMu.RLock()
	defer m.listenersMu.RUnlock()
	for _, fn := range m.onLost {
		fn(err)
	}
}

// notifyConnected runs the connect hooks after every successful connect and
// the restored listeners only after a reconnect.
func (m *ConnectionManager) notifyConnected(first bool) {
	m.listenersMu.RLock()
	defer m.listenersMu.RUnlock()
	for _, fn := range m.onConnect {
		fn()
	}
	if first {
		return
	}
	for _, fn := range m.onRestored {
		fn()
	}
}

func (m *ConnectionManager) notifyFailed(err error) {
	m.listenersMu.RLock()
	defer m.listenersMu.RUnlock()
	for _, fn := range m.onFailed {
		fn(err)
	}
}

func ignoreClosed(err error) error {
	if errors.Is(err, amqp.ErrClosed) {
		return nil
	}
	return err
}
