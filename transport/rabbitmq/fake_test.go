package rabbitmq

import (
	"context"
	"errors"
	"strings"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

// fakeBroker is a minimal in-memory AMQP broker: topic exchanges with exact,
// "*" and "#" bindings, publisher confirms and mandatory returns.
type fakeBroker struct {
	mu          sync.Mutex
	dialErr     error
	nack        bool
	holdConfirm bool
	dials       int
	declares    map[string]int
	queues      map[string]bool
	bindings    map[string][]fakeBinding
	consumers   map[string][]*fakeConsumer
	consumes    map[string]int
	conns       []*fakeConn
}

type fakeBinding struct {
	queue string
	key   string
}

type fakeConsumer struct {
	tag        string
	deliveries chan amqp.Delivery
	closed     bool
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{
		declares:  make(map[string]int),
		queues:    make(map[string]bool),
		bindings:  make(map[string][]fakeBinding),
		consumers: make(map[string][]*fakeConsumer),
		consumes:  make(map[string]int),
	}
}

func (b *fakeBroker) dial(string, amqp.Config) (BrokerConnection, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dials++
	if b.dialErr != nil {
		return nil, b.dialErr
	}
	conn := &fakeConn{broker: b}
	b.conns = append(b.conns, conn)
	return conn, nil
}

func (b *fakeBroker) setDialErr(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dialErr = err
}

func (b *fakeBroker) lastConn() *fakeConn {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.conns) == 0 {
		return nil
	}
	return b.conns[len(b.conns)-1]
}

func (b *fakeBroker) declareCount(exchange string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.declares[exchange]
}

func (b *fakeBroker) consumeCount(queue string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.consumes[queue]
}

func (b *fakeBroker) bindingKeys(exchange string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var keys []string
	for _, binding := range b.bindings[exchange] {
		keys = append(keys, binding.key)
	}
	return keys
}

// route delivers msg to the first live consumer of every matching queue and
// reports how many queues matched. b.mu must be held.
func (b *fakeBroker) route(exchange, key string, msg amqp.Publishing) int {
	routed := 0
	seen := make(map[string]bool)
	for _, binding := range b.bindings[exchange] {
		if seen[binding.queue] || !fakeMatch(binding.key, key) {
			continue
		}
		seen[binding.queue] = true
		routed++
		for _, c := range b.consumers[binding.queue] {
			if c.closed {
				continue
			}
			c.deliveries <- amqp.Delivery{
				Headers:         msg.Headers,
				ContentType:     msg.ContentType,
				ContentEncoding: msg.ContentEncoding,
				CorrelationId:   msg.CorrelationId,
				ReplyTo:         msg.ReplyTo,
				Expiration:      msg.Expiration,
				Type:            msg.Type,
				Exchange:        exchange,
				RoutingKey:      key,
				Body:            msg.Body,
			}
			break
		}
	}
	return routed
}

func fakeMatch(pattern, key string) bool {
	if pattern == "#" || pattern == key {
		return true
	}
	p := strings.Split(pattern, ".")
	k := strings.Split(key, ".")
	if len(p) != len(k) {
		return false
	}
	for i := range p {
		if p[i] != "*" && p[i] != k[i] {
			return false
		}
	}
	return true
}

type fakeConn struct {
	broker *fakeBroker

	mu       sync.Mutex
	closed   bool
	notify   []chan *amqp.Error
	channels []*fakeChannel
}

func (c *fakeConn) Channel() (BrokerChannel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, amqp.ErrClosed
	}
	ch := &fakeChannel{conn: c, broker: c.broker, nextSeq: 1}
	c.channels = append(c.channels, ch)
	return ch, nil
}

func (c *fakeConn) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notify = append(c.notify, receiver)
	return receiver
}

func (c *fakeConn) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) Close() error {
	c.shutdown(nil)
	return nil
}

// fail simulates the broker dropping the connection.
func (c *fakeConn) fail() {
	c.shutdown(&amqp.Error{Code: amqp.ConnectionForced, Reason: "broker restart"})
}

func (c *fakeConn) shutdown(reason *amqp.Error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	notify := c.notify
	channels := c.channels
	c.mu.Unlock()

	for _, ch := range channels {
		_ = ch.Close()
	}
	for _, n := range notify {
		if reason != nil {
			n <- reason
		}
		close(n)
	}
}

// ackUpTo acknowledges every tag up to and including tag on the confirm
// channel, one confirmation per tag, the way amqp091 delivers a multiple ack.
func (c *fakeConn) ackUpTo(tag uint64) {
	c.mu.Lock()
	channels := c.channels
	c.mu.Unlock()

	for _, ch := range channels {
		ch.mu.Lock()
		confirm, confirms := ch.confirm, ch.confirms
		ch.mu.Unlock()
		if !confirm {
			continue
		}
		for seq := uint64(1); seq <= tag; seq++ {
			for _, out := range confirms {
				out <- amqp.Confirmation{DeliveryTag: seq, Ack: true}
			}
		}
	}
}

type fakeChannel struct {
	conn   *fakeConn
	broker *fakeBroker

	mu        sync.Mutex
	closed    bool
	confirm   bool
	nextSeq   uint64
	confirms  []chan amqp.Confirmation
	returns   []chan amqp.Return
	notify    []chan *amqp.Error
	consumers []*fakeConsumer
}

func (ch *fakeChannel) Confirm(bool) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.confirm = true
	return nil
}

func (ch *fakeChannel) NotifyPublish(c chan amqp.Confirmation) chan amqp.Confirmation {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.confirms = append(ch.confirms, c)
	return c
}

func (ch *fakeChannel) NotifyReturn(c chan amqp.Return) chan amqp.Return {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.returns = append(ch.returns, c)
	return c
}

func (ch *fakeChannel) NotifyClose(c chan *amqp.Error) chan *amqp.Error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.notify = append(ch.notify, c)
	return c
}

func (ch *fakeChannel) GetNextPublishSeqNo() uint64 {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.nextSeq
}

func (ch *fakeChannel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()
	ch.broker.declares[name]++
	return nil
}

func (ch *fakeChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()
	ch.broker.queues[name] = true
	return amqp.Queue{Name: name}, nil
}

func (ch *fakeChannel) QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error {
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()
	for _, b := range ch.broker.bindings[exchange] {
		if b.queue == name && b.key == key {
			return nil
		}
	}
	ch.broker.bindings[exchange] = append(ch.broker.bindings[exchange], fakeBinding{queue: name, key: key})
	return nil
}

func (ch *fakeChannel) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	c := &fakeConsumer{tag: consumer, deliveries: make(chan amqp.Delivery, 64)}

	ch.mu.Lock()
	ch.consumers = append(ch.consumers, c)
	ch.mu.Unlock()

	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()
	ch.broker.consumers[queue] = append(ch.broker.consumers[queue], c)
	ch.broker.consumes[queue]++
	return c.deliveries, nil
}

func (ch *fakeChannel) Cancel(consumer string, noWait bool) error {
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()
	for _, c := range ch.consumers {
		if c.tag == consumer && !c.closed {
			c.closed = true
			close(c.deliveries)
		}
	}
	return nil
}

func (ch *fakeChannel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return amqp.ErrClosed
	}
	seq := ch.nextSeq
	ch.nextSeq++
	confirm := ch.confirm
	confirms := ch.confirms
	returns := ch.returns
	ch.mu.Unlock()

	ch.broker.mu.Lock()
	routed := ch.broker.route(exchange, key, msg)
	nack := ch.broker.nack
	hold := ch.broker.holdConfirm
	ch.broker.mu.Unlock()

	if mandatory && routed == 0 {
		for _, r := range returns {
			r <- amqp.Return{
				ReplyCode:     amqp.NoRoute,
				ReplyText:     "NO_ROUTE",
				Exchange:      exchange,
				RoutingKey:    key,
				CorrelationId: msg.CorrelationId,
			}
		}
	}
	if confirm && !hold {
		for _, c := range confirms {
			c <- amqp.Confirmation{DeliveryTag: seq, Ack: !nack}
		}
	}
	return nil
}

func (ch *fakeChannel) Close() error {
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return amqp.ErrClosed
	}
	ch.closed = true
	confirms, returns, notify, consumers := ch.confirms, ch.returns, ch.notify, ch.consumers
	ch.mu.Unlock()

	ch.broker.mu.Lock()
	for _, c := range consumers {
		if !c.closed {
			c.closed = true
			close(c.deliveries)
		}
	}
	ch.broker.mu.Unlock()

	for _, c := range confirms {
		close(c)
	}
	for _, r := range returns {
		close(r)
	}
	for _, n := range notify {
		close(n)
	}
	return nil
}

var errDialRefused = errors.New("dial tcp: connection refused")
