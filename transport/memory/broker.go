package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	errspkg "github.com/drblury/servicebus/internal/runtime/errors"
	"github.com/drblury/servicebus/transport"
)

// Broker emulates a topic-exchange broker inside one process. Exchanges and
// bindings are kept here; every queue is a gochannel topic drained by a pump
// that hands each message to exactly one consumer in round-robin order.
// Several Transports sharing one Broker behave like several processes
// connected to the same broker.
type Broker struct {
	mu        sync.Mutex
	pubSub    *gochannel.GoChannel
	logger    watermill.LoggerAdapter
	exchanges map[string][]binding
	queues    map[string]*queue
	nextID    uint64
	closed    bool
}

type binding struct {
	queue   string
	pattern string
}

type queue struct {
	info      transport.QueueInfo
	consumers []*consumer
	next      int
	cancel    context.CancelFunc
}

type consumer struct {
	id      uint64
	deliver func(*message.Message)
}

// NewBroker creates an empty broker.
func NewBroker(logger watermill.LoggerAdapter) *Broker {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	return &Broker{
		pubSub:    gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 256}, logger),
		logger:    logger,
		exchanges: make(map[string][]binding),
		queues:    make(map[string]*queue),
	}
}

var (
	sharedOnce   sync.Once
	sharedBroker *Broker
)

// SharedBroker returns the process-wide broker used by Build.
func SharedBroker() *Broker {
	sharedOnce.Do(func() {
		sharedBroker = NewBroker(watermill.NopLogger{})
	})
	return sharedBroker
}

// DeclareExchange creates the exchange if it does not exist yet.
func (b *Broker) DeclareExchange(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.exchanges[name]; !ok {
		b.exchanges[name] = nil
	}
}

// DeclareQueue creates the queue and starts its pump. Declaring an existing
// queue is a no-op.
func (b *Broker) DeclareQueue(info transport.QueueInfo) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return errspkg.ErrShutdown
	}
	if _, ok := b.queues[info.Name]; ok {
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	messages, err := b.pubSub.Subscribe(ctx, queueTopic(info.Name))
	if err != nil {
		cancel()
		return fmt.Errorf("memory: declare queue %s: %w", info.Name, err)
	}

	q := &queue{info: info, cancel: cancel}
	b.queues[info.Name] = q
	go b.pump(q, messages)
	return nil
}

// Bind routes messages of exchange whose routing key matches pattern to the
// queue. Identical bindings are stored once.
func (b *Broker) Bind(queueName, exchange, pattern string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.queues[queueName]; !ok {
		return fmt.Errorf("memory: bind unknown queue %s", queueName)
	}
	for _, existing := range b.exchanges[exchange] {
		if existing.queue == queueName && existing.pattern == pattern {
			return nil
		}
	}
	b.exchanges[exchange] = append(b.exchanges[exchange], binding{queue: queueName, pattern: pattern})
	return nil
}

// Consume attaches deliver to the queue. The returned func detaches it and
// deletes an auto-delete queue once its last consumer is gone.
func (b *Broker) Consume(queueName string, deliver func(*message.Message)) (func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	q, ok := b.queues[queueName]
	if !ok {
		return nil, fmt.Errorf("memory: consume unknown queue %s", queueName)
	}
	b.nextID++
	c := &consumer{id: b.nextID, deliver: deliver}
	q.consumers = append(q.consumers, c)

	var once sync.Once
	return func() {
		once.Do(func() { b.cancelConsumer(queueName, c.id) })
	}, nil
}

// Publish routes msg through exchange and returns the number of queues it
// reached. A missing exchange is declared on the fly.
func (b *Broker) Publish(exchange, routingKey string, msg *message.Message) (int, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return 0, errspkg.ErrShutdown
	}
	bindings, ok := b.exchanges[exchange]
	if !ok {
		b.exchanges[exchange] = nil
	}
	seen := make(map[string]struct{}, len(bindings))
	targets := make([]string, 0, len(bindings))
	for _, bnd := range bindings {
		if _, dup := seen[bnd.queue]; dup {
			continue
		}
		if transport.MatchTopic(bnd.pattern, routingKey) {
			seen[bnd.queue] = struct{}{}
			targets = append(targets, bnd.queue)
		}
	}
	b.mu.Unlock()

	for _, name := range targets {
		if err := b.pubSub.Publish(queueTopic(name), msg.Copy()); err != nil {
			return 0, fmt.Errorf("memory: publish to %s: %w", name, err)
		}
	}
	return len(targets), nil
}

// Close stops every queue pump.
func (b *Broker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	for name, q := range b.queues {
		q.cancel()
		delete(b.queues, name)
	}
	b.mu.Unlock()
	return b.pubSub.Close()
}

func (b *Broker) pump(q *queue, messages <-chan *message.Message) {
	for msg := range messages {
		c := b.pick(q)
		msg.Ack()
		if c == nil {
			b.logger.Debug("Dropping message, queue has no consumer", watermill.LogFields{"queue": q.info.Name})
			continue
		}
		c.deliver(msg)
	}
}

func (b *Broker) pick(q *queue) *consumer {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(q.consumers) == 0 {
		return nil
	}
	c := q.consumers[q.next%len(q.consumers)]
	q.next++
	return c
}

func (b *Broker) cancelConsumer(queueName string, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	q, ok := b.queues[queueName]
	if !ok {
		return
	}
	for i, c := range q.consumers {
		if c.id == id {
			q.consumers = append(q.consumers[:i], q.consumers[i+1:]...)
			break
		}
	}
	if len(q.consumers) > 0 || !q.info.AutoDelete {
		return
	}

	q.cancel()
	delete(b.queues, queueName)
	for exchange, bindings := range b.exchanges {
		kept := bindings[:0]
		for _, bnd := range bindings {
			if bnd.queue != queueName {
				kept = append(kept, bnd)
			}
		}
		b.exchanges[exchange] = kept
	}
}

func queueTopic(name string) string {
	return "queue." + name
}
