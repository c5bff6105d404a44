package rabbitmq

import (
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/drblury/servicebus/transport"
)

// consumer is one subscription. It survives reconnects: restore declares the
// topology again on a fresh channel and resumes consuming.
type consumer struct {
	sub     transport.Subscription
	pattern string
	queue   transport.QueueInfo
	codec   transport.Codec
	logger  watermill.LoggerAdapter

	mu sync.Mutex
	ch BrokerChannel
	// tag identifies the active basic.consume so stop can cancel it.
	tag string
}

func (c *consumer) restore(m *ConnectionManager) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closeLocked()

	ch, err := m.GetChannel()
	if err != nil {
		return err
	}
	if err := m.DeclareExchange(ch, c.sub.TypeName); err != nil {
		_ = ch.Close()
		return err
	}
	q := c.queue
	if _, err := ch.QueueDeclare(q.Name, q.Durable, q.AutoDelete, q.Exclusive, false, amqp.Table(q.Arguments)); err != nil {
		_ = ch.Close()
		return err
	}
	if err := ch.QueueBind(q.Name, c.pattern, c.sub.TypeName, false, nil); err != nil {
		_ = ch.Close()
		return err
	}

	tag := "servicebus-" + uuid.NewString()
	deliveries, err := ch.Consume(q.Name, tag, true, q.Exclusive, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return err
	}

	c.ch = ch
	c.tag = tag
	go c.run(deliveries)

	c.logger.Debug("Consumer started", watermill.LogFields{
		"type":    c.sub.TypeName,
		"address": c.pattern,
		"queue":   q.Name,
	})
	return nil
}

func (c *consumer) run(deliveries <-chan amqp.Delivery) {
	for d := range deliveries {
		delivery := c.codec.Decode(fromDelivery(d), d.Body, c.sub.NewBody)
		c.sub.Execute(func() { c.sub.Dispatch(delivery) })
	}
}

func (c *consumer) stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()
}

func (c *consumer) closeLocked() {
	if c.ch == nil {
		return
	}
	_ = c.ch.Cancel(c.tag, false)
	_ = c.ch.Close()
	c.ch = nil
	c.tag = ""
}
