package nats

import (
	"context"

	"github.com/nats-io/nats.go"
)

// Conn is the part of *nats.Conn the transport relies on.
type Conn interface {
	PublishMsg(msg *nats.Msg) error
	RequestMsgWithContext(ctx context.Context, msg *nats.Msg) (*nats.Msg, error)
	QueueSubscribe(subject, queue string, cb nats.MsgHandler) (Subscription, error)
	IsConnected() bool
	Close()
}

// Subscription is the part of *nats.Subscription the transport relies on.
type Subscription interface {
	Unsubscribe() error
}

type natsConn struct {
	*nats.Conn
}

func (c natsConn) QueueSubscribe(subject, queue string, cb nats.MsgHandler) (Subscription, error) {
	sub, err := c.Conn.QueueSubscribe(subject, queue, cb)
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// Connector opens NATS connections. Tests replace it with an in-memory fake.
var Connector = func(url string, opts ...nats.Option) (Conn, error) {
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, err
	}
	return natsConn{nc}, nil
}
