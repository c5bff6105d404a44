package bus

import (
	"time"

	"github.com/drblury/servicebus/transport"
)

// SendOption customizes Enqueue, Broadcast and Call.
type SendOption func(*sendOptions)

type sendOptions struct {
	address    string
	timeout    time.Duration
	expiration time.Duration
	headers    map[string]string
}

// WithAddress routes the message to a logical address.
func WithAddress(address string) SendOption {
	return func(o *sendOptions) { o.address = address }
}

// WithTimeout bounds how long Call waits for the response.
func WithTimeout(timeout time.Duration) SendOption {
	return func(o *sendOptions) { o.timeout = timeout }
}

// WithExpiration sets the broker time-to-live of the message. Calls default
// to their timeout.
func WithExpiration(ttl time.Duration) SendOption {
	return func(o *sendOptions) { o.expiration = ttl }
}

// WithHeader attaches an application header.
func WithHeader(key, value string) SendOption {
	return func(o *sendOptions) {
		if o.headers == nil {
			o.headers = make(map[string]string)
		}
		o.headers[key] = value
	}
}

func newSendOptions(opts []SendOption) sendOptions {
	var o sendOptions
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}

// HandlerOption customizes handler registration.
type HandlerOption func(*handlerOptions)

type handlerOptions struct {
	address  string
	executor transport.Executor
	queue    *transport.QueueInfo
}

// OnAddress restricts the handler to messages sent to address. Without it the
// handler receives every message of its type.
func OnAddress(address string) HandlerOption {
	return func(o *handlerOptions) { o.address = address }
}

// WithExecutor runs dispatches on exec instead of one goroutine each.
func WithExecutor(exec transport.Executor) HandlerOption {
	return func(o *handlerOptions) { o.executor = exec }
}

// WithQueue overrides the queue declared for a queue or call handler.
// Broadcast handlers always get a private queue.
func WithQueue(info transport.QueueInfo) HandlerOption {
	return func(o *handlerOptions) { o.queue = &info }
}

func newHandlerOptions(opts []HandlerOption) handlerOptions {
	var o handlerOptions
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}

func (o handlerOptions) queueOr(name string) transport.QueueInfo {
	if o.queue != nil && o.queue.Name != "" {
		return *o.queue
	}
	return transport.DefaultQueue(name)
}
