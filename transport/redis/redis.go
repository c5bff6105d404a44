// Package redis provides a transport on plain Redis data structures. Every
// queue is a list; a message of type T sent to logical address A is pushed
// onto each list whose binding for T matches A. Bindings live in a set per
// message type, so publishers on any node route the same way.
//
// Competing consumers pop from a shared list with BLPOP. Broadcast
// subscribers each bind their own list. Redis has no per-message TTL on list
// entries, so receivers drop expired messages themselves.
package redis

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/cenkalti/backoff/v5"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/multierr"

	errspkg "github.com/drblury/servicebus/internal/runtime/errors"
	"github.com/drblury/servicebus/internal/runtime/jsoncodec"
	"github.com/drblury/servicebus/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "redis"

const (
	replyCodeNoRoute = 312
	replyTextNoRoute = "NO_ROUTE"

	defaultPollTimeout   = time.Second
	defaultRetryInterval = 5 * time.Second
	commandTimeout       = 5 * time.Second
)

func init() {
	Register()
}

// Register registers the Redis transport with the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.RedisCapabilities)
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.RedisCapabilities
}

// Build connects to cfg.GetRedisURL and pings the server once.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	opts, err := goredis.ParseURL(cfg.GetRedisURL())
	if err != nil {
		return nil, fmt.Errorf("redis: parse url: %w", err)
	}
	client := Connector(opts)

	pingCtx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis: connect: %w", err)
	}

	t := New(client, logger)
	if interval := cfg.GetReconnectInterval(); interval > 0 {
		t.WithRetryInterval(interval)
	}
	return t, nil
}

// Transport implements transport.Transport on a Redis client.
type Transport struct {
	client      Client
	codec       transport.Codec
	logger      watermill.LoggerAdapter
	now         func() time.Time
	pollTimeout time.Duration
	retry       time.Duration

	connected atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.Mutex
	consumers  map[string]*consumer
	bindings   map[string]struct{}
	recovering bool
	shutdown   bool

	listenersMu sync.RWMutex
	onLost      []func(error)
	onRestored  []func()
	onFailed    []func(error)
}

// consumer pops one list and hands each message to the binding it matches.
type consumer struct {
	queue transport.QueueInfo

	mu   sync.RWMutex
	subs []binding
}

type binding struct {
	pattern string
	sub     transport.Subscription
}

// envelope is the list entry. Body holds the serialized payload.
type envelope struct {
	Address string            `json:"address"`
	Headers map[string]string `json:"headers,omitempty"`
	SentAt  int64             `json:"sentAt,omitempty"`
	Body    []byte            `json:"body,omitempty"`
}

// New creates a transport on client. The client is assumed to be reachable.
func New(client Client, logger watermill.LoggerAdapter) *Transport {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	t := &Transport{
		client:      client,
		codec:       transport.NewCodec(),
		logger:      logger.With(watermill.LogFields{"transport": TransportName}),
		now:         time.Now,
		pollTimeout: defaultPollTimeout,
		retry:       defaultRetryInterval,
		ctx:         ctx,
		cancel:      cancel,
		consumers:   make(map[string]*consumer),
		bindings:    make(map[string]struct{}),
	}
	t.connected.Store(client != nil)
	return t
}

// WithCodec replaces the codec used for encoding and decoding.
func (t *Transport) WithCodec(codec transport.Codec) *Transport {
	t.codec = codec
	return t
}

// UseErrorTypes decodes faulted responses with errs.
func (t *Transport) UseErrorTypes(errs *transport.ErrorRegistry) {
	t.codec.Errors = errs
}

// WithPollTimeout sets how long a consumer blocks in BLPOP before it checks
// for shutdown.
func (t *Transport) WithPollTimeout(d time.Duration) *Transport {
	if d > 0 {
		t.pollTimeout = d
	}
	return t
}

// WithRetryInterval sets the delay between reconnect attempts.
func (t *Transport) WithRetryInterval(d time.Duration) *Transport {
	if d > 0 {
		t.retry = d
	}
	return t
}

func (t *Transport) Capabilities() transport.Capabilities {
	return transport.RedisCapabilities
}

func (t *Transport) IsConnected() bool {
	return t.connected.Load()
}

func (t *Transport) Enqueue(ctx context.Context, logicalAddress string, props transport.Properties, body any) error {
	routed, err := t.publish(ctx, logicalAddress, props, body)
	if err == nil && routed == 0 {
		t.logger.Trace("Message not routed", watermill.LogFields{
			"type":    props.Type,
			"address": logicalAddress,
		})
	}
	return err
}

func (t *Transport) Broadcast(ctx context.Context, logicalAddress string, props transport.Properties, body any) error {
	return t.Enqueue(ctx, logicalAddress, props, body)
}

func (t *Transport) Call(ctx context.Context, logicalAddress string, props transport.Properties, body any) error {
	routed, err := t.publish(ctx, logicalAddress, props, body)
	if err != nil {
		return err
	}
	if routed == 0 {
		return &errspkg.MessageReturnedError{ReplyCode: replyCodeNoRoute, ReplyText: replyTextNoRoute}
	}
	return nil
}

// Prepare only warms up serialization. Bindings are created on Subscribe.
func (t *Transport) Prepare(typeName string, sample any) error {
	return t.codec.Serializer.Prepare(sample)
}

func (t *Transport) Subscribe(sub transport.Subscription) error {
	fromRedis, err := t.subscribe(sub)
	if fromRedis {
		return t.commandFailed(err)
	}
	return err
}

// subscribe reports whether a failure came from a Redis command so the caller
// can mark the connection lost outside t.mu.
func (t *Transport) subscribe(sub transport.Subscription) (bool, error) {
	pattern, queue, key := sub.Normalize()

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.shutdown {
		return false, errspkg.ErrShutdown
	}
	if t.client == nil || !t.IsConnected() {
		return false, errspkg.ErrNotConnected
	}
	if _, ok := t.bindings[key]; ok {
		return false, nil
	}

	ctx, cancel := context.WithTimeout(t.ctx, commandTimeout)
	defer cancel()

	if err := t.bind(ctx, sub.TypeName, pattern, queue.Name); err != nil {
		return true, err
	}

	c, ok := t.consumers[queue.Name]
	if !ok {
		if err := t.client.Incr(ctx, consumersKey(queue.Name)).Err(); err != nil {
			return true, fmt.Errorf("redis: consume %s: %w", queue.Name, err)
		}
		c = &consumer{queue: queue}
		t.consumers[queue.Name] = c
		t.wg.Add(1)
		go t.consume(c)
	}
	c.add(pattern, sub)
	t.bindings[key] = struct{}{}

	t.logger.Debug("Subscribed", watermill.LogFields{
		"type":    sub.TypeName,
		"pattern": pattern,
		"queue":   queue.Name,
	})
	return false, nil
}

func (t *Transport) bind(ctx context.Context, typeName, pattern, queue string) error {
	if err := t.client.SAdd(ctx, bindingsKey(typeName), pattern+" "+queue).Err(); err != nil {
		return fmt.Errorf("redis: bind %s: %w", queue, err)
	}
	if err := t.client.SAdd(ctx, queueBindingsKey(queue), typeName+" "+pattern).Err(); err != nil {
		return fmt.Errorf("redis: bind %s: %w", queue, err)
	}
	return nil
}

// rebind restores the bindings of every local consumer after the server came
// back, possibly without its data.
func (t *Transport) rebind(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	var err error
	for _, c := range t.consumers {
		c.mu.RLock()
		for _, b := range c.subs {
			err = multierr.Append(err, t.bind(ctx, b.sub.TypeName, b.pattern, c.queue.Name))
		}
		c.mu.RUnlock()
	}
	return err
}

// Shutdown stops the consumers, releases their queues and closes the client.
// Auto-delete queues are removed together with their bindings when the last
// consumer across all nodes leaves.
func (t *Transport) Shutdown() error {
	t.mu.Lock()
	if t.shutdown {
		t.mu.Unlock()
		return nil
	}
	t.shutdown = true
	consumers := t.consumers
	t.consumers = nil
	t.mu.Unlock()

	t.cancel()
	t.wg.Wait()

	if t.client == nil {
		return nil
	}

	var err error
	if t.IsConnected() {
		ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
		defer cancel()
		for _, c := range consumers {
			err = multierr.Append(err, t.release(ctx, c.queue))
		}
	}
	t.connected.Store(false)
	return multierr.Append(err, t.client.Close())
}

func (t *Transport) OnConnectionLost(fn func(err error)) {
	t.listenersMu.Lock()
	defer t.listenersMu.Unlock()
	t.onLost = append(t.onLost, fn)
}

func (t *Transport) OnConnectionRestored(fn func()) {
	t.listenersMu.Lock()
	defer t.listenersMu.Unlock()
	t.onRestored = append(t.onRestored, fn)
}

func (t *Transport) OnReconnectFailed(fn func(err error)) {
	t.listenersMu.Lock()
	defer t.listenersMu.Unlock()
	t.onFailed = append(t.onFailed, fn)
}

// publish pushes the message onto every matching queue and returns how many
// queues received it.
func (t *Transport) publish(ctx context.Context, logicalAddress string, props transport.Properties, body any) (int, error) {
	if !t.IsConnected() {
		return 0, errspkg.ErrNotConnected
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	payload, err := t.codec.Encode(&props, body)
	if err != nil {
		return 0, err
	}
	env := envelope{Address: logicalAddress, Headers: props.ToHeaders(), Body: payload}
	if props.Expiration > 0 {
		env.SentAt = t.now().UnixMilli()
	}
	raw, err := jsoncodec.Marshal(env)
	if err != nil {
		return 0, errspkg.NewSerializationError(err)
	}
	if limit := transport.RedisCapabilities.MaxMessageSize; int64(len(raw)) > limit {
		return 0, fmt.Errorf("redis: message of %d bytes exceeds %d", len(raw), limit)
	}

	queues, err := t.route(ctx, props.Type, logicalAddress)
	if err != nil {
		return 0, t.commandFailed(fmt.Errorf("redis: route %s: %w", props.Type, err))
	}
	for _, queue := range queues {
		if err := t.client.RPush(ctx, listKey(queue), raw).Err(); err != nil {
			return 0, t.commandFailed(fmt.Errorf("redis: push %s: %w", queue, err))
		}
	}
	return len(queues), nil
}

func (t *Transport) route(ctx context.Context, typeName, address string) ([]string, error) {
	members, err := t.client.SMembers(ctx, bindingsKey(typeName)).Result()
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{}, len(members))
	queues := make([]string, 0, len(members))
	for _, member := range members {
		pattern, queue, ok := strings.Cut(member, " ")
		if !ok {
			continue
		}
		if _, dup := seen[queue]; dup {
			continue
		}
		if transport.MatchTopic(pattern, address) {
			seen[queue] = struct{}{}
			queues = append(queues, queue)
		}
	}
	sort.Strings(queues)
	return queues, nil
}

func (t *Transport) release(ctx context.Context, queue transport.QueueInfo) error {
	left, err := t.client.Decr(ctx, consumersKey(queue.Name)).Result()
	if err != nil {
		return fmt.Errorf("redis: release %s: %w", queue.Name, err)
	}
	if left > 0 || !queue.AutoDelete {
		return nil
	}

	members, err := t.client.SMembers(ctx, queueBindingsKey(queue.Name)).Result()
	if err != nil {
		return fmt.Errorf("redis: release %s: %w", queue.Name, err)
	}
	for _, member := range members {
		i := strings.LastIndexByte(member, ' ')
		if i < 0 {
			continue
		}
		typeName, pattern := member[:i], member[i+1:]
		if err := t.client.SRem(ctx, bindingsKey(typeName), pattern+" "+queue.Name).Err(); err != nil {
			return fmt.Errorf("redis: unbind %s: %w", queue.Name, err)
		}
	}
	if err := t.client.Del(ctx, queueBindingsKey(queue.Name), consumersKey(queue.Name), listKey(queue.Name)).Err(); err != nil {
		return fmt.Errorf("redis: delete %s: %w", queue.Name, err)
	}
	t.logger.Debug("Deleted queue", watermill.LogFields{"queue": queue.Name})
	return nil
}

func (t *Transport) consume(c *consumer) {
	defer t.wg.Done()

	list := listKey(c.queue.Name)
	for {
		res, err := t.client.BLPop(t.ctx, t.pollTimeout, list).Result()
		if t.ctx.Err() != nil {
			return
		}
		switch {
		case errors.Is(err, goredis.Nil):
			continue
		case err != nil:
			t.commandFailed(err)
			select {
			case <-time.After(t.retry):
			case <-t.ctx.Done():
				return
			}
			continue
		}
		if len(res) == 2 {
			t.receive(c, res[1])
		}
	}
}

func (t *Transport) receive(c *consumer, raw string) {
	var env envelope
	if err := jsoncodec.Unmarshal([]byte(raw), &env); err != nil {
		t.logger.Error("Dropping malformed message", err, watermill.LogFields{"queue": c.queue.Name})
		return
	}
	props := transport.PropertiesFromHeaders(env.Headers)

	if t.expired(props.Expiration, env.SentAt) {
		t.logger.Debug("Dropping expired message", watermill.LogFields{
			"queue":          c.queue.Name,
			"correlation_id": props.CorrelationID,
		})
		return
	}

	sub, ok := c.match(props.Type, env.Address)
	if !ok {
		t.logger.Debug("No local binding for message", watermill.LogFields{
			"queue": c.queue.Name,
			"type":  props.Type,
		})
		return
	}

	delivery := t.codec.Decode(props, env.Body, sub.NewBody)
	sub.Execute(func() { sub.Dispatch(delivery) })
}

func (t *Transport) expired(expiration time.Duration, sentAt int64) bool {
	if expiration <= 0 || sentAt == 0 {
		return false
	}
	return t.now().After(time.UnixMilli(sentAt).Add(expiration))
}

// commandFailed marks the transport disconnected and starts the reconnect
// loop. Context errors belong to the caller and are returned untouched.
func (t *Transport) commandFailed(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	t.mu.Lock()
	if t.shutdown || !t.connected.CompareAndSwap(true, false) {
		t.mu.Unlock()
		return err
	}
	start := !t.recovering
	if start {
		t.recovering = true
		t.wg.Add(1)
	}
	t.mu.Unlock()

	t.logger.Error("Connection to Redis lost", err, nil)
	t.listenersMu.RLock()
	for _, fn := range t.onLost {
		fn(err)
	}
	t.listenersMu.RUnlock()

	if start {
		go t.reconnectLoop()
	}
	return err
}

func (t *Transport) reconnectLoop() {
	defer t.wg.Done()

	b := backoff.NewConstantBackOff(t.retry)
	for {
		select {
		case <-time.After(b.NextBackOff()):
		case <-t.ctx.Done():
			return
		}

		ctx, cancel := context.WithTimeout(t.ctx, commandTimeout)
		err := t.client.Ping(ctx).Err()
		if err == nil {
			err = t.rebind(ctx)
		}
		cancel()
		if t.ctx.Err() != nil {
			return
		}
		if err != nil {
			t.logger.Error("Reconnect to Redis failed", err, watermill.LogFields{"retry_in": t.retry.String()})
			t.listenersMu.RLock()
			for _, fn := range t.onFailed {
				fn(err)
			}
			t.listenersMu.RUnlock()
			continue
		}

		t.mu.Lock()
		t.recovering = false
		t.connected.Store(true)
		t.mu.Unlock()

		t.logger.Info("Connection to Redis restored", nil)
		t.listenersMu.RLock()
		for _, fn := range t.onRestored {
			fn()
		}
		t.listenersMu.RUnlock()
		return
	}
}

func (c *consumer) add(pattern string, sub transport.Subscription) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs = append(c.subs, binding{pattern: pattern, sub: sub})
}

func (c *consumer) match(typeName, address string) (transport.Subscription, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, b := range c.subs {
		if b.sub.TypeName == typeName && transport.MatchTopic(b.pattern, address) {
			return b.sub, true
		}
	}
	return transport.Subscription{}, false
}
