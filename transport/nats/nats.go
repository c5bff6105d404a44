// Package nats provides the NATS Core transport. A message of type T sent to
// logical address A is published on subject "T.A", or on "T" when A is blank.
// Each subscription is a
// queue group named after its listen queue, so competing consumers share a
// group while broadcast subscribers each get their own.
//
// NATS has no publisher confirms. Calls are sent as requests and every
// subscriber acknowledges receipt with an empty reply before dispatching, so
// an unroutable call surfaces as nats.ErrNoResponders.
package nats

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/nats-io/nats.go"

	errspkg "github.com/drblury/servicebus/internal/runtime/errors"
	"github.com/drblury/servicebus/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "nats"

// headerSentAt carries the publish time in unix milliseconds so receivers can
// drop expired messages.
const headerSentAt = "sentAt"

const (
	replyCodeNoRoute = 312
	replyTextNoRoute = "NO_ROUTE"
)

func init() {
	Register()
}

// Register registers the NATS transport with the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.NATSCapabilities)
}

// Build connects to cfg.GetNATSURL. The client reconnects on its own for as
// long as the transport is not shut down.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	t := New(nil, logger)

	opts := []nats.Option{
		nats.Name("servicebus"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) { t.connectionLost(err) }),
		nats.ReconnectHandler(func(_ *nats.Conn) { t.connectionRestored() }),
		nats.ClosedHandler(func(_ *nats.Conn) { t.connectionClosed() }),
	}
	if interval := cfg.GetReconnectInterval(); interval > 0 {
		opts = append(opts, nats.ReconnectWait(interval))
	}

	conn, err := Connector(cfg.GetNATSURL(), opts...)
	if err != nil {
		return nil, fmt.Errorf("nats: connect: %w", err)
	}
	t.conn = conn
	return t, nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.NATSCapabilities
}

// Transport implements transport.Transport on a NATS connection.
type Transport struct {
	conn   Conn
	codec  transport.Codec
	logger watermill.LoggerAdapter
	now    func() time.Time

	mu            sync.Mutex
	subscriptions map[string][]Subscription
	shutdown      bool

	listenersMu sync.RWMutex
	onLost      []func(error)
	onRestored  []func()
	onFailed    []func(error)
}

// New creates a transport on conn.
func New(conn Conn, logger watermill.LoggerAdapter) *Transport {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	return &Transport{
		conn:          conn,
		codec:         transport.NewCodec(),
		logger:        logger.With(watermill.LogFields{"transport": TransportName}),
		now:           time.Now,
		subscriptions: make(map[string][]Subscription),
	}
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

func (t *Transport) Capabilities() transport.Capabilities {
	return transport.NATSCapabilities
}

func (t *Transport) IsConnected() bool {
	return t.conn != nil && t.conn.IsConnected()
}

func (t *Transport) Enqueue(ctx context.Context, logicalAddress string, props transport.Properties, body any) error {
	msg, err := t.message(ctx, logicalAddress, props, body)
	if err != nil {
		return err
	}
	return t.conn.PublishMsg(msg)
}

func (t *Transport) Broadcast(ctx context.Context, logicalAddress string, props transport.Properties, body any) error {
	return t.Enqueue(ctx, logicalAddress, props, body)
}

func (t *Transport) Call(ctx context.Context, logicalAddress string, props transport.Properties, body any) error {
	msg, err := t.message(ctx, logicalAddress, props, body)
	if err != nil {
		return err
	}
	if _, err := t.conn.RequestMsgWithContext(ctx, msg); err != nil {
		if errors.Is(err, nats.ErrNoResponders) {
			return &errspkg.MessageReturnedError{ReplyCode: replyCodeNoRoute, ReplyText: replyTextNoRoute}
		}
		return err
	}
	return nil
}

// Prepare only warms up serialization. Subjects need no declaration.
func (t *Transport) Prepare(typeName string, sample any) error {
	return t.codec.Serializer.Prepare(sample)
}

func (t *Transport) Subscribe(sub transport.Subscription) error {
	pattern, queue, key := sub.Normalize()

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.shutdown {
		return errspkg.ErrShutdown
	}
	if t.conn == nil {
		return errspkg.ErrNotConnected
	}
	if _, ok := t.subscriptions[key]; ok {
		return nil
	}

	group := queue.Name
	subjects := BindingSubjects(sub.TypeName, pattern)
	subs := make([]Subscription, 0, len(subjects))
	for _, subject := range subjects {
		s, err := t.conn.QueueSubscribe(subject, group, func(msg *nats.Msg) { t.receive(sub, msg) })
		if err != nil {
			for _, done := range subs {
				_ = done.Unsubscribe()
			}
			return fmt.Errorf("nats: subscribe %s: %w", subject, err)
		}
		subs = append(subs, s)
	}
	t.subscriptions[key] = subs

	t.logger.Debug("Subscribed", watermill.LogFields{
		"subjects": strings.Join(subjects, " "),
		"group":    group,
	})
	return nil
}

func (t *Transport) Shutdown() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.shutdown {
		return nil
	}
	t.shutdown = true

	var errs []error
	for key, subs := range t.subscriptions {
		for _, s := range subs {
			if err := s.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
				errs = append(errs, err)
			}
		}
		delete(t.subscriptions, key)
	}
	if t.conn != nil {
		t.conn.Close()
	}
	return errors.Join(errs...)
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

// Subject maps a message type and a logical address or binding pattern to a
// NATS subject. A trailing "#" becomes the ">" wildcard. A blank address maps
// to the bare type, since the server routes nothing to an empty token.
func Subject(typeName, address string) string {
	switch {
	case address == "":
		return typeName
	case address == "#":
		return typeName + ".>"
	case strings.HasSuffix(address, ".#"):
		return typeName + "." + strings.TrimSuffix(address, "#") + ">"
	default:
		return typeName + "." + address
	}
}

// BindingSubjects returns the subjects a binding pattern subscribes to. A
// trailing "#" also matches zero tokens, so "svc.#" needs "T.svc" next to
// "T.svc.>" and "#" needs "T" next to "T.>".
func BindingSubjects(typeName, pattern string) []string {
	switch {
	case pattern == "#":
		return []string{typeName, typeName + ".>"}
	case strings.HasSuffix(pattern, ".#"):
		return []string{Subject(typeName, strings.TrimSuffix(pattern, ".#")), Subject(typeName, pattern)}
	default:
		return []string{Subject(typeName, pattern)}
	}
}

func (t *Transport) message(ctx context.Context, logicalAddress string, props transport.Properties, body any) (*nats.Msg, error) {
	if !t.IsConnected() {
		return nil, errspkg.ErrNotConnected
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	payload, err := t.codec.Encode(&props, body)
	if err != nil {
		return nil, err
	}
	if limit := transport.NATSCapabilities.MaxMessageSize; limit > 0 && int64(len(payload)) > limit {
		return nil, fmt.Errorf("nats: payload of %d bytes: %w", len(payload), nats.ErrMaxPayload)
	}

	msg := nats.NewMsg(Subject(props.Type, logicalAddress))
	msg.Data = payload
	for k, v := range props.ToHeaders() {
		msg.Header[k] = []string{v}
	}
	if props.Expiration > 0 {
		msg.Header[headerSentAt] = []string{strconv.FormatInt(t.now().UnixMilli(), 10)}
	}
	return msg, nil
}

func (t *Transport) receive(sub transport.Subscription, msg *nats.Msg) {
	if msg.Reply != "" {
		if err := t.conn.PublishMsg(&nats.Msg{Subject: msg.Reply}); err != nil {
			t.logger.Error("Could not acknowledge request", err, watermill.LogFields{"subject": msg.Subject})
		}
	}

	headers := make(map[string]string, len(msg.Header))
	for k, v := range msg.Header {
		if len(v) > 0 {
			headers[k] = v[0]
		}
	}
	sentAt := headers[headerSentAt]
	delete(headers, headerSentAt)
	props := transport.PropertiesFromHeaders(headers)

	if t.expired(props.Expiration, sentAt) {
		t.logger.Debug("Dropping expired message", watermill.LogFields{
			"subject":        msg.Subject,
			"correlation_id": props.CorrelationID,
		})
		return
	}

	delivery := t.codec.Decode(props, msg.Data, sub.NewBody)
	sub.Execute(func() { sub.Dispatch(delivery) })
}

func (t *Transport) expired(expiration time.Duration, sentAt string) bool {
	if expiration <= 0 || sentAt == "" {
		return false
	}
	ms, err := strconv.ParseInt(sentAt, 10, 64)
	if err != nil {
		return false
	}
	return t.now().After(time.UnixMilli(ms).Add(expiration))
}

func (t *Transport) connectionLost(err error) {
	if err == nil {
		err = errspkg.ErrNotConnected
	}
	t.logger.Error("Connection to NATS lost", err, nil)
	t.listenersMu.RLock()
	defer t.listenersMu.RUnlock()
	for _, fn := range t.onLost {
		fn(err)
	}
}

func (t *Transport) connectionRestored() {
	t.logger.Info("Connection to NATS restored", nil)
	t.listenersMu.RLock()
	defer t.listenersMu.RUnlock()
	for _, fn := range t.onRestored {
		fn()
	}
}

// connectionClosed fires when the client gave up reconnecting. A close caused
// by Shutdown is not a failure.
func (t *Transport) connectionClosed() {
	t.mu.Lock()
	down := t.shutdown
	t.mu.Unlock()
	if down {
		return
	}
	t.listenersMu.RLock()
	defer t.listenersMu.RUnlock()
	for _, fn := range t.onFailed {
		fn(nats.ErrConnectionClosed)
	}
}
