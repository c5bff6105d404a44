package nats

import (
	"context"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/nats-io/nats.go"
)

// fakeConn routes messages between in-process subscriptions with NATS
// subject and queue-group semantics.
type fakeConn struct {
	mu        sync.Mutex
	connected bool
	subs      []*fakeSub
	inbox     atomic.Int64
	published []*nats.Msg
	rr        map[string]int
}

type fakeSub struct {
	conn    *fakeConn
	subject string
	queue   string
	cb      nats.MsgHandler
	dead    atomic.Bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{connected: true, rr: make(map[string]int)}
}

func (c *fakeConn) PublishMsg(msg *nats.Msg) error {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return nats.ErrConnectionClosed
	}
	c.published = append(c.published, msg)
	targets := c.targetsLocked(msg.Subject)
	c.mu.Unlock()

	for _, s := range targets {
		s.cb(msg)
	}
	return nil
}

func (c *fakeConn) RequestMsgWithContext(ctx context.Context, msg *nats.Msg) (*nats.Msg, error) {
	inbox := "_INBOX." + strconv.FormatInt(c.inbox.Add(1), 10)
	replies := make(chan *nats.Msg, 1)
	reply, err := c.QueueSubscribe(inbox, "", func(m *nats.Msg) {
		select {
		case replies <- m:
		default:
		}
	})
	if err != nil {
		return nil, err
	}
	defer reply.Unsubscribe()

	c.mu.Lock()
	responders := len(c.targetsLocked(msg.Subject))
	c.mu.Unlock()
	if responders == 0 {
		return nil, nats.ErrNoResponders
	}

	msg.Reply = inbox
	if err := c.PublishMsg(msg); err != nil {
		return nil, err
	}
	select {
	case m := <-replies:
		return m, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *fakeConn) QueueSubscribe(subject, queue string, cb nats.MsgHandler) (Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := &fakeSub{conn: c, subject: subject, queue: queue, cb: cb}
	c.subs = append(c.subs, s)
	return s, nil
}

func (c *fakeConn) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *fakeConn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
}

func (c *fakeConn) subscriptionCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, s := range c.subs {
		if !s.dead.Load() {
			n++
		}
	}
	return n
}

// targetsLocked picks every ungrouped subscriber plus one member per queue
// group, round robin. c.mu must be held.
func (c *fakeConn) targetsLocked(subject string) []*fakeSub {
	var targets []*fakeSub
	groups := make(map[string][]*fakeSub)
	var order []string
	for _, s := range c.subs {
		if s.dead.Load() || !subjectMatches(s.subject, subject) {
			continue
		}
		if s.queue == "" {
			targets = append(targets, s)
			continue
		}
		if _, ok := groups[s.queue]; !ok {
			order = append(order, s.queue)
		}
		groups[s.queue] = append(groups[s.queue], s)
	}
	for _, q := range order {
		members := groups[q]
		targets = append(targets, members[c.rr[q]%len(members)])
		c.rr[q]++
	}
	return targets
}

func (s *fakeSub) Unsubscribe() error {
	s.dead.Store(true)
	return nil
}

// subjectMatches follows the server: a subject with an empty token matches
// nothing, and ">" needs at least one more token.
func subjectMatches(pattern, subject string) bool {
	p := strings.Split(pattern, ".")
	k := strings.Split(subject, ".")
	if slices.Contains(k, "") {
		return false
	}
	for i, token := range p {
		if token == ">" {
			return len(k) > i
		}
		if i >= len(k) || (token != "*" && token != k[i]) {
			return false
		}
	}
	return len(p) == len(k)
}
