package diagnostics

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/drblury/servicebus/internal/runtime/bus"
	errspkg "github.com/drblury/servicebus/internal/runtime/errors"
)

// DefaultDiscoveryWindow is how long DiscoverComponents collects answers when
// no window is given.
const DefaultDiscoveryWindow = 10 * time.Second

// DiscoveryClient finds live components by broadcasting a DiscoveryMessage
// and collecting every ComponentInfoMessage that comes back.
type DiscoveryClient struct {
	bus   *bus.Bus
	clock clock.Clock

	mu         sync.Mutex
	components map[string]ComponentInfoMessage
}

// NewDiscoveryClient registers the broadcast handler that fills the cache.
// Answers are cached as they arrive, also outside of DiscoverComponents.
func NewDiscoveryClient(b *bus.Bus, c clock.Clock) (*DiscoveryClient, error) {
	if b == nil {
		return nil, errspkg.ErrBusRequired
	}
	if c == nil {
		c = clock.New()
	}
	client := &DiscoveryClient{
		bus:        b,
		clock:      c,
		components: make(map[string]ComponentInfoMessage),
	}
	if err := bus.RegisterBroadcastHandler(b, client.handleComponentInfo); err != nil {
		return nil, fmt.Errorf("diagnostics: register discovery client: %w", err)
	}
	return client, nil
}

// DiscoverComponents broadcasts one DiscoveryMessage and waits the whole
// window before returning the cache, sorted by module, instance and run id.
// The wait only ends early when ctx is done.
func (c *DiscoveryClient) DiscoverComponents(ctx context.Context, window time.Duration) ([]ComponentInfoMessage, error) {
	if window <= 0 {
		window = DefaultDiscoveryWindow
	}
	if err := bus.Broadcast(ctx, c.bus, DiscoveryMessage{}); err != nil {
		return nil, err
	}

	timer := c.clock.Timer(window)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return c.Components(), nil
}

// Components returns the cached answers.
func (c *DiscoveryClient) Components() []ComponentInfoMessage {
	c.mu.Lock()
	out := make([]ComponentInfoMessage, 0, len(c.components))
	for _, info := range c.components {
		out = append(out, info)
	}
	c.mu.Unlock()

	slices.SortFunc(out, func(a, b ComponentInfoMessage) int {
		return strings.Compare(a.Key(), b.Key())
	})
	return out
}

func (c *DiscoveryClient) ClearCache() {
	c.mu.Lock()
	clear(c.components)
	c.mu.Unlock()
}

func (c *DiscoveryClient) handleComponentInfo(_ context.Context, info ComponentInfoMessage) error {
	c.mu.Lock()
	c.components[info.Key()] = info
	c.mu.Unlock()
	return nil
}
