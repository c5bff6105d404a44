package redis

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

var errRefused = errors.New("dial tcp 127.0.0.1:6379: connect: connection refused")

// fakeClient keeps sets, lists and counters in memory and can be taken down
// to simulate an outage. Several transports may share one instance.
type fakeClient struct {
	mu       sync.Mutex
	down     bool
	sets     map[string]map[string]struct{}
	lists    map[string][]string
	counters map[string]int64
	changed  chan struct{}
	closed   atomic.Int32
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		sets:     make(map[string]map[string]struct{}),
		lists:    make(map[string][]string),
		counters: make(map[string]int64),
		changed:  make(chan struct{}),
	}
}

func (f *fakeClient) setDown(down bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.down = down
	f.notifyLocked()
}

// flush drops every key, as a restarted server without persistence would.
func (f *fakeClient) flush() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sets = make(map[string]map[string]struct{})
	f.lists = make(map[string][]string)
	f.counters = make(map[string]int64)
}

func (f *fakeClient) members(key string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.sets[key]))
	for m := range f.sets[key] {
		out = append(out, m)
	}
	return out
}

func (f *fakeClient) counter(key string) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.counters[key]
}

func (f *fakeClient) listLen(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.lists[key])
}

func (f *fakeClient) notifyLocked() {
	close(f.changed)
	f.changed = make(chan struct{})
}

func (f *fakeClient) Ping(ctx context.Context) *goredis.StatusCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return goredis.NewStatusResult("", errRefused)
	}
	return goredis.NewStatusResult("PONG", nil)
}

func (f *fakeClient) SAdd(ctx context.Context, key string, members ...any) *goredis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return goredis.NewIntResult(0, errRefused)
	}
	set, ok := f.sets[key]
	if !ok {
		set = make(map[string]struct{})
		f.sets[key] = set
	}
	var added int64
	for _, m := range members {
		s := fmt.Sprint(m)
		if _, ok := set[s]; !ok {
			set[s] = struct{}{}
			added++
		}
	}
	return goredis.NewIntResult(added, nil)
}

func (f *fakeClient) SRem(ctx context.Context, key string, members ...any) *goredis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return goredis.NewIntResult(0, errRefused)
	}
	var removed int64
	for _, m := range members {
		s := fmt.Sprint(m)
		if _, ok := f.sets[key][s]; ok {
			delete(f.sets[key], s)
			removed++
		}
	}
	if len(f.sets[key]) == 0 {
		delete(f.sets, key)
	}
	return goredis.NewIntResult(removed, nil)
}

func (f *fakeClient) SMembers(ctx context.Context, key string) *goredis.StringSliceCmd {
	f.mu.Lock()
	down := f.down
	f.mu.Unlock()
	if down {
		return goredis.NewStringSliceResult(nil, errRefused)
	}
	return goredis.NewStringSliceResult(f.members(key), nil)
}

func (f *fakeClient) RPush(ctx context.Context, key string, values ...any) *goredis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return goredis.NewIntResult(0, errRefused)
	}
	for _, v := range values {
		switch v := v.(type) {
		case []byte:
			f.lists[key] = append(f.lists[key], string(v))
		default:
			f.lists[key] = append(f.lists[key], fmt.Sprint(v))
		}
	}
	f.notifyLocked()
	return goredis.NewIntResult(int64(len(f.lists[key])), nil)
}

func (f *fakeClient) BLPop(ctx context.Context, timeout time.Duration, keys ...string) *goredis.StringSliceCmd {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		f.mu.Lock()
		if f.down {
			f.mu.Unlock()
			return goredis.NewStringSliceResult(nil, errRefused)
		}
		for _, key := range keys {
			if list := f.lists[key]; len(list) > 0 {
				f.lists[key] = list[1:]
				f.mu.Unlock()
				return goredis.NewStringSliceResult([]string{key, list[0]}, nil)
			}
		}
		wake := f.changed
		f.mu.Unlock()

		select {
		case <-wake:
		case <-ctx.Done():
			return goredis.NewStringSliceResult(nil, ctx.Err())
		case <-deadline.C:
			return goredis.NewStringSliceResult(nil, goredis.Nil)
		}
	}
}

func (f *fakeClient) Incr(ctx context.Context, key string) *goredis.IntCmd {
	return f.add(key, 1)
}

func (f *fakeClient) Decr(ctx context.Context, key string) *goredis.IntCmd {
	return f.add(key, -1)
}

func (f *fakeClient) add(key string, delta int64) *goredis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return goredis.NewIntResult(0, errRefused)
	}
	f.counters[key] += delta
	return goredis.NewIntResult(f.counters[key], nil)
}

func (f *fakeClient) Del(ctx context.Context, keys ...string) *goredis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return goredis.NewIntResult(0, errRefused)
	}
	var deleted int64
	for _, key := range keys {
		if _, ok := f.sets[key]; ok {
			delete(f.sets, key)
			deleted++
		}
		if _, ok := f.lists[key]; ok {
			delete(f.lists, key)
			deleted++
		}
		if _, ok := f.counters[key]; ok {
			delete(f.counters, key)
			deleted++
		}
	}
	return goredis.NewIntResult(deleted, nil)
}

func (f *fakeClient) Close() error {
	f.closed.Add(1)
	return nil
}
