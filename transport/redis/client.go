package redis

import (
	"context"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// Client is the part of *redis.Client the transport relies on.
type Client interface {
	Ping(ctx context.Context) *goredis.StatusCmd
	SAdd(ctx context.Context, key string, members ...any) *goredis.IntCmd
	SRem(ctx context.Context, key string, members ...any) *goredis.IntCmd
	SMembers(ctx context.Context, key string) *goredis.StringSliceCmd
	RPush(ctx context.Context, key string, values ...any) *goredis.IntCmd
	BLPop(ctx context.Context, timeout time.Duration, keys ...string) *goredis.StringSliceCmd
	Incr(ctx context.Context, key string) *goredis.IntCmd
	Decr(ctx context.Context, key string) *goredis.IntCmd
	Del(ctx context.Context, keys ...string) *goredis.IntCmd
	Close() error
}

// Connector opens Redis clients. Tests replace it with an in-memory fake.
var Connector = func(opts *goredis.Options) Client {
	return goredis.NewClient(opts)
}

// KeyPrefix namespaces every key the transport writes.
const KeyPrefix = "servicebus"

// bindingsKey holds the "pattern queue" members bound to a message type.
func bindingsKey(typeName string) string {
	return KeyPrefix + ":bindings:" + typeName
}

// listKey is the list a queue's messages are pushed onto.
func listKey(queue string) string {
	return KeyPrefix + ":queue:" + queue
}

// queueBindingsKey holds the "type pattern" members of one queue so the last
// consumer can unbind it.
func queueBindingsKey(queue string) string {
	return listKey(queue) + ":bindings"
}

func consumersKey(queue string) string {
	return listKey(queue) + ":consumers"
}
