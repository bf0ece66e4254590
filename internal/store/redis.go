package store

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultPrefix namespaces every key this service writes, so it can share
// a Redis database with other applications.
const DefaultPrefix = "smartbot:"

// incrScript increments and sets the expiry on first hit in one round
// trip. Running it as a script makes the pair atomic: there is no moment
// where the key exists without a TTL.
var incrScript = redis.NewScript(`
local n = redis.call('INCR', KEYS[1])
if n == 1 then
	redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return n
`)

// Redis is a Store backed by a Redis server.
type Redis struct {
	client *redis.Client
	prefix string
}

// RedisConfig holds the connection settings.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string // defaults to DefaultPrefix
}

// NewRedis connects to Redis and checks the connection with a PING.
func NewRedis(ctx context.Context, cfg RedisConfig) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, &Error{Op: "ping", Key: cfg.Addr, Err: err}
	}
	return NewRedisFromClient(client, cfg.Prefix), nil
}

// NewRedisFromClient wraps an existing client. An empty prefix means
// DefaultPrefix.
func NewRedisFromClient(client *redis.Client, prefix string) *Redis {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Redis{client: client, prefix: prefix}
}

// Incr implements Store.
func (r *Redis) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	n, err := incrScript.Run(ctx, r.client, []string{r.prefix + key}, ttl.Milliseconds()).Int64()
	if err != nil {
		return 0, &Error{Op: "incr", Key: key, Err: err}
	}
	return n, nil
}

// Get implements Store.
func (r *Redis) Get(ctx context.Context, key string) ([]byte, bool, error) {
	b, err := r.client.Get(ctx, r.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, &Error{Op: "get", Key: key, Err: err}
	}
	return b, true, nil
}

// Set implements Store.
func (r *Redis) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := r.client.Set(ctx, r.prefix+key, value, ttl).Err(); err != nil {
		return &Error{Op: "set", Key: key, Err: err}
	}
	return nil
}

// Close closes the underlying client.
func (r *Redis) Close() error {
	return r.client.Close()
}
