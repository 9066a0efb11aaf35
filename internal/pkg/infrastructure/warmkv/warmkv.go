// Package warmkv is the authoritative store for per-device L1 state:
// a single opaque blob per device, keyed by a configurable prefix plus
// the device id, read-modify-written once per inbound message. Built
// on github.com/redis/go-redis/v9, the warm-store client used
// throughout the holla2040-arturo example pack.
package warmkv

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// ErrNotFound is returned by Load when no blob is stored for a device
// yet -- the normal case for a device's very first message, or any
// device whose in-memory state was lost on process restart.
var ErrNotFound = errors.New("warmkv: no state stored for device")

// commands is the subset of *redis.Client this package depends on, so
// tests can inject a fake without a live Redis server.
type commands interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Ping(ctx context.Context) *redis.StatusCmd
	Close() error
}

// Client is keyed by `<prefix><dev_id>`, per spec.md §6.
type Client struct {
	rdb    commands
	prefix string
	log    zerolog.Logger
}

// New parses url (a redis:// connection string) and pings the server
// once before returning, matching the teacher's "fail fast on boot"
// convention for every external dependency.
func New(url, prefix string, log zerolog.Logger) (*Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}

	rdb := redis.NewClient(opts)
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		return nil, err
	}

	return &Client{rdb: rdb, prefix: prefix, log: log}, nil
}

func (c *Client) key(devID string) string {
	return c.prefix + devID
}

// Load fetches the persisted state blob for a device. Returns
// ErrNotFound, not a redis error, when the key is absent.
func (c *Client) Load(ctx context.Context, devID string) ([]byte, error) {
	b, err := c.rdb.Get(ctx, c.key(devID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return b, nil
}

// Store writes the state blob for a device with no expiration --
// state is retired explicitly when a device is decommissioned, not by
// TTL.
func (c *Client) Store(ctx context.Context, devID string, blob []byte) error {
	return c.rdb.Set(ctx, c.key(devID), blob, 0).Err()
}

func (c *Client) Close() error {
	return c.rdb.Close()
}
