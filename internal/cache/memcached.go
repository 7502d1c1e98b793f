package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bradfitz/gomemcache/memcache"

	"github.com/kjstillabower/weather-dashboard-service/internal/models"
)

// keyPrefix carries a schema version so a snapshot shape change never decodes old entries.
const keyPrefix = "dashboard:v1:"

// maxKeyLength is the memcached protocol limit.
const maxKeyLength = 250

// MemcachedCache implements Cache using memcached.
type MemcachedCache struct {
	client *memcache.Client
}

// NewMemcachedCache creates a MemcachedCache. addrs is a comma-separated list
// (e.g. "localhost:11211" or "host1:11211,host2:11211"). timeout and maxIdleConns
// configure the client; both use package defaults if zero.
func NewMemcachedCache(addrs string, timeout time.Duration, maxIdleConns int) (*MemcachedCache, error) {
	servers := parseAddrs(addrs)
	if len(servers) == 0 {
		servers = []string{"localhost:11211"}
	}
	client := memcache.New(servers...)
	if timeout > 0 {
		client.Timeout = timeout
	}
	if maxIdleConns > 0 {
		client.MaxIdleConns = maxIdleConns
	}
	return &MemcachedCache{client: client}, nil
}

func parseAddrs(s string) []string {
	var out []string
	for _, a := range strings.Split(s, ",") {
		a = strings.TrimSpace(a)
		if a != "" {
			out = append(out, a)
		}
	}
	return out
}

func (c *MemcachedCache) key(k string) (string, error) {
	full := keyPrefix + k
	if len(full) > maxKeyLength || strings.ContainsAny(full, " \t\r\n") {
		return "", fmt.Errorf("%w: %q", memcache.ErrMalformedKey, k)
	}
	return full, nil
}

// Get implements Cache.Get. Returns false, nil on cache miss; false, err on error.
// An entry that no longer decodes is deleted and reported as a miss.
func (c *MemcachedCache) Get(ctx context.Context, key string) (models.Dashboard, bool, error) {
	if ctx.Err() != nil {
		return models.Dashboard{}, false, ctx.Err()
	}
	k, err := c.key(key)
	if err != nil {
		return models.Dashboard{}, false, err
	}
	item, err := c.client.Get(k)
	if err != nil {
		if errors.Is(err, memcache.ErrCacheMiss) {
			return models.Dashboard{}, false, nil
		}
		return models.Dashboard{}, false, err
	}
	var data models.Dashboard
	if err := json.Unmarshal(item.Value, &data); err != nil {
		_ = c.client.Delete(k)
		return models.Dashboard{}, false, nil
	}
	return data, true, nil
}

// Set implements Cache.Set.
func (c *MemcachedCache) Set(ctx context.Context, key string, value models.Dashboard, ttl time.Duration) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	k, err := c.key(key)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	return c.client.Set(&memcache.Item{
		Key:        k,
		Value:      raw,
		Expiration: expirationSeconds(ttl),
	})
}

// Delete implements Cache.Delete. A missing key is not an error.
func (c *MemcachedCache) Delete(ctx context.Context, key string) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	k, err := c.key(key)
	if err != nil {
		return err
	}
	err = c.client.Delete(k)
	if err != nil && !errors.Is(err, memcache.ErrCacheMiss) {
		return err
	}
	return nil
}

// expirationSeconds converts ttl to a memcached relative expiration.
func expirationSeconds(ttl time.Duration) int32 {
	expSec := int32(ttl.Seconds())
	const maxRelativeExp = 30 * 24 * 60 * 60 // 30 days
	if expSec <= 0 || expSec > maxRelativeExp {
		expSec = 3600 // fallback 1h if invalid
	}
	return expSec
}

// Ping checks if memcached is reachable. Used for health checks.
func (c *MemcachedCache) Ping() error {
	return c.client.Ping()
}

// Close closes the memcached client connections. Call during shutdown.
func (c *MemcachedCache) Close() error {
	return c.client.Close()
}
