// Package redis is a config provider reading one JSON document from a redis
// key, so every node of a cluster shares the same catalog settings.
package redis

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/go-redis/redis/v8"
	"github.com/hysios/catalog/config"
	"github.com/pkg/errors"
)

const DefaultKey = "catalog:config"

type RedisOption struct {
	Addr     string
	Password string
	DB       int
	Key      string
	Mock     *redis.Client
}

// RedisProvider caches the document after the first read; Reload refetches
// it.
type RedisProvider struct {
	rdb *redis.Client
	key string

	mu   sync.Mutex
	vals config.Map
}

func NewRedisProvider(ctx context.Context, options *RedisOption) (*RedisProvider, error) {
	rdb := options.Mock
	if rdb == nil {
		rdb = redis.NewClient(&redis.Options{
			Addr:     options.Addr,
			Password: options.Password,
			DB:       options.DB,
		})
	}

	if _, err := rdb.Ping(ctx).Result(); err != nil {
		return nil, errors.Wrap(err, "ping redis")
	}

	key := options.Key
	if key == "" {
		key = DefaultKey
	}
	return &RedisProvider{rdb: rdb, key: key}, nil
}

// MustRedisProvider returns a new RedisProvider or panics.
func MustRedisProvider(ctx context.Context, options *RedisOption) *RedisProvider {
	p, err := NewRedisProvider(ctx, options)
	if err != nil {
		panic(err)
	}
	return p
}

func (p *RedisProvider) load(ctx context.Context) (config.Map, error) {
	raw, err := p.rdb.Get(ctx, p.key).Result()
	if err == redis.Nil {
		return config.Map{}, nil
	}
	if err != nil {
		return nil, err
	}

	vals := make(map[string]interface{})
	if err := json.Unmarshal([]byte(raw), &vals); err != nil {
		return nil, errors.Wrapf(err, "decode %s", p.key)
	}
	return config.NewMap(vals), nil
}

func (p *RedisProvider) store(ctx context.Context) error {
	b, err := p.vals.JSON()
	if err != nil {
		return err
	}
	return p.rdb.Set(ctx, p.key, b, 0).Err()
}

// values returns the cached document, loading it once. Callers hold mu.
func (p *RedisProvider) values() config.Map {
	if p.vals == nil {
		vals, err := p.load(context.Background())
		if err != nil {
			return config.Map{}
		}
		p.vals = vals
	}
	return p.vals
}

// Reload refetches the document.
func (p *RedisProvider) Reload(ctx context.Context) error {
	vals, err := p.load(ctx)
	if err != nil {
		return err
	}

	p.mu.Lock()
	p.vals = vals
	p.mu.Unlock()
	return nil
}

func (p *RedisProvider) LookupPath(selector string) (val *config.Value, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	val = p.values().Get(selector)
	return val, !val.IsNil()
}

// Set updates selector and writes the document back.
func (p *RedisProvider) Set(selector string, val interface{}) (interface{}, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	vals := p.values()
	old := vals.Get(selector).Data()
	p.vals = vals.Set(selector, val)
	return old, p.store(context.Background())
}

func (p *RedisProvider) Update(vals map[string]interface{}) config.Map {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.vals = p.values().MergeHere(config.NewMap(vals))
	_ = p.store(context.Background())
	return p.vals
}

func (p *RedisProvider) Data() config.Map {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.values()
}
