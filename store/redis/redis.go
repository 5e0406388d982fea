// Package redis implements store.Store on top of redis.
//
// A shared set is a hash (structural key -> descriptor JSON) plus a pub/sub
// channel carrying change events. Locks are SET NX PX with an owner token,
// counters are plain string values updated by a compare-and-set script.
package redis

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/hysios/catalog/descriptor"
	"github.com/hysios/catalog/logger"
	"github.com/hysios/catalog/store"
	"github.com/pkg/errors"
	"github.com/rs/xid"
	"go.uber.org/zap"
)

const DefaultNamespace = "catalog"

type RedisOption struct {
	Addr      string
	Password  string
	DB        int
	Namespace string
	Logger    *zap.Logger
	Mock      *redis.Client
}

// RedisStore is a store.Store backed by redis.
type RedisStore struct {
	rdb *redis.Client
	ns  string
	log *zap.Logger
}

// NewRedisStore connects to redis and checks the connection.
func NewRedisStore(ctx context.Context, options *RedisOption) (*RedisStore, error) {
	rdb := options.Mock
	if rdb == nil {
		rdb = redis.NewClient(&redis.Options{
			Addr:     options.Addr,
			Password: options.Password,
			DB:       options.DB,
		})
	}

	if _, err := rdb.Ping(ctx).Result(); err != nil {
		return nil, errors.Wrapf(err, "ping redis %s", options.Addr)
	}

	return NewWithClient(rdb, options.Namespace, options.Logger), nil
}

// MustRedisStore returns a new RedisStore or panics.
func MustRedisStore(ctx context.Context, options *RedisOption) *RedisStore {
	s, err := NewRedisStore(ctx, options)
	if err != nil {
		panic(err)
	}
	return s
}

// NewWithClient wraps an existing client without checking it.
func NewWithClient(rdb *redis.Client, namespace string, log *zap.Logger) *RedisStore {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	if log == nil {
		log = logger.Named("store.redis")
	}
	return &RedisStore{rdb: rdb, ns: namespace, log: log}
}

// Client exposes the underlying client, e.g. for a broadcast transport.
func (s *RedisStore) Client() *redis.Client { return s.rdb }

func (s *RedisStore) key(kind, name string) string {
	return s.ns + ":" + kind + ":" + name
}

func (s *RedisStore) Set(name string) store.SharedSet {
	return &sharedSet{
		rdb:     s.rdb,
		key:     s.key("set", name),
		channel: s.key("events", name),
		log:     s.log,
	}
}

func (s *RedisStore) Lock(name string, ttl time.Duration) store.Lock {
	return &lock{
		rdb:   s.rdb,
		key:   s.key("lock", name),
		token: xid.New().String(),
		ttl:   ttl,
	}
}

func (s *RedisStore) Counter(name string) store.Counter {
	return &counter{rdb: s.rdb, key: s.key("counter", name)}
}

type event struct {
	Op         string                 `json:"op"`
	Descriptor *descriptor.Descriptor `json:"descriptor"`
}

func encodeEvent(op store.Op, d *descriptor.Descriptor) (string, error) {
	b, err := json.Marshal(event{Op: op.String(), Descriptor: d})
	return string(b), err
}

func decodeEvent(payload string) (store.Event, error) {
	var ev event
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		return store.Event{}, err
	}
	if ev.Descriptor == nil {
		return store.Event{}, errors.New("event without descriptor")
	}

	switch ev.Op {
	case store.Added.String():
		return store.Event{Op: store.Added, Descriptor: ev.Descriptor}, nil
	case store.Removed.String():
		return store.Event{Op: store.Removed, Descriptor: ev.Descriptor}, nil
	default:
		return store.Event{}, errors.Errorf("unknown event op %q", ev.Op)
	}
}

type sharedSet struct {
	rdb     *redis.Client
	key     string
	channel string
	log     *zap.Logger
}

func (s *sharedSet) Add(ctx context.Context, d *descriptor.Descriptor) error {
	b, err := json.Marshal(d)
	if err != nil {
		return err
	}

	if err := s.rdb.HSet(ctx, s.key, d.Key(), string(b)).Err(); err != nil {
		return errors.Wrapf(err, "add %s", d)
	}
	return s.publish(ctx, store.Added, d)
}

func (s *sharedSet) Remove(ctx context.Context, d *descriptor.Descriptor) error {
	n, err := s.rdb.HDel(ctx, s.key, d.Key()).Result()
	if err != nil {
		return errors.Wrapf(err, "remove %s", d)
	}
	if n == 0 {
		return nil
	}
	return s.publish(ctx, store.Removed, d)
}

var removeIfScript = redis.NewScript(`
local cur = redis.call("HGET", KEYS[1], ARGV[1])
if cur and cjson.decode(cur).expiresAt == ARGV[2] then
	return redis.call("HDEL", KEYS[1], ARGV[1])
end
return 0`)

func (s *sharedSet) RemoveIfUnchanged(ctx context.Context, d *descriptor.Descriptor) (bool, error) {
	n, err := removeIfScript.Run(ctx, s.rdb, []string{s.key}, d.Key(), wireTime(d.ExpiresAt())).Int64()
	if err != nil {
		return false, errors.Wrapf(err, "remove %s", d)
	}
	if n == 0 {
		return false, nil
	}
	return true, s.publish(ctx, store.Removed, d)
}

// wireTime formats t the way descriptor JSON carries it.
func wireTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func (s *sharedSet) publish(ctx context.Context, op store.Op, d *descriptor.Descriptor) error {
	payload, err := encodeEvent(op, d)
	if err != nil {
		return err
	}
	return errors.Wrap(s.rdb.Publish(ctx, s.channel, payload).Err(), "publish event")
}

func (s *sharedSet) Snapshot(ctx context.Context) ([]*descriptor.Descriptor, error) {
	vals, err := s.rdb.HGetAll(ctx, s.key).Result()
	if err != nil {
		return nil, errors.Wrap(err, "snapshot")
	}

	out := make([]*descriptor.Descriptor, 0, len(vals))
	for field, val := range vals {
		d, err := descriptor.Unmarshal([]byte(val))
		if err != nil {
			s.log.Warn("skip malformed descriptor", zap.String("field", field), zap.Error(err))
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

func (s *sharedSet) OnChange(ctx context.Context, l store.Listener) (store.Subscription, error) {
	ps := s.rdb.Subscribe(ctx, s.channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, errors.Wrapf(err, "subscribe %s", s.channel)
	}

	go func() {
		for msg := range ps.Channel() {
			ev, err := decodeEvent(msg.Payload)
			if err != nil {
				s.log.Warn("drop malformed event", zap.String("channel", msg.Channel), zap.Error(err))
				continue
			}
			l(ev)
		}
	}()

	return ps, nil
}

var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end`)

type lock struct {
	rdb   *redis.Client
	key   string
	token string
	ttl   time.Duration
}

func (l *lock) TryLock(ctx context.Context) (bool, error) {
	ok, err := l.rdb.SetNX(ctx, l.key, l.token, l.ttl).Result()
	if err != nil {
		return false, errors.Wrapf(err, "lock %s", l.key)
	}
	return ok, nil
}

func (l *lock) Unlock(ctx context.Context) error {
	return errors.Wrapf(unlockScript.Run(ctx, l.rdb, []string{l.key}, l.token).Err(), "unlock %s", l.key)
}

var casScript = redis.NewScript(`
local cur = redis.call("GET", KEYS[1])
if cur == false then
	cur = "0"
end
if cur == ARGV[1] then
	redis.call("SET", KEYS[1], ARGV[2])
	return 1
end
return 0`)

type counter struct {
	rdb *redis.Client
	key string
}

func (c *counter) Get(ctx context.Context) (int64, error) {
	val, err := c.rdb.Get(ctx, c.key).Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, errors.Wrapf(err, "get %s", c.key)
	}
	return strconv.ParseInt(val, 10, 64)
}

func (c *counter) CompareAndSet(ctx context.Context, expected, value int64) (bool, error) {
	n, err := casScript.Run(ctx, c.rdb, []string{c.key},
		strconv.FormatInt(expected, 10), strconv.FormatInt(value, 10)).Int64()
	if err != nil {
		return false, errors.Wrapf(err, "compare and set %s", c.key)
	}
	return n == 1, nil
}
