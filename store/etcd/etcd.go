// Package etcd implements store.Store on etcd v3.
//
//	<ns>/set/<name>/<descriptor key>  descriptor JSON
//	<ns>/lock/<name>                  owner token, attached to a lease
//	<ns>/counter/<name>               decimal integer
package etcd

import (
	"context"
	"strconv"
	"time"

	"github.com/hysios/catalog/descriptor"
	"github.com/hysios/catalog/logger"
	"github.com/hysios/catalog/store"
	"github.com/pkg/errors"
	"github.com/rs/xid"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

const DefaultNamespace = "/catalog"

// EtcdStore is a store.Store backed by etcd.
type EtcdStore struct {
	client *clientv3.Client
	ns     string
	log    *zap.Logger
}

// NewEtcdStore connects to the given endpoints.
func NewEtcdStore(endpoints []string, namespace string) (*EtcdStore, error) {
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, errors.Wrap(err, "connect etcd")
	}
	return NewWithClient(c, namespace), nil
}

func NewWithClient(c *clientv3.Client, namespace string) *EtcdStore {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	return &EtcdStore{client: c, ns: namespace, log: logger.Named("store.etcd")}
}

// Close closes the etcd client.
func (s *EtcdStore) Close() error {
	return s.client.Close()
}

func (s *EtcdStore) path(kind, name string) string {
	return s.ns + "/" + kind + "/" + name
}

func (s *EtcdStore) Set(name string) store.SharedSet {
	return &sharedSet{client: s.client, prefix: s.path("set", name) + "/", log: s.log}
}

func (s *EtcdStore) Lock(name string, ttl time.Duration) store.Lock {
	return &lock{client: s.client, key: s.path("lock", name), token: xid.New().String(), ttl: ttl}
}

func (s *EtcdStore) Counter(name string) store.Counter {
	return &counter{client: s.client, key: s.path("counter", name)}
}

type sharedSet struct {
	client *clientv3.Client
	prefix string
	log    *zap.Logger
}

func (s *sharedSet) Add(ctx context.Context, d *descriptor.Descriptor) error {
	val, err := d.MarshalJSON()
	if err != nil {
		return err
	}
	_, err = s.client.Put(ctx, s.prefix+d.Key(), string(val))
	return errors.Wrapf(err, "add %s", d)
}

func (s *sharedSet) Remove(ctx context.Context, d *descriptor.Descriptor) error {
	_, err := s.client.Delete(ctx, s.prefix+d.Key())
	return errors.Wrapf(err, "remove %s", d)
}

func (s *sharedSet) RemoveIfUnchanged(ctx context.Context, d *descriptor.Descriptor) (bool, error) {
	val, err := d.MarshalJSON()
	if err != nil {
		return false, err
	}

	key := s.prefix + d.Key()
	resp, err := s.client.Txn(ctx).
		If(clientv3.Compare(clientv3.Value(key), "=", string(val))).
		Then(clientv3.OpDelete(key)).
		Commit()
	if err != nil {
		return false, errors.Wrapf(err, "remove %s", d)
	}
	return resp.Succeeded, nil
}

func (s *sharedSet) Snapshot(ctx context.Context) ([]*descriptor.Descriptor, error) {
	resp, err := s.client.Get(ctx, s.prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, errors.Wrap(err, "snapshot")
	}

	out := make([]*descriptor.Descriptor, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		d, err := descriptor.Unmarshal(kv.Value)
		if err != nil {
			s.log.Warn("skip malformed descriptor", zap.ByteString("key", kv.Key), zap.Error(err))
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

// OnChange watches the set prefix. Delete events carry the previous value so
// listeners see which descriptor went away. A watch that ends early, e.g.
// after compaction, is resumed from a fresh read.
func (s *sharedSet) OnChange(ctx context.Context, l store.Listener) (store.Subscription, error) {
	w := &watcher{set: s, l: l}
	if err := w.load(ctx, false); err != nil {
		return nil, err
	}

	wctx, cancel := context.WithCancel(context.Background())
	go w.run(wctx)

	return store.SubscriptionFunc(func() error {
		cancel()
		return nil
	}), nil
}

func decodeWatchEvent(ev *clientv3.Event) (store.Event, bool, error) {
	switch ev.Type {
	case clientv3.EventTypePut:
		d, err := descriptor.Unmarshal(ev.Kv.Value)
		if err != nil {
			return store.Event{}, false, err
		}
		return store.Event{Op: store.Added, Descriptor: d}, true, nil
	case clientv3.EventTypeDelete:
		if ev.PrevKv == nil {
			return store.Event{}, false, nil
		}
		d, err := descriptor.Unmarshal(ev.PrevKv.Value)
		if err != nil {
			return store.Event{}, false, err
		}
		return store.Event{Op: store.Removed, Descriptor: d}, true, nil
	}
	return store.Event{}, false, nil
}

type lock struct {
	client *clientv3.Client
	key    string
	token  string
	ttl    time.Duration
}

func leaseSeconds(ttl time.Duration) int64 {
	secs := int64((ttl + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}

// TryLock puts the owner token on a fresh lease if the key is absent. A lock
// already held by this owner is reported as acquired.
func (l *lock) TryLock(ctx context.Context) (bool, error) {
	grant, err := l.client.Grant(ctx, leaseSeconds(l.ttl))
	if err != nil {
		return false, errors.Wrap(err, "grant lease")
	}

	resp, err := l.client.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(l.key), "=", 0)).
		Then(clientv3.OpPut(l.key, l.token, clientv3.WithLease(grant.ID))).
		Else(clientv3.OpGet(l.key)).
		Commit()
	if err != nil {
		return false, errors.Wrapf(err, "lock %s", l.key)
	}
	if resp.Succeeded {
		return true, nil
	}

	_, _ = l.client.Revoke(ctx, grant.ID)
	kvs := resp.Responses[0].GetResponseRange().GetKvs()
	return len(kvs) > 0 && string(kvs[0].Value) == l.token, nil
}

func (l *lock) Unlock(ctx context.Context) error {
	_, err := l.client.Txn(ctx).
		If(clientv3.Compare(clientv3.Value(l.key), "=", l.token)).
		Then(clientv3.OpDelete(l.key)).
		Commit()
	return errors.Wrapf(err, "unlock %s", l.key)
}

type counter struct {
	client *clientv3.Client
	key    string
}

func (c *counter) Get(ctx context.Context) (int64, error) {
	resp, err := c.client.Get(ctx, c.key)
	if err != nil {
		return 0, errors.Wrapf(err, "get %s", c.key)
	}
	if len(resp.Kvs) == 0 {
		return 0, nil
	}
	return strconv.ParseInt(string(resp.Kvs[0].Value), 10, 64)
}

func (c *counter) CompareAndSet(ctx context.Context, expected, value int64) (bool, error) {
	put := clientv3.OpPut(c.key, strconv.FormatInt(value, 10))

	resp, err := c.client.Txn(ctx).
		If(clientv3.Compare(clientv3.Value(c.key), "=", strconv.FormatInt(expected, 10))).
		Then(put).
		Commit()
	if err != nil {
		return false, errors.Wrapf(err, "compare and set %s", c.key)
	}
	if resp.Succeeded || expected != 0 {
		return resp.Succeeded, nil
	}

	// a missing key reads as zero
	resp, err = c.client.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(c.key), "=", 0)).
		Then(put).
		Commit()
	if err != nil {
		return false, errors.Wrapf(err, "compare and set %s", c.key)
	}
	return resp.Succeeded, nil
}
