package etcd

import (
	"testing"
	"time"

	"github.com/hysios/catalog/descriptor"
	"github.com/hysios/catalog/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

func TestDecodeWatchEvent(t *testing.T) {
	d := descriptor.NewBuilder().
		Protocol("rmi").
		Host("h1").
		Port(9000).
		Location("/svc").
		Interfaces("Greeter").
		MustBuild()
	val, err := d.MarshalJSON()
	require.NoError(t, err)

	tests := []struct {
		name    string
		event   *clientv3.Event
		op      store.Op
		ok      bool
		wantErr bool
	}{
		{
			name:  "put",
			event: &clientv3.Event{Type: mvccpb.PUT, Kv: &mvccpb.KeyValue{Key: []byte("k"), Value: val}},
			op:    store.Added,
			ok:    true,
		},
		{
			name: "delete with prev",
			event: &clientv3.Event{
				Type:   mvccpb.DELETE,
				Kv:     &mvccpb.KeyValue{Key: []byte("k")},
				PrevKv: &mvccpb.KeyValue{Key: []byte("k"), Value: val},
			},
			op: store.Removed,
			ok: true,
		},
		{
			name:  "delete without prev",
			event: &clientv3.Event{Type: mvccpb.DELETE, Kv: &mvccpb.KeyValue{Key: []byte("k")}},
		},
		{
			name:    "malformed put",
			event:   &clientv3.Event{Type: mvccpb.PUT, Kv: &mvccpb.KeyValue{Key: []byte("k"), Value: []byte("{")}},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, ok, err := decodeWatchEvent(tt.event)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.ok, ok)
			if ok {
				assert.Equal(t, tt.op, ev.Op)
				assert.True(t, d.Equal(ev.Descriptor))
			}
		})
	}
}

func TestLeaseSeconds(t *testing.T) {
	assert.Equal(t, int64(1), leaseSeconds(0))
	assert.Equal(t, int64(1), leaseSeconds(200*time.Millisecond))
	assert.Equal(t, int64(10), leaseSeconds(10*time.Second))
	assert.Equal(t, int64(11), leaseSeconds(10*time.Second+time.Millisecond))
}

func TestPaths(t *testing.T) {
	s := &EtcdStore{ns: DefaultNamespace}
	assert.Equal(t, "/catalog/set/descriptors/", s.Set("descriptors").(*sharedSet).prefix)
	assert.Equal(t, "/catalog/lock/sweep", s.Lock("sweep", time.Second).(*lock).key)
	assert.Equal(t, "/catalog/counter/last-sweep", s.Counter("last-sweep").(*counter).key)
}

func greeterAt(host string, expiresAt time.Time) *descriptor.Descriptor {
	return descriptor.NewBuilder().
		Protocol("rmi").
		Host(host).
		Port(9000).
		Location("/svc").
		Interfaces("Greeter").
		ExpiresAt(expiresAt).
		MustBuild()
}

func TestWatcherHandle(t *testing.T) {
	var (
		now    = time.Unix(1700000000, 0)
		d1     = greeterAt("h1", now)
		d2     = greeterAt("h2", now)
		events []store.Event
		w      = &watcher{
			set:   &sharedSet{prefix: "/catalog/set/descriptors/", log: zap.NewNop()},
			l:     func(ev store.Event) { events = append(events, ev) },
			known: map[string]*descriptor.Descriptor{"/k1": d1},
			rev:   10,
		}
	)
	val, err := d2.MarshalJSON()
	require.NoError(t, err)

	restart := w.handle(clientv3.WatchResponse{Events: []*clientv3.Event{
		{Type: mvccpb.PUT, Kv: &mvccpb.KeyValue{Key: []byte("/k2"), Value: val, ModRevision: 12}},
		// previous value already compacted away
		{Type: mvccpb.DELETE, Kv: &mvccpb.KeyValue{Key: []byte("/k1"), ModRevision: 13}},
	}})
	assert.False(t, restart)
	assert.Equal(t, int64(14), w.rev)
	require.Len(t, events, 2)
	assert.Equal(t, store.Added, events[0].Op)
	assert.True(t, d2.Equal(events[0].Descriptor))
	assert.Equal(t, store.Removed, events[1].Op)
	assert.True(t, d1.Equal(events[1].Descriptor))
	assert.Equal(t, []string{"/k2"}, sortedKeys(w.known))

	assert.True(t, w.handle(clientv3.WatchResponse{CompactRevision: 11, Canceled: true}))
	assert.True(t, w.handle(clientv3.WatchResponse{Canceled: true}))
	assert.Len(t, events, 2)
}

func TestDiffKnown(t *testing.T) {
	var (
		now     = time.Unix(1700000000, 0)
		gone    = greeterAt("h1", now)
		kept    = greeterAt("h2", now)
		renewed = greeterAt("h3", now)
		fresh   = greeterAt("h4", now)
	)

	events := diffKnown(
		map[string]*descriptor.Descriptor{"/a": gone, "/b": kept, "/c": renewed},
		map[string]*descriptor.Descriptor{
			"/b": kept,
			"/c": renewed.RefreshAt(time.Minute, now),
			"/d": fresh,
		},
	)

	require.Len(t, events, 3)
	assert.Equal(t, store.Removed, events[0].Op)
	assert.True(t, gone.Equal(events[0].Descriptor))
	assert.Equal(t, store.Added, events[1].Op)
	assert.True(t, renewed.Equal(events[1].Descriptor))
	assert.Equal(t, now.Add(time.Minute), events[1].Descriptor.ExpiresAt())
	assert.Equal(t, store.Added, events[2].Op)
	assert.True(t, fresh.Equal(events[2].Descriptor))

	assert.Empty(t, diffKnown(nil, nil))
}
