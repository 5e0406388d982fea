package redis

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/go-redis/redismock/v8"
	"github.com/hysios/catalog/descriptor"
	"github.com/hysios/catalog/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func greeter(host string) *descriptor.Descriptor {
	return descriptor.NewBuilder().
		Protocol("rmi").
		Host(host).
		Port(9000).
		Location("/svc").
		Interfaces("Greeter").
		MustBuild()
}

func newMockStore(t *testing.T) (*RedisStore, redismock.ClientMock) {
	db, mock := redismock.NewClientMock()
	mock.ExpectPing().SetVal("PONG")

	s, err := NewRedisStore(context.Background(), &RedisOption{Mock: db})
	require.NoError(t, err)
	return s, mock
}

func TestSetAddRemove(t *testing.T) {
	var (
		ctx  = context.Background()
		s, m = newMockStore(t)
		d    = greeter("h1")
	)

	b, err := json.Marshal(d)
	require.NoError(t, err)
	added, err := encodeEvent(store.Added, d)
	require.NoError(t, err)
	removed, err := encodeEvent(store.Removed, d)
	require.NoError(t, err)

	m.ExpectHSet("catalog:set:descriptors", d.Key(), string(b)).SetVal(1)
	m.ExpectPublish("catalog:events:descriptors", added).SetVal(1)
	m.ExpectHDel("catalog:set:descriptors", d.Key()).SetVal(1)
	m.ExpectPublish("catalog:events:descriptors", removed).SetVal(1)
	m.ExpectHDel("catalog:set:descriptors", d.Key()).SetVal(0)

	set := s.Set("descriptors")
	assert.NoError(t, set.Add(ctx, d))
	assert.NoError(t, set.Remove(ctx, d))
	assert.NoError(t, set.Remove(ctx, d))
	assert.NoError(t, m.ExpectationsWereMet())
}

func TestRemoveIfUnchanged(t *testing.T) {
	var (
		ctx  = context.Background()
		s, m = newMockStore(t)
		d    = greeter("h1").RefreshAt(time.Minute, time.Date(2024, 3, 1, 8, 0, 0, 500, time.UTC))
		key  = "catalog:set:descriptors"
	)

	removed, err := encodeEvent(store.Removed, d)
	require.NoError(t, err)
	expiresAt := "2024-03-01T08:01:00.0000005Z"
	assert.Contains(t, string(mustJSON(t, d)), `"expiresAt":"`+expiresAt+`"`)

	m.ExpectEvalSha(removeIfScript.Hash(), []string{key}, d.Key(), expiresAt).SetVal(int64(0))
	m.ExpectEvalSha(removeIfScript.Hash(), []string{key}, d.Key(), expiresAt).SetVal(int64(1))
	m.ExpectPublish("catalog:events:descriptors", removed).SetVal(1)

	set := s.Set("descriptors")
	ok, err := set.RemoveIfUnchanged(ctx, d)
	assert.NoError(t, err)
	assert.False(t, ok, "a republished copy stays")

	ok, err = set.RemoveIfUnchanged(ctx, d)
	assert.NoError(t, err)
	assert.True(t, ok)
	assert.NoError(t, m.ExpectationsWereMet())
}

func TestSnapshotSkipsMalformed(t *testing.T) {
	var (
		ctx  = context.Background()
		s, m = newMockStore(t)
		d    = greeter("h1")
	)

	b, err := json.Marshal(d)
	require.NoError(t, err)

	m.ExpectHGetAll("catalog:set:descriptors").SetVal(map[string]string{
		d.Key(): string(b),
		"junk":  `{"protocol":""}`,
	})

	snap, err := s.Set("descriptors").Snapshot(ctx)
	require.NoError(t, err)
	require.Len(t, snap, 1)
	assert.True(t, d.Equal(snap[0]))
	assert.NoError(t, m.ExpectationsWereMet())
}

func TestDecodeEvent(t *testing.T) {
	d := greeter("h1")
	payload, err := encodeEvent(store.Removed, d)
	require.NoError(t, err)

	tests := []struct {
		name    string
		payload string
		op      store.Op
		wantErr bool
	}{
		{"removed", payload, store.Removed, false},
		{"not json", "nope", 0, true},
		{"no descriptor", `{"op":"added"}`, 0, true},
		{"unknown op", `{"op":"moved","descriptor":` + string(mustJSON(t, d)) + `}`, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := decodeEvent(tt.payload)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.op, ev.Op)
			assert.True(t, d.Equal(ev.Descriptor))
		})
	}
}

func mustJSON(t *testing.T, v interface{}) []byte {
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func TestLock(t *testing.T) {
	var (
		ctx  = context.Background()
		s, m = newMockStore(t)
		l    = s.Lock("sweep", 10*time.Second).(*lock)
	)

	m.ExpectSetNX("catalog:lock:sweep", l.token, 10*time.Second).SetVal(true)
	m.ExpectSetNX("catalog:lock:sweep", l.token, 10*time.Second).SetVal(false)
	m.ExpectEvalSha(unlockScript.Hash(), []string{"catalog:lock:sweep"}, l.token).SetVal(int64(1))

	ok, err := l.TryLock(ctx)
	assert.NoError(t, err)
	assert.True(t, ok)

	ok, err = l.TryLock(ctx)
	assert.NoError(t, err)
	assert.False(t, ok)

	assert.NoError(t, l.Unlock(ctx))
	assert.NoError(t, m.ExpectationsWereMet())
}

func TestLockTokensDiffer(t *testing.T) {
	s, _ := newMockStore(t)
	a := s.Lock("sweep", time.Second).(*lock)
	b := s.Lock("sweep", time.Second).(*lock)
	assert.NotEqual(t, a.token, b.token)
}

func TestCounter(t *testing.T) {
	var (
		ctx  = context.Background()
		s, m = newMockStore(t)
		c    = s.Counter("last-sweep")
		key  = "catalog:counter:last-sweep"
	)

	m.ExpectGet(key).RedisNil()
	m.ExpectEvalSha(casScript.Hash(), []string{key}, "0", "42").SetVal(int64(1))
	m.ExpectEvalSha(casScript.Hash(), []string{key}, "0", "43").SetVal(int64(0))
	m.ExpectGet(key).SetVal("42")

	v, err := c.Get(ctx)
	assert.NoError(t, err)
	assert.Equal(t, int64(0), v)

	ok, err := c.CompareAndSet(ctx, 0, 42)
	assert.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.CompareAndSet(ctx, 0, 43)
	assert.NoError(t, err)
	assert.False(t, ok)

	v, err = c.Get(ctx)
	assert.NoError(t, err)
	assert.Equal(t, int64(42), v)
	assert.NoError(t, m.ExpectationsWereMet())
}
