package expiry

import (
	"context"
	"testing"
	"time"

	"github.com/hysios/catalog/descriptor"
	"github.com/hysios/catalog/index"
	"github.com/hysios/catalog/store"
	"github.com/hysios/catalog/store/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	mem   *memory.Memory
	idx   *index.Index
	coord *Coordinator
	now   time.Time
}

func newFixture(t *testing.T) *fixture {
	f := &fixture{
		mem: memory.New(),
		idx: index.New(),
		now: time.Unix(1700000000, 0),
	}
	f.coord = New(
		f.mem.Set("descriptors"),
		f.mem.Lock("sweep", 10*time.Second),
		f.mem.Counter("last-sweep"),
		f.idx,
		WithClock(func() time.Time { return f.now }),
	)
	return f
}

func build(host string, expiresAt time.Time) *descriptor.Descriptor {
	return descriptor.NewBuilder().
		Protocol("rmi").
		Host(host).
		Port(9000).
		Location("/svc").
		Interfaces("Greeter").
		ExpiresAt(expiresAt).
		MustBuild()
}

func (f *fixture) publish(t *testing.T, ds ...*descriptor.Descriptor) {
	for _, d := range ds {
		require.NoError(t, f.mem.Set("descriptors").Add(context.Background(), d))
		f.idx.Add(d)
	}
}

func TestRepublishOnce(t *testing.T) {
	var (
		ctx   = context.Background()
		f     = newFixture(t)
		soon  = build("h1", f.now.Add(5*time.Second))
		later = build("h2", f.now.Add(time.Hour))
	)

	f.publish(t, soon, later)
	f.coord.Own(soon)
	f.coord.Own(later)

	refreshed, err := f.coord.RepublishOnce(ctx)
	require.NoError(t, err)
	require.Len(t, refreshed, 1)
	assert.True(t, refreshed[0].Equal(soon))
	assert.Equal(t, f.now.Add(descriptor.DefaultTTL), refreshed[0].ExpiresAt())

	got, ok := f.idx.Get(soon)
	require.True(t, ok)
	assert.Equal(t, refreshed[0].ExpiresAt(), got.ExpiresAt())

	snap, err := f.mem.Set("descriptors").Snapshot(ctx)
	require.NoError(t, err)
	assert.Len(t, snap, 2)
	for _, d := range snap {
		assert.False(t, d.IsExpiringWithinAt(DefaultGrace, f.now.Add(-time.Second)), "%s", d)
	}

	for _, d := range f.coord.Owned() {
		if d.Equal(soon) {
			assert.Equal(t, refreshed[0].ExpiresAt(), d.ExpiresAt())
		}
	}
}

func TestRepublishSkipsDisowned(t *testing.T) {
	f := newFixture(t)
	d := build("h1", f.now)
	f.coord.Own(d)
	assert.True(t, f.coord.Owns(d))
	assert.True(t, f.coord.Disown(d))
	assert.False(t, f.coord.Disown(d))

	refreshed, err := f.coord.RepublishOnce(context.Background())
	assert.NoError(t, err)
	assert.Empty(t, refreshed)
}

// gatedSet holds Add until release is closed.
type gatedSet struct {
	store.SharedSet
	entered chan struct{}
	release chan struct{}
}

func (s *gatedSet) Add(ctx context.Context, d *descriptor.Descriptor) error {
	close(s.entered)
	<-s.release
	return s.SharedSet.Add(ctx, d)
}

func TestRepublishRacingUnregister(t *testing.T) {
	var (
		ctx = context.Background()
		f   = newFixture(t)
		d   = build("h1", f.now.Add(time.Second))
		set = f.mem.Set("descriptors")
	)
	f.publish(t, d)
	f.coord.Own(d)

	gated := &gatedSet{SharedSet: set, entered: make(chan struct{}), release: make(chan struct{})}
	f.coord.set = gated

	type result struct {
		refreshed []*descriptor.Descriptor
		err       error
	}
	done := make(chan result, 1)
	go func() {
		refreshed, err := f.coord.RepublishOnce(ctx)
		done <- result{refreshed, err}
	}()

	<-gated.entered
	// what Catalog.Unregister does
	f.coord.Disown(d)
	f.idx.Remove(d)
	require.NoError(t, set.Remove(ctx, d))
	close(gated.release)

	res := <-done
	require.NoError(t, res.err)
	assert.Empty(t, res.refreshed)
	assert.False(t, f.coord.Owns(d))
	assert.False(t, f.idx.Contains(d))

	snap, err := set.Snapshot(ctx)
	require.NoError(t, err)
	assert.Empty(t, snap)
}

func TestRepublishThenUnregister(t *testing.T) {
	var (
		ctx = context.Background()
		f   = newFixture(t)
		d   = build("h1", f.now.Add(time.Second))
		set = f.mem.Set("descriptors")
	)
	f.publish(t, d)
	f.coord.Own(d)

	refreshed, err := f.coord.RepublishOnce(ctx)
	require.NoError(t, err)
	require.Len(t, refreshed, 1)

	f.coord.Disown(d)
	f.idx.Remove(d)
	require.NoError(t, set.Remove(ctx, d))

	assert.False(t, f.idx.Contains(d))
	snap, err := set.Snapshot(ctx)
	require.NoError(t, err)
	assert.Empty(t, snap)
}

func TestSweepOnce(t *testing.T) {
	var (
		ctx     = context.Background()
		f       = newFixture(t)
		expired = build("h1", f.now.Add(-time.Second))
		alive   = build("h2", f.now.Add(time.Minute))
	)
	f.publish(t, expired, alive)

	report, err := f.coord.SweepOnce(ctx)
	require.NoError(t, err)
	assert.True(t, report.Acquired)
	assert.False(t, report.Skipped)
	require.Len(t, report.Removed, 1)
	assert.True(t, report.Removed[0].Equal(expired))

	assert.Equal(t, []*descriptor.Descriptor{alive}, f.idx.All())
	snap, err := f.mem.Set("descriptors").Snapshot(ctx)
	require.NoError(t, err)
	require.Len(t, snap, 1)
	assert.True(t, snap[0].Equal(alive))

	last, err := f.mem.Counter("last-sweep").Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, f.now.UnixMilli(), last)

	// within the interval another round is skipped
	f.now = f.now.Add(5 * time.Second)
	report, err = f.coord.SweepOnce(ctx)
	require.NoError(t, err)
	assert.True(t, report.Acquired)
	assert.True(t, report.Skipped)

	f.now = f.now.Add(DefaultSweepInterval)
	report, err = f.coord.SweepOnce(ctx)
	require.NoError(t, err)
	assert.False(t, report.Skipped)
}

// staleSet serves a fixed snapshot, as if peers wrote after it was read.
type staleSet struct {
	store.SharedSet
	snapshot []*descriptor.Descriptor
}

func (s staleSet) Snapshot(ctx context.Context) ([]*descriptor.Descriptor, error) {
	return s.snapshot, nil
}

func TestSweepKeepsRepublished(t *testing.T) {
	var (
		ctx     = context.Background()
		f       = newFixture(t)
		expired = build("h1", f.now.Add(-time.Second))
		fresh   = expired.RefreshAt(time.Minute, f.now)
		set     = f.mem.Set("descriptors")
	)
	f.publish(t, fresh)
	f.coord.set = staleSet{SharedSet: set, snapshot: []*descriptor.Descriptor{expired}}

	report, err := f.coord.SweepOnce(ctx)
	require.NoError(t, err)
	assert.True(t, report.Acquired)
	assert.Empty(t, report.Removed)
	assert.True(t, f.idx.Contains(fresh))

	snap, err := set.Snapshot(ctx)
	require.NoError(t, err)
	require.Len(t, snap, 1)
	assert.Equal(t, fresh.ExpiresAt(), snap[0].ExpiresAt())
}

func TestSweepContended(t *testing.T) {
	var (
		ctx = context.Background()
		f   = newFixture(t)
	)
	f.publish(t, build("h1", f.now.Add(-time.Second)))

	other := f.mem.Lock("sweep", time.Minute)
	ok, err := other.TryLock(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	report, err := f.coord.SweepOnce(ctx)
	require.NoError(t, err)
	assert.False(t, report.Acquired)
	assert.Empty(t, report.Removed)
	assert.Equal(t, 1, f.idx.Len())
}

func TestRunStops(t *testing.T) {
	f := newFixture(t)
	f.coord.opts.RepublishInterval = time.Millisecond
	f.coord.opts.SweepInterval = time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	assert.NoError(t, f.coord.Run(ctx))
}
