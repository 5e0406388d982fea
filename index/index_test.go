package index

import (
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/hysios/catalog/descriptor"
	"github.com/stretchr/testify/assert"
)

func build(host string, ifaces ...string) *descriptor.Descriptor {
	return descriptor.NewBuilder().
		Protocol("rmi").
		Host(host).
		Port(9000).
		Location("/svc").
		Interfaces(ifaces...).
		MustBuild()
}

// consistent checks that d is in a bucket iff it is in the global set.
func consistent(t *testing.T, idx *Index, ds []*descriptor.Descriptor) {
	t.Helper()

	for _, d := range ds {
		inAll := idx.Contains(d)
		for _, name := range d.Interfaces() {
			inBucket := false
			for _, b := range idx.ByInterface(name) {
				if b.Equal(d) {
					inBucket = true
				}
			}
			assert.Equal(t, inAll, inBucket, "%s in bucket %s", d, name)
		}
	}
}

func TestAddIdempotent(t *testing.T) {
	idx := New()
	d := build("h1", "Greeter", "Admin")

	assert.True(t, idx.Add(d))
	assert.False(t, idx.Add(build("h1", "Admin", "Greeter")))
	assert.Equal(t, 1, idx.Len())
	assert.Len(t, idx.ByInterface("Greeter"), 1)
	assert.Len(t, idx.ByInterface("Admin"), 1)
	assert.Equal(t, []string{"Admin", "Greeter"}, idx.Interfaces())
}

func TestAddKeepsLatestExpiry(t *testing.T) {
	idx := New()
	d := build("h1", "Greeter")
	later := d.RefreshAt(time.Hour, d.ExpiresAt())
	earlier := d.RefreshAt(-time.Hour, d.ExpiresAt())

	idx.Add(d)
	idx.Add(later)
	idx.Add(earlier)

	got, ok := idx.Get(d)
	assert.True(t, ok)
	assert.Equal(t, later.ExpiresAt(), got.ExpiresAt())
	assert.Equal(t, later.ExpiresAt(), idx.ByInterface("Greeter")[0].ExpiresAt())
}

func TestRemove(t *testing.T) {
	idx := New()
	a := build("h1", "Greeter", "Admin")
	b := build("h2", "Greeter")
	idx.Add(a)
	idx.Add(b)

	assert.True(t, idx.Remove(a))
	assert.False(t, idx.Remove(a))
	assert.Empty(t, idx.ByInterface("Admin"))
	assert.NotNil(t, idx.ByInterface("Admin"))
	assert.Equal(t, []*descriptor.Descriptor{b}, idx.ByInterface("Greeter"))
	assert.Equal(t, []*descriptor.Descriptor{b}, idx.All())
	consistent(t, idx, []*descriptor.Descriptor{a, b})
}

func TestUnknownBucket(t *testing.T) {
	idx := New()
	got := idx.ByInterface("Nope")
	assert.NotNil(t, got)
	assert.Empty(t, got)
}

func TestConcurrentConsistency(t *testing.T) {
	var (
		idx    = New()
		ifaces = []string{"A", "B", "C", "D"}
		pool   []*descriptor.Descriptor
		wg     sync.WaitGroup
	)

	for i := 0; i < 16; i++ {
		pool = append(pool, build(fmt.Sprintf("h%d", i), ifaces[i%4], ifaces[(i+1)%4]))
	}

	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			r := rand.New(rand.NewSource(seed))
			for i := 0; i < 500; i++ {
				d := pool[r.Intn(len(pool))]
				if r.Intn(2) == 0 {
					idx.Add(d)
				} else {
					idx.Remove(d)
				}
			}
		}(int64(w))
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			for _, name := range ifaces {
				for _, d := range idx.ByInterface(name) {
					assert.True(t, d.Implements(name))
				}
			}
		}
	}()

	wg.Wait()
	consistent(t, idx, pool)
}
