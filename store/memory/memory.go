// Package memory is an in-process Store. Catalogs sharing one Memory behave
// like nodes sharing a distributed store.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/hysios/catalog/descriptor"
	"github.com/hysios/catalog/store"
	"github.com/rs/xid"
)

// Memory is a simple in-memory implementation of store.Store.
type Memory struct {
	mu       sync.Mutex
	sets     map[string]*set
	locks    map[string]*lockState
	counters map[string]int64
	now      func() time.Time
}

// New returns a new Memory instance.
func New() *Memory {
	return &Memory{
		sets:     make(map[string]*set),
		locks:    make(map[string]*lockState),
		counters: make(map[string]int64),
		now:      time.Now,
	}
}

// SetClock overrides the time source used for lock expiry.
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func (m *Memory) Set(name string) store.SharedSet {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sets[name]
	if !ok {
		s = &set{
			entries:   make(map[string]*descriptor.Descriptor),
			listeners: make(map[int]store.Listener),
		}
		m.sets[name] = s
	}
	return s
}

func (m *Memory) Lock(name string, ttl time.Duration) store.Lock {
	return &lock{mem: m, name: name, ttl: ttl, token: xid.New().String()}
}

func (m *Memory) Counter(name string) store.Counter {
	return &counter{mem: m, name: name}
}

type set struct {
	mu        sync.Mutex
	entries   map[string]*descriptor.Descriptor
	listeners map[int]store.Listener
	nextID    int
}

func (s *set) Add(ctx context.Context, d *descriptor.Descriptor) error {
	s.mu.Lock()
	s.entries[d.Key()] = d
	listeners := s.snapshotListeners()
	s.mu.Unlock()

	notify(listeners, store.Event{Op: store.Added, Descriptor: d})
	return nil
}

func (s *set) Remove(ctx context.Context, d *descriptor.Descriptor) error {
	s.mu.Lock()
	cur, ok := s.entries[d.Key()]
	delete(s.entries, d.Key())
	listeners := s.snapshotListeners()
	s.mu.Unlock()

	if ok {
		notify(listeners, store.Event{Op: store.Removed, Descriptor: cur})
	}
	return nil
}

func (s *set) RemoveIfUnchanged(ctx context.Context, d *descriptor.Descriptor) (bool, error) {
	s.mu.Lock()
	cur, ok := s.entries[d.Key()]
	if !ok || !cur.ExpiresAt().Equal(d.ExpiresAt()) {
		s.mu.Unlock()
		return false, nil
	}
	delete(s.entries, d.Key())
	listeners := s.snapshotListeners()
	s.mu.Unlock()

	notify(listeners, store.Event{Op: store.Removed, Descriptor: cur})
	return true, nil
}

func (s *set) Snapshot(ctx context.Context) ([]*descriptor.Descriptor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*descriptor.Descriptor, 0, len(s.entries))
	for _, d := range s.entries {
		out = append(out, d)
	}
	return out, nil
}

func (s *set) OnChange(ctx context.Context, l store.Listener) (store.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextID
	s.nextID++
	s.listeners[id] = l

	return store.SubscriptionFunc(func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.listeners, id)
		return nil
	}), nil
}

func (s *set) snapshotListeners() []store.Listener {
	out := make([]store.Listener, 0, len(s.listeners))
	for _, l := range s.listeners {
		out = append(out, l)
	}
	return out
}

func notify(listeners []store.Listener, ev store.Event) {
	for _, l := range listeners {
		l(ev)
	}
}

type lockState struct {
	owner   string
	expires time.Time
}

type lock struct {
	mem   *Memory
	name  string
	ttl   time.Duration
	token string
}

func (l *lock) TryLock(ctx context.Context) (bool, error) {
	l.mem.mu.Lock()
	defer l.mem.mu.Unlock()

	now := l.mem.now()
	if cur, ok := l.mem.locks[l.name]; ok && cur.owner != l.token && now.Before(cur.expires) {
		return false, nil
	}

	l.mem.locks[l.name] = &lockState{owner: l.token, expires: now.Add(l.ttl)}
	return true, nil
}

func (l *lock) Unlock(ctx context.Context) error {
	l.mem.mu.Lock()
	defer l.mem.mu.Unlock()

	if cur, ok := l.mem.locks[l.name]; ok && cur.owner == l.token {
		delete(l.mem.locks, l.name)
	}
	return nil
}

type counter struct {
	mem  *Memory
	name string
}

func (c *counter) Get(ctx context.Context) (int64, error) {
	c.mem.mu.Lock()
	defer c.mem.mu.Unlock()

	return c.mem.counters[c.name], nil
}

func (c *counter) CompareAndSet(ctx context.Context, expected, value int64) (bool, error) {
	c.mem.mu.Lock()
	defer c.mem.mu.Unlock()

	if c.mem.counters[c.name] != expected {
		return false, nil
	}
	c.mem.counters[c.name] = value
	return true, nil
}
