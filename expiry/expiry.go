// Package expiry keeps locally owned descriptors alive in the shared store
// and sweeps expired ones out of it.
//
// Republish runs on every node. Sweep is cooperative: a node only sweeps when
// it wins the sweep lock and nobody swept during the last interval.
package expiry

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/hysios/catalog/descriptor"
	"github.com/hysios/catalog/index"
	"github.com/hysios/catalog/logger"
	"github.com/hysios/catalog/metrics"
	"github.com/hysios/catalog/store"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultRepublishInterval = 10 * time.Second
	DefaultGrace             = 20 * time.Second
	DefaultSweepInterval     = 20 * time.Second
)

type CoordinatorOption struct {
	TTL               time.Duration
	RepublishInterval time.Duration
	Grace             time.Duration
	SweepInterval     time.Duration
	Clock             func() time.Time
	Logger            *zap.Logger
	Metrics           *metrics.Metrics
}

type CoordinatorOptionFunc func(*CoordinatorOption)

func WithTTL(ttl time.Duration) CoordinatorOptionFunc {
	return func(opt *CoordinatorOption) { opt.TTL = ttl }
}

func WithRepublish(interval, grace time.Duration) CoordinatorOptionFunc {
	return func(opt *CoordinatorOption) {
		opt.RepublishInterval = interval
		opt.Grace = grace
	}
}

func WithSweepInterval(interval time.Duration) CoordinatorOptionFunc {
	return func(opt *CoordinatorOption) { opt.SweepInterval = interval }
}

func WithClock(now func() time.Time) CoordinatorOptionFunc {
	return func(opt *CoordinatorOption) { opt.Clock = now }
}

func WithLogger(l *zap.Logger) CoordinatorOptionFunc {
	return func(opt *CoordinatorOption) { opt.Logger = l }
}

func WithMetrics(m *metrics.Metrics) CoordinatorOptionFunc {
	return func(opt *CoordinatorOption) { opt.Metrics = m }
}

// SweepReport describes one sweep round.
type SweepReport struct {
	Acquired bool
	Skipped  bool
	Removed  []*descriptor.Descriptor
}

// Coordinator republishes owned descriptors and sweeps expired ones.
type Coordinator struct {
	set     store.SharedSet
	lock    store.Lock
	counter store.Counter
	index   *index.Index
	opts    CoordinatorOption

	mu    sync.Mutex
	owned map[string]*descriptor.Descriptor
}

func New(set store.SharedSet, lock store.Lock, counter store.Counter, idx *index.Index, opts ...CoordinatorOptionFunc) *Coordinator {
	c := &Coordinator{
		set:     set,
		lock:    lock,
		counter: counter,
		index:   idx,
		owned:   make(map[string]*descriptor.Descriptor),
	}

	for _, opt := range opts {
		opt(&c.opts)
	}
	c.init()
	return c
}

func (c *Coordinator) init() {
	if c.opts.TTL <= 0 {
		c.opts.TTL = descriptor.DefaultTTL
	}
	if c.opts.RepublishInterval <= 0 {
		c.opts.RepublishInterval = DefaultRepublishInterval
	}
	if c.opts.Grace <= 0 {
		c.opts.Grace = DefaultGrace
	}
	if c.opts.SweepInterval <= 0 {
		c.opts.SweepInterval = DefaultSweepInterval
	}
	if c.opts.Clock == nil {
		c.opts.Clock = time.Now
	}
	if c.opts.Logger == nil {
		c.opts.Logger = logger.Named("expiry")
	}
}

// Own marks d as published by this node. An owned descriptor already present
// is replaced.
func (c *Coordinator) Own(d *descriptor.Descriptor) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.owned[d.Key()] = d
}

// Disown stops republishing d and reports whether it was owned.
func (c *Coordinator) Disown(d *descriptor.Descriptor) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, ok := c.owned[d.Key()]
	delete(c.owned, d.Key())
	return ok
}

func (c *Coordinator) Owns(d *descriptor.Descriptor) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, ok := c.owned[d.Key()]
	return ok
}

// Owned returns the owned descriptors sorted by key.
func (c *Coordinator) Owned() []*descriptor.Descriptor {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]*descriptor.Descriptor, 0, len(c.owned))
	for _, d := range c.owned {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}

// RepublishOnce refreshes every owned descriptor expiring within the grace
// window and pushes it to the shared set. It returns the refreshed copies.
func (c *Coordinator) RepublishOnce(ctx context.Context) ([]*descriptor.Descriptor, error) {
	var (
		now       = c.opts.Clock()
		refreshed []*descriptor.Descriptor
		errs      error
	)

	for _, d := range c.Owned() {
		if !d.IsExpiringWithinAt(c.opts.Grace, now) {
			continue
		}

		if !c.Owns(d) {
			continue
		}

		fresh := d.RefreshAt(c.opts.TTL, now)
		if err := c.set.Add(ctx, fresh); err != nil {
			errs = multierr.Append(errs, errors.Wrapf(err, "republish %s", d))
			continue
		}

		if !c.keep(fresh) {
			// unregistered while the write was in flight
			if err := c.set.Remove(ctx, fresh); err != nil {
				errs = multierr.Append(errs, errors.Wrapf(err, "withdraw %s", d))
			}
			c.index.Remove(fresh)
			continue
		}
		refreshed = append(refreshed, fresh)
	}

	c.opts.Metrics.Republish(len(refreshed))
	return refreshed, errs
}

// keep installs fresh as the owned copy and in the index, unless it was
// disowned meanwhile. Disown waits on c.mu, so an unregister that follows
// always removes what keep added.
func (c *Coordinator) keep(fresh *descriptor.Descriptor) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.owned[fresh.Key()]; !ok {
		return false
	}
	c.owned[fresh.Key()] = fresh
	c.index.Add(fresh)
	return true
}

// SweepOnce runs one cooperative sweep round.
func (c *Coordinator) SweepOnce(ctx context.Context) (report SweepReport, err error) {
	defer func() {
		result := metrics.SweepDone
		switch {
		case err != nil:
			result = metrics.SweepError
		case !report.Acquired:
			result = metrics.SweepContended
		case report.Skipped:
			result = metrics.SweepSkipped
		}
		c.opts.Metrics.Sweep(result, len(report.Removed))
	}()

	ok, err := c.lock.TryLock(ctx)
	if err != nil {
		return report, errors.Wrap(err, "acquire sweep lock")
	}
	if !ok {
		return report, nil
	}
	report.Acquired = true

	defer func() {
		if uerr := c.lock.Unlock(ctx); uerr != nil {
			err = multierr.Append(err, errors.Wrap(uerr, "release sweep lock"))
		}
	}()

	now := c.opts.Clock()
	last, err := c.counter.Get(ctx)
	if err != nil {
		return report, errors.Wrap(err, "read last sweep")
	}
	if last > 0 && now.Sub(time.UnixMilli(last)) < c.opts.SweepInterval {
		report.Skipped = true
		return report, nil
	}

	snapshot, err := c.set.Snapshot(ctx)
	if err != nil {
		return report, err
	}

	var errs error
	for _, d := range snapshot {
		if !d.IsExpiredAt(now) {
			continue
		}
		removed, err := c.set.RemoveIfUnchanged(ctx, d)
		if err != nil {
			errs = multierr.Append(errs, errors.Wrapf(err, "sweep %s", d))
			continue
		}
		if !removed {
			// republished since the snapshot
			continue
		}
		c.index.Remove(d)
		report.Removed = append(report.Removed, d)
	}

	// local entries the snapshot may not have seen yet
	for _, d := range c.index.All() {
		if d.IsExpiredAt(now) && c.index.Remove(d) {
			report.Removed = append(report.Removed, d)
		}
	}

	if _, err := c.counter.CompareAndSet(ctx, last, now.UnixMilli()); err != nil {
		errs = multierr.Append(errs, errors.Wrap(err, "update last sweep"))
	}
	return report, errs
}

// Run drives republish and sweep until ctx is done. Cycle errors are logged
// and never stop the loops.
func (c *Coordinator) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return c.loop(ctx, c.opts.RepublishInterval, func(ctx context.Context) {
			refreshed, err := c.RepublishOnce(ctx)
			if err != nil {
				c.opts.Logger.Warn("republish cycle", zap.Error(err))
			}
			if len(refreshed) > 0 {
				c.opts.Logger.Debug("republished", zap.Int("count", len(refreshed)))
			}
		})
	})

	g.Go(func() error {
		return c.loop(ctx, c.opts.SweepInterval, func(ctx context.Context) {
			report, err := c.SweepOnce(ctx)
			if err != nil {
				c.opts.Logger.Warn("sweep cycle", zap.Error(err))
			}
			if len(report.Removed) > 0 {
				c.opts.Logger.Info("swept expired descriptors", zap.Int("count", len(report.Removed)))
			}
		})
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

func (c *Coordinator) loop(ctx context.Context, interval time.Duration, fn func(context.Context)) error {
	tick := time.NewTicker(interval)
	defer tick.Stop()

	for {
		select {
		case <-tick.C:
			fn(ctx)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
