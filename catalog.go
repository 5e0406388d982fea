// Package catalog is a distributed service catalog. Providers register
// descriptors of the services they run; every node sharing the same store
// sees them, keeps them alive while their owner runs and sweeps them once
// they expire. Consumers ask for a failover proxy per interface and call
// through it without caring which provider answers.
package catalog

import (
	"context"
	"sort"
	"sync"

	"github.com/hysios/catalog/descriptor"
	"github.com/hysios/catalog/dispatch"
	"github.com/hysios/catalog/expiry"
	"github.com/hysios/catalog/index"
	"github.com/hysios/catalog/resolver"
	"github.com/hysios/catalog/store"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

type Catalog struct {
	opts     CatalogOption
	set      store.SharedSet
	index    *index.Index
	registry *resolver.Registry
	coord    *expiry.Coordinator
	proxies  sync.Map

	// events arriving while Start loads the snapshot wait in pending
	evmu    sync.Mutex
	loading bool
	pending []store.Event

	mu      sync.Mutex
	started bool
	closed  bool
	sub     store.Subscription
	cancel  context.CancelFunc
	done    chan struct{}
}

var _ dispatch.Catalog = (*Catalog)(nil)

// New builds a catalog over st. The catalog owns reg from now on and closes
// it in Close.
func New(st store.Store, reg *resolver.Registry, optfns ...Option) *Catalog {
	opts := CatalogOption{Policy: dispatch.DefaultPolicy()}
	for _, fn := range optfns {
		fn(&opts)
	}
	opts.init()

	var (
		ns  = opts.Namespace
		idx = index.New()
		set = st.Set(ns + ".descriptors")
	)

	return &Catalog{
		opts:     opts,
		set:      set,
		index:    idx,
		registry: reg,
		coord: expiry.New(set,
			st.Lock(ns+".sweep", opts.LockTTL),
			st.Counter(ns+".last-sweep"),
			idx,
			opts.coordinator()...),
	}
}

// Start loads the shared set, follows its changes and starts republish and
// sweep. Registrations work without Start but stay invisible to peers'
// changes and are never refreshed.
func (c *Catalog) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	if c.started {
		return ErrStarted
	}

	c.evmu.Lock()
	c.loading = true
	c.evmu.Unlock()

	sub, err := c.set.OnChange(ctx, c.apply)
	if err != nil {
		c.load(nil)
		return errors.Wrap(err, "follow shared set")
	}

	snapshot, err := c.set.Snapshot(ctx)
	if err != nil {
		_ = sub.Close()
		c.load(nil)
		return errors.Wrap(err, "load shared set")
	}
	c.load(snapshot)

	runCtx, cancel := context.WithCancel(context.Background())
	c.sub, c.cancel, c.done = sub, cancel, make(chan struct{})
	c.started = true

	go func() {
		defer close(c.done)
		if err := c.coord.Run(runCtx); err != nil {
			c.opts.Logger.Error("expiry coordinator stopped", zap.Error(err))
		}
	}()

	c.opts.Logger.Info("catalog started",
		zap.String("namespace", c.opts.Namespace),
		zap.Int("descriptors", len(snapshot)))
	return nil
}

// load applies the snapshot, then the events that raced it, and switches
// to applying events as they come.
func (c *Catalog) load(snapshot []*descriptor.Descriptor) {
	c.evmu.Lock()
	defer c.evmu.Unlock()

	for _, d := range snapshot {
		c.index.Add(d)
	}
	for _, ev := range c.pending {
		c.applyLocked(ev)
	}
	c.loading, c.pending = false, nil
}

func (c *Catalog) apply(ev store.Event) {
	c.evmu.Lock()
	defer c.evmu.Unlock()

	if c.loading {
		c.pending = append(c.pending, ev)
		return
	}
	c.applyLocked(ev)
}

func (c *Catalog) applyLocked(ev store.Event) {
	switch ev.Op {
	case store.Added:
		c.index.Add(ev.Descriptor)
	case store.Removed:
		c.index.Remove(ev.Descriptor)
	}
}

// Close stops the background loops, unregisters every descriptor this node
// published and closes the resolvers.
func (c *Catalog) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.closed = true
	sub, cancel, done := c.sub, c.cancel, c.done
	c.mu.Unlock()

	var errs error
	if cancel != nil {
		cancel()
		<-done
	}
	if sub != nil {
		errs = multierr.Append(errs, sub.Close())
	}

	for _, d := range c.coord.Owned() {
		errs = multierr.Append(errs, c.unregister(ctx, d))
	}

	errs = multierr.Append(errs, c.registry.Close())
	return errs
}

func (c *Catalog) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Register publishes d as provided by this node. Registering an equal
// descriptor again changes nothing but its expiry.
func (c *Catalog) Register(ctx context.Context, d *descriptor.Descriptor) error {
	if c.isClosed() {
		return ErrClosed
	}

	added := c.index.Add(d)
	c.coord.Own(d)
	if err := c.set.Add(ctx, d); err != nil {
		if added {
			c.index.Remove(d)
			c.coord.Disown(d)
		}
		return errors.Wrapf(err, "register %s", d)
	}

	c.opts.Logger.Debug("registered", zap.Stringer("descriptor", d))
	return nil
}

// Unregister removes d locally and from the shared set.
func (c *Catalog) Unregister(ctx context.Context, d *descriptor.Descriptor) error {
	if c.isClosed() {
		return ErrClosed
	}
	return c.unregister(ctx, d)
}

func (c *Catalog) unregister(ctx context.Context, d *descriptor.Descriptor) error {
	c.coord.Disown(d)
	c.index.Remove(d)
	if err := c.set.Remove(ctx, d); err != nil {
		return errors.Wrapf(err, "unregister %s", d)
	}

	c.opts.Logger.Debug("unregistered", zap.Stringer("descriptor", d))
	return nil
}

func (c *Catalog) unregisterAll(ctx context.Context, ds []*descriptor.Descriptor) (n int, errs error) {
	if c.isClosed() {
		return 0, ErrClosed
	}

	for _, d := range ds {
		if err := c.unregister(ctx, d); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		n++
	}
	return n, errs
}

// UnregisterAllMatchingContext removes every descriptor FindByContext
// returns and reports how many went.
func (c *Catalog) UnregisterAllMatchingContext(ctx context.Context, ctxFilter map[string]string) (int, error) {
	ds, err := c.FindByContext(ctxFilter)
	if err != nil {
		return 0, err
	}
	return c.unregisterAll(ctx, ds)
}

func (c *Catalog) UnregisterAllOfType(ctx context.Context, iface string) (int, error) {
	return c.unregisterAll(ctx, c.ServicesOf(iface))
}

// UnregisterAllOnHost removes every descriptor pointing at host.
func (c *Catalog) UnregisterAllOnHost(ctx context.Context, host string) (int, error) {
	return c.unregisterAll(ctx, filter(c.index.All(), func(d *descriptor.Descriptor) bool {
		return d.Host() == host
	}))
}

// Evict drops d as dead: it leaves the catalog and the shared set, and
// resolvers forget what they cached for it.
func (c *Catalog) Evict(ctx context.Context, d *descriptor.Descriptor) error {
	c.registry.Forget(d)
	return c.unregister(ctx, d)
}

// Services returns every known descriptor.
func (c *Catalog) Services() []*descriptor.Descriptor {
	return c.index.All()
}

// ServicesOf returns the descriptors implementing iface.
func (c *Catalog) ServicesOf(iface string) []*descriptor.Descriptor {
	return c.index.ByInterface(iface)
}

// ServicesOfProtocols returns the descriptors implementing iface over one of
// protocols. No protocols means no result.
func (c *Catalog) ServicesOfProtocols(iface string, protocols ...string) []*descriptor.Descriptor {
	return filter(c.ServicesOf(iface), speaks(protocols))
}

// ServicesMatching is ServicesOfProtocols restricted to locations matching
// pattern.
func (c *Catalog) ServicesMatching(iface, pattern string, protocols ...string) ([]*descriptor.Descriptor, error) {
	if err := checkPattern(pattern); err != nil {
		return nil, err
	}
	return filter(c.ServicesOfProtocols(iface, protocols...), func(d *descriptor.Descriptor) bool {
		return d.MatchesNamePattern(pattern)
	}), nil
}

// FindServices returns the descriptors whose location matches expr.
func (c *Catalog) FindServices(expr string) ([]*descriptor.Descriptor, error) {
	if err := checkPattern(expr); err != nil {
		return nil, err
	}
	return filter(c.index.All(), func(d *descriptor.Descriptor) bool {
		return d.MatchesNamePattern(expr)
	}), nil
}

// FindByContext returns the descriptors whose context matches filter. A nil
// filter matches everything.
func (c *Catalog) FindByContext(ctxFilter map[string]string) ([]*descriptor.Descriptor, error) {
	return c.findByContext(c.index.All(), ctxFilter)
}

func (c *Catalog) FindServicesOfType(iface string, ctxFilter map[string]string) ([]*descriptor.Descriptor, error) {
	return c.findByContext(c.ServicesOf(iface), ctxFilter)
}

func (c *Catalog) findByContext(ds []*descriptor.Descriptor, ctxFilter map[string]string) ([]*descriptor.Descriptor, error) {
	if err := descriptor.ValidateFilter(ctxFilter); err != nil {
		return nil, errors.Wrap(ErrInvalidPattern, err.Error())
	}
	return filter(ds, func(d *descriptor.Descriptor) bool {
		return d.MatchesContext(ctxFilter)
	}), nil
}

// Protocols returns the distinct protocols iface is offered over, sorted.
func (c *Catalog) Protocols(iface string) []string {
	return protocols(c.ServicesOf(iface))
}

func (c *Catalog) ProtocolsMatching(iface, pattern string) ([]string, error) {
	if err := checkPattern(pattern); err != nil {
		return nil, err
	}
	return protocols(filter(c.ServicesOf(iface), func(d *descriptor.Descriptor) bool {
		return d.MatchesNamePattern(pattern)
	})), nil
}

// Resolve turns d into a handle for iface. Failures are *ResolutionError.
func (c *Catalog) Resolve(ctx context.Context, d *descriptor.Descriptor, iface string) (resolver.Handle, error) {
	return c.registry.Resolve(ctx, d, iface)
}

// ServiceProxy returns the failover proxy for iface, the same one on every
// call.
func (c *Catalog) ServiceProxy(iface string) *dispatch.Proxy {
	if p, ok := c.proxies.Load(iface); ok {
		return p.(*dispatch.Proxy)
	}

	p, _ := c.proxies.LoadOrStore(iface, dispatch.NewProxy(iface, c, c.opts.proxy()...))
	return p.(*dispatch.Proxy)
}

// Coordinator exposes the republish and sweep driver, mostly to run single
// rounds by hand.
func (c *Catalog) Coordinator() *expiry.Coordinator {
	return c.coord
}

func checkPattern(expr string) error {
	if _, err := descriptor.CompilePattern(expr); err != nil {
		return errors.Wrapf(ErrInvalidPattern, "%q: %v", expr, err)
	}
	return nil
}

func filter(ds []*descriptor.Descriptor, keep func(*descriptor.Descriptor) bool) []*descriptor.Descriptor {
	out := make([]*descriptor.Descriptor, 0, len(ds))
	for _, d := range ds {
		if keep(d) {
			out = append(out, d)
		}
	}
	return out
}

func speaks(protocols []string) func(*descriptor.Descriptor) bool {
	return func(d *descriptor.Descriptor) bool {
		for _, p := range protocols {
			if d.Protocol() == p {
				return true
			}
		}
		return false
	}
}

func protocols(ds []*descriptor.Descriptor) []string {
	seen := make(map[string]struct{})
	out := make([]string, 0)
	for _, d := range ds {
		if _, ok := seen[d.Protocol()]; ok {
			continue
		}
		seen[d.Protocol()] = struct{}{}
		out = append(out, d.Protocol())
	}
	sort.Strings(out)
	return out
}
