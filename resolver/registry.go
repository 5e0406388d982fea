package resolver

import (
	"context"
	"errors"
	"io"
	"sort"
	"sync"

	"github.com/hysios/catalog/descriptor"
	perrors "github.com/pkg/errors"
	"go.uber.org/multierr"
)

// Registry maps protocol names to resolvers.
type Registry struct {
	mu  sync.RWMutex
	set map[string]Resolver
}

func NewRegistry() *Registry {
	return &Registry{}
}

func (reg *Registry) init() {
	if reg.set == nil {
		reg.set = make(map[string]Resolver)
	}
}

// Register binds protocol to r. Registering a protocol twice fails with
// ErrDuplicateProtocol.
func (reg *Registry) Register(protocol string, r Resolver) error {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	reg.init()

	if _, ok := reg.set[protocol]; ok {
		return perrors.Wrap(ErrDuplicateProtocol, protocol)
	}
	reg.set[protocol] = r
	return nil
}

// MustRegister is like Register but panics on duplicates.
func (reg *Registry) MustRegister(protocol string, r Resolver) {
	if err := reg.Register(protocol, r); err != nil {
		panic(err)
	}
}

func (reg *Registry) Lookup(protocol string) (r Resolver, ok bool) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()

	r, ok = reg.set[protocol]
	return r, ok
}

// Protocols returns the registered protocol names, sorted.
func (reg *Registry) Protocols() []string {
	reg.mu.RLock()
	defer reg.mu.RUnlock()

	names := make([]string, 0, len(reg.set))
	for name := range reg.set {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Resolve resolves d with the resolver registered for its protocol. Every
// failure is a *ResolutionError.
func (reg *Registry) Resolve(ctx context.Context, d *descriptor.Descriptor, iface string) (Handle, error) {
	r, ok := reg.Lookup(d.Protocol())
	if !ok {
		return nil, NewError(d, iface, ErrNoResolver)
	}

	if err := CheckInterface(d, iface); err != nil {
		return nil, err
	}

	h, err := r.Resolve(ctx, d, iface)
	if err != nil {
		var rerr *ResolutionError
		if errors.As(err, &rerr) {
			return nil, rerr
		}
		return nil, NewError(d, iface, err)
	}
	return h, nil
}

// Forget drops resolver-level state cached for d.
func (reg *Registry) Forget(d *descriptor.Descriptor) {
	r, ok := reg.Lookup(d.Protocol())
	if !ok {
		return
	}
	if f, ok := r.(Forgetter); ok {
		f.Forget(d)
	}
}

// Close closes every resolver implementing io.Closer.
func (reg *Registry) Close() error {
	reg.mu.RLock()
	defer reg.mu.RUnlock()

	var errs error
	for _, r := range reg.set {
		if c, ok := r.(io.Closer); ok {
			errs = multierr.Append(errs, c.Close())
		}
	}
	return errs
}
