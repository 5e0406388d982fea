// Package resolver turns descriptors into invocable handles. Each protocol
// has one Resolver; the Registry dispatches on the descriptor's protocol.
package resolver

import (
	"context"
	"errors"
	"fmt"

	"github.com/hysios/catalog/descriptor"
	"google.golang.org/grpc"
)

// Handle is a live connection to one provider.
type Handle = grpc.ClientConnInterface

// Resolver turns a descriptor into a handle for the requested interface.
// Implementations must reject descriptors that do not declare iface.
type Resolver interface {
	Resolve(ctx context.Context, d *descriptor.Descriptor, iface string) (Handle, error)
}

// ResolverFunc adapts a function to the Resolver interface.
type ResolverFunc func(ctx context.Context, d *descriptor.Descriptor, iface string) (Handle, error)

func (fn ResolverFunc) Resolve(ctx context.Context, d *descriptor.Descriptor, iface string) (Handle, error) {
	return fn(ctx, d, iface)
}

// Forgetter is implemented by resolvers that cache per-endpoint state. The
// registry calls Forget when a descriptor is evicted.
type Forgetter interface {
	Forget(d *descriptor.Descriptor)
}

var (
	ErrNoResolver        = errors.New("no resolver for protocol")
	ErrInterfaceMismatch = errors.New("interface not declared by descriptor")
	ErrUnreachable       = errors.New("endpoint unreachable")
	ErrUnbound           = errors.New("location unbound")
	ErrDuplicateProtocol = errors.New("protocol already registered")
)

// ResolutionError reports a descriptor that could not be turned into a
// handle.
type ResolutionError struct {
	Descriptor *descriptor.Descriptor
	Interface  string
	Cause      error
}

func NewError(d *descriptor.Descriptor, iface string, cause error) *ResolutionError {
	return &ResolutionError{Descriptor: d, Interface: iface, Cause: cause}
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("resolve %s on %s: %v", e.Interface, e.Descriptor.URI(), e.Cause)
}

func (e *ResolutionError) Unwrap() error { return e.Cause }

// CheckInterface returns a ResolutionError when d does not declare iface.
func CheckInterface(d *descriptor.Descriptor, iface string) error {
	if !d.Implements(iface) {
		return NewError(d, iface, ErrInterfaceMismatch)
	}
	return nil
}
