// Package fake holds in-process handles and resolvers used by tests.
package fake

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/hysios/catalog/descriptor"
	"github.com/hysios/catalog/resolver"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/proto"
)

var ErrNoStream = errors.New("fake handle does not stream")

// Handle answers every Invoke with Reply (merged into the reply message) or
// with Err. NewStream returns Stream when set.
type Handle struct {
	Name   string
	Err    error
	Reply  proto.Message
	Stream grpc.ClientStream
	calls  atomic.Int64
}

func (h *Handle) Invoke(ctx context.Context, method string, args interface{}, reply interface{}, opts ...grpc.CallOption) error {
	h.calls.Add(1)
	if h.Err != nil {
		return h.Err
	}
	if h.Reply != nil {
		if msg, ok := reply.(proto.Message); ok {
			proto.Merge(msg, h.Reply)
		}
	}
	return nil
}

func (h *Handle) NewStream(ctx context.Context, desc *grpc.StreamDesc, method string, opts ...grpc.CallOption) (grpc.ClientStream, error) {
	h.calls.Add(1)
	if h.Err != nil {
		return nil, h.Err
	}
	if h.Stream != nil {
		return h.Stream, nil
	}
	return nil, ErrNoStream
}

// Calls returns the number of Invoke and NewStream calls.
func (h *Handle) Calls() int64 { return h.calls.Load() }

// Resolver maps descriptor keys to handles. Unknown descriptors fail with
// resolver.ErrUnreachable.
type Resolver struct {
	mu        sync.Mutex
	handles   map[string]resolver.Handle
	resolved  map[string]int
	forgotten map[string]int
}

func NewResolver() *Resolver {
	return &Resolver{
		handles:   make(map[string]resolver.Handle),
		resolved:  make(map[string]int),
		forgotten: make(map[string]int),
	}
}

func (r *Resolver) Bind(d *descriptor.Descriptor, h resolver.Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handles[d.Key()] = h
}

func (r *Resolver) Resolve(ctx context.Context, d *descriptor.Descriptor, iface string) (resolver.Handle, error) {
	if err := resolver.CheckInterface(d, iface); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.resolved[d.Key()]++
	h, ok := r.handles[d.Key()]
	if !ok {
		return nil, resolver.NewError(d, iface, resolver.ErrUnreachable)
	}
	return h, nil
}

func (r *Resolver) Forget(d *descriptor.Descriptor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.forgotten[d.Key()]++
}

func (r *Resolver) Resolved(d *descriptor.Descriptor) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.resolved[d.Key()]
}

func (r *Resolver) Forgotten(d *descriptor.Descriptor) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.forgotten[d.Key()]
}
