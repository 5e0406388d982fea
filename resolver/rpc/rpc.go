// Package rpc resolves descriptors of protocol "rmi" into gRPC client
// connections to host:port. Connections are cached per address and shared
// by every descriptor resolved there; the last Forget closes them.
package rpc

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	grpc_middleware "github.com/grpc-ecosystem/go-grpc-middleware"
	grpc_zap "github.com/grpc-ecosystem/go-grpc-middleware/logging/zap"
	grpc_prometheus "github.com/grpc-ecosystem/go-grpc-prometheus"
	"github.com/hysios/catalog/descriptor"
	"github.com/hysios/catalog/logger"
	"github.com/hysios/catalog/resolver"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
)

const Protocol = "rmi"

type RPCOption struct {
	// ConnectTimeout makes Resolve wait for the connection to be ready.
	// Zero dials lazily.
	ConnectTimeout     time.Duration
	DialOptions        []grpc.DialOption
	UnaryInterceptors  []grpc.UnaryClientInterceptor
	StreamInterceptors []grpc.StreamClientInterceptor
	Logger             *zap.Logger
}

type RPCOptionFunc func(*RPCOption)

func WithConnectTimeout(d time.Duration) RPCOptionFunc {
	return func(o *RPCOption) { o.ConnectTimeout = d }
}

func WithDialOptions(opts ...grpc.DialOption) RPCOptionFunc {
	return func(o *RPCOption) { o.DialOptions = append(o.DialOptions, opts...) }
}

func WithUnaryClientInterceptor(interceptors ...grpc.UnaryClientInterceptor) RPCOptionFunc {
	return func(o *RPCOption) { o.UnaryInterceptors = append(o.UnaryInterceptors, interceptors...) }
}

func WithStreamClientInterceptor(interceptors ...grpc.StreamClientInterceptor) RPCOptionFunc {
	return func(o *RPCOption) { o.StreamInterceptors = append(o.StreamInterceptors, interceptors...) }
}

func WithLogger(l *zap.Logger) RPCOptionFunc {
	return func(o *RPCOption) { o.Logger = l }
}

// Resolver dials gRPC connections.
type Resolver struct {
	opts  RPCOption
	mu    sync.Mutex
	conns map[string]*grpc.ClientConn
	// descriptor keys resolved per address
	users map[string]map[string]struct{}
	group singleflight.Group
}

func New(optfns ...RPCOptionFunc) *Resolver {
	var opts RPCOption
	for _, fn := range optfns {
		fn(&opts)
	}
	if opts.Logger == nil {
		opts.Logger = logger.Named("resolver.rpc")
	}

	return &Resolver{
		opts:  opts,
		conns: make(map[string]*grpc.ClientConn),
		users: make(map[string]map[string]struct{}),
	}
}

func (r *Resolver) Resolve(ctx context.Context, d *descriptor.Descriptor, iface string) (resolver.Handle, error) {
	if err := resolver.CheckInterface(d, iface); err != nil {
		return nil, err
	}

	conn, err := r.dial(ctx, d.Address())
	if err != nil {
		return nil, resolver.NewError(d, iface, errors.Wrap(resolver.ErrUnreachable, err.Error()))
	}
	r.hold(d)
	return &signalConn{conn: conn}, nil
}

func (r *Resolver) hold(d *descriptor.Descriptor) {
	r.mu.Lock()
	defer r.mu.Unlock()

	users, ok := r.users[d.Address()]
	if !ok {
		users = make(map[string]struct{})
		r.users[d.Address()] = users
	}
	users[d.Key()] = struct{}{}
}

func (r *Resolver) cached(addr string) (*grpc.ClientConn, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.conns[addr]
	if ok && conn.GetState() == connectivity.Shutdown {
		delete(r.conns, addr)
		return nil, false
	}
	return conn, ok
}

func (r *Resolver) dial(ctx context.Context, addr string) (*grpc.ClientConn, error) {
	if conn, ok := r.cached(addr); ok {
		return conn, nil
	}

	v, err, _ := r.group.Do(addr, func() (interface{}, error) {
		if conn, ok := r.cached(addr); ok {
			return conn, nil
		}

		dialCtx := ctx
		dialOpts := r.dialOptions()
		if r.opts.ConnectTimeout > 0 {
			var cancel context.CancelFunc
			dialCtx, cancel = context.WithTimeout(ctx, r.opts.ConnectTimeout)
			defer cancel()
			dialOpts = append(dialOpts, grpc.WithBlock())
		}

		conn, err := grpc.DialContext(dialCtx, addr, dialOpts...)
		if err != nil {
			return nil, err
		}

		r.opts.Logger.Debug("dialed", zap.String("addr", addr))
		r.mu.Lock()
		r.conns[addr] = conn
		r.mu.Unlock()
		return conn, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*grpc.ClientConn), nil
}

func (r *Resolver) dialOptions() []grpc.DialOption {
	unary := append([]grpc.UnaryClientInterceptor{
		grpc_prometheus.UnaryClientInterceptor,
		grpc_zap.UnaryClientInterceptor(r.opts.Logger),
	}, r.opts.UnaryInterceptors...)

	stream := append([]grpc.StreamClientInterceptor{
		grpc_prometheus.StreamClientInterceptor,
		grpc_zap.StreamClientInterceptor(r.opts.Logger),
	}, r.opts.StreamInterceptors...)

	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithUnaryInterceptor(grpc_middleware.ChainUnaryClient(unary...)),
		grpc.WithStreamInterceptor(grpc_middleware.ChainStreamClient(stream...)),
	}
	return append(opts, r.opts.DialOptions...)
}

// Addrs returns the addresses with a cached connection.
func (r *Resolver) Addrs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	addrs := make([]string, 0, len(r.conns))
	for addr := range r.conns {
		addrs = append(addrs, addr)
	}
	sort.Strings(addrs)
	return addrs
}

// Forget releases d's use of its address connection. The connection is
// closed once no resolved descriptor at that address is left.
func (r *Resolver) Forget(d *descriptor.Descriptor) {
	addr := d.Address()

	r.mu.Lock()
	users := r.users[addr]
	delete(users, d.Key())
	if len(users) > 0 {
		r.mu.Unlock()
		return
	}
	delete(r.users, addr)
	conn, ok := r.conns[addr]
	delete(r.conns, addr)
	r.mu.Unlock()

	if ok {
		if err := conn.Close(); err != nil {
			r.opts.Logger.Debug("close connection", zap.String("addr", addr), zap.Error(err))
		}
	}
}

func (r *Resolver) Close() error {
	r.mu.Lock()
	conns := r.conns
	r.conns = make(map[string]*grpc.ClientConn)
	r.users = make(map[string]map[string]struct{})
	r.mu.Unlock()

	var errs error
	for _, conn := range conns {
		errs = multierr.Append(errs, conn.Close())
	}
	return errs
}

// signalConn turns panics raised below a call into errors.
type signalConn struct {
	conn grpc.ClientConnInterface
}

func recovered(r interface{}) error {
	switch e := r.(type) {
	case error:
		return status.Error(codes.Internal, e.Error())
	default:
		return status.Error(codes.Internal, fmt.Sprint(e))
	}
}

func (s *signalConn) Invoke(ctx context.Context, method string, args interface{}, reply interface{}, opts ...grpc.CallOption) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = recovered(r)
		}
	}()

	return s.conn.Invoke(ctx, method, args, reply, opts...)
}

func (s *signalConn) NewStream(ctx context.Context, desc *grpc.StreamDesc, method string, opts ...grpc.CallOption) (stream grpc.ClientStream, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = recovered(r)
		}
	}()

	return s.conn.NewStream(ctx, desc, method, opts...)
}
