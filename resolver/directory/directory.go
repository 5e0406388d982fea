// Package directory resolves descriptors of protocol "directory". The
// descriptor's host:port is a consul agent and its location names a service
// registered there; the resolver looks the name up and dials one of the
// passing instances over gRPC.
package directory

import (
	"context"
	"math/rand"
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/hashicorp/consul/api"
	"github.com/hysios/catalog/descriptor"
	"github.com/hysios/catalog/logger"
	"github.com/hysios/catalog/resolver"
	"github.com/hysios/catalog/resolver/rpc"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const Protocol = "directory"

type DirectoryOption struct {
	// Config is the template for agent clients; its Address is replaced by
	// the descriptor's host:port.
	Config *api.Config
	Dialer *rpc.Resolver
	Logger *zap.Logger
}

type DirectoryOptionFunc func(*DirectoryOption)

func WithConfig(cfg *api.Config) DirectoryOptionFunc {
	return func(opt *DirectoryOption) { opt.Config = cfg }
}

// WithDialer sets the resolver used to reach looked-up instances.
func WithDialer(r *rpc.Resolver) DirectoryOptionFunc {
	return func(opt *DirectoryOption) { opt.Dialer = r }
}

func WithLogger(l *zap.Logger) DirectoryOptionFunc {
	return func(opt *DirectoryOption) { opt.Logger = l }
}

type Resolver struct {
	opts DirectoryOption

	mu      sync.Mutex
	clients map[string]*api.Client
	targets map[string]*descriptor.Descriptor
}

func New(optfns ...DirectoryOptionFunc) *Resolver {
	var opts DirectoryOption
	for _, fn := range optfns {
		fn(&opts)
	}
	if opts.Config == nil {
		opts.Config = api.DefaultConfig()
	}
	if opts.Logger == nil {
		opts.Logger = logger.Named("resolver.directory")
	}
	if opts.Dialer == nil {
		opts.Dialer = rpc.New(rpc.WithLogger(opts.Logger))
	}

	return &Resolver{
		opts:    opts,
		clients: make(map[string]*api.Client),
		targets: make(map[string]*descriptor.Descriptor),
	}
}

// ServiceName maps a location to the registered service name.
func ServiceName(location string) string {
	return strings.TrimPrefix(location, "/")
}

func (r *Resolver) client(addr string) (*api.Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cli, ok := r.clients[addr]; ok {
		return cli, nil
	}

	cfg := *r.opts.Config
	cfg.Address = addr
	cli, err := api.NewClient(&cfg)
	if err != nil {
		return nil, err
	}
	r.clients[addr] = cli
	return cli, nil
}

func (r *Resolver) Resolve(ctx context.Context, d *descriptor.Descriptor, iface string) (resolver.Handle, error) {
	if err := resolver.CheckInterface(d, iface); err != nil {
		return nil, err
	}

	target, err := r.lookup(ctx, d)
	if err != nil {
		return nil, resolver.NewError(d, iface, err)
	}
	return r.opts.Dialer.Resolve(ctx, target, iface)
}

// lookup returns the rpc descriptor of one passing instance bound to d's
// location. The choice is kept until d is forgotten.
func (r *Resolver) lookup(ctx context.Context, d *descriptor.Descriptor) (*descriptor.Descriptor, error) {
	r.mu.Lock()
	target, ok := r.targets[d.Key()]
	r.mu.Unlock()
	if ok {
		return target, nil
	}

	cli, err := r.client(d.Address())
	if err != nil {
		return nil, errors.Wrap(resolver.ErrUnreachable, err.Error())
	}

	name := ServiceName(d.Location())
	entries, _, err := cli.Health().Service(name, "", true, (&api.QueryOptions{}).WithContext(ctx))
	if err != nil {
		return nil, errors.Wrap(resolver.ErrUnreachable, err.Error())
	}
	if len(entries) == 0 {
		return nil, errors.Wrap(resolver.ErrUnbound, name)
	}

	entry := entries[rand.Intn(len(entries))]
	host := entry.Service.Address
	if host == "" {
		host = entry.Node.Address
	}

	target, err = descriptor.From(d).
		Protocol(rpc.Protocol).
		Host(host).
		Port(entry.Service.Port).
		Build()
	if err != nil {
		return nil, err
	}

	r.opts.Logger.Debug("looked up",
		zap.String("service", name),
		zap.String("target", net.JoinHostPort(host, strconv.Itoa(entry.Service.Port))))

	r.mu.Lock()
	r.targets[d.Key()] = target
	r.mu.Unlock()
	return target, nil
}

// Forget drops the looked-up instance for d and its connection.
func (r *Resolver) Forget(d *descriptor.Descriptor) {
	r.mu.Lock()
	target, ok := r.targets[d.Key()]
	delete(r.targets, d.Key())
	r.mu.Unlock()

	if ok {
		r.opts.Dialer.Forget(target)
	}
}

func (r *Resolver) Close() error {
	r.mu.Lock()
	r.targets = make(map[string]*descriptor.Descriptor)
	r.clients = make(map[string]*api.Client)
	r.mu.Unlock()

	return r.opts.Dialer.Close()
}
