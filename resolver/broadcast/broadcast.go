// Package broadcast resolves descriptors of protocol "broadcast". The
// descriptor's host:port names a discovery group; the resolver publishes a
// query for the location on the group channel and dials the first provider
// that answers.
package broadcast

import (
	"context"
	"encoding/json"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/hysios/catalog/descriptor"
	"github.com/hysios/catalog/logger"
	"github.com/hysios/catalog/resolver"
	"github.com/hysios/catalog/resolver/rpc"
	"github.com/pkg/errors"
	"github.com/rs/xid"
	"go.uber.org/zap"
)

const (
	Protocol            = "broadcast"
	DefaultReplyTimeout = 2 * time.Second
	channelPrefix       = "broadcast:"
)

var ErrNoAnswer = errors.New("no provider answered")

// Transport is a fire-and-forget publish/subscribe medium.
type Transport interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	// Subscribe delivers payloads published on channel until the returned
	// cancel function is called.
	Subscribe(ctx context.Context, channel string) (<-chan []byte, func() error, error)
}

type query struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Interface string `json:"interface"`
}

type answer struct {
	ID   string `json:"id"`
	Host string `json:"host"`
	Port int    `json:"port"`
}

func groupChannel(group string) string { return channelPrefix + group }

func replyChannel(group, id string) string { return channelPrefix + group + ":reply:" + id }

type BroadcastOption struct {
	ReplyTimeout time.Duration
	Dialer       *rpc.Resolver
	Logger       *zap.Logger
}

type BroadcastOptionFunc func(*BroadcastOption)

func WithReplyTimeout(d time.Duration) BroadcastOptionFunc {
	return func(opt *BroadcastOption) { opt.ReplyTimeout = d }
}

func WithDialer(r *rpc.Resolver) BroadcastOptionFunc {
	return func(opt *BroadcastOption) { opt.Dialer = r }
}

func WithLogger(l *zap.Logger) BroadcastOptionFunc {
	return func(opt *BroadcastOption) { opt.Logger = l }
}

type Resolver struct {
	transport Transport
	opts      BroadcastOption

	mu      sync.Mutex
	targets map[string]*descriptor.Descriptor
}

func New(transport Transport, optfns ...BroadcastOptionFunc) *Resolver {
	var opts BroadcastOption
	for _, fn := range optfns {
		fn(&opts)
	}
	if opts.ReplyTimeout <= 0 {
		opts.ReplyTimeout = DefaultReplyTimeout
	}
	if opts.Logger == nil {
		opts.Logger = logger.Named("resolver.broadcast")
	}
	if opts.Dialer == nil {
		opts.Dialer = rpc.New(rpc.WithLogger(opts.Logger))
	}

	return &Resolver{
		transport: transport,
		opts:      opts,
		targets:   make(map[string]*descriptor.Descriptor),
	}
}

func (r *Resolver) Resolve(ctx context.Context, d *descriptor.Descriptor, iface string) (resolver.Handle, error) {
	if err := resolver.CheckInterface(d, iface); err != nil {
		return nil, err
	}

	target, err := r.discover(ctx, d, iface)
	if err != nil {
		return nil, resolver.NewError(d, iface, err)
	}
	return r.opts.Dialer.Resolve(ctx, target, iface)
}

func (r *Resolver) discover(ctx context.Context, d *descriptor.Descriptor, iface string) (*descriptor.Descriptor, error) {
	r.mu.Lock()
	target, ok := r.targets[d.Key()]
	r.mu.Unlock()
	if ok {
		return target, nil
	}

	var (
		group = d.Address()
		q     = query{ID: xid.New().String(), Name: d.Location(), Interface: iface}
	)

	replies, cancel, err := r.transport.Subscribe(ctx, replyChannel(group, q.ID))
	if err != nil {
		return nil, errors.Wrap(resolver.ErrUnreachable, err.Error())
	}
	defer cancel()

	payload, err := json.Marshal(q)
	if err != nil {
		return nil, err
	}
	if err := r.transport.Publish(ctx, groupChannel(group), payload); err != nil {
		return nil, errors.Wrap(resolver.ErrUnreachable, err.Error())
	}

	timer := time.NewTimer(r.opts.ReplyTimeout)
	defer timer.Stop()

	for {
		select {
		case msg, ok := <-replies:
			if !ok {
				return nil, errors.Wrap(resolver.ErrUnreachable, "reply channel closed")
			}

			var a answer
			if err := json.Unmarshal(msg, &a); err != nil || a.ID != q.ID {
				r.opts.Logger.Debug("ignore reply", zap.ByteString("payload", msg))
				continue
			}

			target, err := descriptor.From(d).Protocol(rpc.Protocol).Host(a.Host).Port(a.Port).Build()
			if err != nil {
				return nil, err
			}

			r.mu.Lock()
			r.targets[d.Key()] = target
			r.mu.Unlock()
			return target, nil
		case <-timer.C:
			return nil, errors.Wrap(resolver.ErrUnbound, ErrNoAnswer.Error())
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Forget drops the discovered provider for d and its connection.
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
	r.mu.Unlock()

	return r.opts.Dialer.Close()
}

// Announcer answers queries on a group for the names announced locally.
type Announcer struct {
	transport Transport
	group     string
	log       *zap.Logger

	mu    sync.RWMutex
	names map[string]string
}

func NewAnnouncer(transport Transport, group string) *Announcer {
	return &Announcer{
		transport: transport,
		group:     group,
		log:       logger.Named("broadcast.announcer"),
		names:     make(map[string]string),
	}
}

// Announce answers queries for location with host:port.
func (a *Announcer) Announce(location, host string, port int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.names[location] = net.JoinHostPort(host, strconv.Itoa(port))
}

func (a *Announcer) Withdraw(location string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.names, location)
}

func (a *Announcer) lookup(name string) (string, int, bool) {
	a.mu.RLock()
	addr, ok := a.names[name]
	a.mu.RUnlock()
	if !ok {
		return "", 0, false
	}

	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, false
	}
	p, err := strconv.Atoi(port)
	return host, p, err == nil
}

// Listen subscribes to the group channel. It returns once the subscription
// is active; answering stops when ctx is done.
func (a *Announcer) Listen(ctx context.Context) error {
	queries, cancel, err := a.transport.Subscribe(ctx, groupChannel(a.group))
	if err != nil {
		return errors.Wrapf(err, "listen on %s", a.group)
	}

	go func() {
		defer cancel()
		for {
			select {
			case msg, ok := <-queries:
				if !ok {
					return
				}
				a.answer(ctx, msg)
			case <-ctx.Done():
				return
			}
		}
	}()
	return nil
}

func (a *Announcer) answer(ctx context.Context, msg []byte) {
	var q query
	if err := json.Unmarshal(msg, &q); err != nil {
		a.log.Debug("ignore query", zap.ByteString("payload", msg), zap.Error(err))
		return
	}

	host, port, ok := a.lookup(q.Name)
	if !ok {
		return
	}

	payload, err := json.Marshal(answer{ID: q.ID, Host: host, Port: port})
	if err != nil {
		return
	}
	if err := a.transport.Publish(ctx, replyChannel(a.group, q.ID), payload); err != nil {
		a.log.Warn("answer query", zap.String("name", q.Name), zap.Error(err))
	}
}
