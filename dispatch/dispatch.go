// Package dispatch implements the failover proxy: every call picks a random
// candidate for an interface, resolves it and invokes it, evicting
// candidates that fail and retrying up to a bounded number of attempts.
package dispatch

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/hysios/catalog/descriptor"
	"github.com/hysios/catalog/logger"
	"github.com/hysios/catalog/metrics"
	"github.com/hysios/catalog/resolver"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	DefaultMaxAttempts = 10
	DefaultBackoff     = 20 * time.Millisecond
)

var ErrNoCandidates = errors.New("no candidates")

// Catalog is what the proxy needs from the service catalog.
type Catalog interface {
	ServicesOf(iface string) []*descriptor.Descriptor
	Resolve(ctx context.Context, d *descriptor.Descriptor, iface string) (resolver.Handle, error)
	Evict(ctx context.Context, d *descriptor.Descriptor) error
}

// Policy bounds a dispatched call.
type Policy struct {
	MaxAttempts int
	// Backoff is slept when no candidate is known.
	Backoff time.Duration
	// IsFailure tells whether an invocation error condemns the provider.
	IsFailure func(error) bool
}

func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: DefaultMaxAttempts,
		Backoff:     DefaultBackoff,
		IsFailure:   IsFailure,
	}
}

func (p *Policy) init() {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	if p.Backoff < 0 {
		p.Backoff = 0
	}
	if p.IsFailure == nil {
		p.IsFailure = IsFailure
	}
}

// IsFailure reports false for gRPC statuses produced by a live provider
// rejecting the call, true for everything else.
func IsFailure(err error) bool {
	s, ok := status.FromError(err)
	if !ok {
		return true
	}

	switch s.Code() {
	case codes.InvalidArgument,
		codes.NotFound,
		codes.AlreadyExists,
		codes.PermissionDenied,
		codes.Unauthenticated,
		codes.FailedPrecondition,
		codes.OutOfRange,
		codes.Aborted:
		return false
	}
	return true
}

// ServiceUnavailableError is returned when every attempt failed.
type ServiceUnavailableError struct {
	Interface string
	Attempts  int
	Last      error
}

func (e *ServiceUnavailableError) Error() string {
	return fmt.Sprintf("service %s unavailable after %d attempts: %v", e.Interface, e.Attempts, e.Last)
}

func (e *ServiceUnavailableError) Unwrap() error { return e.Last }

// GRPCStatus lets gRPC clients built over a Proxy see codes.Unavailable.
func (e *ServiceUnavailableError) GRPCStatus() *status.Status {
	return status.New(codes.Unavailable, e.Error())
}

type ProxyOption struct {
	Policy  Policy
	Logger  *zap.Logger
	Metrics *metrics.Metrics
	Rand    func(n int) int
}

type ProxyOptionFunc func(*ProxyOption)

func WithPolicy(p Policy) ProxyOptionFunc {
	return func(opt *ProxyOption) { opt.Policy = p }
}

func WithLogger(l *zap.Logger) ProxyOptionFunc {
	return func(opt *ProxyOption) { opt.Logger = l }
}

func WithMetrics(m *metrics.Metrics) ProxyOptionFunc {
	return func(opt *ProxyOption) { opt.Metrics = m }
}

// WithRand replaces the candidate picker. fn must return a value in [0, n).
func WithRand(fn func(n int) int) ProxyOptionFunc {
	return func(opt *ProxyOption) { opt.Rand = fn }
}

// Proxy dispatches calls for one interface. It implements
// grpc.ClientConnInterface so generated clients can be built over it.
type Proxy struct {
	iface string
	cat   Catalog
	opts  ProxyOption
}

var _ grpc.ClientConnInterface = (*Proxy)(nil)

func NewProxy(iface string, cat Catalog, optfns ...ProxyOptionFunc) *Proxy {
	opts := ProxyOption{Policy: DefaultPolicy()}
	for _, fn := range optfns {
		fn(&opts)
	}

	opts.Policy.init()
	if opts.Logger == nil {
		opts.Logger = logger.Named("dispatch")
	}
	if opts.Rand == nil {
		opts.Rand = rand.Intn
	}

	return &Proxy{iface: iface, cat: cat, opts: opts}
}

func (p *Proxy) Interface() string { return p.iface }

func (p *Proxy) Policy() Policy { return p.opts.Policy }

// Do runs call against a live provider, failing over between candidates.
func (p *Proxy) Do(ctx context.Context, call func(ctx context.Context, h resolver.Handle) error) error {
	var (
		policy = p.opts.Policy
		m      = p.opts.Metrics
		log    = p.opts.Logger
		last   error
	)
	defer m.Observe(p.iface, time.Now())

	for attempt := 0; attempt < policy.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		candidates := p.cat.ServicesOf(p.iface)
		if len(candidates) == 0 {
			last = ErrNoCandidates
			m.Attempt(p.iface, metrics.OutcomeNoCandidate)
			if err := sleep(ctx, policy.Backoff); err != nil {
				return err
			}
			continue
		}

		d := candidates[p.opts.Rand(len(candidates))]
		h, err := p.cat.Resolve(ctx, d, p.iface)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			last = err
			m.Attempt(p.iface, metrics.OutcomeFailure)
			p.evict(ctx, d, metrics.ReasonResolve, err)
			continue
		}

		err = call(ctx, h)
		if err == nil {
			m.Attempt(p.iface, metrics.OutcomeSuccess)
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !policy.IsFailure(err) {
			m.Attempt(p.iface, metrics.OutcomeApplication)
			return err
		}

		last = err
		m.Attempt(p.iface, metrics.OutcomeFailure)
		p.evict(ctx, d, metrics.ReasonInvoke, err)
	}

	m.Exhausted(p.iface)
	log.Warn("service unavailable",
		zap.String("interface", p.iface),
		zap.Int("attempts", policy.MaxAttempts),
		zap.Error(last))
	return &ServiceUnavailableError{Interface: p.iface, Attempts: policy.MaxAttempts, Last: last}
}

func (p *Proxy) evict(ctx context.Context, d *descriptor.Descriptor, reason string, cause error) {
	p.opts.Logger.Info("evict provider",
		zap.String("interface", p.iface),
		zap.Stringer("descriptor", d),
		zap.String("reason", reason),
		zap.Error(cause))

	p.opts.Metrics.Evicted(p.iface, reason)
	if err := p.cat.Evict(ctx, d); err != nil {
		p.opts.Logger.Warn("evict", zap.Stringer("descriptor", d), zap.Error(err))
	}
}

func (p *Proxy) Invoke(ctx context.Context, method string, args interface{}, reply interface{}, opts ...grpc.CallOption) error {
	return p.Do(ctx, func(ctx context.Context, h resolver.Handle) error {
		return h.Invoke(ctx, method, args, reply, opts...)
	})
}

// NewStream opens a stream on a live provider. Only stream creation fails
// over; errors on an open stream belong to the caller.
func (p *Proxy) NewStream(ctx context.Context, desc *grpc.StreamDesc, method string, opts ...grpc.CallOption) (grpc.ClientStream, error) {
	var stream grpc.ClientStream
	err := p.Do(ctx, func(ctx context.Context, h resolver.Handle) (err error) {
		stream, err = h.NewStream(ctx, desc, method, opts...)
		return err
	})
	if err != nil {
		return nil, err
	}
	return stream, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}

	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
