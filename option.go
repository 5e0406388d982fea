package catalog

import (
	"time"

	"github.com/hysios/catalog/config"
	"github.com/hysios/catalog/descriptor"
	"github.com/hysios/catalog/dispatch"
	"github.com/hysios/catalog/expiry"
	"github.com/hysios/catalog/logger"
	"github.com/hysios/catalog/metrics"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const (
	DefaultNamespace = "catalog"
	DefaultLockTTL   = 10 * time.Second
)

type CatalogOption struct {
	Namespace         string
	TTL               time.Duration
	RepublishInterval time.Duration
	Grace             time.Duration
	SweepInterval     time.Duration
	LockTTL           time.Duration
	Policy            dispatch.Policy
	Clock             func() time.Time
	Logger            *zap.Logger
	Metrics           *metrics.Metrics
}

type Option func(*CatalogOption)

func (opt *CatalogOption) init() {
	if opt.Namespace == "" {
		opt.Namespace = DefaultNamespace
	}
	if opt.TTL <= 0 {
		opt.TTL = descriptor.DefaultTTL
	}
	if opt.LockTTL <= 0 {
		opt.LockTTL = DefaultLockTTL
	}
	if opt.Clock == nil {
		opt.Clock = time.Now
	}
	if opt.Logger == nil {
		opt.Logger = logger.Named("catalog")
	}
}

func (opt *CatalogOption) coordinator() []expiry.CoordinatorOptionFunc {
	return []expiry.CoordinatorOptionFunc{
		expiry.WithTTL(opt.TTL),
		expiry.WithRepublish(opt.RepublishInterval, opt.Grace),
		expiry.WithSweepInterval(opt.SweepInterval),
		expiry.WithClock(opt.Clock),
		expiry.WithLogger(opt.Logger.Named("expiry")),
		expiry.WithMetrics(opt.Metrics),
	}
}

func (opt *CatalogOption) proxy() []dispatch.ProxyOptionFunc {
	return []dispatch.ProxyOptionFunc{
		dispatch.WithPolicy(opt.Policy),
		dispatch.WithLogger(opt.Logger.Named("dispatch")),
		dispatch.WithMetrics(opt.Metrics),
	}
}

// WithNamespace prefixes the names of every shared structure the catalog
// uses, so several catalogs can live in one store.
func WithNamespace(ns string) Option {
	return func(opt *CatalogOption) { opt.Namespace = ns }
}

// WithTTL sets the lifetime given to republished descriptors.
func WithTTL(ttl time.Duration) Option {
	return func(opt *CatalogOption) { opt.TTL = ttl }
}

func WithRepublish(interval, grace time.Duration) Option {
	return func(opt *CatalogOption) {
		opt.RepublishInterval = interval
		opt.Grace = grace
	}
}

func WithSweepInterval(interval time.Duration) Option {
	return func(opt *CatalogOption) { opt.SweepInterval = interval }
}

// WithLockTTL bounds how long a crashed sweeper can hold the sweep lock.
func WithLockTTL(ttl time.Duration) Option {
	return func(opt *CatalogOption) { opt.LockTTL = ttl }
}

func WithPolicy(p dispatch.Policy) Option {
	return func(opt *CatalogOption) { opt.Policy = p }
}

func WithMaxAttempts(n int) Option {
	return func(opt *CatalogOption) { opt.Policy.MaxAttempts = n }
}

func WithBackoff(d time.Duration) Option {
	return func(opt *CatalogOption) { opt.Policy.Backoff = d }
}

func WithClock(now func() time.Time) Option {
	return func(opt *CatalogOption) { opt.Clock = now }
}

func WithLogger(l *zap.Logger) Option {
	return func(opt *CatalogOption) { opt.Logger = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(opt *CatalogOption) { opt.Metrics = m }
}

// OptionsFromConfig maps configuration keys to options. Missing keys keep
// the defaults.
func OptionsFromConfig(cfg *config.Config) ([]Option, error) {
	var opts []Option

	if ns := cfg.Str("catalog.namespace"); ns != "" {
		opts = append(opts, WithNamespace(ns))
	}

	durations := []struct {
		key string
		set func(*CatalogOption, time.Duration)
	}{
		{"catalog.ttl", func(opt *CatalogOption, d time.Duration) { opt.TTL = d }},
		{"catalog.republish_interval", func(opt *CatalogOption, d time.Duration) { opt.RepublishInterval = d }},
		{"catalog.republish_grace", func(opt *CatalogOption, d time.Duration) { opt.Grace = d }},
		{"catalog.sweep_interval", func(opt *CatalogOption, d time.Duration) { opt.SweepInterval = d }},
		{"catalog.lock_ttl", func(opt *CatalogOption, d time.Duration) { opt.LockTTL = d }},
		{"dispatch.backoff", func(opt *CatalogOption, d time.Duration) { opt.Policy.Backoff = d }},
	}

	for _, entry := range durations {
		if !cfg.Has(entry.key) {
			continue
		}
		d, err := cfg.ParseDuration(entry.key)
		if err != nil {
			return nil, errors.Wrapf(err, "config %s", entry.key)
		}
		set := entry.set
		opts = append(opts, func(opt *CatalogOption) { set(opt, d) })
	}

	if cfg.Has("dispatch.max_attempts") {
		opts = append(opts, WithMaxAttempts(cfg.Int("dispatch.max_attempts")))
	}
	return opts, nil
}
