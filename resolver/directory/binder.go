package directory

import (
	"context"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/consul/api"
	"github.com/hysios/catalog/logger"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const DefaultCheckTTL = 30 * time.Second

// Binder registers local gRPC endpoints under a name in a consul agent, the
// provider side of the directory protocol. Bindings carry a TTL check kept
// passing by Run.
type Binder struct {
	cli *api.Client
	ttl time.Duration
	log *zap.Logger

	mu  sync.Mutex
	ids map[string]struct{}
}

// NewBinder talks to the agent at addr.
func NewBinder(addr string, ttl time.Duration) (*Binder, error) {
	cfg := api.DefaultConfig()
	cfg.Address = addr
	cli, err := api.NewClient(cfg)
	if err != nil {
		return nil, err
	}

	if ttl <= 0 {
		ttl = DefaultCheckTTL
	}
	return &Binder{
		cli: cli,
		ttl: ttl,
		log: logger.Named("directory.binder"),
		ids: make(map[string]struct{}),
	}, nil
}

func checkID(id string) string { return "service:" + id }

// Bind registers host:port under the service name of location and returns
// the registration id.
func (b *Binder) Bind(location, host string, port int) (string, error) {
	var (
		name = ServiceName(location)
		id   = name + "@" + net.JoinHostPort(host, strconv.Itoa(port))
	)

	err := b.cli.Agent().ServiceRegister(&api.AgentServiceRegistration{
		ID:      id,
		Name:    name,
		Address: host,
		Port:    port,
		Check: &api.AgentServiceCheck{
			CheckID:                        checkID(id),
			TTL:                            b.ttl.String(),
			DeregisterCriticalServiceAfter: (2 * b.ttl).String(),
		},
	})
	if err != nil {
		return "", errors.Wrapf(err, "bind %s", id)
	}

	if err := b.cli.Agent().UpdateTTL(checkID(id), "bound", api.HealthPassing); err != nil {
		b.log.Warn("pass check", zap.String("id", id), zap.Error(err))
	}

	b.mu.Lock()
	b.ids[id] = struct{}{}
	b.mu.Unlock()
	return id, nil
}

func (b *Binder) Unbind(id string) error {
	b.mu.Lock()
	delete(b.ids, id)
	b.mu.Unlock()

	return errors.Wrapf(b.cli.Agent().ServiceDeregister(id), "unbind %s", id)
}

func (b *Binder) bound() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	ids := make([]string, 0, len(b.ids))
	for id := range b.ids {
		ids = append(ids, id)
	}
	return ids
}

// Run keeps every binding's check passing until ctx is done, then unbinds
// them all.
func (b *Binder) Run(ctx context.Context) error {
	tick := time.NewTicker(b.ttl / 2)
	defer tick.Stop()

	for {
		select {
		case t := <-tick.C:
			for _, id := range b.bound() {
				if err := b.cli.Agent().UpdateTTL(checkID(id), t.Format(time.RFC3339), api.HealthPassing); err != nil {
					b.log.Warn("update ttl", zap.String("id", id), zap.Error(err))
				}
			}
		case <-ctx.Done():
			return b.Close()
		}
	}
}

// Close unbinds every registration.
func (b *Binder) Close() error {
	var errs error
	for _, id := range b.bound() {
		errs = multierr.Append(errs, b.Unbind(id))
	}
	return errs
}
