package descriptor

import (
	"sort"
	"strings"
	"time"
)

// DefaultTTL is the lifetime given to descriptors built without TTL or
// ExpiresAt.
const DefaultTTL = 30 * time.Second

// InvalidDescriptorError is returned by Build when required fields are
// missing or out of range.
type InvalidDescriptorError struct {
	Missing []string
	Reason  string
}

func (e *InvalidDescriptorError) Error() string {
	var parts []string
	if len(e.Missing) > 0 {
		parts = append(parts, "missing "+strings.Join(e.Missing, ", "))
	}
	if e.Reason != "" {
		parts = append(parts, e.Reason)
	}
	return "invalid descriptor: " + strings.Join(parts, "; ")
}

// Builder assembles a Descriptor.
//
//	d, err := descriptor.NewBuilder().
//		Protocol("rmi").
//		Host("h1").
//		Port(9000).
//		Location("/svc").
//		Interfaces("Greeter").
//		Build()
type Builder struct {
	protocol   string
	host       string
	port       int
	location   string
	interfaces map[string]struct{}
	context    map[string]string
	ttl        time.Duration
	expiresAt  time.Time
	now        func() time.Time
}

func NewBuilder() *Builder {
	return &Builder{
		interfaces: make(map[string]struct{}),
		context:    make(map[string]string),
		ttl:        DefaultTTL,
		now:        time.Now,
	}
}

// From starts a builder with the structural fields of d.
func From(d *Descriptor) *Builder {
	return NewBuilder().
		Protocol(d.protocol).
		Host(d.host).
		Port(d.port).
		Location(d.location).
		Interfaces(d.interfaces...).
		Context(d.context).
		ExpiresAt(d.expiresAt)
}

func (b *Builder) Protocol(protocol string) *Builder {
	b.protocol = protocol
	return b
}

func (b *Builder) Host(host string) *Builder {
	b.host = host
	return b
}

func (b *Builder) Port(port int) *Builder {
	b.port = port
	return b
}

func (b *Builder) Location(location string) *Builder {
	b.location = location
	return b
}

// Interfaces adds interface names; duplicates and empty names are ignored.
func (b *Builder) Interfaces(names ...string) *Builder {
	for _, name := range names {
		if name == "" {
			continue
		}
		b.interfaces[name] = struct{}{}
	}
	return b
}

// Context replaces the context tags with a copy of ctx.
func (b *Builder) Context(ctx map[string]string) *Builder {
	b.context = make(map[string]string, len(ctx))
	for k, v := range ctx {
		b.context[k] = v
	}
	return b
}

// With sets a single context tag.
func (b *Builder) With(key, value string) *Builder {
	b.context[key] = value
	return b
}

// TTL sets the expiry relative to the build time.
func (b *Builder) TTL(ttl time.Duration) *Builder {
	b.ttl = ttl
	b.expiresAt = time.Time{}
	return b
}

// ExpiresAt sets an absolute expiry and overrides TTL.
func (b *Builder) ExpiresAt(t time.Time) *Builder {
	b.expiresAt = t
	return b
}

// Clock overrides the time source used to compute the expiry from the TTL.
func (b *Builder) Clock(now func() time.Time) *Builder {
	b.now = now
	return b
}

func (b *Builder) Build() (*Descriptor, error) {
	var missing []string
	if b.protocol == "" {
		missing = append(missing, "protocol")
	}
	if b.host == "" {
		missing = append(missing, "host")
	}
	if b.location == "" {
		missing = append(missing, "location")
	}
	if len(b.interfaces) == 0 {
		missing = append(missing, "interfaces")
	}

	var reason string
	if b.port < 0 || b.port > 65535 {
		reason = "port out of range"
	}

	if len(missing) > 0 || reason != "" {
		return nil, &InvalidDescriptorError{Missing: missing, Reason: reason}
	}

	interfaces := make([]string, 0, len(b.interfaces))
	for name := range b.interfaces {
		interfaces = append(interfaces, name)
	}
	sort.Strings(interfaces)

	context := make(map[string]string, len(b.context))
	for k, v := range b.context {
		context[k] = v
	}

	expiresAt := b.expiresAt
	if expiresAt.IsZero() {
		expiresAt = b.now().Add(b.ttl)
	}

	return &Descriptor{
		protocol:   b.protocol,
		host:       b.host,
		port:       b.port,
		location:   b.location,
		interfaces: interfaces,
		context:    context,
		expiresAt:  expiresAt,
		key:        buildKey(b.protocol, b.host, b.port, b.location, interfaces, context),
	}, nil
}

// MustBuild is like Build but panics on invalid input.
func (b *Builder) MustBuild() *Descriptor {
	d, err := b.Build()
	if err != nil {
		panic(err)
	}
	return d
}
