// Package descriptor models the service descriptors published into the
// catalog: where a provider lives, which interfaces it implements, the
// context tags used to select it and when its publication lapses.
package descriptor

import (
	"encoding/json"
	"fmt"
	"net"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Descriptor describes one published service instance. It is immutable;
// Refresh returns a copy with an extended expiry.
//
// Two descriptors are equal when protocol, host, port, location, interfaces
// and context are equal. The expiry is not part of the identity.
type Descriptor struct {
	protocol   string
	host       string
	port       int
	location   string
	interfaces []string
	context    map[string]string
	expiresAt  time.Time
	key        string
}

func (d *Descriptor) Protocol() string { return d.protocol }
func (d *Descriptor) Host() string     { return d.host }
func (d *Descriptor) Port() int        { return d.port }
func (d *Descriptor) Location() string { return d.location }

// ExpiresAt returns the absolute time after which the descriptor is stale.
func (d *Descriptor) ExpiresAt() time.Time { return d.expiresAt }

// Address returns host:port.
func (d *Descriptor) Address() string {
	return net.JoinHostPort(d.host, strconv.Itoa(d.port))
}

// Interfaces returns the sorted interface names.
func (d *Descriptor) Interfaces() []string {
	out := make([]string, len(d.interfaces))
	copy(out, d.interfaces)
	return out
}

// Context returns a copy of the context tags.
func (d *Descriptor) Context() map[string]string {
	out := make(map[string]string, len(d.context))
	for k, v := range d.context {
		out[k] = v
	}
	return out
}

// Key is the canonical structural key. Descriptors with the same key are
// the same logical service instance.
func (d *Descriptor) Key() string { return d.key }

// Equal reports structural equality.
func (d *Descriptor) Equal(other *Descriptor) bool {
	if d == nil || other == nil {
		return d == other
	}
	return d.key == other.key
}

// Implements reports whether the descriptor declares the interface.
func (d *Descriptor) Implements(name string) bool {
	i := sort.SearchStrings(d.interfaces, name)
	return i < len(d.interfaces) && d.interfaces[i] == name
}

func (d *Descriptor) IsExpired() bool { return d.IsExpiredAt(time.Now()) }

// IsExpiredAt reports now > expiresAt.
func (d *Descriptor) IsExpiredAt(now time.Time) bool {
	return now.After(d.expiresAt)
}

func (d *Descriptor) IsExpiringWithin(window time.Duration) bool {
	return d.IsExpiringWithinAt(window, time.Now())
}

// IsExpiringWithinAt reports expiresAt - window <= now.
func (d *Descriptor) IsExpiringWithinAt(window time.Duration, now time.Time) bool {
	return !d.expiresAt.Add(-window).After(now)
}

func (d *Descriptor) Refresh(ttl time.Duration) *Descriptor {
	return d.RefreshAt(ttl, time.Now())
}

// RefreshAt returns a copy of d expiring at now+ttl. The copy has the same
// key, so publishing it replaces d.
func (d *Descriptor) RefreshAt(ttl time.Duration, now time.Time) *Descriptor {
	cp := *d
	cp.expiresAt = now.Add(ttl)
	return &cp
}

// URI renders protocol://host:port/location, carrying the "query" and
// "fragment" context tags when present.
func (d *Descriptor) URI() string {
	u := url.URL{
		Scheme:   d.protocol,
		Host:     d.Address(),
		Path:     "/" + strings.TrimPrefix(d.location, "/"),
		RawQuery: d.context["query"],
		Fragment: d.context["fragment"],
	}
	return u.String()
}

func (d *Descriptor) String() string {
	return fmt.Sprintf("%s://%s/%s interfaces=%v context=%v",
		d.protocol, d.Address(), strings.TrimPrefix(d.location, "/"), d.interfaces, d.context)
}

func buildKey(protocol, host string, port int, location string, interfaces []string, context map[string]string) string {
	var (
		b    strings.Builder
		tags = url.Values{}
	)

	for k, v := range context {
		tags.Set(k, v)
	}
	escaped := make([]string, len(interfaces))
	for i, name := range interfaces {
		escaped[i] = url.QueryEscape(name)
	}

	b.WriteString(url.QueryEscape(protocol))
	b.WriteString("://")
	b.WriteString(net.JoinHostPort(host, strconv.Itoa(port)))
	b.WriteByte('/')
	b.WriteString(url.QueryEscape(location))
	b.WriteByte('#')
	b.WriteString(strings.Join(escaped, ","))
	b.WriteByte('?')
	b.WriteString(tags.Encode())
	return b.String()
}

type wireDescriptor struct {
	Protocol   string            `json:"protocol"`
	Host       string            `json:"host"`
	Port       int               `json:"port"`
	Location   string            `json:"location"`
	Interfaces []string          `json:"interfaces"`
	Context    map[string]string `json:"context,omitempty"`
	ExpiresAt  time.Time         `json:"expiresAt"`
}

// MarshalJSON encodes the structural fields and the expiry.
func (d *Descriptor) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireDescriptor{
		Protocol:   d.protocol,
		Host:       d.host,
		Port:       d.port,
		Location:   d.location,
		Interfaces: d.interfaces,
		Context:    d.context,
		ExpiresAt:  d.expiresAt.UTC(),
	})
}

// UnmarshalJSON decodes and validates a descriptor.
func (d *Descriptor) UnmarshalJSON(b []byte) error {
	var w wireDescriptor
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}

	decoded, err := NewBuilder().
		Protocol(w.Protocol).
		Host(w.Host).
		Port(w.Port).
		Location(w.Location).
		Interfaces(w.Interfaces...).
		Context(w.Context).
		ExpiresAt(w.ExpiresAt).
		Build()
	if err != nil {
		return err
	}

	*d = *decoded
	return nil
}

// Unmarshal decodes a descriptor from its JSON form.
func Unmarshal(b []byte) (*Descriptor, error) {
	d := new(Descriptor)
	if err := d.UnmarshalJSON(b); err != nil {
		return nil, err
	}
	return d, nil
}
