// Package store defines the narrow contract the catalog consumes from the
// shared distributed store: a replicated descriptor set with change
// notifications, a cooperative lock and an atomic counter.
package store

import (
	"context"
	"time"

	"github.com/hysios/catalog/descriptor"
)

type Op int

const (
	Added Op = iota + 1
	Removed
)

func (op Op) String() string {
	switch op {
	case Added:
		return "added"
	case Removed:
		return "removed"
	default:
		return "unknown"
	}
}

// Event is one change of a shared set.
type Event struct {
	Op         Op
	Descriptor *descriptor.Descriptor
}

// Listener receives change events. It must not block for long.
type Listener func(Event)

// Subscription stops change delivery.
type Subscription interface {
	Close() error
}

// SharedSet is a set of descriptors shared by every node. Entries are keyed
// by the structural descriptor key, so adding an equal descriptor replaces
// the stored one.
type SharedSet interface {
	Add(ctx context.Context, d *descriptor.Descriptor) error
	Remove(ctx context.Context, d *descriptor.Descriptor) error
	// RemoveIfUnchanged removes the entry under d's key only while it still
	// carries d's expiry, and reports whether it did.
	RemoveIfUnchanged(ctx context.Context, d *descriptor.Descriptor) (bool, error)
	Snapshot(ctx context.Context) ([]*descriptor.Descriptor, error)
	OnChange(ctx context.Context, l Listener) (Subscription, error)
}

// Lock is a cooperative, non-blocking cluster-wide lock.
type Lock interface {
	TryLock(ctx context.Context) (bool, error)
	Unlock(ctx context.Context) error
}

// Counter is a shared integer with compare-and-set. A missing counter reads
// as zero.
type Counter interface {
	Get(ctx context.Context) (int64, error)
	CompareAndSet(ctx context.Context, expected, value int64) (bool, error)
}

// Store hands out named shared structures.
type Store interface {
	Set(name string) SharedSet
	// Lock returns a lock whose ownership lapses after ttl if never released.
	Lock(name string, ttl time.Duration) Lock
	Counter(name string) Counter
}

// SubscriptionFunc adapts a function to Subscription.
type SubscriptionFunc func() error

func (fn SubscriptionFunc) Close() error { return fn() }
