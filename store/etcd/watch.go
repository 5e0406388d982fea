package etcd

import (
	"context"
	"sort"
	"time"

	"github.com/hysios/catalog/descriptor"
	"github.com/hysios/catalog/store"
	"github.com/pkg/errors"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

const resyncBackoff = time.Second

// watcher follows one set prefix for one listener. It remembers what the
// listener has seen so a resync after an interrupted watch only reports the
// difference.
type watcher struct {
	set   *sharedSet
	l     store.Listener
	known map[string]*descriptor.Descriptor
	rev   int64
}

// load reads the prefix and resumes watching after the read revision. With
// emit set, the difference to the known entries goes to the listener.
func (w *watcher) load(ctx context.Context, emit bool) error {
	resp, err := w.set.client.Get(ctx, w.set.prefix, clientv3.WithPrefix())
	if err != nil {
		return errors.Wrapf(err, "load %s", w.set.prefix)
	}

	current := make(map[string]*descriptor.Descriptor, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		d, err := descriptor.Unmarshal(kv.Value)
		if err != nil {
			w.set.log.Warn("skip malformed descriptor", zap.ByteString("key", kv.Key), zap.Error(err))
			continue
		}
		current[string(kv.Key)] = d
	}

	if emit {
		for _, ev := range diffKnown(w.known, current) {
			w.l(ev)
		}
	}
	w.known = current
	w.rev = resp.Header.Revision + 1
	return nil
}

func (w *watcher) run(ctx context.Context) {
	for {
		wctx, cancel := context.WithCancel(ctx)
		wch := w.set.client.Watch(wctx, w.set.prefix,
			clientv3.WithPrefix(), clientv3.WithPrevKV(), clientv3.WithRev(w.rev))
		for resp := range wch {
			if w.handle(resp) {
				break
			}
		}
		cancel()

		if ctx.Err() != nil {
			return
		}
		w.set.log.Warn("watch interrupted, resyncing", zap.String("prefix", w.set.prefix), zap.Int64("rev", w.rev))

		for {
			err := w.load(ctx, true)
			if err == nil {
				break
			}
			w.set.log.Warn("resync", zap.String("prefix", w.set.prefix), zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(resyncBackoff):
			}
		}
	}
}

// handle delivers one watch response and reports whether the watch has to
// be restarted.
func (w *watcher) handle(resp clientv3.WatchResponse) bool {
	if err := resp.Err(); err != nil {
		w.set.log.Warn("watch", zap.String("prefix", w.set.prefix), zap.Error(err))
		return resp.Canceled || resp.CompactRevision != 0
	}

	for _, ev := range resp.Events {
		if ev.Kv.ModRevision >= w.rev {
			w.rev = ev.Kv.ModRevision + 1
		}

		key := string(ev.Kv.Key)
		e, ok, err := decodeWatchEvent(ev)
		if err != nil {
			w.set.log.Warn("drop malformed event", zap.ByteString("key", ev.Kv.Key), zap.Error(err))
			continue
		}

		switch ev.Type {
		case clientv3.EventTypePut:
			w.known[key] = e.Descriptor
		case clientv3.EventTypeDelete:
			if prev, found := w.known[key]; found && !ok {
				e, ok = store.Event{Op: store.Removed, Descriptor: prev}, true
			}
			delete(w.known, key)
		}

		if ok {
			w.l(e)
		}
	}
	return false
}

// diffKnown returns the events turning known into current, removals first.
func diffKnown(known, current map[string]*descriptor.Descriptor) []store.Event {
	var out []store.Event
	for _, key := range sortedKeys(known) {
		if _, ok := current[key]; !ok {
			out = append(out, store.Event{Op: store.Removed, Descriptor: known[key]})
		}
	}
	for _, key := range sortedKeys(current) {
		d := current[key]
		if prev, ok := known[key]; ok && prev.ExpiresAt().Equal(d.ExpiresAt()) {
			continue
		}
		out = append(out, store.Event{Op: store.Added, Descriptor: d})
	}
	return out
}

func sortedKeys(m map[string]*descriptor.Descriptor) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
