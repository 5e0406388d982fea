package broadcast

import (
	"context"
	"sync"

	"github.com/go-redis/redis/v8"
	"github.com/pkg/errors"
)

// RedisTransport carries queries and answers over redis pub/sub.
type RedisTransport struct {
	rdb *redis.Client
}

func NewRedisTransport(rdb *redis.Client) *RedisTransport {
	return &RedisTransport{rdb: rdb}
}

func (t *RedisTransport) Publish(ctx context.Context, channel string, payload []byte) error {
	return t.rdb.Publish(ctx, channel, string(payload)).Err()
}

func (t *RedisTransport) Subscribe(ctx context.Context, channel string) (<-chan []byte, func() error, error) {
	ps := t.rdb.Subscribe(ctx, channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, nil, errors.Wrapf(err, "subscribe %s", channel)
	}

	var (
		out  = make(chan []byte, 16)
		done = make(chan struct{})
		once sync.Once
	)
	go forward(ps.Channel(), out, done)

	return out, func() error {
		once.Do(func() { close(done) })
		return ps.Close()
	}, nil
}

// forward copies payloads from in to out until in closes or done is closed,
// whichever comes first, then closes out.
func forward(in <-chan *redis.Message, out chan<- []byte, done <-chan struct{}) {
	defer close(out)
	for {
		select {
		case msg, ok := <-in:
			if !ok {
				return
			}
			select {
			case out <- []byte(msg.Payload):
			case <-done:
				return
			}
		case <-done:
			return
		}
	}
}
