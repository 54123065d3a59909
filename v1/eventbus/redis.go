package eventbus

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"

	redis "github.com/redis/go-redis/v9"
)

const redisChannelPrefix = "dlock:events"

type redisSubscription struct {
	pubsub *redis.PubSub
	chans  []chan Event
}

// RedisBus implements Bus using Redis pub/sub. Each lock has its own channel
// and every event is mirrored on a global channel for wildcard subscribers.
type RedisBus struct {
	client *redis.Client

	mu        sync.Mutex
	subs      map[string]*redisSubscription
	published uint64
	delivered uint64
}

// NewRedisBus returns a new RedisBus using the provided client.
func NewRedisBus(client *redis.Client) *RedisBus {
	return &RedisBus{client: client, subs: make(map[string]*redisSubscription)}
}

func redisChannel(lock string) string {
	if lock == "" {
		return redisChannelPrefix
	}
	return redisChannelPrefix + ":" + lock
}

// Publish implements Bus.Publish.
func (b *RedisBus) Publish(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if err := b.client.Publish(ctx, redisChannel(ev.Lock), payload).Err(); err != nil {
		return err
	}
	if err := b.client.Publish(ctx, redisChannel(""), payload).Err(); err != nil {
		return err
	}
	atomic.AddUint64(&b.published, 1)
	return nil
}

// Subscribe implements Bus.Subscribe.
func (b *RedisBus) Subscribe(ctx context.Context, lock string) (chan Event, error) {
	ch := make(chan Event, 16)
	b.mu.Lock()
	sub := b.subs[lock]
	if sub == nil {
		pubsub := b.client.Subscribe(context.Background(), redisChannel(lock))
		sub = &redisSubscription{pubsub: pubsub}
		b.subs[lock] = sub
		go b.dispatch(lock, pubsub)
	}
	sub.chans = append(sub.chans, ch)
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		_ = b.Unsubscribe(context.Background(), lock, ch)
	}()
	return ch, nil
}

func (b *RedisBus) dispatch(lock string, pubsub *redis.PubSub) {
	for msg := range pubsub.Channel() {
		var ev Event
		if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
			continue
		}
		b.mu.Lock()
		sub := b.subs[lock]
		if sub == nil {
			b.mu.Unlock()
			return
		}
		chans := append([]chan Event(nil), sub.chans...)
		b.mu.Unlock()
		for _, c := range chans {
			select {
			case c <- ev:
				atomic.AddUint64(&b.delivered, 1)
			default:
			}
		}
	}
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *RedisBus) Unsubscribe(ctx context.Context, lock string, ch chan Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub := b.subs[lock]
	if sub == nil {
		return nil
	}
	for i, c := range sub.chans {
		if c == ch {
			sub.chans[i] = sub.chans[len(sub.chans)-1]
			sub.chans = sub.chans[:len(sub.chans)-1]
			close(c)
			break
		}
	}
	if len(sub.chans) == 0 {
		_ = sub.pubsub.Close()
		delete(b.subs, lock)
	}
	return nil
}

// Metrics returns the bus counters.
func (b *RedisBus) Metrics() Metrics {
	return Metrics{
		Published: atomic.LoadUint64(&b.published),
		Delivered: atomic.LoadUint64(&b.delivered),
	}
}
