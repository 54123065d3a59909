package eventbus

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"sync/atomic"

	nats "github.com/nats-io/nats.go"
)

const natsSubjectPrefix = "dlock.events"

type natsSubscription struct {
	sub   *nats.Subscription
	chans []chan Event
}

// NATSBus implements Bus using a NATS backend.
type NATSBus struct {
	conn *nats.Conn

	mu        sync.Mutex
	subs      map[string]*natsSubscription
	published uint64
	delivered uint64
}

// NewNATSBus returns a new NATSBus using the provided connection.
func NewNATSBus(conn *nats.Conn) *NATSBus {
	return &NATSBus{conn: conn, subs: make(map[string]*natsSubscription)}
}

// natsSubject maps a lock name to a subject. NATS subject tokens cannot
// contain dots or spaces, so those are replaced. Empty lock = wildcard.
func natsSubject(lock string) string {
	if lock == "" {
		return natsSubjectPrefix + ".>"
	}
	r := strings.NewReplacer(".", "_", " ", "_", "*", "_", ">", "_")
	return natsSubjectPrefix + "." + r.Replace(lock)
}

// Publish implements Bus.Publish.
func (b *NATSBus) Publish(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if err := b.conn.Publish(natsSubject(ev.Lock), payload); err != nil {
		return err
	}
	atomic.AddUint64(&b.published, 1)
	return nil
}

// Subscribe implements Bus.Subscribe.
func (b *NATSBus) Subscribe(ctx context.Context, lock string) (chan Event, error) {
	ch := make(chan Event, 16)
	b.mu.Lock()
	sub := b.subs[lock]
	if sub == nil {
		ns, err := b.conn.Subscribe(natsSubject(lock), func(msg *nats.Msg) {
			var ev Event
			if err := json.Unmarshal(msg.Data, &ev); err != nil {
				return
			}
			b.mu.Lock()
			cur := b.subs[lock]
			if cur == nil {
				b.mu.Unlock()
				return
			}
			chans := append([]chan Event(nil), cur.chans...)
			b.mu.Unlock()
			for _, c := range chans {
				select {
				case c <- ev:
					atomic.AddUint64(&b.delivered, 1)
				default:
				}
			}
		})
		if err != nil {
			b.mu.Unlock()
			return nil, err
		}
		sub = &natsSubscription{sub: ns}
		b.subs[lock] = sub
	}
	sub.chans = append(sub.chans, ch)
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		_ = b.Unsubscribe(context.Background(), lock, ch)
	}()
	return ch, nil
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *NATSBus) Unsubscribe(ctx context.Context, lock string, ch chan Event) error {
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
		_ = sub.sub.Unsubscribe()
		delete(b.subs, lock)
	}
	return nil
}

// Metrics returns the bus counters.
func (b *NATSBus) Metrics() Metrics {
	return Metrics{
		Published: atomic.LoadUint64(&b.published),
		Delivered: atomic.LoadUint64(&b.delivered),
	}
}
