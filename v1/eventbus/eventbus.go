package eventbus

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	uuid "github.com/hashicorp/go-uuid"

	"github.com/mirkobrombin/go-dlock/v1/docstore"
)

// Kind classifies a lock lifecycle event.
type Kind string

const (
	KindAcquired  Kind = "acquired"
	KindReleased  Kind = "released"
	KindReclaimed Kind = "reclaimed"
)

// Event describes one lock lifecycle transition.
type Event struct {
	ID     string         `json:"id"`
	Lock   string         `json:"lock"`
	Kind   Kind           `json:"kind"`
	Owner  docstore.Owner `json:"owner,omitempty"`
	Held   time.Duration  `json:"held,omitempty"`
	Reason string         `json:"reason,omitempty"`
	At     time.Time      `json:"at"`
}

var eventSeq uint64

// fallbackEventID builds a unique ID when UUID generation fails. The counter
// keeps concurrent events on one lock distinct even within a nanosecond.
func fallbackEventID(lock string) string {
	return lock + "-" + strconv.FormatInt(time.Now().UnixNano(), 10) +
		"-" + strconv.FormatUint(atomic.AddUint64(&eventSeq, 1), 10)
}

// NewEvent returns an Event for the given lock with a fresh ID.
func NewEvent(lock string, kind Kind) Event {
	id, err := uuid.GenerateUUID()
	if err != nil {
		id = fallbackEventID(lock)
	}
	return Event{ID: id, Lock: lock, Kind: kind, At: time.Now()}
}

// Bus delivers lock lifecycle events to subscribers. Subscribing with an
// empty lock name receives events for every lock.
type Bus interface {
	Publish(ctx context.Context, ev Event) error
	Subscribe(ctx context.Context, lock string) (chan Event, error)
	Unsubscribe(ctx context.Context, lock string, ch chan Event) error
}

// InMemoryBus is a local implementation of Bus mainly for testing and
// single-process deployments.
type InMemoryBus struct {
	mu        sync.Mutex
	subs      map[string][]chan Event
	published uint64
	delivered uint64
}

// NewInMemoryBus returns a new InMemoryBus.
func NewInMemoryBus() *InMemoryBus {
	return &InMemoryBus{subs: make(map[string][]chan Event)}
}

// Publish implements Bus.Publish.
func (b *InMemoryBus) Publish(ctx context.Context, ev Event) error {
	b.mu.Lock()
	chans := append([]chan Event(nil), b.subs[ev.Lock]...)
	chans = append(chans, b.subs[""]...)
	b.mu.Unlock()
	atomic.AddUint64(&b.published, 1)
	for _, ch := range chans {
		select {
		case ch <- ev:
			atomic.AddUint64(&b.delivered, 1)
		default:
		}
	}
	return nil
}

// Subscribe implements Bus.Subscribe.
func (b *InMemoryBus) Subscribe(ctx context.Context, lock string) (chan Event, error) {
	ch := make(chan Event, 16)
	b.mu.Lock()
	b.subs[lock] = append(b.subs[lock], ch)
	b.mu.Unlock()
	go func() {
		<-ctx.Done()
		_ = b.Unsubscribe(context.Background(), lock, ch)
	}()
	return ch, nil
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *InMemoryBus) Unsubscribe(ctx context.Context, lock string, ch chan Event) error {
	b.mu.Lock()
	subs := b.subs[lock]
	for i, c := range subs {
		if c == ch {
			subs[i] = subs[len(subs)-1]
			subs = subs[:len(subs)-1]
			b.subs[lock] = subs
			close(c)
			break
		}
	}
	if len(subs) == 0 {
		delete(b.subs, lock)
	}
	b.mu.Unlock()
	return nil
}

// Metrics reports publish/delivery counts for a bus.
type Metrics struct {
	Published uint64
	Delivered uint64
}

// Metrics returns the bus counters.
func (b *InMemoryBus) Metrics() Metrics {
	return Metrics{
		Published: atomic.LoadUint64(&b.published),
		Delivered: atomic.LoadUint64(&b.delivered),
	}
}
