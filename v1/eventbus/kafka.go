package eventbus

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"

	sarama "github.com/IBM/sarama"
)

// DefaultKafkaTopic is the topic used when none is configured.
const DefaultKafkaTopic = "dlock-events"

// KafkaBus implements Bus using a Kafka backend. All events share one topic,
// keyed by lock name; every partition of the topic is consumed and
// subscribers filter on the key.
type KafkaBus struct {
	producer sarama.SyncProducer
	consumer sarama.Consumer
	topic    string

	mu        sync.Mutex
	pcs       []sarama.PartitionConsumer
	subs      map[string][]chan Event
	published uint64
	delivered uint64
}

// KafkaOption configures a KafkaBus.
type KafkaOption func(*KafkaBus)

// WithKafkaTopic sets the topic events are produced to and consumed from.
func WithKafkaTopic(topic string) KafkaOption {
	return func(b *KafkaBus) {
		b.topic = topic
	}
}

// NewKafkaBus creates a new KafkaBus connecting to the given brokers.
func NewKafkaBus(brokers []string, cfg *sarama.Config, opts ...KafkaOption) (*KafkaBus, error) {
	if !cfg.Producer.Return.Successes {
		cfg.Producer.Return.Successes = true
	}
	client, err := sarama.NewClient(brokers, cfg)
	if err != nil {
		return nil, err
	}
	producer, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	consumer, err := sarama.NewConsumerFromClient(client)
	if err != nil {
		_ = producer.Close()
		_ = client.Close()
		return nil, err
	}
	b := &KafkaBus{
		producer: producer,
		consumer: consumer,
		topic:    DefaultKafkaTopic,
		subs:     make(map[string][]chan Event),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// Publish implements Bus.Publish.
func (b *KafkaBus) Publish(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	msg := &sarama.ProducerMessage{
		Topic: b.topic,
		Key:   sarama.StringEncoder(ev.Lock),
		Value: sarama.ByteEncoder(payload),
	}
	if _, _, err := b.producer.SendMessage(msg); err != nil {
		return err
	}
	atomic.AddUint64(&b.published, 1)
	return nil
}

// Subscribe implements Bus.Subscribe.
func (b *KafkaBus) Subscribe(ctx context.Context, lock string) (chan Event, error) {
	ch := make(chan Event, 16)
	b.mu.Lock()
	if b.pcs == nil {
		partitions, err := b.consumer.Partitions(b.topic)
		if err != nil {
			b.mu.Unlock()
			return nil, err
		}
		for _, p := range partitions {
			pc, err := b.consumer.ConsumePartition(b.topic, p, sarama.OffsetNewest)
			if err != nil {
				for _, open := range b.pcs {
					_ = open.Close()
				}
				b.pcs = nil
				b.mu.Unlock()
				return nil, err
			}
			b.pcs = append(b.pcs, pc)
			go b.dispatch(pc)
		}
	}
	b.subs[lock] = append(b.subs[lock], ch)
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		_ = b.Unsubscribe(context.Background(), lock, ch)
	}()
	return ch, nil
}

func (b *KafkaBus) dispatch(pc sarama.PartitionConsumer) {
	for msg := range pc.Messages() {
		var ev Event
		if err := json.Unmarshal(msg.Value, &ev); err != nil {
			continue
		}
		b.mu.Lock()
		chans := append([]chan Event(nil), b.subs[ev.Lock]...)
		chans = append(chans, b.subs[""]...)
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
func (b *KafkaBus) Unsubscribe(ctx context.Context, lock string, ch chan Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
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
	return nil
}

// Close stops the consumer and producer.
func (b *KafkaBus) Close() error {
	b.mu.Lock()
	for _, pc := range b.pcs {
		_ = pc.Close()
	}
	b.pcs = nil
	b.mu.Unlock()
	if err := b.producer.Close(); err != nil {
		_ = b.consumer.Close()
		return err
	}
	return b.consumer.Close()
}

// Metrics returns the bus counters.
func (b *KafkaBus) Metrics() Metrics {
	return Metrics{
		Published: atomic.LoadUint64(&b.published),
		Delivered: atomic.LoadUint64(&b.delivered),
	}
}
