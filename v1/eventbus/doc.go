// Package eventbus propagates lock lifecycle events (acquired, released,
// reclaimed) to interested observers. Besides the in-memory implementation,
// Redis pub/sub, NATS and Kafka backends are available, plus HTTP handlers
// that stream events over SSE or WebSocket. Events are diagnostic: delivery
// is best effort and never load-bearing for lock correctness.
package eventbus
