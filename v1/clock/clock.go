package clock

import (
	"context"
	"math"
	"time"
)

// DefaultSamples is the number of round trips used when none is configured.
const DefaultSamples = 3

// TimeSource reports the store's current clock reading.
type TimeSource interface {
	ServerTime(ctx context.Context) (time.Time, error)
}

// Estimator estimates the store's current time adjusted for network latency.
type Estimator struct {
	src     TimeSource
	samples int
	now     func() time.Time
}

// Option configures an Estimator.
type Option func(*Estimator)

// WithSamples sets the number of sequential round trips. Values below one
// are ignored.
func WithSamples(n int) Option {
	return func(e *Estimator) {
		if n >= 1 {
			e.samples = n
		}
	}
}

// WithNowFunc sets the local clock used to measure round-trip latency.
// Intended for tests.
func WithNowFunc(now func() time.Time) Option {
	return func(e *Estimator) {
		e.now = now
	}
}

// New returns a new Estimator reading from src.
func New(src TimeSource, opts ...Option) *Estimator {
	e := &Estimator{src: src, samples: DefaultSamples, now: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Estimate performs the configured number of sequential round trips and
// returns the last server timestamp plus the rounded average one-way latency.
// Any transport error aborts the estimate; no default is ever returned.
func (e *Estimator) Estimate(ctx context.Context) (time.Time, error) {
	var last time.Time
	var totalRTT time.Duration
	for i := 0; i < e.samples; i++ {
		start := e.now()
		t, err := e.src.ServerTime(ctx)
		if err != nil {
			return time.Time{}, err
		}
		totalRTT += e.now().Sub(start)
		last = t
	}
	oneWay := time.Duration(math.Round(float64(totalRTT) / float64(e.samples) / 2))
	return last.Add(oneWay), nil
}
