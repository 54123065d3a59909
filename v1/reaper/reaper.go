package reaper

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mirkobrombin/go-dlock/v1/clock"
	"github.com/mirkobrombin/go-dlock/v1/docstore"
	"github.com/mirkobrombin/go-dlock/v1/eventbus"
	"github.com/mirkobrombin/go-dlock/v1/metrics"
)

const (
	defaultInterval    = 30 * time.Second
	defaultBatchSize   = 100
	defaultParallelism = 4
	defaultScanTimeout = 30 * time.Second

	// ReasonTimeout is the reason recorded on reclamation events.
	ReasonTimeout = "heartbeat timeout"
)

// Reaper periodically scans for locked documents whose heartbeat is older
// than their inactive timeout and transitions them back to unlocked.
type Reaper struct {
	store docstore.Store
	bus   eventbus.Bus
	clk   *clock.Estimator

	interval    time.Duration
	batchSize   int
	parallelism int
	scanTimeout time.Duration

	mu      sync.Mutex
	stop    chan struct{}
	done    chan struct{}
	running bool
}

// Option configures a Reaper.
type Option func(*Reaper)

// WithInterval sets the cadence of the scan loop.
func WithInterval(d time.Duration) Option {
	return func(r *Reaper) {
		r.interval = d
	}
}

// WithBatchSize caps the number of documents reclaimed per scan.
func WithBatchSize(n int) Option {
	return func(r *Reaper) {
		r.batchSize = n
	}
}

// WithParallelism bounds the number of concurrent reclamation updates.
func WithParallelism(n int) Option {
	return func(r *Reaper) {
		r.parallelism = n
	}
}

// WithScanTimeout bounds the duration of one scan iteration.
func WithScanTimeout(d time.Duration) Option {
	return func(r *Reaper) {
		r.scanTimeout = d
	}
}

// WithBus sets the event bus reclamation events are published to.
func WithBus(bus eventbus.Bus) Option {
	return func(r *Reaper) {
		r.bus = bus
	}
}

// New returns a new Reaper scanning the given store.
func New(store docstore.Store, opts ...Option) *Reaper {
	r := &Reaper{
		store:       store,
		clk:         clock.New(store),
		interval:    defaultInterval,
		batchSize:   defaultBatchSize,
		parallelism: defaultParallelism,
		scanTimeout: defaultScanTimeout,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start launches the scan loop. It is a no-op if the reaper is already
// running.
func (r *Reaper) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return
	}
	r.running = true
	r.stop = make(chan struct{})
	r.done = make(chan struct{})
	metrics.ReaperGauge.Inc()
	go r.loop(r.stop, r.done)
}

// Stop halts the scan loop and waits for the current iteration to finish.
// Each reclamation is atomic and self-contained, so stopping between
// iterations leaves no partial state.
func (r *Reaper) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	stop, done := r.stop, r.done
	r.mu.Unlock()
	close(stop)
	<-done
	metrics.ReaperGauge.Dec()
}

func (r *Reaper) loop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), r.scanTimeout)
			_, _ = r.RunOnce(ctx)
			cancel()
		case <-stop:
			return
		}
	}
}

// RunOnce performs a single scan and returns the number of locks reclaimed.
func (r *Reaper) RunOnce(ctx context.Context) (int, error) {
	now, err := r.clk.Estimate(ctx)
	if err != nil {
		return 0, err
	}
	docs, err := r.store.FindExpired(ctx, now, r.batchSize)
	if err != nil {
		return 0, err
	}

	var mu sync.Mutex
	reclaimed := 0
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.parallelism)
	for _, doc := range docs {
		doc := doc
		g.Go(func() error {
			ok, err := r.reclaim(gctx, doc, now)
			if err != nil {
				return err
			}
			if ok {
				mu.Lock()
				reclaimed++
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return reclaimed, err
	}
	return reclaimed, nil
}

// reclaim transitions one expired document back to unlocked. The filter pins
// the token and heartbeat observed at scan time: a release clears the token
// and a refresh moves the heartbeat, so either makes this a no-op.
func (r *Reaper) reclaim(ctx context.Context, doc *docstore.Document, now time.Time) (bool, error) {
	unlocked := docstore.Unlocked
	empty := ""
	matched, err := r.store.UpdateOne(ctx,
		docstore.Filter{
			Name:      doc.Name,
			Token:     &doc.Token,
			State:     ptrState(docstore.Locked),
			Heartbeat: &doc.LastHeartbeat,
		},
		docstore.Update{
			State:          &unlocked,
			Token:          &empty,
			Owner:          &docstore.Owner{},
			AcquiredAt:     &time.Time{},
			UpdatedAt:      &now,
			Attempts:       ptrInt64(0),
			LibraryVersion: &empty,
		})
	if err != nil || !matched {
		return false, err
	}
	metrics.ReapedCounter.Inc()
	if r.bus != nil {
		ev := eventbus.NewEvent(doc.Name, eventbus.KindReclaimed)
		ev.Owner = doc.Owner
		ev.Held = now.Sub(doc.AcquiredAt)
		ev.Reason = ReasonTimeout
		_ = r.bus.Publish(ctx, ev)
	}
	return true, nil
}

func ptrState(s docstore.State) *docstore.State { return &s }
func ptrInt64(n int64) *int64                   { return &n }
