package dlock

import (
	"context"
	stdErrors "errors"
	"math/rand"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/mirkobrombin/go-dlock/v1/clock"
	"github.com/mirkobrombin/go-dlock/v1/docstore"
	dlockerrors "github.com/mirkobrombin/go-dlock/v1/errors"
	"github.com/mirkobrombin/go-dlock/v1/eventbus"
	"github.com/mirkobrombin/go-dlock/v1/metrics"
)

var tracer = otel.Tracer("github.com/mirkobrombin/go-dlock/v1/dlock")

// Token proves ownership of a held lock. It is required to release or
// heartbeat the lock and is opaque to callers.
type Token string

// Manager coordinates acquire, release and heartbeat of named locks against
// a document store. A single Manager is safe for concurrent use; callers on
// the same name are serialized by a per-name mutex for local throughput, and
// cross-process safety comes solely from the store's conditional updates.
type Manager struct {
	store docstore.Store
	bus   eventbus.Bus
	clk   *clock.Estimator

	appName           string
	hostAddress       string
	hostname          string
	groupName         string
	inactiveTimeout   time.Duration
	heartbeatInterval time.Duration
	autoHeartbeat     bool
	traceEnabled      bool
	clockSamples      int

	unit atomic.Uint64

	mu      sync.Mutex
	names   map[string]*sync.Mutex
	keepers map[string]*keeper
}

// New returns a new Manager for the given store and application name.
func New(store docstore.Store, appName string, opts ...Option) *Manager {
	m := &Manager{
		store:           store,
		appName:         appName,
		hostAddress:     defaultHostAddress(),
		hostname:        defaultHostname(),
		groupName:       "main",
		inactiveTimeout: DefaultInactiveTimeout,
		autoHeartbeat:   true,
		clockSamples:    clock.DefaultSamples,
		names:           make(map[string]*sync.Mutex),
		keepers:         make(map[string]*keeper),
	}
	for _, opt := range opts {
		opt(m)
	}
	if store != nil {
		m.clk = clock.New(store, clock.WithSamples(m.clockSamples))
	}
	return m
}

// nameMutex returns the in-process mutex for one lock name. It only tunes
// local contention; unrelated names never share a mutex.
func (m *Manager) nameMutex(name string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	mu, ok := m.names[name]
	if !ok {
		mu = &sync.Mutex{}
		m.names[name] = mu
	}
	return mu
}

func (m *Manager) owner() docstore.Owner {
	id := strconv.FormatUint(m.unit.Add(1), 10)
	return docstore.Owner{
		AppName:     m.appName,
		HostAddress: m.hostAddress,
		Hostname:    m.hostname,
		UnitID:      id,
		UnitName:    "goroutine-" + id,
		GroupName:   m.groupName,
	}
}

func (m *Manager) lockConfig(opts []LockOption) lockConfig {
	cfg := lockConfig{timeout: m.inactiveTimeout}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

func ptr[T any](v T) *T { return &v }

// Acquire attempts to take the named lock once. It returns the ownership
// token and true on success, or false when the lock is currently held
// elsewhere. Transport errors are returned as-is; losing a race is not an
// error. Acquire never blocks waiting for the lock.
func (m *Manager) Acquire(ctx context.Context, name string, opts ...LockOption) (Token, bool, error) {
	cfg := m.lockConfig(opts)

	var span trace.Span
	if m.traceEnabled {
		ctx, span = tracer.Start(ctx, "Manager.Acquire")
		defer span.End()
		span.SetAttributes(attribute.String("dlock.name", name))
	}

	nameMu := m.nameMutex(name)
	nameMu.Lock()
	defer nameMu.Unlock()

	sess, err := m.store.Begin(ctx)
	if err != nil {
		return "", false, err
	}
	defer sess.End(ctx)

	doc, err := m.store.FindOne(ctx, name)
	if err != nil {
		return "", false, err
	}
	now, err := m.clk.Estimate(ctx)
	if err != nil {
		return "", false, err
	}
	tok := Token(uuid.NewString())

	owner := m.owner()
	tryUpdate := doc != nil && doc.State == docstore.Unlocked
	if doc == nil {
		newDoc := &docstore.Document{
			Name:            name,
			State:           docstore.Locked,
			Token:           string(tok),
			Owner:           owner,
			AcquiredAt:      now,
			LastHeartbeat:   now,
			UpdatedAt:       now,
			Attempts:        0,
			InactiveTimeout: cfg.timeout,
			LibraryVersion:  Version,
		}
		err := m.store.InsertIfAbsent(ctx, newDoc)
		switch {
		case err == nil:
			m.acquired(ctx, name, tok, owner, cfg, span)
			return tok, true, nil
		case !stdErrors.Is(err, dlockerrors.ErrDuplicateKey):
			return "", false, err
		}
		// A concurrent creator won the insert race. The conditional update
		// below decides whether the lock is takeable right now.
		tryUpdate = true
	}

	if tryUpdate {
		matched, err := m.store.UpdateOne(ctx,
			docstore.Filter{Name: name, State: ptr(docstore.Unlocked)},
			docstore.Update{
				State:           ptr(docstore.Locked),
				Token:           ptr(string(tok)),
				Owner:           &owner,
				AcquiredAt:      &now,
				LastHeartbeat:   &now,
				UpdatedAt:       &now,
				Attempts:        ptr(int64(0)),
				InactiveTimeout: &cfg.timeout,
				LibraryVersion:  ptr(Version),
			})
		if err != nil {
			return "", false, err
		}
		if matched {
			m.acquired(ctx, name, tok, owner, cfg, span)
			return tok, true, nil
		}
	}

	// Diagnostic bookkeeping only; deliberately not atomic with the failed
	// attempt and allowed to fail silently.
	_, _ = m.store.UpdateOne(ctx, docstore.Filter{Name: name}, docstore.Update{IncrementAttempts: true})
	metrics.AcquireMissCounter.Inc()
	if span != nil {
		span.SetAttributes(attribute.String("dlock.result", "unavailable"))
	}
	return "", false, nil
}

func (m *Manager) acquired(ctx context.Context, name string, tok Token, owner docstore.Owner, cfg lockConfig, span trace.Span) {
	metrics.AcquireCounter.Inc()
	if span != nil {
		span.SetAttributes(attribute.String("dlock.result", "acquired"))
	}
	if m.autoHeartbeat {
		m.startKeeper(name, tok, m.keeperInterval(cfg))
	}
	if m.bus != nil {
		ev := eventbus.NewEvent(name, eventbus.KindAcquired)
		ev.Owner = owner
		_ = m.bus.Publish(ctx, ev)
	}
}

// Release gives up the named lock. It returns true when the lock was held
// with the given token and is now unlocked, and false when it was not: the
// lock was already unlocked, held under a different token, or reclaimed by
// the reaper. A false result must not be ignored by holders.
func (m *Manager) Release(ctx context.Context, name string, tok Token, opts ...LockOption) (bool, error) {
	cfg := m.lockConfig(opts)

	var span trace.Span
	if m.traceEnabled {
		ctx, span = tracer.Start(ctx, "Manager.Release")
		defer span.End()
		span.SetAttributes(attribute.String("dlock.name", name))
	}

	m.stopKeeper(name)

	sess, err := m.store.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer sess.End(ctx)

	now, err := m.clk.Estimate(ctx)
	if err != nil {
		return false, err
	}

	matched, err := m.store.UpdateOne(ctx,
		docstore.Filter{Name: name, Token: ptr(string(tok)), State: ptr(docstore.Locked)},
		docstore.Update{
			State:           ptr(docstore.Unlocked),
			Token:           ptr(""),
			Owner:           &docstore.Owner{},
			AcquiredAt:      &time.Time{},
			UpdatedAt:       &now,
			Attempts:        ptr(int64(0)),
			InactiveTimeout: &cfg.timeout,
			LibraryVersion:  ptr(""),
		})
	if err != nil {
		return false, err
	}
	if !matched {
		metrics.ReleaseMissCounter.Inc()
		if span != nil {
			span.SetAttributes(attribute.String("dlock.result", "not_held"))
		}
		return false, nil
	}
	metrics.ReleaseCounter.Inc()
	if span != nil {
		span.SetAttributes(attribute.String("dlock.result", "released"))
	}
	if m.bus != nil {
		_ = m.bus.Publish(ctx, eventbus.NewEvent(name, eventbus.KindReleased))
	}
	return true, nil
}

// Heartbeat refreshes the liveness timestamp of a held lock. It returns
// false when the lock is no longer held under the given token, in which case
// the holder must stop assuming ownership.
func (m *Manager) Heartbeat(ctx context.Context, name string, tok Token) (bool, error) {
	sess, err := m.store.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer sess.End(ctx)

	now, err := m.clk.Estimate(ctx)
	if err != nil {
		return false, err
	}
	matched, err := m.store.UpdateOne(ctx,
		docstore.Filter{Name: name, Token: ptr(string(tok)), State: ptr(docstore.Locked)},
		docstore.Update{LastHeartbeat: &now, UpdatedAt: &now})
	if err != nil {
		return false, err
	}
	if matched {
		metrics.HeartbeatCounter.Inc()
	}
	return matched, nil
}

const (
	waitBaseBackoff = 50 * time.Millisecond
	waitMaxBackoff  = time.Second
)

// AcquireWait repeatedly attempts Acquire until it succeeds or the context
// is cancelled. Between attempts it waits with jittered exponential backoff,
// woken early by bus events for the name when a bus is configured.
func (m *Manager) AcquireWait(ctx context.Context, name string, opts ...LockOption) (Token, error) {
	var ch chan eventbus.Event
	if m.bus != nil {
		var err error
		ch, err = m.bus.Subscribe(ctx, name)
		if err != nil {
			return "", err
		}
		defer func() {
			_ = m.bus.Unsubscribe(context.Background(), name, ch)
		}()
	}
	backoff := waitBaseBackoff
	for {
		tok, ok, err := m.Acquire(ctx, name, opts...)
		if err != nil {
			return "", err
		}
		if ok {
			return tok, nil
		}
		wait := backoff + time.Duration(rand.Int63n(int64(backoff)/2+1))
		timer := time.NewTimer(wait)
		select {
		case <-ch: // a nil channel blocks forever, leaving the timer in charge
			timer.Stop()
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return "", ctx.Err()
		}
		if backoff *= 2; backoff > waitMaxBackoff {
			backoff = waitMaxBackoff
		}
	}
}
