package dlock

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mirkobrombin/go-dlock/v1/docstore"
	dlockerrors "github.com/mirkobrombin/go-dlock/v1/errors"
	"github.com/mirkobrombin/go-dlock/v1/eventbus"
)

func newTestManager(t *testing.T, opts ...Option) (*Manager, *docstore.InMemoryStore) {
	t.Helper()
	store := docstore.NewInMemory()
	opts = append([]Option{WithAutoHeartbeat(false)}, opts...)
	m := New(store, "test-app", opts...)
	if err := m.Setup(context.Background()); err != nil {
		t.Fatalf("setup: %v", err)
	}
	return m, store
}

func TestAcquireReleaseCycle(t *testing.T) {
	m, store := newTestManager(t)
	ctx := context.Background()

	tok, ok, err := m.Acquire(ctx, "job")
	if err != nil || !ok || tok == "" {
		t.Fatalf("acquire: tok %q ok %v err %v", tok, ok, err)
	}
	doc, _ := store.FindOne(ctx, "job")
	if doc.State != docstore.Locked || doc.Token != string(tok) || doc.Attempts != 0 {
		t.Fatalf("document after acquire: %+v", doc)
	}
	if doc.Owner.AppName != "test-app" {
		t.Fatalf("owner not populated: %+v", doc.Owner)
	}

	if _, ok, err := m.Acquire(ctx, "job"); err != nil || ok {
		t.Fatalf("second acquire should be unavailable, ok %v err %v", ok, err)
	}

	released, err := m.Release(ctx, "job", tok)
	if err != nil || !released {
		t.Fatalf("release: %v %v", released, err)
	}
	doc, _ = store.FindOne(ctx, "job")
	if doc.State != docstore.Unlocked || doc.Token != "" || doc.Owner.AppName != "" || !doc.AcquiredAt.IsZero() {
		t.Fatalf("document after release: %+v", doc)
	}

	if _, ok, err := m.Acquire(ctx, "job"); err != nil || !ok {
		t.Fatalf("reacquire after release, ok %v err %v", ok, err)
	}
}

func TestConcurrentAcquireSingleWinner(t *testing.T) {
	m, store := newTestManager(t)
	ctx := context.Background()

	const n = 32
	var wg sync.WaitGroup
	var mu sync.Mutex
	var tokens []Token
	failures := 0
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tok, ok, err := m.Acquire(ctx, "contested")
			if err != nil {
				t.Errorf("acquire: %v", err)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if ok {
				tokens = append(tokens, tok)
			} else {
				failures++
			}
		}()
	}
	wg.Wait()

	if len(tokens) != 1 || failures != n-1 {
		t.Fatalf("winners %d failures %d, want 1 and %d", len(tokens), failures, n-1)
	}
	doc, _ := store.FindOne(ctx, "contested")
	if doc.Token != string(tokens[0]) {
		t.Fatalf("stored token %q != winner token %q", doc.Token, tokens[0])
	}
	if doc.Attempts != int64(n-1) {
		t.Fatalf("attempts = %d, want %d", doc.Attempts, n-1)
	}
}

func TestReleaseWrongTokenKeepsLock(t *testing.T) {
	m, store := newTestManager(t)
	ctx := context.Background()

	tok, ok, err := m.Acquire(ctx, "job")
	if err != nil || !ok {
		t.Fatalf("acquire: ok %v err %v", ok, err)
	}
	released, err := m.Release(ctx, "job", Token("not-the-token"))
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if released {
		t.Fatal("release with a foreign token must report not held")
	}
	doc, _ := store.FindOne(ctx, "job")
	if doc.State != docstore.Locked || doc.Token != string(tok) {
		t.Fatalf("lock must remain held: %+v", doc)
	}
}

func TestReleaseUnlockedReportsNotHeld(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	tok, _, _ := m.Acquire(ctx, "job")
	if released, _ := m.Release(ctx, "job", tok); !released {
		t.Fatal("first release should succeed")
	}
	if released, err := m.Release(ctx, "job", tok); err != nil || released {
		t.Fatalf("double release must report not held, got %v err %v", released, err)
	}
}

func TestAttemptCountLifecycle(t *testing.T) {
	m, store := newTestManager(t)
	ctx := context.Background()

	tok, _, _ := m.Acquire(ctx, "job")
	for i := 1; i <= 2; i++ {
		if _, ok, _ := m.Acquire(ctx, "job"); ok {
			t.Fatal("acquire on held lock should fail")
		}
		doc, _ := store.FindOne(ctx, "job")
		if doc.Attempts != int64(i) {
			t.Fatalf("attempts = %d, want %d", doc.Attempts, i)
		}
	}
	if released, _ := m.Release(ctx, "job", tok); !released {
		t.Fatal("release failed")
	}
	doc, _ := store.FindOne(ctx, "job")
	if doc.Attempts != 0 {
		t.Fatalf("attempts after release = %d, want 0", doc.Attempts)
	}
}

// blindStore hides an existing document from the initial lookup, simulating a
// concurrent creator winning between the read and the insert.
type blindStore struct {
	*docstore.InMemoryStore
	mu    sync.Mutex
	blind bool
}

func (s *blindStore) FindOne(ctx context.Context, name string) (*docstore.Document, error) {
	s.mu.Lock()
	blind := s.blind
	s.blind = false
	s.mu.Unlock()
	if blind {
		return nil, nil
	}
	return s.InMemoryStore.FindOne(ctx, name)
}

func TestDuplicateKeyFallsThroughToUpdate(t *testing.T) {
	ctx := context.Background()
	inner := docstore.NewInMemory()

	// The racing creator left the document unlocked: the fallthrough
	// conditional update should win the lock.
	doc := &docstore.Document{Name: "job", State: docstore.Unlocked, InactiveTimeout: time.Minute}
	if err := inner.InsertIfAbsent(ctx, doc); err != nil {
		t.Fatalf("seed: %v", err)
	}
	store := &blindStore{InMemoryStore: inner, blind: true}
	m := New(store, "test-app", WithAutoHeartbeat(false))
	tok, ok, err := m.Acquire(ctx, "job")
	if err != nil || !ok {
		t.Fatalf("fallthrough acquire: ok %v err %v", ok, err)
	}
	got, _ := inner.FindOne(ctx, "job")
	if got.Token != string(tok) {
		t.Fatalf("token mismatch after fallthrough: %+v", got)
	}
}

func TestDuplicateKeyFallthroughUnavailable(t *testing.T) {
	ctx := context.Background()
	inner := docstore.NewInMemory()

	// The racing creator holds the lock: the fallthrough update must fail
	// and count the attempt.
	seed := &docstore.Document{Name: "job", State: docstore.Locked, Token: "other", InactiveTimeout: time.Minute}
	if err := inner.InsertIfAbsent(ctx, seed); err != nil {
		t.Fatalf("seed: %v", err)
	}
	store := &blindStore{InMemoryStore: inner, blind: true}
	m := New(store, "test-app", WithAutoHeartbeat(false))
	_, ok, err := m.Acquire(ctx, "job")
	if err != nil || ok {
		t.Fatalf("expected unavailable, ok %v err %v", ok, err)
	}
	got, _ := inner.FindOne(ctx, "job")
	if got.Token != "other" || got.Attempts != 1 {
		t.Fatalf("document after lost race: %+v", got)
	}
}

func TestHeartbeatRefreshesHeldLock(t *testing.T) {
	m, store := newTestManager(t)
	ctx := context.Background()

	tok, _, _ := m.Acquire(ctx, "job")
	before, _ := store.FindOne(ctx, "job")
	time.Sleep(5 * time.Millisecond)
	ok, err := m.Heartbeat(ctx, "job", tok)
	if err != nil || !ok {
		t.Fatalf("heartbeat: ok %v err %v", ok, err)
	}
	after, _ := store.FindOne(ctx, "job")
	if !after.LastHeartbeat.After(before.LastHeartbeat) {
		t.Fatalf("heartbeat not advanced: %v -> %v", before.LastHeartbeat, after.LastHeartbeat)
	}

	if released, _ := m.Release(ctx, "job", tok); !released {
		t.Fatal("release failed")
	}
	if ok, err := m.Heartbeat(ctx, "job", tok); err != nil || ok {
		t.Fatalf("heartbeat after release must fail, ok %v err %v", ok, err)
	}
}

func TestAutoHeartbeatKeeper(t *testing.T) {
	store := docstore.NewInMemory()
	m := New(store, "test-app", WithHeartbeatInterval(10*time.Millisecond))
	ctx := context.Background()

	tok, ok, err := m.Acquire(ctx, "job", WithLockTimeout(time.Minute))
	if err != nil || !ok {
		t.Fatalf("acquire: ok %v err %v", ok, err)
	}
	before, _ := store.FindOne(ctx, "job")
	time.Sleep(60 * time.Millisecond)
	after, _ := store.FindOne(ctx, "job")
	if !after.LastHeartbeat.After(before.LastHeartbeat) {
		t.Fatal("keeper did not refresh the heartbeat")
	}

	if released, _ := m.Release(ctx, "job", tok); !released {
		t.Fatal("release failed")
	}
	atRelease, _ := store.FindOne(ctx, "job")
	time.Sleep(40 * time.Millisecond)
	final, _ := store.FindOne(ctx, "job")
	if !final.LastHeartbeat.Equal(atRelease.LastHeartbeat) {
		t.Fatal("keeper kept refreshing after release")
	}
}

func TestAcquireWaitTakesOverAfterRelease(t *testing.T) {
	store := docstore.NewInMemory()
	bus := eventbus.NewInMemoryBus()
	m := New(store, "test-app", WithAutoHeartbeat(false), WithBus(bus))
	ctx := context.Background()

	tok, ok, err := m.Acquire(ctx, "job")
	if err != nil || !ok {
		t.Fatalf("acquire: ok %v err %v", ok, err)
	}
	go func() {
		time.Sleep(50 * time.Millisecond)
		_, _ = m.Release(context.Background(), "job", tok)
	}()

	wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	tok2, err := m.AcquireWait(wctx, "job")
	if err != nil {
		t.Fatalf("acquire wait: %v", err)
	}
	if tok2 == tok {
		t.Fatal("second holder must get a fresh token")
	}
}

func TestAcquireWaitRespectsContext(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	if _, ok, _ := m.Acquire(ctx, "job"); !ok {
		t.Fatal("acquire failed")
	}
	wctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	if _, err := m.AcquireWait(wctx, "job"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestSetupValidation(t *testing.T) {
	store := docstore.NewInMemory()
	ctx := context.Background()

	if err := New(store, "").Setup(ctx); !errors.Is(err, dlockerrors.ErrConfiguration) {
		t.Fatalf("missing app name: %v", err)
	}
	if err := New(nil, "app").Setup(ctx); !errors.Is(err, dlockerrors.ErrConfiguration) {
		t.Fatalf("missing store: %v", err)
	}
	if err := New(store, "app", WithInactiveTimeout(0)).Setup(ctx); !errors.Is(err, dlockerrors.ErrConfiguration) {
		t.Fatalf("zero timeout: %v", err)
	}
}

func TestSetupTwiceNoDuplicateIndexes(t *testing.T) {
	m, store := newTestManager(t)
	if err := m.Setup(context.Background()); err != nil {
		t.Fatalf("second setup: %v", err)
	}
	if got, want := len(store.Indexes()), len(IndexSpecs()); got != want {
		t.Fatalf("indexes = %d, want %d", got, want)
	}
}
