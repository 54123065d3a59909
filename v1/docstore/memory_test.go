package docstore

import (
	"context"
	"errors"
	"testing"
	"time"

	dlockerrors "github.com/mirkobrombin/go-dlock/v1/errors"
)

func lockedDoc(name, token string, hb time.Time, timeout time.Duration) *Document {
	return &Document{
		Name:            name,
		State:           Locked,
		Token:           token,
		Owner:           Owner{AppName: "test-app", Hostname: "host-1"},
		AcquiredAt:      hb,
		LastHeartbeat:   hb,
		UpdatedAt:       hb,
		InactiveTimeout: timeout,
		LibraryVersion:  "1.0.0",
	}
}

func TestInMemoryInsertIfAbsentDuplicate(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	doc := lockedDoc("k", "tok-1", time.Now(), time.Minute)
	if err := s.InsertIfAbsent(ctx, doc); err != nil {
		t.Fatalf("insert: %v", err)
	}
	err := s.InsertIfAbsent(ctx, lockedDoc("k", "tok-2", time.Now(), time.Minute))
	if !errors.Is(err, dlockerrors.ErrDuplicateKey) {
		t.Fatalf("expected duplicate key, got %v", err)
	}
	got, err := s.FindOne(ctx, "k")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if got.Token != "tok-1" {
		t.Fatalf("first writer should win, token = %q", got.Token)
	}
}

func TestInMemoryFindOneAbsent(t *testing.T) {
	s := NewInMemory()
	got, err := s.FindOne(context.Background(), "missing")
	if err != nil || got != nil {
		t.Fatalf("expected nil, nil for absent doc, got %v, %v", got, err)
	}
}

func TestInMemoryUpdateOneConditions(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	hb := time.Now()
	if err := s.InsertIfAbsent(ctx, lockedDoc("k", "tok-1", hb, time.Minute)); err != nil {
		t.Fatalf("insert: %v", err)
	}

	locked := Locked
	wrong := "tok-2"
	matched, err := s.UpdateOne(ctx, Filter{Name: "k", Token: &wrong, State: &locked}, Update{State: ptrState(Unlocked)})
	if err != nil || matched {
		t.Fatalf("token mismatch must not match, matched %v err %v", matched, err)
	}

	stale := hb.Add(-time.Second)
	right := "tok-1"
	matched, err = s.UpdateOne(ctx, Filter{Name: "k", Token: &right, Heartbeat: &stale}, Update{State: ptrState(Unlocked)})
	if err != nil || matched {
		t.Fatalf("heartbeat mismatch must not match, matched %v err %v", matched, err)
	}

	empty := ""
	matched, err = s.UpdateOne(ctx, Filter{Name: "k", Token: &right, State: &locked, Heartbeat: &hb}, Update{
		State: ptrState(Unlocked), Token: &empty, Owner: &Owner{},
	})
	if err != nil || !matched {
		t.Fatalf("full condition must match, matched %v err %v", matched, err)
	}

	got, _ := s.FindOne(ctx, "k")
	if got.State != Unlocked || got.Token != "" || got.Owner.AppName != "" {
		t.Fatalf("document not transitioned: %+v", got)
	}
}

func TestInMemoryUpdateOneEmptyTokenConditionStillCompares(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	if err := s.InsertIfAbsent(ctx, lockedDoc("k", "tok-1", time.Now(), time.Minute)); err != nil {
		t.Fatalf("insert: %v", err)
	}

	locked := Locked
	empty := ""
	matched, err := s.UpdateOne(ctx, Filter{Name: "k", Token: &empty, State: &locked},
		Update{State: ptrState(Unlocked), Token: &empty})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if matched {
		t.Fatal("empty expected token must not match a held lock")
	}
	got, _ := s.FindOne(ctx, "k")
	if got.State != Locked || got.Token != "tok-1" {
		t.Fatalf("lock must remain held: %+v", got)
	}
}

func TestInMemoryUpdateOneIncrementsAttempts(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	if err := s.InsertIfAbsent(ctx, lockedDoc("k", "tok-1", time.Now(), time.Minute)); err != nil {
		t.Fatalf("insert: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := s.UpdateOne(ctx, Filter{Name: "k"}, Update{IncrementAttempts: true}); err != nil {
			t.Fatalf("increment: %v", err)
		}
	}
	got, _ := s.FindOne(ctx, "k")
	if got.Attempts != 3 {
		t.Fatalf("attempts = %d, want 3", got.Attempts)
	}
}

func TestInMemoryFindExpiredOrderAndLimit(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	now := time.Now()
	_ = s.InsertIfAbsent(ctx, lockedDoc("a", "t-a", now.Add(-3*time.Minute), time.Minute))
	_ = s.InsertIfAbsent(ctx, lockedDoc("b", "t-b", now.Add(-5*time.Minute), time.Minute))
	_ = s.InsertIfAbsent(ctx, lockedDoc("c", "t-c", now, time.Minute))
	unlockedDoc := lockedDoc("d", "", now.Add(-time.Hour), time.Minute)
	unlockedDoc.State = Unlocked
	_ = s.InsertIfAbsent(ctx, unlockedDoc)

	docs, err := s.FindExpired(ctx, now, 10)
	if err != nil {
		t.Fatalf("find expired: %v", err)
	}
	if len(docs) != 2 || docs[0].Name != "b" || docs[1].Name != "a" {
		t.Fatalf("expected [b a] oldest first, got %v", names(docs))
	}

	docs, err = s.FindExpired(ctx, now, 1)
	if err != nil || len(docs) != 1 || docs[0].Name != "b" {
		t.Fatalf("limit not honored, got %v err %v", names(docs), err)
	}
}

func TestInMemoryEnsureIndexIdempotent(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	spec := IndexSpec{Name: "stateV1Idx", Fields: []string{"state"}}
	for i := 0; i < 2; i++ {
		if err := s.EnsureIndex(ctx, spec); err != nil {
			t.Fatalf("ensure index: %v", err)
		}
	}
	if got := s.Indexes(); len(got) != 1 || got[0] != "stateV1Idx" {
		t.Fatalf("indexes = %v", got)
	}
}

func TestInMemoryServerTimeUsesClock(t *testing.T) {
	fixed := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	s := NewInMemory(WithClock(func() time.Time { return fixed }))
	got, err := s.ServerTime(context.Background())
	if err != nil || !got.Equal(fixed) {
		t.Fatalf("server time = %v, %v", got, err)
	}
}

func names(docs []*Document) []string {
	out := make([]string, len(docs))
	for i, d := range docs {
		out[i] = d.Name
	}
	return out
}

func ptrState(s State) *State { return &s }
