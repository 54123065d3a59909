package docstore

import (
	"context"
	"sort"
	"sync"
	"time"

	dlockerrors "github.com/mirkobrombin/go-dlock/v1/errors"
)

// InMemoryStore is a Store backed by local memory, for tests and
// single-process deployments. All operations are serialized by a mutex, which
// trivially satisfies the per-document atomicity contract.
type InMemoryStore struct {
	mu      sync.RWMutex
	docs    map[string]*Document
	indexes map[string]IndexSpec
	now     func() time.Time
}

// InMemoryOption configures an InMemoryStore.
type InMemoryOption func(*InMemoryStore)

// WithClock sets the time source used by ServerTime. Intended for tests.
func WithClock(now func() time.Time) InMemoryOption {
	return func(s *InMemoryStore) {
		s.now = now
	}
}

// NewInMemory returns a new InMemoryStore.
func NewInMemory(opts ...InMemoryOption) *InMemoryStore {
	s := &InMemoryStore{
		docs:    make(map[string]*Document),
		indexes: make(map[string]IndexSpec),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Begin implements Store.Begin.
func (s *InMemoryStore) Begin(ctx context.Context) (Session, error) {
	return NoopSession{}, nil
}

// FindOne implements Store.FindOne.
func (s *InMemoryStore) FindOne(ctx context.Context, name string) (*Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.docs[name]
	if !ok {
		return nil, nil
	}
	return d.Clone(), nil
}

// InsertIfAbsent implements Store.InsertIfAbsent.
func (s *InMemoryStore) InsertIfAbsent(ctx context.Context, doc *Document) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.docs[doc.Name]; ok {
		return dlockerrors.ErrDuplicateKey
	}
	s.docs[doc.Name] = doc.Clone()
	return nil
}

// UpdateOne implements Store.UpdateOne.
func (s *InMemoryStore) UpdateOne(ctx context.Context, f Filter, u Update) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.docs[f.Name]
	if !ok || !f.Matches(d) {
		return false, nil
	}
	u.Apply(d)
	return true, nil
}

// FindExpired implements Store.FindExpired.
func (s *InMemoryStore) FindExpired(ctx context.Context, now time.Time, limit int) ([]*Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	var out []*Document
	for _, d := range s.docs {
		if d.Expired(now) {
			out = append(out, d.Clone())
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastHeartbeat.Before(out[j].LastHeartbeat)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// EnsureIndex implements Store.EnsureIndex. The in-memory store has no real
// indexes; specs are recorded so provisioning stays observable and idempotent.
func (s *InMemoryStore) EnsureIndex(ctx context.Context, spec IndexSpec) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	s.indexes[spec.Name] = spec
	s.mu.Unlock()
	return nil
}

// Indexes returns the names of the ensured indexes.
func (s *InMemoryStore) Indexes() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.indexes))
	for name := range s.indexes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ServerTime implements Store.ServerTime.
func (s *InMemoryStore) ServerTime(ctx context.Context) (time.Time, error) {
	if err := ctx.Err(); err != nil {
		return time.Time{}, err
	}
	return s.now(), nil
}
