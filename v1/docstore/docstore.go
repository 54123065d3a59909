package docstore

import (
	"context"
	"time"
)

// State is the lifecycle state of a lock document.
type State int

const (
	Unlocked State = iota
	Locked
)

// String returns the persisted code for the state.
func (s State) String() string {
	if s == Locked {
		return "locked"
	}
	return "unlocked"
}

// Owner carries diagnostic information about the current lock holder. It is
// never consulted by lock logic.
type Owner struct {
	AppName     string `json:"appName,omitempty"`
	HostAddress string `json:"hostAddress,omitempty"`
	Hostname    string `json:"hostname,omitempty"`
	UnitID      string `json:"unitId,omitempty"`
	UnitName    string `json:"unitName,omitempty"`
	GroupName   string `json:"groupName,omitempty"`
}

// Document is the persisted record for one named lock. A document is created
// by the first acquire on a name and never deleted afterwards.
type Document struct {
	Name            string
	State           State
	Token           string // non-empty iff State == Locked
	Owner           Owner
	AcquiredAt      time.Time // zero when unlocked
	LastHeartbeat   time.Time
	UpdatedAt       time.Time
	Attempts        int64
	InactiveTimeout time.Duration
	LibraryVersion  string
}

// Clone returns a copy of the document.
func (d *Document) Clone() *Document {
	cp := *d
	return &cp
}

// Expired reports whether the document is a locked document whose heartbeat
// is older than its inactive timeout at the given instant. A zero inactive
// timeout means the lock never expires.
func (d *Document) Expired(now time.Time) bool {
	if d.State != Locked || d.InactiveTimeout <= 0 {
		return false
	}
	return now.Sub(d.LastHeartbeat) > d.InactiveTimeout
}

// Filter selects the document a conditional update applies to. Name is always
// required; the remaining fields are optional conditions, all of which must
// hold at the instant the update is applied.
type Filter struct {
	Name      string
	State     *State
	Token     *string
	Heartbeat *time.Time // exact match on LastHeartbeat
}

// Matches reports whether the filter conditions hold for the document.
func (f Filter) Matches(d *Document) bool {
	if d == nil || d.Name != f.Name {
		return false
	}
	if f.State != nil && d.State != *f.State {
		return false
	}
	if f.Token != nil && d.Token != *f.Token {
		return false
	}
	if f.Heartbeat != nil && !d.LastHeartbeat.Equal(*f.Heartbeat) {
		return false
	}
	return true
}

// Update describes the fields a conditional update sets. Nil pointers leave
// the field untouched; a pointer to a zero value clears it.
type Update struct {
	State             *State
	Token             *string
	Owner             *Owner
	AcquiredAt        *time.Time
	LastHeartbeat     *time.Time
	UpdatedAt         *time.Time
	Attempts          *int64
	InactiveTimeout   *time.Duration
	LibraryVersion    *string
	IncrementAttempts bool
}

// Apply writes the update into the document.
func (u Update) Apply(d *Document) {
	if u.State != nil {
		d.State = *u.State
	}
	if u.Token != nil {
		d.Token = *u.Token
	}
	if u.Owner != nil {
		d.Owner = *u.Owner
	}
	if u.AcquiredAt != nil {
		d.AcquiredAt = *u.AcquiredAt
	}
	if u.LastHeartbeat != nil {
		d.LastHeartbeat = *u.LastHeartbeat
	}
	if u.UpdatedAt != nil {
		d.UpdatedAt = *u.UpdatedAt
	}
	if u.Attempts != nil {
		d.Attempts = *u.Attempts
	}
	if u.InactiveTimeout != nil {
		d.InactiveTimeout = *u.InactiveTimeout
	}
	if u.LibraryVersion != nil {
		d.LibraryVersion = *u.LibraryVersion
	}
	if u.IncrementAttempts {
		d.Attempts++
	}
}

// IndexSpec describes a supporting index the provisioner ensures.
type IndexSpec struct {
	Name   string
	Fields []string
	Unique bool
}

// Session scopes a sequence of store operations that need read-after-write
// consistency. Backends that do not need sticky sessions return a no-op.
type Session interface {
	End(ctx context.Context)
}

// Store is the document store contract the lock protocol runs against.
//
// UpdateOne and InsertIfAbsent must be atomic and linearizable with respect
// to all other operations on the same document.
type Store interface {
	// Begin opens a session. The caller must call End on every exit path.
	Begin(ctx context.Context) (Session, error)
	// FindOne returns the document for the given name, or nil if absent.
	FindOne(ctx context.Context, name string) (*Document, error)
	// InsertIfAbsent inserts the document if no document with the same name
	// exists, returning errors.ErrDuplicateKey otherwise.
	InsertIfAbsent(ctx context.Context, doc *Document) error
	// UpdateOne atomically applies the update to the document matching the
	// filter. It reports whether a document matched.
	UpdateOne(ctx context.Context, f Filter, u Update) (bool, error)
	// FindExpired returns up to limit locked documents whose heartbeat is
	// older than their inactive timeout at the given instant, oldest first.
	FindExpired(ctx context.Context, now time.Time, limit int) ([]*Document, error)
	// EnsureIndex idempotently creates the described index.
	EnsureIndex(ctx context.Context, spec IndexSpec) error
	// ServerTime returns the store's current clock reading.
	ServerTime(ctx context.Context) (time.Time, error)
}

// NoopSession is a Session for backends without sticky-session semantics.
type NoopSession struct{}

// End implements Session.End.
func (NoopSession) End(context.Context) {}
