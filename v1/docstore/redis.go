package docstore

import (
	"context"
	stdErrors "errors"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"

	dlockerrors "github.com/mirkobrombin/go-dlock/v1/errors"
)

const (
	defaultRedisPrefix    = "dlock"
	defaultRedisOpTimeout = 5 * time.Second
)

// Hash field names of the persisted lock document.
const (
	fieldName       = "name"
	fieldState      = "state"
	fieldToken      = "lockToken"
	fieldOwnerApp   = "ownerAppName"
	fieldOwnerAddr  = "ownerAddress"
	fieldOwnerHost  = "ownerHostname"
	fieldOwnerUnit  = "ownerUnitId"
	fieldOwnerUName = "ownerUnitName"
	fieldOwnerGroup = "ownerGroupName"
	fieldAcquired   = "lockAcquiredTime"
	fieldHeartbeat  = "lastHeartbeat"
	fieldUpdated    = "updated"
	fieldAttempts   = "lockAttemptCount"
	fieldTimeout    = "inactiveLockTimeout"
	fieldLibVersion = "libraryVersion"
)

// insertScript creates the lock document only if none exists. KEYS[1] is the
// document hash, KEYS[2] the expiry index zset. ARGV[1] is the lock name,
// followed by field/value pairs.
var insertScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then
	return 0
end
for i = 2, #ARGV, 2 do
	redis.call("HSET", KEYS[1], ARGV[i], ARGV[i+1])
end
if redis.call("HGET", KEYS[1], "state") == "locked" then
	local hb = tonumber(redis.call("HGET", KEYS[1], "lastHeartbeat"))
	local tmo = tonumber(redis.call("HGET", KEYS[1], "inactiveLockTimeout"))
	if tmo > 0 then
		redis.call("ZADD", KEYS[2], hb + tmo, ARGV[1])
	end
end
return 1
`)

// updateScript applies field updates only when the conditions hold, and keeps
// the expiry index in step with the document. ARGV[1] is the lock name;
// ARGV[2]/[4]/[6] are "1" when the state/token/heartbeat condition is present
// and ARGV[3]/[5]/[7] carry the expected values. A condition value is never
// used as its own presence marker: an empty expected token is a real
// comparison, not a skipped check. ARGV[8] is the attempt-increment flag,
// followed by field/value pairs.
var updateScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
	return 0
end
if ARGV[2] == "1" and redis.call("HGET", KEYS[1], "state") ~= ARGV[3] then
	return 0
end
if ARGV[4] == "1" and redis.call("HGET", KEYS[1], "lockToken") ~= ARGV[5] then
	return 0
end
if ARGV[6] == "1" and redis.call("HGET", KEYS[1], "lastHeartbeat") ~= ARGV[7] then
	return 0
end
for i = 9, #ARGV, 2 do
	redis.call("HSET", KEYS[1], ARGV[i], ARGV[i+1])
end
if ARGV[8] == "1" then
	redis.call("HINCRBY", KEYS[1], "lockAttemptCount", 1)
end
if redis.call("HGET", KEYS[1], "state") == "locked" then
	local hb = tonumber(redis.call("HGET", KEYS[1], "lastHeartbeat"))
	local tmo = tonumber(redis.call("HGET", KEYS[1], "inactiveLockTimeout"))
	if tmo > 0 then
		redis.call("ZADD", KEYS[2], hb + tmo, ARGV[1])
	else
		redis.call("ZREM", KEYS[2], ARGV[1])
	end
else
	redis.call("ZREM", KEYS[2], ARGV[1])
end
return 1
`)

// RedisStore implements Store using a Redis backend. Each lock document is a
// hash; conditional transitions run as Lua scripts so the condition check and
// the write are a single atomic step. A zset scored by the heartbeat deadline
// (lastHeartbeat + inactiveTimeout, unix milliseconds) indexes expiry scans.
type RedisStore struct {
	client  *redis.Client
	prefix  string
	timeout time.Duration
}

// RedisOption configures a RedisStore.
type RedisOption func(*redisStoreOptions)

type redisStoreOptions struct {
	prefix  string
	timeout time.Duration
}

// WithPrefix sets the key prefix for all store keys.
func WithPrefix(prefix string) RedisOption {
	return func(o *redisStoreOptions) {
		o.prefix = prefix
	}
}

// WithTimeout sets the operation timeout for Redis calls.
func WithTimeout(d time.Duration) RedisOption {
	return func(o *redisStoreOptions) {
		o.timeout = d
	}
}

// NewRedis returns a new RedisStore using the provided client.
func NewRedis(client *redis.Client, opts ...RedisOption) *RedisStore {
	o := redisStoreOptions{prefix: defaultRedisPrefix, timeout: defaultRedisOpTimeout}
	for _, opt := range opts {
		opt(&o)
	}
	return &RedisStore{client: client, prefix: o.prefix, timeout: o.timeout}
}

func (s *RedisStore) lockKey(name string) string { return s.prefix + ":lock:" + name }
func (s *RedisStore) expiryKey() string          { return s.prefix + ":idx:expiry" }
func (s *RedisStore) indexKey() string           { return s.prefix + ":indexes" }

func translateErr(err error) error {
	if stdErrors.Is(err, context.DeadlineExceeded) {
		return dlockerrors.ErrTimeout
	}
	if stdErrors.Is(err, redis.ErrClosed) {
		return dlockerrors.ErrConnectionClosed
	}
	return err
}

// Begin implements Store.Begin. Commands issued on one go-redis client are
// read-after-write consistent, so no sticky session is needed.
func (s *RedisStore) Begin(ctx context.Context) (Session, error) {
	return NoopSession{}, nil
}

// FindOne implements Store.FindOne.
func (s *RedisStore) FindOne(ctx context.Context, name string) (*Document, error) {
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	fields, err := s.client.HGetAll(cctx, s.lockKey(name)).Result()
	if err != nil {
		return nil, translateErr(err)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	return parseDocument(fields)
}

// InsertIfAbsent implements Store.InsertIfAbsent.
func (s *RedisStore) InsertIfAbsent(ctx context.Context, doc *Document) error {
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	argv := append([]interface{}{doc.Name}, documentArgs(doc)...)
	n, err := insertScript.Run(cctx, s.client, []string{s.lockKey(doc.Name), s.expiryKey()}, argv...).Int()
	if err != nil {
		return translateErr(err)
	}
	if n == 0 {
		return dlockerrors.ErrDuplicateKey
	}
	return nil
}

// UpdateOne implements Store.UpdateOne.
func (s *RedisStore) UpdateOne(ctx context.Context, f Filter, u Update) (bool, error) {
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	hasState, condState := "0", ""
	if f.State != nil {
		hasState, condState = "1", f.State.String()
	}
	hasToken, condToken := "0", ""
	if f.Token != nil {
		hasToken, condToken = "1", *f.Token
	}
	hasHeartbeat, condHeartbeat := "0", ""
	if f.Heartbeat != nil {
		hasHeartbeat, condHeartbeat = "1", formatTime(*f.Heartbeat)
	}
	incr := "0"
	if u.IncrementAttempts {
		incr = "1"
	}
	argv := append([]interface{}{
		f.Name,
		hasState, condState,
		hasToken, condToken,
		hasHeartbeat, condHeartbeat,
		incr,
	}, updateArgs(u)...)
	n, err := updateScript.Run(cctx, s.client, []string{s.lockKey(f.Name), s.expiryKey()}, argv...).Int()
	if err != nil {
		return false, translateErr(err)
	}
	return n == 1, nil
}

// FindExpired implements Store.FindExpired. The zset lookup is advisory; the
// documents are re-read and re-checked, and the reaper's conditional update
// revalidates everything atomically anyway.
func (s *RedisStore) FindExpired(ctx context.Context, now time.Time, limit int) ([]*Document, error) {
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	names, err := s.client.ZRangeByScore(cctx, s.expiryKey(), &redis.ZRangeBy{
		Min:    "-inf",
		Max:    formatTime(now),
		Offset: 0,
		Count:  int64(limit),
	}).Result()
	if err != nil {
		return nil, translateErr(err)
	}
	docs := make([]*Document, 0, len(names))
	for _, name := range names {
		doc, err := s.FindOne(ctx, name)
		if err != nil {
			return nil, err
		}
		if doc != nil && doc.Expired(now) {
			docs = append(docs, doc)
		}
	}
	return docs, nil
}

// EnsureIndex implements Store.EnsureIndex. The expiry zset and the document
// hashes are maintained by the mutation scripts themselves, so provisioning
// only registers the index name, which keeps repeated setup calls idempotent.
func (s *RedisStore) EnsureIndex(ctx context.Context, spec IndexSpec) error {
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.client.SAdd(cctx, s.indexKey(), spec.Name).Err(); err != nil {
		return translateErr(err)
	}
	return nil
}

// Indexes returns the names of the registered indexes.
func (s *RedisStore) Indexes(ctx context.Context) ([]string, error) {
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	names, err := s.client.SMembers(cctx, s.indexKey()).Result()
	if err != nil {
		return nil, translateErr(err)
	}
	return names, nil
}

// ServerTime implements Store.ServerTime using the Redis TIME command.
func (s *RedisStore) ServerTime(ctx context.Context) (time.Time, error) {
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	t, err := s.client.Time(cctx).Result()
	if err != nil {
		return time.Time{}, translateErr(err)
	}
	return t, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "0"
	}
	return strconv.FormatInt(t.UnixMilli(), 10)
}

func parseTime(v string) time.Time {
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil || ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// documentArgs flattens a full document into field/value pairs.
func documentArgs(d *Document) []interface{} {
	return []interface{}{
		fieldName, d.Name,
		fieldState, d.State.String(),
		fieldToken, d.Token,
		fieldOwnerApp, d.Owner.AppName,
		fieldOwnerAddr, d.Owner.HostAddress,
		fieldOwnerHost, d.Owner.Hostname,
		fieldOwnerUnit, d.Owner.UnitID,
		fieldOwnerUName, d.Owner.UnitName,
		fieldOwnerGroup, d.Owner.GroupName,
		fieldAcquired, formatTime(d.AcquiredAt),
		fieldHeartbeat, formatTime(d.LastHeartbeat),
		fieldUpdated, formatTime(d.UpdatedAt),
		fieldAttempts, strconv.FormatInt(d.Attempts, 10),
		fieldTimeout, strconv.FormatInt(d.InactiveTimeout.Milliseconds(), 10),
		fieldLibVersion, d.LibraryVersion,
	}
}

// updateArgs flattens the set fields of an update into field/value pairs.
func updateArgs(u Update) []interface{} {
	var argv []interface{}
	if u.State != nil {
		argv = append(argv, fieldState, u.State.String())
	}
	if u.Token != nil {
		argv = append(argv, fieldToken, *u.Token)
	}
	if u.Owner != nil {
		argv = append(argv,
			fieldOwnerApp, u.Owner.AppName,
			fieldOwnerAddr, u.Owner.HostAddress,
			fieldOwnerHost, u.Owner.Hostname,
			fieldOwnerUnit, u.Owner.UnitID,
			fieldOwnerUName, u.Owner.UnitName,
			fieldOwnerGroup, u.Owner.GroupName,
		)
	}
	if u.AcquiredAt != nil {
		argv = append(argv, fieldAcquired, formatTime(*u.AcquiredAt))
	}
	if u.LastHeartbeat != nil {
		argv = append(argv, fieldHeartbeat, formatTime(*u.LastHeartbeat))
	}
	if u.UpdatedAt != nil {
		argv = append(argv, fieldUpdated, formatTime(*u.UpdatedAt))
	}
	if u.Attempts != nil {
		argv = append(argv, fieldAttempts, strconv.FormatInt(*u.Attempts, 10))
	}
	if u.InactiveTimeout != nil {
		argv = append(argv, fieldTimeout, strconv.FormatInt(u.InactiveTimeout.Milliseconds(), 10))
	}
	if u.LibraryVersion != nil {
		argv = append(argv, fieldLibVersion, *u.LibraryVersion)
	}
	return argv
}

func parseDocument(fields map[string]string) (*Document, error) {
	d := &Document{
		Name:  fields[fieldName],
		Token: fields[fieldToken],
		Owner: Owner{
			AppName:     fields[fieldOwnerApp],
			HostAddress: fields[fieldOwnerAddr],
			Hostname:    fields[fieldOwnerHost],
			UnitID:      fields[fieldOwnerUnit],
			UnitName:    fields[fieldOwnerUName],
			GroupName:   fields[fieldOwnerGroup],
		},
		AcquiredAt:     parseTime(fields[fieldAcquired]),
		LastHeartbeat:  parseTime(fields[fieldHeartbeat]),
		UpdatedAt:      parseTime(fields[fieldUpdated]),
		LibraryVersion: fields[fieldLibVersion],
	}
	if fields[fieldState] == Locked.String() {
		d.State = Locked
	}
	if v := fields[fieldAttempts]; v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, err
		}
		d.Attempts = n
	}
	if v := fields[fieldTimeout]; v != "" {
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, err
		}
		d.InactiveTimeout = time.Duration(ms) * time.Millisecond
	}
	return d, nil
}
