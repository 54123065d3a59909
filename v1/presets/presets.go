// Package presets wires common go-dlock deployments in one call.
package presets

import (
	redis "github.com/redis/go-redis/v9"

	"github.com/mirkobrombin/go-dlock/v1/dlock"
	"github.com/mirkobrombin/go-dlock/v1/docstore"
	"github.com/mirkobrombin/go-dlock/v1/eventbus"
	"github.com/mirkobrombin/go-dlock/v1/reaper"
)

// RedisOptions configures the connection to Redis.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	// AppName identifies this application in lock owner metadata.
	AppName string
	// Prefix overrides the default key prefix.
	Prefix string
}

// NewRedis creates a lock manager and reaper backed by Redis, with lifecycle
// events flowing over Redis pub/sub. Call Setup on the manager before first
// use, and Start on the reaper if this process should reclaim abandoned
// locks.
func NewRedis(opts RedisOptions) (*dlock.Manager, *reaper.Reaper) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	var storeOpts []docstore.RedisOption
	if opts.Prefix != "" {
		storeOpts = append(storeOpts, docstore.WithPrefix(opts.Prefix))
	}
	store := docstore.NewRedis(client, storeOpts...)
	bus := eventbus.NewRedisBus(client)
	mgr := dlock.New(store, opts.AppName, dlock.WithBus(bus))
	rp := reaper.New(store, reaper.WithBus(bus))
	return mgr, rp
}

// NewInMemoryStandalone creates a lock manager and reaper that run entirely
// in-memory with no external dependencies. Useful for local development and
// tests; cross-process exclusion obviously needs a shared store.
func NewInMemoryStandalone(appName string) (*dlock.Manager, *reaper.Reaper) {
	store := docstore.NewInMemory()
	bus := eventbus.NewInMemoryBus()
	mgr := dlock.New(store, appName, dlock.WithBus(bus))
	rp := reaper.New(store, reaper.WithBus(bus))
	return mgr, rp
}
