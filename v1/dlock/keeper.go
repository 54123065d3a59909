package dlock

import (
	"context"
	"time"
)

// minKeeperInterval floors the automatic refresh cadence so a tiny inactive
// timeout cannot spin the keeper.
const minKeeperInterval = 10 * time.Millisecond

// keeper refreshes the heartbeat of one held lock until stopped or until the
// lock is observed as no longer held.
type keeper struct {
	ticker *time.Ticker
	stop   chan struct{}
	done   chan struct{}
}

func (m *Manager) keeperInterval(cfg lockConfig) time.Duration {
	if m.heartbeatInterval > 0 {
		return m.heartbeatInterval
	}
	interval := cfg.timeout / 3
	if interval < minKeeperInterval {
		interval = minKeeperInterval
	}
	return interval
}

// startKeeper begins automatic heartbeat refresh for a freshly acquired lock.
// At most one keeper runs per name within a manager, matching the one holder
// the store permits per name.
func (m *Manager) startKeeper(name string, tok Token, interval time.Duration) {
	k := &keeper{
		ticker: time.NewTicker(interval),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	m.mu.Lock()
	if old, ok := m.keepers[name]; ok {
		close(old.stop)
	}
	m.keepers[name] = k
	m.mu.Unlock()

	go func() {
		defer close(k.done)
		defer k.ticker.Stop()
		for {
			select {
			case <-k.ticker.C:
				ok, err := m.Heartbeat(context.Background(), name, tok)
				if err == nil && !ok {
					// The lock was released or reclaimed under us; refreshing
					// further would fight the next legitimate holder.
					m.dropKeeper(name, k)
					return
				}
			case <-k.stop:
				return
			}
		}
	}()
}

// stopKeeper halts the keeper for a name, waiting for the refresh goroutine
// to exit so no heartbeat lands after a release.
func (m *Manager) stopKeeper(name string) {
	m.mu.Lock()
	k, ok := m.keepers[name]
	if ok {
		delete(m.keepers, name)
	}
	m.mu.Unlock()
	if ok {
		close(k.stop)
		<-k.done
	}
}

// dropKeeper removes a keeper that stopped on its own, unless it was already
// replaced by a newer one.
func (m *Manager) dropKeeper(name string, k *keeper) {
	m.mu.Lock()
	if cur, ok := m.keepers[name]; ok && cur == k {
		delete(m.keepers, name)
	}
	m.mu.Unlock()
}
