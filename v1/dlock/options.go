package dlock

import (
	"net"
	"os"
	"time"

	"github.com/mirkobrombin/go-dlock/v1/eventbus"
)

// Version is the library version stamped on lock documents.
const Version = "1.0.0"

// DefaultInactiveTimeout is the inactive timeout applied to locks when none
// is configured. After this long without a heartbeat refresh a lock becomes
// eligible for reclamation.
const DefaultInactiveTimeout = 5 * time.Minute

// Option configures a Manager.
type Option func(*Manager)

// WithBus sets the event bus lifecycle events are published to.
func WithBus(bus eventbus.Bus) Option {
	return func(m *Manager) {
		m.bus = bus
	}
}

// WithHostAddress overrides the host address recorded in owner metadata.
func WithHostAddress(addr string) Option {
	return func(m *Manager) {
		m.hostAddress = addr
	}
}

// WithHostname overrides the hostname recorded in owner metadata.
func WithHostname(name string) Option {
	return func(m *Manager) {
		m.hostname = name
	}
}

// WithGroupName sets the execution group name recorded in owner metadata.
func WithGroupName(name string) Option {
	return func(m *Manager) {
		m.groupName = name
	}
}

// WithInactiveTimeout sets the default inactive timeout for locks acquired
// through this manager.
func WithInactiveTimeout(d time.Duration) Option {
	return func(m *Manager) {
		m.inactiveTimeout = d
	}
}

// WithHeartbeatInterval sets the interval of the automatic heartbeat keeper.
// Zero derives the interval from the lock's inactive timeout.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(m *Manager) {
		m.heartbeatInterval = d
	}
}

// WithAutoHeartbeat enables or disables the automatic heartbeat keeper
// started on every successful acquire. Enabled by default; holders that
// disable it must call Heartbeat themselves.
func WithAutoHeartbeat(enabled bool) Option {
	return func(m *Manager) {
		m.autoHeartbeat = enabled
	}
}

// WithTracing enables OpenTelemetry spans on acquire and release.
func WithTracing(enabled bool) Option {
	return func(m *Manager) {
		m.traceEnabled = enabled
	}
}

// WithClockSamples sets the number of round trips used to estimate the
// store's current time on each operation.
func WithClockSamples(n int) Option {
	return func(m *Manager) {
		m.clockSamples = n
	}
}

// LockOption configures a single lock operation.
type LockOption func(*lockConfig)

type lockConfig struct {
	timeout time.Duration
}

// WithLockTimeout overrides the inactive timeout for this lock.
func WithLockTimeout(d time.Duration) LockOption {
	return func(c *lockConfig) {
		c.timeout = d
	}
}

func defaultHostname() string {
	name, err := os.Hostname()
	if err != nil {
		return ""
	}
	return name
}

func defaultHostAddress() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return ""
	}
	for _, a := range addrs {
		if ipn, ok := a.(*net.IPNet); ok && !ipn.IP.IsLoopback() && ipn.IP.To4() != nil {
			return ipn.IP.String()
		}
	}
	return ""
}
