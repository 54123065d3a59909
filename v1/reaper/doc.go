// Package reaper reclaims locks whose holder stopped refreshing its
// heartbeat, preventing permanent starvation after a crash. Each reclamation
// is a single conditional update keyed on the token and heartbeat observed at
// scan time, so a refresh or release landing between scan and write turns the
// reclamation into a no-op.
package reaper
