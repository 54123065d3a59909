// Package dlock implements a named, cross-process mutual exclusion lock whose
// state is durably recorded in a shared document store. Mutual exclusion rests
// entirely on the store's atomic conditional update of a single lock document;
// the manager never takes multi-document transactions and never elects a
// leader. Acquire is a single bounded attempt; AcquireWait layers retries on
// top. Holders refresh a heartbeat so abandoned locks can be reclaimed by the
// reaper package.
package dlock
