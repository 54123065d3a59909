// Package docstore defines the persisted lock document schema and the store
// contract the lock manager and reaper run against. Every cross-process
// guarantee rests on the store's conditional update being atomic and
// linearizable for a single document; backends must not weaken that. In-memory
// and Redis implementations are provided.
package docstore
