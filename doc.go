// Package trolley implements an event-sourced shopping cart engine. A
// cart's authoritative state is never stored directly; it is rebuilt by
// folding an append-only log of immutable events, shortcut by periodic
// snapshots. Commands are validated against current in-memory state, and
// valid commands persist their events before the caller sees a reply.
//
// Each cart id gets its own sequential worker, which is the only
// mutual-exclusion mechanism: one command is in flight per cart at a time,
// while distinct carts run fully in parallel. Workers recover state on
// start, snapshot every N events, and restart with exponential backoff on
// a crash.
//
// The durable side is the Log contract. MemoryLog, BoltLog, RedisLog and
// PostgresLog implement it; the Redis log additionally supports archiving
// terminal carts onto a stream for downstream consumers.
package trolley
