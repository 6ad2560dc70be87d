// Package kvclient defines the KV RPC client contract named in spec.md
// §4.8: prewrite/commit for the percolator-style 2PC dance, plus a
// snapshot batch-get used by the conflict resolver. It is an interface at
// this module's boundary — spec.md lists the real client as an external
// collaborator — with a gRPC-backed implementation in
// internal/rpcclient grounded on scheduler/client/client.go's connection
// handling, and an in-memory fake in the test suites.
package kvclient

import (
	"context"
	"time"
)

// Snapshot is a consistent read-view at a fixed startTs.
type Snapshot interface {
	// BatchGet resolves every key visible at the snapshot's startTs.
	// Misses are simply absent from the result map.
	BatchGet(ctx context.Context, keys [][]byte) (map[string][]byte, error)
}

// Client is the coordinator's view of the transactional store: prewrite
// and commit for both the primary and secondary phases, a snapshot
// reader, and a TTL heartbeat for the primary lock.
type Client interface {
	Snapshot(startTs uint64) Snapshot

	// PrewritePrimary writes a lock+data pair at startTs with key marked
	// primary. backoff bounds the client's own internal retry budget.
	PrewritePrimary(ctx context.Context, backoff time.Duration, key, value []byte, startTs, ttlMs uint64) error

	// PrewriteSecondaries writes locks+data for a batch of secondary
	// mutations, all pointing back at primaryKey.
	PrewriteSecondaries(ctx context.Context, primaryKey []byte, mutations []KVMutation, startTs, ttlMs uint64) error

	// CommitPrimary converts the primary lock into a committed write
	// record.
	CommitPrimary(ctx context.Context, backoff time.Duration, key []byte, startTs, commitTs uint64) error

	// CommitSecondaries does the same for secondaries; the caller treats
	// partial failure here as best-effort (see spec.md §4.8 step 15).
	CommitSecondaries(ctx context.Context, keys [][]byte, startTs, commitTs uint64) error

	// TxnHeartBeat extends the primary lock's TTL, used by the TTL
	// keep-alive task.
	TxnHeartBeat(ctx context.Context, primaryKey []byte, startTs, newTTLMs uint64) error

	// SupportsTTLUpdate reports whether the connected store understands
	// TxnHeartBeat (spec.md requires server >= 3.0.5).
	SupportsTTLUpdate() bool

	Close() error
}

// KVMutation is a put-or-delete mutation destined for prewrite. An empty
// Value means delete, per spec.md's "empty-byte-value is the sentinel for
// a delete" wire rule.
type KVMutation struct {
	Key   []byte
	Value []byte
}

// IsDelete reports whether m represents a delete.
func (m KVMutation) IsDelete() bool { return len(m.Value) == 0 }

// Factory creates a fresh Client, used once per worker partition task so
// that "each worker creates its own client and closes it after" (spec.md
// §5) holds without any client being shared across goroutines.
type Factory interface {
	NewClient(ctx context.Context) (Client, error)
}
