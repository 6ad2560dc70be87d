// Package wire re-exports the subset of github.com/pingcap/kvproto's wire
// types the coordinator needs, so the rest of the module imports one local
// package instead of reaching into kvrpcpb/metapb directly at every
// call site. Mirrors how scheduler/client/client.go imports the proto
// packages it needs straight from the generated code.
package wire

import (
	"github.com/pingcap/kvproto/pkg/kvrpcpb"
	"github.com/pingcap/kvproto/pkg/metapb"
)

type (
	Mutation    = kvrpcpb.Mutation
	Op          = kvrpcpb.Op
	Region      = metapb.Region
	Peer        = metapb.Peer
	RegionEpoch = metapb.RegionEpoch
)

const (
	OpPut    = kvrpcpb.Op_Put
	OpDelete = kvrpcpb.Op_Del
)

// KVPair is a put-or-delete mutation ready to ship over the KV RPC client.
// An empty Value is the sentinel for a delete, per the store's wire format.
type KVPair struct {
	Key   []byte
	Value []byte
}

// IsDelete reports whether p represents a delete (empty value sentinel).
func (p KVPair) IsDelete() bool {
	return len(p.Value) == 0
}
