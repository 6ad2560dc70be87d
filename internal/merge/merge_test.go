package merge

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/batchwrite/coordinator/internal/wire"
)

func TestMergeUnionsPutsAndDeletes(t *testing.T) {
	puts := []wire.KVPair{{Key: []byte("a"), Value: []byte("1")}}
	deletes := []wire.KVPair{{Key: []byte("b"), Value: nil}}

	out := Merge(puts, deletes)
	assert.Len(t, out, 2)
	assert.Equal(t, deletes[0], out[0])
	assert.Equal(t, puts[0], out[1])
}

func TestMergePutOverwritesDeleteForSameKey(t *testing.T) {
	puts := []wire.KVPair{{Key: []byte("a"), Value: []byte("new")}}
	deletes := []wire.KVPair{{Key: []byte("a"), Value: nil}}

	out := Merge(puts, deletes)
	assert.Len(t, out, 1)
	assert.Equal(t, []byte("new"), out[0].Value)
	assert.False(t, out[0].IsDelete())
}

func TestMergePreservesFirstSeenKeyOrder(t *testing.T) {
	deletes := []wire.KVPair{{Key: []byte("z")}, {Key: []byte("a")}}
	puts := []wire.KVPair{{Key: []byte("m"), Value: []byte("1")}}

	out := Merge(puts, deletes)
	assert.Equal(t, []byte("z"), out[0].Key)
	assert.Equal(t, []byte("a"), out[1].Key)
	assert.Equal(t, []byte("m"), out[2].Key)
}

func TestMergeEmptyInputsProducesEmptyOutput(t *testing.T) {
	out := Merge(nil, nil)
	assert.Empty(t, out)
}
