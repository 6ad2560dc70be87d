// Package codec implements the key/value encoding rules the batch-write
// coordinator and the store must agree on bit-for-bit: row keys, unique-
// and non-unique-index keys, and row values. Grounded on
// rowcodec/encoder.go (new-row value layout: version byte, per-value type
// flags, column-offset table, value-offset table, data blob) and
// kv/transaction/mvcc/transaction.go's EncodeKey (fixed-width BigEndian
// integer suffixes). Values of indexed columns are encoded with
// github.com/pingcap/tidb/util/codec's memcomparable codec, the same
// package the teacher's own index codec builds on.
package codec

import (
	"encoding/binary"

	"github.com/juju/errors"
	"github.com/pingcap/tidb/sessionctx/stmtctx"
	"github.com/pingcap/tidb/types"
	"github.com/pingcap/tidb/util/codec"
)

const (
	tablePrefix    = 't'
	recordPrefix   = "_r"
	indexPrefix    = "_i"
	rowKeyLen      = 19 // 1 + 8 + 2 + 8, mirrors rowcodec.rowKeyLen
	nonUniqueMarker = '0'
)

var defaultStmtCtx = &stmtctx.StatementContext{}

// EncodeRowKey builds the key for the row with the given handle:
// 't' + tableID(8 BE) + "_r" + handle(8 BE).
func EncodeRowKey(tableID, handle int64) []byte {
	buf := make([]byte, 0, rowKeyLen)
	buf = append(buf, tablePrefix)
	buf = appendInt64BE(buf, tableID)
	buf = append(buf, recordPrefix...)
	buf = appendInt64BE(buf, handle)
	return buf
}

// IsRowKey reports whether key has the shape produced by EncodeRowKey.
func IsRowKey(key []byte) bool {
	return len(key) == rowKeyLen && key[0] == tablePrefix && key[9] == '_' && key[10] == 'r'
}

// DecodeHandleFromRowKey extracts the handle suffix of a row key.
func DecodeHandleFromRowKey(key []byte) (int64, error) {
	if !IsRowKey(key) {
		return 0, errors.Errorf("codec: not a row key: %x", key)
	}
	return int64(binary.BigEndian.Uint64(key[11:19])), nil
}

// EncodeUniqueIndexKey builds the key for a unique index entry:
// 't' + tableID(8 BE) + "_i" + indexID(8 BE) + memcomparable(indexValues).
// No handle is appended — unique index entries must be addressable by
// value alone.
func EncodeUniqueIndexKey(tableID, indexID int64, indexValues []types.Datum) ([]byte, error) {
	buf := indexKeyPrefix(tableID, indexID)
	buf, err := codec.EncodeKey(defaultStmtCtx, buf, indexValues...)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return buf, nil
}

// EncodeNonUniqueIndexKey builds the key for a non-unique index entry: the
// unique-index key layout plus the row handle appended, so that distinct
// rows sharing the same indexed values still get distinct keys.
func EncodeNonUniqueIndexKey(tableID, indexID int64, indexValues []types.Datum, handle int64) ([]byte, error) {
	buf := indexKeyPrefix(tableID, indexID)
	buf, err := codec.EncodeKey(defaultStmtCtx, buf, indexValues...)
	if err != nil {
		return nil, errors.Trace(err)
	}
	buf = appendInt64BE(buf, handle)
	return buf, nil
}

// IsIndexKey reports whether key has the "t{tableID}_i{indexID}..." shape
// produced by EncodeUniqueIndexKey/EncodeNonUniqueIndexKey.
func IsIndexKey(key []byte) bool {
	return len(key) >= 19 && key[0] == tablePrefix && key[9] == '_' && key[10] == 'i'
}

// DecodeIndexIDFromKey extracts the index ID prefix of an index key.
func DecodeIndexIDFromKey(key []byte) (int64, error) {
	if !IsIndexKey(key) {
		return 0, errors.Errorf("codec: not an index key: %x", key)
	}
	return int64(binary.BigEndian.Uint64(key[11:19])), nil
}

func indexKeyPrefix(tableID, indexID int64) []byte {
	buf := make([]byte, 0, 1+8+2+8)
	buf = append(buf, tablePrefix)
	buf = appendInt64BE(buf, tableID)
	buf = append(buf, indexPrefix...)
	buf = appendInt64BE(buf, indexID)
	return buf
}

// EncodeHandle encodes a handle as an 8-byte big-endian signed integer —
// the value stored under a unique-index key.
func EncodeHandle(handle int64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(handle))
	return buf
}

// DecodeHandleFromUniqueIndex decodes an 8-byte big-endian handle value,
// as stored by a unique index entry.
func DecodeHandleFromUniqueIndex(value []byte) (int64, error) {
	if len(value) != 8 {
		return 0, errors.Errorf("codec: invalid unique index value length %d", len(value))
	}
	return int64(binary.BigEndian.Uint64(value)), nil
}

// NonUniqueIndexValue is the single-byte marker stored under a non-unique
// index key.
func NonUniqueIndexValue() []byte {
	return []byte{nonUniqueMarker}
}

func appendInt64BE(buf []byte, v int64) []byte {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], uint64(v))
	return append(buf, tmp[:]...)
}

// value type flags, one per not-null column, used in the row-value
// encoding below. Mirrors rowcodec's IntFlag/UintFlag/BytesFlag/other
// split, collapsed to the four kinds this module's type system needs.
const (
	flagInt byte = iota + 1
	flagUint
	flagBytes
	flagOther
)

// EncodeRowValue serializes a row's values in column-offset order into the
// store's row-value wire format:
//
//	version(1) | notNullCount(2 LE) | nullCount(2 LE) |
//	notNullColOffsets(2 LE each)    | nullColOffsets(2 LE each) |
//	typeFlags(1 each, notNull only) | cumulativeByteOffsets(4 LE each) |
//	data...
//
// pkIsHandle tables omit the handle column's own value (it is recovered
// from the row key), matching spec.md's row-value contract.
func EncodeRowValue(columns []ColumnSpec, values []types.Datum, pkIsHandle bool) ([]byte, error) {
	var notNull, null []ColumnSpec
	for i, c := range columns {
		if pkIsHandle && c.IsHandle {
			continue
		}
		if values[i].IsNull() {
			null = append(null, c)
		} else {
			notNull = append(notNull, c)
		}
	}

	buf := make([]byte, 0, 64)
	buf = append(buf, 1) // version
	buf = appendUint16LE(buf, uint16(len(notNull)))
	buf = appendUint16LE(buf, uint16(len(null)))
	for _, c := range notNull {
		buf = appendUint16LE(buf, uint16(c.Offset))
	}
	for _, c := range null {
		buf = appendUint16LE(buf, uint16(c.Offset))
	}

	flagsPos := len(buf)
	buf = append(buf, make([]byte, len(notNull))...)
	offsetsPos := len(buf)
	buf = append(buf, make([]byte, 4*len(notNull))...)

	dataStart := len(buf)
	for i, c := range notNull {
		d := values[c.Offset]
		var flag byte
		switch d.Kind() {
		case types.KindInt64:
			flag = flagInt
			buf = codec.EncodeInt(buf, d.GetInt64())
		case types.KindUint64:
			flag = flagUint
			buf = codec.EncodeUint(buf, d.GetUint64())
		case types.KindString, types.KindBytes:
			flag = flagBytes
			buf = append(buf, d.GetBytes()...)
		default:
			flag = flagOther
			var err error
			buf, err = codec.EncodeValue(defaultStmtCtx, buf, d)
			if err != nil {
				return nil, errors.Trace(err)
			}
		}
		buf[flagsPos+i] = flag
		binary.LittleEndian.PutUint32(buf[offsetsPos+4*i:], uint32(len(buf)-dataStart))
	}
	return buf, nil
}

// ColumnSpec is the minimal per-column information EncodeRowValue /
// DecodeRowValue need: its table offset, and whether it is the pk-handle
// column (whose value lives only in the row key, never in the value).
type ColumnSpec struct {
	Offset   int
	IsHandle bool
}

// DecodeRowValue parses a row value produced by EncodeRowValue into a
// slice of Datums indexed by column offset, filling the pk-handle column
// (if any) from handle.
func DecodeRowValue(data []byte, handle int64, columns []ColumnSpec) ([]types.Datum, error) {
	row := make([]types.Datum, len(columns))
	for _, c := range columns {
		if c.IsHandle {
			row[c.Offset] = types.NewIntDatum(handle)
		}
	}
	if len(data) == 0 {
		return row, nil
	}
	if data[0] != 1 {
		return nil, errors.Errorf("codec: unsupported row value version %d", data[0])
	}
	pos := 1
	notNullCount := int(binary.LittleEndian.Uint16(data[pos:]))
	pos += 2
	nullCount := int(binary.LittleEndian.Uint16(data[pos:]))
	pos += 2

	notNullOffsets := make([]int, notNullCount)
	for i := 0; i < notNullCount; i++ {
		notNullOffsets[i] = int(binary.LittleEndian.Uint16(data[pos:]))
		pos += 2
	}
	nullOffsets := make([]int, nullCount)
	for i := 0; i < nullCount; i++ {
		nullOffsets[i] = int(binary.LittleEndian.Uint16(data[pos:]))
		pos += 2
	}
	for _, off := range nullOffsets {
		row[off] = types.Datum{}
	}

	flags := data[pos : pos+notNullCount]
	pos += notNullCount

	cumulative := make([]int, notNullCount)
	for i := 0; i < notNullCount; i++ {
		cumulative[i] = int(binary.LittleEndian.Uint32(data[pos:]))
		pos += 4
	}

	dataStart := pos
	prev := 0
	for i, off := range notNullOffsets {
		end := cumulative[i]
		chunk := data[dataStart+prev : dataStart+end]
		prev = end

		var d types.Datum
		switch flags[i] {
		case flagInt:
			_, v, err := codec.DecodeInt(chunk)
			if err != nil {
				return nil, errors.Trace(err)
			}
			d = types.NewIntDatum(v)
		case flagUint:
			_, v, err := codec.DecodeUint(chunk)
			if err != nil {
				return nil, errors.Trace(err)
			}
			d = types.NewUintDatum(v)
		case flagBytes:
			d = types.NewBytesDatum(append([]byte{}, chunk...))
		case flagOther:
			_, dec, err := codec.DecodeOne(chunk)
			if err != nil {
				return nil, errors.Trace(err)
			}
			d = dec
		default:
			return nil, errors.Errorf("codec: unknown value flag %d", flags[i])
		}
		row[off] = d
	}
	return row, nil
}

func appendUint16LE(buf []byte, v uint16) []byte {
	var tmp [2]byte
	binary.LittleEndian.PutUint16(tmp[:], v)
	return append(buf, tmp[:]...)
}
