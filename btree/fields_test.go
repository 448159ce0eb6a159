package btree

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKeyDef_SignedAndFloatFields(t *testing.T) {
	rec := func(i32 int32, i64 int64, f32 float32, f64 float64) []byte {
		buf := make([]byte, 24)
		binary.LittleEndian.PutUint32(buf[0:4], uint32(i32))
		binary.LittleEndian.PutUint64(buf[4:12], uint64(i64))
		binary.LittleEndian.PutUint32(buf[12:16], math.Float32bits(f32))
		binary.LittleEndian.PutUint64(buf[16:24], math.Float64bits(f64))
		return buf
	}

	t.Run("int32 orders negatives below positives", func(t *testing.T) {
		kd := KeyDef{Fields: []FieldDef{{Offset: 0, Type: FieldInt32, Direction: Ascending}}}
		assert.Negative(t, kd.Compare(rec(-5, 0, 0, 0), rec(5, 0, 0, 0)))
		assert.Positive(t, kd.Compare(rec(5, 0, 0, 0), rec(-5, 0, 0, 0)))
		assert.Zero(t, kd.Compare(rec(-5, 0, 0, 0), rec(-5, 0, 0, 0)))
	})

	t.Run("int64 orders negatives below positives", func(t *testing.T) {
		kd := KeyDef{Fields: []FieldDef{{Offset: 4, Type: FieldInt64, Direction: Ascending}}}
		assert.Negative(t, kd.Compare(rec(0, -1000, 0, 0), rec(0, 1000, 0, 0)))
	})

	t.Run("float32 ordering", func(t *testing.T) {
		kd := KeyDef{Fields: []FieldDef{{Offset: 12, Type: FieldFloat32, Direction: Ascending}}}
		assert.Negative(t, kd.Compare(rec(0, 0, 1.5, 0), rec(0, 0, 2.5, 0)))
	})

	t.Run("float64 descending reverses order", func(t *testing.T) {
		kd := KeyDef{Fields: []FieldDef{{Offset: 16, Type: FieldFloat64, Direction: Descending}}}
		assert.Positive(t, kd.Compare(rec(0, 0, 0, 1.5), rec(0, 0, 0, 2.5)))
	})

	t.Run("fixed-length byte field compares lexicographically", func(t *testing.T) {
		kd := KeyDef{Fields: []FieldDef{{Offset: 0, Type: FieldBytes, Length: 3}}}
		assert.Negative(t, kd.Compare([]byte("aaa"), []byte("aab")))
		assert.Zero(t, kd.Compare([]byte("xyz"), []byte("xyz")))
	})
}
