package btree

import (
	"encoding/binary"
	"math"
)

// FieldType describes how a KeyDef field's bytes should be compared.
type FieldType int

const (
	// FieldUint32 compares 4 bytes as a little-endian unsigned integer.
	FieldUint32 FieldType = iota
	// FieldUint64 compares 8 bytes as a little-endian unsigned integer.
	FieldUint64
	// FieldInt32 compares 4 bytes as a little-endian signed integer.
	FieldInt32
	// FieldInt64 compares 8 bytes as a little-endian signed integer.
	FieldInt64
	// FieldFloat32 compares 4 bytes as an IEEE-754 single-precision float.
	FieldFloat32
	// FieldFloat64 compares 8 bytes as an IEEE-754 double-precision float.
	FieldFloat64
	// FieldBytes compares Length raw bytes lexicographically, covering
	// the fixed-length string case.
	FieldBytes
)

// Direction controls whether a field sorts ascending or descending.
type Direction int

const (
	Ascending Direction = iota
	Descending
)

// FieldDef describes one comparable field within a record's byte layout.
type FieldDef struct {
	Offset    uint32
	Type      FieldType
	Length    uint32 // only consulted for FieldBytes
	Direction Direction
}

func (f FieldDef) length() uint32 {
	switch f.Type {
	case FieldUint32, FieldInt32, FieldFloat32:
		return 4
	case FieldUint64, FieldInt64, FieldFloat64:
		return 8
	default:
		return f.Length
	}
}

// KeyDef is an ordered list of field descriptors compared lexicographically;
// the runtime field list stands in for a compile-time comparator because
// the comparator itself cannot be stored in shared memory; each process
// installs its own KeyDef when it opens a tree.
type KeyDef struct {
	Fields []FieldDef
}

// Compare returns <0, 0, or >0 comparing record bytes a and b over every
// field in the KeyDef, in order, short-circuiting on the first field that
// differs.
func (k KeyDef) Compare(a, b []byte) int {
	for _, f := range k.Fields {
		c := f.compare(a, b)
		if c != 0 {
			if f.Direction == Descending {
				return -c
			}
			return c
		}
	}
	return 0
}

func (f FieldDef) compare(a, b []byte) int {
	n := f.length()
	av := a[f.Offset : f.Offset+n]
	bv := b[f.Offset : f.Offset+n]
	switch f.Type {
	case FieldUint32:
		x, y := binary.LittleEndian.Uint32(av), binary.LittleEndian.Uint32(bv)
		switch {
		case x < y:
			return -1
		case x > y:
			return 1
		default:
			return 0
		}
	case FieldUint64:
		x, y := binary.LittleEndian.Uint64(av), binary.LittleEndian.Uint64(bv)
		switch {
		case x < y:
			return -1
		case x > y:
			return 1
		default:
			return 0
		}
	case FieldInt32:
		x, y := int32(binary.LittleEndian.Uint32(av)), int32(binary.LittleEndian.Uint32(bv))
		switch {
		case x < y:
			return -1
		case x > y:
			return 1
		default:
			return 0
		}
	case FieldInt64:
		x, y := int64(binary.LittleEndian.Uint64(av)), int64(binary.LittleEndian.Uint64(bv))
		switch {
		case x < y:
			return -1
		case x > y:
			return 1
		default:
			return 0
		}
	case FieldFloat32:
		x, y := math.Float32frombits(binary.LittleEndian.Uint32(av)), math.Float32frombits(binary.LittleEndian.Uint32(bv))
		switch {
		case x < y:
			return -1
		case x > y:
			return 1
		default:
			return 0
		}
	case FieldFloat64:
		x, y := math.Float64frombits(binary.LittleEndian.Uint64(av)), math.Float64frombits(binary.LittleEndian.Uint64(bv))
		switch {
		case x < y:
			return -1
		case x > y:
			return 1
		default:
			return 0
		}
	default:
		for i := uint32(0); i < n; i++ {
			if av[i] != bv[i] {
				if av[i] < bv[i] {
					return -1
				}
				return 1
			}
		}
		return 0
	}
}
