package btree

// Iterator is a process-local, in-order cursor over a tree's records. It
// snapshots the record offsets at construction time via Traverse; it
// holds no raw pointers into shared memory and must never be persisted
// or handed to another process.
type Iterator struct {
	tree    *Tree
	records []uint32
	pos     int
}

// Begin returns an iterator positioned at the first (smallest) record.
func (t *Tree) Begin() (*Iterator, error) {
	var records []uint32
	if err := t.Traverse(func(off uint32) bool {
		records = append(records, off)
		return true
	}); err != nil {
		return nil, err
	}
	return &Iterator{tree: t, records: records, pos: 0}, nil
}

// End returns an iterator positioned one past the last record.
func (t *Tree) End() (*Iterator, error) {
	it, err := t.Begin()
	if err != nil {
		return nil, err
	}
	it.pos = len(it.records)
	return it, nil
}

// AtEnd reports whether the iterator has advanced past the last record.
func (it *Iterator) AtEnd() bool { return it.pos >= len(it.records) || it.pos < 0 }

// Next advances the iterator by one position.
func (it *Iterator) Next() {
	if it.pos < len(it.records) {
		it.pos++
	}
}

// Previous moves the iterator back by one position.
func (it *Iterator) Previous() {
	if it.pos > 0 {
		it.pos--
	}
}

// Data returns the record offset at the current position, or
// found=false if the iterator is at end.
func (it *Iterator) Data() (offset uint32, found bool) {
	if it.AtEnd() {
		return 0, false
	}
	return it.records[it.pos], true
}

// Compare orders two iterators over the same tree by position.
func (it *Iterator) Compare(other *Iterator) int {
	switch {
	case it.pos < other.pos:
		return -1
	case it.pos > other.pos:
		return 1
	default:
		return 0
	}
}

// Cleanup releases the iterator's snapshot. Safe to call more than once.
func (it *Iterator) Cleanup() {
	it.records = nil
}
