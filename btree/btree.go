// Package btree implements the core's generic, offset-based, multi-key
// B-tree: a classic Cormen-style B-tree of minimum degree t, specialized
// so that every node lives at a shared-memory offset and every record is
// itself just an offset into a region, compared via a runtime field list
// (KeyDef) rather than a compile-time comparator; a comparator function
// value cannot be written into shared memory, so each process installs
// its own KeyDef when it opens a tree.
package btree

import (
	"encoding/binary"

	"github.com/vsicore/vsicore/region"
	"github.com/vsicore/vsicore/vsierr"
)

// None is the null node/record offset sentinel. Offset 0 always falls
// inside a region's header, so it is never a valid node or record offset.
const None = 0

// NodeAllocator allocates and frees fixed-size node blocks. Satisfied by
// *sysalloc.Pool directly.
type NodeAllocator interface {
	Alloc() (uint32, error)
	Free(offset uint32) error
}

// Node header layout, little-endian:
//
//	0 : parent   uint32 (None if root)
//	4 : numKeys  uint32
//	8 : leaf     uint32 (1 = leaf, 0 = internal)
//	12: records  [max]uint32
//	12+max*4: children [max+1]uint32
const (
	offParent  = 0
	offNumKeys = 4
	offLeaf    = 8
	offRecords = 12
)

// NodeSize computes the fixed per-node byte size for a tree of the given
// minimum degree, rounded up to an 8-byte multiple.
func NodeSize(minDegree int) uint32 {
	max := 2*minDegree - 1
	raw := uint32(offRecords) + uint32(max)*4 + uint32(max+1)*4
	return (raw + 7) &^ 7
}

// Config describes a tree instance: its minimum degree, the byte layout
// of the records it indexes, and the comparator field list.
type Config struct {
	MinDegree  int
	RecordSize uint32
	KeyDef     KeyDef
}

// Tree is a B-tree whose nodes live in NodeProvider (via NodeAlloc) and
// whose records live in RecordProvider. The {root, count} control block
// is itself persisted at ControlBase inside NodeProvider so every process
// attaching to the region sees the same tree state; MinDegree/RecordSize/
// KeyDef/NodeAlloc are process-local configuration, since the comparator
// cannot be shared across address spaces.
type Tree struct {
	NodeProvider   region.MemoryProvider
	RecordProvider region.MemoryProvider
	NodeAlloc      NodeAllocator
	ControlBase    uint32
	Cfg            Config

	max      int
	min      int
	nodeSize uint32
}

// Open binds a Tree to an existing or freshly allocated control block. If
// fresh is true, the tree is initialized empty (root is a new empty leaf).
func Open(t *Tree, fresh bool) error {
	if t.Cfg.MinDegree < 2 {
		return vsierr.Wrap(vsierr.ErrInvalidArgument, "btree.Open", nil)
	}
	t.max = 2*t.Cfg.MinDegree - 1
	t.min = t.Cfg.MinDegree - 1
	t.nodeSize = NodeSize(t.Cfg.MinDegree)

	if fresh {
		root, err := t.allocNode(true)
		if err != nil {
			return err
		}
		return t.writeControl(root, 0)
	}
	return nil
}

func (t *Tree) writeControl(root, count uint32) error {
	var buf [8]byte
	binary.LittleEndian.PutUint32(buf[0:4], root)
	binary.LittleEndian.PutUint32(buf[4:8], count)
	return t.NodeProvider.WriteAt(t.ControlBase, buf[:])
}

func (t *Tree) readControl() (root, count uint32, err error) {
	var buf [8]byte
	if err := t.NodeProvider.ReadAt(t.ControlBase, buf[:]); err != nil {
		return 0, 0, err
	}
	return binary.LittleEndian.Uint32(buf[0:4]), binary.LittleEndian.Uint32(buf[4:8]), nil
}

// Count returns the number of records currently indexed.
func (t *Tree) Count() (uint32, error) {
	_, count, err := t.readControl()
	return count, err
}

// Empty reports whether the tree currently holds no records.
func (t *Tree) Empty() (bool, error) {
	c, err := t.Count()
	return c == 0, err
}

type node struct {
	offset   uint32
	parent   uint32
	numKeys  uint32
	leaf     bool
	records  []uint32
	children []uint32
}

func (t *Tree) allocNode(leaf bool) (uint32, error) {
	off, err := t.NodeAlloc.Alloc()
	if err != nil {
		return 0, vsierr.Wrap(vsierr.ErrOutOfMemory, "btree.allocNode", err)
	}
	n := &node{
		offset:   off,
		parent:   None,
		numKeys:  0,
		leaf:     leaf,
		records:  make([]uint32, t.max),
		children: make([]uint32, t.max+1),
	}
	if err := t.writeNode(n); err != nil {
		return 0, err
	}
	return off, nil
}

func (t *Tree) readNode(offset uint32) (*node, error) {
	buf := make([]byte, t.nodeSize)
	if err := t.NodeProvider.ReadAt(offset, buf); err != nil {
		return nil, err
	}
	n := &node{offset: offset}
	n.parent = binary.LittleEndian.Uint32(buf[offParent:])
	n.numKeys = binary.LittleEndian.Uint32(buf[offNumKeys:])
	n.leaf = binary.LittleEndian.Uint32(buf[offLeaf:]) == 1
	n.records = make([]uint32, t.max)
	for i := 0; i < t.max; i++ {
		n.records[i] = binary.LittleEndian.Uint32(buf[offRecords+i*4:])
	}
	childBase := offRecords + t.max*4
	n.children = make([]uint32, t.max+1)
	for i := 0; i < t.max+1; i++ {
		n.children[i] = binary.LittleEndian.Uint32(buf[childBase+i*4:])
	}
	return n, nil
}

func (t *Tree) writeNode(n *node) error {
	buf := make([]byte, t.nodeSize)
	binary.LittleEndian.PutUint32(buf[offParent:], n.parent)
	binary.LittleEndian.PutUint32(buf[offNumKeys:], n.numKeys)
	leafVal := uint32(0)
	if n.leaf {
		leafVal = 1
	}
	binary.LittleEndian.PutUint32(buf[offLeaf:], leafVal)
	for i := 0; i < t.max; i++ {
		binary.LittleEndian.PutUint32(buf[offRecords+i*4:], n.records[i])
	}
	childBase := offRecords + t.max*4
	for i := 0; i < t.max+1; i++ {
		binary.LittleEndian.PutUint32(buf[childBase+i*4:], n.children[i])
	}
	return t.NodeProvider.WriteAt(n.offset, buf)
}

func (t *Tree) readRecord(offset uint32) ([]byte, error) {
	buf := make([]byte, t.Cfg.RecordSize)
	if err := t.RecordProvider.ReadAt(offset, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// cmpAt applies cmp (which compares a search key against a candidate
// record's bytes) to the record stored at offset.
func (t *Tree) cmpAt(cmp func([]byte) int, offset uint32) (int, error) {
	buf, err := t.readRecord(offset)
	if err != nil {
		return 0, err
	}
	return cmp(buf), nil
}

// childIndex finds the first index i such that cmp applied to
// n.records[i] is <= 0, i.e. the child subtree to descend into for a
// key compared via cmp.
func (t *Tree) childIndex(n *node, cmp func([]byte) int) (int, error) {
	i := 0
	for i < int(n.numKeys) {
		c, err := t.cmpAt(cmp, n.records[i])
		if err != nil {
			return 0, err
		}
		if c <= 0 {
			break
		}
		i++
	}
	return i, nil
}

// Insert places a record already written at recordOffset into the tree,
// maintaining sorted order per Cfg.KeyDef. Splits full nodes encountered
// on the way down (including the root), per the standard CLRS top-down
// insertion algorithm.
func (t *Tree) Insert(recordOffset uint32) error {
	recBuf, err := t.readRecord(recordOffset)
	if err != nil {
		return err
	}
	cmp := func(cand []byte) int { return t.Cfg.KeyDef.Compare(recBuf, cand) }

	root, count, err := t.readControl()
	if err != nil {
		return err
	}
	rootNode, err := t.readNode(root)
	if err != nil {
		return err
	}

	if int(rootNode.numKeys) == t.max {
		newRootOff, err := t.allocNode(false)
		if err != nil {
			return err
		}
		newRoot, err := t.readNode(newRootOff)
		if err != nil {
			return err
		}
		newRoot.children[0] = root
		rootNode.parent = newRootOff
		if err := t.writeNode(rootNode); err != nil {
			return err
		}
		if err := t.splitChild(newRoot, 0, rootNode); err != nil {
			return err
		}
		root = newRootOff
		rootNode, err = t.readNode(root)
		if err != nil {
			return err
		}
	}

	if err := t.insertNonFull(rootNode, recordOffset, cmp); err != nil {
		return err
	}
	return t.writeControl(root, count+1)
}

// splitChild splits parent.children[i] (a full node) around its median
// key, which is promoted into parent at index i.
func (t *Tree) splitChild(parent *node, i int, child *node) error {
	mid := t.min // index t-1
	midRecord := child.records[mid]

	siblingOff, err := t.allocNode(child.leaf)
	if err != nil {
		return err
	}
	sibling, err := t.readNode(siblingOff)
	if err != nil {
		return err
	}
	sibling.parent = parent.offset

	for j := 0; j < t.min; j++ {
		sibling.records[j] = child.records[mid+1+j]
	}
	sibling.numKeys = uint32(t.min)

	if !child.leaf {
		for j := 0; j <= t.min; j++ {
			sibling.children[j] = child.children[mid+1+j]
			if sibling.children[j] != None {
				gc, err := t.readNode(sibling.children[j])
				if err != nil {
					return err
				}
				gc.parent = siblingOff
				if err := t.writeNode(gc); err != nil {
					return err
				}
			}
		}
	}

	child.numKeys = uint32(mid)

	for j := int(parent.numKeys); j > i; j-- {
		parent.children[j+1] = parent.children[j]
	}
	parent.children[i+1] = siblingOff

	for j := int(parent.numKeys) - 1; j >= i; j-- {
		parent.records[j+1] = parent.records[j]
	}
	parent.records[i] = midRecord
	parent.numKeys++

	if err := t.writeNode(sibling); err != nil {
		return err
	}
	if err := t.writeNode(child); err != nil {
		return err
	}
	return t.writeNode(parent)
}

func (t *Tree) insertNonFull(n *node, recordOffset uint32, cmp func([]byte) int) error {
	if n.leaf {
		i := int(n.numKeys) - 1
		for i >= 0 {
			c, err := t.cmpAt(cmp, n.records[i])
			if err != nil {
				return err
			}
			if c >= 0 {
				break
			}
			n.records[i+1] = n.records[i]
			i--
		}
		n.records[i+1] = recordOffset
		n.numKeys++
		return t.writeNode(n)
	}

	i, err := t.childIndex(n, cmp)
	if err != nil {
		return err
	}
	child, err := t.readNode(n.children[i])
	if err != nil {
		return err
	}
	if int(child.numKeys) == t.max {
		if err := t.splitChild(n, i, child); err != nil {
			return err
		}
		c, err := t.cmpAt(cmp, n.records[i])
		if err != nil {
			return err
		}
		if c > 0 {
			i++
		}
		child, err = t.readNode(n.children[i])
		if err != nil {
			return err
		}
	}
	return t.insertNonFull(child, recordOffset, cmp)
}

// Search performs a standard descent and returns the first record for
// which cmp returns 0, or found=false if none matches.
func (t *Tree) Search(cmp func([]byte) int) (offset uint32, found bool, err error) {
	root, _, err := t.readControl()
	if err != nil {
		return 0, false, err
	}
	return t.searchFrom(root, cmp)
}

func (t *Tree) searchFrom(nodeOff uint32, cmp func([]byte) int) (uint32, bool, error) {
	n, err := t.readNode(nodeOff)
	if err != nil {
		return 0, false, err
	}
	i := 0
	for i < int(n.numKeys) {
		c, err := t.cmpAt(cmp, n.records[i])
		if err != nil {
			return 0, false, err
		}
		if c == 0 {
			return n.records[i], true, nil
		}
		if c < 0 {
			break
		}
		i++
	}
	if n.leaf {
		return 0, false, nil
	}
	return t.searchFrom(n.children[i], cmp)
}

// Find returns the smallest record >= the comparator's key: a root-to-leaf
// descent tracking the best (smallest) candidate seen where cmp(candidate) <= 0.
func (t *Tree) Find(cmp func([]byte) int) (offset uint32, found bool, err error) {
	root, _, err := t.readControl()
	if err != nil {
		return 0, false, err
	}
	var best uint32
	haveBest := false
	cur := root
	for cur != None {
		n, err := t.readNode(cur)
		if err != nil {
			return 0, false, err
		}
		i := 0
		for i < int(n.numKeys) {
			c, err := t.cmpAt(cmp, n.records[i])
			if err != nil {
				return 0, false, err
			}
			if c <= 0 {
				best = n.records[i]
				haveBest = true
				break
			}
			i++
		}
		if n.leaf {
			break
		}
		cur = n.children[i]
	}
	return best, haveBest, nil
}

// RFind returns the largest record <= the comparator's key.
func (t *Tree) RFind(cmp func([]byte) int) (offset uint32, found bool, err error) {
	root, _, err := t.readControl()
	if err != nil {
		return 0, false, err
	}
	var best uint32
	haveBest := false
	cur := root
	for cur != None {
		n, err := t.readNode(cur)
		if err != nil {
			return 0, false, err
		}
		i := int(n.numKeys) - 1
		for i >= 0 {
			c, err := t.cmpAt(cmp, n.records[i])
			if err != nil {
				return 0, false, err
			}
			if c >= 0 {
				best = n.records[i]
				haveBest = true
				break
			}
			i--
		}
		if n.leaf {
			break
		}
		if i < 0 {
			cur = n.children[0]
		} else {
			cur = n.children[i+1]
		}
	}
	return best, haveBest, nil
}

// Traverse performs an in-order walk, calling cb with each record offset.
// Traversal stops early if cb returns false.
func (t *Tree) Traverse(cb func(recordOffset uint32) bool) error {
	root, _, err := t.readControl()
	if err != nil {
		return err
	}
	if root == None {
		return nil
	}
	_, err = t.traverseFrom(root, cb)
	return err
}

func (t *Tree) traverseFrom(nodeOff uint32, cb func(uint32) bool) (bool, error) {
	n, err := t.readNode(nodeOff)
	if err != nil {
		return true, err
	}
	for i := 0; i < int(n.numKeys); i++ {
		if !n.leaf {
			cont, err := t.traverseFrom(n.children[i], cb)
			if err != nil || !cont {
				return cont, err
			}
		}
		if !cb(n.records[i]) {
			return false, nil
		}
	}
	if !n.leaf {
		return t.traverseFrom(n.children[n.numKeys], cb)
	}
	return true, nil
}
