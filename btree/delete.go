package btree

import "github.com/vsicore/vsicore/vsierr"

// Delete removes the record for which cmp returns 0. Descends ensuring
// every non-root node visited keeps more than MinDegree-1 keys by
// borrowing from a sibling or merging; replaces an internal match by its
// predecessor or successor leaf key depending on which sibling subtree
// has surplus, merging the two children around the key only when
// neither does.
func (t *Tree) Delete(cmp func([]byte) int) error {
	root, count, err := t.readControl()
	if err != nil {
		return err
	}
	if root == None {
		return vsierr.Wrap(vsierr.ErrNoData, "btree.Delete", nil)
	}
	if err := t.deleteFrom(root, cmp); err != nil {
		return err
	}
	rootNode, err := t.readNode(root)
	if err != nil {
		return err
	}
	if rootNode.numKeys == 0 && !rootNode.leaf {
		newRoot := rootNode.children[0]
		if err := t.NodeAlloc.Free(root); err != nil {
			return err
		}
		newRootNode, err := t.readNode(newRoot)
		if err != nil {
			return err
		}
		newRootNode.parent = None
		if err := t.writeNode(newRootNode); err != nil {
			return err
		}
		root = newRoot
	}
	return t.writeControl(root, count-1)
}

func (t *Tree) deleteFrom(nodeOff uint32, cmp func([]byte) int) error {
	n, err := t.readNode(nodeOff)
	if err != nil {
		return err
	}

	i := 0
	found := false
	for i < int(n.numKeys) {
		c, err := t.cmpAt(cmp, n.records[i])
		if err != nil {
			return err
		}
		if c == 0 {
			found = true
			break
		}
		if c < 0 {
			break
		}
		i++
	}

	if n.leaf {
		if !found {
			return vsierr.Wrap(vsierr.ErrNoData, "btree.Delete", nil)
		}
		for j := i; j < int(n.numKeys)-1; j++ {
			n.records[j] = n.records[j+1]
		}
		n.numKeys--
		return t.writeNode(n)
	}

	if found {
		left, err := t.readNode(n.children[i])
		if err != nil {
			return err
		}
		right, err := t.readNode(n.children[i+1])
		if err != nil {
			return err
		}
		switch {
		case int(left.numKeys) >= t.Cfg.MinDegree:
			predOff, err := t.maxOf(left.offset)
			if err != nil {
				return err
			}
			n.records[i] = predOff
			if err := t.writeNode(n); err != nil {
				return err
			}
			predCmp, err := t.cmpForOffset(predOff)
			if err != nil {
				return err
			}
			return t.deleteFrom(left.offset, predCmp)
		case int(right.numKeys) >= t.Cfg.MinDegree:
			succOff, err := t.minOf(right.offset)
			if err != nil {
				return err
			}
			n.records[i] = succOff
			if err := t.writeNode(n); err != nil {
				return err
			}
			succCmp, err := t.cmpForOffset(succOff)
			if err != nil {
				return err
			}
			return t.deleteFrom(right.offset, succCmp)
		default:
			mergedOff, err := t.mergeChildren(n, i)
			if err != nil {
				return err
			}
			return t.deleteFrom(mergedOff, cmp)
		}
	}

	newIdx, err := t.fixChild(n, i)
	if err != nil {
		return err
	}
	// fixChild may have borrowed or merged, changing n's children array.
	n, err = t.readNode(n.offset)
	if err != nil {
		return err
	}
	return t.deleteFrom(n.children[newIdx], cmp)
}

func (t *Tree) maxOf(nodeOff uint32) (uint32, error) {
	n, err := t.readNode(nodeOff)
	if err != nil {
		return 0, err
	}
	for !n.leaf {
		n, err = t.readNode(n.children[n.numKeys])
		if err != nil {
			return 0, err
		}
	}
	return n.records[n.numKeys-1], nil
}

func (t *Tree) minOf(nodeOff uint32) (uint32, error) {
	n, err := t.readNode(nodeOff)
	if err != nil {
		return 0, err
	}
	for !n.leaf {
		n, err = t.readNode(n.children[0])
		if err != nil {
			return 0, err
		}
	}
	return n.records[0], nil
}

func (t *Tree) cmpForOffset(off uint32) (func([]byte) int, error) {
	buf, err := t.readRecord(off)
	if err != nil {
		return nil, err
	}
	return func(cand []byte) int { return t.Cfg.KeyDef.Compare(buf, cand) }, nil
}

// fixChild ensures parent.children[idx] holds at least MinDegree keys
// before the caller descends into it, borrowing from a sibling with
// surplus or merging with one otherwise. Returns the index to descend
// into (unchanged unless a merge-with-left shifted it down by one).
func (t *Tree) fixChild(parent *node, idx int) (int, error) {
	child, err := t.readNode(parent.children[idx])
	if err != nil {
		return 0, err
	}
	if int(child.numKeys) >= t.Cfg.MinDegree {
		return idx, nil
	}

	if idx > 0 {
		left, err := t.readNode(parent.children[idx-1])
		if err != nil {
			return 0, err
		}
		if int(left.numKeys) >= t.Cfg.MinDegree {
			for j := int(child.numKeys); j > 0; j-- {
				child.records[j] = child.records[j-1]
			}
			child.records[0] = parent.records[idx-1]
			parent.records[idx-1] = left.records[left.numKeys-1]
			if !child.leaf {
				for j := int(child.numKeys) + 1; j > 0; j-- {
					child.children[j] = child.children[j-1]
				}
				child.children[0] = left.children[left.numKeys]
				if child.children[0] != None {
					gc, err := t.readNode(child.children[0])
					if err != nil {
						return 0, err
					}
					gc.parent = child.offset
					if err := t.writeNode(gc); err != nil {
						return 0, err
					}
				}
			}
			child.numKeys++
			left.numKeys--
			if err := t.writeNode(child); err != nil {
				return 0, err
			}
			if err := t.writeNode(left); err != nil {
				return 0, err
			}
			if err := t.writeNode(parent); err != nil {
				return 0, err
			}
			return idx, nil
		}
	}

	if idx < int(parent.numKeys) {
		right, err := t.readNode(parent.children[idx+1])
		if err != nil {
			return 0, err
		}
		if int(right.numKeys) >= t.Cfg.MinDegree {
			child.records[child.numKeys] = parent.records[idx]
			parent.records[idx] = right.records[0]
			if !child.leaf {
				child.children[child.numKeys+1] = right.children[0]
				if child.children[child.numKeys+1] != None {
					gc, err := t.readNode(child.children[child.numKeys+1])
					if err != nil {
						return 0, err
					}
					gc.parent = child.offset
					if err := t.writeNode(gc); err != nil {
						return 0, err
					}
				}
			}
			child.numKeys++
			for j := 0; j < int(right.numKeys)-1; j++ {
				right.records[j] = right.records[j+1]
			}
			if !right.leaf {
				for j := 0; j <= int(right.numKeys)-1; j++ {
					right.children[j] = right.children[j+1]
				}
			}
			right.numKeys--
			if err := t.writeNode(child); err != nil {
				return 0, err
			}
			if err := t.writeNode(right); err != nil {
				return 0, err
			}
			if err := t.writeNode(parent); err != nil {
				return 0, err
			}
			return idx, nil
		}
	}

	mergeIdx := idx
	if idx > 0 {
		mergeIdx = idx - 1
	}
	if _, err := t.mergeChildren(parent, mergeIdx); err != nil {
		return 0, err
	}
	return mergeIdx, nil
}

// mergeChildren merges parent.children[idx] and parent.children[idx+1]
// around parent.records[idx] into the left node, frees the right node,
// and persists parent. Returns the merged node's offset.
func (t *Tree) mergeChildren(parent *node, idx int) (uint32, error) {
	left, err := t.readNode(parent.children[idx])
	if err != nil {
		return 0, err
	}
	right, err := t.readNode(parent.children[idx+1])
	if err != nil {
		return 0, err
	}

	left.records[left.numKeys] = parent.records[idx]
	for j := 0; j < int(right.numKeys); j++ {
		left.records[int(left.numKeys)+1+j] = right.records[j]
	}
	if !left.leaf {
		for j := 0; j <= int(right.numKeys); j++ {
			left.children[int(left.numKeys)+1+j] = right.children[j]
			if right.children[j] != None {
				gc, err := t.readNode(right.children[j])
				if err != nil {
					return 0, err
				}
				gc.parent = left.offset
				if err := t.writeNode(gc); err != nil {
					return 0, err
				}
			}
		}
	}
	left.numKeys += right.numKeys + 1

	for j := idx; j < int(parent.numKeys)-1; j++ {
		parent.records[j] = parent.records[j+1]
	}
	for j := idx + 1; j < int(parent.numKeys); j++ {
		parent.children[j] = parent.children[j+1]
	}
	parent.numKeys--

	if err := t.NodeAlloc.Free(right.offset); err != nil {
		return 0, err
	}
	if err := t.writeNode(left); err != nil {
		return 0, err
	}
	if err := t.writeNode(parent); err != nil {
		return 0, err
	}
	return left.offset, nil
}
