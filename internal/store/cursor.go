package store

// btreeCursor walks a btree's leaves in key order by keeping the descent
// path (node + index at each level) from root to current leaf.
type btreeCursor struct {
	t     *btree
	stack []frame
	valid bool
}

type frame struct {
	n   node
	idx uint16
}

func newBtreeCursor(t *btree) *btreeCursor {
	return &btreeCursor{t: t}
}

// Seek positions the cursor at the first key >= target, descending from
// the root. Returns false if the tree is empty.
func (c *btreeCursor) Seek(target []byte) bool {
	c.stack = c.stack[:0]
	if c.t.root == 0 {
		c.valid = false
		return false
	}
	n := c.t.get(c.t.root)
	for {
		if n.kind() == nodeLeaf {
			// lower-bound search: lands on the first cell of a matching
			// dupsort key's run, not an arbitrary one within it.
			idx := c.t.leafLowerBound(n, target)
			c.stack = append(c.stack, frame{n, idx})
			break
		}
		idx := c.t.lookupLE(n, target)
		c.stack = append(c.stack, frame{n, idx})
		n = c.t.get(n.ptr(idx))
	}
	c.valid = c.stack[len(c.stack)-1].idx < c.stack[len(c.stack)-1].n.nkeys()
	if !c.valid {
		c.valid = c.advanceToNextLeafEntry()
	}
	return c.valid
}

func (c *btreeCursor) First() bool { return c.Seek(nil) }

func (c *btreeCursor) Last() bool {
	c.stack = c.stack[:0]
	if c.t.root == 0 {
		c.valid = false
		return false
	}
	n := c.t.get(c.t.root)
	for {
		idx := n.nkeys() - 1
		c.stack = append(c.stack, frame{n, idx})
		if n.kind() == nodeLeaf {
			break
		}
		n = c.t.get(n.ptr(idx))
	}
	c.valid = len(c.stack) > 0 && c.stack[len(c.stack)-1].n.nkeys() > 0
	return c.valid
}

func (c *btreeCursor) Get() ([]byte, []byte) {
	if !c.valid || len(c.stack) == 0 {
		return nil, nil
	}
	top := c.stack[len(c.stack)-1]
	return top.n.key(top.idx), c.t.resolveVal(top.n, top.idx)
}

func (c *btreeCursor) Next() bool {
	if !c.valid || len(c.stack) == 0 {
		return false
	}
	c.stack[len(c.stack)-1].idx++
	c.valid = c.advanceToNextLeafEntry()
	return c.valid
}

func (c *btreeCursor) Prev() bool {
	if !c.valid || len(c.stack) == 0 {
		return false
	}
	top := len(c.stack) - 1
	if c.stack[top].idx > 0 {
		c.stack[top].idx--
		c.valid = true
		return true
	}
	// pop until a level has a previous sibling, then descend rightmost.
	for top > 0 {
		c.stack = c.stack[:top]
		top--
		if c.stack[top].idx > 0 {
			c.stack[top].idx--
			n := c.t.get(c.stack[top].n.ptr(c.stack[top].idx))
			for {
				idx := n.nkeys() - 1
				c.stack = append(c.stack, frame{n, idx})
				if n.kind() == nodeLeaf {
					c.valid = true
					return true
				}
				n = c.t.get(n.ptr(idx))
			}
		}
	}
	c.valid = false
	return false
}

// advanceToNextLeafEntry fixes up the stack after the leaf index ran
// past the end of the current leaf, ascending and descending into the
// next sibling subtree as needed.
func (c *btreeCursor) advanceToNextLeafEntry() bool {
	top := len(c.stack) - 1
	if top < 0 {
		return false
	}
	if c.stack[top].idx < c.stack[top].n.nkeys() {
		return true
	}
	for top > 0 {
		c.stack = c.stack[:top]
		top--
		c.stack[top].idx++
		if c.stack[top].idx < c.stack[top].n.nkeys() {
			n := c.t.get(c.stack[top].n.ptr(c.stack[top].idx))
			for {
				c.stack = append(c.stack, frame{n, 0})
				if n.kind() == nodeLeaf {
					return n.nkeys() > 0
				}
				n = c.t.get(n.ptr(0))
			}
		}
	}
	return false
}
