package ember

import "bytes"

// Cursor iterates over the key/value pairs (and sub-bucket entries) of
// a single Bucket in byte-lexicographic key order. A Cursor is only
// valid for the lifetime of the transaction that created its Bucket.
type Cursor struct {
	bucket *Bucket
	stack  []cursorFrame
}

type cursorFrame struct {
	n     *node
	index int
}

// First positions the cursor on the first key of the bucket.
func (c *Cursor) First() (key, value []byte) {
	c.stack = c.stack[:0]
	root, err := c.bucket.root()
	if err != nil {
		return nil, nil
	}
	c.stack = append(c.stack, cursorFrame{n: root, index: 0})
	c.goDownLeftmost()
	return c.keyValue()
}

// Last positions the cursor on the last key of the bucket.
func (c *Cursor) Last() (key, value []byte) {
	c.stack = c.stack[:0]
	root, err := c.bucket.root()
	if err != nil {
		return nil, nil
	}
	c.stack = append(c.stack, cursorFrame{n: root, index: len(root.inodes) - 1})
	c.goDownRightmost()
	return c.keyValue()
}

// Next advances to the key immediately following the current position.
func (c *Cursor) Next() (key, value []byte) {
	if len(c.stack) == 0 {
		return c.First()
	}
	for i := len(c.stack) - 1; i >= 0; i-- {
		f := &c.stack[i]
		f.index++
		if f.index < len(f.n.inodes) {
			c.stack = c.stack[:i+1]
			if !f.n.isLeaf {
				c.goDownLeftmost()
			}
			return c.keyValue()
		}
	}
	c.stack = c.stack[:0]
	return nil, nil
}

// Prev moves to the key immediately preceding the current position.
func (c *Cursor) Prev() (key, value []byte) {
	if len(c.stack) == 0 {
		return c.Last()
	}
	for i := len(c.stack) - 1; i >= 0; i-- {
		f := &c.stack[i]
		f.index--
		if f.index >= 0 {
			c.stack = c.stack[:i+1]
			if !f.n.isLeaf {
				c.goDownRightmost()
			}
			return c.keyValue()
		}
	}
	c.stack = c.stack[:0]
	return nil, nil
}

// Seek positions the cursor at the first key >= seek. If there is an
// exact match, Seek returns it; otherwise the cursor points to the
// would-be-insert position and the pair returned is the smallest key
// >= seek (or nil if none).
func (c *Cursor) Seek(seek []byte) (key, value []byte) {
	c.stack = c.stack[:0]
	n, err := c.bucket.root()
	if err != nil {
		return nil, nil
	}
	for {
		idx := search(n.inodes, seek)
		c.stack = append(c.stack, cursorFrame{n: n, index: idx})
		if n.isLeaf {
			break
		}
		childIdx := idx
		if childIdx >= len(n.inodes) || !bytes.Equal(n.inodes[childIdx].key, seek) {
			childIdx--
		}
		if childIdx < 0 {
			childIdx = 0
		}
		c.stack[len(c.stack)-1].index = childIdx
		child, err := c.bucket.node(n.inodes[childIdx].pgid, n)
		if err != nil {
			return nil, nil
		}
		n = child
	}
	f := &c.stack[len(c.stack)-1]
	if f.index >= len(f.n.inodes) {
		return c.Next()
	}
	return c.keyValue()
}

// search returns the index of the first inode whose key is >= target.
func search(inodes []inode, target []byte) int {
	lo, hi := 0, len(inodes)
	for lo < hi {
		mid := (lo + hi) / 2
		if bytes.Compare(inodes[mid].key, target) < 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}

func (c *Cursor) goDownLeftmost() {
	for {
		f := &c.stack[len(c.stack)-1]
		if f.n.isLeaf {
			return
		}
		if len(f.n.inodes) == 0 {
			return
		}
		if f.index >= len(f.n.inodes) {
			f.index = len(f.n.inodes) - 1
		}
		child, err := c.bucket.node(f.n.inodes[f.index].pgid, f.n)
		if err != nil {
			return
		}
		c.stack = append(c.stack, cursorFrame{n: child, index: 0})
	}
}

func (c *Cursor) goDownRightmost() {
	for {
		f := &c.stack[len(c.stack)-1]
		if f.n.isLeaf {
			return
		}
		if len(f.n.inodes) == 0 {
			return
		}
		if f.index < 0 {
			f.index = 0
		}
		child, err := c.bucket.node(f.n.inodes[f.index].pgid, f.n)
		if err != nil {
			return
		}
		c.stack = append(c.stack, cursorFrame{n: child, index: len(child.inodes) - 1})
	}
}

// keyValue reads the element the cursor currently points to. It
// returns nil, nil when the stack is empty, past the end, or pointing
// at a sub-bucket entry (use Bucket() to descend into those).
func (c *Cursor) keyValue() (key, value []byte) {
	if len(c.stack) == 0 {
		return nil, nil
	}
	f := c.stack[len(c.stack)-1]
	if !f.n.isLeaf || f.index < 0 || f.index >= len(f.n.inodes) {
		return nil, nil
	}
	in := f.n.inodes[f.index]
	if in.flags&bucketLeafFlag != 0 {
		return cloneBytes(in.key), nil
	}
	return cloneBytes(in.key), cloneBytes(in.value)
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
