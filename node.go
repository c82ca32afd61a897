package ember

import (
	"bytes"
	"sort"
)

// minKeysPerSplit is the minimum inode count a node must reach before
// it is considered for splitting at all, independent of byte size.
const minKeysPerSplit = 4

// inode is one key's worth of payload inside a node: for a branch node
// it is {key, child pgid}; for a leaf node it is {flags, key, value}.
type inode struct {
	flags uint32
	pgid  pgid
	key   []byte
	value []byte
}

// node is the in-memory, mutable image of a branch or leaf page. It is
// created lazily the first time a transaction dereferences or mutates
// the backing page and lives only for that transaction's duration.
type node struct {
	bucket     *Bucket
	isLeaf     bool
	unbalanced bool
	spilled    bool
	dirty      bool
	key        []byte // cached minimum key, used by the parent for branch keys
	pgid       pgid   // backing page id; 0 until first spill
	parent     *node
	inodes     []inode
}

func (n *node) root() *node {
	if n.parent == nil {
		return n
	}
	return n.parent.root()
}

// markDirty flags n, and every ancestor up to the root, as having
// content that must be rewritten at commit. Stops early once it finds
// an ancestor already marked, since that ancestor's own chain is
// already marked too.
func (n *node) markDirty() {
	for cur := n; cur != nil && !cur.dirty; cur = cur.parent {
		cur.dirty = true
	}
}

// minKey returns the node's first key, used as the branch key the
// parent stores for this child: a branch key is always the minimum key
// reachable in that child's subtree.
func (n *node) minKey() []byte {
	if len(n.inodes) == 0 {
		return n.key
	}
	return n.inodes[0].key
}

// childPosition returns the index in n.inodes whose pgid matches
// child's backing page. Valid only before child has been spilled,
// since a child keeps its original pgid until then.
func (n *node) childPosition(child *node) int {
	for i, in := range n.inodes {
		if child.pgid != 0 && in.pgid == child.pgid {
			return i
		}
	}
	return -1
}

// put inserts or overwrites (key, value) in a leaf node, or a child
// pointer in a branch node, preserving key order.
func (n *node) put(oldKey, newKey, value []byte, childPgid pgid, flags uint32) {
	if childPgid >= pgid(1<<62) {
		panic("ember: pgid overflow")
	}
	idx := sort.Search(len(n.inodes), func(i int) bool {
		return bytes.Compare(n.inodes[i].key, oldKey) >= 0
	})
	exact := idx < len(n.inodes) && bytes.Equal(n.inodes[idx].key, oldKey)

	in := inode{flags: flags, key: newKey, value: value, pgid: childPgid}
	if exact {
		n.inodes[idx] = in
		return
	}
	n.inodes = append(n.inodes, inode{})
	copy(n.inodes[idx+1:], n.inodes[idx:])
	n.inodes[idx] = in
}

// del removes the inode for key, if present, and marks the node for
// rebalancing.
func (n *node) del(key []byte) {
	idx := sort.Search(len(n.inodes), func(i int) bool {
		return bytes.Compare(n.inodes[i].key, key) >= 0
	})
	if idx >= len(n.inodes) || !bytes.Equal(n.inodes[idx].key, key) {
		return
	}
	n.inodes = append(n.inodes[:idx], n.inodes[idx+1:]...)
	n.unbalanced = true
}

// removeAt deletes the inode at index i directly, used by rebalance
// when dropping a merged-away sibling's entry in its parent.
func (n *node) removeAt(i int) {
	n.inodes = append(n.inodes[:i], n.inodes[i+1:]...)
	n.unbalanced = true
}

// minInodesPerNode is the inode count under which a non-root node is
// considered underfull and becomes a rebalance candidate.
const minInodesPerNode = 2

// rebalance merges n with an adjacent sibling if n has become underfull
// (or empty) after a delete, propagating the merge up toward the root
// and collapsing the root if it is left with a single child.
func rebalance(n *node) {
	if n.parent == nil {
		collapseRoot(n)
		return
	}
	if !n.unbalanced || len(n.inodes) >= minInodesPerNode {
		return
	}
	parent := n.parent
	idx := parent.childPosition(n)
	if idx < 0 {
		return
	}
	if idx > 0 {
		left, err := n.bucket.node(parent.inodes[idx-1].pgid, parent)
		if err == nil {
			left.inodes = append(left.inodes, n.inodes...)
			left.markDirty()
			parent.removeAt(idx)
			rebalance(parent)
			return
		}
	}
	if idx+1 < len(parent.inodes) {
		right, err := n.bucket.node(parent.inodes[idx+1].pgid, parent)
		if err == nil {
			n.inodes = append(n.inodes, right.inodes...)
			n.markDirty()
			parent.removeAt(idx + 1)
			rebalance(parent)
			return
		}
	}
}

// collapseRoot replaces a branch root holding a single child with that
// child, shrinking the tree's height by one level.
func collapseRoot(n *node) {
	if n.isLeaf || len(n.inodes) != 1 {
		return
	}
	child, err := n.bucket.node(n.inodes[0].pgid, nil)
	if err != nil {
		return
	}
	child.parent = nil
	child.markDirty()
	n.bucket.rootNode = child
}

// read materializes a node's inodes from a raw page.
func (n *node) read(p *page) {
	n.pgid = p.id
	n.isLeaf = p.flags&leafPageFlag != 0
	n.inodes = make([]inode, int(p.count))

	if n.isLeaf {
		for i := 0; i < int(p.count); i++ {
			e := p.leafElement(uint16(i))
			key := p.buf[pageHeaderSize+int(e.keyOffset) : pageHeaderSize+int(e.keyOffset)+int(e.keySize)]
			val := p.buf[pageHeaderSize+int(e.keyOffset)+int(e.keySize) : pageHeaderSize+int(e.keyOffset)+int(e.keySize)+int(e.valueSize)]
			n.inodes[i] = inode{flags: e.flags, key: key, value: val}
		}
	} else {
		for i := 0; i < int(p.count); i++ {
			e := p.branchElement(uint16(i))
			key := p.buf[pageHeaderSize+int(e.keyOffset) : pageHeaderSize+int(e.keyOffset)+int(e.keySize)]
			n.inodes[i] = inode{key: key, pgid: e.pgid}
		}
	}
	if len(n.inodes) > 0 {
		n.key = n.inodes[0].key
	}
}

// size estimates the serialized page size of the node: header plus the
// fixed element array plus packed key/value bytes.
func (n *node) size() int {
	elemSize := branchPageElementSize
	if n.isLeaf {
		elemSize = leafPageElementSize
	}
	sz := pageHeaderSize + len(n.inodes)*elemSize
	for _, in := range n.inodes {
		sz += len(in.key)
		if n.isLeaf {
			sz += len(in.value)
		}
	}
	return sz
}

// sizeLessThan reports whether the node's serialized size stays under
// max without building the full size (used by the split loop, which
// would otherwise be quadratic).
func (n *node) sizeLessThan(max int) bool {
	elemSize := branchPageElementSize
	if n.isLeaf {
		elemSize = leafPageElementSize
	}
	sz := pageHeaderSize
	for _, in := range n.inodes {
		sz += elemSize + len(in.key)
		if n.isLeaf {
			sz += len(in.value)
		}
		if sz >= max {
			return false
		}
	}
	return true
}

// write serializes the node into buf, which must span exactly the
// contiguous physical pages the node needs (pageSize * (1+overflow)).
func (n *node) write(buf []byte, pageSize int) {
	p := &page{buf: buf, id: n.pgid, count: uint16(len(n.inodes))}
	if n.isLeaf {
		p.flags = leafPageFlag
	} else {
		p.flags = branchPageFlag
	}
	p.overflow = uint32(len(buf)/pageSize) - 1
	p.writeHeader()

	elemSize := branchPageElementSize
	if n.isLeaf {
		elemSize = leafPageElementSize
	}
	dataOffset := len(n.inodes) * elemSize // relative to the elements-base, i.e. past header+array
	for i, in := range n.inodes {
		if n.isLeaf {
			putLeafElement(buf, uint16(i), leafPageElement{
				flags:     in.flags,
				keyOffset: uint32(dataOffset),
				keySize:   uint32(len(in.key)),
				valueSize: uint32(len(in.value)),
			})
			copy(buf[pageHeaderSize+dataOffset:], in.key)
			copy(buf[pageHeaderSize+dataOffset+len(in.key):], in.value)
			dataOffset += len(in.key) + len(in.value)
		} else {
			putBranchElement(buf, uint16(i), branchPageElement{
				keyOffset: uint32(dataOffset),
				keySize:   uint32(len(in.key)),
				pgid:      in.pgid,
			})
			copy(buf[pageHeaderSize+dataOffset:], in.key)
			dataOffset += len(in.key)
		}
	}
}

// splitIndex finds where to cut a leaf/branch: it returns the index of
// the first inode (never below minKeysPerSplit/2) that would take the
// left-hand node past pageSize*fillFactor bytes, i.e. the first inode
// that belongs in the right-hand node.
func (n *node) splitIndex(pageSize int, fillFactor float64) int {
	threshold := int(float64(pageSize) * fillFactor)
	elemSize := branchPageElementSize
	if n.isLeaf {
		elemSize = leafPageElementSize
	}
	sz := pageHeaderSize
	for i, in := range n.inodes {
		entry := elemSize + len(in.key)
		if n.isLeaf {
			entry += len(in.value)
		}
		if i >= minKeysPerSplit/2 && sz+entry > threshold {
			return i
		}
		sz += entry
	}
	return len(n.inodes) - 1
}

// split splits n into as many right-hand siblings as needed to bring
// every resulting node under pageSize, provided n has enough inodes to
// make splitting meaningful. fillFactor is the target minimum fill
// factor each resulting piece should meet (see Options.FillFactor).
func (n *node) split(pageSize int, fillFactor float64) []*node {
	if len(n.inodes) < minKeysPerSplit || n.sizeLessThan(pageSize) {
		return []*node{n}
	}

	var out []*node
	cur := n
	for !cur.sizeLessThan(pageSize) && len(cur.inodes) >= minKeysPerSplit {
		idx := cur.splitIndex(pageSize, fillFactor)
		if idx <= 0 || idx >= len(cur.inodes) {
			break
		}
		right := &node{
			bucket: cur.bucket,
			isLeaf: cur.isLeaf,
			parent: cur.parent,
			inodes: append([]inode(nil), cur.inodes[idx:]...),
		}
		cur.inodes = cur.inodes[:idx]
		cur.key = cur.minKey()
		right.key = right.minKey()
		out = append(out, cur)
		cur = right
	}
	out = append(out, cur)
	return out
}
