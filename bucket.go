package ember

import (
	"bytes"
	"encoding/binary"
)

// ValueKind classifies what DataType found at a key.
type ValueKind int

const (
	KindMissing ValueKind = iota
	KindValue
	KindBucket
)

// Bucket value encodings: the leaf value carrying a sub-bucket header
// starts with one kind byte, followed either by a real root pgid (a
// "paged" bucket, once promoted) or the bucket's entire root page
// embedded in place ("inline", for small buckets that never earned a
// page of their own).
const (
	bucketValueKindInline byte = 0
	bucketValueKindPaged  byte = 1
)

// inlineBucketBudget is the largest a sub-bucket's serialized root page
// may be before it is promoted to a page of its own at commit.
const inlineBucketBudget = 256

// Bucket is a named, independently rooted collection of key/value pairs
// and further nested buckets, scoped to the transaction that opened it.
type Bucket struct {
	tx       *Tx
	parent   *Bucket
	name     []byte
	rootPage pgid // 0 means "no backing page yet" (brand new, or inline)
	sequence uint64
	dirty    bool

	// headerChanged is set once this bucket's root representation
	// (page id or inline bytes) changes during commit, so the parent
	// knows its own leaf entry for this bucket needs rewriting.
	headerChanged bool

	inlinePageBytes []byte // non-nil iff opened from an inline sub-bucket entry
	rootNode        *node
	nodes           map[pgid]*node
	buckets         map[string]*Bucket
}

func newRootBucket(tx *Tx, header bucketHeader) *Bucket {
	return &Bucket{tx: tx, rootPage: header.root, sequence: header.sequence}
}

// root returns the materialized root node, creating an empty leaf for a
// brand new bucket or decoding the embedded page for an inline one.
func (b *Bucket) root() (*node, error) {
	if b.rootNode != nil {
		return b.rootNode, nil
	}
	if b.inlinePageBytes != nil {
		n := &node{bucket: b}
		n.read(loadPage(b.inlinePageBytes))
		b.rootNode = n
		return n, nil
	}
	if b.rootPage == 0 {
		n := &node{bucket: b, isLeaf: true, dirty: true}
		b.rootNode = n
		return n, nil
	}
	n, err := b.node(b.rootPage, nil)
	if err != nil {
		return nil, err
	}
	b.rootNode = n
	return n, nil
}

// node returns the materialized node backed by page id, from the
// per-transaction cache or freshly read from the transaction's page
// view. id must be a real, previously-spilled page id.
func (b *Bucket) node(id pgid, parent *node) (*node, error) {
	if n, ok := b.nodes[id]; ok {
		return n, nil
	}
	buf, err := b.tx.page(id)
	if err != nil {
		return nil, err
	}
	n := &node{bucket: b, parent: parent}
	n.read(loadPage(buf))
	if b.nodes == nil {
		b.nodes = make(map[pgid]*node)
	}
	b.nodes[id] = n
	return n, nil
}

// findLeaf descends from the root to the leaf that key belongs in,
// materializing branch children along the way.
func (b *Bucket) findLeaf(key []byte) (*node, error) {
	n, err := b.root()
	if err != nil {
		return nil, err
	}
	for !n.isLeaf {
		if len(n.inodes) == 0 {
			break
		}
		idx := search(n.inodes, key)
		if idx >= len(n.inodes) || !bytes.Equal(n.inodes[idx].key, key) {
			idx--
		}
		if idx < 0 {
			idx = 0
		}
		child, err := b.node(n.inodes[idx].pgid, n)
		if err != nil {
			return nil, err
		}
		n = child
	}
	return n, nil
}

func (b *Bucket) markDirty() {
	for cur := b; cur != nil && !cur.dirty; cur = cur.parent {
		cur.dirty = true
	}
}

// Cursor returns a new cursor over this bucket's key/value pairs.
func (b *Bucket) Cursor() *Cursor {
	return &Cursor{bucket: b}
}

// Get returns the value for key, or nil if the key is absent or names
// a nested bucket rather than a value.
func (b *Bucket) Get(key []byte) []byte {
	leaf, err := b.findLeaf(key)
	if err != nil {
		return nil
	}
	idx := search(leaf.inodes, key)
	if idx >= len(leaf.inodes) || !bytes.Equal(leaf.inodes[idx].key, key) {
		return nil
	}
	in := leaf.inodes[idx]
	if in.flags&bucketLeafFlag != 0 {
		return nil
	}
	return cloneBytes(in.value)
}

// DataType reports whether key names a value, a nested bucket, or
// neither, letting a caller distinguish "absent" from "present but is
// a bucket" without guessing from Get's nil return.
func (b *Bucket) DataType(key []byte) (ValueKind, bool) {
	leaf, err := b.findLeaf(key)
	if err != nil {
		return KindMissing, false
	}
	idx := search(leaf.inodes, key)
	if idx >= len(leaf.inodes) || !bytes.Equal(leaf.inodes[idx].key, key) {
		return KindMissing, false
	}
	if leaf.inodes[idx].flags&bucketLeafFlag != 0 {
		return KindBucket, true
	}
	return KindValue, true
}

// Put inserts or overwrites key with value.
func (b *Bucket) Put(key, value []byte) error {
	if !b.tx.writable {
		return ErrTxReadOnly
	}
	if len(key) == 0 {
		return ErrEmptyKey
	}
	if len(key) > b.tx.db.maxKeySize {
		return ErrKeyTooLarge
	}
	if uint64(len(value)) > maxValueSize {
		return ErrValueTooLarge
	}
	leaf, err := b.findLeaf(key)
	if err != nil {
		return err
	}
	if idx := search(leaf.inodes, key); idx < len(leaf.inodes) && bytes.Equal(leaf.inodes[idx].key, key) {
		if leaf.inodes[idx].flags&bucketLeafFlag != 0 {
			return ErrIncompatibleValue
		}
	}
	leaf.put(key, cloneBytes(key), cloneBytes(value), 0, 0)
	leaf.markDirty()
	b.markDirty()
	return nil
}

// Delete removes key, if present. Deleting a missing key is not an
// error.
func (b *Bucket) Delete(key []byte) error {
	if !b.tx.writable {
		return ErrTxReadOnly
	}
	leaf, err := b.findLeaf(key)
	if err != nil {
		return err
	}
	if idx := search(leaf.inodes, key); idx < len(leaf.inodes) && bytes.Equal(leaf.inodes[idx].key, key) {
		if leaf.inodes[idx].flags&bucketLeafFlag != 0 {
			return ErrIncompatibleValue
		}
	}
	leaf.del(key)
	leaf.markDirty()
	b.markDirty()
	return nil
}

// ForEach calls fn for every key/value pair in the bucket, in key
// order. Sub-bucket entries are skipped (their value is nil).
func (b *Bucket) ForEach(fn func(k, v []byte) error) error {
	c := b.Cursor()
	for k, v := c.First(); k != nil; k, v = c.Next() {
		if kind, _ := b.DataType(k); v == nil && kind == KindBucket {
			continue
		}
		if err := fn(k, v); err != nil {
			return err
		}
	}
	return nil
}

// Bucket returns the nested bucket named name, or nil if it does not
// exist.
func (b *Bucket) Bucket(name []byte) *Bucket {
	if child, ok := b.buckets[string(name)]; ok {
		return child
	}
	leaf, err := b.findLeaf(name)
	if err != nil {
		return nil
	}
	idx := search(leaf.inodes, name)
	if idx >= len(leaf.inodes) || !bytes.Equal(leaf.inodes[idx].key, name) {
		return nil
	}
	in := leaf.inodes[idx]
	if in.flags&bucketLeafFlag == 0 {
		return nil
	}
	kind, root, sequence, inline := decodeBucketValue(in.value)
	child := &Bucket{tx: b.tx, parent: b, name: cloneBytes(name), rootPage: root, sequence: sequence}
	if kind == bucketValueKindInline {
		child.inlinePageBytes = inline
	}
	if b.buckets == nil {
		b.buckets = make(map[string]*Bucket)
	}
	b.buckets[string(name)] = child
	return child
}

// CreateBucket creates a new nested bucket named name. It returns
// ErrBucketExists if name is already a bucket or ErrIncompatibleValue
// if name is already a plain value.
func (b *Bucket) CreateBucket(name []byte) (*Bucket, error) {
	if !b.tx.writable {
		return nil, ErrTxReadOnly
	}
	if len(name) == 0 {
		return nil, ErrEmptyKey
	}
	if len(name) > b.tx.db.maxKeySize {
		return nil, ErrKeyTooLarge
	}
	if b.Bucket(name) != nil {
		return nil, ErrBucketExists
	}
	leaf, err := b.findLeaf(name)
	if err != nil {
		return nil, err
	}
	if idx := search(leaf.inodes, name); idx < len(leaf.inodes) && bytes.Equal(leaf.inodes[idx].key, name) {
		return nil, ErrIncompatibleValue
	}

	child := &Bucket{tx: b.tx, parent: b, name: cloneBytes(name), dirty: true}
	child.rootNode = &node{bucket: child, isLeaf: true, dirty: true}
	if b.buckets == nil {
		b.buckets = make(map[string]*Bucket)
	}
	b.buckets[string(name)] = child

	// A placeholder entry; the real header bytes are written at commit
	// once the child's final root/inline status is known.
	leaf.put(name, cloneBytes(name), encodeBucketValue(bucketValueKindInline, 0, 0, nil), 0, bucketLeafFlag)
	leaf.markDirty()
	b.markDirty()
	return child, nil
}

// CreateBucketIfNotExists returns the existing nested bucket named name,
// creating it first if necessary.
func (b *Bucket) CreateBucketIfNotExists(name []byte) (*Bucket, error) {
	if existing := b.Bucket(name); existing != nil {
		return existing, nil
	}
	return b.CreateBucket(name)
}

// DeleteBucket removes a nested bucket and every page it (and its own
// nested buckets) own.
func (b *Bucket) DeleteBucket(name []byte) error {
	if !b.tx.writable {
		return ErrTxReadOnly
	}
	child := b.Bucket(name)
	if child == nil {
		return ErrBucketNotFound
	}
	if err := child.freeAll(); err != nil {
		return err
	}
	leaf, err := b.findLeaf(name)
	if err != nil {
		return err
	}
	leaf.del(name)
	leaf.markDirty()
	delete(b.buckets, string(name))
	b.markDirty()
	return nil
}

// freeAll releases every page owned by b (and recursively by any
// bucket nested within it) back to the transaction's freelist.
func (b *Bucket) freeAll() error {
	if b.inlinePageBytes == nil && b.rootPage != 0 {
		if err := b.walkPages(b.rootPage); err != nil {
			return err
		}
	}
	root, err := b.root()
	if err != nil {
		return err
	}
	return b.freeNestedIn(root)
}

func (b *Bucket) walkPages(id pgid) error {
	buf, err := b.tx.page(id)
	if err != nil {
		return err
	}
	p := loadPage(buf)
	b.tx.free(p.id, p.overflow)
	if p.flags&branchPageFlag != 0 {
		for i := 0; i < int(p.count); i++ {
			e := p.branchElement(uint16(i))
			if err := b.walkPages(e.pgid); err != nil {
				return err
			}
		}
	}
	return nil
}

func (b *Bucket) freeNestedIn(n *node) error {
	if n.isLeaf {
		for _, in := range n.inodes {
			if in.flags&bucketLeafFlag == 0 {
				continue
			}
			kind, root, sequence, inline := decodeBucketValue(in.value)
			child := &Bucket{tx: b.tx, parent: b, rootPage: root, sequence: sequence}
			if kind == bucketValueKindInline {
				child.inlinePageBytes = inline
			}
			if err := child.freeAll(); err != nil {
				return err
			}
		}
		return nil
	}
	for _, in := range n.inodes {
		child, err := b.node(in.pgid, n)
		if err != nil {
			return err
		}
		if err := b.freeNestedIn(child); err != nil {
			return err
		}
	}
	return nil
}

// Sequence returns the bucket's monotonically increasing counter, a
// convenience for callers that want auto-incrementing integer keys.
func (b *Bucket) Sequence() uint64 {
	return b.sequence
}

// SetSequence sets the bucket's counter directly.
func (b *Bucket) SetSequence(v uint64) error {
	if !b.tx.writable {
		return ErrTxReadOnly
	}
	b.sequence = v
	b.markDirty()
	return nil
}

// NextSequence increments and returns the bucket's counter.
func (b *Bucket) NextSequence() (uint64, error) {
	if !b.tx.writable {
		return 0, ErrTxReadOnly
	}
	b.sequence++
	b.markDirty()
	return b.sequence, nil
}

func encodeBucketValue(kind byte, root pgid, sequence uint64, inline []byte) []byte {
	if kind == bucketValueKindPaged {
		buf := make([]byte, 1+8+8)
		buf[0] = kind
		binary.LittleEndian.PutUint64(buf[1:9], uint64(root))
		binary.LittleEndian.PutUint64(buf[9:17], sequence)
		return buf
	}
	buf := make([]byte, 1+8+len(inline))
	buf[0] = kind
	binary.LittleEndian.PutUint64(buf[1:9], sequence)
	copy(buf[9:], inline)
	return buf
}

func decodeBucketValue(v []byte) (kind byte, root pgid, sequence uint64, inline []byte) {
	kind = v[0]
	if kind == bucketValueKindPaged {
		root = pgid(binary.LittleEndian.Uint64(v[1:9]))
		sequence = binary.LittleEndian.Uint64(v[9:17])
		return
	}
	sequence = binary.LittleEndian.Uint64(v[1:9])
	inline = v[9:]
	return
}
