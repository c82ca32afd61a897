package ember

import "sort"

// Tx is a single transaction against a Database: a consistent,
// point-in-time view for a read-only Tx, or an isolated set of pending
// mutations for a writable one. A Tx (and every Bucket/Cursor derived
// from it) must not be used after Commit or Rollback, and must not be
// used from more than one goroutine at a time.
type Tx struct {
	db       *Database
	writable bool
	id       txid
	meta     *meta
	mapping  *mapping // acquired at Begin, released when the Tx ends
	data     []byte
	root     *Bucket

	dirty        map[pgid][]byte
	savedFreeIDs []pgid
	done         bool

	pagesAllocated int
	pagesFreed     int
}

// ID returns the transaction's id: its own commit target if writable,
// or the id of the last commit it observed if read-only.
func (tx *Tx) ID() uint64 {
	return uint64(tx.id)
}

// Writable reports whether the transaction may mutate the database.
func (tx *Tx) Writable() bool {
	return tx.writable
}

// Bucket returns the named top-level bucket, or nil if it does not
// exist.
func (tx *Tx) Bucket(name []byte) *Bucket {
	return tx.root.Bucket(name)
}

// CreateBucket creates a new top-level bucket.
func (tx *Tx) CreateBucket(name []byte) (*Bucket, error) {
	return tx.root.CreateBucket(name)
}

// CreateBucketIfNotExists returns the named top-level bucket, creating
// it first if necessary.
func (tx *Tx) CreateBucketIfNotExists(name []byte) (*Bucket, error) {
	return tx.root.CreateBucketIfNotExists(name)
}

// DeleteBucket removes a top-level bucket and everything in it.
func (tx *Tx) DeleteBucket(name []byte) error {
	return tx.root.DeleteBucket(name)
}

// ForEachBucket calls fn for every top-level bucket.
func (tx *Tx) ForEachBucket(fn func(name []byte, b *Bucket) error) error {
	c := tx.root.Cursor()
	for k, v := c.First(); k != nil; k, v = c.Next() {
		if v != nil {
			continue
		}
		if err := fn(k, tx.root.Bucket(k)); err != nil {
			return err
		}
	}
	return nil
}

// Stats reports page-level accounting. NumPages and TxID are as of this
// transaction's view; FreePages and PendingPages are read from the
// database's live freelist.
func (tx *Tx) Stats() Stats {
	return Stats{
		PageSize:     tx.db.pageSize,
		NumPages:     int(tx.meta.numPages),
		FreePages:    tx.db.freelist.count(),
		PendingPages: tx.db.freelist.pendingCount(),
		TxID:         uint64(tx.id),
	}
}

// page returns the byte range backing page id as of this transaction's
// snapshot.
func (tx *Tx) page(id pgid) ([]byte, error) {
	off := int(id) * tx.db.pageSize
	if off < 0 || off+pageHeaderSize > len(tx.data) {
		return nil, ErrInvalid
	}
	hdr := loadPage(tx.data[off : off+pageHeaderSize])
	span := (1 + int(hdr.overflow)) * tx.db.pageSize
	if off+span > len(tx.data) {
		return nil, ErrInvalid
	}
	return tx.data[off : off+span], nil
}

// free registers the page run [id, id+overflow] as reclaimable once no
// reader can still see this transaction's predecessor state.
func (tx *Tx) free(id pgid, overflow uint32) {
	if id == 0 {
		return
	}
	tx.db.freelist.free(tx.id, id, overflow)
	tx.pagesFreed += 1 + int(overflow)
}

// allocate reserves n contiguous pages, first trying the freelist and
// falling back to growing the file.
func (tx *Tx) allocate(n int) (pgid, error) {
	tx.pagesAllocated += n
	if id, ok := tx.db.freelist.allocate(n); ok {
		return id, nil
	}
	id := pgid(tx.meta.numPages)
	tx.meta.numPages += uint64(n)
	return id, nil
}

// writeNode assigns n a (possibly new) backing page, serializes it into
// a freshly staged buffer, and frees its previous page run if it had
// one. The node is cached in its bucket by its new pgid so that any
// later lookup of that pgid within the same commit (a freshly built
// branch referencing an already-spilled child, for instance) resolves
// to this in-memory copy rather than stale on-disk bytes.
func (tx *Tx) writeNode(n *node) error {
	size := n.size()
	count := (size + tx.db.pageSize - 1) / tx.db.pageSize
	if count < 1 {
		count = 1
	}
	id, err := tx.allocate(count)
	if err != nil {
		return err
	}
	if n.pgid != 0 {
		oldOverflow := uint32(0)
		if oldBuf, perr := tx.page(n.pgid); perr == nil {
			oldOverflow = loadPage(oldBuf).overflow
		}
		tx.free(n.pgid, oldOverflow)
	}

	buf := make([]byte, count*tx.db.pageSize)
	n.pgid = id
	n.write(buf, tx.db.pageSize)
	tx.stageDirty(id, buf)
	n.dirty = false
	n.spilled = true

	if n.bucket.nodes == nil {
		n.bucket.nodes = make(map[pgid]*node)
	}
	n.bucket.nodes[id] = n
	return nil
}

// spill assigns real pages to every dirty node in n's subtree,
// splitting any that overflow a single page, and returns the (possibly
// several) resulting top-level pieces in key order. A clean node is
// already fully written and is returned unchanged.
func (tx *Tx) spill(n *node) ([]*node, error) {
	if !n.dirty {
		return []*node{n}, nil
	}
	if !n.isLeaf {
		rebuilt := make([]inode, 0, len(n.inodes))
		for _, in := range n.inodes {
			child, err := n.bucket.node(in.pgid, n)
			if err != nil {
				return nil, err
			}
			pieces, err := tx.spill(child)
			if err != nil {
				return nil, err
			}
			for i, p := range pieces {
				key := in.key
				if i > 0 {
					key = p.minKey()
				}
				rebuilt = append(rebuilt, inode{key: key, pgid: p.pgid})
			}
		}
		n.inodes = rebuilt
	}

	pieces := n.split(tx.db.pageSize, tx.db.fillFactor)
	for _, p := range pieces {
		if err := tx.writeNode(p); err != nil {
			return nil, err
		}
	}
	return pieces, nil
}

// encodeBucketEntry builds the leaf value a parent stores for child,
// reflecting whatever root representation commitBucket just settled on.
func (tx *Tx) encodeBucketEntry(b *Bucket) []byte {
	if b.inlinePageBytes != nil {
		return encodeBucketValue(bucketValueKindInline, 0, b.sequence, b.inlinePageBytes)
	}
	return encodeBucketValue(bucketValueKindPaged, b.rootPage, b.sequence, nil)
}

// commitBucket finalizes b for commit: every nested bucket it still has
// cached is finalized first (post-order, so a child's final root pgid
// is known before its header is folded back into the parent's own
// tree), then b's root is passed to rebalance (which collapses a branch
// root left with a single child; underfull non-root nodes are not
// merged) and, unless it now qualifies for inline storage, b's tree is
// spilled to real pages.
func (tx *Tx) commitBucket(b *Bucket) error {
	names := make([]string, 0, len(b.buckets))
	for name := range b.buckets {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		child := b.buckets[name]
		if err := tx.commitBucket(child); err != nil {
			return err
		}
		if !child.headerChanged {
			continue
		}
		leaf, err := b.findLeaf([]byte(name))
		if err != nil {
			return err
		}
		nameBytes := []byte(name)
		leaf.put(nameBytes, nameBytes, tx.encodeBucketEntry(child), 0, bucketLeafFlag)
		leaf.markDirty()
		b.dirty = true
		child.headerChanged = false
	}

	if !b.dirty {
		return nil
	}

	root, err := b.root()
	if err != nil {
		return err
	}
	rebalance(root)
	root = b.rootNode

	if b.parent != nil && root.isLeaf && root.size() <= inlineBucketBudget {
		buf := make([]byte, root.size())
		root.write(buf, len(buf))
		b.inlinePageBytes = buf
		b.rootPage = 0
		b.rootNode = nil
		b.headerChanged = true
		b.dirty = false
		return nil
	}

	pieces, err := tx.spill(root)
	if err != nil {
		return err
	}
	if len(pieces) > 1 {
		newRoot := &node{bucket: b, isLeaf: false, dirty: true}
		for _, p := range pieces {
			newRoot.inodes = append(newRoot.inodes, inode{key: p.minKey(), pgid: p.pgid})
		}
		pieces, err = tx.spill(newRoot)
		if err != nil {
			return err
		}
	}

	b.rootNode = pieces[0]
	b.rootPage = pieces[0].pgid
	b.inlinePageBytes = nil
	b.headerChanged = true
	b.dirty = false
	return nil
}

// oldestSafeRelease returns the newest tx id up to which pending frees
// may be promoted to reusable: one less than the smaller of this
// transaction's own id and the oldest active reader's id.
func (tx *Tx) oldestSafeRelease() txid {
	tx.db.readersMu.Lock()
	defer tx.db.readersMu.Unlock()
	min := tx.id
	for _, id := range tx.db.readers {
		if id < min {
			min = id
		}
	}
	if min == 0 {
		return 0
	}
	return min - 1
}

func (tx *Tx) stageDirty(id pgid, buf []byte) {
	if tx.dirty == nil {
		tx.dirty = make(map[pgid][]byte)
	}
	tx.dirty[id] = buf
}

// flushDirty grows the mapping if the commit needed more pages than it
// currently covers (so the next transaction's read-only view can reach
// them), then writes every staged page to the file through positioned
// I/O and syncs the data region (but not yet the meta page: that
// happens last, once the data it points to is durable). Pages are
// written via file.WriteAt rather than through the mapping: the mapping
// is kept read-only for the whole process (mmap_unix.go), so a
// concurrent reader can never observe a page mutated in place through
// the very mapping it is reading.
func (tx *Tx) flushDirty() error {
	need := int(tx.meta.numPages) * tx.db.pageSize
	if need > len(tx.db.current.data) {
		if err := tx.db.growTo(need); err != nil {
			return err
		}
	}
	for id, buf := range tx.dirty {
		off := int64(id) * int64(tx.db.pageSize)
		if _, err := tx.db.file.WriteAt(buf, off); err != nil {
			return err
		}
	}
	return tx.db.syncData()
}

// writeMeta writes m into whichever meta slot is not currently
// authoritative and syncs it, so a crash mid-write leaves the other
// slot (the previous commit) intact and selectable on reopen. Like
// flushDirty, this goes through positioned file I/O, never through the
// read-only mapping.
func (tx *Tx) writeMeta(m *meta) error {
	slot := metaPage1
	if tx.db.activeMeta() == tx.db.meta1 {
		slot = metaPage0
	}
	buf := make([]byte, tx.db.pageSize)
	m.write(buf, slot)
	off := int64(slot) * int64(tx.db.pageSize)
	if _, err := tx.db.file.WriteAt(buf, off); err != nil {
		return err
	}
	if err := tx.db.syncData(); err != nil {
		return err
	}
	if slot == metaPage0 {
		tx.db.meta0 = m
	} else {
		tx.db.meta1 = m
	}
	return nil
}

// Commit finalizes every pending mutation: rebalance and spill every
// touched bucket's tree, serialize the freelist, write every dirty page
// to the file, then publish a new meta page pointing at all of it.
// Commit is a no-op for a read-only transaction beyond releasing it.
func (tx *Tx) Commit() error {
	if tx.done {
		return ErrTxClosed
	}
	if !tx.writable {
		return tx.closeReadonly()
	}

	if err := tx.commitBucket(tx.root); err != nil {
		tx.Rollback()
		return err
	}

	ids := append([]pgid(nil), tx.db.freelist.ids...)
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	flCount := freelistPageCount(len(ids), tx.db.pageSize)
	flID, err := tx.allocate(flCount)
	if err != nil {
		tx.Rollback()
		return err
	}
	flBuf := make([]byte, flCount*tx.db.pageSize)
	writeFreelistPage(flBuf, ids, tx.db.pageSize)
	tx.stageDirty(flID, flBuf)

	if err := tx.flushDirty(); err != nil {
		tx.Rollback()
		return err
	}

	newMeta := &meta{
		magic:    magicNumber,
		version:  fileVersion,
		pageSize: uint32(tx.db.pageSize),
		flags:    tx.meta.flags,
		root:     bucketHeader{root: tx.root.rootPage, sequence: tx.root.sequence},
		freelist: flID,
		numPages: tx.meta.numPages,
		txid:     tx.id,
	}
	if err := tx.writeMeta(newMeta); err != nil {
		tx.Rollback()
		return err
	}

	tx.done = true
	tx.mapping.release()
	tx.db.rwlock.Unlock()
	tx.db.logger.Debug().Uint64("txid", uint64(tx.id)).Int("num_pages", int(newMeta.numPages)).Msg("transaction committed")
	tx.db.metrics.ObserveCommit()
	tx.db.metrics.AddAllocated(tx.pagesAllocated)
	tx.db.metrics.AddFreed(tx.pagesFreed)
	return nil
}

// Rollback discards every pending mutation. For a writable transaction
// this restores the freelist's free set to what it was at Begin and
// drops anything this transaction had pended for release.
func (tx *Tx) Rollback() error {
	if tx.done {
		return ErrTxClosed
	}
	tx.done = true
	if !tx.writable {
		tx.dropReader()
		tx.mapping.release()
		tx.db.metrics.ObserveRead()
		return nil
	}
	tx.db.freelist.ids = tx.savedFreeIDs
	tx.db.freelist.rollback(tx.id)
	tx.mapping.release()
	tx.db.rwlock.Unlock()
	tx.db.metrics.ObserveRollback()
	return nil
}

func (tx *Tx) closeReadonly() error {
	tx.done = true
	tx.dropReader()
	tx.mapping.release()
	tx.db.metrics.ObserveRead()
	return nil
}

func (tx *Tx) dropReader() {
	tx.db.readersMu.Lock()
	delete(tx.db.readers, tx)
	n := len(tx.db.readers)
	tx.db.readersMu.Unlock()
	tx.db.metrics.SetOpenReaders(n)
}
