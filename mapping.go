package ember

import (
	"sync/atomic"

	mmap "github.com/edsrzf/mmap-go"
)

// mapping is one memory-mapped view of the file, reference-counted so
// that growing the file never unmaps a region a transaction still holds
// a slice into. A transaction acquires the database's current mapping
// at Begin and releases it when it ends; the underlying mmap is only
// actually unmapped once its last referent (either the database itself,
// once a newer mapping replaces it, or the last transaction that
// acquired it) releases it.
type mapping struct {
	mm   mmap.MMap
	data []byte
	refs int32 // starts at 1, representing the database's own hold
}

func newMapping(mm mmap.MMap, data []byte) *mapping {
	return &mapping{mm: mm, data: data, refs: 1}
}

func (m *mapping) acquire() {
	atomic.AddInt32(&m.refs, 1)
}

// release drops a reference and unmaps once nothing holds the mapping
// any longer. Errors from the underlying unmap are not actionable by
// the caller (the transaction has already finished), so they are
// swallowed here; a mapping that fails to unmap simply leaks until
// process exit, same as any other munmap failure.
func (m *mapping) release() {
	if atomic.AddInt32(&m.refs, -1) == 0 {
		_ = mmapClose(m.mm)
	}
}
