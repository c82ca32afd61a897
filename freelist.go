package ember

import (
	"encoding/binary"
	"sort"
)

// freelist tracks free page ids and the pending-release ids of
// in-flight writers.
type freelist struct {
	ids     []pgid
	pending map[txid][]pgid
}

func newFreelist() *freelist {
	return &freelist{pending: make(map[txid][]pgid)}
}

// count returns the number of ids presently free (excluding pending).
func (f *freelist) count() int {
	return len(f.ids)
}

// allocate returns the pgid of a contiguous run of n free pages,
// preferring the lowest-address run that fits (first-fit over the
// sorted free set). If no run fits, it reports that the caller should
// extend the file by returning ok=false.
func (f *freelist) allocate(n int) (pgid, bool) {
	if n == 0 {
		return 0, false
	}
	if len(f.ids) == 0 {
		return 0, false
	}
	var run, start int
	var previd pgid
	for i, id := range f.ids {
		if i == 0 || id-previd != 1 {
			run = 1
			start = i
		} else {
			run++
		}
		previd = id
		if run == n {
			found := f.ids[start : start+n]
			result := found[0]
			f.ids = append(f.ids[:start], f.ids[start+n:]...)
			return result, true
		}
	}
	return 0, false
}

// free appends [id, id+overflow] to the pending set for txid tx. The
// pages are not reusable until release(upto) is called with an upto
// tx id at least tx.
func (f *freelist) free(tx txid, id pgid, overflow uint32) {
	for i := pgid(0); i <= pgid(overflow); i++ {
		f.pending[tx] = append(f.pending[tx], id+i)
	}
}

// release moves every pending run released at or before uptoTx into the
// free set. A page written by transaction N must not be reclaimed while
// any reader with an older tx id is still running, so callers always
// pass the oldest active reader's tx id (minus one) as uptoTx.
func (f *freelist) release(uptoTx txid) {
	for tx, ids := range f.pending {
		if tx > uptoTx {
			continue
		}
		f.ids = append(f.ids, ids...)
		delete(f.pending, tx)
	}
	sort.Slice(f.ids, func(i, j int) bool { return f.ids[i] < f.ids[j] })
}

// rollback discards everything a given writer pended without ever
// making it reusable.
func (f *freelist) rollback(tx txid) {
	delete(f.pending, tx)
}

// pendingCount totals every page awaiting release across all writers,
// used for Stats.
func (f *freelist) pendingCount() int {
	n := 0
	for _, ids := range f.pending {
		n += len(ids)
	}
	return n
}

// freelistElementSize is the width of one serialized page id.
const freelistElementSize = 8

// writeFreelistPage serializes the free id set (but never pending ids — those are
// only durable once released to a later commit) into one or more
// page-sized buffers. The header's count field holds the element count
// when it fits in a uint16; otherwise the first 8 bytes of the body
// carry the true count and count is set to a
// marker value of 0xFFFF.
const freelistCountOverflowMarker = 0xFFFF

// writeFreelistPage serializes ids (assumed already sorted) into buf,
// which must be sized to exactly freelistPageCount(len(ids), pageSize)
// contiguous physical pages.
func writeFreelistPage(buf []byte, ids []pgid, pageSize int) {
	p := &page{flags: freelistPageFlag, buf: buf}
	p.overflow = uint32(len(buf)/pageSize) - 1

	body := buf[pageHeaderSize:]
	if len(ids) < freelistCountOverflowMarker {
		p.count = uint16(len(ids))
		for i, id := range ids {
			binary.LittleEndian.PutUint64(body[i*freelistElementSize:], uint64(id))
		}
	} else {
		p.count = freelistCountOverflowMarker
		binary.LittleEndian.PutUint64(body[0:8], uint64(len(ids)))
		for i, id := range ids {
			binary.LittleEndian.PutUint64(body[8+i*freelistElementSize:], uint64(id))
		}
	}
	p.writeHeader()
}

func readFreelistPage(buf []byte) []pgid {
	p := loadPage(buf)
	body := buf[pageHeaderSize:]
	if p.count < freelistCountOverflowMarker {
		ids := make([]pgid, p.count)
		for i := range ids {
			ids[i] = pgid(binary.LittleEndian.Uint64(body[i*freelistElementSize:]))
		}
		return ids
	}
	n := binary.LittleEndian.Uint64(body[0:8])
	ids := make([]pgid, n)
	for i := range ids {
		ids[i] = pgid(binary.LittleEndian.Uint64(body[8+i*freelistElementSize:]))
	}
	return ids
}

// freelistPageCount returns how many contiguous physical pages a
// logical freelist page holding count ids must span (i.e. 1+overflow).
// A freelist page is one logical page like any other: the ids are
// packed linearly after the header across as many contiguous physical
// pages as needed.
func freelistPageCount(count, pageSize int) int {
	bytesNeeded := pageHeaderSize + count*freelistElementSize
	if count >= freelistCountOverflowMarker {
		bytesNeeded += 8
	}
	n := (bytesNeeded + pageSize - 1) / pageSize
	if n < 1 {
		n = 1
	}
	return n
}
