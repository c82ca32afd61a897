package ember

import (
	"encoding/binary"
	"fmt"
)

// pgid identifies a page within the file, in page-size units from the
// start of the file.
type pgid uint64

// txid identifies a writable transaction. It is monotonically
// increasing and doubles as the "generation" a freed page was released
// in, for the freelist's pending-by-reader bookkeeping.
type txid uint64

// Page kinds, stored in page.flags.
const (
	branchPageFlag   uint16 = 0x01
	leafPageFlag     uint16 = 0x02
	metaPageFlag     uint16 = 0x04
	freelistPageFlag uint16 = 0x08
)

// Leaf element flags.
const (
	bucketLeafFlag uint32 = 0x01
)

// pageHeaderSize is the size, in bytes, of the fixed header every page
// kind carries: {pgid, flags, count, overflow}.
const pageHeaderSize = 16

// page is a thin view over a page-sized (or larger, for overflow spans)
// byte slice. It never owns the memory: for reads the slice aliases the
// mmap; for writes it aliases a transaction-owned buffer.
type page struct {
	id       pgid
	flags    uint16
	count    uint16
	overflow uint32
	buf      []byte
}

func loadPage(buf []byte) *page {
	return &page{
		id:       pgid(binary.LittleEndian.Uint64(buf[0:8])),
		flags:    binary.LittleEndian.Uint16(buf[8:10]),
		count:    binary.LittleEndian.Uint16(buf[10:12]),
		overflow: binary.LittleEndian.Uint32(buf[12:16]),
		buf:      buf,
	}
}

func (p *page) writeHeader() {
	binary.LittleEndian.PutUint64(p.buf[0:8], uint64(p.id))
	binary.LittleEndian.PutUint16(p.buf[8:10], p.flags)
	binary.LittleEndian.PutUint16(p.buf[10:12], p.count)
	binary.LittleEndian.PutUint32(p.buf[12:16], p.overflow)
}

func (p *page) typ() string {
	switch {
	case p.flags&branchPageFlag != 0:
		return "branch"
	case p.flags&leafPageFlag != 0:
		return "leaf"
	case p.flags&metaPageFlag != 0:
		return "meta"
	case p.flags&freelistPageFlag != 0:
		return "freelist"
	default:
		return fmt.Sprintf("unknown<%02x>", p.flags)
	}
}

// branchPageElement is the fixed-size element stored in a branch page's
// element array; keys are packed after the array.
type branchPageElement struct {
	keyOffset uint32
	keySize   uint32
	pgid      pgid
}

const branchPageElementSize = 16

func (p *page) branchElement(index uint16) branchPageElement {
	off := pageHeaderSize + int(index)*branchPageElementSize
	b := p.buf[off:]
	return branchPageElement{
		keyOffset: binary.LittleEndian.Uint32(b[0:4]),
		keySize:   binary.LittleEndian.Uint32(b[4:8]),
		pgid:      pgid(binary.LittleEndian.Uint64(b[8:16])),
	}
}

func putBranchElement(buf []byte, index uint16, e branchPageElement) {
	off := pageHeaderSize + int(index)*branchPageElementSize
	b := buf[off:]
	binary.LittleEndian.PutUint32(b[0:4], e.keyOffset)
	binary.LittleEndian.PutUint32(b[4:8], e.keySize)
	binary.LittleEndian.PutUint64(b[8:16], uint64(e.pgid))
}

// leafPageElement is the fixed-size element stored in a leaf page's
// element array; keys then values are packed after the array.
type leafPageElement struct {
	flags     uint32
	keyOffset uint32
	keySize   uint32
	valueSize uint32
}

const leafPageElementSize = 16

func (p *page) leafElement(index uint16) leafPageElement {
	off := pageHeaderSize + int(index)*leafPageElementSize
	b := p.buf[off:]
	return leafPageElement{
		flags:     binary.LittleEndian.Uint32(b[0:4]),
		keyOffset: binary.LittleEndian.Uint32(b[4:8]),
		keySize:   binary.LittleEndian.Uint32(b[8:12]),
		valueSize: binary.LittleEndian.Uint32(b[12:16]),
	}
}

func putLeafElement(buf []byte, index uint16, e leafPageElement) {
	off := pageHeaderSize + int(index)*leafPageElementSize
	b := buf[off:]
	binary.LittleEndian.PutUint32(b[0:4], e.flags)
	binary.LittleEndian.PutUint32(b[4:8], e.keyOffset)
	binary.LittleEndian.PutUint32(b[8:12], e.keySize)
	binary.LittleEndian.PutUint32(b[12:16], e.valueSize)
}
