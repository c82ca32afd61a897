package ember

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
)

const (
	magicNumber   uint32 = 0x454d4245 // "EBME"
	fileVersion   uint32 = 1
	metaPage0     pgid   = 0
	metaPage1     pgid   = 1
	freelistPage0 pgid   = 2
)

// metaFlag bits.
const (
	metaFlagStrict uint32 = 0x01
)

// bucketHeader describes where a bucket's tree is rooted and its
// sequence counter. It is embedded both in the meta page (for the root
// bucket) and inside sub-bucket leaf values.
type bucketHeader struct {
	root     pgid
	sequence uint64
}

const bucketHeaderSize = 16

func readBucketHeader(b []byte) bucketHeader {
	return bucketHeader{
		root:     pgid(binary.LittleEndian.Uint64(b[0:8])),
		sequence: binary.LittleEndian.Uint64(b[8:16]),
	}
}

func (h bucketHeader) put(b []byte) {
	binary.LittleEndian.PutUint64(b[0:8], uint64(h.root))
	binary.LittleEndian.PutUint64(b[8:16], h.sequence)
}

// meta is the content of one of the two meta pages. The checksum covers
// every preceding field; validate rejects a page whose checksum does
// not match, which is how a torn write (crash mid meta-fsync) is
// detected on reopen.
type meta struct {
	magic      uint32
	version    uint32
	pageSize   uint32
	flags      uint32
	root       bucketHeader
	freelist   pgid
	numPages   uint64
	txid       txid
	checksum   uint64
}

// metaSize is the number of bytes a meta struct occupies, checksum
// included.
const metaSize = 4 + 4 + 4 + 4 + bucketHeaderSize + 8 + 8 + 8 + 8

func (m *meta) validate() error {
	if m.magic != magicNumber {
		return ErrInvalid
	}
	if m.version != fileVersion {
		return ErrInvalid
	}
	if m.checksum != m.sum64() {
		return ErrInvalid
	}
	return nil
}

// sum64 computes the checksum over every field preceding it using
// xxhash64, chosen for being fixed, fast, and deterministic across
// platforms so two meta pages are always comparably authoritative.
func (m *meta) sum64() uint64 {
	var buf [metaSize - 8]byte
	putMetaBody(buf[:], m)
	return xxhash.Sum64(buf[:])
}

func putMetaBody(buf []byte, m *meta) {
	binary.LittleEndian.PutUint32(buf[0:4], m.magic)
	binary.LittleEndian.PutUint32(buf[4:8], m.version)
	binary.LittleEndian.PutUint32(buf[8:12], m.pageSize)
	binary.LittleEndian.PutUint32(buf[12:16], m.flags)
	m.root.put(buf[16:32])
	binary.LittleEndian.PutUint64(buf[32:40], uint64(m.freelist))
	binary.LittleEndian.PutUint64(buf[40:48], m.numPages)
	binary.LittleEndian.PutUint64(buf[48:56], uint64(m.txid))
}

// write serializes the meta into a page-sized buffer and stamps the
// page header/checksum. id is the physical page slot (0 or 1) this
// meta copy lives in.
func (m *meta) write(buf []byte, id pgid) {
	p := &page{id: id, flags: metaPageFlag}
	p.buf = buf
	p.writeHeader()
	body := buf[pageHeaderSize:]
	putMetaBody(body, m)
	m.checksum = m.sum64()
	binary.LittleEndian.PutUint64(body[56:64], m.checksum)
}

// readMetaPage parses the meta struct out of a page-sized buffer
// without validating it; callers should call validate() afterward.
func readMetaPage(buf []byte) *meta {
	body := buf[pageHeaderSize:]
	m := &meta{
		magic:    binary.LittleEndian.Uint32(body[0:4]),
		version:  binary.LittleEndian.Uint32(body[4:8]),
		pageSize: binary.LittleEndian.Uint32(body[8:12]),
		flags:    binary.LittleEndian.Uint32(body[12:16]),
		root:     readBucketHeader(body[16:32]),
		freelist: pgid(binary.LittleEndian.Uint64(body[32:40])),
		numPages: binary.LittleEndian.Uint64(body[40:48]),
		txid:     txid(binary.LittleEndian.Uint64(body[48:56])),
		checksum: binary.LittleEndian.Uint64(body[56:64]),
	}
	return m
}

func (m *meta) copy() *meta {
	c := *m
	return &c
}
