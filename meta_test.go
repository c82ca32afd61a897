package ember

import "testing"

func TestMetaWriteValidate(t *testing.T) {
	const pageSize = 4096
	buf := make([]byte, pageSize)
	m := &meta{
		magic:    magicNumber,
		version:  fileVersion,
		pageSize: pageSize,
		root:     bucketHeader{root: 3, sequence: 7},
		freelist: freelistPage0,
		numPages: 4,
		txid:     1,
	}
	m.write(buf, metaPage1)

	got := readMetaPage(buf)
	if err := got.validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if got.root.root != 3 || got.root.sequence != 7 {
		t.Fatalf("root header mismatch: %+v", got.root)
	}
	if got.txid != 1 || got.numPages != 4 {
		t.Fatalf("unexpected meta: %+v", got)
	}
}

func TestMetaValidateRejectsCorruption(t *testing.T) {
	const pageSize = 4096
	buf := make([]byte, pageSize)
	m := &meta{magic: magicNumber, version: fileVersion, pageSize: pageSize, numPages: 3, txid: 5}
	m.write(buf, metaPage0)

	buf[pageHeaderSize+40] ^= 0xFF // flip a byte inside numPages
	got := readMetaPage(buf)
	if err := got.validate(); err == nil {
		t.Fatalf("expected validate to reject a corrupted checksum")
	}
}

func TestMetaValidateRejectsWrongMagic(t *testing.T) {
	m := &meta{magic: 0xBAD, version: fileVersion}
	if err := m.validate(); err == nil {
		t.Fatalf("expected validate to reject a bad magic number")
	}
}

func TestBucketHeaderRoundTrip(t *testing.T) {
	buf := make([]byte, bucketHeaderSize)
	h := bucketHeader{root: 11, sequence: 22}
	h.put(buf)
	got := readBucketHeader(buf)
	if got != h {
		t.Fatalf("got %+v, want %+v", got, h)
	}
}
