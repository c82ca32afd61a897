//go:build !windows

package ember

import (
	"os"

	mmap "github.com/edsrzf/mmap-go"
)

// mmapOpen truncates file to size and maps it read-only. All writes go
// through positioned file I/O instead of the mapping (see tx.go's
// flushDirty/writeMeta); since the mapping is MAP_SHARED over the same
// fd, a write(2)/pwrite(2) to the file is visible through this mapping
// once it lands in the page cache, without the mapping's own pages ever
// being writable.
func mmapOpen(file *os.File, size int) ([]byte, mmap.MMap, error) {
	if err := file.Truncate(int64(size)); err != nil {
		return nil, nil, err
	}
	m, err := mmap.MapRegion(file, size, mmap.RDONLY, 0, 0)
	if err != nil {
		return nil, nil, err
	}
	return []byte(m), m, nil
}

func mmapClose(m mmap.MMap) error {
	if m == nil {
		return nil
	}
	return m.Unmap()
}
