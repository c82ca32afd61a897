package ember

import (
	"path/filepath"
	"testing"
)

// newTestDB opens a fresh database in a per-test temp directory and
// registers it for cleanup.
func newTestDB(t *testing.T) *Database {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.ember")
	db, err := Open(path, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}
