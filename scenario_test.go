package ember

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"testing"
)

func TestOrderedIterationOverManyKeys(t *testing.T) {
	db := newTestDB(t)

	const n = 2000
	if err := db.Update(func(tx *Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte("bulk"))
		if err != nil {
			return err
		}
		for i := 0; i < n; i++ {
			k := []byte(fmt.Sprintf("key-%06d", i))
			if err := b.Put(k, k); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		t.Fatalf("update: %v", err)
	}

	if err := db.View(func(tx *Tx) error {
		b := tx.Bucket([]byte("bulk"))
		c := b.Cursor()
		count := 0
		var prev []byte
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if prev != nil && string(prev) >= string(k) {
				t.Fatalf("keys out of order: %q then %q", prev, k)
			}
			if string(k) != string(v) {
				t.Fatalf("value mismatch for %q: %q", k, v)
			}
			prev = append([]byte(nil), k...)
			count++
		}
		if count != n {
			t.Fatalf("iterated %d keys, want %d", count, n)
		}
		return nil
	}); err != nil {
		t.Fatalf("view: %v", err)
	}
}

func TestOverwriteSameKeyManyTimes(t *testing.T) {
	db := newTestDB(t)

	if err := db.Update(func(tx *Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte("counter"))
		if err != nil {
			return err
		}
		for i := 0; i < 500; i++ {
			if err := b.Put([]byte("k"), []byte(fmt.Sprintf("%d", i))); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		t.Fatalf("update: %v", err)
	}

	before := db.Stats().NumPages

	if err := db.Update(func(tx *Tx) error {
		b := tx.Bucket([]byte("counter"))
		for i := 500; i < 1000; i++ {
			if err := b.Put([]byte("k"), []byte(fmt.Sprintf("%d", i))); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		t.Fatalf("update: %v", err)
	}

	after := db.Stats().NumPages
	if after > before+4 {
		t.Fatalf("repeatedly overwriting one key should not keep growing the file: before=%d after=%d", before, after)
	}

	if err := db.View(func(tx *Tx) error {
		val := tx.Bucket([]byte("counter")).Get([]byte("k"))
		if string(val) != "999" {
			t.Fatalf("value = %q, want 999", val)
		}
		return nil
	}); err != nil {
		t.Fatalf("view: %v", err)
	}
}

func TestDeleteBucketFreesItsPages(t *testing.T) {
	db := newTestDB(t)

	if err := db.Update(func(tx *Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte("doomed"))
		if err != nil {
			return err
		}
		for i := 0; i < 300; i++ {
			k := []byte(fmt.Sprintf("k-%04d", i))
			if err := b.Put(k, k); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		t.Fatalf("update: %v", err)
	}

	if err := db.Update(func(tx *Tx) error {
		return tx.DeleteBucket([]byte("doomed"))
	}); err != nil {
		t.Fatalf("delete bucket: %v", err)
	}

	if db.freelist.count() == 0 && db.freelist.pendingCount() == 0 {
		t.Fatalf("expected deleting a bucket's pages to free or pend some pages")
	}

	if err := db.View(func(tx *Tx) error {
		if tx.Bucket([]byte("doomed")) != nil {
			t.Fatalf("deleted bucket should no longer exist")
		}
		return nil
	}); err != nil {
		t.Fatalf("view: %v", err)
	}
}

func TestReopenPicksHigherTxIDMeta(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reopen.ember")
	db, err := Open(path, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := db.Update(func(tx *Tx) error {
			b, err := tx.CreateBucketIfNotExists([]byte("b"))
			if err != nil {
				return err
			}
			return b.Put([]byte("k"), []byte(fmt.Sprintf("%d", i)))
		}); err != nil {
			t.Fatalf("update %d: %v", i, err)
		}
	}
	wantTxID := db.Stats().TxID
	if err := db.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := Open(path, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	if got := reopened.Stats().TxID; got != wantTxID {
		t.Fatalf("reopened txid = %d, want %d", got, wantTxID)
	}
	if err := reopened.View(func(tx *Tx) error {
		val := tx.Bucket([]byte("b")).Get([]byte("k"))
		if string(val) != "2" {
			t.Fatalf("value after reopen = %q, want 2", val)
		}
		return nil
	}); err != nil {
		t.Fatalf("view: %v", err)
	}
}

func TestReopenSurvivesOneCorruptedMetaPage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "corrupt.ember")
	db, err := Open(path, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := db.Update(func(tx *Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte("b"))
		if err != nil {
			return err
		}
		return b.Put([]byte("k"), []byte("v"))
	}); err != nil {
		t.Fatalf("update: %v", err)
	}
	pageSize := db.PageSize()
	if err := db.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	f, err := os.OpenFile(path, os.O_RDWR, 0o600)
	if err != nil {
		t.Fatalf("reopen file: %v", err)
	}
	// Corrupt whichever meta page is NOT the authoritative one, so the
	// engine must be able to recover by falling back to its twin.
	victim := int64(0)
	probe, _ := Open(path, nil)
	if probe.activeMeta() == probe.meta0 {
		victim = int64(pageSize)
	}
	probe.Close()
	if _, err := f.WriteAt(make([]byte, 64), victim+pageHeaderSize); err != nil {
		t.Fatalf("corrupt: %v", err)
	}
	f.Close()

	reopened, err := Open(path, nil)
	if err != nil {
		t.Fatalf("expected reopen to survive one corrupted meta page: %v", err)
	}
	defer reopened.Close()

	if err := reopened.View(func(tx *Tx) error {
		val := tx.Bucket([]byte("b")).Get([]byte("k"))
		if string(val) != "v" {
			t.Fatalf("value after recovery = %q, want v", val)
		}
		return nil
	}); err != nil {
		t.Fatalf("view: %v", err)
	}
}

func TestPutOverBucketIsIncompatible(t *testing.T) {
	db := newTestDB(t)
	if err := db.Update(func(tx *Tx) error {
		root, err := tx.CreateBucketIfNotExists([]byte("root"))
		if err != nil {
			return err
		}
		if _, err := root.CreateBucket([]byte("child")); err != nil {
			return err
		}
		if err := root.Put([]byte("child"), []byte("oops")); err != ErrIncompatibleValue {
			t.Fatalf("expected ErrIncompatibleValue, got %v", err)
		}
		return nil
	}); err != nil {
		t.Fatalf("update: %v", err)
	}
}

func TestCreateBucketOverValueIsIncompatible(t *testing.T) {
	db := newTestDB(t)
	if err := db.Update(func(tx *Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte("b"))
		if err != nil {
			return err
		}
		if err := b.Put([]byte("x"), []byte("1")); err != nil {
			return err
		}
		if _, err := b.CreateBucket([]byte("x")); err != ErrIncompatibleValue {
			t.Fatalf("expected ErrIncompatibleValue, got %v", err)
		}
		return nil
	}); err != nil {
		t.Fatalf("update: %v", err)
	}
}

func TestPutRejectsEmptyAndOversizedKeys(t *testing.T) {
	db := newTestDB(t)
	if err := db.Update(func(tx *Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte("b"))
		if err != nil {
			return err
		}
		if err := b.Put(nil, []byte("v")); err != ErrEmptyKey {
			t.Fatalf("expected ErrEmptyKey, got %v", err)
		}
		atLimit := make([]byte, tx.db.maxKeySize)
		if err := b.Put(atLimit, []byte("v")); err != nil {
			t.Fatalf("key at the limit should be accepted, got %v", err)
		}
		oversized := make([]byte, tx.db.maxKeySize+1)
		if err := b.Put(oversized, []byte("v")); err != ErrKeyTooLarge {
			t.Fatalf("expected ErrKeyTooLarge, got %v", err)
		}
		return nil
	}); err != nil {
		t.Fatalf("update: %v", err)
	}
}

func TestMaxKeySizeDefaultsToQuarterPageAndIsOverridable(t *testing.T) {
	db := newTestDB(t)
	if got, want := db.maxKeySize, db.pageSize/4; got != want {
		t.Fatalf("default maxKeySize = %d, want pageSize/4 = %d", got, want)
	}

	path := filepath.Join(t.TempDir(), "custom-limit.ember")
	custom, err := Open(path, &Options{MaxKeySize: 64})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer custom.Close()

	if err := custom.Update(func(tx *Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte("b"))
		if err != nil {
			return err
		}
		if err := b.Put(make([]byte, 64), []byte("v")); err != nil {
			t.Fatalf("key at custom limit should be accepted, got %v", err)
		}
		if err := b.Put(make([]byte, 65), []byte("v")); err != ErrKeyTooLarge {
			t.Fatalf("expected ErrKeyTooLarge past custom limit, got %v", err)
		}
		return nil
	}); err != nil {
		t.Fatalf("update: %v", err)
	}
}

func TestReadOnlyBucketRejectsWrites(t *testing.T) {
	db := newTestDB(t)
	if err := db.Update(func(tx *Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte("b"))
		return err
	}); err != nil {
		t.Fatalf("update: %v", err)
	}

	if err := db.View(func(tx *Tx) error {
		b := tx.Bucket([]byte("b"))
		if err := b.Put([]byte("k"), []byte("v")); err != ErrTxReadOnly {
			t.Fatalf("expected ErrTxReadOnly, got %v", err)
		}
		if err := b.Delete([]byte("k")); err != ErrTxReadOnly {
			t.Fatalf("expected ErrTxReadOnly, got %v", err)
		}
		return nil
	}); err != nil {
		t.Fatalf("view: %v", err)
	}
}

func TestForEachBucketSkipsNestedBuckets(t *testing.T) {
	db := newTestDB(t)
	if err := db.Update(func(tx *Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte("mixed"))
		if err != nil {
			return err
		}
		if err := b.Put([]byte("a"), []byte("1")); err != nil {
			return err
		}
		if _, err := b.CreateBucket([]byte("nested")); err != nil {
			return err
		}
		return b.Put([]byte("z"), []byte("2"))
	}); err != nil {
		t.Fatalf("update: %v", err)
	}

	if err := db.View(func(tx *Tx) error {
		b := tx.Bucket([]byte("mixed"))
		var keys []string
		if err := b.ForEach(func(k, v []byte) error {
			keys = append(keys, string(k))
			return nil
		}); err != nil {
			return err
		}
		sort.Strings(keys)
		if len(keys) != 2 || keys[0] != "a" || keys[1] != "z" {
			t.Fatalf("unexpected keys from ForEach: %v", keys)
		}
		return nil
	}); err != nil {
		t.Fatalf("view: %v", err)
	}
}

func TestSequence(t *testing.T) {
	db := newTestDB(t)
	if err := db.Update(func(tx *Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte("seq"))
		if err != nil {
			return err
		}
		for i := 1; i <= 3; i++ {
			got, err := b.NextSequence()
			if err != nil {
				return err
			}
			if got != uint64(i) {
				t.Fatalf("NextSequence() = %d, want %d", got, i)
			}
		}
		return nil
	}); err != nil {
		t.Fatalf("update: %v", err)
	}

	if err := db.View(func(tx *Tx) error {
		if got := tx.Bucket([]byte("seq")).Sequence(); got != 3 {
			t.Fatalf("Sequence() = %d, want 3", got)
		}
		return nil
	}); err != nil {
		t.Fatalf("view: %v", err)
	}
}
