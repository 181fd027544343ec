package mustela

import (
	"fmt"
	"path/filepath"
	"testing"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.mustela")
	db, err := Open(path, Options{NewDBPageSize: goodPageSize})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestOpenCreatesNewDatabase(t *testing.T) {
	db := openTestDB(t)
	if db.pageSize != goodPageSize {
		t.Fatalf("pageSize = %d, want %d", db.pageSize, goodPageSize)
	}
}

func TestCreateBucketPutGet(t *testing.T) {
	db := openTestDB(t)

	err := db.Update(func(tx *Txn) error {
		b, err := tx.CreateBucket("widgets")
		if err != nil {
			return err
		}
		return b.Put([]byte("k1"), []byte("v1"))
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}

	err = db.View(func(tx *Txn) error {
		b, err := tx.Bucket("widgets")
		if err != nil {
			return err
		}
		v, ok := b.Get([]byte("k1"))
		if !ok || string(v) != "v1" {
			t.Fatalf("Get = (%q, %v), want (v1, true)", v, ok)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("View: %v", err)
	}
}

func TestCreateBucketTwiceFails(t *testing.T) {
	db := openTestDB(t)
	err := db.Update(func(tx *Txn) error {
		if _, err := tx.CreateBucket("dup"); err != nil {
			return err
		}
		_, err := tx.CreateBucket("dup")
		return err
	})
	if !isKind(err, KindUsage) {
		t.Fatalf("expected a usage error creating a duplicate bucket, got %v", err)
	}
}

func TestManyKeysSurviveReopenAndSplit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bulk.mustela")
	db, err := Open(path, Options{NewDBPageSize: minPageSize})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	const n = 500
	err = db.Update(func(tx *Txn) error {
		b, err := tx.CreateBucket("bulk")
		if err != nil {
			return err
		}
		for i := 0; i < n; i++ {
			k := []byte(fmt.Sprintf("key-%05d", i))
			v := []byte(fmt.Sprintf("value-%05d", i))
			if err := b.Put(k, v); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	db2, err := Open(path, Options{})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer db2.Close()

	err = db2.View(func(tx *Txn) error {
		b, err := tx.Bucket("bulk")
		if err != nil {
			return err
		}
		if got := b.Count(); got != n {
			t.Fatalf("Count() = %d, want %d", got, n)
		}
		for i := 0; i < n; i++ {
			k := []byte(fmt.Sprintf("key-%05d", i))
			want := fmt.Sprintf("value-%05d", i)
			v, ok := b.Get(k)
			if !ok || string(v) != want {
				t.Fatalf("Get(%q) = (%q, %v), want (%q, true)", k, v, ok, want)
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("View: %v", err)
	}
}

func TestCursorIteratesInOrder(t *testing.T) {
	db := openTestDB(t)
	keys := []string{"delta", "alpha", "charlie", "bravo"}

	err := db.Update(func(tx *Txn) error {
		b, err := tx.CreateBucket("ordered")
		if err != nil {
			return err
		}
		for _, k := range keys {
			if err := b.Put([]byte(k), []byte(k)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}

	want := []string{"alpha", "bravo", "charlie", "delta"}
	err = db.View(func(tx *Txn) error {
		b, err := tx.Bucket("ordered")
		if err != nil {
			return err
		}
		c := b.Cursor()
		i := 0
		for k, _, ok := c.First(); ok; k, _, ok = c.Next() {
			if i >= len(want) || string(k) != want[i] {
				t.Fatalf("iteration[%d] = %q, want %q", i, k, want[i])
			}
			i++
		}
		if i != len(want) {
			t.Fatalf("iterated %d keys, want %d", i, len(want))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("View: %v", err)
	}
}

func TestDeleteRemovesKey(t *testing.T) {
	db := openTestDB(t)
	err := db.Update(func(tx *Txn) error {
		b, err := tx.CreateBucket("del")
		if err != nil {
			return err
		}
		if err := b.Put([]byte("a"), []byte("1")); err != nil {
			return err
		}
		return b.Delete([]byte("a"))
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}

	err = db.View(func(tx *Txn) error {
		b, err := tx.Bucket("del")
		if err != nil {
			return err
		}
		if _, ok := b.Get([]byte("a")); ok {
			t.Fatalf("expected key to be deleted")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("View: %v", err)
	}
}

func TestDropBucketRemovesFromRegistry(t *testing.T) {
	db := openTestDB(t)
	err := db.Update(func(tx *Txn) error {
		b, err := tx.CreateBucket("temp")
		if err != nil {
			return err
		}
		for i := 0; i < 10; i++ {
			if err := b.Put([]byte(fmt.Sprintf("k%d", i)), []byte("v")); err != nil {
				return err
			}
		}
		return tx.DropBucket("temp")
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}

	err = db.View(func(tx *Txn) error {
		if _, err := tx.Bucket("temp"); err == nil {
			t.Fatalf("expected dropped bucket to be gone")
		}
		for _, n := range tx.BucketNames() {
			if n == "temp" {
				t.Fatalf("BucketNames still lists dropped bucket")
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("View: %v", err)
	}
}

func TestReadTxSeesSnapshotNotLaterWrite(t *testing.T) {
	db := openTestDB(t)
	if err := db.Update(func(tx *Txn) error {
		b, err := tx.CreateBucket("snap")
		if err != nil {
			return err
		}
		return b.Put([]byte("x"), []byte("1"))
	}); err != nil {
		t.Fatalf("Update: %v", err)
	}

	rtx, err := db.Begin(false)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	defer rtx.Abort()

	if err := db.Update(func(tx *Txn) error {
		b, err := tx.Bucket("snap")
		if err != nil {
			return err
		}
		return b.Put([]byte("x"), []byte("2"))
	}); err != nil {
		t.Fatalf("Update: %v", err)
	}

	b, err := rtx.Bucket("snap")
	if err != nil {
		t.Fatalf("Bucket: %v", err)
	}
	v, ok := b.Get([]byte("x"))
	if !ok || string(v) != "1" {
		t.Fatalf("snapshot read Get = (%q, %v), want (1, true)", v, ok)
	}
}
