package pebblestore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cockroachdb/pebble"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(Options{
		DataDir:       t.TempDir(),
		Fsync:         FsyncModeInterval,
		FsyncInterval: 2 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestSetGetDeleteRange(t *testing.T) {
	db := newTestDB(t)

	if err := db.Set([]byte("a1"), []byte("v1")); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := db.Set([]byte("a2"), []byte("v2")); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, err := db.Get([]byte("a1"))
	if err != nil || string(got) != "v1" {
		t.Fatalf("get: %q %v", got, err)
	}
	if err := db.DeleteRange([]byte("a"), []byte("b")); err != nil {
		t.Fatalf("delete range: %v", err)
	}
	if _, err := db.Get([]byte("a1")); !errors.Is(err, pebble.ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func TestBatchCommitAndIter(t *testing.T) {
	db := newTestDB(t)
	b := db.NewBatch()
	for _, k := range []string{"k1", "k2", "k3"} {
		if err := b.Set([]byte(k), []byte("v"), nil); err != nil {
			t.Fatalf("batch set: %v", err)
		}
	}
	if err := db.CommitBatch(context.Background(), b); err != nil {
		t.Fatalf("commit: %v", err)
	}

	iter, err := db.NewIter(&pebble.IterOptions{LowerBound: []byte("k"), UpperBound: []byte("l")})
	if err != nil {
		t.Fatalf("iter: %v", err)
	}
	defer iter.Close()
	n := 0
	for ok := iter.First(); ok; ok = iter.Next() {
		n++
	}
	if n != 3 {
		t.Fatalf("iterated %d keys, want 3", n)
	}
}

func TestOpenRequiresDataDir(t *testing.T) {
	if _, err := Open(Options{}); err == nil {
		t.Fatalf("expected error without DataDir")
	}
}
