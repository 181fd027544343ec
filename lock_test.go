package mustela

import (
	"os"
	"path/filepath"
	"testing"
)

func TestReaderSlotAcquireRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.lock")
	lf, err := openLockFile(path)
	if err != nil {
		t.Fatalf("openLockFile: %v", err)
	}
	defer lf.close()

	if _, ok := lf.oldestReaderTid(); ok {
		t.Fatalf("expected no readers in a fresh lock file")
	}

	slot, err := lf.acquireReaderSlot(7)
	if err != nil {
		t.Fatalf("acquireReaderSlot: %v", err)
	}
	got, ok := lf.oldestReaderTid()
	if !ok || got != 7 {
		t.Fatalf("oldestReaderTid = (%d, %v), want (7, true)", got, ok)
	}

	lf.releaseReaderSlot(slot)
	if _, ok := lf.oldestReaderTid(); ok {
		t.Fatalf("expected no readers after release")
	}
}

func TestReaderSlotPicksMinimumTid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.lock")
	lf, err := openLockFile(path)
	if err != nil {
		t.Fatalf("openLockFile: %v", err)
	}
	defer lf.close()

	if _, err := lf.acquireReaderSlot(10); err != nil {
		t.Fatalf("acquireReaderSlot: %v", err)
	}
	if _, err := lf.acquireReaderSlot(3); err != nil {
		t.Fatalf("acquireReaderSlot: %v", err)
	}
	got, ok := lf.oldestReaderTid()
	if !ok || got != 3 {
		t.Fatalf("oldestReaderTid = (%d, %v), want (3, true)", got, ok)
	}
}

func TestProcessAliveForSelf(t *testing.T) {
	if !processAlive(uint32(os.Getpid())) {
		t.Fatalf("expected current process to be reported alive")
	}
	if processAlive(0) {
		t.Fatalf("expected pid 0 to be reported not alive")
	}
}
