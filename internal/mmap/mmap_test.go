package mmap

import (
	"os"
	"path/filepath"
	"testing"
)

func openTestFile(t *testing.T) *os.File {
	t.Helper()
	path := filepath.Join(t.TempDir(), "region.bin")
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { f.Close() })
	return f
}

func TestGrowReadWriteExtendsFile(t *testing.T) {
	f := openTestFile(t)
	m := New(int(f.Fd()), 4096, 4096)
	defer m.Close()

	r, err := m.GrowReadWrite(8192)
	if err != nil {
		t.Fatalf("GrowReadWrite: %v", err)
	}
	if r.End < 8192 {
		t.Fatalf("region.End = %d, want >= 8192", r.End)
	}
	fi, err := f.Stat()
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if fi.Size() != r.End {
		t.Fatalf("file size = %d, want %d", fi.Size(), r.End)
	}

	r.Data[0] = 0x42
	if r.Data[0] != 0x42 {
		t.Fatalf("write to mapped region did not stick")
	}
}

func TestGrowReadOnlyAfterReadWrite(t *testing.T) {
	f := openTestFile(t)
	m := New(int(f.Fd()), 4096, 4096)
	defer m.Close()

	if _, err := m.GrowReadWrite(4096); err != nil {
		t.Fatalf("GrowReadWrite: %v", err)
	}
	ro, err := m.GrowReadOnly(4096)
	if err != nil {
		t.Fatalf("GrowReadOnly: %v", err)
	}
	if len(ro.Data) == 0 {
		t.Fatalf("expected a non-empty read-only mapping")
	}
}

func TestUnrefReapsOldMapping(t *testing.T) {
	f := openTestFile(t)
	m := New(int(f.Fd()), 4096, 4096)
	defer m.Close()

	if _, err := m.GrowReadWrite(4096); err != nil {
		t.Fatalf("GrowReadWrite: %v", err)
	}
	first, err := m.GrowReadOnly(4096)
	if err != nil {
		t.Fatalf("GrowReadOnly: %v", err)
	}
	second, err := m.GrowReadOnly(8192)
	if err != nil {
		t.Fatalf("second GrowReadOnly: %v", err)
	}
	if first == second {
		t.Fatalf("expected growth to produce a new region")
	}
	if m.Current() != second {
		t.Fatalf("Current() should be the newest region")
	}
	if len(m.ro) != 1 || m.ro[0] != second {
		t.Fatalf("superseded unpinned region should have been reaped, read-only stack holds %d regions", len(m.ro))
	}
}

// TestUnrefKeepsPinnedMappingAlive mirrors a reader that pins Current() at
// the start of a transaction: growth superseding that region must not reap
// it out from under the reader until the reader's own Unref runs.
func TestUnrefKeepsPinnedMappingAlive(t *testing.T) {
	f := openTestFile(t)
	m := New(int(f.Fd()), 4096, 4096)
	defer m.Close()

	if _, err := m.GrowReadWrite(4096); err != nil {
		t.Fatalf("GrowReadWrite: %v", err)
	}
	first, err := m.GrowReadOnly(4096)
	if err != nil {
		t.Fatalf("GrowReadOnly: %v", err)
	}
	Ref(first)

	if _, err := m.GrowReadOnly(8192); err != nil {
		t.Fatalf("second GrowReadOnly: %v", err)
	}
	first.Data[0] = 1
	if first.Data[0] != 1 {
		t.Fatalf("pinned region should still be mapped after being superseded")
	}

	m.Unref(first)
}
