package mustela

import "testing"

func TestPageHeaderRoundTrip(t *testing.T) {
	buf := make([]byte, goodPageSize)
	p := &page{buf: buf}
	p.initDirty(7, 42, pageFlagLeaf)

	if got := p.pid(); got != 7 {
		t.Fatalf("pid = %d, want 7", got)
	}
	if got := p.txid(); got != 42 {
		t.Fatalf("txid = %d, want 42", got)
	}
	if !p.isLeaf() || p.isBranch() || p.isOverflow() || p.isMeta() {
		t.Fatalf("flags = %v, want leaf only", p.flags())
	}
	if got := p.count(); got != 0 {
		t.Fatalf("count = %d, want 0", got)
	}
	if got := p.special(); got != invalidPgno {
		t.Fatalf("special = %d, want invalidPgno", got)
	}

	p.setCount(3)
	p.setSpecial(99)
	if p.count() != 3 || p.special() != 99 {
		t.Fatalf("setCount/setSpecial did not stick")
	}
}
