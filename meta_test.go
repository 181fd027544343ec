package mustela

import "testing"

func makeMetaBuf(pageSize int, index int, t tid, rootPage pgno, pageCount uint64) []byte {
	buf := make([]byte, pageSize)
	m := MetaPage{
		Magic:     metaMagic,
		Version:   ourVersion,
		PageSize:  uint32(pageSize),
		PidSize:   nodePidSize,
		PageCount: pageCount,
		Tid:       t,
		Pid:       uint64(index),
		MetaBucket: BucketDesc{
			RootPage: rootPage,
			Height:   1,
		},
	}
	marshalMeta(buf, &m)
	return buf
}

func TestMetaRoundTrip(t *testing.T) {
	buf := makeMetaBuf(goodPageSize, 0, 5, 3, 10)
	m := unmarshalMeta(buf)
	if m.Magic != metaMagic || m.Tid != 5 || m.MetaBucket.RootPage != 3 || m.PageCount != 10 {
		t.Fatalf("unexpected meta round-trip: %+v", m)
	}
}

func TestValidMetaDetectsCorruption(t *testing.T) {
	pageSize := goodPageSize
	buf := makeMetaBuf(pageSize, 0, 1, minPageNo, 10)
	fileSize := int64(pageSize) * 10

	if !validMeta(0, buf, pageSize, fileSize) {
		t.Fatalf("expected valid meta to validate")
	}

	corrupt := append([]byte(nil), buf...)
	corrupt[20] ^= 0xFF
	if validMeta(0, corrupt, pageSize, fileSize) {
		t.Fatalf("expected corrupted meta to fail validation")
	}
}

func TestScanMetaPagesPicksNewest(t *testing.T) {
	pageSize := goodPageSize
	fileSize := int64(pageSize) * 10
	var bufs [metaPagesCount][]byte
	bufs[0] = makeMetaBuf(pageSize, 0, 3, minPageNo, 10)
	bufs[1] = makeMetaBuf(pageSize, 1, 5, minPageNo, 10)
	bufs[2] = makeMetaBuf(pageSize, 2, 1, minPageNo, 10)

	res := scanMetaPages(bufs, pageSize, fileSize, true)
	if !res.found {
		t.Fatalf("expected a valid meta page")
	}
	if res.newest.Tid != 5 || res.newestIndex != 1 {
		t.Fatalf("newest = (tid=%d, idx=%d), want (5, 1)", res.newest.Tid, res.newestIndex)
	}
	if res.overwriteIndex != 2 {
		t.Fatalf("overwriteIndex = %d, want 2 (oldest tid)", res.overwriteIndex)
	}
}

func TestScanMetaPagesSkipsCorrupted(t *testing.T) {
	pageSize := goodPageSize
	fileSize := int64(pageSize) * 10
	var bufs [metaPagesCount][]byte
	bufs[0] = makeMetaBuf(pageSize, 0, 3, minPageNo, 10)
	bufs[1] = makeMetaBuf(pageSize, 1, 5, minPageNo, 10)
	bufs[1][20] ^= 0xFF // corrupt the newest slot
	bufs[2] = makeMetaBuf(pageSize, 2, 1, minPageNo, 10)

	res := scanMetaPages(bufs, pageSize, fileSize, true)
	if !res.found || res.newest.Tid != 3 {
		t.Fatalf("expected newest valid tid 3, got found=%v tid=%d", res.found, res.newest.Tid)
	}
	if res.overwriteIndex != 1 {
		t.Fatalf("overwriteIndex = %d, want 1 (the corrupted slot)", res.overwriteIndex)
	}
}
