package mustela

import (
	"encoding/binary"
	"hash/crc32"
)

// crc32cTable is the Castagnoli polynomial table used for meta-page
// checksums, bound directly to the standard library rather than
// hand-rolled.
var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

func crc32cSum(data []byte) uint32 { return crc32.Checksum(data, crc32cTable) }

// bucketDescSize is the encoded size of a BucketDesc.
const bucketDescSize = 4 + 2 + 8 + 8 + 8 + 8

// BucketDesc names a bucket's B+tree: its root page, height, and page
// accounting. The implicit meta-bucket uses the same struct.
type BucketDesc struct {
	RootPage          pgno
	Height            uint16
	Count             uint64
	LeafPageCount     uint64
	NodePageCount     uint64
	OverflowPageCount uint64
}

func (b BucketDesc) isEmpty() bool { return b.RootPage == invalidPgno }

func marshalBucketDesc(buf []byte, b BucketDesc) {
	binary.LittleEndian.PutUint32(buf[0:4], uint32(b.RootPage))
	binary.LittleEndian.PutUint16(buf[4:6], b.Height)
	binary.LittleEndian.PutUint64(buf[6:14], b.Count)
	binary.LittleEndian.PutUint64(buf[14:22], b.LeafPageCount)
	binary.LittleEndian.PutUint64(buf[22:30], b.NodePageCount)
	binary.LittleEndian.PutUint64(buf[30:38], b.OverflowPageCount)
}

func encodeBucketDescBuf(b BucketDesc) []byte {
	buf := make([]byte, bucketDescSize)
	marshalBucketDesc(buf, b)
	return buf
}

func unmarshalBucketDesc(buf []byte) BucketDesc {
	return BucketDesc{
		RootPage:          pgno(binary.LittleEndian.Uint32(buf[0:4])),
		Height:            binary.LittleEndian.Uint16(buf[4:6]),
		Count:             binary.LittleEndian.Uint64(buf[6:14]),
		LeafPageCount:     binary.LittleEndian.Uint64(buf[14:22]),
		NodePageCount:     binary.LittleEndian.Uint64(buf[22:30]),
		OverflowPageCount: binary.LittleEndian.Uint64(buf[30:38]),
	}
}

// metaEncodedSize is the number of bytes a MetaPage occupies at the front
// of its page; the remainder of the page is zero padding.
const metaEncodedSize = 4 + 4 + 4 + 4 + 8 + 8 + 8 + bucketDescSize + 4

// MetaPage is the root of a committed database snapshot.
type MetaPage struct {
	Magic      uint32
	Version    uint32
	PageSize   uint32
	PidSize    uint32
	PageCount  uint64
	Tid        tid
	Pid        uint64
	MetaBucket BucketDesc
	CRC32      uint32
}

func marshalMeta(buf []byte, m *MetaPage) {
	binary.LittleEndian.PutUint32(buf[0:4], m.Magic)
	binary.LittleEndian.PutUint32(buf[4:8], m.Version)
	binary.LittleEndian.PutUint32(buf[8:12], m.PageSize)
	binary.LittleEndian.PutUint32(buf[12:16], m.PidSize)
	binary.LittleEndian.PutUint64(buf[16:24], m.PageCount)
	binary.LittleEndian.PutUint64(buf[24:32], uint64(m.Tid))
	binary.LittleEndian.PutUint64(buf[32:40], m.Pid)
	marshalBucketDesc(buf[40:40+bucketDescSize], m.MetaBucket)
	crcOff := 40 + bucketDescSize
	m.CRC32 = crc32cSum(buf[:crcOff])
	binary.LittleEndian.PutUint32(buf[crcOff:crcOff+4], m.CRC32)
}

func unmarshalMeta(buf []byte) MetaPage {
	var m MetaPage
	m.Magic = binary.LittleEndian.Uint32(buf[0:4])
	m.Version = binary.LittleEndian.Uint32(buf[4:8])
	m.PageSize = binary.LittleEndian.Uint32(buf[8:12])
	m.PidSize = binary.LittleEndian.Uint32(buf[12:16])
	m.PageCount = binary.LittleEndian.Uint64(buf[16:24])
	m.Tid = tid(binary.LittleEndian.Uint64(buf[24:32]))
	m.Pid = binary.LittleEndian.Uint64(buf[32:40])
	m.MetaBucket = unmarshalBucketDesc(buf[40 : 40+bucketDescSize])
	crcOff := 40 + bucketDescSize
	m.CRC32 = binary.LittleEndian.Uint32(buf[crcOff : crcOff+4])
	return m
}

// validMeta is the loose validity check: the slot's structural fields are
// self-consistent and its checksum matches. Grounded on
// DB::is_valid_meta in the original mustela source.
func validMeta(index int, buf []byte, pageSize int, fileSize int64) bool {
	if int64(index+1)*int64(pageSize) > fileSize {
		return false
	}
	if len(buf) < metaEncodedSize {
		return false
	}
	m := unmarshalMeta(buf)
	if uint64(m.Pid) != uint64(index) || m.Magic != metaMagic {
		return false
	}
	if m.PidSize < 4 || m.PidSize > 8 || m.PageSize != uint32(pageSize) || m.PageCount < 4 {
		return false
	}
	crcOff := 40 + bucketDescSize
	if m.CRC32 != crc32cSum(buf[:crcOff]) {
		return false
	}
	return true
}

// validMetaStrict additionally checks fields that only matter once we've
// committed to a page size and version (DB::is_valid_meta_strict).
func validMetaStrict(buf []byte, pageSize int, fileSize int64) bool {
	m := unmarshalMeta(buf)
	if uint64(m.MetaBucket.RootPage) >= m.PageCount {
		return false
	}
	if m.PageCount*uint64(pageSize) > uint64(fileSize) {
		return false
	}
	if m.Version != ourVersion || m.PidSize != nodePidSize {
		return false
	}
	return true
}

// metaScanResult is the outcome of sweeping the meta_pages_count slots.
type metaScanResult struct {
	newest      MetaPage
	newestIndex int
	// overwriteIndex is the slot the next commit should target: the
	// oldest valid slot, or a corrupted slot if one was seen.
	overwriteIndex int
	earliestTid    tid
	found          bool
}

// scanMetaPages implements DB::get_newest_meta_page: find the valid slot
// with the greatest (tid, pid), and separately the slot that should be
// overwritten by the next commit (a corrupted slot if any, else the
// oldest valid one).
func scanMetaPages(bufs [metaPagesCount][]byte, pageSize int, fileSize int64, strict bool) metaScanResult {
	var res metaScanResult
	var haveNewest, haveOldest, haveCorrupted bool
	var oldest MetaPage
	for i := 0; i < metaPagesCount; i++ {
		ok := validMeta(i, bufs[i], pageSize, fileSize)
		if ok && strict {
			ok = validMetaStrict(bufs[i], pageSize, fileSize)
		}
		if !ok {
			haveCorrupted = true
			res.overwriteIndex = i
			continue
		}
		m := unmarshalMeta(bufs[i])
		if !haveNewest || m.Tid > res.newest.Tid || (m.Tid == res.newest.Tid && m.Pid > res.newest.Pid) {
			res.newest = m
			res.newestIndex = i
			haveNewest = true
		}
		if !haveOldest || m.Tid < oldest.Tid || (m.Tid == oldest.Tid && m.Pid < oldest.Pid) {
			oldest = m
			haveOldest = true
			res.earliestTid = m.Tid
			if !haveCorrupted {
				res.overwriteIndex = i
			}
		}
	}
	res.found = haveNewest
	return res
}
