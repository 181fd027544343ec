package mustela

import "encoding/binary"

// pgno is a page index: a page's byte offset in the file divided by the
// page size.
type pgno uint32

// tid is a monotonically increasing transaction id, stamped on every page
// written by the transaction that allocated it.
type tid uint64

// pageHeaderSize is the fixed header every non-meta page carries.
//
//	offset  size  field
//	0       4     pid
//	4       8     tid
//	12      2     flags
//	14      2     count
//	16      4     special (branch: left-of-first child pgno; overflow: next page of the chain, invalidPgno on the last)
const pageHeaderSize = 20

// page is a typed view over a single page-sized region of an mmap. The
// region is owned by the caller for as long as the page's tid says it's
// safe to write to (copy-on-write).
type page struct {
	buf []byte // exactly pageSize bytes
}

func (p *page) pid() pgno          { return pgno(binary.LittleEndian.Uint32(p.buf[0:4])) }
func (p *page) setPid(v pgno)      { binary.LittleEndian.PutUint32(p.buf[0:4], uint32(v)) }
func (p *page) txid() tid          { return tid(binary.LittleEndian.Uint64(p.buf[4:12])) }
func (p *page) setTid(v tid)       { binary.LittleEndian.PutUint64(p.buf[4:12], uint64(v)) }
func (p *page) flags() pageFlags   { return pageFlags(binary.LittleEndian.Uint16(p.buf[12:14])) }
func (p *page) setFlags(f pageFlags) {
	binary.LittleEndian.PutUint16(p.buf[12:14], uint16(f))
}
func (p *page) count() int     { return int(binary.LittleEndian.Uint16(p.buf[14:16])) }
func (p *page) setCount(n int) { binary.LittleEndian.PutUint16(p.buf[14:16], uint16(n)) }
func (p *page) special() pgno  { return pgno(binary.LittleEndian.Uint32(p.buf[16:20])) }
func (p *page) setSpecial(v pgno) {
	binary.LittleEndian.PutUint32(p.buf[16:20], uint32(v))
}

func (p *page) isLeaf() bool     { return p.flags()&pageFlagLeaf != 0 }
func (p *page) isBranch() bool   { return p.flags()&pageFlagBranch != 0 }
func (p *page) isOverflow() bool { return p.flags()&pageFlagOverflow != 0 }
func (p *page) isMeta() bool     { return p.flags()&pageFlagMeta != 0 }

// initDirty resets a freshly-allocated page's header and stamps it with
// the writing transaction's tid, as required before any page is mutated:
// every writable page must carry the current transaction's tid.
func (p *page) initDirty(pid pgno, t tid, flags pageFlags) {
	for i := range p.buf {
		p.buf[i] = 0
	}
	p.setPid(pid)
	p.setTid(t)
	p.setFlags(flags)
	p.setCount(0)
	p.setSpecial(invalidPgno)
}
