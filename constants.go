package mustela

// Format constants. mustela does not try to be wire-compatible with any
// other embedded store; these values only need to be internally
// consistent across opens of the same file.
const (
	// metaMagic identifies a mustela data file.
	metaMagic uint32 = 0x6d757374 // "must"

	// ourVersion is the on-disk format version this build writes and reads.
	ourVersion uint32 = 1

	// nodePidSize is the compile-time page-id width, in bytes. mustela
	// fixes this at 4 (a uint32 pgno), unlike the original C++ source
	// which allowed 4 or 8; opening a file that recorded a different
	// pid_size fails with a KindFormat error.
	nodePidSize uint32 = 4

	// metaPagesCount is the number of rotating meta page slots at the
	// front of the file.
	metaPagesCount = 3

	// minPageNo is the first page number usable for tree content; pages
	// [0, metaPagesCount) hold meta slots.
	minPageNo pgno = metaPagesCount
)

// Page size constraints.
const (
	minPageSize  = 256
	maxPageSize  = 65536
	goodPageSize = 4096
)

// Transaction id constants.
const (
	minTid           tid = 1
	invalidTid       tid = 0xFFFFFFFFFFFFFFFF
	invalidReaderTid tid = 0
)

// invalidPgno marks an empty tree (no root yet) or an absent child.
const invalidPgno pgno = 0xFFFFFFFF

// Registry key prefixes inside the meta-bucket.
const (
	bucketPrefix   byte = 'b'
	freelistPrefix byte = 'f'
)

// pageFlags identifies the kind of a page.
type pageFlags uint16

const (
	pageFlagLeaf pageFlags = 1 << iota
	pageFlagBranch
	pageFlagOverflow
	pageFlagMeta
)

// File names for the auxiliary lock/reader-table file.
const lockFileSuffix = ".lock"
