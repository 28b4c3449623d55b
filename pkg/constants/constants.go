package constants

// Guest page geometry
const (
	PageBits = 12
	PageSize = 1 << PageBits
	PageMask = ^uint64(PageSize - 1)
)

// Physical address space covered by the radix page index. The index has a
// level-1 table that is always present and L2Bits-wide lower levels that are
// allocated on first use.
const (
	PhysAddrSpaceBits = 40
	L2Bits            = 10
	L2Size            = 1 << L2Bits

	// PhysPages is the number of pages the radix index can address.
	PhysPages = 1 << (PhysAddrSpaceBits - PageBits)

	// L1Bits takes the remainder of the page-number bits after whole lower
	// levels. Keep it >= 4; otherwise fold one lower level into it.
	L1Bits  = (PhysAddrSpaceBits - PageBits) % L2Bits
	L1Size  = 1 << L1Bits
	L1Shift = PhysAddrSpaceBits - PageBits - L1Bits

	// RadixLevels counts the lower levels below the level-1 table; the last
	// of them holds descriptor blocks.
	RadixLevels = L1Shift / L2Bits
)

// Per-CPU jump cache
const (
	TBJmpCacheBits  = 12
	TBJmpCacheSize  = 1 << TBJmpCacheBits
	TBJmpPageBits   = TBJmpCacheBits / 2
	TBJmpPageSize   = 1 << TBJmpPageBits
	TBJmpAddrMask   = TBJmpPageSize - 1
	TBJmpPageMask   = TBJmpCacheSize - TBJmpPageSize
	TBJmpCacheShift = PageBits - TBJmpPageBits
)

const (
	// SMCBitmapThreshold is the number of writes to a code page after which
	// a bitmap of the bytes covered by translated code is built for it.
	SMCBitmapThreshold = 10

	DefaultHashShards     = 64
	DefaultCodeBufferSize = 32 * 1024 * 1024
	CodeGenAlign          = 16

	// MaxInsnsPerTB bounds translation when the compile flags carry no count.
	MaxInsnsPerTB = 512
)
