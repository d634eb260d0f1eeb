package mmu

// PageSize is the fixed size of a page/frame, in bytes.
const PageSize = 4096

// PageNumber returns the page a virtual address falls in.
func PageNumber(vaddr uint32) uint32 { return vaddr / PageSize }

// PageOffset returns the offset of a virtual address within its page.
func PageOffset(vaddr uint32) uint32 { return vaddr % PageSize }

// PageTableEntry describes one resident mapping. Only Present and
// FrameNumber affect MMU semantics; the remaining fields record the
// standard IA-32 page-table-entry bits for observability (state dumps)
// and are otherwise inert, since this simulator enforces no protection
// or dirty/accessed tracking of its own.
type PageTableEntry struct {
	Present       bool
	Writable      bool
	UserMode      bool
	WriteThrough  bool
	CacheDisabled bool
	Accessed      bool
	Dirty         bool
	FrameNumber   uint32
}
