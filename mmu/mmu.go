// Package mmu implements the memory management unit at the bottom of the
// simulator: a flat physical byte store, single-level page directory, a
// FIFO TLB, and a two-level LRU cache, all driven from virtual addresses.
//
// The MMU owns its physical store, page directory, and caches exclusively;
// nothing outside this package ever touches mem.Store directly.
package mmu

import (
	"ia32sim/ia32err"
	"ia32sim/mem"
)

// l1Capacity and l2Capacity are the line counts for each cache level. A
// read miss inserts its line into L1 only, and lines evicted from L1 are
// dropped rather than moved to L2; nothing else inserts into L2, so L2
// stays empty and every L1 miss counts as a cache miss.
const (
	l1Capacity = 256
	l2Capacity = 2048
)

// Statistics are the raw access counters tracked per MMU; GetStatistics
// additionally derives hit rates from these.
type Statistics struct {
	TLBHits      uint64
	TLBMisses    uint64
	PageFaults   uint64
	CacheHits    uint64
	CacheMisses  uint64
	CacheHitRate float64
	TLBHitRate   float64
}

// MMU is the memory management unit. It is not safe for concurrent use;
// the simulator is single-threaded by design (see the core's concurrency
// model).
type MMU struct {
	store *mem.Store

	pageDirectory map[uint32]*PageTableEntry
	pageOrder     []uint32 // insertion order, for victim selection; stale entries skipped lazily

	freeFrames map[uint32]struct{}
	frameCount uint32

	protected map[uint32]struct{}

	tlb *tlb
	l1  *cacheLevel
	l2  *cacheLevel
	clk uint64 // logical clock, ticks once per cache read; drives LRU

	stats Statistics
}

// New allocates an MMU over a fresh physical store of the given size. The
// entire store starts unmapped: every frame is free, nothing is present
// in the page directory, and both caches are cold.
func New(memorySize uint32) *MMU {
	m := &MMU{store: mem.New(memorySize)}
	m.initState()
	return m
}

func (m *MMU) initState() {
	m.frameCount = m.store.Size() / PageSize
	m.pageDirectory = make(map[uint32]*PageTableEntry)
	m.pageOrder = nil
	m.freeFrames = make(map[uint32]struct{}, m.frameCount)
	for f := uint32(0); f < m.frameCount; f++ {
		m.freeFrames[f] = struct{}{}
	}
	m.protected = make(map[uint32]struct{})
	m.tlb = newTLB()
	m.l1 = newCacheLevel(l1Capacity)
	m.l2 = newCacheLevel(l2Capacity)
	m.clk = 0
	m.stats = Statistics{}
}

// Reset restores the MMU to its freshly-allocated state: clears the page
// directory (reclaiming every frame), the TLB, both cache levels, the
// protected-page set, and the statistics. The physical store is not
// zeroed: its bytes keep their contents. This is what the CPU's Reset
// composes with its own register reinitialization.
func (m *MMU) Reset() {
	m.initState()
}

// PhysicalSize reports the size of the underlying physical store.
func (m *MMU) PhysicalSize() uint32 { return m.store.Size() }

// translate resolves a virtual address to a physical one, consulting the
// TLB, then the page directory, allocating a frame on a page fault.
func (m *MMU) translate(vaddr uint32) (uint32, error) {
	pageNumber := PageNumber(vaddr)
	offset := PageOffset(vaddr)

	frame, ok := m.tlb.lookup(pageNumber)
	if ok {
		m.stats.TLBHits++
	} else {
		m.stats.TLBMisses++
		entry, present := m.pageDirectory[pageNumber]
		if !present || !entry.Present {
			m.stats.PageFaults++
			f, err := m.allocateFrame(pageNumber)
			if err != nil {
				return 0, err
			}
			frame = f
		} else {
			frame = entry.FrameNumber
		}
		m.tlb.insert(pageNumber, frame)
	}

	return frame*PageSize + offset, nil
}

// allocateFrame gives pageNumber a fresh present mapping, preferring a
// free frame and otherwise evicting the oldest unprotected resident page.
func (m *MMU) allocateFrame(pageNumber uint32) (uint32, error) {
	frame, ok := m.takeFreeFrame()
	if !ok {
		victim, found := m.selectVictim()
		if !found {
			return 0, ia32err.NewOutOfPhysicalMemory("no free frame and no unprotected page to evict")
		}
		frame = m.evict(victim)
	}

	m.pageDirectory[pageNumber] = &PageTableEntry{Present: true, FrameNumber: frame}
	m.pageOrder = append(m.pageOrder, pageNumber)
	delete(m.freeFrames, frame)
	return frame, nil
}

// takeFreeFrame deterministically picks the smallest-indexed free frame.
func (m *MMU) takeFreeFrame() (uint32, bool) {
	if len(m.freeFrames) == 0 {
		return 0, false
	}
	var min uint32
	first := true
	for f := range m.freeFrames {
		if first || f < min {
			min = f
			first = false
		}
	}
	return min, true
}

// selectVictim returns the first (insertion-order) resident page that is
// not protected. pageOrder may contain stale entries for pages that have
// already been evicted or freed; those are skipped and dropped here.
func (m *MMU) selectVictim() (uint32, bool) {
	kept := m.pageOrder[:0]
	found := uint32(0)
	ok := false
	for _, page := range m.pageOrder {
		entry, present := m.pageDirectory[page]
		if !present || !entry.Present {
			continue // stale, drop it
		}
		if ok {
			kept = append(kept, page)
			continue
		}
		if _, protected := m.protected[page]; protected {
			kept = append(kept, page)
			continue
		}
		found = page
		ok = true
		// the victim itself is not retained in kept, so it leaves
		// pageOrder here; evict does not touch pageOrder
	}
	m.pageOrder = kept
	return found, ok
}

// evict removes page's mapping, freeing its frame and invalidating its
// TLB entry, and returns the freed frame number.
func (m *MMU) evict(page uint32) uint32 {
	entry := m.pageDirectory[page]
	frame := entry.FrameNumber
	delete(m.pageDirectory, page)
	m.tlb.invalidate(page)
	m.freeFrames[frame] = struct{}{}
	return frame
}

// dropFromOrder removes page from the insertion-order bookkeeping used by
// selectVictim, keeping it from being considered (or counted as stale)
// again.
func (m *MMU) dropFromOrder(page uint32) {
	kept := m.pageOrder[:0]
	for _, p := range m.pageOrder {
		if p != page {
			kept = append(kept, p)
		}
	}
	m.pageOrder = kept
}

// cacheRead runs a single physical access at paddr through the read path
// of the cache hierarchy (L1, then L2, then a miss). The caller still
// performs the physical read itself; the cache only tracks coherence/LRU
// state, never data (see CacheEntry).
func (m *MMU) cacheRead(paddr uint32) {
	m.clk++
	line := alignLine(paddr)

	if _, hit := m.l1.lookup(line); hit {
		m.stats.CacheHits++
		m.l1.insert(line, m.clk) // refresh LastAccess
		return
	}

	if _, hit := m.l2.lookup(line); hit {
		m.stats.CacheHits++
		m.l2.insert(line, m.clk)
		m.l1.insert(line, m.clk) // promote to L1
		return
	}

	m.stats.CacheMisses++
	m.l1.insert(line, m.clk)
}

// cacheWrite is write-through: memory is always updated by the caller;
// here we only invalidate the line in both levels.
func (m *MMU) cacheWrite(paddr uint32) {
	line := alignLine(paddr)
	m.l1.invalidate(line)
	m.l2.invalidate(line)
}

func boundsCheck(paddr uint32, size uint32, limit uint32) error {
	if paddr+size < paddr || paddr+size > limit {
		return ia32err.NewMemoryAccessViolation(paddr, "access exceeds physical memory")
	}
	return nil
}

// readPhysical performs the bounds-checked little-endian read of size
// bytes (1, 2, or 4) starting at paddr, without touching the cache.
func (m *MMU) readPhysical(paddr uint32, size uint32) (uint32, error) {
	if err := boundsCheck(paddr, size, m.store.Size()); err != nil {
		return 0, err
	}
	var v uint32
	for i := uint32(0); i < size; i++ {
		b, err := m.store.Read(paddr + i)
		if err != nil {
			return 0, err
		}
		v |= uint32(b) << (8 * i)
	}
	return v, nil
}

// writePhysical performs the bounds-checked little-endian write of size
// bytes (1, 2, or 4) starting at paddr, without touching the cache.
func (m *MMU) writePhysical(paddr uint32, size uint32, v uint32) error {
	if err := boundsCheck(paddr, size, m.store.Size()); err != nil {
		return err
	}
	for i := uint32(0); i < size; i++ {
		if err := m.store.Write(paddr+i, byte(v>>(8*i))); err != nil {
			return err
		}
	}
	return nil
}

func (m *MMU) read(vaddr uint32, size uint32) (uint32, error) {
	paddr, err := m.translate(vaddr)
	if err != nil {
		return 0, err
	}
	m.cacheRead(paddr)
	return m.readPhysical(paddr, size)
}

func (m *MMU) write(vaddr uint32, size uint32, v uint32) error {
	paddr, err := m.translate(vaddr)
	if err != nil {
		return err
	}
	if err := m.writePhysical(paddr, size, v); err != nil {
		return err
	}
	m.cacheWrite(paddr)
	return nil
}

// ReadByte reads one byte at the given virtual address.
func (m *MMU) ReadByte(vaddr uint32) (byte, error) {
	v, err := m.read(vaddr, 1)
	return byte(v), err
}

// ReadWord reads a little-endian 16-bit value at the given virtual address.
func (m *MMU) ReadWord(vaddr uint32) (uint16, error) {
	v, err := m.read(vaddr, 2)
	return uint16(v), err
}

// ReadDWord reads a little-endian 32-bit value at the given virtual address.
func (m *MMU) ReadDWord(vaddr uint32) (uint32, error) {
	return m.read(vaddr, 4)
}

// WriteByte writes one byte at the given virtual address.
func (m *MMU) WriteByte(vaddr uint32, v byte) error {
	return m.write(vaddr, 1, uint32(v))
}

// WriteWord writes a little-endian 16-bit value at the given virtual address.
func (m *MMU) WriteWord(vaddr uint32, v uint16) error {
	return m.write(vaddr, 2, uint32(v))
}

// WriteDWord writes a little-endian 32-bit value at the given virtual address.
func (m *MMU) WriteDWord(vaddr uint32, v uint32) error {
	return m.write(vaddr, 4, v)
}

// LoadProgram writes bytes sequentially starting at startAddr, then pins
// every page the range overlaps so ordinary demand-paging activity can
// never evict it.
func (m *MMU) LoadProgram(program []byte, startAddr uint32) error {
	for i, b := range program {
		if err := m.WriteByte(startAddr+uint32(i), b); err != nil {
			return err
		}
	}
	if len(program) == 0 {
		return nil
	}
	endAddr := startAddr + uint32(len(program)) - 1
	for page := PageNumber(startAddr); page <= PageNumber(endAddr); page++ {
		m.ProtectPage(page)
	}
	return nil
}

// ProtectPage marks a page number as pinned: it will never be chosen as a
// replacement victim.
func (m *MMU) ProtectPage(pageNumber uint32) {
	m.protected[pageNumber] = struct{}{}
}

// UnprotectPage removes a page's pin, making it eligible for replacement
// again.
func (m *MMU) UnprotectPage(pageNumber uint32) {
	delete(m.protected, pageNumber)
}

// UnprotectAllPages clears the entire protected-page set.
func (m *MMU) UnprotectAllPages() {
	m.protected = make(map[uint32]struct{})
}

// IsProtected reports whether pageNumber is currently pinned.
func (m *MMU) IsProtected(pageNumber uint32) bool {
	_, ok := m.protected[pageNumber]
	return ok
}

// FreePage unmaps pageNumber unconditionally (even if protected — this is
// an explicit caller action, not policy-driven replacement) and returns
// its frame to the free set. It is a no-op if the page was not present.
func (m *MMU) FreePage(pageNumber uint32) {
	entry, present := m.pageDirectory[pageNumber]
	if !present {
		return
	}
	m.freeFrames[entry.FrameNumber] = struct{}{}
	delete(m.pageDirectory, pageNumber)
	m.tlb.invalidate(pageNumber)
	m.dropFromOrder(pageNumber)
}

// ClearCaches empties the TLB and both cache levels, leaving the page
// directory, protected set, and statistics untouched.
func (m *MMU) ClearCaches() {
	m.tlb.clear()
	m.l1.clear()
	m.l2.clear()
}

// ResetStatistics zeroes every access counter.
func (m *MMU) ResetStatistics() {
	m.stats = Statistics{}
}

// GetStatistics returns a snapshot of the access counters plus derived
// hit rates. A zero denominator yields a zero rate rather than NaN.
func (m *MMU) GetStatistics() Statistics {
	s := m.stats
	if total := s.CacheHits + s.CacheMisses; total > 0 {
		s.CacheHitRate = float64(s.CacheHits) / float64(total)
	}
	if total := s.TLBHits + s.TLBMisses; total > 0 {
		s.TLBHitRate = float64(s.TLBHits) / float64(total)
	}
	return s
}
