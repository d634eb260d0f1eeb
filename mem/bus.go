// Package mem implements the flat physical byte store that sits beneath
// the MMU's paging and cache hierarchy.
//
// Unlike the NES bus this is adapted from, there is only one store, it has
// no divisions or mirroring, and no peripherals are attached: the MMU is
// the only component permitted to touch it, and it always does so with an
// already-translated physical address.
package mem

import "ia32sim/ia32err"

// A Store is a fixed-length, byte-addressable physical memory. Multi-byte
// access is always little-endian, assembled one byte at a time by the
// caller (the MMU).
type Store struct {
	bytes []byte // zeroed on allocation
}

// New allocates a zeroed physical store of the given size in bytes.
func New(size uint32) *Store {
	return &Store{bytes: make([]byte, size)}
}

// Size reports the total number of addressable bytes.
func (s *Store) Size() uint32 { return uint32(len(s.bytes)) }

// Read returns the byte at the given physical address.
func (s *Store) Read(addr uint32) (byte, error) {
	if addr >= s.Size() {
		return 0, ia32err.NewMemoryAccessViolation(addr, "physical read out of range")
	}
	return s.bytes[addr], nil
}

// Write stores a byte at the given physical address.
func (s *Store) Write(addr uint32, data byte) error {
	if addr >= s.Size() {
		return ia32err.NewMemoryAccessViolation(addr, "physical write out of range")
	}
	s.bytes[addr] = data
	return nil
}

// ReadRange returns a copy of n bytes starting at addr, bounds-checked as
// a single access spanning the whole range, the same way a single Read is
// checked. Nothing in the module calls it; the debugger reads memory
// through the MMU's byte accessors instead.
func (s *Store) ReadRange(addr uint32, n uint32) ([]byte, error) {
	if addr+n < addr || addr+n > s.Size() {
		return nil, ia32err.NewMemoryAccessViolation(addr, "physical range out of bounds")
	}
	out := make([]byte, n)
	copy(out, s.bytes[addr:addr+n])
	return out, nil
}
