package cpu

// Flags holds the nine boolean status flags this model tracks: CF, PF,
// AF, ZF, SF, TF, IF, DF, OF.
type Flags struct {
	CF, PF, AF, ZF, SF, TF, IF, DF, OF bool
}

// Pack encodes the flags into the PUSHF/POPF word layout: bit0=CF,
// bit1=1 (reserved), bit2=PF, bit4=AF, bit6=ZF, bit7=SF, bit8=TF, bit9=IF,
// bit10=DF, bit11=OF.
func (f Flags) Pack() uint32 {
	w := uint32(1 << 1)
	if f.CF {
		w |= 1 << 0
	}
	if f.PF {
		w |= 1 << 2
	}
	if f.AF {
		w |= 1 << 4
	}
	if f.ZF {
		w |= 1 << 6
	}
	if f.SF {
		w |= 1 << 7
	}
	if f.TF {
		w |= 1 << 8
	}
	if f.IF {
		w |= 1 << 9
	}
	if f.DF {
		w |= 1 << 10
	}
	if f.OF {
		w |= 1 << 11
	}
	return w
}

// Unpack decodes a PUSHF/POPF-style word back into the flags, overwriting
// all nine.
func (f *Flags) Unpack(word uint32) {
	f.CF = word&(1<<0) != 0
	f.PF = word&(1<<2) != 0
	f.AF = word&(1<<4) != 0
	f.ZF = word&(1<<6) != 0
	f.SF = word&(1<<7) != 0
	f.TF = word&(1<<8) != 0
	f.IF = word&(1<<9) != 0
	f.DF = word&(1<<10) != 0
	f.OF = word&(1<<11) != 0
}

// parity8 reports even parity of the low 8 bits, per the XOR-fold
// technique.
func parity8(b byte) bool {
	b ^= b >> 4
	b ^= b >> 2
	b ^= b >> 1
	return b&1 == 0
}

func (c *CPU) setZSP(result uint32) {
	c.ZF = result == 0
	c.SF = result&0x80000000 != 0
	c.PF = parity8(byte(result))
}

// applyAddFlags computes a+b+carryIn, updates CF/OF/AF/ZF/SF/PF, and
// returns the U32 result. Used by ADD, ADC, and INC (carryIn=0, b=1).
func (c *CPU) applyAddFlags(a, b, carryIn uint32) uint32 {
	result := a + b + carryIn
	c.CF = uint64(a)+uint64(b)+uint64(carryIn) > 0xFFFFFFFF
	c.AF = (a&0xF)+(b&0xF)+carryIn > 0xF
	c.OF = (a^result)&(b^result)&0x80000000 != 0
	c.setZSP(result)
	return result
}

// applySubFlags computes a-b-borrowIn, updates CF/OF/AF/ZF/SF/PF, and
// returns the U32 result. Used by SUB, SBB, CMP, DEC (borrowIn=0, b=1),
// and NEG (a=0).
func (c *CPU) applySubFlags(a, b, borrowIn uint32) uint32 {
	result := a - b - borrowIn
	c.CF = uint64(a) < uint64(b)+uint64(borrowIn)
	c.AF = (a & 0xF) < (b&0xF)+borrowIn
	c.OF = (a^b)&(a^result)&0x80000000 != 0
	c.setZSP(result)
	return result
}

// applyLogicFlags clears CF/OF/AF (AF is not meaningfully defined for
// logical ops) and sets ZF/SF/PF from the result.
func (c *CPU) applyLogicFlags(result uint32) uint32 {
	c.CF, c.OF, c.AF = false, false, false
	c.setZSP(result)
	return result
}
