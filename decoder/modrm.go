package decoder

import (
	"ia32sim/mask"
	"ia32sim/mmu"
)

// decodeModRM reads the ModR/M byte at addr (and any trailing
// displacement), returning the r/m operand, the register operand, and the
// number of bytes consumed starting from addr (always includes the ModR/M
// byte itself).
//
// The mod/reg/rm split follows the standard layout: mod occupies bits 7-6,
// reg bits 5-3, rm bits 2-0. mask.Range is 1-indexed from the MSB, so mod
// is bits [1,2], reg is [3,5], and rm is [6,8].
func decodeModRM(m *mmu.MMU, addr uint32, opWidth int) (rm Operand, reg Operand, regField byte, consumed uint32, err error) {
	b, err := m.ReadByte(addr)
	if err != nil {
		return Operand{}, Operand{}, 0, 0, err
	}

	mod := mask.Range(b, mask.I1, mask.I2)
	regField = mask.Range(b, mask.I3, mask.I5)
	rmField := mask.Range(b, mask.I6, mask.I8)

	reg = Operand{Kind: OperandRegister, Register: registerName(regField, opWidth), Width: opWidth}
	consumed = 1

	switch mod {
	case 0b00:
		if rmField == 5 {
			disp, err := m.ReadDWord(addr + 1)
			if err != nil {
				return Operand{}, Operand{}, 0, 0, err
			}
			rm = Operand{Kind: OperandMemory, Value: disp, Width: opWidth}
			consumed += 4
		} else {
			rm = Operand{Kind: OperandRegisterIndirect, Register: registerName32(rmField), Width: opWidth}
		}

	case 0b01:
		d, err := m.ReadByte(addr + 1)
		if err != nil {
			return Operand{}, Operand{}, 0, 0, err
		}
		rm = Operand{
			Kind: OperandRegisterIndirectDisplacement, Register: registerName32(rmField),
			Width: opWidth, Displacement: uint32(d), DisplacementWidth: 1,
		}
		consumed += 1

	case 0b10:
		d, err := m.ReadDWord(addr + 1)
		if err != nil {
			return Operand{}, Operand{}, 0, 0, err
		}
		rm = Operand{
			Kind: OperandRegisterIndirectDisplacement, Register: registerName32(rmField),
			Width: opWidth, Displacement: d, DisplacementWidth: 4,
		}
		consumed += 4

	case 0b11:
		rm = Operand{Kind: OperandRegister, Register: registerName(rmField, opWidth), Width: opWidth}
	}

	return rm, reg, regField, consumed, nil
}
