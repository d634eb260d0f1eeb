package decoder

import (
	"ia32sim/ia32err"
	"ia32sim/mmu"
)

// Instruction is one decoded unit: the opcode byte that selected it (the
// second byte for a two-byte 0x0F form), a mnemonic, its operands in
// destination-then-source order, and its total encoded length in bytes.
type Instruction struct {
	Opcode   byte
	Mnemonic string
	Operands []Operand
	Size     uint32
}

// Decoder turns bytes read through an MMU into Instructions. It holds no
// state of its own beyond the MMU it reads from; the same Decoder can
// service any number of decode requests at any address.
type Decoder struct {
	MMU *mmu.MMU
}

// New returns a Decoder reading from m.
func New(m *mmu.MMU) *Decoder {
	return &Decoder{MMU: m}
}

// decodeFunc implements one opcode's encoding. addr is the address of the
// leading opcode byte (for a two-byte 0x0F form, the address of the 0x0F
// byte); op is the byte that selected this func from its table (the
// second byte, for a two-byte form).
type decodeFunc func(d *Decoder, addr uint32, op byte) (Instruction, error)

var opcodeTable = map[byte]decodeFunc{}
var twoByteTable = map[byte]decodeFunc{}

var aluSubopNames = [8]string{"ADD", "OR", "ADC", "SBB", "AND", "SUB", "XOR", "CMP"}

// aluRM decodes the "op r/m, r" direction: r/m is the destination operand,
// the ModR/M reg field the source.
func aluRM(mnemonic string, width int) decodeFunc {
	return func(d *Decoder, addr uint32, op byte) (Instruction, error) {
		rm, reg, _, consumed, err := decodeModRM(d.MMU, addr+1, width)
		if err != nil {
			return Instruction{}, err
		}
		return Instruction{Opcode: op, Mnemonic: mnemonic, Operands: []Operand{rm, reg}, Size: 1 + consumed}, nil
	}
}

// aluReg decodes the "op r, r/m" direction: the ModR/M reg field is the
// destination operand, r/m the source.
func aluReg(mnemonic string, width int) decodeFunc {
	return func(d *Decoder, addr uint32, op byte) (Instruction, error) {
		rm, reg, _, consumed, err := decodeModRM(d.MMU, addr+1, width)
		if err != nil {
			return Instruction{}, err
		}
		return Instruction{Opcode: op, Mnemonic: mnemonic, Operands: []Operand{reg, rm}, Size: 1 + consumed}, nil
	}
}

// aluEAXImm32 decodes "op EAX, imm32" short forms.
func aluEAXImm32(mnemonic string) decodeFunc {
	return func(d *Decoder, addr uint32, op byte) (Instruction, error) {
		imm, err := d.MMU.ReadDWord(addr + 1)
		if err != nil {
			return Instruction{}, err
		}
		return Instruction{
			Opcode:   op,
			Mnemonic: mnemonic,
			Operands: []Operand{
				{Kind: OperandRegister, Register: "EAX", Width: 4},
				{Kind: OperandImmediate, Value: imm, Width: 4},
			},
			Size: 5,
		}, nil
	}
}

// registerOp decodes a register-coded single-byte opcode (INC/DEC/PUSH/POP
// r32, 0x40-0x5F), whose only operand is the 32-bit register baked into
// the opcode byte itself.
func registerOp(mnemonic string, regIndex byte) decodeFunc {
	return func(d *Decoder, addr uint32, op byte) (Instruction, error) {
		return Instruction{
			Opcode:   op,
			Mnemonic: mnemonic,
			Operands: []Operand{{Kind: OperandRegister, Register: reg32Names[regIndex], Width: 4}},
			Size:     1,
		}, nil
	}
}

// movImm8 decodes "MOV r8, imm8" (0xB0-0xB7).
func movImm8(regIndex byte) decodeFunc {
	return func(d *Decoder, addr uint32, op byte) (Instruction, error) {
		imm, err := d.MMU.ReadByte(addr + 1)
		if err != nil {
			return Instruction{}, err
		}
		return Instruction{
			Opcode:   op,
			Mnemonic: "MOV",
			Operands: []Operand{
				{Kind: OperandRegister, Register: reg8Names[regIndex], Width: 1},
				{Kind: OperandImmediate, Value: uint32(imm), Width: 1},
			},
			Size: 2,
		}, nil
	}
}

// movImm32 decodes "MOV r32, imm32" (0xB8-0xBF).
func movImm32(regIndex byte) decodeFunc {
	return func(d *Decoder, addr uint32, op byte) (Instruction, error) {
		imm, err := d.MMU.ReadDWord(addr + 1)
		if err != nil {
			return Instruction{}, err
		}
		return Instruction{
			Opcode:   op,
			Mnemonic: "MOV",
			Operands: []Operand{
				{Kind: OperandRegister, Register: reg32Names[regIndex], Width: 4},
				{Kind: OperandImmediate, Value: imm, Width: 4},
			},
			Size: 5,
		}, nil
	}
}

// implied decodes a zero-operand, single-byte instruction.
func implied(mnemonic string) decodeFunc {
	return func(d *Decoder, addr uint32, op byte) (Instruction, error) {
		return Instruction{Opcode: op, Mnemonic: mnemonic, Size: 1}, nil
	}
}

// rel8Jump decodes a short conditional or unconditional jump: a single
// signed-offset-to-be byte, stored raw; the executor applies the sign
// extension against EIP.
func rel8Jump(mnemonic string) decodeFunc {
	return func(d *Decoder, addr uint32, op byte) (Instruction, error) {
		rel, err := d.MMU.ReadByte(addr + 1)
		if err != nil {
			return Instruction{}, err
		}
		return Instruction{
			Opcode:   op,
			Mnemonic: mnemonic,
			Operands: []Operand{{Kind: OperandImmediate, Value: uint32(rel), Width: 1}},
			Size:     2,
		}, nil
	}
}

// rel32Jump decodes a near jump/call with a 4-byte operand. A width-4
// jump operand is an absolute target, not a relative offset; the decoder
// only carries the raw dword, the executor resolves it.
func rel32Jump(mnemonic string) decodeFunc {
	return func(d *Decoder, addr uint32, op byte) (Instruction, error) {
		target, err := d.MMU.ReadDWord(addr + 1)
		if err != nil {
			return Instruction{}, err
		}
		return Instruction{
			Opcode:   op,
			Mnemonic: mnemonic,
			Operands: []Operand{{Kind: OperandImmediate, Value: target, Width: 4}},
			Size:     5,
		}, nil
	}
}

// group1 decodes the 0x81/0x83 ALU-r/m,imm group: the ModR/M reg field
// selects the operation from aluSubopNames, not a register.
func group1(imm8 bool) decodeFunc {
	return func(d *Decoder, addr uint32, op byte) (Instruction, error) {
		rm, _, subopField, consumed, err := decodeModRM(d.MMU, addr+1, 4)
		if err != nil {
			return Instruction{}, err
		}
		mnemonic := aluSubopNames[subopField&7]
		immAddr := addr + 1 + consumed
		var imm, immSize uint32
		if imm8 {
			b, err := d.MMU.ReadByte(immAddr)
			if err != nil {
				return Instruction{}, err
			}
			imm, immSize = uint32(b), 1
		} else {
			v, err := d.MMU.ReadDWord(immAddr)
			if err != nil {
				return Instruction{}, err
			}
			imm, immSize = v, 4
		}
		return Instruction{
			Opcode:   op,
			Mnemonic: mnemonic,
			Operands: []Operand{rm, {Kind: OperandImmediate, Value: imm, Width: int(immSize)}},
			Size:     1 + consumed + immSize,
		}, nil
	}
}

var shiftGroupNames = map[byte]string{4: "SHL", 5: "SHR"}

// group2 decodes the 0xC1 (imm8 count) / 0xD1 (fixed count 1) shift group.
func group2(hasImm8 bool) decodeFunc {
	return func(d *Decoder, addr uint32, op byte) (Instruction, error) {
		rm, _, subopField, consumed, err := decodeModRM(d.MMU, addr+1, 4)
		if err != nil {
			return Instruction{}, err
		}
		mnemonic, ok := shiftGroupNames[subopField&7]
		if !ok {
			return Instruction{}, ia32err.NewDecodeError(addr, op, "unsupported shift group subop")
		}
		if hasImm8 {
			count, err := d.MMU.ReadByte(addr + 1 + consumed)
			if err != nil {
				return Instruction{}, err
			}
			return Instruction{
				Opcode:   op,
				Mnemonic: mnemonic,
				Operands: []Operand{rm, {Kind: OperandImmediate, Value: uint32(count), Width: 1}},
				Size:     1 + consumed + 1,
			}, nil
		}
		return Instruction{
			Opcode:   op,
			Mnemonic: mnemonic,
			Operands: []Operand{rm, {Kind: OperandImmediate, Value: 1, Width: 1}},
			Size:     1 + consumed,
		}, nil
	}
}

// group3 decodes the 0xF7 TEST/NOT/NEG/MUL/IMUL/DIV/IDIV group.
func group3() decodeFunc {
	return func(d *Decoder, addr uint32, op byte) (Instruction, error) {
		rm, _, subopField, consumed, err := decodeModRM(d.MMU, addr+1, 4)
		if err != nil {
			return Instruction{}, err
		}
		size := 1 + consumed
		switch subopField & 7 {
		case 0, 1:
			imm, err := d.MMU.ReadDWord(addr + 1 + consumed)
			if err != nil {
				return Instruction{}, err
			}
			return Instruction{
				Opcode: op, Mnemonic: "TEST",
				Operands: []Operand{rm, {Kind: OperandImmediate, Value: imm, Width: 4}},
				Size:     size + 4,
			}, nil
		case 2:
			return Instruction{Opcode: op, Mnemonic: "NOT", Operands: []Operand{rm}, Size: size}, nil
		case 3:
			return Instruction{Opcode: op, Mnemonic: "NEG", Operands: []Operand{rm}, Size: size}, nil
		case 4:
			return Instruction{Opcode: op, Mnemonic: "MUL", Operands: []Operand{rm}, Size: size}, nil
		case 5:
			return Instruction{Opcode: op, Mnemonic: "IMUL", Operands: []Operand{rm}, Size: size}, nil
		case 6:
			return Instruction{Opcode: op, Mnemonic: "DIV", Operands: []Operand{rm}, Size: size}, nil
		case 7:
			return Instruction{Opcode: op, Mnemonic: "IDIV", Operands: []Operand{rm}, Size: size}, nil
		default:
			return Instruction{}, ia32err.NewDecodeError(addr, op, "unsupported group3 subop")
		}
	}
}

func init() {
	opcodeTable[0x00] = aluRM("ADD", 1)
	opcodeTable[0x01] = aluRM("ADD", 4)
	opcodeTable[0x02] = aluReg("ADD", 1)
	opcodeTable[0x03] = aluReg("ADD", 4)
	opcodeTable[0x08] = aluRM("OR", 1)
	opcodeTable[0x09] = aluRM("OR", 4)
	opcodeTable[0x20] = aluRM("AND", 1)
	opcodeTable[0x21] = aluRM("AND", 4)
	opcodeTable[0x25] = aluEAXImm32("AND")
	opcodeTable[0x28] = aluRM("SUB", 1)
	opcodeTable[0x29] = aluRM("SUB", 4)
	opcodeTable[0x30] = aluRM("XOR", 1)
	opcodeTable[0x31] = aluRM("XOR", 4)
	opcodeTable[0x35] = aluEAXImm32("XOR")
	opcodeTable[0x38] = aluRM("CMP", 1)
	opcodeTable[0x39] = aluRM("CMP", 4)
	opcodeTable[0x3D] = aluEAXImm32("CMP")
	opcodeTable[0x63] = aluReg("MOVSXD", 4)
	opcodeTable[0x81] = group1(false)
	opcodeTable[0x83] = group1(true)
	opcodeTable[0x85] = aluRM("TEST", 4)
	opcodeTable[0x87] = aluRM("XCHG", 4)
	opcodeTable[0x88] = aluRM("MOV", 1)
	opcodeTable[0x89] = aluRM("MOV", 4)
	opcodeTable[0x90] = implied("NOP")
	opcodeTable[0x9C] = implied("PUSHF")
	opcodeTable[0x9D] = implied("POPF")
	opcodeTable[0xA3] = func(d *Decoder, addr uint32, op byte) (Instruction, error) {
		target, err := d.MMU.ReadDWord(addr + 1)
		if err != nil {
			return Instruction{}, err
		}
		return Instruction{
			Opcode:   op,
			Mnemonic: "MOV",
			Operands: []Operand{
				{Kind: OperandMemory, Value: target, Width: 4},
				{Kind: OperandRegister, Register: "EAX", Width: 4},
			},
			Size: 5,
		}, nil
	}
	opcodeTable[0xC1] = group2(true)
	opcodeTable[0xC3] = implied("RET")
	opcodeTable[0xCD] = func(d *Decoder, addr uint32, op byte) (Instruction, error) {
		vec, err := d.MMU.ReadByte(addr + 1)
		if err != nil {
			return Instruction{}, err
		}
		return Instruction{
			Opcode:   op,
			Mnemonic: "INT",
			Operands: []Operand{{Kind: OperandImmediate, Value: uint32(vec), Width: 1}},
			Size:     2,
		}, nil
	}
	opcodeTable[0xD1] = group2(false)
	opcodeTable[0xE8] = rel32Jump("CALL")
	opcodeTable[0xE9] = rel32Jump("JMP")
	opcodeTable[0xEB] = rel8Jump("JMP")
	opcodeTable[0xF4] = implied("HLT")
	opcodeTable[0xF7] = group3()
	opcodeTable[0xFA] = implied("CLI")
	opcodeTable[0xFB] = implied("STI")
	opcodeTable[0xFC] = implied("CLD")
	opcodeTable[0xFD] = implied("STD")

	jccNames := [16]string{
		"JO", "JNO", "JC", "JNC", "JZ", "JNZ", "JBE", "JA",
		"JS", "JNS", "JP", "JNP", "JL", "JGE", "JLE", "JG",
	}
	for i := byte(0); i < 8; i++ {
		opcodeTable[0x40+i] = registerOp("INC", i)
		opcodeTable[0x48+i] = registerOp("DEC", i)
		opcodeTable[0x50+i] = registerOp("PUSH", i)
		opcodeTable[0x58+i] = registerOp("POP", i)
		opcodeTable[0xB0+i] = movImm8(i)
		opcodeTable[0xB8+i] = movImm32(i)
	}
	for i := byte(0); i < 16; i++ {
		opcodeTable[0x70+i] = rel8Jump(jccNames[i])
	}

	twoByteTable[0x31] = func(d *Decoder, addr uint32, op byte) (Instruction, error) {
		return Instruction{Opcode: op, Mnemonic: "RDTSC", Size: 2}, nil
	}
	twoByteTable[0xAF] = func(d *Decoder, addr uint32, op byte) (Instruction, error) {
		rm, reg, _, consumed, err := decodeModRM(d.MMU, addr+2, 4)
		if err != nil {
			return Instruction{}, err
		}
		return Instruction{Opcode: op, Mnemonic: "IMUL2", Operands: []Operand{reg, rm}, Size: 2 + consumed}, nil
	}
	twoByteTable[0xC7] = func(d *Decoder, addr uint32, op byte) (Instruction, error) {
		rm, _, subopField, consumed, err := decodeModRM(d.MMU, addr+2, 4)
		if err != nil {
			return Instruction{}, err
		}
		var mnemonic string
		switch subopField & 7 {
		case 6:
			mnemonic = "RDRAND"
		case 7:
			mnemonic = "RDSEED"
		default:
			return Instruction{}, ia32err.NewDecodeError(addr, op, "unsupported 0x0F 0xC7 subop")
		}
		return Instruction{Opcode: op, Mnemonic: mnemonic, Operands: []Operand{rm}, Size: 2 + consumed}, nil
	}
	twoByteTable[0x8C] = func(d *Decoder, addr uint32, op byte) (Instruction, error) {
		target, err := d.MMU.ReadDWord(addr + 2)
		if err != nil {
			return Instruction{}, err
		}
		return Instruction{
			Opcode:   op,
			Mnemonic: "JL",
			Operands: []Operand{{Kind: OperandImmediate, Value: target, Width: 4}},
			Size:     6,
		}, nil
	}
}

// Decode reads one instruction starting at vaddr.
func (d *Decoder) Decode(vaddr uint32) (Instruction, error) {
	b, err := d.MMU.ReadByte(vaddr)
	if err != nil {
		return Instruction{}, err
	}

	if b == 0x0F {
		b2, err := d.MMU.ReadByte(vaddr + 1)
		if err != nil {
			return Instruction{}, err
		}
		fn, ok := twoByteTable[b2]
		if !ok {
			return Instruction{}, ia32err.NewDecodeError(vaddr, b2, "unknown two-byte opcode")
		}
		return fn(d, vaddr, b2)
	}

	fn, ok := opcodeTable[b]
	if !ok {
		return Instruction{}, ia32err.NewDecodeError(vaddr, b, "unknown opcode")
	}
	return fn(d, vaddr, b)
}

// GetInstructionsAt disassembles up to count instructions starting at
// vaddr, stopping early (without error) if decoding fails partway —
// the caller gets whatever ran cleanly up to that point.
func (d *Decoder) GetInstructionsAt(vaddr uint32, count int) []Instruction {
	out := make([]Instruction, 0, count)
	addr := vaddr
	for i := 0; i < count; i++ {
		instr, err := d.Decode(addr)
		if err != nil {
			break
		}
		out = append(out, instr)
		addr += instr.Size
	}
	return out
}
