package cpu

import (
	"math"
	"math/rand"
	"time"

	"ia32sim/decoder"
	"ia32sim/ia32err"
)

// effectiveAddress resolves a REGISTER_INDIRECT or
// REGISTER_INDIRECT_DISPLACEMENT operand to a virtual address. Disp8 is
// sign-extended here, at use time, per the decoder's contract; disp32 is
// used as-is.
func (c *CPU) effectiveAddress(op decoder.Operand) (uint32, error) {
	base, err := c.Get32(op.Register)
	if err != nil {
		return 0, err
	}
	if op.Kind == decoder.OperandRegisterIndirect {
		return base, nil
	}
	var disp uint32
	if op.DisplacementWidth == 1 {
		disp = uint32(int32(int8(byte(op.Displacement))))
	} else {
		disp = op.Displacement
	}
	return base + disp, nil
}

func (c *CPU) readOperand(op decoder.Operand) (uint32, error) {
	switch op.Kind {
	case decoder.OperandRegister:
		if op.Width == 1 {
			b, err := c.Get8(op.Register)
			return uint32(b), err
		}
		return c.Get32(op.Register)

	case decoder.OperandImmediate:
		return op.Value, nil

	case decoder.OperandMemory:
		if op.Width == 1 {
			b, err := c.mmu.ReadByte(op.Value)
			return uint32(b), err
		}
		return c.mmu.ReadDWord(op.Value)

	case decoder.OperandRegisterIndirect, decoder.OperandRegisterIndirectDisplacement:
		addr, err := c.effectiveAddress(op)
		if err != nil {
			return 0, err
		}
		if op.Width == 1 {
			b, err := c.mmu.ReadByte(addr)
			return uint32(b), err
		}
		return c.mmu.ReadDWord(addr)
	}
	return 0, ia32err.NewDecodeError(c.EIP, 0, "unreadable operand kind")
}

func (c *CPU) writeOperand(op decoder.Operand, v uint32) error {
	switch op.Kind {
	case decoder.OperandRegister:
		if op.Width == 1 {
			return c.Set8(op.Register, byte(v))
		}
		return c.Set32(op.Register, v)

	case decoder.OperandMemory:
		if op.Width == 1 {
			return c.mmu.WriteByte(op.Value, byte(v))
		}
		return c.mmu.WriteDWord(op.Value, v)

	case decoder.OperandRegisterIndirect, decoder.OperandRegisterIndirectDisplacement:
		addr, err := c.effectiveAddress(op)
		if err != nil {
			return err
		}
		if op.Width == 1 {
			return c.mmu.WriteByte(addr, byte(v))
		}
		return c.mmu.WriteDWord(addr, v)
	}
	return ia32err.NewDecodeError(c.EIP, 0, "unwritable operand kind")
}

// doJump resolves a jump target operand. Width 1 is a signed 8-bit
// offset added to EIP (which, at execute time, still points at the
// opcode); width 4 is an absolute assignment — the documented
// divergence from real IA-32 relative near jumps/calls.
func (c *CPU) doJump(op decoder.Operand) {
	if op.Width == 1 {
		c.EIP = c.EIP + uint32(int32(int8(byte(op.Value))))
	} else {
		c.EIP = op.Value
	}
}

var jccConditions = map[string]func(*CPU) bool{
	"JO":  func(c *CPU) bool { return c.OF },
	"JNO": func(c *CPU) bool { return !c.OF },
	"JC":  func(c *CPU) bool { return c.CF },
	"JNC": func(c *CPU) bool { return !c.CF },
	"JZ":  func(c *CPU) bool { return c.ZF },
	"JNZ": func(c *CPU) bool { return !c.ZF },
	"JBE": func(c *CPU) bool { return c.CF || c.ZF },
	"JA":  func(c *CPU) bool { return !c.CF && !c.ZF },
	"JS":  func(c *CPU) bool { return c.SF },
	"JNS": func(c *CPU) bool { return !c.SF },
	"JP":  func(c *CPU) bool { return c.PF },
	"JNP": func(c *CPU) bool { return !c.PF },
	"JL":  func(c *CPU) bool { return c.SF != c.OF },
	"JGE": func(c *CPU) bool { return c.SF == c.OF },
	"JLE": func(c *CPU) bool { return c.ZF || (c.SF != c.OF) },
	"JG":  func(c *CPU) bool { return !c.ZF && (c.SF == c.OF) },
}

func boolToU32(b bool) uint32 {
	if b {
		return 1
	}
	return 0
}

// shift implements SHL (left=true) and SHR (left=false). Shift counts
// are masked modulo 32 to keep behavior deterministic for counts at or
// above the register width; a masked count of 0 leaves the operand and
// flags untouched.
func (c *CPU) shift(instr decoder.Instruction, left bool) error {
	v, err := c.readOperand(instr.Operands[0])
	if err != nil {
		return err
	}
	cnt := instr.Operands[1].Value % 32
	if cnt == 0 {
		return nil
	}
	var result uint32
	if left {
		result = v << cnt
		c.CF = (v>>(32-cnt))&1 != 0
		if cnt == 1 {
			c.OF = (v>>31)&1 != (v>>30)&1
		}
	} else {
		result = v >> cnt
		c.CF = (v>>(cnt-1))&1 != 0
		if cnt == 1 {
			c.OF = (v>>31)&1 != 0
		}
	}
	c.setZSP(result)
	return c.writeOperand(instr.Operands[0], result)
}

// execute runs the one instruction already decoded at EIP. It never
// advances EIP itself except for the control-flow instructions that are
// defined to do so (JMP, Jcc taken, CALL, RET); Step is responsible for
// the fallthrough advance.
func (c *CPU) execute(instr decoder.Instruction) error {
	switch instr.Mnemonic {

	case "MOV", "MOVSXD":
		src, err := c.readOperand(instr.Operands[1])
		if err != nil {
			return err
		}
		return c.writeOperand(instr.Operands[0], src)

	case "ADD":
		a, err := c.readOperand(instr.Operands[0])
		if err != nil {
			return err
		}
		b, err := c.readOperand(instr.Operands[1])
		if err != nil {
			return err
		}
		return c.writeOperand(instr.Operands[0], c.applyAddFlags(a, b, 0))

	case "ADC":
		a, err := c.readOperand(instr.Operands[0])
		if err != nil {
			return err
		}
		b, err := c.readOperand(instr.Operands[1])
		if err != nil {
			return err
		}
		return c.writeOperand(instr.Operands[0], c.applyAddFlags(a, b, boolToU32(c.CF)))

	case "SUB", "CMP":
		a, err := c.readOperand(instr.Operands[0])
		if err != nil {
			return err
		}
		b, err := c.readOperand(instr.Operands[1])
		if err != nil {
			return err
		}
		result := c.applySubFlags(a, b, 0)
		if instr.Mnemonic == "CMP" {
			return nil
		}
		return c.writeOperand(instr.Operands[0], result)

	case "SBB":
		a, err := c.readOperand(instr.Operands[0])
		if err != nil {
			return err
		}
		b, err := c.readOperand(instr.Operands[1])
		if err != nil {
			return err
		}
		return c.writeOperand(instr.Operands[0], c.applySubFlags(a, b, boolToU32(c.CF)))

	case "AND", "OR", "XOR", "TEST":
		a, err := c.readOperand(instr.Operands[0])
		if err != nil {
			return err
		}
		b, err := c.readOperand(instr.Operands[1])
		if err != nil {
			return err
		}
		var result uint32
		switch instr.Mnemonic {
		case "AND", "TEST":
			result = a & b
		case "OR":
			result = a | b
		case "XOR":
			result = a ^ b
		}
		c.applyLogicFlags(result)
		if instr.Mnemonic == "TEST" {
			return nil
		}
		return c.writeOperand(instr.Operands[0], result)

	case "INC":
		a, err := c.readOperand(instr.Operands[0])
		if err != nil {
			return err
		}
		// Routed through the generic ADD flag updater, so CF is touched
		// here even though real IA-32 leaves it alone for INC/DEC.
		return c.writeOperand(instr.Operands[0], c.applyAddFlags(a, 1, 0))

	case "DEC":
		a, err := c.readOperand(instr.Operands[0])
		if err != nil {
			return err
		}
		return c.writeOperand(instr.Operands[0], c.applySubFlags(a, 1, 0))

	case "NOT":
		a, err := c.readOperand(instr.Operands[0])
		if err != nil {
			return err
		}
		return c.writeOperand(instr.Operands[0], ^a)

	case "NEG":
		a, err := c.readOperand(instr.Operands[0])
		if err != nil {
			return err
		}
		// applySubFlags(0, a, 0) already yields CF = (0 < a), i.e. CF
		// set iff the operand is nonzero, which is exactly NEG's rule.
		return c.writeOperand(instr.Operands[0], c.applySubFlags(0, a, 0))

	case "XCHG":
		a, err := c.readOperand(instr.Operands[0])
		if err != nil {
			return err
		}
		b, err := c.readOperand(instr.Operands[1])
		if err != nil {
			return err
		}
		if err := c.writeOperand(instr.Operands[0], b); err != nil {
			return err
		}
		return c.writeOperand(instr.Operands[1], a)

	case "SHL":
		return c.shift(instr, true)

	case "SHR":
		return c.shift(instr, false)

	case "MUL":
		src, err := c.readOperand(instr.Operands[0])
		if err != nil {
			return err
		}
		full := uint64(c.EAX) * uint64(src)
		c.EAX = uint32(full)
		c.EDX = uint32(full >> 32)
		overflow := c.EDX != 0
		c.CF, c.OF = overflow, overflow
		return nil

	case "IMUL":
		src, err := c.readOperand(instr.Operands[0])
		if err != nil {
			return err
		}
		full := int64(int32(c.EAX)) * int64(int32(src))
		c.EAX = uint32(full)
		c.EDX = uint32(full >> 32)
		overflow := full < math.MinInt32 || full > math.MaxInt32
		c.CF, c.OF = overflow, overflow
		return nil

	case "IMUL2":
		dst, err := c.readOperand(instr.Operands[0])
		if err != nil {
			return err
		}
		src, err := c.readOperand(instr.Operands[1])
		if err != nil {
			return err
		}
		full := int64(int32(dst)) * int64(int32(src))
		result := uint32(full)
		overflow := full < math.MinInt32 || full > math.MaxInt32
		c.CF, c.OF = overflow, overflow
		c.setZSP(result)
		return c.writeOperand(instr.Operands[0], result)

	case "DIV":
		src, err := c.readOperand(instr.Operands[0])
		if err != nil {
			return err
		}
		if src == 0 {
			return ia32err.NewDivideByZero()
		}
		eax := c.EAX
		c.EAX = eax / src
		c.EDX = eax % src
		return nil

	case "IDIV":
		src, err := c.readOperand(instr.Operands[0])
		if err != nil {
			return err
		}
		s := int32(src)
		if s == 0 {
			return ia32err.NewDivideByZero()
		}
		a := int32(c.EAX)
		if a == math.MinInt32 && s == -1 {
			return ia32err.NewDivideOverflow()
		}
		c.EAX = uint32(a / s)
		c.EDX = uint32(a % s)
		return nil

	case "PUSH":
		v, err := c.readOperand(instr.Operands[0])
		if err != nil {
			return err
		}
		c.ESP -= 4
		return c.mmu.WriteDWord(c.ESP, v)

	case "POP":
		v, err := c.mmu.ReadDWord(c.ESP)
		if err != nil {
			return err
		}
		c.ESP += 4
		return c.writeOperand(instr.Operands[0], v)

	case "CALL":
		c.ESP -= 4
		if err := c.mmu.WriteDWord(c.ESP, c.EIP); err != nil {
			return err
		}
		c.doJump(instr.Operands[0])
		return nil

	case "RET":
		target, err := c.mmu.ReadDWord(c.ESP)
		if err != nil {
			return err
		}
		c.ESP += 4
		c.EIP = target
		return nil

	case "JMP":
		c.doJump(instr.Operands[0])
		return nil

	case "INT":
		c.interrupts++
		return nil

	case "HLT":
		c.Halted = true
		return nil

	case "NOP":
		return nil

	case "CLI":
		c.IF = false
		c.InterruptEnabled = false
		return nil

	case "STI":
		c.IF = true
		c.InterruptEnabled = true
		return nil

	case "CLD":
		c.DF = false
		return nil

	case "STD":
		c.DF = true
		return nil

	case "PUSHF":
		c.ESP -= 4
		return c.mmu.WriteDWord(c.ESP, c.Flags.Pack())

	case "POPF":
		word, err := c.mmu.ReadDWord(c.ESP)
		if err != nil {
			return err
		}
		c.ESP += 4
		c.Flags.Unpack(word)
		return nil

	case "RDRAND", "RDSEED":
		c.CF = true
		c.OF, c.SF, c.ZF, c.AF, c.PF = false, false, false, false, false
		return c.writeOperand(instr.Operands[0], rand.Uint32())

	case "RDTSC":
		micros := uint64(time.Now().UnixMicro())
		c.EAX = uint32(micros)
		c.EDX = uint32(micros >> 32)
		return nil
	}

	if cond, ok := jccConditions[instr.Mnemonic]; ok {
		if cond(c) {
			c.doJump(instr.Operands[0])
		}
		return nil
	}

	return ia32err.NewDecodeError(c.EIP, instr.Opcode, "unimplemented mnemonic "+instr.Mnemonic)
}
