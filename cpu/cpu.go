// Package cpu implements an IA-32-style fetch-decode-execute pipeline
// over a paginated, TLB- and cache-backed MMU.
package cpu

import (
	"ia32sim/decoder"
	"ia32sim/mmu"
)

// SegmentRegisters are present for state dumps only; the simulator
// enforces no segmentation.
type SegmentRegisters struct {
	CS, DS, ES, FS, GS, SS uint32
}

// ControlRegisters are present for state dumps only; the simulator does
// not implement real paging directories or privilege levels.
type ControlRegisters struct {
	CR0, CR2, CR3, CR4 uint32
}

// CPUState is a deep, self-contained snapshot of the architectural
// state, safe to retain after further Steps.
type CPUState struct {
	Registers        Registers
	Flags            Flags
	EIP              uint32
	Halted           bool
	InterruptEnabled bool
	SegmentRegisters SegmentRegisters
	ControlRegisters ControlRegisters
}

// CPUStatistics merges the CPU's own counters with a snapshot of the
// MMU's.
type CPUStatistics struct {
	InstructionCount uint64
	CycleCount       uint64
	Interrupts       uint64
	Utilization      float64 // (instructionCount/cycleCount)*100, 0 if cycleCount==0
	MMU              mmu.Statistics
}

// CPU owns architectural state, statistics, and a breakpoint set, and
// drives the step loop through its MMU and Decoder.
type CPU struct {
	Registers
	Flags
	EIP              uint32
	Halted           bool
	InterruptEnabled bool
	SegmentRegisters SegmentRegisters
	ControlRegisters ControlRegisters

	instructionCount uint64
	cycleCount       uint64
	interrupts       uint64

	breakpoints map[uint32]struct{}

	mmu     *mmu.MMU
	decoder *decoder.Decoder
}

// New creates a CPU with its own MMU of the given physical memory size,
// already reset to its initial state.
func New(memorySize uint32) *CPU {
	m := mmu.New(memorySize)
	c := &CPU{
		mmu:         m,
		decoder:     decoder.New(m),
		breakpoints: make(map[uint32]struct{}),
	}
	c.Reset()
	return c
}

// Reset reinitializes registers, flags, EIP, and halted state, resets
// statistics, and asks the MMU to clear its caches, page directory, and
// protected set. Breakpoints are left untouched: they are a debugging
// aid external to architectural state, not part of it.
func (c *CPU) Reset() {
	c.Registers = Registers{ESP: 0xFFFF}
	c.Flags = Flags{}
	c.EIP = 0
	c.Halted = false
	c.InterruptEnabled = false
	c.SegmentRegisters = SegmentRegisters{}
	c.ControlRegisters = ControlRegisters{}
	c.instructionCount = 0
	c.cycleCount = 0
	c.interrupts = 0
	c.mmu.Reset()
}

// LoadProgram writes program at addr and pins every page it overlaps.
func (c *CPU) LoadProgram(program []byte, addr uint32) error {
	return c.mmu.LoadProgram(program, addr)
}

// cycleCosts gives the static per-mnemonic cycle cost; anything absent
// (NOP, MOV, the ALU family, CMP, TEST, the Jcc family, ...) costs 1, as
// does an unrecognized mnemonic.
var cycleCosts = map[string]uint64{
	"PUSH": 2, "POP": 2,
	"SHL": 2, "SHR": 2,
	"CALL": 3, "RET": 3,
	"INT": 10,
}

func cycleCost(mnemonic string) uint64 {
	if cost, ok := cycleCosts[mnemonic]; ok {
		return cost
	}
	return 1
}

// Step decodes and executes one instruction. If the instruction fails
// partway through execution, registers/flags reflect whatever completed
// before the failure and the error propagates; EIP is left unchanged
// unless the instruction itself had already moved it. A failure during
// decode never reaches execute and is not counted as an instruction.
func (c *CPU) Step() error {
	if c.Halted {
		return nil
	}
	eip0 := c.EIP
	instr, err := c.decoder.Decode(eip0)
	if err != nil {
		return err
	}
	execErr := c.execute(instr)
	c.instructionCount++
	c.cycleCount += cycleCost(instr.Mnemonic)
	if execErr != nil {
		return execErr
	}
	if c.EIP == eip0 {
		c.EIP = eip0 + instr.Size
	}
	return nil
}

// RunUntilBreakpoint steps repeatedly until halted, EIP lands on a
// breakpoint, or a step fails.
func (c *CPU) RunUntilBreakpoint() error {
	for !c.Halted && !c.IsAtBreakpoint() {
		if err := c.Step(); err != nil {
			return err
		}
	}
	return nil
}

func (c *CPU) IsHalted() bool { return c.Halted }

func (c *CPU) IsAtBreakpoint() bool {
	_, ok := c.breakpoints[c.EIP]
	return ok
}

func (c *CPU) SetBreakpoint(addr uint32)    { c.breakpoints[addr] = struct{}{} }
func (c *CPU) RemoveBreakpoint(addr uint32) { delete(c.breakpoints, addr) }
func (c *CPU) ClearBreakpoints()            { c.breakpoints = make(map[uint32]struct{}) }

// GetState returns a deep copy of the architectural state.
func (c *CPU) GetState() CPUState {
	return CPUState{
		Registers:        c.Registers,
		Flags:            c.Flags,
		EIP:              c.EIP,
		Halted:           c.Halted,
		InterruptEnabled: c.InterruptEnabled,
		SegmentRegisters: c.SegmentRegisters,
		ControlRegisters: c.ControlRegisters,
	}
}

// GetStatistics merges the CPU's own counters with a fresh MMU snapshot.
func (c *CPU) GetStatistics() CPUStatistics {
	var utilization float64
	if c.cycleCount > 0 {
		utilization = float64(c.instructionCount) / float64(c.cycleCount) * 100
	}
	return CPUStatistics{
		InstructionCount: c.instructionCount,
		CycleCount:       c.cycleCount,
		Interrupts:       c.interrupts,
		Utilization:      utilization,
		MMU:              c.mmu.GetStatistics(),
	}
}

func (c *CPU) GetInstructionAt(addr uint32) (decoder.Instruction, error) {
	return c.decoder.Decode(addr)
}

func (c *CPU) GetInstructionsAt(addr uint32, count int) []decoder.Instruction {
	return c.decoder.GetInstructionsAt(addr, count)
}

func (c *CPU) GetMMU() *mmu.MMU { return c.mmu }

func (c *CPU) GetDecoder() *decoder.Decoder { return c.decoder }
