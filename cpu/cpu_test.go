package cpu

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func run(t *testing.T, program []byte, steps int) *CPU {
	t.Helper()
	c := New(65536)
	assert.NoError(t, c.LoadProgram(program, 0x1000))
	c.EIP = 0x1000
	for i := 0; i < steps; i++ {
		if c.IsHalted() {
			break
		}
		assert.NoError(t, c.Step())
	}
	return c
}

func TestS1ImmediateLoadAndALU(t *testing.T) {
	program := []byte{
		0xB8, 0x2A, 0x00, 0x00, 0x00, // MOV EAX, 42
		0xBB, 0x03, 0x00, 0x00, 0x00, // MOV EBX, 3
		0x01, 0xD8, // ADD EAX, EBX
		0xF4, // HLT
	}
	c := run(t, program, 10)
	assert.Equal(t, uint32(45), c.EAX)
	assert.Equal(t, uint32(3), c.EBX)
	assert.False(t, c.ZF)
	assert.False(t, c.SF)
	assert.False(t, c.CF)
	assert.True(t, c.Halted)
}

func TestS2ZeroFlagFromSelfXor(t *testing.T) {
	program := []byte{0x31, 0xC0, 0xF4} // XOR EAX, EAX; HLT
	c := run(t, program, 5)
	assert.Equal(t, uint32(0), c.EAX)
	assert.True(t, c.ZF)
	assert.False(t, c.SF)
	assert.True(t, c.PF)
	assert.False(t, c.CF)
	assert.False(t, c.OF)
}

func TestS3UnsignedOverflow(t *testing.T) {
	program := []byte{
		0xB8, 0xFF, 0xFF, 0xFF, 0xFF, // MOV EAX, 0xFFFFFFFF
		0x83, 0xC0, 0x01, // ADD EAX, 1
		0xF4, // HLT
	}
	c := run(t, program, 5)
	assert.Equal(t, uint32(0), c.EAX)
	assert.True(t, c.ZF)
	assert.True(t, c.CF)
	assert.False(t, c.OF)
}

func TestS4SignedOverflow(t *testing.T) {
	program := []byte{
		0xB8, 0xFF, 0xFF, 0xFF, 0x7F, // MOV EAX, 0x7FFFFFFF
		0x40, // INC EAX
		0xF4, // HLT
	}
	c := run(t, program, 5)
	assert.Equal(t, uint32(0x80000000), c.EAX)
	assert.True(t, c.SF)
	assert.True(t, c.OF)
}

func TestS5StackRoundTrip(t *testing.T) {
	program := []byte{
		0xB8, 0xAB, 0xCD, 0xEF, 0x12, // MOV EAX, 0x12EFCDAB
		0x50, // PUSH EAX
		0x59, // POP ECX
		0xF4, // HLT
	}
	c := run(t, program, 5)
	assert.Equal(t, uint32(0x12EFCDAB), c.ECX)
	assert.Equal(t, uint32(0xFFFF), c.ESP)
}

func TestS6DivideByZero(t *testing.T) {
	program := []byte{
		0xB9, 0x00, 0x00, 0x00, 0x00, // MOV ECX, 0
		0xF7, 0xF1, // DIV ECX
	}
	c := New(65536)
	assert.NoError(t, c.LoadProgram(program, 0x1000))
	c.EIP = 0x1000
	assert.NoError(t, c.Step()) // MOV ECX, 0
	err := c.Step()             // DIV ECX
	assert.Error(t, err)
	assert.Equal(t, uint32(0), c.EAX)
}

func TestResetClearsArchitecturalState(t *testing.T) {
	c := New(65536)
	c.EAX = 0xDEADBEEF
	c.CF = true
	c.EIP = 0x2000
	c.Reset()
	assert.Equal(t, uint32(0), c.EAX)
	assert.Equal(t, uint32(0xFFFF), c.ESP)
	assert.Equal(t, uint32(0), c.EIP)
	assert.False(t, c.CF)
	stats := c.GetStatistics()
	assert.Equal(t, uint64(0), stats.InstructionCount)
	assert.Equal(t, uint64(0), stats.CycleCount)
}

func TestPushPopRoundTrip(t *testing.T) {
	program := []byte{
		0xB8, 0x11, 0x22, 0x33, 0x44, // MOV EAX, 0x44332211
		0x50, // PUSH EAX
		0x5B, // POP EBX
	}
	c := run(t, program, 3)
	assert.Equal(t, uint32(0x44332211), c.EBX)
	assert.Equal(t, uint32(0xFFFF), c.ESP)
}

func TestLogicFlagLaws(t *testing.T) {
	// AND EAX, EAX (21 C0) then test CF/OF cleared
	program := []byte{0x21, 0xC0}
	c := run(t, program, 1)
	assert.False(t, c.CF)
	assert.False(t, c.OF)
}

func TestCmpFlagLaws(t *testing.T) {
	// MOV EAX,5; MOV EBX,5; CMP EAX,EBX (39 D8 -> CMP r/m,r: rm=EAX,reg=EBX)
	program := []byte{
		0xB8, 0x05, 0x00, 0x00, 0x00,
		0xBB, 0x05, 0x00, 0x00, 0x00,
		0x39, 0xD8,
	}
	c := run(t, program, 3)
	assert.True(t, c.ZF)
	assert.False(t, c.CF)
}

func TestLoadProgramProtectsPages(t *testing.T) {
	c := New(65536)
	program := make([]byte, 10)
	for i := range program {
		program[i] = 0x90 // NOP
	}
	assert.NoError(t, c.LoadProgram(program, 0))
	assert.True(t, c.GetMMU().IsProtected(0))
}

func TestConditionalJumpTaken(t *testing.T) {
	program := []byte{
		0x31, 0xC0, // XOR EAX, EAX (sets ZF)
		0x74, 0x03, // JZ +3 from the JZ opcode itself -> skip the following NOP
		0x90, // NOP (skipped)
		0xF4, // HLT
	}
	c := run(t, program, 5)
	assert.True(t, c.Halted)
	assert.Equal(t, uint64(3), c.GetStatistics().InstructionCount) // XOR, JZ, HLT
}

func TestUnknownOpcodePropagatesError(t *testing.T) {
	c := New(65536)
	assert.NoError(t, c.LoadProgram([]byte{0xF1}, 0))
	err := c.Step()
	assert.Error(t, err)
}

func TestRunUntilBreakpoint(t *testing.T) {
	program := []byte{0x90, 0x90, 0x90, 0xF4} // NOP NOP NOP HLT
	c := New(65536)
	assert.NoError(t, c.LoadProgram(program, 0))
	c.SetBreakpoint(2)
	assert.NoError(t, c.RunUntilBreakpoint())
	assert.Equal(t, uint32(2), c.EIP)
	assert.True(t, c.IsAtBreakpoint())
}

func TestCallPushesPreAdvancementEIP(t *testing.T) {
	// CALL 0x2000 at 0x1000 (E8 + abs32 per the documented rel32Jump
	// divergence); RET at 0x2000. CALL pushes its own opcode address
	// (not the post-CALL instruction), so RET lands back on 0x1000,
	// not on whatever would follow the CALL.
	c := New(65536)
	call := []byte{0xE8, 0x00, 0x20, 0x00, 0x00}
	assert.NoError(t, c.LoadProgram(call, 0x1000))
	assert.NoError(t, c.LoadProgram([]byte{0xC3}, 0x2000))
	c.EIP = 0x1000
	spBefore := c.ESP

	assert.NoError(t, c.Step()) // CALL
	assert.Equal(t, uint32(0x2000), c.EIP)

	assert.NoError(t, c.Step()) // RET
	assert.Equal(t, uint32(0x1000), c.EIP)
	assert.Equal(t, spBefore, c.ESP)
}

func TestSet8OnlyTouchesOneByte(t *testing.T) {
	c := New(65536)
	c.EAX = 0x11223344
	assert.NoError(t, c.Set8("AL", 0xFF))
	assert.Equal(t, uint32(0x112233FF), c.EAX)
	assert.NoError(t, c.Set8("AH", 0x00))
	assert.Equal(t, uint32(0x112200FF), c.EAX)
}
