// Package debugger provides an interactive terminal UI for stepping a
// CPU one instruction at a time, watching registers, flags, and a window
// of memory (read through the MMU) change as it runs.
package debugger

import (
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/davecgh/go-spew/spew"

	"ia32sim/cpu"
	"ia32sim/mmu"
)

// model is the bubbletea model. It holds the CPU being debugged plus the
// small amount of UI-only state (the memory window offset, the previous
// EIP, and the error that ended the run, if any).
type model struct {
	cpu    *cpu.CPU
	offset uint32 // start of the memory window shown by pageTable
	prevIP uint32
	err    error
}

// New builds a debugger model over an already-loaded CPU. offset anchors
// the memory window pageTable renders; it is independent of EIP.
func New(c *cpu.CPU, offset uint32) tea.Model {
	return model{cpu: c, offset: offset}
}

// Init performs no initial command; the CPU is expected to already have
// its program loaded and EIP set by the caller.
func (m model) Init() tea.Cmd {
	return nil
}

// Update advances the CPU by one instruction per "j" or space keypress,
// and quits on "q" or a step error.
func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q":
			return m, tea.Quit

		case " ", "j":
			m.prevIP = m.cpu.EIP
			if err := m.cpu.Step(); err != nil {
				m.err = err
				return m, tea.Quit
			}
			if m.cpu.IsHalted() {
				return m, tea.Quit
			}

		case "b":
			m.cpu.SetBreakpoint(m.cpu.EIP)

		case "c":
			if err := m.cpu.RunUntilBreakpoint(); err != nil {
				m.err = err
				return m, tea.Quit
			}
			if m.cpu.IsHalted() {
				return m, tea.Quit
			}
		}
	}
	return m, nil
}

// renderRow renders one 16-byte row of memory, read at virtual addresses
// through the MMU, as a line, with EIP's byte bracketed when it falls in
// this row.
func (m model) renderRow(start uint32) string {
	mu := m.cpu.GetMMU()
	s := fmt.Sprintf("%08x | ", start)
	for i := uint32(0); i < 16; i++ {
		addr := start + i
		b, err := mu.ReadByte(addr)
		if err != nil {
			s += " ?? "
			continue
		}
		if addr == m.cpu.EIP {
			s += fmt.Sprintf("[%02x]", b)
		} else {
			s += fmt.Sprintf(" %02x ", b)
		}
	}
	return s
}

// pageTable renders five consecutive 16-byte rows starting at m.offset
// rounded down to a multiple of 16.
func (m model) pageTable() string {
	header := "address  | "
	for i := 0; i < 16; i++ {
		header += fmt.Sprintf(" %01x  ", i)
	}
	rows := []string{header}
	base := m.offset - (m.offset % 16)
	for i := uint32(0); i < 5; i++ {
		rows = append(rows, m.renderRow(base+i*16))
	}
	return strings.Join(rows, "\n")
}

// status renders registers, flags, and the running instruction/cycle
// counters.
func (m model) status() string {
	s := m.cpu.GetState()
	stats := m.cpu.GetStatistics()

	var flags string
	for _, set := range []bool{s.Flags.OF, s.Flags.DF, s.Flags.IF, s.Flags.TF, s.Flags.SF, s.Flags.ZF, s.Flags.AF, s.Flags.PF, s.Flags.CF} {
		if set {
			flags += "1 "
		} else {
			flags += "0 "
		}
	}

	return fmt.Sprintf(`
EIP: %08x (was %08x)
EAX: %08x  EBX: %08x
ECX: %08x  EDX: %08x
ESI: %08x  EDI: %08x
EBP: %08x  ESP: %08x
O D I T S Z A P C
%s
halted: %v
instructions: %d  cycles: %d
tlb hits/misses: %d/%d  page faults: %d
cache hits/misses: %d/%d
`,
		s.EIP, m.prevIP,
		s.Registers.EAX, s.Registers.EBX,
		s.Registers.ECX, s.Registers.EDX,
		s.Registers.ESI, s.Registers.EDI,
		s.Registers.EBP, s.Registers.ESP,
		flags,
		s.Halted,
		stats.InstructionCount, stats.CycleCount,
		stats.MMU.TLBHits, stats.MMU.TLBMisses, stats.MMU.PageFaults,
		stats.MMU.CacheHits, stats.MMU.CacheMisses,
	)
}

// nextInstruction dumps the decoded instruction at EIP, or the decode
// error in its place if EIP no longer points at valid code.
func (m model) nextInstruction() string {
	instr, err := m.cpu.GetInstructionAt(m.cpu.EIP)
	if err != nil {
		return fmt.Sprintf("decode error at %08x: %v", m.cpu.EIP, err)
	}
	return spew.Sdump(instr)
}

// View renders the page table and status panel side by side, with the
// next-instruction dump below them.
func (m model) View() string {
	if m.err != nil {
		return fmt.Sprintf("stopped: %v\n", m.err)
	}
	return lipgloss.JoinVertical(
		lipgloss.Left,
		lipgloss.JoinHorizontal(
			lipgloss.Top,
			m.pageTable(),
			m.status(),
		),
		"",
		m.nextInstruction(),
	)
}

// Run starts the interactive TUI over c, which must already have its
// program loaded and EIP positioned. It blocks until the user quits, the
// CPU halts, or a step fails, and returns any such step error.
func Run(c *cpu.CPU, memOffset uint32) error {
	p := tea.NewProgram(New(c, memOffset))
	final, err := p.Run()
	if err != nil {
		return err
	}
	if fm, ok := final.(model); ok && fm.err != nil {
		return fm.err
	}
	return nil
}

// DumpPage hex-dumps the bytes of the page containing vaddr, read through
// the MMU, for non-interactive inspection (e.g. from the CLI's -dump-page
// flag).
func DumpPage(mu *mmu.MMU, vaddr uint32) string {
	base := vaddr - (vaddr % mmu.PageSize)
	var b strings.Builder
	for i := uint32(0); i < mmu.PageSize; i += 16 {
		fmt.Fprintf(&b, "%08x | ", base+i)
		for j := uint32(0); j < 16; j++ {
			v, err := mu.ReadByte(base + i + j)
			if err != nil {
				fmt.Fprint(&b, " ?? ")
				continue
			}
			fmt.Fprintf(&b, " %02x ", v)
		}
		b.WriteByte('\n')
	}
	return b.String()
}
