// Command ia32sim loads a flat binary into a simulated IA-32 core and
// either runs it to completion or drops into the interactive debugger.
package main

import (
	"flag"
	"fmt"
	"os"

	"ia32sim/cpu"
	"ia32sim/debugger"
)

func main() {
	programPath := flag.String("program", "", "path to a flat binary to load")
	memSize := flag.Uint64("mem", 1<<20, "physical memory size in bytes")
	loadAddr := flag.Uint64("addr", 0x1000, "virtual address to load the program at and start execution from")
	interactive := flag.Bool("debug", false, "launch the interactive TUI debugger instead of running headless")
	dumpPage := flag.Bool("dump-page", false, "after the run (or after the -debug session ends), dump the page containing -addr")
	flag.Parse()

	if *programPath == "" {
		fmt.Fprintln(os.Stderr, "ia32sim: -program is required")
		flag.Usage()
		os.Exit(2)
	}

	program, err := os.ReadFile(*programPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ia32sim: %v\n", err)
		os.Exit(1)
	}

	c := cpu.New(uint32(*memSize))
	if err := c.LoadProgram(program, uint32(*loadAddr)); err != nil {
		fmt.Fprintf(os.Stderr, "ia32sim: loading program: %v\n", err)
		os.Exit(1)
	}
	c.EIP = uint32(*loadAddr)

	if *interactive {
		if err := debugger.Run(c, uint32(*loadAddr)); err != nil {
			fmt.Fprintf(os.Stderr, "ia32sim: %v\n", err)
			os.Exit(1)
		}
	} else {
		if err := c.RunUntilBreakpoint(); err != nil {
			fmt.Fprintf(os.Stderr, "ia32sim: %v\n", err)
			os.Exit(1)
		}
	}

	if *dumpPage {
		fmt.Print(debugger.DumpPage(c.GetMMU(), uint32(*loadAddr)))
	}

	stats := c.GetStatistics()
	fmt.Printf("halted=%v instructions=%d cycles=%d page_faults=%d tlb_hits=%d/%d cache_hits=%d/%d\n",
		c.IsHalted(), stats.InstructionCount, stats.CycleCount,
		stats.MMU.PageFaults, stats.MMU.TLBHits, stats.MMU.TLBHits+stats.MMU.TLBMisses,
		stats.MMU.CacheHits, stats.MMU.CacheHits+stats.MMU.CacheMisses)
}
