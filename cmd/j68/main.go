// Package main provides the j68 demo driver: it loads a raw 68k code
// image (or a built-in loop benchmark), runs it through the translator,
// and prints translation and dispatch statistics.
package main

import (
	"encoding/binary"
	"flag"
	"fmt"
	"os"

	"github.com/j68lab/j68/guest"
	"github.com/j68lab/j68/jit"
	"github.com/j68lab/j68/jit/hostvm"
	"github.com/j68lab/j68/timing"
)

var (
	cacheSize = flag.Int("cachesize", 8192, "Translation cache size in KB (0 disables the JIT)")
	cycles    = flag.Int("cycles", 10_000_000, "Guest cycle budget")
	entry     = flag.Uint("entry", 0x1000, "Entry point for a loaded image")
	profile   = flag.Bool("profile", false, "Track dispatch locality")
	verbose   = flag.Bool("v", false, "Verbose output")
)

func main() {
	flag.Parse()

	mem := guest.NewMemory(1 << 20)
	regs := &guest.Regs{}

	start := uint32(*entry)
	if flag.NArg() >= 1 {
		image, err := os.ReadFile(flag.Arg(0))
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading image: %v\n", err)
			os.Exit(1)
		}
		copy(mem.Base[start:], image)
	} else {
		start = loadBenchmark(mem)
	}
	regs.PC = start
	regs.R[guest.A7] = uint32(len(mem.Base) - 0x100)
	regs.Countdown = uint32(*cycles)

	cfg := jit.DefaultConfig()
	cfg.CacheSize = *cacheSize

	machine := hostvm.New(mem)
	opts := []jit.Option{jit.WithConfig(cfg)}
	if *verbose {
		opts = append(opts, jit.WithLogWriter(os.Stderr))
	}
	var model *timing.Model
	if *profile {
		model = timing.New(timing.DefaultConfig())
		opts = append(opts, jit.WithProfiler(model))
	}
	engine := jit.NewEngine(regs, mem, machine, machine, opts...)
	machine.Bind(engine)
	if err := engine.BuildComp(); err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing translator: %v\n", err)
		os.Exit(1)
	}
	defer engine.Close()

	if err := engine.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Execution stopped: %v\n", err)
	}

	fmt.Printf("D0=%08x D1=%08x D2=%08x PC=%08x\n",
		regs.R[0], regs.R[1], regs.R[2], regs.PC)

	stats := engine.Stats()
	fmt.Printf("compiles=%d active=%d dormant=%d jitted=%dB soft=%d hard=%d checks=%d\n",
		stats.CompileCount, stats.ActiveBlocks, stats.DormantBlocks,
		stats.JittedBytes, stats.SoftFlushes, stats.HardFlushes, stats.ChecksumChecks)

	if model != nil {
		ds := model.Stats()
		fmt.Printf("dispatch: touches=%d hits=%d misses=%d hitrate=%.2f%%\n",
			ds.Touches, ds.Hits, ds.Misses, ds.HitRate())
	}
}

// loadBenchmark assembles a counting loop at 0x1000 and returns its entry
// point:
//
//	      moveq  #0,d1
//	      move.l #20000,d0
//	loop: addq.l #1,d1
//	      dbra   d0,loop
//	self: bra.s  self        ; spin until the cycle budget runs out
func loadBenchmark(mem *guest.Memory) uint32 {
	const start = 0x1000
	w := newAsm(mem, start)

	w.word(0x7200) // moveq #0,d1
	w.word(0x203C) // move.l #20000,d0
	w.long(20000)
	loop := w.pc
	w.word(0x5281) // addq.l #1,d1
	dbra := w.pc
	w.word(0x51C8) // dbra d0,loop
	w.word(uint16(int16(int32(loop) - int32(dbra+2))))
	w.word(0x60FE) // bra.s self
	return start
}

type asm struct {
	mem *guest.Memory
	pc  uint32
}

func newAsm(mem *guest.Memory, pc uint32) *asm {
	return &asm{mem: mem, pc: pc}
}

func (a *asm) word(v uint16) {
	binary.BigEndian.PutUint16(a.mem.Base[a.pc:], v)
	a.pc += 2
}

func (a *asm) long(v uint32) {
	binary.BigEndian.PutUint32(a.mem.Base[a.pc:], v)
	a.pc += 4
}
