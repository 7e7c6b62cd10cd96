package jit_test

import (
	"encoding/binary"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/j68lab/j68/guest"
	"github.com/j68lab/j68/insts"
	"github.com/j68lab/j68/jit"
	"github.com/j68lab/j68/jit/hostvm"
	"github.com/j68lab/j68/timing"
)

const progStart = 0x1000

// fastCompile is a schedule that fully translates a block on its second
// encounter, so tests reach compiled execution quickly.
func fastCompile() jit.Config {
	cfg := jit.DefaultConfig()
	cfg.CacheSize = 512
	cfg.OptCount = [10]int{1, 0, 0, 0, 0, 0, -1, -1, -1, -1}
	return cfg
}

type rig struct {
	regs    *guest.Regs
	mem     *guest.Memory
	machine *hostvm.Machine
	engine  *jit.Engine
}

func newRig(cfg jit.Config) *rig {
	mem := guest.NewMemory(1 << 18)
	regs := &guest.Regs{}
	machine := hostvm.New(mem)
	engine := jit.NewEngine(regs, mem, machine, machine, jit.WithConfig(cfg))
	machine.Bind(engine)
	Expect(engine.BuildComp()).To(Succeed())
	return &rig{regs: regs, mem: mem, machine: machine, engine: engine}
}

func (r *rig) close() {
	Expect(r.engine.Close()).To(Succeed())
}

// asm writes big-endian code words at addr.
func (r *rig) asm(addr uint32, words ...uint16) uint32 {
	for _, w := range words {
		binary.BigEndian.PutUint16(r.mem.Base[addr:], w)
		addr += 2
	}
	return addr
}

// run resets the dynamic state and executes from progStart until the
// cycle budget runs out.
func (r *rig) run(budget uint32) error {
	r.regs.PC = progStart
	r.regs.SpcFlags = 0
	r.regs.Countdown = budget
	return r.engine.Run()
}

// spin is bra.s to itself: parks execution until the budget is gone.
const spin = 0x60FE

var _ = Describe("Engine", func() {
	Describe("straight-line translation", func() {
		It("compiles move.l/rts and produces the interpreted result", func() {
			r := newRig(fastCompile())
			defer r.close()

			// Return address on the stack points at a spin loop.
			const retAddr = 0x4000
			const stack = 0x8000
			r.asm(progStart,
				0x2200, // move.l d0,d1
				0x4E75, // rts
			)
			r.asm(retAddr, spin)

			for i := 0; i < 3; i++ {
				binary.BigEndian.PutUint32(r.mem.Base[stack:], retAddr)
				r.regs.R[guest.A7] = stack
				r.regs.R[0] = 0xDEADBEEF
				r.regs.R[1] = 0
				Expect(r.run(2000)).To(Succeed())

				Expect(r.regs.R[1]).To(Equal(uint32(0xDEADBEEF)))
				Expect(r.regs.PC).To(Equal(uint32(retAddr)))
				Expect(r.regs.R[guest.A7]).To(Equal(uint32(stack + 4)))
			}

			bi := r.engine.LookupBlock(progStart)
			Expect(bi).NotTo(BeNil())
			Expect(bi.OptLevel).To(BeNumerically(">", 1))
			Expect(r.engine.TagHandler(progStart)).To(Equal(bi.Handler))
		})

		It("preserves high bytes across byte-width moves", func() {
			r := newRig(fastCompile())
			defer r.close()

			r.asm(progStart,
				0x1200, // move.b d0,d1
				0x2401, // move.l d1,d2
				spin,
			)
			for i := 0; i < 3; i++ {
				r.regs.R[0] = 0x42
				r.regs.R[1] = 0xAABBCC00
				r.regs.R[2] = 0
				Expect(r.run(2000)).To(Succeed())
				Expect(r.regs.R[1]).To(Equal(uint32(0xAABBCC42)))
				Expect(r.regs.R[2]).To(Equal(uint32(0xAABBCC42)))
			}
		})
	})

	Describe("guest flags", func() {
		It("computes the add.b overflow boundary exactly", func() {
			r := newRig(fastCompile())
			defer r.close()

			r.asm(progStart,
				0xD001, // add.b d1,d0
				spin,
			)
			for i := 0; i < 3; i++ {
				r.regs.R[0] = 0x7F
				r.regs.R[1] = 0x01
				r.regs.CZNV = 0
				r.regs.X = 0
				Expect(r.run(2000)).To(Succeed())

				Expect(uint8(r.regs.R[0])).To(Equal(uint8(0x80)))
				cznv := uint8(r.regs.CZNV)
				Expect(cznv&insts.FlagN).NotTo(BeZero(), "N must be set")
				Expect(cznv&insts.FlagV).NotTo(BeZero(), "V must be set")
				Expect(cznv&insts.FlagC).To(BeZero(), "C must be clear")
				Expect(cznv&insts.FlagZ).To(BeZero(), "Z must be clear")
				Expect(r.regs.X).To(BeZero(), "X must be clear")
			}
		})
	})

	Describe("loops", func() {
		asmLoop := func(r *rig, iterations uint16) {
			r.asm(progStart,
				0x7000|iterations&0xFF, // moveq #n,d0
				0x7200,                 // moveq #0,d1
				0x5281,                 // loop: addq.l #1,d1
				0x51C8, 0xFFFC,         // dbra d0,loop
				spin,
			)
		}

		It("matches pure interpretation for a dbra loop", func() {
			compiled := newRig(fastCompile())
			defer compiled.close()
			interp := newRig(func() jit.Config {
				cfg := jit.DefaultConfig()
				cfg.CacheSize = 0
				return cfg
			}())
			defer interp.close()

			asmLoop(compiled, 5)
			asmLoop(interp, 5)

			Expect(compiled.run(100000)).To(Succeed())
			Expect(interp.run(100000)).To(Succeed())

			Expect(compiled.regs.R[0]).To(Equal(interp.regs.R[0]))
			Expect(compiled.regs.R[1]).To(Equal(interp.regs.R[1]))
			Expect(compiled.regs.CZNV).To(Equal(interp.regs.CZNV))
			Expect(compiled.regs.PC).To(Equal(interp.regs.PC))
			// The loop ran often enough to be translated for real.
			bi := compiled.engine.LookupBlock(progStart + 4)
			Expect(bi).NotTo(BeNil())
			Expect(bi.OptLevel).To(BeNumerically(">", 1))
		})

		It("counts a long loop correctly through compiled execution", func() {
			r := newRig(fastCompile())
			defer r.close()

			asmLoop(r, 99)
			Expect(r.run(1_000_000)).To(Succeed())
			Expect(r.regs.R[1]).To(Equal(uint32(100)))
		})
	})

	Describe("memory access", func() {
		It("stores big-endian through the direct path", func() {
			r := newRig(fastCompile())
			defer r.close()

			r.asm(progStart,
				0x207C, 0x0000, 0x5000, // movea.l #$5000,a0
				0x2080, // move.l d0,(a0)
				spin,
			)
			for i := 0; i < 3; i++ {
				r.regs.R[0] = 0x11223344
				Expect(r.run(2000)).To(Succeed())
				Expect(r.mem.Base[0x5000:0x5004]).To(Equal([]byte{0x11, 0x22, 0x33, 0x44}))
			}
		})

		It("routes special-memory accesses through the bank dispatcher", func() {
			r := newRig(fastCompile())
			defer r.close()

			bank := &countingBank{value: 0xCAFED00D}
			mmio := uint32(1) << 20
			r.mem.Map(mmio, 1<<16, bank)
			r.mem.MarkSpecial(mmio, 1<<16)

			r.asm(progStart,
				0x207C, uint16(mmio>>16), uint16(mmio), // movea.l #mmio,a0
				0x2010, // move.l (a0),d0
				spin,
			)
			for i := 0; i < 3; i++ {
				r.regs.R[0] = 0
				Expect(r.run(2000)).To(Succeed())
				Expect(r.regs.R[0]).To(Equal(uint32(0xCAFED00D)))
			}
			Expect(bank.reads).To(BeNumerically(">", 0))
		})
	})

	Describe("invalidation", func() {
		It("reactivates an unchanged block after a soft flush", func() {
			r := newRig(fastCompile())
			defer r.close()

			asmCount := func() {
				r.asm(progStart,
					0x7005, // moveq #5,d0
					spin,
				)
			}
			asmCount()
			for i := 0; i < 3; i++ {
				Expect(r.run(2000)).To(Succeed())
			}
			bi := r.engine.LookupBlock(progStart)
			Expect(bi).NotTo(BeNil())
			handler := bi.Handler
			compiles := r.engine.Stats().CompileCount

			r.engine.FlushICache()
			Expect(r.run(2000)).To(Succeed())

			Expect(r.engine.Stats().ChecksumChecks).To(BeNumerically(">", 0))
			Expect(bi.Handler).To(Equal(handler), "unchanged block must keep its translation")
			Expect(bi.HandlerToUse).To(Equal(handler))
			Expect(r.engine.Stats().CompileCount).To(Equal(compiles))
		})

		It("detects self-modified code via checksums and retranslates", func() {
			r := newRig(fastCompile())
			defer r.close()

			r.asm(progStart,
				0x7005, // moveq #5,d0
				spin,
			)
			for i := 0; i < 3; i++ {
				Expect(r.run(2000)).To(Succeed())
			}
			Expect(r.regs.R[0]).To(Equal(uint32(5)))
			compiles := r.engine.Stats().CompileCount

			// The guest rewrites its own instruction.
			r.asm(progStart, 0x7009) // moveq #9,d0
			r.engine.FlushICache()

			for i := 0; i < 3; i++ {
				Expect(r.run(2000)).To(Succeed())
			}
			Expect(r.regs.R[0]).To(Equal(uint32(9)))
			Expect(r.engine.Stats().CompileCount).To(BeNumerically(">", compiles))
		})

		It("survives a hard flush mid-stream", func() {
			r := newRig(fastCompile())
			defer r.close()

			r.asm(progStart,
				0x7007, // moveq #7,d0
				spin,
			)
			for i := 0; i < 3; i++ {
				Expect(r.run(2000)).To(Succeed())
			}
			r.engine.FlushICacheHard()
			Expect(r.run(2000)).To(Succeed())
			Expect(r.regs.R[0]).To(Equal(uint32(7)))
			Expect(r.engine.Stats().HardFlushes).To(BeNumerically(">", 0))
		})
	})

	Describe("configuration", func() {
		It("runs interpreted with the cache disabled", func() {
			cfg := jit.DefaultConfig()
			cfg.CacheSize = 0
			r := newRig(cfg)
			defer r.close()

			r.asm(progStart,
				0x7003, // moveq #3,d0
				spin,
			)
			Expect(r.run(2000)).To(Succeed())
			Expect(r.regs.R[0]).To(Equal(uint32(3)))
			Expect(r.engine.GetCacheState()).To(BeFalse())
			Expect(r.engine.Stats().CompileCount).To(BeZero())
		})

		It("recovers from a full code buffer by hard-flushing", func() {
			cfg := fastCompile()
			cfg.CacheSize = 40 // barely above the stub space
			r := newRig(cfg)
			defer r.close()

			// A long chain of loop segments, enough distinct blocks to
			// overflow the small buffer several times over.
			const segments = 48
			addr := r.asm(progStart, 0x7200) // moveq #0,d1
			for s := 0; s < segments; s++ {
				addr = r.asm(addr,
					0x7009,         // moveq #9,d0
					0x5281,         // loop: addq.l #1,d1
					0x51C8, 0xFFFC, // dbra d0,loop
				)
			}
			r.asm(addr, spin)

			for i := 0; i < 3; i++ {
				r.regs.R[1] = 0
				Expect(r.run(1_000_000)).To(Succeed())
				Expect(r.regs.R[1]).To(Equal(uint32(10 * segments)))
			}
			Expect(r.engine.Stats().HardFlushes).To(BeNumerically(">", 0))
		})

		It("feeds the dispatch profiler", func() {
			cfg := fastCompile()
			model := timing.New(timing.DefaultConfig())
			mem := guest.NewMemory(1 << 18)
			regs := &guest.Regs{}
			machine := hostvm.New(mem)
			engine := jit.NewEngine(regs, mem, machine, machine,
				jit.WithConfig(cfg), jit.WithProfiler(model))
			machine.Bind(engine)
			Expect(engine.BuildComp()).To(Succeed())
			defer engine.Close()

			binary.BigEndian.PutUint16(mem.Base[progStart:], 0x7001) // moveq #1,d0
			binary.BigEndian.PutUint16(mem.Base[progStart+2:], spin)
			regs.PC = progStart
			regs.Countdown = 2000
			Expect(engine.Run()).To(Succeed())

			Expect(model.Stats().Touches).To(BeNumerically(">", 0))
		})

		It("forces indirect trust when the direct map is unsafe", func() {
			r := newRig(fastCompile())
			defer r.close()

			r.mem.CanBang = false
			changed, err := r.engine.CheckPrefsChanged()
			Expect(err).NotTo(HaveOccurred())
			Expect(changed).To(BeTrue())

			r.asm(progStart,
				0x207C, 0x0000, 0x5000, // movea.l #$5000,a0
				0x2080, // move.l d0,(a0)
				spin,
			)
			for i := 0; i < 3; i++ {
				r.regs.R[0] = 0x11223344
				Expect(r.run(2000)).To(Succeed())
				Expect(binary.BigEndian.Uint32(r.mem.Base[0x5000:])).To(Equal(uint32(0x11223344)))
			}
		})
	})
})

// countingBank is a simple MMIO-style bank returning a fixed long.
type countingBank struct {
	value  uint32
	reads  int
	writes int
}

func (b *countingBank) ReadByte(addr uint32) uint8 {
	b.reads++
	return uint8(b.value >> (24 - 8*(addr&3)))
}

func (b *countingBank) ReadWord(addr uint32) uint16 {
	b.reads++
	if addr&2 == 0 {
		return uint16(b.value >> 16)
	}
	return uint16(b.value)
}

func (b *countingBank) ReadLong(addr uint32) uint32 {
	b.reads++
	return b.value
}

func (b *countingBank) WriteByte(addr uint32, v uint8)   { b.writes++ }
func (b *countingBank) WriteWord(addr uint32, v uint16)  { b.writes++ }
func (b *countingBank) WriteLong(addr uint32, v uint32)  { b.writes++; b.value = v }
