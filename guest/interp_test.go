package guest_test

import (
	"encoding/binary"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/j68lab/j68/guest"
	"github.com/j68lab/j68/insts"
)

var _ = Describe("Interpreter", func() {
	var (
		regs *guest.Regs
		mem  *guest.Memory
		it   *guest.Interpreter
	)

	BeforeEach(func() {
		regs = &guest.Regs{}
		mem = guest.NewMemory(1 << 16)
		it = guest.NewInterpreter(regs, mem)
		regs.PC = 0x1000
	})

	load := func(words ...uint16) {
		addr := uint32(0x1000)
		for _, w := range words {
			binary.BigEndian.PutUint16(mem.Base[addr:], w)
			addr += 2
		}
	}

	step := func() guest.StepResult {
		res := it.Step()
		Expect(res.Err).NotTo(HaveOccurred())
		return res
	}

	It("executes moveq with flags", func() {
		load(0x70FB) // moveq #-5,d0
		step()
		Expect(regs.R[0]).To(Equal(uint32(0xFFFFFFFB)))
		Expect(uint8(regs.CZNV) & insts.FlagN).NotTo(BeZero())
		Expect(regs.PC).To(Equal(uint32(0x1002)))
	})

	It("sets the add.b boundary flags", func() {
		load(0xD001) // add.b d1,d0
		regs.R[0] = 0x7F
		regs.R[1] = 0x01
		step()
		Expect(uint8(regs.R[0])).To(Equal(uint8(0x80)))
		cznv := uint8(regs.CZNV)
		Expect(cznv & insts.FlagN).NotTo(BeZero())
		Expect(cznv & insts.FlagV).NotTo(BeZero())
		Expect(cznv & insts.FlagC).To(BeZero())
		Expect(cznv & insts.FlagZ).To(BeZero())
		Expect(regs.X).To(BeZero())
	})

	It("propagates carry into X on add.l overflow", func() {
		load(0xD081) // add.l d1,d0
		regs.R[0] = 0xFFFFFFFF
		regs.R[1] = 1
		step()
		Expect(regs.R[0]).To(BeZero())
		Expect(uint8(regs.CZNV) & insts.FlagC).NotTo(BeZero())
		Expect(uint8(regs.CZNV) & insts.FlagZ).NotTo(BeZero())
		Expect(regs.X).To(Equal(uint32(insts.FlagX)))
	})

	It("keeps byte moves partial", func() {
		load(0x1200) // move.b d0,d1
		regs.R[0] = 0x42
		regs.R[1] = 0x11111100
		step()
		Expect(regs.R[1]).To(Equal(uint32(0x11111142)))
	})

	It("loops dbra until the counter wraps", func() {
		load(
			0x5281,         // addq.l #1,d1
			0x51C8, 0xFFFC, // dbra d0,loop
		)
		regs.R[0] = 3
		for regs.PC == 0x1000 || regs.PC == 0x1002 {
			step()
		}
		Expect(regs.R[1]).To(Equal(uint32(4)))
		Expect(regs.PC).To(Equal(uint32(0x1006)))
	})

	It("returns through the stack on rts", func() {
		load(0x4E75) // rts
		regs.R[guest.A7] = 0x2000
		binary.BigEndian.PutUint32(mem.Base[0x2000:], 0x00003456)
		res := step()
		Expect(res.EndsBlock).To(BeTrue())
		Expect(regs.PC).To(Equal(uint32(0x3456)))
		Expect(regs.R[guest.A7]).To(Equal(uint32(0x2004)))
	})

	It("reports unsupported opcodes", func() {
		load(0xFFFF)
		res := it.Step()
		Expect(res.Err).To(HaveOccurred())
	})
})

var _ = Describe("Memory", func() {
	It("accumulates special-access hints per bank", func() {
		mem := guest.NewMemory(1 << 16)
		mem.MarkSpecial(1<<20, 1<<16)

		mem.ReadLong(0x100)
		Expect(mem.TakeSpecialHint()).To(BeZero())

		mem.ReadLong(1 << 20)
		Expect(mem.TakeSpecialHint()).To(Equal(guest.SpecialRead))
		Expect(mem.TakeSpecialHint()).To(BeZero(), "hint must be consumed")

		mem.WriteByte(1<<20, 0xAA)
		Expect(mem.TakeSpecialHint()).To(Equal(guest.SpecialWrite))
	})

	It("serves big-endian words through the direct image", func() {
		mem := guest.NewMemory(1 << 16)
		mem.WriteLong(0x40, 0x01020304)
		Expect(mem.Base[0x40:0x44]).To(Equal([]byte{1, 2, 3, 4}))
		Expect(mem.InstWord(0x40)).To(Equal(uint16(0x0102)))
		Expect(mem.InstLong(0x40)).To(Equal(uint32(0x01020304)))
	})

	It("splits and reassembles the CCR", func() {
		regs := &guest.Regs{}
		regs.SetCCR(insts.FlagX | insts.FlagN | insts.FlagC)
		Expect(regs.X).To(Equal(uint32(insts.FlagX)))
		Expect(uint8(regs.CZNV)).To(Equal(insts.FlagN | insts.FlagC))
		Expect(regs.CCR()).To(Equal(insts.FlagX | insts.FlagN | insts.FlagC))
	})
})
