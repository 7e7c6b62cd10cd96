package insts_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/j68lab/j68/insts"
)

var _ = Describe("Opcode table", func() {
	It("decodes the supported encodings", func() {
		Expect(insts.Lookup(0x4E71).Mnemo).To(Equal(insts.NOP))
		Expect(insts.Lookup(0x4E75).Mnemo).To(Equal(insts.RTS))
		Expect(insts.Lookup(0x7005).Mnemo).To(Equal(insts.MOVEQ))
		Expect(insts.Lookup(0x2200).Mnemo).To(Equal(insts.MOVE))
		Expect(insts.Lookup(0x1200).Mnemo).To(Equal(insts.MOVE))
		Expect(insts.Lookup(0x207C).Mnemo).To(Equal(insts.MOVEA))
		Expect(insts.Lookup(0xD081).Mnemo).To(Equal(insts.ADD))
		Expect(insts.Lookup(0xD001).Mnemo).To(Equal(insts.ADD))
		Expect(insts.Lookup(0x9081).Mnemo).To(Equal(insts.SUB))
		Expect(insts.Lookup(0x5281).Mnemo).To(Equal(insts.ADDQ))
		Expect(insts.Lookup(0xB081).Mnemo).To(Equal(insts.CMP))
		Expect(insts.Lookup(0x4A80).Mnemo).To(Equal(insts.TST))
		Expect(insts.Lookup(0x51C8).Mnemo).To(Equal(insts.DBCC))
		Expect(insts.Lookup(0x6000).Mnemo).To(Equal(insts.BCC))
		Expect(insts.Lookup(0xFFFF).Mnemo).To(Equal(insts.ILLG))
	})

	It("marks control flow as block-ending", func() {
		Expect(insts.Lookup(0x4E75).EndsBlock()).To(BeTrue())
		Expect(insts.Lookup(0x51C8).EndsBlock()).To(BeTrue())
		Expect(insts.Lookup(0x60FE).EndsBlock()).To(BeTrue())
		Expect(insts.Lookup(0x2200).EndsBlock()).To(BeFalse())
		Expect(insts.Lookup(0xFFFF).EndsBlock()).To(BeTrue(), "unknown opcodes must end blocks")
	})

	It("records flag masks for the liveness pass", func() {
		add := insts.Lookup(0xD081)
		Expect(add.FlagDead).To(Equal(insts.FlagsAll))
		Expect(add.FlagLive).To(BeZero())

		move := insts.Lookup(0x2200)
		Expect(move.FlagDead).To(Equal(insts.FlagsCZNV))

		beq := insts.Lookup(0x6700)
		Expect(beq.FlagLive).To(Equal(insts.FlagZ))
		Expect(beq.FlagDead).To(BeZero())

		movea := insts.Lookup(0x207C)
		Expect(movea.FlagDead).To(BeZero(), "address moves leave the CCR alone")
	})

	It("excludes BSR from the branch subset", func() {
		Expect(insts.Lookup(0x6100).Mnemo).To(Equal(insts.ILLG))
	})

	It("extracts register fields", func() {
		Expect(insts.RegX(0xD481)).To(Equal(2))
		Expect(insts.RegY(0xD481)).To(Equal(1))
		Expect(insts.BranchCond(0x6700)).To(Equal(insts.CondEQ))
	})
})

var _ = Describe("Conditions", func() {
	It("evaluates the signed comparisons", func() {
		n, z, v := insts.FlagN, insts.FlagZ, insts.FlagV

		Expect(insts.CondEQ.Holds(z)).To(BeTrue())
		Expect(insts.CondNE.Holds(z)).To(BeFalse())
		Expect(insts.CondMI.Holds(n)).To(BeTrue())
		Expect(insts.CondGE.Holds(n | v)).To(BeTrue())
		Expect(insts.CondGE.Holds(n)).To(BeFalse())
		Expect(insts.CondLT.Holds(n)).To(BeTrue())
		Expect(insts.CondGT.Holds(0)).To(BeTrue())
		Expect(insts.CondGT.Holds(z)).To(BeFalse())
		Expect(insts.CondLE.Holds(z)).To(BeTrue())
		Expect(insts.CondT.Holds(0)).To(BeTrue())
		Expect(insts.CondF.Holds(insts.FlagsCZNV)).To(BeFalse())
	})

	It("pairs each condition with its inverse", func() {
		flags := []uint8{0, insts.FlagC, insts.FlagZ, insts.FlagN, insts.FlagV,
			insts.FlagN | insts.FlagV, insts.FlagC | insts.FlagZ, insts.FlagsCZNV}
		for cc := insts.Cond(0); cc < 16; cc++ {
			inv := cc ^ 1
			for _, f := range flags {
				Expect(cc.Holds(f)).To(Equal(!inv.Holds(f)),
					"cc=%d inverse mismatch on flags %02x", cc, f)
			}
		}
	})

	It("reports the flags each condition reads", func() {
		Expect(insts.CondT.FlagsUsed()).To(BeZero())
		Expect(insts.CondEQ.FlagsUsed()).To(Equal(insts.FlagZ))
		Expect(insts.CondGT.FlagsUsed()).To(Equal(insts.FlagZ | insts.FlagN | insts.FlagV))
	})
})
