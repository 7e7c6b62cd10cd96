package jit

import (
	"encoding/binary"
	"testing"

	"github.com/j68lab/j68/guest"
)

func TestMemgenPathSelection(t *testing.T) {
	e, rec := newTestEngine(t)

	// Direct path: the read emits code.
	e.initComp(0x1000)
	e.specialMem = 0
	before := rec.ops
	e.readlong(8, 0, RegS1)
	if rec.ops == before {
		t.Fatal("nothing emitted for a direct read")
	}

	// The special-memory hint forces the bank path, which flushes for
	// the call first.
	e.initComp(0x1000)
	e.specialMem = guest.SpecialRead
	e.readlong(8, 0, RegS1)
	for i := 0; i < NRegCount; i++ {
		if !callSaved[i] && e.live.nat[i].nholds > 0 {
			t.Fatalf("caller-saved nreg %d still holds values across a bank call", i)
		}
	}

	// Indirect trust does the same for writes.
	e.cfg.TrustLong = TrustIndirect
	e.initComp(0x1000)
	e.specialMem = 0
	e.writelong(8, 0, RegS1)
	for i := 0; i < NRegCount; i++ {
		if !callSaved[i] && e.live.nat[i].nholds > 0 {
			t.Fatalf("caller-saved nreg %d still holds values across a bank call", i)
		}
	}
	checkTopology(t, e)
}

func TestCalcDispEA020(t *testing.T) {
	e, _ := newTestEngine(t)

	// Brief extension word: word-sized index register 3, scale 2,
	// 8-bit displacement.
	e.initComp(0x1000)
	dp := uint32(3)<<12 | 2<<9 | 0x10
	e.calcDispEA020(8, dp, RegS2, RegS3)
	if !e.live.isInReg(RegS2) && !e.live.isConst(RegS2) {
		t.Fatal("brief-form EA left no result")
	}
	checkTopology(t, e)

	// Full extension word with base displacement and memory indirection:
	// the outer read goes through the bank dispatcher.
	e.initComp(0x1000)
	binary.BigEndian.PutUint16(e.mem.Base[0x1002:], 0x0040) // base displacement
	e.live.pcOffset = 2
	dp = uint32(3)<<12 | 0x100 | 0x20 | 0x02 // word bd, memory indirect, word od
	// The outer displacement word follows the base displacement.
	binary.BigEndian.PutUint16(e.mem.Base[0x1004:], 0x0008)
	e.calcDispEA020(8, dp, RegS2, RegS3)
	if e.live.pcOffset != 6 {
		t.Fatalf("pcOffset = %d after full extension decode, want 6", e.live.pcOffset)
	}
	checkTopology(t, e)

	// Suppressed base and index collapse to the displacements alone.
	e.initComp(0x1000)
	e.live.pcOffset = 2
	dp = uint32(0x100 | 0x80 | 0x40)
	e.calcDispEA020(8, dp, RegS2, RegS3)
	if !e.live.isInReg(RegS2) {
		t.Fatal("suppressed-everything EA left no result")
	}
	checkTopology(t, e)
}
