package jit

import (
	"fmt"

	"github.com/j68lab/j68/insts"
)

// CompileBlock translates one recorded run of guest instructions. The
// history holds the instructions the interpreter just executed, oldest
// first; the first entry names the block. Depending on the block's
// countdown and optimization level this either emits profiling stubs or a
// full body.
func (e *Engine) CompileBlock(hist []HistoryEntry, totcycles int) {
	if !e.cacheOn || e.buf == nil || len(hist) == 0 {
		return
	}
	e.compileCount++
	if e.compileP >= e.maxCompileStart {
		e.FlushICacheHard()
	}
	e.allocBlockinfos()

	startPC := hist[0].PC
	bi := e.adopt(startPC)
	bi2 := e.getBlockinfo(cacheline(startPC))

	optlev := bi.OptLevel
	if bi.Handler != HandlerNone && bi != bi2 {
		panic(fmt.Sprintf("jit: block %08x compiled while not at bucket head", startPC))
	}
	if int32(bi.Count) == -1 {
		optlev++
		for e.cfg.OptCount[optlev] == 0 {
			optlev++
		}
		bi.Count = uint32(e.cfg.OptCount[optlev] - 1)
	}
	removeDeps(bi) // about to create new code
	bi.OptLevel = optlev
	bi.PC = startPC
	e.nextPC = 0
	e.takenPC = 0
	e.branchSet = false

	// Backward flag-liveness pass. Add-with-extend keeps Z only when the
	// result is nonzero, so a dead Z afterwards is a dead Z before.
	blocklen := len(hist)
	liveflags := make([]uint8, blocklen+1)
	liveflags[blocklen] = insts.FlagsAll
	minPC, maxPC := startPC, startPC
	for i := blocklen - 1; i >= 0; i-- {
		pc := hist[i].PC
		if pc < minPC {
			minPC = pc
		}
		if pc > maxPC {
			maxPC = pc
		}
		op := e.mem.InstWord(pc)
		if e.cfg.CompNoFlags {
			lf := (liveflags[i+1] &^ e.prop[op].setFlags) | e.prop[op].useFlags
			if e.prop[op].isAddX && liveflags[i+1]&insts.FlagZ == 0 {
				lf &^= insts.FlagZ
			}
			liveflags[i] = lf
		} else {
			liveflags[i] = insts.FlagsAll
		}
	}
	bi.NeededFlags = liveflags[0]

	// Verifying prologue: any stray entry with the wrong live PC routes
	// to the cache-miss trampoline.
	e.emit.SetTarget(e.compileP)
	e.emit.Align(32)
	bi.Handler = e.emit.Target()
	bi.HandlerToUse = bi.Handler
	e.emit.CmpMemImm(RefPC(), startPC)
	miss := e.emit.Jcc(insts.CondNE)
	e.emit.Patch(miss, e.popallCacheMiss)

	bi.DirectHandler = e.emit.Target()
	e.setDhtu(bi, bi.DirectHandler)

	if int32(bi.Count) >= 0 {
		e.emit.MovMemImm(RefPC(), startPC)
		e.emit.SubMemImm(RefBlockCount(bi.id), 1)
		expired := e.emit.Jcc(insts.CondMI)
		e.emit.Patch(expired, e.popallRecompile)
	}

	if optlev == 0 {
		// Profile only: execute normally without keeping stats.
		e.emit.MovMemImm(RefPC(), startPC)
		e.emit.Jmp(e.popallExecNostats)
	} else {
		e.emitBody(bi, hist, liveflags, totcycles)
	}

	// The block covers its recorded bytes plus the longest possible
	// trailing instruction, unless the fall-through address pins the
	// exact end.
	if e.branchSet && e.nextPC >= maxPC && e.nextPC < maxPC+insts.MaxInstBytes {
		maxPC = e.nextPC
	} else {
		maxPC += insts.MaxInstBytes
	}
	bi.Len = maxPC - minPC
	bi.MinPC = minPC

	e.removeFromList(bi)
	if e.mem.InROM(minPC) && e.mem.InROM(maxPC) {
		// ROM never changes in flight; skip checksumming and park such
		// blocks on the dormant list right away, where soft flushes never
		// touch them.
		e.addToDormant(bi)
	} else {
		bi.C1, bi.C2 = e.calcChecksum(bi)
		e.addToActive(bi)
	}

	e.emit.Align(32)
	e.compileP = e.emit.Target()
	e.raiseInClList(bi)

	// We will flush soon anyway, so do it now.
	if e.compileP >= e.maxCompileStart {
		e.FlushICacheHard()
	}
}

// emitBody compiles the instruction sequence and the block ending.
func (e *Engine) emitBody(bi *BlockInfo, hist []HistoryEntry, liveflags []uint8, totcycles int) {
	blocklen := len(hist)
	e.optLev = bi.OptLevel
	wasComp := false

	for i := 0; i < blocklen && e.emit.Target() < e.maxCompileStart; i++ {
		pc := hist[i].PC
		op := e.mem.InstWord(pc)
		e.specialMem = hist[i].SpecialMem
		e.neededFlags = liveflags[i+1] & e.prop[op].setFlags

		var fn compileFunc
		if e.neededFlags == 0 && e.cfg.CompNoFlags {
			fn = e.nfCompFn[op]
		} else {
			fn = e.compFn[op]
		}

		if fn != nil && e.optLev > 1 {
			e.failure = false
			if !wasComp {
				e.initComp(pc)
				wasComp = true
			}
			e.liveFlags()
			fn(e, op)
			e.freescratch()
			if liveflags[i+1]&insts.FlagsCZNV == 0 {
				// Downstream overwrites every flag before reading one.
				e.dontCareFlags()
			}
		} else {
			e.failure = true
		}

		if e.failure {
			if wasComp {
				e.flush(true)
				wasComp = false
			}
			// Fallback: hand this one instruction to the interpreter,
			// then bail out if it raised a pending event.
			e.emit.MovMemImm(RefPC(), pc)
			e.emit.CallInterp(op)
			if i < blocklen-1 {
				e.emit.MovRegMem(4, 0, RefSpcFlags())
				e.emit.Test(4, 0)
				idle := e.emit.Jcc(insts.CondEQ)
				e.emit.SubMemImm(RefCountdown(), uint32(totcycles))
				e.emit.Jmp(e.popallDoNothing)
				e.emit.Patch(idle, e.emit.Target())
			}
		}
	}

	e.emitEpilogue(bi, wasComp, totcycles)
}

// emitEpilogue closes the block: linked conditional edges, a directory
// tablejump for a computed PC, or a single direct link for a constant
// one.
func (e *Engine) emitEpilogue(bi *BlockInfo, wasComp bool, totcycles int) {
	tc := uint32(totcycles)

	if e.branchSet {
		t1, t2 := e.nextPC, e.takenPC
		cc := e.branchCC
		if e.takenPC < e.nextPC {
			// Backward branch: optimize for the taken case, which then
			// is the fall-through of the emitted conditional.
			t1, t2 = e.takenPC, e.nextPC
			cc ^= 1
		}
		e.flush(true)
		site := e.emit.Jcc(cc)
		e.emitLinkedEdge(bi, 0, t1, tc)
		e.emit.Align(16)
		e.emit.Patch(site, e.emit.Target())
		e.emitLinkedEdge(bi, 1, t2, tc)
		return
	}

	var pcInReg, pcConst bool
	var pcVal uint32
	if wasComp {
		// Fold the decode distance first so a constant PC reads as the
		// real ending address.
		e.syncPC()
		pcInReg = e.live.isInReg(RegPC)
		pcConst = e.live.isConst(RegPC)
		pcVal = e.live.state[RegPC].val
		e.flush(true)
	}

	switch {
	case pcConst:
		// The ending PC is a compile-time constant: a single direct
		// link.
		e.emitLinkedEdge(bi, 0, pcVal, tc)

	case pcInReg:
		// Dispatch through the directory in constant time.
		r := e.readreg(RegPC, 4)
		e.emit.SubMemImm(RefCountdown(), tc)
		out := e.emit.Jcc(insts.CondMI)
		e.emit.JmpTags(r)
		e.emit.Patch(out, e.popallDoNothing)
		e.unlock(r)

	default:
		// PC lives in guest state only (fallback-heavy block).
		e.emit.MovRegMem(4, 0, RefPC())
		e.emit.SubMemImm(RefCountdown(), tc)
		out := e.emit.Jcc(insts.CondMI)
		e.emit.JmpTags(0)
		e.emit.Patch(out, e.popallDoNothing)
	}
}

// emitLinkedEdge emits one block-to-block edge: decrement the cycle
// countdown, jump straight to the target's installed direct handler while
// the budget lasts, else store the PC and leave. The jump's displacement
// field is recorded as dependency slot i so handler moves re-patch it.
func (e *Engine) emitLinkedEdge(bi *BlockInfo, slot int, target uint32, cycles uint32) {
	e.emit.SubMemImm(RefCountdown(), cycles)
	site := e.emit.Jcc(insts.CondPL)
	e.emit.Patch(site, e.getHandler(target))
	e.emit.MovMemImm(RefPC(), target)
	e.emit.Jmp(e.popallDoNothing)
	e.createJmpdep(bi, slot, site, target)
}

// getHandler returns the currently installed direct handler for the block
// at addr, creating the block when needed.
func (e *Engine) getHandler(addr uint32) int32 {
	return e.adopt(addr).DirectHandlerToUse
}
