package jit

import "fmt"

// callSaved marks host registers that survive a bank or interpreter call.
// The reference host clobbers the rest on every call, so the flush
// discipline around calls is load-bearing, not decorative.
var callSaved = [NRegCount]bool{
	0: false, 1: false, 2: false,
	3: true, 4: true, 5: true, 6: true, 7: true,
}

// initComp resets the per-compilation register map at a block entry. The
// first 16 virtual registers mirror the guest integer registers, the PC
// register enters in constant form at the block start address, and both
// flag carriers sit in their home slots.
func (e *Engine) initComp(startPC uint32) {
	l := &e.live

	for i := 0; i < VRegCount; i++ {
		l.state[i].realreg = -1
		l.state[i].realind = 0
		l.state[i].needflush = nfScratch
		l.state[i].val = 0
		l.state[i].validSize = 0
		l.state[i].dirtySize = 0
		l.state[i].home = RefScratch(i)
		e.setStatus(i, statUndef)
	}
	for i := 0; i < 16; i++ {
		l.state[i].home = RefGuestReg(i)
		l.state[i].needflush = nfToMem
		e.setStatus(i, statInMem)
	}
	l.state[RegPC].home = RefPC()
	l.state[RegPC].needflush = nfToMem
	l.state[RegFlagX].home = RefFlagX()
	l.state[RegFlagX].needflush = nfToMem
	e.setStatus(RegFlagX, statInMem)
	l.state[RegFlagTmp].home = RefCZNV()
	l.state[RegFlagTmp].needflush = nfToMem
	e.setStatus(RegFlagTmp, statInMem)
	l.state[RegNextHandler].needflush = nfHandler
	e.setStatus(RegNextHandler, statUndef)

	for i := 0; i < VFRegCount; i++ {
		l.fate[i].status = statUndef
		l.fate[i].realreg = -1
		l.fate[i].realind = 0
		l.fate[i].needflush = nfScratch
		l.fate[i].home = RefFPScratch(i)
	}
	for i := 0; i < 8; i++ {
		l.fate[i].home = RefFP(i)
		l.fate[i].needflush = nfToMem
		l.fate[i].status = statInMem
	}
	l.fate[RegFPResult].home = RefFPResult()
	l.fate[RegFPResult].needflush = nfToMem
	l.fate[RegFPResult].status = statInMem

	for i := 0; i < NRegCount; i++ {
		l.nat[i].touched = 0
		l.nat[i].nholds = 0
		l.nat[i].locked = 0
		l.nat[i].canByte = i < 4
		l.nat[i].canWord = i != reservedNReg
	}
	l.nat[reservedNReg].locked = 1

	for i := 0; i < NFRegCount; i++ {
		l.fat[i].touched = 0
		l.fat[i].nholds = 0
		l.fat[i].locked = 0
	}

	l.touchCnt = 1
	l.pcOffset = 0
	l.compPC = startPC
	l.flagsInFlags = flagsTrash
	l.flagsOnStack = flagsValid
	l.flagsAreImportant = true

	// The PC enters in constant form; epilogues materialize it.
	e.setConst(RegPC, startPC)
}

// syncPC folds the decode distance into the PC virtual register.
func (e *Engine) syncPC() {
	if e.live.pcOffset == 0 {
		return
	}
	off := e.live.pcOffset
	if e.live.isConst(RegPC) {
		e.live.state[RegPC].val += off
	} else {
		r := e.rmw(RegPC, 4, 4)
		e.emit.Lea(r, r, int32(off))
		e.unlock(r)
	}
	e.live.compPC += off
	e.live.pcOffset = 0
}

// flush writes the register map back to guest state. With saveRegs it
// leaves every host register empty, every to-memory virtual register
// current in its home (the PC excepted: epilogues store it explicitly),
// and the flags in the spill slot. Only call this if you mean it; the
// next call should be initComp.
func (e *Engine) flush(saveRegs bool) {
	e.flushFlags()
	e.syncPC()

	if !saveRegs {
		return
	}
	for i := 0; i < VFRegCount; i++ {
		if e.live.fate[i].needflush == nfScratch || e.live.fate[i].status == statClean {
			e.fDisassociate(i)
		}
	}
	for i := 0; i < VRegCount; i++ {
		switch e.live.state[i].needflush {
		case nfToMem:
			switch e.live.state[i].status {
			case statInMem:
				if v := e.live.state[i].val; v != 0 {
					e.emit.AddMemImm(e.live.state[i].home, v)
					e.live.state[i].val = 0
				}
			case statClean, statDirty:
				e.removeOffset(i, -1)
				e.tomem(i)
				e.evict(i)
			case statConst:
				if i != RegPC {
					e.writebackConst(i)
				}
			}
			if e.live.state[i].val != 0 && i != RegPC {
				fmt.Fprintf(e.logw, "jit: vreg %d still has val %x after flush\n",
					i, e.live.state[i].val)
			}
		case nfScratch:
			e.forgetAbout(i)
		}
	}
	for i := 0; i < VFRegCount; i++ {
		if e.live.fate[i].needflush == nfToMem && e.live.fate[i].status == statDirty {
			e.fEvict(i)
		}
	}
}

// flushKeepflags writes dirty state back without disturbing the host
// flags, for epilogues that still have a conditional branch to emit.
// Deferred offsets of in-memory registers stay deferred.
func (e *Engine) flushKeepflags() {
	for i := 0; i < VFRegCount; i++ {
		if e.live.fate[i].needflush == nfScratch || e.live.fate[i].status == statClean {
			e.fDisassociate(i)
		}
	}
	for i := 0; i < VRegCount; i++ {
		if e.live.state[i].needflush != nfToMem {
			continue
		}
		switch e.live.state[i].status {
		case statClean, statDirty:
			e.removeOffset(i, -1)
			e.tomem(i)
		case statConst:
			if i != RegPC {
				e.writebackConst(i)
			}
		}
	}
	for i := 0; i < VFRegCount; i++ {
		if e.live.fate[i].needflush == nfToMem && e.live.fate[i].status == statDirty {
			e.fEvict(i)
		}
	}
}

// freescratch drops all scratch values at an instruction boundary.
func (e *Engine) freescratch() {
	for i := 0; i < NRegCount; i++ {
		if e.live.nat[i].locked != 0 && i != reservedNReg {
			fmt.Fprintf(e.logw, "jit: warning: nreg %d still locked\n", i)
		}
	}
	for i := 0; i < VRegCount; i++ {
		if e.live.state[i].needflush == nfScratch {
			e.forgetAbout(i)
		}
	}
	for i := 0; i < VFRegCount; i++ {
		if e.live.fate[i].needflush == nfScratch {
			e.fForgetAbout(i)
		}
	}
}

// flushAll writes back everything a call could clobber.
func (e *Engine) flushAll() {
	for i := 0; i < VRegCount; i++ {
		if e.live.state[i].status == statDirty {
			if !callSaved[e.live.state[i].realreg] {
				e.tomem(i)
			}
		}
	}
	for i := 0; i < VFRegCount; i++ {
		if e.live.fIsInReg(i) {
			e.fEvict(i)
		}
	}
}

// prepareForCall1 makes sure everything a call clobbers is safe in
// memory.
func (e *Engine) prepareForCall1() {
	e.flushAll()
}

// prepareForCall2 disassociates the caller-saved registers entirely; the
// flags must already have been rescued.
func (e *Engine) prepareForCall2() {
	for i := 0; i < NRegCount; i++ {
		if !callSaved[i] && e.live.nat[i].nholds > 0 {
			e.freeNreg(i)
		}
	}
	for i := 0; i < NFRegCount; i++ {
		if e.live.fat[i].nholds > 0 {
			e.fFreeNreg(i)
		}
	}
	e.live.flagsInFlags = flagsTrash
}

// registerBranch records the two edges of a conditional block ending for
// the epilogue to link.
func (e *Engine) registerBranch(notTaken, taken uint32, cc Cond) {
	e.nextPC = notTaken
	e.takenPC = taken
	e.branchCC = cc
	e.branchSet = true
}
