package jit

import "fmt"

// FP register allocation. Same shape as the integer allocator but with no
// partial widths, no deferred offsets and no sub-register capability
// checks: an FP virtual register is UNDEF, CLEAN or DIRTY, full stop.
// Writebacks come in a keep and a drop flavor for hosts whose FP stack
// discipline wants the register popped on the final store.

func (e *Engine) fTomem(r int) {
	if e.live.fate[r].status == statDirty {
		e.emit.FMovMemReg(e.live.fate[r].home, int(e.live.fate[r].realreg))
		e.live.fate[r].status = statClean
	}
}

func (e *Engine) fTomemDrop(r int) {
	if e.live.fate[r].status == statDirty {
		e.emit.FMovMemRegDrop(e.live.fate[r].home, int(e.live.fate[r].realreg))
		e.live.fate[r].status = statInMem
	}
}

func (e *Engine) fEvict(r int) {
	if !e.live.fIsInReg(r) {
		return
	}
	rr := int(e.live.fate[r].realreg)
	if e.live.fat[rr].nholds == 1 {
		e.fTomemDrop(r)
	} else {
		e.fTomem(r)
	}

	if e.live.fat[rr].locked != 0 && e.live.fat[rr].nholds == 1 {
		panic(fmt.Sprintf("jit: evicting FP vreg %d from locked freg %d", r, rr))
	}

	fat := &e.live.fat[rr]
	fat.nholds--
	if fat.nholds != int(e.live.fate[r].realind) {
		topreg := int(fat.holds[fat.nholds])
		thisind := int(e.live.fate[r].realind)
		fat.holds[thisind] = int16(topreg)
		e.live.fate[topreg].realind = int8(thisind)
	}
	e.live.fate[r].status = statInMem
	e.live.fate[r].realreg = -1
}

func (e *Engine) fFreeNreg(rr int) {
	for i := e.live.fat[rr].nholds; i > 0; i-- {
		e.fEvict(int(e.live.fat[rr].holds[i-1]))
	}
	if e.live.fat[rr].nholds != 0 {
		panic(fmt.Sprintf("jit: failed to free freg %d, nholds is %d", rr, e.live.fat[rr].nholds))
	}
}

// fIsclean forgets dirtiness without a store. Use with care.
func (e *Engine) fIsclean(r int) {
	if !e.live.fIsInReg(r) {
		return
	}
	e.live.fate[r].status = statClean
}

func (e *Engine) fDisassociate(r int) {
	e.fIsclean(r)
	e.fEvict(r)
}

func (e *Engine) fAllocReg(r int, willclobber bool) int {
	bestreg := -1
	when := int32(2000000000)
	for i := NFRegCount - 1; i >= 0; i-- {
		badness := e.live.fat[i].touched
		if e.live.fat[i].nholds == 0 {
			badness = 0
		}
		if e.live.fat[i].locked == 0 && badness < when {
			bestreg = i
			when = badness
			if e.live.fat[i].nholds == 0 {
				break
			}
		}
	}
	if bestreg == -1 {
		panic("jit: no allocatable host FP register")
	}

	if e.live.fat[bestreg].nholds > 0 {
		e.fFreeNreg(bestreg)
	}
	if e.live.fIsInReg(r) {
		e.fEvict(r)
	}

	if !willclobber {
		if e.live.fate[r].status != statUndef {
			e.emit.FMovRegMem(bestreg, e.live.fate[r].home)
		}
		e.live.fate[r].status = statClean
	} else {
		e.live.fate[r].status = statDirty
	}
	e.live.fate[r].realreg = int8(bestreg)
	e.live.fate[r].realind = int8(e.live.fat[bestreg].nholds)
	e.live.fat[bestreg].touched = e.live.touchCnt
	e.live.touchCnt++
	e.live.fat[bestreg].holds[e.live.fat[bestreg].nholds] = int16(r)
	e.live.fat[bestreg].nholds++

	return bestreg
}

func (e *Engine) fUnlock(rr int) {
	if e.live.fat[rr].locked == 0 {
		panic(fmt.Sprintf("jit: unlock of unlocked freg %d", rr))
	}
	e.live.fat[rr].locked--
}

func (e *Engine) fSetlock(rr int) {
	e.live.fat[rr].locked++
}

func (e *Engine) fReadreg(r int) int {
	answer := -1
	if e.live.fIsInReg(r) {
		answer = int(e.live.fate[r].realreg)
	}
	if answer < 0 {
		answer = e.fAllocReg(r, false)
	}
	e.live.fat[answer].locked++
	e.live.fat[answer].touched = e.live.touchCnt
	e.live.touchCnt++
	return answer
}

func (e *Engine) fMakeExclusive(r int, clobber bool) {
	if !e.live.fIsInReg(r) {
		return
	}
	rr := int(e.live.fate[r].realreg)
	if e.live.fat[rr].nholds == 1 {
		return
	}
	ndirt := 0
	for i := 0; i < e.live.fat[rr].nholds; i++ {
		vr := int(e.live.fat[rr].holds[i])
		if vr != r && e.live.fate[vr].status == statDirty {
			ndirt++
		}
	}
	if ndirt == 0 && e.live.fat[rr].locked == 0 {
		for i := 0; i < e.live.fat[rr].nholds; i++ {
			vr := int(e.live.fat[rr].holds[i])
			if vr != r {
				e.fEvict(vr)
				i--
			}
		}
		if e.live.fat[rr].nholds != 1 {
			panic(fmt.Sprintf("jit: freg %d holds %d vregs, %d not exclusive",
				rr, e.live.fat[rr].nholds, r))
		}
		return
	}

	oldstate := e.live.fate[r]
	e.fSetlock(rr)
	e.fDisassociate(r)
	nr := e.fAllocReg(r, true)
	nind := e.live.fate[r].realind
	if !clobber {
		e.emit.FMovRegReg(nr, rr)
	}
	e.live.fate[r] = oldstate
	e.live.fate[r].realreg = int8(nr)
	e.live.fate[r].realind = nind
	e.fUnlock(rr)
}

func (e *Engine) fWritereg(r int) int {
	e.fMakeExclusive(r, true)
	answer := -1
	if e.live.fIsInReg(r) {
		answer = int(e.live.fate[r].realreg)
	}
	if answer < 0 {
		answer = e.fAllocReg(r, true)
	}
	e.live.fate[r].status = statDirty
	e.live.fat[answer].locked++
	e.live.fat[answer].touched = e.live.touchCnt
	e.live.touchCnt++
	return answer
}

func (e *Engine) fRmw(r int) int {
	e.fMakeExclusive(r, false)
	var n int
	if e.live.fIsInReg(r) {
		n = int(e.live.fate[r].realreg)
	} else {
		n = e.fAllocReg(r, false)
	}
	e.live.fate[r].status = statDirty
	e.live.fat[n].locked++
	e.live.fat[n].touched = e.live.touchCnt
	e.live.touchCnt++
	return n
}

func (e *Engine) fForgetAbout(r int) {
	if e.live.fIsInReg(r) {
		e.fIsclean(r)
		e.fEvict(r)
	}
	e.live.fate[r].status = statUndef
}
