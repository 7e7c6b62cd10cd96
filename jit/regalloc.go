package jit

import "fmt"

// Integer register allocation. Virtual registers move between their home
// slots, host registers, and constant form; the allocator tracks how many
// low-order bytes of a host register are current (validSize) and how many
// must be written back (dirtySize), carries deferred additive offsets in
// val, and evicts by least-recent touch. All consistency failures here are
// programming errors and panic.

func (e *Engine) setStatus(r int, status vstatus) {
	e.live.state[r].status = status
}

// adjustNreg folds a deferred offset into the host register itself.
func (e *Engine) adjustNreg(rr int, val uint32) {
	if val == 0 {
		return
	}
	e.emit.Lea(rr, rr, int32(val))
}

// tomem writes a dirty register back to its home slot, first collapsing
// any deferred offset when this register is the sole holder.
func (e *Engine) tomem(r int) {
	st := &e.live.state[r]
	rr := int(st.realreg)

	if e.live.isInReg(r) {
		if st.val != 0 && e.live.nat[rr].nholds == 1 && e.live.nat[rr].locked == 0 {
			e.adjustNreg(rr, st.val)
			st.val = 0
			st.dirtySize = 4
			e.setStatus(r, statDirty)
		}
	}

	if st.status == statDirty {
		switch st.dirtySize {
		case 1, 2, 4:
			e.emit.MovMemReg(int(st.dirtySize), st.home, rr)
		default:
			panic(fmt.Sprintf("jit: bad dirtysize %d for vreg %d", st.dirtySize, r))
		}
		e.setStatus(r, statClean)
		st.dirtySize = 0
	}
}

// writebackConst stores a constant-form register to its home slot.
func (e *Engine) writebackConst(r int) {
	if !e.live.isConst(r) {
		return
	}
	st := &e.live.state[r]
	if st.needflush == nfHandler {
		panic(fmt.Sprintf("jit: writing back constant handler vreg %d", r))
	}
	e.emit.MovMemImm(st.home, st.val)
	st.val = 0
	e.setStatus(r, statInMem)
}

func (e *Engine) tomemC(r int) {
	if e.live.isConst(r) {
		e.writebackConst(r)
	} else {
		e.tomem(r)
	}
}

// evict pushes a register out of its host register, writing back first.
func (e *Engine) evict(r int) {
	if !e.live.isInReg(r) {
		return
	}
	e.tomem(r)
	st := &e.live.state[r]
	rr := int(st.realreg)

	if e.live.nat[rr].locked != 0 && e.live.nat[rr].nholds == 1 {
		panic(fmt.Sprintf("jit: evicting vreg %d from locked nreg %d", r, rr))
	}

	nat := &e.live.nat[rr]
	nat.nholds--
	if nat.nholds != int(st.realind) { // was not last in the holder list
		topreg := int(nat.holds[nat.nholds])
		thisind := int(st.realind)
		nat.holds[thisind] = int16(topreg)
		e.live.state[topreg].realind = int8(thisind)
	}
	st.realreg = -1
	e.setStatus(r, statInMem)
}

// freeNreg evicts every holder of a host register.
func (e *Engine) freeNreg(rr int) {
	nat := &e.live.nat[rr]
	for i := nat.nholds; i > 0; i-- {
		e.evict(int(nat.holds[i-1]))
	}
	if nat.nholds != 0 {
		panic(fmt.Sprintf("jit: failed to free nreg %d, nholds is %d", rr, nat.nholds))
	}
}

// isclean forgets dirtiness without writing anything back. Use with care.
func (e *Engine) isclean(r int) {
	if !e.live.isInReg(r) {
		return
	}
	st := &e.live.state[r]
	st.validSize = 4
	st.dirtySize = 0
	st.val = 0
	e.setStatus(r, statClean)
}

func (e *Engine) disassociate(r int) {
	e.isclean(r)
	e.evict(r)
}

// setConst puts a register into constant form; any host register copy is
// dropped.
func (e *Engine) setConst(r int, val uint32) {
	e.disassociate(r)
	e.live.state[r].val = val
	e.setStatus(r, statConst)
}

// getOffset returns the deferred offset (or constant) of r.
func (e *Engine) getOffset(r int) uint32 {
	return e.live.state[r].val
}

// getConst returns r's constant value; r must be in constant form.
func (e *Engine) getConst(r int) uint32 {
	if !e.live.isConst(r) {
		panic(fmt.Sprintf("jit: vreg %d should be constant, but isn't", r))
	}
	return e.live.state[r].val
}

// allocRegHinted picks a host register for r, evicting the least recently
// touched unlocked candidate, honoring size capability and the hint. When
// willclobber is false the current value is materialized.
func (e *Engine) allocRegHinted(r, size int, willclobber bool, hint int) int {
	bestreg := -1
	when := int32(2000000000)

	for i := NRegCount - 1; i >= 0; i-- {
		badness := e.live.nat[i].touched
		if e.live.nat[i].nholds == 0 {
			badness = 0
		}
		if i == hint {
			badness -= 200000000
		}
		if e.live.nat[i].locked == 0 && badness < when {
			if (size == 1 && e.live.nat[i].canByte) ||
				(size == 2 && e.live.nat[i].canWord) ||
				size == 4 {
				bestreg = i
				when = badness
				if e.live.nat[i].nholds == 0 && hint < 0 {
					break
				}
				if i == hint {
					break
				}
			}
		}
	}
	if bestreg == -1 {
		panic("jit: no allocatable host register")
	}

	if e.live.nat[bestreg].nholds > 0 {
		e.freeNreg(bestreg)
	}

	st := &e.live.state[r]
	if e.live.isInReg(r) {
		rr := int(st.realreg)
		// Happens when reading a partially valid register at a bigger
		// size.
		if willclobber || int(st.validSize) >= size {
			panic(fmt.Sprintf("jit: unexpected reallocation of vreg %d", r))
		}
		if e.live.nat[rr].nholds != 1 {
			panic(fmt.Sprintf("jit: partial vreg %d shared in nreg %d", r, rr))
		}
		if size == 4 && st.validSize == 2 {
			// Merge the stale high half from memory with the live low
			// half: reverse, mask, reverse puts the memory value's high
			// bytes alone in bestreg, then a lea adds them in.
			e.emit.MovRegMem(4, bestreg, st.home)
			e.emit.BSwap32(bestreg)
			e.emit.ZeroExtend(2, rr, rr)
			e.emit.ZeroExtend(2, bestreg, bestreg)
			e.emit.BSwap32(bestreg)
			e.emit.LeaIndexed(rr, rr, bestreg, 0, 0)
			st.validSize = 4
			e.live.nat[rr].touched = e.live.touchCnt
			e.live.touchCnt++
			return rr
		}
		e.evict(r)
	}

	if !willclobber {
		if st.status != statUndef {
			if e.live.isConst(r) {
				e.emit.MovRegImm(bestreg, st.val)
				st.val = 0
				st.dirtySize = 4
				e.setStatus(r, statDirty)
			} else {
				e.emit.MovRegMem(4, bestreg, st.home)
				st.dirtySize = 0
				e.setStatus(r, statClean)
			}
		} else {
			st.val = 0
			st.dirtySize = 0
			e.setStatus(r, statClean)
		}
		st.validSize = 4
	} else {
		if !e.live.isConst(r) || size == 4 {
			st.validSize = uint8(size)
			st.dirtySize = uint8(size)
			st.val = 0
			e.setStatus(r, statDirty)
		} else {
			if st.status != statUndef {
				e.emit.MovRegImm(bestreg, st.val)
			}
			st.val = 0
			st.validSize = 4
			st.dirtySize = 4
			e.setStatus(r, statDirty)
		}
	}
	st.realreg = int8(bestreg)
	st.realind = int8(e.live.nat[bestreg].nholds)
	e.live.nat[bestreg].touched = e.live.touchCnt
	e.live.touchCnt++
	e.live.nat[bestreg].holds[e.live.nat[bestreg].nholds] = int16(r)
	e.live.nat[bestreg].nholds++

	return bestreg
}

func (e *Engine) allocReg(r, size int, willclobber bool) int {
	return e.allocRegHinted(r, size, willclobber, -1)
}

func (e *Engine) unlock(rr int) {
	if e.live.nat[rr].locked == 0 {
		panic(fmt.Sprintf("jit: unlock of unlocked nreg %d", rr))
	}
	e.live.nat[rr].locked--
}

func (e *Engine) setlock(rr int) {
	e.live.nat[rr].locked++
}

// movNregs moves a whole holder list from host register s to d.
func (e *Engine) movNregs(d, s int) {
	if s == d {
		return
	}
	if e.live.nat[d].nholds > 0 {
		e.freeNreg(d)
	}
	e.emit.MovRegReg(d, s)
	for i := 0; i < e.live.nat[s].nholds; i++ {
		vs := int(e.live.nat[s].holds[i])
		e.live.state[vs].realreg = int8(d)
		e.live.state[vs].realind = int8(i)
		e.live.nat[d].holds[i] = int16(vs)
	}
	e.live.nat[d].nholds = e.live.nat[s].nholds
	e.live.nat[s].nholds = 0
}

// makeExclusive ensures r is the sole holder of its host register before a
// write. Clean co-holders are evicted in place; otherwise r is copied out
// into a fresh register.
func (e *Engine) makeExclusive(r, size, spec int) {
	if !e.live.isInReg(r) {
		return
	}
	rr := int(e.live.state[r].realreg)
	if e.live.nat[rr].nholds == 1 {
		return
	}

	ndirt := 0
	for i := 0; i < e.live.nat[rr].nholds; i++ {
		vr := int(e.live.nat[rr].holds[i])
		if vr != r && (e.live.state[vr].status == statDirty || e.live.state[vr].val != 0) {
			ndirt++
		}
	}
	if ndirt == 0 && size < int(e.live.state[r].validSize) && e.live.nat[rr].locked == 0 {
		// Everything else is clean, so keep this register.
		for i := 0; i < e.live.nat[rr].nholds; i++ {
			vr := int(e.live.nat[rr].holds[i])
			if vr != r {
				e.evict(vr)
				i-- // the list was compacted; try that index again
			}
		}
		if e.live.nat[rr].nholds != 1 {
			panic(fmt.Sprintf("jit: nreg %d still holds %d vregs, %d not exclusive",
				rr, e.live.nat[rr].nholds, r))
		}
		return
	}

	// Split the register.
	oldstate := e.live.state[r]
	e.setlock(rr)
	e.disassociate(r)
	var nr int
	if oldstate.status == statDirty {
		// A sub-long dirty value needs a register that can issue the
		// eventual smaller store.
		nr = e.allocRegHinted(r, int(oldstate.dirtySize), true, spec)
	} else {
		nr = e.allocRegHinted(r, 4, true, spec)
	}
	nind := e.live.state[r].realind
	e.live.state[r] = oldstate
	e.live.state[r].realreg = int8(nr)
	e.live.state[r].realind = nind

	if size < int(e.live.state[r].validSize) {
		if e.live.state[r].val != 0 {
			// Might as well fold the offset while copying.
			e.emit.Lea(nr, rr, int32(oldstate.val))
			e.live.state[r].val = 0
			e.live.state[r].dirtySize = 4
			e.setStatus(r, statDirty)
		} else {
			e.emit.MovRegReg(nr, rr)
		}
	}
	e.unlock(rr)
}

// addOffset records an additive offset without emitting anything.
func (e *Engine) addOffset(r int, off uint32) {
	e.live.state[r].val += off
}

// removeOffset collapses a deferred offset into real code.
func (e *Engine) removeOffset(r, spec int) {
	if e.live.isConst(r) {
		return
	}
	if e.live.state[r].val == 0 {
		return
	}
	if e.live.isInReg(r) && e.live.state[r].validSize < 4 {
		e.evict(r)
	}
	if !e.live.isInReg(r) {
		e.allocRegHinted(r, 4, false, spec)
	}
	if e.live.state[r].validSize != 4 {
		panic(fmt.Sprintf("jit: validsize=%d in removeOffset", e.live.state[r].validSize))
	}
	e.makeExclusive(r, 0, -1)
	if e.live.state[r].val == 0 {
		return // makeExclusive already folded it
	}
	rr := int(e.live.state[r].realreg)
	if e.live.nat[rr].nholds == 1 {
		e.adjustNreg(rr, e.live.state[r].val)
		e.live.state[r].dirtySize = 4
		e.live.state[r].val = 0
		e.setStatus(r, statDirty)
		return
	}
	panic("jit: failed to fold offset")
}

func (e *Engine) removeAllOffsets() {
	for i := 0; i < VRegCount; i++ {
		e.removeOffset(i, -1)
	}
}

func (e *Engine) readregGeneral(r, size, spec int, canOffset bool) int {
	if e.live.state[r].status == statUndef {
		fmt.Fprintf(e.logw, "jit: warning: read of undefined vreg %d\n", r)
	}
	if !canOffset {
		e.removeOffset(r, spec)
	}

	answer := -1
	if e.live.isInReg(r) && int(e.live.state[r].validSize) >= size {
		n := int(e.live.state[r].realreg)
		switch size {
		case 1:
			if e.live.nat[n].canByte || spec >= 0 {
				answer = n
			}
		case 2:
			if e.live.nat[n].canWord || spec >= 0 {
				answer = n
			}
		case 4:
			answer = n
		default:
			panic(fmt.Sprintf("jit: bad read size %d", size))
		}
		if answer < 0 {
			e.evict(r)
		}
	}
	// Either the value was in memory to start with, or it was evicted
	// and is in memory now.
	if answer < 0 {
		want := size
		if spec >= 0 {
			want = 4
		}
		answer = e.allocRegHinted(r, want, false, spec)
	}
	if spec >= 0 && spec != answer {
		e.movNregs(spec, answer)
		answer = spec
	}
	e.live.nat[answer].locked++
	e.live.nat[answer].touched = e.live.touchCnt
	e.live.touchCnt++
	return answer
}

// readreg returns a locked host register holding r valid to size bytes.
func (e *Engine) readreg(r, size int) int {
	return e.readregGeneral(r, size, -1, false)
}

func (e *Engine) readregSpecific(r, size, spec int) int {
	return e.readregGeneral(r, size, spec, false)
}

// readregOffset reads without collapsing a deferred offset; the caller
// folds getOffset into its own addressing.
func (e *Engine) readregOffset(r, size int) int {
	return e.readregGeneral(r, size, -1, true)
}

func (e *Engine) writeregGeneral(r, size, spec int) int {
	st := &e.live.state[r]
	if size < 4 {
		e.removeOffset(r, spec)
	}
	e.makeExclusive(r, size, spec)

	answer := -1
	if e.live.isInReg(r) {
		nvsize := max(size, int(st.validSize))
		ndsize := max(size, int(st.dirtySize))
		n := int(st.realreg)
		if e.live.nat[n].nholds != 1 {
			panic(fmt.Sprintf("jit: nreg %d not exclusive after makeExclusive", n))
		}
		switch size {
		case 1:
			if e.live.nat[n].canByte || spec >= 0 {
				st.dirtySize = uint8(ndsize)
				st.validSize = uint8(nvsize)
				answer = n
			}
		case 2:
			if e.live.nat[n].canWord || spec >= 0 {
				st.dirtySize = uint8(ndsize)
				st.validSize = uint8(nvsize)
				answer = n
			}
		case 4:
			st.dirtySize = uint8(ndsize)
			st.validSize = uint8(nvsize)
			answer = n
		default:
			panic(fmt.Sprintf("jit: bad write size %d", size))
		}
		if answer < 0 {
			e.evict(r)
		}
	}
	if answer < 0 {
		answer = e.allocRegHinted(r, size, true, spec)
	}
	if spec >= 0 && spec != answer {
		e.movNregs(spec, answer)
		answer = spec
	}
	if st.status == statUndef {
		st.validSize = 4
	}
	st.dirtySize = uint8(max(size, int(st.dirtySize)))
	st.validSize = uint8(max(size, int(st.validSize)))

	e.live.nat[answer].locked++
	e.live.nat[answer].touched = e.live.touchCnt
	e.live.touchCnt++
	if size == 4 {
		st.val = 0
	} else if st.val != 0 {
		panic("jit: deferred offset left on sub-long write")
	}
	e.setStatus(r, statDirty)
	return answer
}

// writereg returns a locked host register r is sole holder of, marked
// dirty at size.
func (e *Engine) writereg(r, size int) int {
	return e.writeregGeneral(r, size, -1)
}

func (e *Engine) writeregSpecific(r, size, spec int) int {
	return e.writeregGeneral(r, size, spec)
}

func (e *Engine) rmwGeneral(r, wsize, rsize, spec int) int {
	st := &e.live.state[r]
	if st.status == statUndef {
		fmt.Fprintf(e.logw, "jit: warning: rmw of undefined vreg %d\n", r)
	}
	e.removeOffset(r, spec)
	e.makeExclusive(r, 0, spec)

	if wsize < rsize {
		panic("jit: rmw with wsize < rsize")
	}
	answer := -1
	if e.live.isInReg(r) && int(st.validSize) >= rsize {
		n := int(st.realreg)
		if e.live.nat[n].nholds != 1 {
			panic(fmt.Sprintf("jit: nreg %d not exclusive in rmw", n))
		}
		switch rsize {
		case 1:
			if e.live.nat[n].canByte || spec >= 0 {
				answer = n
			}
		case 2:
			if e.live.nat[n].canWord || spec >= 0 {
				answer = n
			}
		case 4:
			answer = n
		default:
			panic(fmt.Sprintf("jit: bad rmw size %d", rsize))
		}
		if answer < 0 {
			e.evict(r)
		}
	}
	if answer < 0 {
		want := rsize
		if spec >= 0 {
			want = 4
		}
		answer = e.allocRegHinted(r, want, false, spec)
	}
	if spec >= 0 && spec != answer {
		e.movNregs(spec, answer)
		answer = spec
	}
	if wsize > int(st.dirtySize) {
		st.dirtySize = uint8(wsize)
	}
	if wsize > int(st.validSize) {
		st.validSize = uint8(wsize)
	}
	e.setStatus(r, statDirty)

	e.live.nat[answer].locked++
	e.live.nat[answer].touched = e.live.touchCnt
	e.live.touchCnt++

	if st.val != 0 {
		panic("jit: deferred offset left in rmw")
	}
	return answer
}

// rmw reads r at rsize and promotes it to dirty at wsize.
func (e *Engine) rmw(r, wsize, rsize int) int {
	return e.rmwGeneral(r, wsize, rsize, -1)
}

func (e *Engine) rmwSpecific(r, wsize, rsize, spec int) int {
	return e.rmwGeneral(r, wsize, rsize, spec)
}

// forgetAbout discards a register entirely; scratch values die this way.
func (e *Engine) forgetAbout(r int) {
	if e.live.isInReg(r) {
		e.isclean(r)
		e.evict(r)
	}
	e.live.state[r].val = 0
	e.setStatus(r, statUndef)
}
