package jit

import "github.com/j68lab/j68/guest"

// Guest load/store emission. Each access width has two shapes: the real
// path, an inline access against the direct-mapped image with byte swaps
// at the boundary, and the bank-dispatch path, which shifts the guest
// address right by 16, indexes the bank table and calls the per-size
// handler. Trust configuration and the per-instruction special-memory
// hint pick the shape.

// readmemReal assumes the access really hits direct-mapped memory, with
// no second chances.
func (e *Engine) readmemReal(address, dest, size, tmp int) {
	if address == dest {
		a := e.rmw(dest, 4, 4)
		e.emit.LoadDirect(size, a, a)
		e.swapAfterLoad(size, a)
		e.unlock(a)
		e.forgetAbout(tmp)
		return
	}
	a := e.readreg(address, 4)
	d := e.writereg(dest, size)
	e.emit.LoadDirect(size, d, a)
	e.swapAfterLoad(size, d)
	e.unlock(a)
	e.unlock(d)
	e.forgetAbout(tmp)
}

func (e *Engine) swapAfterLoad(size, r int) {
	switch size {
	case 2:
		e.emit.BSwap16(r)
	case 4:
		e.emit.BSwap32(r)
	}
}

// readmemBank dispatches the read through the bank table.
func (e *Engine) readmemBank(address, dest, size, tmp int) {
	e.clobberFlags()
	e.prepareForCall1()

	a := e.readreg(address, 4)
	f := e.writereg(tmp, 4)
	e.emit.MovRegReg(f, a)
	e.emit.Shift(ShiftRightLogical, f, 16)
	aHost, fHost := a, f
	e.unlock(a)
	e.unlock(f)
	e.prepareForCall2()

	d := e.writereg(dest, 4)
	e.emit.CallBankRead(size, d, aHost, fHost)
	e.unlock(d)
	e.forgetAbout(tmp)
}

func (e *Engine) readmem(address, dest, size, tmp int) {
	if (e.specialMem&guest.SpecialRead) != 0 || e.cfg.trustFor(size) == TrustIndirect || !e.mem.CanBang {
		e.readmemBank(address, dest, size, tmp)
	} else {
		e.readmemReal(address, dest, size, tmp)
	}
}

// readbyte, readword and readlong are the per-size entry points the
// compile functions use.
func (e *Engine) readbyte(address, dest, tmp int) { e.readmem(address, dest, 1, tmp) }
func (e *Engine) readword(address, dest, tmp int) { e.readmem(address, dest, 2, tmp) }
func (e *Engine) readlong(address, dest, tmp int) { e.readmem(address, dest, 4, tmp) }

// writememReal assumes the access really hits direct-mapped memory.
func (e *Engine) writememReal(address, source, size, tmp int, clobber bool) {
	a := e.readreg(address, 4)
	switch {
	case size == 1:
		s := e.readreg(source, 1)
		e.emit.StoreDirect(1, a, s)
		e.unlock(s)
	case clobber:
		// The caller is done with the value: swap it in place.
		s := e.rmw(source, size, size)
		e.swapAfterLoad(size, s)
		e.emit.StoreDirect(size, a, s)
		e.unlock(s)
		e.unlock(a)
		e.forgetAbout(source)
		e.forgetAbout(tmp)
		return
	default:
		s := e.readreg(source, size)
		f := e.writereg(tmp, 4)
		e.emit.MovRegReg(f, s)
		e.swapAfterLoad(size, f)
		e.emit.StoreDirect(size, a, f)
		e.unlock(s)
		e.unlock(f)
	}
	e.unlock(a)
	e.forgetAbout(tmp)
}

// writememBank dispatches the write through the bank table.
func (e *Engine) writememBank(address, source, size, tmp int) {
	e.clobberFlags()
	e.prepareForCall1()

	a := e.readreg(address, 4)
	s := e.readreg(source, 4)
	f := e.writereg(tmp, 4)
	e.emit.MovRegReg(f, a)
	e.emit.Shift(ShiftRightLogical, f, 16)
	aHost, sHost, fHost := a, s, f
	e.unlock(a)
	e.unlock(s)
	e.unlock(f)
	e.prepareForCall2()

	e.emit.CallBankWrite(size, aHost, sHost, fHost)
	e.forgetAbout(tmp)
}

func (e *Engine) writemem(address, source, size, tmp int, clobber bool) {
	if (e.specialMem&guest.SpecialWrite) != 0 || e.cfg.trustFor(size) == TrustIndirect || !e.mem.CanBang {
		e.writememBank(address, source, size, tmp)
	} else {
		e.writememReal(address, source, size, tmp, clobber)
	}
}

func (e *Engine) writebyte(address, source, tmp int) { e.writemem(address, source, 1, tmp, false) }
func (e *Engine) writeword(address, source, tmp int) { e.writemem(address, source, 2, tmp, false) }
func (e *Engine) writelong(address, source, tmp int) { e.writemem(address, source, 4, tmp, false) }

func (e *Engine) writewordClobber(address, source, tmp int) {
	e.writemem(address, source, 2, tmp, true)
}

func (e *Engine) writelongClobber(address, source, tmp int) {
	e.writemem(address, source, 4, tmp, true)
}

// getNAddr materializes the host-usable form of a guest address. Guest
// addresses and direct-map offsets coincide here, so both trust shapes
// reduce to a register copy; the distinction stays for the trust plumbing.
func (e *Engine) getNAddr(address, dest, tmp int) {
	if address == dest {
		e.forgetAbout(tmp)
		return
	}
	a := e.readreg(address, 4)
	d := e.writereg(dest, 4)
	e.emit.MovRegReg(d, a)
	e.unlock(a)
	e.unlock(d)
	e.forgetAbout(tmp)
}

// compGetIWord reads an instruction-stream word at the given decode
// offset past the current instruction start.
func (e *Engine) compGetIWord(off uint32) uint16 {
	return e.mem.InstWord(e.live.compPC + off)
}

// compGetILong reads an instruction-stream long at the given offset.
func (e *Engine) compGetILong(off uint32) uint32 {
	return e.mem.InstLong(e.live.compPC + off)
}

// calcDispEA020 emits the effective-address computation for a 68020
// extension word: base displacement, scaled index, optional memory
// indirection, outer displacement, and the suppress-base/suppress-index
// bits. The memory indirection always reads through the bank dispatcher,
// whatever the configured long-access trust.
func (e *Engine) calcDispEA020(base int, dp uint32, target, tmp int) {
	reg := int(dp>>12) & 15
	regdShift := uint8(dp>>9) & 3

	e.clobberFlags()

	if dp&0x100 != 0 {
		ignoreBase := dp&0x80 != 0
		ignoreReg := dp&0x40 != 0
		var addbase, outer uint32

		switch dp & 0x30 {
		case 0x20:
			addbase = uint32(int32(int16(e.compGetIWord(e.live.pcOffset))))
			e.live.pcOffset += 2
		case 0x30:
			addbase = e.compGetILong(e.live.pcOffset)
			e.live.pcOffset += 4
		}
		switch dp & 0x3 {
		case 0x2:
			outer = uint32(int32(int16(e.compGetIWord(e.live.pcOffset))))
			e.live.pcOffset += 2
		case 0x3:
			outer = e.compGetILong(e.live.pcOffset)
			e.live.pcOffset += 4
		}

		if dp&0x4 == 0 { // index applies before the indirection
			if !ignoreReg {
				e.emitIndex(target, reg, dp, regdShift)
			} else {
				d := e.writereg(target, 4)
				e.emit.MovRegImm(d, 0)
				e.unlock(d)
			}
			if !ignoreBase {
				e.addRegReg(target, base)
			}
			e.addRegImm(target, addbase)
			if dp&0x3 != 0 {
				e.readmemBank(target, target, 4, tmp)
			}
		} else { // indirection first, index added afterwards
			if !ignoreBase {
				d := e.writereg(target, 4)
				s := e.readreg(base, 4)
				e.emit.MovRegReg(d, s)
				e.unlock(s)
				e.unlock(d)
				e.addRegImm(target, addbase)
			} else {
				d := e.writereg(target, 4)
				e.emit.MovRegImm(d, addbase)
				e.unlock(d)
			}
			if dp&0x3 != 0 {
				e.readmemBank(target, target, 4, tmp)
			}
			if !ignoreReg {
				e.emitIndex(tmp, reg, dp, regdShift)
				e.addRegReg(target, tmp)
			}
		}
		e.addRegImm(target, outer)
	} else { // brief extension word, 68000 form
		disp := int32(int8(dp))
		if dp&0x800 == 0 { // word-sized index, sign extended
			d := e.writereg(target, 4)
			s := e.readreg(reg, 2)
			e.emit.SignExtend(2, d, s)
			e.unlock(s)
			e.unlock(d)
			t := e.rmw(target, 4, 4)
			b := e.readreg(base, 4)
			e.emit.LeaIndexed(t, b, t, regdShift, disp)
			e.unlock(b)
			e.unlock(t)
		} else {
			d := e.writereg(target, 4)
			b := e.readreg(base, 4)
			x := e.readreg(reg, 4)
			e.emit.LeaIndexed(d, b, x, regdShift, disp)
			e.unlock(x)
			e.unlock(b)
			e.unlock(d)
		}
	}
	e.forgetAbout(tmp)
}

// emitIndex materializes the scaled index register into target.
func (e *Engine) emitIndex(target, reg int, dp uint32, shift uint8) {
	if dp&0x800 == 0 {
		d := e.writereg(target, 4)
		s := e.readreg(reg, 2)
		e.emit.SignExtend(2, d, s)
		e.unlock(s)
		e.unlock(d)
	} else {
		d := e.writereg(target, 4)
		s := e.readreg(reg, 4)
		e.emit.MovRegReg(d, s)
		e.unlock(s)
		e.unlock(d)
	}
	if shift != 0 {
		t := e.rmw(target, 4, 4)
		e.emit.Shift(ShiftLeft, t, shift)
		e.unlock(t)
	}
}

// addRegReg adds vreg s into vreg d without flag effects.
func (e *Engine) addRegReg(d, s int) {
	dd := e.rmw(d, 4, 4)
	ss := e.readreg(s, 4)
	e.emit.LeaIndexed(dd, dd, ss, 0, 0)
	e.unlock(ss)
	e.unlock(dd)
}

// addRegImm adds an immediate into vreg d without flag effects.
func (e *Engine) addRegImm(d int, imm uint32) {
	if imm == 0 {
		return
	}
	dd := e.rmw(d, 4, 4)
	e.emit.Lea(dd, dd, int32(imm))
	e.unlock(dd)
}
