package jit

import "github.com/j68lab/j68/insts"

// Per-opcode compile functions, in flag-producing and no-flags variants.
// The driver picks the no-flags variant when the liveness pass proved
// every flag this opcode sets dead. Functions may set e.failure before
// emitting anything to punt the instruction to the interpreter fallback.

// compileTable returns the flag-producing compile function for an opcode.
func compileTable(op uint16, ent *insts.Entry) compileFunc {
	switch ent.Mnemo {
	case insts.NOP:
		return compNop
	case insts.MOVEQ:
		return compMoveqFF
	case insts.MOVEA:
		return compMoveaImm
	case insts.MOVE:
		return compMove(true, ent.Size)
	case insts.ADD:
		return compAddFF(int(ent.Size))
	case insts.ADDQ:
		return compAddqFF
	case insts.SUB:
		return compSubFF
	case insts.CMP:
		return compCmp
	case insts.TST:
		return compTst
	case insts.DBCC:
		return compDBcc
	case insts.BCC:
		return compBcc
	case insts.RTS:
		return compRts
	}
	return nil
}

// compileTableNF returns the no-flags variant, or nil when none exists.
func compileTableNF(op uint16, ent *insts.Entry) compileFunc {
	switch ent.Mnemo {
	case insts.NOP:
		return compNop
	case insts.MOVEQ:
		return compMoveqNF
	case insts.MOVEA:
		return compMoveaImm
	case insts.MOVE:
		return compMove(false, ent.Size)
	case insts.ADD:
		return compAddNF(int(ent.Size))
	case insts.ADDQ:
		return compAddqNF
	case insts.DBCC:
		return compDBcc
	case insts.BCC:
		return compBcc
	case insts.RTS:
		return compRts
	}
	return nil
}

func compNop(e *Engine, op uint16) {
	e.live.pcOffset += 2
}

func compMoveqFF(e *Engine, op uint16) {
	v := uint32(int32(int8(op)))
	d := e.writereg(insts.RegX(op), 4)
	e.emit.MovRegImm(d, v)
	e.emit.Test(4, d)
	e.unlock(d)
	e.genFlagsUpdated()
	e.live.pcOffset += 2
}

func compMoveqNF(e *Engine, op uint16) {
	// Nobody wants the flags, so the value can stay a compile-time
	// constant until someone reads it.
	e.setConst(insts.RegX(op), uint32(int32(int8(op))))
	e.live.pcOffset += 2
}

func compMoveaImm(e *Engine, op uint16) {
	v := e.compGetILong(e.live.pcOffset + 2)
	e.setConst(8+insts.RegX(op), v)
	e.live.pcOffset += 6
}

// compMove handles the supported MOVE mode pairs: data registers,
// (An) indirection, and immediate sources.
func compMove(flags bool, size insts.Size) compileFunc {
	sz := int(size)
	return func(e *Engine, op uint16) {
		srcMode := insts.ModeY(op)
		dstMode := insts.ModeX(op)
		length := uint32(2)

		// Source into a value-carrying virtual register.
		var val int
		switch srcMode {
		case 0:
			val = insts.RegY(op)
		case 2:
			val = RegS2
			e.readmem(8+insts.RegY(op), val, sz, RegS1)
		case 7:
			var imm uint32
			if sz == 1 {
				imm = uint32(e.compGetIWord(e.live.pcOffset+2) & 0xFF)
				length += 2
			} else {
				imm = e.compGetILong(e.live.pcOffset + 2)
				length += 4
			}
			val = RegS2
			e.setConst(val, imm)
		}

		switch dstMode {
		case 0:
			x := insts.RegX(op)
			if val != x {
				s := e.readreg(val, sz)
				d := e.writereg(x, sz)
				e.emit.MovRegRegSized(sz, d, s)
				e.unlock(s)
				e.unlock(d)
			}
			if flags {
				r := e.readreg(x, sz)
				e.emit.Test(sz, r)
				e.unlock(r)
				e.genFlagsUpdated()
			}
		case 2:
			if flags {
				r := e.readreg(val, sz)
				e.emit.Test(sz, r)
				e.unlock(r)
				e.genFlagsUpdated()
			}
			e.writemem(8+insts.RegX(op), val, sz, RegS1, false)
		}
		e.live.pcOffset += length
	}
}

func compAddFF(sz int) compileFunc {
	return func(e *Engine, op uint16) {
		s := e.readreg(insts.RegY(op), sz)
		d := e.rmw(insts.RegX(op), sz, sz)
		e.emit.Alu(AluAdd, sz, d, s)
		e.unlock(s)
		e.unlock(d)
		e.genFlagsUpdated()
		if e.neededFlags&insts.FlagX != 0 {
			e.dupX()
		}
		e.live.pcOffset += 2
	}
}

func compAddNF(sz int) compileFunc {
	return func(e *Engine, op uint16) {
		if sz != 4 {
			e.clobberFlags()
			s := e.readreg(insts.RegY(op), sz)
			d := e.rmw(insts.RegX(op), sz, sz)
			e.emit.Alu(AluAdd, sz, d, s)
			e.unlock(s)
			e.unlock(d)
			e.live.pcOffset += 2
			return
		}
		s := e.readreg(insts.RegY(op), 4)
		d := e.rmw(insts.RegX(op), 4, 4)
		e.emit.LeaIndexed(d, d, s, 0, 0)
		e.unlock(s)
		e.unlock(d)
		e.live.pcOffset += 2
	}
}

func addqImm(op uint16) uint32 {
	q := uint32(insts.RegX(op))
	if q == 0 {
		q = 8
	}
	return q
}

func compAddqFF(e *Engine, op uint16) {
	d := e.rmw(insts.RegY(op), 4, 4)
	e.emit.AluImm(AluAdd, 4, d, addqImm(op))
	e.unlock(d)
	e.genFlagsUpdated()
	if e.neededFlags&insts.FlagX != 0 {
		e.dupX()
	}
	e.live.pcOffset += 2
}

func compAddqNF(e *Engine, op uint16) {
	e.addImmNoFlags(insts.RegY(op), addqImm(op))
	e.live.pcOffset += 2
}

// addImmNoFlags folds an immediate add without disturbing the host
// flags, deferring it as an offset wherever the invariants allow.
func (e *Engine) addImmNoFlags(r int, v uint32) {
	switch {
	case e.live.isConst(r):
		e.live.state[r].val += v
	case !e.live.isInReg(r) || e.live.state[r].validSize == 4:
		e.addOffset(r, v)
	default:
		d := e.rmw(r, 4, 4)
		e.emit.Lea(d, d, int32(v))
		e.unlock(d)
	}
}

func compSubFF(e *Engine, op uint16) {
	s := e.readreg(insts.RegY(op), 4)
	d := e.rmw(insts.RegX(op), 4, 4)
	e.emit.Alu(AluSub, 4, d, s)
	e.unlock(s)
	e.unlock(d)
	e.genFlagsUpdated()
	if e.neededFlags&insts.FlagX != 0 {
		e.dupX()
	}
	e.live.pcOffset += 2
}

func compCmp(e *Engine, op uint16) {
	s := e.readreg(insts.RegY(op), 4)
	d := e.readreg(insts.RegX(op), 4)
	e.emit.Alu(AluCmp, 4, d, s)
	e.unlock(s)
	e.unlock(d)
	e.genFlagsUpdated()
	e.live.pcOffset += 2
}

func compTst(e *Engine, op uint16) {
	r := e.readreg(insts.RegY(op), 4)
	e.emit.Test(4, r)
	e.unlock(r)
	e.genFlagsUpdated()
	e.live.pcOffset += 2
}

// compDBcc compiles the decrement-and-branch loop primitive for the
// always-false condition (the plain loop form). Other conditions fall
// back to the interpreter.
func compDBcc(e *Engine, op uint16) {
	if insts.BranchCond(op) != insts.CondF {
		e.failure = true
		return
	}
	base := e.live.compPC + e.live.pcOffset
	disp := int32(int16(e.compGetIWord(e.live.pcOffset + 2)))
	taken := uint32(int32(base) + 2 + disp)
	notTaken := base + 4

	e.clobberFlags()
	d := e.rmw(insts.RegY(op), 2, 2)
	e.emit.AluImm(AluSub, 2, d, 1)
	e.emit.AluImm(AluCmp, 2, d, 0xFFFF)
	e.unlock(d)
	e.live.pcOffset += 4

	// Loop continues while the counter has not wrapped past zero.
	e.registerBranch(notTaken, taken, insts.CondNE)
}

func compBcc(e *Engine, op uint16) {
	base := e.live.compPC + e.live.pcOffset
	disp := int32(int8(op))
	length := uint32(2)
	if disp == 0 {
		disp = int32(int16(e.compGetIWord(e.live.pcOffset + 2)))
		length = 4
	}
	taken := uint32(int32(base) + 2 + disp)
	cond := insts.BranchCond(op)

	if cond == insts.CondT {
		// Unconditional: the ending PC becomes a compile-time constant.
		if !e.cfg.ConstJump {
			e.failure = true
			return
		}
		e.live.pcOffset = 0
		e.setConst(RegPC, taken)
		return
	}

	e.makeFlagsLive()
	e.live.pcOffset += length
	e.registerBranch(base+length, taken, cond)
}

func compRts(e *Engine, op uint16) {
	e.readlong(guestA7, RegPC, RegS1)
	e.addImmNoFlags(guestA7, 4)
	e.live.pcOffset = 0
}

// guestA7 is the virtual register shadowing the guest stack pointer.
const guestA7 = 15
