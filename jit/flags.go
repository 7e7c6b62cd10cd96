package jit

// Guest flag tracking. The flags can live in the host's condition flags
// (because the last emitted operation produced exactly the right ones), in
// the FLAGTMP spill slot, or nowhere after a clobbering sequence. The
// spill packs C/V/Z/N in the guest CCR layout, so a single register load
// plus a flag transfer restores the host flags identically. X travels
// separately in its own virtual register: most guest operations leave it
// alone while overwriting the rest.

// Host registers the flag transfer sequences are pinned to.
const (
	flagNreg1 = 0 // flags-to-spill transfer
	flagNreg2 = 1 // spill-to-flags transfer
)

// makeFlagsLive gets the guest flags into the host flags. Valid host
// flags are kept; a valid spill is reloaded; anything else is a
// programming error.
func (e *Engine) makeFlagsLive() {
	if e.live.flagsInFlags == flagsValid {
		return
	}
	if e.live.flagsOnStack == flagsTrash {
		panic("jit: want flags, but spill slot holds trash")
	}
	if e.live.flagsOnStack == flagsValid {
		tmp := e.readregSpecific(RegFlagTmp, 4, flagNreg2)
		e.emit.RegToFlags(tmp)
		e.unlock(tmp)
		e.live.flagsInFlags = flagsValid
		return
	}
	panic("jit: no valid flag source to make live")
}

// flagsToStack spills the host flags into FLAGTMP. Inside a dont-care
// window the spill is skipped and the slot simply declared valid.
func (e *Engine) flagsToStack() {
	if e.live.flagsOnStack == flagsValid {
		return
	}
	if !e.live.flagsAreImportant {
		e.live.flagsOnStack = flagsValid
		return
	}
	if e.live.flagsInFlags != flagsValid {
		panic("jit: flags neither in flags nor on stack")
	}
	tmp := e.writeregSpecific(RegFlagTmp, 4, flagNreg1)
	e.emit.FlagsToReg(tmp)
	e.unlock(tmp)
	e.live.flagsOnStack = flagsValid
}

// clobberFlags must run before any emission that trashes the host flags
// without representing a guest flag update.
func (e *Engine) clobberFlags() {
	if e.live.flagsInFlags == flagsValid && e.live.flagsOnStack != flagsValid {
		e.flagsToStack()
	}
	e.live.flagsInFlags = flagsTrash
}

// flushFlags forces the flags to the spill slot before leaving compiled
// code.
func (e *Engine) flushFlags() {
	e.flagsToStack()
}

// liveFlags re-arms flag tracking after a dont-care window.
func (e *Engine) liveFlags() {
	e.live.flagsAreImportant = true
}

// dontCareFlags opens a window in which flag state may be discarded: the
// liveness pass proved every flag dead before its next use.
func (e *Engine) dontCareFlags() {
	e.live.flagsAreImportant = false
}

// genFlagsUpdated is called by compile functions right after emitting an
// operation whose host flags are exactly the guest flags.
func (e *Engine) genFlagsUpdated() {
	e.live.flagsInFlags = flagsValid
	e.live.flagsOnStack = flagsTrash
}

// dupX copies the carry produced by the last flag-setting emission into
// the X carrier. Callers only do this when the guest operation updates X.
func (e *Engine) dupX() {
	// The spill layout equals the CCR, so X is carry shifted into place.
	e.makeFlagsLive()
	e.flagsToStack()
	s := e.readreg(RegFlagTmp, 4)
	d := e.writereg(RegFlagX, 4)
	e.emit.MovRegReg(d, s)
	e.emit.AluImm(AluAnd, 4, d, 1)
	e.emit.Shift(ShiftLeft, d, 4)
	e.unlock(s)
	e.unlock(d)
	// The AND and shift trashed the host flags; the spill stays valid.
	e.live.flagsInFlags = flagsTrash
}
