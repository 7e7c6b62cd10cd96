package jit

import (
	"fmt"

	"github.com/j68lab/j68/insts"
)

// Run drives guest execution until the cycle countdown is exhausted or a
// pending event is raised. Each iteration tail-dispatches through the
// directory: a hit runs compiled code, a miss routes through a trampoline
// into profiling or translation.
func (e *Engine) Run() error {
	for int32(e.regs.Countdown) > 0 && e.regs.SpcFlags == 0 {
		if !e.cacheOn || e.buf == nil {
			if err := e.interpretBlock(); err != nil {
				return err
			}
			continue
		}
		if e.profiler != nil {
			e.profiler.Touch(e.regs.PC)
		}
		reason := e.exec.Execute(e.TagHandler(e.regs.PC))
		if err := e.handleExit(reason); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) handleExit(reason Reason) error {
	switch reason {
	case ReasonReturn:
		return nil
	case ReasonExecuteNormal:
		return e.executeNormal()
	case ReasonExecNostats:
		return e.execNostats()
	case ReasonCacheMiss:
		return e.cacheMiss()
	case ReasonRecompile:
		return e.recompileBlock()
	case ReasonCheckChecksum:
		return e.checkChecksum()
	}
	panic(fmt.Sprintf("jit: unknown exit reason %d", reason))
}

// executeNormal interprets from the current PC while recording the PC
// history, then hands the observed run to the compiler.
func (e *Engine) executeNormal() error {
	hist := e.histBuf[:0]
	total := 0
	e.mem.TakeSpecialHint()

	for len(hist) < maxRun {
		pc := e.regs.PC
		res := e.interp.Step()
		if res.Err != nil {
			return res.Err
		}
		total += res.Cycles
		hist = append(hist, HistoryEntry{PC: pc, SpecialMem: e.mem.TakeSpecialHint()})
		if res.EndsBlock || e.regs.SpcFlags != 0 {
			break
		}
	}
	e.regs.Countdown -= uint32(total)

	if e.cacheOn && e.buf != nil {
		e.CompileBlock(hist, total)
	}
	return nil
}

// execNostats interprets one block without touching profiling state. The
// optlevel-0 block body routes here after its countdown decrement.
func (e *Engine) execNostats() error {
	total := 0
	for {
		res := e.interp.Step()
		if res.Err != nil {
			return res.Err
		}
		total += res.Cycles
		if res.EndsBlock || e.regs.SpcFlags != 0 {
			break
		}
	}
	e.regs.Countdown -= uint32(total)
	return nil
}

// interpretBlock is the cache-off path.
func (e *Engine) interpretBlock() error {
	return e.execNostats()
}

// cacheMiss recovers from a verifying-prologue mismatch: the block for the
// live PC exists but is not at its bucket head.
func (e *Engine) cacheMiss() error {
	bi := e.lookup(e.regs.PC)
	if bi == nil {
		return e.executeNormal()
	}
	bi2 := e.getBlockinfo(cacheline(e.regs.PC))
	if bi2 == nil || bi == bi2 {
		panic(fmt.Sprintf("jit: unexplained cache miss at %08x", e.regs.PC))
	}
	e.raiseInClList(bi)
	return nil
}

// recompileBlock handles an exhausted countdown: raise the block so the
// dispatcher will not see a perceived miss, then retranslate.
func (e *Engine) recompileBlock() error {
	bi := e.lookup(e.regs.PC)
	if bi == nil {
		panic(fmt.Sprintf("jit: recompile trampoline with no block at %08x", e.regs.PC))
	}
	e.raiseInClList(bi)
	return e.executeNormal()
}

// checkChecksum revalidates a dormant block. Matching checksums reinstall
// the real handlers and reactivate; a mismatch invalidates and
// retranslates.
func (e *Engine) checkChecksum() error {
	e.checksumCount++
	pc := e.regs.PC
	bi := e.lookup(pc)
	if bi == nil {
		// The primary target is dormant but this call was accidental;
		// just translate the block that is actually here.
		return e.executeNormal()
	}
	if bi2 := e.getBlockinfo(cacheline(pc)); bi != bi2 {
		return e.cacheMiss()
	}

	var c1, c2 uint32
	if bi.C1 != 0 || bi.C2 != 0 {
		c1, c2 = e.calcChecksum(bi)
	} else {
		c1, c2 = 1, 1 // never matches
	}
	if c1 == bi.C1 && c2 == bi.C2 {
		bi.HandlerToUse = bi.Handler
		e.setDhtu(bi, bi.DirectHandler)
		e.removeFromList(bi)
		e.addToActive(bi)
		e.raiseInClList(bi)
		return nil
	}
	e.invalidateBlock(bi)
	e.raiseInClList(bi)
	return e.executeNormal()
}

// CheckForCacheMiss detects, after an interpreter step, that the handler
// installed at the current bucket belongs to some other block, and raises
// the right one. Returns true when a raise happened.
func (e *Engine) CheckForCacheMiss() bool {
	bi := e.lookup(e.regs.PC)
	if bi == nil {
		return false
	}
	if bi != e.getBlockinfo(cacheline(e.regs.PC)) {
		e.raiseInClList(bi)
		return true
	}
	return false
}

// endsBlock reports whether opcode terminates a block.
func (e *Engine) endsBlock(opcode uint16) bool {
	return e.prop[opcode].cflow&insts.CFlowEndBlock != 0
}
