package jit

// Cache invalidation. A hard flush throws everything away: bump pointer
// reset, every directory slot back to the execute-normal trampoline, all
// blocks detached. A soft flush keeps the code but demotes every active
// block to dormant behind the checksum-recheck trampoline, so each one
// proves its guest bytes unchanged before running again.

// FlushICacheHard discards all translations.
func (e *Engine) FlushICacheHard() {
	e.hardFlushCount++

	for bi := e.active; bi != nil; bi = bi.next {
		cl := cacheline(bi.PC)
		e.tags[cl].handler = e.popallExecuteNormal
		e.tags[cl].bi = nil
	}
	for bi := e.dormant; bi != nil; bi = bi.next {
		cl := cacheline(bi.PC)
		e.tags[cl].handler = e.popallExecuteNormal
		e.tags[cl].bi = nil
	}

	e.resetLists()
	if e.buf == nil {
		return
	}
	// Rewind emission past the shared trampolines only; per-block stubs
	// are re-emitted as the hold pool refills.
	e.emit.SetTarget(0)
	e.createPopalls()
	for i := range e.tags {
		e.tags[i].handler = e.popallExecuteNormal
	}
	e.blocks = e.blocks[:0]
}

// FlushICache soft-flushes: active blocks move to dormant behind their
// checksum stubs. With the hard-flush-only configuration it degrades to
// FlushICacheHard.
func (e *Engine) FlushICache() {
	if e.cfg.HardFlush {
		e.FlushICacheHard()
		return
	}
	e.softFlushCount++
	if e.active == nil {
		return
	}

	var last *BlockInfo
	for bi := e.active; bi != nil; bi = bi.next {
		cl := cacheline(bi.PC)
		if bi.Handler == HandlerNone {
			// Never translated: back to square one.
			if bi == e.tags[cl].bi {
				e.tags[cl].handler = e.popallExecuteNormal
			}
			bi.HandlerToUse = e.popallExecuteNormal
			e.setDhtu(bi, bi.DirectPen)
		} else {
			if bi == e.tags[cl].bi {
				e.tags[cl].handler = e.popallCheckChecksum
			}
			bi.HandlerToUse = e.popallCheckChecksum
			e.setDhtu(bi, bi.DirectPcc)
		}
		bi.status = blockDormant
		last = bi
	}

	// Splice the whole active list onto dormant.
	last.next = e.dormant
	if e.dormant != nil {
		e.dormant.prevP = &last.next
	}
	e.dormant = e.active
	e.active.prevP = &e.dormant
	e.active = nil
}

// InvalidateBlock resets the block that starts at pc, if any, to its
// untranslated state. The signal-driven self-modification path lands
// here: the handler reset happens before any directory-visible change.
func (e *Engine) InvalidateBlock(pc uint32) bool {
	bi := e.lookup(pc)
	if bi == nil {
		return false
	}
	e.invalidateBlock(bi)
	e.raiseInClList(bi)
	return true
}
