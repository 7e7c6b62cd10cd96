package jit

import "fmt"

// Directory geometry. Guest code is 16-bit aligned, so the hash discards
// the always-zero low bit.
const (
	// tagSize is the number of directory buckets.
	tagSize = 1 << 15

	tagMask = tagSize - 1
)

// cacheline hashes a guest PC to its directory bucket.
func cacheline(pc uint32) uint32 {
	return (pc >> 1) & tagMask
}

// cacheTag is one directory bucket: the handler slot the dispatcher
// tail-jumps through, and the head of the same-bucket block chain.
type cacheTag struct {
	handler int32
	bi      *BlockInfo
}

// Block status values.
type blockStatus uint8

const (
	// blockNew means freshly adopted, never yet translated.
	blockNew blockStatus = iota
	// blockActive means the block has a current translation.
	blockActive
	// blockDormant means soft-flushed, pending a checksum recheck.
	blockDormant
)

// BlockInfo is the metadata of one discovered guest entry point.
type BlockInfo struct {
	id int

	// PC is the guest address this block starts at.
	PC uint32

	// MinPC and Len give the extent of guest bytes covered, for
	// invalidation and checksumming.
	MinPC uint32
	Len   uint32

	// C1 and C2 are the additive and XOR checksums over the covered
	// bytes; both zero means "never checksummed".
	C1, C2 uint32

	// Count is the remaining executions before the next recompilation
	// attempt, decremented by emitted code. Interpreted as signed.
	Count uint32

	// OptLevel is how aggressively the block has been compiled.
	OptLevel int

	// NeededFlags is the mask of CCR bits callers need live at entry.
	NeededFlags uint8

	// Handler is the verifying entry (compares the live PC first);
	// DirectHandler is the entry same-block linked jumps use.
	Handler       int32
	DirectHandler int32

	// HandlerToUse and DirectHandlerToUse are what is currently
	// installed; either may point at a trampoline instead.
	HandlerToUse       int32
	DirectHandlerToUse int32

	// DirectPen and DirectPcc are the block's pre-emitted "needs
	// translation" and "needs checksum recheck" stubs.
	DirectPen int32
	DirectPcc int32

	status blockStatus

	// Same-bucket chain.
	nextSameCl  *BlockInfo
	prevSameClP **BlockInfo

	// Active/dormant list.
	next  *BlockInfo
	prevP **BlockInfo

	// dep holds the two outgoing jump links; depList heads the incoming
	// dependency list.
	dep     [2]dependency
	depList *dependency
}

// dependency records one cross-block jump: a patch site in the source
// block's code that must track the target block's direct handler.
type dependency struct {
	jmpSite int32 // displacement field offset in the code buffer, or HandlerNone
	target  *BlockInfo
	source  *BlockInfo
	next    *dependency
	prevP   **dependency
}

// maxHoldBI is the size of the pre-allocated block metadata pool. One
// compilation adopts at most three blocks (the block itself and two link
// targets), so the pool lasts many compilations between refills.
const maxHoldBI = 128

// getBlockinfo returns the chain head at a bucket.
func (e *Engine) getBlockinfo(cl uint32) *BlockInfo {
	return e.tags[cl].bi
}

// LookupBlock returns the block metadata registered for pc, or nil.
func (e *Engine) LookupBlock(pc uint32) *BlockInfo {
	return e.lookup(pc)
}

// lookup walks the chain at pc's bucket for an exact match.
func (e *Engine) lookup(pc uint32) *BlockInfo {
	bi := e.getBlockinfo(cacheline(pc))
	for bi != nil {
		if bi.PC == pc {
			return bi
		}
		bi = bi.nextSameCl
	}
	return nil
}

func (e *Engine) removeFromClList(bi *BlockInfo) {
	cl := cacheline(bi.PC)
	if bi.prevSameClP != nil {
		*bi.prevSameClP = bi.nextSameCl
	}
	if bi.nextSameCl != nil {
		bi.nextSameCl.prevSameClP = bi.prevSameClP
	}
	if e.tags[cl].bi != nil {
		e.tags[cl].handler = e.tags[cl].bi.HandlerToUse
	} else {
		e.tags[cl].handler = e.popallExecuteNormal
	}
}

func (e *Engine) removeFromList(bi *BlockInfo) {
	if bi.prevP != nil {
		*bi.prevP = bi.next
	}
	if bi.next != nil {
		bi.next.prevP = bi.prevP
	}
}

func (e *Engine) removeFromLists(bi *BlockInfo) {
	e.removeFromList(bi)
	e.removeFromClList(bi)
}

func (e *Engine) addToClList(bi *BlockInfo) {
	cl := cacheline(bi.PC)
	if e.tags[cl].bi != nil {
		e.tags[cl].bi.prevSameClP = &bi.nextSameCl
	}
	bi.nextSameCl = e.tags[cl].bi
	e.tags[cl].bi = bi
	bi.prevSameClP = &e.tags[cl].bi
	e.tags[cl].handler = bi.HandlerToUse
}

// raiseInClList moves bi to its bucket head so its handler is the one the
// dispatcher sees, removing the chain walk for recently used blocks.
func (e *Engine) raiseInClList(bi *BlockInfo) {
	e.removeFromClList(bi)
	e.addToClList(bi)
}

func (e *Engine) addToActive(bi *BlockInfo) {
	if e.active != nil {
		e.active.prevP = &bi.next
	}
	bi.next = e.active
	e.active = bi
	bi.prevP = &e.active
	bi.status = blockActive
}

func (e *Engine) addToDormant(bi *BlockInfo) {
	if e.dormant != nil {
		e.dormant.prevP = &bi.next
	}
	bi.next = e.dormant
	e.dormant = bi
	bi.prevP = &e.dormant
	bi.status = blockDormant
}

func removeDep(d *dependency) {
	if d.prevP != nil {
		*d.prevP = d.next
	}
	if d.next != nil {
		d.next.prevP = d.prevP
	}
	d.prevP = nil
	d.next = nil
}

// removeDeps detaches both outgoing links: the block's code is about to be
// thrown away, so it no longer depends on anything.
func removeDeps(bi *BlockInfo) {
	removeDep(&bi.dep[0])
	removeDep(&bi.dep[1])
}

// adjustJmpdep rewrites one recorded patch site to reach handler.
func (e *Engine) adjustJmpdep(d *dependency, handler int32) {
	e.emit.Patch(d.jmpSite, handler)
}

// setDhtu changes the direct handler in use, rewriting every incoming
// patch site to match.
func (e *Engine) setDhtu(bi *BlockInfo, dh int32) {
	if dh == bi.DirectHandlerToUse {
		return
	}
	for x := bi.depList; x != nil; x = x.next {
		if x.jmpSite != HandlerNone {
			e.adjustJmpdep(x, dh)
		}
	}
	bi.DirectHandlerToUse = dh
}

// invalidateBlock resets a block to its untranslated state. Incoming
// dependents are retargeted at the block's own pen stub so they end up
// re-translating through it.
func (e *Engine) invalidateBlock(bi *BlockInfo) {
	bi.OptLevel = 0
	bi.Count = uint32(e.cfg.OptCount[0] - 1)
	bi.Handler = HandlerNone
	bi.HandlerToUse = e.popallExecuteNormal
	bi.DirectHandler = HandlerNone
	e.setDhtu(bi, bi.DirectPen)
	bi.NeededFlags = 0xFF

	for i := range bi.dep {
		bi.dep[i].jmpSite = HandlerNone
		bi.dep[i].target = nil
	}
	removeDeps(bi)
}

// createJmpdep attaches outgoing link slot i of bi to the block at target,
// so the displacement at jmpSite tracks the target's direct handler.
func (e *Engine) createJmpdep(bi *BlockInfo, i int, jmpSite int32, target uint32) {
	tbi := e.lookup(target)
	if tbi == nil {
		panic(fmt.Sprintf("jit: no blockinfo for jmpdep target %08x", target))
	}
	d := &bi.dep[i]
	d.jmpSite = jmpSite
	d.source = bi
	d.target = tbi
	d.next = tbi.depList
	if d.next != nil {
		d.next.prevP = &d.next
	}
	d.prevP = &tbi.depList
	tbi.depList = d
}

// adopt returns the block for pc, taking one from the hold pool and
// installing it when none exists yet.
func (e *Engine) adopt(pc uint32) *BlockInfo {
	bi := e.lookup(pc)
	if bi != nil {
		return bi
	}
	for i := 0; i < maxHoldBI && bi == nil; i++ {
		if e.holdBi[i] != nil {
			bi = e.holdBi[i]
			e.holdBi[i] = nil
			bi.PC = pc
			e.invalidateBlock(bi)
			e.addToActive(bi)
			e.addToClList(bi)
		}
	}
	if bi == nil {
		panic("jit: blockinfo hold pool exhausted")
	}
	return bi
}

// allocBlockinfos refills the hold pool. Metadata is accounted against the
// code buffer so block bookkeeping and code share one allocation budget.
func (e *Engine) allocBlockinfos() {
	for i := 0; i < maxHoldBI; i++ {
		if e.holdBi[i] != nil {
			return
		}
		bi := &BlockInfo{id: len(e.blocks)}
		e.blocks = append(e.blocks, bi)
		e.holdBi[i] = bi
		e.prepareBlock(bi)
	}
}

// calcChecksum computes the additive and XOR sums over a block's guest
// byte extent, walked as 32-bit words aligned down so soft-flush
// verification touches whole words only.
func (e *Engine) calcChecksum(bi *BlockInfo) (c1, c2 uint32) {
	length := int32(bi.Len)
	addr := bi.MinPC
	length += int32(addr & 3)
	addr &^= 3

	if length < 0 || length > maxChecksumLen {
		return 0, 0
	}
	for length > 0 {
		w := e.instLongLE(addr)
		c1 += w
		c2 ^= w
		addr += 4
		length -= 4
	}
	return c1, c2
}

// maxChecksumLen bounds the extent a checksum will cover.
const maxChecksumLen = 2048

// instLongLE reads a 32-bit word of guest instruction bytes in host
// order; only equality matters, not endianness.
func (e *Engine) instLongLE(addr uint32) uint32 {
	return uint32(e.mem.InstByte(addr)) |
		uint32(e.mem.InstByte(addr+1))<<8 |
		uint32(e.mem.InstByte(addr+2))<<16 |
		uint32(e.mem.InstByte(addr+3))<<24
}
