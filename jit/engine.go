package jit

import (
	"fmt"
	"io"

	"github.com/j68lab/j68/guest"
	"github.com/j68lab/j68/insts"
)

// maxRun bounds the recorded PC history one translation consumes.
const maxRun = 1024

// HistoryEntry is one recorded interpreter step.
type HistoryEntry struct {
	// PC is the guest address the instruction executed at.
	PC uint32

	// SpecialMem carries the guest.SpecialRead/SpecialWrite hints
	// observed while the instruction ran.
	SpecialMem uint8
}

// opProp is the per-opcode property row the compiler driver works from.
type opProp struct {
	useFlags uint8
	setFlags uint8
	isAddX   bool
	cflow    uint8
}

// Profiler observes dispatch events; the timing package provides a
// locality model implementing it.
type Profiler interface {
	Touch(pc uint32)
}

// compileFunc emits the body of one guest instruction. A nil entry means
// the opcode has no compile function at any level.
type compileFunc func(e *Engine, opcode uint16)

// Engine is the translator. It owns the code buffer, the block directory
// and lists, the configuration, and the per-compilation register map.
type Engine struct {
	cfg     Config
	pending *Config

	regs *guest.Regs
	mem  *guest.Memory

	emit Emitter
	exec Executor

	interp *guest.Interpreter

	buf             *codeBuffer
	compileP        int32
	maxCompileStart int32

	tags    []cacheTag
	active  *BlockInfo
	dormant *BlockInfo
	holdBi  [maxHoldBI]*BlockInfo
	blocks  []*BlockInfo

	prop        [65536]opProp
	compFn      [65536]compileFunc
	nfCompFn    [65536]compileFunc
	live        liveState
	scratch     [VRegCount]uint32
	fscratch    [VFRegCount]float64
	histBuf     [maxRun]HistoryEntry
	specialMem  uint8
	neededFlags uint8
	failure     bool
	optLev      int

	// Branch registration for the current block.
	nextPC    uint32
	takenPC   uint32
	branchCC  Cond
	branchSet bool

	// Trampoline offsets, emitted once per cache allocation.
	popallDoNothing     int32
	popallExecNostats   int32
	popallExecuteNormal int32
	popallCacheMiss     int32
	popallRecompile     int32
	popallCheckChecksum int32

	cacheOn  bool
	logw     io.Writer
	profiler Profiler

	// Counters.
	softFlushCount uint64
	hardFlushCount uint64
	checksumCount  uint64
	compileCount   uint64
}

// Option configures an Engine.
type Option func(*Engine)

// WithConfig replaces the default configuration.
func WithConfig(cfg Config) Option {
	return func(e *Engine) { e.cfg = cfg }
}

// WithLogWriter directs diagnostics to w.
func WithLogWriter(w io.Writer) Option {
	return func(e *Engine) { e.logw = w }
}

// WithProfiler attaches a dispatch profiler.
func WithProfiler(p Profiler) Option {
	return func(e *Engine) { e.profiler = p }
}

// NewEngine creates a translator over the given guest state and host
// capabilities. Call BuildComp before executing anything.
func NewEngine(regs *guest.Regs, mem *guest.Memory, em Emitter, ex Executor, opts ...Option) *Engine {
	e := &Engine{
		cfg:    DefaultConfig(),
		regs:   regs,
		mem:    mem,
		emit:   em,
		exec:   ex,
		interp: guest.NewInterpreter(regs, mem),
		logw:   io.Discard,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Slot implements StateAccess for integer-valued references.
func (e *Engine) Slot(ref MemRef) *uint32 {
	switch ref.Kind() {
	case refGuestReg:
		return &e.regs.R[ref.Index()]
	case refPC:
		return &e.regs.PC
	case refCZNV:
		return &e.regs.CZNV
	case refFlagX:
		return &e.regs.X
	case refSpcFlags:
		return &e.regs.SpcFlags
	case refCountdown:
		return &e.regs.Countdown
	case refScratch:
		return &e.scratch[ref.Index()]
	case refBlockCount:
		return &e.blocks[ref.Index()].Count
	case refBlockPC:
		return &e.blocks[ref.Index()].PC
	}
	panic(fmt.Sprintf("jit: bad integer slot reference %08x", uint32(ref)))
}

// SlotF implements StateAccess for FP-valued references.
func (e *Engine) SlotF(ref MemRef) *float64 {
	switch ref.Kind() {
	case refFP:
		return &e.regs.FP[ref.Index()]
	case refFPResult:
		return &e.regs.FPResult
	case refFPScratch:
		return &e.fscratch[ref.Index()]
	}
	panic(fmt.Sprintf("jit: bad FP slot reference %08x", uint32(ref)))
}

// Code exposes the code buffer to the host executor.
func (e *Engine) Code() []byte {
	if e.buf == nil {
		return nil
	}
	return e.buf.data
}

// TagHandler returns the handler installed for pc's directory bucket.
func (e *Engine) TagHandler(pc uint32) int32 {
	return e.tags[cacheline(pc)].handler
}

// Memory returns the guest address space.
func (e *Engine) Memory() *guest.Memory { return e.mem }

// CallInterp runs one guest instruction through the fallback interpreter.
// Compiled fallback sequences sync the PC slot before using this.
func (e *Engine) CallInterp(opcode uint16) {
	res := e.interp.Step()
	if res.Err != nil {
		fmt.Fprintf(e.logw, "jit: interpreter fallback failed: %v\n", res.Err)
		e.regs.SpcFlags |= guest.SpcFlagBrk
	}
}

// BuildComp initializes the translator: property and compile-function
// tables, the code buffer, the trampolines, and the directory. It is the
// one-time counterpart of Reset.
func (e *Engine) BuildComp() error {
	for op := 0; op < 65536; op++ {
		ent := insts.Lookup(uint16(op))
		e.prop[op] = opProp{
			useFlags: ent.FlagLive,
			setFlags: ent.FlagDead,
			isAddX:   ent.IsAddX,
			cflow:    ent.CFlow,
		}
		// Constant-target jumps do not evaluate condition codes
		// themselves once folded.
		if ent.CFlow&insts.CFlowConstJump != 0 && ent.Mnemo == insts.BCC &&
			insts.BranchCond(uint16(op)) == insts.CondT {
			e.prop[op].useFlags = 0
		}
		e.compFn[op] = compileTable(uint16(op), ent)
		e.nfCompFn[op] = compileTableNF(uint16(op), ent)
	}

	if err := e.AllocCache(); err != nil {
		return err
	}
	e.cacheOn = e.cfg.CacheSize > 0
	return nil
}

// Reset drops all translator output and turns compiled execution off;
// the dispatcher interprets until SetCacheState(true).
func (e *Engine) Reset() {
	e.SetCacheState(false)
}

// AllocCache (re)allocates the code buffer per the current configuration
// and reinstalls the trampolines and an empty directory.
func (e *Engine) AllocCache() error {
	if e.buf != nil {
		e.FlushICacheHard()
		if err := e.buf.release(); err != nil {
			return err
		}
		e.buf = nil
	}
	if e.cfg.CacheSize == 0 {
		return nil
	}

	buf, err := newCodeBuffer(e.cfg.CacheSize * 1024)
	if err != nil {
		return err
	}
	e.buf = buf
	e.maxCompileStart = buf.size() - bytesPerInst

	if e.tags == nil {
		e.tags = make([]cacheTag, tagSize)
	}

	e.createPopalls()
	e.resetLists()
	for i := range e.tags {
		e.tags[i].handler = e.popallExecuteNormal
		e.tags[i].bi = nil
	}
	return nil
}

// createPopalls emits the shared trampoline stubs at the base of the code
// buffer. Each one just hands control back to the dispatcher with its
// reason.
func (e *Engine) createPopalls() {
	e.emit.SetTarget(0)

	stub := func(r Reason) int32 {
		e.emit.Align(32)
		off := e.emit.Target()
		e.emit.Exit(r)
		return off
	}
	e.popallDoNothing = stub(ReasonReturn)
	e.popallExecuteNormal = stub(ReasonExecuteNormal)
	e.popallExecNostats = stub(ReasonExecNostats)
	e.popallCacheMiss = stub(ReasonCacheMiss)
	e.popallRecompile = stub(ReasonRecompile)
	e.popallCheckChecksum = stub(ReasonCheckChecksum)

	e.emit.Align(32)
	e.compileP = e.emit.Target()
}

// prepareBlock emits a fresh block's pen and pcc stubs. Both reload the
// block's start PC into the guest PC slot, then route to the matching
// trampoline; metadata shares the code-buffer allocation.
func (e *Engine) prepareBlock(bi *BlockInfo) {
	e.emit.SetTarget(e.compileP)

	e.emit.Align(32)
	bi.DirectPen = e.emit.Target()
	e.emit.MovRegMem(4, 0, RefBlockPC(bi.id))
	e.emit.MovMemReg(4, RefPC(), 0)
	e.emit.Jmp(e.popallExecuteNormal)

	e.emit.Align(32)
	bi.DirectPcc = e.emit.Target()
	e.emit.MovRegMem(4, 0, RefBlockPC(bi.id))
	e.emit.MovMemReg(4, RefPC(), 0)
	e.emit.Jmp(e.popallCheckChecksum)

	e.emit.Align(32)
	e.compileP = e.emit.Target()

	bi.depList = nil
	for i := range bi.dep {
		bi.dep[i].prevP = nil
		bi.dep[i].next = nil
		bi.dep[i].jmpSite = HandlerNone
	}
	bi.status = blockNew
}

func (e *Engine) resetLists() {
	for i := range e.holdBi {
		e.holdBi[i] = nil
	}
	e.active = nil
	e.dormant = nil
}

// SetCacheState toggles compiled execution. Turning it off hard-flushes,
// so stale translations can never run again.
func (e *Engine) SetCacheState(on bool) {
	if on != e.cacheOn {
		e.FlushICacheHard()
	}
	e.cacheOn = on && e.cfg.CacheSize > 0
}

// GetCacheState reports whether compiled execution is enabled.
func (e *Engine) GetCacheState() bool { return e.cacheOn }

// GetJittedSize returns the bytes of emitted code currently in use.
func (e *Engine) GetJittedSize() uint32 {
	if e.buf == nil {
		return 0
	}
	return uint32(e.compileP)
}

// SetPendingConfig stages a configuration to be reconciled by the next
// CheckPrefsChanged call.
func (e *Engine) SetPendingConfig(cfg Config) {
	e.pending = &cfg
}

// CheckPrefsChanged reconciles a staged configuration. Trust or cache-size
// changes hard-flush; an unsafe direct map forces indirect trust.
func (e *Engine) CheckPrefsChanged() (changed bool, err error) {
	if e.pending != nil {
		p := *e.pending
		e.pending = nil
		if p != e.cfg {
			changed = true
			realloc := p.CacheSize != e.cfg.CacheSize
			e.cfg = p
			if realloc {
				if err = e.AllocCache(); err != nil {
					return changed, err
				}
				e.cacheOn = e.cfg.CacheSize > 0
			} else {
				e.FlushICacheHard()
			}
		}
	}
	if !e.mem.CanBang && e.cfg.TrustByte != TrustIndirect {
		e.cfg.TrustByte = TrustIndirect
		e.cfg.TrustWord = TrustIndirect
		e.cfg.TrustLong = TrustIndirect
		e.cfg.TrustNAddr = TrustIndirect
		changed = true
		fmt.Fprintf(e.logw, "jit: reverting to indirect access, direct map is unsafe\n")
	}
	return changed, nil
}

// Stats are translator counters.
type Stats struct {
	SoftFlushes    uint64
	HardFlushes    uint64
	ChecksumChecks uint64
	CompileCount   uint64
	ActiveBlocks   int
	DormantBlocks  int
	JittedBytes    uint32
}

// Stats returns a snapshot of the translator counters.
func (e *Engine) Stats() Stats {
	s := Stats{
		SoftFlushes:    e.softFlushCount,
		HardFlushes:    e.hardFlushCount,
		ChecksumChecks: e.checksumCount,
		CompileCount:   e.compileCount,
		JittedBytes:    e.GetJittedSize(),
	}
	for bi := e.active; bi != nil; bi = bi.next {
		s.ActiveBlocks++
	}
	for bi := e.dormant; bi != nil; bi = bi.next {
		s.DormantBlocks++
	}
	return s
}

// Close releases the code buffer.
func (e *Engine) Close() error {
	if e.buf == nil {
		return nil
	}
	err := e.buf.release()
	e.buf = nil
	return err
}
