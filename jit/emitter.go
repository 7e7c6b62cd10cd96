// Package jit implements the dynamic binary translator core: the code
// buffer and its hash-indexed block directory, the block compiler with its
// flag-liveness analysis, the virtual-to-native register allocators, the
// guest flag materializer, the guest memory access generator, and the
// invalidation engine.
//
// Host code generation is expressed against the Emitter interface; the
// jit/hostvm package provides the reference implementation, which encodes
// operations into the engine's code buffer and evaluates them. All
// translator state hangs off an Engine value; nothing is process-global.
package jit

import "github.com/j68lab/j68/insts"

// Cond is a host branch condition. The reference host keeps its flag word
// in the guest CCR layout, so conditions map one-to-one onto the 68k
// condition codes.
type Cond = insts.Cond

// AluOp selects a flag-setting arithmetic or logic operation.
type AluOp uint8

// ALU operations.
const (
	AluAdd AluOp = iota
	AluSub
	AluAnd
	AluOr
	AluXor
	AluCmp // like AluSub but discards the result
)

// ShiftOp selects a shift operation.
type ShiftOp uint8

// Shift operations.
const (
	ShiftLeft ShiftOp = iota
	ShiftRightLogical
	ShiftRightArith
)

// Reason says why compiled code handed control back to the dispatcher.
type Reason uint8

// Exit reasons. Apart from ReasonReturn they name the trampoline the
// emitted code jumped through.
const (
	// ReasonReturn leaves compiled execution entirely (pending events or
	// cycle budget exhausted).
	ReasonReturn Reason = iota

	// ReasonExecuteNormal asks the dispatcher to profile or translate the
	// block at the current guest PC.
	ReasonExecuteNormal

	// ReasonExecNostats runs the block through the interpreter without
	// updating profiling counters (the optlevel-0 body).
	ReasonExecNostats

	// ReasonCacheMiss reports that the installed handler did not belong
	// to the current guest PC.
	ReasonCacheMiss

	// ReasonRecompile reports an exhausted per-block countdown.
	ReasonRecompile

	// ReasonCheckChecksum asks for a self-modification recheck of a
	// soft-flushed block.
	ReasonCheckChecksum
)

// HandlerNone marks an absent handler offset.
const HandlerNone int32 = -1

// MemRef names a guest-state slot addressable by emitted code. The low 24
// bits carry an index, the high bits a kind.
type MemRef uint32

// MemRef kinds.
const (
	refGuestReg MemRef = iota << 24 // index 0-15
	refPC
	refCZNV
	refFlagX
	refSpcFlags
	refCountdown
	refScratch    // translator scratch slots
	refBlockCount // per-block countdown cell, index = block id
	refBlockPC    // per-block start-PC cell, index = block id
	refFP         // FP register homes, index 0-7
	refFPResult
	refFPScratch
)

// RefGuestReg refers to integer register i's home slot.
func RefGuestReg(i int) MemRef { return refGuestReg | MemRef(i) }

// RefPC refers to the guest program counter slot.
func RefPC() MemRef { return refPC }

// RefCZNV refers to the packed C/V/Z/N flag slot.
func RefCZNV() MemRef { return refCZNV }

// RefFlagX refers to the X flag slot.
func RefFlagX() MemRef { return refFlagX }

// RefSpcFlags refers to the pending-events word.
func RefSpcFlags() MemRef { return refSpcFlags }

// RefCountdown refers to the guest cycle countdown.
func RefCountdown() MemRef { return refCountdown }

// RefScratch refers to translator scratch slot i.
func RefScratch(i int) MemRef { return refScratch | MemRef(i) }

// RefBlockCount refers to block id's execution countdown cell.
func RefBlockCount(id int) MemRef { return refBlockCount | MemRef(id) }

// RefBlockPC refers to block id's start-PC cell. The pen and pcc stubs
// read it at run time, so one stub works across block reuse.
func RefBlockPC(id int) MemRef { return refBlockPC | MemRef(id) }

// RefFP refers to FP register i's home slot.
func RefFP(i int) MemRef { return refFP | MemRef(i) }

// RefFPResult refers to the FPU condition source slot.
func RefFPResult() MemRef { return refFPResult }

// RefFPScratch refers to FP scratch slot i.
func RefFPScratch(i int) MemRef { return refFPScratch | MemRef(i) }

// Kind returns the kind bits of a reference.
func (r MemRef) Kind() MemRef { return r &^ 0xFFFFFF }

// Index returns the index bits of a reference.
func (r MemRef) Index() int { return int(r & 0xFFFFFF) }

// StateAccess resolves MemRefs to storage. The engine implements it; the
// host executor consumes it.
type StateAccess interface {
	// Slot returns the storage cell for an integer-valued reference.
	Slot(ref MemRef) *uint32

	// SlotF returns the storage cell for an FP-valued reference.
	SlotF(ref MemRef) *float64
}

// Emitter is the abstract instruction-emitter capability. One method per
// host operation shape the translator needs; implementations append
// encoded operations at the current target offset in the code buffer.
//
// Flag discipline matters: Alu, AluImm, Shift, Test, CmpMemImm and
// SubMemImm set the host flags; moves, leas, extensions and byte swaps
// must leave them alone, because the allocator emits those while guest
// flags are live in the host flags.
type Emitter interface {
	// SetTarget repositions emission at a buffer offset.
	SetTarget(off int32)
	// Target returns the current emission offset.
	Target() int32
	// Align pads with no-ops to an n-byte boundary.
	Align(n int32)

	MovRegReg(d, s int)
	// MovRegRegSized copies only the low size bytes, preserving the
	// destination's high bytes.
	MovRegRegSized(size int, d, s int)
	MovRegImm(d int, imm uint32)
	MovRegMem(size int, d int, ref MemRef)
	MovMemReg(size int, ref MemRef, s int)
	MovMemImm(ref MemRef, imm uint32)

	AddMemImm(ref MemRef, imm uint32)
	SubMemImm(ref MemRef, imm uint32)
	CmpMemImm(ref MemRef, imm uint32)

	Alu(op AluOp, size int, d, s int)
	AluImm(op AluOp, size int, d int, imm uint32)
	Shift(op ShiftOp, d int, count uint8)
	Test(size int, r int)

	Lea(d, base int, disp int32)
	LeaIndexed(d, base, index int, scale uint8, disp int32)
	BSwap32(r int)
	BSwap16(r int)
	ZeroExtend(size int, d, s int)
	SignExtend(size int, d, s int)

	// RegToFlags loads the host flags from a CZNV-layout word;
	// FlagsToReg stores them back to one.
	RegToFlags(r int)
	FlagsToReg(r int)

	// Direct-map guest accesses: little-endian load/store against the
	// contiguous guest image, address taken from a register.
	LoadDirect(size int, d, addr int)
	StoreDirect(size int, addr, s int)

	// Bank-dispatch guest accesses: shift the address right by 16, index
	// the bank table, call the per-size handler.
	CallBankRead(size int, d, addr, tmp int)
	CallBankWrite(size int, addr, s, tmp int)

	// Jcc and JmpPatchable return the offset of their 4-byte
	// displacement field; Patch writes target-relative displacements
	// into such sites.
	Jcc(cc Cond) int32
	Jmp(target int32)
	JmpPatchable() int32
	Patch(site, target int32)

	// JmpTags dispatches through the translation-cache directory on the
	// guest PC held in r.
	JmpTags(r int)

	// Exit leaves compiled code with the given reason.
	Exit(reason Reason)

	// CallInterp executes one guest instruction through the fallback
	// interpreter. The guest PC slot must be current.
	CallInterp(opcode uint16)

	FMovRegMem(d int, ref MemRef)
	FMovMemReg(ref MemRef, s int)
	FMovMemRegDrop(ref MemRef, s int)
	FMovRegReg(d, s int)

	Nop()
}

// Executor runs emitted code starting at a buffer offset until it exits.
type Executor interface {
	Execute(off int32) Reason
}
