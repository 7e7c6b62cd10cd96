// Package hostvm is the reference host for the translator: an instruction
// emitter that encodes operations into the engine's code buffer, and an
// evaluator that executes them. It stands in for a machine-code backend;
// the operation set mirrors the shapes real backends emit (moves, leas,
// sized flag-setting ALU ops, byte swaps, patchable jumps, bank calls).
//
// The machine has 8 integer registers, 8 FP registers, and a flag word
// kept in the guest CCR layout, which makes guest conditions map onto
// host conditions one-to-one. Registers 0-2 are caller-saved: every bank
// or interpreter call deliberately clobbers them, so the translator's
// call discipline is exercised for real.
package hostvm

import (
	"encoding/binary"
	"fmt"

	"github.com/j68lab/j68/guest"
	"github.com/j68lab/j68/insts"
	"github.com/j68lab/j68/jit"
)

// Host is what the machine needs from the engine: slot resolution, the
// code buffer, directory dispatch, and the interpreter fallback.
type Host interface {
	jit.StateAccess
	Code() []byte
	TagHandler(pc uint32) int32
	CallInterp(opcode uint16)
}

// instSize is the fixed encoding size of one operation.
const instSize = 16

// Operation codes.
const (
	opNop uint8 = iota
	opMovRegReg
	opMovRegRegSized
	opMovRegImm
	opMovRegMem
	opMovMemReg
	opMovMemImm
	opAddMemImm
	opSubMemImm
	opCmpMemImm
	opAlu
	opAluImm
	opShift
	opTest
	opLea
	opLeaIndexed
	opBSwap32
	opBSwap16
	opZeroExtend
	opSignExtend
	opRegToFlags
	opFlagsToReg
	opLoadDirect
	opStoreDirect
	opCallBankRead
	opCallBankWrite
	opJcc
	opJmp
	opJmpTags
	opExit
	opCallInterp
	opFMovRegMem
	opFMovMemReg
	opFMovMemRegDrop
	opFMovRegReg
)

// Machine is both the Emitter and the Executor.
type Machine struct {
	host Host
	mem  *guest.Memory

	target int32

	// N is the integer register file; F the FP register file.
	N [jit.NRegCount]uint32
	F [jit.NFRegCount]float64

	// Flags is the host flag word, in the guest CCR layout.
	Flags uint8
}

// New creates a machine over the guest address space. Bind must be called
// before emitting or executing.
func New(mem *guest.Memory) *Machine {
	return &Machine{mem: mem}
}

// Bind attaches the machine to its engine.
func (m *Machine) Bind(h Host) {
	m.host = h
}

// clobberValue is written into the caller-saved registers on every call,
// so anything wrongly live across a call fails loudly.
const clobberValue = 0xDEADBEEF

func (m *Machine) code() []byte { return m.host.Code() }

func (m *Machine) put(op, a, b, c uint8, imm1, imm2 uint32, size uint8) {
	code := m.code()
	if int(m.target)+instSize > len(code) {
		panic("hostvm: emission past end of code buffer")
	}
	p := code[m.target : m.target+instSize]
	p[0] = op
	p[1] = a
	p[2] = b
	p[3] = c
	binary.LittleEndian.PutUint32(p[4:8], imm1)
	binary.LittleEndian.PutUint32(p[8:12], imm2)
	p[12] = size
	p[13], p[14], p[15] = 0, 0, 0
	m.target += instSize
}

// Emitter implementation.

// SetTarget repositions emission.
func (m *Machine) SetTarget(off int32) { m.target = off }

// Target returns the current emission offset.
func (m *Machine) Target() int32 { return m.target }

// Align pads to an n-byte boundary with no-ops. n must be a multiple of
// the fixed operation size.
func (m *Machine) Align(n int32) {
	for m.target%n != 0 {
		m.Nop()
	}
}

func (m *Machine) Nop() { m.put(opNop, 0, 0, 0, 0, 0, 0) }

func (m *Machine) MovRegReg(d, s int) { m.put(opMovRegReg, uint8(d), uint8(s), 0, 0, 0, 4) }

func (m *Machine) MovRegRegSized(size, d, s int) {
	m.put(opMovRegRegSized, uint8(d), uint8(s), 0, 0, 0, uint8(size))
}

func (m *Machine) MovRegImm(d int, imm uint32) { m.put(opMovRegImm, uint8(d), 0, 0, imm, 0, 4) }

func (m *Machine) MovRegMem(size, d int, ref jit.MemRef) {
	m.put(opMovRegMem, uint8(d), 0, 0, uint32(ref), 0, uint8(size))
}

func (m *Machine) MovMemReg(size int, ref jit.MemRef, s int) {
	m.put(opMovMemReg, uint8(s), 0, 0, uint32(ref), 0, uint8(size))
}

func (m *Machine) MovMemImm(ref jit.MemRef, imm uint32) {
	m.put(opMovMemImm, 0, 0, 0, uint32(ref), imm, 4)
}

func (m *Machine) AddMemImm(ref jit.MemRef, imm uint32) {
	m.put(opAddMemImm, 0, 0, 0, uint32(ref), imm, 4)
}

func (m *Machine) SubMemImm(ref jit.MemRef, imm uint32) {
	m.put(opSubMemImm, 0, 0, 0, uint32(ref), imm, 4)
}

func (m *Machine) CmpMemImm(ref jit.MemRef, imm uint32) {
	m.put(opCmpMemImm, 0, 0, 0, uint32(ref), imm, 4)
}

func (m *Machine) Alu(op jit.AluOp, size, d, s int) {
	m.put(opAlu, uint8(op), uint8(d), uint8(s), 0, 0, uint8(size))
}

func (m *Machine) AluImm(op jit.AluOp, size, d int, imm uint32) {
	m.put(opAluImm, uint8(op), uint8(d), 0, imm, 0, uint8(size))
}

func (m *Machine) Shift(op jit.ShiftOp, d int, count uint8) {
	m.put(opShift, uint8(op), uint8(d), count, 0, 0, 4)
}

func (m *Machine) Test(size, r int) { m.put(opTest, uint8(r), 0, 0, 0, 0, uint8(size)) }

func (m *Machine) Lea(d, base int, disp int32) {
	m.put(opLea, uint8(d), uint8(base), 0, uint32(disp), 0, 4)
}

func (m *Machine) LeaIndexed(d, base, index int, scale uint8, disp int32) {
	m.put(opLeaIndexed, uint8(d), uint8(base), uint8(index), uint32(disp), 0, scale)
}

func (m *Machine) BSwap32(r int) { m.put(opBSwap32, uint8(r), 0, 0, 0, 0, 4) }
func (m *Machine) BSwap16(r int) { m.put(opBSwap16, uint8(r), 0, 0, 0, 0, 2) }

func (m *Machine) ZeroExtend(size, d, s int) {
	m.put(opZeroExtend, uint8(d), uint8(s), 0, 0, 0, uint8(size))
}

func (m *Machine) SignExtend(size, d, s int) {
	m.put(opSignExtend, uint8(d), uint8(s), 0, 0, 0, uint8(size))
}

func (m *Machine) RegToFlags(r int) { m.put(opRegToFlags, uint8(r), 0, 0, 0, 0, 4) }
func (m *Machine) FlagsToReg(r int) { m.put(opFlagsToReg, uint8(r), 0, 0, 0, 0, 4) }

func (m *Machine) LoadDirect(size, d, addr int) {
	m.put(opLoadDirect, uint8(d), uint8(addr), 0, 0, 0, uint8(size))
}

func (m *Machine) StoreDirect(size, addr, s int) {
	m.put(opStoreDirect, uint8(addr), uint8(s), 0, 0, 0, uint8(size))
}

func (m *Machine) CallBankRead(size, d, addr, tmp int) {
	m.put(opCallBankRead, uint8(d), uint8(addr), uint8(tmp), 0, 0, uint8(size))
}

func (m *Machine) CallBankWrite(size, addr, s, tmp int) {
	m.put(opCallBankWrite, uint8(addr), uint8(s), uint8(tmp), 0, 0, uint8(size))
}

// Jcc emits a conditional jump and returns its displacement site; the
// site encodes target-(site+4) once patched.
func (m *Machine) Jcc(cc jit.Cond) int32 {
	site := m.target + 4
	m.put(opJcc, uint8(cc), 0, 0, 0, 0, 4)
	return site
}

// Jmp emits an unconditional jump to a known target.
func (m *Machine) Jmp(target int32) {
	site := m.JmpPatchable()
	m.Patch(site, target)
}

// JmpPatchable emits an unconditional jump with an unresolved site.
func (m *Machine) JmpPatchable() int32 {
	site := m.target + 4
	m.put(opJmp, 0, 0, 0, 0, 0, 4)
	return site
}

// Patch writes the displacement for a previously returned site.
func (m *Machine) Patch(site, target int32) {
	rel := target - (site + 4)
	binary.LittleEndian.PutUint32(m.code()[site:site+4], uint32(rel))
}

func (m *Machine) JmpTags(r int) { m.put(opJmpTags, uint8(r), 0, 0, 0, 0, 4) }

func (m *Machine) Exit(reason jit.Reason) { m.put(opExit, uint8(reason), 0, 0, 0, 0, 4) }

func (m *Machine) CallInterp(opcode uint16) {
	m.put(opCallInterp, 0, 0, 0, uint32(opcode), 0, 4)
}

func (m *Machine) FMovRegMem(d int, ref jit.MemRef) {
	m.put(opFMovRegMem, uint8(d), 0, 0, uint32(ref), 0, 8)
}

func (m *Machine) FMovMemReg(ref jit.MemRef, s int) {
	m.put(opFMovMemReg, uint8(s), 0, 0, uint32(ref), 0, 8)
}

func (m *Machine) FMovMemRegDrop(ref jit.MemRef, s int) {
	m.put(opFMovMemRegDrop, uint8(s), 0, 0, uint32(ref), 0, 8)
}

func (m *Machine) FMovRegReg(d, s int) { m.put(opFMovRegReg, uint8(d), uint8(s), 0, 0, 0, 8) }

var (
	_ jit.Emitter  = (*Machine)(nil)
	_ jit.Executor = (*Machine)(nil)
)

// sizeMask returns the operand mask for a 1/2/4-byte size.
func sizeMask(size uint8) uint32 {
	switch size {
	case 1:
		return 0xFF
	case 2:
		return 0xFFFF
	default:
		return 0xFFFFFFFF
	}
}

func signBit(size uint8) uint32 {
	return (sizeMask(size) >> 1) + 1
}

// mergeSized writes the low size bytes of v into *dst, preserving the
// high bytes.
func mergeSized(dst *uint32, v uint32, size uint8) {
	mask := sizeMask(size)
	*dst = *dst&^mask | v&mask
}

// setLogicFlags sets Z and N from a result and clears C and V.
func (m *Machine) setLogicFlags(res uint32, size uint8) {
	m.Flags = 0
	if res&sizeMask(size) == 0 {
		m.Flags |= insts.FlagZ
	}
	if res&signBit(size) != 0 {
		m.Flags |= insts.FlagN
	}
}

func (m *Machine) setAddFlags(a, b, res uint32, size uint8) {
	mask, sign := sizeMask(size), signBit(size)
	m.Flags = 0
	if res&mask == 0 {
		m.Flags |= insts.FlagZ
	}
	if res&sign != 0 {
		m.Flags |= insts.FlagN
	}
	if (a&sign) == (b&sign) && (res&sign) != (a&sign) {
		m.Flags |= insts.FlagV
	}
	if res&mask < a&mask {
		m.Flags |= insts.FlagC
	}
}

func (m *Machine) setSubFlags(a, b, res uint32, size uint8) {
	mask, sign := sizeMask(size), signBit(size)
	m.Flags = 0
	if res&mask == 0 {
		m.Flags |= insts.FlagZ
	}
	if res&sign != 0 {
		m.Flags |= insts.FlagN
	}
	if (a&sign) != (b&sign) && (res&sign) == (b&sign) {
		m.Flags |= insts.FlagV
	}
	if b&mask > a&mask {
		m.Flags |= insts.FlagC
	}
}

// clobberCallerSaved poisons the call-clobbered registers.
func (m *Machine) clobberCallerSaved() {
	m.N[0] = clobberValue
	m.N[1] = clobberValue
	m.N[2] = clobberValue
}

// stepLimit bounds one Execute call; emitted code always reaches an exit
// long before this.
const stepLimit = 1 << 22

// Execute implements jit.Executor: evaluate operations from off until an
// exit.
func (m *Machine) Execute(off int32) jit.Reason {
	code := m.code()
	pc := off
	for steps := 0; steps < stepLimit; steps++ {
		p := code[pc : pc+instSize]
		op := p[0]
		a, b, c := p[1], p[2], p[3]
		imm1 := binary.LittleEndian.Uint32(p[4:8])
		imm2 := binary.LittleEndian.Uint32(p[8:12])
		size := p[12]
		next := pc + instSize

		switch op {
		case opNop:

		case opMovRegReg:
			m.N[a] = m.N[b]

		case opMovRegRegSized:
			mergeSized(&m.N[a], m.N[b], size)

		case opMovRegImm:
			m.N[a] = imm1

		case opMovRegMem:
			mergeSized(&m.N[a], *m.host.Slot(jit.MemRef(imm1)), size)

		case opMovMemReg:
			slot := m.host.Slot(jit.MemRef(imm1))
			mergeSized(slot, m.N[a], size)

		case opMovMemImm:
			*m.host.Slot(jit.MemRef(imm1)) = imm2

		case opAddMemImm:
			*m.host.Slot(jit.MemRef(imm1)) += imm2

		case opSubMemImm:
			slot := m.host.Slot(jit.MemRef(imm1))
			va := *slot
			res := va - imm2
			*slot = res
			m.setSubFlags(va, imm2, res, 4)

		case opCmpMemImm:
			va := *m.host.Slot(jit.MemRef(imm1))
			m.setSubFlags(va, imm2, va-imm2, 4)

		case opAlu:
			m.alu(jit.AluOp(a), size, int(b), m.N[c])

		case opAluImm:
			m.alu(jit.AluOp(a), size, int(b), imm1)

		case opShift:
			m.shift(jit.ShiftOp(a), int(b), c)

		case opTest:
			m.setLogicFlags(m.N[a], size)

		case opLea:
			m.N[a] = m.N[b] + imm1

		case opLeaIndexed:
			m.N[a] = m.N[b] + m.N[c]<<size + imm1

		case opBSwap32:
			v := m.N[a]
			m.N[a] = v>>24 | v>>8&0xFF00 | v<<8&0xFF0000 | v<<24

		case opBSwap16:
			v := m.N[a]
			m.N[a] = v&0xFFFF0000 | v>>8&0xFF | v<<8&0xFF00

		case opZeroExtend:
			m.N[a] = m.N[b] & sizeMask(size)

		case opSignExtend:
			v := m.N[b] & sizeMask(size)
			if v&signBit(size) != 0 {
				v |= ^sizeMask(size)
			}
			m.N[a] = v

		case opRegToFlags:
			m.Flags = uint8(m.N[a]) & insts.FlagsCZNV

		case opFlagsToReg:
			m.N[a] = uint32(m.Flags)

		case opLoadDirect:
			mergeSized(&m.N[a], m.directLoad(m.N[b], size), size)

		case opStoreDirect:
			m.directStore(m.N[a], m.N[b], size)

		case opCallBankRead:
			addr := m.N[b]
			var v uint32
			switch size {
			case 1:
				v = uint32(m.mem.ReadByte(addr))
			case 2:
				v = uint32(m.mem.ReadWord(addr))
			default:
				v = m.mem.ReadLong(addr)
			}
			m.clobberCallerSaved()
			m.N[a] = v

		case opCallBankWrite:
			addr, v := m.N[a], m.N[b]
			switch size {
			case 1:
				m.mem.WriteByte(addr, uint8(v))
			case 2:
				m.mem.WriteWord(addr, uint16(v))
			default:
				m.mem.WriteLong(addr, v)
			}
			m.clobberCallerSaved()

		case opJcc:
			if jit.Cond(a).Holds(m.Flags) {
				next = pc + 8 + int32(imm1)
			}

		case opJmp:
			next = pc + 8 + int32(imm1)

		case opJmpTags:
			next = m.host.TagHandler(m.N[a])

		case opExit:
			return jit.Reason(a)

		case opCallInterp:
			m.host.CallInterp(uint16(imm1))
			m.clobberCallerSaved()

		case opFMovRegMem:
			m.F[a] = *m.host.SlotF(jit.MemRef(imm1))

		case opFMovMemReg, opFMovMemRegDrop:
			*m.host.SlotF(jit.MemRef(imm1)) = m.F[a]

		case opFMovRegReg:
			m.F[a] = m.F[b]

		default:
			panic(fmt.Sprintf("hostvm: bad opcode %d at offset %d", op, pc))
		}
		pc = next
	}
	panic("hostvm: step limit exceeded")
}

func (m *Machine) alu(op jit.AluOp, size uint8, d int, src uint32) {
	mask := sizeMask(size)
	va := m.N[d] & mask
	vb := src & mask
	switch op {
	case jit.AluAdd:
		res := (va + vb) & mask
		mergeSized(&m.N[d], res, size)
		m.setAddFlags(va, vb, res, size)
	case jit.AluSub:
		res := (va - vb) & mask
		mergeSized(&m.N[d], res, size)
		m.setSubFlags(va, vb, res, size)
	case jit.AluCmp:
		m.setSubFlags(va, vb, (va-vb)&mask, size)
	case jit.AluAnd:
		res := va & vb
		mergeSized(&m.N[d], res, size)
		m.setLogicFlags(res, size)
	case jit.AluOr:
		res := va | vb
		mergeSized(&m.N[d], res, size)
		m.setLogicFlags(res, size)
	case jit.AluXor:
		res := va ^ vb
		mergeSized(&m.N[d], res, size)
		m.setLogicFlags(res, size)
	}
}

func (m *Machine) shift(op jit.ShiftOp, d int, count uint8) {
	v := m.N[d]
	switch op {
	case jit.ShiftLeft:
		v <<= count
	case jit.ShiftRightLogical:
		v >>= count
	case jit.ShiftRightArith:
		v = uint32(int32(v) >> count)
	}
	m.N[d] = v
	m.setLogicFlags(v, 4)
}

// directLoad reads little-endian from the direct-mapped image. This path
// is only emitted for trusted addresses; running off the image end reads
// as all-ones, matching unmapped guest space.
func (m *Machine) directLoad(addr uint32, size uint8) uint32 {
	var v uint32
	for i := uint8(0); i < size; i++ {
		var by uint8 = 0xFF
		if int(addr)+int(i) < len(m.mem.Base) {
			by = m.mem.Base[addr+uint32(i)]
		}
		v |= uint32(by) << (8 * i)
	}
	return v
}

func (m *Machine) directStore(addr, v uint32, size uint8) {
	for i := uint8(0); i < size; i++ {
		if int(addr)+int(i) < len(m.mem.Base) {
			m.mem.Base[addr+uint32(i)] = uint8(v >> (8 * i))
		}
	}
}
