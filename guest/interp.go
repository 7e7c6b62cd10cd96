package guest

import (
	"fmt"

	"github.com/j68lab/j68/insts"
)

// Interpreter executes guest instructions one at a time. It is the
// fallback the translator compiles calls to when an opcode has no compile
// function, and the reference the end-to-end tests compare compiled
// execution against.
type Interpreter struct {
	regs *Regs
	mem  *Memory
}

// NewInterpreter creates an interpreter over the given state.
func NewInterpreter(regs *Regs, mem *Memory) *Interpreter {
	return &Interpreter{regs: regs, mem: mem}
}

// StepResult reports what a single Step did.
type StepResult struct {
	// Opcode is the instruction word that was executed.
	Opcode uint16

	// Cycles is the nominal guest cycle cost.
	Cycles int

	// EndsBlock is true when the instruction terminates a translation
	// block (branches, returns, unsupported opcodes).
	EndsBlock bool

	// Err is set when the opcode is outside the supported subset.
	Err error
}

// Step executes one instruction at the current PC.
func (it *Interpreter) Step() StepResult {
	r := it.regs
	m := it.mem
	opcode := m.InstWord(r.PC)
	e := insts.Lookup(opcode)
	res := StepResult{Opcode: opcode, Cycles: 4, EndsBlock: e.EndsBlock()}

	switch e.Mnemo {
	case insts.NOP:
		r.PC += 2

	case insts.MOVEQ:
		v := uint32(int32(int8(opcode)))
		r.R[insts.RegX(opcode)] = v
		it.setLogicFlags(v, insts.Long)
		r.PC += 2

	case insts.MOVEA:
		v := m.InstLong(r.PC + 2)
		r.R[A0+insts.RegX(opcode)] = v
		r.PC += 6

	case insts.MOVE:
		it.move(opcode, e.Size, &res)

	case insts.ADD:
		x := insts.RegX(opcode)
		a := it.trunc(r.R[x], e.Size)
		b := it.trunc(r.R[insts.RegY(opcode)], e.Size)
		sum := it.trunc(a+b, e.Size)
		it.merge(x, sum, e.Size)
		it.setAddFlags(a, b, sum, e.Size)
		r.PC += 2

	case insts.ADDQ:
		q := uint32(insts.RegX(opcode))
		if q == 0 {
			q = 8
		}
		x := insts.RegY(opcode)
		a := r.R[x]
		sum := a + q
		r.R[x] = sum
		it.setAddFlags(a, q, sum, insts.Long)
		r.PC += 2

	case insts.SUB:
		x := insts.RegX(opcode)
		a := r.R[x]
		b := r.R[insts.RegY(opcode)]
		diff := a - b
		r.R[x] = diff
		it.setSubFlags(a, b, diff, insts.Long, true)
		r.PC += 2

	case insts.CMP:
		a := r.R[insts.RegX(opcode)]
		b := r.R[insts.RegY(opcode)]
		it.setSubFlags(a, b, a-b, insts.Long, false)
		r.PC += 2

	case insts.TST:
		it.setLogicFlags(r.R[insts.RegY(opcode)], insts.Long)
		r.PC += 2

	case insts.DBCC:
		disp := int32(int16(m.InstWord(r.PC + 2)))
		cond := insts.BranchCond(opcode)
		if cond.Holds(uint8(r.CZNV)) {
			r.PC += 4
			break
		}
		reg := insts.RegY(opcode)
		cnt := uint16(r.R[reg]) - 1
		r.R[reg] = r.R[reg]&0xFFFF0000 | uint32(cnt)
		if cnt != 0xFFFF {
			r.PC = uint32(int32(r.PC) + 2 + disp)
			res.Cycles = 10
		} else {
			r.PC += 4
		}

	case insts.BCC:
		disp := int32(int8(opcode))
		next := r.PC + 2
		if disp == 0 {
			disp = int32(int16(m.InstWord(r.PC + 2)))
			next = r.PC + 4
		}
		if insts.BranchCond(opcode).Holds(uint8(r.CZNV)) {
			r.PC = uint32(int32(r.PC) + 2 + disp)
			res.Cycles = 10
		} else {
			r.PC = next
		}

	case insts.RTS:
		sp := r.R[A7]
		r.PC = m.ReadLong(sp)
		r.R[A7] = sp + 4
		res.Cycles = 16

	default:
		res.Err = fmt.Errorf("unsupported opcode %04x at %08x", opcode, r.PC)
	}
	return res
}

func (it *Interpreter) move(opcode uint16, size insts.Size, res *StepResult) {
	r := it.regs
	m := it.mem
	pc := r.PC + 2

	var v uint32
	switch insts.ModeY(opcode) {
	case 0:
		v = it.trunc(r.R[insts.RegY(opcode)], size)
	case 2:
		addr := r.R[A0+insts.RegY(opcode)]
		v = it.read(addr, size)
	case 7: // immediate
		if size == insts.Byte {
			v = uint32(m.InstWord(pc) & 0xFF)
			pc += 2
		} else {
			v = m.InstLong(pc)
			pc += 4
		}
	}

	switch insts.ModeX(opcode) {
	case 0:
		it.merge(insts.RegX(opcode), v, size)
	case 2:
		addr := r.R[A0+insts.RegX(opcode)]
		it.write(addr, v, size)
	}

	it.setLogicFlags(v, size)
	r.PC = pc
}

func (it *Interpreter) read(addr uint32, size insts.Size) uint32 {
	switch size {
	case insts.Byte:
		return uint32(it.mem.ReadByte(addr))
	case insts.Word:
		return uint32(it.mem.ReadWord(addr))
	default:
		return it.mem.ReadLong(addr)
	}
}

func (it *Interpreter) write(addr uint32, v uint32, size insts.Size) {
	switch size {
	case insts.Byte:
		it.mem.WriteByte(addr, uint8(v))
	case insts.Word:
		it.mem.WriteWord(addr, uint16(v))
	default:
		it.mem.WriteLong(addr, v)
	}
}

func (it *Interpreter) trunc(v uint32, size insts.Size) uint32 {
	switch size {
	case insts.Byte:
		return v & 0xFF
	case insts.Word:
		return v & 0xFFFF
	}
	return v
}

// merge writes the low size bytes of v into register x, preserving the
// high bytes, the way partial-width register writes behave on the 68k.
func (it *Interpreter) merge(x int, v uint32, size insts.Size) {
	r := it.regs
	switch size {
	case insts.Byte:
		r.R[x] = r.R[x]&0xFFFFFF00 | v&0xFF
	case insts.Word:
		r.R[x] = r.R[x]&0xFFFF0000 | v&0xFFFF
	default:
		r.R[x] = v
	}
}

func (it *Interpreter) signBit(size insts.Size) uint32 {
	return 1 << (uint32(size)*8 - 1)
}

func (it *Interpreter) setLogicFlags(v uint32, size insts.Size) {
	var f uint32
	if it.trunc(v, size) == 0 {
		f |= uint32(insts.FlagZ)
	}
	if v&it.signBit(size) != 0 {
		f |= uint32(insts.FlagN)
	}
	it.regs.CZNV = f
}

func (it *Interpreter) setAddFlags(a, b, sum uint32, size insts.Size) {
	sign := it.signBit(size)
	var f uint32
	if it.trunc(sum, size) == 0 {
		f |= uint32(insts.FlagZ)
	}
	if sum&sign != 0 {
		f |= uint32(insts.FlagN)
	}
	if (a&sign) == (b&sign) && (sum&sign) != (a&sign) {
		f |= uint32(insts.FlagV)
	}
	if it.trunc(sum, size) < it.trunc(a, size) {
		f |= uint32(insts.FlagC)
	}
	it.regs.CZNV = f
	if f&uint32(insts.FlagC) != 0 {
		it.regs.X = uint32(insts.FlagX)
	} else {
		it.regs.X = 0
	}
}

func (it *Interpreter) setSubFlags(a, b, diff uint32, size insts.Size, setX bool) {
	sign := it.signBit(size)
	var f uint32
	if it.trunc(diff, size) == 0 {
		f |= uint32(insts.FlagZ)
	}
	if diff&sign != 0 {
		f |= uint32(insts.FlagN)
	}
	if (a&sign) != (b&sign) && (diff&sign) == (b&sign) {
		f |= uint32(insts.FlagV)
	}
	if it.trunc(b, size) > it.trunc(a, size) {
		f |= uint32(insts.FlagC)
	}
	it.regs.CZNV = f
	if setX {
		if f&uint32(insts.FlagC) != 0 {
			it.regs.X = uint32(insts.FlagX)
		} else {
			it.regs.X = 0
		}
	}
}
