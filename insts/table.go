package insts

// The opcode table is precomputed for all 65536 encodings, in the same way
// interpreter cores build their dispatch tables. Only the encodings the
// translator and the reference interpreter support decode to a mnemonic;
// everything else is ILLG and falls back to the host emulator.

var table [65536]Entry

func init() {
	for op := 0; op < 65536; op++ {
		table[op] = decode(uint16(op))
	}
}

// Lookup returns the property entry for an opcode.
func Lookup(opcode uint16) *Entry {
	return &table[opcode]
}

// Opcode field helpers. The 68k packs a register number in bits 0-2, an
// addressing mode in bits 3-5, and a second mode/register pair in bits 6-11.

// RegX returns bits 9-11 (the "x" register field).
func RegX(opcode uint16) int { return int(opcode>>9) & 7 }

// RegY returns bits 0-2 (the "y" register field).
func RegY(opcode uint16) int { return int(opcode) & 7 }

// ModeY returns bits 3-5 (the source addressing mode).
func ModeY(opcode uint16) int { return int(opcode>>3) & 7 }

// ModeX returns bits 6-8 (the destination addressing mode of MOVE).
func ModeX(opcode uint16) int { return int(opcode>>6) & 7 }

// BranchCond returns the condition field of Bcc/DBcc.
func BranchCond(opcode uint16) Cond { return Cond(opcode>>8) & 0xF }

func decode(op uint16) Entry {
	switch {
	case op == 0x4E71: // NOP
		return Entry{Mnemo: NOP}

	case op == 0x4E75: // RTS
		return Entry{Mnemo: RTS, CFlow: CFlowEndBlock}

	case op&0xF100 == 0x7000: // MOVEQ #d8,Dn
		return Entry{Mnemo: MOVEQ, Size: Long, FlagDead: FlagsCZNV}

	case op&0xF1FF == 0x207C:
		// MOVEA.L #imm32,An. Address-register moves leave the CCR alone.
		return Entry{Mnemo: MOVEA, Size: Long}

	case op&0xF000 == 0x2000 && moveEAValid(op):
		// MOVE.L with the supported addressing-mode subset.
		return Entry{Mnemo: MOVE, Size: Long, FlagDead: FlagsCZNV}

	case op&0xF000 == 0x1000 && moveEAValid(op):
		// MOVE.B, same subset.
		return Entry{Mnemo: MOVE, Size: Byte, FlagDead: FlagsCZNV}

	case op&0xF1F8 == 0xD080: // ADD.L Dy,Dx
		return Entry{Mnemo: ADD, Size: Long, FlagDead: FlagsAll}

	case op&0xF1F8 == 0xD000: // ADD.B Dy,Dx
		return Entry{Mnemo: ADD, Size: Byte, FlagDead: FlagsAll}

	case op&0xF1F8 == 0x9080: // SUB.L Dy,Dx
		return Entry{Mnemo: SUB, Size: Long, FlagDead: FlagsAll}

	case op&0xF1F8 == 0x5080: // ADDQ.L #q,Dn
		return Entry{Mnemo: ADDQ, Size: Long, FlagDead: FlagsAll}

	case op&0xF1F8 == 0xB080: // CMP.L Dy,Dx
		return Entry{Mnemo: CMP, Size: Long, FlagDead: FlagsCZNV}

	case op&0xFFF8 == 0x4A80: // TST.L Dn
		return Entry{Mnemo: TST, Size: Long, FlagDead: FlagsCZNV}

	case op&0xF0F8 == 0x50C8: // DBcc Dn,disp16
		c := BranchCond(op)
		return Entry{
			Mnemo:    DBCC,
			Size:     Word,
			FlagLive: c.FlagsUsed(),
			CFlow:    CFlowEndBlock | CFlowConstJump,
		}

	case op&0xF000 == 0x6000 && op&0x0F00 != 0x0100 && op&0xFF != 0xFF:
		// Bcc with an 8- or 16-bit displacement. BSR (cc=1) and the
		// 68020 32-bit displacement form are not in the subset.
		c := BranchCond(op)
		cflow := CFlowEndBlock | CFlowConstJump
		return Entry{Mnemo: BCC, FlagLive: c.FlagsUsed(), CFlow: cflow}
	}

	// Unknown encodings conservatively read and write every flag and end
	// the block, so the translator never runs past them.
	return Entry{
		Mnemo:    ILLG,
		FlagDead: FlagsAll,
		FlagLive: FlagsAll,
		CFlow:    CFlowEndBlock | CFlowTrap,
	}
}

// moveEAValid restricts MOVE to the mode pairs the core handles:
// Dn/(An) sources and Dn/(An) destinations, plus immediate sources.
func moveEAValid(op uint16) bool {
	srcMode := ModeY(op)
	dstMode := ModeX(op)
	switch srcMode {
	case 0, 2: // Dn, (An)
	case 7:
		if RegY(op) != 4 { // #imm
			return false
		}
	default:
		return false
	}
	switch dstMode {
	case 0, 2: // Dn, (An)
		return true
	}
	return false
}
