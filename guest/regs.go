// Package guest holds the 68k-visible machine state the translator
// observes: the register file, condition codes, pending-event flags, the
// cycle countdown, and banked guest memory. The translator reads and
// writes this state at block boundaries; compiled code works on cached
// copies in between.
package guest

import "github.com/j68lab/j68/insts"

// Register indices within Regs.R. D0-D7 occupy 0-7, A0-A7 occupy 8-15.
const (
	D0 = 0
	A0 = 8
	A7 = 15 // stack pointer
)

// Special-flag bits in Regs.SpcFlags. The dispatcher stops on any nonzero
// value; compiled code tests the word after each interpreter fallback,
// while linked block-to-block jumps leave only when the countdown runs out.
const (
	SpcFlagStop  uint32 = 1 << 0 // guest requested stop
	SpcFlagTrace uint32 = 1 << 1 // trace exception pending
	SpcFlagInt   uint32 = 1 << 2 // interrupt pending
	SpcFlagBrk   uint32 = 1 << 3 // external break request
)

// Regs is the guest CPU state.
type Regs struct {
	// R holds the 16 integer registers, D0-D7 then A0-A7.
	R [16]uint32

	// PC is the guest program counter.
	PC uint32

	// CZNV holds the C/V/Z/N condition codes in the 68k CCR layout.
	// The X flag lives separately in X because most instructions touch
	// CZNV while leaving X alone.
	CZNV uint32
	X    uint32

	// SpcFlags is the pending-event word polled by the dispatcher.
	SpcFlags uint32

	// Countdown is the remaining guest cycle budget for this slice,
	// interpreted as signed.
	Countdown uint32

	// FP holds the 8 FPU data registers; FPResult is the last result
	// used for FPU condition-code derivation.
	FP       [8]float64
	FPResult float64
}

// CCR returns the full condition-code register, X included.
func (r *Regs) CCR() uint8 {
	return uint8(r.CZNV&uint32(insts.FlagsCZNV)) | uint8(r.X&uint32(insts.FlagX))
}

// SetCCR splits a full CCR value into the CZNV and X slots.
func (r *Regs) SetCCR(v uint8) {
	r.CZNV = uint32(v & insts.FlagsCZNV)
	r.X = uint32(v & insts.FlagX)
}
