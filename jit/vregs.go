package jit

// Virtual register numbering. The first 16 slots shadow the guest integer
// registers; the rest carry the PC, the flag spill slots, the next-handler
// pointer, and translator scratch values.
const (
	RegPC          = 16
	RegFlagX       = 17
	RegFlagTmp     = 18
	RegNextHandler = 19
	RegS1          = 20
	RegS2          = 21
	RegS3          = 22
	RegS4          = 23

	// VRegCount is the total virtual register file size.
	VRegCount = 32
)

// FP virtual registers: the 8 guest FPU registers, the FPU result slot,
// and scratch.
const (
	RegFPResult = 8
	RegFS1      = 9

	// VFRegCount is the FP virtual register file size.
	VFRegCount = 12
)

// Host register file shape. The capability predicates mirror a host ISA
// with sub-register constraints: only the first four registers can be
// addressed at byte width, and one register is permanently reserved.
const (
	// NRegCount is the number of host integer registers.
	NRegCount = 8

	// NFRegCount is the number of host FP registers.
	NFRegCount = 8

	// reservedNReg is never allocated (the host stack pointer).
	reservedNReg = 4
)

// maxHolds bounds the holder-list fanout of one host register.
const maxHolds = 4

// vstatus is the virtual register status.
type vstatus uint8

// Virtual register statuses.
const (
	statUndef vstatus = iota
	statInMem
	statClean
	statDirty
	statConst
)

// needflush says what a flush does with a virtual register.
type needflush uint8

const (
	nfScratch needflush = iota // discard
	nfToMem                    // write back to its home slot
	nfHandler                  // special: never materialized to memory
)

// vregState tracks one virtual register.
type vregState struct {
	status    vstatus
	home      MemRef // guest-state slot this register mirrors
	realreg   int8   // host register holding it, or -1
	realind   int8   // position in that register's holder list
	validSize uint8  // low-order bytes guaranteed current in the host register
	dirtySize uint8  // low-order bytes written since the last flush
	val       uint32 // constant value, or deferred additive offset
	needflush needflush
}

// nregState tracks one host integer register.
type nregState struct {
	holds   [maxHolds]int16 // virtual registers aliased here
	nholds  int
	locked  int
	touched int32 // recency stamp for LRU eviction
	canByte bool
	canWord bool
}

// fvregState tracks one FP virtual register. No partial widths, no
// offsets.
type fvregState struct {
	status    vstatus
	home      MemRef
	realreg   int8
	realind   int8
	needflush needflush
}

// fnregState tracks one host FP register.
type fnregState struct {
	holds   [maxHolds]int16
	nholds  int
	locked  int
	touched int32
}

// Flag-location states.
const (
	flagsTrash uint8 = iota
	flagsValid
)

// liveState is the per-compilation register and flag map. It is scratch
// state: initComp resets it at every block entry.
type liveState struct {
	state [VRegCount]vregState
	nat   [NRegCount]nregState
	fate  [VFRegCount]fvregState
	fat   [NFRegCount]fnregState

	// Where the guest flags currently are. Either location holds valid
	// flags or trash; both may be valid at once.
	flagsInFlags uint8
	flagsOnStack uint8

	// flagsAreImportant is cleared inside a proven dont-care window.
	flagsAreImportant bool

	touchCnt int32

	// pcOffset is the byte distance of decode past the PC virtual
	// register's materialized value.
	pcOffset uint32

	// compPC is the guest address the current instruction decodes at.
	compPC uint32
}

func (l *liveState) isInReg(r int) bool {
	return l.state[r].status == statClean || l.state[r].status == statDirty
}

func (l *liveState) isConst(r int) bool {
	return l.state[r].status == statConst
}

func (l *liveState) fIsInReg(r int) bool {
	return l.fate[r].status == statClean || l.fate[r].status == statDirty
}
