package guest

// Guest addresses dispatch through a flat bank table indexed by the top 16
// address bits, exactly the granularity the translator's slow path uses.
// When an address range is also covered by the direct-mapped image (Base),
// the translator may emit inline loads and stores against it instead.

// BankShift is the number of low address bits within one bank.
const BankShift = 16

// NumBanks is the size of the bank dispatch table.
const NumBanks = 1 << (32 - BankShift)

// Bank handles guest accesses for one 64K window. Implementations are
// expected to ignore address bits above their window where convenient;
// the full guest address is passed through for MMIO-style banks.
type Bank interface {
	ReadByte(addr uint32) uint8
	ReadWord(addr uint32) uint16
	ReadLong(addr uint32) uint32
	WriteByte(addr uint32, v uint8)
	WriteWord(addr uint32, v uint16)
	WriteLong(addr uint32, v uint32)
}

// Memory is the banked guest address space.
type Memory struct {
	banks [NumBanks]Bank

	// Base is the direct-mapped image. Guest addresses below len(Base)
	// translate to host offsets one-to-one; bytes are stored in guest
	// (big-endian) order.
	Base []byte

	// CanBang reports whether direct-mapped access is safe. When false
	// every access must go through the bank table.
	CanBang bool

	// ROMStart and ROMEnd delimit the guest ROM range. Blocks that lie
	// entirely inside it are never checksummed.
	ROMStart, ROMEnd uint32

	special  [NumBanks]bool
	specHint uint8
}

// Special-memory hint bits accumulated per instruction.
const (
	SpecialRead  uint8 = 1 << 0
	SpecialWrite uint8 = 1 << 1
)

// MarkSpecial flags [start, start+size) as special memory (MMIO-style):
// accesses there must never take the translator's direct path.
func (m *Memory) MarkSpecial(start, size uint32) {
	for a := start; a < start+size; a += 1 << BankShift {
		m.special[a>>BankShift] = true
	}
}

// TakeSpecialHint returns and clears the accumulated special-access bits.
func (m *Memory) TakeSpecialHint() uint8 {
	h := m.specHint
	m.specHint = 0
	return h
}

func (m *Memory) noteAccess(addr uint32, bit uint8) {
	if m.special[addr>>BankShift] {
		m.specHint |= bit
	}
}

// NewMemory creates a guest address space with size bytes of direct-mapped
// RAM and every bank pointing at it.
func NewMemory(size uint32) *Memory {
	m := &Memory{
		Base:    make([]byte, size),
		CanBang: true,
	}
	ram := &ramBank{m}
	for i := range m.banks {
		m.banks[i] = ram
	}
	return m
}

// Map installs a bank over [start, start+size). Both must be multiples of
// the 64K bank granule.
func (m *Memory) Map(start, size uint32, b Bank) {
	for a := start; a < start+size; a += 1 << BankShift {
		m.banks[a>>BankShift] = b
	}
}

// BankFor returns the bank serving addr.
func (m *Memory) BankFor(addr uint32) Bank {
	return m.banks[addr>>BankShift]
}

// InROM reports whether addr lies in the configured ROM range.
func (m *Memory) InROM(addr uint32) bool {
	return addr >= m.ROMStart && addr < m.ROMEnd
}

// Dispatching accessors, the functional equivalent of the slow path the
// translator emits.

func (m *Memory) ReadByte(addr uint32) uint8 {
	m.noteAccess(addr, SpecialRead)
	return m.BankFor(addr).ReadByte(addr)
}

func (m *Memory) ReadWord(addr uint32) uint16 {
	m.noteAccess(addr, SpecialRead)
	return m.BankFor(addr).ReadWord(addr)
}

func (m *Memory) ReadLong(addr uint32) uint32 {
	m.noteAccess(addr, SpecialRead)
	return m.BankFor(addr).ReadLong(addr)
}

func (m *Memory) WriteByte(addr uint32, v uint8) {
	m.noteAccess(addr, SpecialWrite)
	m.BankFor(addr).WriteByte(addr, v)
}

func (m *Memory) WriteWord(addr uint32, v uint16) {
	m.noteAccess(addr, SpecialWrite)
	m.BankFor(addr).WriteWord(addr, v)
}

func (m *Memory) WriteLong(addr uint32, v uint32) {
	m.noteAccess(addr, SpecialWrite)
	m.BankFor(addr).WriteLong(addr, v)
}

// InstWord fetches a big-endian instruction word. Instruction fetch always
// reads through the direct map when possible; the checksum engine uses the
// same path.
func (m *Memory) InstWord(addr uint32) uint16 {
	if int(addr)+2 <= len(m.Base) {
		return uint16(m.Base[addr])<<8 | uint16(m.Base[addr+1])
	}
	return m.ReadWord(addr)
}

// InstLong fetches a big-endian instruction long.
func (m *Memory) InstLong(addr uint32) uint32 {
	return uint32(m.InstWord(addr))<<16 | uint32(m.InstWord(addr+2))
}

// InstByte fetches one instruction-stream byte, used by checksumming.
func (m *Memory) InstByte(addr uint32) uint8 {
	if int(addr) < len(m.Base) {
		return m.Base[addr]
	}
	return m.ReadByte(addr)
}

// ramBank serves accesses out of the direct-mapped image, big-endian like
// the guest. Accesses past the image read as all-ones and drop writes.
type ramBank struct {
	m *Memory
}

func (b *ramBank) ReadByte(addr uint32) uint8 {
	if int(addr) >= len(b.m.Base) {
		return 0xFF
	}
	return b.m.Base[addr]
}

func (b *ramBank) ReadWord(addr uint32) uint16 {
	return uint16(b.ReadByte(addr))<<8 | uint16(b.ReadByte(addr+1))
}

func (b *ramBank) ReadLong(addr uint32) uint32 {
	return uint32(b.ReadWord(addr))<<16 | uint32(b.ReadWord(addr+2))
}

func (b *ramBank) WriteByte(addr uint32, v uint8) {
	if int(addr) < len(b.m.Base) {
		b.m.Base[addr] = v
	}
}

func (b *ramBank) WriteWord(addr uint32, v uint16) {
	b.WriteByte(addr, uint8(v>>8))
	b.WriteByte(addr+1, uint8(v))
}

func (b *ramBank) WriteLong(addr uint32, v uint32) {
	b.WriteWord(addr, uint16(v>>16))
	b.WriteWord(addr+2, uint16(v))
}
