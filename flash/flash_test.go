package flash

import (
	"bytes"
	"testing"

	"github.com/google/go-cmp/cmp"
)

const (
	flashSize = 128 * 1024
	device020 = 0x20 // 16K sectors
	device5D  = 0x5D // 64K sectors
)

func newChip(t *testing.T, deviceCode uint8) (*Chip, []byte) {
	t.Helper()
	rom := make([]byte, flashSize)
	for i := range rom {
		rom[i] = 0xFF
	}
	return New(rom, flashSize, flashSize, deviceCode, nil), rom
}

func unlock(c *Chip) {
	c.Write(0x5555, 0xAA)
	c.Write(0x2AAA, 0x55)
}

func TestAutoselect(t *testing.T) {
	c, _ := newChip(t, device020)

	unlock(c)
	c.Write(0x5555, 0x90)

	if !c.Active() {
		t.Fatal("autoselect mode should report active")
	}
	if got := c.Read(0x0000); got != 0x01 {
		t.Fatalf("manufacturer code = %02x, want 01", got)
	}
	if got := c.Read(0x0001); got != device020 {
		t.Fatalf("device code = %02x, want %02x", got, device020)
	}
	if got := c.Read(0x0002); got != 0x00 {
		t.Fatalf("protection code = %02x, want 00", got)
	}

	// Reset returns to plain reads.
	c.Write(0x0000, 0xF0)
	if c.Active() {
		t.Fatal("reset should leave command mode")
	}
	if got := c.Read(0x0000); got != 0xFF {
		t.Fatalf("read after reset = %02x, want FF", got)
	}
}

func TestProgramByte(t *testing.T) {
	c, rom := newChip(t, device020)

	unlock(c)
	c.Write(0x5555, 0xA0)
	if mutated := c.Write(0x1234, 0x42); !mutated {
		t.Fatal("program write must report mutation")
	}
	if rom[0x1234] != 0x42 {
		t.Fatalf("rom[1234] = %02x, want 42", rom[0x1234])
	}
	if !c.Modified() {
		t.Fatal("modified flag not set")
	}

	// Drain the status window, then read back the data.
	for i := 0; i < statusReads; i++ {
		c.Read(0x1234)
	}
	if got := c.Read(0x1234); got != 0x42 {
		t.Fatalf("read back = %02x, want 42", got)
	}
}

func TestProgramToggleBits(t *testing.T) {
	c, _ := newChip(t, device020)

	unlock(c)
	c.Write(0x5555, 0xA0)
	c.Write(0x1234, 0x42)

	// Bit 7 reads inverted while the program completes, with bit 6
	// toggling on each successive read.
	var got []uint8
	for i := 0; i < statusReads; i++ {
		got = append(got, c.Read(0x1234))
	}
	want := []uint8{0x80, 0xC0, 0x80, 0xC0, 0x80, 0xC0, 0x80, 0xC0, 0x80, 0xC0}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("status reads mismatch (-want +got):\n%s", diff)
	}
	if c.Active() {
		t.Fatal("status window must end in read mode")
	}
}

func TestSectorErase(t *testing.T) {
	c, rom := newChip(t, device020)

	// Program one byte inside the target sector and one outside it.
	unlock(c)
	c.Write(0x5555, 0xA0)
	c.Write(0x2000, 0x00)
	for i := 0; i < statusReads; i++ {
		c.Read(0)
	}
	unlock(c)
	c.Write(0x5555, 0xA0)
	c.Write(0x4100, 0x00)
	for i := 0; i < statusReads; i++ {
		c.Read(0)
	}

	// Erase the 16K sector containing 0x2000.
	unlock(c)
	c.Write(0x5555, 0x80)
	unlock(c)
	c.Write(0x2000, 0x30)

	for i := 0; i < 0x4000; i++ {
		if rom[i] != 0xFF {
			t.Fatalf("rom[%04x] = %02x inside erased sector, want FF", i, rom[i])
		}
	}
	if rom[0x4100] != 0x00 {
		t.Fatal("byte outside the erased sector changed")
	}
}

func TestChipErase(t *testing.T) {
	c, rom := newChip(t, device5D)

	unlock(c)
	c.Write(0x5555, 0xA0)
	c.Write(0x100, 0x00)
	for i := 0; i < statusReads; i++ {
		c.Read(0)
	}

	unlock(c)
	c.Write(0x5555, 0x80)
	unlock(c)
	c.Write(0x5555, 0x10)

	if !bytes.Equal(rom, bytes.Repeat([]byte{0xFF}, flashSize)) {
		t.Fatal("chip erase left non-FF bytes")
	}

	// Post-erase toggle reads return zero data plus bits 6/3.
	first, second := c.Read(0), c.Read(0)
	if first&0x08 == 0 || second&0x08 == 0 {
		t.Fatal("erase status must raise bit 3")
	}
	if first&0x40 == second&0x40 {
		t.Fatal("toggle bit did not toggle")
	}
}

func TestSectorSizeByDeviceCode(t *testing.T) {
	tests := []struct {
		device uint8
		size   uint32
	}{
		{device020, 16384},
		{device5D, 65536},
		{0x00, 65536},
	}
	for _, tc := range tests {
		c, _ := newChip(t, tc.device)
		if c.sectorSize != tc.size {
			t.Errorf("device %02x sector size = %d, want %d", tc.device, c.sectorSize, tc.size)
		}
	}
}

func TestUnrecognizedWritesReset(t *testing.T) {
	c, _ := newChip(t, device020)

	unlock(c)
	if c.state != stateUnlock2 {
		t.Fatalf("state after unlock = %d", c.state)
	}
	c.Write(0x1000, 0x99) // not a command
	if c.state != stateRead {
		t.Fatalf("bogus write left state %d, want read mode", c.state)
	}
}

func TestWritebackOnClose(t *testing.T) {
	rom := make([]byte, flashSize)
	for i := range rom {
		rom[i] = 0xFF
	}
	var sink bytes.Buffer
	c := New(rom, flashSize, flashSize, device020, &sink)

	// Unmodified chips write nothing.
	if err := c.Close(); err != nil {
		t.Fatal(err)
	}
	if sink.Len() != 0 {
		t.Fatal("unmodified chip wrote its image")
	}

	unlock(c)
	c.Write(0x5555, 0xA0)
	c.Write(0x10, 0xAB)
	if err := c.Close(); err != nil {
		t.Fatal(err)
	}
	if sink.Len() != flashSize {
		t.Fatalf("sink got %d bytes, want %d", sink.Len(), flashSize)
	}
	if sink.Bytes()[0x10] != 0xAB {
		t.Fatal("written image missing the programmed byte")
	}
}
