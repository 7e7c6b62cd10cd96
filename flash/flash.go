// Package flash emulates a 29F010-style flash ROM chip: a byte-write
// driven JEDEC command decoder with autoselect, byte program, chip and
// sector erase, and toggle-bit status reads.
package flash

import "io"

// Device state values. 0 is ordinary read mode; 1-7 step through the
// unlock/command sequences; 100-109 and 200-209 are the post-program and
// post-erase status windows, during which reads return toggle-bit status.
const (
	stateRead        = 0
	stateUnlock1     = 1
	stateUnlock2     = 2
	stateAutoselect  = 3
	stateEraseSetup  = 4
	stateEraseUnlock = 5
	stateEraseReady  = 6
	stateProgram     = 7
	statePostProgram = 100
	statePostErase   = 200

	// statusReads is how many toggle-bit reads a status window lasts.
	statusReads = 10
)

// manufacturerCode is the autoselect manufacturer identifier.
const manufacturerCode = 0x01

// Chip is one flash device.
type Chip struct {
	rom        []byte
	flashSize  int
	allocSize  int
	mask       uint32
	state      int
	modified   bool
	sectorSize uint32
	deviceCode uint8
	sink       io.Writer
}

// New creates a flash chip over rom. flashSize is the addressable size
// (a power of two); allocSize is how much of it is actually backed by
// rom. The sector size follows the device code: 16K sectors for 0x20,
// 64K otherwise. When sink is non-nil and the contents were modified,
// Close writes the full image through it.
func New(rom []byte, flashSize, allocSize int, deviceCode uint8, sink io.Writer) *Chip {
	sectorSize := uint32(65536)
	if deviceCode == 0x20 {
		sectorSize = 16384
	}
	return &Chip{
		rom:        rom,
		flashSize:  flashSize,
		allocSize:  allocSize,
		mask:       uint32(flashSize - 1),
		sectorSize: sectorSize,
		deviceCode: deviceCode,
		sink:       sink,
	}
}

// Size returns the addressable flash size.
func (c *Chip) Size() int {
	if c == nil {
		return 0
	}
	return c.flashSize
}

// Active reports whether a command sequence is in progress.
func (c *Chip) Active() bool {
	return c != nil && c.state != stateRead
}

// Modified reports whether any mutation happened.
func (c *Chip) Modified() bool {
	return c != nil && c.modified
}

// Close writes the image back through the sink if anything was modified.
func (c *Chip) Close() error {
	if c == nil || c.sink == nil || !c.modified {
		return nil
	}
	_, err := c.sink.Write(c.rom[:c.allocSize])
	return err
}

// Write feeds one byte of the command stream. It returns true when a
// program or erase write landed in the ROM contents, even if a programmed
// byte already held that value.
func (c *Chip) Write(addr uint32, v uint8) bool {
	if c == nil {
		return false
	}
	oldstate := c.state

	addr &= c.mask
	addr2 := addr & 0xFFFF

	if c.state == stateProgram {
		c.state = statePostProgram
		if int(addr) >= c.allocSize {
			return false
		}
		if c.rom[addr] != v {
			c.modified = true
		}
		c.rom[addr] = v
		return true
	}

	if v == 0xF0 { // reset
		c.state = stateRead
		return false
	}

	// unlock
	if addr2 == 0x5555 && c.state <= stateUnlock2 && v == 0xAA {
		c.state = stateUnlock1
	}
	if addr2 == 0x2AAA && c.state == stateUnlock1 && v == 0x55 {
		c.state = stateUnlock2
	}

	// autoselect
	if addr2 == 0x5555 && c.state == stateUnlock2 && v == 0x90 {
		c.state = stateAutoselect
	}

	// program
	if addr2 == 0x5555 && c.state == stateUnlock2 && v == 0xA0 {
		c.state = stateProgram
	}

	// chip/sector erase
	if addr2 == 0x5555 && c.state == stateUnlock2 && v == 0x80 {
		c.state = stateEraseSetup
	}
	if addr2 == 0x5555 && c.state == stateEraseSetup && v == 0xAA {
		c.state = stateEraseUnlock
	}
	if addr2 == 0x2AAA && c.state == stateEraseUnlock && v == 0x55 {
		c.state = stateEraseReady
	}
	if addr2 == 0x5555 && c.state == stateEraseReady && v == 0x10 {
		for i := 0; i < c.allocSize; i++ {
			c.rom[i] = 0xFF
		}
		c.state = statePostErase
		c.modified = true
		return true
	} else if c.state == stateEraseReady && v == 0x30 {
		saddr := addr &^ (c.sectorSize - 1)
		if int(saddr) < c.allocSize {
			end := min(int(saddr+c.sectorSize), c.allocSize)
			for i := int(saddr); i < end; i++ {
				c.rom[i] = 0xFF
			}
		}
		c.state = statePostErase
		c.modified = true
		return true
	}

	// Anything that didn't advance the machine resets it.
	if c.state == oldstate {
		c.state = stateRead
	}
	return false
}

// Read returns data, autoselect identifiers, or toggle-bit status,
// depending on state.
func (c *Chip) Read(addr uint32) uint8 {
	if c == nil {
		return 0
	}
	v := uint8(0xFF)

	addr &= c.mask
	switch {
	case c.state == stateAutoselect:
		switch addr & 0xFF {
		case 0:
			v = manufacturerCode
		case 1:
			v = c.deviceCode
		case 2:
			v = 0x00
		}

	case c.state >= statePostErase:
		// Erase status: toggle bit 6 on each read, bit 3 high.
		v = 0
		if c.state&1 != 0 {
			v ^= 0x40
		}
		c.state++
		if c.state >= statePostErase+statusReads {
			c.state = stateRead
		}
		v |= 0x08

	case c.state >= statePostProgram:
		// Program status: inverted bit 7 of the programmed byte plus
		// the toggle bit.
		var data uint8
		if int(addr) < c.allocSize {
			data = c.rom[addr] & 0x80
		}
		v = data ^ 0x80
		if c.state&1 != 0 {
			v ^= 0x40
		}
		c.state++
		if c.state >= statePostProgram+statusReads {
			c.state = stateRead
		}

	default:
		c.state = stateRead
		if int(addr) < c.allocSize {
			v = c.rom[addr]
		}
	}
	return v
}
