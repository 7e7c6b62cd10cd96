//go:build unix

package jit

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// newCodeBuffer maps an anonymous private region for the translation
// cache. Read/write suffices: the reference host evaluates the encoded
// operations rather than branching into them.
func newCodeBuffer(size int) (*codeBuffer, error) {
	data, err := unix.Mmap(
		-1, 0,
		size,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANON,
	)
	if err != nil {
		return nil, fmt.Errorf("mmap translation cache: %w", err)
	}
	return &codeBuffer{data: data, mapped: true}, nil
}

func (b *codeBuffer) release() error {
	if !b.mapped || b.data == nil {
		b.data = nil
		return nil
	}
	err := unix.Munmap(b.data)
	b.data = nil
	return err
}
