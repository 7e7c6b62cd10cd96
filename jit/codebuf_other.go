//go:build !unix

package jit

// newCodeBuffer falls back to a heap allocation on hosts without mmap.
func newCodeBuffer(size int) (*codeBuffer, error) {
	return &codeBuffer{data: make([]byte, size)}, nil
}

func (b *codeBuffer) release() error {
	b.data = nil
	return nil
}
