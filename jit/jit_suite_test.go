package jit_test

import (
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func TestJit(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "JIT Suite")
}
