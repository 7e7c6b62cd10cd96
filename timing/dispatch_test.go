package timing_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/j68lab/j68/timing"
)

var _ = Describe("Dispatch model", func() {
	var model *timing.Model

	BeforeEach(func() {
		model = timing.New(timing.Config{
			Entries:       16,
			Associativity: 2,
			LineSize:      32,
		})
	})

	It("misses cold and hits warm", func() {
		model.Touch(0x1000)
		model.Touch(0x1000)
		model.Touch(0x1000)

		s := model.Stats()
		Expect(s.Touches).To(Equal(uint64(3)))
		Expect(s.Misses).To(Equal(uint64(1)))
		Expect(s.Hits).To(Equal(uint64(2)))
		Expect(s.HitRate()).To(BeNumerically("~", 66.6, 0.1))
	})

	It("shares an entry within one line granule", func() {
		model.Touch(0x1000)
		model.Touch(0x1002)
		model.Touch(0x101E)

		s := model.Stats()
		Expect(s.Misses).To(Equal(uint64(1)))
		Expect(s.Hits).To(Equal(uint64(2)))
	})

	It("evicts under conflict pressure", func() {
		// More distinct lines mapping to one set than its ways.
		sets := 16 / 2
		stride := uint32(32 * sets)
		for i := uint32(0); i < 4; i++ {
			model.Touch(0x1000 + i*stride)
		}
		s := model.Stats()
		Expect(s.Misses).To(Equal(uint64(4)))
		Expect(s.Evictions).To(BeNumerically(">", 0))
	})

	It("resets cleanly", func() {
		model.Touch(0x1000)
		model.Reset()
		Expect(model.Stats()).To(Equal(timing.Statistics{}))
		model.Touch(0x1000)
		Expect(model.Stats().Misses).To(Equal(uint64(1)))
	})
})
