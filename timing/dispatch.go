// Package timing models the locality of translation-cache dispatch using
// Akita cache components. The model observes the stream of guest PCs the
// dispatcher sees and reports how well a set-associative lookup structure
// would retain them. It is a profiling aid only; it never affects
// translation semantics.
package timing

import (
	akitacache "github.com/sarchlab/akita/v4/mem/cache"
)

// Config holds dispatch-model parameters.
type Config struct {
	// Entries is the number of block entry points the model can track.
	Entries int
	// Associativity is the number of ways per set.
	Associativity int
	// LineSize is the guest-byte granule one entry covers.
	LineSize int
}

// DefaultConfig returns a model shaped like the translator's directory:
// plenty of entries, modest associativity, and 32-byte lines, so one
// entry covers sixteen 16-bit instruction words.
func DefaultConfig() Config {
	return Config{
		Entries:       4096,
		Associativity: 4,
		LineSize:      32,
	}
}

// Statistics holds dispatch-locality counters.
type Statistics struct {
	Touches   uint64
	Hits      uint64
	Misses    uint64
	Evictions uint64
}

// HitRate returns the fraction of touches that hit, as a percentage.
func (s Statistics) HitRate() float64 {
	if s.Touches == 0 {
		return 0
	}
	return float64(s.Hits) / float64(s.Touches) * 100
}

// Model tracks dispatch locality over guest PCs.
type Model struct {
	config    Config
	directory *akitacache.DirectoryImpl
	stats     Statistics
}

// New creates a dispatch-locality model.
func New(config Config) *Model {
	numSets := config.Entries / config.Associativity
	return &Model{
		config: config,
		directory: akitacache.NewDirectory(
			numSets,
			config.Associativity,
			config.LineSize,
			akitacache.NewLRUVictimFinder(),
		),
	}
}

// Config returns the model configuration.
func (m *Model) Config() Config {
	return m.config
}

// Stats returns the counters gathered so far.
func (m *Model) Stats() Statistics {
	return m.stats
}

// Touch records one dispatch at a guest PC. It implements the
// translator's Profiler hook.
func (m *Model) Touch(pc uint32) {
	m.stats.Touches++

	lineAddr := uint64(pc) / uint64(m.config.LineSize) * uint64(m.config.LineSize)

	block := m.directory.Lookup(0, lineAddr)
	if block != nil && block.IsValid {
		m.stats.Hits++
		m.directory.Visit(block)
		return
	}

	m.stats.Misses++
	victim := m.directory.FindVictim(lineAddr)
	if victim == nil {
		return
	}
	if victim.IsValid {
		m.stats.Evictions++
	}
	victim.Tag = lineAddr
	victim.IsValid = true
	victim.IsDirty = false
	m.directory.Visit(victim)
}

// Reset clears the model.
func (m *Model) Reset() {
	m.directory.Reset()
	m.stats = Statistics{}
}
