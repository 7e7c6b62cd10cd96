package jit

// Trust says how far the translator may trust guest addresses of a given
// access class when choosing between the inline direct-map path and the
// bank-dispatch path.
type Trust uint8

// Trust levels.
const (
	// TrustDirect emits inline loads and stores against the direct map.
	TrustDirect Trust = iota
	// TrustIndirect always dispatches through the bank table.
	TrustIndirect
)

// Config holds translator configuration.
type Config struct {
	// CacheSize is the translation cache size in kilobytes. Zero
	// disables compilation entirely.
	CacheSize int

	// TrustByte, TrustWord, TrustLong and TrustNAddr select the memory
	// access strategy per access class (naddr covers effective-address
	// materialization).
	TrustByte  Trust
	TrustWord  Trust
	TrustLong  Trust
	TrustNAddr Trust

	// CompNoFlags enables the flag-liveness analysis and the no-flags
	// compile variants.
	CompNoFlags bool

	// HardFlush makes every soft flush request a hard flush instead.
	HardFlush bool

	// ConstJump allows constant-target branches to be folded.
	ConstJump bool

	// OptCount is the recompilation schedule: OptCount[n] is how many
	// executions a block at optimization level n gets before the next
	// recompilation attempt; zero entries are skipped, negative entries
	// stop further promotion.
	OptCount [10]int
}

// DefaultConfig returns the stock configuration.
func DefaultConfig() Config {
	return Config{
		CacheSize:   8192,
		CompNoFlags: true,
		ConstJump:   true,
		OptCount:    [10]int{10, 0, 0, 0, 0, 0, -1, -1, -1, -1},
	}
}

// trustFor returns the trust level for an access of the given width.
func (c *Config) trustFor(size int) Trust {
	switch size {
	case 1:
		return c.TrustByte
	case 2:
		return c.TrustWord
	default:
		return c.TrustLong
	}
}
