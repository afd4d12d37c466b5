package nvmekit

import (
	"math/rand"
	"sync"

	"github.com/nvmekit/nvmekit/internal/supervisor"
)

// Context is the process-wide state every Controller shares: the
// live-object registry (for the supervisor's JSON-RPC introspection),
// and the pseudo-random source pattern fills and lba_random draws pull
// from so test runs are reproducible end to end. Generalized from a
// package-level global into an explicit, injectable boundary per the
// reproducible-RNG decision recorded in DESIGN.md.
type Context struct {
	mu       sync.Mutex
	Rand     *rand.Rand
	Registry *supervisor.Registry
}

var (
	defaultContext     *Context
	defaultContextOnce sync.Once
)

// DefaultContext returns the process-wide singleton Context, created on
// first use with a time-independent seed of 1 so an unconfigured run is
// still deterministic. Call SetSeed to reseed it explicitly.
func DefaultContext() *Context {
	defaultContextOnce.Do(func() {
		defaultContext = NewContext(1)
	})
	return defaultContext
}

// NewContext builds a fresh Context seeded with seed.
func NewContext(seed int64) *Context {
	return &Context{
		Rand:     rand.New(rand.NewSource(seed)),
		Registry: supervisor.NewRegistry(),
	}
}

// SetSeed reseeds c's random source. Safe to call concurrently with
// reads of c.Rand elsewhere only if the caller quiesces in-flight I/O
// first — reseeding mid-run is a test-setup operation, not a hot-path
// one.
func (c *Context) SetSeed(seed int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Rand = rand.New(rand.NewSource(seed))
}
