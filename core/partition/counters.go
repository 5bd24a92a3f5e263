package partition

import "sync"

// Counters holds one monotonically increasing counter per subject. Counters
// wrap around at 2^64. The zero value is ready to use.
type Counters struct {
	mu sync.Mutex
	m  map[string]uint64
}

// NewCounters returns an empty counter set.
func NewCounters() *Counters {
	return &Counters{}
}

// Next returns the current value for subject and advances it.
func (c *Counters) Next(subject string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.m == nil {
		c.m = make(map[string]uint64)
	}
	v := c.m[subject]
	c.m[subject] = v + 1
	return v
}

// Reset forgets all counters.
func (c *Counters) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.m)
}
