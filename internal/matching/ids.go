package matching

import (
	"strconv"
	"strings"
	"sync/atomic"
)

// IDGenerator produces monotonically increasing, prefixed ids (ORD-<n>,
// STO-<n>, T-<n>). It is safe for concurrent use.
type IDGenerator struct {
	prefix string
	n      atomic.Uint64
}

// NewIDGenerator builds a generator that issues "<prefix>-<n>" ids starting
// at 1.
func NewIDGenerator(prefix string) *IDGenerator {
	return &IDGenerator{prefix: prefix}
}

// Next returns the next id in sequence.
func (g *IDGenerator) Next() string {
	n := g.n.Add(1)
	return g.prefix + "-" + strconv.FormatUint(n, 10)
}

// Observe bumps the generator's counter to at least n, without issuing an
// id. Used during replay to restore the counter to one above the maximum
// id seen in the log.
func (g *IDGenerator) Observe(n uint64) {
	for {
		cur := g.n.Load()
		if n <= cur {
			return
		}
		if g.n.CompareAndSwap(cur, n) {
			return
		}
	}
}

// ParseSeq extracts the numeric suffix from an id of the form "<prefix>-<n>".
// It returns false if id does not carry a parseable suffix.
func ParseSeq(id string) (uint64, bool) {
	idx := strings.LastIndexByte(id, '-')
	if idx < 0 || idx == len(id)-1 {
		return 0, false
	}
	n, err := strconv.ParseUint(id[idx+1:], 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}
