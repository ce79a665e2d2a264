package idgenerator

import "sync/atomic"

// IdGenerator hands out session IDs in increasing order. It is safe for
// concurrent use. ID 0 is reserved to mean "no session" and is skipped when
// the counter wraps around.
type IdGenerator struct {
	id atomic.Uint32
}

// NewIdGenerator creates an IdGenerator whose first Id is startValue+1, or 1
// if that would be 0.
//
// Parameters:
//   - startValue: The value to initialize the counter to
//
// Returns:
//   - A new IdGenerator instance
func NewIdGenerator(startValue uint32) *IdGenerator {
	gen := &IdGenerator{}
	gen.id.Store(startValue)
	return gen
}

// Id returns the next ID. It never returns 0.
func (g *IdGenerator) Id() uint32 {
	for {
		if id := g.id.Add(1); id != 0 {
			return id
		}
	}
}
