package ops

import "sync/atomic"

// OpaqueGenerator hands out correlation ids for binary requests.
// The counter wraps through zero on overflow; ids only need to be unique
// among the requests in flight on one connection.
type OpaqueGenerator struct {
	next atomic.Uint32
}

// NewOpaqueGenerator creates a generator whose first id is start+1
func NewOpaqueGenerator(start uint32) *OpaqueGenerator {
	g := &OpaqueGenerator{}
	g.next.Store(start)
	return g
}

// Next returns the next id
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (g *OpaqueGenerator) Next() uint32 {
	return g.next.Add(1)
}
