package locator

import (
	"errors"
	"fmt"
	"strings"

	"github.com/lni/dragonboat/v4/logger"
)

var Logger = logger.GetLogger("memcached/locator")

// ErrNoNodes is returned when a locator is built without nodes
var ErrNoNodes = errors.New("locator requires at least one node")

// DefaultRepetitions is the number of ring points per node of a ketama continuum
const DefaultRepetitions = 160

// --------------------------------------------------------------------------
// Interface Definitions
// --------------------------------------------------------------------------

// Named is implemented by everything a locator can route to. The name is the
// node identity used to place the node on the ring, e.g. "10.0.0.1:11211".
type Named interface {
	Name() string
}

// INodeLocator maps keys to nodes
type INodeLocator[N Named] interface {
	// GetPrimary returns the node owning the key
	GetPrimary(key string) N

	// GetSequence returns the fallback candidates for a key in routing order.
	// The primary is not part of the sequence, every other node appears once.
	GetSequence(key string) []N

	// GetAll returns all nodes in construction order
	GetAll() []N

	// ReadOnly returns a view that is safe to hand out to callers
	ReadOnly() INodeLocator[N]
}

// Type selects the routing strategy
type Type string

const (
	TypeArrayMod Type = "arraymod"
	TypeKetama   Type = "ketama"
)

// ParseType converts a configuration name into a locator Type
func ParseType(s string) (Type, error) {
	switch Type(strings.ToLower(strings.TrimSpace(s))) {
	case TypeArrayMod, "modulo", "array":
		return TypeArrayMod, nil
	case TypeKetama, "consistent", "continuum":
		return TypeKetama, nil
	}
	return "", fmt.Errorf("unknown locator type %q (must be one of arraymod, ketama)", s)
}

// New builds a locator of the given type
func New[N Named](t Type, nodes []N, alg HashAlgorithm, repetitions int) (INodeLocator[N], error) {
	switch t {
	case TypeArrayMod:
		l, err := NewArrayModLocator(nodes, alg)
		if err != nil {
			return nil, err
		}
		return l, nil
	case TypeKetama:
		l, err := NewKetamaLocator(nodes, alg, repetitions)
		if err != nil {
			return nil, err
		}
		return l, nil
	default:
		return nil, fmt.Errorf("unknown locator type %q", t)
	}
}

// --------------------------------------------------------------------------
// Helper Functions
// --------------------------------------------------------------------------

// FirstActive returns the primary node of key if it is active, otherwise the first
// active node of the fallback sequence. ok is false if no node is active.
func FirstActive[N Named](loc INodeLocator[N], key string, isActive func(N) bool) (node N, ok bool) {
	primary := loc.GetPrimary(key)
	if isActive(primary) {
		return primary, true
	}
	for _, n := range loc.GetSequence(key) {
		if isActive(n) {
			return n, true
		}
	}
	var zero N
	return zero, false
}

// Distribution counts how many of the keys each node owns, indexed by node name.
// Nodes without keys are reported with a zero count.
func Distribution[N Named](loc INodeLocator[N], keys []string) map[string]int {
	counts := make(map[string]int, len(loc.GetAll()))
	for _, n := range loc.GetAll() {
		counts[n.Name()] = 0
	}
	for _, k := range keys {
		counts[loc.GetPrimary(k).Name()]++
	}
	return counts
}

// --------------------------------------------------------------------------
// Read-only View
// --------------------------------------------------------------------------

// readOnlyLocator hides the concrete locator and copies slices on the way out
type readOnlyLocator[N Named] struct {
	inner INodeLocator[N]
}

func (r *readOnlyLocator[N]) GetPrimary(key string) N {
	return r.inner.GetPrimary(key)
}

func (r *readOnlyLocator[N]) GetSequence(key string) []N {
	return r.inner.GetSequence(key)
}

func (r *readOnlyLocator[N]) GetAll() []N {
	return r.inner.GetAll()
}

func (r *readOnlyLocator[N]) ReadOnly() INodeLocator[N] {
	return r
}
