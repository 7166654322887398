package locator

// ArrayModLocator routes a key to nodes[hash(key) mod n]
type ArrayModLocator[N Named] struct {
	nodes []N
	alg   HashAlgorithm
}

// NewArrayModLocator creates a modulo locator over a copy of nodes
func NewArrayModLocator[N Named](nodes []N, alg HashAlgorithm) (*ArrayModLocator[N], error) {
	if len(nodes) == 0 {
		return nil, ErrNoNodes
	}
	cp := make([]N, len(nodes))
	copy(cp, nodes)
	return &ArrayModLocator[N]{nodes: cp, alg: alg}, nil
}

// --------------------------------------------------------------------------
// Interface Methods
// --------------------------------------------------------------------------

func (l *ArrayModLocator[N]) GetPrimary(key string) N {
	return l.nodes[l.index(key)]
}

// GetSequence returns the nodes following the primary in array order
func (l *ArrayModLocator[N]) GetSequence(key string) []N {
	start := l.index(key)
	seq := make([]N, 0, len(l.nodes)-1)
	for i := 1; i < len(l.nodes); i++ {
		seq = append(seq, l.nodes[(start+i)%len(l.nodes)])
	}
	return seq
}

func (l *ArrayModLocator[N]) GetAll() []N {
	cp := make([]N, len(l.nodes))
	copy(cp, l.nodes)
	return cp
}

func (l *ArrayModLocator[N]) ReadOnly() INodeLocator[N] {
	return &readOnlyLocator[N]{inner: l}
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

func (l *ArrayModLocator[N]) index(key string) int {
	return int(l.alg.Hash(key) % uint32(len(l.nodes)))
}
