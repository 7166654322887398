package locator

import (
	"crypto/md5"
	"fmt"
	"sort"
	"strconv"
)

// point is one position of a node on the continuum
type point struct {
	hash uint32
	node int // index into nodes
}

// KetamaLocator is a consistent hashing ring
type KetamaLocator[N Named] struct {
	nodes       []N
	ring        []point // sorted by hash, unique hashes
	alg         HashAlgorithm
	repetitions int
}

// NewKetamaLocator places every node on the ring. repetitions <= 0 selects
// DefaultRepetitions. With HashKetama one md5 digest yields four points, so a node
// gets repetitions points in both cases, rounded up to a multiple of four for HashKetama.
func NewKetamaLocator[N Named](nodes []N, alg HashAlgorithm, repetitions int) (*KetamaLocator[N], error) {
	if len(nodes) == 0 {
		return nil, ErrNoNodes
	}
	if repetitions <= 0 {
		repetitions = DefaultRepetitions
	}

	l := &KetamaLocator[N]{
		nodes:       make([]N, len(nodes)),
		alg:         alg,
		repetitions: repetitions,
	}
	copy(l.nodes, nodes)

	// a later node wins a point collision
	owners := make(map[uint32]int, len(nodes)*repetitions)
	for idx, n := range l.nodes {
		if alg == HashKetama {
			digests := max(1, (repetitions+3)/4)
			for i := 0; i < digests; i++ {
				d := md5.Sum([]byte(pointKey(n, i)))
				for h := 0; h < 4; h++ {
					owners[ketamaPoint(d, h)] = idx
				}
			}
		} else {
			for i := 0; i < repetitions; i++ {
				owners[alg.Hash(pointKey(n, i))] = idx
			}
		}
	}

	l.ring = make([]point, 0, len(owners))
	for h, idx := range owners {
		l.ring = append(l.ring, point{hash: h, node: idx})
	}
	sort.Slice(l.ring, func(i, j int) bool { return l.ring[i].hash < l.ring[j].hash })
	if len(l.ring) == 0 {
		return nil, fmt.Errorf("%w: continuum has no points", ErrNoNodes)
	}

	Logger.Debugf("built continuum with %d points for %d nodes (%s)", len(l.ring), len(l.nodes), alg)
	return l, nil
}

// --------------------------------------------------------------------------
// Interface Methods
// --------------------------------------------------------------------------

func (l *KetamaLocator[N]) GetPrimary(key string) N {
	return l.nodes[l.ring[l.search(l.alg.Hash(key))].node]
}

// GetSequence walks the ring clockwise from the primary point and returns every
// other node once, in the order their first point is met
func (l *KetamaLocator[N]) GetSequence(key string) []N {
	start := l.search(l.alg.Hash(key))
	primary := l.ring[start].node

	seen := make([]bool, len(l.nodes))
	seen[primary] = true
	seq := make([]N, 0, len(l.nodes)-1)
	for i := 1; i < len(l.ring) && len(seq) < len(l.nodes)-1; i++ {
		idx := l.ring[(start+i)%len(l.ring)].node
		if seen[idx] {
			continue
		}
		seen[idx] = true
		seq = append(seq, l.nodes[idx])
	}
	return seq
}

func (l *KetamaLocator[N]) GetAll() []N {
	cp := make([]N, len(l.nodes))
	copy(cp, l.nodes)
	return cp
}

func (l *KetamaLocator[N]) ReadOnly() INodeLocator[N] {
	return &readOnlyLocator[N]{inner: l}
}

// Points returns the number of distinct points on the ring
func (l *KetamaLocator[N]) Points() int {
	return len(l.ring)
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// search returns the ring position of the first point >= hash, wrapping to 0
func (l *KetamaLocator[N]) search(hash uint32) int {
	i := sort.Search(len(l.ring), func(i int) bool { return l.ring[i].hash >= hash })
	if i == len(l.ring) {
		return 0
	}
	return i
}

func pointKey[N Named](n N, rep int) string {
	return n.Name() + "-" + strconv.Itoa(rep)
}
