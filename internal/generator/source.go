package generator

import (
	"math/rand"
	"sync"
)

// Source yields uniformly distributed values in [0,1).
type Source interface {
	Float64() float64
}

type seededSource struct {
	mu  sync.Mutex
	rnd *rand.Rand
}

// NewSeededSource returns a Source that is safe for concurrent use and
// reproducible for a given seed.
func NewSeededSource(seed int64) Source {
	return &seededSource{rnd: rand.New(rand.NewSource(seed))}
}

func (s *seededSource) Float64() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rnd.Float64()
}
