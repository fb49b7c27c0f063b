package ranking

import "sync"

// Source supplies the secondary ordering key used to break distance ties.
// The engine treats it as a black box; higher is better.
type Source interface {
	Rating(workerID string) float64
}

// Static is a fixed in-memory rating table, useful as a default and in tests.
type Static struct {
	mu      sync.RWMutex
	ratings map[string]float64
}

func NewStatic() *Static {
	return &Static{ratings: make(map[string]float64)}
}

func (s *Static) Set(workerID string, rating float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ratings[workerID] = rating
}

func (s *Static) Rating(workerID string) float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ratings[workerID]
}
