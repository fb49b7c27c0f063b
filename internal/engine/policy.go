package engine

import "github.com/example/instant-dispatch/internal/registry"

// OfferPolicy selects which eligible workers receive the next batch of
// offers. Candidates arrive ranked; already-offered workers are excluded
// before the policy sees them.
type OfferPolicy interface {
	NextWave(eligible []registry.Candidate) []registry.Candidate
}

// Broadcast offers to every eligible worker at once.
type Broadcast struct{}

func (Broadcast) NextWave(eligible []registry.Candidate) []registry.Candidate {
	return eligible
}

// Waves offers to the top K, re-offering to the next K as offers resolve.
type Waves struct {
	K int
}

func (w Waves) NextWave(eligible []registry.Candidate) []registry.Candidate {
	k := w.K
	if k <= 0 {
		k = 3
	}
	if k > len(eligible) {
		k = len(eligible)
	}
	return eligible[:k]
}
