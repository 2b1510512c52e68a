// Package mock provides scripted vad.Scorer implementations for tests.
package mock

import (
	"context"
	"sync"
)

// Scorer replays a scripted sequence of speech probabilities. Once the
// script is exhausted it keeps returning the final value (or 0 for an
// empty script). Safe for concurrent use.
type Scorer struct {
	mu     sync.Mutex
	script []float64
	idx    int
	err    error
}

// Fixed returns a Scorer that always reports p.
func Fixed(p float64) *Scorer {
	return &Scorer{script: []float64{p}}
}

// Script returns a Scorer that replays probs in order.
func Script(probs ...float64) *Scorer {
	return &Scorer{script: probs}
}

// Failing returns a Scorer whose Score always returns err.
func Failing(err error) *Scorer {
	return &Scorer{err: err}
}

// Score implements vad.Scorer.
func (s *Scorer) Score(context.Context, []float32, int) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return 0, s.err
	}
	if len(s.script) == 0 {
		return 0, nil
	}
	p := s.script[s.idx]
	if s.idx < len(s.script)-1 {
		s.idx++
	}
	return p, nil
}
