// Package mock provides scripted wake.Model implementations for tests.
package mock

import (
	"context"
	"sync"
)

// Model replays a scripted sequence of probabilities. Once the script is
// exhausted it keeps returning the final value (or 0 for an empty script).
// Safe for concurrent use.
type Model struct {
	mu     sync.Mutex
	script []float64
	idx    int
	err    error

	// Frames records every frame passed to Predict, for assertions.
	Frames [][]float32
}

// Fixed returns a Model that always reports p.
func Fixed(p float64) *Model {
	return &Model{script: []float64{p}}
}

// Script returns a Model that replays probs in order.
func Script(probs ...float64) *Model {
	return &Model{script: probs}
}

// Failing returns a Model whose Predict always returns err.
func Failing(err error) *Model {
	return &Model{err: err}
}

// Predict implements wake.Model.
func (m *Model) Predict(_ context.Context, frame []float32) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return 0, m.err
	}
	m.Frames = append(m.Frames, frame)
	if len(m.script) == 0 {
		return 0, nil
	}
	p := m.script[m.idx]
	if m.idx < len(m.script)-1 {
		m.idx++
	}
	return p, nil
}
