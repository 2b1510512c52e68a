// Package wake defines the wake-word detection contract and the debounce
// logic that gates session capture.
//
// Model inference is an external collaborator: implementations score one
// audio frame at a time and return the probability that the configured
// keyword occurs in it. The Detector wraps a Model with the threshold and
// debounce-window policy, so a burst of high-probability frames around a
// single utterance produces exactly one trigger.
//
// A Detector belongs to a single session loop and is not safe for
// concurrent use.
package wake

import (
	"context"
	"errors"
	"time"
)

// Model scores one frame of normalized float32 PCM for the keyword it was
// built for. Implementations must be safe for concurrent use.
type Model interface {
	// Predict returns the probability in [0, 1] that the keyword occurs in
	// frame. It should honour ctx cancellation.
	Predict(ctx context.Context, frame []float32) (float64, error)
}

// Detector decides whether a frame triggers command capture. Triggering
// requires the model probability to reach the threshold and the debounce
// window to have elapsed since the previous trigger.
type Detector struct {
	model     Model
	threshold float64
	debounce  time.Duration

	lastTrigger time.Time
	now         func() time.Time
}

// DetectorOption is a functional option for NewDetector.
type DetectorOption func(*Detector)

// WithClock overrides the time source. Tests use this to step through the
// debounce window deterministically.
func WithClock(now func() time.Time) DetectorOption {
	return func(d *Detector) {
		d.now = now
	}
}

// NewDetector creates a Detector. threshold must be in [0, 1] and debounce
// must not be negative.
func NewDetector(model Model, threshold float64, debounce time.Duration, opts ...DetectorOption) (*Detector, error) {
	if model == nil {
		return nil, errors.New("wake: model must not be nil")
	}
	if threshold < 0 || threshold > 1 {
		return nil, errors.New("wake: threshold must be in [0, 1]")
	}
	if debounce < 0 {
		return nil, errors.New("wake: debounce must not be negative")
	}
	d := &Detector{
		model:     model,
		threshold: threshold,
		debounce:  debounce,
		now:       time.Now,
	}
	for _, o := range opts {
		o(d)
	}
	return d, nil
}

// Evaluate scores frame and reports whether it triggers capture. The last
// trigger time is updated the moment a trigger fires, before the caller
// acts on it, so a failed capture still counts against the debounce window.
func (d *Detector) Evaluate(ctx context.Context, frame []float32) (bool, error) {
	p, err := d.model.Predict(ctx, frame)
	if err != nil {
		return false, err
	}
	if p < d.threshold {
		return false, nil
	}
	now := d.now()
	if !d.lastTrigger.IsZero() && now.Sub(d.lastTrigger) < d.debounce {
		return false, nil
	}
	d.lastTrigger = now
	return true, nil
}
