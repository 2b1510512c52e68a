package vad

import (
	"context"
	"errors"
	"fmt"
	"math"
)

// SegmenterConfig holds the parameters for one capture session. SampleRate
// and ChunkSize come from the client handshake; the rest from gateway
// configuration.
type SegmenterConfig struct {
	// SampleRate is the client audio sample rate in Hz.
	SampleRate int

	// ChunkSize is the number of samples per client frame.
	ChunkSize int

	// Threshold is the speech probability above which a frame counts as
	// voice and resets the trailing-silence counter.
	Threshold float64

	// MaxCommandSeconds caps the capture duration. The capture ends once the
	// accumulator exceeds MaxCommandSeconds × SampleRate samples.
	MaxCommandSeconds int

	// MaxPauseSeconds is the trailing-silence duration that ends a capture.
	MaxPauseSeconds float64
}

// Segmenter accumulates one spoken command and detects its endpoint. The
// capture ends when the accumulator exceeds the frame cap or when
// consecutive below-threshold frames reach the silence-package bound,
// whichever comes first. A command is never cut short for being brief.
//
// A Segmenter belongs to a single session loop and is not safe for
// concurrent use.
type Segmenter struct {
	scorer     Scorer
	cfg        SegmenterConfig
	maxFrames  int
	maxSilence int

	frames    []float32
	silence   int
	hadSpeech bool
}

// NewSegmenter validates cfg and computes the endpoint bounds:
// maxCaptureFrames = MaxCommandSeconds × SampleRate and
// maxSilencePackages = round(SampleRate / ChunkSize × MaxPauseSeconds).
func NewSegmenter(scorer Scorer, cfg SegmenterConfig) (*Segmenter, error) {
	if scorer == nil {
		return nil, errors.New("vad: scorer must not be nil")
	}
	if cfg.SampleRate <= 0 {
		return nil, fmt.Errorf("vad: sample rate %d must be positive", cfg.SampleRate)
	}
	if cfg.ChunkSize <= 0 {
		return nil, fmt.Errorf("vad: chunk size %d must be positive", cfg.ChunkSize)
	}
	if cfg.Threshold < 0 || cfg.Threshold > 1 {
		return nil, fmt.Errorf("vad: threshold %v must be in [0, 1]", cfg.Threshold)
	}
	if cfg.MaxCommandSeconds <= 0 {
		return nil, fmt.Errorf("vad: max command seconds %d must be positive", cfg.MaxCommandSeconds)
	}
	if cfg.MaxPauseSeconds <= 0 {
		return nil, fmt.Errorf("vad: max pause seconds %v must be positive", cfg.MaxPauseSeconds)
	}

	maxSilence := int(math.Round(float64(cfg.SampleRate) / float64(cfg.ChunkSize) * cfg.MaxPauseSeconds))
	if maxSilence < 1 {
		maxSilence = 1
	}
	return &Segmenter{
		scorer:     scorer,
		cfg:        cfg,
		maxFrames:  cfg.MaxCommandSeconds * cfg.SampleRate,
		maxSilence: maxSilence,
	}, nil
}

// Push scores frame and appends it to the accumulator. It reports whether
// the endpoint has been reached. A scoring error leaves the accumulator
// untouched so the caller may retry with the next frame.
//
// The trailing-silence counter only arms once some speech has been heard;
// a capture that never contains speech ends via the frame cap, so the
// accumulator stays bounded either way.
func (s *Segmenter) Push(ctx context.Context, frame []float32) (bool, error) {
	p, err := s.scorer.Score(ctx, frame, s.cfg.SampleRate)
	if err != nil {
		return false, err
	}

	if p > s.cfg.Threshold {
		s.silence = 0
		s.hadSpeech = true
	} else if s.hadSpeech {
		s.silence++
	}
	s.frames = append(s.frames, frame...)

	return len(s.frames) > s.maxFrames || s.silence >= s.maxSilence, nil
}

// Samples returns the accumulated capture. The slice is owned by the
// Segmenter and is only valid until the next Reset.
func (s *Segmenter) Samples() []float32 {
	return s.frames
}

// Reset clears the accumulator and silence state for the next capture.
func (s *Segmenter) Reset() {
	s.frames = nil
	s.silence = 0
	s.hadSpeech = false
}

// MaxSilencePackages exposes the computed silence bound, mainly for logging
// and tests.
func (s *Segmenter) MaxSilencePackages() int {
	return s.maxSilence
}
