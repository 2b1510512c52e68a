// Package vad defines the voice-activity-detection contract and the
// endpointing Segmenter that decides when a spoken command is complete.
//
// Scoring is an external collaborator (e.g. a Silero VAD model behind an
// inference server); the Segmenter owns the accumulate-until-silence-or-
// max-duration algorithm and the audio accumulator for one capture.
package vad

import "context"

// Scorer returns the probability that one frame of normalized float32 PCM
// contains speech. Implementations must be safe for concurrent use.
type Scorer interface {
	// Score returns a speech probability in [0, 1] for frame, recorded at
	// sampleRate Hz. It should honour ctx cancellation.
	Score(ctx context.Context, frame []float32, sampleRate int) (float64, error)
}
