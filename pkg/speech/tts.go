package speech

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// Synthesizer converts reply text to PCM audio via the synthesis service.
// Safe for concurrent use.
type Synthesizer struct {
	c *client
}

// NewSynthesizer creates a Synthesizer targeting endpoint (e.g.
// "http://tts:8080/synthesizeSpeech").
func NewSynthesizer(endpoint string, opts ...Option) (*Synthesizer, error) {
	c, err := newClient(endpoint, opts...)
	if err != nil {
		return nil, err
	}
	return &Synthesizer{c: c}, nil
}

// synthesisRequest is the JSON body sent to the synthesis service.
type synthesisRequest struct {
	Text       string `json:"text"`
	SampleRate int    `json:"samplerate"`
}

// Synthesize requests audio for text at sampleRate Hz and returns the raw
// PCM response body. Any non-2xx status or transport error is an error; an
// empty body is returned as-is (the caller decides whether to send it).
func (s *Synthesizer) Synthesize(ctx context.Context, text string, sampleRate int) ([]byte, error) {
	body, err := json.Marshal(synthesisRequest{Text: text, SampleRate: sampleRate})
	if err != nil {
		return nil, fmt.Errorf("speech: encode tts request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("speech: create tts request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(tokenHeader, s.c.token)

	resp, err := s.c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("speech: tts request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("speech: tts server returned HTTP %d", resp.StatusCode)
	}

	pcm, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("speech: read tts response: %w", err)
	}
	return pcm, nil
}
