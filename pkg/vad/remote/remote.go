// Package remote provides an HTTP-backed vad.Scorer that delegates speech
// scoring to a VAD inference server (e.g. a Silero VAD container). Frames
// are POSTed as raw little-endian float32 PCM with the sample rate as a
// query parameter.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/loftwall/echogate/pkg/audio"
	"github.com/loftwall/echogate/pkg/vad"
)

const defaultTimeout = 5 * time.Second

// Compile-time assertion that Scorer implements vad.Scorer.
var _ vad.Scorer = (*Scorer)(nil)

// Option is a functional option for New.
type Option func(*Scorer)

// WithTimeout sets the per-request HTTP timeout. Defaults to 5 s.
func WithTimeout(d time.Duration) Option {
	return func(s *Scorer) {
		s.httpClient.Timeout = d
	}
}

// WithHTTPClient replaces the underlying HTTP client entirely.
func WithHTTPClient(c *http.Client) Option {
	return func(s *Scorer) {
		s.httpClient = c
	}
}

// Scorer calls a remote VAD inference endpoint. Safe for concurrent use.
type Scorer struct {
	endpoint   string
	httpClient *http.Client
}

// New creates a Scorer targeting endpoint (e.g. "http://vad:9001/score").
func New(endpoint string, opts ...Option) (*Scorer, error) {
	if endpoint == "" {
		return nil, errors.New("vad/remote: endpoint must not be empty")
	}
	s := &Scorer{
		endpoint:   endpoint,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Score POSTs frame to the inference server and returns the reported speech
// probability.
func (s *Scorer) Score(ctx context.Context, frame []float32, sampleRate int) (float64, error) {
	u, err := url.Parse(s.endpoint)
	if err != nil {
		return 0, fmt.Errorf("vad/remote: parse endpoint: %w", err)
	}
	q := u.Query()
	q.Set("samplerate", strconv.Itoa(sampleRate))
	u.RawQuery = q.Encode()

	body := bytes.NewReader(audio.Float32Bytes(frame))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), body)
	if err != nil {
		return 0, fmt.Errorf("vad/remote: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("vad/remote: http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return 0, fmt.Errorf("vad/remote: server returned HTTP %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, fmt.Errorf("vad/remote: read response body: %w", err)
	}

	var result struct {
		Probability float64 `json:"probability"`
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return 0, fmt.Errorf("vad/remote: parse JSON response: %w", err)
	}
	if result.Probability < 0 || result.Probability > 1 {
		return 0, fmt.Errorf("vad/remote: probability %v out of range", result.Probability)
	}
	return result.Probability, nil
}
