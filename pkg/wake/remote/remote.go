// Package remote provides an HTTP-backed wake.Model that delegates scoring
// to a wake-word inference server (e.g. an openWakeWord container exposing
// a REST endpoint). Each frame is POSTed as raw little-endian float32 PCM
// and the server answers with the keyword probability.
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
	"time"

	"github.com/loftwall/echogate/pkg/audio"
	"github.com/loftwall/echogate/pkg/wake"
)

const defaultTimeout = 5 * time.Second

// Compile-time assertion that Scorer implements wake.Model.
var _ wake.Model = (*Scorer)(nil)

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

// Scorer calls a remote wake-word inference endpoint. Safe for concurrent
// use.
type Scorer struct {
	endpoint   string
	keyword    string
	httpClient *http.Client
}

// New creates a Scorer targeting endpoint (e.g. "http://wakeword:9002/score")
// for the given keyword model name. Both must be non-empty.
func New(endpoint, keyword string, opts ...Option) (*Scorer, error) {
	if endpoint == "" {
		return nil, errors.New("wake/remote: endpoint must not be empty")
	}
	if keyword == "" {
		return nil, errors.New("wake/remote: keyword must not be empty")
	}
	s := &Scorer{
		endpoint:   endpoint,
		keyword:    keyword,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Predict POSTs frame to the inference server and returns the reported
// probability for the configured keyword.
func (s *Scorer) Predict(ctx context.Context, frame []float32) (float64, error) {
	u, err := url.Parse(s.endpoint)
	if err != nil {
		return 0, fmt.Errorf("wake/remote: parse endpoint: %w", err)
	}
	q := u.Query()
	q.Set("keyword", s.keyword)
	u.RawQuery = q.Encode()

	body := bytes.NewReader(audio.Float32Bytes(frame))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), body)
	if err != nil {
		return 0, fmt.Errorf("wake/remote: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("wake/remote: http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return 0, fmt.Errorf("wake/remote: server returned HTTP %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, fmt.Errorf("wake/remote: read response body: %w", err)
	}

	var result struct {
		Probability float64 `json:"probability"`
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return 0, fmt.Errorf("wake/remote: parse JSON response: %w", err)
	}
	if result.Probability < 0 || result.Probability > 1 {
		return 0, fmt.Errorf("wake/remote: probability %v out of range", result.Probability)
	}
	return result.Probability, nil
}
