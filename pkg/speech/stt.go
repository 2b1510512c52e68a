// Package speech provides thin HTTP clients for the speech-to-text and
// text-to-speech collaborator services. Both services are batch APIs: one
// request per utterance, authenticated with a static user token header,
// with a short fixed timeout so a slow collaborator can never stall the
// gateway indefinitely. Failures are returned to the caller and never
// retried here; the next utterance is the retry path.
package speech

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// defaultTimeout bounds every STT/TTS request.
const defaultTimeout = 10 * time.Second

// tokenHeader is the authentication header both speech services expect.
const tokenHeader = "user-token"

// Option is a functional option shared by Transcriber and Synthesizer
// constructors.
type Option func(*client)

// WithToken sets the user token sent with every request.
func WithToken(token string) Option {
	return func(c *client) {
		c.token = token
	}
}

// WithTimeout overrides the default 10 s request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *client) {
		c.httpClient.Timeout = d
	}
}

// WithHTTPClient replaces the underlying HTTP client entirely.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *client) {
		c.httpClient = hc
	}
}

// client holds the pieces common to both speech services.
type client struct {
	endpoint   string
	token      string
	httpClient *http.Client
}

func newClient(endpoint string, opts ...Option) (*client, error) {
	if endpoint == "" {
		return nil, errors.New("speech: endpoint must not be empty")
	}
	c := &client{
		endpoint:   endpoint,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// Transcriber converts captured PCM audio to text via the transcription
// service. Safe for concurrent use.
type Transcriber struct {
	c *client
}

// NewTranscriber creates a Transcriber targeting endpoint (e.g.
// "http://stt:8000/transcribe").
func NewTranscriber(endpoint string, opts ...Option) (*Transcriber, error) {
	c, err := newClient(endpoint, opts...)
	if err != nil {
		return nil, err
	}
	return &Transcriber{c: c}, nil
}

// Transcribe POSTs pcm (raw little-endian float32 samples) and returns the
// transcribed text. Any non-2xx status, transport error, or malformed
// response body is an error.
func (t *Transcriber) Transcribe(ctx context.Context, pcm []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.c.endpoint, bytes.NewReader(pcm))
	if err != nil {
		return "", fmt.Errorf("speech: create stt request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set(tokenHeader, t.c.token)

	resp, err := t.c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("speech: stt request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("speech: stt server returned HTTP %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("speech: read stt response: %w", err)
	}

	var result struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return "", fmt.Errorf("speech: parse stt response: %w", err)
	}
	return result.Text, nil
}
