// Package gateway implements the client-facing half of echogate: the
// WebSocket control endpoint, single-session admission, the client
// handshake, and the per-session audio state machine that turns raw PCM
// frames into published commands and plays bus replies back as speech.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/loftwall/echogate/internal/config"
	"github.com/loftwall/echogate/internal/observe"
	"github.com/loftwall/echogate/pkg/assistant"
	"github.com/loftwall/echogate/pkg/vad"
	"github.com/loftwall/echogate/pkg/wake"
)

// MessageBus is the subset of the bus router the gateway depends on.
// *bus.Router satisfies it; tests inject an in-memory fake.
type MessageBus interface {
	Subscribe(ctx context.Context, topic string, inbox chan<- assistant.Response) error
	UnsubscribeAll(ctx context.Context, inbox chan<- assistant.Response) error
	Publish(ctx context.Context, topic string, payload []byte) error
}

// Transcriber converts a captured utterance to text.
type Transcriber interface {
	Transcribe(ctx context.Context, pcm []byte) (string, error)
}

// Synthesizer converts reply text to PCM audio at the session sample rate.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string, sampleRate int) ([]byte, error)
}

// Options bundles the collaborators a Server needs. Bus, Wake, VAD,
// Transcriber and Synthesizer are required; Metrics and Logger fall back
// to package defaults.
type Options struct {
	Bus         MessageBus
	Wake        wake.Model
	VAD         vad.Scorer
	Transcriber Transcriber
	Synthesizer Synthesizer
	Metrics     *observe.Metrics
	Logger      *slog.Logger
}

// Server owns admission and hands each admitted connection to a session.
// At most one session is live at a time; the busy flag is the only
// admission state.
type Server struct {
	cfg    config.Config
	bus    MessageBus
	wake   wake.Model
	vad    vad.Scorer
	stt    Transcriber
	tts    Synthesizer
	met    *observe.Metrics
	logger *slog.Logger

	inputTopic     string
	broadcastTopic string

	busy atomic.Bool
}

// NewServer validates opts and creates a Server for the given
// configuration.
func NewServer(cfg config.Config, opts Options) (*Server, error) {
	var errs []error
	if opts.Bus == nil {
		errs = append(errs, errors.New("gateway: bus must not be nil"))
	}
	if opts.Wake == nil {
		errs = append(errs, errors.New("gateway: wake model must not be nil"))
	}
	if opts.VAD == nil {
		errs = append(errs, errors.New("gateway: vad scorer must not be nil"))
	}
	if opts.Transcriber == nil {
		errs = append(errs, errors.New("gateway: transcriber must not be nil"))
	}
	if opts.Synthesizer == nil {
		errs = append(errs, errors.New("gateway: synthesizer must not be nil"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	if opts.Metrics == nil {
		opts.Metrics = observe.DefaultMetrics()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Server{
		cfg:            cfg,
		bus:            opts.Bus,
		wake:           opts.Wake,
		vad:            opts.VAD,
		stt:            opts.Transcriber,
		tts:            opts.Synthesizer,
		met:            opts.Metrics,
		logger:         opts.Logger,
		inputTopic:     cfg.Broker.EffectiveInputTopic(),
		broadcastTopic: cfg.Broker.BroadcastTopic,
	}, nil
}

// Register adds the gateway routes to mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("/acceptsConnections", s.handleAcceptsConnections)
	mux.HandleFunc("/client_control", s.handleClientControl)
}

// handleAcceptsConnections lets clients probe admission state before
// dialing the WebSocket endpoint.
func (s *Server) handleAcceptsConnections(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if s.busy.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "busy"})
		return
	}
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ready"})
}

// handleClientControl upgrades the connection and runs the session to
// completion. A second connection while one is live is accepted at the
// WebSocket layer and immediately closed, leaving the live session
// untouched.
func (s *Server) handleClientControl(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket accept failed", "err", err)
		return
	}

	if !s.busy.CompareAndSwap(false, true) {
		s.met.SessionsRejected.Add(r.Context(), 1)
		s.logger.Info("rejecting connection, session already live", "remote", r.RemoteAddr)
		conn.Close(websocket.StatusTryAgainLater, "server busy")
		return
	}

	s.met.SessionsAdmitted.Add(r.Context(), 1)
	s.met.ActiveSessions.Add(r.Context(), 1)
	s.logger.Info("session admitted", "remote", r.RemoteAddr)

	sess := newSession(s, conn)
	sess.run(r.Context())
}

// teardownTimeout bounds the broker cleanup done when a session ends.
const teardownTimeout = 5 * time.Second
