package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/loftwall/echogate/pkg/assistant"
	"github.com/loftwall/echogate/pkg/audio"
	"github.com/loftwall/echogate/pkg/vad"
	"github.com/loftwall/echogate/pkg/wake"
)

// sessionState tracks where a session is in the wake→capture→transcribe
// cycle.
type sessionState int

const (
	stateIdle sessionState = iota
	stateCapturing
)

// inboxSize buffers pending bus replies. Replies beyond the buffer are
// dropped by the router rather than blocking the broker receive path.
const inboxSize = 8

// Control frames sent to the client.
const (
	msgStartListening = "start_listening"
	msgStopListening  = "stop_listening"
	msgAlertDefault   = "alert_default"
)

// handshake is the first text frame a client must send after connecting.
type handshake struct {
	SampleRate int    `json:"samplerate"`
	Channels   int    `json:"channels"`
	ChunkSize  int    `json:"chunk_size"`
	Room       string `json:"room"`
}

func (h handshake) validate() error {
	var errs []error
	if h.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("samplerate %d must be positive", h.SampleRate))
	}
	if h.Channels <= 0 {
		errs = append(errs, fmt.Errorf("channels %d must be positive", h.Channels))
	}
	if h.ChunkSize <= 0 {
		errs = append(errs, fmt.Errorf("chunk_size %d must be positive", h.ChunkSize))
	}
	if h.Room == "" {
		errs = append(errs, errors.New("room must not be empty"))
	}
	return errors.Join(errs...)
}

// session is one admitted client connection. Everything it needs is
// constructed up front so the frame loop allocates as little as possible.
// All fields are owned by the single run goroutine; the inbox channel is
// the only thing the bus router touches.
type session struct {
	srv    *Server
	conn   *websocket.Conn
	logger *slog.Logger

	hs          handshake
	outputTopic string
	inbox       chan assistant.Response

	detector *wake.Detector
	seg      *vad.Segmenter
	state    sessionState

	closeOnce sync.Once
}

func newSession(srv *Server, conn *websocket.Conn) *session {
	return &session{
		srv:    srv,
		conn:   conn,
		logger: srv.logger,
		inbox:  make(chan assistant.Response, inboxSize),
	}
}

// run drives the session to completion. It never lets a failure escape to
// the admission layer: every exit path, including a panic in the pipeline,
// funnels through teardown.
func (s *session) run(ctx context.Context) {
	defer s.teardown()
	defer func() {
		if rec := recover(); rec != nil {
			s.logger.Error("session panicked", "panic", rec)
		}
	}()

	if err := s.performHandshake(ctx); err != nil {
		s.logger.Warn("handshake rejected", "err", err)
		s.conn.Close(websocket.StatusPolicyViolation, "invalid handshake")
		return
	}

	if err := s.attach(ctx); err != nil {
		s.logger.Error("session setup failed", "err", err)
		s.conn.Close(websocket.StatusInternalError, "setup failed")
		return
	}

	s.logger.Info("session established",
		"room", s.hs.Room,
		"samplerate", s.hs.SampleRate,
		"chunk_size", s.hs.ChunkSize,
		"output_topic", s.outputTopic,
		"max_silent_packages", s.seg.MaxSilencePackages(),
	)

	for {
		s.drainInbox(ctx)

		typ, data, err := s.conn.Read(ctx)
		if err != nil {
			s.logger.Info("client disconnected", "err", err)
			return
		}

		switch typ {
		case websocket.MessageText:
			s.handleText(string(data))
		case websocket.MessageBinary:
			if err := s.handleAudio(ctx, data); err != nil {
				s.logger.Info("session write failed", "err", err)
				return
			}
		}
	}
}

// performHandshake reads and validates the first client frame. No broker
// state exists yet, so a rejection only costs the connection itself.
func (s *session) performHandshake(ctx context.Context) error {
	_, data, err := s.conn.Read(ctx)
	if err != nil {
		return fmt.Errorf("read handshake: %w", err)
	}
	var hs handshake
	if err := json.Unmarshal(data, &hs); err != nil {
		return fmt.Errorf("parse handshake: %w", err)
	}
	if err := hs.validate(); err != nil {
		return fmt.Errorf("invalid handshake: %w", err)
	}
	s.hs = hs
	s.outputTopic = fmt.Sprintf("assistant/%s/output", hs.Room)
	return nil
}

// attach builds the per-session pipeline and maps the session's topics to
// its inbox.
func (s *session) attach(ctx context.Context) error {
	cfg := s.srv.cfg

	debounce := time.Duration(cfg.Wake.DebounceSeconds * float64(time.Second))
	detector, err := wake.NewDetector(s.srv.wake, cfg.Wake.Threshold, debounce)
	if err != nil {
		return err
	}
	seg, err := vad.NewSegmenter(s.srv.vad, vad.SegmenterConfig{
		SampleRate:        s.hs.SampleRate,
		ChunkSize:         s.hs.ChunkSize,
		Threshold:         cfg.VAD.Threshold,
		MaxCommandSeconds: cfg.Capture.MaxCommandSeconds,
		MaxPauseSeconds:   cfg.Capture.MaxPauseSeconds,
	})
	if err != nil {
		return err
	}
	s.detector = detector
	s.seg = seg

	if err := s.srv.bus.Subscribe(ctx, s.outputTopic, s.inbox); err != nil {
		return err
	}
	if err := s.srv.bus.Subscribe(ctx, s.srv.broadcastTopic, s.inbox); err != nil {
		return err
	}
	return nil
}

// drainInbox plays back at most one pending reply, then returns so client
// audio keeps flowing. Remaining replies wait for the next pass.
func (s *session) drainInbox(ctx context.Context) {
	select {
	case resp := <-s.inbox:
		if err := s.playReply(ctx, resp); err != nil {
			s.logger.Warn("reply playback failed", "err", err)
		}
	default:
	}
}

// playReply synthesizes resp and streams the audio to the client. A
// synthesis failure drops this reply only; the session continues.
func (s *session) playReply(ctx context.Context, resp assistant.Response) error {
	start := time.Now()
	pcm, err := s.srv.tts.Synthesize(ctx, resp.Text, s.hs.SampleRate)
	s.srv.met.TTSDuration.Record(ctx, time.Since(start).Seconds())
	if err != nil {
		s.srv.met.SpeechErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", "tts")))
		s.logger.Error("synthesis failed, dropping reply", "err", err)
		return nil
	}

	if resp.Alert != nil && resp.Alert.PlayBefore {
		if err := s.conn.Write(ctx, websocket.MessageText, []byte(msgAlertDefault)); err != nil {
			return err
		}
	}
	if err := s.conn.Write(ctx, websocket.MessageBinary, pcm); err != nil {
		return err
	}
	s.srv.met.RepliesDelivered.Add(ctx, 1)
	return nil
}

// handleText processes client control frames. "ready" is the client's flow
// pacing signal; anything else is logged and ignored.
func (s *session) handleText(msg string) {
	switch msg {
	case "ready":
		s.logger.Debug("client ready")
	default:
		s.logger.Warn("unknown control message", "msg", msg)
	}
}

// handleAudio advances the state machine with one binary frame. Returned
// errors are transport failures that end the session; scoring failures are
// logged and absorbed.
func (s *session) handleAudio(ctx context.Context, data []byte) error {
	samples := audio.DecodePCM16(data)
	if s.hs.Channels > 1 {
		samples = audio.DownmixToMono(samples, s.hs.Channels)
	}
	frame := audio.Normalize(samples)

	switch s.state {
	case stateIdle:
		triggered, err := s.detector.Evaluate(ctx, frame)
		if err != nil {
			s.logger.Warn("wake scoring failed", "err", err)
			return nil
		}
		if !triggered {
			return nil
		}
		s.srv.met.WakeTriggers.Add(ctx, 1)
		s.logger.Info("wake word detected, capturing command")
		s.seg.Reset()
		s.state = stateCapturing
		return s.conn.Write(ctx, websocket.MessageText, []byte(msgStartListening))

	case stateCapturing:
		done, err := s.seg.Push(ctx, frame)
		if err != nil {
			s.logger.Warn("vad scoring failed", "err", err)
			return nil
		}
		if !done {
			return nil
		}
		s.srv.met.CapturesCompleted.Add(ctx, 1)
		if err := s.conn.Write(ctx, websocket.MessageText, []byte(msgStopListening)); err != nil {
			return err
		}
		s.finishCapture(ctx)
		s.seg.Reset()
		s.state = stateIdle
	}
	return nil
}

// finishCapture transcribes the accumulated command and publishes it to
// the input topic. Any failure abandons this cycle; there is no retry.
func (s *session) finishCapture(ctx context.Context) {
	samples := s.seg.Samples()

	start := time.Now()
	text, err := s.srv.stt.Transcribe(ctx, audio.Float32Bytes(samples))
	s.srv.met.STTDuration.Record(ctx, time.Since(start).Seconds())
	if err != nil {
		s.srv.met.SpeechErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", "stt")))
		s.logger.Error("transcription failed, dropping command", "err", err)
		return
	}

	req := assistant.ClientRequest{
		ID:          uuid.New(),
		Text:        text,
		Room:        s.hs.Room,
		OutputTopic: s.outputTopic,
	}
	payload, err := json.Marshal(req)
	if err != nil {
		s.logger.Error("encoding command failed", "err", err)
		return
	}
	if err := s.srv.bus.Publish(ctx, s.srv.inputTopic, payload); err != nil {
		s.logger.Error("publishing command failed", "err", err)
		return
	}
	s.srv.met.CommandsPublished.Add(ctx, 1)
	s.logger.Info("command published", "id", req.ID, "room", req.Room)
}

// teardown releases everything the session holds. Idempotent; every exit
// path of run lands here exactly once.
func (s *session) teardown() {
	s.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
		defer cancel()

		if err := s.srv.bus.UnsubscribeAll(ctx, s.inbox); err != nil {
			s.logger.Warn("unsubscribe failed during teardown", "err", err)
		}
		s.conn.Close(websocket.StatusNormalClosure, "session closed")
		s.srv.busy.Store(false)
		s.srv.met.ActiveSessions.Add(ctx, -1)
		s.logger.Info("session closed", "room", s.hs.Room)
	})
}
