package gateway_test

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/loftwall/echogate/internal/config"
	"github.com/loftwall/echogate/internal/gateway"
	"github.com/loftwall/echogate/internal/observe"
	"github.com/loftwall/echogate/pkg/assistant"
	"github.com/loftwall/echogate/pkg/vad"
	vadmock "github.com/loftwall/echogate/pkg/vad/mock"
	"github.com/loftwall/echogate/pkg/wake"
	wakemock "github.com/loftwall/echogate/pkg/wake/mock"
)

// ── Fakes ──────────────────────────────────────────────────────────────────────

type publishRecord struct {
	topic   string
	payload []byte
}

// fakeBus is an in-memory MessageBus. It records subscriptions and publishes
// and can inject replies into a mapped inbox.
type fakeBus struct {
	mu        sync.Mutex
	subs      map[string]chan<- assistant.Response
	published []publishRecord
}

func newFakeBus() *fakeBus {
	return &fakeBus{subs: make(map[string]chan<- assistant.Response)}
}

func (b *fakeBus) Subscribe(_ context.Context, topic string, inbox chan<- assistant.Response) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[topic] = inbox
	return nil
}

func (b *fakeBus) UnsubscribeAll(_ context.Context, inbox chan<- assistant.Response) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for topic, ch := range b.subs {
		if ch == inbox {
			delete(b.subs, topic)
		}
	}
	return nil
}

func (b *fakeBus) Publish(_ context.Context, topic string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published = append(b.published, publishRecord{topic: topic, payload: payload})
	return nil
}

// deliver injects a reply on topic as if it arrived from the broker.
func (b *fakeBus) deliver(t *testing.T, topic string, resp assistant.Response) {
	t.Helper()
	b.mu.Lock()
	inbox, ok := b.subs[topic]
	b.mu.Unlock()
	if !ok {
		t.Fatalf("no inbox mapped for topic %q", topic)
	}
	inbox <- resp
}

func (b *fakeBus) subscribedTopics() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	topics := make([]string, 0, len(b.subs))
	for topic := range b.subs {
		topics = append(topics, topic)
	}
	return topics
}

func (b *fakeBus) publishedRecords() []publishRecord {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]publishRecord(nil), b.published...)
}

// fakeSTT records transcription calls and replies with a fixed result.
type fakeSTT struct {
	mu    sync.Mutex
	text  string
	err   error
	calls [][]byte
}

func (f *fakeSTT) Transcribe(_ context.Context, pcm []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, pcm)
	if f.err != nil {
		return "", f.err
	}
	return f.text, nil
}

func (f *fakeSTT) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeSTT) lastCall() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.calls) == 0 {
		return nil
	}
	return f.calls[len(f.calls)-1]
}

// fakeTTS records synthesis calls and replies with fixed PCM.
type fakeTTS struct {
	mu    sync.Mutex
	pcm   []byte
	err   error
	texts []string
}

func (f *fakeTTS) Synthesize(_ context.Context, text string, _ int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.texts = append(f.texts, text)
	if f.err != nil {
		return nil, f.err
	}
	return f.pcm, nil
}

// ── Harness ────────────────────────────────────────────────────────────────────

func testConfig() config.Config {
	return config.Config{
		Broker: config.BrokerConfig{
			Host:           "localhost",
			Port:           1883,
			ClientID:       "gw-test",
			BroadcastTopic: "assistant/comms_bridge/broadcast",
		},
		Wake:    config.WakeConfig{Keyword: "hey_nova", Threshold: 0.95},
		VAD:     config.VADConfig{Threshold: 0.6},
		Capture: config.CaptureConfig{MaxCommandSeconds: 30, MaxPauseSeconds: 0.5},
	}
}

type harness struct {
	url string
	bus *fakeBus
	stt *fakeSTT
	tts *fakeTTS
}

func newHarness(t *testing.T, cfg config.Config, wm wake.Model, vs vad.Scorer, stt *fakeSTT, tts *fakeTTS) *harness {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	met, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	if stt == nil {
		stt = &fakeSTT{text: "noop"}
	}
	if tts == nil {
		tts = &fakeTTS{pcm: []byte{1, 2, 3, 4}}
	}
	bus := newFakeBus()

	srv, err := gateway.NewServer(cfg, gateway.Options{
		Bus:         bus,
		Wake:        wm,
		VAD:         vs,
		Transcriber: stt,
		Synthesizer: tts,
		Metrics:     met,
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}

	mux := http.NewServeMux()
	srv.Register(mux)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)

	return &harness{url: ts.URL, bus: bus, stt: stt, tts: tts}
}

func (h *harness) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, h.url+"/client_control", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.CloseNow() })
	return conn
}

// handshake sends a valid default handshake: 160 Hz, 40-sample chunks, so
// the computed silence bound is round(160/40 × 0.5) = 2 packages.
func (h *harness) handshake(t *testing.T, conn *websocket.Conn, room string) {
	t.Helper()
	h.sendJSON(t, conn, map[string]any{
		"samplerate": 160,
		"channels":   1,
		"chunk_size": 40,
		"room":       room,
	})
}

func (h *harness) sendJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("write handshake: %v", err)
	}
}

// audioFrame returns n little-endian int16 samples of a constant non-zero
// amplitude.
func audioFrame(n int) []byte {
	out := make([]byte, n*2)
	for i := 0; i < n; i++ {
		binary.LittleEndian.PutUint16(out[i*2:i*2+2], uint16(int16(1000)))
	}
	return out
}

func sendFrame(t *testing.T, conn *websocket.Conn, frame []byte) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageBinary, frame); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

func readMessage(t *testing.T, conn *websocket.Conn) (websocket.MessageType, []byte) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	typ, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	return typ, data
}

func expectText(t *testing.T, conn *websocket.Conn, want string) {
	t.Helper()
	typ, data := readMessage(t, conn)
	if typ != websocket.MessageText {
		t.Fatalf("got message type %v, want text", typ)
	}
	if string(data) != want {
		t.Fatalf("got text %q, want %q", data, want)
	}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

func probeStatus(t *testing.T, url string) int {
	t.Helper()
	resp, err := http.Get(url + "/acceptsConnections")
	if err != nil {
		t.Fatalf("probe: %v", err)
	}
	resp.Body.Close()
	return resp.StatusCode
}

// ── Tests ──────────────────────────────────────────────────────────────────────

func TestAcceptsConnections_ReadyWhenIdle(t *testing.T) {
	t.Parallel()
	h := newHarness(t, testConfig(), wakemock.Fixed(0), vadmock.Fixed(0), nil, nil)

	if got := probeStatus(t, h.url); got != http.StatusOK {
		t.Errorf("idle probe status = %d, want 200", got)
	}
}

func TestAdmission_SecondConnectionRejected(t *testing.T) {
	t.Parallel()
	h := newHarness(t, testConfig(), wakemock.Fixed(0), vadmock.Fixed(0), nil, nil)

	first := h.dial(t)
	h.handshake(t, first, "study")
	waitFor(t, func() bool { return probeStatus(t, h.url) == http.StatusServiceUnavailable },
		"probe never reported busy")

	second := h.dial(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _, err := second.Read(ctx)
	if err == nil {
		t.Fatal("second connection read succeeded, want close")
	}
	if got := websocket.CloseStatus(err); got != websocket.StatusTryAgainLater {
		t.Errorf("close status = %v, want StatusTryAgainLater", got)
	}

	// The live session is untouched: it still accepts audio.
	sendFrame(t, first, audioFrame(40))
	if got := probeStatus(t, h.url); got != http.StatusServiceUnavailable {
		t.Errorf("probe after rejection = %d, want 503", got)
	}
}

func TestAdmission_SlotFreedAfterDisconnect(t *testing.T) {
	t.Parallel()
	h := newHarness(t, testConfig(), wakemock.Fixed(0), vadmock.Fixed(0), nil, nil)

	conn := h.dial(t)
	h.handshake(t, conn, "study")
	waitFor(t, func() bool { return probeStatus(t, h.url) == http.StatusServiceUnavailable },
		"probe never reported busy")

	conn.Close(websocket.StatusNormalClosure, "done")
	waitFor(t, func() bool { return probeStatus(t, h.url) == http.StatusOK },
		"slot never freed after disconnect")

	// A fresh session is admitted into the freed slot.
	next := h.dial(t)
	h.handshake(t, next, "kitchen")
	waitFor(t, func() bool { return len(h.bus.subscribedTopics()) == 2 },
		"next session never subscribed")
}

func TestHandshake_InvalidFieldsRejected(t *testing.T) {
	t.Parallel()
	h := newHarness(t, testConfig(), wakemock.Fixed(0), vadmock.Fixed(0), nil, nil)

	conn := h.dial(t)
	h.sendJSON(t, conn, map[string]any{
		"samplerate": 0,
		"channels":   1,
		"chunk_size": 40,
		"room":       "study",
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _, err := conn.Read(ctx)
	if got := websocket.CloseStatus(err); got != websocket.StatusPolicyViolation {
		t.Errorf("close status = %v, want StatusPolicyViolation", got)
	}
	if topics := h.bus.subscribedTopics(); len(topics) != 0 {
		t.Errorf("subscriptions after rejected handshake = %v, want none", topics)
	}
	waitFor(t, func() bool { return probeStatus(t, h.url) == http.StatusOK },
		"slot never freed after rejected handshake")
}

func TestHandshake_MalformedJSONRejected(t *testing.T) {
	t.Parallel()
	h := newHarness(t, testConfig(), wakemock.Fixed(0), vadmock.Fixed(0), nil, nil)

	conn := h.dial(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, []byte("not json")); err != nil {
		t.Fatalf("write: %v", err)
	}
	_, _, err := conn.Read(ctx)
	if got := websocket.CloseStatus(err); got != websocket.StatusPolicyViolation {
		t.Errorf("close status = %v, want StatusPolicyViolation", got)
	}
}

func TestSession_SubscribesOutputAndBroadcast(t *testing.T) {
	t.Parallel()
	h := newHarness(t, testConfig(), wakemock.Fixed(0), vadmock.Fixed(0), nil, nil)

	conn := h.dial(t)
	h.handshake(t, conn, "study")

	waitFor(t, func() bool { return len(h.bus.subscribedTopics()) == 2 },
		"session never subscribed its topics")
	topics := map[string]bool{}
	for _, topic := range h.bus.subscribedTopics() {
		topics[topic] = true
	}
	if !topics["assistant/study/output"] || !topics["assistant/comms_bridge/broadcast"] {
		t.Errorf("subscribed topics = %v, want output and broadcast", h.bus.subscribedTopics())
	}
}

func TestSilentAudio_NoReaction(t *testing.T) {
	t.Parallel()
	h := newHarness(t, testConfig(), wakemock.Fixed(0.1), vadmock.Fixed(0), nil, nil)

	conn := h.dial(t)
	h.handshake(t, conn, "study")

	for i := 0; i < 5; i++ {
		sendFrame(t, conn, audioFrame(40))
	}
	// Closing flushes all queued frames through the state machine first.
	conn.Close(websocket.StatusNormalClosure, "done")
	waitFor(t, func() bool { return probeStatus(t, h.url) == http.StatusOK },
		"session never tore down")

	if n := h.stt.callCount(); n != 0 {
		t.Errorf("transcriber called %d times on silence, want 0", n)
	}
	if recs := h.bus.publishedRecords(); len(recs) != 0 {
		t.Errorf("published %d commands on silence, want 0", len(recs))
	}
}

func TestWakeTrigger_StartsCapture(t *testing.T) {
	t.Parallel()
	h := newHarness(t, testConfig(), wakemock.Script(0.97, 0), vadmock.Fixed(0.9), nil, nil)

	conn := h.dial(t)
	h.handshake(t, conn, "study")

	sendFrame(t, conn, audioFrame(40))
	expectText(t, conn, "start_listening")
}

func TestCaptureCycle_PublishesCommand(t *testing.T) {
	t.Parallel()
	stt := &fakeSTT{text: "turn on the light"}
	// Silence bound is 2: speech, silence, silence ends the capture on the
	// third pushed frame.
	h := newHarness(t, testConfig(), wakemock.Script(0.97, 0), vadmock.Script(0.9, 0.1, 0.1), stt, nil)

	conn := h.dial(t)
	h.handshake(t, conn, "study")

	sendFrame(t, conn, audioFrame(40))
	expectText(t, conn, "start_listening")

	for i := 0; i < 3; i++ {
		sendFrame(t, conn, audioFrame(40))
	}
	expectText(t, conn, "stop_listening")

	waitFor(t, func() bool { return len(h.bus.publishedRecords()) == 1 },
		"command never published")
	rec := h.bus.publishedRecords()[0]
	if want := "assistant/comms_bridge/all/gw-test/input"; rec.topic != want {
		t.Errorf("published to %q, want %q", rec.topic, want)
	}

	var req assistant.ClientRequest
	if err := json.Unmarshal(rec.payload, &req); err != nil {
		t.Fatalf("unmarshal published command: %v", err)
	}
	if req.Text != "turn on the light" {
		t.Errorf("command text = %q, want %q", req.Text, "turn on the light")
	}
	if req.Room != "study" {
		t.Errorf("command room = %q, want study", req.Room)
	}
	if req.OutputTopic != "assistant/study/output" {
		t.Errorf("output topic = %q, want assistant/study/output", req.OutputTopic)
	}
	if req.ID.String() == "00000000-0000-0000-0000-000000000000" {
		t.Error("command id is the zero UUID")
	}

	// Every captured frame reaches the transcriber: 3 frames × 40 samples ×
	// 4 bytes per float32.
	if got := len(stt.lastCall()); got != 480 {
		t.Errorf("transcriber received %d bytes, want 480", got)
	}
}

func TestTranscriptionFailure_DropsCommandAndRecovers(t *testing.T) {
	t.Parallel()
	stt := &fakeSTT{err: errors.New("stt server returned HTTP 500")}
	// The wake model only scores idle frames, so a fixed high probability
	// triggers once before the capture and once after the failed cycle.
	h := newHarness(t, testConfig(), wakemock.Fixed(0.97), vadmock.Script(0.9, 0.1, 0.1), stt, nil)

	conn := h.dial(t)
	h.handshake(t, conn, "study")

	sendFrame(t, conn, audioFrame(40))
	expectText(t, conn, "start_listening")
	for i := 0; i < 3; i++ {
		sendFrame(t, conn, audioFrame(40))
	}
	expectText(t, conn, "stop_listening")

	waitFor(t, func() bool { return stt.callCount() == 1 }, "transcriber never called")
	if recs := h.bus.publishedRecords(); len(recs) != 0 {
		t.Errorf("published %d commands after STT failure, want 0", len(recs))
	}

	// Back in idle: the wake script's final 0.97 triggers a fresh capture.
	sendFrame(t, conn, audioFrame(40))
	expectText(t, conn, "start_listening")
}

func TestReply_PlayedOnNextDrain(t *testing.T) {
	t.Parallel()
	tts := &fakeTTS{pcm: []byte{9, 9, 9, 9}}
	h := newHarness(t, testConfig(), wakemock.Fixed(0), vadmock.Fixed(0), nil, tts)

	conn := h.dial(t)
	h.handshake(t, conn, "study")
	waitFor(t, func() bool { return len(h.bus.subscribedTopics()) == 2 },
		"session never subscribed")

	h.bus.deliver(t, "assistant/study/output", assistant.Response{Text: "done"})

	// The reply drains ahead of the next client frame.
	sendFrame(t, conn, audioFrame(40))
	typ, data := readMessage(t, conn)
	if typ != websocket.MessageBinary {
		t.Fatalf("got message type %v, want binary", typ)
	}
	if string(data) != string([]byte{9, 9, 9, 9}) {
		t.Errorf("reply audio = %v, want synthesized PCM", data)
	}

	tts.mu.Lock()
	defer tts.mu.Unlock()
	if len(tts.texts) != 1 || tts.texts[0] != "done" {
		t.Errorf("synthesized texts = %v, want [done]", tts.texts)
	}
}

func TestReply_AlertPlayedBeforeAudio(t *testing.T) {
	t.Parallel()
	tts := &fakeTTS{pcm: []byte{7, 7}}
	h := newHarness(t, testConfig(), wakemock.Fixed(0), vadmock.Fixed(0), nil, tts)

	conn := h.dial(t)
	h.handshake(t, conn, "study")
	waitFor(t, func() bool { return len(h.bus.subscribedTopics()) == 2 },
		"session never subscribed")

	h.bus.deliver(t, "assistant/comms_bridge/broadcast", assistant.Response{
		Text:  "dinner is ready",
		Alert: &assistant.Alert{PlayBefore: true},
	})

	sendFrame(t, conn, audioFrame(40))
	expectText(t, conn, "alert_default")
	typ, _ := readMessage(t, conn)
	if typ != websocket.MessageBinary {
		t.Fatalf("got message type %v, want binary after alert", typ)
	}
}

func TestReply_SynthesisFailureKeepsSessionAlive(t *testing.T) {
	t.Parallel()
	tts := &fakeTTS{err: errors.New("tts server returned HTTP 502")}
	h := newHarness(t, testConfig(), wakemock.Script(0, 0.97), vadmock.Fixed(0.9), nil, tts)

	conn := h.dial(t)
	h.handshake(t, conn, "study")
	waitFor(t, func() bool { return len(h.bus.subscribedTopics()) == 2 },
		"session never subscribed")

	h.bus.deliver(t, "assistant/study/output", assistant.Response{Text: "lost reply"})

	// First frame drains the failing reply; the session keeps running and
	// the second frame still triggers the wake word.
	sendFrame(t, conn, audioFrame(40))
	sendFrame(t, conn, audioFrame(40))
	expectText(t, conn, "start_listening")
}

func TestUnknownControlMessage_Ignored(t *testing.T) {
	t.Parallel()
	h := newHarness(t, testConfig(), wakemock.Script(0, 0.97), vadmock.Fixed(0.9), nil, nil)

	conn := h.dial(t)
	h.handshake(t, conn, "study")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, []byte("ready")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, []byte("bogus")); err != nil {
		t.Fatalf("write: %v", err)
	}

	sendFrame(t, conn, audioFrame(40))
	sendFrame(t, conn, audioFrame(40))
	expectText(t, conn, "start_listening")
}

func TestTeardown_UnmapsAllTopics(t *testing.T) {
	t.Parallel()
	h := newHarness(t, testConfig(), wakemock.Fixed(0), vadmock.Fixed(0), nil, nil)

	conn := h.dial(t)
	h.handshake(t, conn, "study")
	waitFor(t, func() bool { return len(h.bus.subscribedTopics()) == 2 },
		"session never subscribed")

	conn.Close(websocket.StatusNormalClosure, "done")
	waitFor(t, func() bool { return len(h.bus.subscribedTopics()) == 0 },
		"subscriptions never removed after teardown")
}

func TestNewServer_ValidatesDependencies(t *testing.T) {
	t.Parallel()
	_, err := gateway.NewServer(testConfig(), gateway.Options{})
	if err == nil {
		t.Fatal("NewServer accepted empty options")
	}
	for _, want := range []string{"bus", "wake", "vad", "transcriber", "synthesizer"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %q", err, want)
		}
	}
}
