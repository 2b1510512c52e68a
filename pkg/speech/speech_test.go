package speech_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/loftwall/echogate/pkg/speech"
)

func TestTranscribe(t *testing.T) {
	t.Parallel()
	pcm := []byte{1, 2, 3, 4}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("got method %s, want POST", r.Method)
		}
		if got := r.Header.Get("user-token"); got != "secret" {
			t.Errorf("got token %q, want secret", got)
		}
		body, _ := io.ReadAll(r.Body)
		if string(body) != string(pcm) {
			t.Errorf("body mismatch: got %v", body)
		}
		json.NewEncoder(w).Encode(map[string]string{"text": "turn on the lights"})
	}))
	defer srv.Close()

	tr, err := speech.NewTranscriber(srv.URL, speech.WithToken("secret"))
	if err != nil {
		t.Fatal(err)
	}
	text, err := tr.Transcribe(context.Background(), pcm)
	if err != nil {
		t.Fatal(err)
	}
	if text != "turn on the lights" {
		t.Errorf("got text %q", text)
	}
}

func TestTranscribe_ServerError(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "overloaded", http.StatusInternalServerError)
	}))
	defer srv.Close()

	tr, err := speech.NewTranscriber(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := tr.Transcribe(context.Background(), nil); err == nil {
		t.Error("expected error for HTTP 500")
	}
}

func TestTranscribe_Timeout(t *testing.T) {
	t.Parallel()
	blocked := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		<-blocked
	}))
	defer srv.Close()
	defer close(blocked)

	tr, err := speech.NewTranscriber(srv.URL, speech.WithTimeout(50*time.Millisecond))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := tr.Transcribe(context.Background(), nil); err == nil {
		t.Error("expected timeout error")
	}
}

func TestSynthesize(t *testing.T) {
	t.Parallel()
	wantPCM := []byte{9, 8, 7, 6}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Text       string `json:"text"`
			SampleRate int    `json:"samplerate"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.Text != "hello" || req.SampleRate != 16000 {
			t.Errorf("got request %+v", req)
		}
		w.Write(wantPCM)
	}))
	defer srv.Close()

	sy, err := speech.NewSynthesizer(srv.URL, speech.WithToken("secret"))
	if err != nil {
		t.Fatal(err)
	}
	pcm, err := sy.Synthesize(context.Background(), "hello", 16000)
	if err != nil {
		t.Fatal(err)
	}
	if string(pcm) != string(wantPCM) {
		t.Errorf("got pcm %v, want %v", pcm, wantPCM)
	}
}

func TestSynthesize_ServerError(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "no voice", http.StatusBadGateway)
	}))
	defer srv.Close()

	sy, err := speech.NewSynthesizer(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := sy.Synthesize(context.Background(), "hello", 16000); err == nil {
		t.Error("expected error for HTTP 502")
	}
}

func TestNew_EmptyEndpoint(t *testing.T) {
	t.Parallel()
	if _, err := speech.NewTranscriber(""); err == nil {
		t.Error("empty stt endpoint accepted")
	}
	if _, err := speech.NewSynthesizer(""); err == nil {
		t.Error("empty tts endpoint accepted")
	}
}
