package remote_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/loftwall/echogate/pkg/vad/remote"
)

func TestScore(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if sr := r.URL.Query().Get("samplerate"); sr != "16000" {
			t.Errorf("got samplerate %q, want 16000", sr)
		}
		w.Write([]byte(`{"probability": 0.42}`))
	}))
	defer srv.Close()

	s, err := remote.New(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	p, err := s.Score(context.Background(), []float32{0.5}, 16000)
	if err != nil {
		t.Fatal(err)
	}
	if p != 0.42 {
		t.Errorf("got probability %v, want 0.42", p)
	}
}

func TestScore_MalformedResponse(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`not json`))
	}))
	defer srv.Close()

	s, err := remote.New(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Score(context.Background(), nil, 16000); err == nil {
		t.Error("expected error for malformed JSON")
	}
}
