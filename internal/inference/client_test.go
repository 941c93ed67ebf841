package inference

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/zhiheng-yu/transcriptor/internal/asr"
	"github.com/zhiheng-yu/transcriptor/internal/config"
	"github.com/zhiheng-yu/transcriptor/internal/resilience"
)

func testClient(url string) *Client {
	cfg := &config.Config{
		SampleRate:                 16000,
		CircuitBreakerMaxFailures:  2,
		CircuitBreakerResetTimeout: 60,
	}
	cfg.Inference = config.Inference{URL: url, Timeout: 5 * time.Second}
	return New(cfg, zerolog.Nop())
}

func decodeBody(t *testing.T, r *http.Request, v any) {
	t.Helper()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		t.Errorf("decode request: %v", err)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func TestTranscribe(t *testing.T) {
	var got asrRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != PathASR {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		decodeBody(t, r, &got)
		writeJSON(w, map[string]any{
			"segments": []map[string]any{
				{"text": "你好", "start": 0.0, "end": 1.2, "avg_logprob": -0.3},
				{"text": "世界", "start": 1.2, "end": 0.5, "avg_logprob": -0.5},
			},
		})
	}))
	defer server.Close()

	c := testClient(server.URL)
	opts := asr.DecodeOptions{BeamSize: 8, Hotwords: "会议"}
	segs, err := c.Transcribe(context.Background(), make([]float32, 1600), "上一句", opts)
	if err != nil {
		t.Fatalf("Transcribe error: %v", err)
	}

	if len(segs) != 2 {
		t.Fatalf("expected 2 segments, got %d", len(segs))
	}
	if segs[0].Text != "你好" || segs[0].End != 1.2 || segs[0].Confidence != -0.3 {
		t.Errorf("unexpected first segment: %+v", segs[0])
	}
	if segs[1].End != segs[1].Start {
		t.Errorf("expected inverted segment clamped, got %+v", segs[1])
	}

	raw, err := base64.StdEncoding.DecodeString(got.Audio)
	if err != nil {
		t.Fatalf("decode audio: %v", err)
	}
	if len(raw) != 1600*2 {
		t.Errorf("expected %d audio bytes, got %d", 1600*2, len(raw))
	}
	if got.SampleRate != 16000 || got.Prior != "上一句" {
		t.Errorf("unexpected request fields: rate=%d prior=%q", got.SampleRate, got.Prior)
	}
	if got.Options.BeamSize != 8 || got.Options.Hotwords != "会议" {
		t.Errorf("unexpected options: %+v", got.Options)
	}
}

func TestScoreWindows(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req vadRequest
		decodeBody(t, r, &req)
		raw, _ := base64.StdEncoding.DecodeString(req.Audio)
		n := len(raw) / 2 / req.WindowSize
		scores := make([]float32, n)
		for i := range scores {
			scores[i] = 0.9
		}
		writeJSON(w, vadResponse{Scores: scores})
	}))
	defer server.Close()

	c := testClient(server.URL)
	scores, err := c.ScoreWindows(context.Background(), make([]float32, 512*3+10), 512, 16000)
	if err != nil {
		t.Fatalf("ScoreWindows error: %v", err)
	}
	if len(scores) != 3 {
		t.Errorf("expected 3 scores, got %d", len(scores))
	}

	score, err := c.Score(context.Background(), make([]float32, 512), 16000)
	if err != nil {
		t.Fatalf("Score error: %v", err)
	}
	if score != 0.9 {
		t.Errorf("expected 0.9, got %v", score)
	}
}

func TestSimilarityAndDenoise(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case PathSimilarity:
			writeJSON(w, similarityResponse{Score: 0.72})
		case PathDenoise:
			var req denoiseRequest
			decodeBody(t, r, &req)
			if req.SampleRate != 48000 {
				t.Errorf("expected 48000 Hz, got %d", req.SampleRate)
			}
			writeJSON(w, denoiseResponse{Audio: req.Audio})
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	c := testClient(server.URL)
	score, err := c.Similarity(context.Background(), make([]float32, 100), make([]float32, 200))
	if err != nil {
		t.Fatalf("Similarity error: %v", err)
	}
	if score != 0.72 {
		t.Errorf("expected 0.72, got %v", score)
	}

	in := []float32{0, 0.5, -0.5}
	out, err := c.Denoise(context.Background(), in, 48000)
	if err != nil {
		t.Fatalf("Denoise error: %v", err)
	}
	if len(out) != len(in) || out[1] != 0.5 || out[2] != -0.5 {
		t.Errorf("unexpected denoised audio: %v", out)
	}
}

func TestStatusErrors(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		retryable bool
	}{
		{"bad request", http.StatusBadRequest, false},
		{"server error", http.StatusInternalServerError, true},
		{"overloaded", http.StatusTooManyRequests, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "nope", tt.status)
			}))
			defer server.Close()

			_, err := testClient(server.URL).Similarity(context.Background(), nil, nil)
			if err == nil {
				t.Fatal("expected error")
			}
			if got := resilience.IsRetryable(err); got != tt.retryable {
				t.Errorf("expected retryable=%v, got %v (%v)", tt.retryable, got, err)
			}
		})
	}
}

func TestCircuitBreakerOpensPerEndpoint(t *testing.T) {
	var asrHits, vadHits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case PathASR:
			asrHits.Add(1)
			http.Error(w, "model crashed", http.StatusInternalServerError)
		case PathVAD:
			vadHits.Add(1)
			writeJSON(w, vadResponse{Scores: []float32{0.1}})
		}
	}))
	defer server.Close()

	c := testClient(server.URL)
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if _, err := c.Transcribe(ctx, make([]float32, 10), "", asr.DecodeOptions{}); err == nil {
			t.Fatal("expected ASR error")
		}
	}

	_, err := c.Transcribe(ctx, make([]float32, 10), "", asr.DecodeOptions{})
	if !errors.Is(err, resilience.ErrCircuitOpen) {
		t.Errorf("expected ErrCircuitOpen, got %v", err)
	}
	if n := asrHits.Load(); n != 2 {
		t.Errorf("expected 2 ASR requests to reach the server, got %d", n)
	}
	if c.Breaker(PathASR).GetState() != resilience.StateOpen {
		t.Errorf("expected ASR breaker open")
	}

	if _, err := c.Score(ctx, make([]float32, 512), 16000); err != nil {
		t.Errorf("expected VAD unaffected, got %v", err)
	}
	if vadHits.Load() != 1 {
		t.Errorf("expected 1 VAD request, got %d", vadHits.Load())
	}
}

func TestAbandonedCallsLeaveBreakerClosed(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) <= 2 {
			select {
			case <-r.Context().Done():
			case <-time.After(2 * time.Second):
			}
			return
		}
		writeJSON(w, asrResponse{Segments: []asr.Segment{{Text: "ok", End: 1}}})
	}))
	defer server.Close()

	c := testClient(server.URL)
	for i := 0; i < 2; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		_, err := c.Transcribe(ctx, make([]float32, 10), "", asr.DecodeOptions{})
		cancel()
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("call %d: expected deadline exceeded, got %v", i, err)
		}
	}
	if state := c.Breaker(PathASR).GetState(); state != resilience.StateClosed {
		t.Fatalf("expected breaker closed after abandoned calls, got %s", state)
	}

	segs, err := c.Transcribe(context.Background(), make([]float32, 10), "", asr.DecodeOptions{})
	if err != nil || len(segs) != 1 {
		t.Errorf("expected another session's call to succeed, got %v %v", segs, err)
	}
}

func TestRejectedCallsLeaveBreakerClosed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad audio", http.StatusBadRequest)
	}))
	defer server.Close()

	c := testClient(server.URL)
	for i := 0; i < 3; i++ {
		_, err := c.Transcribe(context.Background(), make([]float32, 10), "", asr.DecodeOptions{})
		var se *StatusError
		if !errors.As(err, &se) || se.Code != http.StatusBadRequest {
			t.Fatalf("call %d: expected a 400 status error, got %v", i, err)
		}
	}
	if state := c.Breaker(PathASR).GetState(); state != resilience.StateClosed {
		t.Errorf("expected breaker closed after client errors, got %s", state)
	}
}

func TestPing(t *testing.T) {
	var healthy atomic.Bool
	healthy.Store(true)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != PathHealth {
			http.NotFound(w, r)
			return
		}
		if !healthy.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	c := testClient(server.URL + "/")
	if err := c.Ping(context.Background()); err != nil {
		t.Errorf("expected healthy, got %v", err)
	}
	healthy.Store(false)
	if err := c.Ping(context.Background()); err == nil {
		t.Error("expected error for unhealthy server")
	}
}
