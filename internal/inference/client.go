// Package inference talks to the model server hosting the recognizer, the
// VAD, speaker verification and the denoiser.
package inference

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/zhiheng-yu/transcriptor/internal/asr"
	"github.com/zhiheng-yu/transcriptor/internal/audio"
	"github.com/zhiheng-yu/transcriptor/internal/config"
	"github.com/zhiheng-yu/transcriptor/internal/observability"
	"github.com/zhiheng-yu/transcriptor/internal/resilience"
	"github.com/zhiheng-yu/transcriptor/internal/speaker"
	"github.com/zhiheng-yu/transcriptor/internal/vad"
)

// Model server endpoints
const (
	PathASR        = "/v1/asr"
	PathVAD        = "/v1/vad"
	PathSimilarity = "/v1/speaker/similarity"
	PathDenoise    = "/v1/enhance/denoise"
	PathHealth     = "/health"
)

var (
	_ asr.Transcriber  = (*Client)(nil)
	_ vad.BatchScorer  = (*Client)(nil)
	_ vad.Scorer       = (*Client)(nil)
	_ speaker.Verifier = (*Client)(nil)
	_ audio.Denoiser   = (*Client)(nil)
)

// Client calls the model server over HTTP. Each endpoint has its own
// circuit breaker so a failing denoiser does not take recognition down.
type Client struct {
	baseURL  string
	rate     int
	http     *http.Client
	breakers map[string]*resilience.CircuitBreaker
	logger   zerolog.Logger
}

// New creates a client for cfg.Inference.URL
func New(cfg *config.Config, logger zerolog.Logger) *Client {
	c := &Client{
		baseURL:  strings.TrimRight(cfg.Inference.URL, "/"),
		rate:     cfg.SampleRate,
		http:     &http.Client{Timeout: cfg.Inference.Timeout},
		breakers: make(map[string]*resilience.CircuitBreaker),
		logger:   logger,
	}

	reset := time.Duration(cfg.CircuitBreakerResetTimeout) * time.Second
	for _, path := range []string{PathASR, PathVAD, PathSimilarity, PathDenoise} {
		cb := resilience.NewCircuitBreaker(breakerName(path), cfg.CircuitBreakerMaxFailures, reset)
		cb.OnStateChange(func(name string, from, to resilience.CircuitState) {
			observability.UpdateCircuitBreakerState(name, int(to))
			c.logger.Warn().
				Str("service", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Circuit breaker state changed")
		})
		cb.SetFailureFunc(countsAgainstServer)
		observability.UpdateCircuitBreakerState(cb.Name(), int(cb.GetState()))
		c.breakers[path] = cb
	}
	return c
}

func breakerName(path string) string {
	return "inference" + strings.ReplaceAll(strings.TrimPrefix(path, "/v1"), "/", "_")
}

// Breaker returns the circuit breaker guarding path
func (c *Client) Breaker(path string) *resilience.CircuitBreaker {
	return c.breakers[path]
}

type asrRequest struct {
	Audio      string            `json:"audio"` // base64 s16le
	SampleRate int               `json:"sample_rate"`
	Prior      string            `json:"prior,omitempty"`
	Options    asr.DecodeOptions `json:"options"`
}

type asrResponse struct {
	Segments []asr.Segment `json:"segments"`
}

// Transcribe implements asr.Transcriber
func (c *Client) Transcribe(ctx context.Context, samples []float32, prior string, opts asr.DecodeOptions) ([]asr.Segment, error) {
	var resp asrResponse
	err := c.post(ctx, PathASR, asrRequest{
		Audio:      encodeAudio(samples),
		SampleRate: c.rate,
		Prior:      prior,
		Options:    opts,
	}, &resp)
	if err != nil {
		return nil, err
	}

	segs := resp.Segments[:0]
	for _, s := range resp.Segments {
		if s.End < s.Start {
			s.End = s.Start
		}
		segs = append(segs, s)
	}
	return segs, nil
}

type vadRequest struct {
	Audio      string `json:"audio"`
	SampleRate int    `json:"sample_rate"`
	WindowSize int    `json:"window_size"`
}

type vadResponse struct {
	Scores []float32 `json:"scores"`
}

// ScoreWindows implements vad.BatchScorer
func (c *Client) ScoreWindows(ctx context.Context, samples []float32, windowSize, sampleRate int) ([]float32, error) {
	var resp vadResponse
	err := c.post(ctx, PathVAD, vadRequest{
		Audio:      encodeAudio(samples),
		SampleRate: sampleRate,
		WindowSize: windowSize,
	}, &resp)
	if err != nil {
		return nil, err
	}
	return resp.Scores, nil
}

// Score implements vad.Scorer for a single window
func (c *Client) Score(ctx context.Context, window []float32, sampleRate int) (float32, error) {
	scores, err := c.ScoreWindows(ctx, window, len(window), sampleRate)
	if err != nil {
		return 0, err
	}
	if len(scores) != 1 {
		return 0, fmt.Errorf("vad returned %d scores for one window", len(scores))
	}
	return scores[0], nil
}

type similarityRequest struct {
	A          string `json:"a"`
	B          string `json:"b"`
	SampleRate int    `json:"sample_rate"`
}

type similarityResponse struct {
	Score float64 `json:"score"`
}

// Similarity implements speaker.Verifier. Both clips are 16 kHz.
func (c *Client) Similarity(ctx context.Context, a, b []float32) (float64, error) {
	var resp similarityResponse
	err := c.post(ctx, PathSimilarity, similarityRequest{
		A:          encodeAudio(a),
		B:          encodeAudio(b),
		SampleRate: speaker.ReferenceRate,
	}, &resp)
	if err != nil {
		return 0, err
	}
	return resp.Score, nil
}

type denoiseRequest struct {
	Audio      string `json:"audio"`
	SampleRate int    `json:"sample_rate"`
}

type denoiseResponse struct {
	Audio string `json:"audio"`
}

// Denoise implements audio.Denoiser
func (c *Client) Denoise(ctx context.Context, samples []float32, sampleRate int) ([]float32, error) {
	var resp denoiseResponse
	err := c.post(ctx, PathDenoise, denoiseRequest{
		Audio:      encodeAudio(samples),
		SampleRate: sampleRate,
	}, &resp)
	if err != nil {
		return nil, err
	}
	return decodeAudio(resp.Audio)
}

// Ping checks that the model server is up
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+PathHealth, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	return statusError(PathHealth, resp)
}

func (c *Client) post(ctx context.Context, path string, in, out any) error {
	cb := c.breakers[path]
	err := cb.Call(func() error {
		err := c.do(ctx, path, in, out)
		if err != nil && ctx.Err() != nil {
			return fmt.Errorf("%w: %w", errCallerGone, err)
		}
		return err
	})
	if err != nil && !errors.Is(err, resilience.ErrCircuitOpen) && countsAgainstServer(err) {
		observability.IncrementCircuitBreakerFailures(cb.Name())
	}
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if err := statusError(path, resp); err != nil {
		return err
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// errCallerGone marks a call abandoned by its own context. It says nothing
// about the model server.
var errCallerGone = errors.New("request abandoned by caller")

// StatusError is a non-2xx reply from the model server
type StatusError struct {
	Path string
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s returned status %d: %s", e.Path, e.Code, e.Body)
}

// serverSide reports whether the status blames the model server
func (e *StatusError) serverSide() bool {
	return e.Code >= 500 || e.Code == http.StatusTooManyRequests
}

// countsAgainstServer keeps one session's aborted or rejected requests from
// opening a breaker shared by every session
func countsAgainstServer(err error) bool {
	if errors.Is(err, errCallerGone) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.serverSide()
	}
	return true
}

// statusError turns a non-2xx response into an error. Server-side failures
// are marked retryable.
func statusError(path string, resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
	err := &StatusError{Path: path, Code: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	if err.serverSide() {
		return resilience.NewRetryableError(err)
	}
	return err
}

func encodeAudio(samples []float32) string {
	return base64.StdEncoding.EncodeToString(audio.EncodePCM16LE(samples))
}

func decodeAudio(s string) ([]float32, error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode audio: %w", err)
	}
	return audio.DecodePCM16LE(raw)
}
