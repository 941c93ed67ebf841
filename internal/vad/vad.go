// Package vad trims silence from incoming audio chunks using per-window
// speech probabilities.
package vad

import (
	"context"
	"fmt"

	"github.com/zhiheng-yu/transcriptor/internal/config"
)

// Scorer returns the probability that a window contains speech
type Scorer interface {
	Score(ctx context.Context, window []float32, sampleRate int) (float32, error)
}

// BatchScorer scores every full window of a chunk in one call
type BatchScorer interface {
	ScoreWindows(ctx context.Context, samples []float32, windowSize, sampleRate int) ([]float32, error)
}

// ScoreWindows scores each full window of chunk. The trailing partial window
// is not scored.
func ScoreWindows(ctx context.Context, scorer Scorer, chunk []float32, cfg config.VAD) ([]float32, error) {
	if cfg.WindowSize <= 0 {
		return nil, fmt.Errorf("invalid window size %d", cfg.WindowSize)
	}
	if batch, ok := scorer.(BatchScorer); ok {
		scores, err := batch.ScoreWindows(ctx, chunk, cfg.WindowSize, cfg.SampleRate)
		if err != nil {
			return nil, err
		}
		if want := len(chunk) / cfg.WindowSize; len(scores) != want {
			return nil, fmt.Errorf("scorer returned %d scores for %d windows", len(scores), want)
		}
		return scores, nil
	}

	n := len(chunk) / cfg.WindowSize
	scores := make([]float32, n)
	for i := 0; i < n; i++ {
		score, err := scorer.Score(ctx, chunk[i*cfg.WindowSize:(i+1)*cfg.WindowSize], cfg.SampleRate)
		if err != nil {
			return nil, fmt.Errorf("window %d: %w", i, err)
		}
		scores[i] = score
	}
	return scores, nil
}

// Trim removes long silences from chunk given one score per full window.
// It returns ok=false when the chunk holds no usable speech.
//
// Chunks with too few voice windows are no-signal. Chunks with too few
// silence windows are returned whole. Otherwise each voice run is padded by
// SilenceReserve windows and the padded runs are concatenated in order; the
// unscored remainder after the last full window is dropped.
func Trim(chunk []float32, scores []float32, cfg config.VAD) ([]float32, bool) {
	size := cfg.WindowSize
	if size <= 0 || len(scores) == 0 {
		return nil, false
	}

	voice := make([]bool, len(scores))
	voiceCount := 0
	for i, s := range scores {
		if s >= cfg.Threshold {
			voice[i] = true
			voiceCount++
		}
	}
	silenceCount := len(scores) - voiceCount

	if voiceCount < cfg.MinVoiceWindows {
		return nil, false
	}
	if silenceCount < cfg.MinSilenceWindows {
		return chunk, true
	}

	keep := make([]bool, len(scores))
	for i, v := range voice {
		if !v {
			continue
		}
		lo := i - cfg.SilenceReserve
		if lo < 0 {
			lo = 0
		}
		hi := i + cfg.SilenceReserve
		if hi > len(scores)-1 {
			hi = len(scores) - 1
		}
		for j := lo; j <= hi; j++ {
			keep[j] = true
		}
	}

	var out []float32
	for i, k := range keep {
		if k {
			out = append(out, chunk[i*size:(i+1)*size]...)
		}
	}
	if len(out) == 0 {
		return nil, false
	}
	return out, true
}

// Trimmer pairs a scorer with its configuration
type Trimmer struct {
	scorer Scorer
	cfg    config.VAD
}

// NewTrimmer creates a trimmer
func NewTrimmer(scorer Scorer, cfg config.VAD) *Trimmer {
	return &Trimmer{scorer: scorer, cfg: cfg}
}

// Trim scores chunk and trims it. A scorer error is returned as is so the
// caller can decide to fall back to the untrimmed chunk.
func (t *Trimmer) Trim(ctx context.Context, chunk []float32) ([]float32, bool, error) {
	scores, err := ScoreWindows(ctx, t.scorer, chunk, t.cfg)
	if err != nil {
		return nil, false, err
	}
	out, ok := Trim(chunk, scores, t.cfg)
	return out, ok, nil
}
