package audio

import (
	"context"
	"fmt"
	"math"

	"github.com/zhiheng-yu/transcriptor/internal/config"
)

// EnhanceRate is the rate enhancement runs at
const EnhanceRate = 48000

// shortClipSeconds is the shortest clip that gets loudness normalization.
// Anything shorter only has its peak adjusted.
const shortClipSeconds = 0.4

// Denoiser removes background noise from a clip
type Denoiser interface {
	Denoise(ctx context.Context, samples []float32, sampleRate int) ([]float32, error)
}

// Enhancer normalizes speech loudness before recognition
type Enhancer struct {
	cfg      config.Enhance
	denoiser Denoiser
	meter    *LoudnessMeter
}

// NewEnhancer creates an enhancer. denoiser may be nil.
func NewEnhancer(cfg config.Enhance, denoiser Denoiser) *Enhancer {
	return &Enhancer{
		cfg:      cfg,
		denoiser: denoiser,
		meter:    NewLoudnessMeter(EnhanceRate),
	}
}

// Enhance returns an enhanced copy of samples at the same rate and length
// (within resampling rounding). Errors come only from the denoiser.
func (e *Enhancer) Enhance(ctx context.Context, samples []float32, sampleRate int) ([]float32, error) {
	if len(samples) == 0 {
		return samples, nil
	}

	x := Resample(append([]float32(nil), samples...), sampleRate, EnhanceRate)

	if e.cfg.Denoise && e.denoiser != nil {
		denoised, err := e.denoiser.Denoise(ctx, x, EnhanceRate)
		if err != nil {
			return nil, fmt.Errorf("denoise: %w", err)
		}
		x = denoised
	}
	x = Sanitize(x)

	if e.cfg.MuteIfTooQuiet && DBFS(x) < e.cfg.ThresholdDBFS {
		return make([]float32, len(samples)), nil
	}

	limit := DBToGain(e.cfg.TruePeakLimit)
	if float64(len(x))/EnhanceRate < shortClipSeconds {
		x = peakNormalize(x, limit)
	} else {
		x = e.normalizeLoudness(x)
	}

	return Sanitize(Resample(x, EnhanceRate, sampleRate)), nil
}

func (e *Enhancer) normalizeLoudness(x []float32) []float32 {
	loudness := e.meter.Integrated(x)
	if math.IsInf(loudness, -1) {
		return x
	}
	x = Scale(x, DBToGain(e.cfg.TargetLUFS-loudness))

	if tp := e.meter.TruePeak(x); tp > e.cfg.TruePeakLimit {
		x = Scale(x, DBToGain(e.cfg.TruePeakLimit-tp))
	}
	return x
}

// peakNormalize scales x so its largest absolute sample equals target
func peakNormalize(x []float32, target float64) []float32 {
	peak := PeakAbs(x)
	if peak == 0 {
		return x
	}
	return Scale(x, target/peak)
}
