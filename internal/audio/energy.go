package audio

import (
	"context"
	"math"
)

// EnergyScorerConfig maps window loudness onto a speech probability
type EnergyScorerConfig struct {
	FloorDBFS   float64 // at or below scores 0
	CeilingDBFS float64 // at or above scores 1
}

// DefaultEnergyScorerConfig returns a default energy scorer configuration
func DefaultEnergyScorerConfig() *EnergyScorerConfig {
	return &EnergyScorerConfig{
		FloorDBFS:   -60.0,
		CeilingDBFS: -20.0,
	}
}

// EnergyScorer is a model-free voice activity scorer. It is used when no
// remote VAD model is configured.
type EnergyScorer struct {
	config *EnergyScorerConfig
}

// NewEnergyScorer creates a new energy scorer
func NewEnergyScorer(config *EnergyScorerConfig) *EnergyScorer {
	if config == nil {
		config = DefaultEnergyScorerConfig()
	}
	return &EnergyScorer{config: config}
}

// Score returns a speech probability in [0,1] for one window
func (e *EnergyScorer) Score(_ context.Context, window []float32, _ int) (float32, error) {
	return e.score(window), nil
}

// ScoreWindows scores every full window of samples
func (e *EnergyScorer) ScoreWindows(ctx context.Context, samples []float32, windowSize, _ int) ([]float32, error) {
	if windowSize <= 0 {
		return nil, nil
	}
	n := len(samples) / windowSize
	scores := make([]float32, n)
	for i := 0; i < n; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		scores[i] = e.score(samples[i*windowSize : (i+1)*windowSize])
	}
	return scores, nil
}

func (e *EnergyScorer) score(window []float32) float32 {
	db := DBFS(window)
	if math.IsInf(db, -1) || db <= e.config.FloorDBFS {
		return 0
	}
	if db >= e.config.CeilingDBFS {
		return 1
	}
	return float32((db - e.config.FloorDBFS) / (e.config.CeilingDBFS - e.config.FloorDBFS))
}

// DetectSilence reports whether samples sit below the given dBFS level
func DetectSilence(samples []float32, thresholdDBFS float64) bool {
	return DBFS(samples) < thresholdDBFS
}
