// Package speaker attributes finalized clips to registered speakers.
package speaker

import (
	"context"
	"sort"

	"github.com/rs/zerolog"

	"github.com/zhiheng-yu/transcriptor/internal/config"
)

// Guest is reported when no registered speaker matches
const Guest = "guest"

// Verifier scores how likely two clips share a speaker. Higher is closer.
type Verifier interface {
	Similarity(ctx context.Context, a, b []float32) (float64, error)
}

// Registered is one enrolled speaker
type Registered struct {
	ID        string
	Reference []float32 // 16 kHz mono
}

// Registry is an immutable, id-ordered set of enrolled speakers
type Registry struct {
	speakers []Registered
}

// NewRegistry creates a registry. Later duplicates of an id replace earlier
// ones.
func NewRegistry(speakers ...Registered) *Registry {
	byID := make(map[string]Registered, len(speakers))
	for _, s := range speakers {
		byID[s.ID] = s
	}
	out := make([]Registered, 0, len(byID))
	for _, s := range byID {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return &Registry{speakers: out}
}

// Len returns the number of enrolled speakers
func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	return len(r.speakers)
}

// IDs returns the enrolled ids in order
func (r *Registry) IDs() []string {
	if r == nil {
		return nil
	}
	ids := make([]string, len(r.speakers))
	for i, s := range r.speakers {
		ids[i] = s.ID
	}
	return ids
}

// Attributor matches clips against a registry
type Attributor struct {
	verifier  Verifier
	registry  *Registry
	threshold float64
	logger    zerolog.Logger
}

// NewAttributor creates an attributor. A nil verifier or empty registry
// attributes everything to Guest.
func NewAttributor(verifier Verifier, registry *Registry, cfg config.Speaker, logger zerolog.Logger) *Attributor {
	return &Attributor{
		verifier:  verifier,
		registry:  registry,
		threshold: cfg.Threshold,
		logger:    logger,
	}
}

// Attribute returns the best-scoring speaker id for clip, or Guest when the
// best score is below threshold. Ties go to the lexicographically smallest
// id. A speaker whose comparison fails is skipped.
func (a *Attributor) Attribute(ctx context.Context, clip []float32) string {
	id, _ := a.Match(ctx, clip)
	return id
}

// Match is Attribute that also reports the winning score
func (a *Attributor) Match(ctx context.Context, clip []float32) (string, float64) {
	if a.verifier == nil || a.registry.Len() == 0 || len(clip) == 0 {
		return Guest, 0
	}

	bestID := ""
	bestScore := 0.0
	for _, s := range a.registry.speakers {
		score, err := a.verifier.Similarity(ctx, clip, s.Reference)
		if err != nil {
			a.logger.Warn().Err(err).Str("speaker", s.ID).Msg("Speaker comparison failed, skipping")
			continue
		}
		// strict comparison keeps the earliest id on ties
		if bestID == "" || score > bestScore {
			bestID, bestScore = s.ID, score
		}
	}

	if bestID == "" || bestScore < a.threshold {
		return Guest, bestScore
	}
	return bestID, bestScore
}
