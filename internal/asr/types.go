package asr

import (
	"context"
	"strings"

	"github.com/zhiheng-yu/transcriptor/internal/config"
)

// Segment is one timestamped span of recognized text
type Segment struct {
	// Text is the recognized text for this span
	Text string `json:"text"`

	// Start and End are offsets into the submitted audio in seconds
	Start float64 `json:"start"`
	End   float64 `json:"end"`

	// Confidence is the average token log-probability
	Confidence float64 `json:"avg_logprob"`
}

// DecodeOptions are forwarded to the recognizer on every call
type DecodeOptions struct {
	BeamSize                int       `json:"beam_size"`
	BestOf                  int       `json:"best_of"`
	Patience                float64   `json:"patience"`
	RepetitionPenalty       float64   `json:"repetition_penalty"`
	LogProbThreshold        float64   `json:"log_prob_threshold"`
	NoSpeechThreshold       float64   `json:"no_speech_threshold"`
	Temperatures            []float64 `json:"temperature"`
	SuppressBlank           bool      `json:"suppress_blank"`
	ConditionOnPreviousText bool      `json:"condition_on_previous_text"`
	InitialPrompt           string    `json:"initial_prompt,omitempty"`
	Hotwords                string    `json:"hotwords,omitempty"`
	Language                string    `json:"language,omitempty"`
	SentenceTimestamps      bool      `json:"sentence_timestamps"`
	MaxSegmentDuration      float64   `json:"max_segment_duration,omitempty"` // seconds, integrated mode only

	// prior text routing, not sent on the wire
	priorAsPrompt   bool
	priorAsHotwords bool
}

// OptionsFromConfig builds decode options from configuration
func OptionsFromConfig(cfg config.ASR, seg config.Segmentation) DecodeOptions {
	opts := DecodeOptions{
		BeamSize:                cfg.BeamSize,
		BestOf:                  cfg.BestOf,
		Patience:                cfg.Patience,
		RepetitionPenalty:       cfg.RepetitionPenalty,
		LogProbThreshold:        cfg.LogProbThreshold,
		NoSpeechThreshold:       cfg.NoSpeechThreshold,
		Temperatures:            append([]float64(nil), cfg.Temperatures...),
		SuppressBlank:           cfg.SuppressBlank,
		ConditionOnPreviousText: cfg.ConditionOnPreviousText,
		InitialPrompt:           cfg.InitialPrompt,
		Hotwords:                cfg.Hotwords,
		Language:                cfg.Language,
		SentenceTimestamps:      true,
		priorAsPrompt:           cfg.PreviousTextPrompt,
		priorAsHotwords:         cfg.PreviousTextHotwords,
	}
	if seg.Mode == config.SegmentModeIntegrated {
		opts.MaxSegmentDuration = seg.MaxSpeechDuration
	}
	return opts
}

// WithPrior returns a copy of o seeded with the previously finalized
// sentence, as hotwords and/or prompt depending on configuration
func (o DecodeOptions) WithPrior(prior string) DecodeOptions {
	prior = strings.TrimSpace(prior)
	if prior == "" {
		return o
	}
	out := o
	out.Temperatures = append([]float64(nil), o.Temperatures...)
	if o.priorAsHotwords {
		out.Hotwords = joinNonEmpty(o.Hotwords, prior)
	}
	if o.priorAsPrompt {
		out.InitialPrompt = joinNonEmpty(o.InitialPrompt, prior)
	}
	return out
}

func joinNonEmpty(a, b string) string {
	if a == "" {
		return b
	}
	return a + " " + b
}

// Transcriber recognizes speech in a mono 16 kHz clip.
//
// A nil error with no segments means nothing was recognized. An error means
// no result for this round; callers keep their state and try again with the
// next chunk.
type Transcriber interface {
	Transcribe(ctx context.Context, samples []float32, prior string, opts DecodeOptions) ([]Segment, error)
}

// Text concatenates the text of segs
func Text(segs []Segment) string {
	var b strings.Builder
	for _, s := range segs {
		b.WriteString(s.Text)
	}
	return b.String()
}
