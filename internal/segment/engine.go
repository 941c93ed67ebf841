// Package segment decides when recognized text becomes a finalized sentence
// and where the rolling audio buffer is cut.
package segment

import (
	"strings"

	"github.com/zhiheng-yu/transcriptor/internal/asr"
	"github.com/zhiheng-yu/transcriptor/internal/config"
)

// Reason records why a decision finalized a sentence
type Reason string

const (
	ReasonNone         Reason = ""
	ReasonSegments     Reason = "segments"     // two or more segments, cut before the last
	ReasonInterruption Reason = "interruption" // single segment held past the interruption duration
	ReasonTailSilence  Reason = "tail_silence" // single segment followed by a long silence
	ReasonSilence      Reason = "silence"      // VAD reported no signal after pending speech
	ReasonBufferCap    Reason = "buffer_cap"   // rolling buffer hit its hard limit
)

// Decision is the outcome of one segmentation pass
type Decision struct {
	Final      bool
	Sentence   string
	Transcript string

	// Buffer is the audio carried into the next call
	Buffer []float32

	// Clip is the finalized audio handed to speaker attribution. It is nil
	// when nothing was finalized.
	Clip []float32

	Reason Reason
}

// Engine applies the configured segmentation policy
type Engine struct {
	cfg  config.Segmentation
	rate int
}

// NewEngine creates a segmentation engine for audio at rate Hz
func NewEngine(cfg config.Segmentation, rate int) *Engine {
	return &Engine{cfg: cfg, rate: rate}
}

// Mode returns the active policy
func (e *Engine) Mode() string {
	return e.cfg.Mode
}

// Decide maps the segments recognized over buffer onto the next session
// state. lastSentence and lastTranscript are carried over wherever the
// policy does not replace them.
func (e *Engine) Decide(segments []asr.Segment, buffer []float32, lastSentence, lastTranscript string) Decision {
	d := Decision{
		Sentence:   lastSentence,
		Transcript: lastTranscript,
		Buffer:     buffer,
	}

	if !e.cfg.Enable {
		// recognition only, finalization is left to the buffer cap
		if len(segments) > 0 {
			d.Transcript = e.gatedText(segments)
		}
		return d
	}

	if e.cfg.Mode == config.SegmentModeIntegrated {
		segments = AssembleSentences(segments)
	}

	duration := e.seconds(buffer)
	switch n := len(segments); {
	case n == 0:
		if duration > e.cfg.MaxSilenceInterval {
			d.Buffer = nil
		}

	case n == 1:
		if e.cfg.Mode == config.SegmentModeIntegrated {
			return e.decideTailSilence(d, segments[0], buffer, duration)
		}
		return e.decideInterruption(d, segments[0], buffer, duration)

	default:
		last := segments[n-1]
		var sentence strings.Builder
		for _, s := range segments[:n-1] {
			sentence.WriteString(s.Text)
		}

		cut := clamp(int(segments[n-2].End*float64(e.rate)), 0, len(buffer))
		d.Final = true
		d.Sentence = sentence.String()
		d.Transcript = e.gate(last)
		d.Clip = buffer[:cut]
		d.Buffer = buffer[cut:]
		d.Reason = ReasonSegments
	}
	return d
}

func (e *Engine) decideInterruption(d Decision, seg asr.Segment, buffer []float32, duration float64) Decision {
	d.Transcript = e.gate(seg)
	if duration > e.cfg.InterruptionDuration {
		d.Final = true
		d.Sentence = seg.Text
		d.Transcript = ""
		d.Clip = buffer
		d.Buffer = nil
		d.Reason = ReasonInterruption
	}
	return d
}

func (e *Engine) decideTailSilence(d Decision, seg asr.Segment, buffer []float32, duration float64) Decision {
	if duration-seg.End > e.cfg.MaxSilenceInterval {
		d.Final = true
		d.Sentence = seg.Text
		d.Transcript = ""
		d.Clip = buffer
		d.Buffer = nil
		d.Reason = ReasonTailSilence
		return d
	}
	d.Transcript = seg.Text
	return d
}

// gate suppresses low-confidence text. The integrated recognizer reports no
// log-probabilities, so its text is never gated.
func (e *Engine) gate(seg asr.Segment) string {
	if e.cfg.Mode == config.SegmentModeIntegrated {
		return seg.Text
	}
	if seg.Confidence < e.cfg.LogProbThreshold {
		return ""
	}
	return seg.Text
}

func (e *Engine) gatedText(segments []asr.Segment) string {
	var b strings.Builder
	for _, s := range segments {
		b.WriteString(e.gate(s))
	}
	return b.String()
}

func (e *Engine) seconds(buffer []float32) float64 {
	if e.rate <= 0 {
		return 0
	}
	return float64(len(buffer)) / float64(e.rate)
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
