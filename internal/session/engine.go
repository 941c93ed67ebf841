package session

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/zhiheng-yu/transcriptor/internal/asr"
	"github.com/zhiheng-yu/transcriptor/internal/audio"
	"github.com/zhiheng-yu/transcriptor/internal/config"
	"github.com/zhiheng-yu/transcriptor/internal/filter"
	"github.com/zhiheng-yu/transcriptor/internal/observability"
	"github.com/zhiheng-yu/transcriptor/internal/segment"
	"github.com/zhiheng-yu/transcriptor/internal/speaker"
	"github.com/zhiheng-yu/transcriptor/internal/vad"
)

// Deps are the model handles an Engine drives. Only Transcriber is required.
type Deps struct {
	Transcriber asr.Transcriber
	Scorer      vad.Scorer          // nil disables trimming
	Attributor  *speaker.Attributor // nil keeps the carried speaker
	Enhancer    *audio.Enhancer     // nil disables enhancement
	Filter      *filter.Filter      // nil disables filtering
}

// Result is the outcome of one inference round
type Result struct {
	Final  bool
	State  State
	Reason segment.Reason

	// Filtered is set when the filter dropped the transcript or sentence
	Filtered filter.Match
}

// Engine is shared by every session. It holds no per-session state and is
// safe for concurrent use as long as its Deps are.
type Engine struct {
	cfg        *config.Config
	rate       int
	opts       asr.DecodeOptions
	asr        asr.Transcriber
	trimmer    *vad.Trimmer
	segmenter  *segment.Engine
	attributor *speaker.Attributor
	enhancer   *audio.Enhancer
	filter     *filter.Filter
	logger     zerolog.Logger
}

// NewEngine creates an engine
func NewEngine(cfg *config.Config, deps Deps, logger zerolog.Logger) *Engine {
	e := &Engine{
		cfg:        cfg,
		rate:       cfg.SampleRate,
		opts:       asr.OptionsFromConfig(cfg.ASR, cfg.Segmentation),
		asr:        deps.Transcriber,
		segmenter:  segment.NewEngine(cfg.Segmentation, cfg.SampleRate),
		attributor: deps.Attributor,
		filter:     deps.Filter,
		logger:     logger,
	}
	// the integrated recognizer segments on its own
	if cfg.VAD.Enable && deps.Scorer != nil && cfg.Segmentation.Mode != config.SegmentModeIntegrated {
		e.trimmer = vad.NewTrimmer(deps.Scorer, cfg.VAD)
	}
	if cfg.Enhance.Enable {
		e.enhancer = deps.Enhancer
	}
	return e
}

// SampleRate is the rate chunks and buffers are expected at
func (e *Engine) SampleRate() int {
	return e.rate
}

// Inference runs one round over chunk. Collaborator failures degrade the
// round instead of failing it; the only error is ctx being done. m may be nil.
func (e *Engine) Inference(ctx context.Context, chunk []float32, st State, m *observability.Metrics) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{State: st}, err
	}
	m.RecordInferenceStart()
	defer m.RecordInferenceEnd()

	if e.enhancer != nil && len(chunk) > 0 {
		enhanced, err := e.enhancer.Enhance(ctx, chunk, e.rate)
		if err != nil {
			e.logger.Warn().Err(err).Msg("Enhancement failed, using raw chunk")
			m.RecordError("enhance", "session")
		} else {
			chunk = enhanced
		}
	}

	if e.trimmer != nil {
		trimmed, ok, err := e.trimmer.Trim(ctx, chunk)
		switch {
		case err != nil:
			e.logger.Warn().Err(err).Msg("VAD scoring failed, using untrimmed chunk")
			m.RecordError("vad", "session")
		case !ok:
			return e.endBySilence(ctx, st, m), nil
		default:
			chunk = trimmed
		}
	}

	buffer := make([]float32, 0, len(st.Buffer)+len(chunk))
	buffer = append(buffer, st.Buffer...)
	buffer = append(buffer, chunk...)
	m.RecordAudioSamples("in", len(chunk))

	m.RecordASRStart()
	segs, err := e.asr.Transcribe(ctx, buffer, st.Sentence, e.opts.WithPrior(st.Sentence))
	m.RecordASREnd(err == nil)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Result{State: st}, ctxErr
		}
		e.logger.Warn().Err(err).Int("buffer_samples", len(buffer)).Msg("ASR failed, keeping buffer")
		m.RecordError("asr", "session")
		d := segment.Decision{Sentence: st.Sentence, Transcript: st.Transcript, Buffer: buffer}
		return e.finish(ctx, st, e.applyCap(d), m), nil
	}

	d := e.segmenter.Decide(segs, buffer, st.Sentence, st.Transcript)
	return e.finish(ctx, st, e.applyCap(d), m), nil
}

// applyCap forces finalization once the carried buffer outgrows its limit
func (e *Engine) applyCap(d segment.Decision) segment.Decision {
	if d.Final || e.seconds(d.Buffer) <= e.cfg.Segmentation.MaxBufferDuration {
		return d
	}
	e.logger.Warn().
		Float64("buffer_seconds", e.seconds(d.Buffer)).
		Float64("limit_seconds", e.cfg.Segmentation.MaxBufferDuration).
		Msg("Buffer limit reached, forcing finalization")

	d.Reason = segment.ReasonBufferCap
	if d.Transcript != "" {
		d.Final = true
		d.Sentence = d.Transcript
		d.Transcript = ""
		d.Clip = d.Buffer
	}
	d.Buffer = nil
	return d
}

// endBySilence handles a chunk the trimmer found no speech in. Pending text is
// finalized against the released buffer; otherwise nothing changes.
func (e *Engine) endBySilence(ctx context.Context, st State, m *observability.Metrics) Result {
	if len(st.Buffer) == 0 || st.Transcript == "" {
		return Result{State: st}
	}
	d := segment.Decision{
		Final:    true,
		Sentence: st.Transcript,
		Clip:     st.Buffer,
		Reason:   segment.ReasonSilence,
	}
	return e.finish(ctx, st, d, m)
}

// finish filters the decision and attributes the finalized clip
func (e *Engine) finish(ctx context.Context, prev State, d segment.Decision, m *observability.Metrics) Result {
	res := Result{
		Final:  d.Final,
		Reason: d.Reason,
		State: State{
			Speaker:    prev.Speaker,
			Sentence:   d.Sentence,
			Transcript: d.Transcript,
			Buffer:     d.Buffer,
		},
	}

	if e.filter != nil {
		if text, match := e.filter.Clean(res.State.Transcript); match.Matched() {
			e.logFiltered("transcript", res.State.Transcript, match)
			m.RecordFiltered(string(match.Stage))
			res.State.Transcript = text
			res.Filtered = match
		}
		if res.Final {
			if _, match := e.filter.Clean(res.State.Sentence); match.Matched() {
				e.logFiltered("sentence", res.State.Sentence, match)
				m.RecordFiltered(string(match.Stage))
				res.Final = false
				res.State.Sentence = prev.Sentence
				res.Filtered = match
			}
		}
	}

	if !res.Final {
		return res
	}

	if e.attributor != nil && len(d.Clip) > 0 {
		res.State.Speaker = e.attributor.Attribute(ctx, d.Clip)
	}
	m.RecordFinalization(string(res.Reason))
	e.logger.Debug().
		Str("reason", string(res.Reason)).
		Str("speaker", res.State.Speaker).
		Int("clip_samples", len(d.Clip)).
		Int("buffer_samples", len(res.State.Buffer)).
		Msg("Sentence finalized")
	return res
}

func (e *Engine) logFiltered(field, text string, match filter.Match) {
	e.logger.Info().
		Str("field", field).
		Str("text", text).
		Str("stage", string(match.Stage)).
		Str("phrase", match.Phrase).
		Float64("similarity", match.Similarity).
		Msg("Hallucination filtered")
}

func (e *Engine) seconds(buffer []float32) float64 {
	if e.rate <= 0 {
		return 0
	}
	return float64(len(buffer)) / float64(e.rate)
}
