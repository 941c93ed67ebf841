package asr

import (
	"context"
	"sync"
)

// Call records one Transcribe invocation on a StubTranscriber
type Call struct {
	Samples int
	Prior   string
	Opts    DecodeOptions
}

// StubTranscriber replays scripted results. Once the script runs out it
// answers with Fallback, or with no segments when Fallback is nil.
type StubTranscriber struct {
	Fallback func(samples []float32) []Segment

	mu     sync.Mutex
	script []stubResult
	calls  []Call
}

type stubResult struct {
	segs []Segment
	err  error
}

// NewStubTranscriber creates a stub that returns each entry of results in turn
func NewStubTranscriber(results ...[]Segment) *StubTranscriber {
	s := &StubTranscriber{}
	for _, r := range results {
		s.Push(r...)
	}
	return s
}

// Push appends one scripted result
func (s *StubTranscriber) Push(segs ...Segment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.script = append(s.script, stubResult{segs: segs})
}

// PushError appends one scripted failure
func (s *StubTranscriber) PushError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.script = append(s.script, stubResult{err: err})
}

// Transcribe implements Transcriber
func (s *StubTranscriber) Transcribe(ctx context.Context, samples []float32, prior string, opts DecodeOptions) ([]Segment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.calls = append(s.calls, Call{Samples: len(samples), Prior: prior, Opts: opts})
	if len(s.script) > 0 {
		next := s.script[0]
		s.script = s.script[1:]
		s.mu.Unlock()
		return next.segs, next.err
	}
	fallback := s.Fallback
	s.mu.Unlock()

	if fallback != nil {
		return fallback(samples), nil
	}
	return nil, nil
}

// Calls returns the invocations seen so far
func (s *StubTranscriber) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Call(nil), s.calls...)
}
