package segment

import (
	"strings"

	"github.com/zhiheng-yu/transcriptor/internal/asr"
)

// sentenceTerminals close a sentence when they appear in accumulated text
const sentenceTerminals = "。？！.!?"

// AssembleSentences merges recognizer spans into sentences. Text accumulates
// until it contains a terminal punctuation mark; trailing text without one is
// emitted as a final dangling sentence. Each sentence spans from the start of
// its first span to the end of its last.
func AssembleSentences(spans []asr.Segment) []asr.Segment {
	var (
		out      []asr.Segment
		current  strings.Builder
		start    float64
		end      float64
		open     bool
		logProbs float64
		count    int
	)

	for _, span := range spans {
		if !open {
			start = span.Start
			open = true
			logProbs, count = 0, 0
		}
		current.WriteString(span.Text)
		end = span.End
		logProbs += span.Confidence
		count++

		if strings.ContainsAny(current.String(), sentenceTerminals) {
			out = append(out, asr.Segment{Text: current.String(), Start: start, End: end, Confidence: logProbs / float64(count)})
			current.Reset()
			open = false
		}
	}
	if current.Len() > 0 {
		out = append(out, asr.Segment{Text: current.String(), Start: start, End: end, Confidence: logProbs / float64(count)})
	}
	return out
}
