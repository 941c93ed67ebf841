package audio

import "time"

// Buffer accumulates mono float samples at a fixed rate. The zero value is
// not usable; create one with NewBuffer.
//
// Buffer is not safe for concurrent use. Each session owns its own.
type Buffer struct {
	rate    int
	samples []float32
}

// NewBuffer creates a buffer holding samples at rate Hz, seeded with initial
func NewBuffer(rate int, initial []float32) *Buffer {
	b := &Buffer{rate: rate}
	if len(initial) > 0 {
		b.samples = append(make([]float32, 0, len(initial)), initial...)
	}
	return b
}

// Append adds samples to the end of the buffer
func (b *Buffer) Append(samples []float32) {
	b.samples = append(b.samples, samples...)
}

// Len returns the number of samples held
func (b *Buffer) Len() int {
	return len(b.samples)
}

// Rate returns the sample rate in Hz
func (b *Buffer) Rate() int {
	return b.rate
}

// Seconds returns the buffered duration in seconds
func (b *Buffer) Seconds() float64 {
	if b.rate <= 0 {
		return 0
	}
	return float64(len(b.samples)) / float64(b.rate)
}

// Duration returns the buffered duration
func (b *Buffer) Duration() time.Duration {
	return time.Duration(b.Seconds() * float64(time.Second))
}

// Samples returns the buffered samples. The slice aliases the buffer.
func (b *Buffer) Samples() []float32 {
	return b.samples
}

// Cut splits the buffer at sample index at, clamped to [0, Len]. The returned
// slices are copies and the buffer itself is left untouched.
func (b *Buffer) Cut(at int) (head, tail []float32) {
	if at < 0 {
		at = 0
	}
	if at > len(b.samples) {
		at = len(b.samples)
	}
	head = append([]float32(nil), b.samples[:at]...)
	tail = append([]float32(nil), b.samples[at:]...)
	return head, tail
}

// Reset drops all buffered samples
func (b *Buffer) Reset() {
	b.samples = nil
}

// SampleIndex converts a position in seconds to a sample index at rate
func SampleIndex(seconds float64, rate int) int {
	return int(seconds * float64(rate))
}
