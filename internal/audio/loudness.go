package audio

import "math"

const (
	blockSeconds     = 0.4  // gating block length
	blockOverlap     = 0.75 // fraction shared by consecutive blocks
	absoluteGateLUFS = -70.0
	relativeGateLU   = -10.0
	oversampleFactor = 4
	sincHalfWidth    = 12 // taps on each side of the interpolation point
)

// biquad is a direct form I second-order IIR section
type biquad struct {
	b0, b1, b2 float64
	a1, a2     float64 // normalized by a0
}

func (f biquad) apply(in []float64) []float64 {
	out := make([]float64, len(in))
	var x1, x2, y1, y2 float64
	for i, x := range in {
		y := f.b0*x + f.b1*x1 + f.b2*x2 - f.a1*y1 - f.a2*y2
		x2, x1 = x1, x
		y2, y1 = y1, y
		out[i] = y
	}
	return out
}

// highShelf is the K-weighting pre-filter stage modelling the head
func highShelf(rate int, gainDB, q, fc float64) biquad {
	a := math.Pow(10, gainDB/40)
	w0 := 2 * math.Pi * fc / float64(rate)
	alpha := math.Sin(w0) / (2 * q)
	cosw := math.Cos(w0)
	sqrtA := math.Sqrt(a)

	b0 := a * ((a + 1) + (a-1)*cosw + 2*sqrtA*alpha)
	b1 := -2 * a * ((a - 1) + (a+1)*cosw)
	b2 := a * ((a + 1) + (a-1)*cosw - 2*sqrtA*alpha)
	a0 := (a + 1) - (a-1)*cosw + 2*sqrtA*alpha
	a1 := 2 * ((a - 1) - (a+1)*cosw)
	a2 := (a + 1) - (a-1)*cosw - 2*sqrtA*alpha

	return biquad{b0: b0 / a0, b1: b1 / a0, b2: b2 / a0, a1: a1 / a0, a2: a2 / a0}
}

// highPass is the RLB weighting stage
func highPass(rate int, q, fc float64) biquad {
	w0 := 2 * math.Pi * fc / float64(rate)
	alpha := math.Sin(w0) / (2 * q)
	cosw := math.Cos(w0)

	b0 := (1 + cosw) / 2
	b1 := -(1 + cosw)
	b2 := (1 + cosw) / 2
	a0 := 1 + alpha
	a1 := -2 * cosw
	a2 := 1 - alpha

	return biquad{b0: b0 / a0, b1: b1 / a0, b2: b2 / a0, a1: a1 / a0, a2: a2 / a0}
}

// LoudnessMeter measures ITU-R BS.1770 integrated loudness and true peak for
// mono audio at a fixed sample rate
type LoudnessMeter struct {
	rate    int
	filters []biquad
}

// NewLoudnessMeter creates a meter for samples at rate Hz
func NewLoudnessMeter(rate int) *LoudnessMeter {
	return &LoudnessMeter{
		rate: rate,
		filters: []biquad{
			highShelf(rate, 4.0, 1/math.Sqrt2, 1500.0),
			highPass(rate, 0.5, 38.0),
		},
	}
}

// Integrated returns the gated loudness in LUFS. Clips shorter than one
// gating block, or entirely below the absolute gate, measure -Inf.
func (m *LoudnessMeter) Integrated(samples []float32) float64 {
	blockLen := int(blockSeconds * float64(m.rate))
	if blockLen <= 0 || len(samples) < blockLen {
		return math.Inf(-1)
	}

	weighted := make([]float64, len(samples))
	for i, s := range samples {
		weighted[i] = float64(s)
	}
	for _, f := range m.filters {
		weighted = f.apply(weighted)
	}

	step := int(float64(blockLen) * (1 - blockOverlap))
	if step <= 0 {
		step = 1
	}

	var powers []float64
	for start := 0; start+blockLen <= len(weighted); start += step {
		sum := 0.0
		for _, v := range weighted[start : start+blockLen] {
			sum += v * v
		}
		powers = append(powers, sum/float64(blockLen))
	}

	gated := gate(powers, absoluteGateLUFS)
	if len(gated) == 0 {
		return math.Inf(-1)
	}
	relative := blockLoudness(mean(gated)) + relativeGateLU

	gated = gate(gated, relative)
	if len(gated) == 0 {
		return math.Inf(-1)
	}
	return blockLoudness(mean(gated))
}

// TruePeak returns the inter-sample peak in dBTP estimated by 4x
// windowed-sinc oversampling. Silence is -Inf.
func (m *LoudnessMeter) TruePeak(samples []float32) float64 {
	peak := PeakAbs(samples)
	n := len(samples)
	for i := 0; i < n; i++ {
		for p := 1; p < oversampleFactor; p++ {
			t := float64(i) + float64(p)/oversampleFactor
			if v := math.Abs(interpolate(samples, t)); v > peak {
				peak = v
			}
		}
	}
	if peak == 0 {
		return math.Inf(-1)
	}
	return 20 * math.Log10(peak)
}

// interpolate evaluates the band-limited signal at fractional position t
// using a Hann-windowed sinc kernel
func interpolate(samples []float32, t float64) float64 {
	center := int(math.Floor(t))
	sum := 0.0
	for k := center - sincHalfWidth + 1; k <= center+sincHalfWidth; k++ {
		if k < 0 || k >= len(samples) {
			continue
		}
		x := t - float64(k)
		w := 0.5 * (1 + math.Cos(math.Pi*x/float64(sincHalfWidth)))
		sum += float64(samples[k]) * sinc(x) * w
	}
	return sum
}

func sinc(x float64) float64 {
	if x == 0 {
		return 1
	}
	px := math.Pi * x
	return math.Sin(px) / px
}

func blockLoudness(power float64) float64 {
	if power <= 0 {
		return math.Inf(-1)
	}
	return -0.691 + 10*math.Log10(power)
}

func gate(powers []float64, thresholdLUFS float64) []float64 {
	var kept []float64
	for _, p := range powers {
		if blockLoudness(p) > thresholdLUFS {
			kept = append(kept, p)
		}
	}
	return kept
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}
