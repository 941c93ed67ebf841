package audio

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Int16ToFloat32 converts signed 16-bit PCM to float samples in [-1, 1)
func Int16ToFloat32(pcm []int16) []float32 {
	out := make([]float32, len(pcm))
	for i, s := range pcm {
		out[i] = float32(s) / 32768.0
	}
	return out
}

// Float32ToInt16 converts float samples to signed 16-bit PCM, clamping
// anything outside the representable range
func Float32ToInt16(samples []float32) []int16 {
	out := make([]int16, len(samples))
	for i, s := range samples {
		v := float64(s) * 32768.0
		switch {
		case v > math.MaxInt16:
			v = math.MaxInt16
		case v < math.MinInt16:
			v = math.MinInt16
		case math.IsNaN(v):
			v = 0
		}
		out[i] = int16(v)
	}
	return out
}

// DecodePCM16LE converts little-endian 16-bit PCM bytes to float samples
func DecodePCM16LE(data []byte) ([]float32, error) {
	if len(data)%2 != 0 {
		return nil, fmt.Errorf("PCM data length must be even (16-bit samples), got %d bytes", len(data))
	}
	pcm := make([]int16, len(data)/2)
	for i := range pcm {
		pcm[i] = int16(binary.LittleEndian.Uint16(data[i*2:]))
	}
	return Int16ToFloat32(pcm), nil
}

// EncodePCM16LE converts float samples to little-endian 16-bit PCM bytes
func EncodePCM16LE(samples []float32) []byte {
	pcm := Float32ToInt16(samples)
	out := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// Resample performs linear interpolation resampling
func Resample(samples []float32, inputRate, outputRate int) []float32 {
	if inputRate == outputRate || inputRate <= 0 || outputRate <= 0 || len(samples) == 0 {
		return samples
	}

	outputLength := len(samples) * outputRate / inputRate
	output := make([]float32, outputLength)

	for i := 0; i < outputLength; i++ {
		srcPos := float64(i) * float64(inputRate) / float64(outputRate)

		idx0 := int(srcPos)
		if idx0 >= len(samples) {
			idx0 = len(samples) - 1
		}
		idx1 := idx0 + 1
		if idx1 >= len(samples) {
			idx1 = len(samples) - 1
		}

		fraction := srcPos - float64(idx0)
		output[i] = float32(float64(samples[idx0])*(1.0-fraction) + float64(samples[idx1])*fraction)
	}

	return output
}

// CalculateRMS calculates the root mean square (RMS) of audio samples
func CalculateRMS(samples []float32) float64 {
	if len(samples) == 0 {
		return 0.0
	}

	sum := 0.0
	for _, sample := range samples {
		sum += float64(sample) * float64(sample)
	}

	return math.Sqrt(sum / float64(len(samples)))
}

// DBFS returns the RMS level relative to full scale. Silence is -Inf.
func DBFS(samples []float32) float64 {
	rms := CalculateRMS(samples)
	if rms == 0 {
		return math.Inf(-1)
	}
	return 20 * math.Log10(rms)
}

// PeakAbs returns the largest absolute sample value
func PeakAbs(samples []float32) float64 {
	peak := 0.0
	for _, s := range samples {
		if a := math.Abs(float64(s)); a > peak {
			peak = a
		}
	}
	return peak
}

// Sanitize replaces NaN and infinite samples with zero in place
func Sanitize(samples []float32) []float32 {
	for i, s := range samples {
		f := float64(s)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			samples[i] = 0
		}
	}
	return samples
}

// Scale multiplies every sample by gain, returning a new slice
func Scale(samples []float32, gain float64) []float32 {
	out := make([]float32, len(samples))
	for i, s := range samples {
		out[i] = float32(float64(s) * gain)
	}
	return out
}

// DBToGain converts decibels to a linear amplitude factor
func DBToGain(db float64) float64 {
	return math.Pow(10, db/20)
}
