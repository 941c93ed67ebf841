package audio

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/zhiheng-yu/transcriptor/internal/config"
)

func sine(freq, amplitude float64, rate int, seconds float64) []float32 {
	n := int(seconds * float64(rate))
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(amplitude * math.Sin(2*math.Pi*freq*float64(i)/float64(rate)))
	}
	return out
}

func constant(v float32, n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = v
	}
	return out
}

func TestInt16Float32Conversion(t *testing.T) {
	pcm := []int16{0, 16384, -16384, -32768, 32767}
	f := Int16ToFloat32(pcm)

	want := []float32{0, 0.5, -0.5, -1}
	for i, w := range want {
		if f[i] != w {
			t.Errorf("sample %d: expected %v, got %v", i, w, f[i])
		}
	}

	back := Float32ToInt16([]float32{1.5, -2, 0.5, float32(math.NaN())})
	if back[0] != math.MaxInt16 || back[1] != math.MinInt16 {
		t.Errorf("Expected clamping, got %v", back[:2])
	}
	if back[2] != 16384 {
		t.Errorf("Expected 16384, got %d", back[2])
	}
	if back[3] != 0 {
		t.Errorf("Expected NaN to map to 0, got %d", back[3])
	}
}

func TestDecodePCM16LE(t *testing.T) {
	samples, err := DecodePCM16LE([]byte{0x00, 0x40, 0x00, 0xC0})
	if err != nil {
		t.Fatalf("DecodePCM16LE failed: %v", err)
	}
	if len(samples) != 2 || samples[0] != 0.5 || samples[1] != -0.5 {
		t.Errorf("Expected [0.5 -0.5], got %v", samples)
	}

	if _, err := DecodePCM16LE([]byte{0x01}); err == nil {
		t.Error("Expected error for odd-length PCM data")
	}

	encoded := EncodePCM16LE([]float32{0.5, -0.5})
	if string(encoded) != string([]byte{0x00, 0x40, 0x00, 0xC0}) {
		t.Errorf("Unexpected encoding %v", encoded)
	}
}

func TestResample(t *testing.T) {
	in := sine(440, 0.5, 16000, 0.1)

	up := Resample(in, 16000, 48000)
	if len(up) != 4800 {
		t.Errorf("Expected 4800 samples, got %d", len(up))
	}
	// integer positions land on source samples
	for i := 0; i < len(in); i++ {
		if up[i*3] != in[i] {
			t.Fatalf("sample %d: expected %v, got %v", i, in[i], up[i*3])
		}
	}

	down := Resample(up, 48000, 16000)
	if len(down) != len(in) {
		t.Errorf("Expected %d samples after round trip, got %d", len(in), len(down))
	}

	if same := Resample(in, 16000, 16000); len(same) != len(in) {
		t.Error("Expected same-rate resample to be a no-op")
	}
	if empty := Resample(nil, 16000, 48000); len(empty) != 0 {
		t.Error("Expected empty input to stay empty")
	}
}

func TestDBFS(t *testing.T) {
	if db := DBFS(make([]float32, 100)); !math.IsInf(db, -1) {
		t.Errorf("Expected -Inf for silence, got %v", db)
	}
	if db := DBFS(constant(0.1, 100)); math.Abs(db-(-20)) > 1e-4 {
		t.Errorf("Expected -20 dBFS, got %v", db)
	}
	if db := DBFS(sine(1000, 1, 48000, 1)); math.Abs(db-(-3.0103)) > 0.01 {
		t.Errorf("Expected about -3.01 dBFS for a full-scale sine, got %v", db)
	}
}

func TestSanitize(t *testing.T) {
	x := []float32{0.1, float32(math.NaN()), float32(math.Inf(1)), float32(math.Inf(-1))}
	Sanitize(x)
	if x[0] != 0.1 || x[1] != 0 || x[2] != 0 || x[3] != 0 {
		t.Errorf("Expected non-finite samples zeroed, got %v", x)
	}
}

func TestBuffer(t *testing.T) {
	b := NewBuffer(16000, constant(0.1, 8000))
	b.Append(constant(0.2, 8000))

	if b.Len() != 16000 {
		t.Errorf("Expected 16000 samples, got %d", b.Len())
	}
	if b.Seconds() != 1.0 {
		t.Errorf("Expected 1s, got %v", b.Seconds())
	}

	tests := []struct {
		name     string
		at       int
		wantHead int
		wantTail int
	}{
		{"middle", 8000, 8000, 8000},
		{"negative clamps to start", -5, 0, 16000},
		{"past end clamps to length", 20000, 16000, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			head, tail := b.Cut(tt.at)
			if len(head) != tt.wantHead || len(tail) != tt.wantTail {
				t.Errorf("Cut(%d) = %d/%d samples, want %d/%d", tt.at, len(head), len(tail), tt.wantHead, tt.wantTail)
			}
		})
	}

	head, tail := b.Cut(8000)
	if head[len(head)-1] != 0.1 || tail[0] != 0.2 {
		t.Error("Expected cut to split at the sample boundary")
	}
	head[0] = 9
	if b.Samples()[0] == 9 {
		t.Error("Expected Cut to return copies")
	}

	b.Reset()
	if b.Len() != 0 {
		t.Errorf("Expected empty buffer after reset, got %d", b.Len())
	}
}

func TestEnergyScorer(t *testing.T) {
	s := NewEnergyScorer(nil)
	ctx := context.Background()

	tests := []struct {
		name   string
		window []float32
		want   float32
	}{
		{"silence", make([]float32, 512), 0},
		{"below floor", constant(0.0005, 512), 0},
		{"mid range", constant(0.01, 512), 0.5},
		{"above ceiling", constant(0.5, 512), 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.Score(ctx, tt.window, 16000)
			if err != nil {
				t.Fatalf("Score failed: %v", err)
			}
			if math.Abs(float64(got-tt.want)) > 1e-3 {
				t.Errorf("Expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestEnergyScorer_ScoreWindows(t *testing.T) {
	s := NewEnergyScorer(nil)
	chunk := append(make([]float32, 1024), constant(0.5, 1024+100)...)

	scores, err := s.ScoreWindows(context.Background(), chunk, 512, 16000)
	if err != nil {
		t.Fatalf("ScoreWindows failed: %v", err)
	}
	want := []float32{0, 0, 1, 1}
	if len(scores) != len(want) {
		t.Fatalf("Expected %d scores (remainder unscored), got %d", len(want), len(scores))
	}
	for i := range want {
		if scores[i] != want[i] {
			t.Errorf("window %d: expected %v, got %v", i, want[i], scores[i])
		}
	}
}

func TestLoudnessMeter_Integrated(t *testing.T) {
	m := NewLoudnessMeter(48000)

	// a 1 kHz sine at -20 dBFS peak reads about -23 LUFS
	got := m.Integrated(sine(1000, 0.1, 48000, 2))
	if math.Abs(got-(-23.0)) > 0.5 {
		t.Errorf("Expected about -23 LUFS, got %v", got)
	}

	if got := m.Integrated(sine(1000, 0.1, 48000, 0.3)); !math.IsInf(got, -1) {
		t.Errorf("Expected -Inf for a clip shorter than one block, got %v", got)
	}
	if got := m.Integrated(make([]float32, 48000)); !math.IsInf(got, -1) {
		t.Errorf("Expected -Inf for silence, got %v", got)
	}
}

func TestLoudnessMeter_TruePeak(t *testing.T) {
	m := NewLoudnessMeter(48000)

	tp := m.TruePeak(sine(1000, 0.5, 48000, 0.1))
	if math.Abs(tp-(-6.02)) > 0.2 {
		t.Errorf("Expected about -6.02 dBTP, got %v", tp)
	}
	if tp := m.TruePeak(make([]float32, 100)); !math.IsInf(tp, -1) {
		t.Errorf("Expected -Inf for silence, got %v", tp)
	}
}

type fakeDenoiser struct {
	rate  int
	calls int
	err   error
}

func (d *fakeDenoiser) Denoise(_ context.Context, samples []float32, rate int) ([]float32, error) {
	d.calls++
	d.rate = rate
	if d.err != nil {
		return nil, d.err
	}
	return samples, nil
}

func enhanceConfig() config.Enhance {
	return config.Enhance{
		Enable:         true,
		Denoise:        true,
		TargetLUFS:     -16,
		TruePeakLimit:  -1,
		MuteIfTooQuiet: true,
		ThresholdDBFS:  -50,
	}
}

func TestEnhancer_MutesQuietAudio(t *testing.T) {
	e := NewEnhancer(enhanceConfig(), nil)

	out, err := e.Enhance(context.Background(), sine(440, 0.001, 16000, 1), 16000)
	if err != nil {
		t.Fatalf("Enhance failed: %v", err)
	}
	if len(out) != 16000 {
		t.Fatalf("Expected 16000 samples, got %d", len(out))
	}
	if PeakAbs(out) != 0 {
		t.Errorf("Expected silence, got peak %v", PeakAbs(out))
	}
}

func TestEnhancer_ShortClipPeakNormalized(t *testing.T) {
	e := NewEnhancer(enhanceConfig(), nil)

	out, err := e.Enhance(context.Background(), sine(440, 0.05, 16000, 0.2), 16000)
	if err != nil {
		t.Fatalf("Enhance failed: %v", err)
	}
	if len(out) != 3200 {
		t.Fatalf("Expected 3200 samples, got %d", len(out))
	}
	want := DBToGain(-1)
	if peak := PeakAbs(out); math.Abs(peak-want) > 1e-3 {
		t.Errorf("Expected peak %v, got %v", want, peak)
	}
}

func TestEnhancer_LoudnessNormalized(t *testing.T) {
	e := NewEnhancer(enhanceConfig(), nil)

	out, err := e.Enhance(context.Background(), sine(1000, 0.05, 16000, 2), 16000)
	if err != nil {
		t.Fatalf("Enhance failed: %v", err)
	}
	if len(out) != 32000 {
		t.Fatalf("Expected 32000 samples, got %d", len(out))
	}

	got := NewLoudnessMeter(16000).Integrated(out)
	if math.Abs(got-(-16)) > 1 {
		t.Errorf("Expected about -16 LUFS, got %v", got)
	}
}

func TestEnhancer_Denoiser(t *testing.T) {
	d := &fakeDenoiser{}
	e := NewEnhancer(enhanceConfig(), d)

	if _, err := e.Enhance(context.Background(), sine(440, 0.1, 16000, 0.5), 16000); err != nil {
		t.Fatalf("Enhance failed: %v", err)
	}
	if d.calls != 1 || d.rate != EnhanceRate {
		t.Errorf("Expected one denoise call at %d Hz, got %d calls at %d Hz", EnhanceRate, d.calls, d.rate)
	}

	d.err = errors.New("model unavailable")
	if _, err := e.Enhance(context.Background(), sine(440, 0.1, 16000, 0.5), 16000); !errors.Is(err, d.err) {
		t.Errorf("Expected denoiser error, got %v", err)
	}

	cfg := enhanceConfig()
	cfg.Denoise = false
	d.calls = 0
	if _, err := NewEnhancer(cfg, d).Enhance(context.Background(), sine(440, 0.1, 16000, 0.5), 16000); err != nil {
		t.Fatalf("Enhance failed: %v", err)
	}
	if d.calls != 0 {
		t.Error("Expected denoiser to be skipped when disabled")
	}
}
