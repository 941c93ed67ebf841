package config

import (
	"os"
	"testing"
	"time"
)

func TestLoad(t *testing.T) {
	os.Setenv("INFERENCE_URL", "http://localhost:7001")
	defer os.Unsetenv("INFERENCE_URL")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.Inference.URL != "http://localhost:7001" {
		t.Errorf("Expected Inference.URL 'http://localhost:7001', got '%s'", cfg.Inference.URL)
	}
}

func TestLoad_MissingInferenceURL(t *testing.T) {
	os.Unsetenv("INFERENCE_URL")
	os.Unsetenv("ASR_BACKEND")

	_, err := LoadFromEnv()
	if err == nil {
		t.Error("Expected error when INFERENCE_URL is missing for the remote backend")
	}
}

func TestLoad_StubBackendNeedsNoInferenceURL(t *testing.T) {
	os.Setenv("ASR_BACKEND", "stub")
	defer os.Unsetenv("ASR_BACKEND")

	if _, err := LoadFromEnv(); err != nil {
		t.Fatalf("LoadFromEnv() failed: %v", err)
	}
}

func TestLoad_Defaults(t *testing.T) {
	os.Setenv("ASR_BACKEND", "stub")
	defer os.Unsetenv("ASR_BACKEND")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() failed: %v", err)
	}

	if cfg.Port != "6002" {
		t.Errorf("Expected default Port '6002', got '%s'", cfg.Port)
	}
	if cfg.SampleRate != 16000 {
		t.Errorf("Expected default SampleRate 16000, got %d", cfg.SampleRate)
	}

	// VAD
	if cfg.VAD.Threshold != 0.2 {
		t.Errorf("Expected default VAD.Threshold 0.2, got %v", cfg.VAD.Threshold)
	}
	if cfg.VAD.WindowSize != 512 {
		t.Errorf("Expected default VAD.WindowSize 512, got %d", cfg.VAD.WindowSize)
	}
	if cfg.VAD.MinSilenceWindows != 12 || cfg.VAD.MinVoiceWindows != 8 || cfg.VAD.SilenceReserve != 6 {
		t.Errorf("Unexpected VAD window defaults: %+v", cfg.VAD)
	}

	// Segmentation
	if cfg.Segmentation.Mode != SegmentModeWhisper {
		t.Errorf("Expected default Segmentation.Mode %q, got %q", SegmentModeWhisper, cfg.Segmentation.Mode)
	}
	if cfg.Segmentation.InterruptionDuration != 20 {
		t.Errorf("Expected default InterruptionDuration 20, got %v", cfg.Segmentation.InterruptionDuration)
	}
	if cfg.Segmentation.LogProbThreshold != -1.0 {
		t.Errorf("Expected default LogProbThreshold -1.0, got %v", cfg.Segmentation.LogProbThreshold)
	}
	if cfg.Segmentation.MaxBufferDuration != 30 {
		t.Errorf("Expected default MaxBufferDuration 30, got %v", cfg.Segmentation.MaxBufferDuration)
	}

	// Filter phrases fall back to the built-in lists
	if len(cfg.Filter.LiteralPhrases) != len(DefaultLiteralPhrases) {
		t.Errorf("Expected %d literal phrases, got %d", len(DefaultLiteralPhrases), len(cfg.Filter.LiteralPhrases))
	}
	if len(cfg.Filter.SimilarityPhrases) != len(DefaultSimilarityPhrases) {
		t.Errorf("Expected %d similarity phrases, got %d", len(DefaultSimilarityPhrases), len(cfg.Filter.SimilarityPhrases))
	}
	if cfg.Filter.SimilarityThreshold != 0.02 {
		t.Errorf("Expected default SimilarityThreshold 0.02, got %v", cfg.Filter.SimilarityThreshold)
	}

	// ASR
	if cfg.ASR.BeamSize != 8 || cfg.ASR.BestOf != 4 {
		t.Errorf("Unexpected beam defaults: beam=%d best_of=%d", cfg.ASR.BeamSize, cfg.ASR.BestOf)
	}
	wantTemps := []float64{0, 0.2, 0.6, 1.0}
	if len(cfg.ASR.Temperatures) != len(wantTemps) {
		t.Fatalf("Expected %d temperatures, got %v", len(wantTemps), cfg.ASR.Temperatures)
	}
	for i, temp := range wantTemps {
		if cfg.ASR.Temperatures[i] != temp {
			t.Errorf("Expected temperature[%d] %v, got %v", i, temp, cfg.ASR.Temperatures[i])
		}
	}
	if !cfg.ASR.PreviousTextHotwords {
		t.Error("Expected PreviousTextHotwords to default to true")
	}

	// Enhancement
	if cfg.Enhance.TargetLUFS != -16 || cfg.Enhance.TruePeakLimit != -1 {
		t.Errorf("Unexpected loudness defaults: %+v", cfg.Enhance)
	}

	// Transport and session
	if cfg.Transport.MaxMessageBytes != 10*1024*1024 {
		t.Errorf("Expected default MaxMessageBytes 10MB, got %d", cfg.Transport.MaxMessageBytes)
	}
	if cfg.Transport.PingInterval != 20*time.Second || cfg.Transport.PingTimeout != 20*time.Second {
		t.Errorf("Unexpected ping defaults: %v/%v", cfg.Transport.PingInterval, cfg.Transport.PingTimeout)
	}
	if cfg.Transport.FrameSize != 320 {
		t.Errorf("Expected default FrameSize 320, got %d", cfg.Transport.FrameSize)
	}
	if cfg.Transport.Codec != CodecPCM {
		t.Errorf("Expected default Codec %q, got %q", CodecPCM, cfg.Transport.Codec)
	}
	if cfg.Session.TTL != 5*time.Minute {
		t.Errorf("Expected default Session.TTL 5m, got %v", cfg.Session.TTL)
	}
	if cfg.Speaker.Threshold != 0.3 {
		t.Errorf("Expected default Speaker.Threshold 0.3, got %v", cfg.Speaker.Threshold)
	}
}

func TestLoad_Overrides(t *testing.T) {
	os.Setenv("ASR_BACKEND", "stub")
	os.Setenv("SEGMENT_MODE", "integrated")
	os.Setenv("VAD_THRESHOLD", "0.5")
	os.Setenv("FILTER_LITERAL_PHRASES", "foo,bar")
	os.Setenv("KAFKA_BROKERS", "k1:9092,k2:9092")
	defer os.Unsetenv("ASR_BACKEND")
	defer os.Unsetenv("SEGMENT_MODE")
	defer os.Unsetenv("VAD_THRESHOLD")
	defer os.Unsetenv("FILTER_LITERAL_PHRASES")
	defer os.Unsetenv("KAFKA_BROKERS")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() failed: %v", err)
	}

	if cfg.Segmentation.Mode != SegmentModeIntegrated {
		t.Errorf("Expected Segmentation.Mode %q, got %q", SegmentModeIntegrated, cfg.Segmentation.Mode)
	}
	if cfg.VAD.Threshold != 0.5 {
		t.Errorf("Expected VAD.Threshold 0.5, got %v", cfg.VAD.Threshold)
	}
	if len(cfg.Filter.LiteralPhrases) != 2 || cfg.Filter.LiteralPhrases[1] != "bar" {
		t.Errorf("Expected literal phrases [foo bar], got %v", cfg.Filter.LiteralPhrases)
	}
	if len(cfg.Kafka.Brokers) != 2 {
		t.Errorf("Expected 2 brokers, got %v", cfg.Kafka.Brokers)
	}
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		os.Setenv("ASR_BACKEND", "stub")
		defer os.Unsetenv("ASR_BACKEND")
		cfg, err := LoadFromEnv()
		if err != nil {
			t.Fatalf("LoadFromEnv() failed: %v", err)
		}
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad segment mode", func(c *Config) { c.Segmentation.Mode = "chunked" }},
		{"zero window", func(c *Config) { c.VAD.WindowSize = 0 }},
		{"threshold above one", func(c *Config) { c.VAD.Threshold = 1.5 }},
		{"unknown store", func(c *Config) { c.Session.Store = "etcd" }},
		{"unknown codec", func(c *Config) { c.Transport.Codec = "aac" }},
		{"zero concurrency", func(c *Config) { c.Transport.InferenceConcurrency = 0 }},
		{"zero buffer cap", func(c *Config) { c.Segmentation.MaxBufferDuration = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Errorf("Expected Validate() to fail for %s", tt.name)
			}
		})
	}
}

func TestGetEnv(t *testing.T) {
	os.Setenv("TEST_VAR", "test-value")
	defer os.Unsetenv("TEST_VAR")

	if value := GetEnv("TEST_VAR", "default"); value != "test-value" {
		t.Errorf("Expected 'test-value', got '%s'", value)
	}
	if value := GetEnv("NON_EXISTENT_VAR", "default"); value != "default" {
		t.Errorf("Expected 'default', got '%s'", value)
	}
}
