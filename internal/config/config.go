package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Segmentation policies
const (
	SegmentModeWhisper    = "whisper"    // confidence gate + interruption duration
	SegmentModeIntegrated = "integrated" // ASR does VAD + punctuation itself
)

// ASR backends
const (
	ASRBackendRemote = "remote"
	ASRBackendStub   = "stub"
)

// Codecs for the packet framer
const (
	CodecOpus = "opus"
	CodecPCM  = "pcm"
)

// Config holds all configuration for the transcription server
type Config struct {
	// Server configuration
	Port           string `envconfig:"PORT" default:"6002"`
	GRPCHealthPort string `envconfig:"GRPC_HEALTH_PORT" default:""` // empty disables the gRPC health service
	SampleRate     int    `envconfig:"SAMPLE_RATE" default:"16000"`

	// Component groups are embedded so their env keys stay unprefixed
	VAD
	Segmentation
	Filter
	Enhance
	ASR
	Speaker
	Session
	Transport
	Inference
	Redis
	Kafka

	// Resilience configuration
	CircuitBreakerMaxFailures  int `envconfig:"CIRCUIT_BREAKER_MAX_FAILURES" default:"5"`
	CircuitBreakerResetTimeout int `envconfig:"CIRCUIT_BREAKER_RESET_TIMEOUT" default:"30"` // seconds
	RetryMaxAttempts           int `envconfig:"RETRY_MAX_ATTEMPTS" default:"3"`
	RetryInitialBackoff        int `envconfig:"RETRY_INITIAL_BACKOFF" default:"100"` // milliseconds

	// Observability configuration
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`
	LogPretty      bool   `envconfig:"LOG_PRETTY" default:"false"`
	MetricsEnabled bool   `envconfig:"METRICS_ENABLED" default:"true"`
}

// VAD configures the silence trimmer. Durations are counted in windows.
type VAD struct {
	Enable            bool    `envconfig:"VAD_ENABLE" default:"true"`
	Threshold         float32 `envconfig:"VAD_THRESHOLD" default:"0.2"`
	SampleRate        int     `envconfig:"VAD_SAMPLE_RATE" default:"16000"`
	WindowSize        int     `envconfig:"VAD_WINDOW_SIZE" default:"512"`        // samples per scored window
	MinSilenceWindows int     `envconfig:"VAD_MIN_SILENCE_WINDOWS" default:"12"` // 12 * 32ms = 384ms
	MinVoiceWindows   int     `envconfig:"VAD_MIN_VOICE_WINDOWS" default:"8"`
	SilenceReserve    int     `envconfig:"VAD_SILENCE_RESERVE" default:"6"`
}

// Segmentation configures the finality policy. Durations are in seconds.
type Segmentation struct {
	Enable               bool    `envconfig:"SEGMENT_ENABLE" default:"true"`
	Mode                 string  `envconfig:"SEGMENT_MODE" default:"whisper"`
	InterruptionDuration float64 `envconfig:"SEGMENT_INTERRUPTION_DURATION" default:"20"`
	MaxSilenceInterval   float64 `envconfig:"SEGMENT_MAX_SILENCE_INTERVAL" default:"2"`
	MaxSpeechDuration    float64 `envconfig:"SEGMENT_MAX_SPEECH_DURATION" default:"15"`
	MaxBufferDuration    float64 `envconfig:"SEGMENT_MAX_BUFFER_DURATION" default:"30"` // hard cap
	LogProbThreshold     float64 `envconfig:"SEGMENT_LOG_PROB_THRESHOLD" default:"-1.0"`
}

// Filter configures the hallucination filter. Empty phrase lists fall back to
// DefaultLiteralPhrases and DefaultSimilarityPhrases.
type Filter struct {
	Enable              bool     `envconfig:"FILTER_ENABLE" default:"true"`
	LiteralPhrases      []string `envconfig:"FILTER_LITERAL_PHRASES"`
	SimilarityPhrases   []string `envconfig:"FILTER_SIMILARITY_PHRASES"`
	SimilarityThreshold float64  `envconfig:"FILTER_SIMILARITY_THRESHOLD" default:"0.02"`
}

// Enhance configures speech enhancement.
type Enhance struct {
	Enable         bool    `envconfig:"ENHANCE_ENABLE" default:"false"`
	Denoise        bool    `envconfig:"ENHANCE_DENOISE" default:"true"` // requires an inference server
	TargetLUFS     float64 `envconfig:"ENHANCE_TARGET_LUFS" default:"-16"`
	TruePeakLimit  float64 `envconfig:"ENHANCE_TRUE_PEAK_LIMIT" default:"-1"`
	MuteIfTooQuiet bool    `envconfig:"ENHANCE_MUTE_IF_TOO_QUIET" default:"true"`
	ThresholdDBFS  float64 `envconfig:"ENHANCE_THRESHOLD_DBFS" default:"-50"`
}

// ASR holds decode parameters forwarded to the recognizer.
type ASR struct {
	Backend                 string    `envconfig:"ASR_BACKEND" default:"remote"`
	BeamSize                int       `envconfig:"ASR_BEAM_SIZE" default:"8"`
	BestOf                  int       `envconfig:"ASR_BEST_OF" default:"4"`
	Patience                float64   `envconfig:"ASR_PATIENCE" default:"1.0"`
	RepetitionPenalty       float64   `envconfig:"ASR_REPETITION_PENALTY" default:"1.2"`
	LogProbThreshold        float64   `envconfig:"ASR_LOG_PROB_THRESHOLD" default:"-1.0"`
	NoSpeechThreshold       float64   `envconfig:"ASR_NO_SPEECH_THRESHOLD" default:"0.8"`
	Temperatures            []float64 `envconfig:"ASR_TEMPERATURES" default:"0,0.2,0.6,1.0"`
	SuppressBlank           bool      `envconfig:"ASR_SUPPRESS_BLANK" default:"true"`
	ConditionOnPreviousText bool      `envconfig:"ASR_CONDITION_ON_PREVIOUS_TEXT" default:"true"`
	PreviousTextPrompt      bool      `envconfig:"ASR_PREVIOUS_TEXT_PROMPT" default:"false"`
	PreviousTextHotwords    bool      `envconfig:"ASR_PREVIOUS_TEXT_HOTWORDS" default:"true"`
	InitialPrompt           string    `envconfig:"ASR_INITIAL_PROMPT" default:"大家好，这是一段会议录音。"`
	Hotwords                string    `envconfig:"ASR_HOTWORDS" default:""`
	Language                string    `envconfig:"ASR_LANGUAGE" default:""` // empty = auto detect
}

// Speaker configures speaker attribution.
type Speaker struct {
	RegistryPath string  `envconfig:"SPEAKER_REGISTRY" default:""`
	Threshold    float64 `envconfig:"SPEAKER_THRESHOLD" default:"0.3"`
}

// Session configures server-held session state.
type Session struct {
	Store         string        `envconfig:"SESSION_STORE" default:"memory"` // memory, redis
	TTL           time.Duration `envconfig:"SESSION_TTL" default:"5m"`
	SweepInterval time.Duration `envconfig:"SESSION_SWEEP_INTERVAL" default:"30s"`
}

// Transport configures the websocket endpoints.
type Transport struct {
	EchoPath             string        `envconfig:"WS_PATH" default:"/"`
	StreamPath           string        `envconfig:"WS_STREAM_PATH" default:"/stream"`
	Codec                string        `envconfig:"WS_CODEC" default:"pcm"` // opus needs the opus build tag
	FrameSize            int           `envconfig:"WS_FRAME_SIZE" default:"320"`
	MaxMessageBytes      int64         `envconfig:"WS_MAX_MESSAGE_BYTES" default:"10485760"`
	PingInterval         time.Duration `envconfig:"WS_PING_INTERVAL" default:"20s"`
	PingTimeout          time.Duration `envconfig:"WS_PING_TIMEOUT" default:"20s"`
	InferenceConcurrency int64         `envconfig:"INFERENCE_CONCURRENCY" default:"4"`
	PublishPartials      bool          `envconfig:"PUBLISH_PARTIALS" default:"false"`
}

// Inference points at the model server hosting the acoustic models.
type Inference struct {
	URL     string        `envconfig:"INFERENCE_URL" default:""` // e.g. http://localhost:7001
	Timeout time.Duration `envconfig:"INFERENCE_TIMEOUT" default:"30s"`
}

// Redis configures the redis session store.
type Redis struct {
	Addr     string `envconfig:"REDIS_ADDR" default:"localhost:6379"`
	Username string `envconfig:"REDIS_USERNAME" default:""`
	Password string `envconfig:"REDIS_PASSWORD" default:""`
	DB       int    `envconfig:"REDIS_DB" default:"0"`
	Prefix   string `envconfig:"REDIS_PREFIX" default:"transcriptor:session:"`
}

// Kafka configures the transcript event publisher.
type Kafka struct {
	Enabled      bool     `envconfig:"KAFKA_ENABLED" default:"false"`
	Brokers      []string `envconfig:"KAFKA_BROKERS" default:"localhost:9092"`
	TopicPartial string   `envconfig:"KAFKA_TOPIC_PARTIAL" default:"transcripts.partial"`
	TopicFinal   string   `envconfig:"KAFKA_TOPIC_FINAL" default:"transcripts.final"`
}

// DefaultLiteralPhrases are dropped whenever they appear inside a transcript.
var DefaultLiteralPhrases = []string{
	"谢谢大家",
	"简体中文",
	"优独播剧场",
	"大家好，这是一段会议录音。",
}

// DefaultSimilarityPhrases are subtitle credits and prompts the recognizer
// tends to emit on silence.
var DefaultSimilarityPhrases = []string{
	"请不吝点赞 订阅 转发 打赏支持明镜与点栏目",
	"志愿者 李宗盛",
	"大家好，这是一段会议录音。",
	"字幕志愿者 杨栋梁",
	"明镜需要您的支持 欢迎订阅明镜",
	"优优独播剧场——YoYo Television Series Exclusive",
	"中文字幕——Yo Television Series Exclusive",
}

// Load reads configuration from environment variables
// It first attempts to load from .env file if it exists, then from environment
func Load() (*Config, error) {
	_ = godotenv.Load()
	return LoadFromEnv()
}

// LoadFromEnv loads configuration directly from environment variables
// without attempting to load .env file (useful for containerized deployments)
func LoadFromEnv() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if len(c.Filter.LiteralPhrases) == 0 {
		c.Filter.LiteralPhrases = append([]string(nil), DefaultLiteralPhrases...)
	}
	if len(c.Filter.SimilarityPhrases) == 0 {
		c.Filter.SimilarityPhrases = append([]string(nil), DefaultSimilarityPhrases...)
	}
}

// Validate checks option ranges and enumerations
func (c *Config) Validate() error {
	if c.SampleRate <= 0 {
		return fmt.Errorf("SAMPLE_RATE must be positive, got %d", c.SampleRate)
	}
	if c.VAD.WindowSize <= 0 {
		return fmt.Errorf("VAD_WINDOW_SIZE must be positive, got %d", c.VAD.WindowSize)
	}
	if c.VAD.Threshold < 0 || c.VAD.Threshold > 1 {
		return fmt.Errorf("VAD_THRESHOLD must be within [0,1], got %v", c.VAD.Threshold)
	}
	if c.VAD.MinVoiceWindows < 0 || c.VAD.MinSilenceWindows < 0 || c.VAD.SilenceReserve < 0 {
		return fmt.Errorf("VAD window counts must not be negative")
	}
	switch c.Segmentation.Mode {
	case SegmentModeWhisper, SegmentModeIntegrated:
	default:
		return fmt.Errorf("SEGMENT_MODE must be %q or %q, got %q", SegmentModeWhisper, SegmentModeIntegrated, c.Segmentation.Mode)
	}
	if c.Segmentation.MaxBufferDuration <= 0 {
		return fmt.Errorf("SEGMENT_MAX_BUFFER_DURATION must be positive")
	}
	switch c.ASR.Backend {
	case ASRBackendRemote:
		if c.Inference.URL == "" {
			return fmt.Errorf("INFERENCE_URL is required when ASR_BACKEND=%s", ASRBackendRemote)
		}
	case ASRBackendStub:
	default:
		return fmt.Errorf("unknown ASR_BACKEND %q", c.ASR.Backend)
	}
	switch c.Session.Store {
	case "memory", "redis":
	default:
		return fmt.Errorf("unknown SESSION_STORE %q", c.Session.Store)
	}
	switch c.Transport.Codec {
	case CodecOpus, CodecPCM:
	default:
		return fmt.Errorf("unknown WS_CODEC %q", c.Transport.Codec)
	}
	if c.Transport.FrameSize <= 0 {
		return fmt.Errorf("WS_FRAME_SIZE must be positive")
	}
	if c.Transport.InferenceConcurrency <= 0 {
		return fmt.Errorf("INFERENCE_CONCURRENCY must be positive")
	}
	return nil
}

// GetEnv returns the value of an environment variable or a default value
func GetEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
