package session

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/zhiheng-yu/transcriptor/internal/config"
	"github.com/zhiheng-yu/transcriptor/internal/resilience"
)

const defaultRedisPrefix = "transcriptor:session:"

// RedisStore keeps sessions in redis so any server instance can resume them.
// Every Save refreshes the key TTL.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

// redisEnvelope is the stored form of a State
type redisEnvelope struct {
	Speaker    string    `json:"speaker"`
	Sentence   string    `json:"sentence"`
	Transcript string    `json:"transcript"`
	Buffer     string    `json:"buffer"` // base64 of float32 little-endian samples
	UpdatedAt  time.Time `json:"updated_at"`
}

// NewRedisStore connects to redis, retrying the initial ping with retry
func NewRedisStore(ctx context.Context, cfg config.Redis, ttl time.Duration, retry *resilience.RetryConfig, logger zerolog.Logger) (*RedisStore, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis address required")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	err := resilience.Retry(ctx, func(ctx context.Context) error {
		if err := client.Ping(ctx).Err(); err != nil {
			logger.Warn().Err(err).Str("addr", cfg.Addr).Msg("Redis ping failed")
			return err
		}
		return nil
	}, retry, resilience.IsRetryableNetworkError)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	prefix := cfg.Prefix
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &RedisStore{client: client, ttl: ttl, prefix: prefix}, nil
}

func (s *RedisStore) key(id string) string {
	return s.prefix + id
}

// Load returns the state saved under id
func (s *RedisStore) Load(ctx context.Context, id string) (State, error) {
	raw, err := s.client.Get(ctx, s.key(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return State{}, ErrNotFound
		}
		return State{}, err
	}

	var env redisEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return State{}, fmt.Errorf("decode session %s: %w", id, err)
	}
	buffer, err := decodeSamples(env.Buffer)
	if err != nil {
		return State{}, fmt.Errorf("decode session %s buffer: %w", id, err)
	}
	return State{
		Speaker:    env.Speaker,
		Sentence:   env.Sentence,
		Transcript: env.Transcript,
		Buffer:     buffer,
	}, nil
}

// Save stores st under id and restarts its TTL
func (s *RedisStore) Save(ctx context.Context, id string, st State) error {
	data, err := json.Marshal(redisEnvelope{
		Speaker:    st.Speaker,
		Sentence:   st.Sentence,
		Transcript: st.Transcript,
		Buffer:     encodeSamples(st.Buffer),
		UpdatedAt:  time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	return s.client.Set(ctx, s.key(id), data, s.ttl).Err()
}

// Delete forgets id
func (s *RedisStore) Delete(ctx context.Context, id string) error {
	return s.client.Del(ctx, s.key(id)).Err()
}

// Ping checks the connection, for readiness checks
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the client
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func encodeSamples(samples []float32) string {
	raw := make([]byte, len(samples)*4)
	for i, v := range samples {
		binary.LittleEndian.PutUint32(raw[i*4:], math.Float32bits(v))
	}
	return base64.StdEncoding.EncodeToString(raw)
}

func decodeSamples(s string) ([]float32, error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, err
	}
	if len(raw)%4 != 0 {
		return nil, fmt.Errorf("sample data length %d is not a multiple of 4", len(raw))
	}
	out := make([]float32, len(raw)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
	}
	return out, nil
}
