package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/zhiheng-yu/transcriptor/internal/config"
	"github.com/zhiheng-yu/transcriptor/internal/resilience"
)

// ErrNotFound is returned by Load for unknown or expired sessions
var ErrNotFound = errors.New("session not found")

// Store drivers
const (
	DriverMemory = "memory"
	DriverRedis  = "redis"
)

// Store keeps server-held session state between messages. Sessions idle for
// longer than the store TTL are forgotten.
type Store interface {
	Load(ctx context.Context, id string) (State, error)
	Save(ctx context.Context, id string, st State) error
	Delete(ctx context.Context, id string) error
	Close() error
}

// NewStore creates the store selected by cfg.Session.Store
func NewStore(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (Store, error) {
	switch cfg.Session.Store {
	case "", DriverMemory:
		return NewMemoryStore(cfg.Session.TTL, cfg.Session.SweepInterval), nil
	case DriverRedis:
		retry := &resilience.RetryConfig{
			MaxAttempts:       cfg.RetryMaxAttempts,
			InitialBackoff:    time.Duration(cfg.RetryInitialBackoff) * time.Millisecond,
			MaxBackoff:        5 * time.Second,
			BackoffMultiplier: 2.0,
			Jitter:            true,
		}
		store, err := NewRedisStore(ctx, cfg.Redis, cfg.Session.TTL, retry, logger)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unsupported session store driver: %s", cfg.Session.Store)
	}
}
