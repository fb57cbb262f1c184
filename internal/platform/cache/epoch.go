package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Epoch is the cache generation token. Cached status lookups are computed as
// of At, so every user cached within one epoch shares the same reference time.
type Epoch struct {
	At time.Time `json:"at"`
}

// Key renders the epoch for use in cache keys.
func (e Epoch) Key() string {
	return e.At.UTC().Format(time.RFC3339)
}

// MinutesOld reports how many whole minutes the epoch lags behind now.
func (e Epoch) MinutesOld(now time.Time) int {
	return int(now.Sub(e.At) / time.Minute)
}

// EpochStore persists the current epoch timestamp.
type EpochStore interface {
	LoadEpoch(ctx context.Context) (time.Time, bool, error)
	SaveEpoch(ctx context.Context, at time.Time) error
}

// Coordinator is the single owner allowed to advance the epoch. Readers get
// the current value through Current and pass it along explicitly.
type Coordinator struct {
	store  EpochStore
	now    func() time.Time
	logger zerolog.Logger
	mu     sync.Mutex
}

func NewCoordinator(store EpochStore, logger zerolog.Logger) *Coordinator {
	return &Coordinator{
		store:  store,
		now:    time.Now,
		logger: logger.With().Str("component", "status_cache_epoch").Logger(),
	}
}

// Current returns the stored epoch, initializing it to now on first use.
func (c *Coordinator) Current(ctx context.Context) (Epoch, error) {
	at, ok, err := c.store.LoadEpoch(ctx)
	if err != nil {
		return Epoch{}, fmt.Errorf("load cache epoch: %w", err)
	}
	if ok {
		return Epoch{At: at}, nil
	}
	return c.Advance(ctx, time.Time{})
}

// Advance moves the epoch to `to`, or to now when `to` is zero. The value is
// truncated to whole seconds.
func (c *Coordinator) Advance(ctx context.Context, to time.Time) (Epoch, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if to.IsZero() {
		to = c.now()
	}
	to = to.UTC().Truncate(time.Second)
	if err := c.store.SaveEpoch(ctx, to); err != nil {
		return Epoch{}, fmt.Errorf("save cache epoch: %w", err)
	}
	c.logger.Info().Time("epoch", to).Msg("status cache epoch advanced")
	return Epoch{At: to}, nil
}

// MemoryEpochStore keeps the epoch in process memory.
type MemoryEpochStore struct {
	mu sync.RWMutex
	at time.Time
}

func (s *MemoryEpochStore) LoadEpoch(context.Context) (time.Time, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.at, !s.at.IsZero(), nil
}

func (s *MemoryEpochStore) SaveEpoch(_ context.Context, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.at = at
	return nil
}

const epochKey = keyPrefix + "qb_status_cache_epoch"

// RedisEpochStore shares the epoch between server processes.
type RedisEpochStore struct {
	rdb goredis.UniversalClient
}

func NewRedisEpochStore(rdb goredis.UniversalClient) *RedisEpochStore {
	return &RedisEpochStore{rdb: rdb}
}

func (s *RedisEpochStore) LoadEpoch(ctx context.Context) (time.Time, bool, error) {
	raw, err := s.rdb.Get(ctx, epochKey).Result()
	if errors.Is(err, goredis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	at, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("parse stored epoch %q: %w", raw, err)
	}
	return at, true, nil
}

func (s *RedisEpochStore) SaveEpoch(ctx context.Context, at time.Time) error {
	return s.rdb.Set(ctx, epochKey, at.UTC().Format(time.RFC3339), 0).Err()
}
