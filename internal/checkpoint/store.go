// Package checkpoint persists the per-thread task state in Redis.
package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/aegis-agents/chatbot/internal/circuitbreaker"
	"github.com/aegis-agents/chatbot/internal/metrics"
	"github.com/aegis-agents/chatbot/internal/state"
)

var (
	ErrCheckpointNotFound = errors.New("checkpoint: not found")
	ErrVersionConflict    = errors.New("checkpoint: version conflict")
)

// Config holds the Redis connection settings.
type Config struct {
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	MaxCached int    `mapstructure:"max_cached"`
}

const defaultMaxCached = 10000

// The data key and its version counter are always written together.
const saveScript = `
local v = redis.call('INCR', KEYS[2])
redis.call('SET', KEYS[1], ARGV[1])
return v`

const saveIfVersionScript = `
local cur = tonumber(redis.call('GET', KEYS[2]) or '0')
if cur ~= tonumber(ARGV[2]) then
  return -1
end
local v = redis.call('INCR', KEYS[2])
redis.call('SET', KEYS[1], ARGV[1])
return v`

// Store reads and writes checkpoints. Writes are last-writer-wins; every
// write bumps the thread's version.
type Store struct {
	client      *circuitbreaker.RedisWrapper
	logger      *zap.Logger
	mu          sync.RWMutex
	localCache  map[string]*state.TaskState
	cacheAccess map[string]time.Time
	maxCached   int
}

// Dial connects to Redis and verifies the connection.
func Dial(cfg Config, logger *zap.Logger) (*Store, error) {
	if cfg.Addr == "" {
		cfg.Addr = "localhost:6379"
	}
	rc := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	client := circuitbreaker.NewRedisWrapper(rc, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return NewStore(client, cfg.MaxCached, logger), nil
}

// NewStore wraps an existing client. maxCached <= 0 uses the default.
func NewStore(client *circuitbreaker.RedisWrapper, maxCached int, logger *zap.Logger) *Store {
	if maxCached <= 0 {
		maxCached = defaultMaxCached
	}
	return &Store{
		client:      client,
		logger:      logger,
		localCache:  make(map[string]*state.TaskState),
		cacheAccess: make(map[string]time.Time),
		maxCached:   maxCached,
	}
}

// Load returns the checkpoint of threadID. A cached copy is served when its
// version still matches Redis.
func (s *Store) Load(ctx context.Context, threadID string) (*state.TaskState, error) {
	current, err := s.version(ctx, threadID)
	if err != nil {
		metrics.CheckpointOps.WithLabelValues("load", "error").Inc()
		return nil, err
	}
	if current == 0 {
		metrics.CheckpointOps.WithLabelValues("load", "not_found").Inc()
		return nil, ErrCheckpointNotFound
	}

	s.mu.RLock()
	cached, ok := s.localCache[threadID]
	s.mu.RUnlock()
	if ok && cached.Version == current {
		metrics.CheckpointCacheHits.Inc()
		metrics.CheckpointOps.WithLabelValues("load", "ok").Inc()
		s.touch(threadID, cached)
		return cached.Clone(), nil
	}
	metrics.CheckpointCacheMisses.Inc()

	var data *redis.StringCmd
	var ver *redis.StringCmd
	err = s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		data = p.Get(ctx, dataKey(threadID))
		ver = p.Get(ctx, versionKey(threadID))
		return nil
	})
	if errors.Is(err, redis.Nil) {
		metrics.CheckpointOps.WithLabelValues("load", "not_found").Inc()
		return nil, ErrCheckpointNotFound
	}
	if err != nil {
		metrics.CheckpointOps.WithLabelValues("load", "error").Inc()
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}

	var st state.TaskState
	if err := json.Unmarshal([]byte(data.Val()), &st); err != nil {
		metrics.CheckpointOps.WithLabelValues("load", "error").Inc()
		return nil, fmt.Errorf("failed to unmarshal checkpoint: %w", err)
	}
	if v, err := strconv.ParseInt(ver.Val(), 10, 64); err == nil {
		st.Version = v
	}
	if st.Language == "" {
		st.Language = state.DefaultLanguage
	}

	s.touch(threadID, &st)
	metrics.CheckpointOps.WithLabelValues("load", "ok").Inc()
	return st.Clone(), nil
}

// LoadOrNew returns the stored state or a fresh one. created reports whether
// the thread had no checkpoint yet.
func (s *Store) LoadOrNew(ctx context.Context, threadID string) (st *state.TaskState, created bool, err error) {
	st, err = s.Load(ctx, threadID)
	if errors.Is(err, ErrCheckpointNotFound) {
		metrics.ThreadsCreated.Inc()
		s.logger.Info("Created new thread", zap.String("thread_id", threadID))
		return state.New(), true, nil
	}
	return st, false, err
}

// Save writes st unconditionally and sets st.Version to the new version.
func (s *Store) Save(ctx context.Context, threadID string, st *state.TaskState) error {
	v, err := s.write(ctx, "save", saveScript, threadID, st)
	if err != nil {
		return err
	}
	st.Version = v
	return nil
}

// SaveIfVersion writes st only when the stored version equals expected.
func (s *Store) SaveIfVersion(ctx context.Context, threadID string, st *state.TaskState, expected int64) error {
	v, err := s.write(ctx, "save_if_version", saveIfVersionScript, threadID, st, expected)
	if err != nil {
		return err
	}
	if v < 0 {
		metrics.CheckpointOps.WithLabelValues("save_if_version", "conflict").Inc()
		return fmt.Errorf("%w: thread %s expected %d", ErrVersionConflict, threadID, expected)
	}
	st.Version = v
	return nil
}

func (s *Store) write(ctx context.Context, op, script, threadID string, st *state.TaskState, extra ...interface{}) (int64, error) {
	st.UpdatedAt = time.Now().UTC()
	data, err := json.Marshal(st)
	if err != nil {
		metrics.CheckpointOps.WithLabelValues(op, "error").Inc()
		return 0, fmt.Errorf("failed to marshal checkpoint: %w", err)
	}

	args := append([]interface{}{data}, extra...)
	v, err := s.client.Eval(ctx, script, []string{dataKey(threadID), versionKey(threadID)}, args...).Int64()
	if err != nil {
		metrics.CheckpointOps.WithLabelValues(op, "error").Inc()
		return 0, fmt.Errorf("failed to save checkpoint: %w", err)
	}
	if v < 0 {
		return v, nil
	}

	saved := st.Clone()
	saved.Version = v
	s.touch(threadID, saved)
	metrics.CheckpointOps.WithLabelValues(op, "ok").Inc()
	return v, nil
}

func (s *Store) version(ctx context.Context, threadID string) (int64, error) {
	v, err := s.client.Get(ctx, versionKey(threadID)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read checkpoint version: %w", err)
	}
	return v, nil
}

func (s *Store) touch(threadID string, st *state.TaskState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.localCache[threadID] = st
	s.cacheAccess[threadID] = time.Now()
	s.evict()
	metrics.CheckpointCacheSize.Set(float64(len(s.localCache)))
}

// evict drops the least recently used half once the cache is over capacity.
// Callers hold s.mu.
func (s *Store) evict() {
	if len(s.localCache) <= s.maxCached {
		return
	}
	ids := make([]string, 0, len(s.localCache))
	for id := range s.localCache {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return s.cacheAccess[ids[i]].Before(s.cacheAccess[ids[j]])
	})
	for _, id := range ids[:len(ids)-s.maxCached/2] {
		delete(s.localCache, id)
		delete(s.cacheAccess, id)
	}
}

// Ping checks Redis connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the Redis client.
func (s *Store) Close() error {
	return s.client.Close()
}

// RedisWrapper exposes the breaker wrapped client for health checks.
func (s *Store) RedisWrapper() *circuitbreaker.RedisWrapper {
	return s.client
}

func dataKey(threadID string) string    { return "checkpoint:" + threadID }
func versionKey(threadID string) string { return "checkpoint:" + threadID + ":version" }
