package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"postpilot/models"
)

// IdempotencyStore は X-Idempotency-Key ごとに登録結果を覚えておき、
// フォームの二重送信で台帳に同じ記録が2行入らないようにします。
//
// 追記の前に Reserve でキーを確保します。確保できた呼び出しだけが追記し、
// Remember で結果を保存するか、失敗したら Release で確保を解除します。
// Lookup は保存済みの結果だけを返し、処理中のキーは見つからない扱いです。
type IdempotencyStore interface {
	Lookup(ctx context.Context, key string) (*models.RecordResult, bool, error)
	Reserve(ctx context.Context, key string) (bool, error)
	Remember(ctx context.Context, key string, result models.RecordResult) error
	Release(ctx context.Context, key string) error
}

// 処理中の印。プロセスが落ちても PendingTTL で解放される
const (
	pendingMarker = "__pending__"
	PendingTTL    = time.Minute
)

type RedisIdempotencyStore struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
}

type RedisIdempotencyOption func(*RedisIdempotencyStore)

func WithIdempotencyPrefix(prefix string) RedisIdempotencyOption {
	return func(s *RedisIdempotencyStore) { s.prefix = strings.Trim(prefix, ":") }
}

func WithIdempotencyTTL(d time.Duration) RedisIdempotencyOption {
	return func(s *RedisIdempotencyStore) { s.ttl = d }
}

func NewRedisIdempotencyStore(rdb *redis.Client, opts ...RedisIdempotencyOption) *RedisIdempotencyStore {
	s := &RedisIdempotencyStore{
		rdb:    rdb,
		prefix: "postpilot:idempotency",
		ttl:    24 * time.Hour,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisIdempotencyStore) Lookup(ctx context.Context, key string) (*models.RecordResult, bool, error) {
	raw, err := s.rdb.Get(ctx, s.key(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to get idempotency key: %w", err)
	}
	if string(raw) == pendingMarker {
		return nil, false, nil
	}

	var result models.RecordResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, false, fmt.Errorf("failed to decode idempotency entry: %w", err)
	}
	return &result, true, nil
}

func (s *RedisIdempotencyStore) key(key string) string {
	return s.prefix + ":" + key
}

// Reserve は SETNX で処理中の印を置きます。既に印か結果があれば false です
func (s *RedisIdempotencyStore) Reserve(ctx context.Context, key string) (bool, error) {
	ok, err := s.rdb.SetNX(ctx, s.key(key), pendingMarker, PendingTTL).Result()
	if err != nil {
		return false, fmt.Errorf("failed to reserve idempotency key: %w", err)
	}
	return ok, nil
}

// Remember は処理中の印を結果で置き換えます
func (s *RedisIdempotencyStore) Remember(ctx context.Context, key string, result models.RecordResult) error {
	raw, err := json.Marshal(result)
	if err != nil {
		return err
	}
	if err := s.rdb.Set(ctx, s.key(key), raw, s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to set idempotency key: %w", err)
	}
	return nil
}

// releaseScript は値が処理中の印のときだけ削除する
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

func (s *RedisIdempotencyStore) Release(ctx context.Context, key string) error {
	if err := releaseScript.Run(ctx, s.rdb, []string{s.key(key)}, pendingMarker).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("failed to release idempotency key: %w", err)
	}
	return nil
}

type MemoryIdempotencyStore struct {
	mu      sync.Mutex
	entries map[string]memoryIdempotencyEntry
	ttl     time.Duration
	now     func() time.Time
}

type memoryIdempotencyEntry struct {
	result    models.RecordResult
	pending   bool
	expiresAt time.Time
}

// NewMemoryIdempotencyStore は ttl が0以下なら結果を期限なしで保持します
func NewMemoryIdempotencyStore(ttl time.Duration) *MemoryIdempotencyStore {
	return &MemoryIdempotencyStore{
		entries: make(map[string]memoryIdempotencyEntry),
		ttl:     ttl,
		now:     time.Now,
	}
}

// live は期限切れのエントリを削除し、有効なものだけを返します。mu を保持して呼ぶこと
func (s *MemoryIdempotencyStore) live(key string) (memoryIdempotencyEntry, bool) {
	ent, ok := s.entries[key]
	if !ok {
		return ent, false
	}
	if !ent.expiresAt.IsZero() && s.now().After(ent.expiresAt) {
		delete(s.entries, key)
		return ent, false
	}
	return ent, true
}

func (s *MemoryIdempotencyStore) Lookup(_ context.Context, key string) (*models.RecordResult, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ent, ok := s.live(key)
	if !ok || ent.pending {
		return nil, false, nil
	}
	result := ent.result
	return &result, true, nil
}

func (s *MemoryIdempotencyStore) Reserve(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.live(key); ok {
		return false, nil
	}
	s.entries[key] = memoryIdempotencyEntry{pending: true, expiresAt: s.now().Add(PendingTTL)}
	return true, nil
}

// Remember は処理中の印を結果で置き換えます。保存済みの結果は上書きしません
func (s *MemoryIdempotencyStore) Remember(_ context.Context, key string, result models.RecordResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ent, ok := s.live(key); ok && !ent.pending {
		return nil
	}
	ent := memoryIdempotencyEntry{result: result}
	if s.ttl > 0 {
		ent.expiresAt = s.now().Add(s.ttl)
	}
	s.entries[key] = ent
	return nil
}

func (s *MemoryIdempotencyStore) Release(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ent, ok := s.live(key); ok && ent.pending {
		delete(s.entries, key)
	}
	return nil
}
