package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"tg-giveaway-farmer/internal/domain"
	"tg-giveaway-farmer/internal/infra/metrics"
)

const windowTTL = 2 * time.Minute

// Connect создаёт клиента Redis и проверяет соединение.
func Connect(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// RedisWindowStore хранит окна ограничителя частоты в Redis,
// чтобы лимит переживал перезапуск процесса.
type RedisWindowStore struct {
	client *redis.Client
	prefix string
}

var _ domain.WindowStore = (*RedisWindowStore)(nil)

// NewRedisWindowStore создаёт хранилище окон.
func NewRedisWindowStore(client *redis.Client, prefix string) *RedisWindowStore {
	if prefix == "" {
		prefix = "giveaway:rate"
	}
	return &RedisWindowStore{client: client, prefix: prefix}
}

func (s *RedisWindowStore) key(account string, action domain.ActionType) string {
	return fmt.Sprintf("%s:%s:%s", s.prefix, account, action)
}

// LoadWindow возвращает текущее окно или пустое, если его нет.
func (s *RedisWindowStore) LoadWindow(ctx context.Context, account string, action domain.ActionType) (domain.RateWindow, error) {
	start := time.Now()
	raw, err := s.client.Get(ctx, s.key(account, action)).Bytes()
	if errors.Is(err, redis.Nil) {
		metrics.ObserveNetworkRequest("redis", "rate_window_get", string(action), start, nil)
		return domain.RateWindow{}, nil
	}
	metrics.ObserveNetworkRequest("redis", "rate_window_get", string(action), start, err)
	if err != nil {
		return domain.RateWindow{}, err
	}
	var w domain.RateWindow
	if err := json.Unmarshal(raw, &w); err != nil {
		return domain.RateWindow{}, fmt.Errorf("decode rate window: %w", err)
	}
	return w, nil
}

// SaveWindow сохраняет окно; ключ живёт чуть дольше самого окна.
func (s *RedisWindowStore) SaveWindow(ctx context.Context, account string, action domain.ActionType, w domain.RateWindow) error {
	payload, err := json.Marshal(w)
	if err != nil {
		return fmt.Errorf("encode rate window: %w", err)
	}
	start := time.Now()
	err = s.client.Set(ctx, s.key(account, action), payload, windowTTL).Err()
	metrics.ObserveNetworkRequest("redis", "rate_window_set", string(action), start, err)
	return err
}
