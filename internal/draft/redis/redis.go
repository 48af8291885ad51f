package redis

import (
	"context"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// Storage keeps drafts in redis. Drafts are working state, not records, so
// entries carry a generous TTL and simply age out if a form is abandoned.
type Storage struct {
	client *redis.Client
	ttl    time.Duration
}

func New(addr string, password string, db int, ttl time.Duration) *Storage {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if ttl <= 0 {
		ttl = 14 * 24 * time.Hour
	}
	return &Storage{client: client, ttl: ttl}
}

func (s *Storage) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *Storage) Close() error {
	return s.client.Close()
}

func (s *Storage) ReadDraft(ctx context.Context, slot string) ([]byte, bool, error) {
	raw, err := s.client.Get(ctx, slot).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return raw, true, nil
}

func (s *Storage) WriteDraft(ctx context.Context, slot string, raw []byte) error {
	return s.client.Set(ctx, slot, raw, s.ttl).Err()
}

func (s *Storage) ClearDraft(ctx context.Context, slot string) error {
	return s.client.Del(ctx, slot).Err()
}
