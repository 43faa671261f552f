package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisEnvelope хранит значение вместе с абсолютным дедлайном: TTL ключа в Redis
// отражает только скользящий срок и продлевается при каждом попадании.
type redisEnvelope struct {
	Value      []byte `json:"v"`
	AbsoluteAt int64  `json:"a"`
	Sliding    int64  `json:"s"`
}

// Redis: backend поверх go-redis.
type Redis struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
}

// NewRedis создаёт backend; prefix добавляется ко всем ключам.
func NewRedis(client redis.UniversalClient, prefix string) *Redis {
	return &Redis{client: client, prefix: prefix, now: time.Now}
}

// DialRedis создаёт клиента по адресу и проверяет соединение.
func DialRedis(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", addr, err)
	}
	return client, nil
}

func (r *Redis) Get(ctx context.Context, key string) ([]byte, bool, error) {
	key = r.prefix + key

	raw, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get: %w", err)
	}

	var envelope redisEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		_ = r.client.Del(ctx, key).Err()
		return nil, false, nil
	}

	remaining := time.Unix(0, envelope.AbsoluteAt).Sub(r.now())
	if remaining <= 0 {
		_ = r.client.Del(ctx, key).Err()
		return nil, false, nil
	}

	ttl := time.Duration(envelope.Sliding)
	if remaining < ttl {
		ttl = remaining
	}
	if err := r.client.PExpire(ctx, key, ttl).Err(); err != nil {
		return nil, false, fmt.Errorf("redis pexpire: %w", err)
	}

	return envelope.Value, true, nil
}

func (r *Redis) Set(ctx context.Context, key string, value []byte, policy Policy) error {
	if !policy.Valid() {
		return nil
	}

	now := r.now()
	raw, err := json.Marshal(redisEnvelope{
		Value:      value,
		AbsoluteAt: now.Add(policy.Absolute).UnixNano(),
		Sliding:    int64(policy.Sliding),
	})
	if err != nil {
		return fmt.Errorf("marshal redis envelope: %w", err)
	}

	ttl := policy.Sliding
	if policy.Absolute < ttl {
		ttl = policy.Absolute
	}
	if err := r.client.Set(ctx, r.prefix+key, raw, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Ping проверяет доступность Redis (используется health check).
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

var _ Backend = (*Redis)(nil)
