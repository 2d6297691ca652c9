package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// SweepLock не дает двум экземплярам приложения выполнять обход одновременно
type SweepLock interface {
	TryLock(ctx context.Context) (release func(), acquired bool, err error)
}

// releaseScript удаляет ключ, только если он принадлежит владельцу
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisSweepLock блокировка обхода через SET NX PX
type RedisSweepLock struct {
	client redis.UniversalClient
	key    string
	ttl    time.Duration
}

// NewRedisSweepLock создает блокировку. ttl должен превышать длительность обхода.
func NewRedisSweepLock(client redis.UniversalClient, key string, ttl time.Duration) *RedisSweepLock {
	return &RedisSweepLock{client: client, key: key, ttl: ttl}
}

// TryLock пытается захватить блокировку без ожидания
func (l *RedisSweepLock) TryLock(ctx context.Context) (func(), bool, error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, l.key, token, l.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("ошибка захвата блокировки обхода: %w", err)
	}
	if !ok {
		return nil, false, nil
	}

	release := func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := releaseScript.Run(releaseCtx, l.client, []string{l.key}, token).Err(); err != nil {
			slog.Warn("Не удалось освободить блокировку обхода", "key", l.key, "error", err)
		}
	}
	return release, true, nil
}
