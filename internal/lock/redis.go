package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	// DefaultTTL はロックの既定有効期限。プロセス停止時の自動解放に使われる。
	DefaultTTL = 2 * time.Minute

	// DefaultRetryDelay はAcquireの再試行間隔。
	DefaultRetryDelay = 100 * time.Millisecond

	keyPrefix = "pricewatch:lock:"
)

var unlockScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	else
		return 0
	end
`)

// RedisTable はRedisのSET NXを用いた複数プロセス間のロックテーブル。
type RedisTable struct {
	client     redis.Cmdable
	ttl        time.Duration
	retryDelay time.Duration
}

// NewRedisTable はRedisTableを生成する。ttlが0以下の場合は既定値を使用する。
func NewRedisTable(client redis.Cmdable, ttl time.Duration) *RedisTable {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisTable{
		client:     client,
		ttl:        ttl,
		retryDelay: DefaultRetryDelay,
	}
}

// TryAcquire は待たずにロックを取得する。
func (t *RedisTable) TryAcquire(ctx context.Context, key string) (Token, error) {
	token := Token{Key: key, Value: uuid.New().String()}
	ok, err := t.client.SetNX(ctx, keyPrefix+key, token.Value, t.ttl).Result()
	if err != nil {
		return Token{}, fmt.Errorf("ロックの取得に失敗しました: %w", err)
	}
	if !ok {
		return Token{}, ErrBusy
	}
	return token, nil
}

// Acquire はretryDelay間隔で取得を再試行し、ctxの終了で諦める。
func (t *RedisTable) Acquire(ctx context.Context, key string) (Token, error) {
	for {
		token, err := t.TryAcquire(ctx, key)
		if err == nil {
			return token, nil
		}
		if err != ErrBusy {
			return Token{}, err
		}

		select {
		case <-ctx.Done():
			return Token{}, ctx.Err()
		case <-time.After(t.retryDelay):
		}
	}
}

// Release はトークンが一致する場合のみキーを削除する。
func (t *RedisTable) Release(ctx context.Context, token Token) error {
	result, err := unlockScript.Run(ctx, t.client, []string{keyPrefix + token.Key}, token.Value).Int()
	if err != nil {
		return fmt.Errorf("ロックの解放に失敗しました: %w", err)
	}
	if result == 0 {
		return ErrNotHeld
	}
	return nil
}

var _ Table = (*RedisTable)(nil)
