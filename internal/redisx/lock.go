package redisx

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var ErrLocked = errors.New("lock is held by another request")

// unlockScript deletes the key only if it still holds our token, so an
// expired lock taken over by another request is left alone.
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// Locker is a single-instance Redis lock. TTL must outlive the work it
// guards; the database remains the authority if a lock expires early.
type Locker struct {
	RDB *redis.Client
	TTL time.Duration
}

// Lock takes key or returns ErrLocked. Any other error means Redis could
// not be asked.
func (l *Locker) Lock(ctx context.Context, key string) (func(), error) {
	token := uuid.NewString()
	ok, err := l.RDB.SetNX(ctx, key, token, l.TTL).Result()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrLocked
	}
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = unlockScript.Run(ctx, l.RDB, []string{key}, token).Err()
	}, nil
}
