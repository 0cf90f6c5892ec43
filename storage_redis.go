package twofactor

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sethvargo/go-retry"
)

const (
	defaultRedisPrefix = "twofactor:"
	bypassMaxRetries   = 10
)

// Redis is a Storage backed by a Redis server, shared by every instance of the service.
//
// Users are hashes with the fields secret and configured, written with a single HSET.
// The bypass list is a string updated with WATCH/MULTI and retried on conflict, so fn
// passed to UpdateBypassList may run more than once.
type Redis struct {
	client *redis.Client
	prefix string
}

// NewRedis connects using a redis:// URL and pings the server.
func NewRedis(ctx context.Context, url string) (*Redis, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return NewRedisWithClient(client, defaultRedisPrefix), nil
}

// NewRedisWithClient wraps an existing client. All keys start with prefix.
func NewRedisWithClient(client *redis.Client, prefix string) *Redis {
	return &Redis{client: client, prefix: prefix}
}

func (r *Redis) userKey(username string) string {
	return r.prefix + "user:" + username
}

func (r *Redis) bypassKey() string {
	return r.prefix + "bypass"
}

func (r *Redis) User(ctx context.Context, username string) (*User, error) {
	fields, err := r.client.HGetAll(ctx, r.userKey(username)).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, ErrUserNotFound
	}
	return &User{
		Username: username,
		TOTP: TOTPConfig{
			Secret:     fields["secret"],
			Configured: fields["configured"] == "1",
		},
	}, nil
}

func (r *Redis) SaveUser(ctx context.Context, user *User) error {
	configured := "0"
	if user.TOTP.Configured {
		configured = "1"
	}
	return r.client.HSet(ctx, r.userKey(user.Username),
		"secret", user.TOTP.Secret,
		"configured", configured,
	).Err()
}

func (r *Redis) BypassList(ctx context.Context) (string, error) {
	raw, err := r.client.Get(ctx, r.bypassKey()).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return raw, err
}

func (r *Redis) UpdateBypassList(ctx context.Context, fn func(string) (string, error)) error {
	key := r.bypassKey()
	b := retry.WithMaxRetries(bypassMaxRetries, retry.NewExponential(5*time.Millisecond))

	return retry.Do(ctx, b, func(ctx context.Context) error {
		err := r.client.Watch(ctx, func(tx *redis.Tx) error {
			current, err := tx.Get(ctx, key).Result()
			if err != nil && !errors.Is(err, redis.Nil) {
				return err
			}
			next, err := fn(current)
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, next, 0)
				return nil
			})
			return err
		}, key)
		if errors.Is(err, redis.TxFailedErr) {
			return retry.RetryableError(err)
		}
		return err
	})
}

// Close releases the client connection pool.
func (r *Redis) Close() error {
	return r.client.Close()
}
