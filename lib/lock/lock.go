// Package lock keeps periodic work to one coordinator at a time.
package lock

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v8"
	"github.com/pkg/errors"
	"github.com/spf13/pflag"
)

// Locker runs fn while holding a lock.
// It returns false without running fn when another holder has it.
type Locker interface {
	Do(ctx context.Context, fn func(ctx context.Context)) (bool, error)
}

// Local is the Locker of a single coordinator. It always runs fn.
type Local struct{}

func (Local) Do(ctx context.Context, fn func(ctx context.Context)) (bool, error) {
	fn(ctx)
	return true, nil
}

type Options struct {
	Addr     string        `json:"addr,omitempty" description:"redis address, keep empty to run without a lock"`
	Password string        `json:"password,omitempty" description:"redis password"`
	Name     string        `json:"name,omitempty" description:"lock name"`
	Expiry   time.Duration `json:"expiry,omitempty" description:"lock expiry"`
}

func NewDefaultOptions() *Options {
	return &Options{
		Name:   "zmlp-housekeeping",
		Expiry: 30 * time.Second,
	}
}

func (o *Options) RegistFlags(prefix string, fs *pflag.FlagSet) {
	fs.StringVar(&o.Addr, joinFlagName(prefix, "addr"), o.Addr, "redis address, keep empty to run without a lock")
	fs.StringVar(&o.Password, joinFlagName(prefix, "password"), o.Password, "redis password")
	fs.StringVar(&o.Name, joinFlagName(prefix, "name"), o.Name, "lock name")
	fs.DurationVar(&o.Expiry, joinFlagName(prefix, "expiry"), o.Expiry, "lock expiry")
}

func joinFlagName(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return prefix + "-" + name
}

// New returns a redis Locker, or Local when no redis address is set.
func New(o *Options) Locker {
	if o.Addr == "" {
		return Local{}
	}
	cli := redis.NewClient(&redis.Options{
		Addr:     o.Addr,
		Password: o.Password,
	})
	return NewRedisLocker(cli, o.Name, o.Expiry)
}

// RedisLocker is a Locker shared by coordinators through redis.
type RedisLocker struct {
	mutex *redsync.Mutex
}

func NewRedisLocker(cli *redis.Client, name string, expiry time.Duration) *RedisLocker {
	rs := redsync.New(goredis.NewPool(cli))
	return &RedisLocker{
		// a single try, the next cycle tries again.
		mutex: rs.NewMutex(name, redsync.WithExpiry(expiry), redsync.WithTries(1)),
	}
}

func (l *RedisLocker) Do(ctx context.Context, fn func(ctx context.Context)) (bool, error) {
	if err := l.mutex.LockContext(ctx); err != nil {
		if errors.Is(err, redsync.ErrFailed) {
			return false, nil
		}
		return false, errors.Wrap(err, "lock")
	}
	defer l.mutex.UnlockContext(context.Background())
	fn(ctx)
	return true, nil
}
