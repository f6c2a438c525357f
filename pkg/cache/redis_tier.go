package cache

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/offstack/datastash/pkg/errs"
	"github.com/offstack/datastash/pkg/utils"
)

type RedisTierOpts struct {
	// Client cannot be nil.
	Client redis.Cmdable

	// ClientCloser closes Client when RedisTier.Close is called. Optional.
	ClientCloser io.Closer

	// ClientTimeout bounds every redis command. Default 1s.
	ClientTimeout time.Duration

	// Logger is optional.
	Logger *zap.Logger
}

func (opts *RedisTierOpts) init() error {
	if opts.Client == nil {
		return errors.New("nil redis client")
	}
	utils.SetDefaultNum(&opts.ClientTimeout, time.Second)
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return nil
}

// RedisTier is an optional shared middle tier between the memory tier and
// the persistent store. When redis misbehaves the tier disables itself and
// pings in the background until the server comes back, so a flaky redis can
// never stall cache lookups.
type RedisTier struct {
	opts           RedisTierOpts
	clientDisabled uint32
}

func NewRedisTier(opts RedisTierOpts) (*RedisTier, error) {
	if err := opts.init(); err != nil {
		return nil, err
	}
	return &RedisTier{opts: opts}, nil
}

func (r *RedisTier) disabled() bool {
	return atomic.LoadUint32(&r.clientDisabled) != 0
}

func (r *RedisTier) disableClient() {
	if atomic.CompareAndSwapUint32(&r.clientDisabled, 0, 1) {
		r.opts.Logger.Warn("redis tier temporarily disabled")
		go func() {
			const maxBackoff = time.Second * 30
			backoff := time.Millisecond * 100
			for {
				time.Sleep(backoff)
				ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond*500)
				err := r.opts.Client.Ping(ctx).Err()
				cancel()
				if err != nil {
					if backoff >= maxBackoff {
						backoff = maxBackoff
					} else {
						backoff += time.Duration(rand.Intn(1000))*time.Millisecond + time.Second
					}
					r.opts.Logger.Warn("redis ping failed", zap.Error(err), zap.Duration("next_ping", backoff))
					continue
				}
				r.opts.Logger.Info("redis tier enabled again")
				atomic.StoreUint32(&r.clientDisabled, 0)
				return
			}
		}()
	}
}

// get returns the stored payload plus entry timing. A miss, a disabled
// client and a redis error all return ok == false.
func (r *RedisTier) get(key string) (payload []byte, createdAt time.Time, ttl time.Duration, compressed, ok bool) {
	if r.disabled() {
		return nil, time.Time{}, 0, false, false
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.opts.ClientTimeout)
	defer cancel()
	b, err := r.opts.Client.Get(ctx, key).Bytes()
	if err != nil {
		if err != redis.Nil {
			r.opts.Logger.Warn("redis get", zap.Error(err))
			r.disableClient()
		}
		return nil, time.Time{}, 0, false, false
	}

	payload, createdAt, ttl, compressed, err = unpackRedisValue(b)
	if err != nil {
		r.opts.Logger.Warn("redis data unpack error", zap.Error(err))
		return nil, time.Time{}, 0, false, false
	}
	return payload, createdAt, ttl, compressed, true
}

// stores payload with the entry's remaining TTL so redis expires it on its
// own. Entries without TTL are capped at 24h to keep the shared tier from
// accumulating forever.
func (r *RedisTier) store(key string, payload []byte, createdAt time.Time, ttl time.Duration, compressed bool) {
	if r.disabled() {
		return
	}

	redisTTL := time.Hour * 24
	if ttl > 0 {
		redisTTL = ttl - time.Since(createdAt)
		if redisTTL <= 0 {
			return
		}
	}

	data := packRedisValue(payload, createdAt, ttl, compressed)
	ctx, cancel := context.WithTimeout(context.Background(), r.opts.ClientTimeout)
	defer cancel()
	if err := r.opts.Client.Set(ctx, key, data, redisTTL).Err(); err != nil {
		r.opts.Logger.Warn("redis set", zap.Error(err))
		r.disableClient()
	}
}

func (r *RedisTier) del(keys ...string) {
	if r.disabled() || len(keys) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.opts.ClientTimeout)
	defer cancel()
	if err := r.opts.Client.Del(ctx, keys...).Err(); err != nil {
		r.opts.Logger.Warn("redis del", zap.Error(err))
		r.disableClient()
	}
}

func (r *RedisTier) Close() error {
	if f := r.opts.ClientCloser; f != nil {
		return f.Close()
	}
	return nil
}

// packRedisValue packs createdAt, ttl, the compressed flag and payload into
// one value: 8B unix-nano createdAt, 8B ttl nanos, 1B flags, payload.
func packRedisValue(payload []byte, createdAt time.Time, ttl time.Duration, compressed bool) []byte {
	b := make([]byte, 17+len(payload))
	binary.BigEndian.PutUint64(b[:8], uint64(createdAt.UnixNano()))
	binary.BigEndian.PutUint64(b[8:16], uint64(ttl))
	if compressed {
		b[16] = 1
	}
	copy(b[17:], payload)
	return b
}

func unpackRedisValue(b []byte) (payload []byte, createdAt time.Time, ttl time.Duration, compressed bool, err error) {
	if len(b) < 17 {
		return nil, time.Time{}, 0, false, errs.Newf(errs.KindCorrupt, "cache.redis", "packed value too short: %d", len(b))
	}
	createdAt = time.Unix(0, int64(binary.BigEndian.Uint64(b[:8])))
	ttl = time.Duration(binary.BigEndian.Uint64(b[8:16]))
	compressed = b[16] == 1
	return b[17:], createdAt, ttl, compressed, nil
}
