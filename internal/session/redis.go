package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
)

const (
	defaultKeyPrefix = "agencydash:"
	maxTxRetries     = 8
)

// RedisRegistry shares sessions across API replicas. Each session is a JSON
// value; per-user, per-tenant and global id sets index it. Every mutation is
// an optimistic WATCH transaction on the session key.
type RedisRegistry struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
}

type RedisOption func(*RedisRegistry)

func WithKeyPrefix(prefix string) RedisOption {
	return func(r *RedisRegistry) {
		if prefix != "" {
			r.prefix = prefix
		}
	}
}

func WithRedisClock(fn func() time.Time) RedisOption {
	return func(r *RedisRegistry) {
		if fn != nil {
			r.now = fn
		}
	}
}

func NewRedisRegistry(client redis.UniversalClient, opts ...RedisOption) *RedisRegistry {
	r := &RedisRegistry{client: client, prefix: defaultKeyPrefix, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// DialRedis parses a redis:// URL and verifies the connection.
func DialRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return client, nil
}

func (r *RedisRegistry) sessionKey(id string) string { return r.prefix + "session:" + id }
func (r *RedisRegistry) userKey(id string) string { return r.prefix + "user:" + id }
func (r *RedisRegistry) tenantKey(id string) string { return r.prefix + "tenant:" + id }
func (r *RedisRegistry) allKey() string { return r.prefix + "sessions" }

func (r *RedisRegistry) Upsert(ctx context.Context, s UserSession) (UserSession, error) {
	now := r.now()
	in, err := normalize(s, now)
	if err != nil {
		return UserSession{}, err
	}
	var out UserSession
	var mergeErr error
	err = r.update(ctx, in.ID, func(cur *UserSession) (*UserSession, error) {
		if cur == nil {
			out, mergeErr = in, nil
			return &in, nil
		}
		next, err := merge(*cur, in, now)
		out, mergeErr = next, err
		if errors.Is(err, ErrEnded) {
			return nil, nil
		}
		return &next, nil
	})
	if err != nil {
		return UserSession{}, err
	}
	return out.clone(), mergeErr
}

func (r *RedisRegistry) Get(ctx context.Context, id string) (UserSession, error) {
	raw, err := r.client.Get(ctx, r.sessionKey(strings.TrimSpace(id))).Bytes()
	if errors.Is(err, redis.Nil) {
		return UserSession{}, ErrNotFound
	}
	if err != nil {
		return UserSession{}, fmt.Errorf("get session: %w", err)
	}
	return decode(raw)
}

func (r *RedisRegistry) ListByUser(ctx context.Context, userID string, opts ListOptions) ([]UserSession, error) {
	return r.listSet(ctx, r.userKey(userID), opts)
}

func (r *RedisRegistry) ListByTenant(ctx context.Context, tenantID string, opts ListOptions) ([]UserSession, error) {
	return r.listSet(ctx, r.tenantKey(tenantID), opts)
}

func (r *RedisRegistry) listSet(ctx context.Context, setKey string, opts ListOptions) ([]UserSession, error) {
	all, err := r.loadSet(ctx, setKey)
	if err != nil {
		return nil, err
	}
	out := make([]UserSession, 0, len(all))
	for _, s := range all {
		if s.IsActive || opts.IncludeInactive {
			out = append(out, s)
		}
	}
	sortByActivity(out)
	return out, nil
}

func (r *RedisRegistry) loadSet(ctx context.Context, setKey string) ([]UserSession, error) {
	ids, err := r.client.SMembers(ctx, setKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list session ids: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = r.sessionKey(id)
	}
	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("load sessions: %w", err)
	}
	out := make([]UserSession, 0, len(values))
	for _, v := range values {
		str, ok := v.(string)
		if !ok {
			// index entry outlived a purged session
			continue
		}
		s, err := decode([]byte(str))
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

func (r *RedisRegistry) End(ctx context.Context, id string) (UserSession, error) {
	id = strings.TrimSpace(id)
	var out UserSession
	found := false
	err := r.update(ctx, id, func(cur *UserSession) (*UserSession, error) {
		if cur == nil {
			return nil, nil
		}
		found = true
		out = *cur
		if !cur.IsActive {
			return nil, nil
		}
		out.IsActive = false
		out.LastActivity = latest(cur.LastActivity, r.now().UTC())
		return &out, nil
	})
	if err != nil {
		return UserSession{}, err
	}
	if !found {
		return UserSession{}, ErrNotFound
	}
	return out.clone(), nil
}

func (r *RedisRegistry) SweepIdle(ctx context.Context, maxIdle time.Duration) (int, error) {
	cutoff := r.now().Add(-maxIdle)
	all, err := r.loadSet(ctx, r.allKey())
	if err != nil {
		return 0, err
	}
	swept := 0
	for _, s := range all {
		if !s.IsActive || !s.LastActivity.Before(cutoff) {
			continue
		}
		flipped := false
		err := r.update(ctx, s.ID, func(cur *UserSession) (*UserSession, error) {
			// re-checked under WATCH: a concurrent upsert may have refreshed it
			flipped = false
			if cur == nil || !cur.IsActive || !cur.LastActivity.Before(cutoff) {
				return nil, nil
			}
			next := cur.clone()
			next.IsActive = false
			flipped = true
			return &next, nil
		})
		if err != nil {
			return swept, err
		}
		if flipped {
			swept++
		}
	}
	return swept, nil
}

func (r *RedisRegistry) PurgeInactive(ctx context.Context, before time.Time) (int, error) {
	all, err := r.loadSet(ctx, r.allKey())
	if err != nil {
		return 0, err
	}
	purged := 0
	for _, s := range all {
		if s.IsActive || !s.LastActivity.Before(before) {
			continue
		}
		key := r.sessionKey(s.ID)
		err := r.client.Watch(ctx, func(tx *redis.Tx) error {
			raw, err := tx.Get(ctx, key).Bytes()
			if errors.Is(err, redis.Nil) {
				return nil
			}
			if err != nil {
				return err
			}
			cur, err := decode(raw)
			if err != nil {
				return err
			}
			if cur.IsActive || !cur.LastActivity.Before(before) {
				return nil
			}
			_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
				p.Del(ctx, key)
				p.SRem(ctx, r.userKey(cur.UserID), cur.ID)
				p.SRem(ctx, r.tenantKey(cur.TenantID), cur.ID)
				p.SRem(ctx, r.allKey(), cur.ID)
				return nil
			})
			if err == nil {
				purged++
			}
			return err
		}, key)
		if err != nil && !errors.Is(err, redis.TxFailedErr) {
			return purged, fmt.Errorf("purge session %s: %w", s.ID, err)
		}
	}
	return purged, nil
}

func (r *RedisRegistry) CountActive(ctx context.Context) (int, error) {
	all, err := r.loadSet(ctx, r.allKey())
	if err != nil {
		return 0, err
	}
	n := 0
	for _, s := range all {
		if s.IsActive {
			n++
		}
	}
	return n, nil
}

// update runs fn against the current value of the session under WATCH and
// writes its result. fn receives nil when the session does not exist and
// returns nil to skip the write. Conflicting writers are retried.
func (r *RedisRegistry) update(ctx context.Context, id string, fn func(*UserSession) (*UserSession, error)) error {
	key := r.sessionKey(id)
	txf := func(tx *redis.Tx) error {
		var cur *UserSession
		raw, err := tx.Get(ctx, key).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return err
		default:
			s, err := decode(raw)
			if err != nil {
				return err
			}
			cur = &s
		}
		next, err := fn(cur)
		if err != nil || next == nil {
			return err
		}
		data, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("encode session: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, key, data, 0)
			p.SAdd(ctx, r.userKey(next.UserID), next.ID)
			p.SAdd(ctx, r.tenantKey(next.TenantID), next.ID)
			p.SAdd(ctx, r.allKey(), next.ID)
			return nil
		})
		return err
	}
	for i := 0; i < maxTxRetries; i++ {
		err := r.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return fmt.Errorf("update session %s: %w", id, err)
		}
		return nil
	}
	return fmt.Errorf("update session %s: %w", id, redis.TxFailedErr)
}

func decode(raw []byte) (UserSession, error) {
	var s UserSession
	if err := json.Unmarshal(raw, &s); err != nil {
		return UserSession{}, fmt.Errorf("decode session: %w", err)
	}
	return s, nil
}
