package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"gcliproxy/internal/credential"
)

// RedisOptions configures the Redis backend connection.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// RedisBackend stores credential states as JSON strings, the config blob
// as a plain key and usage counters as hashes so increments stay atomic
// across multiple gateway instances.
type RedisBackend struct {
	client *redis.Client
	prefix string
}

func NewRedisBackend(ctx context.Context, opts RedisOptions) (*RedisBackend, error) {
	if opts.Prefix == "" {
		opts.Prefix = "gcliproxy"
	}
	if !strings.HasSuffix(opts.Prefix, ":") {
		opts.Prefix += ":"
	}

	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	return &RedisBackend{client: client, prefix: opts.Prefix}, nil
}

func (r *RedisBackend) Name() string { return "redis" }

func (r *RedisBackend) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisBackend) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}

func (r *RedisBackend) SaveCredentialState(ctx context.Context, id string, st credential.State) error {
	payload, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("failed to encode state for %s: %w", id, err)
	}
	return r.client.Set(ctx, r.stateKey(id), payload, 0).Err()
}

func (r *RedisBackend) LoadCredentialStates(ctx context.Context) (map[string]credential.State, error) {
	pattern := r.prefix + "state:*"
	out := make(map[string]credential.State)

	iter := r.client.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		raw, err := r.client.Get(ctx, key).Bytes()
		if err != nil {
			if err == redis.Nil {
				continue
			}
			return nil, err
		}
		var st credential.State
		if err := json.Unmarshal(raw, &st); err != nil {
			continue
		}
		out[strings.TrimPrefix(key, r.prefix+"state:")] = st
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *RedisBackend) DeleteCredentialState(ctx context.Context, id string) error {
	return r.client.Del(ctx, r.stateKey(id)).Err()
}

func (r *RedisBackend) SaveConfig(ctx context.Context, raw []byte) error {
	return r.client.Set(ctx, r.prefix+"config", raw, 0).Err()
}

func (r *RedisBackend) LoadConfig(ctx context.Context) ([]byte, error) {
	raw, err := r.client.Get(ctx, r.prefix+"config").Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	return raw, err
}

func (r *RedisBackend) AddUsage(ctx context.Context, rows []UsageRow) error {
	if len(rows) == 0 {
		return nil
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, row := range rows {
			key := r.prefix + "usage:" + row.Key()
			pipe.HIncrBy(ctx, key, "requests", row.Requests)
			pipe.HIncrBy(ctx, key, "successes", row.Successes)
			pipe.HIncrBy(ctx, key, "failures", row.Failures)
			pipe.HIncrBy(ctx, key, "prompt_tokens", row.PromptTokens)
			pipe.HIncrBy(ctx, key, "candidate_tokens", row.CandidateTokens)
			pipe.HSet(ctx, key, "updated_at", now)
		}
		return nil
	})
	return err
}

func (r *RedisBackend) LoadUsage(ctx context.Context) ([]UsageRow, error) {
	pattern := r.prefix + "usage:*"
	var out []UsageRow

	iter := r.client.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		fields, err := r.client.HGetAll(ctx, key).Result()
		if err != nil {
			return nil, err
		}
		row, ok := usageRowFromHash(strings.TrimPrefix(key, r.prefix+"usage:"), fields)
		if !ok {
			continue
		}
		out = append(out, row)
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out, nil
}

func (r *RedisBackend) ResetUsage(ctx context.Context) error {
	pattern := r.prefix + "usage:*"
	iter := r.client.Scan(ctx, 0, pattern, 0).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	return r.client.Del(ctx, keys...).Err()
}

func (r *RedisBackend) stateKey(id string) string {
	return r.prefix + "state:" + id
}

func usageRowFromHash(key string, fields map[string]string) (UsageRow, bool) {
	credID, model, ok := splitUsageKey(key)
	if !ok {
		return UsageRow{}, false
	}
	row := UsageRow{
		CredentialID:    credID,
		Model:           model,
		Requests:        hashInt(fields, "requests"),
		Successes:       hashInt(fields, "successes"),
		Failures:        hashInt(fields, "failures"),
		PromptTokens:    hashInt(fields, "prompt_tokens"),
		CandidateTokens: hashInt(fields, "candidate_tokens"),
	}
	if ts, err := time.Parse(time.RFC3339Nano, fields["updated_at"]); err == nil {
		row.UpdatedAt = ts
	}
	return row, true
}

func splitUsageKey(key string) (credID, model string, ok bool) {
	idx := strings.LastIndex(key, "|")
	if idx < 0 {
		return "", "", false
	}
	return key[:idx], key[idx+1:], true
}

func hashInt(fields map[string]string, name string) int64 {
	v, err := strconv.ParseInt(fields[name], 10, 64)
	if err != nil {
		return 0
	}
	return v
}
