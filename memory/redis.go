package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/flowstack/agentgraph/agenterrors"
)

// RedisSource is a Source backed by Redis, grounded on itsneelabh-gomind's
// go-redis/redis/v8 usage: TTL is native (SET ... EX), and pattern search
// uses SCAN MATCH rather than the in-process substring scan in
// InProcessSource. Values are JSON-encoded; metadata (tags, stored_at,
// ttl) rides alongside the value in a small envelope so a plain GET
// round-trips everything Retrieve needs.
type RedisSource struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

// RedisOpts configures a RedisSource.
type RedisOpts struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// NewRedisSource dials a Redis client per opts. It does not ping the
// server; the first Store/Retrieve call surfaces connection failures as
// agenterrors.ToolErrorKind-wrapped external errors.
func NewRedisSource(opts RedisOpts) *RedisSource {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	return &RedisSource{client: client, prefix: opts.Prefix, now: time.Now}
}

type redisEnvelope struct {
	Value    json.RawMessage `json:"value"`
	StoredAt time.Time       `json:"stored_at"`
	TTLMS    *int64          `json:"ttl_ms,omitempty"`
	Tags     []string        `json:"tags,omitempty"`
}

func (s *RedisSource) key(k string) string {
	if s.prefix == "" {
		return k
	}
	return s.prefix + ":" + k
}

func (s *RedisSource) Store(ctx context.Context, key string, value any, opts StoreOpts) (Item, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return Item{}, agenterrors.InvalidMessageFormat("memory value is not JSON-encodable", err)
	}
	env := redisEnvelope{Value: raw, StoredAt: s.now(), Tags: opts.Tags}
	var expiration time.Duration
	if opts.TTL != nil {
		ms := opts.TTL.Milliseconds()
		env.TTLMS = &ms
		expiration = *opts.TTL
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return Item{}, agenterrors.InvalidMessageFormat("memory envelope encoding failed", err)
	}
	if err := s.client.Set(ctx, s.key(key), payload, expiration).Err(); err != nil {
		return Item{}, agenterrors.ToolErrorKind("memory/redis", err)
	}
	return Item{Key: key, Value: value, Metadata: ItemMetadata{StoredAt: env.StoredAt, TTL: opts.TTL, Tags: opts.Tags}}, nil
}

func (s *RedisSource) Retrieve(ctx context.Context, key string, _ RetrieveOpts) (Item, error) {
	raw, err := s.client.Get(ctx, s.key(key)).Bytes()
	if err == redis.Nil {
		return Item{}, agenterrors.ErrNotFound
	}
	if err != nil {
		return Item{}, agenterrors.ToolErrorKind("memory/redis", err)
	}
	var env redisEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Item{}, agenterrors.InvalidMessageFormat("memory envelope decoding failed", err)
	}
	var value any
	if err := json.Unmarshal(env.Value, &value); err != nil {
		return Item{}, agenterrors.InvalidMessageFormat("memory value decoding failed", err)
	}
	meta := ItemMetadata{StoredAt: env.StoredAt, Tags: env.Tags}
	if env.TTLMS != nil {
		d := time.Duration(*env.TTLMS) * time.Millisecond
		meta.TTL = &d
	}
	return Item{Key: key, Value: value, Metadata: meta}, nil
}

func (s *RedisSource) Delete(ctx context.Context, key string, _ DeleteOpts) error {
	if err := s.client.Del(ctx, s.key(key)).Err(); err != nil {
		return agenterrors.ToolErrorKind("memory/redis", err)
	}
	return nil
}

func (s *RedisSource) Search(ctx context.Context, query any, opts SearchOpts) ([]Item, error) {
	pattern, _ := query.(string)
	if m, ok := query.(map[string]any); ok {
		if p, ok := m["pattern"].(string); ok {
			pattern = p
		}
	}
	keys, err := s.scanKeys(ctx, pattern, opts.Limit)
	if err != nil {
		return nil, err
	}
	var out []Item
	for _, k := range keys {
		item, err := s.Retrieve(ctx, k, RetrieveOpts{})
		if agenterrors.IsNotFound(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, nil
}

func (s *RedisSource) ListKeys(ctx context.Context, opts ListOpts) ([]string, string, error) {
	keys, err := s.scanKeys(ctx, opts.Pattern, opts.Limit)
	if err != nil {
		return nil, "", err
	}
	return keys, "", nil
}

func (s *RedisSource) scanKeys(ctx context.Context, pattern string, limit int) ([]string, error) {
	if pattern == "" {
		pattern = "*"
	}
	matchPattern := s.key(pattern)
	var out []string
	var cursor uint64
	for {
		var keys []string
		var err error
		keys, cursor, err = s.client.Scan(ctx, cursor, matchPattern, 0).Result()
		if err != nil {
			return nil, agenterrors.ToolErrorKind("memory/redis", err)
		}
		for _, k := range keys {
			out = append(out, s.stripPrefix(k))
			if limit > 0 && len(out) >= limit {
				return out, nil
			}
		}
		if cursor == 0 {
			break
		}
	}
	return out, nil
}

func (s *RedisSource) stripPrefix(k string) string {
	if s.prefix == "" {
		return k
	}
	prefix := s.prefix + ":"
	if len(k) > len(prefix) && k[:len(prefix)] == prefix {
		return k[len(prefix):]
	}
	return k
}

// Terminate closes the underlying Redis client, satisfying the
// Terminator capability interface.
func (s *RedisSource) Terminate(_ context.Context) error {
	if err := s.client.Close(); err != nil {
		return fmt.Errorf("closing redis client: %w", err)
	}
	return nil
}
