package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/providentiaww/trilix-authserver/internal/oauth"
)

const (
	clientKeyPrefix = "oauth:client:"
	codeKeyPrefix   = "oauth:code:"

	// Codes keep their key a little past expiry so the sweeper, not Redis,
	// decides when they go. Expiry itself is always checked against expires_at.
	codeKeyGrace = time.Minute
	scanBatch    = 200
)

// createCodeScript writes the code hash only if the key is absent.
var createCodeScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
	return 0
end
redis.call('HSET', KEYS[1],
	'client_id', ARGV[1],
	'user_id', ARGV[2],
	'redirect_uri', ARGV[3],
	'expires_at', ARGV[4],
	'created_at', ARGV[5])
redis.call('PEXPIRE', KEYS[1], ARGV[6])
return 1
`)

// consumeCodeScript deletes and returns the code only if every predicate
// holds. Scripts run atomically, so one caller wins a race.
var consumeCodeScript = redis.NewScript(`
local v = redis.call('HMGET', KEYS[1], 'client_id', 'redirect_uri', 'expires_at')
if not v[1] or not v[3] then
	return false
end
if v[1] ~= ARGV[1] or v[2] ~= ARGV[2] then
	return false
end
if tonumber(v[3]) <= tonumber(ARGV[3]) then
	return false
end
local all = redis.call('HGETALL', KEYS[1])
redis.call('DEL', KEYS[1])
return all
`)

// sweepCodeScript deletes the code if it is expired at ARGV[1].
var sweepCodeScript = redis.NewScript(`
local exp = redis.call('HGET', KEYS[1], 'expires_at')
if not exp then
	return 0
end
if tonumber(exp) <= tonumber(ARGV[1]) then
	redis.call('DEL', KEYS[1])
	return 1
end
return 0
`)

// RedisStore persists clients as JSON strings and codes as hashes.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects to redisURL and pings it.
func NewRedisStore(ctx context.Context, redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return NewRedisStoreFromClient(client), nil
}

// NewRedisStoreFromClient wraps an existing client. Close closes it.
func NewRedisStoreFromClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) CreateClient(ctx context.Context, client *oauth.Client) error {
	payload, err := json.Marshal(client)
	if err != nil {
		return err
	}

	ok, err := s.client.SetNX(ctx, clientKeyPrefix+client.ClientID, payload, 0).Result()
	if err != nil {
		return fmt.Errorf("set client: %w", err)
	}
	if !ok {
		return oauth.ErrConflict
	}
	return nil
}

func (s *RedisStore) GetClient(ctx context.Context, clientID string) (*oauth.Client, error) {
	val, err := s.client.Get(ctx, clientKeyPrefix+clientID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, oauth.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get client: %w", err)
	}

	var client oauth.Client
	if err := json.Unmarshal(val, &client); err != nil {
		return nil, fmt.Errorf("decode client: %w", err)
	}
	return &client, nil
}

func (s *RedisStore) CreateCode(ctx context.Context, code *oauth.AuthorizationCode) error {
	keyTTL := code.ExpiresAt.Sub(code.CreatedAt) + codeKeyGrace
	if keyTTL < codeKeyGrace {
		keyTTL = codeKeyGrace
	}

	created, err := createCodeScript.Run(ctx, s.client, []string{codeKeyPrefix + code.CodeHash},
		code.ClientID,
		code.UserID,
		code.RedirectURI,
		code.ExpiresAt.UnixMilli(),
		code.CreatedAt.UnixMilli(),
		keyTTL.Milliseconds(),
	).Int()
	if err != nil {
		return fmt.Errorf("create code: %w", err)
	}
	if created == 0 {
		return oauth.ErrConflict
	}
	return nil
}

func (s *RedisStore) ConsumeCode(ctx context.Context, codeHash, clientID, redirectURI string, now time.Time) (*oauth.AuthorizationCode, error) {
	fields, err := consumeCodeScript.Run(ctx, s.client, []string{codeKeyPrefix + codeHash},
		clientID,
		redirectURI,
		now.UnixMilli(),
	).StringSlice()
	if errors.Is(err, redis.Nil) {
		return nil, oauth.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("consume code: %w", err)
	}

	code, err := decodeCodeFields(codeHash, fields)
	if err != nil {
		return nil, err
	}
	return code, nil
}

// DeleteExpiredCodes scans code keys and removes those expired at now. Keys
// also carry a Redis TTL, so this only speeds up cleanup.
func (s *RedisStore) DeleteExpiredCodes(ctx context.Context, now time.Time) (int, error) {
	removed := 0
	iter := s.client.Scan(ctx, 0, codeKeyPrefix+"*", scanBatch).Iterator()
	for iter.Next(ctx) {
		n, err := sweepCodeScript.Run(ctx, s.client, []string{iter.Val()}, now.UnixMilli()).Int()
		if err != nil {
			return removed, fmt.Errorf("sweep code: %w", err)
		}
		removed += n
	}
	if err := iter.Err(); err != nil {
		return removed, fmt.Errorf("scan codes: %w", err)
	}
	return removed, nil
}

// Ping verifies Redis connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func decodeCodeFields(codeHash string, fields []string) (*oauth.AuthorizationCode, error) {
	m := make(map[string]string, len(fields)/2)
	for i := 0; i+1 < len(fields); i += 2 {
		m[fields[i]] = fields[i+1]
	}

	expiresAt, err := strconv.ParseInt(m["expires_at"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("decode expires_at: %w", err)
	}
	createdAt, err := strconv.ParseInt(m["created_at"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("decode created_at: %w", err)
	}

	return &oauth.AuthorizationCode{
		CodeHash:    codeHash,
		ClientID:    m["client_id"],
		UserID:      m["user_id"],
		RedirectURI: m["redirect_uri"],
		ExpiresAt:   time.UnixMilli(expiresAt).UTC(),
		CreatedAt:   time.UnixMilli(createdAt).UTC(),
	}, nil
}
