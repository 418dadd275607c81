package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps presence in Redis with native per-key TTL, shared by
// every server instance. Keys follow presence:{projectID}:{userID}.
type RedisStore struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisStore(rdb *redis.Client, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisStore{rdb: rdb, ttl: ttl}
}

func presenceKey(projectID, userID string) string {
	return fmt.Sprintf("presence:%s:%s", projectID, userID)
}

// projectFromKey recovers the project ID from a scanned presence key.
// Trimming the fixed prefix and the user-ID suffix keeps the parse
// correct even when a project ID contains the separator; user IDs are
// UUIDs and never do.
func projectFromKey(key, userID string) (string, bool) {
	rest, ok := strings.CutPrefix(key, "presence:")
	if !ok {
		return "", false
	}
	projectID, ok := strings.CutSuffix(rest, ":"+userID)
	if !ok || projectID == "" {
		return "", false
	}
	return projectID, true
}

func (s *RedisStore) Put(ctx context.Context, projectID string, rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal presence: %w", err)
	}
	if err := s.rdb.Set(ctx, presenceKey(projectID, rec.UserID), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("store presence: %w", err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, projectID, userID string) (Record, bool, error) {
	data, err := s.rdb.Get(ctx, presenceKey(projectID, userID)).Bytes()
	if err == redis.Nil {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("read presence: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, false, fmt.Errorf("decode presence: %w", err)
	}
	return rec, true, nil
}

func (s *RedisStore) Delete(ctx context.Context, projectID, userID string) error {
	if err := s.rdb.Del(ctx, presenceKey(projectID, userID)).Err(); err != nil {
		return fmt.Errorf("delete presence: %w", err)
	}
	return nil
}

func (s *RedisStore) scanKeys(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	iter := s.rdb.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan presence keys: %w", err)
	}
	return keys, nil
}

func (s *RedisStore) List(ctx context.Context, projectID string) ([]Record, error) {
	keys, err := s.scanKeys(ctx, fmt.Sprintf("presence:%s:*", projectID))
	if err != nil {
		return nil, err
	}
	recs := make([]Record, 0, len(keys))
	if len(keys) == 0 {
		return recs, nil
	}
	values, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("read presence batch: %w", err)
	}
	for _, v := range values {
		raw, ok := v.(string)
		if !ok {
			// Key expired between SCAN and MGET.
			continue
		}
		var rec Record
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, fmt.Errorf("decode presence: %w", err)
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

func (s *RedisStore) Count(ctx context.Context, projectID string) (int, error) {
	keys, err := s.scanKeys(ctx, fmt.Sprintf("presence:%s:*", projectID))
	if err != nil {
		return 0, err
	}
	return len(keys), nil
}

func (s *RedisStore) ProjectsOf(ctx context.Context, userID string) ([]string, error) {
	keys, err := s.scanKeys(ctx, fmt.Sprintf("presence:*:%s", userID))
	if err != nil {
		return nil, err
	}
	projects := make([]string, 0, len(keys))
	for _, key := range keys {
		if projectID, ok := projectFromKey(key, userID); ok {
			projects = append(projects, projectID)
		}
	}
	return projects, nil
}
