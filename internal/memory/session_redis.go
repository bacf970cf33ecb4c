package memory

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/fyrsmithlabs/agentloop/internal/blackboard"
	"github.com/redis/go-redis/v9"
)

// RedisSessionStore keeps each session as a Redis list of JSON turns.
type RedisSessionStore struct {
	rdb *redis.Client
}

// NewRedisSessionStore creates a client; the connection is established lazily.
func NewRedisSessionStore(addr, password string, db int) *RedisSessionStore {
	return &RedisSessionStore{rdb: redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})}
}

// SessionKey returns the list key for sessionID.
func SessionKey(sessionID string) string {
	return "agentloop:session:" + sessionID
}

func (s *RedisSessionStore) Append(ctx context.Context, sessionID string, turn blackboard.Turn) error {
	if sessionID == "" {
		return ErrEmptySessionID
	}
	data, err := json.Marshal(turn)
	if err != nil {
		return fmt.Errorf("marshaling turn: %w", err)
	}
	if err := s.rdb.RPush(ctx, SessionKey(sessionID), data).Err(); err != nil {
		return fmt.Errorf("%w: RPUSH: %v", ErrStorageUnavailable, err)
	}
	return nil
}

func (s *RedisSessionStore) Recent(ctx context.Context, sessionID string, n int) ([]blackboard.Turn, error) {
	start := int64(0)
	if n > 0 {
		start = -int64(n)
	}
	raw, err := s.rdb.LRange(ctx, SessionKey(sessionID), start, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: LRANGE: %v", ErrStorageUnavailable, err)
	}
	turns := make([]blackboard.Turn, 0, len(raw))
	for _, item := range raw {
		var t blackboard.Turn
		if err := json.Unmarshal([]byte(item), &t); err != nil {
			return nil, fmt.Errorf("decoding turn: %w", err)
		}
		turns = append(turns, t)
	}
	return turns, nil
}

func (s *RedisSessionStore) Close() error {
	return s.rdb.Close()
}
