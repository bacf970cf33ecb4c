package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/fyrsmithlabs/agentloop/internal/blackboard"
	"github.com/fyrsmithlabs/agentloop/internal/config"
)

var (
	// ErrStorageUnavailable wraps every failure of a backing store.
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrEmptySessionID is returned when a session operation has no id.
	ErrEmptySessionID = errors.New("session id cannot be empty")
)

// SessionStore is the append-only per-session turn log.
type SessionStore interface {
	Append(ctx context.Context, sessionID string, turn blackboard.Turn) error

	// Recent returns up to n of the latest turns, oldest first.
	Recent(ctx context.Context, sessionID string, n int) ([]blackboard.Turn, error)

	Close() error
}

// NewSessionStore opens the backend named by cfg.SessionBackend.
func NewSessionStore(cfg config.MemoryConfig) (SessionStore, error) {
	switch cfg.SessionBackend {
	case "sqlite", "":
		path, err := config.ExpandHome(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		return NewSQLiteSessionStore(path)
	case "redis":
		return NewRedisSessionStore(cfg.RedisAddr, cfg.RedisPassword.Value(), cfg.RedisDB), nil
	case "memory":
		return NewInMemorySessionStore(), nil
	default:
		return nil, fmt.Errorf("unsupported session backend %q (supported: sqlite, redis, memory)", cfg.SessionBackend)
	}
}

// InMemorySessionStore keeps turns in process memory.
type InMemorySessionStore struct {
	mu       sync.RWMutex
	sessions map[string][]blackboard.Turn
}

// NewInMemorySessionStore returns an empty store.
func NewInMemorySessionStore() *InMemorySessionStore {
	return &InMemorySessionStore{sessions: make(map[string][]blackboard.Turn)}
}

func (s *InMemorySessionStore) Append(_ context.Context, sessionID string, turn blackboard.Turn) error {
	if sessionID == "" {
		return ErrEmptySessionID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sessionID] = append(s.sessions[sessionID], turn)
	return nil
}

func (s *InMemorySessionStore) Recent(_ context.Context, sessionID string, n int) ([]blackboard.Turn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	turns := s.sessions[sessionID]
	if n > 0 && len(turns) > n {
		turns = turns[len(turns)-n:]
	}
	out := make([]blackboard.Turn, len(turns))
	copy(out, turns)
	return out, nil
}

func (s *InMemorySessionStore) Close() error { return nil }
