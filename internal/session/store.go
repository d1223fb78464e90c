package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	id "delegation-broker/pkg/domain"
	"delegation-broker/pkg/platform/sentinel"
)

// TurnStore keeps sealed turns for later lookup. Get returns an error
// wrapping sentinel.ErrNotFound for unknown or expired turns.
type TurnStore interface {
	Save(ctx context.Context, r *Result) error
	Get(ctx context.Context, turnID id.TurnID) (*Result, error)
}

// MemoryTurnStore holds the most recent sealed turns, evicting the oldest.
type MemoryTurnStore struct {
	mu    sync.RWMutex
	limit int
	order []id.TurnID
	turns map[id.TurnID]*Result
}

func NewMemoryTurnStore(limit int) *MemoryTurnStore {
	if limit <= 0 {
		limit = 1000
	}
	return &MemoryTurnStore{limit: limit, turns: make(map[id.TurnID]*Result, limit)}
}

func (s *MemoryTurnStore) Save(_ context.Context, r *Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.turns[r.TurnID]; !ok {
		s.order = append(s.order, r.TurnID)
	}
	s.turns[r.TurnID] = r
	for len(s.order) > s.limit {
		delete(s.turns, s.order[0])
		s.order = s.order[1:]
	}
	return nil
}

func (s *MemoryTurnStore) Get(_ context.Context, turnID id.TurnID) (*Result, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.turns[turnID]
	if !ok {
		return nil, fmt.Errorf("turn %s: %w", turnID, sentinel.ErrNotFound)
	}
	return r, nil
}

func (s *MemoryTurnStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.turns)
}

const turnKeyPrefix = "broker:turn:"

// RedisTurnStore shares turn history between broker replicas. Token values
// are never serialised, only their references.
type RedisTurnStore struct {
	rdb redis.UniversalClient
	ttl time.Duration
}

func NewRedisTurnStore(rdb redis.UniversalClient, ttl time.Duration) *RedisTurnStore {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisTurnStore{rdb: rdb, ttl: ttl}
}

func (s *RedisTurnStore) Save(ctx context.Context, r *Result) error {
	payload, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal turn: %w", err)
	}
	if err := s.rdb.Set(ctx, turnKeyPrefix+r.TurnID.String(), payload, s.ttl).Err(); err != nil {
		return fmt.Errorf("save turn: %w", errors.Join(sentinel.ErrUnavailable, err))
	}
	return nil
}

func (s *RedisTurnStore) Get(ctx context.Context, turnID id.TurnID) (*Result, error) {
	payload, err := s.rdb.Get(ctx, turnKeyPrefix+turnID.String()).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("turn %s: %w", turnID, sentinel.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load turn: %w", errors.Join(sentinel.ErrUnavailable, err))
	}
	var r Result
	if err := json.Unmarshal(payload, &r); err != nil {
		return nil, fmt.Errorf("decode turn %s: %w", turnID, err)
	}
	return &r, nil
}
