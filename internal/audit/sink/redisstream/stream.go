// Package redisstream appends audit events to a capped Redis stream.
package redisstream

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"delegation-broker/internal/audit"
)

const (
	DefaultStream = "broker:audit"
	DefaultMaxLen = 100000
)

// Stream implements audit.Sink. Trimming is approximate so XADD stays O(1).
type Stream struct {
	rdb    redis.UniversalClient
	key    string
	maxLen int64
}

func New(rdb redis.UniversalClient, key string, maxLen int64) *Stream {
	if key == "" {
		key = DefaultStream
	}
	if maxLen <= 0 {
		maxLen = DefaultMaxLen
	}
	return &Stream{rdb: rdb, key: key, maxLen: maxLen}
}

func (s *Stream) Append(ctx context.Context, e audit.Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}
	err = s.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: s.key,
		MaxLen: s.maxLen,
		Approx: true,
		Values: map[string]any{
			"event_id": e.ID.String(),
			"turn_id":  e.TurnID.String(),
			"status":   string(e.Status),
			"event":    payload,
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("xadd %s: %w", s.key, err)
	}
	return nil
}

// Read returns up to count events from the start of the stream.
func (s *Stream) Read(ctx context.Context, count int64) ([]audit.Event, error) {
	msgs, err := s.rdb.XRangeN(ctx, s.key, "-", "+", count).Result()
	if err != nil {
		return nil, fmt.Errorf("xrange %s: %w", s.key, err)
	}
	events := make([]audit.Event, 0, len(msgs))
	for _, m := range msgs {
		raw, ok := m.Values["event"].(string)
		if !ok {
			continue
		}
		var e audit.Event
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			return nil, fmt.Errorf("decode stream entry %s: %w", m.ID, err)
		}
		events = append(events, e)
	}
	return events, nil
}
