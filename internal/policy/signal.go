package policy

import (
	"context"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// ReloadChannel is the pub/sub channel replicas listen on for policy changes.
const ReloadChannel = "broker:policy:reload"

// ReloadSignal fans a reload request out to every broker replica over Redis
// pub/sub. Each replica reloads from its own Source.
type ReloadSignal struct {
	rdb      redis.UniversalClient
	reloader Reloader
	logger   *slog.Logger
}

func NewReloadSignal(rdb redis.UniversalClient, reloader Reloader, logger *slog.Logger) *ReloadSignal {
	return &ReloadSignal{rdb: rdb, reloader: reloader, logger: logger}
}

// Publish asks all replicas to reload. The payload is informational.
func (s *ReloadSignal) Publish(ctx context.Context, reason string) error {
	return s.rdb.Publish(ctx, ReloadChannel, reason).Err()
}

// Listen blocks until ctx is cancelled or the subscription closes.
func (s *ReloadSignal) Listen(ctx context.Context) {
	pubsub := s.rdb.Subscribe(ctx, ReloadChannel)
	defer pubsub.Close()

	ch := pubsub.Channel()
	s.logger.InfoContext(ctx, "policy reload listener started", "channel", ReloadChannel)
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				s.logger.WarnContext(ctx, "policy reload channel closed")
				return
			}
			version, err := s.reloader.Reload(ctx)
			if err != nil {
				s.logger.ErrorContext(ctx, "policy reload from signal failed",
					"reason", msg.Payload,
					"error", err,
				)
				continue
			}
			s.logger.InfoContext(ctx, "policy reloaded from signal",
				"reason", msg.Payload,
				"version", version,
			)
		case <-ctx.Done():
			return
		}
	}
}
