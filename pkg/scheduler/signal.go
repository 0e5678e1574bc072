package scheduler

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ChangeChannel is the Redis pub/sub channel on which schedule edits are
// announced. The payload is the tenant id.
const ChangeChannel = "groupowl:schedule:changed"

// Subscriber is the pub/sub part of *redis.Client.
type Subscriber interface {
	Subscribe(ctx context.Context, channels ...string) *redis.PubSub
}

// PublishChange announces that tenantID's schedule was edited.
func PublishChange(ctx context.Context, rdb *redis.Client, tenantID uuid.UUID) error {
	return rdb.Publish(ctx, ChangeChannel, tenantID.String()).Err()
}

// ReloadSignal subscribes to schedule change announcements and returns a
// channel that receives a value for every announcement about tenantID.
// Signals are coalesced: a pending one is not duplicated. The channel is
// closed when ctx is cancelled.
func ReloadSignal(ctx context.Context, sub Subscriber, tenantID uuid.UUID, logger *slog.Logger) <-chan struct{} {
	out := make(chan struct{}, 1)
	pubsub := sub.Subscribe(ctx, ChangeChannel)
	msgs := pubsub.Channel()

	go func() {
		defer close(out)
		defer func() { _ = pubsub.Close() }()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				if msg.Payload != tenantID.String() {
					continue
				}
				select {
				case out <- struct{}{}:
				default:
				}
				logger.Debug("schedule change received", "tenant_id", tenantID)
			}
		}
	}()
	return out
}
