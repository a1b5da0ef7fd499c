package queue

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	revokeChannel   = "render:revoke"
	revokedKeyPref  = "render:revoked:"
	revokedMarkerTT = time.Hour
)

// Revoker broadcasts termination requests for running executions.
// Every worker listens; the one holding the handle cancels its work.
type Revoker struct {
	client *redis.Client
}

func NewRevoker(client *redis.Client) *Revoker {
	return &Revoker{client: client}
}

// Revoke marks the execution handle as revoked and notifies all listeners.
// The marker covers workers that register the handle after the broadcast.
func (r *Revoker) Revoke(ctx context.Context, handle string) error {
	pipe := r.client.TxPipeline()
	pipe.Set(ctx, revokedKeyPref+handle, 1, revokedMarkerTT)
	pipe.Publish(ctx, revokeChannel, handle)
	_, err := pipe.Exec(ctx)
	return err
}

// IsRevoked reports whether Revoke was called for handle within the marker TTL.
func (r *Revoker) IsRevoked(ctx context.Context, handle string) (bool, error) {
	n, err := r.client.Exists(ctx, revokedKeyPref+handle).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Listen calls fn for every revoked handle until ctx is done.
func (r *Revoker) Listen(ctx context.Context, fn func(handle string)) error {
	sub := r.client.Subscribe(ctx, revokeChannel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return err
	}
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			fn(msg.Payload)
		}
	}
}
