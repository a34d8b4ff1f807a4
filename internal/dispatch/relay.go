package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"agentsync/internal/logging"
	"agentsync/internal/redis"
)

const cancelChannel = "agentsync:cancel"

type cancelMessage struct {
	SessionID string `json:"session_id"`
}

// CancelRelay broadcasts session cancellations to every instance sharing
// the redis server.
type CancelRelay struct {
	client  *redis.Client
	channel string
}

func NewCancelRelay(client *redis.Client) *CancelRelay {
	if client == nil {
		return nil
	}
	return &CancelRelay{client: client, channel: cancelChannel}
}

func (r *CancelRelay) Publish(ctx context.Context, sessionID string) error {
	payload, err := json.Marshal(cancelMessage{SessionID: sessionID})
	if err != nil {
		return err
	}
	return r.client.Publish(ctx, r.channel, payload)
}

// Listen calls handler for every broadcast session id until ctx is done.
func (r *CancelRelay) Listen(ctx context.Context, handler func(sessionID string)) error {
	raw := r.client.Raw()
	if raw == nil {
		return errors.New("redis client not initialized")
	}
	pubsub := raw.Subscribe(ctx, r.channel)
	defer pubsub.Close()
	// wait for the subscription to be confirmed
	if _, err := pubsub.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("subscribe %s: %w", r.channel, err)
	}

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var cm cancelMessage
			if err := json.Unmarshal([]byte(msg.Payload), &cm); err != nil {
				logging.Warn().Err(err).Msg("decode cancel broadcast")
				continue
			}
			if cm.SessionID != "" {
				handler(cm.SessionID)
			}
		}
	}
}
