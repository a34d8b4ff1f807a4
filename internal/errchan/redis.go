package errchan

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"agentsync/internal/logging"
	"agentsync/internal/models"
	"agentsync/internal/redis"
)

const defaultNoticeTTL = 24 * time.Hour

// RedisChannel keeps notices in a per-user list that expires when nobody
// comes back to read it.
type RedisChannel struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisChannel(client *redis.Client, ttl time.Duration) *RedisChannel {
	if ttl <= 0 {
		ttl = defaultNoticeTTL
	}
	return &RedisChannel{client: client, ttl: ttl}
}

func noticeKey(userID string) string {
	return "errchan:user:" + userID
}

func (r *RedisChannel) Report(ctx context.Context, notice models.Notice) error {
	n, err := prepare(notice, time.Now())
	if err != nil {
		return err
	}
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("encode notice: %w", err)
	}
	if err := r.client.Append(ctx, noticeKey(n.UserID), r.ttl, data); err != nil {
		return fmt.Errorf("store notice: %w", err)
	}
	return nil
}

func (r *RedisChannel) Take(ctx context.Context, userID string) ([]models.Notice, error) {
	raw, err := r.client.Drain(ctx, noticeKey(userID))
	if err != nil {
		return nil, fmt.Errorf("drain notices: %w", err)
	}
	out := make([]models.Notice, 0, len(raw))
	for _, item := range raw {
		var n models.Notice
		if err := json.Unmarshal([]byte(item), &n); err != nil {
			logging.Warn().Err(err).Str("user_id", userID).Msg("drop undecodable notice")
			continue
		}
		out = append(out, n)
	}
	return out, nil
}
