package sessionstore

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"agentsync/internal/event"
	"agentsync/internal/logging"
	"agentsync/internal/models"
	"agentsync/internal/redis"

	"github.com/rs/zerolog"
)

const defaultSnapshotTTL = 30 * time.Second

func snapshotKey(sessionID string) string {
	return "sessionstore:snapshot:" + sessionID
}

func versionKey(sessionID string) string {
	return "sessionstore:version:" + sessionID
}

// cachedSnapshot tags a snapshot with the session version it was read at.
type cachedSnapshot struct {
	Version  int64            `json:"version"`
	Snapshot *models.Snapshot `json:"snapshot"`
}

// CachedStore keeps session snapshots in redis so that a client polling
// an idle session does not hit the database on every tick. Every write
// through the store bumps the session version and drops the cached
// snapshot. A snapshot is only served while its version is current, so a
// read that raced a write cannot fill the cache with stale data.
type CachedStore struct {
	Store
	client *redis.Client
	ttl    time.Duration
	log    zerolog.Logger
}

func NewCachedStore(inner Store, client *redis.Client, ttl time.Duration) *CachedStore {
	if ttl <= 0 {
		ttl = defaultSnapshotTTL
	}
	return &CachedStore{
		Store:  inner,
		client: client,
		ttl:    ttl,
		log:    logging.Component("sessionstore"),
	}
}

// WatchTasks drops cached snapshots when a task finishes, covering agents
// that write to the database without going through this store.
func (c *CachedStore) WatchTasks(bus *event.Bus) error {
	handler := func(ev event.TaskEvent) {
		c.invalidate(context.Background(), ev.SessionID)
	}
	if err := bus.Subscribe(event.TopicTaskCompleted, handler); err != nil {
		return err
	}
	return bus.Subscribe(event.TopicTaskFailed, handler)
}

func (c *CachedStore) Get(ctx context.Context, ownerID, sessionID string) (*models.Snapshot, error) {
	version, ok := c.version(ctx, sessionID)
	if ok {
		if snap, hit := c.load(ctx, ownerID, sessionID, version); hit {
			return snap, nil
		}
	}
	snap, err := c.Store.Get(ctx, ownerID, sessionID)
	if err != nil {
		return nil, err
	}
	if ok {
		c.cache(ctx, snap, version)
	}
	return snap, nil
}

func (c *CachedStore) Delete(ctx context.Context, ownerID, sessionID string) error {
	err := c.Store.Delete(ctx, ownerID, sessionID)
	if err == nil || errors.Is(err, ErrNotFound) {
		c.invalidate(ctx, sessionID)
	}
	return err
}

func (c *CachedStore) Rename(ctx context.Context, ownerID, sessionID, title string) error {
	if err := c.Store.Rename(ctx, ownerID, sessionID, title); err != nil {
		return err
	}
	c.invalidate(ctx, sessionID)
	return nil
}

func (c *CachedStore) AppendEvent(ctx context.Context, ev *models.Event) (*models.Event, error) {
	stored, err := c.Store.AppendEvent(ctx, ev)
	if err != nil {
		return nil, err
	}
	c.invalidate(ctx, stored.SessionID)
	return stored, nil
}

func (c *CachedStore) MergeState(ctx context.Context, sessionID string, delta map[string]any) error {
	if err := c.Store.MergeState(ctx, sessionID, delta); err != nil {
		return err
	}
	c.invalidate(ctx, sessionID)
	return nil
}

// version reads the session's current version. A missing counter is
// version zero; ok is false when redis cannot be asked.
func (c *CachedStore) version(ctx context.Context, sessionID string) (int64, bool) {
	if c.client == nil || sessionID == "" {
		return 0, false
	}
	raw, err := c.client.Get(ctx, versionKey(sessionID))
	if errors.Is(err, redis.ErrCacheMiss) {
		return 0, true
	}
	if err != nil {
		c.log.Warn().Err(err).Str("session_id", sessionID).Msg("load snapshot version")
		return 0, false
	}
	version, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		c.log.Warn().Err(err).Str("session_id", sessionID).Msg("decode snapshot version")
		return 0, false
	}
	return version, true
}

func (c *CachedStore) cache(ctx context.Context, snap *models.Snapshot, version int64) {
	if snap == nil || snap.Session == nil {
		return
	}
	data, err := json.Marshal(cachedSnapshot{Version: version, Snapshot: snap})
	if err != nil {
		c.log.Warn().Err(err).Msg("encode snapshot")
		return
	}
	if err := c.client.Set(ctx, snapshotKey(snap.Session.ID), data, c.ttl); err != nil {
		c.log.Warn().Err(err).Str("session_id", snap.Session.ID).Msg("cache snapshot")
	}
}

func (c *CachedStore) load(ctx context.Context, ownerID, sessionID string, version int64) (*models.Snapshot, bool) {
	raw, err := c.client.Get(ctx, snapshotKey(sessionID))
	if err != nil {
		if !errors.Is(err, redis.ErrCacheMiss) {
			c.log.Warn().Err(err).Str("session_id", sessionID).Msg("load cached snapshot")
		}
		return nil, false
	}
	var cached cachedSnapshot
	if err := json.Unmarshal([]byte(raw), &cached); err != nil {
		c.log.Warn().Err(err).Str("session_id", sessionID).Msg("decode cached snapshot")
		return nil, false
	}
	if cached.Version != version {
		return nil, false
	}
	snap := cached.Snapshot
	// fall through to the store, which answers not found for foreign owners
	if snap == nil || snap.Session == nil || snap.Session.OwnerID != ownerID {
		return nil, false
	}
	return snap, true
}

// invalidate moves the session to a new version. The counter outlives any
// snapshot cached under an older version.
func (c *CachedStore) invalidate(ctx context.Context, sessionID string) {
	if c.client == nil || sessionID == "" {
		return
	}
	if _, err := c.client.Bump(ctx, versionKey(sessionID), 2*c.ttl, snapshotKey(sessionID)); err != nil {
		c.log.Warn().Err(err).Str("session_id", sessionID).Msg("invalidate snapshot")
	}
}
