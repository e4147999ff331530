package webhooks

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// cacheTTL is deliberately short: the Admin API mutates subscriptions
// rarely but the hot path (Router.Emit on every inbound SMS event) reads
// them constantly, so a short TTL plus explicit invalidation on write beats
// a long TTL that risks serving a stale secret or a deleted subscription.
const cacheTTL = 5 * time.Second

// CachedStore wraps a Store with a Redis read-through cache in front of
// ListActiveForEvent, the Event Router's hot-path lookup. Create, Update,
// Delete and RotateSecret pass through and then invalidate the tenant's
// cache entries; every other method passes straight through.
type CachedStore struct {
	Store
	redis  redis.UniversalClient
	logger *slog.Logger
}

// NewCachedStore wraps store with a Redis-backed cache. client may be nil,
// in which case CachedStore degrades to calling through to store directly.
func NewCachedStore(store Store, client redis.UniversalClient, logger *slog.Logger) *CachedStore {
	return &CachedStore{Store: store, redis: client, logger: logger}
}

func cacheKey(tenantID string, eventType EventType) string {
	return "webhooks:active:" + tenantID + ":" + string(eventType)
}

func (c *CachedStore) ListActiveForEvent(ctx context.Context, tenantID string, eventType EventType) ([]*Subscription, error) {
	if c.redis == nil {
		return c.Store.ListActiveForEvent(ctx, tenantID, eventType)
	}

	key := cacheKey(tenantID, eventType)
	if cached, err := c.redis.Get(ctx, key).Bytes(); err == nil {
		var subs []*Subscription
		if err := json.Unmarshal(cached, &subs); err == nil {
			return subs, nil
		}
	} else if !errors.Is(err, redis.Nil) {
		c.logger.Warn("subscription cache read failed", "error", err)
	}

	subs, err := c.Store.ListActiveForEvent(ctx, tenantID, eventType)
	if err != nil {
		return nil, err
	}

	if encoded, err := json.Marshal(subs); err == nil {
		if err := c.redis.Set(ctx, key, encoded, cacheTTL).Err(); err != nil {
			c.logger.Warn("subscription cache write failed", "error", err)
		}
	}

	return subs, nil
}

// invalidate drops every cached event-type entry for a subscription's
// tenant. We don't track which event types were cached, so this clears the
// tenant's whole cache namespace via SCAN — acceptable given the short TTL
// and the infrequency of subscription mutations relative to event volume.
func (c *CachedStore) invalidate(ctx context.Context, tenantID string) {
	if c.redis == nil {
		return
	}
	pattern := "webhooks:active:" + tenantID + ":*"
	var cursor uint64
	for {
		keys, next, err := c.redis.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			c.logger.Warn("subscription cache invalidation scan failed", "error", err)
			return
		}
		if len(keys) > 0 {
			if err := c.redis.Del(ctx, keys...).Err(); err != nil {
				c.logger.Warn("subscription cache invalidation delete failed", "error", err)
			}
		}
		cursor = next
		if cursor == 0 {
			return
		}
	}
}

func (c *CachedStore) Create(ctx context.Context, tenantID string, spec SubscriptionSpec) (*Subscription, error) {
	sub, err := c.Store.Create(ctx, tenantID, spec)
	if err == nil {
		c.invalidate(ctx, tenantID)
	}
	return sub, err
}

func (c *CachedStore) Update(ctx context.Context, tenantID, id string, patch SubscriptionPatch) (*Subscription, error) {
	sub, err := c.Store.Update(ctx, tenantID, id, patch)
	if err == nil {
		c.invalidate(ctx, tenantID)
	}
	return sub, err
}

func (c *CachedStore) Delete(ctx context.Context, tenantID, id string) error {
	err := c.Store.Delete(ctx, tenantID, id)
	if err == nil {
		c.invalidate(ctx, tenantID)
	}
	return err
}

func (c *CachedStore) RotateSecret(ctx context.Context, tenantID, id string) (*Subscription, error) {
	sub, err := c.Store.RotateSecret(ctx, tenantID, id)
	if err == nil {
		c.invalidate(ctx, tenantID)
	}
	return sub, err
}

var _ Store = (*CachedStore)(nil)
