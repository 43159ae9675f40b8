package authz

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const decisionKeyPrefix = "authz:decision"

// DecisionCache memoizes boolean decisions in Redis with a TTL and supports
// the targeted invalidation sweeps triggered by graph mutations.
type DecisionCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewDecisionCache instantiates the cache helper.
func NewDecisionCache(client *redis.Client, ttl time.Duration) *DecisionCache {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &DecisionCache{client: client, ttl: ttl}
}

// Key layout: authz:decision:{actor}:{tenant|global}:{namespace}:{resource}:{operation}
// Keeping actor and tenant up front lets actor sweeps match on a short
// prefix, while permission sweeps wildcard the first two segments.
func decisionKey(actorID int64, tenantID *int64, op Operation) string {
	return fmt.Sprintf("%s:%d:%s:%s:%s:%s",
		decisionKeyPrefix, actorID, tenantToken(tenantID), op.Namespace, op.Resource, op.Name)
}

func tenantToken(tenantID *int64) string {
	if tenantID == nil {
		return "global"
	}
	return strconv.FormatInt(*tenantID, 10)
}

// Get loads a memoized decision. The second boolean reports a hit.
func (c *DecisionCache) Get(ctx context.Context, actorID int64, tenantID *int64, op Operation) (bool, bool, error) {
	if c == nil || c.client == nil {
		return false, false, nil
	}
	val, err := c.client.Get(ctx, decisionKey(actorID, tenantID, op)).Result()
	if err == redis.Nil {
		return false, false, nil
	}
	if err != nil {
		return false, false, &CacheUnavailableError{Err: err}
	}
	return val == "1", true, nil
}

// Set stores a decision under the configured TTL.
func (c *DecisionCache) Set(ctx context.Context, actorID int64, tenantID *int64, op Operation, allowed bool) error {
	if c == nil || c.client == nil {
		return nil
	}
	val := "0"
	if allowed {
		val = "1"
	}
	if err := c.client.Set(ctx, decisionKey(actorID, tenantID, op), val, c.ttl).Err(); err != nil {
		return &CacheUnavailableError{Err: err}
	}
	return nil
}

// InvalidateActor drops cached decisions for one actor. With a tenant the
// sweep is limited to that scope; without one it covers every scope,
// including the global one.
func (c *DecisionCache) InvalidateActor(ctx context.Context, actorID int64, tenantID *int64) error {
	if tenantID == nil {
		return c.sweep(ctx, fmt.Sprintf("%s:%d:*", decisionKeyPrefix, actorID))
	}
	return c.sweep(ctx, fmt.Sprintf("%s:%d:%d:*", decisionKeyPrefix, actorID, *tenantID))
}

// InvalidatePermission drops cached decisions referencing one permission
// identity across all actors and scopes.
func (c *DecisionCache) InvalidatePermission(ctx context.Context, op Operation) error {
	return c.sweep(ctx, fmt.Sprintf("%s:*:*:%s:%s:%s", decisionKeyPrefix, op.Namespace, op.Resource, op.Name))
}

// InvalidateAll flushes every memoized decision. Used after bulk catalog
// reconciliation.
func (c *DecisionCache) InvalidateAll(ctx context.Context) error {
	return c.sweep(ctx, decisionKeyPrefix+":*")
}

func (c *DecisionCache) sweep(ctx context.Context, pattern string) error {
	if c == nil || c.client == nil {
		return nil
	}
	iter := c.client.Scan(ctx, 0, pattern, 0).Iterator()
	batch := make([]string, 0, 128)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := c.client.Del(ctx, batch...).Err(); err != nil {
			return err
		}
		batch = batch[:0]
		return nil
	}
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) >= 128 {
			if err := flush(); err != nil {
				return &CacheUnavailableError{Err: err}
			}
		}
	}
	if err := iter.Err(); err != nil {
		return &CacheUnavailableError{Err: err}
	}
	if err := flush(); err != nil {
		return &CacheUnavailableError{Err: err}
	}
	return nil
}
