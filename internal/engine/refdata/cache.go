package refdata

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// CachedGateway wraps a Gateway with a redis read-through cache. Master
// data changes rarely, so entries carry a coarse TTL. A nil or unreachable
// redis client degrades to pass-through.
type CachedGateway struct {
	next   Gateway
	cache  *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

func NewCachedGateway(next Gateway, cache *redis.Client, ttl time.Duration, logger *zap.Logger) *CachedGateway {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &CachedGateway{next: next, cache: cache, ttl: ttl, logger: logger}
}

func cacheKey(kind, id string) string {
	return "refdata:" + kind + ":" + id
}

func getCached[T any](ctx context.Context, g *CachedGateway, kind, id string, fetch func(context.Context, string) (*T, error)) (*T, error) {
	if g.cache != nil {
		raw, err := g.cache.Get(ctx, cacheKey(kind, id)).Bytes()
		if err == nil {
			var v T
			if jsonErr := json.Unmarshal(raw, &v); jsonErr == nil {
				return &v, nil
			}
		} else if err != redis.Nil {
			g.logger.Warn("refdata cache read failed", zap.String("kind", kind), zap.Error(err))
		}
	}
	v, err := fetch(ctx, id)
	if err != nil {
		return nil, err
	}
	if g.cache != nil {
		if raw, jsonErr := json.Marshal(v); jsonErr == nil {
			if err := g.cache.Set(ctx, cacheKey(kind, id), raw, g.ttl).Err(); err != nil {
				g.logger.Warn("refdata cache write failed", zap.String("kind", kind), zap.Error(err))
			}
		}
	}
	return v, nil
}

func (g *CachedGateway) Commodity(ctx context.Context, id string) (*Commodity, error) {
	return getCached(ctx, g, "commodity", id, g.next.Commodity)
}

func (g *CachedGateway) Location(ctx context.Context, id string) (*Location, error) {
	return getCached(ctx, g, "location", id, g.next.Location)
}

func (g *CachedGateway) Term(ctx context.Context, id string) (*Term, error) {
	return getCached(ctx, g, "term", id, g.next.Term)
}
