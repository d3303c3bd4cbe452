package recipients

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/herald-io/herald/internal/engine"
)

// ExistsCache is the cache capability in front of a resolver.
// Implemented by redis.RecipientCache.
type ExistsCache interface {
	Get(ctx context.Context, recipientID string) (exists, found bool, err error)
	Set(ctx context.Context, recipientID string, exists bool) error
}

// CachedResolver decorates a resolver with an existence cache. Cache errors
// degrade to a direct lookup; they never fail a dispatch on their own.
type CachedResolver struct {
	inner  engine.RecipientResolver
	cache  ExistsCache
	logger *zap.Logger
}

// NewCachedResolver wraps inner with cache.
func NewCachedResolver(inner engine.RecipientResolver, cache ExistsCache, logger *zap.Logger) *CachedResolver {
	return &CachedResolver{
		inner:  inner,
		cache:  cache,
		logger: logger,
	}
}

func (r *CachedResolver) Exists(ctx context.Context, recipientID uuid.UUID) (bool, error) {
	key := recipientID.String()

	exists, found, err := r.cache.Get(ctx, key)
	if err != nil {
		r.logger.Warn("recipient cache read failed, falling through",
			zap.Error(err),
			zap.String("recipient_id", key),
		)
	} else if found {
		return exists, nil
	}

	exists, err = r.inner.Exists(ctx, recipientID)
	if err != nil {
		return false, err
	}

	if cerr := r.cache.Set(ctx, key, exists); cerr != nil {
		r.logger.Warn("recipient cache write failed",
			zap.Error(cerr),
			zap.String("recipient_id", key),
		)
	}

	return exists, nil
}
