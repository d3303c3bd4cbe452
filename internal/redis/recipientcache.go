package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	// recipientExistsTTL caches positive lookups. Existence is only
	// validated at dispatch time, so staleness here mirrors the engine's
	// own contract.
	recipientExistsTTL = 10 * time.Minute

	// recipientMissingTTL caches negative lookups briefly so a recipient
	// created moments later becomes dispatchable quickly.
	recipientMissingTTL = 30 * time.Second
)

// RecipientCache caches recipient-existence lookups in front of the HTTP
// resolver.
type RecipientCache struct {
	client *Client
	logger *zap.Logger
}

// NewRecipientCache creates a RecipientCache on the shared client.
func NewRecipientCache(client *Client, logger *zap.Logger) *RecipientCache {
	return &RecipientCache{
		client: client,
		logger: logger,
	}
}

func recipientKey(recipientID string) string {
	return "recipient:exists:" + recipientID
}

// Get returns (exists, found, err). found is false on a cache miss.
func (c *RecipientCache) Get(ctx context.Context, recipientID string) (bool, bool, error) {
	val, err := c.client.rdb.Get(ctx, recipientKey(recipientID)).Result()
	if err == redis.Nil {
		return false, false, nil
	}
	if err != nil {
		return false, false, fmt.Errorf("redis get failed: %w", err)
	}
	return val == "1", true, nil
}

// Set records a lookup result.
func (c *RecipientCache) Set(ctx context.Context, recipientID string, exists bool) error {
	val := "0"
	ttl := recipientMissingTTL
	if exists {
		val = "1"
		ttl = recipientExistsTTL
	}

	if err := c.client.rdb.Set(ctx, recipientKey(recipientID), val, ttl).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}
