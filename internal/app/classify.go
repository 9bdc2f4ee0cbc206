package app

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"bookwright/pkg/ai"
)

// facetClassifier is the slice of the generation gateway used to resolve
// missing facets from free text.
type facetClassifier interface {
	ClassifyFacets(ctx context.Context, freeText string) (ai.Facets, error)
}

// CachedClassifier memoizes facet classification in redis. The same free text
// always resolves to the same facets, so classifying it once per TTL is
// enough; that keeps repeated searches of a popular query from paying a model
// call before even reaching the result cache.
type CachedClassifier struct {
	inner  facetClassifier
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewCachedClassifier wraps the classifier. A nil client disables caching.
func NewCachedClassifier(inner facetClassifier, client *redis.Client, ttl time.Duration) *CachedClassifier {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &CachedClassifier{
		inner:  inner,
		client: client,
		prefix: "bookwright:classify",
		ttl:    ttl,
	}
}

// Classify resolves genre and language for the free text, from cache when
// possible. Cache errors fall through to the model.
func (c *CachedClassifier) Classify(ctx context.Context, freeText string) (ai.Facets, error) {
	key := c.cacheKey(freeText)
	if c.client != nil {
		if raw, err := c.client.Get(ctx, key).Result(); err == nil {
			var facets ai.Facets
			if json.Unmarshal([]byte(raw), &facets) == nil && facets.Genre != "" {
				return facets, nil
			}
		}
	}
	facets, err := c.inner.ClassifyFacets(ctx, freeText)
	if err != nil {
		return ai.Facets{}, err
	}
	if c.client != nil {
		if raw, err := json.Marshal(facets); err == nil {
			_ = c.client.Set(ctx, key, raw, c.ttl).Err()
		}
	}
	return facets, nil
}

func (c *CachedClassifier) cacheKey(freeText string) string {
	sum := sha256.Sum256([]byte(strings.ToLower(strings.TrimSpace(freeText))))
	return c.prefix + ":" + hex.EncodeToString(sum[:])
}
