package embedding

import (
	"context"

	"github.com/hyperjump/paperscope/pkg/utils"
)

// CachingEncoder memoizes text embeddings in an LRU cache. Image queries are not cached.
type CachingEncoder struct {
	Encoder
	cache *utils.LRU[[]float32]
}

// NewCachingEncoder wraps enc with a text cache of the given capacity.
func NewCachingEncoder(enc Encoder, capacity int) *CachingEncoder {
	return &CachingEncoder{Encoder: enc, cache: utils.NewLRU[[]float32](capacity)}
}

// EncodeText returns the cached embedding for text or encodes and caches it.
func (c *CachingEncoder) EncodeText(ctx context.Context, text string) ([]float32, error) {
	if cached, ok := c.cache.Get(text); ok {
		return append([]float32(nil), cached...), nil
	}
	emb, err := c.Encoder.EncodeText(ctx, text)
	if err != nil {
		return nil, err
	}
	c.cache.Set(text, append([]float32(nil), emb...))
	return emb, nil
}

// CacheLen returns the number of cached texts.
func (c *CachingEncoder) CacheLen() int {
	return c.cache.Len()
}
