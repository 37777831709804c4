package content

import (
	"context"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/loqalabs/loqa-readalong/internal/timing"
)

// MemoryCache is a bounded in-process segment cache.
type MemoryCache struct {
	entries *lru.Cache[ChunkKey, []timing.Segment]
}

func NewMemoryCache(size int) (*MemoryCache, error) {
	if size <= 0 {
		size = 64
	}
	entries, err := lru.New[ChunkKey, []timing.Segment](size)
	if err != nil {
		return nil, err
	}
	return &MemoryCache{entries: entries}, nil
}

func (c *MemoryCache) Segments(_ context.Context, key ChunkKey) ([]timing.Segment, bool, error) {
	segs, ok := c.entries.Get(key)
	if !ok {
		return nil, false, nil
	}
	return append([]timing.Segment(nil), segs...), true, nil
}

func (c *MemoryCache) Put(_ context.Context, key ChunkKey, segments []timing.Segment) error {
	c.entries.Add(key, append([]timing.Segment(nil), segments...))
	return nil
}

// SegmentsBulk returns the cached entries among keys. Misses are omitted.
func (c *MemoryCache) SegmentsBulk(ctx context.Context, keys []ChunkKey) (map[ChunkKey][]timing.Segment, error) {
	out := make(map[ChunkKey][]timing.Segment, len(keys))
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		if segs, ok, _ := c.Segments(ctx, key); ok {
			out[key] = segs
		}
	}
	return out, nil
}

func (c *MemoryCache) Len() int { return c.entries.Len() }

func (c *MemoryCache) Purge() { c.entries.Purge() }

var _ BulkCache = (*MemoryCache)(nil)
