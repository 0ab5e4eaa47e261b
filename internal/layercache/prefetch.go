package layercache

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"layerstream/pkg/types"
)

func (c *Cache) startPrefetch() {
	ctx, cancel := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)
	c.cancel = cancel
	c.workers = g
	c.hint = make(chan types.LayerIndex, 1)
	g.Go(func() error {
		c.prefetchLoop(ctx, c.cfg.PrefetchInterval)
		return nil
	})
}

// prefetchLoop walks the layers in order from the cursor, loading the next
// non-resident one per tick. Hints from Prefetch move the cursor.
func (c *Cache) prefetchLoop(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case i := <-c.hint:
			c.mu.Lock()
			c.cursor = uint32(i) % c.image.LayerCount()
			c.mu.Unlock()
			continue
		case <-t.C:
		}
		c.prefetchStep()
	}
}

// prefetchStep tries at most one full pass over the layers and stops at
// the first layer it loads.
func (c *Cache) prefetchStep() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	n := c.image.LayerCount()
	for k := uint32(0); k < n; k++ {
		i := types.LayerIndex(c.cursor)
		c.cursor = (c.cursor + 1) % n
		if c.layers[i].resident() {
			continue
		}
		if err := c.prefetchLocked(i); err == nil {
			return
		}
	}
}
