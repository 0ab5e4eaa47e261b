// Package layercache serves per-layer weight buffers out of a model image
// while keeping the bytes held in memory under a fixed capacity.
//
// Resident entries are evicted lowest score first, where the score blends a
// caller-set priority with access recency and frequency. One mutex covers
// lookup, load and eviction so a caller never observes a half-loaded entry.
package layercache

import (
	"context"
	"fmt"
	"io"
	"math"
	"sync"
	"time"

	"github.com/emirpasic/gods/v2/trees/binaryheap"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"layerstream/internal/errs"
	"layerstream/internal/modelimage"
	"layerstream/pkg/types"
)

type entry struct {
	data        []byte
	charge      uint64
	priority    float32
	lastAccess  time.Time
	accessCount uint64
	pins        int
}

func (e *entry) resident() bool { return e.data != nil }

type counters struct {
	hits, misses, evictions, prefetched, bytesRead uint64
}

// Cache is an opened model image plus its bounded set of resident layers.
type Cache struct {
	mu      sync.Mutex
	cfg     Config
	log     zerolog.Logger
	src     *source
	image   *modelimage.Image
	layers  []entry
	used    uint64
	stats   counters
	closed  bool
	now     func() time.Time
	cursor  uint32
	hint    chan types.LayerIndex
	cancel  context.CancelFunc
	workers *errgroup.Group
}

// Open maps the image at path and validates its table of contents.
func Open(path string, cfg Config) (*Cache, error) {
	cfg = cfg.withDefaults()
	src, err := openFile(path, cfg.DisableMmap)
	if err != nil {
		return nil, err
	}
	c, err := newCache(src, cfg)
	if err != nil {
		_ = src.Close()
		return nil, err
	}
	c.log.Debug().Str("path", path).Bool("mapped", src.mapped != nil).
		Uint32("layers", c.image.LayerCount()).Msg("model image opened")
	return c, nil
}

// OpenReaderAt builds a cache over any random-access reader of size bytes.
// The reader is not closed by Close.
func OpenReaderAt(r io.ReaderAt, size int64, cfg Config) (*Cache, error) {
	cfg = cfg.withDefaults()
	return newCache(&source{ra: r, size: size}, cfg)
}

func newCache(src *source, cfg Config) (*Cache, error) {
	im, err := modelimage.Parse(src, src.size, cfg.MaxLayers)
	if err != nil {
		return nil, err
	}
	c := &Cache{
		cfg:    cfg,
		log:    cfg.Logger.With().Str("component", "layercache").Logger(),
		src:    src,
		image:  im,
		layers: make([]entry, len(im.Layers)),
		now:    time.Now,
	}
	for i := range c.layers {
		c.layers[i].priority = defaultPriority
	}
	if cfg.PrefetchEnabled && len(im.Layers) > 0 {
		c.startPrefetch()
	}
	return c, nil
}

// ModelName returns the name stored in the image header.
func (c *Cache) ModelName() string { return c.image.Name }

// ImageVersion returns the format version stored in the image header.
func (c *Cache) ImageVersion() uint32 { return c.image.Version }

// LayerCount returns the number of layers in the image.
func (c *Cache) LayerCount() uint32 { return c.image.LayerCount() }

// Descriptor returns the table-of-contents entry of layer i.
func (c *Cache) Descriptor(i types.LayerIndex) (types.LayerDescriptor, error) {
	if uint32(i) >= c.image.LayerCount() {
		return types.LayerDescriptor{}, c.rangeErr("layercache.Descriptor", i)
	}
	return c.image.Layers[i], nil
}

// Weights returns the weight bytes of layer i, loading them from the image
// and evicting lower-scored layers if needed. The slice stays intact after
// eviction but is no longer tracked by the cache; use Acquire to keep a
// layer resident while in use.
func (c *Cache) Weights(i types.LayerIndex) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.getLocked("layercache.Weights", i)
}

// Acquire is Weights plus a pin: the layer is not evicted until Release.
func (c *Cache) Acquire(i types.LayerIndex) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, err := c.getLocked("layercache.Acquire", i)
	if err != nil {
		return nil, err
	}
	c.layers[i].pins++
	return b, nil
}

// Release drops one pin taken by Acquire.
func (c *Cache) Release(i types.LayerIndex) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if uint32(i) >= c.image.LayerCount() {
		return c.rangeErr("layercache.Release", i)
	}
	e := &c.layers[i]
	if e.pins == 0 {
		return errs.Layer("layercache.Release", errs.InvalidArgument, uint32(i), fmt.Errorf("layer is not pinned"))
	}
	e.pins--
	return nil
}

// ReleaseWeights drops the resident copy of layer i. Releasing a layer that
// is not resident is a no-op.
func (c *Cache) ReleaseWeights(i types.LayerIndex) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkOpen("layercache.ReleaseWeights"); err != nil {
		return err
	}
	if uint32(i) >= c.image.LayerCount() {
		return c.rangeErr("layercache.ReleaseWeights", i)
	}
	e := &c.layers[i]
	if !e.resident() {
		return nil
	}
	if e.pins > 0 {
		return errs.Layer("layercache.ReleaseWeights", errs.InvalidArgument, uint32(i), fmt.Errorf("layer is pinned"))
	}
	c.dropLocked(i)
	return nil
}

// Prefetch loads layer i if it fits without displacing pinned entries or
// entries scored at least as high. It also moves the background cursor past i.
func (c *Cache) Prefetch(i types.LayerIndex) error {
	c.mu.Lock()
	err := c.prefetchLocked(i)
	c.mu.Unlock()
	if err == nil || errs.IsCapacityExceeded(err) {
		select {
		case c.hint <- i + 1:
		default:
		}
	}
	return err
}

// IsResident reports whether layer i is currently held in memory.
func (c *Cache) IsResident(i types.LayerIndex) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return uint32(i) < c.image.LayerCount() && c.layers[i].resident()
}

// MemoryUsage returns the bytes charged to resident layers.
func (c *Cache) MemoryUsage() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.used
}

// SetPriority sets the eviction priority of layer i. Higher survives longer.
func (c *Cache) SetPriority(i types.LayerIndex, p float32) error {
	if math.IsNaN(float64(p)) || p < 0 {
		return errs.Layer("layercache.SetPriority", errs.InvalidArgument, uint32(i), fmt.Errorf("priority %v", p))
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if uint32(i) >= c.image.LayerCount() {
		return c.rangeErr("layercache.SetPriority", i)
	}
	c.layers[i].priority = p
	return nil
}

// ResetPriorities restores every layer to the default priority.
func (c *Cache) ResetPriorities() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.layers {
		c.layers[i].priority = defaultPriority
	}
}

// Stats returns a snapshot of the cache counters.
func (c *Cache) Stats() types.CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	resident := 0
	for i := range c.layers {
		if c.layers[i].resident() {
			resident++
		}
	}
	return types.CacheStats{
		LayerCount:    c.image.LayerCount(),
		Resident:      resident,
		UsedBytes:     c.used,
		CapacityBytes: c.cfg.MaxCacheSize,
		Hits:          c.stats.hits,
		Misses:        c.stats.misses,
		Evictions:     c.stats.evictions,
		Prefetched:    c.stats.prefetched,
		BytesRead:     c.stats.bytesRead,
		Mapped:        c.src.mapped != nil,
	}
}

// Close stops the prefetch worker, drops every entry and unmaps the image.
// Close is idempotent.
func (c *Cache) Close() error {
	if c.cancel != nil {
		c.cancel()
		_ = c.workers.Wait()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	for i := range c.layers {
		c.layers[i].data = nil
	}
	c.used = 0
	return c.src.Close()
}

func (c *Cache) getLocked(op string, i types.LayerIndex) ([]byte, error) {
	if err := c.checkOpen(op); err != nil {
		return nil, err
	}
	if uint32(i) >= c.image.LayerCount() {
		return nil, c.rangeErr(op, i)
	}
	e := &c.layers[i]
	if e.resident() {
		c.stats.hits++
		c.touchLocked(e)
		return e.data, nil
	}
	c.stats.misses++
	if err := c.loadLocked(op, i, false); err != nil {
		return nil, err
	}
	c.touchLocked(e)
	return e.data, nil
}

func (c *Cache) prefetchLocked(i types.LayerIndex) error {
	const op = "layercache.Prefetch"
	if err := c.checkOpen(op); err != nil {
		return err
	}
	if uint32(i) >= c.image.LayerCount() {
		return c.rangeErr(op, i)
	}
	if c.layers[i].resident() {
		return nil
	}
	if err := c.loadLocked(op, i, true); err != nil {
		return err
	}
	c.stats.prefetched++
	return nil
}

// loadLocked reads layer i into memory, evicting as needed. With
// prefetch set, only entries scoring strictly below the incoming layer are
// eligible victims.
func (c *Cache) loadLocked(op string, i types.LayerIndex, prefetch bool) error {
	d := c.image.Layers[i]
	charge := d.ByteSize
	if charge < c.cfg.MinLayerCacheSize {
		charge = c.cfg.MinLayerCacheSize
	}
	if charge > c.cfg.MaxCacheSize {
		return errs.Layer(op, errs.CapacityExceeded, uint32(i),
			fmt.Errorf("layer needs %d bytes, cache holds %d", charge, c.cfg.MaxCacheSize))
	}
	limit := math.Inf(1)
	if prefetch {
		limit = c.scoreLocked(&c.layers[i], c.now())
	}
	if err := c.makeRoomLocked(op, charge, i, limit); err != nil {
		return err
	}
	data, err := c.src.read(d)
	if err != nil {
		return err
	}
	e := &c.layers[i]
	e.data = data
	e.charge = charge
	c.used += charge
	c.stats.bytesRead += d.ByteSize
	c.log.Debug().Uint32("layer", uint32(i)).Uint64("bytes", d.ByteSize).Bool("prefetch", prefetch).Msg("layer loaded")
	return nil
}

type victim struct {
	idx   types.LayerIndex
	score float64
}

// makeRoomLocked evicts the lowest-scored unpinned entries until need bytes
// fit. Nothing is evicted unless enough room can be made.
func (c *Cache) makeRoomLocked(op string, need uint64, loading types.LayerIndex, limit float64) error {
	if c.used+need <= c.cfg.MaxCacheSize {
		return nil
	}
	now := c.now()
	h := binaryheap.NewWith(func(a, b victim) int {
		switch {
		case a.score < b.score:
			return -1
		case a.score > b.score:
			return 1
		}
		return int(a.idx) - int(b.idx)
	})
	for j := range c.layers {
		e := &c.layers[j]
		if !e.resident() || e.pins > 0 || types.LayerIndex(j) == loading {
			continue
		}
		if s := c.scoreLocked(e, now); s < limit {
			h.Push(victim{idx: types.LayerIndex(j), score: s})
		}
	}
	var chosen []types.LayerIndex
	freed := uint64(0)
	for c.used-freed+need > c.cfg.MaxCacheSize {
		v, ok := h.Pop()
		if !ok {
			return errs.Layer(op, errs.CapacityExceeded, uint32(loading),
				fmt.Errorf("no evictable layers free %d bytes (used %d of %d)", need, c.used, c.cfg.MaxCacheSize))
		}
		chosen = append(chosen, v.idx)
		freed += c.layers[v.idx].charge
	}
	for _, j := range chosen {
		c.dropLocked(j)
		c.stats.evictions++
		c.log.Debug().Uint32("layer", uint32(j)).Uint32("for", uint32(loading)).Msg("layer evicted")
		if c.cfg.OnEvict != nil {
			c.cfg.OnEvict(j, c.image.Layers[j].ByteSize)
		}
	}
	return nil
}

func (c *Cache) dropLocked(i types.LayerIndex) {
	e := &c.layers[i]
	c.used -= e.charge
	e.data = nil
	e.charge = 0
}

func (c *Cache) touchLocked(e *entry) {
	e.lastAccess = c.now()
	e.accessCount++
	if c.cfg.AdaptiveCaching && e.accessCount%adaptiveEvery == 0 && e.priority < maxAdaptivePriority {
		e.priority += adaptiveStep
		if e.priority > maxAdaptivePriority {
			e.priority = maxAdaptivePriority
		}
	}
}

// scoreLocked blends priority, recency 1/(1+age_s) and saturating
// frequency min(count/100, 1) using the configured weights.
func (c *Cache) scoreLocked(e *entry, now time.Time) float64 {
	return score(c.cfg.Weights, e.priority, e.lastAccess, e.accessCount, now)
}

func score(w ScoreWeights, priority float32, last time.Time, count uint64, now time.Time) float64 {
	recency := 0.0
	if !last.IsZero() {
		ageMs := float64(now.Sub(last)) / float64(time.Millisecond)
		if ageMs < 0 {
			ageMs = 0
		}
		recency = 1 / (1 + ageMs/1000)
	}
	freq := float64(count) / frequencySaturation
	if freq > 1 {
		freq = 1
	}
	return w.Priority*float64(priority) + w.Recency*recency + w.Frequency*freq
}

func (c *Cache) checkOpen(op string) error {
	if c.closed {
		return errs.New(op, errs.Closed, "cache is closed")
	}
	return nil
}

func (c *Cache) rangeErr(op string, i types.LayerIndex) error {
	return errs.Layer(op, errs.InvalidArgument, uint32(i),
		fmt.Errorf("index out of range (layers: %d)", c.image.LayerCount()))
}
