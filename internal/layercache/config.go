package layercache

import (
	"time"

	"github.com/rs/zerolog"

	"layerstream/pkg/types"
)

// Defaults applied when corresponding Config fields are unset.
const (
	defaultMaxCacheSize      = 256 << 20
	defaultMinLayerCacheSize = 4 << 10
	defaultPrefetchInterval  = 10 * time.Millisecond

	defaultPriority     float32 = 1.0
	maxAdaptivePriority float32 = 2.0
	adaptiveStep        float32 = 0.1
	adaptiveEvery               = 10
	frequencySaturation         = 100
)

// ScoreWeights combine the eviction score terms. Lowest score is evicted first.
type ScoreWeights struct {
	Priority  float64 `json:"priority" yaml:"priority" toml:"priority"`
	Recency   float64 `json:"recency" yaml:"recency" toml:"recency"`
	Frequency float64 `json:"frequency" yaml:"frequency" toml:"frequency"`
}

// DefaultScoreWeights returns 0.6 priority, 0.3 recency, 0.1 frequency.
func DefaultScoreWeights() ScoreWeights {
	return ScoreWeights{Priority: 0.6, Recency: 0.3, Frequency: 0.1}
}

func (w ScoreWeights) zero() bool { return w == ScoreWeights{} }

// Config tunes a Cache. Zero numeric fields are replaced by defaults;
// booleans are taken as given, so start from DefaultConfig.
type Config struct {
	// MaxCacheSize bounds the bytes charged to resident layers.
	MaxCacheSize uint64
	// PrefetchEnabled starts the background prefetch worker.
	PrefetchEnabled bool
	// PrefetchThreadCount is accepted for compatibility; one worker runs.
	PrefetchThreadCount int
	// PrefetchInterval is the pause between worker iterations.
	PrefetchInterval time.Duration
	// AdaptiveCaching raises the priority of frequently hit layers.
	AdaptiveCaching bool
	// MinLayerCacheSize is the minimum charge per resident entry. Zero
	// charges the exact layer size.
	MinLayerCacheSize uint64
	// MaxLayers bounds the image table of contents.
	MaxLayers int
	// DisableMmap forces ReadAt loading.
	DisableMmap bool
	Weights     ScoreWeights

	// OnEvict, if set, is called with the cache lock held each time a
	// layer is evicted. It must not call back into the Cache.
	OnEvict func(layer types.LayerIndex, bytes uint64)

	Logger *zerolog.Logger
}

// DefaultConfig mirrors the stock tuning: 256 MiB, prefetch on with one
// worker, adaptive caching on, 4 KiB minimum entry.
func DefaultConfig() Config {
	return Config{
		MaxCacheSize:        defaultMaxCacheSize,
		PrefetchEnabled:     true,
		PrefetchThreadCount: 1,
		PrefetchInterval:    defaultPrefetchInterval,
		AdaptiveCaching:     true,
		MinLayerCacheSize:   defaultMinLayerCacheSize,
		Weights:             DefaultScoreWeights(),
	}
}

func (c Config) withDefaults() Config {
	if c.MaxCacheSize == 0 {
		c.MaxCacheSize = defaultMaxCacheSize
	}
	if c.PrefetchThreadCount != 1 {
		c.PrefetchThreadCount = 1
	}
	if c.PrefetchInterval <= 0 {
		c.PrefetchInterval = defaultPrefetchInterval
	}
	if c.Weights.zero() {
		c.Weights = DefaultScoreWeights()
	}
	if c.Logger == nil {
		nop := zerolog.Nop()
		c.Logger = &nop
	}
	return c
}
