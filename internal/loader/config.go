package loader

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"layerstream/pkg/types"
)

// Strategy selects the victim when a load would exceed the memory budget.
type Strategy uint8

const (
	// StrategyLRU unloads the layer with the oldest access.
	StrategyLRU Strategy = iota
	// StrategyMFU unloads the least frequently accessed layer.
	StrategyMFU
	// StrategyFIFO unloads the layer loaded earliest.
	StrategyFIFO
	// StrategyCustom unloads the layer with the lowest custom priority.
	StrategyCustom
)

func (s Strategy) String() string {
	switch s {
	case StrategyMFU:
		return "mfu"
	case StrategyFIFO:
		return "fifo"
	case StrategyCustom:
		return "custom"
	default:
		return "lru"
	}
}

// ParseStrategy accepts lru, mfu, fifo or custom (case-insensitive).
func ParseStrategy(s string) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "lru":
		return StrategyLRU, nil
	case "mfu":
		return StrategyMFU, nil
	case "fifo":
		return StrategyFIFO, nil
	case "custom":
		return StrategyCustom, nil
	}
	return StrategyLRU, fmt.Errorf("unknown priority strategy %q", s)
}

const (
	defaultMemoryBudget      = 1 << 30
	defaultPrefetchThreshold = 0.7
	defaultMaxPrefetch       = 2
	defaultCacheAlignment    = 64
	defaultHistorySize       = 100
	defaultMinPatternSamples = 10

	sequentialRatio = 0.6
	repeatedRatio   = 0.4
)

// Config tunes a Loader. Use DefaultConfig as the starting point. A zero
// budget, history size or sample threshold falls back to the default; zero
// PrefetchThreshold or MaxPrefetchLayers disables prefetch and zero
// CacheAlignment charges exact layer sizes.
type Config struct {
	MaxMemoryBudget          uint64
	EnableLayerUnloading     bool
	PriorityStrategy         Strategy
	PrefetchThreshold        float64
	MaxPrefetchLayers        int
	EnableDependencyTracking bool
	CacheAlignment           uint64

	// HistorySize is the number of accesses kept for pattern detection.
	HistorySize int
	// MinPatternSamples is the history length below which the usage
	// pattern is reported as unknown.
	MinPatternSamples int

	// OnStateChange, if set, is called with the loader lock held after each
	// layer state transition. It must not call back into the Loader.
	OnStateChange func(layer types.LayerIndex, from, to types.LayerState)

	Logger *zerolog.Logger
}

// DefaultConfig returns a 1 GiB budget, unloading on, LRU, prefetch
// threshold 0.7 with up to two layers, dependency tracking on and 64-byte
// accounting alignment.
func DefaultConfig() Config {
	return Config{
		MaxMemoryBudget:          defaultMemoryBudget,
		EnableLayerUnloading:     true,
		PriorityStrategy:         StrategyLRU,
		PrefetchThreshold:        defaultPrefetchThreshold,
		MaxPrefetchLayers:        defaultMaxPrefetch,
		EnableDependencyTracking: true,
		CacheAlignment:           defaultCacheAlignment,
		HistorySize:              defaultHistorySize,
		MinPatternSamples:        defaultMinPatternSamples,
	}
}

func (c Config) withDefaults() Config {
	if c.MaxMemoryBudget == 0 {
		c.MaxMemoryBudget = defaultMemoryBudget
	}
	if c.CacheAlignment == 0 {
		c.CacheAlignment = 1
	}
	if c.HistorySize <= 0 {
		c.HistorySize = defaultHistorySize
	}
	if c.MinPatternSamples <= 0 {
		c.MinPatternSamples = defaultMinPatternSamples
	}
	if c.MinPatternSamples < 2 {
		c.MinPatternSamples = 2
	}
	if c.Logger == nil {
		nop := zerolog.Nop()
		c.Logger = &nop
	}
	return c
}
