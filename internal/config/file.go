// Package config decodes layerstream configuration files and turns them
// into session settings.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	json "github.com/goccy/go-json"

	"layerstream/internal/layercache"
	"layerstream/internal/loader"
	"layerstream/internal/scheduler"
	"layerstream/internal/session"
)

// Size is a byte count. It decodes from a plain integer or a human string
// such as "256MiB" or "1 GB".
type Size uint64

func (s *Size) UnmarshalText(b []byte) error {
	n, err := humanize.ParseBytes(strings.TrimSpace(string(b)))
	if err != nil {
		return fmt.Errorf("size %q: %w", b, err)
	}
	*s = Size(n)
	return nil
}

func (s *Size) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var str string
		if err := json.Unmarshal(b, &str); err != nil {
			return err
		}
		b = []byte(str)
	}
	return s.UnmarshalText(b)
}

func (s Size) String() string { return humanize.IBytes(uint64(s)) }

// File is the on-disk configuration.
// Zero values mean "unspecified" and are replaced by ApplyDefaults.
type File struct {
	LogLevel    string `json:"log_level" yaml:"log_level" toml:"log_level"`
	LogFormat   string `json:"log_format" yaml:"log_format" toml:"log_format"`
	MetricsAddr string `json:"metrics_addr" yaml:"metrics_addr" toml:"metrics_addr"`
	ModelsDir   string `json:"models_dir" yaml:"models_dir" toml:"models_dir"`

	Cache     CacheSection     `json:"cache" yaml:"cache" toml:"cache"`
	Loader    LoaderSection    `json:"loader" yaml:"loader" toml:"loader"`
	Scheduler SchedulerSection `json:"scheduler" yaml:"scheduler" toml:"scheduler"`
}

type CacheSection struct {
	MaxSize          Size                     `json:"max_size" yaml:"max_size" toml:"max_size"`
	Prefetch         *bool                    `json:"prefetch" yaml:"prefetch" toml:"prefetch"`
	PrefetchInterval string                   `json:"prefetch_interval" yaml:"prefetch_interval" toml:"prefetch_interval"`
	Adaptive         *bool                    `json:"adaptive" yaml:"adaptive" toml:"adaptive"`
	MinLayerSize     *Size                    `json:"min_layer_size" yaml:"min_layer_size" toml:"min_layer_size"`
	MaxLayers        int                      `json:"max_layers" yaml:"max_layers" toml:"max_layers"`
	DisableMmap      bool                     `json:"disable_mmap" yaml:"disable_mmap" toml:"disable_mmap"`
	Weights          *layercache.ScoreWeights `json:"weights" yaml:"weights" toml:"weights"`
}

type LoaderSection struct {
	MemoryBudget       Size     `json:"memory_budget" yaml:"memory_budget" toml:"memory_budget"`
	Unloading          *bool    `json:"unloading" yaml:"unloading" toml:"unloading"`
	Strategy           string   `json:"strategy" yaml:"strategy" toml:"strategy"`
	PrefetchThreshold  *float64 `json:"prefetch_threshold" yaml:"prefetch_threshold" toml:"prefetch_threshold"`
	MaxPrefetchLayers  *int     `json:"max_prefetch_layers" yaml:"max_prefetch_layers" toml:"max_prefetch_layers"`
	DependencyTracking *bool    `json:"dependency_tracking" yaml:"dependency_tracking" toml:"dependency_tracking"`
	CacheAlignment     *Size    `json:"cache_alignment" yaml:"cache_alignment" toml:"cache_alignment"`
	HistorySize        int      `json:"history_size" yaml:"history_size" toml:"history_size"`
	MinPatternSamples  int      `json:"min_pattern_samples" yaml:"min_pattern_samples" toml:"min_pattern_samples"`
	// DependencyChain makes every layer depend on the previous one.
	DependencyChain bool `json:"dependency_chain" yaml:"dependency_chain" toml:"dependency_chain"`
}

type SchedulerSection struct {
	MemoryStrategy       string  `json:"memory_strategy" yaml:"memory_strategy" toml:"memory_strategy"`
	CheckpointPolicy     string  `json:"checkpoint_policy" yaml:"checkpoint_policy" toml:"checkpoint_policy"`
	MaxMemory            Size    `json:"max_memory" yaml:"max_memory" toml:"max_memory"`
	WorkspaceSize        *Size   `json:"workspace_size" yaml:"workspace_size" toml:"workspace_size"`
	InPlace              *bool   `json:"in_place" yaml:"in_place" toml:"in_place"`
	OptimizeOverlap      *bool   `json:"optimize_overlap" yaml:"optimize_overlap" toml:"optimize_overlap"`
	CheckpointOverhead   float64 `json:"checkpoint_overhead" yaml:"checkpoint_overhead" toml:"checkpoint_overhead"`
	LargeOutputThreshold Size    `json:"large_output_threshold" yaml:"large_output_threshold" toml:"large_output_threshold"`
}

// ApplyDefaults fills every unspecified field with the component default.
func (f *File) ApplyDefaults() {
	if f.LogLevel == "" {
		f.LogLevel = "info"
	}
	if f.LogFormat == "" {
		f.LogFormat = "console"
	}

	cd := layercache.DefaultConfig()
	if f.Cache.MaxSize == 0 {
		f.Cache.MaxSize = Size(cd.MaxCacheSize)
	}
	f.Cache.Prefetch = orDefault(f.Cache.Prefetch, cd.PrefetchEnabled)
	if f.Cache.PrefetchInterval == "" {
		f.Cache.PrefetchInterval = cd.PrefetchInterval.String()
	}
	f.Cache.Adaptive = orDefault(f.Cache.Adaptive, cd.AdaptiveCaching)
	f.Cache.MinLayerSize = orDefault(f.Cache.MinLayerSize, Size(cd.MinLayerCacheSize))
	f.Cache.Weights = orDefault(f.Cache.Weights, cd.Weights)

	ld := loader.DefaultConfig()
	if f.Loader.MemoryBudget == 0 {
		f.Loader.MemoryBudget = Size(ld.MaxMemoryBudget)
	}
	f.Loader.Unloading = orDefault(f.Loader.Unloading, ld.EnableLayerUnloading)
	if f.Loader.Strategy == "" {
		f.Loader.Strategy = ld.PriorityStrategy.String()
	}
	f.Loader.PrefetchThreshold = orDefault(f.Loader.PrefetchThreshold, ld.PrefetchThreshold)
	f.Loader.MaxPrefetchLayers = orDefault(f.Loader.MaxPrefetchLayers, ld.MaxPrefetchLayers)
	f.Loader.DependencyTracking = orDefault(f.Loader.DependencyTracking, ld.EnableDependencyTracking)
	f.Loader.CacheAlignment = orDefault(f.Loader.CacheAlignment, Size(ld.CacheAlignment))
	if f.Loader.HistorySize == 0 {
		f.Loader.HistorySize = ld.HistorySize
	}
	if f.Loader.MinPatternSamples == 0 {
		f.Loader.MinPatternSamples = ld.MinPatternSamples
	}

	sd := scheduler.DefaultConfig()
	if f.Scheduler.MemoryStrategy == "" {
		f.Scheduler.MemoryStrategy = sd.MemoryStrategy.String()
	}
	if f.Scheduler.CheckpointPolicy == "" {
		f.Scheduler.CheckpointPolicy = sd.CheckpointPolicy.String()
	}
	f.Scheduler.WorkspaceSize = orDefault(f.Scheduler.WorkspaceSize, Size(sd.PreferredWorkspaceSize))
	f.Scheduler.InPlace = orDefault(f.Scheduler.InPlace, sd.AllowInPlace)
	f.Scheduler.OptimizeOverlap = orDefault(f.Scheduler.OptimizeOverlap, sd.OptimizeOverlap)
	if f.Scheduler.CheckpointOverhead == 0 {
		f.Scheduler.CheckpointOverhead = sd.CheckpointOverhead
	}
	if f.Scheduler.LargeOutputThreshold == 0 {
		f.Scheduler.LargeOutputThreshold = Size(sd.LargeOutputThreshold)
	}
}

// SessionConfig converts f, with defaults applied, into session settings.
// Hooks, publisher and logger are left for the caller.
func (f File) SessionConfig() (session.Config, error) {
	f.ApplyDefaults()
	cfg := session.DefaultConfig()

	interval, err := time.ParseDuration(f.Cache.PrefetchInterval)
	if err != nil {
		return cfg, fmt.Errorf("cache.prefetch_interval: %w", err)
	}
	cfg.Cache.MaxCacheSize = uint64(f.Cache.MaxSize)
	cfg.Cache.PrefetchEnabled = *f.Cache.Prefetch
	cfg.Cache.PrefetchInterval = interval
	cfg.Cache.AdaptiveCaching = *f.Cache.Adaptive
	cfg.Cache.MinLayerCacheSize = uint64(*f.Cache.MinLayerSize)
	cfg.Cache.MaxLayers = f.Cache.MaxLayers
	cfg.Cache.DisableMmap = f.Cache.DisableMmap
	cfg.Cache.Weights = *f.Cache.Weights

	strategy, err := loader.ParseStrategy(f.Loader.Strategy)
	if err != nil {
		return cfg, fmt.Errorf("loader.strategy: %w", err)
	}
	if t := *f.Loader.PrefetchThreshold; t < 0 || t > 1 {
		return cfg, fmt.Errorf("loader.prefetch_threshold: %v is outside [0, 1]", t)
	}
	cfg.Loader.MaxMemoryBudget = uint64(f.Loader.MemoryBudget)
	cfg.Loader.EnableLayerUnloading = *f.Loader.Unloading
	cfg.Loader.PriorityStrategy = strategy
	cfg.Loader.PrefetchThreshold = *f.Loader.PrefetchThreshold
	cfg.Loader.MaxPrefetchLayers = *f.Loader.MaxPrefetchLayers
	cfg.Loader.EnableDependencyTracking = *f.Loader.DependencyTracking
	cfg.Loader.CacheAlignment = uint64(*f.Loader.CacheAlignment)
	cfg.Loader.HistorySize = f.Loader.HistorySize
	cfg.Loader.MinPatternSamples = f.Loader.MinPatternSamples
	cfg.DependencyChain = f.Loader.DependencyChain

	ms, err := scheduler.ParseMemoryStrategy(f.Scheduler.MemoryStrategy)
	if err != nil {
		return cfg, fmt.Errorf("scheduler.memory_strategy: %w", err)
	}
	cp, err := scheduler.ParseCheckpointPolicy(f.Scheduler.CheckpointPolicy)
	if err != nil {
		return cfg, fmt.Errorf("scheduler.checkpoint_policy: %w", err)
	}
	cfg.Scheduler.MemoryStrategy = ms
	cfg.Scheduler.CheckpointPolicy = cp
	cfg.Scheduler.MaxMemory = uint64(f.Scheduler.MaxMemory)
	cfg.Scheduler.PreferredWorkspaceSize = uint64(*f.Scheduler.WorkspaceSize)
	cfg.Scheduler.AllowInPlace = *f.Scheduler.InPlace
	cfg.Scheduler.OptimizeOverlap = *f.Scheduler.OptimizeOverlap
	cfg.Scheduler.CheckpointOverhead = f.Scheduler.CheckpointOverhead
	cfg.Scheduler.LargeOutputThreshold = uint64(f.Scheduler.LargeOutputThreshold)
	return cfg, nil
}

func orDefault[T any](p *T, def T) *T {
	if p != nil {
		return p
	}
	return &def
}
