package config

import (
	"os"
	"path/filepath"
	"testing"

	"layerstream/internal/loader"
	"layerstream/internal/scheduler"
)

func writeTempFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return p
}

func TestLoadYAML(t *testing.T) {
	d := t.TempDir()
	p := writeTempFile(t, d, "cfg.yaml", `log_level: debug
metrics_addr: :9999
cache:
  max_size: 64MiB
  prefetch: false
  min_layer_size: 0
loader:
  memory_budget: 512MiB
  strategy: mfu
  prefetch_threshold: 0.5
scheduler:
  memory_strategy: min-memory
  checkpoint_policy: all
  max_memory: 1GB
`)
	f, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if f.LogLevel != "debug" || f.MetricsAddr != ":9999" || f.Cache.MaxSize != 64<<20 || f.Cache.Prefetch == nil || *f.Cache.Prefetch {
		t.Fatalf("unexpected file: %+v", f)
	}
	if f.Cache.MinLayerSize == nil || *f.Cache.MinLayerSize != 0 {
		t.Fatalf("explicit zero min_layer_size lost: %v", f.Cache.MinLayerSize)
	}
	if f.Loader.MemoryBudget != 512<<20 || f.Loader.Strategy != "mfu" || *f.Loader.PrefetchThreshold != 0.5 {
		t.Fatalf("unexpected loader section: %+v", f.Loader)
	}
	if f.Scheduler.MaxMemory != 1000000000 {
		t.Fatalf("max_memory = %d", f.Scheduler.MaxMemory)
	}
}

func TestLoadJSON(t *testing.T) {
	d := t.TempDir()
	p := writeTempFile(t, d, "cfg.json", `{"log_format":"json","cache":{"max_size":1048576,"weights":{"priority":1,"recency":0,"frequency":0}},"loader":{"memory_budget":"2 MiB","dependency_chain":true}}`)
	f, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if f.LogFormat != "json" || f.Cache.MaxSize != 1<<20 || f.Loader.MemoryBudget != 2<<20 || !f.Loader.DependencyChain {
		t.Fatalf("unexpected file: %+v", f)
	}
	if f.Cache.Weights == nil || f.Cache.Weights.Priority != 1 {
		t.Fatalf("weights = %+v", f.Cache.Weights)
	}
}

func TestLoadTOML(t *testing.T) {
	d := t.TempDir()
	p := writeTempFile(t, d, "cfg.toml", "models_dir=\"/x\"\n[cache]\nmax_size=\"8MiB\"\n[scheduler]\nworkspace_size=4096\nin_place=false\n")
	f, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if f.ModelsDir != "/x" || f.Cache.MaxSize != 8<<20 || *f.Scheduler.WorkspaceSize != 4096 || *f.Scheduler.InPlace {
		t.Fatalf("unexpected file: %+v", f)
	}
}

func TestSessionConfig(t *testing.T) {
	in := false
	f := File{
		Loader:    LoaderSection{Strategy: "fifo", DependencyChain: true},
		Scheduler: SchedulerSection{MemoryStrategy: "adaptive", MaxMemory: 1 << 20, InPlace: &in},
	}
	cfg, err := f.SessionConfig()
	if err != nil {
		t.Fatalf("session config: %v", err)
	}
	if cfg.Loader.PriorityStrategy != loader.StrategyFIFO || !cfg.DependencyChain {
		t.Fatalf("unexpected loader config: %+v", cfg.Loader)
	}
	if cfg.Scheduler.MemoryStrategy != scheduler.StrategyAdaptive || cfg.Scheduler.CheckpointPolicy != scheduler.CheckpointSelective {
		t.Fatalf("unexpected scheduler config: %+v", cfg.Scheduler)
	}
	if cfg.Scheduler.AllowInPlace || !cfg.Scheduler.OptimizeOverlap || cfg.Scheduler.MaxMemory != 1<<20 {
		t.Fatalf("unexpected scheduler config: %+v", cfg.Scheduler)
	}
	if !cfg.Cache.PrefetchEnabled || cfg.Cache.MaxCacheSize != 256<<20 || cfg.Loader.CacheAlignment != 64 {
		t.Fatalf("defaults not applied: %+v %+v", cfg.Cache, cfg.Loader)
	}
}

func TestApplyDefaultsKeepsExplicitValues(t *testing.T) {
	off := false
	f := File{LogLevel: "warn", Cache: CacheSection{Prefetch: &off}}
	f.ApplyDefaults()
	if f.LogLevel != "warn" || f.LogFormat != "console" || *f.Cache.Prefetch {
		t.Fatalf("unexpected file: %+v", f)
	}
	if f.Cache.PrefetchInterval != "10ms" || *f.Cache.MinLayerSize != 4096 {
		t.Fatalf("cache defaults: %+v", f.Cache)
	}
}
