// Package session ties one opened model image to its layer cache, its
// progressive loader and the schedulers that run passes over it. Sessions
// hold all mutable state; nothing is shared between two sessions except the
// read-only image file.
package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"layerstream/internal/errs"
	"layerstream/internal/layercache"
	"layerstream/internal/loader"
	"layerstream/internal/metrics"
	"layerstream/internal/scheduler"
	"layerstream/pkg/types"
)

// State is the lifecycle state of a session.
type State string

const (
	StateOpen   State = "open"
	StateClosed State = "closed"
)

// Config configures the cache and loader of a session. Hook functions set
// in Cache.OnEvict or Loader.OnStateChange still run; the session chains
// its event publishing after them.
type Config struct {
	Cache  layercache.Config
	Loader loader.Config
	// Scheduler is the default for NewScheduler.
	Scheduler scheduler.Config
	// DependencyChain makes every layer depend on the one before it.
	DependencyChain bool
	Publisher       EventPublisher
	Logger          *zerolog.Logger
}

// DefaultConfig returns the cache, loader and scheduler defaults.
func DefaultConfig() Config {
	return Config{
		Cache:     layercache.DefaultConfig(),
		Loader:    loader.DefaultConfig(),
		Scheduler: scheduler.DefaultConfig(),
	}
}

// Session is one opened model image.
type Session struct {
	id     string
	path   string
	opened time.Time
	cfg    Config
	log    zerolog.Logger
	pub    EventPublisher
	cache  *layercache.Cache
	loader *loader.Loader
	model  types.Model

	mu         sync.Mutex
	state      State
	lastErr    string
	schedulers []*scheduler.Scheduler
}

// Open opens the image at path and builds its cache and loader.
func Open(path string, cfg Config) (*Session, error) {
	s := &Session{
		id:     uuid.NewString(),
		path:   path,
		opened: time.Now(),
		cfg:    cfg,
		pub:    cfg.Publisher,
		state:  StateOpen,
	}
	if s.pub == nil {
		s.pub = noopPublisher{}
	}
	base := zerolog.Nop()
	if cfg.Logger != nil {
		base = *cfg.Logger
	}
	s.log = base.With().Str("session", s.id).Logger()

	ccfg := cfg.Cache
	ccfg.Logger = &s.log
	userEvict := ccfg.OnEvict
	ccfg.OnEvict = func(i types.LayerIndex, n uint64) {
		if userEvict != nil {
			userEvict(i, n)
		}
		s.publish(EventLayerEvicted, map[string]any{"layer": uint32(i), "bytes": n})
	}
	cache, err := layercache.Open(path, ccfg)
	if err != nil {
		return nil, fmt.Errorf("open session %s: %w", path, err)
	}

	lcfg := cfg.Loader
	lcfg.Logger = &s.log
	userState := lcfg.OnStateChange
	lcfg.OnStateChange = func(i types.LayerIndex, from, to types.LayerState) {
		if userState != nil {
			userState(i, from, to)
		}
		s.stateChanged(i, from, to)
	}
	ld, err := loader.New(cache, lcfg)
	if err != nil {
		_ = cache.Close()
		return nil, fmt.Errorf("open session %s: %w", path, err)
	}
	s.cache, s.loader = cache, ld

	var size int64
	if fi, err := os.Stat(path); err == nil {
		size = fi.Size()
	}
	s.model = types.Model{
		ID:         filepath.Base(path),
		Name:       cache.ModelName(),
		Path:       path,
		Version:    cache.ImageVersion(),
		LayerCount: cache.LayerCount(),
		SizeBytes:  size,
	}
	if cfg.DependencyChain {
		if err := s.DependencyChain(); err != nil {
			_ = cache.Close()
			return nil, err
		}
	}
	s.log.Info().Str("path", path).Str("model", s.model.Name).Uint32("layers", s.model.LayerCount).Msg("session opened")
	s.publish(EventOpen, map[string]any{"path": path, "layers": s.model.LayerCount})
	return s, nil
}

func (s *Session) ID() string { return s.id }
func (s *Session) Path() string { return s.path }
func (s *Session) Model() types.Model { return s.model }
func (s *Session) Cache() *layercache.Cache { return s.cache }
func (s *Session) Loader() *loader.Loader { return s.loader }
func (s *Session) Logger() *zerolog.Logger { return &s.log }
func (s *Session) OpenedAt() time.Time { return s.opened }
func (s *Session) Publisher() EventPublisher { return s.pub }

// NewScheduler returns a scheduler that draws weights through the session
// loader. A zero cfg uses the session's scheduler defaults.
func (s *Session) NewScheduler(cfg *scheduler.Config) *scheduler.Scheduler {
	c := s.cfg.Scheduler
	if cfg != nil {
		c = *cfg
	}
	if c.Logger == nil {
		c.Logger = &s.log
	}
	sc := scheduler.New(s.loader, c)
	s.mu.Lock()
	s.schedulers = append(s.schedulers, sc)
	s.mu.Unlock()
	return sc
}

// Prepare prepares sc and publishes prepare_failed when the plan is
// rejected.
func (s *Session) Prepare(sc *scheduler.Scheduler) error {
	if err := sc.Prepare(); err != nil {
		s.fail(EventPrepareFailed, err)
		return err
	}
	return nil
}

// Execute runs a full pass of sc and publishes the outcome.
func (s *Session) Execute(ctx context.Context, sc *scheduler.Scheduler, input, output []byte) error {
	if s.closed() {
		return errs.New("session.Execute", errs.Closed, "session closed")
	}
	if sc.Order() == nil {
		if err := s.Prepare(sc); err != nil {
			return err
		}
	}
	start := time.Now()
	if err := sc.ExecuteAll(ctx, input, output); err != nil {
		s.fail(EventPassFailed, err)
		return err
	}
	st := sc.Stats()
	s.publish(EventPassDone, map[string]any{
		"nodes":          st.Nodes,
		"elapsed_ms":     time.Since(start).Milliseconds(),
		"recomputations": st.Recomputations,
	})
	return nil
}

// DependencyChain makes every layer i > 0 depend on layer i-1 in the loader.
func (s *Session) DependencyChain() error {
	for i := uint32(1); i < s.loader.LayerCount(); i++ {
		if err := s.loader.AddDependency(types.LayerIndex(i), types.LayerIndex(i-1)); err != nil {
			return err
		}
	}
	return nil
}

// ApplySchedulerDependencies mirrors sc's skip edges (residual, attention
// and added edges) between weighted nodes into the loader, so a skipped-to
// layer stays loaded while its consumer is. Chain edges are left out so
// earlier layers of a sequential pass can still be unloaded. Edges between
// nodes of the same layer are skipped.
func (s *Session) ApplySchedulerDependencies(sc *scheduler.Scheduler) error {
	var errList []error
	for id := scheduler.NodeID(0); int(id) < sc.Len(); id++ {
		layer, ok := sc.Layer(id)
		if !ok {
			continue
		}
		for _, d := range sc.SkipDependencies(id) {
			dep, ok := sc.Layer(d)
			if !ok || dep == layer {
				continue
			}
			if err := s.loader.AddDependency(layer, dep); err != nil {
				errList = append(errList, err)
			}
		}
	}
	return errors.Join(errList...)
}

// Status returns a snapshot of the session and its components.
func (s *Session) Status() types.SessionStatus {
	s.mu.Lock()
	scheds := append([]*scheduler.Scheduler(nil), s.schedulers...)
	st := types.SessionStatus{
		ID:        s.id,
		Path:      s.path,
		Model:     s.model.Name,
		State:     string(s.state),
		LastError: s.lastErr,
	}
	s.mu.Unlock()
	st.Cache = s.cache.Stats()
	st.Loader = s.loader.Stats()
	for _, sc := range scheds {
		st.Schedulers = append(st.Schedulers, sc.Stats())
	}
	return st
}

// Collector exports this session's statistics to Prometheus.
func (s *Session) Collector() prometheus.Collector {
	return metrics.NewCollector(func() []types.SessionStatus {
		return []types.SessionStatus{s.Status()}
	})
}

// Close unloads every layer, stops the prefetch worker and releases the
// image. It is safe to call more than once.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return nil
	}
	s.state = StateClosed
	scheds := s.schedulers
	s.schedulers = nil
	s.mu.Unlock()

	for _, sc := range scheds {
		sc.Reset()
	}
	err := errors.Join(s.loader.ClearAll(), s.cache.Close())
	s.log.Info().Msg("session closed")
	s.publish(EventClose, nil)
	return err
}

func (s *Session) closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateClosed
}

func (s *Session) stateChanged(i types.LayerIndex, from, to types.LayerState) {
	switch {
	case to == types.LayerLoaded:
		s.publish(EventLayerLoaded, map[string]any{"layer": uint32(i)})
	case to == types.LayerError:
		s.publish(EventLayerFailed, map[string]any{"layer": uint32(i)})
	case to == types.LayerUnloaded && from == types.LayerUnloading:
		s.publish(EventLayerUnloaded, map[string]any{"layer": uint32(i)})
	}
}

func (s *Session) fail(name string, err error) {
	s.mu.Lock()
	s.lastErr = err.Error()
	s.mu.Unlock()
	s.log.Warn().Err(err).Str("event", name).Msg("session operation failed")
	s.publish(name, map[string]any{"error": err.Error()})
}

func (s *Session) publish(name string, fields map[string]any) {
	s.pub.Publish(Event{Name: name, SessionID: s.id, Fields: fields})
}
