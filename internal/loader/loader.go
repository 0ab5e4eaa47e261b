// Package loader tracks the lifecycle of individual model layers on top of
// a weight cache. It loads dependencies before dependents, refuses to unload
// a layer that a loaded layer still needs, keeps the loaded set under a
// memory budget and watches the access history to decide what to prefetch.
package loader

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/emirpasic/gods/v2/queues/circularbuffer"
	"github.com/rs/zerolog"

	"layerstream/internal/errs"
	"layerstream/pkg/types"
)

// WeightCache is the subset of the layer cache the loader drives.
// *layercache.Cache implements it.
type WeightCache interface {
	LayerCount() uint32
	Descriptor(i types.LayerIndex) (types.LayerDescriptor, error)
	Acquire(i types.LayerIndex) ([]byte, error)
	Release(i types.LayerIndex) error
	ReleaseWeights(i types.LayerIndex) error
	Prefetch(i types.LayerIndex) error
	IsResident(i types.LayerIndex) bool
}

type set map[types.LayerIndex]struct{}

func (s set) sorted() []types.LayerIndex { return slices.Sorted(maps.Keys(s)) }

type layerInfo struct {
	desc           types.LayerDescriptor
	state          types.LayerState
	deps           set
	dependents     set
	customPriority float32
	avgLoadMs      float64
	loadCount      uint64
	accessCount    uint64
	lastAccess     uint64
	loadedSeq      uint64
	charge         uint64
	weights        []byte
}

// LayerInfo is a snapshot of one layer's loader bookkeeping.
type LayerInfo struct {
	Index          types.LayerIndex   `json:"index"`
	State          string             `json:"state"`
	Dependencies   []types.LayerIndex `json:"dependencies,omitempty"`
	Dependents     []types.LayerIndex `json:"dependents,omitempty"`
	CustomPriority float32            `json:"custom_priority"`
	AvgLoadTimeMs  float64            `json:"avg_load_time_ms"`
	LoadCount      uint64             `json:"load_count"`
	AccessCount    uint64             `json:"access_count"`
	ChargedBytes   uint64             `json:"charged_bytes"`
}

type counters struct {
	loads, unloads, failures, prefetches uint64
}

// Loader is a progressive layer loader bound to one cache.
type Loader struct {
	mu      sync.Mutex
	cfg     Config
	log     zerolog.Logger
	cache   WeightCache
	layers  []layerInfo
	used    uint64
	peak    uint64
	clock   uint64
	seq     uint64
	history *circularbuffer.Queue[types.LayerIndex]
	stats   counters
}

// New builds a loader over cache. Descriptors are read once up front.
func New(cache WeightCache, cfg Config) (*Loader, error) {
	cfg = cfg.withDefaults()
	n := cache.LayerCount()
	l := &Loader{
		cfg:     cfg,
		log:     cfg.Logger.With().Str("component", "loader").Logger(),
		cache:   cache,
		layers:  make([]layerInfo, n),
		history: circularbuffer.New[types.LayerIndex](cfg.HistorySize),
	}
	for i := uint32(0); i < n; i++ {
		d, err := cache.Descriptor(types.LayerIndex(i))
		if err != nil {
			return nil, fmt.Errorf("descriptor %d: %w", i, err)
		}
		l.layers[i] = layerInfo{
			desc:       d,
			deps:       set{},
			dependents: set{},
			charge:     alignUp(d.ByteSize, cfg.CacheAlignment),
		}
	}
	return l, nil
}

// LayerCount returns the number of layers managed.
func (l *Loader) LayerCount() uint32 { return uint32(len(l.layers)) }

// LoadLayer makes layer i Loaded, loading its dependencies first and
// unloading other layers per the priority strategy if the budget requires.
// Loading an already loaded layer only records an access.
func (l *Loader) LoadLayer(i types.LayerIndex) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.checkIndex("loader.LoadLayer", i); err != nil {
		return err
	}
	return l.loadLocked("loader.LoadLayer", i, true)
}

// UnloadLayer returns layer i to Unloaded. It fails with a dependency
// violation while a dependent is still loaded. Unloading a layer that is
// not loaded succeeds without effect.
func (l *Loader) UnloadLayer(i types.LayerIndex) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	const op = "loader.UnloadLayer"
	if err := l.checkIndex(op, i); err != nil {
		return err
	}
	li := &l.layers[i]
	switch li.state {
	case types.LayerLoaded:
	case types.LayerPrefetching, types.LayerError:
		l.setState(i, types.LayerUnloaded)
		return nil
	default:
		return nil
	}
	if !l.canUnloadLocked(i) {
		return errs.Layer(op, errs.DependencyViolation, uint32(i),
			fmt.Errorf("loaded dependents %v", l.loadedDependentsLocked(i)))
	}
	return l.unloadLocked(op, i)
}

// CanUnload reports whether layer i is loaded and has no loaded or
// unloading dependents.
func (l *Loader) CanUnload(i types.LayerIndex) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if uint32(i) >= uint32(len(l.layers)) {
		return false
	}
	return l.canUnloadLocked(i)
}

// AddDependency records that dependent needs dependency loaded. Adding an
// existing edge is a no-op; an edge that would close a cycle is rejected.
func (l *Loader) AddDependency(dependent, dependency types.LayerIndex) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	const op = "loader.AddDependency"
	if err := l.checkIndex(op, dependent); err != nil {
		return err
	}
	if err := l.checkIndex(op, dependency); err != nil {
		return err
	}
	if dependent == dependency {
		return errs.Layer(op, errs.InvalidArgument, uint32(dependent), fmt.Errorf("layer cannot depend on itself"))
	}
	if _, ok := l.layers[dependent].deps[dependency]; ok {
		return nil
	}
	if l.reachableLocked(dependency, dependent) {
		return errs.Layer(op, errs.DependencyViolation, uint32(dependent),
			fmt.Errorf("edge to %d would create a cycle", dependency))
	}
	l.layers[dependent].deps[dependency] = struct{}{}
	l.layers[dependency].dependents[dependent] = struct{}{}
	return nil
}

// Dependencies returns the direct dependencies of layer i in index order.
func (l *Loader) Dependencies(i types.LayerIndex) []types.LayerIndex {
	l.mu.Lock()
	defer l.mu.Unlock()
	if uint32(i) >= uint32(len(l.layers)) {
		return nil
	}
	return l.layers[i].deps.sorted()
}

// Weights loads layer i if needed and returns its borrowed weight bytes,
// then issues prefetches for the layers the usage pattern predicts next.
func (l *Loader) Weights(i types.LayerIndex) ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	const op = "loader.Weights"
	if err := l.checkIndex(op, i); err != nil {
		return nil, err
	}
	if err := l.loadLocked(op, i, true); err != nil {
		return nil, err
	}
	l.prefetchLocked(i)
	return l.layers[i].weights, nil
}

// SetMemoryBudget changes the budget, unloading the largest unloadable
// layers until usage fits. If it cannot fit, the old budget is kept.
func (l *Loader) SetMemoryBudget(bytes uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	const op = "loader.SetMemoryBudget"
	if bytes == 0 {
		return errs.New(op, errs.InvalidArgument, "budget must be positive")
	}
	for l.used > bytes {
		victim, ok := l.largestUnloadableLocked()
		if !ok {
			return errs.New(op, errs.CapacityExceeded,
				fmt.Sprintf("cannot meet budget of %d bytes (current usage %d)", bytes, l.used))
		}
		if err := l.unloadLocked(op, victim); err != nil {
			return err
		}
	}
	l.cfg.MaxMemoryBudget = bytes
	return nil
}

// MemoryBudget returns the current budget in bytes.
func (l *Loader) MemoryBudget() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cfg.MaxMemoryBudget
}

// MemoryUsage returns the aligned bytes of loaded layers.
func (l *Loader) MemoryUsage() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.used
}

// PeakMemoryUsage returns the highest MemoryUsage seen.
func (l *Loader) PeakMemoryUsage() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.peak
}

// RecordAccess notes an access to layer i for recency, frequency and
// pattern detection without loading it.
func (l *Loader) RecordAccess(i types.LayerIndex) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if uint32(i) < uint32(len(l.layers)) {
		l.recordLocked(i)
	}
}

// State returns the lifecycle state of layer i.
func (l *Loader) State(i types.LayerIndex) types.LayerState {
	l.mu.Lock()
	defer l.mu.Unlock()
	if uint32(i) >= uint32(len(l.layers)) {
		return types.LayerUnloaded
	}
	return l.stateLocked(i)
}

// SetCustomPriority sets the priority used by StrategyCustom.
func (l *Loader) SetCustomPriority(i types.LayerIndex, p float32) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.checkIndex("loader.SetCustomPriority", i); err != nil {
		return err
	}
	l.layers[i].customPriority = p
	return nil
}

// SetStrategy switches the eviction strategy.
func (l *Loader) SetStrategy(s Strategy) {
	l.mu.Lock()
	l.cfg.PriorityStrategy = s
	l.mu.Unlock()
}

// OptimizeAllocation switches to StrategyCustom and derives each layer's
// custom priority from access frequency, recency and dependent count.
func (l *Loader) OptimizeAllocation() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cfg.PriorityStrategy = StrategyCustom
	total := float64(l.clock + 1)
	for i := range l.layers {
		li := &l.layers[i]
		freq := float64(li.accessCount) / total
		recency := float64(li.lastAccess) / total
		dep := 0.0
		if l.cfg.EnableDependencyTracking && len(li.dependents) > 0 {
			dep = float64(len(li.dependents)) / float64(len(l.layers))
		}
		li.customPriority = float32(0.4*freq + 0.4*recency + 0.2*dep)
	}
}

// PreloadLayers loads each listed layer that is not loaded yet. All layers
// are attempted; failures are joined.
func (l *Loader) PreloadLayers(idx ...types.LayerIndex) error {
	var err error
	for _, i := range idx {
		if l.State(i) == types.LayerLoaded {
			continue
		}
		if e := l.LoadLayer(i); e != nil {
			err = errors.Join(err, e)
		}
	}
	return err
}

// ClearAll unloads every loaded layer, dependents before dependencies.
func (l *Loader) ClearAll() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	const op = "loader.ClearAll"
	for {
		progress := false
		for i := range l.layers {
			idx := types.LayerIndex(i)
			if l.canUnloadLocked(idx) {
				if err := l.unloadLocked(op, idx); err != nil {
					return err
				}
				progress = true
			}
		}
		if !progress {
			break
		}
	}
	if l.used != 0 {
		return errs.New(op, errs.DependencyViolation, fmt.Sprintf("%d bytes still loaded", l.used))
	}
	return nil
}

// Reset unloads everything and forgets access statistics and history.
// Dependency edges and custom priorities are kept.
func (l *Loader) Reset() error {
	if err := l.ClearAll(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := range l.layers {
		li := &l.layers[i]
		if li.state != types.LayerUnloaded {
			l.setState(types.LayerIndex(i), types.LayerUnloaded)
		}
		li.accessCount, li.lastAccess, li.loadCount, li.avgLoadMs = 0, 0, 0, 0
	}
	l.clock, l.seq, l.peak = 0, 0, 0
	l.history.Clear()
	l.stats = counters{}
	return nil
}

// Info returns a snapshot of layer i.
func (l *Loader) Info(i types.LayerIndex) (LayerInfo, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.checkIndex("loader.Info", i); err != nil {
		return LayerInfo{}, err
	}
	li := &l.layers[i]
	return LayerInfo{
		Index:          i,
		State:          l.stateLocked(i).String(),
		Dependencies:   li.deps.sorted(),
		Dependents:     li.dependents.sorted(),
		CustomPriority: li.customPriority,
		AvgLoadTimeMs:  li.avgLoadMs,
		LoadCount:      li.loadCount,
		AccessCount:    li.accessCount,
		ChargedBytes:   li.charge,
	}, nil
}

// Stats returns a snapshot of the loader counters.
func (l *Loader) Stats() types.LoaderStats {
	l.mu.Lock()
	defer l.mu.Unlock()
	loaded := 0
	var loads uint64
	var totalMs float64
	for i := range l.layers {
		li := &l.layers[i]
		if li.state == types.LayerLoaded {
			loaded++
		}
		loads += li.loadCount
		totalMs += li.avgLoadMs * float64(li.loadCount)
	}
	avg := 0.0
	if loads > 0 {
		avg = totalMs / float64(loads)
	}
	return types.LoaderStats{
		Loaded:        loaded,
		UsedBytes:     l.used,
		BudgetBytes:   l.cfg.MaxMemoryBudget,
		PeakBytes:     l.peak,
		Loads:         l.stats.loads,
		Unloads:       l.stats.unloads,
		LoadFailures:  l.stats.failures,
		Prefetches:    l.stats.prefetches,
		AvgLoadTimeMs: avg,
		Pattern:       l.patternLocked().String(),
		Strategy:      l.cfg.PriorityStrategy.String(),
	}
}

func (l *Loader) loadLocked(op string, i types.LayerIndex, record bool) error {
	li := &l.layers[i]
	switch li.state {
	case types.LayerLoaded:
		if record {
			l.recordLocked(i)
		} else {
			l.clock++
			li.lastAccess = l.clock
		}
		return nil
	case types.LayerLoading:
		return errs.Layer(op, errs.DependencyViolation, uint32(i), fmt.Errorf("load already in progress"))
	}
	if li.charge > l.cfg.MaxMemoryBudget {
		return errs.Layer(op, errs.CapacityExceeded, uint32(i),
			fmt.Errorf("layer needs %d bytes, budget is %d", li.charge, l.cfg.MaxMemoryBudget))
	}
	prev := li.state
	l.setState(i, types.LayerLoading)
	restore := func() {
		if prev == types.LayerError {
			prev = types.LayerUnloaded
		}
		l.setState(i, prev)
	}
	if l.cfg.EnableDependencyTracking {
		for _, d := range li.deps.sorted() {
			if err := l.loadLocked(op, d, false); err != nil {
				restore()
				return fmt.Errorf("dependency %d of layer %d: %w", d, i, err)
			}
		}
	}
	if err := l.ensureBudgetLocked(op, i, li.charge); err != nil {
		restore()
		return err
	}
	start := time.Now()
	w, err := l.acquireLocked(op, i)
	if err != nil {
		l.stats.failures++
		l.setState(i, types.LayerError)
		l.log.Warn().Uint32("layer", uint32(i)).Err(err).Msg("layer load failed")
		return err
	}
	ms := float64(time.Since(start)) / float64(time.Millisecond)
	li.avgLoadMs = (li.avgLoadMs*float64(li.loadCount) + ms) / float64(li.loadCount+1)
	li.loadCount++
	li.weights = w
	l.used += li.charge
	if l.used > l.peak {
		l.peak = l.used
	}
	l.seq++
	li.loadedSeq = l.seq
	l.stats.loads++
	l.setState(i, types.LayerLoaded)
	if record {
		l.recordLocked(i)
	} else {
		l.clock++
		li.lastAccess = l.clock
	}
	l.log.Debug().Uint32("layer", uint32(i)).Uint64("bytes", li.charge).Uint64("used", l.used).Msg("layer loaded")
	return nil
}

func (l *Loader) unloadLocked(op string, i types.LayerIndex) error {
	li := &l.layers[i]
	l.setState(i, types.LayerUnloading)
	if err := l.cache.Release(i); err != nil {
		l.setState(i, types.LayerLoaded)
		return fmt.Errorf("%s: %w", op, err)
	}
	// Another holder may still pin the entry; it then stays cached.
	if err := l.cache.ReleaseWeights(i); err != nil && !errs.IsInvalidArgument(err) {
		l.log.Warn().Uint32("layer", uint32(i)).Err(err).Msg("release weights")
	}
	li.weights = nil
	l.used -= li.charge
	l.stats.unloads++
	l.setState(i, types.LayerUnloaded)
	l.log.Debug().Uint32("layer", uint32(i)).Uint64("used", l.used).Msg("layer unloaded")
	return nil
}

// acquireLocked pins layer i in the cache. The cache may be smaller than
// the loader budget; when it is full of layers pinned here, victims are
// unloaded per the strategy until the pin succeeds or none is left.
func (l *Loader) acquireLocked(op string, i types.LayerIndex) ([]byte, error) {
	for {
		w, err := l.cache.Acquire(i)
		if err == nil || !errs.IsCapacityExceeded(err) || !l.cfg.EnableLayerUnloading {
			return w, err
		}
		victim, ok := l.pickVictimLocked()
		if !ok {
			return nil, err
		}
		l.log.Debug().Uint32("layer", uint32(victim)).Uint32("for", uint32(i)).Msg("unloading to free cache")
		if uerr := l.unloadLocked(op, victim); uerr != nil {
			return nil, errors.Join(err, uerr)
		}
	}
}

// ensureBudgetLocked unloads victims until need more bytes fit.
func (l *Loader) ensureBudgetLocked(op string, loading types.LayerIndex, need uint64) error {
	for l.used+need > l.cfg.MaxMemoryBudget {
		if !l.cfg.EnableLayerUnloading {
			return errs.Layer(op, errs.CapacityExceeded, uint32(loading),
				fmt.Errorf("budget %d exceeded and unloading is disabled", l.cfg.MaxMemoryBudget))
		}
		victim, ok := l.pickVictimLocked()
		if !ok {
			return errs.Layer(op, errs.CapacityExceeded, uint32(loading),
				fmt.Errorf("no unloadable layer frees %d bytes (used %d of %d)", need, l.used, l.cfg.MaxMemoryBudget))
		}
		if err := l.unloadLocked(op, victim); err != nil {
			return err
		}
	}
	return nil
}

// evictableLocked is canUnload plus: no dependent is mid-load.
func (l *Loader) evictableLocked(i types.LayerIndex) bool {
	if !l.canUnloadLocked(i) {
		return false
	}
	for d := range l.layers[i].dependents {
		if l.layers[d].state == types.LayerLoading {
			return false
		}
	}
	return true
}

func (l *Loader) pickVictimLocked() (types.LayerIndex, bool) {
	best, found := types.LayerIndex(0), false
	for j := range l.layers {
		idx := types.LayerIndex(j)
		if !l.evictableLocked(idx) {
			continue
		}
		if !found || l.lessLocked(idx, best) {
			best, found = idx, true
		}
	}
	return best, found
}

// lessLocked orders victims for the active strategy; earlier is evicted first.
func (l *Loader) lessLocked(a, b types.LayerIndex) bool {
	la, lb := &l.layers[a], &l.layers[b]
	switch l.cfg.PriorityStrategy {
	case StrategyMFU:
		return la.accessCount < lb.accessCount
	case StrategyFIFO:
		return la.loadedSeq < lb.loadedSeq
	case StrategyCustom:
		return la.customPriority < lb.customPriority
	default:
		return la.lastAccess < lb.lastAccess
	}
}

func (l *Loader) largestUnloadableLocked() (types.LayerIndex, bool) {
	best, found := types.LayerIndex(0), false
	for j := range l.layers {
		idx := types.LayerIndex(j)
		if !l.canUnloadLocked(idx) {
			continue
		}
		if !found || l.layers[idx].charge > l.layers[best].charge {
			best, found = idx, true
		}
	}
	return best, found
}

func (l *Loader) canUnloadLocked(i types.LayerIndex) bool {
	if l.layers[i].state != types.LayerLoaded {
		return false
	}
	if !l.cfg.EnableDependencyTracking {
		return true
	}
	return len(l.loadedDependentsLocked(i)) == 0
}

func (l *Loader) loadedDependentsLocked(i types.LayerIndex) []types.LayerIndex {
	var out []types.LayerIndex
	for _, d := range l.layers[i].dependents.sorted() {
		if s := l.layers[d].state; s == types.LayerLoaded || s == types.LayerUnloading {
			out = append(out, d)
		}
	}
	return out
}

// reachableLocked reports whether to is reachable from from over
// dependency edges.
func (l *Loader) reachableLocked(from, to types.LayerIndex) bool {
	seen := set{}
	stack := []types.LayerIndex{from}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if n == to {
			return true
		}
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		for d := range l.layers[n].deps {
			stack = append(stack, d)
		}
	}
	return false
}

func (l *Loader) recordLocked(i types.LayerIndex) {
	l.clock++
	li := &l.layers[i]
	li.lastAccess = l.clock
	li.accessCount++
	l.history.Enqueue(i)
}

// stateLocked returns the state of layer i, first moving a prefetched
// layer back to Unloaded once the cache no longer holds it.
func (l *Loader) stateLocked(i types.LayerIndex) types.LayerState {
	if l.layers[i].state == types.LayerPrefetching && !l.cache.IsResident(i) {
		l.setState(i, types.LayerUnloaded)
	}
	return l.layers[i].state
}

func (l *Loader) setState(i types.LayerIndex, s types.LayerState) {
	from := l.layers[i].state
	l.layers[i].state = s
	if l.cfg.OnStateChange != nil && from != s {
		l.cfg.OnStateChange(i, from, s)
	}
}

func (l *Loader) checkIndex(op string, i types.LayerIndex) error {
	if uint32(i) >= uint32(len(l.layers)) {
		return errs.Layer(op, errs.InvalidArgument, uint32(i),
			fmt.Errorf("index out of range (layers: %d)", len(l.layers)))
	}
	return nil
}

func alignUp(n, a uint64) uint64 {
	if a <= 1 {
		return n
	}
	return (n + a - 1) / a * a
}
