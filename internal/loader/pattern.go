package loader

import (
	"github.com/emirpasic/gods/v2/trees/binaryheap"

	"layerstream/pkg/types"
)

// UsagePattern classifies the recent access history.
func (l *Loader) UsagePattern() types.UsagePattern {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.patternLocked()
}

func (l *Loader) patternLocked() types.UsagePattern {
	return classify(l.history.Values(), l.cfg.MinPatternSamples)
}

// classify reports Sequential when more than 60% of transitions step to the
// next index, else Repeated when more than 40% of samples revisit an index
// already in the window, else Random. Ratios are over the observed samples.
func classify(h []types.LayerIndex, minSamples int) types.UsagePattern {
	if len(h) < minSamples || len(h) < 2 {
		return types.PatternUnknown
	}
	sequential := 0
	for k := 1; k < len(h); k++ {
		if h[k] == h[k-1]+1 {
			sequential++
		}
	}
	if float64(sequential)/float64(len(h)-1) > sequentialRatio {
		return types.PatternSequential
	}
	seen := make(map[types.LayerIndex]struct{}, len(h))
	repeats := 0
	for _, i := range h {
		if _, ok := seen[i]; ok {
			repeats++
			continue
		}
		seen[i] = struct{}{}
	}
	if float64(repeats)/float64(len(h)) > repeatedRatio {
		return types.PatternRepeated
	}
	return types.PatternRandom
}

// LayersToPrefetch predicts up to maxCount layers to fetch after current:
// the next indices for a sequential pattern, the most accessed unloaded
// layers for a repeated one, and none otherwise.
func (l *Loader) LayersToPrefetch(current types.LayerIndex, maxCount int) []types.LayerIndex {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.layersToPrefetchLocked(current, maxCount)
}

type accessRank struct {
	idx   types.LayerIndex
	count uint64
}

func (l *Loader) layersToPrefetchLocked(current types.LayerIndex, maxCount int) []types.LayerIndex {
	n := uint32(len(l.layers))
	if maxCount <= 0 || uint32(current) >= n {
		return nil
	}
	var out []types.LayerIndex
	switch l.patternLocked() {
	case types.PatternSequential:
		for k := 1; k <= maxCount && uint32(current)+uint32(k) < n; k++ {
			out = append(out, current+types.LayerIndex(k))
		}
	case types.PatternRepeated:
		h := binaryheap.NewWith(func(a, b accessRank) int {
			switch {
			case a.count > b.count:
				return -1
			case a.count < b.count:
				return 1
			}
			return int(a.idx) - int(b.idx)
		})
		for j := range l.layers {
			li := &l.layers[j]
			if types.LayerIndex(j) == current || li.accessCount == 0 || l.stateLocked(types.LayerIndex(j)) != types.LayerUnloaded {
				continue
			}
			h.Push(accessRank{idx: types.LayerIndex(j), count: li.accessCount})
		}
		for len(out) < maxCount {
			r, ok := h.Pop()
			if !ok {
				break
			}
			out = append(out, r.idx)
		}
	}
	return out
}

// prefetchLocked hints the cache about predicted layers while the loaded
// set is below the prefetch threshold of the budget.
func (l *Loader) prefetchLocked(current types.LayerIndex) {
	if l.cfg.PrefetchThreshold <= 0 || l.cfg.MaxPrefetchLayers <= 0 {
		return
	}
	if float64(l.used)/float64(l.cfg.MaxMemoryBudget) >= l.cfg.PrefetchThreshold {
		return
	}
	for _, j := range l.layersToPrefetchLocked(current, l.cfg.MaxPrefetchLayers) {
		if l.stateLocked(j) != types.LayerUnloaded {
			continue
		}
		l.setState(j, types.LayerPrefetching)
		if err := l.cache.Prefetch(j); err != nil {
			l.setState(j, types.LayerUnloaded)
			l.log.Debug().Uint32("layer", uint32(j)).Err(err).Msg("prefetch skipped")
			continue
		}
		l.stats.prefetches++
	}
}
