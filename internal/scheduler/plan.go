package scheduler

import (
	"errors"
	"fmt"

	"github.com/dustin/go-humanize"

	"layerstream/internal/errs"
)

const (
	notVisited uint8 = iota
	visiting
	visited
)

// Prepare computes the execution order, selects checkpoints and checks the
// estimated peak against MaxMemory. When the peak does not fit it retries
// with every eligible node checkpointed and fails with CapacityExceeded if
// that still does not fit. A failed Prepare leaves no usable plan.
func (s *Scheduler) Prepare() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.prepareLocked()
}

// EstimateMemory returns the estimated peak and total activation bytes of
// the prepared plan, preparing first if needed.
func (s *Scheduler) EstimateMemory() (peak, total uint64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.prepared {
		if err := s.prepareLocked(); err != nil {
			return 0, 0, err
		}
	}
	return s.estPeak, s.estTotal, nil
}

func (s *Scheduler) prepareLocked() error {
	const op = "scheduler.Prepare"
	s.releaseAllLocked()
	s.prepared = false
	s.order = nil
	s.estPeak, s.estTotal = 0, 0
	if len(s.nodes) == 0 {
		return errs.New(op, errs.InvalidArgument, "no layers scheduled")
	}

	order, err := s.topoOrderLocked(op)
	if err != nil {
		return err
	}

	policy := s.cfg.CheckpointPolicy
	large := s.cfg.MemoryStrategy == StrategyMinMemory
	ckpt := s.selectCheckpoints(order, policy, large)
	peak, total := s.estimate(order, ckpt)

	if s.overBudget(peak) && s.cfg.MemoryStrategy == StrategyAdaptive && policy == CheckpointSelective && !large {
		large = true
		ckpt = s.selectCheckpoints(order, policy, large)
		peak, total = s.estimate(order, ckpt)
		s.log.Debug().Str("peak", humanize.IBytes(peak)).Msg("adaptive strategy checkpoints large outputs")
	}
	if s.overBudget(peak) && policy != CheckpointAll {
		s.log.Warn().Str("policy", policy.String()).Str("peak", humanize.IBytes(peak)).
			Str("budget", humanize.IBytes(s.cfg.MaxMemory)).Msg("plan over budget; checkpointing all eligible nodes")
		policy = CheckpointAll
		ckpt = s.selectCheckpoints(order, policy, large)
		peak, total = s.estimate(order, ckpt)
	}
	if s.overBudget(peak) {
		s.log.Error().Str("peak", humanize.IBytes(peak)).Str("budget", humanize.IBytes(s.cfg.MaxMemory)).
			Msg("plan does not fit memory budget")
		return errs.New(op, errs.CapacityExceeded, fmt.Sprintf("estimated peak %d bytes exceeds budget of %d bytes", peak, s.cfg.MaxMemory))
	}

	for i := range s.nodes {
		s.nodes[i].checkpoint = ckpt[i]
	}
	ws := s.cfg.PreferredWorkspaceSize
	for i := range s.nodes {
		ws = max(ws, s.nodes[i].desc.WorkspaceSize)
	}
	if uint64(cap(s.workspace)) < ws {
		s.workspace = make([]byte, ws)
	}
	s.workspace = s.workspace[:ws]

	s.order = order
	s.policy = policy
	s.estPeak, s.estTotal = peak, total
	s.prepared = true
	s.log.Debug().Int("nodes", len(order)).Str("policy", policy.String()).
		Uint64("peak", peak).Uint64("total", total).Msg("schedule prepared")
	return nil
}

func (s *Scheduler) overBudget(peak uint64) bool {
	return s.cfg.MaxMemory > 0 && peak > s.cfg.MaxMemory
}

// topoOrderLocked visits roots in insertion order and dependencies in
// input order, so equal graphs always give equal orders.
func (s *Scheduler) topoOrderLocked(op string) ([]NodeID, error) {
	color := make([]uint8, len(s.nodes))
	order := make([]NodeID, 0, len(s.nodes))
	var visit func(id NodeID) error
	visit = func(id NodeID) error {
		switch color[id] {
		case visited:
			return nil
		case visiting:
			return errs.Node(op, errs.DependencyViolation, s.nodes[id].desc.Name, errors.New("dependency cycle"))
		}
		color[id] = visiting
		for _, d := range s.nodes[id].deps {
			if err := visit(d); err != nil {
				return err
			}
		}
		color[id] = visited
		order = append(order, id)
		return nil
	}
	for id := range s.nodes {
		if err := visit(NodeID(id)); err != nil {
			return nil, err
		}
	}
	return order, nil
}

func (s *Scheduler) selectCheckpoints(order []NodeID, policy CheckpointPolicy, large bool) []bool {
	ckpt := make([]bool, len(s.nodes))
	for _, id := range order {
		n := &s.nodes[id]
		switch policy {
		case CheckpointAll:
			ckpt[id] = n.desc.CheckpointEligible
		case CheckpointSelective:
			if n.desc.CheckpointEligible && len(n.dependents) > 1 {
				ckpt[id] = true
			}
			if large && n.desc.CheckpointEligible && n.outputSize > s.cfg.LargeOutputThreshold {
				ckpt[id] = true
			}
		}
		if n.override {
			ckpt[id] = true
		}
	}
	return ckpt
}

// estimate simulates a pass. Root inputs are live only while their node
// runs, workspace only during its own step. An output is live until its
// last consumer has run; a checkpointed output with consumers moves into
// its checkpoint, charged at CheckpointOverhead, which is added on top.
func (s *Scheduler) estimate(order []NodeID, ckpt []bool) (peak, total uint64) {
	keep := s.keepOutputs()
	remaining := make([]int, len(s.nodes))
	for i := range s.nodes {
		remaining[i] = len(s.nodes[i].dependents)
	}
	var cur, saved uint64
	for _, id := range order {
		n := &s.nodes[id]
		var in uint64
		if len(n.deps) == 0 {
			in = n.desc.InputSize
		}
		cur += in + n.outputSize
		total += in + n.outputSize
		peak = max(peak, cur+n.desc.WorkspaceSize)
		cur -= in
		for _, d := range n.deps {
			remaining[d]--
			if !keep && remaining[d] == 0 && !s.movesToCheckpoint(d, ckpt) {
				cur -= s.nodes[d].outputSize
			}
		}
		if s.movesToCheckpoint(id, ckpt) {
			cur -= n.outputSize
		}
		if ckpt[id] {
			saved += s.checkpointCharge(n.outputSize)
		}
	}
	return peak + saved, total + saved
}

func (s *Scheduler) movesToCheckpoint(id NodeID, ckpt []bool) bool {
	return ckpt[id] && len(s.nodes[id].dependents) > 0
}
