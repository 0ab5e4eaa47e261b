// Package scheduler orders the computation steps of a forward pass, decides
// which activations to checkpoint and runs the steps one at a time while
// keeping activation memory within a budget.
//
// A Scheduler is safe for concurrent use. ExecuteNext holds the scheduler
// lock across the forward call, so a ForwardFunc must not call back into
// the scheduler that runs it.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"layerstream/internal/errs"
	"layerstream/pkg/types"
)

// NodeID identifies a node by insertion order.
type NodeID int

// NoNode is returned where no node applies.
const NoNode NodeID = -1

// ErrDone is returned by ExecuteNext once every node of the pass has run.
var ErrDone = errors.New("scheduler: pass complete")

// DependencyKind describes how a node consumes earlier outputs.
type DependencyKind uint8

const (
	// DepNone has no implicit edge; dependsOn adds one when given.
	DepNone DependencyKind = iota
	// DepSequential consumes dependsOn, or the previously added node.
	DepSequential
	// DepResidual consumes the previous node and the earlier dependsOn.
	DepResidual
	// DepAttention consumes the previous node and the earlier dependsOn.
	DepAttention
)

func (k DependencyKind) String() string {
	switch k {
	case DepSequential:
		return "sequential"
	case DepResidual:
		return "residual"
	case DepAttention:
		return "attention"
	default:
		return "none"
	}
}

// WeightSource provides layer weights. *layercache.Cache and
// *loader.Loader both satisfy it.
type WeightSource interface {
	Weights(i types.LayerIndex) ([]byte, error)
}

type memoryReporter interface {
	MemoryUsage() uint64
}

// LayerContext is what a forward call sees. Input is the first entry of
// Inputs. Buffers belong to the scheduler and are only valid for the call.
type LayerContext struct {
	Node      NodeID
	Name      string
	Layer     types.LayerIndex
	Weights   []byte
	Input     []byte
	Inputs    [][]byte
	Output    []byte
	Workspace []byte
	Data      any
	UserData  any
}

// ForwardFunc computes one node's output from its inputs.
type ForwardFunc func(ctx context.Context, lc LayerContext) error

// LayerDesc describes one computation step.
type LayerDesc struct {
	Name string
	// Layer is the model layer whose weights are fetched when Weighted.
	Layer    types.LayerIndex
	Weighted bool
	// InputSize is the external input a root node reads.
	InputSize          uint64
	WorkspaceSize      uint64
	Forward            ForwardFunc
	CheckpointEligible bool
	InPlace            bool
	Data               any
}

type node struct {
	desc       LayerDesc
	kind       DependencyKind
	outputSize uint64
	deps       []NodeID
	chained    int
	dependents []NodeID
	override   bool
	checkpoint bool

	executed  bool
	remaining int
	out       []byte
	owned     bool
	saved     []byte
}

type counters struct {
	executions, checkpoints, restores, recomputations, inPlace uint64
	forward                                                   time.Duration
}

// Scheduler owns an execution graph and its activation buffers.
type Scheduler struct {
	mu    sync.Mutex
	cfg   Config
	log   zerolog.Logger
	src   WeightSource
	nodes []node

	prepared  bool
	order     []NodeID
	policy    CheckpointPolicy
	estPeak   uint64
	estTotal  uint64
	workspace []byte

	pos   int
	input []byte
	live  uint64
	peak  uint64
	stats counters
}

// New returns an empty scheduler drawing weights from src. src may be nil
// when no node is Weighted.
func New(src WeightSource, cfg Config) *Scheduler {
	cfg = cfg.withDefaults()
	return &Scheduler{
		cfg:    cfg,
		log:    cfg.Logger.With().Str("component", "scheduler").Logger(),
		src:    src,
		policy: cfg.CheckpointPolicy,
	}
}

// AddLayer appends a node and returns its id. dependsOn is an earlier node
// id or negative for none; Residual and Attention nodes require one.
func (s *Scheduler) AddLayer(desc LayerDesc, dependsOn int, kind DependencyKind, outputSize uint64) (NodeID, error) {
	const op = "scheduler.AddLayer"
	s.mu.Lock()
	defer s.mu.Unlock()

	id := NodeID(len(s.nodes))
	if desc.Name == "" {
		desc.Name = fmt.Sprintf("node-%d", id)
	}
	if desc.Forward == nil {
		return NoNode, errs.Node(op, errs.InvalidArgument, desc.Name, errors.New("nil forward function"))
	}
	if outputSize == 0 {
		return NoNode, errs.Node(op, errs.InvalidArgument, desc.Name, errors.New("zero output size"))
	}
	if dependsOn >= int(id) {
		return NoNode, errs.Node(op, errs.InvalidArgument, desc.Name,
			fmt.Errorf("dependsOn %d is not an earlier node", dependsOn))
	}

	var deps []NodeID
	chained := 0
	switch kind {
	case DepNone:
		if dependsOn >= 0 {
			deps = []NodeID{NodeID(dependsOn)}
		}
	case DepSequential:
		if dependsOn >= 0 {
			deps = []NodeID{NodeID(dependsOn)}
		} else if id > 0 {
			deps = []NodeID{id - 1}
		}
		chained = len(deps)
	case DepResidual, DepAttention:
		if dependsOn < 0 {
			return NoNode, errs.Node(op, errs.InvalidArgument, desc.Name,
				fmt.Errorf("%s dependency requires an earlier node", kind))
		}
		deps = []NodeID{id - 1}
		chained = 1
		if NodeID(dependsOn) != id-1 {
			deps = append(deps, NodeID(dependsOn))
		}
	default:
		return NoNode, errs.Node(op, errs.InvalidArgument, desc.Name, fmt.Errorf("unknown dependency kind %d", kind))
	}

	s.nodes = append(s.nodes, node{desc: desc, kind: kind, outputSize: outputSize, deps: deps, chained: chained})
	for _, d := range deps {
		s.nodes[d].dependents = append(s.nodes[d].dependents, id)
	}
	s.prepared = false
	s.log.Debug().Int("node", int(id)).Str("name", desc.Name).Str("kind", kind.String()).
		Uint64("bytes", outputSize).Msg("layer added")
	return id, nil
}

// AddDependency makes dst consume src's output in addition to its other
// inputs. Cycles are reported by Prepare.
func (s *Scheduler) AddDependency(src, dst NodeID) error {
	const op = "scheduler.AddDependency"
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkNode(op, src); err != nil {
		return err
	}
	if err := s.checkNode(op, dst); err != nil {
		return err
	}
	if src == dst {
		return errs.Node(op, errs.InvalidArgument, s.nodes[dst].desc.Name, errors.New("node cannot depend on itself"))
	}
	for _, d := range s.nodes[dst].deps {
		if d == src {
			return nil
		}
	}
	s.nodes[dst].deps = append(s.nodes[dst].deps, src)
	s.nodes[src].dependents = append(s.nodes[src].dependents, dst)
	s.prepared = false
	return nil
}

// SetCheckpoint forces a checkpoint of id's output regardless of policy
// and eligibility. Passing false removes the override.
func (s *Scheduler) SetCheckpoint(id NodeID, on bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkNode("scheduler.SetCheckpoint", id); err != nil {
		return err
	}
	s.nodes[id].override = on
	s.prepared = false
	return nil
}

func (s *Scheduler) SetMemoryStrategy(m MemoryStrategy) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg.MemoryStrategy = m
	s.prepared = false
}

func (s *Scheduler) SetCheckpointPolicy(p CheckpointPolicy) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg.CheckpointPolicy = p
	s.prepared = false
}

// Len returns the number of nodes.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.nodes)
}

// Order returns the prepared execution order, or nil before Prepare.
func (s *Scheduler) Order() []NodeID {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.prepared {
		return nil
	}
	return append([]NodeID(nil), s.order...)
}

// Dependencies returns the nodes id consumes, in input order.
func (s *Scheduler) Dependencies(id NodeID) []NodeID {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.checkNode("", id) != nil {
		return nil
	}
	return append([]NodeID(nil), s.nodes[id].deps...)
}

// SkipDependencies returns the inputs of id that do not come from the
// chain edge of a sequential, residual or attention node: residual and
// attention sources, DepNone inputs and edges added with AddDependency.
func (s *Scheduler) SkipDependencies(id NodeID) []NodeID {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.checkNode("", id) != nil {
		return nil
	}
	n := &s.nodes[id]
	if len(n.deps) <= n.chained {
		return nil
	}
	return append([]NodeID(nil), n.deps[n.chained:]...)
}

// Layer returns the model layer id reads weights from, if it is Weighted.
func (s *Scheduler) Layer(id NodeID) (types.LayerIndex, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.checkNode("", id) != nil || !s.nodes[id].desc.Weighted {
		return 0, false
	}
	return s.nodes[id].desc.Layer, true
}

// Checkpointed reports whether the prepared plan saves id's output.
func (s *Scheduler) Checkpointed(id NodeID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.prepared && s.checkNode("", id) == nil && s.nodes[id].checkpoint
}

// IsExecuted reports whether id has run in the current pass.
func (s *Scheduler) IsExecuted(id NodeID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.checkNode("", id) == nil && s.nodes[id].executed
}

// Output returns id's live output, or its checkpoint when the live buffer
// has been released. The slice is owned by the scheduler.
func (s *Scheduler) Output(id NodeID) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.checkNode("", id) != nil {
		return nil
	}
	n := &s.nodes[id]
	if n.out != nil {
		return n.out
	}
	return n.saved
}

// Checkpoint returns a copy of id's saved output.
func (s *Scheduler) Checkpoint(id NodeID) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.checkNode("", id) != nil || s.nodes[id].saved == nil {
		return nil, false
	}
	return append([]byte(nil), s.nodes[id].saved...), true
}

// MarkOutputUnneeded releases id's live output early. A consumer that has
// not run yet restores it from a checkpoint or recomputes it.
func (s *Scheduler) MarkOutputUnneeded(id NodeID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkNode("scheduler.MarkOutputUnneeded", id); err != nil {
		return err
	}
	s.releaseOutputLocked(&s.nodes[id])
	return nil
}

// Reset clears executed flags, buffers, checkpoints and statistics. The
// graph is kept; the next execution prepares again with the configured
// checkpoint policy.
func (s *Scheduler) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.releaseAllLocked()
	s.stats = counters{}
	s.peak = 0
	s.prepared = false
	s.policy = s.cfg.CheckpointPolicy
}

// OptimalBatchSize returns how many samples of the given per-sample input
// and output size fit in the memory left after resident weights and all
// node outputs, clamped to [1, maxBatch].
func (s *Scheduler) OptimalBatchSize(inputSize, outputSize uint64, maxBatch int) int {
	if maxBatch <= 0 {
		return 1
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cfg.MaxMemory == 0 {
		return maxBatch
	}
	per := inputSize + outputSize
	if per == 0 {
		return maxBatch
	}
	var fixed uint64
	if r, ok := s.src.(memoryReporter); ok {
		fixed = r.MemoryUsage()
	}
	for i := range s.nodes {
		fixed += s.nodes[i].outputSize
	}
	if fixed >= s.cfg.MaxMemory {
		return 1
	}
	b := (s.cfg.MaxMemory - fixed) / per
	if b < 1 {
		return 1
	}
	if b > uint64(maxBatch) {
		return maxBatch
	}
	return int(b)
}

// Stats returns a snapshot of execution counters.
func (s *Scheduler) Stats() types.SchedulerStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	executed := 0
	for i := range s.nodes {
		if s.nodes[i].executed {
			executed++
		}
	}
	return types.SchedulerStats{
		Nodes:              len(s.nodes),
		Executed:           executed,
		Executions:         s.stats.executions,
		Checkpoints:        s.stats.checkpoints,
		Restores:           s.stats.restores,
		Recomputations:     s.stats.recomputations,
		InPlace:            s.stats.inPlace,
		EstimatedPeakBytes: s.estPeak,
		PeakBytes:          s.peak,
		LiveBytes:          s.live,
		Policy:             s.policy.String(),
		ForwardMillis:      float64(s.stats.forward.Microseconds()) / 1000,
	}
}

func (s *Scheduler) checkNode(op string, id NodeID) error {
	if id < 0 || int(id) >= len(s.nodes) {
		return errs.New(op, errs.InvalidArgument, fmt.Sprintf("node %d out of range [0,%d)", id, len(s.nodes)))
	}
	return nil
}

// keepOutputs reports whether outputs stay live for the whole pass.
func (s *Scheduler) keepOutputs() bool {
	return s.cfg.MemoryStrategy == StrategyMaxSpeed || !s.cfg.OptimizeOverlap
}

func (s *Scheduler) checkpointCharge(size uint64) uint64 {
	return uint64(float64(size) * s.cfg.CheckpointOverhead)
}

func (s *Scheduler) releaseOutputLocked(n *node) {
	if n.out == nil {
		return
	}
	s.live -= uint64(len(n.out))
	if n.owned {
		s.cfg.Allocator.Free(n.out)
	}
	n.out, n.owned = nil, false
}

func (s *Scheduler) releaseAllLocked() {
	for i := range s.nodes {
		n := &s.nodes[i]
		s.releaseOutputLocked(n)
		if n.saved != nil {
			s.live -= s.checkpointCharge(uint64(len(n.saved)))
			s.cfg.Allocator.Free(n.saved)
			n.saved = nil
		}
		n.executed = false
		n.remaining = len(n.dependents)
	}
	s.pos = 0
	s.input = nil
	s.live = 0
}
