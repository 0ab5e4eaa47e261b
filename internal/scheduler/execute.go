package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"layerstream/internal/errs"
	"layerstream/pkg/types"
)

// ExecuteNext runs the next node of the pass and returns its id and model
// layer. input feeds nodes without dependencies and must stay unchanged for
// the rest of the pass; a nil input keeps the previous one. A non-nil
// output receives this node's result instead of a scheduler buffer.
//
// On failure the node stays unexecuted and the pass can be resumed by
// calling ExecuteNext again. It returns ErrDone when the pass is complete.
func (s *Scheduler) ExecuteNext(ctx context.Context, input, output []byte) (NodeID, types.LayerIndex, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextLocked(ctx, input, output)
}

// ExecuteAll runs the remaining nodes of the current pass, or a new pass
// when the previous one completed. The last node writes into output when
// output is non-nil. ctx is checked between nodes and the lock is released
// between them, so Stats stays responsive during a long pass.
func (s *Scheduler) ExecuteAll(ctx context.Context, input, output []byte) error {
	s.mu.Lock()
	if !s.prepared {
		if err := s.prepareLocked(); err != nil {
			s.mu.Unlock()
			return err
		}
	}
	if s.pos >= len(s.order) {
		s.releaseAllLocked()
	}
	s.mu.Unlock()

	for {
		s.mu.Lock()
		out := output
		if s.pos != len(s.order)-1 {
			out = nil
		}
		_, _, err := s.nextLocked(ctx, input, out)
		s.mu.Unlock()
		if errors.Is(err, ErrDone) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

func (s *Scheduler) nextLocked(ctx context.Context, input, output []byte) (NodeID, types.LayerIndex, error) {
	if !s.prepared {
		if err := s.prepareLocked(); err != nil {
			return NoNode, 0, err
		}
	}
	if s.pos >= len(s.order) {
		return NoNode, 0, ErrDone
	}
	if err := ctx.Err(); err != nil {
		return NoNode, 0, err
	}
	if input != nil {
		s.input = input
	}
	id := s.order[s.pos]
	if err := s.stepLocked(ctx, id, output); err != nil {
		return id, s.nodes[id].desc.Layer, err
	}
	s.pos++
	return id, s.nodes[id].desc.Layer, nil
}

func (s *Scheduler) stepLocked(ctx context.Context, id NodeID, output []byte) error {
	const op = "scheduler.Execute"
	n := &s.nodes[id]

	var scratch [][]byte
	defer func() { s.freeScratchLocked(scratch) }()
	inputs, err := s.inputsLocked(ctx, n, &scratch)
	if err != nil {
		return err
	}

	inPlace := output == nil && s.canRunInPlaceLocked(n)
	var extra uint64
	if !inPlace {
		extra = n.outputSize
	}
	if err := s.reserveLocked(op, n, extra); err != nil {
		return err
	}

	var out []byte
	owned := false
	switch {
	case output != nil:
		if uint64(len(output)) < n.outputSize {
			return errs.Node(op, errs.InvalidArgument, n.desc.Name,
				fmt.Errorf("output buffer of %d bytes, need %d", len(output), n.outputSize))
		}
		out = output[:n.outputSize]
	case inPlace:
		out = s.nodes[n.deps[0]].out
	default:
		out = s.cfg.Allocator.Alloc(n.outputSize)
		owned = true
	}

	if err := s.forwardLocked(ctx, n, id, inputs, out); err != nil {
		if owned {
			s.cfg.Allocator.Free(out)
		}
		return err
	}

	if inPlace {
		d := &s.nodes[n.deps[0]]
		owned = d.owned
		s.live -= uint64(len(d.out))
		d.out, d.owned = nil, false
		s.stats.inPlace++
	}
	n.out, n.owned = out, owned
	s.live += n.outputSize
	n.executed = true

	if n.checkpoint {
		n.saved = s.cfg.Allocator.Alloc(n.outputSize)
		copy(n.saved, out)
		s.live += s.checkpointCharge(n.outputSize)
		s.stats.checkpoints++
		if len(n.dependents) > 0 {
			s.releaseOutputLocked(n)
		}
	}
	s.peak = max(s.peak, s.live)

	for _, d := range n.deps {
		dn := &s.nodes[d]
		dn.remaining--
		if dn.remaining == 0 && !s.keepOutputs() {
			s.releaseOutputLocked(dn)
		}
	}
	return nil
}

// inputsLocked resolves n's inputs: the external input for a root, else
// each dependency's live output, its checkpoint, or a recomputation into
// a scratch buffer appended to scratch.
func (s *Scheduler) inputsLocked(ctx context.Context, n *node, scratch *[][]byte) ([][]byte, error) {
	if len(n.deps) == 0 {
		if uint64(len(s.input)) < n.desc.InputSize {
			return nil, errs.Node("scheduler.Execute", errs.InvalidArgument, n.desc.Name,
				fmt.Errorf("input of %d bytes, need %d", len(s.input), n.desc.InputSize))
		}
		return [][]byte{s.input}, nil
	}
	inputs := make([][]byte, 0, len(n.deps))
	for _, d := range n.deps {
		dn := &s.nodes[d]
		switch {
		case dn.out != nil:
			inputs = append(inputs, dn.out)
		case dn.saved != nil:
			s.stats.restores++
			inputs = append(inputs, dn.saved)
		default:
			buf, err := s.recomputeLocked(ctx, d, scratch)
			if err != nil {
				return nil, err
			}
			inputs = append(inputs, buf)
		}
	}
	return inputs, nil
}

func (s *Scheduler) recomputeLocked(ctx context.Context, id NodeID, scratch *[][]byte) ([]byte, error) {
	n := &s.nodes[id]
	inputs, err := s.inputsLocked(ctx, n, scratch)
	if err != nil {
		return nil, err
	}
	if err := s.reserveLocked("scheduler.Recompute", n, n.outputSize); err != nil {
		return nil, err
	}
	buf := s.cfg.Allocator.Alloc(n.outputSize)
	if err := s.forwardLocked(ctx, n, id, inputs, buf); err != nil {
		s.cfg.Allocator.Free(buf)
		return nil, err
	}
	*scratch = append(*scratch, buf)
	s.live += n.outputSize
	s.peak = max(s.peak, s.live)
	s.stats.recomputations++
	s.log.Debug().Str("node", n.desc.Name).Msg("recomputed output")
	return buf, nil
}

func (s *Scheduler) freeScratchLocked(scratch [][]byte) {
	for _, b := range scratch {
		s.live -= uint64(len(b))
		s.cfg.Allocator.Free(b)
	}
}

// reserveLocked fails when extra output bytes plus n's workspace would
// push live activations over MaxMemory.
func (s *Scheduler) reserveLocked(op string, n *node, extra uint64) error {
	need := s.live + extra + n.desc.WorkspaceSize
	if s.cfg.MaxMemory > 0 && need > s.cfg.MaxMemory {
		return errs.Node(op, errs.CapacityExceeded, n.desc.Name,
			fmt.Errorf("%d live bytes plus %d needed exceeds budget of %d", s.live, need-s.live, s.cfg.MaxMemory))
	}
	s.peak = max(s.peak, need)
	return nil
}

func (s *Scheduler) canRunInPlaceLocked(n *node) bool {
	if !s.cfg.AllowInPlace || !n.desc.InPlace || len(n.deps) != 1 || s.keepOutputs() {
		return false
	}
	d := &s.nodes[n.deps[0]]
	return d.out != nil && d.owned && d.remaining == 1 && uint64(len(d.out)) == n.outputSize
}

func (s *Scheduler) forwardLocked(ctx context.Context, n *node, id NodeID, inputs [][]byte, out []byte) error {
	const op = "scheduler.Execute"
	var weights []byte
	if n.desc.Weighted && s.src != nil {
		w, err := s.src.Weights(n.desc.Layer)
		if err != nil {
			return fmt.Errorf("node %q weights: %w", n.desc.Name, err)
		}
		weights = w
	}
	ws := s.workspace
	if n.desc.WorkspaceSize > 0 {
		ws = ws[:n.desc.WorkspaceSize]
	}
	lc := LayerContext{
		Node:      id,
		Name:      n.desc.Name,
		Layer:     n.desc.Layer,
		Weights:   weights,
		Input:     inputs[0],
		Inputs:    inputs,
		Output:    out,
		Workspace: ws,
		Data:      n.desc.Data,
		UserData:  s.cfg.UserData,
	}
	start := time.Now()
	err := n.desc.Forward(ctx, lc)
	s.stats.forward += time.Since(start)
	s.stats.executions++
	if err != nil {
		s.log.Error().Err(err).Str("node", n.desc.Name).Uint32("layer", uint32(n.desc.Layer)).Msg("forward failed")
		return errs.Node(op, errs.ComputeFailure, n.desc.Name, err)
	}
	return nil
}
