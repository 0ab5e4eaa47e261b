package scheduler

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"layerstream/internal/errs"
	"layerstream/internal/layercache"
	"layerstream/internal/loader"
	"layerstream/internal/modelimage"
	"layerstream/pkg/types"
)

// mix fills the output with one plus the sum of the first byte of every
// input, so each node's result encodes the path that produced it.
func mix(calls *[]string) ForwardFunc {
	return func(_ context.Context, lc LayerContext) error {
		if calls != nil {
			*calls = append(*calls, lc.Name)
		}
		v := byte(1)
		for _, in := range lc.Inputs {
			if len(in) > 0 {
				v += in[0]
			}
		}
		for i := range lc.Output {
			lc.Output[i] = v
		}
		return nil
	}
}

type countingAllocator struct{ allocs, frees int }

func (a *countingAllocator) Alloc(n uint64) []byte { a.allocs++; return make([]byte, n) }
func (a *countingAllocator) Free([]byte)           { a.frees++ }
func (a *countingAllocator) outstanding() int      { return a.allocs - a.frees }

func noneConfig() Config {
	cfg := DefaultConfig()
	cfg.CheckpointPolicy = CheckpointNone
	cfg.PreferredWorkspaceSize = 0
	return cfg
}

func mustAdd(t *testing.T, s *Scheduler, desc LayerDesc, dependsOn int, kind DependencyKind, size uint64) NodeID {
	t.Helper()
	if desc.Forward == nil {
		desc.Forward = mix(nil)
	}
	id, err := s.AddLayer(desc, dependsOn, kind, size)
	if err != nil {
		t.Fatalf("add %q: %v", desc.Name, err)
	}
	return id
}

// chain builds n sequential nodes of the given output size.
func chain(t *testing.T, s *Scheduler, n int, size uint64, eligible bool) {
	t.Helper()
	for i := 0; i < n; i++ {
		mustAdd(t, s, LayerDesc{CheckpointEligible: eligible}, -1, DepSequential, size)
	}
}

func TestTopologicalOrder(t *testing.T) {
	s := New(nil, noneConfig())
	mustAdd(t, s, LayerDesc{Name: "embed"}, -1, DepNone, 8)
	mustAdd(t, s, LayerDesc{Name: "attn"}, -1, DepSequential, 8)
	mustAdd(t, s, LayerDesc{Name: "mlp"}, -1, DepSequential, 8)
	mustAdd(t, s, LayerDesc{Name: "add"}, 1, DepResidual, 8)
	if err := s.Prepare(); err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if diff := cmp.Diff([]NodeID{0, 1, 2, 3}, s.Order()); diff != "" {
		t.Fatalf("order mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]NodeID{2, 1}, s.Dependencies(3)); diff != "" {
		t.Fatalf("residual inputs (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]NodeID{1}, s.SkipDependencies(3)); diff != "" {
		t.Fatalf("skip inputs (-want +got):\n%s", diff)
	}
	if got := s.SkipDependencies(2); got != nil {
		t.Fatalf("sequential node has skip inputs %v", got)
	}

	// A dependency added later than its consumer still runs first.
	s = New(nil, noneConfig())
	mustAdd(t, s, LayerDesc{Name: "late"}, -1, DepNone, 8)
	mustAdd(t, s, LayerDesc{Name: "early"}, -1, DepNone, 8)
	if err := s.AddDependency(1, 0); err != nil {
		t.Fatalf("add dependency: %v", err)
	}
	if diff := cmp.Diff([]NodeID{1}, s.SkipDependencies(0)); diff != "" {
		t.Fatalf("added edge (-want +got):\n%s", diff)
	}
	if err := s.Prepare(); err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if diff := cmp.Diff([]NodeID{1, 0}, s.Order()); diff != "" {
		t.Fatalf("order mismatch (-want +got):\n%s", diff)
	}
}

func TestCycleFailsPrepare(t *testing.T) {
	s := New(nil, noneConfig())
	chain(t, s, 3, 8, false)
	if err := s.AddDependency(2, 0); err != nil {
		t.Fatalf("add dependency: %v", err)
	}
	if err := s.Prepare(); !errs.IsDependencyViolation(err) {
		t.Fatalf("expected dependency violation, got %v", err)
	}
	if s.Order() != nil {
		t.Fatalf("cyclic graph must not produce an order")
	}
	if _, _, err := s.ExecuteNext(context.Background(), nil, nil); !errs.IsDependencyViolation(err) {
		t.Fatalf("execute on cyclic graph: %v", err)
	}
}

func TestAddLayerValidation(t *testing.T) {
	s := New(nil, noneConfig())
	if _, err := s.AddLayer(LayerDesc{Forward: mix(nil)}, -1, DepResidual, 8); !errs.IsInvalidArgument(err) {
		t.Fatalf("residual without dependsOn: %v", err)
	}
	mustAdd(t, s, LayerDesc{}, -1, DepNone, 8)
	cases := []struct {
		name      string
		desc      LayerDesc
		dependsOn int
		kind      DependencyKind
		size      uint64
	}{
		{"later dependsOn", LayerDesc{Forward: mix(nil)}, 5, DepAttention, 8},
		{"zero output", LayerDesc{Forward: mix(nil)}, -1, DepSequential, 0},
		{"nil forward", LayerDesc{}, -1, DepSequential, 8},
		{"unknown kind", LayerDesc{Forward: mix(nil)}, -1, DependencyKind(9), 8},
	}
	for _, tc := range cases {
		if _, err := s.AddLayer(tc.desc, tc.dependsOn, tc.kind, tc.size); !errs.IsInvalidArgument(err) {
			t.Fatalf("%s: expected invalid argument, got %v", tc.name, err)
		}
	}
	if err := s.AddDependency(0, 0); !errs.IsInvalidArgument(err) {
		t.Fatalf("self dependency: %v", err)
	}
	if err := s.AddDependency(0, 4); !errs.IsInvalidArgument(err) {
		t.Fatalf("unknown node: %v", err)
	}
	if s.Len() != 1 {
		t.Fatalf("rejected layers must not be added, len=%d", s.Len())
	}
	if err := s.Prepare(); err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if err := New(nil, noneConfig()).Prepare(); !errs.IsInvalidArgument(err) {
		t.Fatalf("empty graph: %v", err)
	}
}

func TestSelectiveCheckpointsFanOut(t *testing.T) {
	cfg := DefaultConfig()
	s := New(nil, cfg)
	chain(t, s, 2, 4, true)
	mustAdd(t, s, LayerDesc{CheckpointEligible: true}, 0, DepResidual, 4)
	if err := s.Prepare(); err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if !s.Checkpointed(0) || s.Checkpointed(1) || s.Checkpointed(2) {
		t.Fatalf("only the fan-out node should be checkpointed")
	}
	out := make([]byte, 4)
	if err := s.ExecuteAll(context.Background(), nil, out); err != nil {
		t.Fatalf("execute: %v", err)
	}
	// node0 = 1, node1 = 1+1, node2 = 1+2+1
	if !bytes.Equal(out, []byte{4, 4, 4, 4}) {
		t.Fatalf("output = %v", out)
	}
	st := s.Stats()
	if st.Checkpoints != 1 || st.Restores != 2 || st.Recomputations != 0 || st.Executions != 3 {
		t.Fatalf("unexpected stats: %+v", st)
	}
}

func TestPrepareFitsWithoutEscalation(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxMemory = 2500
	s := New(nil, cfg)
	chain(t, s, 3, 1000, true)
	peak, total, err := s.EstimateMemory()
	if err != nil {
		t.Fatalf("estimate: %v", err)
	}
	if peak != 2000 || total != 3000 {
		t.Fatalf("peak=%d total=%d", peak, total)
	}
	if got := s.Stats().Policy; got != "selective" {
		t.Fatalf("policy = %s", got)
	}
}

func TestPrepareEscalatesToAll(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxMemory = 1800
	cfg.CheckpointOverhead = 0.25
	s := New(nil, cfg)
	chain(t, s, 3, 1000, true)
	if err := s.Prepare(); err != nil {
		t.Fatalf("prepare: %v", err)
	}
	st := s.Stats()
	if st.Policy != "all" || st.EstimatedPeakBytes != 1750 {
		t.Fatalf("unexpected plan: %+v", st)
	}
	if err := s.ExecuteAll(context.Background(), nil, nil); err != nil {
		t.Fatalf("execute: %v", err)
	}
	st = s.Stats()
	if st.PeakBytes > cfg.MaxMemory || st.Checkpoints != 3 || st.Restores != 2 {
		t.Fatalf("unexpected run: %+v", st)
	}

	s.Reset()
	if got := s.Stats().Policy; got != "selective" {
		t.Fatalf("reset should restore configured policy, got %s", got)
	}
}

func TestPrepareFailsWhenAllStillExceeds(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxMemory = 1500
	s := New(nil, cfg)
	chain(t, s, 3, 1000, true)
	for i := 0; i < 2; i++ {
		if err := s.Prepare(); !errs.IsCapacityExceeded(err) {
			t.Fatalf("attempt %d: expected capacity exceeded, got %v", i, err)
		}
	}
	if s.Order() != nil {
		t.Fatalf("infeasible plan must not produce an order")
	}
	if _, _, err := s.EstimateMemory(); !errs.IsCapacityExceeded(err) {
		t.Fatalf("estimate: %v", err)
	}
}

func TestEstimateMemoryStrategies(t *testing.T) {
	build := func(strategy MemoryStrategy) *Scheduler {
		cfg := noneConfig()
		cfg.MemoryStrategy = strategy
		s := New(nil, cfg)
		mustAdd(t, s, LayerDesc{InputSize: 100, WorkspaceSize: 500}, -1, DepNone, 1000)
		chain(t, s, 2, 1000, false)
		return s
	}
	cases := []struct {
		strategy    MemoryStrategy
		peak, total uint64
	}{
		{StrategyDefault, 2000, 3100},
		{StrategyMaxSpeed, 3000, 3100},
	}
	for _, tc := range cases {
		peak, total, err := build(tc.strategy).EstimateMemory()
		if err != nil {
			t.Fatalf("%s: %v", tc.strategy, err)
		}
		if peak != tc.peak || total != tc.total {
			t.Fatalf("%s: peak=%d total=%d, want %d/%d", tc.strategy, peak, total, tc.peak, tc.total)
		}
	}
}

func TestMinMemoryCheckpointsLargeOutputs(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MemoryStrategy = StrategyMinMemory
	cfg.LargeOutputThreshold = 100
	s := New(nil, cfg)
	mustAdd(t, s, LayerDesc{CheckpointEligible: true}, -1, DepNone, 50)
	mustAdd(t, s, LayerDesc{CheckpointEligible: true}, -1, DepSequential, 200)
	mustAdd(t, s, LayerDesc{}, -1, DepSequential, 200)
	if err := s.Prepare(); err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if s.Checkpointed(0) || !s.Checkpointed(1) || s.Checkpointed(2) {
		t.Fatalf("expected only the large eligible output checkpointed")
	}
}

func TestCheckpointRoundTrip(t *testing.T) {
	var produced []byte
	s := New(nil, noneConfig())
	mustAdd(t, s, LayerDesc{Name: "proj", InputSize: 3, Forward: func(_ context.Context, lc LayerContext) error {
		for i := range lc.Output {
			lc.Output[i] = lc.Input[i%len(lc.Input)] ^ byte(i)
		}
		produced = append([]byte(nil), lc.Output...)
		return nil
	}}, -1, DepNone, 16)
	mustAdd(t, s, LayerDesc{Name: "head"}, -1, DepSequential, 4)
	if err := s.SetCheckpoint(0, true); err != nil {
		t.Fatalf("set checkpoint: %v", err)
	}
	if err := s.ExecuteAll(context.Background(), []byte{7, 9, 11}, nil); err != nil {
		t.Fatalf("execute: %v", err)
	}
	saved, ok := s.Checkpoint(0)
	if !ok {
		t.Fatalf("no checkpoint for node 0")
	}
	if !bytes.Equal(saved, produced) {
		t.Fatalf("checkpoint differs from forward result:\n%v\n%v", saved, produced)
	}
	saved[0] ^= 0xff
	if again, _ := s.Checkpoint(0); !bytes.Equal(again, produced) {
		t.Fatalf("Checkpoint must return a copy")
	}
	if _, ok := s.Checkpoint(1); ok {
		t.Fatalf("node 1 was not checkpointed")
	}
}

func TestRecomputesReleasedOutput(t *testing.T) {
	var calls []string
	s := New(nil, noneConfig())
	mustAdd(t, s, LayerDesc{Name: "a", Forward: mix(&calls)}, -1, DepNone, 4)
	mustAdd(t, s, LayerDesc{Name: "b", Forward: mix(&calls)}, -1, DepSequential, 4)
	ctx := context.Background()
	if _, _, err := s.ExecuteNext(ctx, nil, nil); err != nil {
		t.Fatalf("step: %v", err)
	}
	if err := s.MarkOutputUnneeded(0); err != nil {
		t.Fatalf("mark: %v", err)
	}
	id, _, err := s.ExecuteNext(ctx, nil, nil)
	if err != nil || id != 1 {
		t.Fatalf("step: id=%d err=%v", id, err)
	}
	if diff := cmp.Diff([]string{"a", "a", "b"}, calls); diff != "" {
		t.Fatalf("calls (-want +got):\n%s", diff)
	}
	if got := s.Output(1); !bytes.Equal(got, []byte{2, 2, 2, 2}) {
		t.Fatalf("output = %v", got)
	}
	st := s.Stats()
	if st.Recomputations != 1 || st.Executions != 3 || st.LiveBytes != 4 {
		t.Fatalf("unexpected stats: %+v", st)
	}
}

func TestComputeFailureNamesNodeAndResumes(t *testing.T) {
	boom := errors.New("boom")
	fail := true
	var calls []string
	s := New(nil, noneConfig())
	mustAdd(t, s, LayerDesc{Name: "embed", Forward: mix(&calls)}, -1, DepNone, 4)
	mustAdd(t, s, LayerDesc{Name: "proj", Forward: func(ctx context.Context, lc LayerContext) error {
		if fail {
			return boom
		}
		return mix(&calls)(ctx, lc)
	}}, -1, DepSequential, 4)
	mustAdd(t, s, LayerDesc{Name: "head", Forward: mix(&calls)}, -1, DepSequential, 4)

	err := s.ExecuteAll(context.Background(), nil, nil)
	if !errs.IsComputeFailure(err) || !errors.Is(err, boom) {
		t.Fatalf("expected compute failure, got %v", err)
	}
	var e *errs.Error
	if !errors.As(err, &e) || e.Node != "proj" {
		t.Fatalf("error should name node proj: %v", err)
	}
	if !s.IsExecuted(0) || s.IsExecuted(1) || s.IsExecuted(2) {
		t.Fatalf("executed flags not preserved")
	}

	fail = false
	if err := s.ExecuteAll(context.Background(), nil, nil); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if diff := cmp.Diff([]string{"embed", "proj", "head"}, calls); diff != "" {
		t.Fatalf("resume reran nodes (-want +got):\n%s", diff)
	}
}

func TestInPlaceReusesInputBuffer(t *testing.T) {
	for _, allow := range []bool{true, false} {
		alloc := &countingAllocator{}
		cfg := noneConfig()
		cfg.AllowInPlace = allow
		cfg.Allocator = alloc
		aliased := false
		s := New(nil, cfg)
		mustAdd(t, s, LayerDesc{}, -1, DepNone, 64)
		mustAdd(t, s, LayerDesc{InPlace: true, Forward: func(ctx context.Context, lc LayerContext) error {
			aliased = &lc.Input[0] == &lc.Output[0]
			return mix(nil)(ctx, lc)
		}}, -1, DepSequential, 64)
		if err := s.ExecuteAll(context.Background(), nil, nil); err != nil {
			t.Fatalf("execute: %v", err)
		}
		wantAllocs, wantInPlace := 2, uint64(0)
		if allow {
			wantAllocs, wantInPlace = 1, 1
		}
		if aliased != allow || alloc.allocs != wantAllocs || s.Stats().InPlace != wantInPlace {
			t.Fatalf("allow=%t: aliased=%t allocs=%d stats=%+v", allow, aliased, alloc.allocs, s.Stats())
		}
		if got := s.Output(1); got[0] != 2 {
			t.Fatalf("allow=%t: output = %v", allow, got)
		}
	}
}

func TestReleasesOutputsAfterLastConsumer(t *testing.T) {
	cases := []struct {
		strategy MemoryStrategy
		live     int
	}{
		{StrategyDefault, 1},
		{StrategyMaxSpeed, 4},
	}
	for _, tc := range cases {
		alloc := &countingAllocator{}
		cfg := noneConfig()
		cfg.MemoryStrategy = tc.strategy
		cfg.Allocator = alloc
		s := New(nil, cfg)
		chain(t, s, 4, 32, false)
		if err := s.ExecuteAll(context.Background(), nil, nil); err != nil {
			t.Fatalf("%s: %v", tc.strategy, err)
		}
		if alloc.outstanding() != tc.live {
			t.Fatalf("%s: %d buffers outstanding, want %d", tc.strategy, alloc.outstanding(), tc.live)
		}
		if got := s.Stats().LiveBytes; got != uint64(32*tc.live) {
			t.Fatalf("%s: live bytes = %d", tc.strategy, got)
		}
		s.Reset()
		if alloc.outstanding() != 0 {
			t.Fatalf("%s: reset left %d buffers", tc.strategy, alloc.outstanding())
		}
	}
}

func TestExecuteNextUntilDone(t *testing.T) {
	s := New(nil, noneConfig())
	chain(t, s, 3, 4, false)
	ctx := context.Background()
	var got []NodeID
	for {
		id, _, err := s.ExecuteNext(ctx, nil, nil)
		if errors.Is(err, ErrDone) {
			break
		}
		if err != nil {
			t.Fatalf("step: %v", err)
		}
		got = append(got, id)
	}
	if diff := cmp.Diff([]NodeID{0, 1, 2}, got); diff != "" {
		t.Fatalf("steps (-want +got):\n%s", diff)
	}
	if err := s.ExecuteAll(ctx, nil, nil); err != nil {
		t.Fatalf("second pass: %v", err)
	}
	if st := s.Stats(); st.Executions != 6 || st.Executed != 3 {
		t.Fatalf("unexpected stats after two passes: %+v", st)
	}
}

func TestExecuteAllStopsOnCancelledContext(t *testing.T) {
	s := New(nil, noneConfig())
	chain(t, s, 2, 4, false)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := s.ExecuteAll(ctx, nil, nil); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context canceled, got %v", err)
	}
	if s.IsExecuted(0) {
		t.Fatalf("no node should run after cancel")
	}
}

func TestOutputBufferAndInputValidation(t *testing.T) {
	s := New(nil, noneConfig())
	mustAdd(t, s, LayerDesc{InputSize: 8}, -1, DepNone, 4)
	if err := s.ExecuteAll(context.Background(), []byte{1}, nil); !errs.IsInvalidArgument(err) {
		t.Fatalf("short input: %v", err)
	}
	if err := s.ExecuteAll(context.Background(), make([]byte, 8), make([]byte, 2)); !errs.IsInvalidArgument(err) {
		t.Fatalf("short output: %v", err)
	}
}

type fakeWeights struct{ used uint64 }

func (fakeWeights) Weights(types.LayerIndex) ([]byte, error) { return nil, nil }
func (f fakeWeights) MemoryUsage() uint64                   { return f.used }

func TestOptimalBatchSize(t *testing.T) {
	s := New(nil, noneConfig())
	mustAdd(t, s, LayerDesc{}, -1, DepNone, 1000)
	if got := s.OptimalBatchSize(100, 200, 8); got != 8 {
		t.Fatalf("unlimited memory should return maxBatch, got %d", got)
	}
	if got := s.OptimalBatchSize(100, 200, 0); got != 1 {
		t.Fatalf("non-positive maxBatch should return 1, got %d", got)
	}

	cfg := noneConfig()
	cfg.MaxMemory = 10000
	cases := []struct {
		name     string
		src      WeightSource
		maxBatch int
		want     int
	}{
		{"fits", nil, 64, 30},
		{"clamped", nil, 16, 16},
		{"weights resident", fakeWeights{used: 3000}, 64, 20},
		{"no room", fakeWeights{used: 9500}, 64, 1},
	}
	for _, tc := range cases {
		s := New(tc.src, cfg)
		mustAdd(t, s, LayerDesc{}, -1, DepNone, 1000)
		if got := s.OptimalBatchSize(100, 200, tc.maxBatch); got != tc.want {
			t.Fatalf("%s: got %d, want %d", tc.name, got, tc.want)
		}
	}
}

func TestDump(t *testing.T) {
	s := New(nil, noneConfig())
	mustAdd(t, s, LayerDesc{Name: "embed", Weighted: true, Layer: 3}, -1, DepNone, 2048)
	mustAdd(t, s, LayerDesc{Name: "head"}, -1, DepSequential, 16)
	if err := s.Prepare(); err != nil {
		t.Fatalf("prepare: %v", err)
	}
	var buf bytes.Buffer
	if err := s.Dump(&buf); err != nil {
		t.Fatalf("dump: %v", err)
	}
	out := buf.String()
	for _, want := range []string{"policy=none", "embed", "2.0 KiB", "order: 0,1", "max_memory=unlimited"} {
		if !strings.Contains(out, want) {
			t.Fatalf("dump missing %q:\n%s", want, out)
		}
	}
}

func TestExecuteWithLoaderWeights(t *testing.T) {
	var img bytes.Buffer
	layers := []modelimage.Layer{
		{Data: bytes.Repeat([]byte{10}, 256)},
		{Data: bytes.Repeat([]byte{20}, 256)},
		{Data: bytes.Repeat([]byte{30}, 256)},
	}
	if err := modelimage.Write(&img, "tiny", layers); err != nil {
		t.Fatalf("write image: %v", err)
	}
	ccfg := layercache.DefaultConfig()
	ccfg.PrefetchEnabled = false
	cache, err := layercache.OpenReaderAt(bytes.NewReader(img.Bytes()), int64(img.Len()), ccfg)
	if err != nil {
		t.Fatalf("open cache: %v", err)
	}
	defer cache.Close()
	ld, err := loader.New(cache, loader.DefaultConfig())
	if err != nil {
		t.Fatalf("loader: %v", err)
	}

	// Each node adds its layer's first weight byte to its input.
	add := func(_ context.Context, lc LayerContext) error {
		var v byte
		if len(lc.Input) > 0 {
			v = lc.Input[0]
		}
		for i := range lc.Output {
			lc.Output[i] = v + lc.Weights[0]
		}
		return nil
	}
	s := New(ld, noneConfig())
	for i := 0; i < 3; i++ {
		mustAdd(t, s, LayerDesc{Layer: types.LayerIndex(i), Weighted: true, Forward: add}, -1, DepSequential, 8)
	}
	out := make([]byte, 8)
	if err := s.ExecuteAll(context.Background(), []byte{1}, out); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if out[0] != 61 || out[7] != 61 {
		t.Fatalf("output = %v", out)
	}
	for i := types.LayerIndex(0); i < 3; i++ {
		if got := ld.State(i); got != types.LayerLoaded {
			t.Fatalf("layer %d state = %s", i, got)
		}
	}
}
