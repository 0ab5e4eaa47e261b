package scheduler

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog"
)

// MemoryStrategy trades activation memory against recomputation.
type MemoryStrategy uint8

const (
	// StrategyDefault frees outputs once their consumers have run.
	StrategyDefault MemoryStrategy = iota
	// StrategyMinMemory additionally checkpoints large outputs.
	StrategyMinMemory
	// StrategyMaxSpeed keeps every output live for the whole pass.
	StrategyMaxSpeed
	// StrategyAdaptive starts as Default and falls back to the MinMemory
	// selection when the plan does not fit MaxMemory.
	StrategyAdaptive
)

func (s MemoryStrategy) String() string {
	switch s {
	case StrategyMinMemory:
		return "min-memory"
	case StrategyMaxSpeed:
		return "max-speed"
	case StrategyAdaptive:
		return "adaptive"
	default:
		return "default"
	}
}

// ParseMemoryStrategy accepts default, min-memory, max-speed or adaptive.
func ParseMemoryStrategy(s string) (MemoryStrategy, error) {
	switch strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "_", "-") {
	case "", "default":
		return StrategyDefault, nil
	case "min-memory", "minmemory":
		return StrategyMinMemory, nil
	case "max-speed", "maxspeed":
		return StrategyMaxSpeed, nil
	case "adaptive":
		return StrategyAdaptive, nil
	}
	return StrategyDefault, fmt.Errorf("unknown memory strategy %q", s)
}

// CheckpointPolicy selects which node outputs are saved.
type CheckpointPolicy uint8

const (
	CheckpointNone CheckpointPolicy = iota
	CheckpointSelective
	CheckpointAll
)

func (p CheckpointPolicy) String() string {
	switch p {
	case CheckpointNone:
		return "none"
	case CheckpointAll:
		return "all"
	default:
		return "selective"
	}
}

// ParseCheckpointPolicy accepts none, selective or all.
func ParseCheckpointPolicy(s string) (CheckpointPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "none":
		return CheckpointNone, nil
	case "", "selective":
		return CheckpointSelective, nil
	case "all":
		return CheckpointAll, nil
	}
	return CheckpointSelective, fmt.Errorf("unknown checkpoint policy %q", s)
}

const (
	defaultWorkspaceSize        = 4 << 20
	defaultCheckpointOverhead   = 1.1
	defaultLargeOutputThreshold = 1 << 20
)

// Config tunes a Scheduler. MaxMemory of zero means unlimited.
type Config struct {
	MemoryStrategy         MemoryStrategy
	CheckpointPolicy       CheckpointPolicy
	MaxMemory              uint64
	PreferredWorkspaceSize uint64
	AllowInPlace           bool
	OptimizeOverlap        bool

	// CheckpointOverhead multiplies a checkpointed output's size when it
	// is charged against the budget. Zero means 1.1.
	CheckpointOverhead float64
	// LargeOutputThreshold is the output size above which MinMemory
	// checkpoints an eligible node. Zero means 1 MiB.
	LargeOutputThreshold uint64

	// Allocator provides activation buffers. Nil uses the Go heap.
	Allocator Allocator
	// UserData is passed unchanged to every forward call.
	UserData any
	Logger   *zerolog.Logger
}

// DefaultConfig returns Default strategy, Selective checkpoints, no memory
// limit, a 4 MiB workspace and in-place and overlap optimisations enabled.
func DefaultConfig() Config {
	return Config{
		MemoryStrategy:         StrategyDefault,
		CheckpointPolicy:       CheckpointSelective,
		PreferredWorkspaceSize: defaultWorkspaceSize,
		AllowInPlace:           true,
		OptimizeOverlap:        true,
		CheckpointOverhead:     defaultCheckpointOverhead,
		LargeOutputThreshold:   defaultLargeOutputThreshold,
	}
}

func (c Config) withDefaults() Config {
	if c.CheckpointOverhead <= 0 {
		c.CheckpointOverhead = defaultCheckpointOverhead
	}
	if c.LargeOutputThreshold == 0 {
		c.LargeOutputThreshold = defaultLargeOutputThreshold
	}
	if c.Allocator == nil {
		c.Allocator = heapAllocator{}
	}
	if c.Logger == nil {
		nop := zerolog.Nop()
		c.Logger = &nop
	}
	return c
}

// Allocator hands out activation buffers. Free is called once for every
// buffer the scheduler stops using.
type Allocator interface {
	Alloc(n uint64) []byte
	Free(b []byte)
}

type heapAllocator struct{}

func (heapAllocator) Alloc(n uint64) []byte { return make([]byte, n) }
func (heapAllocator) Free([]byte)           {}
