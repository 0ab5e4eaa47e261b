package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"layerstream/internal/config"
	"layerstream/internal/httpapi"
	"layerstream/internal/scheduler"
	"layerstream/internal/session"
	"layerstream/pkg/types"
)

// graphFlags shape the synthetic pass built over every layer of an image.
type graphFlags struct {
	activation    string
	residualEvery int
	strategy      string
	checkpoint    string
	maxMemory     string
}

func (g *graphFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&g.activation, "activation", "4KiB", "Output bytes of every node")
	cmd.Flags().IntVar(&g.residualEvery, "residual-every", 0, "Add a residual edge from node i-k to every k-th node (0 disables)")
	cmd.Flags().StringVar(&g.strategy, "strategy", "", "Memory strategy override: default|min-memory|max-speed|adaptive")
	cmd.Flags().StringVar(&g.checkpoint, "checkpoint", "", "Checkpoint policy override: none|selective|all")
	cmd.Flags().StringVar(&g.maxMemory, "max-memory", "", "Activation budget override, e.g. 16MiB (0 is unlimited)")
}

// apply folds the overrides into the scheduler section of f.
func (g *graphFlags) apply(f *config.File) error {
	if g.strategy != "" {
		f.Scheduler.MemoryStrategy = g.strategy
	}
	if g.checkpoint != "" {
		f.Scheduler.CheckpointPolicy = g.checkpoint
	}
	if g.maxMemory != "" {
		var sz config.Size
		if err := sz.UnmarshalText([]byte(g.maxMemory)); err != nil {
			return fmt.Errorf("--max-memory: %w", err)
		}
		f.Scheduler.MaxMemory = sz
	}
	return nil
}

// openSession opens path with the merged configuration and builds the
// synthetic pass over all of its layers.
func openSession(st *rootState, g *graphFlags, path string) (*session.Session, *scheduler.Scheduler, uint64, error) {
	f := st.file
	if err := g.apply(&f); err != nil {
		return nil, nil, 0, err
	}
	var act config.Size
	if err := act.UnmarshalText([]byte(g.activation)); err != nil {
		return nil, nil, 0, fmt.Errorf("--activation: %w", err)
	}
	if act == 0 {
		return nil, nil, 0, fmt.Errorf("--activation must be positive")
	}
	cfg, err := f.SessionConfig()
	if err != nil {
		return nil, nil, 0, err
	}
	cfg.Logger = &st.log
	s, err := session.Open(path, cfg)
	if err != nil {
		return nil, nil, 0, err
	}
	sc := s.NewScheduler(nil)
	if err := buildPass(sc, s.Model().LayerCount, uint64(act), g.residualEvery); err != nil {
		_ = s.Close()
		return nil, nil, 0, err
	}
	if err := s.ApplySchedulerDependencies(sc); err != nil {
		_ = s.Close()
		return nil, nil, 0, err
	}
	return s, sc, uint64(act), nil
}

// buildPass adds one weighted node per layer. Every residualEvery-th node
// also consumes the node residualEvery steps back; other nodes may run in
// place.
func buildPass(sc *scheduler.Scheduler, layers uint32, activation uint64, residualEvery int) error {
	for i := 0; i < int(layers); i++ {
		desc := scheduler.LayerDesc{
			Name:               fmt.Sprintf("layer-%d", i),
			Layer:              types.LayerIndex(i),
			Weighted:           true,
			Forward:            mixForward,
			CheckpointEligible: true,
		}
		kind, dep := scheduler.DepSequential, -1
		if residualEvery > 0 && i >= residualEvery && i%residualEvery == 0 {
			kind, dep = scheduler.DepResidual, i-residualEvery
		} else {
			desc.InPlace = true
		}
		if i == 0 {
			desc.InputSize = activation
		}
		if _, err := sc.AddLayer(desc, dep, kind, activation); err != nil {
			return err
		}
	}
	return nil
}

// mixForward sums the inputs byte-wise and xors in the layer weights.
// Output[j] depends only on index j of each input, so it is safe in place.
func mixForward(_ context.Context, lc scheduler.LayerContext) error {
	for j := range lc.Output {
		var v byte
		for _, in := range lc.Inputs {
			if len(in) > 0 {
				v += in[j%len(in)]
			}
		}
		if len(lc.Weights) > 0 {
			v ^= lc.Weights[j%len(lc.Weights)]
		}
		lc.Output[j] = v
	}
	return nil
}

func newPlanCmd(st *rootState) *cobra.Command {
	var g graphFlags
	cmd := &cobra.Command{
		Use:   "plan <image>",
		Short: "Prepare the pass over an image and print the plan without running it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, sc, _, err := openSession(st, &g, args[0])
			if err != nil {
				return err
			}
			defer s.Close()
			if err := s.Prepare(sc); err != nil {
				return err
			}
			return sc.Dump(cmd.OutOrStdout())
		},
	}
	g.register(cmd)
	return cmd
}

func newRunCmd(st *rootState) *cobra.Command {
	var (
		g           graphFlags
		passes      int
		metricsAddr string
		serve       bool
	)
	cmd := &cobra.Command{
		Use:     "run <image>",
		Short:   "Execute passes over every layer of an image and print statistics",
		Example: "  layerstream run tiny.tmai --passes 3 --residual-every 2\n  layerstream run tiny.tmai --metrics-addr :9090 --serve",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if passes <= 0 {
				return fmt.Errorf("--passes must be positive")
			}
			addr := st.file.MetricsAddr
			if cmd.Flags().Changed("metrics-addr") {
				addr = metricsAddr
			}
			if serve && addr == "" {
				return fmt.Errorf("--serve needs --metrics-addr")
			}
			s, sc, act, err := openSession(st, &g, args[0])
			if err != nil {
				return err
			}
			group := session.NewGroup()
			group.Add(s)
			defer group.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			eg, gctx := errgroup.WithContext(ctx)
			if addr != "" {
				srv := &http.Server{Addr: addr, Handler: httpapi.NewMux(group, httpapi.Options{Logger: &st.log})}
				eg.Go(func() error {
					st.log.Info().Str("addr", addr).Msg("serving status and metrics")
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						return err
					}
					return nil
				})
				eg.Go(func() error {
					<-gctx.Done()
					sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					return srv.Shutdown(sctx)
				})
			}
			eg.Go(func() error {
				if err := runPasses(gctx, cmd.OutOrStdout(), s, sc, passes, act); err != nil {
					return err
				}
				if serve {
					<-gctx.Done()
					return nil
				}
				stop()
				return nil
			})
			return eg.Wait()
		},
	}
	g.register(cmd)
	cmd.Flags().IntVar(&passes, "passes", 1, "Number of passes to execute")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve /metrics, /status, /healthz and /readyz on this address")
	cmd.Flags().BoolVar(&serve, "serve", false, "Keep serving after the passes until interrupted")
	return cmd
}

func runPasses(ctx context.Context, w io.Writer, s *session.Session, sc *scheduler.Scheduler, passes int, activation uint64) error {
	in := make([]byte, activation)
	for i := range in {
		in[i] = byte(i)
	}
	out := make([]byte, activation)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PASS\tELAPSED\tPEAK\tCHECKPOINTS\tRESTORES\tRECOMPUTED\tCHECKSUM")
	for p := 1; p <= passes; p++ {
		start := time.Now()
		if err := s.Execute(ctx, sc, in, out); err != nil {
			return err
		}
		st := sc.Stats()
		fmt.Fprintf(tw, "%d\t%s\t%s\t%d\t%d\t%d\t%d\n", p, time.Since(start).Round(time.Microsecond),
			humanize.IBytes(st.PeakBytes), st.Checkpoints, st.Restores, st.Recomputations, checksum(out))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	return printStatus(w, s.Status())
}

func checksum(b []byte) uint32 {
	var sum uint32
	for _, c := range b {
		sum = sum*31 + uint32(c)
	}
	return sum
}

func printStatus(w io.Writer, st types.SessionStatus) error {
	c, l := st.Cache, st.Loader
	fmt.Fprintf(w, "model: %s (%d layers)\n", st.Model, c.LayerCount)
	fmt.Fprintf(w, "cache: resident=%d used=%s/%s hits=%d misses=%d evictions=%d prefetched=%d read=%s mapped=%t\n",
		c.Resident, humanize.IBytes(c.UsedBytes), humanize.IBytes(c.CapacityBytes), c.Hits, c.Misses, c.Evictions,
		c.Prefetched, humanize.IBytes(c.BytesRead), c.Mapped)
	fmt.Fprintf(w, "loader: loaded=%d used=%s/%s peak=%s loads=%d unloads=%d prefetches=%d avg_load=%.3fms pattern=%s strategy=%s\n",
		l.Loaded, humanize.IBytes(l.UsedBytes), humanize.IBytes(l.BudgetBytes), humanize.IBytes(l.PeakBytes),
		l.Loads, l.Unloads, l.Prefetches, l.AvgLoadTimeMs, l.Pattern, l.Strategy)
	for i, sc := range st.Schedulers {
		_, err := fmt.Fprintf(w, "scheduler %d: nodes=%d executions=%d in_place=%d estimated_peak=%s peak=%s policy=%s forward=%.2fms\n",
			i, sc.Nodes, sc.Executions, sc.InPlace, humanize.IBytes(sc.EstimatedPeakBytes), humanize.IBytes(sc.PeakBytes), sc.Policy, sc.ForwardMillis)
		if err != nil {
			return err
		}
	}
	return nil
}
