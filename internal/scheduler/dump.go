package scheduler

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
)

// Dump writes the configuration, the graph and, once prepared, the
// execution order in a human-readable form.
func (s *Scheduler) Dump(w io.Writer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	fmt.Fprintf(w, "strategy=%s policy=%s max_memory=%s workspace=%s in_place=%t overlap=%t prepared=%t\n",
		s.cfg.MemoryStrategy, s.policy, budgetString(s.cfg.MaxMemory), humanize.IBytes(uint64(len(s.workspace))),
		s.cfg.AllowInPlace, s.cfg.OptimizeOverlap, s.prepared)
	if s.prepared {
		fmt.Fprintf(w, "estimated peak=%s total=%s\n", humanize.IBytes(s.estPeak), humanize.IBytes(s.estTotal))
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tLAYER\tKIND\tDEPS\tOUTPUT\tWORKSPACE\tCKPT\tEXECUTED")
	for i := range s.nodes {
		n := &s.nodes[i]
		layer := "-"
		if n.desc.Weighted {
			layer = n.desc.Layer.String()
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\t%s\t%t\t%t\n",
			i, n.desc.Name, layer, n.kind, joinIDs(n.deps), humanize.IBytes(n.outputSize),
			humanize.IBytes(n.desc.WorkspaceSize), s.prepared && n.checkpoint, n.executed)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	if s.prepared {
		_, err := fmt.Fprintf(w, "order: %s\n", joinIDs(s.order))
		return err
	}
	return nil
}

func budgetString(b uint64) string {
	if b == 0 {
		return "unlimited"
	}
	return humanize.IBytes(b)
}

func joinIDs(ids []NodeID) string {
	if len(ids) == 0 {
		return "-"
	}
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = fmt.Sprint(int(id))
	}
	return strings.Join(parts, ",")
}
