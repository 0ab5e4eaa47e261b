package cli

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	json "github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"layerstream/internal/modelimage"
	"layerstream/internal/registry"
)

func newInspectCmd(st *rootState) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:     "inspect <image>",
		Short:   "Print the header and layer table of a model image",
		Example: "  layerstream inspect ~/models/tiny.tmai",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			im, err := modelimage.ReadFile(args[0], st.file.Cache.MaxLayers)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				return writeJSON(out, im)
			}
			fmt.Fprintf(out, "name: %s\nversion: %d\nlayers: %d\nfile: %s\nweights: %s\n",
				im.Name, im.Version, im.LayerCount(), humanize.IBytes(uint64(im.Size)), humanize.IBytes(im.WeightsSize()))
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "INDEX\tOFFSET\tSIZE\tPRECISION")
			for _, d := range im.Layers {
				fmt.Fprintf(tw, "%d\t%d\t%s\t%d\n", d.Index, d.Offset, humanize.IBytes(d.ByteSize), d.PrecisionBits)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON instead of a table")
	return cmd
}

func newPackCmd(st *rootState) *cobra.Command {
	var (
		out       string
		name      string
		layers    int
		size      string
		precision uint32
	)
	cmd := &cobra.Command{
		Use:     "pack",
		Short:   "Write a synthetic model image",
		Example: "  layerstream pack --out tiny.tmai --layers 8 --size 1MiB",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if out == "" {
				return fmt.Errorf("--out is required")
			}
			if layers <= 0 {
				return fmt.Errorf("--layers must be positive")
			}
			n, err := humanize.ParseBytes(size)
			if err != nil {
				return fmt.Errorf("--size: %w", err)
			}
			if n == 0 {
				return fmt.Errorf("--size must be positive")
			}
			ls := make([]modelimage.Layer, layers)
			for i := range ls {
				data := make([]byte, n)
				for j := range data {
					data[j] = byte(i + j)
				}
				ls[i] = modelimage.Layer{Data: data, PrecisionBits: precision}
			}
			if name == "" {
				name = "synthetic"
			}
			if err := modelimage.WriteFile(out, name, ls); err != nil {
				return err
			}
			st.log.Info().Str("path", out).Int("layers", layers).Uint64("bytes", n).Msg("image written")
			return nil
		},
	}
	cmd.Flags().StringVar(&out, "out", "", "Output path")
	cmd.Flags().StringVar(&name, "name", "", "Model name stored in the header (default synthetic)")
	cmd.Flags().IntVar(&layers, "layers", 4, "Number of layers")
	cmd.Flags().StringVar(&size, "size", "64KiB", "Bytes per layer, e.g. 4096 or 1MiB")
	cmd.Flags().Uint32Var(&precision, "precision", 16, "Precision bits recorded per layer")
	return cmd
}

func newListCmd(st *rootState) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "list [dir]",
		Short: "List model images in a directory (defaults to models_dir or ~/models)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := st.file.ModelsDir
			if len(args) == 1 {
				dir = args[0]
			}
			if dir == "" {
				dir = "~/models"
			}
			s := &registry.ImageScanner{MaxLayers: st.file.Cache.MaxLayers, Logger: &st.log}
			models, err := s.Scan(dir)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				return writeJSON(out, models)
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNAME\tLAYERS\tSIZE")
			for _, m := range models {
				fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", m.ID, m.Name, m.LayerCount, humanize.IBytes(uint64(m.SizeBytes)))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON instead of a table")
	return cmd
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
