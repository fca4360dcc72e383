package cli

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/VanDung-dev/Neuropil-Engine/puml"
)

// PumlOptions holds flags for the puml command.
type PumlOptions struct {
	*RootOptions
	Out     string
	URL     string
	Open    bool
	Timeout time.Duration
}

// NewPumlCommand creates the puml command.
func NewPumlCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &PumlOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "puml",
		Short: "Render the node status diagram",
		Long: `Write the node status state machine as PlantUML and render it to SVG
through a PlantUML server.

Example:
  neuropil puml --out build/puml --open`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), opts.Timeout)
			defer cancel()

			r := puml.NewRenderer()
			r.Dir = opts.Out
			r.BaseURL = opts.URL
			svg, err := r.Render(ctx, puml.StatusDiagram(), "states.puml", opts.Open)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), filepath.ToSlash(svg))
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.Out, "out", puml.DefaultDir, "output directory")
	cmd.Flags().StringVar(&opts.URL, "url", puml.DefaultBaseURL, "PlantUML svg endpoint")
	cmd.Flags().BoolVar(&opts.Open, "open", false, "open the svg in the default browser")
	cmd.Flags().DurationVar(&opts.Timeout, "timeout", 30*time.Second, "render timeout")

	return cmd
}
