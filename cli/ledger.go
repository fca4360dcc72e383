package cli

import (
	"context"
	"io"
	"time"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/VanDung-dev/Neuropil-Engine/api"
	"github.com/VanDung-dev/Neuropil-Engine/arrow"
	"github.com/VanDung-dev/Neuropil-Engine/data"
)

// NewLedgerCommand creates the ledger command group.
func NewLedgerCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Inspect accounting ledgers",
	}
	cmd.AddCommand(newLedgerDumpCommand(), newLedgerFetchCommand())
	return cmd
}

func newLedgerDumpCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "dump <file.arrow>",
		Short: "Print ledger entries as JSON lines",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			entries, err := arrow.NewIPCWriter().ReadLedgerFile(args[0])
			if err != nil {
				return err
			}
			return writeEntries(cmd.OutOrStdout(), entries)
		},
	}
}

func newLedgerFetchCommand() *cobra.Command {
	var (
		q       api.LedgerQuery
		since   time.Duration
		out     string
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "fetch <address>",
		Short: "Fetch the ledger of a running node",
		Long: `Fetch ledger entries from a node started with --ledger-addr.

Example:
  neuropil ledger fetch 127.0.0.1:7070 --kind send --since 5m`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if since > 0 {
				q.Since = time.Now().Add(-since)
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			entries, err := api.FetchLedger(ctx, args[0], q)
			if err != nil {
				return err
			}
			if out != "" {
				return arrow.NewIPCWriter().WriteLedgerFile(out, entries)
			}
			return writeEntries(cmd.OutOrStdout(), entries)
		},
	}

	cmd.Flags().StringVar(&q.Kind, "kind", "", "only entries of this kind (send|deliver|authn|authz|acc)")
	cmd.Flags().StringVar(&q.Subject, "subject", "", "only entries of this subject")
	cmd.Flags().IntVar(&q.Limit, "limit", 0, "keep only the newest entries")
	cmd.Flags().StringVar(&q.Token, "token", "", "auth token of the ledger server")
	cmd.Flags().DurationVar(&since, "since", 0, "only entries younger than this")
	cmd.Flags().StringVarP(&out, "output", "o", "", "write an Arrow file instead of JSON")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "request timeout")

	return cmd
}

func writeEntries(w io.Writer, entries []data.LedgerEntry) error {
	enc := json.NewEncoder(w)
	for _, e := range entries {
		if err := enc.Encode(e); err != nil {
			return err
		}
	}
	return nil
}
