package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/cloudx-io/openiico/store"
)

func newJournalCommand(rootOpts *rootOptions) *cobra.Command {
	var (
		dbPath string
		saleID string
		after  int64
	)

	cmd := &cobra.Command{
		Use:   "journal",
		Short: "Print the operation journal of a sale",
		Long:  "Read the journal the sale daemon writes to its SQLite database.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := store.Open(dbPath)
			if err != nil {
				return err
			}
			defer s.Close()

			entries, err := s.Journal(cmd.Context(), saleID, after)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if rootOpts.Format == "json" {
				return writeJSON(out, entries)
			}

			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "SEQ\tAT\tOP\tERROR\tREQUEST")
			for _, e := range entries {
				code := e.ErrorCode
				if code == "" {
					code = "-"
				}
				fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", e.Seq, e.At.Format(time.RFC3339Nano), e.Op, code, e.Request)
			}
			return tw.Flush()
		},
	}

	cmd.Flags().StringVar(&dbPath, "db", "", "path to the sale database")
	cmd.Flags().StringVar(&saleID, "sale", "", "sale ID")
	cmd.Flags().Int64Var(&after, "after", 0, "only entries with a higher sequence number")
	_ = cmd.MarkFlagRequired("db")
	_ = cmd.MarkFlagRequired("sale")
	return cmd
}
