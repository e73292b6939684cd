package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cloudx-io/openiico/saleapi"
	"github.com/cloudx-io/openiico/scenario"
)

type simulateResult struct {
	Name      string               `json:"name"`
	SaleID    string               `json:"sale_id"`
	Passed    bool                 `json:"passed"`
	Failures  []string             `json:"failures,omitempty"`
	Calls     int                  `json:"finalize_calls"`
	Cutoff    saleapi.CutoffView   `json:"cutoff"`
	Totals    saleapi.TotalsView   `json:"totals"`
	Effects   []saleapi.EffectView `json:"effects"`
	StateHash string               `json:"state_hash"`
}

func newSimulateCommand(rootOpts *rootOptions) *cobra.Command {
	var batch int

	cmd := &cobra.Command{
		Use:   "simulate <scenario.yaml>",
		Short: "Run a scripted sale and print its settlement",
		Long: `Run a scenario file against a fresh in-memory sale: apply its bids and
withdrawals at their offsets, finalize in batches, redeem every bid and check the
scenario's expectations. Exits non-zero when an expectation fails.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := scenario.Load(args[0])
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("batch") {
				if batch < 0 {
					return fmt.Errorf("--batch must not be negative")
				}
				s.FinalizeBatch = batch
			}

			report, err := scenario.Run(s)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if rootOpts.Format == "json" {
				res := simulateResult{
					Name:      report.Name,
					SaleID:    report.SaleID,
					Passed:    report.Passed(),
					Failures:  report.Failures,
					Calls:     report.FinalizeCalls,
					Cutoff:    saleapi.NewCutoffView(report.Cutoff),
					Totals:    saleapi.NewTotalsView(report.Totals),
					StateHash: report.StateHash,
				}
				for _, e := range report.Effects {
					res.Effects = append(res.Effects, saleapi.NewEffectView(e))
				}
				if err := writeJSON(out, res); err != nil {
					return err
				}
			} else if err := report.Print(out); err != nil {
				return err
			}

			if !report.Passed() {
				return fmt.Errorf("%d expectation(s) failed", len(report.Failures))
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&batch, "batch", 0, "finalize step budget per call (0 = one call)")
	return cmd
}
