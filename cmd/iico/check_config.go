package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/cloudx-io/openiico/config"
)

type checkConfigResult struct {
	Valid               bool      `json:"valid"`
	Error               string    `json:"error,omitempty"`
	SaleID              string    `json:"sale_id,omitempty"`
	Start               time.Time `json:"start,omitempty"`
	FullBonusEnd        time.Time `json:"full_bonus_end,omitempty"`
	WithdrawalLockStart time.Time `json:"withdrawal_lock_start,omitempty"`
	SaleEnd             time.Time `json:"sale_end,omitempty"`
	Buckets             int       `json:"buckets,omitempty"`
	Whitelist           string    `json:"whitelist,omitempty"`
}

func newCheckConfigCommand(rootOpts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "check-config <sale.yaml>",
		Short: "Validate a sale file and print its schedule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var res checkConfigResult
			f, err := config.Load(args[0])
			if err == nil {
				var sale config.Sale
				if sale, err = f.Sale(); err == nil {
					phases := sale.Core.Phases
					res = checkConfigResult{
						Valid:               true,
						SaleID:              sale.ID,
						Start:               phases.StartTime(),
						FullBonusEnd:        phases.FullBonusEnd(),
						WithdrawalLockStart: phases.WithdrawalLockStart(),
						SaleEnd:             phases.SaleEnd(),
						Buckets:             len(sale.Core.BucketBounds) + 1,
					}
					if sale.Whitelist != nil {
						res.Whitelist = sale.Whitelist.String()
					}
				}
			}
			if err != nil {
				res.Error = err.Error()
			}

			out := cmd.OutOrStdout()
			if rootOpts.Format == "json" {
				if werr := writeJSON(out, res); werr != nil {
					return werr
				}
				if err != nil {
					return fmt.Errorf("invalid sale file")
				}
				return nil
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "sale %s is valid\n", dashIfEmpty(res.SaleID))
			fmt.Fprintf(out, "  start:            %s\n", res.Start.Format(time.RFC3339))
			fmt.Fprintf(out, "  full bonus until: %s\n", res.FullBonusEnd.Format(time.RFC3339))
			fmt.Fprintf(out, "  withdrawals lock: %s\n", res.WithdrawalLockStart.Format(time.RFC3339))
			fmt.Fprintf(out, "  sale end:         %s\n", res.SaleEnd.Format(time.RFC3339))
			fmt.Fprintf(out, "  buckets:          %d\n", res.Buckets)
			if res.Whitelist != "" {
				fmt.Fprintf(out, "  whitelist:        %s\n", res.Whitelist)
			}
			return nil
		},
	}
}

func dashIfEmpty(s string) string {
	if s == "" {
		return "(no sale_id)"
	}
	return s
}
