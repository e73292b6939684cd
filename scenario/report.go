package scenario

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"
)

// Print writes a human-readable report.
func (r *Report) Print(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)

	fmt.Fprintf(tw, "scenario:\t%s\n", r.Name)
	fmt.Fprintf(tw, "sale:\t%s\n\n", r.SaleID)

	fmt.Fprintln(tw, "STEP\tAT\tOP\tBIDDER\tBID\tWALK\tREFUND\tERROR")
	for _, s := range r.Steps {
		refund := "-"
		if s.Op == "withdraw" && s.ErrorCode == "" {
			refund = s.Refund.String()
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%d\t%d\t%s\t%s\n",
			s.Index, s.At.UTC().Format(time.RFC3339), s.Op, s.Bidder, s.BidID, s.WalkSteps, refund, dash(s.ErrorCode))
	}

	fmt.Fprintf(tw, "\nfinalize:\t%d calls, %d steps\n", r.FinalizeCalls, r.FinalizeSteps)
	if r.Cutoff.Undersubscribed {
		fmt.Fprintln(tw, "cutoff:\tnone (undersubscribed)")
	} else {
		fmt.Fprintf(tw, "cutoff:\tbid %d, fraction %s\n", r.Cutoff.BidID, r.Cutoff.AcceptedFraction)
	}
	fmt.Fprintf(tw, "accepted:\t%s virtual, %s real\n", r.Totals.AcceptedVirtual, r.Totals.AcceptedReal)
	fmt.Fprintf(tw, "supply:\t%s\n", r.Totals.TokenSupply)
	fmt.Fprintf(tw, "state:\t%s\n\n", r.StateHash)

	fmt.Fprintln(tw, "BID\tBIDDER\tOUTCOME\tTOKENS\tREFUND")
	for _, e := range r.Effects {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", e.BidID, e.Bidder, e.Outcome, e.Tokens, e.Refund)
	}

	if len(r.Failures) > 0 {
		fmt.Fprintln(tw, "\nFAILURES")
		for _, f := range r.Failures {
			fmt.Fprintf(tw, "  %s\n", f)
		}
	}
	return tw.Flush()
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
